// Package emit provides pluggable observability events for batch execution.
package emit

// Event names emitted by the engine. The Msg field of every engine event is
// one of these.
const (
	EventJobStart       = "job_start"
	EventJobResume      = "job_resume"
	EventPhaseStart     = "phase_start"
	EventPhaseComplete  = "phase_complete"
	EventItemComplete   = "item_complete"
	EventItemRetry      = "item_retry"
	EventItemDeadLetter = "item_dead_letter"
	EventCheckpoint     = "checkpoint_saved"
	EventReconcile      = "reconcile"
	EventJobStopped     = "job_stopped"
	EventJobComplete    = "job_complete"
	EventJobFailed      = "job_failed"
)

// Event represents an observability event emitted during batch execution.
//
// Events provide detailed insight into job behavior:
//   - Job and phase lifecycle transitions
//   - Item completions, retries, and dead-letters
//   - Checkpoint writes and analytics reconciliation
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Buffer in memory for tests and dashboards
type Event struct {
	// JobID identifies the job that emitted this event.
	JobID string

	// Phase names the pipeline phase. Empty for job-level events
	// (job_start, job_complete, job_stopped, job_failed).
	Phase string

	// Item is the item index for item-level events. -1 for job- and
	// phase-level events; 0 is a valid index.
	Item int

	// Msg is the event name, one of the Event* constants.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": Processing duration in milliseconds
	//   - "error": Error details
	//   - "attempt": Retry attempt number
	//   - "tokens": Token count for the item
	//   - "cost_usd": Cost for the item
	//   - "completed", "failed": Counter snapshots on reconcile events
	Meta map[string]interface{}
}
