// Package store provides persistence for batch pipeline jobs, items, and
// checkpoints.
//
// It defines the persisted records (Job, Item, Checkpoint) and the Store
// interface the engine talks to. Implementations can use:
//   - In-memory storage (for testing, see memory.go)
//   - SQLite (single-file database, see sqlite.go)
//   - MySQL (shared relational database, see mysql.go)
//
// The engine partitions writes so that no locking is required across workers:
// item rows are written only by the worker holding that item's index, job
// aggregates are replaced wholesale by reconciliation, and the checkpoint
// column has a single writer.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested job or item does not exist.
var ErrNotFound = errors.New("not found")

// JobStatus is the lifecycle state of a Job.
type JobStatus string

// Job lifecycle states.
//
// PENDING → RUNNING → COMPLETED is the success path. RUNNING can divert to
// PAUSED, CANCELLED, or FAILED; FAILED and PAUSED are resumable back to
// RUNNING. COMPLETED and CANCELLED are final.
const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobPaused    JobStatus = "PAUSED"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status is a terminal state.
// FAILED is terminal but resumable; COMPLETED and CANCELLED are final.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ItemStatus is the lifecycle state of an Item within its current phase.
type ItemStatus string

// Item lifecycle states. An item cycles PENDING → PROCESSING → COMPLETED for
// each phase; a retryable failure flips it back to PENDING, and exhausting
// retries dead-letters it as FAILED.
const (
	ItemPending    ItemStatus = "PENDING"
	ItemProcessing ItemStatus = "PROCESSING"
	ItemCompleted  ItemStatus = "COMPLETED"
	ItemFailed     ItemStatus = "FAILED"
)

// Payload is an opaque blob the engine moves between phases. The engine never
// inspects payload contents; processors interpret them.
type Payload []byte

// String returns the payload as text. Payloads are commonly UTF-8 prompts or
// model outputs, so a text view is the useful one for logs and tests.
func (p Payload) String() string { return string(p) }

// BackoffKind selects the delay curve used between retry attempts.
type BackoffKind string

// Supported backoff curves. Delay for attempt r (0-based) is base·2^r for
// exponential, base·(r+1) for linear, and base for constant.
const (
	BackoffExponential BackoffKind = "exponential"
	BackoffLinear      BackoffKind = "linear"
	BackoffConstant    BackoffKind = "constant"
)

// RetryStrategy bounds per-item retries within a phase.
//
// MaxRetries is the number of re-attempts after the initial failure; an item
// that exhausts them is dead-lettered with exactly MaxRetries+1 error records.
type RetryStrategy struct {
	MaxRetries int         `json:"maxRetries"`
	Backoff    BackoffKind `json:"backoff"`
}

// ValidationConfig is optional per-phase output validation carried in the
// phase config for the processor's benefit. MinScore is on a 0–10 scale.
type ValidationConfig struct {
	MinScore float64 `json:"minScore"`
}

// PhaseConfig describes one transformation stage applied to every item.
//
// Name is required and unique within a job. TaskType, Model, and UseRAG are
// routing hints for the processor; the engine does not interpret them.
// Retry, when nil, means no retries (fail straight to dead-letter).
type PhaseConfig struct {
	Name       string            `json:"name"`
	TaskType   string            `json:"taskType,omitempty"`
	Model      string            `json:"model,omitempty"`
	UseRAG     bool              `json:"useRAG,omitempty"`
	Validation *ValidationConfig `json:"validation,omitempty"`
	Retry      *RetryStrategy    `json:"retry,omitempty"`
}

// JobConfig is the execution configuration persisted with the job.
type JobConfig struct {
	Phases              []PhaseConfig `json:"phases"`
	Concurrency         int           `json:"concurrency"`
	CheckpointFrequency int           `json:"checkpointFrequency"`
}

// Job is the persisted record for one submitted batch.
//
// Counter and accounting fields (CompletedItems, FailedItems, CostIncurred,
// TokensUsed) are advisory snapshots maintained by analytics reconciliation;
// the authoritative values are always recomputed from item rows.
type Job struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	GroupID        string      `json:"groupId,omitempty"`
	UserID         string      `json:"userId,omitempty"`
	Status         JobStatus   `json:"status"`
	Config         JobConfig   `json:"config"`
	TotalItems     int         `json:"totalItems"`
	CompletedItems int         `json:"completedItems"`
	FailedItems    int         `json:"failedItems"`
	CostIncurred   float64     `json:"costIncurred"`
	TokensUsed     int64       `json:"tokensUsed"`
	CurrentPhase   string      `json:"currentPhase,omitempty"`
	Checkpoint     *Checkpoint `json:"checkpoint,omitempty"`
	StartedAt      *time.Time  `json:"startedAt,omitempty"`
	CompletedAt    *time.Time  `json:"completedAt,omitempty"`
	Error          string      `json:"error,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// ItemError is one entry in an item's append-only error log.
//
// RetryAttempt is 1-based and set on retryable failures; DeadLetter marks the
// final record of an item that exhausted its retries.
type ItemError struct {
	Phase        string    `json:"phase"`
	Error        string    `json:"error"`
	Timestamp    time.Time `json:"timestamp"`
	RetryAttempt int       `json:"retryAttempt,omitempty"`
	DeadLetter   bool      `json:"deadLetter,omitempty"`
}

// Item is the persisted record for one input payload moving through the
// pipeline, identified by (JobID, Index).
//
// Output always holds the payload from the most recent completed phase;
// PhaseOutputs preserves every phase's output keyed by phase name.
type Item struct {
	JobID            string             `json:"jobId"`
	Index            int                `json:"itemIndex"`
	Input            Payload            `json:"input"`
	Metadata         map[string]string  `json:"metadata,omitempty"`
	Output           Payload            `json:"output,omitempty"`
	PhaseOutputs     map[string]Payload `json:"phaseOutputs"`
	Status           ItemStatus         `json:"status"`
	CurrentPhase     string             `json:"currentPhase,omitempty"`
	RetryCount       int                `json:"retryCount"`
	Errors           []ItemError        `json:"errors"`
	CostIncurred     float64            `json:"costIncurred"`
	TokensUsed       int64              `json:"tokensUsed"`
	ProcessingTimeMS int64              `json:"processingTimeMs,omitempty"`
	StartedAt        *time.Time         `json:"startedAt,omitempty"`
	CompletedAt      *time.Time         `json:"completedAt,omitempty"`
}

// PhaseProgress records how far a phase got, for resumption.
type PhaseProgress struct {
	LastCompletedIndex int `json:"lastCompletedIndex"`
	ItemsProcessed     int `json:"itemsProcessed"`
	ItemsFailed        int `json:"itemsFailed"`
}

// Checkpoint is the durable snapshot attached to a job while it runs.
//
// Counter fields are snapshots for cheap status reads; the item rows remain
// the source of truth. CompletedPhases and PhaseProgress are authoritative
// for which phases and item ranges may be skipped on resume.
type Checkpoint struct {
	Timestamp          time.Time                `json:"timestamp"`
	CurrentPhase       string                   `json:"currentPhase"`
	CompletedPhases    []string                 `json:"completedPhases"`
	LastCompletedIndex int                      `json:"lastCompletedItemIndex"`
	TotalItems         int                      `json:"totalItems"`
	CompletedItems     int                      `json:"completedItems"`
	FailedItems        int                      `json:"failedItems"`
	CostIncurred       float64                  `json:"costIncurred"`
	TokensUsed         int64                    `json:"tokensUsed"`
	PhaseProgress      map[string]PhaseProgress `json:"phaseProgress"`
}

// Clone returns a deep copy. Callers that share a checkpoint across
// goroutines hand copies to the store so a save never marshals a snapshot
// another goroutine is mutating.
func (cp *Checkpoint) Clone() *Checkpoint {
	if cp == nil {
		return nil
	}
	out := *cp
	if cp.CompletedPhases != nil {
		out.CompletedPhases = append([]string(nil), cp.CompletedPhases...)
	}
	if cp.PhaseProgress != nil {
		out.PhaseProgress = make(map[string]PhaseProgress, len(cp.PhaseProgress))
		for name, pp := range cp.PhaseProgress {
			out.PhaseProgress[name] = pp
		}
	}
	return &out
}

// ListFilter selects and pages jobs for Store.ListJobs.
// Zero-value fields are not applied. Limit must be set by the caller.
type ListFilter struct {
	GroupID string
	UserID  string
	Status  JobStatus
	Limit   int
	Offset  int
}

// Aggregates are job-level totals summed from item rows.
type Aggregates struct {
	CompletedItems int
	FailedItems    int
	CostIncurred   float64
	TokensUsed     int64
}

// Store provides typed access to persisted job, item, and checkpoint state.
//
// Implementations must make CreateJob and DeleteJob atomic with respect to a
// job's items (create-all-or-nothing; delete cascades). All other methods
// operate on a single row.
type Store interface {
	// CreateJob persists a job and its items atomically.
	// Item indexes must be 0..len(items)-1 in submission order.
	CreateJob(ctx context.Context, job *Job, items []*Item) error

	// GetJob retrieves a job by ID. Returns ErrNotFound if absent.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// ListJobs returns jobs matching the filter ordered by creation time
	// descending, plus whether more pages exist beyond Offset+Limit.
	ListJobs(ctx context.Context, filter ListFilter) (jobs []*Job, hasMore bool, err error)

	// UpdateJobStatus transitions a job's status and maintains the derived
	// timestamp fields: StartedAt is set on the first transition to RUNNING,
	// CompletedAt is set when entering a terminal status and cleared when
	// leaving one (resume). The error string is stored as given; pass ""
	// to clear it.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error

	// SetJobCurrentPhase records the phase the executor is working on.
	SetJobCurrentPhase(ctx context.Context, jobID, phase string) error

	// UpdateJobAggregates replaces the job's counter and accounting snapshot
	// in a single write. Used only by analytics reconciliation.
	UpdateJobAggregates(ctx context.Context, jobID string, agg Aggregates) error

	// SaveCheckpoint writes the job's checkpoint blob and mirrors the
	// snapshot's current phase and counters into the job columns for cheap
	// status reads.
	SaveCheckpoint(ctx context.Context, jobID string, cp *Checkpoint) error

	// LoadCheckpoint returns the job's checkpoint, or nil when none is set.
	LoadCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error)

	// ClearCheckpoint nulls the job's checkpoint blob.
	ClearCheckpoint(ctx context.Context, jobID string) error

	// CleanupCheckpoints nulls checkpoints on jobs whose status is in
	// statuses and whose CompletedAt is before cutoff, returning the number
	// of jobs touched.
	CleanupCheckpoints(ctx context.Context, cutoff time.Time, statuses []JobStatus) (int, error)

	// GetItem retrieves one item. Returns ErrNotFound if absent.
	GetItem(ctx context.Context, jobID string, index int) (*Item, error)

	// ListItems returns all of a job's items ordered by index.
	ListItems(ctx context.Context, jobID string) ([]*Item, error)

	// UpdateItem replaces an item row. The executor is the only caller while
	// a phase is active, and no two workers target the same index.
	UpdateItem(ctx context.Context, item *Item) error

	// AggregateItems sums per-item accounting and counts terminal statuses
	// across a job's items.
	AggregateItems(ctx context.Context, jobID string) (Aggregates, error)

	// DeleteJob removes a job and cascades to its items.
	DeleteJob(ctx context.Context, jobID string) error
}
