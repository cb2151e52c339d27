package emit

// Emitter receives and processes observability events from batch execution.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files, syslog
//   - Distributed tracing: OpenTelemetry
//   - In-memory capture for tests and dashboards
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down item processing
//   - Thread-safe: Called concurrently from many item workers
//   - Resilient: Handle backend failures without crashing the job
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Emit should not panic and should not block execution. Backend errors
	// are the emitter's problem, not the engine's.
	Emit(event Event)
}
