package batch

import (
	"errors"
	"fmt"

	"github.com/dshills/batchflow-go/batch/store"
)

// Sentinel errors returned by Manager operations. Callers should test with
// errors.Is; all of them may arrive wrapped with job context.
var (
	// ErrJobNotStartable is returned by Start when the job is RUNNING or in a
	// final state. Start accepts PENDING, PAUSED, and FAILED jobs.
	ErrJobNotStartable = errors.New("job cannot be started in its current status")

	// ErrJobNotRunning is returned by Pause when the job is not RUNNING.
	ErrJobNotRunning = errors.New("job is not running")

	// ErrJobNotResumable is returned by Resume when the job is not PAUSED or
	// FAILED.
	ErrJobNotResumable = errors.New("job is not paused or failed")

	// ErrJobFinished is returned by Cancel when the job is already COMPLETED
	// or CANCELLED.
	ErrJobFinished = errors.New("job already finished")

	// ErrJobActive is returned by Delete when the job is RUNNING. Pause or
	// cancel it first.
	ErrJobActive = errors.New("job is running")

	// ErrJobExecuting is returned by Start and Resume when this process is
	// already executing the job.
	ErrJobExecuting = errors.New("job is already executing in this process")
)

// ErrNotFound re-exports the store sentinel so callers of the batch package
// don't need to import store just to classify errors.
var ErrNotFound = store.ErrNotFound

// ValidationError reports a rejected job definition or option value.
//
// The job is not persisted when creation fails validation; there is no
// partially-created state to clean up.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func validationErrorf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// stopError is the cooperative-stop sentinel threaded out of the executor
// when a status gate observes PAUSED or CANCELLED. It aborts the run without
// marking the job failed; the observed status stays in place.
type stopError struct {
	status store.JobStatus
}

func (e *stopError) Error() string {
	return fmt.Sprintf("execution stopped: job is %s", e.status)
}
