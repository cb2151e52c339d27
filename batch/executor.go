package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/batchflow-go/batch/emit"
	"github.com/dshills/batchflow-go/batch/store"
)

// executor runs a single job to quiescence on a background goroutine.
//
// It proceeds phase by phase in config order. Within a phase, items are
// dispatched in chunks under a semaphore sized to the job's concurrency. The
// executor exclusively mutates item rows while a phase is active; control
// operations only flip Job.status, which the executor observes at its gates
// (before each phase, before each item, and after a backoff sleep).
type executor struct {
	store   store.Store
	cps     *CheckpointStore
	proc    Processor
	emitter emit.Emitter
	opts    Options
}

// phaseTracker accumulates per-phase progress across workers.
//
// watermark is the highest index such that every item at or below it has
// reached a terminal state in this phase. Only the watermark goes into
// checkpoints: out-of-order completions above a gap must not be recorded as
// "resume after me", or a crash would skip the gap.
type phaseTracker struct {
	mu        sync.Mutex
	watermark int
	terminal  map[int]bool

	processed int
	failed    int

	sinceSync int
	lastAgg   store.Aggregates

	stopped  store.JobStatus // "" while running
	fatalErr error
}

func newPhaseTracker(startIndex int) *phaseTracker {
	return &phaseTracker{
		watermark: startIndex,
		terminal:  make(map[int]bool),
	}
}

// markTerminal records a terminal outcome for an index and advances the
// contiguous watermark past it where possible. Returns the post-item sync
// counter so the caller can decide whether reconciliation is due.
func (t *phaseTracker) markTerminal(idx int, failed bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if failed {
		t.failed++
	} else {
		t.processed++
	}
	t.terminal[idx] = true
	for t.terminal[t.watermark+1] {
		delete(t.terminal, t.watermark+1)
		t.watermark++
	}
	t.sinceSync++
	return t.sinceSync
}

func (t *phaseTracker) resetSync(agg store.Aggregates) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinceSync = 0
	t.lastAgg = agg
}

func (t *phaseTracker) stop(status store.JobStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped == "" {
		t.stopped = status
	}
}

func (t *phaseTracker) fatal(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fatalErr == nil {
		t.fatalErr = err
	}
}

// outcome reports the stop status ("" while running) and fatal error
// observed so far.
func (t *phaseTracker) outcome() (store.JobStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped, t.fatalErr
}

// snapshot folds the phase's current progress into the shared checkpoint and
// returns an owned deep copy. Workers hand the copy to the save path, so a
// save never marshals fields a concurrent snapshot is mutating.
func (t *phaseTracker) snapshot(cp *store.Checkpoint, phase string) *store.Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp.CurrentPhase = phase
	cp.LastCompletedIndex = t.watermark
	if cp.PhaseProgress == nil {
		cp.PhaseProgress = make(map[string]store.PhaseProgress)
	}
	cp.PhaseProgress[phase] = store.PhaseProgress{
		LastCompletedIndex: t.watermark,
		ItemsProcessed:     t.processed,
		ItemsFailed:        t.failed,
	}
	cp.CompletedItems = t.lastAgg.CompletedItems
	cp.FailedItems = t.lastAgg.FailedItems
	cp.CostIncurred = t.lastAgg.CostIncurred
	cp.TokensUsed = t.lastAgg.TokensUsed
	return cp.Clone()
}

// run executes the job until completion, stop, or fatal error.
//
// Terminal transitions are the executor's responsibility: COMPLETED on
// success, FAILED with the error string on a fatal error. On a cooperative
// stop the observed status (PAUSED or CANCELLED) is left in place and the
// checkpoint is retained for resume or forensics.
func (e *executor) run(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return e.fail(ctx, jobID, fmt.Errorf("load job: %w", err))
	}

	cp, err := e.cps.Load(ctx, jobID)
	if err != nil {
		return e.fail(ctx, jobID, err)
	}
	if cp == nil {
		cp = &store.Checkpoint{
			TotalItems:         job.TotalItems,
			LastCompletedIndex: -1,
			PhaseProgress:      make(map[string]store.PhaseProgress),
		}
	}

	e.emit(jobID, "", -1, emit.EventJobStart, map[string]interface{}{
		"total_items": job.TotalItems,
		"phases":      len(job.Config.Phases),
	})

	for k, phase := range job.Config.Phases {
		if containsPhase(cp.CompletedPhases, phase.Name) {
			continue
		}

		status, err := e.jobStatus(ctx, jobID)
		if err != nil {
			return e.fail(ctx, jobID, err)
		}
		if status == store.JobPaused || status == store.JobCancelled {
			return e.stopped(ctx, jobID, cp, &stopError{status: status})
		}

		if err := e.store.SetJobCurrentPhase(ctx, jobID, phase.Name); err != nil {
			return e.fail(ctx, jobID, fmt.Errorf("set current phase: %w", err))
		}
		e.emit(jobID, phase.Name, -1, emit.EventPhaseStart, nil)

		startIndex := -1
		if pp, ok := cp.PhaseProgress[phase.Name]; ok {
			startIndex = pp.LastCompletedIndex
		}

		tracker, err := e.runPhase(ctx, job, phase, k, startIndex, cp)
		if err != nil {
			var stop *stopError
			if errors.As(err, &stop) {
				tracker.snapshot(cp, phase.Name)
				return e.stopped(ctx, jobID, cp, stop)
			}
			return e.fail(ctx, jobID, err)
		}

		// End of phase: final reconciliation, then record the phase as done
		// so resume never re-enters it.
		agg, err := e.reconcile(ctx, jobID)
		if err != nil {
			return e.fail(ctx, jobID, err)
		}
		tracker.resetSync(agg)
		cp.CompletedPhases = append(cp.CompletedPhases, phase.Name)
		tracker.snapshot(cp, phase.Name)
		if err := e.cps.Save(ctx, jobID, cp); err != nil {
			return e.fail(ctx, jobID, err)
		}
		e.emit(jobID, phase.Name, -1, emit.EventPhaseComplete, map[string]interface{}{
			"completed": agg.CompletedItems,
			"failed":    agg.FailedItems,
		})
	}

	if err := e.store.UpdateJobStatus(ctx, jobID, store.JobCompleted, ""); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	if err := e.cps.Clear(ctx, jobID); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	e.emit(jobID, "", -1, emit.EventJobComplete, nil)
	return nil
}

// runPhase dispatches the phase's remaining items in chunks. The returned
// tracker is valid even when err is non-nil; the caller snapshots it into
// the checkpoint on a stop.
func (e *executor) runPhase(ctx context.Context, job *store.Job, phase store.PhaseConfig, phaseIndex, startIndex int, cp *store.Checkpoint) (*phaseTracker, error) {
	tracker := newPhaseTracker(startIndex)
	sem := NewSemaphore(job.Config.Concurrency)
	acState := &AutoCheckpointState{
		Frequency:      job.Config.CheckpointFrequency,
		Interval:       e.opts.CheckpointInterval,
		LastSavedIndex: startIndex,
		LastSavedAt:    e.opts.Clock(),
	}

	for base := startIndex + 1; base < job.TotalItems; base += e.opts.ChunkSize {
		end := base + e.opts.ChunkSize
		if end > job.TotalItems {
			end = job.TotalItems
		}

		// All items in the chunk settle before the next chunk starts;
		// individual failures never abort the wave.
		var wg sync.WaitGroup
		for idx := base; idx < end; idx++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				err := sem.WithPermit(ctx, func() error {
					e.processItem(ctx, job, phase, phaseIndex, idx, tracker, cp, acState)
					return nil
				})
				if err != nil && ctx.Err() != nil {
					// Permit acquisition interrupted by cancellation; the
					// status gate settles what happens next.
					tracker.stop(store.JobCancelled)
				}
			}(idx)
		}
		wg.Wait()

		stopStatus, fatalErr := tracker.outcome()
		if fatalErr != nil {
			return tracker, fatalErr
		}
		if stopStatus != "" {
			return tracker, &stopError{status: stopStatus}
		}
	}

	return tracker, nil
}

// processItem runs one item through one phase, including retries and
// dead-lettering. It never returns an error: item-level failures are
// recorded on the item, stops and fatal store errors are flagged on the
// tracker.
func (e *executor) processItem(ctx context.Context, job *store.Job, phase store.PhaseConfig, phaseIndex, idx int, tracker *phaseTracker, cp *store.Checkpoint, acState *AutoCheckpointState) {
	jobID := job.ID

	// Cancel gate: a stopped job dispatches no further items.
	status, err := e.jobStatus(ctx, jobID)
	if err != nil {
		tracker.fatal(err)
		return
	}
	if status == store.JobPaused || status == store.JobCancelled {
		tracker.stop(status)
		return
	}

	item, err := e.store.GetItem(ctx, jobID, idx)
	if err != nil {
		tracker.fatal(err)
		return
	}

	// Dead-lettered items stay dead in later phases and later passes.
	if item.Status == store.ItemFailed {
		e.settleItem(ctx, jobID, phase.Name, idx, tracker, cp, acState, true)
		return
	}
	// Already done in this phase (resume re-pass after an out-of-order
	// completion above the watermark).
	if _, done := item.PhaseOutputs[phase.Name]; done && item.Status == store.ItemCompleted {
		e.settleItem(ctx, jobID, phase.Name, idx, tracker, cp, acState, false)
		return
	}

	maxRetries := 0
	backoff := store.BackoffExponential
	if phase.Retry != nil {
		maxRetries = phase.Retry.MaxRetries
		if phase.Retry.Backoff != "" {
			backoff = phase.Retry.Backoff
		}
	}

	for {
		startedAt := e.opts.Clock().UTC()
		item.Status = store.ItemProcessing
		item.CurrentPhase = phase.Name
		item.StartedAt = &startedAt
		if err := e.store.UpdateItem(ctx, item); err != nil {
			tracker.fatal(fmt.Errorf("mark item %d processing: %w", idx, err))
			return
		}

		// Phase 0 consumes the original input; later phases chain on the
		// previous phase's output.
		input := item.Input
		if phaseIndex > 0 {
			input = item.Output
		}

		if e.opts.Metrics != nil {
			e.opts.Metrics.AddInflight(1)
		}
		res, procErr := e.invoke(ctx, input, phase)
		latency := e.opts.Clock().UTC().Sub(startedAt)
		if e.opts.Metrics != nil {
			e.opts.Metrics.AddInflight(-1)
			e.opts.Metrics.RecordItemLatency(jobID, phase.Name, latency, attemptStatus(procErr))
		}

		if procErr == nil {
			completedAt := e.opts.Clock().UTC()
			item.Status = store.ItemCompleted
			item.Output = res.Output
			if item.PhaseOutputs == nil {
				item.PhaseOutputs = make(map[string]store.Payload)
			}
			item.PhaseOutputs[phase.Name] = res.Output
			item.CostIncurred += res.Cost
			item.TokensUsed += res.Tokens
			item.ProcessingTimeMS = latency.Milliseconds()
			item.CompletedAt = &completedAt
			if err := e.store.UpdateItem(ctx, item); err != nil {
				tracker.fatal(fmt.Errorf("record item %d output: %w", idx, err))
				return
			}
			if e.opts.Metrics != nil {
				e.opts.Metrics.IncrementItems(jobID, phase.Name, "completed")
			}
			e.emit(jobID, phase.Name, idx, emit.EventItemComplete, map[string]interface{}{
				"duration_ms": latency.Milliseconds(),
				"cost_usd":    res.Cost,
				"tokens":      res.Tokens,
			})
			e.settleItem(ctx, jobID, phase.Name, idx, tracker, cp, acState, false)
			return
		}

		// A cancelled job context is a stop, not an item failure. The item
		// goes back to PENDING so resume can pick it up cleanly.
		if ctx.Err() != nil {
			item.Status = store.ItemPending
			item.StartedAt = nil
			_ = e.store.UpdateItem(ctx, item)
			tracker.stop(store.JobCancelled)
			return
		}

		r := item.RetryCount
		if r < maxRetries {
			item.Errors = append(item.Errors, store.ItemError{
				Phase:        phase.Name,
				Error:        procErr.Error(),
				Timestamp:    e.opts.Clock().UTC(),
				RetryAttempt: r + 1,
			})
			item.Status = store.ItemPending
			item.RetryCount = r + 1
			if err := e.store.UpdateItem(ctx, item); err != nil {
				tracker.fatal(fmt.Errorf("record item %d retry: %w", idx, err))
				return
			}
			if e.opts.Metrics != nil {
				e.opts.Metrics.IncrementRetries(jobID, phase.Name)
			}
			e.emit(jobID, phase.Name, idx, emit.EventItemRetry, map[string]interface{}{
				"attempt": r + 1,
				"error":   procErr.Error(),
			})

			if err := sleepCtx(ctx, retryDelay(backoff, r, e.opts.RetryBaseDelay)); err != nil {
				tracker.stop(store.JobCancelled)
				return
			}
			// Stop gate after the backoff sleep: a pause issued during the
			// delay defers the retry to the resume path.
			status, err := e.jobStatus(ctx, jobID)
			if err != nil {
				tracker.fatal(err)
				return
			}
			if status == store.JobPaused || status == store.JobCancelled {
				tracker.stop(status)
				return
			}
			continue
		}

		// Retries exhausted: dead-letter. The job continues; the item is
		// terminal with exactly maxRetries+1 error records.
		deadAt := e.opts.Clock().UTC()
		item.Errors = append(item.Errors, store.ItemError{
			Phase:      phase.Name,
			Error:      procErr.Error(),
			Timestamp:  deadAt,
			DeadLetter: true,
		})
		item.Status = store.ItemFailed
		item.CompletedAt = &deadAt
		if err := e.store.UpdateItem(ctx, item); err != nil {
			tracker.fatal(fmt.Errorf("dead-letter item %d: %w", idx, err))
			return
		}
		if e.opts.Metrics != nil {
			e.opts.Metrics.IncrementItems(jobID, phase.Name, "failed")
		}
		e.emit(jobID, phase.Name, idx, emit.EventItemDeadLetter, map[string]interface{}{
			"error":   procErr.Error(),
			"retries": item.RetryCount,
		})
		e.settleItem(ctx, jobID, phase.Name, idx, tracker, cp, acState, true)
		return
	}
}

// settleItem records a terminal outcome on the tracker, then runs the
// periodic maintenance that hangs off item settlement: analytics
// reconciliation every ReconcileEvery completions and the checkpoint
// predicate.
func (e *executor) settleItem(ctx context.Context, jobID, phase string, idx int, tracker *phaseTracker, cp *store.Checkpoint, acState *AutoCheckpointState, failed bool) {
	since := tracker.markTerminal(idx, failed)

	if since >= e.opts.ReconcileEvery {
		agg, err := e.reconcile(ctx, jobID)
		if err != nil {
			tracker.fatal(err)
			return
		}
		tracker.resetSync(agg)
	}

	snap := tracker.snapshot(cp, phase)
	saved, err := e.cps.AutoCheckpoint(ctx, jobID, snap, acState)
	if err != nil {
		tracker.fatal(err)
		return
	}
	if saved {
		if e.opts.Metrics != nil {
			e.opts.Metrics.IncrementCheckpoints(jobID)
		}
		e.emit(jobID, phase, idx, emit.EventCheckpoint, map[string]interface{}{
			"last_completed_index": snap.LastCompletedIndex,
		})
	}
}

// reconcile replaces the job-level aggregates from the authoritative item
// rows. Replacing rather than incrementing keeps concurrent per-item writers
// off the job row.
func (e *executor) reconcile(ctx context.Context, jobID string) (store.Aggregates, error) {
	agg, err := e.store.AggregateItems(ctx, jobID)
	if err != nil {
		return agg, fmt.Errorf("aggregate items: %w", err)
	}
	if err := e.store.UpdateJobAggregates(ctx, jobID, agg); err != nil {
		return agg, fmt.Errorf("reconcile job aggregates: %w", err)
	}
	if e.opts.Metrics != nil {
		e.opts.Metrics.IncrementReconciliations(jobID)
	}
	e.emit(jobID, "", -1, emit.EventReconcile, map[string]interface{}{
		"completed": agg.CompletedItems,
		"failed":    agg.FailedItems,
	})
	return agg, nil
}

// invoke runs the processor under the per-item timeout. The processor runs
// on its own goroutine so a processor that ignores ctx still cannot hold the
// worker past the deadline.
func (e *executor) invoke(ctx context.Context, input store.Payload, phase store.PhaseConfig) (ProcessResult, error) {
	tctx, cancel := context.WithTimeout(ctx, e.opts.ItemTimeout)
	defer cancel()

	type outcome struct {
		res ProcessResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := e.proc.Process(tctx, input, phase)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-tctx.Done():
		return ProcessResult{}, fmt.Errorf("process item: %w", tctx.Err())
	}
}

// stopped handles the cooperative-stop sentinel: progress is checkpointed,
// the observed status stays in place, and no failure is recorded.
func (e *executor) stopped(ctx context.Context, jobID string, cp *store.Checkpoint, stop *stopError) error {
	if err := e.cps.Save(ctx, jobID, cp); err != nil {
		return fmt.Errorf("checkpoint on stop: %w", err)
	}
	e.emit(jobID, cp.CurrentPhase, -1, emit.EventJobStopped, map[string]interface{}{
		"status": string(stop.status),
	})
	return nil
}

// fail transitions the job to FAILED with the error string. The checkpoint
// is retained so the job can be resumed after the cause is addressed.
func (e *executor) fail(ctx context.Context, jobID string, cause error) error {
	if err := e.store.UpdateJobStatus(ctx, jobID, store.JobFailed, cause.Error()); err != nil {
		return errors.Join(cause, fmt.Errorf("mark job failed: %w", err))
	}
	e.emit(jobID, "", -1, emit.EventJobFailed, map[string]interface{}{
		"error": cause.Error(),
	})
	return cause
}

func (e *executor) jobStatus(ctx context.Context, jobID string) (store.JobStatus, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("read job status: %w", err)
	}
	return job.Status, nil
}

func (e *executor) emit(jobID, phase string, item int, msg string, meta map[string]interface{}) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(emit.Event{JobID: jobID, Phase: phase, Item: item, Msg: msg, Meta: meta})
}

func attemptStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func containsPhase(phases []string, name string) bool {
	for _, p := range phases {
		if p == name {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
