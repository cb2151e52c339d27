// Package batch executes batch jobs through a multi-phase processing
// pipeline with bounded concurrency, per-item retries with dead-lettering,
// periodic checkpoints, and pause/resume/cancel control.
//
// The Manager is the front door: it validates and persists job definitions,
// spawns one executor goroutine per running job, and serves status, results,
// analytics, and listing reads. The processing work itself is delegated to a
// caller-supplied Processor, so the engine is agnostic to what a "phase"
// computes.
package batch

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/batchflow-go/batch/emit"
	"github.com/dshills/batchflow-go/batch/store"
)

// Manager owns the lifecycle of batch jobs over a persistence backend.
//
// All methods are safe for concurrent use. Execution goroutines are tracked
// so Close can drain them; at most one executor per job runs in a process.
type Manager struct {
	store   store.Store
	proc    Processor
	emitter emit.Emitter
	cps     *CheckpointStore
	opts    Options

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a Manager over the given store and processor. A nil
// emitter disables event emission.
func NewManager(s store.Store, proc Processor, emitter emit.Emitter, opts ...Option) (*Manager, error) {
	if s == nil {
		return nil, validationErrorf("store", "must not be nil")
	}
	if proc == nil {
		return nil, validationErrorf("processor", "must not be nil")
	}

	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	cps := NewCheckpointStore(s)
	cps.clock = o.Clock
	return &Manager{
		store:   s,
		proc:    proc,
		emitter: emitter,
		cps:     cps,
		opts:    o,
		running: make(map[string]context.CancelFunc),
	}, nil
}

// ItemInput is one unit of work in a job definition.
type ItemInput struct {
	Input    store.Payload
	Metadata map[string]string
}

// JobOptions are the per-job execution knobs. Zero values take defaults.
type JobOptions struct {
	// Concurrency bounds simultaneous item workers. Default 5, max 50.
	Concurrency int

	// CheckpointFrequency checkpoints after every N completed items.
	// Default 10, max 100.
	CheckpointFrequency int

	// AutoStart controls whether Create immediately begins execution.
	// Nil means true.
	AutoStart *bool
}

// JobDefinition is the input to Create.
type JobDefinition struct {
	Name    string
	GroupID string
	UserID  string
	Items   []ItemInput
	Phases  []store.PhaseConfig
	Options JobOptions
}

// Create validates the definition, persists the job with all its items
// atomically, and, unless autoStart is disabled, begins execution on a
// background goroutine. Nothing is persisted when validation fails.
func (m *Manager) Create(ctx context.Context, def JobDefinition) (*store.Job, error) {
	if err := validateDefinition(&def); err != nil {
		return nil, err
	}

	now := m.opts.Clock().UTC()
	job := &store.Job{
		ID:      uuid.NewString(),
		Name:    def.Name,
		GroupID: def.GroupID,
		UserID:  def.UserID,
		Status:  store.JobPending,
		Config: store.JobConfig{
			Phases:              def.Phases,
			Concurrency:         def.Options.Concurrency,
			CheckpointFrequency: def.Options.CheckpointFrequency,
		},
		TotalItems: len(def.Items),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	items := make([]*store.Item, len(def.Items))
	for i, in := range def.Items {
		items[i] = &store.Item{
			JobID:    job.ID,
			Index:    i,
			Input:    in.Input,
			Metadata: in.Metadata,
			Status:   store.ItemPending,
		}
	}

	if err := m.store.CreateJob(ctx, job, items); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if def.Options.AutoStart == nil || *def.Options.AutoStart {
		if err := m.beginExecution(ctx, job.ID); err != nil {
			return job, err
		}
	}
	return job, nil
}

// Start begins execution of a PENDING job, or restarts a PAUSED or FAILED
// one. A RUNNING job with no executor in this process was orphaned by a
// crash and may be started again; a RUNNING job that is actually executing
// returns ErrJobExecuting. Any other status returns ErrJobNotStartable.
func (m *Manager) Start(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case store.JobPending, store.JobPaused, store.JobFailed:
	case store.JobRunning:
		if m.isExecuting(jobID) {
			return fmt.Errorf("job %s: %w", jobID, ErrJobExecuting)
		}
	default:
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrJobNotStartable)
	}
	return m.beginExecution(ctx, jobID)
}

// Pause requests a cooperative stop of a RUNNING job. In-flight items finish
// their current attempt; no further items are dispatched. The checkpoint is
// retained for Resume.
func (m *Manager) Pause(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != store.JobRunning {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrJobNotRunning)
	}
	if err := m.store.UpdateJobStatus(ctx, jobID, store.JobPaused, ""); err != nil {
		return fmt.Errorf("pause job: %w", err)
	}
	return nil
}

// Resume restarts a PAUSED or FAILED job from its checkpoint. Any stored
// error is cleared. A job without a checkpoint restarts from the beginning;
// the emitted job_resume event flags that case.
//
// A job left RUNNING in the store with no executor in this process was
// orphaned by a crash and is resumable too; one that is actually executing
// returns ErrJobExecuting.
func (m *Manager) Resume(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case store.JobPaused, store.JobFailed:
	case store.JobRunning:
		if m.isExecuting(jobID) {
			return fmt.Errorf("job %s: %w", jobID, ErrJobExecuting)
		}
	default:
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrJobNotResumable)
	}

	hasCheckpoint, err := m.cps.Has(ctx, jobID)
	if err != nil {
		return err
	}
	if m.emitter != nil {
		m.emitter.Emit(emit.Event{
			JobID: jobID,
			Item:  -1,
			Msg:   emit.EventJobResume,
			Meta:  map[string]interface{}{"from_checkpoint": hasCheckpoint},
		})
	}
	return m.beginExecution(ctx, jobID)
}

// Cancel permanently stops a job. Allowed from any status except COMPLETED
// and CANCELLED. A running executor is signalled and stops at its next gate;
// in this process the job context is also cancelled so in-flight processor
// calls can abort early.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == store.JobCompleted || job.Status == store.JobCancelled {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrJobFinished)
	}
	if err := m.store.UpdateJobStatus(ctx, jobID, store.JobCancelled, ""); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	m.mu.Lock()
	if cancel, ok := m.running[jobID]; ok {
		cancel()
	}
	m.mu.Unlock()
	return nil
}

// Delete removes a job and all its items. RUNNING jobs must be paused or
// cancelled first.
func (m *Manager) Delete(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == store.JobRunning {
		return fmt.Errorf("job %s: %w", jobID, ErrJobActive)
	}
	if err := m.store.DeleteJob(ctx, jobID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// StatusReport is the progress view served by Status.
type StatusReport struct {
	Job *store.Job

	// PercentComplete is CompletedItems over TotalItems scaled to [0, 100].
	PercentComplete float64

	// EstimatedTimeRemainingMS extrapolates the observed per-item rate over
	// the remaining items. Nil unless the job is RUNNING with at least one
	// completed item and a recorded start time.
	EstimatedTimeRemainingMS *int64
}

// Status returns the job with derived progress fields.
func (m *Manager) Status(ctx context.Context, jobID string) (*StatusReport, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	rep := &StatusReport{Job: job}
	if job.TotalItems > 0 {
		rep.PercentComplete = float64(job.CompletedItems) / float64(job.TotalItems) * 100
	}
	if job.Status == store.JobRunning && job.StartedAt != nil && job.CompletedItems > 0 {
		elapsed := m.opts.Clock().UTC().Sub(*job.StartedAt)
		remaining := job.TotalItems - job.CompletedItems
		etr := int64(float64(elapsed.Milliseconds()) / float64(job.CompletedItems) * float64(remaining))
		rep.EstimatedTimeRemainingMS = &etr
	}
	return rep, nil
}

// Results returns the job's items ordered by index, including per-phase
// outputs and error histories.
func (m *Manager) Results(ctx context.Context, jobID string) ([]*store.Item, error) {
	return m.store.ListItems(ctx, jobID)
}

// Analytics recomputes the job's aggregate accounting from its item rows.
func (m *Manager) Analytics(ctx context.Context, jobID string) (Analytics, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return Analytics{}, err
	}
	items, err := m.store.ListItems(ctx, jobID)
	if err != nil {
		return Analytics{}, err
	}
	return computeAnalytics(job, items), nil
}

// List returns jobs newest first, optionally filtered by group, user, and
// status. The boolean reports whether more pages exist beyond the returned
// window. Limit defaults to 20 and may not exceed 100.
func (m *Manager) List(ctx context.Context, filter store.ListFilter) ([]*store.Job, bool, error) {
	if filter.Limit == 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit < 1 || filter.Limit > MaxListLimit {
		return nil, false, validationErrorf("limit", "must be in [1, %d], got %d", MaxListLimit, filter.Limit)
	}
	if filter.Offset < 0 {
		return nil, false, validationErrorf("offset", "must be non-negative, got %d", filter.Offset)
	}
	return m.store.ListJobs(ctx, filter)
}

// CleanupCheckpoints removes checkpoints from terminal jobs older than the
// given number of days (default 30) and returns how many were removed.
func (m *Manager) CleanupCheckpoints(ctx context.Context, olderThanDays int, statuses ...store.JobStatus) (int, error) {
	return m.cps.CleanupOlderThan(ctx, olderThanDays, statuses...)
}

// isExecuting reports whether this process currently runs an executor for
// the job. A check-then-start race is harmless: beginExecution reserves the
// job atomically and the loser gets ErrJobExecuting.
func (m *Manager) isExecuting(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[jobID]
	return ok
}

// Wait blocks until every executor goroutine spawned by this Manager has
// returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close signals every running executor to stop and waits for them to drain.
// Jobs stopped this way keep their RUNNING status in the store; a later
// Start or Resume picks them up the same as after a crash. Use Pause for a
// clean stop.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, cancel := range m.running {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// beginExecution flips the job to RUNNING and launches its executor. The
// executor runs on a context detached from the caller's: the job outlives
// the request that started it.
func (m *Manager) beginExecution(ctx context.Context, jobID string) error {
	m.mu.Lock()
	if _, ok := m.running[jobID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("job %s: %w", jobID, ErrJobExecuting)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.running[jobID] = cancel
	m.mu.Unlock()

	if err := m.store.UpdateJobStatus(ctx, jobID, store.JobRunning, ""); err != nil {
		m.mu.Lock()
		delete(m.running, jobID)
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("mark job running: %w", err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.running, jobID)
			m.mu.Unlock()
			cancel()
		}()
		ex := &executor{
			store:   m.store,
			cps:     m.cps,
			proc:    m.proc,
			emitter: m.emitter,
			opts:    m.opts,
		}
		// run owns terminal transitions; its error return is for callers
		// that invoke it synchronously.
		_ = ex.run(runCtx, jobID)
	}()
	return nil
}

// validateDefinition checks a job definition against the engine limits and
// fills in defaulted knobs in place.
func validateDefinition(def *JobDefinition) error {
	if def.Name == "" {
		return validationErrorf("name", "must not be empty")
	}
	if len(def.Name) > MaxNameLength {
		return validationErrorf("name", "must be at most %d characters, got %d", MaxNameLength, len(def.Name))
	}

	if len(def.Items) == 0 {
		return validationErrorf("items", "must contain at least one item")
	}
	if len(def.Items) > MaxItems {
		return validationErrorf("items", "must contain at most %d items, got %d", MaxItems, len(def.Items))
	}
	for i, it := range def.Items {
		if len(it.Input) == 0 {
			return validationErrorf("items", "item %d input must not be empty", i)
		}
		if len(it.Input) > MaxInputBytes {
			return validationErrorf("items", "item %d input exceeds %d bytes", i, MaxInputBytes)
		}
	}

	if len(def.Phases) == 0 {
		return validationErrorf("phases", "must contain at least one phase")
	}
	if len(def.Phases) > MaxPhases {
		return validationErrorf("phases", "must contain at most %d phases, got %d", MaxPhases, len(def.Phases))
	}
	seen := make(map[string]bool, len(def.Phases))
	for i, p := range def.Phases {
		if p.Name == "" {
			return validationErrorf("phases", "phase %d name must not be empty", i)
		}
		if seen[p.Name] {
			return validationErrorf("phases", "duplicate phase name %q", p.Name)
		}
		seen[p.Name] = true
		if p.Validation != nil {
			if s := p.Validation.MinScore; s < 0 || s > 10 {
				return validationErrorf("phases", "phase %q minScore must be in [0, 10], got %g", p.Name, s)
			}
		}
		if p.Retry != nil {
			if p.Retry.MaxRetries < 0 {
				return validationErrorf("phases", "phase %q maxRetries must be non-negative, got %d", p.Name, p.Retry.MaxRetries)
			}
			switch p.Retry.Backoff {
			case "", store.BackoffExponential, store.BackoffLinear, store.BackoffConstant:
			default:
				return validationErrorf("phases", "phase %q has unknown backoff %q", p.Name, p.Retry.Backoff)
			}
		}
	}

	if def.Options.Concurrency == 0 {
		def.Options.Concurrency = DefaultConcurrency
	}
	if def.Options.Concurrency < 1 || def.Options.Concurrency > MaxConcurrency {
		return validationErrorf("concurrency", "must be in [1, %d], got %d", MaxConcurrency, def.Options.Concurrency)
	}

	if def.Options.CheckpointFrequency == 0 {
		def.Options.CheckpointFrequency = DefaultCheckpointFrequency
	}
	if def.Options.CheckpointFrequency < 1 || def.Options.CheckpointFrequency > MaxCheckpointFrequency {
		return validationErrorf("checkpointFrequency", "must be in [1, %d], got %d", MaxCheckpointFrequency, def.Options.CheckpointFrequency)
	}

	return nil
}
