package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dshills/batchflow-go/batch/store"
)

// fakeClock is a manually advanced time source for driving the time-based
// checkpoint predicate and cleanup cutoffs.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func seedJob(t *testing.T, ms *store.MemStore, id string, status store.JobStatus) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &store.Job{
		ID:     id,
		Name:   "checkpoint fixture",
		Status: status,
		Config: store.JobConfig{
			Phases:              []store.PhaseConfig{{Name: "draft"}},
			Concurrency:         DefaultConcurrency,
			CheckpointFrequency: DefaultCheckpointFrequency,
		},
		TotalItems: 20,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := ms.CreateJob(context.Background(), job, nil); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
}

func newCheckpointFixture(t *testing.T) (*CheckpointStore, *store.MemStore, *fakeClock) {
	t.Helper()
	ms := store.NewMemStore()
	clk := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cps := NewCheckpointStore(ms)
	cps.clock = clk.Now
	return cps, ms, clk
}

func TestCheckpointSaveLoadClear(t *testing.T) {
	ctx := context.Background()
	cps, ms, clk := newCheckpointFixture(t)
	seedJob(t, ms, "job-1", store.JobRunning)

	cp := &store.Checkpoint{
		CurrentPhase:       "draft",
		LastCompletedIndex: 4,
		TotalItems:         20,
		CompletedItems:     5,
		PhaseProgress: map[string]store.PhaseProgress{
			"draft": {LastCompletedIndex: 4, ItemsProcessed: 5},
		},
	}
	if err := cps.Save(ctx, "job-1", cp); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !cp.Timestamp.Equal(clk.Now().UTC()) {
		t.Errorf("Save did not stamp the clock time: %v", cp.Timestamp)
	}

	got, err := cps.Load(ctx, "job-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got == nil {
		t.Fatal("Load() = nil after Save")
	}
	if got.LastCompletedIndex != 4 || got.CurrentPhase != "draft" {
		t.Errorf("loaded checkpoint = %+v", got)
	}

	has, err := cps.Has(ctx, "job-1")
	if err != nil || !has {
		t.Errorf("Has() = %v, %v, want true", has, err)
	}

	if err := cps.Clear(ctx, "job-1"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	got, err = cps.Load(ctx, "job-1")
	if err != nil {
		t.Fatalf("Load() after Clear error = %v", err)
	}
	if got != nil {
		t.Errorf("Load() after Clear = %+v, want nil", got)
	}
}

func TestAutoCheckpointCountPredicate(t *testing.T) {
	ctx := context.Background()
	cps, ms, _ := newCheckpointFixture(t)
	seedJob(t, ms, "job-1", store.JobRunning)

	state := &AutoCheckpointState{Frequency: 3, LastSavedIndex: -1}
	cp := &store.Checkpoint{CurrentPhase: "draft", TotalItems: 20}

	steps := []struct {
		index    int
		wantSave bool
	}{
		{0, false}, // index must be positive
		{2, false}, // not a multiple
		{3, true},  // fires
		{3, false}, // same index saved already
		{4, false},
		{6, true},
		{9, true},
	}
	for _, step := range steps {
		cp.LastCompletedIndex = step.index
		saved, err := cps.AutoCheckpoint(ctx, "job-1", cp, state)
		if err != nil {
			t.Fatalf("AutoCheckpoint(index=%d) error = %v", step.index, err)
		}
		if saved != step.wantSave {
			t.Errorf("AutoCheckpoint(index=%d) saved = %v, want %v", step.index, saved, step.wantSave)
		}
	}
}

func TestAutoCheckpointTimePredicate(t *testing.T) {
	ctx := context.Background()
	cps, ms, clk := newCheckpointFixture(t)
	seedJob(t, ms, "job-1", store.JobRunning)

	state := &AutoCheckpointState{
		Frequency:      100, // count predicate effectively off for index 1
		Interval:       5 * time.Minute,
		LastSavedIndex: -1,
		LastSavedAt:    clk.Now(),
	}
	cp := &store.Checkpoint{CurrentPhase: "draft", LastCompletedIndex: 1, TotalItems: 20}

	saved, err := cps.AutoCheckpoint(ctx, "job-1", cp, state)
	if err != nil {
		t.Fatalf("AutoCheckpoint() error = %v", err)
	}
	if saved {
		t.Error("checkpoint saved before the interval elapsed")
	}

	clk.Advance(5 * time.Minute)
	saved, err = cps.AutoCheckpoint(ctx, "job-1", cp, state)
	if err != nil {
		t.Fatalf("AutoCheckpoint() error = %v", err)
	}
	if !saved {
		t.Error("checkpoint not saved after the interval elapsed")
	}

	// The save resets the timer.
	saved, err = cps.AutoCheckpoint(ctx, "job-1", cp, state)
	if err != nil {
		t.Fatalf("AutoCheckpoint() error = %v", err)
	}
	if saved {
		t.Error("checkpoint saved again immediately after a time-based save")
	}
}

func TestCleanupOlderThanValidation(t *testing.T) {
	ctx := context.Background()
	cps, _, _ := newCheckpointFixture(t)

	var verr *ValidationError
	if _, err := cps.CleanupOlderThan(ctx, 400); !errors.As(err, &verr) {
		t.Errorf("CleanupOlderThan(400) error = %v, want ValidationError", err)
	}
	if _, err := cps.CleanupOlderThan(ctx, 30, store.JobRunning); !errors.As(err, &verr) {
		t.Errorf("CleanupOlderThan(RUNNING) error = %v, want ValidationError", err)
	}
}

func TestCleanupOlderThanSweepsTerminalJobs(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemStore()
	// The store stamps completion with wall-clock time, so the cleanup clock
	// starts from wall-clock time too and jumps forward past the cutoff.
	clk := newFakeClock(time.Now())
	cps := NewCheckpointStore(ms)
	cps.clock = clk.Now

	seedJob(t, ms, "job-old", store.JobCompleted)
	seedJob(t, ms, "job-running", store.JobRunning)
	for _, id := range []string{"job-old", "job-running"} {
		if err := cps.Save(ctx, id, &store.Checkpoint{CurrentPhase: "draft"}); err != nil {
			t.Fatalf("Save(%s) error = %v", id, err)
		}
	}
	// Completion timestamps predate the cutoff once the clock jumps forward.
	if err := ms.UpdateJobStatus(ctx, "job-old", store.JobCompleted, ""); err != nil {
		t.Fatalf("UpdateJobStatus() error = %v", err)
	}

	clk.Advance(45 * 24 * time.Hour)
	n, err := cps.CleanupOlderThan(ctx, 0) // defaults to 30 days, all terminal statuses
	if err != nil {
		t.Fatalf("CleanupOlderThan() error = %v", err)
	}
	if n != 1 {
		t.Errorf("cleaned %d checkpoints, want 1", n)
	}

	has, err := cps.Has(ctx, "job-old")
	if err != nil || has {
		t.Errorf("terminal job kept its checkpoint: has=%v err=%v", has, err)
	}
	has, err = cps.Has(ctx, "job-running")
	if err != nil || !has {
		t.Errorf("running job lost its checkpoint: has=%v err=%v", has, err)
	}
}
