package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/batchflow-go/batch/store"
)

// CheckpointStore is a thin module over the job row's checkpoint column.
//
// It is the only writer of Job.Checkpoint. Save also mirrors the snapshot's
// current phase and aggregate counters into the job columns so status reads
// don't need to deserialize the blob.
type CheckpointStore struct {
	store store.Store
	clock func() time.Time
}

// NewCheckpointStore creates a checkpoint store over the given persistence
// backend.
func NewCheckpointStore(s store.Store) *CheckpointStore {
	return &CheckpointStore{store: s, clock: time.Now}
}

// Save writes the snapshot, stamped with the current wall-clock time.
func (c *CheckpointStore) Save(ctx context.Context, jobID string, cp *store.Checkpoint) error {
	cp.Timestamp = c.clock().UTC()
	if err := c.store.SaveCheckpoint(ctx, jobID, cp); err != nil {
		return fmt.Errorf("save checkpoint for job %s: %w", jobID, err)
	}
	return nil
}

// Load returns the job's checkpoint, or nil when none exists.
func (c *CheckpointStore) Load(ctx context.Context, jobID string) (*store.Checkpoint, error) {
	cp, err := c.store.LoadCheckpoint(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for job %s: %w", jobID, err)
	}
	return cp, nil
}

// Clear removes the job's checkpoint.
func (c *CheckpointStore) Clear(ctx context.Context, jobID string) error {
	if err := c.store.ClearCheckpoint(ctx, jobID); err != nil {
		return fmt.Errorf("clear checkpoint for job %s: %w", jobID, err)
	}
	return nil
}

// Has reports whether the job currently has a checkpoint.
func (c *CheckpointStore) Has(ctx context.Context, jobID string) (bool, error) {
	cp, err := c.Load(ctx, jobID)
	if err != nil {
		return false, err
	}
	return cp != nil, nil
}

// AutoCheckpointState carries the predicate inputs for AutoCheckpoint between
// calls. The executor keeps one per running phase, shared by its item
// workers; AutoCheckpoint serializes on the embedded mutex.
type AutoCheckpointState struct {
	mu sync.Mutex

	// Frequency is the count-based predicate: checkpoint when the last
	// completed item index is a positive multiple of it.
	Frequency int

	// Interval is the time-based predicate: checkpoint when this much time
	// has passed since LastSavedAt.
	Interval time.Duration

	// LastSavedIndex is the item index the previous checkpoint covered.
	// Start at -1.
	LastSavedIndex int

	// LastSavedAt is when the previous checkpoint was written.
	LastSavedAt time.Time
}

// AutoCheckpoint applies the checkpoint predicate and saves when it fires.
//
// A checkpoint is due at the first of:
//   - Count-based: snapshot.LastCompletedIndex is positive, a multiple of
//     Frequency, and past the previously saved index.
//   - Time-based: Interval has elapsed since the last save.
//
// On save the state's LastSavedIndex and LastSavedAt advance. Returns whether
// a save occurred. Safe for concurrent use: the predicate check and the save
// are serialized, so workers settling the same watermark cannot double-save
// and a stale snapshot cannot count-save over a newer one.
func (c *CheckpointStore) AutoCheckpoint(ctx context.Context, jobID string, cp *store.Checkpoint, state *AutoCheckpointState) (bool, error) {
	state.mu.Lock()
	defer state.mu.Unlock()

	idx := cp.LastCompletedIndex

	countDue := state.Frequency > 0 &&
		idx > 0 &&
		idx%state.Frequency == 0 &&
		idx > state.LastSavedIndex
	timeDue := state.Interval > 0 && c.clock().Sub(state.LastSavedAt) >= state.Interval

	if !countDue && !timeDue {
		return false, nil
	}

	if err := c.Save(ctx, jobID, cp); err != nil {
		return false, err
	}
	state.LastSavedIndex = idx
	state.LastSavedAt = c.clock()
	return true, nil
}

// CleanupOlderThan nulls checkpoints on jobs in one of the given terminal
// statuses whose completion is older than the given number of days, and
// returns how many were cleaned.
//
// days defaults to 30 when zero and must be within [1, 365]. statuses
// defaults to {COMPLETED, FAILED, CANCELLED} when empty.
func (c *CheckpointStore) CleanupOlderThan(ctx context.Context, days int, statuses ...store.JobStatus) (int, error) {
	if days == 0 {
		days = DefaultCleanupDays
	}
	if days < 1 || days > MaxCleanupDays {
		return 0, validationErrorf("olderThanDays", "must be in [1, %d], got %d", MaxCleanupDays, days)
	}
	if len(statuses) == 0 {
		statuses = []store.JobStatus{store.JobCompleted, store.JobFailed, store.JobCancelled}
	}
	for _, s := range statuses {
		if !s.Terminal() {
			return 0, validationErrorf("status", "checkpoint cleanup only applies to terminal statuses, got %s", s)
		}
	}

	cutoff := c.clock().UTC().AddDate(0, 0, -days)
	n, err := c.store.CleanupCheckpoints(ctx, cutoff, statuses)
	if err != nil {
		return 0, fmt.Errorf("cleanup checkpoints: %w", err)
	}
	return n, nil
}
