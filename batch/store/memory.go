package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store implementation.
//
// It is safe for concurrent use and is the store of choice for tests and for
// jobs that do not need to survive a restart. All data is lost when the
// process exits.
type MemStore struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	items map[string]map[int]*Item // jobID -> index -> item
	order []string                 // job IDs in creation order
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:  make(map[string]*Job),
		items: make(map[string]map[int]*Item),
	}
}

// cloneJob deep-copies a job through JSON so callers can't mutate stored
// state. Matches the persistence format of the SQL stores, which keeps the
// three implementations behaviorally identical.
func cloneJob(j *Job) (*Job, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("clone job: %w", err)
	}
	var out Job
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone job: %w", err)
	}
	return &out, nil
}

func cloneItem(it *Item) (*Item, error) {
	data, err := json.Marshal(it)
	if err != nil {
		return nil, fmt.Errorf("clone item: %w", err)
	}
	var out Item
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone item: %w", err)
	}
	return &out, nil
}

// CreateJob stores a job and its items. Fails if the job ID already exists.
func (m *MemStore) CreateJob(ctx context.Context, job *Job, items []*Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	jc, err := cloneJob(job)
	if err != nil {
		return err
	}
	byIndex := make(map[int]*Item, len(items))
	for _, it := range items {
		ic, err := cloneItem(it)
		if err != nil {
			return err
		}
		byIndex[ic.Index] = ic
	}

	m.jobs[job.ID] = jc
	m.items[job.ID] = byIndex
	m.order = append(m.order, job.ID)
	return nil
}

// GetJob retrieves a job by ID.
func (m *MemStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return cloneJob(j)
}

// ListJobs returns jobs matching the filter, newest first.
func (m *MemStore) ListJobs(ctx context.Context, filter ListFilter) ([]*Job, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Job
	// order holds creation order; walk it backwards for newest-first.
	for i := len(m.order) - 1; i >= 0; i-- {
		j := m.jobs[m.order[i]]
		if filter.GroupID != "" && j.GroupID != filter.GroupID {
			continue
		}
		if filter.UserID != "" && j.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		matched = append(matched, j)
	}

	if filter.Offset >= len(matched) {
		return nil, false, nil
	}
	matched = matched[filter.Offset:]
	hasMore := false
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
		hasMore = true
	}

	out := make([]*Job, 0, len(matched))
	for _, j := range matched {
		jc, err := cloneJob(j)
		if err != nil {
			return nil, false, err
		}
		out = append(out, jc)
	}
	return out, hasMore, nil
}

// UpdateJobStatus transitions a job's status and maintains StartedAt,
// CompletedAt, and the error string.
func (m *MemStore) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}

	now := time.Now().UTC()
	if status == JobRunning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if status.Terminal() {
		j.CompletedAt = &now
	} else {
		j.CompletedAt = nil
	}
	j.Status = status
	j.Error = errMsg
	j.UpdatedAt = now
	return nil
}

// SetJobCurrentPhase records the phase the executor is working on.
func (m *MemStore) SetJobCurrentPhase(ctx context.Context, jobID, phase string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	j.CurrentPhase = phase
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateJobAggregates replaces the job's counter and accounting snapshot.
func (m *MemStore) UpdateJobAggregates(ctx context.Context, jobID string, agg Aggregates) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	j.CompletedItems = agg.CompletedItems
	j.FailedItems = agg.FailedItems
	j.CostIncurred = agg.CostIncurred
	j.TokensUsed = agg.TokensUsed
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// SaveCheckpoint stores the checkpoint and mirrors its snapshot fields into
// the job record.
func (m *MemStore) SaveCheckpoint(ctx context.Context, jobID string, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	var stored Checkpoint
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("unmarshal checkpoint: %w", err)
	}

	j.Checkpoint = &stored
	j.CurrentPhase = stored.CurrentPhase
	j.CompletedItems = stored.CompletedItems
	j.FailedItems = stored.FailedItems
	j.CostIncurred = stored.CostIncurred
	j.TokensUsed = stored.TokensUsed
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// LoadCheckpoint returns the job's checkpoint, or nil when none is set.
func (m *MemStore) LoadCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if j.Checkpoint == nil {
		return nil, nil
	}
	data, err := json.Marshal(j.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	var out Checkpoint
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &out, nil
}

// ClearCheckpoint removes the job's checkpoint.
func (m *MemStore) ClearCheckpoint(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	j.Checkpoint = nil
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// CleanupCheckpoints removes checkpoints from jobs in the given statuses that
// finished before cutoff.
func (m *MemStore) CleanupCheckpoints(ctx context.Context, cutoff time.Time, statuses []JobStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := make(map[JobStatus]bool, len(statuses))
	for _, s := range statuses {
		allowed[s] = true
	}

	n := 0
	for _, j := range m.jobs {
		if j.Checkpoint == nil || !allowed[j.Status] {
			continue
		}
		if j.CompletedAt == nil || !j.CompletedAt.Before(cutoff) {
			continue
		}
		j.Checkpoint = nil
		j.UpdatedAt = time.Now().UTC()
		n++
	}
	return n, nil
}

// GetItem retrieves one item by job ID and index.
func (m *MemStore) GetItem(ctx context.Context, jobID string, index int) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byIndex, ok := m.items[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	it, ok := byIndex[index]
	if !ok {
		return nil, fmt.Errorf("job %s item %d: %w", jobID, index, ErrNotFound)
	}
	return cloneItem(it)
}

// ListItems returns all of a job's items ordered by index.
func (m *MemStore) ListItems(ctx context.Context, jobID string) ([]*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byIndex, ok := m.items[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}

	indexes := make([]int, 0, len(byIndex))
	for i := range byIndex {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]*Item, 0, len(indexes))
	for _, i := range indexes {
		ic, err := cloneItem(byIndex[i])
		if err != nil {
			return nil, err
		}
		out = append(out, ic)
	}
	return out, nil
}

// UpdateItem replaces an item row.
func (m *MemStore) UpdateItem(ctx context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byIndex, ok := m.items[item.JobID]
	if !ok {
		return fmt.Errorf("job %s: %w", item.JobID, ErrNotFound)
	}
	if _, ok := byIndex[item.Index]; !ok {
		return fmt.Errorf("job %s item %d: %w", item.JobID, item.Index, ErrNotFound)
	}
	ic, err := cloneItem(item)
	if err != nil {
		return err
	}
	byIndex[item.Index] = ic
	return nil
}

// AggregateItems sums per-item accounting across a job's items.
func (m *MemStore) AggregateItems(ctx context.Context, jobID string) (Aggregates, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byIndex, ok := m.items[jobID]
	if !ok {
		return Aggregates{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}

	var agg Aggregates
	for _, it := range byIndex {
		switch it.Status {
		case ItemCompleted:
			agg.CompletedItems++
		case ItemFailed:
			agg.FailedItems++
		}
		agg.CostIncurred += it.CostIncurred
		agg.TokensUsed += it.TokensUsed
	}
	return agg, nil
}

// DeleteJob removes a job and all its items.
func (m *MemStore) DeleteJob(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	delete(m.jobs, jobID)
	delete(m.items, jobID)
	for i, id := range m.order {
		if id == jobID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

var _ Store = (*MemStore)(nil)
