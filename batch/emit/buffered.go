package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// This emitter captures all events and provides query capabilities for
// post-run analysis. Events are organized by jobID for efficient retrieval
// and filtering.
//
// Features:
//   - Thread-safe concurrent access
//   - Query by jobID with optional filtering
//   - Filter by phase, message, item index range
//   - Clear events by jobID or all events
//
// Warning: This emitter stores all events in memory. For long-running
// deployments with high event volume, prefer LogEmitter or OTelEmitter, or
// clear finished jobs periodically.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	mgr := batch.NewManager(st, proc, emitter)
//
//	// ... run a job ...
//
//	all := emitter.GetHistory(jobID)
//	retries := emitter.GetHistoryWithFilter(jobID, emit.HistoryFilter{Msg: emit.EventItemRetry})
//	emitter.Clear(jobID)
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // jobID -> events
}

// HistoryFilter specifies criteria for filtering captured events.
//
// All filter fields are optional. When multiple fields are set, they are
// combined with AND logic (all conditions must match).
//
// Fields:
//   - Phase: Filter by pipeline phase
//   - Msg: Filter by event name (e.g., emit.EventItemRetry)
//   - MinItem: Filter events with item index >= MinItem (nil = no lower bound)
//   - MaxItem: Filter events with item index <= MaxItem (nil = no upper bound)
type HistoryFilter struct {
	Phase   string // Filter by phase (empty = no filter)
	Msg     string // Filter by event name (empty = no filter)
	MinItem *int   // Minimum item index (nil = no filter)
	MaxItem *int   // Maximum item index (nil = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter.
//
// Safe for concurrent use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
//
// Events are organized by jobID for efficient retrieval. Thread-safe.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.JobID] = append(b.events[event.JobID], event)
}

// GetHistory retrieves all events for a specific jobID.
//
// Returns events in the order they were emitted, as a copy the caller may
// mutate. Returns an empty slice if no events exist for the given jobID.
func (b *BufferedEmitter) GetHistory(jobID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[jobID]
	if events == nil {
		return []Event{}
	}

	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// GetHistoryWithFilter retrieves filtered events for a specific jobID.
//
// Applies the provided filter criteria to select matching events. All filter
// conditions must match for an event to be included (AND logic).
//
// Returns events in the order they were emitted. Returns an empty slice if
// no events match the filter.
func (b *BufferedEmitter) GetHistoryWithFilter(jobID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[jobID]
	if events == nil {
		return []Event{}
	}

	if filter.Phase == "" && filter.Msg == "" && filter.MinItem == nil && filter.MaxItem == nil {
		result := make([]Event, len(events))
		copy(result, events)
		return result
	}

	var result []Event
	for _, event := range events {
		if !matchesFilter(event, filter) {
			continue
		}
		result = append(result, event)
	}

	if result == nil {
		return []Event{}
	}
	return result
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.Phase != "" && event.Phase != filter.Phase {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.MinItem != nil && event.Item < *filter.MinItem {
		return false
	}
	if filter.MaxItem != nil && event.Item > *filter.MaxItem {
		return false
	}
	return true
}

// Clear removes stored events.
//
// If jobID is non-empty, clears only events for that specific job.
// If jobID is empty, clears all stored events across all jobs.
func (b *BufferedEmitter) Clear(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if jobID == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, jobID)
	}
}
