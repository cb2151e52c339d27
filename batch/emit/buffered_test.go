package emit

import (
	"sync"
	"testing"
)

func TestBufferedEmitterStoresByJob(t *testing.T) {
	b := NewBufferedEmitter()

	b.Emit(Event{JobID: "job-1", Phase: "draft", Item: 0, Msg: EventItemComplete})
	b.Emit(Event{JobID: "job-1", Phase: "draft", Item: 1, Msg: EventItemComplete})
	b.Emit(Event{JobID: "job-2", Phase: "draft", Item: 0, Msg: EventItemComplete})

	if got := len(b.GetHistory("job-1")); got != 2 {
		t.Errorf("job-1 events = %d, want 2", got)
	}
	if got := len(b.GetHistory("job-2")); got != 1 {
		t.Errorf("job-2 events = %d, want 1", got)
	}
	if got := len(b.GetHistory("missing")); got != 0 {
		t.Errorf("missing job events = %d, want 0", got)
	}
}

func TestBufferedEmitterFilter(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{JobID: "j", Phase: "draft", Item: -1, Msg: EventPhaseStart})
	b.Emit(Event{JobID: "j", Phase: "draft", Item: 0, Msg: EventItemComplete})
	b.Emit(Event{JobID: "j", Phase: "draft", Item: 1, Msg: EventItemRetry})
	b.Emit(Event{JobID: "j", Phase: "draft", Item: 1, Msg: EventItemDeadLetter})
	b.Emit(Event{JobID: "j", Phase: "review", Item: 0, Msg: EventItemComplete})

	tests := []struct {
		name   string
		filter HistoryFilter
		want   int
	}{
		{"empty filter returns all", HistoryFilter{}, 5},
		{"by msg", HistoryFilter{Msg: EventItemComplete}, 2},
		{"by phase", HistoryFilter{Phase: "draft"}, 4},
		{"by phase and msg", HistoryFilter{Phase: "draft", Msg: EventItemComplete}, 1},
		{"by item range", HistoryFilter{MinItem: intPtr(0), MaxItem: intPtr(0)}, 2},
		{"no match", HistoryFilter{Msg: EventJobFailed}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.GetHistoryWithFilter("j", tt.filter)
			if len(got) != tt.want {
				t.Errorf("matched %d events, want %d", len(got), tt.want)
			}
		})
	}
}

func TestBufferedEmitterClear(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{JobID: "job-1", Msg: EventJobStart, Item: -1})
	b.Emit(Event{JobID: "job-2", Msg: EventJobStart, Item: -1})

	b.Clear("job-1")
	if got := len(b.GetHistory("job-1")); got != 0 {
		t.Errorf("job-1 events after clear = %d, want 0", got)
	}
	if got := len(b.GetHistory("job-2")); got != 1 {
		t.Errorf("job-2 events = %d, want 1", got)
	}

	b.Clear("")
	if got := len(b.GetHistory("job-2")); got != 0 {
		t.Errorf("job-2 events after clear-all = %d, want 0", got)
	}
}

func TestBufferedEmitterConcurrent(t *testing.T) {
	b := NewBufferedEmitter()

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Emit(Event{JobID: "j", Phase: "draft", Item: i, Msg: EventItemComplete})
			}
		}(w)
	}
	wg.Wait()

	if got := len(b.GetHistory("j")); got != 1000 {
		t.Errorf("events = %d, want 1000", got)
	}
}

func intPtr(i int) *int { return &i }
