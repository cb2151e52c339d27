package batch

import (
	"math"
	"testing"

	"github.com/dshills/batchflow-go/batch/store"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeAnalytics(t *testing.T) {
	job := &store.Job{
		ID: "job-1",
		Config: store.JobConfig{
			Phases: []store.PhaseConfig{{Name: "draft"}, {Name: "review"}},
		},
	}
	items := []*store.Item{
		{
			Index:  0,
			Status: store.ItemCompleted,
			PhaseOutputs: map[string]store.Payload{
				"draft": store.Payload("d0"), "review": store.Payload("r0"),
			},
			CostIncurred:     0.04,
			TokensUsed:       200,
			ProcessingTimeMS: 100,
		},
		{
			Index:  1,
			Status: store.ItemCompleted,
			PhaseOutputs: map[string]store.Payload{
				"draft": store.Payload("d1"), "review": store.Payload("r1"),
			},
			CostIncurred:     0.06,
			TokensUsed:       300,
			ProcessingTimeMS: 300,
		},
		{
			// Dead-lettered in draft: no outputs, but retry attempts cost money.
			Index:        2,
			Status:       store.ItemFailed,
			CostIncurred: 0.01,
			TokensUsed:   50,
		},
		{
			Index:  3,
			Status: store.ItemPending,
		},
	}

	a := computeAnalytics(job, items)

	if a.Overall.TotalItems != 4 || a.Overall.CompletedItems != 2 || a.Overall.FailedItems != 1 {
		t.Errorf("Overall = %+v", a.Overall)
	}
	if !almostEqual(a.Overall.SuccessRate, 0.5) {
		t.Errorf("SuccessRate = %v, want 0.5", a.Overall.SuccessRate)
	}
	if !almostEqual(a.Cost.Total, 0.11) {
		t.Errorf("Cost.Total = %v, want 0.11", a.Cost.Total)
	}
	if !almostEqual(a.Cost.PerItem, 0.055) {
		t.Errorf("Cost.PerItem = %v, want 0.055", a.Cost.PerItem)
	}
	if a.Tokens.Total != 550 {
		t.Errorf("Tokens.Total = %d, want 550", a.Tokens.Total)
	}
	if !almostEqual(a.Tokens.PerItem, 275) {
		t.Errorf("Tokens.PerItem = %v, want 275", a.Tokens.PerItem)
	}
	if !almostEqual(a.AvgProcessingTimeMS, 200) {
		t.Errorf("AvgProcessingTimeMS = %v, want 200", a.AvgProcessingTimeMS)
	}

	if len(a.ByPhase) != 2 {
		t.Fatalf("ByPhase has %d rows, want 2", len(a.ByPhase))
	}
	for i, want := range []string{"draft", "review"} {
		if a.ByPhase[i].Phase != want {
			t.Errorf("ByPhase[%d].Phase = %q, want %q", i, a.ByPhase[i].Phase, want)
		}
		if a.ByPhase[i].Items != 2 {
			t.Errorf("ByPhase[%d].Items = %d, want 2", i, a.ByPhase[i].Items)
		}
	}
}

func TestComputeAnalyticsEmptyJob(t *testing.T) {
	job := &store.Job{Config: store.JobConfig{Phases: []store.PhaseConfig{{Name: "draft"}}}}
	a := computeAnalytics(job, nil)

	if a.Overall.SuccessRate != 0 || a.Cost.PerItem != 0 || a.Tokens.PerItem != 0 {
		t.Errorf("empty job produced nonzero rates: %+v", a)
	}
	if a.AvgProcessingTimeMS != 0 {
		t.Errorf("AvgProcessingTimeMS = %v, want 0", a.AvgProcessingTimeMS)
	}
}
