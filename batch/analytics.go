package batch

import (
	"github.com/dshills/batchflow-go/batch/store"
)

// Analytics is the aggregate view of a job computed from its item rows.
//
// Totals are authoritative (recomputed from items at read time, not taken
// from the job's cached counters). Per-item averages use the completed-item
// count as denominator and are 0 when nothing has completed.
type Analytics struct {
	Overall OverallStats
	Cost    CostStats
	Tokens  TokenStats

	// AvgProcessingTimeMS is the mean per-item processing time across items
	// that have recorded one.
	AvgProcessingTimeMS float64

	// ByPhase breaks accounting down per phase, in the job's phase order.
	// An item contributes to a phase's row when its phaseOutputs contains
	// that phase; per-item accounting is cumulative across phases, so rows
	// overlap by construction.
	ByPhase []PhaseBreakdown
}

// OverallStats counts item outcomes. SuccessRate is CompletedItems over
// TotalItems in [0, 1], or 0 for an empty job.
type OverallStats struct {
	TotalItems     int
	CompletedItems int
	FailedItems    int
	SuccessRate    float64
}

// CostStats aggregates USD cost.
type CostStats struct {
	Total   float64
	PerItem float64
}

// TokenStats aggregates token usage.
type TokenStats struct {
	Total   int64
	PerItem float64
}

// PhaseBreakdown is one phase's slice of the per-item accounting.
type PhaseBreakdown struct {
	Phase               string
	Items               int
	Cost                float64
	Tokens              int64
	AvgProcessingTimeMS float64
}

// computeAnalytics builds the aggregate view from the job's items.
func computeAnalytics(job *store.Job, items []*store.Item) Analytics {
	a := Analytics{
		Overall: OverallStats{TotalItems: len(items)},
	}

	var (
		timed     int
		timeTotal int64
	)
	for _, it := range items {
		switch it.Status {
		case store.ItemCompleted:
			a.Overall.CompletedItems++
		case store.ItemFailed:
			a.Overall.FailedItems++
		}
		a.Cost.Total += it.CostIncurred
		a.Tokens.Total += it.TokensUsed
		if it.ProcessingTimeMS > 0 {
			timed++
			timeTotal += it.ProcessingTimeMS
		}
	}

	if a.Overall.TotalItems > 0 {
		a.Overall.SuccessRate = float64(a.Overall.CompletedItems) / float64(a.Overall.TotalItems)
	}
	if a.Overall.CompletedItems > 0 {
		a.Cost.PerItem = a.Cost.Total / float64(a.Overall.CompletedItems)
		a.Tokens.PerItem = float64(a.Tokens.Total) / float64(a.Overall.CompletedItems)
	}
	if timed > 0 {
		a.AvgProcessingTimeMS = float64(timeTotal) / float64(timed)
	}

	for _, phase := range job.Config.Phases {
		pb := PhaseBreakdown{Phase: phase.Name}
		var (
			phaseTimed int
			phaseTime  int64
		)
		for _, it := range items {
			if _, ok := it.PhaseOutputs[phase.Name]; !ok {
				continue
			}
			pb.Items++
			pb.Cost += it.CostIncurred
			pb.Tokens += it.TokensUsed
			if it.ProcessingTimeMS > 0 {
				phaseTimed++
				phaseTime += it.ProcessingTimeMS
			}
		}
		if phaseTimed > 0 {
			pb.AvgProcessingTimeMS = float64(phaseTime) / float64(phaseTimed)
		}
		a.ByPhase = append(a.ByPhase, pb)
	}

	return a
}
