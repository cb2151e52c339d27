package batch

import (
	"context"

	"github.com/dshills/batchflow-go/batch/store"
)

// ProcessResult is what a Processor returns for one item in one phase.
//
// Output becomes the item's input to the next phase. Cost (USD) and Tokens
// are accumulated onto the item's accounting fields; leave them zero for
// processors with nothing to meter.
type ProcessResult struct {
	Output store.Payload
	Cost   float64
	Tokens int64
}

// Processor performs the per-item work for a phase.
//
// The engine calls Process once per item per phase attempt, under the
// per-item timeout and the job's concurrency bound. Implementations must
// honor ctx cancellation: a timed-out or cancelled attempt counts as a
// failure for that item.
//
// An error return means the attempt failed; the engine owns retries and
// dead-lettering. Side effects are at-least-once: a retried item invokes
// Process again.
//
// The engine never inspects the payload. The phase config carries the
// routing hints (task type, model, RAG flag, validation thresholds) the
// processor may act on.
type Processor interface {
	Process(ctx context.Context, input store.Payload, phase store.PhaseConfig) (ProcessResult, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, input store.Payload, phase store.PhaseConfig) (ProcessResult, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, input store.Payload, phase store.PhaseConfig) (ProcessResult, error) {
	return f(ctx, input, phase)
}
