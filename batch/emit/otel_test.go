package emit

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*tracetest.InMemoryExporter, *OTelEmitter) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	return exporter, NewOTelEmitter(otel.Tracer("test"))
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{}, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func TestOTelEmitterEmit(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	emitter.Emit(Event{
		JobID: "job-001",
		Phase: "draft",
		Item:  2,
		Msg:   EventItemComplete,
		Meta: map[string]interface{}{
			"tokens":      int64(150),
			"cost_usd":    0.0042,
			"duration_ms": int64(120),
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]

	if span.Name != EventItemComplete {
		t.Errorf("span name = %q, want %q", span.Name, EventItemComplete)
	}

	attrs := attributeMap(span.Attributes)
	if got := attrs["batchflow.job_id"]; got != "job-001" {
		t.Errorf("job_id = %v, want %q", got, "job-001")
	}
	if got := attrs["batchflow.phase"]; got != "draft" {
		t.Errorf("phase = %v, want %q", got, "draft")
	}
	if got := attrs["batchflow.item"]; got != int64(2) {
		t.Errorf("item = %v, want 2", got)
	}
	if got := attrs["batchflow.llm.tokens"]; got != int64(150) {
		t.Errorf("tokens = %v, want 150", got)
	}
	if got := attrs["batchflow.llm.cost_usd"]; got != 0.0042 {
		t.Errorf("cost_usd = %v, want 0.0042", got)
	}

	if !span.EndTime.After(span.StartTime) {
		t.Error("span was not ended")
	}
}

func TestOTelEmitterErrorStatus(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	emitter.Emit(Event{
		JobID: "job-001",
		Phase: "draft",
		Item:  0,
		Msg:   EventItemDeadLetter,
		Meta:  map[string]interface{}{"error": "model unavailable"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "model unavailable" {
		t.Errorf("description = %q", spans[0].Status.Description)
	}
}

func TestOTelEmitterEmitBatch(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	events := []Event{
		{JobID: "job-001", Phase: "draft", Item: -1, Msg: EventPhaseStart},
		{JobID: "job-001", Phase: "draft", Item: 0, Msg: EventItemComplete},
		{JobID: "job-001", Phase: "draft", Item: -1, Msg: EventPhaseComplete},
	}
	if err := emitter.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch() error = %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
}

func TestOTelEmitterFlush(t *testing.T) {
	_, emitter := newTestTracer(t)

	if err := emitter.Flush(context.Background()); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
}
