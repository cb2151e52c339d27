package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)

	e.Emit(Event{
		JobID: "job-1",
		Phase: "draft",
		Item:  3,
		Msg:   EventItemComplete,
		Meta:  map[string]interface{}{"duration_ms": 120},
	})

	out := buf.String()
	if !strings.HasPrefix(out, "[item_complete] ") {
		t.Errorf("missing msg prefix: %q", out)
	}
	for _, want := range []string{"jobID=job-1", "phase=draft", "item=3", `"duration_ms":120`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
}

func TestLogEmitterTextNoMeta(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)

	e.Emit(Event{JobID: "job-1", Item: -1, Msg: EventJobStart})

	if strings.Contains(buf.String(), "meta=") {
		t.Errorf("unexpected meta in output: %q", buf.String())
	}
}

func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)

	e.Emit(Event{JobID: "job-1", Phase: "review", Item: 0, Msg: EventItemRetry,
		Meta: map[string]interface{}{"attempt": 1}})
	e.Emit(Event{JobID: "job-1", Phase: "review", Item: 0, Msg: EventItemComplete})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}

	var decoded struct {
		JobID string                 `json:"jobID"`
		Phase string                 `json:"phase"`
		Item  int                    `json:"item"`
		Msg   string                 `json:"msg"`
		Meta  map[string]interface{} `json:"meta"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("line is not valid JSON: %v", err)
	}
	if decoded.JobID != "job-1" || decoded.Msg != EventItemRetry {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Meta["attempt"] != float64(1) {
		t.Errorf("meta attempt = %v", decoded.Meta["attempt"])
	}
}

func TestNullEmitterDiscards(t *testing.T) {
	e := NewNullEmitter()
	// Must not panic and has nothing observable.
	e.Emit(Event{JobID: "job-1", Msg: EventJobStart, Item: -1})
}
