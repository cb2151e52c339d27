package llm

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/dshills/batchflow-go/batch/store"
)

func TestRouterRoutesByModelPrefix(t *testing.T) {
	anthropic := &MockProvider{Text: "from-claude"}
	openai := &MockProvider{Text: "from-gpt"}
	google := &MockProvider{Text: "from-gemini"}

	r := NewRouter()
	r.Register(VendorAnthropic, anthropic)
	r.Register(VendorOpenAI, openai)
	r.Register(VendorGoogle, google)

	tests := []struct {
		model string
		want  string
	}{
		{"claude-sonnet-4-5", "from-claude"},
		{"gpt-4o-mini", "from-gpt"},
		{"o1-preview", "from-gpt"},
		{"gemini-1.5-flash", "from-gemini"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			res, err := r.Process(context.Background(), store.Payload("hello"), store.PhaseConfig{
				Name:  "draft",
				Model: tt.model,
			})
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			if string(res.Output) != tt.want {
				t.Errorf("output = %q, want %q", res.Output, tt.want)
			}
		})
	}
}

func TestRouterUnroutableModel(t *testing.T) {
	r := NewRouter()
	r.Register(VendorAnthropic, &MockProvider{})

	var apiErr *APIError
	if _, err := r.Process(context.Background(), store.Payload("x"), store.PhaseConfig{Model: "llama-3"}); !errors.As(err, &apiErr) {
		t.Errorf("unknown vendor error = %v, want APIError", err)
	}
	if _, err := r.Process(context.Background(), store.Payload("x"), store.PhaseConfig{Model: "gpt-4o"}); !errors.As(err, &apiErr) {
		t.Errorf("unregistered vendor error = %v, want APIError", err)
	}
}

func TestRouterPricesUsage(t *testing.T) {
	mock := &MockProvider{Text: "out", InputTokens: 1000, OutputTokens: 500}
	r := NewRouter()
	r.Register(VendorOpenAI, mock)

	res, err := r.Process(context.Background(), store.Payload("x"), store.PhaseConfig{Name: "draft", Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Tokens != 1500 {
		t.Errorf("Tokens = %d, want 1500", res.Tokens)
	}
	if math.Abs(res.Cost-0.0075) > 1e-12 {
		t.Errorf("Cost = %v, want 0.0075", res.Cost)
	}
}

func TestRouterPromptCarriesPhaseFraming(t *testing.T) {
	mock := &MockProvider{Text: "out"}
	r := NewRouter()
	r.Register(VendorAnthropic, mock)

	phase := store.PhaseConfig{
		Name:       "review",
		TaskType:   "scoring",
		Model:      "claude-sonnet-4-5",
		Validation: &store.ValidationConfig{MinScore: 7.5},
	}
	if _, err := r.Process(context.Background(), store.Payload("the draft text"), phase); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	reqs := mock.Requests()
	if len(reqs) != 1 {
		t.Fatalf("provider saw %d requests, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Model != "claude-sonnet-4-5" || req.TaskType != "scoring" {
		t.Errorf("request = %+v", req)
	}
	for _, fragment := range []string{"Task: scoring", "phase: review", "at least 7.5", "the draft text"} {
		if !strings.Contains(req.Prompt, fragment) {
			t.Errorf("prompt missing %q:\n%s", fragment, req.Prompt)
		}
	}
}

func TestRouterPropagatesProviderErrors(t *testing.T) {
	wantErr := &APIError{Code: "rate_limited", Message: "slow down", Retryable: true}
	mock := &MockProvider{Fail: func(Request) error { return wantErr }}
	r := NewRouter()
	r.Register(VendorGoogle, mock)

	_, err := r.Process(context.Background(), store.Payload("x"), store.PhaseConfig{Model: "gemini-1.5-pro"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "rate_limited" || !apiErr.IsRetryable() {
		t.Errorf("Process() error = %v, want retryable rate_limited", err)
	}
}
