package batch

import (
	"testing"
	"time"

	"github.com/dshills/batchflow-go/batch/store"
)

func TestRetryDelay(t *testing.T) {
	base := 100 * time.Millisecond

	tests := []struct {
		name    string
		kind    store.BackoffKind
		attempt int
		want    time.Duration
	}{
		{"exponential first retry", store.BackoffExponential, 0, 100 * time.Millisecond},
		{"exponential second retry", store.BackoffExponential, 1, 200 * time.Millisecond},
		{"exponential third retry", store.BackoffExponential, 2, 400 * time.Millisecond},
		{"linear first retry", store.BackoffLinear, 0, 100 * time.Millisecond},
		{"linear third retry", store.BackoffLinear, 2, 300 * time.Millisecond},
		{"constant ignores attempt", store.BackoffConstant, 5, 100 * time.Millisecond},
		{"unknown kind falls back to exponential", store.BackoffKind("jittered"), 1, 200 * time.Millisecond},
		{"negative attempt clamps to zero", store.BackoffExponential, -3, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryDelay(tt.kind, tt.attempt, base); got != tt.want {
				t.Errorf("retryDelay(%s, %d) = %v, want %v", tt.kind, tt.attempt, got, tt.want)
			}
		})
	}
}

func TestRetryDelayDefaultBase(t *testing.T) {
	if got := retryDelay(store.BackoffExponential, 0, 0); got != time.Second {
		t.Errorf("zero base should default to 1s, got %v", got)
	}
}

func TestRetryDelayShiftCap(t *testing.T) {
	// Absurd attempt counts must not overflow time.Duration.
	got := retryDelay(store.BackoffExponential, 100, time.Nanosecond)
	if got != time.Duration(1<<30) {
		t.Errorf("capped delay = %v, want %v", got, time.Duration(1<<30))
	}
}
