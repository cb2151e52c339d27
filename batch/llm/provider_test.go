package llm

import (
	"context"
	"errors"
	"testing"
)

func TestNewProviderValidation(t *testing.T) {
	if _, err := NewAnthropicProvider(""); err == nil {
		t.Error("NewAnthropicProvider accepted an empty API key")
	}
	if _, err := NewOpenAIProvider(""); err == nil {
		t.Error("NewOpenAIProvider accepted an empty API key")
	}

	t.Setenv("GOOGLE_API_KEY", "")
	var apiErr *APIError
	if _, err := NewGoogleProvider(context.Background(), ""); !errors.As(err, &apiErr) {
		t.Errorf("NewGoogleProvider without key error = %v, want APIError", err)
	} else if apiErr.Code != "invalid_api_key" {
		t.Errorf("error code = %q, want invalid_api_key", apiErr.Code)
	}
}

func TestClassifyAPIError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  string
		retryable bool
	}{
		{"auth failure", errors.New("401 unauthorized"), "invalid_api_key", false},
		{"bad key", errors.New("invalid api_key provided"), "invalid_api_key", false},
		{"rate limit", errors.New("429 too many requests"), "rate_limited", true},
		{"quota", errors.New("insufficient_quota for this billing period"), "quota_exceeded", false},
		{"timeout", errors.New("request timeout after 30s"), "timeout", true},
		{"deadline", context.DeadlineExceeded, "timeout", true},
		{"server error", errors.New("503 service unavailable"), "api_error", true},
		{"overloaded", errors.New("overloaded_error: try again later"), "api_error", true},
		{"unknown", errors.New("something else entirely"), "api_error", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyAPIError("Test", tt.err)
			var apiErr *APIError
			if !errors.As(got, &apiErr) {
				t.Fatalf("classifyAPIError() = %v, want APIError", got)
			}
			if apiErr.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", apiErr.Code, tt.wantCode)
			}
			if apiErr.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", apiErr.Retryable, tt.retryable)
			}
		})
	}

	// Plain cancellation passes through so callers can distinguish a stopped
	// job from a provider failure.
	if got := classifyAPIError("Test", context.Canceled); !errors.Is(got, context.Canceled) {
		t.Errorf("cancelled error = %v, want context.Canceled", got)
	}
}
