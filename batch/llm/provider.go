// Package llm routes batch phase work to hosted language model providers.
//
// It supplies a batch.Processor implementation (Router) that dispatches each
// item to Anthropic, OpenAI, or Google based on the phase's model name, and
// prices the reported token usage so the engine's cost accounting reflects
// real spend.
package llm

import "context"

// Provider is a single hosted model vendor.
//
// Implementations must be safe for concurrent use and must respect context
// cancellation: the engine enforces a per-item timeout through ctx.
type Provider interface {
	// Complete runs one prompt against the requested model and returns the
	// generated text with token usage.
	Complete(ctx context.Context, req Request) (Response, error)

	// Name returns the vendor identifier: "anthropic", "openai", "google",
	// or "mock".
	Name() string
}

// Request is one completion call.
type Request struct {
	// Prompt is the full prompt text, already assembled by the caller.
	Prompt string

	// Model is the vendor model name (e.g. "claude-sonnet-4-5", "gpt-4o",
	// "gemini-1.5-flash").
	Model string

	// TaskType is a free-form hint about the kind of work ("generation",
	// "review", "scoring"). Providers may use it to shape system prompts.
	TaskType string

	// UseRAG asks the provider to ground the completion in retrieved
	// context where the vendor supports it. Providers without retrieval
	// ignore it.
	UseRAG bool
}

// Response is the result of one completion call.
type Response struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// APIError is a provider failure classified for retry decisions.
//
// The batch engine retries any error according to the phase's retry policy;
// Retryable exists for callers that want to pre-filter (e.g. skip retrying an
// invalid API key).
type APIError struct {
	// Code is a machine-readable error code: "rate_limited", "timeout",
	// "invalid_api_key", "quota_exceeded", or "api_error".
	Code string

	// Message is the human-readable description.
	Message string

	// Retryable is true for transient failures (rate limits, timeouts).
	Retryable bool
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// IsRetryable reports whether the failure is transient.
func (e *APIError) IsRetryable() bool {
	return e.Retryable
}
