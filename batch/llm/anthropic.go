package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// maxCompletionTokens bounds the generated output per call across vendors.
const maxCompletionTokens = 4096

// AnthropicProvider implements Provider over Anthropic's Messages API.
//
// Safe for concurrent use; the SDK client handles concurrent requests.
type AnthropicProvider struct {
	client *anthropic.Client
}

// NewAnthropicProvider creates an Anthropic provider. The API key can be
// obtained from https://console.anthropic.com/; never hardcode it, pass it
// in from the environment.
func NewAnthropicProvider(apiKey string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("API key cannot be empty")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicProvider{client: &client}, nil
}

// Name returns "anthropic".
func (a *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete runs the prompt against the requested Claude model.
func (a *AnthropicProvider) Complete(ctx context.Context, req Request) (Response, error) {
	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxCompletionTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return Response{}, classifyAPIError("Anthropic", err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return Response{
		Text:         text.String(),
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	}, nil
}

// classifyAPIError maps SDK errors onto APIError codes. The SDKs do not
// expose typed error taxonomies, so classification is by status code and
// message substring.
func classifyAPIError(vendor string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Code: "timeout", Message: vendor + " request timed out", Retryable: true}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "authentication") || strings.Contains(msg, "api key") ||
		strings.Contains(msg, "api_key"):
		return &APIError{Code: "invalid_api_key", Message: vendor + " API key is invalid or expired"}
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") || strings.Contains(msg, "too many requests"):
		return &APIError{Code: "rate_limited", Message: vendor + " rate limit exceeded", Retryable: true}
	case strings.Contains(msg, "quota") || strings.Contains(msg, "billing"):
		return &APIError{Code: "quota_exceeded", Message: vendor + " quota exceeded"}
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return &APIError{Code: "timeout", Message: vendor + " request timed out", Retryable: true}
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "overloaded"):
		return &APIError{Code: "api_error", Message: vendor + " service error: " + err.Error(), Retryable: true}
	default:
		return &APIError{Code: "api_error", Message: vendor + " API error: " + err.Error()}
	}
}
