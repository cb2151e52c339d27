package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/batchflow-go/batch"
	"github.com/dshills/batchflow-go/batch/store"
)

// Vendor identifiers used when registering providers with a Router.
const (
	VendorAnthropic = "anthropic"
	VendorOpenAI    = "openai"
	VendorGoogle    = "google"
)

// Router implements batch.Processor by dispatching each item to the provider
// that serves the phase's model, and pricing the reported token usage into
// the result.
//
// Model names route by prefix: "claude-*" to Anthropic, "gpt-*"/"o1*"/"o3*"
// to OpenAI, "gemini-*" to Google. Register only the vendors you hold keys
// for; a phase naming a model with no registered vendor fails the item, and
// the engine's retry policy takes it from there.
type Router struct {
	providers map[string]Provider
}

// NewRouter creates an empty router. Register providers before use.
func NewRouter() *Router {
	return &Router{providers: make(map[string]Provider)}
}

// Register binds a provider to a vendor slot (VendorAnthropic, VendorOpenAI,
// VendorGoogle). Registering the same vendor twice replaces the binding,
// which is how tests substitute mocks.
func (r *Router) Register(vendor string, p Provider) {
	r.providers[vendor] = p
}

// Process implements batch.Processor.
func (r *Router) Process(ctx context.Context, input store.Payload, phase store.PhaseConfig) (batch.ProcessResult, error) {
	provider, err := r.route(phase.Model)
	if err != nil {
		return batch.ProcessResult{}, err
	}

	resp, err := provider.Complete(ctx, Request{
		Prompt:   buildPrompt(input, phase),
		Model:    phase.Model,
		TaskType: phase.TaskType,
		UseRAG:   phase.UseRAG,
	})
	if err != nil {
		return batch.ProcessResult{}, err
	}

	return batch.ProcessResult{
		Output: store.Payload(resp.Text),
		Cost:   Cost(phase.Model, resp.InputTokens, resp.OutputTokens),
		Tokens: resp.InputTokens + resp.OutputTokens,
	}, nil
}

// route resolves the vendor for a model name.
func (r *Router) route(model string) (Provider, error) {
	var vendor string
	switch {
	case strings.HasPrefix(model, "claude"):
		vendor = VendorAnthropic
	case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		vendor = VendorOpenAI
	case strings.HasPrefix(model, "gemini"):
		vendor = VendorGoogle
	default:
		return nil, &APIError{Code: "api_error", Message: fmt.Sprintf("no vendor serves model %q", model)}
	}

	p, ok := r.providers[vendor]
	if !ok {
		return nil, &APIError{Code: "api_error", Message: fmt.Sprintf("no %s provider registered for model %q", vendor, model)}
	}
	return p, nil
}

// buildPrompt wraps the item payload with the phase's task framing. The
// payload is passed through verbatim; the engine treats it as opaque bytes
// and so does the prompt.
func buildPrompt(input store.Payload, phase store.PhaseConfig) string {
	var sb strings.Builder

	task := phase.TaskType
	if task == "" {
		task = "generation"
	}
	sb.WriteString("Task: ")
	sb.WriteString(task)
	sb.WriteString(" (phase: ")
	sb.WriteString(phase.Name)
	sb.WriteString(")\n")

	if phase.Validation != nil {
		fmt.Fprintf(&sb, "Quality bar: output will be scored 0-10 and must score at least %g.\n", phase.Validation.MinScore)
	}

	sb.WriteString("\nInput:\n")
	sb.Write(input)
	return sb.String()
}

var _ batch.Processor = (*Router)(nil)
