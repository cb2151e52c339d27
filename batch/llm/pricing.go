package llm

import "strings"

// ModelPricing defines input and output token costs for a model.
// Prices are in USD per 1M tokens.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Static pricing table for major providers (as of 2025-10-01).
// Prices are in USD per 1M tokens.
//
// Sources:
//   - OpenAI: https://openai.com/pricing
//   - Anthropic: https://anthropic.com/pricing
//   - Google: https://ai.google.dev/pricing
//
// Note: Prices subject to change. Update this map as providers adjust pricing.
var defaultModelPricing = map[string]ModelPricing{
	// Anthropic Claude
	"claude-sonnet-4-5":          {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-opus-4":              {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-haiku-4-5":           {InputPer1M: 1.00, OutputPer1M: 5.00},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-5-haiku":           {InputPer1M: 0.80, OutputPer1M: 4.00},
	"claude-3-opus":              {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-haiku":             {InputPer1M: 0.25, OutputPer1M: 1.25},

	// OpenAI GPT
	"gpt-4o":            {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-2024-08-06": {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":       {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":       {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo":     {InputPer1M: 0.50, OutputPer1M: 1.50},

	// Google Gemini
	"gemini-1.5-pro":   {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash": {InputPer1M: 0.075, OutputPer1M: 0.30},
	"gemini-2.0-flash": {InputPer1M: 0.10, OutputPer1M: 0.40},
}

// RegisterPricing sets or overrides the pricing entry for a model. Use it
// for fine-tuned or newly released models the built-in table has not caught
// up with. Not safe for concurrent use with in-flight cost calculations;
// register pricing during setup.
func RegisterPricing(model string, p ModelPricing) {
	defaultModelPricing[model] = p
}

// PricingFor returns the pricing entry for a model. Dated model snapshots
// fall back to their longest known prefix ("gpt-4o-mini-2024-07-18" prices
// as "gpt-4o-mini"). Unknown models price at zero so cost accounting never
// blocks processing.
func PricingFor(model string) ModelPricing {
	if p, ok := defaultModelPricing[model]; ok {
		return p
	}

	var (
		best    ModelPricing
		bestLen int
	)
	for prefix, p := range defaultModelPricing {
		if len(prefix) > bestLen && strings.HasPrefix(model, prefix) {
			best = p
			bestLen = len(prefix)
		}
	}
	return best
}

// Cost prices a single call: (tokens / 1M) * price_per_1M, summed over
// input and output.
func Cost(model string, inputTokens, outputTokens int64) float64 {
	p := PricingFor(model)
	inputCost := (float64(inputTokens) / 1_000_000.0) * p.InputPer1M
	outputCost := (float64(outputTokens) / 1_000_000.0) * p.OutputPer1M
	return inputCost + outputCost
}
