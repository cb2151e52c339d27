package llm

import (
	"math"
	"testing"
)

func TestPricingForPrefixFallback(t *testing.T) {
	tests := []struct {
		model string
		want  ModelPricing
	}{
		{"gpt-4o", ModelPricing{2.50, 10.00}},
		{"gpt-4o-mini-2024-07-18", ModelPricing{0.15, 0.60}}, // dated snapshot, longest prefix wins
		{"claude-sonnet-4-5-20250929", ModelPricing{3.00, 15.00}},
		{"gemini-1.5-flash-001", ModelPricing{0.075, 0.30}},
		{"llama-3-70b", ModelPricing{}}, // unknown prices at zero
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := PricingFor(tt.model); got != tt.want {
				t.Errorf("PricingFor(%q) = %+v, want %+v", tt.model, got, tt.want)
			}
		})
	}
}

func TestRegisterPricingOverride(t *testing.T) {
	RegisterPricing("my-finetune", ModelPricing{InputPer1M: 1.00, OutputPer1M: 2.00})
	defer delete(defaultModelPricing, "my-finetune")

	if got := PricingFor("my-finetune"); got != (ModelPricing{1.00, 2.00}) {
		t.Errorf("PricingFor(my-finetune) = %+v", got)
	}
}

func TestCost(t *testing.T) {
	// 1000 input + 500 output on gpt-4o:
	// (1000/1M)*2.50 + (500/1M)*10.00 = 0.0025 + 0.005 = 0.0075
	got := Cost("gpt-4o", 1000, 500)
	if math.Abs(got-0.0075) > 1e-12 {
		t.Errorf("Cost() = %v, want 0.0075", got)
	}

	if got := Cost("totally-unknown-model", 1_000_000, 1_000_000); got != 0 {
		t.Errorf("unknown model cost = %v, want 0", got)
	}
}
