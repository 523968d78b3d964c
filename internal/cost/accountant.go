package cost

import "github.com/sessionlabs/report-engine/internal/model"

// ModelRate holds per-model token pricing in USD per million tokens.
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Rates maps model IDs to their pricing.
type Rates map[string]ModelRate

// DefaultRates returns the default pricing table.
func DefaultRates() Rates {
	return Rates{
		"claude-haiku-4-5-20251001": {
			Input: 0.80, Output: 4.00,
		},
		"claude-sonnet-4-5-20250929": {
			Input: 3.00, Output: 15.00,
		},
		"claude-opus-4-6": {
			Input: 15.00, Output: 75.00,
		},
	}
}

// Price computes the cost of one call from its token counts. Unknown models
// price to zero.
func (r Rates) Price(modelID string, inputTokens, outputTokens int) float64 {
	rate, ok := r[modelID]
	if !ok {
		return 0
	}
	inCost := (float64(inputTokens) / 1e6) * rate.Input
	outCost := (float64(outputTokens) / 1e6) * rate.Output
	return inCost + outCost
}

// Sum returns the component-wise sum of the given usage records. It never
// reprices: costs are summed exactly as recorded on each call.
func Sum(records ...model.TokenUsage) model.TokenUsage {
	var total model.TokenUsage
	for _, r := range records {
		total.Add(r)
	}
	return total
}
