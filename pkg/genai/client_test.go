package genai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"bare object",
			`{"a": 1}`,
			`{"a": 1}`,
		},
		{
			"fenced with language tag",
			"```json\n{\"a\": 1}\n```",
			`{"a": 1}`,
		},
		{
			"fenced without language tag",
			"```\n[1, 2]\n```",
			"[1, 2]",
		},
		{
			"object with surrounding prose",
			"Here is the result:\n{\"a\": 1}\nHope that helps!",
			`{"a": 1}`,
		},
		{
			"array with surrounding prose",
			"Results: [1, 2, 3] as requested.",
			"[1, 2, 3]",
		},
		{
			"no json returns input",
			"no structured content here",
			"no structured content here",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.in))
		})
	}
}

func TestRenderSchema(t *testing.T) {
	t.Parallel()

	rendered, err := renderSchema(&Schema{
		Name:        "report",
		Description: "The final report body.",
		Properties: map[string]any{
			"grade": map[string]any{"type": "string"},
		},
		Required: []string{"grade"},
	})
	require.NoError(t, err)

	assert.Contains(t, rendered, "single JSON object")
	assert.Contains(t, rendered, "(report)")
	assert.Contains(t, rendered, `"grade"`)
	assert.Contains(t, rendered, `"required"`)
}

func TestWithOptions(t *testing.T) {
	t.Parallel()

	c := NewClient("test-key",
		WithModel("claude-haiku-4-5-20251001"),
		WithRateLimit(2),
		WithMaxSearches(3),
		WithPriceFunc(func(in, out int) float64 { return float64(in+out) * 1e-6 }),
	).(*sdkClient)

	assert.Equal(t, "claude-haiku-4-5-20251001", c.model)
	assert.NotNil(t, c.limiter)
	assert.Equal(t, 3, c.maxSearches)
	assert.InDelta(t, 0.0003, c.price(100, 200), 1e-9)
}
