package pipeline

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sessionlabs/report-engine/internal/config"
	"github.com/sessionlabs/report-engine/internal/model"
	"github.com/sessionlabs/report-engine/internal/store"
	"github.com/sessionlabs/report-engine/pkg/genai"
)

func trendSchema() *genai.Schema {
	return &genai.Schema{
		Name:        "longitudinal_trend",
		Description: "Longitudinal analysis of the current session against prior sessions.",
		Properties: map[string]any{
			"insights":            map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"recurring_patterns":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"baseline_comparison": map[string]any{"type": "string"},
			"notable_sessions":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"confidence":          map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
		},
		Required: []string{"insights", "baseline_comparison", "confidence"},
	}
}

// runTrend performs the optional longitudinal stage. Only sessions recorded
// strictly before the current one count toward the history gate; with no
// prior session the result is an insufficient-history placeholder, not an
// error.
func runTrend(ctx context.Context, client genai.Client, st store.Store, cfg config.GenAIConfig, patientID string, metrics model.SessionMetrics) (*model.TrendResult, model.TokenUsage, error) {
	prior, err := st.ListSessionsBefore(ctx, patientID, metrics.RecordedAt)
	if err != nil {
		return nil, model.TokenUsage{}, eris.Wrap(err, "trend: list session history")
	}

	if len(prior) == 0 {
		return &model.TrendResult{
			InsufficientHistory: true,
			AvailableSessions:   len(prior),
		}, model.TokenUsage{}, nil
	}

	temp := cfg.Temperature
	resp, err := client.Generate(ctx, genai.GenerateRequest{
		System:      trendSystemPrompt,
		Prompt:      trendPrompt(patientID, metrics, prior),
		Temperature: &temp,
		MaxTokens:   cfg.MaxOutputTokens,
		Schema:      trendSchema(),
	})
	if err != nil {
		return nil, model.TokenUsage{}, eris.Wrap(err, "trend: backend call")
	}

	usage := toModelUsage(resp.Usage)

	var result model.TrendResult
	if err := json.Unmarshal([]byte(resp.Text), &result); err != nil {
		return nil, usage, eris.Wrap(err, "trend: decode response")
	}
	result.AvailableSessions = len(prior)

	return &result, usage, nil
}
