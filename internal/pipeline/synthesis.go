package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sessionlabs/report-engine/internal/config"
	"github.com/sessionlabs/report-engine/internal/model"
	"github.com/sessionlabs/report-engine/pkg/genai"
)

// subScoreMin/Max bound every named sub-score in a synthesis response.
const (
	subScoreMin = 1
	subScoreMax = 10
)

func synthesisSchema() *genai.Schema {
	return &genai.Schema{
		Name:        "session_synthesis",
		Description: "Structured findings synthesized from session metrics.",
		Properties: map[string]any{
			"grade":      map[string]any{"type": "string"},
			"sub_scores": map[string]any{"type": "object"},
			"sections": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":              map[string]any{"type": "string"},
						"title":           map[string]any{"type": "string"},
						"domain":          map[string]any{"type": "string"},
						"severity":        map[string]any{"type": "integer"},
						"priority":        map[string]any{"type": "integer", "minimum": 1, "maximum": 10},
						"narrative":       map[string]any{"type": "string"},
						"search_queries":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"recommendations": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"needs_research":  map[string]any{"type": "boolean"},
					},
					"required": []string{"id", "title", "priority", "narrative", "needs_research"},
				},
			},
			"summary":               map[string]any{"type": "string"},
			"strengths":             map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"weaknesses":            map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"recommendations":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"clinical_implications": map[string]any{"type": "string"},
			"observations":          map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		Required: []string{"grade", "sections", "summary"},
	}
}

// runSynthesis performs the single fatal stage: one schema-constrained call
// turning metrics into ordered findings. Malformed output fails the whole
// pipeline with one violation per offending field.
func runSynthesis(ctx context.Context, client genai.Client, cfg config.GenAIConfig, metrics model.SessionMetrics) (*model.SynthesisResult, model.TokenUsage, error) {
	temp := cfg.Temperature
	resp, err := client.Generate(ctx, genai.GenerateRequest{
		System:      synthesisSystemPrompt,
		Prompt:      synthesisPrompt(metrics),
		Temperature: &temp,
		MaxTokens:   cfg.MaxOutputTokens,
		Schema:      synthesisSchema(),
	})
	if err != nil {
		return nil, model.TokenUsage{}, eris.Wrap(err, "synthesis: backend call")
	}

	usage := toModelUsage(resp.Usage)

	var result model.SynthesisResult
	if err := json.Unmarshal([]byte(resp.Text), &result); err != nil {
		return nil, usage, eris.Wrap(err, "synthesis: decode response")
	}

	if violations := validateSynthesis(&result); len(violations) > 0 {
		return nil, usage, eris.Errorf("synthesis: invalid response: %s", strings.Join(violations, "; "))
	}

	result.AnalyzedAt = time.Now().UTC()
	return &result, usage, nil
}

// validateSynthesis checks the decoded structure field by field, returning
// one "path: reason" string per violation.
func validateSynthesis(r *model.SynthesisResult) []string {
	var violations []string

	if r.Grade == "" {
		violations = append(violations, "grade: must not be empty")
	}
	if r.Summary == "" {
		violations = append(violations, "summary: must not be empty")
	}
	for name, score := range r.SubScores {
		if score < subScoreMin || score > subScoreMax {
			violations = append(violations,
				fmt.Sprintf("sub_scores.%s: %.1f outside range %d-%d", name, score, subScoreMin, subScoreMax))
		}
	}
	if len(r.Sections) == 0 {
		violations = append(violations, "sections: must contain at least one finding")
	}

	seen := make(map[string]bool, len(r.Sections))
	for i, sec := range r.Sections {
		path := fmt.Sprintf("sections[%d]", i)
		if sec.ID == "" {
			violations = append(violations, path+".id: must not be empty")
		} else if seen[sec.ID] {
			violations = append(violations, path+".id: duplicate id "+sec.ID)
		}
		seen[sec.ID] = true

		if sec.Title == "" {
			violations = append(violations, path+".title: must not be empty")
		}
		if sec.Narrative == "" {
			violations = append(violations, path+".narrative: must not be empty")
		}
		if sec.Priority < 1 || sec.Priority > 10 {
			violations = append(violations,
				fmt.Sprintf("%s.priority: %d outside range 1-10", path, sec.Priority))
		}
	}

	return violations
}

func toModelUsage(u genai.TokenUsage) model.TokenUsage {
	return model.TokenUsage{
		InputTokens:   u.InputTokens,
		OutputTokens:  u.OutputTokens,
		TotalTokens:   u.TotalTokens,
		EstimatedCost: u.EstimatedCost,
	}
}
