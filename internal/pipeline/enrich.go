package pipeline

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sessionlabs/report-engine/internal/config"
	"github.com/sessionlabs/report-engine/internal/evidence"
	"github.com/sessionlabs/report-engine/internal/model"
	"github.com/sessionlabs/report-engine/internal/store"
	"github.com/sessionlabs/report-engine/pkg/genai"
)

const fallbackExplanation = "This finding could not be enriched with external evidence. The clinical narrative is presented as synthesized."

const passthroughExplanation = "This finding is reported directly from the session analysis and did not require external evidence."

// enricher runs one enrichment task per research-flagged section.
type enricher struct {
	client   genai.Client
	store    store.Store
	tiers    *evidence.TierTable
	resolver *evidence.Resolver
	genCfg   config.GenAIConfig
	pipeCfg  config.PipelineConfig
}

// Enrich runs the full enrichment sequence for one section. Failures never
// escape: any error degrades the result and is reported through the
// EnrichmentFailed flag. Token usage from calls that completed is returned
// either way.
func (e *enricher) Enrich(ctx context.Context, sec model.Section) (model.EnrichedSection, model.TokenUsage) {
	enriched, usage, err := e.enrich(ctx, sec)
	if err != nil {
		zap.L().Warn("enrichment: task degraded",
			zap.String("section", sec.ID),
			zap.Error(err),
		)
		return DegradedSection(sec, err), usage
	}
	return enriched, usage
}

func (e *enricher) enrich(ctx context.Context, sec model.Section) (model.EnrichedSection, model.TokenUsage, error) {
	var usage model.TokenUsage

	cached := e.lookupCache(ctx, sec)

	// Grounded evidence-gathering call (no schema).
	temp := e.genCfg.Temperature
	grounded, err := e.client.GenerateGrounded(ctx, genai.GenerateRequest{
		System:      groundedSystemPrompt,
		Prompt:      groundedPrompt(sec),
		Temperature: &temp,
		MaxTokens:   e.genCfg.MaxOutputTokens,
	})
	if err != nil {
		return model.EnrichedSection{}, usage, eris.Wrap(err, "enrichment: grounded call")
	}
	usage.Add(toModelUsage(grounded.Usage))

	cleanedEvidence := evidence.StripCitationMarkers(grounded.Text)
	groundedLinks, supportCounts := e.groundedLinks(ctx, grounded.Grounding)

	// Formatting call (schema-constrained).
	formatted, err := e.client.Generate(ctx, genai.GenerateRequest{
		System:      formatSystemPrompt,
		Prompt:      formatPrompt(sec, cached, cleanedEvidence, groundedLinks),
		Temperature: &temp,
		MaxTokens:   e.genCfg.MaxOutputTokens,
		Schema:      enrichmentSchema(),
	})
	if err != nil {
		return model.EnrichedSection{}, usage, eris.Wrap(err, "enrichment: format call")
	}
	usage.Add(toModelUsage(formatted.Usage))

	var payload enrichmentPayload
	if err := json.Unmarshal([]byte(formatted.Text), &payload); err != nil {
		return model.EnrichedSection{}, usage, eris.Wrap(err, "enrichment: decode format response")
	}

	enriched := e.assemble(sec, payload, groundedLinks, supportCounts)
	e.writeBack(ctx, sec, enriched.Citations)

	return enriched, usage, nil
}

// lookupCache queries the research cache with up to the section's first
// three search queries, deduplicating by citation text. Cache errors only
// cost us the cached context, never the task.
func (e *enricher) lookupCache(ctx context.Context, sec model.Section) []model.CacheResult {
	maxQueries := e.pipeCfg.CacheQueriesPerRun
	if maxQueries <= 0 {
		maxQueries = 3
	}
	queries := sec.SearchQueries
	if len(queries) > maxQueries {
		queries = queries[:maxQueries]
	}

	seen := make(map[string]bool)
	var results []model.CacheResult
	for _, q := range queries {
		hits, err := e.store.CacheLookup(ctx, q, e.pipeCfg.CacheQueryLimit, model.TierC)
		if err != nil {
			zap.L().Warn("enrichment: cache lookup failed",
				zap.String("section", sec.ID),
				zap.String("query", q),
				zap.Error(err),
			)
			continue
		}
		for _, h := range hits {
			if seen[h.Citation] {
				continue
			}
			seen[h.Citation] = true
			results = append(results, h)
		}
	}
	return results
}

// groundedLinks resolves gateway URLs among the grounding chunks and builds
// tiered links plus per-URL citation-support counts.
func (e *enricher) groundedLinks(ctx context.Context, meta *genai.GroundingMetadata) ([]model.QualityLink, map[string]int) {
	if meta == nil || len(meta.Chunks) == 0 {
		return nil, nil
	}

	raw := make([]string, len(meta.Chunks))
	for i, c := range meta.Chunks {
		raw[i] = c.URL
	}
	resolved := e.resolver.ResolveAll(ctx, raw)

	counts := make(map[string]int)
	for _, sup := range meta.Supports {
		for _, idx := range sup.ChunkIndices {
			if idx >= 0 && idx < len(resolved) {
				counts[resolved[idx]]++
			}
		}
	}

	links := make([]model.QualityLink, 0, len(resolved))
	for i, u := range resolved {
		links = append(links, model.QualityLink{
			URL:    u,
			Title:  meta.Chunks[i].Title,
			Tier:   e.tiers.ClassifyURL(u),
			Domain: hostnameOf(u),
		})
	}
	evidence.MarkFeatured(links, counts)
	return links, counts
}

// assemble merges formatting output with grounded links and strips citation
// markers from every user-facing string.
func (e *enricher) assemble(sec model.Section, payload enrichmentPayload, groundedLinks []model.QualityLink, counts map[string]int) model.EnrichedSection {
	citations := make([]model.Citation, 0, len(payload.Citations))
	for _, c := range payload.Citations {
		tier := model.EvidenceTier(c.Tier)
		if !tier.Valid() {
			tier = model.TierD
		}
		citations = append(citations, model.Citation{
			Text:   evidence.StripCitationMarkers(c.Text),
			Source: c.Source,
			Tier:   tier,
		})
	}

	proposed := make([]model.QualityLink, 0, len(payload.Links))
	for _, l := range payload.Links {
		proposed = append(proposed, model.QualityLink{
			URL:       l.URL,
			Title:     l.Title,
			Tier:      e.tiers.ClassifyURL(l.URL),
			Domain:    hostnameOf(l.URL),
			Relevance: l.Relevance,
		})
	}
	evidence.MarkFeatured(proposed, counts)

	strength := model.EvidenceTier(payload.EvidenceStrength)
	if !strength.Valid() {
		strength = model.TierD
	}

	narrative := evidence.StripCitationMarkers(payload.Narrative)
	if narrative == "" {
		narrative = sec.Narrative
	}
	recommendation := evidence.StripCitationMarkers(payload.Recommendation)
	if recommendation == "" {
		recommendation = firstRecommendation(sec)
	}

	return model.EnrichedSection{
		Section:          sec,
		Narrative:        narrative,
		Explanation:      evidence.StripCitationMarkers(payload.Explanation),
		Citations:        citations,
		Links:            evidence.MergeLinks(groundedLinks, proposed),
		EvidenceStrength: strength,
		Contradiction:    payload.Contradiction,
		Recommendation:   recommendation,
	}
}

// writeBack extracts cache entries from strong citations and attempts a
// fire-and-forget write for each.
func (e *enricher) writeBack(ctx context.Context, sec model.Section, citations []model.Citation) {
	// Keyed by the primary search query so the next run's lookup finds it.
	terms := sec.Title
	if len(sec.SearchQueries) > 0 {
		terms = sec.SearchQueries[0]
	}

	for _, c := range citations {
		if !c.Tier.AtLeast(model.TierB) {
			continue
		}
		entry := model.CacheEntry{
			SearchTerms:    terms,
			Tier:           c.Tier,
			Citation:       c.Text,
			Findings:       []string{c.Text},
			RelevanceScore: 1.0,
		}
		if err := e.store.CacheWrite(ctx, entry); err != nil {
			zap.L().Warn("enrichment: cache write dropped",
				zap.String("section", sec.ID),
				zap.Error(err),
			)
		}
	}
}

// enrichmentPayload is the decode target for the formatting call.
type enrichmentPayload struct {
	Narrative   string `json:"narrative"`
	Explanation string `json:"explanation"`
	Citations   []struct {
		Text   string `json:"text"`
		Source string `json:"source"`
		Tier   string `json:"tier"`
	} `json:"citations"`
	Links []struct {
		URL       string `json:"url"`
		Title     string `json:"title"`
		Relevance string `json:"relevance"`
	} `json:"links"`
	EvidenceStrength string `json:"evidence_strength"`
	Contradiction    bool   `json:"contradiction"`
	Recommendation   string `json:"recommendation"`
}

func enrichmentSchema() *genai.Schema {
	return &genai.Schema{
		Name:        "section_enrichment",
		Description: "Evidence-enriched presentation of one finding.",
		Properties: map[string]any{
			"narrative":   map[string]any{"type": "string"},
			"explanation": map[string]any{"type": "string"},
			"citations": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"text":   map[string]any{"type": "string"},
						"source": map[string]any{"type": "string"},
						"tier":   map[string]any{"type": "string", "enum": []string{"S", "A", "B", "C", "D"}},
					},
					"required": []string{"text", "source", "tier"},
				},
			},
			"links": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"url":       map[string]any{"type": "string"},
						"title":     map[string]any{"type": "string"},
						"relevance": map[string]any{"type": "string"},
					},
					"required": []string{"url"},
				},
			},
			"evidence_strength": map[string]any{"type": "string", "enum": []string{"S", "A", "B", "C", "D"}},
			"contradiction":     map[string]any{"type": "boolean"},
			"recommendation":    map[string]any{"type": "string"},
		},
		Required: []string{"narrative", "explanation", "evidence_strength", "recommendation"},
	}
}

// DegradedSection converts a failed enrichment into a valid result carrying
// the original narrative and a diagnostic.
func DegradedSection(sec model.Section, err error) model.EnrichedSection {
	return model.EnrichedSection{
		Section:          sec,
		Narrative:        sec.Narrative,
		Explanation:      fallbackExplanation,
		Citations:        []model.Citation{},
		Links:            []model.QualityLink{},
		EvidenceStrength: model.TierD,
		Recommendation:   firstRecommendation(sec),
		EnrichmentFailed: true,
		EnrichmentError:  shortError(err),
	}
}

// PassthroughSection wraps a section that needs no research into a minimal
// valid enrichment. Unlike degraded results it carries no fallback
// recommendation text.
func PassthroughSection(sec model.Section) model.EnrichedSection {
	rec := ""
	if len(sec.Recommendations) > 0 {
		rec = sec.Recommendations[0]
	}
	return model.EnrichedSection{
		Section:          sec,
		Narrative:        sec.Narrative,
		Explanation:      passthroughExplanation,
		Citations:        []model.Citation{},
		Links:            []model.QualityLink{},
		EvidenceStrength: model.TierD,
		Recommendation:   rec,
	}
}

func firstRecommendation(sec model.Section) string {
	if len(sec.Recommendations) > 0 {
		return sec.Recommendations[0]
	}
	return "Review this finding with the treating clinician."
}

func shortError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func hostnameOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
