package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sessionlabs/report-engine/internal/model"
)

const synthesisSystemPrompt = `You are a clinical analyst. You turn quantitative
session metrics into a structured set of findings for a narrative report.
Order findings from most to least clinically significant. Flag a finding for
research only when external evidence would materially strengthen it.`

const groundedSystemPrompt = `You are a clinical research assistant. Gather
current, credible evidence for the finding described by the user. Prefer
peer-reviewed sources and clinical guidelines. Summarize what the evidence
supports and where it conflicts.`

const formatSystemPrompt = `You are a clinical report editor. Combine the
finding, the gathered evidence, and any cached research into a polished
enrichment. Be precise about evidence strength and note contradictions
honestly.`

const trendSystemPrompt = `You are a clinical analyst reviewing a patient's
longitudinal record. Compare the current session against prior sessions only.
Describe trends, recurring patterns, and deviations from baseline.`

func synthesisPrompt(metrics model.SessionMetrics) string {
	raw, _ := json.MarshalIndent(metrics, "", "  ")
	return fmt.Sprintf("Analyze the following session metrics and produce findings:\n\n%s", raw)
}

func groundedPrompt(sec model.Section) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Finding: %s\n\n%s\n", sec.Title, sec.Narrative)
	if len(sec.SearchQueries) > 0 {
		b.WriteString("\nSuggested search queries:\n")
		for _, q := range sec.SearchQueries {
			b.WriteString("- " + q + "\n")
		}
	}
	b.WriteString("\nGather evidence relevant to this finding.")
	return b.String()
}

func formatPrompt(sec model.Section, cached []model.CacheResult, groundedText string, sources []model.QualityLink) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Finding: %s\n\n%s\n", sec.Title, sec.Narrative)

	if len(cached) > 0 {
		b.WriteString("\nCached research:\n")
		raw, _ := json.MarshalIndent(cached, "", "  ")
		b.Write(raw)
		b.WriteString("\n")
	}

	if groundedText != "" {
		b.WriteString("\nGathered evidence:\n" + groundedText + "\n")
	}

	if len(sources) > 0 {
		b.WriteString("\nSources consulted:\n")
		for _, s := range sources {
			fmt.Fprintf(&b, "- %s (%s, tier %s)\n", s.Title, s.URL, s.Tier)
		}
	}

	b.WriteString("\nProduce the final enrichment for this finding.")
	return b.String()
}

func trendPrompt(patientID string, metrics model.SessionMetrics, prior []model.SessionRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Patient %s, current session %s recorded %s.\n",
		patientID, metrics.SessionID, metrics.RecordedAt.Format("2006-01-02"))

	raw, _ := json.MarshalIndent(metrics.Scores, "", "  ")
	b.WriteString("\nCurrent session scores:\n")
	b.Write(raw)
	b.WriteString("\n\nPrior sessions (most recent first):\n")
	for _, rec := range prior {
		fmt.Fprintf(&b, "- %s recorded %s\n", rec.SessionID, rec.RecordedAt.Format("2006-01-02"))
	}
	b.WriteString("\nAnalyze the longitudinal trend.")
	return b.String()
}
