package model

import "time"

// SessionMetrics is the quantitative snapshot a report run starts from.
type SessionMetrics struct {
	SessionID  string             `json:"session_id"`
	RecordedAt time.Time          `json:"recorded_at"`
	Scores     map[string]float64 `json:"scores"`
	Notes      string             `json:"notes,omitempty"`
}

// PatientContext identifies the patient a session belongs to. Optional: runs
// without it skip the trend stage entirely.
type PatientContext struct {
	PatientID string `json:"patient_id"`
}

// SessionRecord is one historical session known to the store, used for trend
// gating.
type SessionRecord struct {
	SessionID  string    `json:"session_id"`
	PatientID  string    `json:"patient_id"`
	RecordedAt time.Time `json:"recorded_at"`
}

// SynthesisResult is the parsed output of the synthesis stage.
type SynthesisResult struct {
	Grade                string             `json:"grade"`
	SubScores            map[string]float64 `json:"sub_scores"`
	Sections             []Section          `json:"sections"`
	Summary              string             `json:"summary"`
	Strengths            []string           `json:"strengths"`
	Weaknesses           []string           `json:"weaknesses"`
	Recommendations      []string           `json:"recommendations"`
	ClinicalImplications string             `json:"clinical_implications"`
	Observations         []string           `json:"observations"`
	AnalyzedAt           time.Time          `json:"analyzed_at"`
}

// TrendResult is the parsed output of the optional trend stage. When history
// is insufficient, InsufficientHistory is true and only AvailableSessions is
// meaningful.
type TrendResult struct {
	InsufficientHistory bool     `json:"insufficient_history,omitempty"`
	AvailableSessions   int      `json:"available_sessions,omitempty"`
	Insights            []string `json:"insights,omitempty"`
	RecurringPatterns   []string `json:"recurring_patterns,omitempty"`
	BaselineComparison  string   `json:"baseline_comparison,omitempty"`
	NotableSessions     []string `json:"notable_sessions,omitempty"`
	Confidence          string   `json:"confidence,omitempty"`
}

// PipelineOutput is the terminal artifact of a pipeline run, written once at
// completion.
type PipelineOutput struct {
	RunID             string            `json:"run_id"`
	SessionID         string            `json:"session_id"`
	PatientID         string            `json:"patient_id,omitempty"`
	Synthesis         SynthesisResult   `json:"synthesis"`
	Sections          []Section         `json:"sections"`
	EnrichedSections  []EnrichedSection `json:"enriched_sections"`
	FailedEnrichments []string          `json:"failed_enrichments"`
	Trend             *TrendResult      `json:"trend,omitempty"`
	TokenUsage        UsageBreakdown    `json:"token_usage"`
	StartedAt         time.Time         `json:"started_at"`
	CompletedAt       time.Time         `json:"completed_at"`
	TotalDurationMs   int64             `json:"total_duration_ms"`
}
