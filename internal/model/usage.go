package model

// TokenUsage tracks token consumption and estimated cost for a single
// generative call, or the running total across many.
type TokenUsage struct {
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	TotalTokens   int     `json:"total_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.TotalTokens += other.TotalTokens
	t.EstimatedCost += other.EstimatedCost
}

// UsageBreakdown reports token usage per pipeline stage plus the overall total.
type UsageBreakdown struct {
	Synthesis  TokenUsage `json:"synthesis"`
	Enrichment TokenUsage `json:"enrichment"`
	Trend      TokenUsage `json:"trend"`
	Total      TokenUsage `json:"total"`
}
