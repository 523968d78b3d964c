package model

// EvidenceTier rates the credibility of a source domain or citation,
// from S (strongest) down to D (weakest or unknown).
type EvidenceTier string

const (
	TierS EvidenceTier = "S"
	TierA EvidenceTier = "A"
	TierB EvidenceTier = "B"
	TierC EvidenceTier = "C"
	TierD EvidenceTier = "D"
)

// tierRanks orders tiers strongest-first for comparison and sorting.
var tierRanks = map[EvidenceTier]int{
	TierS: 0,
	TierA: 1,
	TierB: 2,
	TierC: 3,
	TierD: 4,
}

// Rank returns the sort position of the tier (S=0 .. D=4). Unknown values
// rank below D.
func (t EvidenceTier) Rank() int {
	if r, ok := tierRanks[t]; ok {
		return r
	}
	return len(tierRanks)
}

// AtLeast reports whether t is as strong as or stronger than min.
func (t EvidenceTier) AtLeast(min EvidenceTier) bool {
	return t.Rank() <= min.Rank()
}

// Valid reports whether t is one of the five defined tiers.
func (t EvidenceTier) Valid() bool {
	_, ok := tierRanks[t]
	return ok
}

// Section is one synthesized clinical finding. Sections are created by the
// synthesis stage and immutable afterward.
type Section struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Domain          string   `json:"domain"`
	Severity        int      `json:"severity"`
	Priority        int      `json:"priority"` // 1-10
	Narrative       string   `json:"narrative"`
	SearchQueries   []string `json:"search_queries"`
	Recommendations []string `json:"recommendations"`
	NeedsResearch   bool     `json:"needs_research"`
}

// Citation is a single evidence citation produced by the enrichment
// formatting call.
type Citation struct {
	Text   string       `json:"text"`
	Source string       `json:"source"`
	Tier   EvidenceTier `json:"tier"`
}

// QualityLink is a resolved, tiered source link attached to an enriched
// section.
type QualityLink struct {
	URL       string       `json:"url"`
	Title     string       `json:"title"`
	Tier      EvidenceTier `json:"tier"`
	Domain    string       `json:"domain"`
	Relevance string       `json:"relevance,omitempty"`
	Featured  bool         `json:"featured"`
}

// EnrichedSection is a Section plus the evidence attached by the enrichment
// fan-out. Exactly one EnrichedSection exists per input Section, in the same
// relative order.
type EnrichedSection struct {
	Section          Section      `json:"section"`
	Narrative        string       `json:"narrative"`
	Explanation      string       `json:"explanation"`
	Citations        []Citation   `json:"citations"`
	Links            []QualityLink `json:"links"`
	EvidenceStrength EvidenceTier `json:"evidence_strength"`
	Contradiction    bool         `json:"contradiction"`
	Recommendation   string       `json:"recommendation"`
	EnrichmentFailed bool         `json:"enrichment_failed,omitempty"`
	EnrichmentError  string       `json:"enrichment_error,omitempty"`
}

// CacheEntry is a research-cache record distilled from a strong citation.
// Only citations of tier S, A or B produce cache entries.
type CacheEntry struct {
	SearchTerms    string       `json:"search_terms"`
	Tier           EvidenceTier `json:"tier"`
	Citation       string       `json:"citation"`
	URL            string       `json:"url,omitempty"`
	Findings       []string     `json:"findings"`
	RelevanceScore float64      `json:"relevance_score"`
}

// CacheResult is a single research-cache lookup hit.
type CacheResult struct {
	Citation       string       `json:"citation"`
	URL            string       `json:"url,omitempty"`
	Findings       []string     `json:"findings"`
	Tier           EvidenceTier `json:"tier"`
	RelevanceScore float64      `json:"relevance_score"`
}
