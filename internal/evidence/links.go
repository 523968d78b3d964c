package evidence

import (
	"sort"

	"github.com/sessionlabs/report-engine/internal/model"
)

// FeaturedThreshold computes the citation-count threshold above which a
// source counts as featured: max(2, floor(0.5 * max count across sources)).
func FeaturedThreshold(counts map[string]int) int {
	maxCount := 0
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}
	threshold := maxCount / 2
	if threshold < 2 {
		threshold = 2
	}
	return threshold
}

// MarkFeatured flags links whose support count reaches the featured
// threshold. Counts are keyed by URL; links with no recorded count stay
// unfeatured.
func MarkFeatured(links []model.QualityLink, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	threshold := FeaturedThreshold(counts)
	for i := range links {
		links[i].Featured = counts[links[i].URL] >= threshold
	}
}

// MergeLinks combines grounded/resolved links with model-proposed links.
// Deduplication is by URL with first occurrence winning, so grounded links
// take precedence over proposed links sharing a URL. The result is
// stable-sorted by featured (descending) then tier (S strongest first).
func MergeLinks(grounded, proposed []model.QualityLink) []model.QualityLink {
	seen := make(map[string]bool, len(grounded)+len(proposed))
	merged := make([]model.QualityLink, 0, len(grounded)+len(proposed))

	for _, l := range append(append([]model.QualityLink{}, grounded...), proposed...) {
		if l.URL == "" || seen[l.URL] {
			continue
		}
		seen[l.URL] = true
		merged = append(merged, l)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Featured != merged[j].Featured {
			return merged[i].Featured
		}
		return merged[i].Tier.Rank() < merged[j].Tier.Rank()
	})

	return merged
}
