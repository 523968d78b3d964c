package evidence

import (
	"regexp"
	"strings"
)

// Grounded model output arrives littered with inline citation markers such as
// "[1]", "[2, 3]", "[Source 4]" or "[cite: 12]". These artifacts must never
// reach user-facing text.
var citationMarkerRe = regexp.MustCompile(`\[\s*(?:(?i:source|cite|ref)[:.\s]*)?\d+(?:\s*[,;-]\s*\d+)*\s*\]`)

// doubleSpaceRe collapses whitespace runs left behind by marker removal.
var doubleSpaceRe = regexp.MustCompile(`[ \t]{2,}`)

// StripCitationMarkers removes bracketed reference markers from text and
// tidies the spacing around the removals.
func StripCitationMarkers(text string) string {
	if text == "" {
		return ""
	}
	cleaned := citationMarkerRe.ReplaceAllString(text, "")
	cleaned = doubleSpaceRe.ReplaceAllString(cleaned, " ")
	// Markers directly before punctuation leave " ." / " ," behind.
	cleaned = strings.ReplaceAll(cleaned, " .", ".")
	cleaned = strings.ReplaceAll(cleaned, " ,", ",")
	return strings.TrimSpace(cleaned)
}
