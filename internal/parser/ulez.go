package parser

import "regexp"

var (
	ulezRe = regexp.MustCompile(`(?i)\bulez\b`)

	ulezNegativeRe = regexp.MustCompile(`(?i)\bnon[\s-]*(?:ulez[\s-]*)?compliant\b|\bnot\s+(?:ulez[\s-]*)?compliant\b|\b(?:isn'?t|is\s+not)\s+(?:ulez[\s-]*)?compliant\b|\bnon[\s-]?ulez\b|\bulez\s*[:\-]?\s*(?:no\b|✗|✘)|\bulez[\s-]*compliant\s*[:\-|]?\s*(?:(?:no|false)\b|✗|✘)|\bnot\s+ulez\b`)
	ulezPositiveRe = regexp.MustCompile(`(?i)\bcompliant\b|\bexempt\b|\bulez\s*[:\-]?\s*(?:yes|✓|✔)`)
)

// ulezWindow is how many bytes either side of a "ULEZ" mention are inspected.
const ulezWindow = 48

// detectULEZ decides compliance from text. Any negated mention near "ULEZ"
// wins over positive mentions; no qualifying mention means unknown. A
// "ULEZ Compliant" label followed by a No cell, as rendered from detail
// tables, counts as negated.
func detectULEZ(text string) (compliant bool, found bool) {
	positive := false
	for _, loc := range ulezRe.FindAllStringIndex(text, -1) {
		start := loc[0] - ulezWindow
		if start < 0 {
			start = 0
		}
		end := loc[1] + ulezWindow
		if end > len(text) {
			end = len(text)
		}
		window := text[start:end]

		if ulezNegativeRe.MatchString(window) {
			return false, true
		}
		if ulezPositiveRe.MatchString(window) {
			positive = true
		}
	}
	if positive {
		return true, true
	}
	return false, false
}
