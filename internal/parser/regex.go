package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var (
	// A pound-prefixed amount with at least three digits, grouped or not.
	currencyRe = regexp.MustCompile(`£\s?(\d{1,3}(?:,\d{3})+|\d{3,})(?:\.\d{1,2})?`)
	amountRe   = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
	mileageRe  = regexp.MustCompile(`(?i)(\d{1,3}(?:,\d{3})+|\d+)\s*miles\b`)

	fuelRe         = regexp.MustCompile(`(?i)\b(petrol|diesel|hybrid|electric)\b`)
	transmissionRe = regexp.MustCompile(`(?i)\b(automatic|auto|manual)\b`)
)

// Words that, following a fuel or gearbox keyword, mean the keyword
// describes equipment rather than the drivetrain.
var (
	equipmentNouns = []string{
		"window", "mirror", "seat", "sunroof", "tailgate", "boot", "parking brake",
		"handbrake", "folding", "adjust", "headlight", "headlamp", "light", "lamp",
		"wiper", "climate", "air con", "dimming", "hold", "emergency", "braking",
		"start", "high beam", "lumbar", "steering",
	}
	manualPrefixes = []string{"owner's ", "owners ", "service ", "user "}

	// Proper nouns where "Auto" names a business rather than a gearbox.
	autoNouns = []string{
		"trader", "express", "finance", "centre", "center", "sales", "group",
		"body", "repair", "parts", "club", "mart",
	}
)

// parseAmount reads the first number in s, dropping digit grouping and any
// fractional part.
func parseAmount(s string) (int64, bool) {
	m := amountRe.FindString(s)
	if m == "" {
		return 0, false
	}
	m = strings.ReplaceAll(m, ",", "")
	if dot := strings.IndexByte(m, '.'); dot >= 0 {
		m = m[:dot]
	}
	n, err := strconv.ParseInt(m, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseCurrencyAmount reads the first pound-prefixed amount in s.
func parseCurrencyAmount(s string) (int64, bool) {
	m := currencyRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	return parseAmount(m[1])
}

// scanCurrency returns the first pound-prefixed amount in text that passes
// accept, in document order.
func scanCurrency(text string, accept func(int64) bool) (int64, bool) {
	for _, m := range currencyRe.FindAllStringSubmatch(text, -1) {
		if v, ok := parseAmount(m[1]); ok && accept(v) {
			return v, true
		}
	}
	return 0, false
}

// scanMileage returns the first "<number> miles" value that passes accept.
func scanMileage(text string, accept func(int64) bool) (int64, bool) {
	for _, m := range mileageRe.FindAllStringSubmatch(text, -1) {
		if v, ok := parseAmount(m[1]); ok && accept(v) {
			return v, true
		}
	}
	return 0, false
}

// scanFuel returns the earliest fuel keyword in text.
func scanFuel(text string) (string, bool) {
	for _, loc := range fuelRe.FindAllStringSubmatchIndex(text, -1) {
		word := text[loc[2]:loc[3]]
		if describesEquipment(text[loc[1]:]) {
			continue
		}
		return normalizeFuel(word)
	}
	return "", false
}

// scanTransmission returns the earliest gearbox keyword in text.
func scanTransmission(text string) (string, bool) {
	for _, loc := range transmissionRe.FindAllStringSubmatchIndex(text, -1) {
		word := text[loc[2]:loc[3]]
		rest := text[loc[1]:]
		if strings.HasPrefix(rest, "-") || describesEquipment(rest) {
			continue
		}
		if strings.EqualFold(word, "manual") && hasSuffixFold(text[:loc[0]], manualPrefixes) {
			continue
		}
		if strings.EqualFold(word, "auto") && hasPrefixFold(rest, autoNouns) {
			continue
		}
		return normalizeTransmission(word)
	}
	return "", false
}

func describesEquipment(rest string) bool {
	return hasPrefixFold(rest, equipmentNouns)
}

func hasPrefixFold(rest string, prefixes []string) bool {
	rest = strings.ToLower(strings.TrimLeft(rest, " "))
	for _, p := range prefixes {
		if strings.HasPrefix(rest, p) {
			return true
		}
	}
	return false
}

func hasSuffixFold(s string, suffixes []string) bool {
	s = strings.ToLower(s)
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

// normalizeFuel maps a fuel word onto the closed vocabulary.
func normalizeFuel(s string) (string, bool) {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "hybrid"):
		return "Hybrid", true
	case strings.Contains(lower, "diesel"):
		return "Diesel", true
	case strings.Contains(lower, "petrol"), strings.Contains(lower, "gasoline"):
		return "Petrol", true
	case strings.Contains(lower, "electric"), lower == "ev", lower == "bev":
		return "Electric", true
	}
	return "", false
}

// normalizeTransmission maps a gearbox word onto Automatic/Manual.
func normalizeTransmission(s string) (string, bool) {
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "auto"), strings.Contains(lower, "dsg"), strings.Contains(lower, "cvt"):
		return "Automatic", true
	case strings.Contains(lower, "manual"):
		return "Manual", true
	}
	return "", false
}

// regexCache compiles dealer rule patterns once.
type regexCache struct {
	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

func newRegexCache() *regexCache {
	return &regexCache{cache: make(map[string]*regexp.Regexp)}
}

// getOrCompile returns a cached compiled regex or compiles and caches a new one.
func (c *regexCache) getOrCompile(pattern string) (*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if re, ok := c.cache[pattern]; ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}

	c.cache[pattern] = re
	return re, nil
}

// firstRegexValue returns the first match of re in text: the first named
// group if any, else the first group, else the whole match.
func firstRegexValue(re *regexp.Regexp, text string) (string, bool) {
	match := re.FindStringSubmatch(text)
	if match == nil {
		return "", false
	}
	for i, name := range re.SubexpNames() {
		if name != "" && i < len(match) && match[i] != "" {
			return strings.TrimSpace(match[i]), true
		}
	}
	if len(match) > 1 {
		v := strings.TrimSpace(match[1])
		return v, v != ""
	}
	v := strings.TrimSpace(match[0])
	return v, v != ""
}
