package pipeline

import (
	"errors"
	"html"
	"regexp"
	"strings"

	"github.com/IshaanNene/forecourt/internal/types"
)

// --- Built-in Middleware ---

var errMissingURL = errors.New("record has no URL")

// CanonicalURLMiddleware rewrites the record URL to its canonical form.
type CanonicalURLMiddleware struct{}

func (m *CanonicalURLMiddleware) Name() string { return "canonical_url" }

func (m *CanonicalURLMiddleware) Process(rec *types.VehicleRecord) (*types.VehicleRecord, error) {
	if strings.TrimSpace(rec.CanonicalURL) == "" {
		return nil, errMissingURL
	}
	rec.CanonicalURL = types.CanonicalizeURL(rec.CanonicalURL)
	return rec, nil
}

// SanitizeMiddleware strips markup and collapses whitespace in the title and
// in string attributes. Attributes left empty are removed.
type SanitizeMiddleware struct {
	stripRe *regexp.Regexp
}

func NewSanitizeMiddleware() *SanitizeMiddleware {
	return &SanitizeMiddleware{
		stripRe: regexp.MustCompile(`<[^>]*>`),
	}
}

func (m *SanitizeMiddleware) Name() string { return "sanitize" }

func (m *SanitizeMiddleware) Process(rec *types.VehicleRecord) (*types.VehicleRecord, error) {
	rec.Title = m.clean(rec.Title)
	for _, key := range rec.Attributes.Keys() {
		s, ok := rec.Attributes.String(key)
		if !ok {
			continue
		}
		if s = m.clean(s); s == "" {
			delete(rec.Attributes, key)
			continue
		}
		rec.Attributes[key] = s
	}
	return rec, nil
}

func (m *SanitizeMiddleware) clean(s string) string {
	if s == "" {
		return s
	}
	s = m.stripRe.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}

// VocabularyMiddleware removes fuel and transmission values outside the
// closed vocabularies.
type VocabularyMiddleware struct{}

var (
	fuelVocabulary         = map[string]bool{"Petrol": true, "Diesel": true, "Hybrid": true, "Electric": true}
	transmissionVocabulary = map[string]bool{"Automatic": true, "Manual": true}
)

func (m *VocabularyMiddleware) Name() string { return "vocabulary" }

func (m *VocabularyMiddleware) Process(rec *types.VehicleRecord) (*types.VehicleRecord, error) {
	if _, exists := rec.Attributes[types.AttrFuel]; exists {
		if s, _ := rec.Attributes.String(types.AttrFuel); !fuelVocabulary[s] {
			delete(rec.Attributes, types.AttrFuel)
		}
	}
	if _, exists := rec.Attributes[types.AttrTransmission]; exists {
		if s, _ := rec.Attributes.String(types.AttrTransmission); !transmissionVocabulary[s] {
			delete(rec.Attributes, types.AttrTransmission)
		}
	}
	if _, exists := rec.Attributes[types.AttrULEZCompliant]; exists {
		if _, ok := rec.Attributes.Bool(types.AttrULEZCompliant); !ok {
			delete(rec.Attributes, types.AttrULEZCompliant)
		}
	}
	return rec, nil
}

// PlausibilityMiddleware clears a price or mileage outside the configured
// bounds. Extraction applies the same bounds; this catches records built by
// other paths, such as dealer rules with unusual units.
type PlausibilityMiddleware struct {
	MinPrice   int64
	MaxPrice   int64
	MaxMileage int64
}

func (m *PlausibilityMiddleware) Name() string { return "plausibility" }

func (m *PlausibilityMiddleware) Process(rec *types.VehicleRecord) (*types.VehicleRecord, error) {
	if rec.Price != nil && (*rec.Price < m.MinPrice || *rec.Price > m.MaxPrice) {
		rec.Price = nil
	}
	if _, exists := rec.Attributes[types.AttrMileage]; exists {
		v, ok := rec.Attributes.Int(types.AttrMileage)
		if !ok || v < 0 || v > m.MaxMileage {
			delete(rec.Attributes, types.AttrMileage)
		} else {
			rec.Attributes[types.AttrMileage] = v
		}
	}
	return rec, nil
}

// RequiredDataMiddleware drops records with neither a title nor a price.
type RequiredDataMiddleware struct{}

func (m *RequiredDataMiddleware) Name() string { return "required_data" }

func (m *RequiredDataMiddleware) Process(rec *types.VehicleRecord) (*types.VehicleRecord, error) {
	if !rec.HasTitle() && !rec.HasPrice() {
		return nil, nil
	}
	return rec, nil
}
