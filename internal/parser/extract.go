package parser

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/antchfx/xpath"

	"github.com/IshaanNene/forecourt/internal/config"
	"github.com/IshaanNene/forecourt/internal/types"
)

// Field names accepted by dealer extraction rules.
const (
	FieldTitle        = "title"
	FieldPrice        = "price"
	FieldMileage      = "mileage"
	FieldFuel         = "fuel"
	FieldTransmission = "transmission"
	FieldULEZ         = "ulez"
)

// Extractor turns a detail page into a VehicleRecord. Each field is resolved
// by its own strategy chain; one field failing never affects another.
// An Extractor is safe for concurrent use.
type Extractor struct {
	cfg config.ExtractionConfig

	title        Chain[string]
	price        Chain[int64]
	mileage      Chain[int64]
	fuel         Chain[string]
	transmission Chain[string]
	ulez         Chain[bool]

	// rules for fields outside the built-in set, stored as string attributes
	extra []compiledRule

	logger *slog.Logger
}

type compiledRule struct {
	types.ExtractRule
	re *regexp.Regexp
	xp *xpath.Expr
}

// NewExtractor builds the strategy chains. Dealer rules run ahead of the
// built-in strategies for their field.
func NewExtractor(cfg config.ExtractionConfig, rules []types.ExtractRule, logger *slog.Logger) (*Extractor, error) {
	e := &Extractor{
		cfg:    cfg,
		logger: logger.With("component", "extractor"),
	}

	cache := newRegexCache()
	byField := make(map[string][]compiledRule)
	for _, r := range rules {
		cr := compiledRule{ExtractRule: r}
		switch r.Type {
		case "css":
		case "xpath":
			xp, err := compileXPath(r.Selector)
			if err != nil {
				return nil, err
			}
			cr.xp = xp
		case "regex":
			re, err := cache.getOrCompile(r.Pattern)
			if err != nil {
				return nil, err
			}
			cr.re = re
		default:
			return nil, fmt.Errorf("rule for %q: unknown type %q", r.Field, r.Type)
		}
		field := canonicalField(r.Field)
		byField[field] = append(byField[field], cr)
	}

	for _, r := range byField[FieldTitle] {
		e.title = append(e.title, ruleStrategy(r, func(v string) (string, bool) {
			v = collapseSpace(v)
			return v, v != ""
		}))
	}
	e.title = append(e.title,
		Strategy[string]{Name: "h1", Fn: headingTitle},
		Strategy[string]{Name: "og:title", Fn: socialTitle},
		Strategy[string]{Name: "document_title", Fn: documentTitle},
	)

	for _, r := range byField[FieldPrice] {
		e.price = append(e.price, ruleStrategy(r, e.parsePrice))
	}
	e.price = append(e.price,
		Strategy[int64]{Name: "structured", Fn: e.structuredPrice},
		Strategy[int64]{Name: "price_selector", Fn: func(p *Page) (int64, bool) {
			return styledPrice(p.Doc, e.PlausiblePrice)
		}},
		Strategy[int64]{Name: "text_scan", Fn: func(p *Page) (int64, bool) {
			return scanCurrency(p.Text(), e.PlausiblePrice)
		}},
	)

	for _, r := range byField[FieldMileage] {
		e.mileage = append(e.mileage, ruleStrategy(r, e.parseMileage))
	}
	e.mileage = append(e.mileage,
		Strategy[int64]{Name: "structured", Fn: e.structuredMileage},
		Strategy[int64]{Name: "text_scan", Fn: func(p *Page) (int64, bool) {
			return scanMileage(p.Text(), e.PlausibleMileage)
		}},
	)

	for _, r := range byField[FieldFuel] {
		e.fuel = append(e.fuel, ruleStrategy(r, normalizeFuel))
	}
	e.fuel = append(e.fuel, Strategy[string]{Name: "keyword", Fn: func(p *Page) (string, bool) {
		return scanFuel(p.Text())
	}})

	for _, r := range byField[FieldTransmission] {
		e.transmission = append(e.transmission, ruleStrategy(r, normalizeTransmission))
	}
	e.transmission = append(e.transmission, Strategy[string]{Name: "keyword", Fn: func(p *Page) (string, bool) {
		return scanTransmission(p.Text())
	}})

	for _, r := range byField[FieldULEZ] {
		e.ulez = append(e.ulez, ruleStrategy(r, parseULEZValue))
	}
	e.ulez = append(e.ulez, Strategy[bool]{Name: "keyword", Fn: func(p *Page) (bool, bool) {
		return detectULEZ(p.Text())
	}})

	for field, rs := range byField {
		switch field {
		case FieldTitle, FieldPrice, FieldMileage, FieldFuel, FieldTransmission, FieldULEZ:
			continue
		}
		e.extra = append(e.extra, rs...)
	}

	return e, nil
}

// Extract builds a record for a detail page. It returns a *types.ExtractionError
// when neither a title nor a price can be found.
func (e *Extractor) Extract(page *Page, dealerID, canonicalURL string) (*types.VehicleRecord, error) {
	rec := types.NewVehicleRecord(dealerID, canonicalURL)

	if v, src, ok := resolve(e, page, FieldTitle, e.title); ok {
		rec.Title = v
		e.logger.Debug("field extracted", "url", canonicalURL, "field", FieldTitle, "source", src)
	}
	if v, src, ok := resolve(e, page, FieldPrice, e.price); ok {
		rec.SetPrice(v)
		e.logger.Debug("field extracted", "url", canonicalURL, "field", FieldPrice, "source", src)
	}

	if !rec.HasTitle() && !rec.HasPrice() {
		return nil, &types.ExtractionError{URL: canonicalURL, Err: types.ErrInsufficientData}
	}

	if v, _, ok := resolve(e, page, FieldMileage, e.mileage); ok {
		rec.Attributes[types.AttrMileage] = v
	}
	if v, _, ok := resolve(e, page, FieldFuel, e.fuel); ok {
		rec.Attributes[types.AttrFuel] = v
	}
	if v, _, ok := resolve(e, page, FieldTransmission, e.transmission); ok {
		rec.Attributes[types.AttrTransmission] = v
	}
	if v, _, ok := resolve(e, page, FieldULEZ, e.ulez); ok {
		rec.Attributes[types.AttrULEZCompliant] = v
	}

	for _, r := range e.extra {
		if _, exists := rec.Attributes[r.Field]; exists {
			continue
		}
		if v, ok := ruleValue(r, page); ok {
			rec.Attributes[r.Field] = v
		}
	}

	return rec, nil
}

func resolve[T any](e *Extractor, page *Page, field string, chain Chain[T]) (T, string, bool) {
	v, src, ok, errs := chain.Resolve(page)
	for _, err := range errs {
		e.logger.Warn("extraction strategy failed", "url", page.URL, "field", field, "error", err)
	}
	return v, src, ok
}

// PlausiblePrice reports whether v lies inside the configured price band.
func (e *Extractor) PlausiblePrice(v int64) bool {
	return v >= e.cfg.MinPrice && v <= e.cfg.MaxPrice
}

// PlausibleMileage reports whether v is a believable odometer reading.
func (e *Extractor) PlausibleMileage(v int64) bool {
	return v >= 0 && v <= e.cfg.MaxMileage
}

func (e *Extractor) parsePrice(s string) (int64, bool) {
	v, ok := parseAmount(s)
	if !ok || !e.PlausiblePrice(v) {
		return 0, false
	}
	return v, true
}

func (e *Extractor) parseMileage(s string) (int64, bool) {
	v, ok := parseAmount(s)
	if !ok || !e.PlausibleMileage(v) {
		return 0, false
	}
	return v, true
}

// structuredPrice reads price metadata: itemprop=price, product/og price
// meta tags, then JSON-LD offers.
func (e *Extractor) structuredPrice(p *Page) (int64, bool) {
	for _, attr := range []string{"content", "text"} {
		for _, raw := range selectValues(p.Doc, `[itemprop="price"]`, attr) {
			if v, ok := e.parsePrice(raw); ok {
				return v, true
			}
		}
	}

	sds := p.Structured()
	for _, key := range []string{"product:price:amount", "price:amount"} {
		if raw, ok := findStructured(sds, OpenGraph, key); ok {
			if s, ok := raw.(string); ok {
				if v, ok := e.parsePrice(s); ok {
					return v, true
				}
			}
		}
	}
	for _, sd := range sds {
		if sd.Type != JSONLD {
			continue
		}
		if raw, ok := jsonLDOfferPrice(sd.Data); ok {
			if v, ok := e.parsePrice(raw); ok {
				return v, true
			}
		}
	}
	return 0, false
}

func (e *Extractor) structuredMileage(p *Page) (int64, bool) {
	for _, sd := range p.Structured() {
		var (
			raw string
			ok  bool
		)
		switch sd.Type {
		case JSONLD:
			raw, ok = jsonLDMileage(sd.Data)
		case Microdata:
			raw, ok = scalarString(sd.Data["mileageFromOdometer"])
		}
		if !ok {
			continue
		}
		if v, ok := e.parseMileage(raw); ok {
			return v, true
		}
	}
	return 0, false
}

func headingTitle(p *Page) (string, bool) {
	return firstSelected(p.Doc, "h1", "text")
}

func socialTitle(p *Page) (string, bool) {
	sds := p.Structured()
	for _, typ := range []StructuredDataType{OpenGraph, TwitterCard} {
		if raw, ok := findStructured(sds, typ, "title"); ok {
			if s, ok := raw.(string); ok {
				if s = collapseSpace(s); s != "" {
					return s, true
				}
			}
		}
	}
	return "", false
}

func documentTitle(p *Page) (string, bool) {
	return firstSelected(p.Doc, "head title, title", "text")
}

// ruleStrategy wraps a dealer rule as a strategy, converting the raw match
// with convert.
func ruleStrategy[T any](r compiledRule, convert func(string) (T, bool)) Strategy[T] {
	return Strategy[T]{
		Name: "rule:" + r.Type + ":" + ruleExpr(r),
		Fn: func(p *Page) (T, bool) {
			raw, ok := ruleValue(r, p)
			if !ok {
				var zero T
				return zero, false
			}
			return convert(raw)
		},
	}
}

func ruleValue(r compiledRule, p *Page) (string, bool) {
	switch r.Type {
	case "css":
		return firstSelected(p.Doc, r.Selector, r.Attribute)
	case "xpath":
		values := xpathValues(p.Root(), r.xp, r.Attribute)
		if len(values) == 0 {
			return "", false
		}
		return values[0], true
	case "regex":
		return firstRegexValue(r.re, p.Text())
	}
	return "", false
}

func ruleExpr(r compiledRule) string {
	if r.Type == "regex" {
		return r.Pattern
	}
	return r.Selector
}

func canonicalField(field string) string {
	switch strings.ToLower(strings.TrimSpace(field)) {
	case "title", "name":
		return FieldTitle
	case "price":
		return FieldPrice
	case "mileage", "odometer":
		return FieldMileage
	case "fuel", "fuel_type", "fueltype":
		return FieldFuel
	case "transmission", "gearbox":
		return FieldTransmission
	case "ulez", "ulezcompliant", "ulez_compliant":
		return FieldULEZ
	}
	return field
}

// parseULEZValue reads a rule match for the ULEZ field, which may be a bare
// flag ("Yes", "true") or a phrase ("ULEZ non-compliant").
func parseULEZValue(s string) (bool, bool) {
	if v, found := detectULEZ(s); found {
		return v, true
	}
	lower := strings.ToLower(strings.TrimSpace(s))
	if b, err := strconv.ParseBool(lower); err == nil {
		return b, true
	}
	switch {
	case strings.Contains(lower, "non"), strings.Contains(lower, "not"), lower == "no", lower == "n":
		return false, true
	case strings.Contains(lower, "compliant"), strings.Contains(lower, "exempt"), lower == "yes", lower == "y":
		return true, true
	}
	return false, false
}
