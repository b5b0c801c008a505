package parser

import (
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// StructuredDataType identifies the type of structured data.
type StructuredDataType string

const (
	JSONLD      StructuredDataType = "json-ld"
	Microdata   StructuredDataType = "microdata"
	OpenGraph   StructuredDataType = "opengraph"
	TwitterCard StructuredDataType = "twitter_card"
	MetaTags    StructuredDataType = "meta"
)

// StructuredData represents extracted structured data from a page.
type StructuredData struct {
	Type StructuredDataType `json:"type"`
	Data map[string]any     `json:"data"`
}

// findStructured returns the first value stored under key in data of the given type.
func findStructured(sds []StructuredData, typ StructuredDataType, key string) (any, bool) {
	for _, sd := range sds {
		if sd.Type != typ {
			continue
		}
		if v, ok := sd.Data[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func extractStructured(doc *goquery.Document) []StructuredData {
	var results []StructuredData

	results = append(results, extractJSONLD(doc)...)

	if og := extractOpenGraph(doc); len(og.Data) > 0 {
		results = append(results, og)
	}
	if tc := extractTwitterCard(doc); len(tc.Data) > 0 {
		results = append(results, tc)
	}

	results = append(results, extractMicrodata(doc)...)

	if meta := extractMetaTags(doc); len(meta.Data) > 0 {
		results = append(results, meta)
	}
	return results
}

// extractJSONLD parses <script type="application/ld+json"> elements. Objects
// nested in an @graph are flattened into their own entries.
func extractJSONLD(doc *goquery.Document) []StructuredData {
	var results []StructuredData

	add := func(data map[string]any) {
		results = append(results, StructuredData{Type: JSONLD, Data: data})
		if graph, ok := data["@graph"].([]any); ok {
			for _, g := range graph {
				if m, ok := g.(map[string]any); ok {
					results = append(results, StructuredData{Type: JSONLD, Data: m})
				}
			}
		}
	}

	doc.Find(`script[type="application/ld+json"]`).Each(func(i int, sel *goquery.Selection) {
		raw := strings.TrimSpace(sel.Text())
		if raw == "" {
			return
		}

		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err == nil {
			add(data)
			return
		}

		var dataArr []map[string]any
		if err := json.Unmarshal([]byte(raw), &dataArr); err == nil {
			for _, d := range dataArr {
				add(d)
			}
		}
	})

	return results
}

// extractOpenGraph parses og: and product: meta tags.
func extractOpenGraph(doc *goquery.Document) StructuredData {
	data := make(map[string]any)

	doc.Find(`meta[property^="og:"], meta[property^="product:"]`).Each(func(i int, sel *goquery.Selection) {
		property, _ := sel.Attr("property")
		content, _ := sel.Attr("content")
		if property == "" || content == "" {
			return
		}
		key := strings.TrimPrefix(property, "og:")
		if _, seen := data[key]; !seen {
			data[key] = content
		}
	})

	return StructuredData{Type: OpenGraph, Data: data}
}

// extractTwitterCard parses twitter: meta tags.
func extractTwitterCard(doc *goquery.Document) StructuredData {
	data := make(map[string]any)

	doc.Find(`meta[name^="twitter:"], meta[property^="twitter:"]`).Each(func(i int, sel *goquery.Selection) {
		name, _ := sel.Attr("name")
		if name == "" {
			name, _ = sel.Attr("property")
		}
		content, _ := sel.Attr("content")
		if name != "" && content != "" {
			data[strings.TrimPrefix(name, "twitter:")] = content
		}
	})

	return StructuredData{Type: TwitterCard, Data: data}
}

// extractMicrodata parses elements with itemscope/itemprop attributes.
func extractMicrodata(doc *goquery.Document) []StructuredData {
	var results []StructuredData

	doc.Find("[itemscope]:not([itemscope] [itemscope])").Each(func(i int, sel *goquery.Selection) {
		data := make(map[string]any)

		if itemType, _ := sel.Attr("itemtype"); itemType != "" {
			data["@type"] = itemType
		}

		sel.Find("[itemprop]").Each(func(j int, prop *goquery.Selection) {
			name, _ := prop.Attr("itemprop")
			if name == "" {
				return
			}
			if _, seen := data[name]; seen {
				return
			}

			var value string
			if content, exists := prop.Attr("content"); exists {
				value = content
			} else if href, exists := prop.Attr("href"); exists {
				value = href
			} else if src, exists := prop.Attr("src"); exists {
				value = src
			} else {
				value = strings.TrimSpace(prop.Text())
			}

			if value != "" {
				data[name] = value
			}
		})

		if len(data) > 0 {
			results = append(results, StructuredData{Type: Microdata, Data: data})
		}
	})

	return results
}

// extractMetaTags parses the document title and standard meta tags.
func extractMetaTags(doc *goquery.Document) StructuredData {
	data := make(map[string]any)

	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		data["title"] = title
	}

	for _, name := range []string{"description", "keywords"} {
		content, exists := doc.Find(`meta[name="` + name + `"]`).Attr("content")
		if exists && content != "" {
			data[name] = content
		}
	}

	if canonical, exists := doc.Find(`link[rel="canonical"]`).Attr("href"); exists && canonical != "" {
		data["canonical"] = canonical
	}

	return StructuredData{Type: MetaTags, Data: data}
}

// jsonLDOfferPrice digs a price out of a JSON-LD object: either a direct
// "price" or one inside "offers" (object or array, Offer or AggregateOffer).
func jsonLDOfferPrice(data map[string]any) (string, bool) {
	if v, ok := scalarString(data["price"]); ok {
		return v, true
	}
	switch offers := data["offers"].(type) {
	case map[string]any:
		return offerPrice(offers)
	case []any:
		for _, o := range offers {
			if m, ok := o.(map[string]any); ok {
				if v, ok := offerPrice(m); ok {
					return v, true
				}
			}
		}
	}
	return "", false
}

func offerPrice(offer map[string]any) (string, bool) {
	for _, key := range []string{"price", "lowPrice"} {
		if v, ok := scalarString(offer[key]); ok {
			return v, true
		}
	}
	if spec, ok := offer["priceSpecification"].(map[string]any); ok {
		return scalarString(spec["price"])
	}
	return "", false
}

// jsonLDMileage reads schema.org mileageFromOdometer, which is either a
// QuantitativeValue or a bare value.
func jsonLDMileage(data map[string]any) (string, bool) {
	switch v := data["mileageFromOdometer"].(type) {
	case map[string]any:
		if unit, ok := v["unitCode"].(string); ok && strings.EqualFold(unit, "KMT") {
			return "", false
		}
		return scalarString(v["value"])
	default:
		return scalarString(v)
	}
}

func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		val = strings.TrimSpace(val)
		return val, val != ""
	case float64:
		b, _ := json.Marshal(val)
		return string(b), true
	case json.Number:
		return val.String(), true
	}
	return "", false
}
