package parser

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// selectValues applies a CSS selector and returns matched values in document
// order. attribute selects what is read: "" or "text" for collapsed text,
// "html" for inner HTML, anything else names an element attribute.
func selectValues(doc *goquery.Document, selector, attribute string) []string {
	var values []string

	doc.Find(selector).Each(func(i int, sel *goquery.Selection) {
		var val string

		switch attribute {
		case "", "text":
			val = collapseSpace(sel.Text())
		case "html", "innerHTML":
			val, _ = sel.Html()
		case "outerHTML":
			val, _ = goquery.OuterHtml(sel)
		default:
			val, _ = sel.Attr(attribute)
			val = strings.TrimSpace(val)
		}

		if val != "" {
			values = append(values, val)
		}
	})

	return values
}

// firstSelected returns the first non-empty value for selector.
func firstSelected(doc *goquery.Document, selector, attribute string) (string, bool) {
	values := selectValues(doc, selector, attribute)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// priceSelectors are element patterns dealer themes commonly use for the
// advertised price, tried in order.
var priceSelectors = []string{
	`[data-price]`,
	`.price`,
	`[class*="price"]`,
	`[id*="price"]`,
}

// styledPrice scans price-styled elements in document order and returns the
// first amount that passes accept.
func styledPrice(doc *goquery.Document, accept func(int64) bool) (int64, bool) {
	for _, selector := range priceSelectors {
		var (
			found int64
			ok    bool
		)
		doc.Find(selector).EachWithBreak(func(i int, sel *goquery.Selection) bool {
			if selector == `[data-price]` {
				if raw, exists := sel.Attr("data-price"); exists {
					if v, parsed := parseAmount(raw); parsed && accept(v) {
						found, ok = v, true
						return false
					}
				}
				return true
			}
			if v, parsed := parseCurrencyAmount(sel.Text()); parsed && accept(v) {
				found, ok = v, true
				return false
			}
			return true
		})
		if ok {
			return found, true
		}
	}
	return 0, false
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
