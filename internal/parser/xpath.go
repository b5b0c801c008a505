package parser

import (
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"
)

// compileXPath validates an XPath expression up front so a bad dealer rule
// fails at configuration time.
func compileXPath(expr string) (*xpath.Expr, error) {
	compiled, err := xpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid xpath %q: %w", expr, err)
	}
	return compiled, nil
}

// xpathValues evaluates a compiled expression and returns matched values.
func xpathValues(root *html.Node, expr *xpath.Expr, attribute string) []string {
	if root == nil {
		return nil
	}

	var values []string
	for _, node := range htmlquery.QuerySelectorAll(root, expr) {
		var val string

		switch attribute {
		case "", "text":
			val = collapseSpace(htmlquery.InnerText(node))
		case "html", "innerHTML":
			val = htmlquery.OutputHTML(node, false)
		case "outerHTML":
			val = htmlquery.OutputHTML(node, true)
		default:
			val = strings.TrimSpace(htmlquery.SelectAttr(node, attribute))
		}

		if val != "" {
			values = append(values, val)
		}
	}

	return values
}
