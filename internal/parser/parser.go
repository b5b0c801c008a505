package parser

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/IshaanNene/forecourt/internal/types"
)

// Page is a parsed HTML document shared by every strategy that inspects it.
// The visible text and structured data are computed once, on first use.
type Page struct {
	URL string
	Doc *goquery.Document

	textOnce sync.Once
	text     string

	structOnce sync.Once
	structured []StructuredData
}

// NewPage parses a fetched response.
func NewPage(resp *types.Response) (*Page, error) {
	doc, err := resp.Document()
	if err != nil {
		return nil, &types.ParseError{URL: resp.Request.URLString(), Err: err}
	}
	pageURL := resp.FinalURL
	if pageURL == "" {
		pageURL = resp.Request.URLString()
	}
	return &Page{URL: pageURL, Doc: doc}, nil
}

// ParseHTML parses raw HTML into a Page.
func ParseHTML(pageURL string, r io.Reader) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, &types.ParseError{URL: pageURL, Err: err}
	}
	return &Page{URL: pageURL, Doc: doc}, nil
}

// ParseHTMLString is ParseHTML for an in-memory document.
func ParseHTMLString(pageURL, body string) (*Page, error) {
	return ParseHTML(pageURL, strings.NewReader(body))
}

// Root returns the document node, for XPath evaluation.
func (p *Page) Root() *html.Node {
	if len(p.Doc.Nodes) == 0 {
		return nil
	}
	return p.Doc.Nodes[0]
}

// Text returns the page's visible text: text nodes outside head, script,
// style and similar elements, separated by single spaces.
func (p *Page) Text() string {
	p.textOnce.Do(func() {
		var buf bytes.Buffer
		collectText(&buf, p.Root())
		p.text = strings.Join(strings.Fields(buf.String()), " ")
	})
	return p.text
}

// Structured returns the page's JSON-LD, OpenGraph, Twitter card, microdata
// and meta tag data.
func (p *Page) Structured() []StructuredData {
	p.structOnce.Do(func() {
		p.structured = extractStructured(p.Doc)
	})
	return p.structured
}

var invisibleElements = map[string]bool{
	"head": true, "script": true, "style": true, "noscript": true,
	"template": true, "svg": true, "iframe": true,
}

func collectText(buf *bytes.Buffer, n *html.Node) {
	if n == nil {
		return
	}
	if n.Type == html.ElementNode && invisibleElements[n.Data] {
		return
	}
	if n.Type == html.TextNode {
		buf.WriteString(n.Data)
		buf.WriteByte(' ')
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(buf, c)
	}
}

// Strategy produces a value from a page, or reports that it found nothing.
type Strategy[T any] struct {
	Name string
	Fn   func(*Page) (T, bool)
}

// apply runs the strategy, converting a panic into "not found".
func (s Strategy[T]) apply(p *Page) (v T, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v, ok, err = zero, false, fmt.Errorf("strategy %q panicked: %v", s.Name, r)
		}
	}()
	v, ok = s.Fn(p)
	return v, ok, nil
}

// Chain is an ordered list of strategies for one field. The first strategy
// that finds a value wins.
type Chain[T any] []Strategy[T]

// Resolve runs the chain against p. It returns the value, the name of the
// strategy that produced it, and whether any strategy matched. Strategy
// panics are collected in errs and never stop the chain.
func (c Chain[T]) Resolve(p *Page) (value T, source string, ok bool, errs []error) {
	for _, s := range c {
		v, found, err := s.apply(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if found {
			return v, s.Name, true, errs
		}
	}
	var zero T
	return zero, "", false, errs
}
