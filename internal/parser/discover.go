package parser

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/IshaanNene/forecourt/internal/config"
	"github.com/IshaanNene/forecourt/internal/types"
)

var paginationPathRe = regexp.MustCompile(`(?i)/page/\d+/?$`)

// LinkDiscoverer finds candidate detail-page links on a listing page. The
// heuristic is intentionally broad: extraction drops the false positives.
type LinkDiscoverer struct {
	pattern *regexp.Regexp
	roots   map[string]struct{}
	logger  *slog.Logger
}

// NewLinkDiscoverer builds a discoverer for one dealer. The dealer's own
// detail pattern and exclusions take precedence over the global ones; its
// listing paths are always treated as category roots.
func NewLinkDiscoverer(cfg config.DiscoveryConfig, dealer *types.DealerConfig, logger *slog.Logger) (*LinkDiscoverer, error) {
	pattern := cfg.DetailPattern
	if dealer != nil && dealer.DetailPattern != "" {
		pattern = dealer.DetailPattern
	}
	if pattern == "" {
		pattern = `(?i)/used/`
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid detail pattern %q: %w", pattern, err)
	}

	d := &LinkDiscoverer{
		pattern: re,
		roots:   make(map[string]struct{}),
		logger:  logger.With("component", "discoverer"),
	}
	for _, p := range cfg.ExcludePaths {
		d.addRoot(p)
	}
	if dealer != nil {
		for _, p := range dealer.ExcludePaths {
			d.addRoot(p)
		}
		for _, p := range dealer.ListingPaths {
			d.addRoot(p)
		}
	}
	return d, nil
}

func (d *LinkDiscoverer) addRoot(p string) {
	if u, err := url.Parse(p); err == nil {
		p = u.Path
	}
	d.roots[normalizeRoot(p)] = struct{}{}
}

func normalizeRoot(p string) string {
	p = strings.ToLower(strings.TrimRight(p, "/"))
	if p == "" {
		return "/"
	}
	return p
}

// Discover returns the candidate URLs linked from page, canonicalized and
// deduplicated, in document order. Only links on the same host as baseURL
// are considered.
func (d *LinkDiscoverer) Discover(page *Page, baseURL, listingPath string) []types.CandidateURL {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var out []types.CandidateURL

	page.Doc.Find("a[href]").Each(func(i int, sel *goquery.Selection) {
		href, exists := sel.Attr("href")
		if !exists {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" ||
			strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") ||
			strings.HasPrefix(href, "mailto:") ||
			strings.HasPrefix(href, "tel:") ||
			strings.HasPrefix(href, "data:") {
			return
		}

		parsedHref, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(parsedHref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		resolved.Fragment = ""

		if !d.Admit(resolved) || !types.SameHost(resolved.String(), baseURL) {
			return
		}
		// Links spelled with or without "www." are keyed under the host the
		// listing page was served from.
		if resolved.Port() == base.Port() {
			resolved.Host = base.Host
		}

		canonical := types.CanonicalizeURL(resolved.String())
		if seen[canonical] {
			return
		}
		seen[canonical] = true
		out = append(out, types.CandidateURL{URL: canonical, ListingPath: listingPath})
	})

	d.logger.Debug("links discovered", "listing", listingPath, "candidates", len(out))
	return out
}

// Admit reports whether u looks like a vehicle detail page: its path
// matches the detail pattern, it is not a category root and it is not a
// pagination link.
func (d *LinkDiscoverer) Admit(u *url.URL) bool {
	path := u.Path
	if path == "" {
		path = "/"
	}
	if _, isRoot := d.roots[normalizeRoot(path)]; isRoot {
		return false
	}
	if paginationPathRe.MatchString(path) {
		return false
	}
	q := u.Query()
	if q.Has("page") || q.Has("p") || q.Has("pg") {
		return false
	}
	return d.pattern.MatchString(path)
}
