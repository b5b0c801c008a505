package engine

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/IshaanNene/forecourt/internal/fetcher"
	"github.com/IshaanNene/forecourt/internal/types"
)

// RobotsManager fetches, caches and enforces robots.txt per origin. A
// robots.txt that cannot be fetched allows everything.
type RobotsManager struct {
	enabled bool
	agent   string
	fetcher fetcher.Fetcher
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]*robotsData
}

// robotsData holds the rules of the group that applies to us.
type robotsData struct {
	disallowed []string
	allowed    []string
	crawlDelay time.Duration
}

// NewRobotsManager creates a RobotsManager that fetches through f. agent is
// the product token matched against User-agent lines, e.g. "forecourt".
func NewRobotsManager(enabled bool, agent string, f fetcher.Fetcher, logger *slog.Logger) *RobotsManager {
	return &RobotsManager{
		enabled: enabled,
		agent:   strings.ToLower(agent),
		fetcher: f,
		logger:  logger.With("component", "robots"),
		cache:   make(map[string]*robotsData),
	}
}

// IsAllowed reports whether rawURL may be fetched.
func (rm *RobotsManager) IsAllowed(ctx context.Context, rawURL string) bool {
	if !rm.enabled {
		return true
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}

	data := rm.rules(ctx, u.Scheme+"://"+u.Host)
	if data == nil {
		return true
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return data.allows(path)
}

// CrawlDelay returns the Crawl-delay published for origin, if its
// robots.txt has been loaded.
func (rm *RobotsManager) CrawlDelay(origin string) time.Duration {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if data := rm.cache[origin]; data != nil {
		return data.crawlDelay
	}
	return 0
}

// rules loads robots.txt for origin once. Concurrent callers for the same
// origin wait on the lock rather than fetching twice.
func (rm *RobotsManager) rules(ctx context.Context, origin string) *robotsData {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if data, ok := rm.cache[origin]; ok {
		return data
	}
	data := rm.fetch(ctx, origin)
	rm.cache[origin] = data
	return data
}

func (rm *RobotsManager) fetch(ctx context.Context, origin string) *robotsData {
	req, err := types.NewRequest(origin + "/robots.txt")
	if err != nil {
		return nil
	}
	req.Tag = types.TagRobots
	req.MaxRetries = 0

	resp, err := rm.fetcher.Fetch(ctx, req)
	if err != nil {
		rm.logger.Debug("robots.txt unavailable, allowing all", "origin", origin, "error", err)
		return nil
	}
	data := parseRobotsTxt(string(resp.Body), rm.agent)
	rm.logger.Debug("robots.txt loaded",
		"origin", origin,
		"disallow", len(data.disallowed),
		"allow", len(data.allowed),
		"crawl_delay", data.crawlDelay,
	)
	return data
}

// allows applies the longest-match rule: the most specific matching pattern
// decides, and Allow wins a tie.
func (d *robotsData) allows(path string) bool {
	best, allowed := -1, true
	for _, p := range d.disallowed {
		if matchRobotsPattern(p, path) && len(p) > best {
			best, allowed = len(p), false
		}
	}
	for _, p := range d.allowed {
		if matchRobotsPattern(p, path) && len(p) >= best {
			best, allowed = len(p), true
		}
	}
	return allowed
}

// parseRobotsTxt returns the rules of the group naming agent, falling back
// to the "*" group.
func parseRobotsTxt(content, agent string) *robotsData {
	groups := make(map[string]*robotsData)
	var current []*robotsData
	inAgents := false

	for _, line := range strings.Split(content, "\n") {
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		if key == "user-agent" {
			if !inAgents {
				current = nil
			}
			inAgents = true
			name := strings.ToLower(value)
			g, exists := groups[name]
			if !exists {
				g = &robotsData{}
				groups[name] = g
			}
			current = append(current, g)
			continue
		}
		inAgents = false

		for _, g := range current {
			switch key {
			case "disallow":
				if value != "" {
					g.disallowed = append(g.disallowed, value)
				}
			case "allow":
				if value != "" {
					g.allowed = append(g.allowed, value)
				}
			case "crawl-delay":
				if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
					g.crawlDelay = time.Duration(secs * float64(time.Second))
				}
			}
		}
	}

	for name, g := range groups {
		if name != "*" && agent != "" && strings.Contains(agent, name) {
			return g
		}
	}
	if g, ok := groups["*"]; ok {
		return g
	}
	return &robotsData{}
}

// matchRobotsPattern checks if a URL path matches a robots.txt pattern.
// Supports * (any sequence) and $ (end of URL) wildcards.
func matchRobotsPattern(pattern, path string) bool {
	if pattern == "" {
		return false
	}

	anchored := strings.HasSuffix(pattern, "$")
	if anchored {
		pattern = pattern[:len(pattern)-1]
	}

	if !strings.Contains(pattern, "*") {
		if anchored {
			return path == pattern
		}
		return strings.HasPrefix(path, pattern)
	}

	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(path, parts[0]) {
		return false
	}
	pos := len(parts[0])
	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		idx := strings.Index(path[pos:], part)
		if idx < 0 {
			return false
		}
		pos += idx + len(part)
	}
	if anchored {
		last := parts[len(parts)-1]
		return last == "" || strings.HasSuffix(path, last)
	}
	return true
}
