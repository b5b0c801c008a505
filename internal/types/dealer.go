package types

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ExtractRule is a dealer-specific extraction quirk. Rules run ahead of the
// built-in strategies for their field.
type ExtractRule struct {
	Field     string `mapstructure:"field"     yaml:"field"     json:"field"`
	Type      string `mapstructure:"type"      yaml:"type"      json:"type"` // css, xpath, regex
	Selector  string `mapstructure:"selector"  yaml:"selector"  json:"selector,omitempty"`
	Attribute string `mapstructure:"attribute" yaml:"attribute" json:"attribute,omitempty"`
	Pattern   string `mapstructure:"pattern"   yaml:"pattern"   json:"pattern,omitempty"`
}

// DealerConfig describes where one dealer publishes its inventory.
type DealerConfig struct {
	ID            string        `mapstructure:"id"             yaml:"id"             json:"id"`
	SiteBaseURL   string        `mapstructure:"site_url"       yaml:"site_url"       json:"site_url"`
	ListingPaths  []string      `mapstructure:"listing_paths"  yaml:"listing_paths"  json:"listing_paths"`
	DetailPattern string        `mapstructure:"detail_pattern" yaml:"detail_pattern" json:"detail_pattern,omitempty"`
	ExcludePaths  []string      `mapstructure:"exclude_paths"  yaml:"exclude_paths"  json:"exclude_paths,omitempty"`
	Rules         []ExtractRule `mapstructure:"rules"          yaml:"rules"          json:"rules,omitempty"`
}

// Validate checks that the dealer can be crawled.
func (d *DealerConfig) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return &ConfigurationError{Field: "id", Err: fmt.Errorf("dealer id is empty")}
	}
	u, err := url.Parse(d.SiteBaseURL)
	if err != nil {
		return &ConfigurationError{DealerID: d.ID, Field: "site_url", Err: err}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ConfigurationError{DealerID: d.ID, Field: "site_url", Err: fmt.Errorf("%w: %q", ErrInvalidURL, d.SiteBaseURL)}
	}
	if len(d.ListingPaths) == 0 {
		return &ConfigurationError{DealerID: d.ID, Field: "listing_paths", Err: ErrNoListingPaths}
	}
	if d.DetailPattern != "" {
		if _, err := regexp.Compile(d.DetailPattern); err != nil {
			return &ConfigurationError{DealerID: d.ID, Field: "detail_pattern", Err: err}
		}
	}
	for i, r := range d.Rules {
		if err := r.validate(); err != nil {
			return &ConfigurationError{DealerID: d.ID, Field: fmt.Sprintf("rules[%d]", i), Err: err}
		}
	}
	return nil
}

func (r ExtractRule) validate() error {
	if r.Field == "" {
		return fmt.Errorf("rule field is empty")
	}
	switch r.Type {
	case "css", "xpath":
		if r.Selector == "" {
			return fmt.Errorf("%s rule needs a selector", r.Type)
		}
	case "regex":
		if r.Pattern == "" {
			return fmt.Errorf("regex rule needs a pattern")
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown rule type %q", r.Type)
	}
	return nil
}

// ListingURL resolves a listing path against the dealer's base URL.
func (d *DealerConfig) ListingURL(path string) (string, error) {
	base, err := url.Parse(d.SiteBaseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// CandidateURL is a discovered detail-page URL. Candidates have set semantics
// keyed by URL, which is always canonical.
type CandidateURL struct {
	URL         string `json:"url"`
	ListingPath string `json:"listing_path"`
}
