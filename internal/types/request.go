package types

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Request tags.
const (
	TagListing = "listing"
	TagDetail  = "detail"
	TagRobots  = "robots"
)

// Request represents a page the crawler wants fetched.
type Request struct {
	// URL is the target URL to fetch.
	URL *url.URL

	// Headers are custom HTTP headers to send with the request.
	Headers http.Header

	// MaxRetries overrides the fetcher's retry budget when >= 0.
	MaxRetries int

	// Timeout overrides the per-attempt timeout when > 0.
	Timeout time.Duration

	// Tag categorizes this request ("listing", "detail", "robots").
	Tag string

	// ListingPath is the listing path a detail page was discovered from.
	ListingPath string

	// DealerID is the dealer this request belongs to.
	DealerID string

	// CreatedAt is when this request was created.
	CreatedAt time.Time
}

// NewRequest creates a new Request with the fetcher's default retry budget.
func NewRequest(rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}

	return &Request{
		URL:        u,
		Headers:    make(http.Header),
		MaxRetries: -1,
		CreatedAt:  time.Now(),
	}, nil
}

// URLString returns the string representation of the request URL.
func (r *Request) URLString() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.String()
}

// Domain returns the hostname of the request URL.
func (r *Request) Domain() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.Hostname()
}

// Clone creates a deep copy of the request.
func (r *Request) Clone() *Request {
	clone := *r
	if r.URL != nil {
		u := *r.URL
		clone.URL = &u
	}
	clone.Headers = r.Headers.Clone()
	return &clone
}
