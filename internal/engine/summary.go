package engine

import (
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Summary reports what a crawl run did. Counts are always populated; a run
// that hit errors still reports everything it managed.
type Summary struct {
	RunID    uuid.UUID `json:"run_id"`
	DealerID string    `json:"dealer_id"`

	Discovered int `json:"discovered"`
	Disallowed int `json:"disallowed"`
	Fetched    int `json:"fetched"`
	Extracted  int `json:"extracted"`
	Dropped    int `json:"dropped"`
	Duplicates int `json:"duplicates"`
	Abandoned  int `json:"abandoned"`

	Upserted  int `json:"upserted"`
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Stale     int `json:"stale"`

	// Errors counts failed fetches, unparseable pages and records lost to
	// failed store batches.
	Errors        int            `json:"errors"`
	FetchErrors   map[string]int `json:"fetch_errors,omitempty"`
	StoreFailures int            `json:"store_failures"`

	// Partial is set when the run deadline or cancellation cut the crawl short.
	Partial bool `json:"partial"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration_ns"`
}

func newSummary(id uuid.UUID, dealerID string, start time.Time) *Summary {
	return &Summary{
		RunID:       id,
		DealerID:    dealerID,
		FetchErrors: make(map[string]int),
		StartedAt:   start,
	}
}

func (s *Summary) finish(now time.Time) {
	s.FinishedAt = now
	s.Duration = now.Sub(s.StartedAt)
}

// Degraded reports a run that discovered pages but extracted nothing.
func (s *Summary) Degraded() bool {
	return s.Discovered > 0 && s.Extracted == 0
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
