// Package engine runs one crawl of a dealer site: discovery over the listing
// pages, concurrent detail extraction, normalization and reconciliation into
// the catalog.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/IshaanNene/forecourt/internal/config"
	"github.com/IshaanNene/forecourt/internal/dealer"
	"github.com/IshaanNene/forecourt/internal/fetcher"
	"github.com/IshaanNene/forecourt/internal/observability"
	"github.com/IshaanNene/forecourt/internal/parser"
	"github.com/IshaanNene/forecourt/internal/pipeline"
	"github.com/IshaanNene/forecourt/internal/reconcile"
	"github.com/IshaanNene/forecourt/internal/storage"
	"github.com/IshaanNene/forecourt/internal/types"
)

// ErrRunInProgress is returned when a dealer already has a run in flight.
var ErrRunInProgress = errors.New("a crawl for this dealer is already running")

// Option configures a Crawler.
type Option func(*Crawler)

// WithMetrics records run counters on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Crawler) { c.metrics = m }
}

// WithClock overrides the time source for run and catalog timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Crawler) { c.now = now }
}

// ChangeNotifier receives the catalog changes of a finished run.
type ChangeNotifier interface {
	NotifyChanges(ctx context.Context, dealerID, runID string, changes []reconcile.Change)
}

// WithNotifier forwards each run's catalog changes to n.
func WithNotifier(n ChangeNotifier) Option {
	return func(c *Crawler) { c.notifier = n }
}

// Crawler orchestrates crawl runs. It is safe for concurrent use; runs for
// the same dealer are serialized by rejecting the second one.
type Crawler struct {
	cfg      *config.Config
	dealers  dealer.Provider
	fetcher  fetcher.Fetcher
	store    storage.Catalog
	robots   *RobotsManager
	metrics  *observability.Metrics
	notifier ChangeNotifier
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

// New creates a Crawler.
func New(cfg *config.Config, dealers dealer.Provider, f fetcher.Fetcher, store storage.Catalog, logger *slog.Logger, opts ...Option) *Crawler {
	logger = logger.With("component", "engine")
	c := &Crawler{
		cfg:     cfg,
		dealers: dealers,
		fetcher: f,
		store:   store,
		robots:  NewRobotsManager(cfg.Crawler.RespectRobotsTxt, "forecourt", f, logger),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
		running: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run looks up dealerID and crawls it. Configuration problems are returned
// as *types.ConfigurationError with a nil summary.
func (c *Crawler) Run(ctx context.Context, dealerID string) (*Summary, error) {
	d, err := c.dealers.Get(ctx, dealerID)
	if err != nil {
		c.countFailedRun()
		return nil, err
	}
	return c.RunDealer(ctx, d)
}

// RunDealer crawls d. The returned summary is non-nil whenever the run got
// past configuration, including when the error reports a systemic store
// failure.
func (c *Crawler) RunDealer(ctx context.Context, d *types.DealerConfig) (*Summary, error) {
	if err := d.Validate(); err != nil {
		c.countFailedRun()
		return nil, err
	}
	discoverer, err := parser.NewLinkDiscoverer(c.cfg.Discovery, d, c.logger)
	if err != nil {
		c.countFailedRun()
		return nil, &types.ConfigurationError{DealerID: d.ID, Field: "detail_pattern", Err: err}
	}
	extractor, err := parser.NewExtractor(c.cfg.Extraction, d.Rules, c.logger)
	if err != nil {
		c.countFailedRun()
		return nil, &types.ConfigurationError{DealerID: d.ID, Field: "rules", Err: err}
	}

	if !c.acquire(d.ID) {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, d.ID)
	}
	defer c.release(d.ID)

	r := &run{
		Crawler:    c,
		dealer:     d,
		discoverer: discoverer,
		extractor:  extractor,
		summary:    newSummary(uuid.New(), d.ID, c.now()),
		logger:     c.logger.With("dealer", d.ID),
	}
	if c.metrics != nil {
		c.metrics.RunsTotal.Add(1)
	}
	return r.execute(ctx)
}

func (c *Crawler) acquire(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.running[id]; busy {
		return false
	}
	c.running[id] = struct{}{}
	return true
}

func (c *Crawler) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, id)
}

func (c *Crawler) countFailedRun() {
	if c.metrics != nil {
		c.metrics.RunsFailed.Add(1)
	}
}

// run is the state of a single crawl.
type run struct {
	*Crawler
	dealer     *types.DealerConfig
	discoverer *parser.LinkDiscoverer
	extractor  *parser.Extractor
	summary    *Summary
	logger     *slog.Logger

	// listingFailures counts listing pages that could not be read; a run
	// with any is not complete enough to mark absent entries stale.
	listingFailures int

	mu sync.Mutex // guards summary counters during the detail stage
}

func (r *run) execute(ctx context.Context) (*Summary, error) {
	s := r.summary
	r.logger.Info("crawl starting",
		"run_id", s.RunID,
		"site", r.dealer.SiteBaseURL,
		"listing_paths", len(r.dealer.ListingPaths),
		"concurrency", r.cfg.Crawler.Concurrency,
	)

	runCtx := ctx
	if r.cfg.Crawler.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Crawler.RunTimeout)
		defer cancel()
	}

	candidates := r.discover(runCtx)
	records := r.extractAll(runCtx, candidates)

	if runCtx.Err() != nil {
		s.Partial = true
		if r.metrics != nil {
			r.metrics.RunsPartial.Add(1)
		}
		r.logger.Warn("run deadline reached, reconciling partial results",
			"extracted", s.Extracted, "abandoned", s.Abandoned)
	}
	if s.Discovered > 0 && s.Extracted == 0 {
		r.logger.Warn("no records extracted from discovered pages; detail markup may not match the extraction heuristics",
			"discovered", s.Discovered, "dropped", s.Dropped)
	}

	normalized, stats := pipeline.NewDefault(r.cfg.Extraction, r.logger).Normalize(records)
	s.Dropped += stats.Dropped + stats.Failed
	s.Duplicates = stats.Duplicates
	if r.metrics != nil {
		r.metrics.RecordsDropped.Add(int64(stats.Dropped + stats.Failed))
	}

	// Reconciliation outlives the run deadline so that extracted work is kept.
	storeCtx := context.WithoutCancel(ctx)
	if r.cfg.Store.Timeout > 0 {
		var cancel context.CancelFunc
		storeCtx, cancel = context.WithTimeout(storeCtx, r.cfg.Store.Timeout)
		defer cancel()
	}

	rec := reconcile.New(r.store, r.cfg.Store.BatchSize, r.logger,
		reconcile.WithMetrics(r.metrics), reconcile.WithClock(r.now))
	res, err := rec.Reconcile(storeCtx, r.dealer.ID, normalized)
	s.Inserted, s.Updated, s.Unchanged = res.Inserted, res.Updated, res.Unchanged
	s.Upserted = res.Upserted()
	s.StoreFailures = res.Failed
	s.Errors += res.Failed
	if err != nil {
		s.finish(r.now())
		r.countFailedRun()
		r.logger.Error("crawl aborted by store failure", "run_id", s.RunID, "error", err)
		return s, err
	}

	if r.notifier != nil && len(res.Changes) > 0 {
		r.notifier.NotifyChanges(storeCtx, r.dealer.ID, s.RunID.String(), res.Changes)
	}

	if r.cfg.Crawler.MarkStale && !s.Partial && r.listingFailures == 0 && s.StoreFailures == 0 {
		n, err := rec.MarkStale(storeCtx, r.dealer.ID, s.StartedAt)
		if err != nil {
			r.logger.Error("mark stale failed", "error", err)
			s.Errors++
		}
		s.Stale = n
	}

	s.finish(r.now())
	r.logger.Info("crawl finished",
		"run_id", s.RunID,
		"discovered", s.Discovered,
		"fetched", s.Fetched,
		"extracted", s.Extracted,
		"dropped", s.Dropped,
		"upserted", s.Upserted,
		"errors", s.Errors,
		"partial", s.Partial,
		"duration", s.Duration,
	)
	return s, nil
}

// discover walks the listing paths in configured order and returns the
// union of their candidates, first occurrence kept.
func (r *run) discover(ctx context.Context) []types.CandidateURL {
	seen := make(map[string]struct{})
	var out []types.CandidateURL

	for _, path := range r.dealer.ListingPaths {
		if ctx.Err() != nil {
			break
		}
		listingURL, err := r.dealer.ListingURL(path)
		if err != nil {
			r.logger.Warn("bad listing path", "path", path, "error", err)
			r.summary.Errors++
			r.listingFailures++
			continue
		}
		page, err := r.fetchPage(ctx, listingURL, types.TagListing, path)
		if err != nil {
			r.listingFailures++
			continue
		}
		if r.metrics != nil {
			r.metrics.ListingPages.Add(1)
		}

		for _, c := range r.discoverer.Discover(page, page.URL, path) {
			if _, dup := seen[c.URL]; dup {
				continue
			}
			seen[c.URL] = struct{}{}
			if !r.robots.IsAllowed(ctx, c.URL) {
				r.summary.Disallowed++
				r.logger.Debug("candidate disallowed by robots.txt", "url", c.URL)
				continue
			}
			out = append(out, c)
		}
	}

	r.summary.Discovered = len(out)
	if r.metrics != nil {
		r.metrics.Discovered.Add(int64(len(out)))
	}
	if delay := r.robots.CrawlDelay(originOf(r.dealer.SiteBaseURL)); delay > r.cfg.Crawler.PolitenessDelay {
		r.logger.Warn("robots.txt crawl-delay exceeds politeness delay",
			"crawl_delay", delay, "politeness_delay", r.cfg.Crawler.PolitenessDelay)
	}
	r.logger.Info("discovery complete", "candidates", len(out), "disallowed", r.summary.Disallowed)
	return out
}

// extractAll fetches and extracts candidates with bounded concurrency. The
// result keeps candidate order; failed slots are nil.
func (r *run) extractAll(ctx context.Context, candidates []types.CandidateURL) []*types.VehicleRecord {
	records := make([]*types.VehicleRecord, len(candidates))

	var g errgroup.Group
	g.SetLimit(max(r.cfg.Crawler.Concurrency, 1))

	for i, c := range candidates {
		if ctx.Err() != nil {
			r.mu.Lock()
			r.summary.Abandoned += len(candidates) - i
			r.mu.Unlock()
			break
		}
		g.Go(func() error {
			if r.metrics != nil {
				r.metrics.ActiveWorkers.Add(1)
				defer r.metrics.ActiveWorkers.Add(-1)
			}
			records[i] = r.extractOne(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	return records
}

func (r *run) extractOne(ctx context.Context, c types.CandidateURL) *types.VehicleRecord {
	page, err := r.fetchPage(ctx, c.URL, types.TagDetail, c.ListingPath)
	if err != nil {
		return nil
	}

	rec, err := r.extractor.Extract(page, r.dealer.ID, c.URL)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.summary.Dropped++
		if r.metrics != nil {
			r.metrics.RecordsDropped.Add(1)
		}
		r.logger.Debug("candidate dropped", "url", c.URL, "error", err)
		return nil
	}
	r.summary.Extracted++
	if r.metrics != nil {
		r.metrics.RecordsExtracted.Add(1)
	}
	rec.ListingPath = c.ListingPath
	return rec
}

// fetchPage fetches and parses one page, recording failures on the summary.
// Failures caused by the run deadline count as abandoned, not as errors.
func (r *run) fetchPage(ctx context.Context, rawURL, tag, listingPath string) (*parser.Page, error) {
	req, err := types.NewRequest(rawURL)
	if err != nil {
		r.recordError(rawURL, "", err)
		return nil, err
	}
	req.Tag = tag
	req.DealerID = r.dealer.ID
	req.ListingPath = listingPath

	resp, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			r.mu.Lock()
			r.summary.Abandoned++
			r.mu.Unlock()
			return nil, err
		}
		var fe *types.FetchError
		kind := ""
		if errors.As(err, &fe) {
			kind = string(fe.Kind)
		}
		r.recordError(rawURL, kind, err)
		return nil, err
	}

	r.mu.Lock()
	if tag == types.TagDetail {
		r.summary.Fetched++
	}
	r.mu.Unlock()

	page, err := parser.NewPage(resp)
	if err != nil {
		r.recordError(rawURL, "parse", err)
		return nil, err
	}
	return page, nil
}

func (r *run) recordError(rawURL, kind string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Errors++
	if kind != "" {
		r.summary.FetchErrors[kind]++
	}
	if errors.Is(err, types.ErrNotFound) {
		r.logger.Info("page absent", "url", rawURL)
		return
	}
	r.logger.Warn("page failed", "url", rawURL, "kind", kind, "error", err)
}
