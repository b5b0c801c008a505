package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/IshaanNene/forecourt/internal/config"
	"github.com/IshaanNene/forecourt/internal/dealer"
	"github.com/IshaanNene/forecourt/internal/engine"
	"github.com/IshaanNene/forecourt/internal/fetcher"
	"github.com/IshaanNene/forecourt/internal/monitor"
	"github.com/IshaanNene/forecourt/internal/observability"
	"github.com/IshaanNene/forecourt/internal/storage"
)

// Flag values shared by the subcommands. Only flags the user set override
// the loaded configuration.
var (
	concurrency int
	runTimeout  time.Duration
	delay       time.Duration
	userAgent   string
	maxRetries  int
	noRobots    bool
	markStale   bool
	storeType   string
	storePath   string
	dealersFile string
	apiAddr     string
	every       time.Duration
)

// applyCLIOverrides applies command-line flag values to the config.
func applyCLIOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("concurrency") {
		cfg.Crawler.Concurrency = concurrency
	}
	if flags.Changed("timeout") {
		cfg.Crawler.RunTimeout = runTimeout
	}
	if flags.Changed("delay") {
		cfg.Crawler.PolitenessDelay = delay
	}
	if flags.Changed("user-agent") && userAgent != "" {
		cfg.Crawler.UserAgent = userAgent
	}
	if flags.Changed("max-retries") {
		cfg.Crawler.MaxRetries = maxRetries
	}
	if flags.Changed("no-robots") {
		cfg.Crawler.RespectRobotsTxt = !noRobots
	}
	if flags.Changed("mark-stale") {
		cfg.Crawler.MarkStale = markStale
	}
	if flags.Changed("store") {
		cfg.Store.Type = strings.ToLower(storeType)
	}
	if flags.Changed("store-path") {
		cfg.Store.Path = storePath
	}
	if flags.Changed("dealers") {
		cfg.Dealers.Source = "file"
		cfg.Dealers.Path = dealersFile
	}
	if flags.Changed("addr") {
		cfg.API.Addr = apiAddr
	}
	if flags.Changed("every") {
		cfg.Schedule.Interval = every
	}
}

func addCrawlFlags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&concurrency, "concurrency", "n", 0, "concurrent detail page fetches")
	cmd.Flags().DurationVar(&runTimeout, "timeout", 0, "overall deadline for one crawl run")
	cmd.Flags().DurationVar(&delay, "delay", 0, "minimum spacing between requests to the dealer host")
	cmd.Flags().StringVar(&userAgent, "user-agent", "", "custom User-Agent string")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retries per failed request")
	cmd.Flags().BoolVar(&noRobots, "no-robots", false, "ignore robots.txt")
	cmd.Flags().BoolVar(&markStale, "mark-stale", false, "flag catalog entries no longer listed after a clean run")
}

func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&storeType, "store", "", "catalog backend: sqlite, postgres, mongo, memory")
	cmd.Flags().StringVar(&storePath, "store-path", "", "SQLite catalog file")
}

func addDealerFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&dealersFile, "dealers", "", "YAML file of dealer configurations")
}

// app holds the long-lived components of a crawl-capable process.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	fetcher  *fetcher.HTTPFetcher
	store    storage.Catalog
	dealers  dealer.Provider
	notifier *monitor.Notifier
	crawler  *engine.Crawler
}

// newApp builds the fetcher, catalog, dealer provider and crawler. On error
// everything already opened is closed.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{
		cfg:     cfg,
		logger:  logger,
		metrics: observability.NewMetrics(logger),
	}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	a.fetcher, err = fetcher.NewHTTPFetcher(cfg, logger, fetcher.WithMetrics(a.metrics))
	if err != nil {
		return a, fmt.Errorf("create fetcher: %w", err)
	}
	a.store, err = storage.Open(ctx, cfg.Store, logger)
	if err != nil {
		return a, fmt.Errorf("open catalog: %w", err)
	}
	a.dealers, err = dealer.New(ctx, cfg, logger)
	if err != nil {
		return a, fmt.Errorf("dealer provider: %w", err)
	}

	a.notifier = monitor.NewNotifier(logger)
	a.notifier.AddChannel(monitor.NewLogChannel(logger))
	if cfg.Notify.WebhookURL != "" {
		a.notifier.AddChannel(monitor.NewWebhookChannel(cfg.Notify.WebhookURL, cfg.Notify.Timeout, logger))
	}

	a.crawler = engine.New(cfg, a.dealers, a.fetcher, a.store, logger,
		engine.WithMetrics(a.metrics),
		engine.WithNotifier(a.notifier),
	)
	return a, nil
}

// Close releases every component that was opened.
func (a *app) Close() error {
	var errs []error
	if a.fetcher != nil {
		errs = append(errs, a.fetcher.Close())
	}
	if a.dealers != nil {
		errs = append(errs, a.dealers.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// openStore opens only the catalog, for read-side commands.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Catalog, error) {
	store, err := storage.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return store, nil
}
