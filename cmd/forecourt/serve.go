package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/IshaanNene/forecourt/internal/api"
	"github.com/IshaanNene/forecourt/internal/monitor"
)

// serveCmd creates the "serve" subcommand.
func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the crawl trigger and inventory API",
		Long: `Serve POST /api/crawl?dealer=<id>, GET /api/inventory, GET /api/health
and GET /metrics. With --every (or schedule.interval) the configured dealers
are also re-crawled periodically.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	addCrawlFlags(cmd)
	addStoreFlags(cmd)
	addDealerFlags(cmd)
	cmd.Flags().StringVar(&apiAddr, "addr", "", "listen address (default from api.addr)")
	cmd.Flags().DurationVar(&every, "every", 0, "re-crawl every dealer at this interval (0 disables)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, logCloser, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Metrics.Enabled {
		srv := a.metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path)
		defer srv.Shutdown(context.Background())
	}

	if cfg.Schedule.Interval > 0 {
		sched, err := newSchedule(ctx, a)
		if err != nil {
			return err
		}
		scheduler := monitor.NewScheduler(logger)
		if err := scheduler.Add(sched); err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
		scheduler.Start(ctx, func(ctx context.Context, id string) error {
			_, err := a.crawler.Run(ctx, id)
			return err
		})
		defer scheduler.Stop()
	}

	server := api.NewServer(cfg.API, a.crawler, a.store, a.metrics, logger)
	return server.ListenAndServe(ctx)
}

// newSchedule covers schedule.dealers, or every dealer the provider knows.
func newSchedule(ctx context.Context, a *app) (*monitor.Schedule, error) {
	ids := a.cfg.Schedule.Dealers
	if len(ids) == 0 {
		var err error
		ids, err = a.dealers.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list dealers: %w", err)
		}
	}
	return &monitor.Schedule{
		Name:     "dealers",
		Dealers:  ids,
		Interval: a.cfg.Schedule.Interval,
	}, nil
}
