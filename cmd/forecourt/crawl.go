package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/IshaanNene/forecourt/internal/engine"
)

var crawlJSON bool

// crawlCmd creates the "crawl" subcommand.
func crawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl <dealer> [dealer...]",
		Short: "Crawl dealer sites and reconcile the catalog",
		Long: `Run one crawl per dealer: fetch the listing pages, extract every vehicle
detail page and reconcile the records into the catalog. A summary is printed
per dealer. The exit status is non-zero if any run could not complete.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runCrawl,
	}

	addCrawlFlags(cmd)
	addStoreFlags(cmd)
	addDealerFlags(cmd)
	cmd.Flags().BoolVar(&crawlJSON, "json", false, "print summaries as JSON")
	return cmd
}

// runCrawl executes the crawl command.
func runCrawl(cmd *cobra.Command, args []string) error {
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

	out := cmd.OutOrStdout()
	var errs []error
	for _, id := range args {
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, ctx.Err()))
			break
		}
		logger.Info("starting crawl", "dealer", id, "concurrency", cfg.Crawler.Concurrency, "store", a.store.Name())

		summary, err := a.crawler.Run(ctx, id)
		if summary != nil {
			if perr := printSummary(out, summary); perr != nil {
				return perr
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func printSummary(w io.Writer, s *engine.Summary) error {
	if crawlJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	fmt.Fprintf(w, "\nCrawl of %s finished in %s (run %s)\n", s.DealerID, s.Duration.Round(time.Millisecond), s.RunID)
	fmt.Fprintf(w, "   Discovered:  %d (%d disallowed by robots.txt)\n", s.Discovered, s.Disallowed)
	fmt.Fprintf(w, "   Extracted:   %d of %d fetched, %d dropped, %d duplicates\n", s.Extracted, s.Fetched, s.Dropped, s.Duplicates)
	fmt.Fprintf(w, "   Catalog:     %d upserted (%d new, %d updated, %d unchanged), %d stale\n",
		s.Upserted, s.Inserted, s.Updated, s.Unchanged, s.Stale)
	fmt.Fprintf(w, "   Errors:      %d%s\n", s.Errors, fetchErrorBreakdown(s.FetchErrors))
	if s.Partial {
		fmt.Fprintf(w, "   Partial:     run deadline reached, %d pages abandoned\n", s.Abandoned)
	}

	if s.Degraded() {
		fmt.Fprintln(w, "\nNo vehicles were extracted although listing pages linked to candidates.")
		fmt.Fprintln(w, "   The site's markup may have changed. Check the dealer's rules with -v")
		fmt.Fprintln(w, "   to see why each page was dropped.")
	}
	return nil
}

func fetchErrorBreakdown(byKind map[string]int) string {
	if len(byKind) == 0 {
		return ""
	}
	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	s := " ("
	for i, k := range kinds {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s: %d", k, byKind[k])
	}
	return s + ")"
}
