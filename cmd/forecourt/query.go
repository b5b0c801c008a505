package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/IshaanNene/forecourt/internal/api"
	"github.com/IshaanNene/forecourt/internal/storage"
	"github.com/IshaanNene/forecourt/internal/types"
)

var (
	queryText   string
	queryMax    string
	queryULEZ   string
	queryAttrs  map[string]string
	queryLimit  int
	queryStale  bool
	queryFormat string
)

// queryCmd creates the "query" subcommand.
func queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <dealer>",
		Short: "Search a dealer's catalog",
		Long: `Search the catalog the same way GET /api/inventory does. Results are
ordered by price, cheapest first, vehicles without a price last.

Examples:
  forecourt query avon --max-price 20000 --attr fuel=diesel
  forecourt query avon -q "ford ranger" --ulez true --format json`,
		Args: cobra.ExactArgs(1),
		RunE: runQuery,
	}

	addStoreFlags(cmd)
	cmd.Flags().StringVarP(&queryText, "query", "q", "", "title terms, all of which must match")
	cmd.Flags().StringVar(&queryMax, "max-price", "", "price ceiling in pounds")
	cmd.Flags().StringVar(&queryULEZ, "ulez", "", "true or false")
	cmd.Flags().StringToStringVar(&queryAttrs, "attr", nil, "attribute filter name=substring (repeatable)")
	cmd.Flags().IntVarP(&queryLimit, "limit", "l", 0, "number of results (default 24, max 50)")
	cmd.Flags().BoolVar(&queryStale, "include-stale", false, "include vehicles no longer listed")
	cmd.Flags().StringVarP(&queryFormat, "format", "f", "table", "output format: table, json, jsonl, csv")
	return cmd
}

func runQuery(cmd *cobra.Command, args []string) error {
	q, err := api.ParseQuery(queryValues(args[0]))
	if err != nil {
		return err
	}
	return withStore(cmd, func(ctx context.Context, store storage.Catalog, logger *slog.Logger) error {
		entries, err := store.Query(ctx, q)
		if err != nil {
			return err
		}
		if queryFormat == "table" {
			return printTable(cmd.OutOrStdout(), entries)
		}
		return export(cmd.OutOrStdout(), queryFormat, entries, logger)
	})
}

// queryValues encodes the query flags as inventory URL parameters so that
// the CLI and the HTTP read interface share one parser.
func queryValues(dealerID string) url.Values {
	v := url.Values{}
	v.Set("dealer", dealerID)
	if queryText != "" {
		v.Set("q", queryText)
	}
	if queryMax != "" {
		v.Set("max_price", queryMax)
	}
	if queryULEZ != "" {
		v.Set("ulez", queryULEZ)
	}
	if queryLimit > 0 {
		v.Set("limit", strconv.Itoa(queryLimit))
	}
	if queryStale {
		v.Set("include_stale", "true")
	}
	for name, val := range queryAttrs {
		v.Set("attr."+strings.ToLower(name), val)
	}
	return v
}

// withStore loads the config, opens the catalog and runs fn.
func withStore(cmd *cobra.Command, fn func(context.Context, storage.Catalog, *slog.Logger) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, logCloser, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Store.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Store.Timeout)
		defer cancel()
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store, logger)
}

func printTable(w io.Writer, entries []*types.CatalogEntry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PRICE\tTITLE\tFUEL\tTRANSMISSION\tMILEAGE\tULEZ\tURL")
	for _, e := range entries {
		price := "-"
		if e.Price != nil {
			price = fmt.Sprintf("£%d", *e.Price)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			price,
			e.Title,
			attr(e, types.AttrFuel),
			attr(e, types.AttrTransmission),
			attr(e, types.AttrMileage),
			attr(e, types.AttrULEZCompliant),
			e.CanonicalURL,
		)
	}
	fmt.Fprintf(tw, "\n%d result(s)\n", len(entries))
	return tw.Flush()
}

func attr(e *types.CatalogEntry, name string) string {
	v, ok := e.Attributes[name]
	if !ok || v == nil {
		return "-"
	}
	return fmt.Sprintf("%v", v)
}

func export(w io.Writer, format string, entries []*types.CatalogEntry, logger *slog.Logger) error {
	exp, err := storage.NewExporter(format, w, logger)
	if err != nil {
		return err
	}
	if err := exp.Write(entries); err != nil {
		return err
	}
	return exp.Close()
}
