package main

import (
	"context"
	"io"
	"log/slog"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/IshaanNene/forecourt/internal/api"
	"github.com/IshaanNene/forecourt/internal/storage"
)

var (
	exportFormat string
	exportOutput string
	exportStale  bool
)

// exportCmd creates the "export" subcommand.
func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <dealer>",
		Short: "Export a dealer's whole catalog",
		Long:  "Write every catalog entry of a dealer, cheapest first, as JSON, JSONL or CSV.",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}

	addStoreFlags(cmd)
	cmd.Flags().StringVarP(&exportFormat, "format", "f", "jsonl", "output format: json, jsonl, csv")
	cmd.Flags().StringVarP(&exportOutput, "output", "o", "-", "output file, - for stdout")
	cmd.Flags().BoolVar(&exportStale, "include-stale", false, "include vehicles no longer listed")
	return cmd
}

func runExport(cmd *cobra.Command, args []string) error {
	v := url.Values{"dealer": {args[0]}}
	if exportStale {
		v.Set("include_stale", "true")
	}
	q, err := api.ParseQuery(v)
	if err != nil {
		return err
	}
	q.Unbounded = true
	q = q.Normalize()

	return withStore(cmd, func(ctx context.Context, store storage.Catalog, logger *slog.Logger) error {
		entries, err := store.Query(ctx, q)
		if err != nil {
			return err
		}

		var w io.Writer = cmd.OutOrStdout()
		if exportOutput != "-" && exportOutput != "" {
			f, err := storage.CreateOutputFile(exportOutput)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		if err := export(w, exportFormat, entries, logger); err != nil {
			return err
		}
		logger.Info("catalog exported", "dealer", q.DealerID, "entries", len(entries), "format", exportFormat, "output", exportOutput)
		return nil
	})
}
