package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/IshaanNene/forecourt/internal/types"
)

// Exporter renders catalog entries to an output stream.
type Exporter interface {
	// Write renders a batch of entries.
	Write(entries []*types.CatalogEntry) error

	// Close flushes pending output. It does not close the underlying writer.
	Close() error

	// Name returns the export format.
	Name() string
}

// --- JSON Export ---

// JSONExporter writes entries as a single JSON array.
type JSONExporter struct {
	w       io.Writer
	entries []*types.CatalogEntry
	mu      sync.Mutex
	logger  *slog.Logger
}

// NewJSONExporter creates a JSON array exporter. Output is written on Close.
func NewJSONExporter(w io.Writer, logger *slog.Logger) *JSONExporter {
	return &JSONExporter{
		w:       w,
		entries: make([]*types.CatalogEntry, 0),
		logger:  logger.With("component", "json_export"),
	}
}

func (e *JSONExporter) Name() string { return "json" }

func (e *JSONExporter) Write(entries []*types.CatalogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entries...)
	return nil
}

func (e *JSONExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	enc := json.NewEncoder(e.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(e.entries); err != nil {
		return fmt.Errorf("encode JSON: %w", err)
	}

	e.logger.Debug("JSON written", "entries", len(e.entries))
	return nil
}

// --- JSONL Export ---

// JSONLExporter writes one JSON object per line as entries arrive.
type JSONLExporter struct {
	enc    *json.Encoder
	mu     sync.Mutex
	count  int
	logger *slog.Logger
}

// NewJSONLExporter creates a streaming JSONL exporter.
func NewJSONLExporter(w io.Writer, logger *slog.Logger) *JSONLExporter {
	return &JSONLExporter{
		enc:    json.NewEncoder(w),
		logger: logger.With("component", "jsonl_export"),
	}
}

func (e *JSONLExporter) Name() string { return "jsonl" }

func (e *JSONLExporter) Write(entries []*types.CatalogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, entry := range entries {
		if err := e.enc.Encode(entry); err != nil {
			return fmt.Errorf("encode JSONL: %w", err)
		}
		e.count++
	}
	return nil
}

func (e *JSONLExporter) Close() error {
	e.logger.Debug("JSONL written", "entries", e.count)
	return nil
}

// --- CSV Export ---

// CSVExporter writes entries as CSV rows. Fixed columns come first, then
// attribute columns in sorted order, taken from the first batch.
type CSVExporter struct {
	writer  *csv.Writer
	headers []string
	mu      sync.Mutex
	count   int
	logger  *slog.Logger
}

var csvFixedColumns = []string{"dealer_id", "url", "title", "price", "first_seen", "last_seen", "stale"}

// NewCSVExporter creates a CSV exporter.
func NewCSVExporter(w io.Writer, logger *slog.Logger) *CSVExporter {
	return &CSVExporter{
		writer: csv.NewWriter(w),
		logger: logger.With("component", "csv_export"),
	}
}

func (e *CSVExporter) Name() string { return "csv" }

func (e *CSVExporter) Write(entries []*types.CatalogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.headers == nil {
		e.headers = csvHeaders(entries)
		if err := e.writer.Write(e.headers); err != nil {
			return fmt.Errorf("write CSV header: %w", err)
		}
	}

	for _, entry := range entries {
		flat := entry.ToFlatMap()
		row := make([]string, len(e.headers))
		for i, h := range e.headers {
			row[i] = flat[h]
		}
		if err := e.writer.Write(row); err != nil {
			return fmt.Errorf("write CSV row: %w", err)
		}
		e.count++
	}

	e.writer.Flush()
	return e.writer.Error()
}

func (e *CSVExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.headers == nil {
		e.headers = csvHeaders(nil)
		if err := e.writer.Write(e.headers); err != nil {
			return fmt.Errorf("write CSV header: %w", err)
		}
	}
	e.writer.Flush()
	e.logger.Debug("CSV written", "entries", e.count)
	return e.writer.Error()
}

func csvHeaders(entries []*types.CatalogEntry) []string {
	fixed := make(map[string]bool, len(csvFixedColumns))
	for _, c := range csvFixedColumns {
		fixed[c] = true
	}
	attrs := make(map[string]bool)
	for _, entry := range entries {
		for k := range entry.Attributes {
			if !fixed[k] {
				attrs[k] = true
			}
		}
	}
	extra := make([]string, 0, len(attrs))
	for k := range attrs {
		extra = append(extra, k)
	}
	sort.Strings(extra)
	return append(append([]string{}, csvFixedColumns...), extra...)
}

// NewExporter creates the exporter for format writing to w.
func NewExporter(format string, w io.Writer, logger *slog.Logger) (Exporter, error) {
	switch format {
	case "json":
		return NewJSONExporter(w, logger), nil
	case "jsonl":
		return NewJSONLExporter(w, logger), nil
	case "csv":
		return NewCSVExporter(w, logger), nil
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

// CreateOutputFile creates path and any missing parent directories.
func CreateOutputFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return f, nil
}
