package observability

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics tracks operational counters for crawl runs.
type Metrics struct {
	// Request metrics
	RequestsTotal   atomic.Int64
	RequestsFailed  atomic.Int64
	RequestsRetried atomic.Int64
	Responses4xx    atomic.Int64
	Responses5xx    atomic.Int64
	BytesDownloaded atomic.Int64

	// Run metrics
	RunsTotal    atomic.Int64
	RunsFailed   atomic.Int64
	RunsPartial  atomic.Int64
	ListingPages atomic.Int64
	Discovered   atomic.Int64

	// Record metrics
	RecordsExtracted atomic.Int64
	RecordsDropped   atomic.Int64
	RecordsInserted  atomic.Int64
	RecordsUpdated   atomic.Int64
	RecordsUnchanged atomic.Int64
	RecordsStale     atomic.Int64
	BatchesFailed    atomic.Int64

	ActiveWorkers atomic.Int32

	logger *slog.Logger
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(logger *slog.Logger) *Metrics {
	return &Metrics{
		logger: logger.With("component", "metrics"),
	}
}

// ServeHTTP serves metrics in Prometheus text exposition format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	metrics := []struct {
		name  string
		help  string
		kind  string
		value int64
	}{
		{"forecourt_requests_total", "Total HTTP attempts made", "counter", m.RequestsTotal.Load()},
		{"forecourt_requests_failed_total", "Total fetches that failed after retries", "counter", m.RequestsFailed.Load()},
		{"forecourt_requests_retried_total", "Total retried attempts", "counter", m.RequestsRetried.Load()},
		{"forecourt_responses_4xx_total", "Total 4xx responses", "counter", m.Responses4xx.Load()},
		{"forecourt_responses_5xx_total", "Total 5xx responses", "counter", m.Responses5xx.Load()},
		{"forecourt_bytes_downloaded_total", "Total bytes downloaded", "counter", m.BytesDownloaded.Load()},
		{"forecourt_runs_total", "Total crawl runs started", "counter", m.RunsTotal.Load()},
		{"forecourt_runs_failed_total", "Total crawl runs aborted", "counter", m.RunsFailed.Load()},
		{"forecourt_runs_partial_total", "Total crawl runs cut short by the run deadline", "counter", m.RunsPartial.Load()},
		{"forecourt_listing_pages_total", "Total listing pages fetched", "counter", m.ListingPages.Load()},
		{"forecourt_candidates_discovered_total", "Total candidate detail URLs discovered", "counter", m.Discovered.Load()},
		{"forecourt_records_extracted_total", "Total vehicle records extracted", "counter", m.RecordsExtracted.Load()},
		{"forecourt_records_dropped_total", "Total candidates dropped without a record", "counter", m.RecordsDropped.Load()},
		{"forecourt_records_inserted_total", "Total catalog inserts", "counter", m.RecordsInserted.Load()},
		{"forecourt_records_updated_total", "Total catalog updates", "counter", m.RecordsUpdated.Load()},
		{"forecourt_records_unchanged_total", "Total catalog entries seen unchanged", "counter", m.RecordsUnchanged.Load()},
		{"forecourt_records_stale_total", "Total catalog entries marked stale", "counter", m.RecordsStale.Load()},
		{"forecourt_store_batches_failed_total", "Total store batches that failed after retry", "counter", m.BatchesFailed.Load()},
		{"forecourt_active_workers", "Currently active detail workers", "gauge", int64(m.ActiveWorkers.Load())},
	}

	for _, metric := range metrics {
		fmt.Fprintf(w, "# HELP %s %s\n", metric.name, metric.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", metric.name, metric.kind)
		fmt.Fprintf(w, "%s %d\n", metric.name, metric.value)
	}
}

// StartServer starts the metrics HTTP server in the background.
func (m *Metrics) StartServer(port int, path string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, m)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.logger.Info("metrics server starting", "addr", srv.Addr, "path", path)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics server error", "error", err)
		}
	}()

	return srv
}

// Snapshot returns all metrics as a map.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"requests_total":    m.RequestsTotal.Load(),
		"requests_failed":   m.RequestsFailed.Load(),
		"requests_retried":  m.RequestsRetried.Load(),
		"bytes_downloaded":  m.BytesDownloaded.Load(),
		"runs_total":        m.RunsTotal.Load(),
		"runs_failed":       m.RunsFailed.Load(),
		"runs_partial":      m.RunsPartial.Load(),
		"listing_pages":     m.ListingPages.Load(),
		"discovered":        m.Discovered.Load(),
		"records_extracted": m.RecordsExtracted.Load(),
		"records_dropped":   m.RecordsDropped.Load(),
		"records_inserted":  m.RecordsInserted.Load(),
		"records_updated":   m.RecordsUpdated.Load(),
		"records_unchanged": m.RecordsUnchanged.Load(),
		"records_stale":     m.RecordsStale.Load(),
		"batches_failed":    m.BatchesFailed.Load(),
		"active_workers":    int64(m.ActiveWorkers.Load()),
	}
}
