// Package api exposes the crawl trigger and the inventory read interface
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/IshaanNene/forecourt/internal/config"
	"github.com/IshaanNene/forecourt/internal/dealer"
	"github.com/IshaanNene/forecourt/internal/engine"
	"github.com/IshaanNene/forecourt/internal/storage"
	"github.com/IshaanNene/forecourt/internal/types"
)

// Runner starts a crawl for one dealer.
type Runner interface {
	Run(ctx context.Context, dealerID string) (*engine.Summary, error)
}

// Server serves the crawl trigger, the inventory query and health/metrics.
type Server struct {
	cfg     config.APIConfig
	runner  Runner
	store   storage.Catalog
	metrics http.Handler
	logger  *slog.Logger

	mux *http.ServeMux
	srv *http.Server
}

// NewServer creates a Server. metrics may be nil.
func NewServer(cfg config.APIConfig, runner Runner, store storage.Catalog, metrics http.Handler, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		runner:  runner,
		store:   store,
		metrics: metrics,
		logger:  logger.With("component", "api_server"),
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.Handle("POST /api/crawl", RequireToken(s.cfg.Token)(http.HandlerFunc(s.handleCrawl)))
	s.mux.HandleFunc("GET /api/inventory", s.handleInventory)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

// Handler returns the instrumented handler.
func (s *Server) Handler() http.Handler {
	return Chain(s.mux,
		OTel("forecourt"),
		RequestLogger(s.logger),
		Recover(s.logger),
	)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", "addr", s.cfg.Addr, "auth", s.cfg.Token != "")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

type errorBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type crawlResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	*engine.Summary
}

type inventoryResponse struct {
	OK      bool                  `json:"ok"`
	Count   int                   `json:"count"`
	Results []*types.CatalogEntry `json:"results"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": config.Version,
		"store":   s.store.Name(),
	})
}

// handleCrawl runs a crawl synchronously and returns its summary. The run
// is detached from the client connection; its own deadline bounds it.
func (s *Server) handleCrawl(w http.ResponseWriter, r *http.Request) {
	id := dealer.NormalizeID(r.URL.Query().Get("dealer"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "dealer parameter is required"})
		return
	}

	summary, err := s.runner.Run(context.WithoutCancel(r.Context()), id)
	if err != nil {
		status := crawlStatus(err)
		s.logger.Warn("crawl request failed", "dealer", id, "status", status, "error", err)
		writeJSON(w, status, crawlResponse{Error: err.Error(), Summary: summary})
		return
	}
	writeJSON(w, http.StatusOK, crawlResponse{OK: true, Summary: summary})
}

// crawlStatus maps a run error to an HTTP status, keeping "could not run"
// distinct from "ran with errors".
func crawlStatus(err error) int {
	var ce *types.ConfigurationError
	var se *types.StoreError
	switch {
	case errors.Is(err, types.ErrDealerNotFound):
		return http.StatusNotFound
	case errors.As(err, &ce):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrRunInProgress):
		return http.StatusConflict
	case errors.As(err, &se):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	q, err := ParseQuery(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	entries, err := s.store.Query(r.Context(), q)
	if err != nil {
		s.logger.Error("inventory query failed", "dealer", q.DealerID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "query failed"})
		return
	}
	if entries == nil {
		entries = []*types.CatalogEntry{}
	}
	writeJSON(w, http.StatusOK, inventoryResponse{OK: true, Count: len(entries), Results: entries})
}

// ParseQuery reads inventory filters from URL parameters:
//
//	dealer         required dealer id
//	q              whitespace-separated title terms
//	max_price      price ceiling in whole pounds
//	fuel, transmission, colour, ...   attribute substrings
//	attr.<name>    any other attribute substring
//	ulez           true or false
//	include_stale  true to include entries no longer listed
//	limit          result count, default 24, at most 50
func ParseQuery(v url.Values) (storage.Query, error) {
	q := storage.Query{
		DealerID:      dealer.NormalizeID(v.Get("dealer")),
		TitleContains: strings.Fields(v.Get("q")),
		Attributes:    make(map[string]string),
	}
	if q.DealerID == "" {
		return q, errors.New("dealer parameter is required")
	}

	if raw := v.Get("max_price"); raw != "" {
		p, err := strconv.ParseInt(strings.NewReplacer(",", "", "£", "").Replace(raw), 10, 64)
		if err != nil || p < 0 {
			return q, fmt.Errorf("invalid max_price %q", raw)
		}
		q.MaxPrice = &p
	}
	if raw := v.Get("ulez"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return q, fmt.Errorf("invalid ulez %q", raw)
		}
		q.ULEZ = &b
	}
	if raw := v.Get("include_stale"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return q, fmt.Errorf("invalid include_stale %q", raw)
		}
		q.IncludeStale = b
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, fmt.Errorf("invalid limit %q", raw)
		}
		q.Limit = n
	}

	for _, name := range []string{types.AttrFuel, types.AttrTransmission, "colour", "body"} {
		if val := v.Get(name); val != "" {
			q.Attributes[name] = val
		}
	}
	for key, vals := range v {
		if name, ok := strings.CutPrefix(key, "attr."); ok && name != "" && len(vals) > 0 {
			q.Attributes[name] = vals[0]
		}
	}

	return q.Normalize(), nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
