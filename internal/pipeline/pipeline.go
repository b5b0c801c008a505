package pipeline

import (
	"log/slog"

	"github.com/IshaanNene/forecourt/internal/config"
	"github.com/IshaanNene/forecourt/internal/types"
)

// Middleware processes a record and returns the (possibly modified) record.
// Return nil to drop the record from the pipeline.
type Middleware interface {
	// Name returns the middleware's identifier.
	Name() string

	// Process transforms a record. Return nil to drop the record.
	Process(rec *types.VehicleRecord) (*types.VehicleRecord, error)
}

// Pipeline chains middleware processors together.
type Pipeline struct {
	middlewares []Middleware
	logger      *slog.Logger
}

// New creates a new Pipeline.
func New(logger *slog.Logger) *Pipeline {
	return &Pipeline{
		logger: logger.With("component", "pipeline"),
	}
}

// NewDefault creates the normalization pipeline used by crawl runs.
func NewDefault(cfg config.ExtractionConfig, logger *slog.Logger) *Pipeline {
	p := New(logger)
	p.Use(&CanonicalURLMiddleware{})
	p.Use(NewSanitizeMiddleware())
	p.Use(&VocabularyMiddleware{})
	p.Use(&PlausibilityMiddleware{
		MinPrice:   cfg.MinPrice,
		MaxPrice:   cfg.MaxPrice,
		MaxMileage: cfg.MaxMileage,
	})
	p.Use(&RequiredDataMiddleware{})
	return p
}

// Use adds a middleware to the pipeline chain.
func (p *Pipeline) Use(mw Middleware) {
	p.middlewares = append(p.middlewares, mw)
	p.logger.Debug("middleware added", "name", mw.Name(), "position", len(p.middlewares))
}

// Process runs the record through all middleware in order.
func (p *Pipeline) Process(rec *types.VehicleRecord) (*types.VehicleRecord, error) {
	current := rec

	for _, mw := range p.middlewares {
		result, err := mw.Process(current)
		if err != nil {
			return nil, &types.PipelineError{
				Stage:  mw.Name(),
				Record: current,
				Err:    err,
			}
		}
		if result == nil {
			p.logger.Debug("record dropped", "stage", mw.Name(), "url", rec.CanonicalURL)
			return nil, nil
		}
		current = result
	}

	return current, nil
}

// Stats counts what Normalize removed.
type Stats struct {
	Dropped    int
	Failed     int
	Duplicates int
}

// Normalize runs every record through the chain and collapses duplicates by
// canonical URL. When a URL occurs twice the later record wins and takes the
// slot of the first occurrence, so output order follows input order.
func (p *Pipeline) Normalize(records []*types.VehicleRecord) ([]*types.VehicleRecord, Stats) {
	var stats Stats
	out := make([]*types.VehicleRecord, 0, len(records))
	slot := make(map[string]int, len(records))

	for _, rec := range records {
		if rec == nil {
			continue
		}
		result, err := p.Process(rec)
		if err != nil {
			stats.Failed++
			p.logger.Warn("record rejected", "url", rec.CanonicalURL, "error", err)
			continue
		}
		if result == nil {
			stats.Dropped++
			continue
		}

		key := result.DealerID + "\x00" + result.CanonicalURL
		if i, dup := slot[key]; dup {
			stats.Duplicates++
			p.logger.Debug("duplicate record replaced", "url", result.CanonicalURL)
			out[i] = result
			continue
		}
		slot[key] = len(out)
		out = append(out, result)
	}

	return out, stats
}
