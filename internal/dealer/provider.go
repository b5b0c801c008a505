// Package dealer resolves dealer identifiers to crawl configurations.
package dealer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/IshaanNene/forecourt/internal/config"
	"github.com/IshaanNene/forecourt/internal/types"
)

// Provider looks up dealer configurations.
type Provider interface {
	// Get returns the validated configuration for id. A missing dealer or an
	// unusable configuration yields a *types.ConfigurationError.
	Get(ctx context.Context, id string) (*types.DealerConfig, error)

	// List returns every known dealer ID in sorted order.
	List(ctx context.Context) ([]string, error)

	// Close releases resources.
	Close() error
}

// NormalizeID trims and lowercases a dealer identifier.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// New creates the provider selected by cfg.Dealers.Source.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Provider, error) {
	switch cfg.Dealers.Source {
	case "inline", "":
		return NewStaticProvider(cfg.Dealers.Inline), nil
	case "file":
		return NewFileProvider(cfg.Dealers.Path, logger)
	case "postgres":
		dsn := cfg.Dealers.DSN
		if dsn == "" {
			dsn = cfg.Store.DSN
		}
		return NewPostgresProvider(ctx, dsn, logger)
	default:
		return nil, fmt.Errorf("unsupported dealer source: %s", cfg.Dealers.Source)
	}
}

// StaticProvider serves a fixed set of dealer configurations.
type StaticProvider struct {
	dealers map[string]types.DealerConfig
}

// NewStaticProvider indexes dealers by normalized ID. Later duplicates win.
func NewStaticProvider(dealers []types.DealerConfig) *StaticProvider {
	p := &StaticProvider{dealers: make(map[string]types.DealerConfig, len(dealers))}
	for _, d := range dealers {
		d.ID = NormalizeID(d.ID)
		p.dealers[d.ID] = d
	}
	return p
}

func (p *StaticProvider) Get(ctx context.Context, id string) (*types.DealerConfig, error) {
	id = NormalizeID(id)
	d, ok := p.dealers[id]
	if !ok {
		return nil, notFound(id)
	}
	return validated(d)
}

func (p *StaticProvider) List(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(p.dealers))
	for id := range p.dealers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *StaticProvider) Close() error { return nil }

func notFound(id string) error {
	return &types.ConfigurationError{DealerID: id, Err: types.ErrDealerNotFound}
}

// validated returns a copy of d after validation, so callers may not mutate
// the provider's state.
func validated(d types.DealerConfig) (*types.DealerConfig, error) {
	d.ListingPaths = append([]string(nil), d.ListingPaths...)
	d.ExcludePaths = append([]string(nil), d.ExcludePaths...)
	d.Rules = append([]types.ExtractRule(nil), d.Rules...)
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
