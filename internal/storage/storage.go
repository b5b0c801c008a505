package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/IshaanNene/forecourt/internal/config"
	"github.com/IshaanNene/forecourt/internal/types"
)

// Catalog is the interface for all catalog backends. Entries are keyed by
// (dealer ID, canonical URL).
type Catalog interface {
	// Existing returns the stored entries among urls for a dealer, keyed by
	// canonical URL. Missing URLs are absent from the map.
	Existing(ctx context.Context, dealerID string, urls []string) (map[string]*types.CatalogEntry, error)

	// Upsert writes a batch of entries, replacing stored ones with the same
	// key. A stored entry keeps its first_seen.
	Upsert(ctx context.Context, entries []*types.CatalogEntry) error

	// Query returns entries matching q ordered by price ascending, entries
	// without a price last.
	Query(ctx context.Context, q Query) ([]*types.CatalogEntry, error)

	// MarkStale flags a dealer's entries last seen before the given time and
	// returns how many were newly flagged. Nothing is deleted.
	MarkStale(ctx context.Context, dealerID string, seenBefore time.Time) (int, error)

	// Count returns the number of stored entries; an empty dealerID counts all.
	Count(ctx context.Context, dealerID string) (int, error)

	// Close releases resources.
	Close() error

	// Name returns the storage backend identifier.
	Name() string
}

// Query result limits.
const (
	DefaultQueryLimit = 24
	MaxQueryLimit     = 50
)

// Query filters catalog entries. Zero values impose no constraint.
type Query struct {
	DealerID string

	// MaxPrice excludes entries above it, and entries with no price.
	MaxPrice *int64

	// TitleContains terms must all appear in the title, ignoring case.
	TitleContains []string

	// Attributes maps an attribute name to a case-insensitive substring of
	// its value.
	Attributes map[string]string

	ULEZ         *bool
	IncludeStale bool
	Limit        int

	// Unbounded lifts the result limit, for bulk export.
	Unbounded bool
}

// Normalize applies the default limit and the limit ceiling and drops empty
// filter terms. An unbounded query has Limit 0.
func (q Query) Normalize() Query {
	switch {
	case q.Unbounded:
		q.Limit = 0
	case q.Limit <= 0:
		q.Limit = DefaultQueryLimit
	case q.Limit > MaxQueryLimit:
		q.Limit = MaxQueryLimit
	}

	var terms []string
	for _, t := range q.TitleContains {
		if t = strings.TrimSpace(t); t != "" {
			terms = append(terms, t)
		}
	}
	q.TitleContains = terms

	if len(q.Attributes) > 0 {
		attrs := make(map[string]string, len(q.Attributes))
		for k, v := range q.Attributes {
			k, v = strings.TrimSpace(k), strings.TrimSpace(v)
			if k != "" && v != "" {
				attrs[k] = v
			}
		}
		q.Attributes = attrs
	}
	return q
}

// Matches reports whether an entry satisfies the query's filters. Backends
// without a query language use it directly; the SQL and document backends
// express the same rules natively.
func (q Query) Matches(e *types.CatalogEntry) bool {
	if q.DealerID != "" && e.DealerID != q.DealerID {
		return false
	}
	if e.Stale && !q.IncludeStale {
		return false
	}
	if q.MaxPrice != nil && (e.Price == nil || *e.Price > *q.MaxPrice) {
		return false
	}

	title := strings.ToLower(e.Title)
	for _, term := range q.TitleContains {
		if !strings.Contains(title, strings.ToLower(term)) {
			return false
		}
	}

	for k, want := range q.Attributes {
		v, ok := e.Attributes[k]
		if !ok {
			return false
		}
		if !strings.Contains(strings.ToLower(fmt.Sprint(v)), strings.ToLower(want)) {
			return false
		}
	}

	if q.ULEZ != nil {
		v, ok := e.Attributes.Bool(types.AttrULEZCompliant)
		if !ok || v != *q.ULEZ {
			return false
		}
	}
	return true
}

// priceLess orders entries by price ascending with missing prices last, then
// by URL for a stable order.
func priceLess(a, b *types.CatalogEntry) bool {
	switch {
	case a.Price == nil && b.Price == nil:
	case a.Price == nil:
		return false
	case b.Price == nil:
		return true
	case *a.Price != *b.Price:
		return *a.Price < *b.Price
	}
	return a.CanonicalURL < b.CanonicalURL
}

// Open creates the catalog backend named by cfg.Type.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Catalog, error) {
	switch cfg.Type {
	case "sqlite", "":
		return NewSQLiteCatalog(cfg.Path, logger)
	case "postgres":
		return NewPostgresCatalog(ctx, cfg.DSN, logger)
	case "mongo", "mongodb":
		return NewMongoCatalog(ctx, cfg.DSN, cfg.Database, cfg.Collection, logger)
	case "memory":
		return NewMemoryCatalog(logger), nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}

func storeErr(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &types.StoreError{Backend: backend, Op: op, Err: err}
}
