package storage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/IshaanNene/forecourt/internal/types"
)

type entryKey struct {
	dealerID string
	url      string
}

// MemoryCatalog keeps the catalog in process memory.
type MemoryCatalog struct {
	mu      sync.RWMutex
	entries map[entryKey]*types.CatalogEntry
	logger  *slog.Logger
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog(logger *slog.Logger) *MemoryCatalog {
	return &MemoryCatalog{
		entries: make(map[entryKey]*types.CatalogEntry),
		logger:  logger.With("component", "memory_store"),
	}
}

func (s *MemoryCatalog) Name() string { return "memory" }

func (s *MemoryCatalog) Existing(ctx context.Context, dealerID string, urls []string) (map[string]*types.CatalogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr(s.Name(), "existing", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*types.CatalogEntry, len(urls))
	for _, u := range urls {
		if e, ok := s.entries[entryKey{dealerID, u}]; ok {
			out[u] = cloneEntry(e)
		}
	}
	return out, nil
}

func (s *MemoryCatalog) Upsert(ctx context.Context, entries []*types.CatalogEntry) error {
	if err := ctx.Err(); err != nil {
		return storeErr(s.Name(), "upsert", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		key := entryKey{e.DealerID, e.CanonicalURL}
		stored := cloneEntry(e)
		stored.Stale = false
		if prev, ok := s.entries[key]; ok {
			stored.FirstSeen = prev.FirstSeen
		}
		s.entries[key] = stored
	}
	s.logger.Debug("entries upserted", "count", len(entries), "total", len(s.entries))
	return nil
}

func (s *MemoryCatalog) Query(ctx context.Context, q Query) ([]*types.CatalogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr(s.Name(), "query", err)
	}
	q = q.Normalize()

	s.mu.RLock()
	var out []*types.CatalogEntry
	for _, e := range s.entries {
		if q.Matches(e) {
			out = append(out, cloneEntry(e))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return priceLess(out[i], out[j]) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryCatalog) MarkStale(ctx context.Context, dealerID string, seenBefore time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, storeErr(s.Name(), "mark_stale", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, e := range s.entries {
		if key.dealerID == dealerID && !e.Stale && e.LastSeen.Before(seenBefore) {
			e.Stale = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryCatalog) Count(ctx context.Context, dealerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if dealerID == "" {
		return len(s.entries), nil
	}
	n := 0
	for key := range s.entries {
		if key.dealerID == dealerID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryCatalog) Close() error { return nil }

func cloneEntry(e *types.CatalogEntry) *types.CatalogEntry {
	c := *e
	c.VehicleRecord = *e.VehicleRecord.Clone()
	return &c
}
