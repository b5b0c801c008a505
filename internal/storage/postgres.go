package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/IshaanNene/forecourt/internal/types"
)

// PostgresCatalog stores the catalog in a Postgres table with JSONB attributes.
type PostgresCatalog struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresCatalog connects to dsn and ensures the vehicles table exists.
func NewPostgresCatalog(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresCatalog, error) {
	pool, err := OpenPool(ctx, dsn)
	if err != nil {
		return nil, storeErr("postgres", "open", err)
	}

	s := &PostgresCatalog{
		pool:   pool,
		logger: logger.With("component", "postgres_store"),
	}
	if err := s.createTables(ctx); err != nil {
		pool.Close()
		return nil, storeErr("postgres", "migrate", err)
	}
	return s, nil
}

// OpenPool parses dsn, connects and pings.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns < 2 {
		cfg.MaxConns = 2
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

func (s *PostgresCatalog) createTables(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS vehicles (
		dealer_id     TEXT        NOT NULL,
		canonical_url TEXT        NOT NULL,
		title         TEXT        NOT NULL DEFAULT '',
		price         BIGINT,
		attributes    JSONB       NOT NULL DEFAULT '{}'::jsonb,
		first_seen    TIMESTAMPTZ NOT NULL,
		last_seen     TIMESTAMPTZ NOT NULL,
		last_updated  TIMESTAMPTZ NOT NULL,
		stale         BOOLEAN     NOT NULL DEFAULT FALSE,
		PRIMARY KEY (dealer_id, canonical_url)
	);
	CREATE INDEX IF NOT EXISTS idx_vehicles_price ON vehicles (dealer_id, price);
	CREATE INDEX IF NOT EXISTS idx_vehicles_last_seen ON vehicles (dealer_id, last_seen);
	`)
	return err
}

func (s *PostgresCatalog) Name() string { return "postgres" }

func (s *PostgresCatalog) Existing(ctx context.Context, dealerID string, urls []string) (map[string]*types.CatalogEntry, error) {
	out := make(map[string]*types.CatalogEntry, len(urls))
	if len(urls) == 0 {
		return out, nil
	}

	entries, err := s.query(ctx,
		"SELECT "+entryColumns+" FROM vehicles WHERE dealer_id = $1 AND canonical_url = ANY($2)",
		dealerID, urls)
	if err != nil {
		return nil, storeErr(s.Name(), "existing", err)
	}
	for _, e := range entries {
		out[e.CanonicalURL] = e
	}
	return out, nil
}

const postgresUpsert = `
INSERT INTO vehicles (dealer_id, canonical_url, title, price, attributes, first_seen, last_seen, last_updated, stale)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, FALSE)
ON CONFLICT (dealer_id, canonical_url) DO UPDATE SET
	title = EXCLUDED.title,
	price = EXCLUDED.price,
	attributes = EXCLUDED.attributes,
	last_seen = EXCLUDED.last_seen,
	last_updated = EXCLUDED.last_updated,
	stale = FALSE`

// Upsert writes the batch in one transaction, so a failed batch leaves no
// partial writes behind.
func (s *PostgresCatalog) Upsert(ctx context.Context, entries []*types.CatalogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	b := &pgx.Batch{}
	for _, e := range entries {
		attrs, err := json.Marshal(e.Attributes)
		if err != nil {
			return storeErr(s.Name(), "upsert", fmt.Errorf("serialize attributes for %s: %w", e.CanonicalURL, err))
		}
		b.Queue(postgresUpsert,
			e.DealerID, e.CanonicalURL, e.Title, e.Price, string(attrs),
			e.FirstSeen, e.LastSeen, e.LastUpdated,
		)
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, b)
		for range entries {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return err
			}
		}
		return br.Close()
	})
	if err != nil {
		return storeErr(s.Name(), "upsert", err)
	}
	s.logger.Debug("entries upserted", "count", len(entries))
	return nil
}

func (s *PostgresCatalog) Query(ctx context.Context, q Query) ([]*types.CatalogEntry, error) {
	query, args := buildQuery(postgresDialect, q, func(k string) string { return k })
	entries, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storeErr(s.Name(), "query", err)
	}
	return entries, nil
}

func (s *PostgresCatalog) MarkStale(ctx context.Context, dealerID string, seenBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE vehicles SET stale = TRUE WHERE dealer_id = $1 AND NOT stale AND last_seen < $2`,
		dealerID, seenBefore)
	if err != nil {
		return 0, storeErr(s.Name(), "mark_stale", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresCatalog) Count(ctx context.Context, dealerID string) (int, error) {
	var (
		n   int
		err error
	)
	if dealerID == "" {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vehicles`).Scan(&n)
	} else {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vehicles WHERE dealer_id = $1`, dealerID).Scan(&n)
	}
	if err != nil {
		return 0, storeErr(s.Name(), "count", err)
	}
	return n, nil
}

func (s *PostgresCatalog) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresCatalog) query(ctx context.Context, query string, args ...any) ([]*types.CatalogEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.CatalogEntry
	for rows.Next() {
		var (
			e     types.CatalogEntry
			attrs []byte
		)
		if err := rows.Scan(&e.DealerID, &e.CanonicalURL, &e.Title, &e.Price, &attrs,
			&e.FirstSeen, &e.LastSeen, &e.LastUpdated, &e.Stale); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes for %s: %w", e.CanonicalURL, err)
		}
		if e.Attributes == nil {
			e.Attributes = make(types.Attributes)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
