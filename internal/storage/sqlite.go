package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/IshaanNene/forecourt/internal/types"
)

// SQLiteCatalog stores the catalog in a single SQLite file.
type SQLiteCatalog struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteCatalog opens or creates the catalog database at path.
func NewSQLiteCatalog(path string, logger *slog.Logger) (*SQLiteCatalog, error) {
	if path == "" {
		return nil, storeErr("sqlite", "open", fmt.Errorf("no database path"))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, storeErr("sqlite", "open", fmt.Errorf("create database directory: %w", err))
	}

	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, storeErr("sqlite", "open", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteCatalog{
		db:     db,
		logger: logger.With("component", "sqlite_store"),
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, storeErr("sqlite", "open", fmt.Errorf("enable WAL mode: %w", err))
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, storeErr("sqlite", "migrate", err)
	}

	s.logger.Debug("sqlite catalog opened", "path", path)
	return s, nil
}

func (s *SQLiteCatalog) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS vehicles (
		dealer_id     TEXT    NOT NULL,
		canonical_url TEXT    NOT NULL,
		title         TEXT    NOT NULL DEFAULT '',
		price         INTEGER,
		attributes    TEXT    NOT NULL DEFAULT '{}',
		first_seen    INTEGER NOT NULL,
		last_seen     INTEGER NOT NULL,
		last_updated  INTEGER NOT NULL,
		stale         INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (dealer_id, canonical_url)
	);

	CREATE INDEX IF NOT EXISTS idx_vehicles_price ON vehicles(dealer_id, price);
	CREATE INDEX IF NOT EXISTS idx_vehicles_last_seen ON vehicles(dealer_id, last_seen);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteCatalog) Name() string { return "sqlite" }

func (s *SQLiteCatalog) Existing(ctx context.Context, dealerID string, urls []string) (map[string]*types.CatalogEntry, error) {
	out := make(map[string]*types.CatalogEntry, len(urls))

	const chunk = 500
	for start := 0; start < len(urls); start += chunk {
		end := min(start+chunk, len(urls))
		part := urls[start:end]

		args := make([]any, 0, len(part)+1)
		args = append(args, dealerID)
		for _, u := range part {
			args = append(args, u)
		}
		query := "SELECT " + entryColumns + " FROM vehicles WHERE dealer_id = ? AND canonical_url IN (" +
			strings.TrimSuffix(strings.Repeat("?,", len(part)), ",") + ")"

		entries, err := s.query(ctx, query, args...)
		if err != nil {
			return nil, storeErr(s.Name(), "existing", err)
		}
		for _, e := range entries {
			out[e.CanonicalURL] = e
		}
	}
	return out, nil
}

func (s *SQLiteCatalog) Upsert(ctx context.Context, entries []*types.CatalogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(s.Name(), "upsert", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO vehicles (dealer_id, canonical_url, title, price, attributes, first_seen, last_seen, last_updated, stale)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
	ON CONFLICT(dealer_id, canonical_url) DO UPDATE SET
		title = excluded.title,
		price = excluded.price,
		attributes = excluded.attributes,
		last_seen = excluded.last_seen,
		last_updated = excluded.last_updated,
		stale = 0
	`)
	if err != nil {
		return storeErr(s.Name(), "upsert", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		attrs, err := json.Marshal(e.Attributes)
		if err != nil {
			return storeErr(s.Name(), "upsert", fmt.Errorf("serialize attributes for %s: %w", e.CanonicalURL, err))
		}
		var price sql.NullInt64
		if e.Price != nil {
			price = sql.NullInt64{Int64: *e.Price, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			e.DealerID,
			e.CanonicalURL,
			e.Title,
			price,
			string(attrs),
			e.FirstSeen.UnixNano(),
			e.LastSeen.UnixNano(),
			e.LastUpdated.UnixNano(),
		); err != nil {
			return storeErr(s.Name(), "upsert", fmt.Errorf("%s: %w", e.CanonicalURL, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr(s.Name(), "upsert", err)
	}
	s.logger.Debug("entries upserted", "count", len(entries))
	return nil
}

func (s *SQLiteCatalog) Query(ctx context.Context, q Query) ([]*types.CatalogEntry, error) {
	query, args := buildQuery(sqliteDialect, q, sqliteAttrPath)
	entries, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storeErr(s.Name(), "query", err)
	}
	return entries, nil
}

func (s *SQLiteCatalog) MarkStale(ctx context.Context, dealerID string, seenBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE vehicles SET stale = 1 WHERE dealer_id = ? AND stale = 0 AND last_seen < ?`,
		dealerID, seenBefore.UnixNano())
	if err != nil {
		return 0, storeErr(s.Name(), "mark_stale", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr(s.Name(), "mark_stale", err)
	}
	return int(n), nil
}

func (s *SQLiteCatalog) Count(ctx context.Context, dealerID string) (int, error) {
	var (
		n   int
		err error
	)
	if dealerID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vehicles`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vehicles WHERE dealer_id = ?`, dealerID).Scan(&n)
	}
	if err != nil {
		return 0, storeErr(s.Name(), "count", err)
	}
	return n, nil
}

func (s *SQLiteCatalog) Close() error {
	return s.db.Close()
}

func (s *SQLiteCatalog) query(ctx context.Context, query string, args ...any) ([]*types.CatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.CatalogEntry
	for rows.Next() {
		var (
			e                            types.CatalogEntry
			price                        sql.NullInt64
			attrs                        string
			firstSeen, lastSeen, updated int64
			stale                        bool
		)
		if err := rows.Scan(&e.DealerID, &e.CanonicalURL, &e.Title, &price, &attrs,
			&firstSeen, &lastSeen, &updated, &stale); err != nil {
			return nil, err
		}
		if price.Valid {
			e.SetPrice(price.Int64)
		}
		if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes for %s: %w", e.CanonicalURL, err)
		}
		if e.Attributes == nil {
			e.Attributes = make(types.Attributes)
		}
		e.FirstSeen = time.Unix(0, firstSeen).UTC()
		e.LastSeen = time.Unix(0, lastSeen).UTC()
		e.LastUpdated = time.Unix(0, updated).UTC()
		e.Stale = stale
		out = append(out, &e)
	}
	return out, rows.Err()
}
