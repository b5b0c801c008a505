package dealer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/IshaanNene/forecourt/internal/storage"
	"github.com/IshaanNene/forecourt/internal/types"
)

// PostgresProvider reads dealers from a dealers(id, site_url, list_paths)
// table.
type PostgresProvider struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresProvider connects to dsn.
func NewPostgresProvider(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresProvider, error) {
	pool, err := storage.OpenPool(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("dealer provider: %w", err)
	}
	return &PostgresProvider{
		pool:   pool,
		logger: logger.With("component", "dealer_provider"),
	}, nil
}

func (p *PostgresProvider) Get(ctx context.Context, id string) (*types.DealerConfig, error) {
	id = NormalizeID(id)

	var (
		d     types.DealerConfig
		paths []string
	)
	err := p.pool.QueryRow(ctx,
		`SELECT id, COALESCE(site_url, ''), COALESCE(list_paths, '{}') FROM dealers WHERE lower(id) = $1`,
		id,
	).Scan(&d.ID, &d.SiteBaseURL, &paths)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, &types.StoreError{Backend: "postgres", Op: "load dealer", Err: err}
	}

	d.ID = NormalizeID(d.ID)
	d.ListingPaths = paths
	p.logger.Debug("dealer loaded", "dealer", d.ID, "listing_paths", len(paths))
	return validated(d)
}

func (p *PostgresProvider) List(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT lower(id) FROM dealers ORDER BY 1`)
	if err != nil {
		return nil, &types.StoreError{Backend: "postgres", Op: "list dealers", Err: err}
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, &types.StoreError{Backend: "postgres", Op: "list dealers", Err: err}
	}
	return ids, nil
}

func (p *PostgresProvider) Close() error {
	p.pool.Close()
	return nil
}
