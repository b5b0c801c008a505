package dealer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/IshaanNene/forecourt/internal/config"
	"github.com/IshaanNene/forecourt/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider([]types.DealerConfig{
		{ID: "Avon", SiteBaseURL: "https://www.avon-automotive.com", ListingPaths: []string{"/used/cars"}},
		{ID: "empty", SiteBaseURL: "https://empty.example"},
	})
	ctx := context.Background()

	d, err := p.Get(ctx, " AVON ")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d.ID != "avon" || d.ListingPaths[0] != "/used/cars" {
		t.Errorf("unexpected dealer %+v", d)
	}

	d.ListingPaths[0] = "/mutated"
	again, _ := p.Get(ctx, "avon")
	if again.ListingPaths[0] != "/used/cars" {
		t.Error("expected Get to return an independent copy")
	}

	_, err = p.Get(ctx, "missing")
	var ce *types.ConfigurationError
	if !errors.As(err, &ce) || !errors.Is(err, types.ErrDealerNotFound) {
		t.Errorf("expected ConfigurationError wrapping ErrDealerNotFound, got %v", err)
	}

	_, err = p.Get(ctx, "empty")
	if !errors.Is(err, types.ErrNoListingPaths) {
		t.Errorf("expected ErrNoListingPaths, got %v", err)
	}

	ids, _ := p.List(ctx)
	if len(ids) != 2 || ids[0] != "avon" || ids[1] != "empty" {
		t.Errorf("unexpected ids %v", ids)
	}
}

func TestFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dealers.yaml")
	content := `
dealers:
  - id: avon
    site_url: https://www.avon-automotive.com
    listing_paths:
      - /used/cars
      - /used/vans
    rules:
      - field: price
        type: css
        selector: .cash-price
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := NewFileProvider(path, testLogger)
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}
	d, err := p.Get(context.Background(), "avon")
	if err != nil {
		t.Fatal(err)
	}
	if len(d.ListingPaths) != 2 || len(d.Rules) != 1 || d.Rules[0].Selector != ".cash-price" {
		t.Errorf("unexpected dealer %+v", d)
	}
}

func TestFileProviderMissingFile(t *testing.T) {
	_, err := NewFileProvider(filepath.Join(t.TempDir(), "nope.yaml"), testLogger)
	if !errors.Is(err, ErrFileNotFound) {
		t.Errorf("expected ErrFileNotFound, got %v", err)
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Dealers.Source = "inline"
	cfg.Dealers.Inline = []types.DealerConfig{
		{ID: "avon", SiteBaseURL: "https://www.avon-automotive.com", ListingPaths: []string{"/used/cars"}},
	}

	p, err := New(context.Background(), cfg, testLogger)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if _, err := p.Get(context.Background(), "avon"); err != nil {
		t.Errorf("expected inline dealer, got %v", err)
	}

	cfg.Dealers.Source = "ldap"
	if _, err := New(context.Background(), cfg, testLogger); err == nil {
		t.Error("expected unsupported source error")
	}
}

func TestPostgresProviderBackendFailureIsStoreError(t *testing.T) {
	ctx := context.Background()
	cfg, err := pgxpool.ParseConfig("postgres://forecourt@127.0.0.1:1/forecourt?connect_timeout=1")
	if err != nil {
		t.Fatal(err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	pool.Close()
	p := &PostgresProvider{pool: pool, logger: testLogger}

	_, err = p.Get(ctx, "avon")
	var se *types.StoreError
	if !errors.As(err, &se) || se.Backend != "postgres" {
		t.Fatalf("expected a postgres StoreError, got %v", err)
	}
	var ce *types.ConfigurationError
	if errors.As(err, &ce) || errors.Is(err, types.ErrDealerNotFound) {
		t.Errorf("backend failure must not read as a configuration error: %v", err)
	}

	if _, err := p.List(ctx); !errors.As(err, &se) {
		t.Errorf("expected List to return a StoreError, got %v", err)
	}
}
