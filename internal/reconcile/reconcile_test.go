package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IshaanNene/forecourt/internal/observability"
	"github.com/IshaanNene/forecourt/internal/storage"
	"github.com/IshaanNene/forecourt/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func record(url, title string, price int64, attrs types.Attributes) *types.VehicleRecord {
	rec := types.NewVehicleRecord("avon", url)
	rec.Title = title
	rec.SetPrice(price)
	for k, v := range attrs {
		rec.Attributes[k] = v
	}
	return rec
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

// flakyCatalog fails the first failUpserts Upsert calls.
type flakyCatalog struct {
	storage.Catalog
	failUpserts int32
	calls       atomic.Int32
}

func (f *flakyCatalog) Upsert(ctx context.Context, entries []*types.CatalogEntry) error {
	if f.calls.Add(1) <= f.failUpserts {
		return &types.StoreError{Backend: "flaky", Op: "upsert", Err: errors.New("connection reset")}
	}
	return f.Catalog.Upsert(ctx, entries)
}

func TestReconcileInsertThenUpdate(t *testing.T) {
	store := storage.NewMemoryCatalog(testLogger)
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	r := New(store, 100, testLogger, WithClock(clk.now))
	ctx := context.Background()

	first := []*types.VehicleRecord{
		record("https://d.example/used/ranger", "Ford Ranger Wildtrak", 24500, types.Attributes{"fuel": "Diesel"}),
	}
	res, err := r.Reconcile(ctx, "avon", first)
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 1 || res.Updated != 0 || res.Upserted() != 1 {
		t.Errorf("unexpected first result: %+v", res)
	}
	if len(res.Changes) != 1 || res.Changes[0].Type != ChangeAdded || res.Changes[0].Field != "" {
		t.Errorf("expected one added listing, got %+v", res.Changes)
	}
	firstSeen := clk.t

	clk.t = clk.t.Add(24 * time.Hour)
	second := []*types.VehicleRecord{
		record("https://d.example/used/ranger", "Ford Ranger Wildtrak", 23000, types.Attributes{"fuel": "Diesel"}),
	}
	res, err = r.Reconcile(ctx, "avon", second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 1 || res.Inserted != 0 {
		t.Errorf("expected updated=1 inserted=0, got %+v", res)
	}
	if len(res.Changes) != 1 || res.Changes[0].Field != "price" || res.Changes[0].NewValue != "23000" {
		t.Errorf("expected a single price change, got %+v", res.Changes)
	}

	got, _ := store.Existing(ctx, "avon", []string{"https://d.example/used/ranger"})
	e := got["https://d.example/used/ranger"]
	if *e.Price != 23000 {
		t.Errorf("expected price 23000, got %d", *e.Price)
	}
	if !e.FirstSeen.Equal(firstSeen) {
		t.Errorf("expected first_seen unchanged, got %v", e.FirstSeen)
	}
	if !e.LastUpdated.Equal(clk.t) {
		t.Errorf("expected last_updated to move, got %v", e.LastUpdated)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	store := storage.NewMemoryCatalog(testLogger)
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	r := New(store, 2, testLogger, WithClock(clk.now))
	ctx := context.Background()

	records := []*types.VehicleRecord{
		record("https://d.example/used/a", "A", 1000, types.Attributes{"mileage": int64(1200)}),
		record("https://d.example/used/b", "B", 2000, nil),
		record("https://d.example/used/c", "C", 3000, nil),
	}
	if _, err := r.Reconcile(ctx, "avon", records); err != nil {
		t.Fatal(err)
	}
	created := clk.t

	clk.t = clk.t.Add(time.Hour)
	res, err := r.Reconcile(ctx, "avon", records)
	if err != nil {
		t.Fatal(err)
	}
	if res.Unchanged != 3 || res.Inserted != 0 || res.Updated != 0 {
		t.Errorf("expected all unchanged, got %+v", res)
	}
	if res.Batches != 2 {
		t.Errorf("expected 2 batches of size 2, got %d", res.Batches)
	}

	got, _ := store.Existing(ctx, "avon", []string{"https://d.example/used/a"})
	e := got["https://d.example/used/a"]
	if !e.LastUpdated.Equal(created) {
		t.Errorf("expected last_updated unchanged for identical content, got %v", e.LastUpdated)
	}
	if !e.LastSeen.Equal(clk.t) {
		t.Errorf("expected last_seen refreshed, got %v", e.LastSeen)
	}
	if n, _ := store.Count(ctx, "avon"); n != 3 {
		t.Errorf("expected 3 entries, got %d", n)
	}
}

func TestReconcileRetriesBatchOnce(t *testing.T) {
	store := &flakyCatalog{Catalog: storage.NewMemoryCatalog(testLogger), failUpserts: 1}
	metrics := observability.NewMetrics(testLogger)
	r := New(store, 100, testLogger, WithRetryDelay(time.Millisecond), WithMetrics(metrics))

	res, err := r.Reconcile(context.Background(), "avon", []*types.VehicleRecord{
		record("https://d.example/used/a", "A", 1000, nil),
	})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if res.Inserted != 1 || res.FailedBatches != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	if store.calls.Load() != 2 {
		t.Errorf("expected 2 upsert attempts, got %d", store.calls.Load())
	}
	if metrics.RecordsInserted.Load() != 1 {
		t.Errorf("expected inserted metric 1, got %d", metrics.RecordsInserted.Load())
	}
}

func TestReconcilePartialBatchFailure(t *testing.T) {
	// The first batch fails twice; the second commits.
	store := &flakyCatalog{Catalog: storage.NewMemoryCatalog(testLogger), failUpserts: 2}
	r := New(store, 1, testLogger, WithRetryDelay(time.Millisecond))

	res, err := r.Reconcile(context.Background(), "avon", []*types.VehicleRecord{
		record("https://d.example/used/a", "A", 1000, nil),
		record("https://d.example/used/b", "B", 2000, nil),
	})
	if err != nil {
		t.Fatalf("expected no systemic error, got %v", err)
	}
	if res.Failed != 1 || res.FailedBatches != 1 || res.Inserted != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestReconcileSystemicFailure(t *testing.T) {
	store := &flakyCatalog{Catalog: storage.NewMemoryCatalog(testLogger), failUpserts: 100}
	r := New(store, 1, testLogger, WithRetryDelay(time.Millisecond))

	res, err := r.Reconcile(context.Background(), "avon", []*types.VehicleRecord{
		record("https://d.example/used/a", "A", 1000, nil),
		record("https://d.example/used/b", "B", 2000, nil),
	})
	var se *types.StoreError
	if !errors.As(err, &se) {
		t.Fatalf("expected StoreError, got %v", err)
	}
	if res.Failed != 2 || res.FailedBatches != 2 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestReconcileMarkStale(t *testing.T) {
	store := storage.NewMemoryCatalog(testLogger)
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	r := New(store, 100, testLogger, WithClock(clk.now))
	ctx := context.Background()

	r.Reconcile(ctx, "avon", []*types.VehicleRecord{
		record("https://d.example/used/a", "A", 1000, nil),
		record("https://d.example/used/b", "B", 2000, nil),
	})

	runStart := clk.t.Add(time.Hour)
	clk.t = runStart.Add(time.Minute)
	r.Reconcile(ctx, "avon", []*types.VehicleRecord{record("https://d.example/used/a", "A", 1000, nil)})

	n, err := r.MarkStale(ctx, "avon", runStart)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 stale entry, got %d", n)
	}
	if total, _ := store.Count(ctx, "avon"); total != 2 {
		t.Errorf("expected stale entries to be kept, got %d", total)
	}
}

func TestDiff(t *testing.T) {
	old := record("https://d.example/used/a", "Golf", 14250, types.Attributes{"fuel": "Diesel", "mileage": float64(30000), "colour": "Blue"})
	new := record("https://d.example/used/a", "Golf GTD", 14250, types.Attributes{"fuel": "Diesel", "mileage": int64(30000), "ulezCompliant": true})

	changes := Diff(old, new)
	byField := make(map[string]Change)
	for _, c := range changes {
		byField[c.Field] = c
	}

	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %+v", changes)
	}
	if c := byField["title"]; c.Type != ChangeModified || c.OldValue != "Golf" || c.NewValue != "Golf GTD" {
		t.Errorf("unexpected title change %+v", c)
	}
	if c := byField["attributes.ulezCompliant"]; c.Type != ChangeAdded {
		t.Errorf("expected added ulez flag, got %+v", c)
	}
	if c := byField["attributes.colour"]; c.Type != ChangeRemoved || c.OldValue != "Blue" {
		t.Errorf("expected removed colour, got %+v", c)
	}

	if added := Diff(nil, new); len(added) != 1 || added[0].Type != ChangeAdded {
		t.Errorf("expected a single added change for a new record, got %+v", added)
	}
}
