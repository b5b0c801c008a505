package storage

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/IshaanNene/forecourt/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func entry(dealer, url, title string, price int64, attrs types.Attributes, seen time.Time) *types.CatalogEntry {
	rec := types.NewVehicleRecord(dealer, url)
	rec.Title = title
	if price > 0 {
		rec.SetPrice(price)
	}
	for k, v := range attrs {
		rec.Attributes[k] = v
	}
	return &types.CatalogEntry{
		VehicleRecord: *rec,
		FirstSeen:     seen,
		LastSeen:      seen,
		LastUpdated:   seen,
	}
}

func int64p(v int64) *int64 { return &v }
func boolp(v bool) *bool    { return &v }

func newSQLite(t *testing.T) Catalog {
	t.Helper()
	s, err := NewSQLiteCatalog(filepath.Join(t.TempDir(), "catalog.db"), testLogger)
	if err != nil {
		t.Fatalf("NewSQLiteCatalog: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func backends(t *testing.T) map[string]func(*testing.T) Catalog {
	return map[string]func(*testing.T) Catalog{
		"memory": func(*testing.T) Catalog { return NewMemoryCatalog(testLogger) },
		"sqlite": newSQLite,
	}
}

func seed(t *testing.T, s Catalog) {
	t.Helper()
	err := s.Upsert(context.Background(), []*types.CatalogEntry{
		entry("avon", "https://d.example/used/ranger", "Ford Ranger Wildtrak", 24500,
			types.Attributes{"fuel": "Diesel", "transmission": "Automatic", "ulezCompliant": true}, t0),
		entry("avon", "https://d.example/used/fiesta", "Ford Fiesta Zetec", 8995,
			types.Attributes{"fuel": "Petrol", "transmission": "Manual", "ulezCompliant": true}, t0),
		entry("avon", "https://d.example/used/golf", "VW Golf GTD", 14250,
			types.Attributes{"fuel": "Diesel", "transmission": "Manual", "ulezCompliant": false}, t0),
		entry("avon", "https://d.example/used/mystery", "Ford Transit 50%_off", 0,
			types.Attributes{"fuel": "Diesel"}, t0),
		entry("other", "https://o.example/used/ranger", "Ford Ranger", 19000, nil, t0),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func urls(entries []*types.CatalogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.CanonicalURL
	}
	return out
}

func TestCatalogQuery(t *testing.T) {
	tests := []struct {
		name     string
		query    Query
		expected []string
	}{
		{
			name:  "dealer ordered by price with nulls last",
			query: Query{DealerID: "avon"},
			expected: []string{
				"https://d.example/used/fiesta",
				"https://d.example/used/golf",
				"https://d.example/used/ranger",
				"https://d.example/used/mystery",
			},
		},
		{
			name:     "price ceiling excludes unpriced",
			query:    Query{DealerID: "avon", MaxPrice: int64p(15000)},
			expected: []string{"https://d.example/used/fiesta", "https://d.example/used/golf"},
		},
		{
			name:     "title terms are all required",
			query:    Query{DealerID: "avon", TitleContains: []string{"ford", "RANGER"}},
			expected: []string{"https://d.example/used/ranger"},
		},
		{
			name:     "like metacharacters are literal",
			query:    Query{DealerID: "avon", TitleContains: []string{"50%_"}},
			expected: []string{"https://d.example/used/mystery"},
		},
		{
			name:     "attribute substring",
			query:    Query{DealerID: "avon", Attributes: map[string]string{"fuel": "dies", "transmission": "man"}},
			expected: []string{"https://d.example/used/golf"},
		},
		{
			name:     "ulez flag",
			query:    Query{DealerID: "avon", ULEZ: boolp(false)},
			expected: []string{"https://d.example/used/golf"},
		},
		{
			name:     "limit",
			query:    Query{Limit: 2},
			expected: []string{"https://d.example/used/fiesta", "https://d.example/used/golf"},
		},
		{
			name:     "all dealers",
			query:    Query{TitleContains: []string{"ranger"}},
			expected: []string{"https://o.example/used/ranger", "https://d.example/used/ranger"},
		},
	}

	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			seed(t, s)

			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					got, err := s.Query(context.Background(), tt.query)
					if err != nil {
						t.Fatalf("Query: %v", err)
					}
					if strings.Join(urls(got), ",") != strings.Join(tt.expected, ",") {
						t.Errorf("expected %v, got %v", tt.expected, urls(got))
					}
				})
			}
		})
	}
}

func TestCatalogUpsertPreservesFirstSeen(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			seed(t, s)

			later := t0.Add(24 * time.Hour)
			updated := entry("avon", "https://d.example/used/ranger", "Ford Ranger Wildtrak", 23000,
				types.Attributes{"fuel": "Diesel"}, later)
			updated.FirstSeen = later
			if err := s.Upsert(ctx, []*types.CatalogEntry{updated}); err != nil {
				t.Fatal(err)
			}

			got, err := s.Existing(ctx, "avon", []string{"https://d.example/used/ranger", "https://d.example/used/nope"})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 {
				t.Fatalf("expected 1 existing entry, got %d", len(got))
			}
			e := got["https://d.example/used/ranger"]
			if *e.Price != 23000 {
				t.Errorf("expected price 23000, got %d", *e.Price)
			}
			if !e.FirstSeen.Equal(t0) {
				t.Errorf("expected first_seen %v to be preserved, got %v", t0, e.FirstSeen)
			}
			if !e.LastSeen.Equal(later) {
				t.Errorf("expected last_seen %v, got %v", later, e.LastSeen)
			}

			n, _ := s.Count(ctx, "avon")
			if n != 4 {
				t.Errorf("expected upsert not to add rows, got %d", n)
			}
		})
	}
}

func TestCatalogMarkStale(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			seed(t, s)

			runStart := t0.Add(time.Hour)
			seen := entry("avon", "https://d.example/used/golf", "VW Golf GTD", 14250,
				types.Attributes{"fuel": "Diesel", "transmission": "Manual", "ulezCompliant": false}, runStart)
			seen.FirstSeen = t0
			if err := s.Upsert(ctx, []*types.CatalogEntry{seen}); err != nil {
				t.Fatal(err)
			}

			n, err := s.MarkStale(ctx, "avon", runStart)
			if err != nil {
				t.Fatal(err)
			}
			if n != 3 {
				t.Errorf("expected 3 entries marked stale, got %d", n)
			}

			visible, _ := s.Query(ctx, Query{DealerID: "avon"})
			if len(visible) != 1 || visible[0].CanonicalURL != "https://d.example/used/golf" {
				t.Errorf("expected only the seen entry to remain visible, got %v", urls(visible))
			}
			all, _ := s.Query(ctx, Query{DealerID: "avon", IncludeStale: true})
			if len(all) != 4 {
				t.Errorf("expected stale entries to be kept, got %d", len(all))
			}

			if n, _ := s.MarkStale(ctx, "avon", runStart); n != 0 {
				t.Errorf("expected second pass to flag nothing, got %d", n)
			}
			if total, _ := s.Count(ctx, ""); total != 5 {
				t.Errorf("expected 5 entries in total, got %d", total)
			}
		})
	}
}

func TestSQLiteRoundTripsAttributes(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	in := entry("avon", "https://d.example/used/ranger", "Ford Ranger", 24500,
		types.Attributes{"mileage": int64(42180), "ulezCompliant": true, "fuel": "Diesel"}, t0)
	if err := s.Upsert(ctx, []*types.CatalogEntry{in}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Existing(ctx, "avon", []string{in.CanonicalURL})
	if err != nil {
		t.Fatal(err)
	}
	out := got[in.CanonicalURL]
	if out == nil {
		t.Fatal("expected entry to be found")
	}
	if !out.SameContent(&in.VehicleRecord) {
		t.Errorf("expected identical content after round trip, got %+v", out.VehicleRecord)
	}
	if m, _ := out.Attributes.Int("mileage"); m != 42180 {
		t.Errorf("expected mileage 42180, got %d", m)
	}
}

func TestSQLiteCancelledContext(t *testing.T) {
	s := newSQLite(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Upsert(ctx, []*types.CatalogEntry{entry("avon", "https://d.example/used/a", "A", 1000, nil, t0)})
	var se *types.StoreError
	if !errors.As(err, &se) {
		t.Fatalf("expected StoreError, got %v", err)
	}
	if se.Backend != "sqlite" {
		t.Errorf("expected sqlite backend, got %q", se.Backend)
	}
}

func TestQueryNormalize(t *testing.T) {
	if q := (Query{}).Normalize(); q.Limit != DefaultQueryLimit {
		t.Errorf("expected default limit %d, got %d", DefaultQueryLimit, q.Limit)
	}
	if q := (Query{Limit: 500}).Normalize(); q.Limit != MaxQueryLimit {
		t.Errorf("expected limit ceiling %d, got %d", MaxQueryLimit, q.Limit)
	}
	if q := (Query{Limit: 5, Unbounded: true}).Normalize(); q.Limit != 0 {
		t.Errorf("expected an unbounded query to drop its limit, got %d", q.Limit)
	}
	q := Query{TitleContains: []string{" ", "golf "}, Attributes: map[string]string{"fuel": " "}}.Normalize()
	if len(q.TitleContains) != 1 || q.TitleContains[0] != "golf" {
		t.Errorf("expected blank terms dropped, got %q", q.TitleContains)
	}
	if len(q.Attributes) != 0 {
		t.Errorf("expected blank attribute filters dropped, got %v", q.Attributes)
	}
}

func TestBuildPostgresQuery(t *testing.T) {
	q := Query{
		DealerID:      "avon",
		MaxPrice:      int64p(20000),
		TitleContains: []string{"ford"},
		Attributes:    map[string]string{"fuel": "diesel"},
		ULEZ:          boolp(true),
	}
	sql, args := buildQuery(postgresDialect, q, func(k string) string { return k })

	for _, want := range []string{
		"dealer_id = $1",
		"stale = $2",
		"price IS NOT NULL AND price <= $3",
		`title ILIKE $4 ESCAPE '\'`,
		`attributes->>$5 ILIKE $6 ESCAPE '\'`,
		"attributes->>'ulezCompliant' = $7",
		"ORDER BY price ASC NULLS LAST",
		"LIMIT $8",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("expected %q in %s", want, sql)
		}
	}
	if len(args) != 8 {
		t.Fatalf("expected 8 args, got %d", len(args))
	}
	if args[3] != "%ford%" || args[4] != "fuel" || args[6] != "true" || args[7] != DefaultQueryLimit {
		t.Errorf("unexpected args: %v", args)
	}
}

func TestMongoFilter(t *testing.T) {
	f := mongoFilter(Query{
		DealerID:      "avon",
		TitleContains: []string{"a.b"},
		ULEZ:          boolp(true),
	}.Normalize())

	m := f.Map()
	if m["dealer_id"] != "avon" {
		t.Errorf("expected dealer filter, got %v", m["dealer_id"])
	}
	if m["attributes.ulezCompliant"] != true {
		t.Errorf("expected ULEZ filter, got %v", m["attributes.ulezCompliant"])
	}
	and, ok := m["$and"].(bson.A)
	if !ok || len(and) != 1 {
		t.Fatalf("expected one $and clause, got %v", m["$and"])
	}
	clause := and[0].(bson.D).Map()["title"].(bson.D).Map()
	if clause["$regex"] != `a\.b` || clause["$options"] != "i" {
		t.Errorf("expected escaped case-insensitive regex, got %v", clause)
	}
}

func TestExporters(t *testing.T) {
	entries := []*types.CatalogEntry{
		entry("avon", "https://d.example/used/ranger", "Ford Ranger", 24500,
			types.Attributes{"fuel": "Diesel", "mileage": int64(42180)}, t0),
		entry("avon", "https://d.example/used/mystery", "Transit", 0, nil, t0),
	}

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		e, _ := NewExporter("json", &buf, testLogger)
		if err := e.Write(entries); err != nil {
			t.Fatal(err)
		}
		if err := e.Close(); err != nil {
			t.Fatal(err)
		}
		var decoded []map[string]any
		if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if len(decoded) != 2 || decoded[0]["canonical_url"] != "https://d.example/used/ranger" {
			t.Errorf("unexpected JSON output: %s", buf.String())
		}
	})

	t.Run("jsonl", func(t *testing.T) {
		var buf bytes.Buffer
		e, _ := NewExporter("jsonl", &buf, testLogger)
		if err := e.Write(entries); err != nil {
			t.Fatal(err)
		}
		e.Close()
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 2 {
			t.Errorf("expected 2 lines, got %d", len(lines))
		}
	})

	t.Run("csv", func(t *testing.T) {
		var buf bytes.Buffer
		e, _ := NewExporter("csv", &buf, testLogger)
		if err := e.Write(entries); err != nil {
			t.Fatal(err)
		}
		e.Close()
		rows, err := csv.NewReader(&buf).ReadAll()
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != 3 {
			t.Fatalf("expected header and 2 rows, got %d", len(rows))
		}
		header := strings.Join(rows[0], ",")
		if header != "dealer_id,url,title,price,first_seen,last_seen,stale,fuel,mileage" {
			t.Errorf("unexpected header %q", header)
		}
		if rows[1][3] != "24500" || rows[1][8] != "42180" {
			t.Errorf("unexpected row %v", rows[1])
		}
		if rows[2][3] != "" {
			t.Errorf("expected empty price for unpriced entry, got %q", rows[2][3])
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if _, err := NewExporter("xml", &bytes.Buffer{}, testLogger); err == nil {
			t.Error("expected unsupported format error")
		}
	})
}
