package pipeline

import (
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/IshaanNene/forecourt/internal/config"
	"github.com/IshaanNene/forecourt/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func record(url, title string, price int64) *types.VehicleRecord {
	rec := types.NewVehicleRecord("avon", url)
	rec.Title = title
	if price > 0 {
		rec.SetPrice(price)
	}
	return rec
}

func newDefault() *Pipeline {
	return NewDefault(config.DefaultConfig().Extraction, testLogger)
}

func TestPipelineBasic(t *testing.T) {
	p := newDefault()

	rec := record("HTTPS://Dealer.Example/used/cars/focus/#top", "  Ford   <b>Focus</b> &amp; more ", 9995)
	rec.Attributes["colour"] = "  Moondust Silver "
	rec.Attributes["trim"] = "   "

	result, err := p.Process(rec)
	if err != nil {
		t.Fatalf("pipeline error: %v", err)
	}
	if result.CanonicalURL != "https://dealer.example/used/cars/focus" {
		t.Errorf("expected canonical URL, got %q", result.CanonicalURL)
	}
	if result.Title != "Ford Focus & more" {
		t.Errorf("expected sanitized title, got %q", result.Title)
	}
	if c, _ := result.Attributes.String("colour"); c != "Moondust Silver" {
		t.Errorf("expected trimmed colour, got %q", c)
	}
	if _, exists := result.Attributes["trim"]; exists {
		t.Error("expected empty attribute to be removed")
	}
}

func TestPipelineErrorCarriesStage(t *testing.T) {
	p := newDefault()

	_, err := p.Process(record("", "Title", 0))
	var pe *types.PipelineError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PipelineError, got %v", err)
	}
	if pe.Stage != "canonical_url" {
		t.Errorf("expected canonical_url stage, got %q", pe.Stage)
	}
}

func TestRequiredDataMiddleware(t *testing.T) {
	m := &RequiredDataMiddleware{}

	if result, _ := m.Process(record("https://d.example/used/a", "Title only", 0)); result == nil {
		t.Error("record with a title should pass")
	}
	if result, _ := m.Process(record("https://d.example/used/a", "", 4995)); result == nil {
		t.Error("record with a price should pass")
	}
	if result, _ := m.Process(record("https://d.example/used/a", "", 0)); result != nil {
		t.Error("record with neither title nor price should be dropped (nil)")
	}
}

func TestPlausibilityMiddleware(t *testing.T) {
	m := &PlausibilityMiddleware{MinPrice: 500, MaxPrice: 500000, MaxMileage: 500000}

	tests := []struct {
		name       string
		price      int64
		mileage    any
		wantPrice  bool
		wantMiles  bool
		milesValue int64
	}{
		{"in band", 12995, int64(40000), true, true, 40000},
		{"price too high", 999999999, int64(40000), false, true, 40000},
		{"price too low", 100, nil, false, false, 0},
		{"mileage too high", 12995, int64(9999999), true, false, 0},
		{"mileage from json", 12995, float64(1200), true, true, 1200},
		{"mileage not numeric", 12995, "lots", true, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := record("https://d.example/used/a", "Car", 0)
			rec.SetPrice(tt.price)
			if tt.mileage != nil {
				rec.Attributes[types.AttrMileage] = tt.mileage
			}

			result, err := m.Process(rec)
			if err != nil {
				t.Fatal(err)
			}
			if result.HasPrice() != tt.wantPrice {
				t.Errorf("expected price present=%v, got %v", tt.wantPrice, result.Price)
			}
			miles, ok := result.Attributes.Int(types.AttrMileage)
			if ok != tt.wantMiles || miles != tt.milesValue {
				t.Errorf("expected mileage %d (%v), got %d (%v)", tt.milesValue, tt.wantMiles, miles, ok)
			}
		})
	}
}

func TestVocabularyMiddleware(t *testing.T) {
	m := &VocabularyMiddleware{}

	rec := record("https://d.example/used/a", "Car", 0)
	rec.Attributes[types.AttrFuel] = "LPG"
	rec.Attributes[types.AttrTransmission] = "Manual"
	rec.Attributes[types.AttrULEZCompliant] = "maybe"

	result, _ := m.Process(rec)
	if _, exists := result.Attributes[types.AttrFuel]; exists {
		t.Error("expected fuel outside the vocabulary to be removed")
	}
	if v, _ := result.Attributes.String(types.AttrTransmission); v != "Manual" {
		t.Errorf("expected Manual to be kept, got %q", v)
	}
	if _, exists := result.Attributes[types.AttrULEZCompliant]; exists {
		t.Error("expected non-boolean ULEZ flag to be removed")
	}
}

func TestNormalizeLastWins(t *testing.T) {
	p := newDefault()

	records := []*types.VehicleRecord{
		record("https://dealer.example/used/a", "A first", 1000),
		record("https://dealer.example/used/b", "B", 2000),
		record("https://dealer.example/used/a/", "A second", 1100),
		record("https://dealer.example/used/c", "", 0),
		nil,
	}

	out, stats := p.Normalize(records)

	if len(out) != 2 {
		t.Fatalf("expected 2 records, got %d", len(out))
	}
	if out[0].Title != "A second" || *out[0].Price != 1100 {
		t.Errorf("expected later duplicate to win in the first slot, got %q", out[0].Title)
	}
	if out[1].Title != "B" {
		t.Errorf("expected B in second slot, got %q", out[1].Title)
	}
	if stats.Duplicates != 1 || stats.Dropped != 1 || stats.Failed != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestNormalizeKeepsDealersApart(t *testing.T) {
	p := newDefault()

	a := record("https://shared.example/used/x", "A", 1000)
	b := record("https://shared.example/used/x", "B", 1000)
	b.DealerID = "other"

	out, stats := p.Normalize([]*types.VehicleRecord{a, b})
	if len(out) != 2 || stats.Duplicates != 0 {
		t.Errorf("expected records of different dealers to be kept, got %d (%+v)", len(out), stats)
	}
}

// --- Benchmarks ---

func BenchmarkNormalize(b *testing.B) {
	p := newDefault()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rec := record("https://dealer.example/used/cars/focus/", "  Ford <b>Focus</b>  ", 9995)
		rec.Attributes[types.AttrFuel] = "Petrol"
		rec.Attributes[types.AttrMileage] = int64(40000)
		p.Normalize([]*types.VehicleRecord{rec})
	}
}
