package parser

import (
	"errors"
	"testing"

	"github.com/IshaanNene/forecourt/internal/types"
)

func extract(t *testing.T, e *Extractor, body string) (*types.VehicleRecord, error) {
	t.Helper()
	return e.Extract(mustPage(t, body), "avon", "https://dealer.example/used/cars/x")
}

func TestExtractDetailPage(t *testing.T) {
	rec, err := extract(t, newTestExtractor(t), detailHTML)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if rec.Title != "Ford Ranger Wildtrak" {
		t.Errorf("expected h1 title, got %q", rec.Title)
	}
	if rec.Price == nil || *rec.Price != 24500 {
		t.Errorf("expected price 24500, got %v", rec.Price)
	}
	if fuel, _ := rec.Attributes.String(types.AttrFuel); fuel != "Diesel" {
		t.Errorf("expected Diesel, got %q", fuel)
	}
	if tr, _ := rec.Attributes.String(types.AttrTransmission); tr != "Automatic" {
		t.Errorf("expected Automatic, got %q", tr)
	}
	if m, ok := rec.Attributes.Int(types.AttrMileage); !ok || m != 42180 {
		t.Errorf("expected mileage 42180, got %d (%v)", m, ok)
	}
	if ulez, ok := rec.Attributes.Bool(types.AttrULEZCompliant); !ok || !ulez {
		t.Errorf("expected ulezCompliant=true, got %v (%v)", ulez, ok)
	}
}

func TestExtractTitleFallbacks(t *testing.T) {
	tests := []struct {
		name     string
		html     string
		expected string
	}{
		{"heading", `<html><head><title>T</title><meta property="og:title" content="OG"></head><body><h1>Heading</h1>£9,995</body></html>`, "Heading"},
		{"og title", `<html><head><title>T</title><meta property="og:title" content="OG Title"></head><body>£9,995</body></html>`, "OG Title"},
		{"twitter title", `<html><head><title>T</title><meta name="twitter:title" content="Card Title"></head><body>£9,995</body></html>`, "Card Title"},
		{"document title", `<html><head><title> Plain   Title </title></head><body>£9,995</body></html>`, "Plain Title"},
	}

	e := newTestExtractor(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := extract(t, e, tt.html)
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if rec.Title != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, rec.Title)
			}
		})
	}
}

func TestExtractPricePlausibility(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected int64 // 0 means absent
	}{
		{"zero", "Ask price: £0", 0},
		{"absurd", "Now only £999,999,999", 0},
		{"grouped", "Cash price £12,995", 12995},
		{"ungrouped", "Price £12995", 12995},
		{"pence", "£7,450.00 on the road", 7450},
		{"below band", "Deposit £250", 0},
		{"skips implausible", "Save £150 today. Price £8,250", 8250},
	}

	e := newTestExtractor(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			html := `<html><body><h1>Vauxhall Corsa</h1><p>` + tt.text + `</p></body></html>`
			rec, err := extract(t, e, html)
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if tt.expected == 0 {
				if rec.Price != nil {
					t.Errorf("expected no price, got %d", *rec.Price)
				}
				return
			}
			if rec.Price == nil || *rec.Price != tt.expected {
				t.Errorf("expected %d, got %v", tt.expected, rec.Price)
			}
		})
	}
}

func TestExtractPriceStrategyOrder(t *testing.T) {
	html := `<html><head>
	<meta property="product:price:amount" content="15495">
	</head><body><h1>Audi A3</h1>
	<span class="price">£16,000</span>
	<p>Was £17,500</p></body></html>`

	rec, err := extract(t, newTestExtractor(t), html)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Price == nil || *rec.Price != 15495 {
		t.Errorf("expected structured price 15495 to win, got %v", rec.Price)
	}
}

func TestExtractPriceFromItemprop(t *testing.T) {
	html := `<html><body><h1>Kia Sportage</h1>
	<div itemscope itemtype="https://schema.org/Car"><span itemprop="price" content="21990">£21,990</span></div>
	</body></html>`
	rec, err := extract(t, newTestExtractor(t), html)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Price == nil || *rec.Price != 21990 {
		t.Errorf("expected 21990, got %v", rec.Price)
	}
}

func TestExtractTotalFailure(t *testing.T) {
	_, err := extract(t, newTestExtractor(t), `<html><body><p>Diesel, Manual, 30,000 miles</p></body></html>`)
	var ee *types.ExtractionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExtractionError, got %v", err)
	}
	if !errors.Is(err, types.ErrInsufficientData) {
		t.Errorf("expected ErrInsufficientData, got %v", err)
	}
}

func TestExtractPriceOnlyRecord(t *testing.T) {
	rec, err := extract(t, newTestExtractor(t), `<html><body><p>£6,495</p></body></html>`)
	if err != nil {
		t.Fatalf("a price alone should be enough, got %v", err)
	}
	if rec.HasTitle() {
		t.Errorf("expected no title, got %q", rec.Title)
	}
}

func TestExtractULEZ(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    bool
		present bool
	}{
		{"compliant", "Euro 6 diesel. ULEZ Compliant.", true, true},
		{"non compliant", "Please note: ULEZ non-compliant", false, true},
		{"not compliant", "This vehicle is not ULEZ compliant", false, true},
		{"non-ULEZ", "Non-ULEZ vehicle, priced to sell", false, true},
		{"flag no", "ULEZ: No", false, true},
		{"flag yes", "ULEZ: Yes", true, true},
		{"exempt", "ULEZ exempt (historic vehicle)", true, true},
		{"not mentioned", "Full service history, two keys", false, false},
		{"mentioned without verdict", "Check the ULEZ checker before you buy", false, false},
	}

	e := newTestExtractor(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := extract(t, e, `<html><body><h1>Car</h1><p>`+tt.text+`</p></body></html>`)
			if err != nil {
				t.Fatal(err)
			}
			got, ok := rec.Attributes.Bool(types.AttrULEZCompliant)
			if ok != tt.present {
				t.Fatalf("expected present=%v, got %v", tt.present, ok)
			}
			if ok && got != tt.want {
				t.Errorf("expected ulezCompliant=%v, got %v", tt.want, got)
			}
		})
	}
}

func TestExtractULEZFromDetailTables(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"table row no", `<table><tr><th>ULEZ Compliant</th><td>No</td></tr></table>`, false},
		{"table row yes", `<table><tr><th>ULEZ Compliant</th><td>Yes</td></tr></table>`, true},
		{"definition list no", `<dl><dt>ULEZ compliant:</dt><dd>No</dd></dl>`, false},
		{"cross mark", `<ul><li>ULEZ Compliant: ✗</li></ul>`, false},
		{"false cell", `<table><tr><td>ULEZ-Compliant</td><td>false</td></tr></table>`, false},
	}

	e := newTestExtractor(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := extract(t, e, `<html><body><h1>Car</h1>`+tt.body+`</body></html>`)
			if err != nil {
				t.Fatal(err)
			}
			got, ok := rec.Attributes.Bool(types.AttrULEZCompliant)
			if !ok {
				t.Fatal("expected ulezCompliant to be present")
			}
			if got != tt.want {
				t.Errorf("expected ulezCompliant=%v, got %v", tt.want, got)
			}
		})
	}
}

func TestExtractFuelAndTransmission(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		fuel  string
		trans string
	}{
		{"document order", "Hybrid. Previously listed as Petrol. Manual", "Hybrid", "Manual"},
		{"auto synonym", "2.0 TDI Auto Diesel", "Diesel", "Automatic"},
		{"equipment ignored", "Electric windows, auto headlights, Petrol, Manual gearbox", "Petrol", "Manual"},
		{"owner's manual ignored", "Comes with owner's manual. Automatic. Electric", "Electric", "Automatic"},
		{"auto-dimming ignored", "Auto-dimming mirror, Diesel", "Diesel", ""},
		{"auto trader ignored", "Rated 4.9 on Auto Trader. Petrol. Manual", "Petrol", "Manual"},
		{"auto express ignored", "As reviewed by Auto Express, Diesel, Automatic", "Diesel", "Automatic"},
		{"absent", "Lovely car", "", ""},
	}

	e := newTestExtractor(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := extract(t, e, `<html><body><h1>Car</h1><p>`+tt.text+`</p></body></html>`)
			if err != nil {
				t.Fatal(err)
			}
			fuel, _ := rec.Attributes.String(types.AttrFuel)
			if fuel != tt.fuel {
				t.Errorf("expected fuel %q, got %q", tt.fuel, fuel)
			}
			trans, _ := rec.Attributes.String(types.AttrTransmission)
			if trans != tt.trans {
				t.Errorf("expected transmission %q, got %q", tt.trans, trans)
			}
		})
	}
}

func TestExtractMileage(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected int64
		present  bool
	}{
		{"grouped", "Mileage: 68,400 miles", 68400, true},
		{"plain", "12000 Miles", 12000, true},
		{"implausible", "9,999,999 miles", 0, false},
		{"absent", "Low mileage", 0, false},
	}

	e := newTestExtractor(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := extract(t, e, `<html><body><h1>Car</h1><p>`+tt.text+`</p></body></html>`)
			if err != nil {
				t.Fatal(err)
			}
			m, ok := rec.Attributes.Int(types.AttrMileage)
			if ok != tt.present || m != tt.expected {
				t.Errorf("expected %d (%v), got %d (%v)", tt.expected, tt.present, m, ok)
			}
		})
	}
}

func TestExtractDealerRules(t *testing.T) {
	html := `<html><body>
	<h1>Generic heading</h1>
	<div id="vehicle"><span class="model-name">Skoda Octavia vRS</span>
	<dl><dt>Cash</dt><dd data-amount="19,750">See finance</dd></dl>
	<table><tr><th>Colour</th><td>Race Blue</td></tr></table></div>
	</body></html>`

	e := newTestExtractor(t,
		types.ExtractRule{Field: "title", Type: "css", Selector: ".model-name"},
		types.ExtractRule{Field: "price", Type: "xpath", Selector: "//dd", Attribute: "data-amount"},
		types.ExtractRule{Field: "colour", Type: "regex", Pattern: `Colour\s+(\w+ \w+)`},
	)

	rec, err := extract(t, e, html)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Title != "Skoda Octavia vRS" {
		t.Errorf("expected rule title, got %q", rec.Title)
	}
	if rec.Price == nil || *rec.Price != 19750 {
		t.Errorf("expected xpath price 19750, got %v", rec.Price)
	}
	if colour, _ := rec.Attributes.String("colour"); colour != "Race Blue" {
		t.Errorf("expected colour attribute, got %q", colour)
	}
}

func TestNewExtractorRejectsBadRule(t *testing.T) {
	_, err := NewExtractor(newTestExtractor(t).cfg, []types.ExtractRule{
		{Field: "price", Type: "xpath", Selector: "//dd["},
	}, testLogger)
	if err == nil {
		t.Error("expected invalid xpath to be rejected")
	}
}
