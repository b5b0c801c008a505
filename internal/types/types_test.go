package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestCanonicalizeURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"https://Example.COM/used/cars/ford-ranger", "https://example.com/used/cars/ford-ranger"},
		{"https://example.com/used/cars/ford-ranger/", "https://example.com/used/cars/ford-ranger"},
		{"https://example.com/used/cars/ford-ranger#gallery", "https://example.com/used/cars/ford-ranger"},
		{"https://example.com:443/used/x", "https://example.com/used/x"},
		{"http://example.com:80/used/x", "http://example.com/used/x"},
		{"http://example.com:8080/used/x", "http://example.com:8080/used/x"},
		{"https://example.com/used?b=2&a=1", "https://example.com/used?a=1&b=2"},
		{"https://example.com", "https://example.com/"},
		{"https://example.com/", "https://example.com/"},
	}

	for _, tt := range tests {
		got := CanonicalizeURL(tt.input)
		if got != tt.expected {
			t.Errorf("CanonicalizeURL(%q) = %q, expected %q", tt.input, got, tt.expected)
		}
	}
}

func TestCanonicalizeURLIdempotent(t *testing.T) {
	inputs := []string{
		"https://WWW.Dealer.co.uk:443/used/cars/bmw-320d/?ref=home&utm=x#top",
		"http://dealer.co.uk/used//",
		"https://dealer.co.uk/used/cars?q=ford+ranger&page=2",
		"https://dealer.co.uk/used/cars/caf%C3%A9",
	}
	for _, in := range inputs {
		once := CanonicalizeURL(in)
		twice := CanonicalizeURL(once)
		if once != twice {
			t.Errorf("canonicalize not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestCanonicalizeURLVariantsCollapse(t *testing.T) {
	a := CanonicalizeURL("https://dealer.co.uk/used/cars/vw-golf/?b=1&a=2")
	b := CanonicalizeURL("https://DEALER.co.uk:443/used/cars/vw-golf?a=2&b=1#specs")
	if a != b {
		t.Errorf("expected variants to collapse, got %q and %q", a, b)
	}
}

func TestSameHost(t *testing.T) {
	if !SameHost("https://www.dealer.co.uk/used", "https://dealer.co.uk/used/cars/x") {
		t.Error("expected www and bare host to match")
	}
	if SameHost("https://dealer.co.uk/", "https://other.co.uk/") {
		t.Error("expected different hosts not to match")
	}
}

func TestDealerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		dealer  DealerConfig
		wantErr error
	}{
		{"valid", DealerConfig{ID: "avon", SiteBaseURL: "https://www.avon-automotive.com", ListingPaths: []string{"/used"}}, nil},
		{"no id", DealerConfig{SiteBaseURL: "https://x.com", ListingPaths: []string{"/used"}}, nil},
		{"no paths", DealerConfig{ID: "x", SiteBaseURL: "https://x.com"}, ErrNoListingPaths},
		{"bad url", DealerConfig{ID: "x", SiteBaseURL: "ftp://x.com", ListingPaths: []string{"/used"}}, ErrInvalidURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.dealer.Validate()
			if tt.name == "valid" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDealerConfigRejectsBadRule(t *testing.T) {
	d := DealerConfig{
		ID:           "x",
		SiteBaseURL:  "https://x.com",
		ListingPaths: []string{"/used"},
		Rules:        []ExtractRule{{Field: "price", Type: "regex", Pattern: "("}},
	}
	if err := d.Validate(); err == nil {
		t.Error("expected invalid regex rule to fail validation")
	}
}

func TestListingURL(t *testing.T) {
	d := DealerConfig{SiteBaseURL: "https://www.avon-automotive.com"}
	got, err := d.ListingURL("/used/cars/bristol")
	if err != nil {
		t.Fatal(err)
	}
	if got != "https://www.avon-automotive.com/used/cars/bristol" {
		t.Errorf("unexpected listing URL %q", got)
	}
}

func TestFetchErrorIs(t *testing.T) {
	notFound := &FetchError{URL: "u", StatusCode: 404, Kind: FetchErrorStatus, Err: fmt.Errorf("HTTP 404")}
	if !errors.Is(notFound, ErrNotFound) {
		t.Error("expected 404 to match ErrNotFound")
	}
	wrapped := fmt.Errorf("detail: %w", notFound)
	if !errors.Is(wrapped, ErrNotFound) {
		t.Error("expected wrapped 404 to match ErrNotFound")
	}
	timeout := &FetchError{URL: "u", Kind: FetchErrorTimeout, Err: ErrTimeout}
	if errors.Is(timeout, ErrNotFound) {
		t.Error("timeout must not match ErrNotFound")
	}
}

func TestAttributesEqual(t *testing.T) {
	a := Attributes{AttrFuel: "Diesel", AttrMileage: int64(42000), AttrULEZCompliant: true}
	b := Attributes{AttrFuel: "Diesel", AttrMileage: float64(42000), AttrULEZCompliant: true}
	if !a.Equal(b) {
		t.Error("expected numerically equal attributes to compare equal")
	}
	b[AttrFuel] = "Petrol"
	if a.Equal(b) {
		t.Error("expected differing fuel to compare unequal")
	}
	if m, ok := b.Int(AttrMileage); !ok || m != 42000 {
		t.Errorf("expected mileage 42000, got %d (%v)", m, ok)
	}
}

func TestVehicleRecordSameContent(t *testing.T) {
	r1 := NewVehicleRecord("d", "https://x.com/used/1")
	r1.Title = "Ford Ranger"
	r1.SetPrice(24500)
	r2 := r1.Clone()
	if !r1.SameContent(r2) {
		t.Fatal("expected clone to have same content")
	}
	r2.SetPrice(23000)
	if r1.SameContent(r2) {
		t.Error("expected price change to be detected")
	}
	if *r1.Price != 24500 {
		t.Error("clone must not share the price pointer")
	}
}
