package types

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"time"
)

// Well-known attribute keys.
const (
	AttrFuel          = "fuel"
	AttrTransmission  = "transmission"
	AttrMileage       = "mileage"
	AttrULEZCompliant = "ulezCompliant"
)

// Attributes is the open attribute bag of a vehicle. A missing key means the
// attribute was not found; new keys need no schema change.
type Attributes map[string]any

// String returns a string attribute.
func (a Attributes) String(key string) (string, bool) {
	v, ok := a[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int returns an integer attribute, tolerating the numeric types produced by
// JSON and BSON decoders.
func (a Attributes) Int(key string) (int64, bool) {
	switch v := a[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Bool returns a boolean attribute.
func (a Attributes) Bool(key string) (bool, bool) {
	switch v := a[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	}
	return false, false
}

// Keys returns the attribute names in sorted order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal compares two attribute bags by their JSON form, so an int64 read back
// from a store as float64 still compares equal.
func (a Attributes) Equal(b Attributes) bool {
	if len(a) != len(b) {
		return false
	}
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

// VehicleRecord is the output of extraction for one detail page.
type VehicleRecord struct {
	DealerID     string     `json:"dealer_id"`
	CanonicalURL string     `json:"canonical_url"`
	Title        string     `json:"title,omitempty"`
	Price        *int64     `json:"price,omitempty"`
	Attributes   Attributes `json:"attributes"`

	// ListingPath is the listing page the record was discovered through.
	ListingPath string `json:"-"`
}

// NewVehicleRecord creates an empty record for a canonical URL.
func NewVehicleRecord(dealerID, canonicalURL string) *VehicleRecord {
	return &VehicleRecord{
		DealerID:     dealerID,
		CanonicalURL: canonicalURL,
		Attributes:   make(Attributes),
	}
}

// SetPrice sets the price in whole currency units.
func (r *VehicleRecord) SetPrice(p int64) {
	r.Price = &p
}

// HasTitle reports whether a title was extracted.
func (r *VehicleRecord) HasTitle() bool { return r.Title != "" }

// HasPrice reports whether a price was extracted.
func (r *VehicleRecord) HasPrice() bool { return r.Price != nil }

// SameContent reports whether two records carry the same extracted fields.
func (r *VehicleRecord) SameContent(o *VehicleRecord) bool {
	if r.Title != o.Title {
		return false
	}
	if (r.Price == nil) != (o.Price == nil) {
		return false
	}
	if r.Price != nil && *r.Price != *o.Price {
		return false
	}
	return r.Attributes.Equal(o.Attributes)
}

// Clone creates a deep copy of the record.
func (r *VehicleRecord) Clone() *VehicleRecord {
	clone := *r
	if r.Price != nil {
		p := *r.Price
		clone.Price = &p
	}
	clone.Attributes = make(Attributes, len(r.Attributes))
	for k, v := range r.Attributes {
		clone.Attributes[k] = v
	}
	return &clone
}

// CatalogEntry is a persisted vehicle record with its reconciliation timestamps.
type CatalogEntry struct {
	VehicleRecord
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	LastUpdated time.Time `json:"last_updated"`
	Stale       bool      `json:"stale"`
}

// ToFlatMap returns a flat map suitable for CSV export.
func (e *CatalogEntry) ToFlatMap() map[string]string {
	flat := make(map[string]string, len(e.Attributes)+7)
	flat["dealer_id"] = e.DealerID
	flat["url"] = e.CanonicalURL
	flat["title"] = e.Title
	if e.Price != nil {
		flat["price"] = strconv.FormatInt(*e.Price, 10)
	} else {
		flat["price"] = ""
	}
	flat["first_seen"] = e.FirstSeen.Format(time.RFC3339)
	flat["last_seen"] = e.LastSeen.Format(time.RFC3339)
	flat["stale"] = strconv.FormatBool(e.Stale)

	for k, v := range e.Attributes {
		switch val := v.(type) {
		case string:
			flat[k] = val
		default:
			b, _ := json.Marshal(val)
			flat[k] = string(b)
		}
	}
	return flat
}
