package reconcile

import (
	"fmt"
	"strconv"

	"github.com/IshaanNene/forecourt/internal/types"
)

// ChangeType identifies what kind of change occurred.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Change is one field-level difference between a stored entry and a freshly
// extracted record.
type Change struct {
	URL      string     `json:"url"`
	Type     ChangeType `json:"type"`
	Field    string     `json:"field,omitempty"`
	OldValue string     `json:"old_value,omitempty"`
	NewValue string     `json:"new_value,omitempty"`
}

// Diff compares old against new. A nil old yields a single ChangeAdded.
// Attributes are reported under "attributes.<name>".
func Diff(old, new *types.VehicleRecord) []Change {
	if old == nil {
		return []Change{{URL: new.CanonicalURL, Type: ChangeAdded}}
	}

	var changes []Change
	add := func(field, oldStr, newStr string, hadOld, hasNew bool) {
		switch {
		case hadOld && !hasNew:
			changes = append(changes, Change{URL: new.CanonicalURL, Type: ChangeRemoved, Field: field,
				OldValue: truncateStr(oldStr, 200)})
		case !hadOld && hasNew:
			changes = append(changes, Change{URL: new.CanonicalURL, Type: ChangeAdded, Field: field,
				NewValue: truncateStr(newStr, 200)})
		case oldStr != newStr:
			changes = append(changes, Change{URL: new.CanonicalURL, Type: ChangeModified, Field: field,
				OldValue: truncateStr(oldStr, 200), NewValue: truncateStr(newStr, 200)})
		}
	}

	add("title", old.Title, new.Title, old.HasTitle(), new.HasTitle())
	add("price", priceString(old.Price), priceString(new.Price), old.HasPrice(), new.HasPrice())

	for _, key := range new.Attributes.Keys() {
		oldVal, had := old.Attributes[key]
		add("attributes."+key, valueString(oldVal), valueString(new.Attributes[key]), had, true)
	}
	for _, key := range old.Attributes.Keys() {
		if _, ok := new.Attributes[key]; !ok {
			add("attributes."+key, valueString(old.Attributes[key]), "", true, false)
		}
	}
	return changes
}

func priceString(p *int64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatInt(*p, 10)
}

// valueString formats attribute values so that numbers decoded as float64
// compare equal to the int64 they were stored as.
func valueString(v any) string {
	switch n := v.(type) {
	case float64:
		if n == float64(int64(n)) {
			return strconv.FormatInt(int64(n), 10)
		}
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
