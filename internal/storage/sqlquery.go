package storage

import (
	"sort"
	"strconv"
	"strings"
)

// dialect captures what differs between the SQL backends when rendering a
// catalog query.
type dialect struct {
	// placeholder renders the n-th (1-based) bind parameter.
	placeholder func(n int) string

	// titleMatch and attrMatch render case-insensitive LIKE predicates; the
	// pattern is already lowercased and escaped.
	titleMatch func(pattern string) string
	attrMatch  func(key, pattern string) string

	// ulezMatch renders the ULEZ equality predicate and converts the wanted
	// value to its bind argument.
	ulezMatch func(value string) string
	ulezArg   func(v bool) any

	orderBy string
}

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	titleMatch: func(p string) string {
		return "LOWER(title) LIKE " + p + ` ESCAPE '\'`
	},
	attrMatch: func(key, p string) string {
		return "LOWER(CAST(json_extract(attributes, " + key + ") AS TEXT)) LIKE " + p + ` ESCAPE '\'`
	},
	ulezMatch: func(v string) string {
		return "json_extract(attributes, '$.ulezCompliant') = " + v
	},
	ulezArg: func(v bool) any {
		if v {
			return 1
		}
		return 0
	},
	orderBy: "price IS NULL, price ASC, canonical_url ASC",
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	titleMatch: func(p string) string {
		return "title ILIKE " + p + ` ESCAPE '\'`
	},
	attrMatch: func(key, p string) string {
		return "attributes->>" + key + " ILIKE " + p + ` ESCAPE '\'`
	},
	ulezMatch: func(v string) string {
		return "attributes->>'ulezCompliant' = " + v
	},
	ulezArg: func(v bool) any { return strconv.FormatBool(v) },
	orderBy: "price ASC NULLS LAST, canonical_url ASC",
}

const entryColumns = "dealer_id, canonical_url, title, price, attributes, first_seen, last_seen, last_updated, stale"

// buildQuery renders q as a SELECT over the vehicles table. attrKey converts
// an attribute name to its bind argument (a JSON path for SQLite, the plain
// key for Postgres).
func buildQuery(d dialect, q Query, attrKey func(string) string) (string, []any) {
	q = q.Normalize()

	var (
		where []string
		args  []any
	)
	bind := func(v any) string {
		args = append(args, v)
		return d.placeholder(len(args))
	}

	if q.DealerID != "" {
		where = append(where, "dealer_id = "+bind(q.DealerID))
	}
	if !q.IncludeStale {
		where = append(where, "stale = "+bind(false))
	}
	if q.MaxPrice != nil {
		where = append(where, "price IS NOT NULL AND price <= "+bind(*q.MaxPrice))
	}
	for _, term := range q.TitleContains {
		where = append(where, d.titleMatch(bind(likePattern(term))))
	}
	for _, key := range sortedKeys(q.Attributes) {
		k := bind(attrKey(key))
		where = append(where, d.attrMatch(k, bind(likePattern(q.Attributes[key]))))
	}
	if q.ULEZ != nil {
		where = append(where, d.ulezMatch(bind(d.ulezArg(*q.ULEZ))))
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(entryColumns)
	sb.WriteString(" FROM vehicles")
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(d.orderBy)
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(bind(q.Limit))
	}

	return sb.String(), args
}

// likePattern builds a lowercased substring pattern with LIKE metacharacters
// escaped.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(s)) + "%"
}

// sqliteAttrPath converts an attribute name to a JSON path for json_extract.
func sqliteAttrPath(key string) string {
	return `$."` + strings.ReplaceAll(key, `"`, `\"`) + `"`
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
