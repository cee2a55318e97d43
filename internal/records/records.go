// Package records defines the loosely-typed record model shared by the sync
// engine. A batch is one extraction's worth of records; each record maps the
// *source's* field names (not yet normalized) to scalar values or nil.
package records

import (
	"sort"
	"strconv"
	"time"

	"github.com/zeebo/xxh3"
)

// Record is a single row keyed by source field name. Values are loosely typed:
// string, bool, float64 (JSON numbers), int64, time.Time or nil.
type Record map[string]any

// FieldsOf returns the union of field names across all records, sorted, for
// callers that do not know the source's own field order. Sources that preserve
// order (e.g. the file source) should supply their own ordering instead.
func FieldsOf(batch []Record) []string {
	seen := map[string]struct{}{}
	var fields []string
	for _, rec := range batch {
		for k := range rec {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				fields = append(fields, k)
			}
		}
	}
	sort.Strings(fields)
	return fields
}

// Stringify renders a record value as its textual staging representation.
// nil stays nil so NULLs survive the round trip; booleans become "true"/"false"
// so a later ::boolean cast is exact rather than a naive string comparison.
func Stringify(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		// Last resort: defer to the driver's own encoding.
		return t
	}
}

// Fingerprint hashes a batch (field names plus every value, in field order)
// into a stable 64-bit digest. Used for log correlation between a merge run
// and the extraction that produced it.
func Fingerprint(batch []Record, fields []string) uint64 {
	h := xxh3.New()
	sep := []byte{0x1f}
	for _, f := range fields {
		_, _ = h.WriteString(f)
		_, _ = h.Write(sep)
	}
	for _, rec := range batch {
		for _, f := range fields {
			if s, ok := Stringify(rec[f]).(string); ok {
				_, _ = h.WriteString(s)
			}
			_, _ = h.Write(sep)
		}
	}
	return h.Sum64()
}
