// Package ident normalizes arbitrary source field names into safe,
// collision-free destination column identifiers. The output alphabet is
// restricted to [a-z0-9_], which downstream SQL builders rely on when quoting.
package ident

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldMarks decomposes and removes combining marks so accented letters keep
// their base form ("Naïve" -> "Naive") instead of being stripped entirely.
var foldMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize lowercases name, replaces spaces and hyphens with underscores and
// drops every remaining rune outside [a-z0-9_]. It is deterministic and
// idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(name string) string {
	if folded, _, err := transform.String(foldMarks, name); err == nil {
		name = folded
	}
	name = strings.ToLower(name)
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r == ' ' || r == '-':
			b.WriteByte('_')
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		}
	}
	return b.String()
}

// sanitize is the fallback for names whose Normalize result is empty: every
// non-alphanumeric rune becomes an underscore, runs collapse, and leading and
// trailing underscores are trimmed. Unlike Normalize it keeps Unicode letters
// and digits, so a fully non-Latin name still yields a usable (quoted)
// identifier instead of vanishing.
func sanitize(name string) string {
	if folded, _, err := transform.String(foldMarks, name); err == nil {
		name = folded
	}
	name = strings.ToLower(name)
	var b strings.Builder
	b.Grow(len(name))
	prevUnderscore := false
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			prevUnderscore = false
			continue
		}
		if !prevUnderscore {
			b.WriteByte('_')
			prevUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// FieldMap is the result of normalizing a full batch's field names. Columns
// holds the normalized names in the batch's field order; the two maps connect
// normalized and source names in both directions. Dropped lists source fields
// that could not be given a usable identifier and are excluded from storage.
type FieldMap struct {
	Columns  []string
	ToSource map[string]string
	ToColumn map[string]string
	Dropped  []string
}

// NormalizeFields normalizes fields in order, disambiguating collisions by
// appending _1, _2, ... to later occurrences. The first occurrence keeps the
// base name, so disambiguation is stable under reordering of unrelated fields
// but order-sensitive for colliding ones. A field's data is never silently
// overwritten by another's.
func NormalizeFields(fields []string) FieldMap {
	fm := FieldMap{
		ToSource: make(map[string]string, len(fields)),
		ToColumn: make(map[string]string, len(fields)),
	}
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		base := Normalize(f)
		if base == "" {
			base = sanitize(f)
		}
		if base == "" {
			fm.Dropped = append(fm.Dropped, f)
			continue
		}
		name := base
		for i := 1; ; i++ {
			if _, taken := seen[name]; !taken {
				break
			}
			name = fmt.Sprintf("%s_%d", base, i)
		}
		seen[name] = struct{}{}
		fm.Columns = append(fm.Columns, name)
		fm.ToSource[name] = f
		fm.ToColumn[f] = name
	}
	return fm
}
