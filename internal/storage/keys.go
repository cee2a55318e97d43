package storage

import (
	"strings"

	"tablesync/internal/ident"
)

// ResolveKeys maps caller-supplied key names onto the normalized columns of a
// batch. Exact match on the normalized name wins; otherwise a case-insensitive
// substring match against the source field names is tried. fallback lists the
// keys that needed the substring match so callers can log the ambiguity.
func ResolveKeys(fm ident.FieldMap, keyColumns []string) (resolved, fallback []string, err error) {
	if len(keyColumns) == 0 {
		return nil, nil, &MissingKeyColumnError{Key: ""}
	}
	resolved = make([]string, 0, len(keyColumns))
	for _, key := range keyColumns {
		norm := ident.Normalize(key)
		if _, ok := fm.ToSource[norm]; ok {
			resolved = append(resolved, norm)
			continue
		}
		match := ""
		lower := strings.ToLower(key)
		for _, col := range fm.Columns {
			if strings.Contains(strings.ToLower(fm.ToSource[col]), lower) {
				match = col
				break
			}
		}
		if match == "" {
			return nil, nil, &MissingKeyColumnError{Key: key}
		}
		fallback = append(fallback, key)
		resolved = append(resolved, match)
	}
	return resolved, fallback, nil
}
