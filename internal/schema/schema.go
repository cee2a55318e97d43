// Package schema models the per-batch column specification and resolves
// logical column types to Postgres storage types and cast expressions.
package schema

import "strings"

// LogicalType is the declared, source-level type of a column. Unknown values
// resolve to TEXT.
type LogicalType string

const (
	TypeUUID      LogicalType = "UUID"
	TypeText      LogicalType = "TEXT"
	TypeBoolean   LogicalType = "BOOLEAN"
	TypeInteger   LogicalType = "INTEGER"
	TypeNumeric   LogicalType = "NUMERIC"
	TypeTimestamp LogicalType = "TIMESTAMP"
	TypeVarChar   LogicalType = "VARCHAR"
)

// ColumnSpec describes one destination column, derived once per batch. Name is
// the normalized column name.
type ColumnSpec struct {
	Name string
	Type LogicalType
}

// booleanNames are column names with boolean semantics regardless of their
// declared type. The set mirrors the flags carried by the source exports.
var booleanNames = map[string]struct{}{
	"is_vector":            {},
	"on_order":             {},
	"withdrawn_from_range": {},
	"is_client":            {},
	"is_supplier":          {},
}

// typeAlias maps loosely-specified logical type names to Postgres SQL types.
var typeAlias = map[string]string{
	"UUID":      "UUID",
	"TEXT":      "TEXT",
	"STRING":    "TEXT",
	"BOOL":      "BOOLEAN",
	"BOOLEAN":   "BOOLEAN",
	"INT":       "INTEGER",
	"INTEGER":   "INTEGER",
	"NUMERIC":   "NUMERIC",
	"TIMESTAMP": "TIMESTAMPTZ",
	"VARCHAR":   "VARCHAR",
}

// ResolveType returns the Postgres storage type for a column. Known
// boolean-semantic names win over the declared type; unknown declared types
// default to TEXT.
func ResolveType(name string, declared LogicalType) string {
	if _, ok := booleanNames[name]; ok {
		return "BOOLEAN"
	}
	if t, ok := typeAlias[strings.ToUpper(strings.TrimSpace(string(declared)))]; ok {
		return t
	}
	return "TEXT"
}

// ResolveCast returns the expression used to read qualifier.name during
// comparison and insertion. Non-text storage types are coerced from the staged
// textual representation so equality is type-correct (textual "true" compares
// equal to boolean true, not to the string "1").
func ResolveCast(name string, declared LogicalType, qualifier string) string {
	col := qualifier + "." + quote(name)
	switch ResolveType(name, declared) {
	case "BOOLEAN":
		return "(" + col + "::text)::boolean"
	case "INTEGER":
		return "(" + col + "::text)::integer"
	case "NUMERIC":
		return "(" + col + "::text)::numeric"
	case "TIMESTAMPTZ":
		return "(" + col + "::text)::timestamptz"
	default:
		return col
	}
}

// quote escapes a single identifier segment the same way the storage layer
// does. Duplicated here to keep the package leaf-level.
func quote(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// SpecsForBatch derives column specs from normalized column names using naming
// heuristics: key columns become UUID when they look like generated
// identifiers and VARCHAR otherwise, known boolean-ish names become BOOLEAN,
// declared types (if any) pass through, and everything else is TEXT.
func SpecsForBatch(columns []string, keyColumns []string, declared map[string]LogicalType) []ColumnSpec {
	keys := make(map[string]struct{}, len(keyColumns))
	for _, k := range keyColumns {
		keys[k] = struct{}{}
	}
	specs := make([]ColumnSpec, 0, len(columns))
	for _, c := range columns {
		spec := ColumnSpec{Name: c, Type: TypeText}
		switch {
		case hasBooleanName(c):
			spec.Type = TypeBoolean
		case declared[c] != "":
			spec.Type = declared[c]
		case isKey(keys, c):
			if looksLikeUUIDColumn(c) {
				spec.Type = TypeUUID
			} else {
				spec.Type = TypeVarChar
			}
		}
		specs = append(specs, spec)
	}
	return specs
}

func hasBooleanName(name string) bool {
	_, ok := booleanNames[name]
	return ok
}

func isKey(keys map[string]struct{}, name string) bool {
	_, ok := keys[name]
	return ok
}

// looksLikeUUIDColumn reports whether a key column name suggests a generated
// UUID identifier rather than a natural code.
func looksLikeUUIDColumn(name string) bool {
	return name == "id" || strings.HasSuffix(name, "_uid") || strings.Contains(name, "uuid")
}
