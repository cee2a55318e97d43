package postgres

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablesync/internal/ident"
	"tablesync/internal/schema"
	"tablesync/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveKeyColumnsExact(t *testing.T) {
	fm := ident.NormalizeFields([]string{"Item ID", "Brand"})

	keys, err := resolveKeyColumns(fm, []string{"item_id"}, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"item_id"}, keys)

	// Caller-supplied names are normalized before matching.
	keys, err = resolveKeyColumns(fm, []string{"Item ID"}, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"item_id"}, keys)
}

func TestResolveKeyColumnsSubstringFallback(t *testing.T) {
	fm := ident.NormalizeFields([]string{"Partner Id_1C_Partner", "Name"})

	keys, err := resolveKeyColumns(fm, []string{"Id_1C"}, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"partner_id_1c_partner"}, keys)
}

func TestResolveKeyColumnsMissing(t *testing.T) {
	fm := ident.NormalizeFields([]string{"Brand", "Category"})

	_, err := resolveKeyColumns(fm, []string{"id"}, discardLogger())
	var missing *storage.MissingKeyColumnError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "id", missing.Key)
}

func TestDefaultTracked(t *testing.T) {
	tracked := defaultTracked(
		[]string{"id", "brand", "item_number", "is_vector", "on_order", "price"},
		[]string{"id"},
	)
	assert.Equal(t, []string{"brand", "on_order", "price"}, tracked)
}

func TestBuildStageSQL(t *testing.T) {
	types := map[string]schema.LogicalType{"id": schema.TypeUUID, "qty": schema.TypeInteger}
	stmt := buildStageSQL("stage_products_abc", []string{"id", "brand", "on_order", "qty"}, types)

	assert.Contains(t, stmt, `CREATE TEMP TABLE "stage_products_abc"`)
	assert.Contains(t, stmt, `"id" UUID`)
	assert.Contains(t, stmt, `"brand" TEXT`)
	assert.Contains(t, stmt, `"on_order" BOOLEAN`)
	assert.Contains(t, stmt, `"qty" INTEGER`)
	assert.Contains(t, stmt, "ON COMMIT DROP")
}

func TestBuildStageInsertSQL(t *testing.T) {
	types := map[string]schema.LogicalType{"id": schema.TypeUUID}
	stmt := buildStageInsertSQL("stage_t", []string{"id", "brand", "on_order"}, types)

	assert.Equal(t,
		`INSERT INTO "stage_t" ("id", "brand", "on_order") VALUES (($1::text)::uuid, $2::text, ($3::text)::boolean)`,
		stmt)
}

func TestBuildChangePredicate(t *testing.T) {
	types := map[string]schema.LogicalType{"price": schema.TypeNumeric}
	pred := buildChangePredicate(
		[]string{"id", "brand", "on_order", "price"},
		[]string{"brand", "on_order", "price", "not_staged"},
		types,
	)

	assert.Equal(t,
		`target."brand" IS DISTINCT FROM source."brand"`+
			` OR target."on_order" IS DISTINCT FROM (source."on_order"::text)::boolean`+
			` OR target."price" IS DISTINCT FROM (source."price"::text)::numeric`,
		pred)
}

func TestBuildMergeSQLNaturalKey(t *testing.T) {
	types := map[string]schema.LogicalType{"id": schema.TypeUUID}
	stmt := buildMergeSQL("public.products", "stage_x",
		[]string{"id"},
		[]string{"id", "brand", "on_order"},
		types,
		[]string{"brand", "on_order"},
		"",
	)

	assert.Contains(t, stmt, `MERGE INTO "public"."products" AS target`)
	assert.Contains(t, stmt, `USING "stage_x" AS source`)
	assert.Contains(t, stmt, `ON target."id" = source."id"`)

	// Keys are matched on, not re-assigned.
	assert.NotContains(t, stmt, `"id" = source."id",`)

	// Flag and timestamp flip only behind the change predicate.
	assert.Contains(t, stmt, `"is_vector" = CASE WHEN target."brand" IS DISTINCT FROM source."brand" OR target."on_order" IS DISTINCT FROM (source."on_order"::text)::boolean THEN FALSE ELSE target."is_vector" END`)
	assert.Contains(t, stmt, `"updated_at" = CASE WHEN `)
	assert.Contains(t, stmt, `THEN CURRENT_TIMESTAMP ELSE target."updated_at" END`)

	// New rows default the flag and stamp the timestamp.
	assert.Contains(t, stmt, `INSERT ("id", "brand", "on_order", "is_vector", "updated_at")`)
	assert.Contains(t, stmt, `VALUES (source."id", source."brand", (source."on_order"::text)::boolean, FALSE, CURRENT_TIMESTAMP)`)
}

func TestBuildMergeSQLSurrogateKey(t *testing.T) {
	stmt := buildMergeSQL("partners", "stage_p",
		[]string{"id_1c_partner", "id_1c_contact"},
		[]string{"id_1c_partner", "id_1c_contact", "name"},
		nil,
		[]string{"name"},
		"partner_uid",
	)

	assert.Contains(t, stmt, `ON target."id_1c_partner" = source."id_1c_partner" AND target."id_1c_contact" = source."id_1c_contact"`)
	assert.Contains(t, stmt, `INSERT ("partner_uid", "id_1c_partner", "id_1c_contact", "name", "is_vector", "updated_at")`)
	assert.Contains(t, stmt, `VALUES (gen_random_uuid(), source."id_1c_partner", source."id_1c_contact", source."name", FALSE, CURRENT_TIMESTAMP)`)
}

func TestBuildMergeSQLNoTrackedColumns(t *testing.T) {
	// With nothing tracked (or nothing staged to compare), the flag and the
	// timestamp are explicitly preserved.
	stmt := buildMergeSQL("t", "stage_t", []string{"id"}, []string{"id", "brand"}, nil, nil, "")

	assert.Contains(t, stmt, `"is_vector" = target."is_vector"`)
	assert.Contains(t, stmt, `"updated_at" = target."updated_at"`)
	assert.NotContains(t, stmt, "CASE WHEN")
}

func TestBuildMergeSQLStagedStalenessColumnExcluded(t *testing.T) {
	// Sources sometimes carry is_vector themselves; it must never be written
	// from staged data.
	stmt := buildMergeSQL("t", "stage_t", []string{"id"}, []string{"id", "brand", "is_vector"}, nil, []string{"brand"}, "")

	assert.NotContains(t, stmt, `"is_vector" = source.`)
	assert.NotContains(t, stmt, `(source."is_vector"`)
}

func TestStageName(t *testing.T) {
	a := stageName("public.products")
	b := stageName("public.products")

	assert.True(t, strings.HasPrefix(a, "stage_public_products_"))
	assert.NotEqual(t, a, b, "staging names must not collide within a session")
}

func TestKeyCondition(t *testing.T) {
	assert.Equal(t,
		`target."a" = source."a" AND target."b" = source."b"`,
		keyCondition([]string{"a", "b"}))
}

func TestBuildMatchCountSQL(t *testing.T) {
	assert.Equal(t,
		`SELECT count(*) FROM "public"."t" AS target JOIN "stage_t" AS source ON target."id" = source."id"`,
		buildMatchCountSQL("public.t", "stage_t", []string{"id"}))
}
