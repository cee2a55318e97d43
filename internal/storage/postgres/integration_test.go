//go:build integration

package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablesync/internal/records"
	"tablesync/internal/schema"
	"tablesync/internal/storage"
)

// getTestDSN reads the PG_TEST_DSN environment variable.
// If it is empty, the caller should skip the test.
func getTestDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set; skipping Postgres integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)

	store, closeFn, err := New(ctx, Config{DSN: getTestDSN(t)})
	require.NoError(t, err)
	t.Cleanup(closeFn)
	return store, ctx
}

func dropTable(t *testing.T, s *Store, ctx context.Context, table string) {
	t.Helper()
	_, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+pgFQN(table))
	require.NoError(t, err)
}

func mergeReq(table string, batch []records.Record) storage.MergeRequest {
	fields := []string{"id", "brand"}
	return storage.MergeRequest{
		Table:      table,
		Batch:      batch,
		Fields:     fields,
		KeyColumns: []string{"id"},
		Specs: []schema.ColumnSpec{
			{Name: "id", Type: schema.TypeVarChar},
			{Name: "brand", Type: schema.TypeText},
		},
	}
}

func reconcileReq(table string) storage.ReconcileRequest {
	return storage.ReconcileRequest{
		Table: table,
		Specs: []schema.ColumnSpec{
			{Name: "id", Type: schema.TypeVarChar},
			{Name: "brand", Type: schema.TypeText},
		},
		KeyColumns: []string{"id"},
	}
}

type rowState struct {
	brand     string
	isVector  bool
	updatedAt time.Time
}

func readRow(t *testing.T, s *Store, ctx context.Context, table, id string) rowState {
	t.Helper()
	var st rowState
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT "brand", "is_vector", "updated_at" FROM %s WHERE "id" = $1`, pgFQN(table)),
		id,
	).Scan(&st.brand, &st.isVector, &st.updatedAt)
	require.NoError(t, err)
	return st
}

// TestMergeLifecycleIntegration walks one table through create, insert,
// unchanged re-merge and changed re-merge.
func TestMergeLifecycleIntegration(t *testing.T) {
	store, ctx := newTestStore(t)
	table := "tablesync_it_products"
	dropTable(t, store, ctx, table)
	t.Cleanup(func() { dropTable(t, store, ctx, table) })

	// Scenario A: empty table, two fresh rows.
	require.NoError(t, store.Reconcile(ctx, reconcileReq(table)))

	stats, err := store.Merge(ctx, mergeReq(table, []records.Record{
		{"id": "1", "brand": "X"},
		{"id": "2", "brand": "Y"},
	}))
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.UpdatedRows, "nothing existed to match")

	n, err := store.rowCount(ctx, table)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	first := readRow(t, store, ctx, table, "1")
	assert.False(t, first.isVector)

	// Scenario B: identical re-merge matches the row but touches neither the
	// staleness flag nor the timestamp.
	stats, err = store.Merge(ctx, mergeReq(table, []records.Record{{"id": "1", "brand": "X"}}))
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.UpdatedRows)

	unchanged := readRow(t, store, ctx, table, "1")
	assert.Equal(t, "X", unchanged.brand)
	assert.False(t, unchanged.isVector)
	assert.True(t, unchanged.updatedAt.Equal(first.updatedAt), "updated_at must not move without a change")

	// Scenario C: a business-column change resets the flag and advances the
	// timestamp.
	stats, err = store.Merge(ctx, mergeReq(table, []records.Record{{"id": "1", "brand": "Z"}}))
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.UpdatedRows)

	changed := readRow(t, store, ctx, table, "1")
	assert.Equal(t, "Z", changed.brand)
	assert.False(t, changed.isVector)
	assert.True(t, changed.updatedAt.After(first.updatedAt))
}

// TestReconcileIdempotentIntegration verifies additive, idempotent DDL.
func TestReconcileIdempotentIntegration(t *testing.T) {
	store, ctx := newTestStore(t)
	table := "tablesync_it_reconcile"
	dropTable(t, store, ctx, table)
	t.Cleanup(func() { dropTable(t, store, ctx, table) })

	require.NoError(t, store.Reconcile(ctx, reconcileReq(table)))
	require.NoError(t, store.Reconcile(ctx, reconcileReq(table)))

	// Growing the spec adds the column...
	grown := reconcileReq(table)
	grown.Specs = append(grown.Specs, schema.ColumnSpec{Name: "category", Type: schema.TypeText})
	require.NoError(t, store.Reconcile(ctx, grown))

	cols, err := store.existingColumns(ctx, table)
	require.NoError(t, err)
	assert.Contains(t, cols, "category")

	// ...and reconciling a strict subset afterwards never removes it.
	require.NoError(t, store.Reconcile(ctx, reconcileReq(table)))
	cols, err = store.existingColumns(ctx, table)
	require.NoError(t, err)
	assert.Contains(t, cols, "category")
	assert.Contains(t, cols, "is_vector")
	assert.Contains(t, cols, "updated_at")
}

// TestCleanupIntegration covers orphan deletion plus both guard scenarios.
func TestCleanupIntegration(t *testing.T) {
	store, ctx := newTestStore(t)
	table := "tablesync_it_cleanup"
	dropTable(t, store, ctx, table)
	t.Cleanup(func() { dropTable(t, store, ctx, table) })

	require.NoError(t, store.Reconcile(ctx, reconcileReq(table)))

	batch := make([]records.Record, 0, 10)
	keys := make([]string, 0, 10)
	for i := 1; i <= 10; i++ {
		id := fmt.Sprint(i)
		batch = append(batch, records.Record{"id": id, "brand": "B"})
		keys = append(keys, id)
	}
	_, err := store.Merge(ctx, mergeReq(table, batch))
	require.NoError(t, err)

	// Scenario D: 9 of 10 orphaned is the exact boundary; deletion proceeds.
	stats, err := store.Cleanup(ctx, storage.CleanupRequest{
		Table: table, KeyColumn: "id", SourceKeys: keys[:1], BatchSize: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, "success", stats.Status)
	assert.EqualValues(t, 9, stats.DeletedRecords)
	assert.EqualValues(t, 1, stats.FinalCount)

	// Scenario E: empty extraction trips the guard; nothing is deleted.
	stats, err = store.Cleanup(ctx, storage.CleanupRequest{
		Table: table, KeyColumn: "id", SourceKeys: nil,
	})
	var abort *storage.SafetyAbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, "error", stats.Status)
	assert.EqualValues(t, 0, stats.DeletedRecords)

	n, err := store.rowCount(ctx, table)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "guard trip must leave the table untouched")
}
