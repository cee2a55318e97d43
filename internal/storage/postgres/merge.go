package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"tablesync/internal/ident"
	"tablesync/internal/records"
	"tablesync/internal/schema"
	"tablesync/internal/storage"
)

// technicalColumns never count as business columns when the change-tracked set
// is defaulted: their churn must not reset the staleness flag.
var technicalColumns = map[string]struct{}{
	"id":               {},
	"item_number":      {},
	stalenessColumn:    {},
	"upload_timestamp": {},
	updatedColumn:      {},
	"vector":           {},
}

// Merge stages req.Batch into a transaction-scoped temp table and runs one
// MERGE into req.Table. Matched rows have every non-key column updated;
// is_vector and updated_at are touched only when a change-tracked column
// actually differs (IS DISTINCT FROM semantics, so NULL pairs compare equal).
// Staged rows with no match are inserted with is_vector = FALSE, and with a
// freshly generated surrogate identifier when one is configured.
//
// The whole merge is one transaction: staging, casting or constraint failures
// roll everything back, so a partial merge is never observable.
func (s *Store) Merge(ctx context.Context, req storage.MergeRequest) (storage.MergeStats, error) {
	var stats storage.MergeStats
	if len(req.Batch) == 0 {
		return stats, nil
	}

	fm := ident.NormalizeFields(req.Fields)
	if len(fm.Dropped) > 0 {
		s.log.Warn("dropping fields with unusable names",
			"table", req.Table, "fields", fm.Dropped)
	}
	if len(fm.Columns) == 0 {
		return stats, fmt.Errorf("merge into %s: no usable columns in batch", req.Table)
	}

	keys, err := resolveKeyColumns(fm, req.KeyColumns, s.log)
	if err != nil {
		return stats, err
	}

	types := typeIndex(req.Specs)
	tracked := req.ChangeTracked
	if len(tracked) == 0 {
		tracked = defaultTracked(fm.Columns, keys)
	}

	stage := stageName(req.Table)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return stats, &storage.ConnectivityError{Op: "merge begin", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, buildStageSQL(stage, fm.Columns, types)); err != nil {
		return stats, classify("create stage", req.Table, err)
	}

	insertSQL := buildStageInsertSQL(stage, fm.Columns, types)
	b := &pgx.Batch{}
	for _, rec := range req.Batch {
		args := make([]any, len(fm.Columns))
		for i, col := range fm.Columns {
			args[i] = records.Stringify(rec[fm.ToSource[col]])
		}
		b.Queue(insertSQL, args...)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return stats, classify("stage batch", req.Table, err)
	}

	// The update-branch count is measured before the MERGE so the returned
	// figure excludes inserts.
	var matched int64
	if err := tx.QueryRow(ctx, buildMatchCountSQL(req.Table, stage, keys)).Scan(&matched); err != nil {
		return stats, classify("match count", req.Table, err)
	}

	mergeSQL := buildMergeSQL(req.Table, stage, keys, fm.Columns, types, tracked, req.SurrogateKey)
	if _, err := tx.Exec(ctx, mergeSQL); err != nil {
		return stats, classify("merge", req.Table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return stats, classify("merge commit", req.Table, err)
	}

	stats.UpdatedRows = matched
	s.log.Info("merged batch",
		"table", req.Table, "rows", len(req.Batch), "updated", matched)
	return stats, nil
}

// resolveKeyColumns maps caller-supplied key names to normalized batch
// columns, logging keys that only the lenient substring fallback could place
// since that match is ambiguous when several fields contain the key name.
func resolveKeyColumns(fm ident.FieldMap, keyColumns []string, log *slog.Logger) ([]string, error) {
	resolved, fallback, err := storage.ResolveKeys(fm, keyColumns)
	if err != nil {
		return nil, err
	}
	for _, key := range fallback {
		log.Warn("key column resolved by substring fallback", "key", key)
	}
	return resolved, nil
}

// defaultTracked is every non-key, non-technical column.
func defaultTracked(columns, keys []string) []string {
	keySet := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keySet[k] = struct{}{}
	}
	var tracked []string
	for _, col := range columns {
		if _, ok := keySet[col]; ok {
			continue
		}
		if _, ok := technicalColumns[col]; ok {
			continue
		}
		tracked = append(tracked, col)
	}
	return tracked
}

func typeIndex(specs []schema.ColumnSpec) map[string]schema.LogicalType {
	idx := make(map[string]schema.LogicalType, len(specs))
	for _, spec := range specs {
		idx[spec.Name] = spec.Type
	}
	return idx
}

// stageName returns a per-call staging table name. The random suffix keeps
// repeated merges within one session from colliding on the temp namespace.
func stageName(table string) string {
	return "stage_" + strings.ReplaceAll(table, ".", "_") + "_" + uuid.NewString()[:8]
}

// buildStageSQL creates the transaction-scoped staging table with the
// resolved storage types. ON COMMIT DROP ties its lifetime to the merge
// transaction.
func buildStageSQL(stage string, columns []string, types map[string]schema.LogicalType) string {
	defs := make([]string, 0, len(columns))
	for _, col := range columns {
		defs = append(defs, pgIdent(col)+" "+schema.ResolveType(col, types[col]))
	}
	return fmt.Sprintf(
		"CREATE TEMP TABLE %s (\n  %s\n) ON COMMIT DROP",
		pgIdent(stage),
		strings.Join(defs, ",\n  "),
	)
}

// buildStageInsertSQL binds every parameter as text and casts it to the
// column's storage type server-side, so a bad value fails the transaction as
// a cast error instead of being stored misinterpreted.
func buildStageInsertSQL(stage string, columns []string, types map[string]schema.LogicalType) string {
	params := make([]string, len(columns))
	for i, col := range columns {
		param := fmt.Sprintf("$%d", i+1)
		switch schema.ResolveType(col, types[col]) {
		case "BOOLEAN":
			params[i] = "(" + param + "::text)::boolean"
		case "INTEGER":
			params[i] = "(" + param + "::text)::integer"
		case "NUMERIC":
			params[i] = "(" + param + "::text)::numeric"
		case "TIMESTAMPTZ":
			params[i] = "(" + param + "::text)::timestamptz"
		case "UUID":
			params[i] = "(" + param + "::text)::uuid"
		default:
			params[i] = param + "::text"
		}
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		pgIdent(stage),
		strings.Join(mapIdent(columns), ", "),
		strings.Join(params, ", "),
	)
}

func keyCondition(keys []string) string {
	conds := make([]string, len(keys))
	for i, k := range keys {
		conds[i] = fmt.Sprintf("target.%s = source.%s", pgIdent(k), pgIdent(k))
	}
	return strings.Join(conds, " AND ")
}

func buildMatchCountSQL(table, stage string, keys []string) string {
	return fmt.Sprintf(
		"SELECT count(*) FROM %s AS target JOIN %s AS source ON %s",
		pgFQN(table), pgIdent(stage), keyCondition(keys),
	)
}

// buildChangePredicate ORs an IS DISTINCT FROM comparison per change-tracked
// column present in the staged batch. IS DISTINCT FROM treats two NULLs as
// equal and NULL versus non-NULL as different, which is the comparison the
// staleness flag needs.
func buildChangePredicate(columns, tracked []string, types map[string]schema.LogicalType) string {
	staged := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		staged[c] = struct{}{}
	}
	var conds []string
	for _, col := range tracked {
		if _, ok := staged[col]; !ok {
			continue
		}
		conds = append(conds, fmt.Sprintf(
			"target.%s IS DISTINCT FROM %s",
			pgIdent(col), schema.ResolveCast(col, types[col], "source"),
		))
	}
	return strings.Join(conds, " OR ")
}

// buildMergeSQL renders the MERGE statement. Matched rows update every
// non-key column; the staleness flag and timestamp flip only behind the
// change predicate. Unmatched rows insert with a fresh surrogate identifier
// when one is configured.
func buildMergeSQL(table, stage string, keys, columns []string, types map[string]schema.LogicalType, tracked []string, surrogateKey string) string {
	keySet := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keySet[k] = struct{}{}
	}

	var updates []string
	for _, col := range columns {
		if _, ok := keySet[col]; ok {
			continue
		}
		if col == stalenessColumn || col == updatedColumn || col == surrogateKey {
			continue
		}
		updates = append(updates, fmt.Sprintf(
			"%s = %s", pgIdent(col), schema.ResolveCast(col, types[col], "source"),
		))
	}

	pred := buildChangePredicate(columns, tracked, types)
	if pred != "" {
		updates = append(updates,
			fmt.Sprintf("%s = CASE WHEN %s THEN FALSE ELSE target.%s END",
				pgIdent(stalenessColumn), pred, pgIdent(stalenessColumn)),
			fmt.Sprintf("%s = CASE WHEN %s THEN CURRENT_TIMESTAMP ELSE target.%s END",
				pgIdent(updatedColumn), pred, pgIdent(updatedColumn)),
		)
	} else {
		updates = append(updates,
			fmt.Sprintf("%s = target.%s", pgIdent(stalenessColumn), pgIdent(stalenessColumn)),
			fmt.Sprintf("%s = target.%s", pgIdent(updatedColumn), pgIdent(updatedColumn)),
		)
	}

	var insertCols, insertVals []string
	if surrogateKey != "" {
		insertCols = append(insertCols, pgIdent(surrogateKey))
		insertVals = append(insertVals, "gen_random_uuid()")
	}
	for _, col := range columns {
		if col == stalenessColumn || col == updatedColumn || col == surrogateKey {
			continue
		}
		insertCols = append(insertCols, pgIdent(col))
		insertVals = append(insertVals, schema.ResolveCast(col, types[col], "source"))
	}
	insertCols = append(insertCols, pgIdent(stalenessColumn), pgIdent(updatedColumn))
	insertVals = append(insertVals, "FALSE", "CURRENT_TIMESTAMP")

	return fmt.Sprintf(
		`MERGE INTO %s AS target
USING %s AS source
ON %s
WHEN MATCHED THEN
  UPDATE SET %s
WHEN NOT MATCHED THEN
  INSERT (%s)
  VALUES (%s)`,
		pgFQN(table),
		pgIdent(stage),
		keyCondition(keys),
		strings.Join(updates, ",\n    "),
		strings.Join(insertCols, ", "),
		strings.Join(insertVals, ", "),
	)
}
