// Package engine orchestrates a synchronization run: it normalizes a batch's
// field names, reconciles the destination schema, merges the batch in
// transaction-sized chunks and optionally deletes orphaned rows afterwards.
// The engine is storage-agnostic; all SQL lives behind the storage.Store
// interface.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"tablesync/internal/config"
	"tablesync/internal/ident"
	"tablesync/internal/records"
	"tablesync/internal/schema"
	"tablesync/internal/storage"
)

// Engine drives dataset synchronization against one Store.
type Engine struct {
	store storage.Store
	log   *slog.Logger
}

func New(store storage.Store, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, log: log}
}

// Result is the per-dataset merge report.
type Result struct {
	Source        string `json:"source"`
	Target        string `json:"target"`
	TotalRows     int    `json:"total_rows"`
	ProcessedRows int    `json:"processed_rows"`
	UpdatedRows   int64  `json:"updated_rows"`
	Status        string `json:"status"`
	Err           string `json:"error,omitempty"`
}

const (
	statusSuccess = "success"
	statusFailed  = "failed"
)

func (r *Result) fail(err error) Result {
	r.Status = statusFailed
	r.Err = err.Error()
	return *r
}

// Sync reconciles the destination table for one dataset and merges batch into
// it in chunks of ds.BatchSize records. Reconciliation happens once per call;
// each chunk is its own merge transaction, so a mid-batch failure leaves the
// already-merged chunks in place and is reported through ProcessedRows.
func (e *Engine) Sync(ctx context.Context, ds config.Dataset, batch []records.Record, fields []string) Result {
	res := Result{
		Source: ds.SourceTable,
		Target: ds.TargetTable,
		Status: statusSuccess,
	}
	res.TotalRows = len(batch)
	if len(batch) == 0 {
		e.log.Info("nothing to merge", "dataset", ds.Name, "target", ds.TargetTable)
		return res
	}

	fm := ident.NormalizeFields(fields)
	if len(fm.Dropped) > 0 {
		e.log.Warn("dropping fields with unusable names",
			"dataset", ds.Name, "fields", fm.Dropped)
	}
	if len(fm.Columns) == 0 {
		return res.fail(fmt.Errorf("dataset %s: no usable columns in batch", ds.Name))
	}

	keys, fallback, err := storage.ResolveKeys(fm, ds.KeyColumns)
	if err != nil {
		return res.fail(err)
	}
	for _, key := range fallback {
		e.log.Warn("key column resolved by substring fallback",
			"dataset", ds.Name, "key", key)
	}

	surrogate := ident.Normalize(ds.SurrogateKey)
	tracked := normalizeAll(ds.ChangeTrackedColumns)
	specs := schema.SpecsForBatch(fm.Columns, keys, declaredTypes(ds.Types, fm))

	e.log.Info("synchronizing dataset",
		"dataset", ds.Name,
		"target", ds.TargetTable,
		"rows", len(batch),
		"batch_fingerprint", fmt.Sprintf("%016x", records.Fingerprint(batch, fields)))

	if err := e.store.Reconcile(ctx, storage.ReconcileRequest{
		Table:        ds.TargetTable,
		Specs:        specs,
		KeyColumns:   keys,
		SurrogateKey: surrogate,
	}); err != nil {
		return res.fail(fmt.Errorf("reconcile %s: %w", ds.TargetTable, err))
	}

	chunk := ds.BatchSize
	if chunk <= 0 {
		chunk = len(batch)
	}
	for start := 0; start < len(batch); start += chunk {
		end := start + chunk
		if end > len(batch) {
			end = len(batch)
		}
		stats, err := e.store.Merge(ctx, storage.MergeRequest{
			Table:         ds.TargetTable,
			Batch:         batch[start:end],
			Fields:        fields,
			KeyColumns:    ds.KeyColumns,
			ChangeTracked: tracked,
			SurrogateKey:  surrogate,
			Specs:         specs,
		})
		if err != nil {
			return res.fail(fmt.Errorf("merge rows %d..%d into %s: %w",
				start, end, ds.TargetTable, err))
		}
		res.ProcessedRows += end - start
		res.UpdatedRows += stats.UpdatedRows
	}

	e.log.Info("dataset synchronized",
		"dataset", ds.Name,
		"processed", res.ProcessedRows,
		"updated", res.UpdatedRows)
	return res
}

// CleanupOrphans deletes destination rows whose key no longer appears in the
// batch. The dataset must have exactly one key column; config validation
// enforces this before a run starts.
func (e *Engine) CleanupOrphans(ctx context.Context, ds config.Dataset, batch []records.Record, fields []string) (storage.CleanupStats, error) {
	fm := ident.NormalizeFields(fields)
	keys, _, err := storage.ResolveKeys(fm, ds.KeyColumns)
	if err != nil {
		return storage.CleanupStats{TargetTable: ds.TargetTable}, err
	}
	if len(keys) != 1 {
		return storage.CleanupStats{TargetTable: ds.TargetTable},
			fmt.Errorf("cleanup of %s: composite keys are not supported", ds.TargetTable)
	}

	keyCol := keys[0]
	sourceField := fm.ToSource[keyCol]
	sourceKeys := make([]string, 0, len(batch))
	for _, rec := range batch {
		if s, ok := records.Stringify(rec[sourceField]).(string); ok {
			sourceKeys = append(sourceKeys, s)
		}
	}

	return e.store.Cleanup(ctx, storage.CleanupRequest{
		Table:      ds.TargetTable,
		KeyColumn:  keyCol,
		SourceKeys: sourceKeys,
		BatchSize:  ds.DeleteBatchSize,
	})
}

// declaredTypes rekeys the dataset's declared types from source field names to
// normalized column names. Declarations naming a field absent from the batch
// are ignored.
func declaredTypes(types map[string]string, fm ident.FieldMap) map[string]schema.LogicalType {
	if len(types) == 0 {
		return nil
	}
	declared := make(map[string]schema.LogicalType, len(types))
	for field, t := range types {
		col, ok := fm.ToColumn[field]
		if !ok {
			// Allow declarations on the normalized name as well.
			if _, ok := fm.ToSource[ident.Normalize(field)]; !ok {
				continue
			}
			col = ident.Normalize(field)
		}
		declared[col] = schema.LogicalType(t)
	}
	return declared
}

func normalizeAll(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if norm := ident.Normalize(n); norm != "" {
			out = append(out, norm)
		}
	}
	return out
}
