// Package storage contains storage-agnostic contracts for the sync engine:
// the Store interface implemented by backends, the request/report shapes of
// each operation, and the error taxonomy shared across the module.
package storage

import (
	"context"

	"tablesync/internal/records"
	"tablesync/internal/schema"
)

// Store is the destination-side contract consumed by the engine. A backend
// owns its own connection handling; no resource is shared across calls beyond
// the backend's pool.
type Store interface {
	// Reconcile ensures the destination table exists and has at least the
	// columns in specs. It is idempotent and strictly additive: existing
	// columns are never dropped or retyped.
	Reconcile(ctx context.Context, req ReconcileRequest) error

	// Merge stages req.Batch and upserts it into req.Table by the key
	// columns. The whole merge is one transaction: it either applies fully or
	// not at all.
	Merge(ctx context.Context, req MergeRequest) (MergeStats, error)

	// Cleanup deletes destination rows whose key is absent from SourceKeys,
	// in independently committed batches, unless the safety guard trips.
	Cleanup(ctx context.Context, req CleanupRequest) (CleanupStats, error)
}

// ReconcileRequest describes the table shape to converge on.
type ReconcileRequest struct {
	Table string
	Specs []schema.ColumnSpec // normalized column names with resolved logical types
	// KeyColumns become the primary key on create, unless SurrogateKey is set.
	KeyColumns []string
	// SurrogateKey, when non-empty, names a generated UUID primary-key column
	// maintained by the engine instead of the natural key.
	SurrogateKey string
}

// MergeRequest carries one batch to upsert. Fields lists the source field
// names in batch order; records are keyed by these (pre-normalization) names.
type MergeRequest struct {
	Table  string
	Batch  []records.Record
	Fields []string
	// KeyColumns as supplied by the caller; resolved against the normalized
	// field set (exact match first, lenient fallback second).
	KeyColumns []string
	// ChangeTracked lists the normalized business columns whose change resets
	// the staleness flag. Empty means every non-key, non-technical column.
	ChangeTracked []string
	SurrogateKey  string
	Specs         []schema.ColumnSpec
}

// MergeStats reports rows whose existing data was matched by the merge. It
// intentionally excludes the insert count; callers needing total throughput
// add their own processed counter.
type MergeStats struct {
	UpdatedRows int64
}

// CleanupRequest identifies the orphan-deletion pass for one table.
type CleanupRequest struct {
	Table      string
	KeyColumn  string
	SourceKeys []string
	// BatchSize bounds each delete statement; defaults to 1000 when <= 0.
	BatchSize int
}

// CleanupStats mirrors the cleanup report of the original pipeline. Status is
// "success" or "error"; DeletedRecords counts only committed deletions.
type CleanupStats struct {
	TargetTable    string `json:"target_table"`
	TotalExisting  int    `json:"total_existing"`
	TotalNew       int    `json:"total_new"`
	DeletedRecords int64  `json:"deleted_records"`
	FinalCount     int64  `json:"final_count"`
	Status         string `json:"status"`
	Message        string `json:"message"`
}
