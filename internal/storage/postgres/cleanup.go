package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"tablesync/internal/storage"
)

const defaultDeleteBatchSize = 1000

// Cleanup removes destination rows whose key no longer appears in the source
// extraction. Both key sets are canonicalized to strings first (UUIDs to their
// canonical form) to defend against type drift between systems.
//
// A destructively large deletion trips the safety guard: when the orphan set
// exceeds 90% of existing rows AND the overlap with the source is below 10%,
// the key column is more likely mismatched than the data genuinely turned
// over, so nothing is deleted and the report carries status "error".
//
// Deletes run in bounded batches, each in its own transaction. A failure
// partway through leaves earlier batches committed; the report counts exactly
// the deletions that did commit.
func (s *Store) Cleanup(ctx context.Context, req storage.CleanupRequest) (storage.CleanupStats, error) {
	stats := storage.CleanupStats{TargetTable: req.Table, Status: "success"}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = defaultDeleteBatchSize
	}

	existingKeys, err := s.existingKeys(ctx, req.Table, req.KeyColumn)
	if err != nil {
		stats.Status = "error"
		stats.Message = err.Error()
		return stats, err
	}

	existing := canonicalSet(existingKeys)
	source := canonicalSet(req.SourceKeys)
	stats.TotalExisting = len(existing)
	stats.TotalNew = len(source)

	orphans, common := splitOrphans(existing, source)

	if guardTripped(len(existing), len(orphans), common) {
		abort := &storage.SafetyAbortError{
			Table:    req.Table,
			Existing: len(existing),
			Orphans:  len(orphans),
			Common:   common,
		}
		stats.Status = "error"
		stats.Message = fmt.Sprintf(
			"cleanup cancelled: only %d of %d existing keys found in source, possible key column mismatch",
			common, len(existing),
		)
		s.log.Error("cleanup safety guard tripped",
			"table", req.Table,
			"existing", len(existing), "orphans", len(orphans), "common", common)
		return stats, abort
	}

	if len(orphans) == 0 {
		stats.Message = "no orphaned records found"
		stats.FinalCount, err = s.rowCount(ctx, req.Table)
		return stats, err
	}

	// Deterministic batch contents simplify reasoning about partial failures.
	sort.Strings(orphans)

	deleteSQL := fmt.Sprintf(
		"DELETE FROM %s WHERE trim(%s::text) = ANY($1)",
		pgFQN(req.Table), pgIdent(req.KeyColumn),
	)
	for start := 0; start < len(orphans); start += batchSize {
		end := min(start+batchSize, len(orphans))
		tag, err := s.pool.Exec(ctx, deleteSQL, orphans[start:end])
		if err != nil {
			stats.Status = "error"
			stats.Message = fmt.Sprintf(
				"delete failed after %d committed deletions: %v", stats.DeletedRecords, err,
			)
			return stats, classify("cleanup delete", req.Table, err)
		}
		stats.DeletedRecords += tag.RowsAffected()
		s.log.Info("deleted orphan batch",
			"table", req.Table,
			"batch", start/batchSize+1,
			"deleted", tag.RowsAffected(),
			"total_deleted", stats.DeletedRecords,
			"orphans", len(orphans))
	}

	stats.FinalCount, err = s.rowCount(ctx, req.Table)
	if err != nil {
		return stats, err
	}
	stats.Message = fmt.Sprintf("successfully deleted %d orphaned records", stats.DeletedRecords)
	s.log.Info("cleanup finished",
		"table", req.Table, "deleted", stats.DeletedRecords, "final_count", stats.FinalCount)
	return stats, nil
}

func (s *Store) existingKeys(ctx context.Context, table, keyColumn string) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		"SELECT %s::text FROM %s WHERE %s IS NOT NULL",
		pgIdent(keyColumn), pgFQN(table), pgIdent(keyColumn),
	))
	if err != nil {
		return nil, classify("key scan", table, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, classify("key scan", table, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("key scan", table, err)
	}
	return keys, nil
}

func (s *Store) rowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM "+pgFQN(table)).Scan(&n); err != nil {
		return 0, classify("row count", table, err)
	}
	return n, nil
}

// canonicalKey trims whitespace and rewrites UUIDs to their canonical lowercase
// form so surrogate-UUID values and plain text keys compare equal.
func canonicalKey(key string) string {
	key = strings.TrimSpace(key)
	if u, err := uuid.Parse(key); err == nil {
		return u.String()
	}
	return key
}

func canonicalSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if c := canonicalKey(k); c != "" {
			set[c] = struct{}{}
		}
	}
	return set
}

// splitOrphans returns existing minus source and the size of the overlap.
func splitOrphans(existing, source map[string]struct{}) (orphans []string, common int) {
	for k := range existing {
		if _, ok := source[k]; ok {
			common++
		} else {
			orphans = append(orphans, k)
		}
	}
	return orphans, common
}

// guardTripped applies the safety heuristic with integer arithmetic so the 90%
// boundary is exact: strictly more than 90% orphaned AND strictly less than
// 10% overlap.
func guardTripped(existing, orphans, common int) bool {
	if existing == 0 {
		return false
	}
	return 10*orphans > 9*existing && 10*common < existing
}
