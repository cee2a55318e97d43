package postgres

import (
	"context"
	"fmt"
	"strings"

	"tablesync/internal/schema"
	"tablesync/internal/storage"
)

// Columns the engine always maintains on every destination table. They are
// appended on create and never supplied by batches.
const (
	stalenessColumn = "is_vector"
	updatedColumn   = "updated_at"
)

// Reconcile ensures req.Table exists with at least the columns in req.Specs.
// Missing columns are added with one additive ALTER each; existing columns are
// never dropped or retyped, so reconciling a strict subset of previously seen
// columns is a no-op. Calling Reconcile twice with the same specs issues no
// further DDL.
func (s *Store) Reconcile(ctx context.Context, req storage.ReconcileRequest) error {
	exists, err := s.tableExists(ctx, req.Table)
	if err != nil {
		return err
	}

	if !exists {
		stmt, err := buildCreateTableSQL(req)
		if err != nil {
			return &storage.SchemaError{Table: req.Table, Err: err}
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return classify("create table", req.Table, err)
		}
		s.log.Info("created table", "table", req.Table, "columns", len(req.Specs))
		return nil
	}

	existing, err := s.existingColumns(ctx, req.Table)
	if err != nil {
		return err
	}
	added := 0
	for _, spec := range missingColumns(req.Specs, existing) {
		stmt := fmt.Sprintf(
			"ALTER TABLE %s ADD COLUMN %s %s",
			pgFQN(req.Table), pgIdent(spec.Name), schema.ResolveType(spec.Name, spec.Type),
		)
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return classify("alter table", req.Table, err)
		}
		added++
	}
	if added > 0 {
		s.log.Info("added missing columns", "table", req.Table, "count", added)
	}
	return nil
}

func (s *Store) tableExists(ctx context.Context, table string) (bool, error) {
	schemaName, tableName := splitTable(table)
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = $2
		)`,
		schemaName, tableName,
	).Scan(&exists)
	if err != nil {
		return false, &storage.ConnectivityError{Op: "table lookup", Err: err}
	}
	return exists, nil
}

// existingColumns returns the destination's column names, lowercased.
func (s *Store) existingColumns(ctx context.Context, table string) (map[string]struct{}, error) {
	schemaName, tableName := splitTable(table)
	rows, err := s.pool.Query(ctx,
		`SELECT lower(column_name)
		 FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name = $2`,
		schemaName, tableName,
	)
	if err != nil {
		return nil, &storage.ConnectivityError{Op: "column lookup", Err: err}
	}
	defer rows.Close()

	cols := map[string]struct{}{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &storage.ConnectivityError{Op: "column lookup", Err: err}
		}
		cols[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, &storage.ConnectivityError{Op: "column lookup", Err: err}
	}
	return cols, nil
}

// missingColumns computes incoming minus existing, in spec order. The reverse
// difference (existing minus incoming) is deliberately ignored: removal is an
// explicit administrative operation, never done here.
func missingColumns(specs []schema.ColumnSpec, existing map[string]struct{}) []schema.ColumnSpec {
	var missing []schema.ColumnSpec
	for _, spec := range specs {
		if _, ok := existing[spec.Name]; !ok {
			missing = append(missing, spec)
		}
	}
	return missing
}

// buildCreateTableSQL renders the CREATE TABLE statement for a new target:
// one column per spec plus the implicit staleness flag and update timestamp.
// The key columns form the primary key unless a surrogate UUID key is
// configured, in which case the surrogate leads the column list.
func buildCreateTableSQL(req storage.ReconcileRequest) (string, error) {
	if strings.TrimSpace(req.Table) == "" {
		return "", fmt.Errorf("table name must not be empty")
	}
	if len(req.Specs) == 0 {
		return "", fmt.Errorf("at least one column is required")
	}

	cols := make([]string, 0, len(req.Specs)+3)
	if req.SurrogateKey != "" {
		cols = append(cols, fmt.Sprintf(
			"%s UUID PRIMARY KEY DEFAULT gen_random_uuid()", pgIdent(req.SurrogateKey),
		))
	}
	for _, spec := range req.Specs {
		if spec.Name == stalenessColumn || spec.Name == updatedColumn || spec.Name == req.SurrogateKey {
			continue
		}
		cols = append(cols, pgIdent(spec.Name)+" "+schema.ResolveType(spec.Name, spec.Type))
	}
	cols = append(cols,
		pgIdent(stalenessColumn)+" BOOLEAN DEFAULT FALSE",
		pgIdent(updatedColumn)+" TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP",
	)
	if req.SurrogateKey == "" {
		if len(req.KeyColumns) == 0 {
			return "", fmt.Errorf("key columns required when no surrogate key is set")
		}
		cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(mapIdent(req.KeyColumns), ", ")))
	}

	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
		pgFQN(req.Table),
		strings.Join(cols, ",\n  "),
	), nil
}
