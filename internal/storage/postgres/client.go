// Package postgres implements the storage.Store contract on Postgres using
// pgx v5. Merges stage the batch into a transaction-scoped temporary table and
// run a single MERGE into the target; cleanup deletes orphans in independently
// committed batches.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tablesync/internal/storage"
)

// Config holds Postgres store configuration.
type Config struct {
	// DSN is the connection string for pgx/pgxpool (e.g., postgresql://...).
	DSN string
	// Log defaults to slog.Default when nil.
	Log *slog.Logger
}

// Store is the Postgres-backed implementation of storage.Store.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New constructs a Store and returns a close function for cleanup. The
// connection is verified up front so obviously bad DSNs fail fast.
func New(ctx context.Context, cfg Config) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, &storage.ConnectivityError{Op: "connect", Err: err}
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	close := func() { pool.Close() }
	return &Store{pool: pool, log: log}, close, nil
}

// classify maps a pgx error onto the storage error taxonomy using its SQLSTATE
// class: 08 = connection, 42 = DDL/syntax, 22 = data/cast. Anything else is
// wrapped with the operation name and returned as-is.
func classify(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"):
			return &storage.ConnectivityError{Op: op, Err: err}
		case strings.HasPrefix(pgErr.Code, "42"):
			return &storage.SchemaError{Table: table, Err: err}
		case strings.HasPrefix(pgErr.Code, "22"):
			return &storage.CastError{Table: table, Err: err}
		}
	}
	return fmt.Errorf("%s %s: %w", op, table, err)
}
