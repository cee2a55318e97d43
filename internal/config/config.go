// Package config defines the JSON-serializable configuration model for the
// sync engine: which datasets to synchronize, into which tables, keyed how.
// Runtime settings that vary per deployment (connection string, log level)
// come from the environment instead of the file, so the same dataset file can
// travel between environments.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
)

// Dataset describes one synchronized table: where its batches come from and
// how they merge into the destination.
type Dataset struct {
	// Name identifies the dataset in logs and reports.
	Name string `json:"name" validate:"required"`

	// Source is the path of the batch file (JSON array of records) produced
	// by the extraction step.
	Source string `json:"source" validate:"required"`

	// SourceTable labels where the batch came from, for reporting only.
	SourceTable string `json:"source_table"`

	// TargetTable is the destination table, optionally schema-qualified.
	TargetTable string `json:"target_table" validate:"required"`

	// KeyColumns uniquely identify a destination row. Composite keys are
	// supported; names are matched against the batch after normalization.
	KeyColumns []string `json:"key_columns" validate:"min=1,dive,required"`

	// SurrogateKey, when set, names a generated UUID primary-key column used
	// instead of the natural key (e.g., partner_uid).
	SurrogateKey string `json:"surrogate_key"`

	// ChangeTrackedColumns lists the business columns whose change resets the
	// staleness flag. Empty means every non-key, non-technical column.
	ChangeTrackedColumns []string `json:"change_tracked_columns"`

	// Types optionally declares logical types per source field name
	// (UUID, TEXT, BOOLEAN, INTEGER, NUMERIC, TIMESTAMP, VARCHAR).
	Types map[string]string `json:"types"`

	// BatchSize bounds how many records go into one merge transaction.
	BatchSize int `json:"batch_size"`

	// CleanupOrphans enables the orphan-deletion pass after the merge.
	CleanupOrphans bool `json:"cleanup_orphans"`

	// DeleteBatchSize bounds each cleanup delete statement.
	DeleteBatchSize int `json:"delete_batch_size"`
}

// File is the top-level object decoded from a dataset file.
type File struct {
	// DSN may be set in the file for local use; the environment wins.
	DSN      string    `json:"dsn"`
	Datasets []Dataset `json:"datasets" validate:"min=1,dive"`
}

// Runtime holds per-deployment settings read from the environment.
type Runtime struct {
	DSN         string `env:"TABLESYNC_DSN"`
	LogLevel    string `env:"TABLESYNC_LOG_LEVEL" envDefault:"info"`
	MaxParallel int    `env:"TABLESYNC_MAX_PARALLEL" envDefault:"2"`
}

const defaultBatchSize = 1000

// Load decodes a dataset file and applies defaults.
func Load(path string) (File, error) {
	var f File
	raw, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("open config: %w", err)
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, fmt.Errorf("decode config: %w", err)
	}
	for i := range f.Datasets {
		ds := &f.Datasets[i]
		if ds.BatchSize <= 0 {
			ds.BatchSize = defaultBatchSize
		}
		if ds.DeleteBatchSize <= 0 {
			ds.DeleteBatchSize = defaultBatchSize
		}
		if ds.SourceTable == "" {
			ds.SourceTable = ds.Name
		}
	}
	return f, nil
}

// FromEnv reads the runtime settings from the environment.
func FromEnv() (Runtime, error) {
	var r Runtime
	if err := env.Parse(&r); err != nil {
		return r, fmt.Errorf("parse env: %w", err)
	}
	return r, nil
}
