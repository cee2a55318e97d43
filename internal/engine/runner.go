package engine

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"tablesync/internal/config"
	"tablesync/internal/records"
	"tablesync/internal/storage"
)

// Loader fetches one dataset's batch and the source field order.
type Loader func(ds config.Dataset) ([]records.Record, []string, error)

// RunAll synchronizes every dataset, at most maxParallel at a time, and
// returns one Result per dataset in input order. Datasets are independent by
// construction (config validation rejects two datasets writing one table), so
// a failing dataset never stops the others.
//
// A tripped cleanup safety guard is reported as a warning, not a failure: the
// merge itself succeeded and the guard exists precisely to keep a suspicious
// batch from deleting data.
func (e *Engine) RunAll(ctx context.Context, datasets []config.Dataset, load Loader, maxParallel int) []Result {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	results := make([]Result, len(datasets))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for i, ds := range datasets {
		i, ds := i, ds
		g.Go(func() error {
			results[i] = e.runOne(ctx, ds, load)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) runOne(ctx context.Context, ds config.Dataset, load Loader) Result {
	batch, fields, err := load(ds)
	if err != nil {
		res := Result{Source: ds.SourceTable, Target: ds.TargetTable}
		e.log.Error("loading batch failed", "dataset", ds.Name, "error", err)
		return res.fail(err)
	}

	res := e.Sync(ctx, ds, batch, fields)
	if res.Status != statusSuccess || !ds.CleanupOrphans {
		return res
	}

	stats, err := e.CleanupOrphans(ctx, ds, batch, fields)
	switch {
	case err == nil:
		e.log.Info("orphan cleanup finished",
			"dataset", ds.Name,
			"deleted", stats.DeletedRecords,
			"final_count", stats.FinalCount)
	case isSafetyAbort(err):
		e.log.Warn("orphan cleanup aborted by safety guard",
			"dataset", ds.Name, "reason", stats.Message)
	default:
		e.log.Error("orphan cleanup failed", "dataset", ds.Name, "error", err)
		return res.fail(err)
	}
	return res
}

func isSafetyAbort(err error) bool {
	var abort *storage.SafetyAbortError
	return errors.As(err, &abort)
}
