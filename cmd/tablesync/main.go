package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	"github.com/lmittmann/tint"

	"tablesync/internal/config"
	"tablesync/internal/engine"
	"tablesync/internal/records"
	"tablesync/internal/source/file"
	"tablesync/internal/storage"
	"tablesync/internal/storage/postgres"
)

// main is the entry point for the sync binary. It loads and validates the
// dataset config, connects to the destination, runs every dataset and prints
// the merge reports as JSON on stdout.
func main() {
	var (
		cfgPath  string
		validate bool
	)
	flag.StringVar(&cfgPath, "config", "configs/datasets.json", "dataset config JSON path")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	verbose := flag.Bool("v", false, "enable verbose logs")
	flag.Parse()

	rt, err := config.FromEnv()
	if err != nil {
		fatalf("read environment: %v", err)
	}

	level := parseLevel(rt.LogLevel)
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))

	f, err := config.Load(cfgPath)
	if err != nil {
		fatalf("%v", err)
	}

	issues := config.Validate(f)
	hasError := false
	for _, iss := range issues {
		if iss.Severity == config.SeverityError {
			hasError = true
			log.Error(iss.Message, "path", iss.Path)
		} else {
			log.Warn(iss.Message, "path", iss.Path)
		}
	}
	if hasError {
		log.Error("configuration is invalid", "config", cfgPath)
		os.Exit(1)
	}
	if validate {
		log.Info("configuration is valid", "config", cfgPath)
		os.Exit(0)
	}

	// Environment wins over the config file so one dataset file can travel
	// between deployments.
	dsn := rt.DSN
	if dsn == "" {
		dsn = f.DSN
	}
	if dsn == "" {
		fatalf("no connection string: set TABLESYNC_DSN or the config's dsn field")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := connect(ctx, dsn, log)
	if err != nil {
		fatalf("connect: %v", err)
	}
	defer closeStore()

	eng := engine.New(store, log)
	load := func(ds config.Dataset) ([]records.Record, []string, error) {
		return file.ReadBatch(ds.Source)
	}

	start := time.Now()
	results := eng.RunAll(ctx, f.Datasets, load, rt.MaxParallel)
	log.Info("run finished",
		"datasets", len(results),
		"elapsed", time.Since(start).Truncate(time.Millisecond))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		fatalf("encode results: %v", err)
	}

	for _, res := range results {
		if res.Status != "success" {
			os.Exit(1)
		}
	}
}

// connect opens the destination store, retrying connectivity failures with
// exponential backoff. Schema or configuration errors fail immediately.
func connect(ctx context.Context, dsn string, log *slog.Logger) (*postgres.Store, func(), error) {
	var (
		store     *postgres.Store
		closeFunc func()
	)
	r := retrier.New(retrier.ExponentialBackoff(4, 500*time.Millisecond), connectivityClassifier{})
	err := r.RunCtx(ctx, func(ctx context.Context) error {
		var err error
		store, closeFunc, err = postgres.New(ctx, postgres.Config{DSN: dsn, Log: log})
		if err != nil {
			log.Warn("destination not reachable", "error", err)
		}
		return err
	})
	return store, closeFunc, err
}

// connectivityClassifier retries only transient connectivity errors.
type connectivityClassifier struct{}

func (connectivityClassifier) Classify(err error) retrier.Action {
	if err == nil {
		return retrier.Succeed
	}
	var ce *storage.ConnectivityError
	if errors.As(err, &ce) {
		return retrier.Retry
	}
	return retrier.Fail
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
