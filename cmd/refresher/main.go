// Package main provides the batch-layer refresh CLI for clinquery.
//
// The refresher is meant for cron or CI schedules: it connects to the
// document store, refreshes materialized views, prints a summary, and exits
// non-zero when any refresh failed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/clinquery/clinquery/internal/config"
	"github.com/clinquery/clinquery/internal/matview"
	"github.com/clinquery/clinquery/internal/storage"
	"github.com/clinquery/clinquery/internal/transpiler"
)

// Build-time version information, set with -ldflags.
var (
	Version = "1.0.0-dev"
	name    = "refresher"
)

const defaultRunTimeout = 30 * time.Minute

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version information")
		staleOnly   = flag.Bool("stale-only", false, "Refresh only views past the staleness threshold")
		timeout     = flag.Duration("timeout", defaultRunTimeout, "Overall run timeout")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, Version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("CLINQUERY_SERVER_LOG_LEVEL", slog.LevelInfo),
	}))

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	defer func() {
		_ = dbConn.Close()
	}()

	service := matview.NewService(
		dbConn,
		transpiler.New(logger),
		storageConfig.Schema,
		config.GetEnvDuration("CLINQUERY_STALENESS_THRESHOLD", matview.DefaultStalenessThreshold),
		logger,
	)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	started := time.Now()

	var summary *matview.RefreshSummary

	if *staleOnly {
		summary, err = service.CheckAndRefreshStale(ctx)
	} else {
		summary, err = service.RefreshAll(ctx)
	}

	if err != nil {
		logger.Error("Refresh sweep failed", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("Refresh sweep completed",
		slog.Int("total", summary.Total),
		slog.Int("refreshed", summary.Refreshed),
		slog.Int("failed", summary.Failed),
		slog.Duration("elapsed", time.Since(started)),
	)

	for _, msg := range summary.Errors {
		logger.Error("View refresh failed", slog.String("detail", msg))
	}

	if summary.Failed > 0 {
		_ = dbConn.Close()
		os.Exit(1)
	}
}
