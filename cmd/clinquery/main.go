// Package main provides the clinquery analytics API service.
//
// The service executes stored view definitions against a clinical document
// store through a dual-layer serving path: materialized views for batch
// reads, with a recent-writes cache surfacing documents the batch layer has
// not absorbed yet.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/clinquery/clinquery/internal/api"
	"github.com/clinquery/clinquery/internal/api/middleware"
	"github.com/clinquery/clinquery/internal/cohort"
	"github.com/clinquery/clinquery/internal/config"
	"github.com/clinquery/clinquery/internal/matview"
	"github.com/clinquery/clinquery/internal/runner"
	"github.com/clinquery/clinquery/internal/speedlayer"
	"github.com/clinquery/clinquery/internal/storage"
	"github.com/clinquery/clinquery/internal/transpiler"
	"github.com/clinquery/clinquery/internal/views"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "clinquery"
)

const defaultResultCacheTTL = 5 * time.Minute

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting clinquery service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// Load rate limiter configuration
	middlewareConfig := middleware.LoadConfig()

	// Create rate limiter instance (graceful shutdown handled by server.shutdown())
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("client_rps", middlewareConfig.ClientRPS),
		slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
	)

	// Connect to the document store
	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	var apiKeyStore storage.APIKeyStore

	authEnabled := config.GetEnvBool("CLINQUERY_AUTH_ENABLED", false)
	if authEnabled {
		apiKeyStore, err = storage.NewPersistentKeyStore(dbConn)
		if err != nil {
			logger.Error("Failed to connect to persistent key store", slog.String("error", err.Error()))

			_ = dbConn.Close()
			//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
			os.Exit(1)
		}

		logger.Info("Client authentication enabled",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
		)
	} else {
		logger.Warn("Client authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set CLINQUERY_AUTH_ENABLED=true to enable API key authentication"),
		)
	}

	// View definition store, seeded with the built-in definitions
	viewStore, err := views.NewStore(config.GetEnvStr("CLINQUERY_VIEWS_DIR", "view_definitions"), logger)
	if err != nil {
		logger.Error("Failed to open view definition store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	if err := viewStore.SeedBuiltIns(); err != nil {
		logger.Warn("Failed to seed built-in view definitions", slog.String("error", err.Error()))
	}

	tp := transpiler.New(logger)

	matviews := matview.NewService(
		dbConn,
		tp,
		storageConfig.Schema,
		config.GetEnvDuration("CLINQUERY_STALENESS_THRESHOLD", matview.DefaultStalenessThreshold),
		logger,
	)

	// Speed layer: recent-writes cache fed by Kafka when brokers are
	// configured, otherwise by polling the document store.
	speedConfig := speedlayer.LoadConfig()

	var speedStore speedlayer.Store

	if speedConfig.Enabled {
		store, storeErr := speedlayer.NewPostgresStore(dbConn, speedConfig.CleanupPeriod, logger)
		if storeErr != nil {
			logger.Warn("Falling back to in-memory recent-writes cache", slog.String("error", storeErr.Error()))

			speedStore = speedlayer.NewMemoryStore()
		} else {
			speedStore = store
		}

		defer func() {
			_ = speedStore.Close()
		}()

		kafkaConfig := speedlayer.LoadKafkaConfig()
		if kafkaConfig.Enabled() {
			source := speedlayer.NewKafkaSource(kafkaConfig, speedStore, speedConfig, logger)

			go func() {
				if runErr := source.Run(context.Background()); runErr != nil {
					logger.Error("Kafka source stopped", slog.String("error", runErr.Error()))
				}
			}()

			defer func() {
				_ = source.Close()
			}()

			logger.Info("Speed layer fed from Kafka",
				slog.String("topic", kafkaConfig.Topic),
			)
		} else {
			ingestor := speedlayer.NewIngestor(dbConn, speedStore, speedConfig, logger)
			ingestor.Start()

			defer ingestor.Stop()

			logger.Info("Speed layer fed by document store polling",
				slog.Duration("poll_interval", speedConfig.PollInterval),
			)
		}
	} else {
		logger.Info("Speed layer disabled")
	}

	serving := buildRunner(dbConn, tp, matviews, speedStore, storageConfig.Schema, logger)

	validator := matview.NewValidator(dbConn, storageConfig.Schema, logger)

	if config.GetEnvBool("CLINQUERY_SKIP_VALIDATION", false) {
		logger.Warn("Startup integrity validation skipped",
			slog.String("note", "Unset CLINQUERY_SKIP_VALIDATION to validate the analytics schema at startup"),
		)
	} else if !runStartupValidation(validator, logger) {
		_ = dbConn.Close()
		os.Exit(1)
	}

	engine := &api.Engine{
		Runner:       serving,
		Views:        viewStore,
		Matviews:     matviews,
		Validator:    validator,
		Cohort:       cohort.NewPlanner(dbConn, storageConfig.Schema, logger),
		Conn:         dbConn,
		DefaultLimit: config.GetEnvInt("CLINQUERY_DEFAULT_LIMIT", 0),
	}

	server := api.NewServer(serverConfig, engine, apiKeyStore, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("clinquery service stopped")
}

// runStartupValidation runs the integrity suite against the analytics schema
// and reports whether the service may start.
func runStartupValidation(validator *matview.Validator, logger *slog.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(),
		config.GetEnvDuration("CLINQUERY_VALIDATION_TIMEOUT", 2*time.Minute))
	defer cancel()

	report, err := validator.Validate(ctx)
	if err != nil {
		logger.Error("Startup integrity validation could not run", slog.String("error", err.Error()))

		return false
	}

	if !report.OverallPassed {
		for _, result := range report.Results {
			if result.Passed {
				continue
			}

			logger.Error("Integrity check failed",
				slog.String("check", result.Check),
				slog.String("view", result.View),
				slog.Int64("invalid", result.Invalid),
			)
		}

		return false
	}

	return true
}

// buildRunner assembles the serving runner for the configured mode. The
// default hybrid mode layers the recent-writes cache over the batch path;
// the other modes pin serving to a single layer for operations and testing.
func buildRunner(
	dbConn *storage.Connection,
	tp *transpiler.Transpiler,
	matviews *matview.Service,
	speedStore speedlayer.Store,
	schema string,
	logger *slog.Logger,
) runner.Runner {
	configPath := config.GetEnvStr(speedlayer.ConfigPathEnvVar, speedlayer.DefaultConfigPath)

	materializedOpts := []runner.MaterializedRunnerOption{}
	if overrides := runner.LoadParamColumns(configPath, logger); len(overrides) > 0 {
		materializedOpts = append(materializedOpts, runner.WithParamColumns(overrides))
	}

	materialized := runner.NewMaterializedRunner(dbConn, schema, logger, materializedOpts...)

	relational := runner.NewPostgresRunner(dbConn, tp, logger,
		runner.WithResultCache(config.GetEnvDuration("CLINQUERY_RESULT_CACHE_TTL", defaultResultCacheTTL)),
	)

	mode := config.GetEnvStr("CLINQUERY_RUNNER_MODE", "hybrid")

	switch mode {
	case "materialized":
		logger.Info("Serving pinned to materialized views")

		return materialized
	case "postgres":
		logger.Info("Serving pinned to relational transpilation")

		return relational
	case "in_memory":
		logger.Info("Serving pinned to the recent-writes cache")

		if speedStore == nil {
			speedStore = speedlayer.NewMemoryStore()
		}

		return runner.NewSpeedRunner(speedStore, logger)
	default:
		opts := []runner.HybridRunnerOption{}
		if speedStore != nil {
			opts = append(opts, runner.WithSpeedLayer(runner.NewSpeedRunner(speedStore, logger)))
		}

		logger.Info("Hybrid serving enabled", slog.Bool("speed_layer", speedStore != nil))

		return runner.NewHybridRunner(materialized, relational, matviews, logger, opts...)
	}
}
