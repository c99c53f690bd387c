// Package main provides the entrypoint for the TripScope API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tripscope/tripscope/internal/analysis"
	"github.com/tripscope/tripscope/internal/api"
	"github.com/tripscope/tripscope/internal/api/middleware"
	"github.com/tripscope/tripscope/internal/config"
	"github.com/tripscope/tripscope/internal/database"
	"github.com/tripscope/tripscope/internal/ingest"
	"github.com/tripscope/tripscope/internal/pipeline"
	"github.com/tripscope/tripscope/internal/resilience"
	"github.com/tripscope/tripscope/internal/telemetry"
	"github.com/tripscope/tripscope/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "tripscope-api"

	// Setup structured logging
	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting TripScope API")

	port := getEnvOrDefault("APP_PORT", "8080")
	env := getEnvOrDefault("APP_ENV", "development")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize OpenTelemetry
	telemetryCfg, err := telemetry.ConfigFromEnv(serviceName, Version, env)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid telemetry configuration")
	}
	tp, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()
	if telemetryCfg.Enabled {
		log.Info().
			Str("otlp_endpoint", telemetryCfg.OTLPEndpoint).
			Float64("sample_ratio", telemetryCfg.SampleRatio).
			Msg("OpenTelemetry initialized")
	}

	metrics, err := middleware.NewMetrics()
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize metrics")
		os.Exit(1) //nolint:gocritic // intentional exit, telemetry cleanup is best-effort
	}

	// Analysis configuration: defaults, optional tuning file, then env.
	cfg := config.Default()
	if path := os.Getenv("TRIPSCOPE_CONFIG_FILE"); path != "" {
		if cfg, err = config.LoadFile(path, cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to load tuning file")
		}
	}
	if cfg, err = config.FromEnv(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid analysis configuration")
	}

	p, err := pipeline.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline")
	}

	registry := resilience.NewRegistry()
	source, closeSource, err := openSource(ctx, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open trip source")
	}
	defer func() {
		if err := closeSource.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close trip source")
		}
	}()

	execCfg := resilience.DefaultExecutorConfig(source.Name())
	execCfg.Registry = registry
	resilient := ingest.NewResilientSource(source, execCfg, log)

	cacheTTL, err := envDuration("ANALYSIS_CACHE_TTL", 15*time.Minute)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid ANALYSIS_CACHE_TTL")
	}
	svc, err := analysis.NewService(analysis.ServiceConfig{
		Source:   resilient,
		Pipeline: p,
		Logger:   log,
		CacheTTL: cacheTTL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create analysis service")
	}
	log.Info().
		Str("source", svc.SourceName()).
		Str("strategy", string(cfg.ClusterStrategy)).
		Int("k_min", cfg.KMin).
		Int("h3_resolution", cfg.H3Resolution).
		Msg("analysis service initialized")

	// Warm the cache so readiness flips without waiting for a query.
	go func() {
		if _, err := svc.Facade(ctx); err != nil {
			log.Warn().Err(err).Msg("initial analysis run failed")
		}
	}()

	// Optional Pub/Sub trigger for scheduled refreshes
	if projectID := os.Getenv("PUBSUB_PROJECT_ID"); projectID != "" {
		job := worker.NewRefreshJob(worker.RefreshJobConfig{
			Config:    worker.DefaultRefreshConfig(),
			Logger:    log,
			Refresher: svc,
			Registry:  registry,
		})
		handler, err := worker.NewPubSubHandler(ctx, worker.PubSubConfig{
			ProjectID:        projectID,
			SubscriptionName: getEnvOrDefault("PUBSUB_SUBSCRIPTION", "tripscope-jobs"),
			RefreshJob:       job,
			Logger:           log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create pubsub handler")
		}
		defer func() { _ = handler.Close() }()

		go func() {
			if err := handler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("pubsub handler stopped")
			}
		}()
	}

	router := api.NewRouter(api.RouterConfig{
		Version:     Version,
		BuildTime:   BuildTime,
		Logger:      log,
		ServiceName: serviceName,
		Metrics:     metrics,
		Analysis:    svc,
		Registry:    registry,
	})

	// POST /v1/runs may take a while on large sources.
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		os.Exit(1)
	}

	log.Info().Msg("server stopped")
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openSource builds the trip source named by TRIPSCOPE_SOURCE.
func openSource(ctx context.Context, log zerolog.Logger) (ingest.Source, io.Closer, error) {
	noop := closerFunc(func() error { return nil })

	switch kind := getEnvOrDefault("TRIPSCOPE_SOURCE", "csv"); kind {
	case "csv":
		return ingest.NewCSVSource(getEnvOrDefault("TRIPSCOPE_CSV_PATH", "data/trips.csv")), noop, nil

	case "sqlite":
		src, err := ingest.OpenSQLite(getEnvOrDefault("TRIPSCOPE_SQLITE_PATH", "data/trips.db"), log)
		if err != nil {
			return nil, nil, err
		}
		return src, src, nil

	case "postgres":
		dbConfig, err := database.ConfigFromEnv()
		if err != nil {
			return nil, nil, err
		}
		pool, err := database.Connect(ctx, dbConfig)
		if err != nil {
			return nil, nil, err
		}
		log.Info().
			Str("host", dbConfig.Host).
			Int("port", dbConfig.Port).
			Str("database", dbConfig.Database).
			Str("table", dbConfig.Table).
			Msg("database connected")

		src, err := ingest.NewPostgresSource(pool, dbConfig.Table)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return src, closerFunc(func() error { pool.Close(); return nil }), nil

	default:
		return nil, nil, &config.ConfigurationError{
			Field:  "TRIPSCOPE_SOURCE",
			Reason: fmt.Sprintf("unknown source %q, want csv, sqlite or postgres", kind),
		}
	}
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
