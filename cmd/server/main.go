package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"safe-python-sandbox/internal/api"
	"safe-python-sandbox/internal/config"
	"safe-python-sandbox/internal/monitor"
	"safe-python-sandbox/internal/sandbox"
	"safe-python-sandbox/internal/storage"
)

var version = "dev"

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracing, err := monitor.InitTracing(ctx, monitor.TracingOptions{
		Enabled:    cfg.Tracing.Enabled,
		Endpoint:   cfg.Tracing.Endpoint,
		SampleRate: cfg.Tracing.Sample,
		Version:    version,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracing")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("tracing shutdown error")
		}
	}()

	// Initialize metrics
	metrics := monitor.NewMetrics()

	// Initialize database (optional, runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN, storage.PoolOptions{
			MaxConns:        int32(cfg.Database.MaxOpenConns),
			MinConns:        int32(cfg.Database.MaxIdleConns),
			MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
			db = nil
		} else if err := db.Migrate(ctx); err != nil {
			log.Warn().Err(err).Msg("database migration failed, audit logging disabled")
			db.Close()
			db = nil
		} else {
			defer db.Close()
		}
	}

	opts := []sandbox.Option{
		sandbox.WithMetrics(metrics),
		sandbox.WithTracer(monitor.NewTracer()),
	}

	// Archive terminal executions (buffered, reliable logging)
	var archive api.Archive
	if db != nil {
		auditWriter := storage.NewAuditWriter(db, cfg.Sandbox.Runtime, cfg.Database.AuditBuffer)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
		opts = append(opts, sandbox.WithRecorder(auditWriter))
		archive = db
	}

	// The server keeps running without a coordinator so health and metrics
	// stay reachable for debugging.
	var coord api.Coordinator
	coordinator, err := sandbox.NewCoordinator(ctx, cfg.Sandbox, opts...)
	if err != nil {
		log.Error().Err(err).Msg("sandbox unavailable, executions will be rejected")
	} else {
		coord = coordinator
	}

	server := api.NewServer(cfg, coord, archive, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("version", version).
		Bool("db_enabled", db != nil).
		Bool("sandbox_available", coordinator != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	// Drain workers before the audit writer flushes so every terminal
	// state is archived.
	if coordinator != nil {
		if err := coordinator.Close(); err != nil {
			log.Error().Err(err).Msg("sandbox close error")
		}
	}

	log.Info().Msg("server stopped")
}
