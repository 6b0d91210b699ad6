package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/dunamismax/restoreflow/internal/app"
	"github.com/dunamismax/restoreflow/internal/config"
	"github.com/dunamismax/restoreflow/internal/imaging"
	"github.com/dunamismax/restoreflow/internal/logging"
	"github.com/dunamismax/restoreflow/internal/telemetry"
	"github.com/dunamismax/restoreflow/internal/worker"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.AppEnv, "worker")
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if cfg.Queue.Inline() {
		logger.Fatal().Msg("QUEUE_MODE=inline dispatches inside the API; the worker has nothing to consume")
	}
	if cfg.Events.Backend != app.EventsBackendRedis {
		logger.Warn().Str("events_backend", cfg.Events.Backend).Msg("events published by the worker will not reach API subscribers")
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "restoreflow-worker",
		Environment:  cfg.AppEnv,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
		Attributes:   map[string]string{"provider": cfg.Provider.Name, "queue_mode": cfg.Queue.Mode},
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	if err := imaging.Startup(); err != nil {
		logger.Fatal().Err(err).Msg("image runtime startup failed")
	}
	defer imaging.Shutdown()

	registry := worker.NewRegistry()
	components, err := app.Build(ctx, cfg, logger, registry)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer func() {
		if err := components.Close(); err != nil {
			logger.Warn().Err(err).Msg("close components failed")
		}
	}()

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, registry, components.Dispatcher)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker setup failed")
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Int("max_active_jobs", cfg.Worker.MaxActiveJobs).
		Str("queue", cfg.Queue.Name).
		Str("redis", cfg.Queue.RedisAddr).
		Str("provider", components.Provider.Name()).
		Msg("starting worker")

	var g errgroup.Group
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Run returns once asynq has handled SIGINT or SIGTERM.
		runErr := srv.Run()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(runErr, metricsServer.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("worker stopped with error")
		os.Exit(1)
	}
}
