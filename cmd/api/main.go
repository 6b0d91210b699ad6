package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/restoreflow/internal/api"
	"github.com/dunamismax/restoreflow/internal/app"
	"github.com/dunamismax/restoreflow/internal/config"
	"github.com/dunamismax/restoreflow/internal/events"
	"github.com/dunamismax/restoreflow/internal/imaging"
	"github.com/dunamismax/restoreflow/internal/logging"
	"github.com/dunamismax/restoreflow/internal/queue"
	"github.com/dunamismax/restoreflow/internal/ratelimit"
	"github.com/dunamismax/restoreflow/internal/reconcile"
	"github.com/dunamismax/restoreflow/internal/telemetry"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.AppEnv, "api")
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "restoreflow-api",
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

	registry := api.NewRegistry()
	components, err := app.Build(ctx, cfg, logger, registry)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer func() {
		if err := components.Close(); err != nil {
			logger.Warn().Err(err).Msg("close components failed")
		}
	}()

	reconciler, err := reconcile.New(reconcile.Options{
		Store:      components.Store,
		Finalizer:  components.Finalizer,
		Fetcher:    reconcile.NewFetcher(components.HTTPClient, components.Staging, cfg.Webhook.MaxArtifactBytes, cfg.Webhook.FetchTimeout),
		Signer:     components.Signer,
		Logger:     logger.With().Str("module", "reconcile").Logger(),
		Registerer: registry,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("reconciler setup failed")
	}

	var scheduler api.Scheduler
	if !cfg.Queue.Inline() {
		queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Worker.HardTimeLimit)
		defer func() {
			if err := queueClient.Close(); err != nil {
				logger.Warn().Err(err).Msg("queue client close failed")
			}
		}()
		scheduler = queueClient
	}

	var limiter api.RateLimiter
	if cfg.API.RateLimitEnabled {
		bucket, err := ratelimit.NewRedisTokenBucket(
			components.RedisClient(),
			ratelimit.Policy{Capacity: cfg.API.RateLimitCapacity, Window: cfg.API.RateLimitWindow},
			ratelimit.DefaultKeyPrefix,
		)
		if err != nil {
			logger.Fatal().Err(err).Msg("rate limiter setup failed")
		}
		limiter = bucket
	}

	server, err := api.NewServer(api.Options{
		Logger:         logger,
		Store:          components.Store,
		Artifacts:      components.Artifacts,
		Dispatcher:     components.Dispatcher,
		Scheduler:      scheduler,
		Reconciler:     reconciler,
		Hub:            components.Hub,
		RateLimiter:    limiter,
		Registry:       registry,
		MaxUploadBytes: cfg.API.MaxUploadBytes,
		InlineTimeout:  cfg.API.InlineDispatchWait,
		Heartbeat:      cfg.Events.Heartbeat,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("api setup failed")
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.API.InlineDispatchWait + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.API.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if components.Redis != nil && cfg.Events.Backend == app.EventsBackendRedis {
		relay := events.NewRelay(components.Redis, events.DefaultChannelPrefix, components.Hub, logger.With().Str("module", "relay").Logger())
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("api stopped with error")
		os.Exit(1)
	}
}
