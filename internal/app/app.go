// Package app assembles the collaborators shared by the restoreflow binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dunamismax/restoreflow/internal/config"
	"github.com/dunamismax/restoreflow/internal/dispatch"
	"github.com/dunamismax/restoreflow/internal/events"
	"github.com/dunamismax/restoreflow/internal/imaging"
	"github.com/dunamismax/restoreflow/internal/lifecycle"
	"github.com/dunamismax/restoreflow/internal/provider"
	"github.com/dunamismax/restoreflow/internal/storage"
	"github.com/dunamismax/restoreflow/internal/store"
	"github.com/dunamismax/restoreflow/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const EventsBackendRedis = "redis"

type Components struct {
	Config     config.Config
	Store      store.AttemptStore
	Artifacts  storage.Bucket
	Staging    storage.Bucket
	Processor  *imaging.Processor
	Provider   provider.Provider
	Signer     *webhook.Signer
	Hub        *events.Hub
	Publisher  events.Publisher
	Finalizer  *lifecycle.Finalizer
	Dispatcher *dispatch.Dispatcher
	// Redis is set when the events backend or rate limiting needs it.
	Redis      redis.UniversalClient
	HTTPClient *http.Client
}

// Build opens storage and the attempt store and wires the dispatch path.
// Metrics register on registry when it is non-nil.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger, registry prometheus.Registerer) (*Components, error) {
	c := &Components{
		Config:     cfg,
		Signer:     webhook.NewSigner(cfg.API.PublicBaseURL, cfg.Webhook.Secret),
		Hub:        events.NewHub(cfg.Events.SubscriberBuffer, logger.With().Str("module", "events").Logger()),
		HTTPClient: &http.Client{},
	}
	if !c.Signer.Enabled() {
		logger.Warn().Msg("WEBHOOK_SECRET is empty; callback tokens are not verified")
	}

	var err error
	c.Store, err = store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	c.Artifacts, err = openBucket(ctx, cfg.Storage, cfg.Storage.Bucket)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("open artifact bucket: %w", err)
	}
	c.Staging, err = openBucket(ctx, cfg.Storage, cfg.Storage.ProviderBucket)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("open provider bucket: %w", err)
	}

	c.Processor, err = imaging.NewProcessor()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("build image processor: %w", err)
	}

	c.Provider, err = provider.New(cfg.Provider, cfg.Storage, provider.Deps{
		Artifacts:      c.Artifacts,
		Staging:        c.Staging,
		Processor:      c.Processor,
		HTTPClient:     c.HTTPClient,
		MaxOutputBytes: cfg.Webhook.MaxArtifactBytes,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("build provider: %w", err)
	}

	c.Publisher = c.Hub
	if cfg.Events.Backend == EventsBackendRedis {
		c.Redis = c.redisClient()
		c.Publisher = events.NewRedisBroker(c.Redis, events.DefaultChannelPrefix)
	}

	c.Finalizer = lifecycle.NewFinalizer(
		c.Store,
		c.Artifacts,
		c.Processor,
		c.Publisher,
		logger.With().Str("module", "lifecycle").Logger(),
	)

	c.Dispatcher, err = dispatch.New(dispatch.Options{
		Store:      c.Store,
		Provider:   c.Provider,
		Signer:     c.Signer,
		Finalizer:  c.Finalizer,
		Logger:     logger.With().Str("module", "dispatch").Logger(),
		Registerer: registry,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}

	logger.Info().
		Str("provider", c.Provider.Name()).
		Str("artifact_bucket", c.Artifacts.Bucket()).
		Str("events_backend", cfg.Events.Backend).
		Bool("inline_dispatch", cfg.Queue.Inline()).
		Msg("components ready")
	return c, nil
}

// RedisClient returns the shared go-redis client, creating it on first use.
func (c *Components) RedisClient() redis.UniversalClient {
	if c.Redis == nil {
		c.Redis = c.redisClient()
	}
	return c.Redis
}

func (c *Components) redisClient() redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     c.Config.Queue.RedisAddr,
		Password: c.Config.Queue.RedisPassword,
		DB:       c.Config.Queue.RedisDB,
	})
}

func (c *Components) Close() error {
	var errs []error
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
	}
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	return errors.Join(errs...)
}

func openBucket(ctx context.Context, cfg config.StorageConfig, name string) (storage.Bucket, error) {
	bucket, err := storage.Open(storage.Config{
		Endpoint: cfg.Endpoint,
		Access:   cfg.AccessKey,
		Secret:   cfg.SecretKey,
		Bucket:   name,
		UseSSL:   cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	if err := bucket.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return bucket, nil
}
