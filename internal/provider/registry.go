package provider

import (
	"fmt"
	"net/http"

	"github.com/dunamismax/restoreflow/internal/config"
	"github.com/dunamismax/restoreflow/internal/imaging"
	"github.com/dunamismax/restoreflow/internal/storage"
)

// Deps are the shared collaborators a provider may need.
type Deps struct {
	Artifacts      storage.Bucket
	Staging        storage.Bucket
	Processor      *imaging.Processor
	HTTPClient     *http.Client
	MaxOutputBytes int64
}

// New builds the single provider selected by configuration.
func New(cfg config.ProviderConfig, storageCfg config.StorageConfig, deps Deps) (Provider, error) {
	switch cfg.Name {
	case NameLocal, "":
		return NewLocalProvider(LocalOptions{
			ServiceURL:     cfg.Local.ServiceURL,
			Inputs:         deps.Artifacts,
			Processor:      deps.Processor,
			HTTPClient:     deps.HTTPClient,
			RequestTimeout: cfg.HTTPTimeout,
			MaxOutputBytes: deps.MaxOutputBytes,
		})
	case NameRunpod:
		return NewRunpodProvider(RunpodOptions{
			BaseURL:           cfg.Runpod.BaseURL,
			EndpointID:        cfg.Runpod.EndpointID,
			APIKey:            cfg.Runpod.APIKey,
			RestoreWorkflow:   cfg.Runpod.RestoreWorkflow,
			AnimationWorkflow: cfg.Runpod.AnimationWorkflow,
			Inputs:            deps.Artifacts,
			Staging:           deps.Staging,
			HTTPClient:        deps.HTTPClient,
			RequestTimeout:    cfg.HTTPTimeout,
		})
	case NameReplicate:
		return NewReplicateProvider(ReplicateOptions{
			BaseURL:          cfg.Replicate.BaseURL,
			APIToken:         cfg.Replicate.APIToken,
			RestoreVersion:   cfg.Replicate.RestoreVersion,
			AnimationVersion: cfg.Replicate.AnimationVersion,
			Inputs:           deps.Artifacts,
			PresignExpiry:    storageCfg.PresignExpiry,
			HTTPClient:       deps.HTTPClient,
			RequestTimeout:   cfg.HTTPTimeout,
		})
	default:
		return nil, fmt.Errorf("unsupported provider: %q", cfg.Name)
	}
}
