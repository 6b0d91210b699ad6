package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/restoreflow/internal/domain"
	"github.com/dunamismax/restoreflow/internal/storage"
)

var ErrMissingReplicateToken = errors.New("replicate: api token is required")

type ReplicateOptions struct {
	BaseURL          string
	APIToken         string
	RestoreVersion   string
	AnimationVersion string
	// Inputs is the artifact bucket; the prediction reads its input through a presigned URL.
	Inputs         storage.Bucket
	PresignExpiry  time.Duration
	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

// ReplicateProvider creates predictions on a hosted prediction API. Completion
// arrives through the replicate webhook scoped to the attempt id.
type ReplicateProvider struct {
	baseURL       string
	apiToken      string
	versions      map[domain.AttemptKind]string
	inputs        storage.Bucket
	presignExpiry time.Duration
	httpClient    *http.Client
}

var _ Provider = (*ReplicateProvider)(nil)

type predictionRequest struct {
	Version             string         `json:"version"`
	Input               map[string]any `json:"input"`
	Webhook             string         `json:"webhook"`
	WebhookEventsFilter []string       `json:"webhook_events_filter"`
}

type predictionResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func NewReplicateProvider(opts ReplicateOptions) (*ReplicateProvider, error) {
	if strings.TrimSpace(opts.APIToken) == "" {
		return nil, ErrMissingReplicateToken
	}
	if opts.Inputs == nil {
		return nil, errors.New("replicate: input bucket is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.replicate.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	expiry := opts.PresignExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &ReplicateProvider{
		baseURL:  baseURL,
		apiToken: strings.TrimSpace(opts.APIToken),
		versions: map[domain.AttemptKind]string{
			domain.AttemptKindRestore:   strings.TrimSpace(opts.RestoreVersion),
			domain.AttemptKindAnimation: strings.TrimSpace(opts.AnimationVersion),
		},
		inputs:        opts.Inputs,
		presignExpiry: expiry,
		httpClient:    httpClient,
	}, nil
}

func (p *ReplicateProvider) Name() string {
	return NameReplicate
}

// Submit creates one prediction. An explicit attempt model overrides the
// configured version for its kind.
func (p *ReplicateProvider) Submit(ctx context.Context, req WorkRequest) (Submission, error) {
	version := strings.TrimSpace(req.Attempt.Model)
	if version == "" {
		version = p.versions[req.Attempt.Kind]
	}
	if version == "" {
		return Submission{}, dispatchErr(fmt.Errorf("replicate: no model version configured for %s", req.Attempt.Kind))
	}

	imageURL, err := p.inputs.PresignedGetURL(ctx, req.InputKey, p.presignExpiry)
	if err != nil {
		return Submission{}, dispatchErr(fmt.Errorf("presign input: %w", err))
	}

	input := map[string]any{"image": imageURL}
	for k, v := range userParams(req.Attempt.Params) {
		if k == "image" {
			continue
		}
		input[k] = v
	}

	payload := predictionRequest{
		Version:             version,
		Input:               input,
		Webhook:             req.CallbackURL,
		WebhookEventsFilter: []string{"completed"},
	}

	var decoded predictionResponse
	headers := map[string]string{"Authorization": "Bearer " + p.apiToken}
	if err := postJSON(ctx, p.httpClient, p.baseURL+"/v1/predictions", headers, payload, &decoded); err != nil {
		return Submission{}, dispatchErr(fmt.Errorf("replicate: %w", err))
	}
	if strings.TrimSpace(decoded.ID) == "" {
		return Submission{}, dispatchErr(errors.New("replicate: response missing prediction id"))
	}

	return Submission{
		ProviderJobID: decoded.ID,
		Params:        domain.Params{ParamProviderStatus: decoded.Status},
	}, nil
}
