package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/dunamismax/restoreflow/internal/domain"
	"github.com/dunamismax/restoreflow/internal/storage"
)

var ErrMissingRunpodCredentials = errors.New("runpod: endpoint id and api key are required")

type RunpodOptions struct {
	BaseURL           string
	EndpointID        string
	APIKey            string
	RestoreWorkflow   string
	AnimationWorkflow string
	// Inputs is the artifact bucket; Staging is the provider-managed bucket
	// the worker reads from.
	Inputs         storage.Bucket
	Staging        storage.Bucket
	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

// RunpodProvider submits work to a serverless GPU endpoint queue. Completion
// arrives through the runpod webhook.
type RunpodProvider struct {
	baseURL    string
	endpointID string
	apiKey     string
	workflows  map[domain.AttemptKind]string
	inputs     storage.Bucket
	staging    storage.Bucket
	httpClient *http.Client
}

var _ Provider = (*RunpodProvider)(nil)

type runpodRunRequest struct {
	Input   runpodInput `json:"input"`
	Webhook string      `json:"webhook"`
}

type runpodInput struct {
	Workflow string            `json:"workflow"`
	Model    string            `json:"model,omitempty"`
	Images   []runpodImage     `json:"images"`
	Params   map[string]string `json:"params,omitempty"`
}

type runpodImage struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type runpodRunResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func NewRunpodProvider(opts RunpodOptions) (*RunpodProvider, error) {
	if strings.TrimSpace(opts.EndpointID) == "" || strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrMissingRunpodCredentials
	}
	if opts.Inputs == nil || opts.Staging == nil {
		return nil, errors.New("runpod: input and staging buckets are required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.runpod.ai/v2"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	restore := strings.TrimSpace(opts.RestoreWorkflow)
	if restore == "" {
		restore = "restore"
	}
	animation := strings.TrimSpace(opts.AnimationWorkflow)
	if animation == "" {
		animation = "animate"
	}
	return &RunpodProvider{
		baseURL:    baseURL,
		endpointID: strings.TrimSpace(opts.EndpointID),
		apiKey:     strings.TrimSpace(opts.APIKey),
		workflows: map[domain.AttemptKind]string{
			domain.AttemptKindRestore:   restore,
			domain.AttemptKindAnimation: animation,
		},
		inputs:     opts.Inputs,
		staging:    opts.Staging,
		httpClient: httpClient,
	}, nil
}

func (p *RunpodProvider) Name() string {
	return NameRunpod
}

func (p *RunpodProvider) Submit(ctx context.Context, req WorkRequest) (Submission, error) {
	input, err := p.inputs.ReadObject(ctx, req.InputKey)
	if err != nil {
		return Submission{}, &SubmitError{Reason: domain.FailureDownload, Err: err}
	}

	name := "input." + sniffExt(input, req.InputKey)
	stagedKey := StagedInputKey(req.Attempt.ID, name)
	if err := p.staging.WriteObject(ctx, stagedKey, input, "application/octet-stream"); err != nil {
		return Submission{}, dispatchErr(fmt.Errorf("stage input: %w", err))
	}

	payload := runpodRunRequest{
		Input: runpodInput{
			Workflow: p.workflows[req.Attempt.Kind],
			Model:    req.Attempt.Model,
			Images:   []runpodImage{{Name: name, Path: stagedKey}},
			Params:   userParams(req.Attempt.Params),
		},
		Webhook: req.CallbackURL,
	}

	var decoded runpodRunResponse
	endpoint := p.baseURL + "/" + p.endpointID + "/run"
	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	if err := postJSON(ctx, p.httpClient, endpoint, headers, payload, &decoded); err != nil {
		return Submission{}, dispatchErr(fmt.Errorf("runpod: %w", err))
	}
	if strings.TrimSpace(decoded.ID) == "" {
		return Submission{}, dispatchErr(errors.New("runpod: response missing job id"))
	}

	return Submission{
		ProviderJobID: decoded.ID,
		Params: domain.Params{
			ParamStagedInputKey: stagedKey,
			ParamProviderStatus: decoded.Status,
		},
	}, nil
}

// StagedInputKey is where an attempt's input lives in the provider bucket.
func StagedInputKey(attemptID, name string) string {
	return path.Join("inputs", attemptID, name)
}

func sniffExt(data []byte, key string) string {
	if ext := extForContentType(http.DetectContentType(data)); ext != "bin" {
		return ext
	}
	if ext := strings.TrimPrefix(strings.ToLower(path.Ext(key)), "."); ext != "" {
		return ext
	}
	return "bin"
}
