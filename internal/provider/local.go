package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dunamismax/restoreflow/internal/domain"
	"github.com/dunamismax/restoreflow/internal/imaging"
	"github.com/dunamismax/restoreflow/internal/storage"
)

const HeaderModel = "X-Restoreflow-Model"

type LocalOptions struct {
	// ServiceURL addresses a processing service. Empty runs the work in-process.
	ServiceURL     string
	Inputs         storage.Bucket
	Processor      *imaging.Processor
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	MaxOutputBytes int64
}

// LocalProvider completes work synchronously, either in-process or against a
// directly addressable processing service.
type LocalProvider struct {
	serviceURL     string
	inputs         storage.Bucket
	processor      *imaging.Processor
	httpClient     *http.Client
	maxOutputBytes int64
}

var _ Provider = (*LocalProvider)(nil)

func NewLocalProvider(opts LocalOptions) (*LocalProvider, error) {
	if opts.Inputs == nil {
		return nil, errors.New("local provider: input bucket is required")
	}
	serviceURL := strings.TrimRight(strings.TrimSpace(opts.ServiceURL), "/")
	if serviceURL == "" && opts.Processor == nil {
		return nil, errors.New("local provider: processor is required without a service url")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxOutput := opts.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = 100 << 20
	}
	return &LocalProvider{
		serviceURL:     serviceURL,
		inputs:         opts.Inputs,
		processor:      opts.Processor,
		httpClient:     httpClient,
		maxOutputBytes: maxOutput,
	}, nil
}

func (p *LocalProvider) Name() string {
	return NameLocal
}

func (p *LocalProvider) Submit(ctx context.Context, req WorkRequest) (Submission, error) {
	input, err := p.inputs.ReadObject(ctx, req.InputKey)
	if err != nil {
		return Submission{}, &SubmitError{Reason: domain.FailureDownload, Err: err}
	}

	var artifact Artifact
	if p.serviceURL != "" {
		artifact, err = p.callService(ctx, req, input)
	} else {
		artifact, err = p.runInProcess(ctx, req, input)
	}
	if err != nil {
		return Submission{}, err
	}
	return Submission{Artifact: &artifact}, nil
}

func (p *LocalProvider) runInProcess(ctx context.Context, req WorkRequest, input []byte) (Artifact, error) {
	var (
		out imaging.Artifact
		err error
	)
	switch req.Attempt.Kind {
	case domain.AttemptKindAnimation:
		out, err = p.processor.Animate(ctx, input, req.Attempt.Params)
	default:
		out, err = p.processor.Restore(ctx, input, req.Attempt.Params)
	}
	if err != nil {
		return Artifact{}, processingErr(err)
	}
	return Artifact{Data: out.Data, Ext: out.Ext(), ContentType: storage.ContentTypeForExt(out.Ext())}, nil
}

// callService POSTs the raw image to {service}/v1/{kind} with the user params
// as query values and expects the processed image as the response body.
func (p *LocalProvider) callService(ctx context.Context, req WorkRequest, input []byte) (Artifact, error) {
	query := url.Values{}
	for k, v := range userParams(req.Attempt.Params) {
		query.Set(k, v)
	}
	endpoint := p.serviceURL + "/v1/" + string(req.Attempt.Kind)
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(input))
	if err != nil {
		return Artifact{}, dispatchErr(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	if req.Attempt.Model != "" {
		httpReq.Header.Set(HeaderModel, req.Attempt.Model)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Artifact{}, dispatchErr(fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	if err := classifyResponse(resp); err != nil {
		return Artifact{}, processingErr(err)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxOutputBytes+1))
	if err != nil {
		return Artifact{}, processingErr(fmt.Errorf("read response: %w", err))
	}
	if int64(len(data)) > p.maxOutputBytes {
		return Artifact{}, processingErr(fmt.Errorf("service output exceeds %d bytes", p.maxOutputBytes))
	}
	if len(data) == 0 {
		return Artifact{}, &SubmitError{Reason: domain.FailureNoOutput, Err: errors.New("service returned an empty body")}
	}

	contentType := resp.Header.Get("Content-Type")
	return Artifact{Data: data, Ext: extForContentType(contentType), ContentType: contentType}, nil
}

func extForContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "bin"
	}
	switch mediaType {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	case "video/mp4":
		return "mp4"
	case "video/webm":
		return "webm"
	default:
		return "bin"
	}
}
