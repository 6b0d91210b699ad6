package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/restoreflow/internal/domain"
)

// Params recorded by asynchronous providers.
const (
	ParamStagedInputKey = "staged_input_key"
	ParamProviderStatus = "provider_status"
)

const (
	NameLocal     = "local"
	NameRunpod    = "runpod"
	NameReplicate = "replicate"
)

// WorkRequest is a prepared attempt ready for submission.
type WorkRequest struct {
	Attempt domain.Attempt
	// InputKey is the artifact bucket key of the image to process.
	InputKey    string
	CallbackURL string
}

// Artifact is a result produced synchronously by a provider.
type Artifact struct {
	Data        []byte
	Ext         string
	ContentType string
}

// Submission describes how a provider accepted the work. Synchronous providers
// return the Artifact; asynchronous ones return the ProviderJobID that the
// webhook will later carry.
type Submission struct {
	Artifact      *Artifact
	ProviderJobID string
	Params        domain.Params
}

func (s Submission) Async() bool {
	return s.Artifact == nil
}

// Provider submits work to one compute backend.
type Provider interface {
	Name() string
	Submit(ctx context.Context, req WorkRequest) (Submission, error)
}

// SubmitError tags a submission failure with the reason recorded on the attempt.
type SubmitError struct {
	Reason domain.FailureReason
	Err    error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

func dispatchErr(err error) error {
	return &SubmitError{Reason: domain.FailureDispatch, Err: err}
}

func processingErr(err error) error {
	return &SubmitError{Reason: domain.FailureProcessing, Err: err}
}

// ReasonOf returns the failure reason carried by err, defaulting to dispatch_failed.
func ReasonOf(err error) domain.FailureReason {
	var submitErr *SubmitError
	if errors.As(err, &submitErr) {
		return submitErr.Reason
	}
	return domain.FailureDispatch
}

// userParams strips bookkeeping keys so only caller-supplied options reach a provider.
func userParams(params domain.Params) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		switch k {
		case domain.ParamProvider, domain.ParamModel, domain.ParamProviderJobID,
			domain.ParamInputKey, domain.ParamError, domain.ParamCompletedAt,
			ParamStagedInputKey, ParamProviderStatus:
			continue
		}
		out[k] = v
	}
	return out
}
