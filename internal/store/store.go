package store

import (
	"context"
	"errors"
	"time"

	"github.com/dunamismax/restoreflow/internal/domain"
)

var (
	ErrJobNotFound           = errors.New("job not found")
	ErrAttemptNotFound       = errors.New("attempt not found")
	ErrOwnershipMismatch     = errors.New("attempt does not belong to job")
	ErrAttemptNotSucceeded   = errors.New("attempt has not succeeded")
	ErrPointerKindMismatch   = errors.New("attempt kind does not match pointer")
	ErrAttemptNotInFlight    = errors.New("attempt is not in flight")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrProviderJobIDConflict = errors.New("provider job id is already assigned to another attempt")
)

type CreateAttemptRequest struct {
	JobID           string
	Kind            domain.AttemptKind
	Provider        string
	Model           string
	SourceAttemptID string
	Params          domain.Params
}

// AttemptStore is the single source of truth for job and attempt lifecycle state.
// Every terminal write goes through TransitionTerminal.
type AttemptStore interface {
	CreateJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id string) (domain.Job, error)
	// DeleteJob removes the job and every attempt it owns.
	DeleteJob(ctx context.Context, id string) error
	SetJobThumbnail(ctx context.Context, jobID, key string) error

	// CreateAttempt inserts an in-flight attempt and returns its id.
	CreateAttempt(ctx context.Context, req CreateAttemptRequest) (string, error)
	GetAttempt(ctx context.Context, id string) (domain.Attempt, error)
	ListAttempts(ctx context.Context, jobID string) ([]domain.Attempt, error)
	FindAttemptByProviderJobID(ctx context.Context, provider, providerJobID string) (domain.Attempt, error)
	ListInFlight(ctx context.Context, createdBefore time.Time) ([]domain.Attempt, error)
	// MergeParams overlays params onto an in-flight attempt's parameter bag.
	MergeParams(ctx context.Context, attemptID string, params domain.Params) error

	// TransitionTerminal moves an attempt from expected to next in one
	// compare-and-set step. It returns false without writing when the stored
	// status no longer equals expected.
	TransitionTerminal(ctx context.Context, attemptID string, expected, next domain.Status, extra domain.Params) (bool, error)
	// SetJobPointer points the job at a terminal-success attempt it owns.
	SetJobPointer(ctx context.Context, jobID string, pointer domain.PointerKind, attemptID string) error

	Close() error
}

func validateTransition(expected, next domain.Status) error {
	if expected.IsTerminal() {
		return ErrInvalidTransition
	}
	if !next.IsTerminal() {
		return ErrInvalidTransition
	}
	return nil
}

func validateCreateAttempt(req CreateAttemptRequest) error {
	if req.JobID == "" {
		return ErrJobNotFound
	}
	if _, err := domain.ParseAttemptKind(string(req.Kind)); err != nil {
		return err
	}
	return nil
}

// terminalParams are the bookkeeping params recorded with every terminal write.
func terminalParams(next domain.Status, extra domain.Params, now time.Time) domain.Params {
	out := extra.Clone()
	out[domain.ParamCompletedAt] = now.UTC().Format(time.RFC3339Nano)
	if msg := next.Message(); msg != "" && !next.IsSuccess() {
		out[domain.ParamError] = msg
	}
	return out
}

func initialParams(req CreateAttemptRequest) domain.Params {
	params := req.Params.Clone()
	if req.Provider != "" {
		params[domain.ParamProvider] = req.Provider
	}
	if req.Model != "" {
		params[domain.ParamModel] = req.Model
	}
	return params
}

func providerIndexKey(provider, providerJobID string) string {
	return provider + "\x00" + providerJobID
}
