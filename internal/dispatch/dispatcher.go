package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/restoreflow/internal/domain"
	"github.com/dunamismax/restoreflow/internal/lifecycle"
	"github.com/dunamismax/restoreflow/internal/provider"
	"github.com/dunamismax/restoreflow/internal/store"
	"github.com/dunamismax/restoreflow/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrInvalidRequest   = errors.New("invalid attempt request")
	ErrSourceNotUsable  = errors.New("source attempt is not a succeeded restore of this job")
	ErrAlreadySubmitted = errors.New("attempt was already submitted to its provider")
	ErrAlreadyFinalized = errors.New("attempt is already terminal")
)

// FailureError is returned when a dispatch ends with the attempt in a terminal
// failure status. Attempt carries the recorded failure.
type FailureError struct {
	Attempt domain.Attempt
	Err     error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("attempt %s failed (%s): %v", e.Attempt.ID, e.Attempt.Status.Token(), e.Err)
}

func (e *FailureError) Unwrap() error {
	return e.Err
}

// Request asks for a new attempt of the given kind on a job.
type Request struct {
	JobID string
	Kind  domain.AttemptKind
	Body  domain.CreateAttemptRequest
}

type Options struct {
	Store     store.AttemptStore
	Provider  provider.Provider
	Signer    *webhook.Signer
	Finalizer *lifecycle.Finalizer
	Logger    zerolog.Logger
	// Registerer receives the dispatch metrics; nil disables them.
	Registerer prometheus.Registerer
}

// Dispatcher creates attempts and submits them to the configured provider.
// Submission is never retried.
type Dispatcher struct {
	store     store.AttemptStore
	provider  provider.Provider
	signer    *webhook.Signer
	finalizer *lifecycle.Finalizer
	logger    zerolog.Logger
	metrics   *metrics
	tracer    trace.Tracer
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Store == nil || opts.Provider == nil || opts.Finalizer == nil {
		return nil, errors.New("dispatch: store, provider and finalizer are required")
	}
	signer := opts.Signer
	if signer == nil {
		signer = webhook.NewSigner("", "")
	}
	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		store:     opts.Store,
		provider:  opts.Provider,
		signer:    signer,
		finalizer: opts.Finalizer,
		logger:    opts.Logger,
		metrics:   m,
		tracer:    otel.Tracer("restoreflow/dispatch"),
	}, nil
}

func (d *Dispatcher) ProviderName() string {
	return d.provider.Name()
}

// Dispatch prepares and executes an attempt in the calling goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (domain.Attempt, error) {
	attempt, err := d.Prepare(ctx, req)
	if err != nil {
		return domain.Attempt{}, err
	}
	return d.Execute(ctx, attempt.ID)
}

// Prepare validates the request, resolves the input image and records a new
// in-flight attempt. Nothing is sent to the provider.
func (d *Dispatcher) Prepare(ctx context.Context, req Request) (domain.Attempt, error) {
	kind, err := domain.ParseAttemptKind(string(req.Kind))
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := req.Body.Validate(kind); err != nil {
		return domain.Attempt{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	job, err := d.store.GetJob(ctx, req.JobID)
	if err != nil {
		return domain.Attempt{}, err
	}

	inputKey, sourceID, err := d.resolveInput(ctx, job, kind, strings.TrimSpace(req.Body.SourceAttemptID))
	if err != nil {
		return domain.Attempt{}, err
	}

	params := req.Body.Params.Clone()
	params[domain.ParamInputKey] = inputKey

	attemptID, err := d.store.CreateAttempt(ctx, store.CreateAttemptRequest{
		JobID:           job.ID,
		Kind:            kind,
		Provider:        d.provider.Name(),
		Model:           strings.TrimSpace(req.Body.Model),
		SourceAttemptID: sourceID,
		Params:          params,
	})
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("create attempt: %w", err)
	}

	attempt, err := d.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("load attempt: %w", err)
	}

	d.logger.Info().
		Str("job_id", job.ID).
		Str("attempt_id", attempt.ID).
		Str("kind", string(kind)).
		Str("provider", attempt.Provider).
		Str("input_key", inputKey).
		Msg("attempt created")
	return attempt, nil
}

// resolveInput picks the image an attempt works on. Animations use an explicit
// source restore, then the job's selected restore, then the original upload.
func (d *Dispatcher) resolveInput(ctx context.Context, job domain.Job, kind domain.AttemptKind, sourceID string) (string, string, error) {
	if kind == domain.AttemptKindRestore {
		return job.OriginalKey, "", nil
	}

	if sourceID != "" {
		source, err := d.store.GetAttempt(ctx, sourceID)
		if errors.Is(err, store.ErrAttemptNotFound) {
			return "", "", fmt.Errorf("%w: %s not found", ErrSourceNotUsable, sourceID)
		}
		if err != nil {
			return "", "", err
		}
		key, ok := source.Status.StorageKey()
		if source.JobID != job.ID || source.Kind != domain.AttemptKindRestore || !ok {
			return "", "", fmt.Errorf("%w: %s", ErrSourceNotUsable, sourceID)
		}
		return key, source.ID, nil
	}

	if job.SelectedRestoreID != "" {
		selected, err := d.store.GetAttempt(ctx, job.SelectedRestoreID)
		if err == nil {
			if key, ok := selected.Status.StorageKey(); ok {
				return key, selected.ID, nil
			}
		} else if !errors.Is(err, store.ErrAttemptNotFound) {
			return "", "", err
		}
	}
	return job.OriginalKey, "", nil
}

// Execute submits a prepared attempt. A synchronous provider result is
// finalized before returning. An asynchronous acknowledgment records the
// provider job id and leaves the attempt in flight for the webhook.
func (d *Dispatcher) Execute(ctx context.Context, attemptID string) (domain.Attempt, error) {
	attempt, err := d.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return domain.Attempt{}, err
	}
	if attempt.Status.IsTerminal() {
		return attempt, ErrAlreadyFinalized
	}
	if attempt.ProviderJobID() != "" {
		return attempt, ErrAlreadySubmitted
	}

	startedAt := time.Now()
	outcome := "failed"
	ctx, span := d.tracer.Start(ctx, "dispatch.execute", trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(
		attribute.String("attempt.id", attempt.ID),
		attribute.String("attempt.kind", string(attempt.Kind)),
		attribute.String("job.id", attempt.JobID),
		attribute.String("provider", d.provider.Name()),
	)
	defer span.End()
	defer func() {
		d.metrics.observe(d.provider.Name(), attempt.Kind, outcome, time.Since(startedAt))
	}()

	work := provider.WorkRequest{
		Attempt:     attempt,
		InputKey:    attempt.Params.Get(domain.ParamInputKey),
		CallbackURL: d.signer.CallbackURL(d.provider.Name(), attempt.ID),
	}

	submission, err := d.provider.Submit(ctx, work)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		return d.failSubmission(ctx, attempt, err)
	}

	if !submission.Async() {
		result, err := d.finalizer.Succeed(context.WithoutCancel(ctx), attempt, submission.Artifact.Data, submission.Artifact.Ext, submission.Artifact.ContentType, submission.Params)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "finalize failed")
			return attempt, err
		}
		if !result.Attempt.Status.IsSuccess() {
			span.SetStatus(codes.Error, result.Attempt.Status.Token())
			return result.Attempt, &FailureError{Attempt: result.Attempt, Err: errors.New(result.Attempt.Status.Message())}
		}
		outcome = "succeeded"
		span.SetStatus(codes.Ok, "completed")
		return result.Attempt, nil
	}

	outcome = "submitted"
	span.SetAttributes(attribute.String("provider.job_id", submission.ProviderJobID))
	span.SetStatus(codes.Ok, "submitted")
	return d.recordSubmission(context.WithoutCancel(ctx), attempt, submission)
}

func (d *Dispatcher) failSubmission(ctx context.Context, attempt domain.Attempt, submitErr error) (domain.Attempt, error) {
	reason := provider.ReasonOf(submitErr)
	if ctx.Err() != nil {
		// Work cut off by the caller's time limit is a failed dispatch,
		// whatever stage the provider was in.
		reason = domain.FailureDispatch
	}
	d.logger.Error().Err(submitErr).
		Str("job_id", attempt.JobID).
		Str("attempt_id", attempt.ID).
		Str("provider", d.provider.Name()).
		Str("reason", string(reason)).
		Msg("provider submission failed")

	result, err := d.finalizer.Fail(context.WithoutCancel(ctx), attempt, domain.Failed(reason, submitErr.Error()), nil)
	if err != nil {
		return attempt, errors.Join(submitErr, err)
	}
	return result.Attempt, &FailureError{Attempt: result.Attempt, Err: submitErr}
}

func (d *Dispatcher) recordSubmission(ctx context.Context, attempt domain.Attempt, submission provider.Submission) (domain.Attempt, error) {
	params := submission.Params.Clone()
	if submission.ProviderJobID != "" {
		params[domain.ParamProviderJobID] = submission.ProviderJobID
	}

	err := d.store.MergeParams(ctx, attempt.ID, params)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrProviderJobIDConflict):
		// Two attempts sharing a provider id cannot be told apart by the webhook.
		result, failErr := d.finalizer.Fail(ctx, attempt, domain.Failed(domain.FailureDispatch, err.Error()), nil)
		if failErr != nil {
			return attempt, errors.Join(err, failErr)
		}
		return result.Attempt, &FailureError{Attempt: result.Attempt, Err: err}
	case errors.Is(err, store.ErrAttemptNotInFlight):
		// The webhook finalized the attempt before the acknowledgment was recorded.
	default:
		// The webhook still correlates through the attempt id in its callback path.
		d.logger.Warn().Err(err).
			Str("attempt_id", attempt.ID).
			Str("provider_job_id", submission.ProviderJobID).
			Msg("recording provider job id failed")
	}

	current, err := d.store.GetAttempt(ctx, attempt.ID)
	if err != nil {
		return attempt, fmt.Errorf("reload attempt: %w", err)
	}
	d.logger.Info().
		Str("job_id", current.JobID).
		Str("attempt_id", current.ID).
		Str("provider", d.provider.Name()).
		Str("provider_job_id", submission.ProviderJobID).
		Msg("attempt submitted")
	return current, nil
}

// Abandon records dispatch_failed for an attempt whose dispatch could not run
// to completion, such as an enqueue error or a killed task. It is a no-op when
// the attempt is already terminal.
func (d *Dispatcher) Abandon(ctx context.Context, attemptID string, cause error) (domain.Attempt, error) {
	attempt, err := d.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return domain.Attempt{}, err
	}
	message := "dispatch abandoned"
	if cause != nil {
		message = cause.Error()
	}
	result, err := d.finalizer.Fail(ctx, attempt, domain.Failed(domain.FailureDispatch, message), nil)
	if err != nil {
		return attempt, err
	}
	if result.Applied {
		d.metrics.observe(d.provider.Name(), attempt.Kind, "abandoned", 0)
	}
	return result.Attempt, nil
}
