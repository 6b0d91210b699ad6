package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"

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

// Result names what a callback did. It is both the response body's result
// field and the outcome label of the webhook metric.
type Result string

const (
	ResultFinalized    Result = "finalized"
	ResultDuplicate    Result = "duplicate"
	ResultProgress     Result = "progress"
	ResultNotFound     Result = "not_found"
	ResultInvalid      Result = "invalid"
	ResultUnauthorized Result = "unauthorized"
	ResultError        Result = "error"
)

// Ack is the response to a provider callback.
type Ack struct {
	HTTPStatus int    `json:"-"`
	OK         bool   `json:"ok"`
	Result     Result `json:"result"`
	AttemptID  string `json:"attempt_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
}

type Options struct {
	Store     store.AttemptStore
	Finalizer *lifecycle.Finalizer
	Fetcher   *Fetcher
	Signer    *webhook.Signer
	Logger    zerolog.Logger
	// Registerer receives the webhook counter; nil disables it.
	Registerer prometheus.Registerer
}

// Reconciler turns provider callbacks into the single terminal transition of
// the attempt they identify.
type Reconciler struct {
	store     store.AttemptStore
	finalizer *lifecycle.Finalizer
	fetcher   *Fetcher
	signer    *webhook.Signer
	logger    zerolog.Logger
	webhooks  *prometheus.CounterVec
	tracer    trace.Tracer
}

func New(opts Options) (*Reconciler, error) {
	if opts.Store == nil || opts.Finalizer == nil {
		return nil, errors.New("reconcile: store and finalizer are required")
	}
	if _, err := compiledSchemas(); err != nil {
		return nil, err
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = NewFetcher(nil, nil, 0, 0)
	}
	signer := opts.Signer
	if signer == nil {
		signer = webhook.NewSigner("", "")
	}

	r := &Reconciler{
		store:     opts.Store,
		finalizer: opts.Finalizer,
		fetcher:   fetcher,
		signer:    signer,
		logger:    opts.Logger,
		tracer:    otel.Tracer("restoreflow/reconcile"),
	}
	if opts.Registerer != nil {
		r.webhooks = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restoreflow_webhooks_total",
			Help: "Total provider callbacks by provider and result.",
		}, []string{"provider", "outcome"})
		if err := opts.Registerer.Register(r.webhooks); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Reconcile handles one callback body. pathAttemptID is the attempt id from
// the callback URL and token the signature it carried.
func (r *Reconciler) Reconcile(ctx context.Context, providerName, pathAttemptID, token string, body []byte) Ack {
	ctx, span := r.tracer.Start(ctx, "reconcile.webhook", trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("provider", providerName),
		attribute.String("attempt.path_id", pathAttemptID),
	)
	defer span.End()

	ack := r.reconcile(ctx, providerName, pathAttemptID, token, body)
	span.SetAttributes(attribute.String("webhook.result", string(ack.Result)))
	if ack.Result == ResultError {
		span.SetStatus(codes.Error, ack.Error)
	}
	if r.webhooks != nil {
		r.webhooks.WithLabelValues(providerName, string(ack.Result)).Inc()
	}
	return ack
}

func (r *Reconciler) reconcile(ctx context.Context, providerName, pathAttemptID, token string, body []byte) Ack {
	if !r.signer.Verify(providerName, pathAttemptID, token) {
		r.logger.Warn().
			Str("provider", providerName).
			Str("attempt_id", pathAttemptID).
			Msg("webhook token mismatch")
		return Ack{HTTPStatus: http.StatusUnauthorized, Result: ResultUnauthorized, Error: "invalid callback token"}
	}

	completion, err := Parse(providerName, pathAttemptID, body)
	if err != nil {
		r.logger.Warn().Err(err).
			Str("provider", providerName).
			Str("attempt_id", pathAttemptID).
			Msg("webhook payload rejected")
		return Ack{HTTPStatus: http.StatusOK, Result: ResultInvalid, Error: err.Error()}
	}

	attempt, err := r.correlate(ctx, completion)
	if errors.Is(err, store.ErrAttemptNotFound) {
		r.logger.Info().
			Str("provider", providerName).
			Str("provider_job_id", completion.ProviderJobID).
			Str("attempt_id", pathAttemptID).
			Str("provider_status", completion.RawStatus).
			Msg("webhook matched no in-flight attempt")
		return Ack{HTTPStatus: http.StatusNotFound, Result: ResultNotFound, Error: "no in-flight attempt for callback"}
	}
	if err != nil {
		r.logger.Error().Err(err).
			Str("provider", providerName).
			Str("attempt_id", pathAttemptID).
			Msg("webhook correlation failed")
		return Ack{HTTPStatus: http.StatusInternalServerError, Result: ResultError, Error: "correlation failed"}
	}

	if completion.Outcome == OutcomeProgress {
		r.logger.Debug().
			Str("attempt_id", attempt.ID).
			Str("provider_status", completion.RawStatus).
			Msg("webhook progress")
		return Ack{HTTPStatus: http.StatusOK, OK: true, Result: ResultProgress, AttemptID: attempt.ID, Status: attempt.Status.Token()}
	}

	result, err := r.finalize(ctx, attempt, completion)
	if err != nil {
		r.logger.Error().Err(err).
			Str("job_id", attempt.JobID).
			Str("attempt_id", attempt.ID).
			Msg("webhook finalization failed")
		return Ack{HTTPStatus: http.StatusInternalServerError, Result: ResultError, AttemptID: attempt.ID, Error: "finalization failed"}
	}

	ack := Ack{HTTPStatus: http.StatusOK, OK: true, Result: ResultFinalized, AttemptID: attempt.ID, Status: result.Attempt.Status.Token()}
	if !result.Applied {
		ack.Result = ResultDuplicate
	}
	return ack
}

// correlate resolves the in-flight attempt a callback refers to. A terminal
// attempt is reported as not found so a redelivery becomes a no-op.
func (r *Reconciler) correlate(ctx context.Context, c Completion) (domain.Attempt, error) {
	var (
		attempt domain.Attempt
		err     error
	)
	switch c.Provider {
	case provider.NameRunpod:
		attempt, err = r.correlateByProviderJobID(ctx, c)
	default:
		attempt, err = r.correlateByPath(ctx, c)
	}
	if err != nil {
		return domain.Attempt{}, err
	}
	if attempt.Provider != c.Provider || attempt.Status.IsTerminal() {
		return domain.Attempt{}, store.ErrAttemptNotFound
	}
	return attempt, nil
}

func (r *Reconciler) correlateByProviderJobID(ctx context.Context, c Completion) (domain.Attempt, error) {
	attempt, err := r.store.FindAttemptByProviderJobID(ctx, c.Provider, c.ProviderJobID)
	if err == nil {
		if c.PathAttemptID != "" && attempt.ID != c.PathAttemptID {
			r.logger.Warn().
				Str("attempt_id", attempt.ID).
				Str("path_attempt_id", c.PathAttemptID).
				Str("provider_job_id", c.ProviderJobID).
				Msg("callback path disagrees with stored provider job id")
		}
		return attempt, nil
	}
	if !errors.Is(err, store.ErrAttemptNotFound) || c.PathAttemptID == "" {
		return domain.Attempt{}, err
	}

	// The callback can beat the dispatcher recording the provider job id.
	attempt, err = r.store.GetAttempt(ctx, c.PathAttemptID)
	if err != nil {
		return domain.Attempt{}, err
	}
	if attempt.ProviderJobID() != "" {
		return domain.Attempt{}, store.ErrAttemptNotFound
	}
	return attempt, nil
}

func (r *Reconciler) correlateByPath(ctx context.Context, c Completion) (domain.Attempt, error) {
	if c.PathAttemptID == "" {
		return domain.Attempt{}, store.ErrAttemptNotFound
	}
	attempt, err := r.store.GetAttempt(ctx, c.PathAttemptID)
	if err != nil {
		return domain.Attempt{}, err
	}
	if stored := attempt.ProviderJobID(); stored != "" && stored != c.ProviderJobID {
		r.logger.Warn().
			Str("attempt_id", attempt.ID).
			Str("provider_job_id", c.ProviderJobID).
			Str("stored_provider_job_id", stored).
			Msg("callback prediction id does not match attempt")
		return domain.Attempt{}, store.ErrAttemptNotFound
	}
	return attempt, nil
}

func (r *Reconciler) finalize(ctx context.Context, attempt domain.Attempt, c Completion) (lifecycle.Result, error) {
	extra := domain.Params{provider.ParamProviderStatus: c.RawStatus}

	switch c.Outcome {
	case OutcomeFailed:
		return r.finalizer.Fail(ctx, attempt, domain.Failed(domain.FailureProvider, c.Error), extra)
	case OutcomeCanceled:
		return r.finalizer.Fail(ctx, attempt, domain.Canceled(c.Error), extra)
	case OutcomeSucceeded:
	default:
		return lifecycle.Result{}, fmt.Errorf("unexpected outcome %q", c.Outcome)
	}

	art, err := r.fetcher.Fetch(ctx, c)
	if err != nil {
		var fe *fetchError
		if !errors.As(err, &fe) {
			return lifecycle.Result{}, err
		}
		r.logger.Warn().Err(err).
			Str("job_id", attempt.JobID).
			Str("attempt_id", attempt.ID).
			Str("reason", string(fe.reason)).
			Msg("artifact retrieval failed")
		return r.finalizer.Fail(ctx, attempt, domain.Failed(fe.reason, fe.err.Error()), extra)
	}
	return r.finalizer.Succeed(ctx, attempt, art.data, art.ext, art.contentType, extra)
}
