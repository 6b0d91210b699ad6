package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/restoreflow/internal/dispatch"
	"github.com/dunamismax/restoreflow/internal/domain"
	"github.com/dunamismax/restoreflow/internal/events"
	"github.com/dunamismax/restoreflow/internal/id"
	"github.com/dunamismax/restoreflow/internal/provider"
	"github.com/dunamismax/restoreflow/internal/queue"
	"github.com/dunamismax/restoreflow/internal/reconcile"
	"github.com/dunamismax/restoreflow/internal/storage"
	"github.com/dunamismax/restoreflow/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const DefaultUserIDHeader = "X-User-ID"

// Scheduler hands a prepared attempt to the worker pool.
type Scheduler interface {
	EnqueueDispatch(ctx context.Context, payload queue.DispatchAttemptPayload) (*asynq.TaskInfo, error)
}

type Options struct {
	Logger     zerolog.Logger
	Store      store.AttemptStore
	Artifacts  storage.Bucket
	Dispatcher *dispatch.Dispatcher
	// Scheduler is nil in inline mode: attempts are dispatched in the request.
	Scheduler   Scheduler
	Reconciler  *reconcile.Reconciler
	Hub         *events.Hub
	RateLimiter RateLimiter
	Registry    *prometheus.Registry

	UserIDHeader   string
	MaxUploadBytes int64
	InlineTimeout  time.Duration
	Heartbeat      time.Duration
}

type Server struct {
	logger                zerolog.Logger
	store                 store.AttemptStore
	artifacts             storage.Bucket
	dispatcher            *dispatch.Dispatcher
	scheduler             Scheduler
	reconciler            *reconcile.Reconciler
	hub                   *events.Hub
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	maxUploadBytes        int64
	inlineTimeout         time.Duration
	heartbeat             time.Duration
	metrics               *metrics
	tracer                trace.Tracer
	router                chi.Router
}

func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Artifacts == nil || opts.Dispatcher == nil || opts.Hub == nil {
		return nil, errors.New("api: store, artifacts, dispatcher and hub are required")
	}
	if opts.UserIDHeader == "" {
		opts.UserIDHeader = DefaultUserIDHeader
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 25 << 20
	}
	if opts.InlineTimeout <= 0 {
		opts.InlineTimeout = 2 * time.Minute
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}

	s := &Server{
		logger:                opts.Logger,
		store:                 opts.Store,
		artifacts:             opts.Artifacts,
		dispatcher:            opts.Dispatcher,
		scheduler:             opts.Scheduler,
		reconciler:            opts.Reconciler,
		hub:                   opts.Hub,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.UserIDHeader,
		maxUploadBytes:        opts.MaxUploadBytes,
		inlineTimeout:         opts.InlineTimeout,
		heartbeat:             opts.Heartbeat,
		metrics:               newMetrics(opts.Registry),
		tracer:                otel.Tracer("restoreflow/api"),
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.withHTTPMetrics)
	r.Use(s.withTracing)
	r.Use(s.withRateLimit)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/{job_id}", s.handleGetJob)
		r.Delete("/jobs/{job_id}", s.handleDeleteJob)
		r.Post("/jobs/{job_id}/restorations", s.handleCreateAttempt(domain.AttemptKindRestore))
		r.Post("/jobs/{job_id}/animations", s.handleCreateAttempt(domain.AttemptKindAnimation))
		r.Get("/attempts/{attempt_id}", s.handleGetAttempt)
	})

	r.Get("/events/{job_id}", s.handleEvents)

	if s.reconciler != nil {
		for _, name := range []string{provider.NameRunpod, provider.NameReplicate} {
			r.Method(http.MethodPost, "/webhooks/"+name+"/{attempt_id}", s.reconciler.Handler(name))
		}
	}
	s.router = r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "provider": s.dispatcher.ProviderName()})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", s.maxUploadBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "request body must contain an image")
		return
	}
	contentType := http.DetectContentType(body)
	if !strings.HasPrefix(contentType, "image/") {
		writeError(w, http.StatusUnsupportedMediaType, "upload is not a recognized image ("+contentType+")")
		return
	}

	owner := strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader))
	if owner == "" {
		owner = "anonymous"
	}

	now := time.Now().UTC()
	jobID := id.New()
	job := domain.Job{
		ID:          jobID,
		OwnerID:     owner,
		OriginalKey: domain.OriginalKey(jobID),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.artifacts.WriteObject(r.Context(), job.OriginalKey, body, contentType); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("store original failed")
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("create job failed")
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("owner_id", owner).
		Int("bytes", len(body)).
		Msg("job created")
	writeJSON(w, http.StatusCreated, map[string]any{
		"job":          job,
		"events_url":   "/events/" + job.ID,
		"restore_url":  "/v1/jobs/" + job.ID + "/restorations",
		"animate_url":  "/v1/jobs/" + job.ID + "/animations",
		"content_type": contentType,
	})
}

type jobResponse struct {
	Job      domain.Job       `json:"job"`
	Attempts []domain.Attempt `json:"attempts"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeStoreError(w, err, "job_id", jobID)
		return
	}
	attempts, err := s.store.ListAttempts(r.Context(), jobID)
	if err != nil {
		s.writeStoreError(w, err, "job_id", jobID)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job, Attempts: attempts})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.store.DeleteJob(r.Context(), jobID); err != nil {
		s.writeStoreError(w, err, "job_id", jobID)
		return
	}
	if err := s.artifacts.DeletePrefix(r.Context(), "jobs/"+jobID+"/"); err != nil {
		// The records are gone; leftover objects are unreachable.
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("delete job objects failed")
	}
	s.logger.Info().Str("job_id", jobID).Msg("job deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	attemptID := chi.URLParam(r, "attempt_id")
	attempt, err := s.store.GetAttempt(r.Context(), attemptID)
	if err != nil {
		s.writeStoreError(w, err, "attempt_id", attemptID)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (s *Server) handleCreateAttempt(kind domain.AttemptKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job_id")

		var body domain.CreateAttemptRequest
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		attempt, err := s.dispatcher.Prepare(r.Context(), dispatch.Request{JobID: jobID, Kind: kind, Body: body})
		switch {
		case err == nil:
		case errors.Is(err, dispatch.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, dispatch.ErrSourceNotUsable):
			writeError(w, http.StatusConflict, err.Error())
			return
		default:
			s.writeStoreError(w, err, "job_id", jobID)
			return
		}

		if s.scheduler == nil {
			s.executeInline(w, r, attempt)
			return
		}
		s.enqueue(w, r, attempt)
	}
}

func (s *Server) executeInline(w http.ResponseWriter, r *http.Request, attempt domain.Attempt) {
	ctx, cancel := context.WithTimeout(r.Context(), s.inlineTimeout)
	defer cancel()

	executed, err := s.dispatcher.Execute(ctx, attempt.ID)
	var failure *dispatch.FailureError
	switch {
	case err == nil:
	case errors.As(err, &failure):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "dispatch failed",
			"reason":  failure.Attempt.Status.Reason(),
			"attempt": failure.Attempt,
		})
		return
	default:
		s.logger.Error().Err(err).Str("attempt_id", attempt.ID).Msg("inline dispatch failed")
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}

	status := http.StatusOK
	if !executed.Status.IsTerminal() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"attempt": executed})
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, attempt domain.Attempt) {
	info, err := s.scheduler.EnqueueDispatch(r.Context(), queue.DispatchAttemptPayload{
		AttemptID:   attempt.ID,
		JobID:       attempt.JobID,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("attempt_id", attempt.ID).Msg("enqueue dispatch failed")
		failed, abandonErr := s.dispatcher.Abandon(context.WithoutCancel(r.Context()), attempt.ID, fmt.Errorf("enqueue dispatch: %w", err))
		if abandonErr != nil {
			s.logger.Error().Err(abandonErr).Str("attempt_id", attempt.ID).Msg("record failed dispatch")
			failed = attempt
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":   "failed to enqueue dispatch",
			"attempt": failed,
		})
		return
	}

	s.metrics.queueEnqueued.WithLabelValues(info.Queue).Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"attempt": attempt,
		"queue":   info.Queue,
		"task_id": info.ID,
		"state":   info.State.String(),
	})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, field, value string) {
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, store.ErrAttemptNotFound):
		writeError(w, http.StatusNotFound, "attempt not found")
	default:
		s.logger.Error().Err(err).Str(field, value).Msg("store request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON accepts an empty body as the zero value.
func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
