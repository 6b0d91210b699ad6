package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dunamismax/restoreflow/internal/config"
	"github.com/dunamismax/restoreflow/internal/dispatch"
	"github.com/dunamismax/restoreflow/internal/domain"
	"github.com/dunamismax/restoreflow/internal/queue"
	"github.com/dunamismax/restoreflow/internal/store"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Executor runs one prepared attempt. dispatch.Dispatcher implements it.
type Executor interface {
	Execute(ctx context.Context, attemptID string) (domain.Attempt, error)
	Abandon(ctx context.Context, attemptID string, cause error) (domain.Attempt, error)
}

const abandonTimeout = 10 * time.Second

type Server struct {
	logger    zerolog.Logger
	server    *asynq.Server
	sem       chan struct{}
	executor  Executor
	softLimit time.Duration
	metrics   *metrics
	tracer    trace.Tracer
}

func NewServer(
	logger zerolog.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	registry *prometheus.Registry,
	executor Executor,
) (*Server, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}

	s := &Server{
		logger:    logger,
		sem:       make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		executor:  executor,
		softLimit: workerCfg.SoftTimeLimit,
		metrics:   newMetrics(registry),
		tracer:    otel.Tracer("restoreflow/worker"),
	}
	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			LogLevel:     asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(s.handleError),
		},
	)
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeDispatchAttempt, s.handleDispatch)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleDispatch(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := "failed"

	payload, err := queue.ParseDispatchAttemptPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.dispatch_attempt", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("attempt.id", payload.AttemptID),
		attribute.String("job.id", payload.JobID),
	)
	defer span.End()
	defer func() {
		s.metrics.taskDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.tasksTotal.WithLabelValues(outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("wait for worker slot: %w", ctx.Err())
	}
	s.metrics.activeTasks.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeTasks.Dec()
	}()

	s.logger.Info().
		Str("attempt_id", payload.AttemptID).
		Str("job_id", payload.JobID).
		Msg("dispatching attempt")

	execCtx := ctx
	if s.softLimit > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.softLimit)
		defer cancel()
	}

	attempt, err := s.executor.Execute(execCtx, payload.AttemptID)
	var failure *dispatch.FailureError
	switch {
	case err == nil:
		outcome = "succeeded"
		if !attempt.Status.IsTerminal() {
			outcome = "submitted"
		}
		span.SetStatus(codes.Ok, outcome)
		s.logger.Info().
			Str("attempt_id", attempt.ID).
			Str("status", attempt.Status.Token()).
			Dur("elapsed", time.Since(startedAt)).
			Msg("attempt dispatched")
		return nil
	case errors.Is(err, dispatch.ErrAlreadySubmitted), errors.Is(err, dispatch.ErrAlreadyFinalized):
		// Redelivered task; the first delivery already did the work.
		outcome = "skipped"
		s.logger.Warn().
			Str("attempt_id", payload.AttemptID).
			Str("status", attempt.Status.Token()).
			Msg("skipping redelivered dispatch")
		return nil
	case errors.Is(err, store.ErrAttemptNotFound):
		outcome = "skipped"
		return fmt.Errorf("attempt %s: %v: %w", payload.AttemptID, err, asynq.SkipRetry)
	case errors.As(err, &failure):
		span.RecordError(err)
		span.SetStatus(codes.Error, failure.Attempt.Status.Token())
		return fmt.Errorf("dispatch attempt: %v: %w", err, asynq.SkipRetry)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		return fmt.Errorf("dispatch attempt: %w", err)
	}
}

// handleError makes sure no attempt is left in flight by a task that failed
// or was killed at the hard limit without a provider acknowledgment.
func (s *Server) handleError(ctx context.Context, task *asynq.Task, err error) {
	payload, parseErr := queue.ParseDispatchAttemptPayload(task)
	if parseErr != nil {
		s.logger.Error().Err(err).Str("task_type", task.Type()).Msg("task failed with unreadable payload")
		return
	}

	abandonCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()
	attempt, abandonErr := s.executor.Abandon(abandonCtx, payload.AttemptID, err)
	if abandonErr != nil {
		s.logger.Error().Err(abandonErr).
			Str("attempt_id", payload.AttemptID).
			AnErr("task_error", err).
			Msg("could not record failed dispatch")
		return
	}
	if attempt.Status.Reason() == domain.FailureDispatch && attempt.Status.Message() == err.Error() {
		s.metrics.abandonedTotal.Inc()
	}
	s.logger.Error().Err(err).
		Str("attempt_id", payload.AttemptID).
		Str("job_id", attempt.JobID).
		Str("status", attempt.Status.Token()).
		Msg("dispatch task failed")
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
