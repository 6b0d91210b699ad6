package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dunamismax/restoreflow/internal/dispatch"
	"github.com/dunamismax/restoreflow/internal/domain"
	"github.com/dunamismax/restoreflow/internal/queue"
	"github.com/dunamismax/restoreflow/internal/store"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

type fakeExecutor struct {
	execute   func(ctx context.Context, attemptID string) (domain.Attempt, error)
	abandoned []string
	causes    []error
}

func (f *fakeExecutor) Execute(ctx context.Context, attemptID string) (domain.Attempt, error) {
	return f.execute(ctx, attemptID)
}

func (f *fakeExecutor) Abandon(_ context.Context, attemptID string, cause error) (domain.Attempt, error) {
	f.abandoned = append(f.abandoned, attemptID)
	f.causes = append(f.causes, cause)
	return domain.Attempt{ID: attemptID, JobID: "job-1", Status: domain.Failed(domain.FailureDispatch, cause.Error())}, nil
}

func newTestServer(executor Executor, softLimit time.Duration) *Server {
	return &Server{
		logger:    zerolog.Nop(),
		sem:       make(chan struct{}, 1),
		executor:  executor,
		softLimit: softLimit,
		metrics:   newMetrics(nil),
		tracer:    otel.Tracer("test"),
	}
}

func dispatchTask(t *testing.T, attemptID string) *asynq.Task {
	t.Helper()
	task, err := queue.NewDispatchAttemptTask(queue.DispatchAttemptPayload{AttemptID: attemptID, JobID: "job-1"})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	return task
}

func TestHandleDispatchAppliesSoftLimit(t *testing.T) {
	var deadline time.Time
	executor := &fakeExecutor{execute: func(ctx context.Context, attemptID string) (domain.Attempt, error) {
		deadline, _ = ctx.Deadline()
		return domain.Attempt{ID: attemptID, Status: domain.InFlight()}, nil
	}}
	s := newTestServer(executor, time.Minute)

	before := time.Now()
	if err := s.handleDispatch(context.Background(), dispatchTask(t, "att-1")); err != nil {
		t.Fatalf("handle dispatch: %v", err)
	}
	if deadline.IsZero() || deadline.Before(before) || deadline.After(before.Add(time.Minute+time.Second)) {
		t.Fatalf("expected soft limit deadline, got %v", deadline)
	}
	if got := testutil.ToFloat64(s.metrics.tasksTotal.WithLabelValues("submitted")); got != 1 {
		t.Fatalf("expected submitted outcome, got %v", got)
	}
	if len(s.sem) != 0 {
		t.Fatal("worker slot was not released")
	}
}

func TestHandleDispatchSkipsRedelivery(t *testing.T) {
	executor := &fakeExecutor{execute: func(context.Context, string) (domain.Attempt, error) {
		return domain.Attempt{Status: domain.Succeeded("k")}, dispatch.ErrAlreadyFinalized
	}}
	s := newTestServer(executor, 0)

	if err := s.handleDispatch(context.Background(), dispatchTask(t, "att-1")); err != nil {
		t.Fatalf("redelivery should be acknowledged, got %v", err)
	}
	if got := testutil.ToFloat64(s.metrics.tasksTotal.WithLabelValues("skipped")); got != 1 {
		t.Fatalf("expected skipped outcome, got %v", got)
	}
}

func TestHandleDispatchNeverRetries(t *testing.T) {
	cases := []struct {
		name string
		err  error
		skip bool
	}{
		{name: "recorded failure", err: &dispatch.FailureError{Attempt: domain.Attempt{Status: domain.Failed(domain.FailureDispatch, "refused")}, Err: errors.New("refused")}, skip: true},
		{name: "unknown attempt", err: store.ErrAttemptNotFound, skip: true},
		{name: "store outage", err: errors.New("connection reset"), skip: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			executor := &fakeExecutor{execute: func(context.Context, string) (domain.Attempt, error) {
				return domain.Attempt{}, tc.err
			}}
			s := newTestServer(executor, 0)
			err := s.handleDispatch(context.Background(), dispatchTask(t, "att-1"))
			if err == nil {
				t.Fatal("expected task error")
			}
			if errors.Is(err, asynq.SkipRetry) != tc.skip {
				t.Fatalf("expected SkipRetry=%v, got %v", tc.skip, err)
			}
		})
	}
}

func TestHandleDispatchRejectsBadPayload(t *testing.T) {
	s := newTestServer(&fakeExecutor{}, 0)
	err := s.handleDispatch(context.Background(), asynq.NewTask(queue.TypeDispatchAttempt, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestHandleErrorAbandonsAttempt(t *testing.T) {
	executor := &fakeExecutor{}
	s := newTestServer(executor, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.handleError(ctx, dispatchTask(t, "att-9"), context.DeadlineExceeded)

	if len(executor.abandoned) != 1 || executor.abandoned[0] != "att-9" {
		t.Fatalf("expected att-9 to be abandoned, got %v", executor.abandoned)
	}
	if !errors.Is(executor.causes[0], context.DeadlineExceeded) {
		t.Fatalf("unexpected cause %v", executor.causes[0])
	}
	if got := testutil.ToFloat64(s.metrics.abandonedTotal); got != 1 {
		t.Fatalf("expected abandoned metric, got %v", got)
	}
}
