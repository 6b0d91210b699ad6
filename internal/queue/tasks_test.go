package queue

import (
	"testing"
	"time"

	"github.com/hibiken/asynq"
)

func TestDispatchAttemptTaskRoundTrip(t *testing.T) {
	payload := DispatchAttemptPayload{
		AttemptID:   "att-123",
		JobID:       "job-123",
		RequestedAt: time.Now().UTC(),
	}

	task, err := NewDispatchAttemptTask(payload)
	if err != nil {
		t.Fatalf("NewDispatchAttemptTask returned error: %v", err)
	}
	if task.Type() != TypeDispatchAttempt {
		t.Fatalf("expected task type %q, got %q", TypeDispatchAttempt, task.Type())
	}

	parsed, err := ParseDispatchAttemptPayload(task)
	if err != nil {
		t.Fatalf("ParseDispatchAttemptPayload returned error: %v", err)
	}
	if parsed.AttemptID != payload.AttemptID || parsed.JobID != payload.JobID {
		t.Fatalf("unexpected payload %+v", parsed)
	}
}

func TestDispatchAttemptTaskRequiresAttemptID(t *testing.T) {
	if _, err := NewDispatchAttemptTask(DispatchAttemptPayload{JobID: "job-1"}); err == nil {
		t.Fatal("expected error for empty attempt id")
	}
	if _, err := ParseDispatchAttemptPayload(asynq.NewTask(TypeDispatchAttempt, []byte(`{"job_id":"job-1"}`))); err == nil {
		t.Fatal("expected parse error for missing attempt id")
	}
	if _, err := ParseDispatchAttemptPayload(asynq.NewTask(TypeDispatchAttempt, []byte(`{`))); err == nil {
		t.Fatal("expected parse error for malformed payload")
	}
}

func TestTaskOptionsDisableRetries(t *testing.T) {
	opts := taskOptions("restoreflow", "att-1", 90*time.Second)

	var sawRetry, sawTimeout, sawID bool
	for _, opt := range opts {
		switch opt.Type() {
		case asynq.MaxRetryOpt:
			sawRetry = opt.Value().(int) == 0
		case asynq.TimeoutOpt:
			sawTimeout = opt.Value().(time.Duration) == 90*time.Second
		case asynq.TaskIDOpt:
			sawID = opt.Value().(string) == "dispatch:att-1"
		}
	}
	if !sawRetry || !sawTimeout || !sawID {
		t.Fatalf("unexpected options retry=%v timeout=%v id=%v", sawRetry, sawTimeout, sawID)
	}
}
