package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const TypeDispatchAttempt = "attempt:dispatch"

type DispatchAttemptPayload struct {
	AttemptID   string    `json:"attempt_id"`
	JobID       string    `json:"job_id"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewDispatchAttemptTask(payload DispatchAttemptPayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.AttemptID) == "" {
		return nil, errors.New("dispatch payload requires attempt_id")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch payload: %w", err)
	}
	return asynq.NewTask(TypeDispatchAttempt, body), nil
}

func ParseDispatchAttemptPayload(task *asynq.Task) (DispatchAttemptPayload, error) {
	var payload DispatchAttemptPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return DispatchAttemptPayload{}, fmt.Errorf("unmarshal dispatch payload: %w", err)
	}
	if strings.TrimSpace(payload.AttemptID) == "" {
		return DispatchAttemptPayload{}, errors.New("dispatch payload missing attempt_id")
	}
	return payload, nil
}
