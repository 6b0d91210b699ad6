package domain

const (
	EventCompleted          = "completed"
	EventFailed             = "failed"
	EventAnimationCompleted = "animation_completed"
	EventAnimationFailed    = "animation_failed"
)

// Event is a state change pushed to clients subscribed to a job.
type Event struct {
	Type string    `json:"event"`
	Data EventData `json:"data"`
}

type EventData struct {
	JobID      string        `json:"job_id"`
	AttemptID  string        `json:"attempt_id"`
	Kind       AttemptKind   `json:"kind"`
	Status     StatusKind    `json:"status"`
	StorageKey string        `json:"storage_key,omitempty"`
	Reason     FailureReason `json:"reason,omitempty"`
	Message    string        `json:"message,omitempty"`
}

// CompletionEvent builds the event published after an attempt reaches a terminal status.
func CompletionEvent(attempt Attempt) Event {
	status := attempt.Status
	data := EventData{
		JobID:     attempt.JobID,
		AttemptID: attempt.ID,
		Kind:      attempt.Kind,
		Status:    status.Kind(),
		Reason:    status.Reason(),
		Message:   status.Message(),
	}
	if key, ok := status.StorageKey(); ok {
		data.StorageKey = key
	}

	var eventType string
	switch {
	case attempt.Kind == AttemptKindAnimation && status.IsSuccess():
		eventType = EventAnimationCompleted
	case attempt.Kind == AttemptKindAnimation:
		eventType = EventAnimationFailed
	case status.IsSuccess():
		eventType = EventCompleted
	default:
		eventType = EventFailed
	}
	return Event{Type: eventType, Data: data}
}
