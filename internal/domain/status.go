package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type StatusKind string

const (
	StatusInFlight  StatusKind = "pending"
	StatusSucceeded StatusKind = "succeeded"
	StatusFailed    StatusKind = "failed"
	StatusCanceled  StatusKind = "canceled"
)

// FailureReason tags why an attempt ended in terminal-failure.
type FailureReason string

const (
	FailureDispatch   FailureReason = "dispatch_failed"
	FailureNoOutput   FailureReason = "no_output"
	FailureDownload   FailureReason = "download_failed"
	FailureDecode     FailureReason = "decode_failed"
	FailureUpload     FailureReason = "upload_failed"
	FailureProvider   FailureReason = "provider_failed"
	FailureCanceled   FailureReason = "canceled"
	FailureProcessing FailureReason = "processing_failed"
)

var knownFailureReasons = map[FailureReason]struct{}{
	FailureDispatch:   {},
	FailureNoOutput:   {},
	FailureDownload:   {},
	FailureDecode:     {},
	FailureUpload:     {},
	FailureProvider:   {},
	FailureCanceled:   {},
	FailureProcessing: {},
}

func ParseFailureReason(raw string) (FailureReason, error) {
	reason := FailureReason(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := knownFailureReasons[reason]; !ok {
		return "", fmt.Errorf("unknown failure reason: %q", raw)
	}
	return reason, nil
}

// Status is the lifecycle state of an attempt. The zero value is in-flight.
// Only the constructors below produce valid values.
type Status struct {
	kind    StatusKind
	key     string
	reason  FailureReason
	message string
}

func InFlight() Status {
	return Status{kind: StatusInFlight}
}

func Succeeded(storageKey string) Status {
	return Status{kind: StatusSucceeded, key: storageKey}
}

func Failed(reason FailureReason, message string) Status {
	if reason == FailureCanceled {
		return Canceled(message)
	}
	return Status{kind: StatusFailed, reason: reason, message: message}
}

func Canceled(message string) Status {
	return Status{kind: StatusCanceled, reason: FailureCanceled, message: message}
}

func (s Status) Kind() StatusKind {
	if s.kind == "" {
		return StatusInFlight
	}
	return s.kind
}

func (s Status) IsTerminal() bool {
	return s.Kind() != StatusInFlight
}

func (s Status) IsSuccess() bool {
	return s.Kind() == StatusSucceeded
}

// StorageKey returns the artifact key of a terminal-success status.
func (s Status) StorageKey() (string, bool) {
	if s.Kind() != StatusSucceeded {
		return "", false
	}
	return s.key, true
}

func (s Status) Reason() FailureReason {
	return s.reason
}

func (s Status) Message() string {
	return s.message
}

// Token is the persisted form compared by the store's compare-and-set.
// The failure message is stored separately and never takes part in the comparison.
func (s Status) Token() string {
	switch s.Kind() {
	case StatusSucceeded:
		return string(StatusSucceeded) + ":" + s.key
	case StatusFailed:
		return string(StatusFailed) + ":" + string(s.reason)
	case StatusCanceled:
		return string(StatusCanceled)
	default:
		return string(StatusInFlight)
	}
}

func (s Status) Equal(other Status) bool {
	return s.Token() == other.Token()
}

func (s Status) String() string {
	if s.message == "" {
		return s.Token()
	}
	return s.Token() + " (" + s.message + ")"
}

// ParseStatus decodes a persisted token. The empty token is accepted as in-flight.
func ParseStatus(token, message string) (Status, error) {
	token = strings.TrimSpace(token)
	switch {
	case token == "" || token == string(StatusInFlight):
		return InFlight(), nil
	case token == string(StatusCanceled):
		return Canceled(message), nil
	case strings.HasPrefix(token, string(StatusSucceeded)+":"):
		key := strings.TrimPrefix(token, string(StatusSucceeded)+":")
		if key == "" {
			return Status{}, errors.New("succeeded status requires a storage key")
		}
		return Succeeded(key), nil
	case strings.HasPrefix(token, string(StatusFailed)+":"):
		reason, err := ParseFailureReason(strings.TrimPrefix(token, string(StatusFailed)+":"))
		if err != nil {
			return Status{}, err
		}
		return Failed(reason, message), nil
	default:
		return Status{}, fmt.Errorf("unknown status token: %q", token)
	}
}

type statusJSON struct {
	State      StatusKind    `json:"state"`
	StorageKey string        `json:"storage_key,omitempty"`
	Reason     FailureReason `json:"reason,omitempty"`
	Message    string        `json:"message,omitempty"`
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(statusJSON{
		State:      s.Kind(),
		StorageKey: s.key,
		Reason:     s.reason,
		Message:    s.message,
	})
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw statusJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.State {
	case "", StatusInFlight:
		*s = InFlight()
	case StatusSucceeded:
		*s = Succeeded(raw.StorageKey)
	case StatusFailed:
		*s = Failed(raw.Reason, raw.Message)
	case StatusCanceled:
		*s = Canceled(raw.Message)
	default:
		return fmt.Errorf("unknown status state: %q", raw.State)
	}
	return nil
}
