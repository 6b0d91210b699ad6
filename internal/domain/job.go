package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type AttemptKind string

const (
	AttemptKindRestore   AttemptKind = "restore"
	AttemptKindAnimation AttemptKind = "animation"
)

func ParseAttemptKind(raw string) (AttemptKind, error) {
	switch AttemptKind(strings.ToLower(strings.TrimSpace(raw))) {
	case AttemptKindRestore:
		return AttemptKindRestore, nil
	case AttemptKindAnimation:
		return AttemptKindAnimation, nil
	default:
		return "", fmt.Errorf("unsupported attempt kind: %q", raw)
	}
}

// PointerKind names one of the attempt pointers held by a Job.
type PointerKind string

const (
	PointerSelectedRestore PointerKind = "selected_restore"
	PointerLatestAnimation PointerKind = "latest_animation"
)

// PointerFor returns the job pointer a successful attempt of the given kind updates.
func PointerFor(kind AttemptKind) PointerKind {
	if kind == AttemptKindAnimation {
		return PointerLatestAnimation
	}
	return PointerSelectedRestore
}

// AttemptKind returns the kind of attempt the pointer may reference.
func (p PointerKind) AttemptKind() AttemptKind {
	if p == PointerLatestAnimation {
		return AttemptKindAnimation
	}
	return AttemptKindRestore
}

// Well-known parameter bag keys.
const (
	ParamProvider      = "provider"
	ParamModel         = "model"
	ParamProviderJobID = "provider_job_id"
	ParamInputKey      = "input_key"
	ParamError         = "error"
	ParamCompletedAt   = "completed_at"
)

type Job struct {
	ID                string    `json:"id"`
	OwnerID           string    `json:"owner_id"`
	OriginalKey       string    `json:"original_key"`
	SelectedRestoreID string    `json:"selected_restore_id,omitempty"`
	LatestAnimationID string    `json:"latest_animation_id,omitempty"`
	ThumbnailKey      string    `json:"thumbnail_key,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Pointer returns the attempt id stored under the given pointer.
func (j Job) Pointer(kind PointerKind) string {
	if kind == PointerLatestAnimation {
		return j.LatestAnimationID
	}
	return j.SelectedRestoreID
}

type Attempt struct {
	ID              string      `json:"id"`
	JobID           string      `json:"job_id"`
	Kind            AttemptKind `json:"kind"`
	SourceAttemptID string      `json:"source_attempt_id,omitempty"`
	Provider        string      `json:"provider"`
	Model           string      `json:"model"`
	Status          Status      `json:"status"`
	Params          Params      `json:"params"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

func (a Attempt) ProviderJobID() string {
	return a.Params.Get(ParamProviderJobID)
}

// Params is the free-form parameter bag carried by an attempt.
type Params map[string]string

func (p Params) Get(key string) string {
	if p == nil {
		return ""
	}
	return p[key]
}

func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a copy of p overlaid with extra.
func (p Params) Merge(extra Params) Params {
	out := p.Clone()
	for k, v := range extra {
		out[k] = v
	}
	return out
}

type CreateAttemptRequest struct {
	Model           string `json:"model,omitempty"`
	SourceAttemptID string `json:"source_attempt_id,omitempty"`
	Params          Params `json:"params,omitempty"`
}

func (r CreateAttemptRequest) Validate(kind AttemptKind) error {
	if kind == AttemptKindRestore && strings.TrimSpace(r.SourceAttemptID) != "" {
		return errors.New("source_attempt_id is only supported for animations")
	}
	if len(r.Model) > 256 {
		return errors.New("model is too long")
	}
	for key := range r.Params {
		if strings.TrimSpace(key) == "" {
			return errors.New("params keys must not be empty")
		}
		switch key {
		case ParamProvider, ParamProviderJobID, ParamInputKey, ParamError, ParamCompletedAt:
			return fmt.Errorf("params.%s is reserved", key)
		}
	}
	return nil
}
