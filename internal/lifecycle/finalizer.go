package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/restoreflow/internal/domain"
	"github.com/dunamismax/restoreflow/internal/events"
	"github.com/dunamismax/restoreflow/internal/imaging"
	"github.com/dunamismax/restoreflow/internal/storage"
	"github.com/dunamismax/restoreflow/internal/store"
	"github.com/rs/zerolog"
)

// Thumbnailer derives the job thumbnail from a restored image.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, input []byte) (imaging.Artifact, error)
}

// Result reports whether this call performed the terminal transition.
// Applied is false when another writer already finalized the attempt.
type Result struct {
	Attempt domain.Attempt
	Applied bool
}

// Finalizer performs every terminal write for an attempt, whichever path
// observed the outcome. Side effects run only for the writer that wins the
// compare-and-set.
type Finalizer struct {
	store      store.AttemptStore
	artifacts  storage.Bucket
	thumbnails Thumbnailer
	publisher  events.Publisher
	logger     zerolog.Logger
}

func NewFinalizer(
	attemptStore store.AttemptStore,
	artifacts storage.Bucket,
	thumbnails Thumbnailer,
	publisher events.Publisher,
	logger zerolog.Logger,
) *Finalizer {
	return &Finalizer{
		store:      attemptStore,
		artifacts:  artifacts,
		thumbnails: thumbnails,
		publisher:  publisher,
		logger:     logger,
	}
}

// Succeed persists the artifact under the attempt's storage key and moves the
// attempt from in-flight to terminal-success. A persistence failure finalizes
// the attempt as upload_failed instead.
func (f *Finalizer) Succeed(ctx context.Context, attempt domain.Attempt, data []byte, ext, contentType string, extra domain.Params) (Result, error) {
	if contentType == "" {
		contentType = storage.ContentTypeForExt(ext)
	}
	key := domain.ArtifactKey(attempt, ext)
	if err := f.artifacts.WriteObject(ctx, key, data, contentType); err != nil {
		f.logger.Error().Err(err).
			Str("job_id", attempt.JobID).
			Str("attempt_id", attempt.ID).
			Str("storage_key", key).
			Msg("artifact upload failed")
		return f.Fail(ctx, attempt, domain.Failed(domain.FailureUpload, err.Error()), extra)
	}

	result, err := f.transition(ctx, attempt, domain.Succeeded(key), extra)
	if err != nil {
		return result, err
	}
	if !result.Applied {
		f.discardOrphan(ctx, result.Attempt, key)
		return result, nil
	}

	f.updatePointer(ctx, result.Attempt)
	if result.Attempt.Kind == domain.AttemptKindRestore {
		f.refreshThumbnail(ctx, result.Attempt, data)
	}
	f.publish(ctx, result.Attempt)
	return result, nil
}

// Fail moves the attempt from in-flight to the given failure or canceled status.
func (f *Finalizer) Fail(ctx context.Context, attempt domain.Attempt, status domain.Status, extra domain.Params) (Result, error) {
	if !status.IsTerminal() || status.IsSuccess() {
		return Result{}, fmt.Errorf("fail requires a failure status, got %s", status)
	}
	result, err := f.transition(ctx, attempt, status, extra)
	if err != nil || !result.Applied {
		return result, err
	}
	f.publish(ctx, result.Attempt)
	return result, nil
}

func (f *Finalizer) transition(ctx context.Context, attempt domain.Attempt, next domain.Status, extra domain.Params) (Result, error) {
	applied, err := f.store.TransitionTerminal(ctx, attempt.ID, domain.InFlight(), next, extra)
	if err != nil {
		return Result{}, fmt.Errorf("transition attempt %s: %w", attempt.ID, err)
	}

	current, err := f.store.GetAttempt(ctx, attempt.ID)
	if err != nil {
		return Result{Applied: applied}, fmt.Errorf("reload attempt %s: %w", attempt.ID, err)
	}

	event := f.logger.Info()
	if !applied {
		event = f.logger.Debug()
	}
	event.
		Str("job_id", current.JobID).
		Str("attempt_id", current.ID).
		Str("provider", current.Provider).
		Str("status", current.Status.Token()).
		Bool("applied", applied).
		Msg("attempt finalized")

	return Result{Attempt: current, Applied: applied}, nil
}

// discardOrphan removes an artifact written by a writer that lost the
// compare-and-set, unless the winner recorded the same key.
func (f *Finalizer) discardOrphan(ctx context.Context, current domain.Attempt, key string) {
	if stored, ok := current.Status.StorageKey(); ok && stored == key {
		return
	}
	if err := f.artifacts.DeletePrefix(ctx, key); err != nil {
		f.logger.Warn().Err(err).
			Str("job_id", current.JobID).
			Str("attempt_id", current.ID).
			Str("storage_key", key).
			Msg("orphaned artifact cleanup failed")
	}
}

func (f *Finalizer) updatePointer(ctx context.Context, attempt domain.Attempt) {
	pointer := domain.PointerFor(attempt.Kind)
	if err := f.store.SetJobPointer(ctx, attempt.JobID, pointer, attempt.ID); err != nil {
		level := f.logger.Error()
		if errors.Is(err, store.ErrJobNotFound) {
			level = f.logger.Warn()
		}
		level.Err(err).
			Str("job_id", attempt.JobID).
			Str("attempt_id", attempt.ID).
			Str("pointer", string(pointer)).
			Msg("job pointer update failed")
	}
}

// refreshThumbnail is best-effort: failures are logged and never change the attempt.
func (f *Finalizer) refreshThumbnail(ctx context.Context, attempt domain.Attempt, restored []byte) {
	if f.thumbnails == nil {
		return
	}
	err := func() error {
		thumb, err := f.thumbnails.Thumbnail(ctx, restored)
		if err != nil {
			return fmt.Errorf("render thumbnail: %w", err)
		}
		key := domain.ThumbnailKey(attempt.JobID)
		if err := f.artifacts.WriteObject(ctx, key, thumb.Data, "image/jpeg"); err != nil {
			return err
		}
		return f.store.SetJobThumbnail(ctx, attempt.JobID, key)
	}()
	if err != nil {
		f.logger.Warn().Err(err).
			Str("job_id", attempt.JobID).
			Str("attempt_id", attempt.ID).
			Msg("thumbnail generation failed")
	}
}

func (f *Finalizer) publish(ctx context.Context, attempt domain.Attempt) {
	if f.publisher == nil {
		return
	}
	event := domain.CompletionEvent(attempt)
	if err := f.publisher.Publish(ctx, attempt.JobID, event); err != nil {
		f.logger.Warn().Err(err).
			Str("job_id", attempt.JobID).
			Str("attempt_id", attempt.ID).
			Str("event", event.Type).
			Msg("event publish failed")
	}
}
