package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/restoreflow/internal/domain"
	"github.com/dunamismax/restoreflow/internal/id"
)

type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]domain.Job
	attempts    map[string]domain.Attempt
	providerIDs map[string]string
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]domain.Job),
		attempts:    make(map[string]domain.Attempt),
		providerIDs: make(map[string]string),
		now:         time.Now,
	}
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) CreateJob(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return job, nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return ErrJobNotFound
	}
	for attemptID, attempt := range s.attempts {
		if attempt.JobID != jobID {
			continue
		}
		if pid := attempt.ProviderJobID(); pid != "" {
			delete(s.providerIDs, providerIndexKey(attempt.Provider, pid))
		}
		delete(s.attempts, attemptID)
	}
	delete(s.jobs, jobID)
	return nil
}

func (s *MemoryStore) SetJobThumbnail(_ context.Context, jobID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.ThumbnailKey = key
	job.UpdatedAt = s.now().UTC()
	s.jobs[jobID] = job
	return nil
}

func (s *MemoryStore) CreateAttempt(_ context.Context, req CreateAttemptRequest) (string, error) {
	if err := validateCreateAttempt(req); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[req.JobID]; !ok {
		return "", ErrJobNotFound
	}

	now := s.now().UTC()
	attempt := domain.Attempt{
		ID:              id.New(),
		JobID:           req.JobID,
		Kind:            req.Kind,
		SourceAttemptID: req.SourceAttemptID,
		Provider:        req.Provider,
		Model:           req.Model,
		Status:          domain.InFlight(),
		Params:          initialParams(req),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.attempts[attempt.ID] = attempt
	return attempt.ID, nil
}

func (s *MemoryStore) GetAttempt(_ context.Context, attemptID string) (domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempt, ok := s.attempts[attemptID]
	if !ok {
		return domain.Attempt{}, ErrAttemptNotFound
	}
	return cloneAttempt(attempt), nil
}

func (s *MemoryStore) ListAttempts(_ context.Context, jobID string) ([]domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, ErrJobNotFound
	}
	out := make([]domain.Attempt, 0)
	for _, attempt := range s.attempts {
		if attempt.JobID == jobID {
			out = append(out, cloneAttempt(attempt))
		}
	}
	sortAttempts(out)
	return out, nil
}

func (s *MemoryStore) FindAttemptByProviderJobID(_ context.Context, provider, providerJobID string) (domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attemptID, ok := s.providerIDs[providerIndexKey(provider, providerJobID)]
	if !ok {
		return domain.Attempt{}, ErrAttemptNotFound
	}
	attempt, ok := s.attempts[attemptID]
	if !ok {
		return domain.Attempt{}, ErrAttemptNotFound
	}
	return cloneAttempt(attempt), nil
}

func (s *MemoryStore) ListInFlight(_ context.Context, createdBefore time.Time) ([]domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Attempt, 0)
	for _, attempt := range s.attempts {
		if !attempt.Status.IsTerminal() && attempt.CreatedAt.Before(createdBefore) {
			out = append(out, cloneAttempt(attempt))
		}
	}
	sortAttempts(out)
	return out, nil
}

func (s *MemoryStore) MergeParams(_ context.Context, attemptID string, params domain.Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[attemptID]
	if !ok {
		return ErrAttemptNotFound
	}
	if attempt.Status.IsTerminal() {
		return ErrAttemptNotInFlight
	}

	if pid, ok := params[domain.ParamProviderJobID]; ok && pid != "" {
		key := providerIndexKey(attempt.Provider, pid)
		if owner, taken := s.providerIDs[key]; taken && owner != attemptID {
			return ErrProviderJobIDConflict
		}
		if previous := attempt.ProviderJobID(); previous != "" && previous != pid {
			delete(s.providerIDs, providerIndexKey(attempt.Provider, previous))
		}
		s.providerIDs[key] = attemptID
	}

	attempt.Params = attempt.Params.Merge(params)
	attempt.UpdatedAt = s.now().UTC()
	s.attempts[attemptID] = attempt
	return nil
}

func (s *MemoryStore) TransitionTerminal(_ context.Context, attemptID string, expected, next domain.Status, extra domain.Params) (bool, error) {
	if err := validateTransition(expected, next); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[attemptID]
	if !ok {
		return false, ErrAttemptNotFound
	}
	if !attempt.Status.Equal(expected) {
		return false, nil
	}

	now := s.now().UTC()
	attempt.Status = next
	attempt.Params = attempt.Params.Merge(terminalParams(next, extra, now))
	attempt.UpdatedAt = now
	s.attempts[attemptID] = attempt
	return true, nil
}

func (s *MemoryStore) SetJobPointer(_ context.Context, jobID string, pointer domain.PointerKind, attemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	attempt, ok := s.attempts[attemptID]
	if !ok {
		return ErrAttemptNotFound
	}
	if err := checkPointerTarget(jobID, pointer, attempt); err != nil {
		return err
	}

	switch pointer {
	case domain.PointerSelectedRestore:
		job.SelectedRestoreID = attemptID
	case domain.PointerLatestAnimation:
		job.LatestAnimationID = attemptID
	default:
		return fmt.Errorf("unknown pointer kind: %q", pointer)
	}
	job.UpdatedAt = s.now().UTC()
	s.jobs[jobID] = job
	return nil
}

func checkPointerTarget(jobID string, pointer domain.PointerKind, attempt domain.Attempt) error {
	if attempt.JobID != jobID {
		return ErrOwnershipMismatch
	}
	if attempt.Kind != pointer.AttemptKind() {
		return ErrPointerKindMismatch
	}
	if !attempt.Status.IsSuccess() {
		return ErrAttemptNotSucceeded
	}
	return nil
}

func cloneAttempt(attempt domain.Attempt) domain.Attempt {
	attempt.Params = attempt.Params.Clone()
	return attempt
}

func sortAttempts(attempts []domain.Attempt) {
	sort.Slice(attempts, func(i, j int) bool {
		if attempts[i].CreatedAt.Equal(attempts[j].CreatedAt) {
			return attempts[i].ID < attempts[j].ID
		}
		return attempts[i].CreatedAt.Before(attempts[j].CreatedAt)
	})
}
