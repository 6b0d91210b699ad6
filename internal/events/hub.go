package events

import (
	"context"
	"errors"
	"sync"

	"github.com/dunamismax/restoreflow/internal/domain"
	"github.com/rs/zerolog"
)

var (
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrSubscriberTooSlow  = errors.New("subscriber fell behind and was disconnected")
)

const DefaultSubscriberBuffer = 256

// Publisher delivers an event to every client subscribed to a job.
type Publisher interface {
	Publish(ctx context.Context, jobID string, event domain.Event) error
}

// Hub is the in-process notifier. Each subscription owns an independent queue;
// a job's bucket exists only while it has at least one subscriber.
type Hub struct {
	mu      sync.Mutex
	buckets map[string]map[*Subscription]struct{}
	buffer  int
	logger  zerolog.Logger
}

func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		buckets: make(map[string]map[*Subscription]struct{}),
		buffer:  buffer,
		logger:  logger,
	}
}

func (h *Hub) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		hub:    h,
		jobID:  jobID,
		notify: make(chan struct{}, 1),
	}

	h.mu.Lock()
	bucket, ok := h.buckets[jobID]
	if !ok {
		bucket = make(map[*Subscription]struct{})
		h.buckets[jobID] = bucket
	}
	bucket[sub] = struct{}{}
	h.mu.Unlock()

	return sub
}

// Publish never blocks on a subscriber. Publishing to a job with no
// subscribers is a no-op.
func (h *Hub) Publish(_ context.Context, jobID string, event domain.Event) error {
	h.mu.Lock()
	bucket := h.buckets[jobID]
	subs := make([]*Subscription, 0, len(bucket))
	for sub := range bucket {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		if !sub.enqueue(event, h.buffer) {
			h.logger.Warn().
				Str("job_id", jobID).
				Int("buffer", h.buffer).
				Msg("dropping slow event subscriber")
			h.remove(sub)
		}
	}
	return nil
}

func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buckets[jobID])
}

// JobCount reports how many jobs currently have a subscriber bucket.
func (h *Hub) JobCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buckets)
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	bucket, ok := h.buckets[sub.jobID]
	if !ok {
		return
	}
	delete(bucket, sub)
	if len(bucket) == 0 {
		delete(h.buckets, sub.jobID)
	}
}

// Subscription is one client's ordered view of a job's events.
type Subscription struct {
	hub    *Hub
	jobID  string
	notify chan struct{}

	mu    sync.Mutex
	queue []domain.Event
	err   error
}

func (s *Subscription) JobID() string {
	return s.jobID
}

// Next blocks until an event is available, the subscription closes, or ctx is done.
func (s *Subscription) Next(ctx context.Context) (domain.Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			event := s.queue[0]
			s.queue[0] = domain.Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return event, nil
		}
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return domain.Event{}, err
		}

		select {
		case <-ctx.Done():
			return domain.Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Close deregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.err == nil {
		s.err = ErrSubscriptionClosed
	}
	s.mu.Unlock()
	s.wake()
	s.hub.remove(s)
}

func (s *Subscription) enqueue(event domain.Event, limit int) bool {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return true
	}
	if len(s.queue) >= limit {
		s.queue = nil
		s.err = ErrSubscriberTooSlow
		s.mu.Unlock()
		s.wake()
		return false
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	s.wake()
	return true
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
