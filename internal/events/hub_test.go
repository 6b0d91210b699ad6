package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/restoreflow/internal/domain"
	"github.com/rs/zerolog"
)

func testEvent(jobID, attemptID string) domain.Event {
	return domain.CompletionEvent(domain.Attempt{
		ID:     attemptID,
		JobID:  jobID,
		Kind:   domain.AttemptKindRestore,
		Status: domain.Succeeded("jobs/" + jobID + "/restorations/" + attemptID + ".jpg"),
	})
}

func nextWithin(t *testing.T, sub *Subscription) (domain.Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return sub.Next(ctx)
}

func TestSubscribeThenPublishDelivers(t *testing.T) {
	hub := NewHub(8, zerolog.Nop())
	sub := hub.Subscribe("job-1")
	defer sub.Close()

	if err := hub.Publish(context.Background(), "job-1", testEvent("job-1", "a1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	event, err := nextWithin(t, sub)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if event.Type != domain.EventCompleted || event.Data.AttemptID != "a1" || event.Data.JobID != "job-1" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	hub := NewHub(8, zerolog.Nop())
	if err := hub.Publish(context.Background(), "nobody", testEvent("nobody", "a1")); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
	if hub.JobCount() != 0 {
		t.Fatalf("publish must not create buckets, got %d", hub.JobCount())
	}
}

func TestEachSubscriberGetsIndependentCopyInOrder(t *testing.T) {
	hub := NewHub(8, zerolog.Nop())
	first := hub.Subscribe("job-1")
	second := hub.Subscribe("job-1")
	other := hub.Subscribe("job-2")
	defer first.Close()
	defer second.Close()
	defer other.Close()

	for _, attemptID := range []string{"a1", "a2", "a3"} {
		_ = hub.Publish(context.Background(), "job-1", testEvent("job-1", attemptID))
	}

	for _, sub := range []*Subscription{first, second} {
		for _, want := range []string{"a1", "a2", "a3"} {
			event, err := nextWithin(t, sub)
			if err != nil {
				t.Fatalf("next: %v", err)
			}
			if event.Data.AttemptID != want {
				t.Fatalf("expected %s, got %s", want, event.Data.AttemptID)
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := other.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected no events for other job, got %v", err)
	}
}

func TestCloseRemovesEmptyBucket(t *testing.T) {
	hub := NewHub(8, zerolog.Nop())
	first := hub.Subscribe("job-1")
	second := hub.Subscribe("job-1")
	if hub.SubscriberCount("job-1") != 2 {
		t.Fatalf("expected 2 subscribers, got %d", hub.SubscriberCount("job-1"))
	}

	first.Close()
	if hub.SubscriberCount("job-1") != 1 || hub.JobCount() != 1 {
		t.Fatalf("expected bucket to survive with one subscriber")
	}

	second.Close()
	second.Close()
	if hub.JobCount() != 0 {
		t.Fatalf("expected empty bucket to be removed, got %d jobs", hub.JobCount())
	}

	if _, err := nextWithin(t, second); !errors.Is(err, ErrSubscriptionClosed) {
		t.Fatalf("expected ErrSubscriptionClosed, got %v", err)
	}
}

func TestCloseWakesBlockedReader(t *testing.T) {
	hub := NewHub(8, zerolog.Nop())
	sub := hub.Subscribe("job-1")

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	sub.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrSubscriptionClosed) {
			t.Fatalf("expected ErrSubscriptionClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked reader was not woken by Close")
	}
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	hub := NewHub(2, zerolog.Nop())
	slow := hub.Subscribe("job-1")
	fast := hub.Subscribe("job-1")
	defer fast.Close()

	for i := 0; i < 3; i++ {
		_ = hub.Publish(context.Background(), "job-1", testEvent("job-1", "a"))
		if _, err := nextWithin(t, fast); err != nil {
			t.Fatalf("fast subscriber next: %v", err)
		}
	}

	if _, err := nextWithin(t, slow); !errors.Is(err, ErrSubscriberTooSlow) {
		t.Fatalf("expected ErrSubscriberTooSlow, got %v", err)
	}
	if hub.SubscriberCount("job-1") != 1 {
		t.Fatalf("expected slow subscriber removed, got %d", hub.SubscriberCount("job-1"))
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	hub := NewHub(1024, zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := hub.Subscribe("job-1")
			sub.Close()
		}()
		go func() {
			defer wg.Done()
			_ = hub.Publish(context.Background(), "job-1", testEvent("job-1", "a"))
		}()
	}
	wg.Wait()
	if hub.JobCount() != 0 {
		t.Fatalf("expected no buckets left, got %d", hub.JobCount())
	}
}

func TestDecodeMessage(t *testing.T) {
	event := testEvent("job-1", "a1")
	body, err := json.Marshal(envelope{JobID: "job-1", Event: event})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	jobID, decoded, err := decodeMessage(DefaultChannelPrefix, DefaultChannelPrefix+"job-1", string(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if jobID != "job-1" || decoded.Type != event.Type || decoded.Data.StorageKey != event.Data.StorageKey {
		t.Fatalf("unexpected decoded event %s %+v", jobID, decoded)
	}

	if _, _, err := decodeMessage(DefaultChannelPrefix, DefaultChannelPrefix+"job-2", string(body)); err == nil {
		t.Fatal("expected channel mismatch error")
	}
	if _, _, err := decodeMessage(DefaultChannelPrefix, DefaultChannelPrefix+"job-1", "{"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestRelayDeliverForwardsToHub(t *testing.T) {
	hub := NewHub(8, zerolog.Nop())
	relay := NewRelay(nil, "", hub, zerolog.Nop())
	sub := hub.Subscribe("job-1")
	defer sub.Close()

	body, _ := json.Marshal(envelope{JobID: "job-1", Event: testEvent("job-1", "a9")})
	relay.deliver(context.Background(), DefaultChannelPrefix+"job-1", string(body))
	relay.deliver(context.Background(), DefaultChannelPrefix+"job-1", "not json")

	event, err := nextWithin(t, sub)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if event.Data.AttemptID != "a9" {
		t.Fatalf("unexpected relayed event %+v", event)
	}
}
