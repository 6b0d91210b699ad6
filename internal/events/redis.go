package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dunamismax/restoreflow/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const DefaultChannelPrefix = "restoreflow:events:"

type envelope struct {
	JobID string       `json:"job_id"`
	Event domain.Event `json:"event"`
}

// RedisBroker publishes events on a per-job redis channel so every API
// replica can deliver them to its own subscribers.
type RedisBroker struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBroker(client redis.UniversalClient, prefix string) *RedisBroker {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisBroker{client: client, prefix: prefix}
}

func (b *RedisBroker) Publish(ctx context.Context, jobID string, event domain.Event) error {
	body, err := json.Marshal(envelope{JobID: jobID, Event: event})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.prefix+jobID, body).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Relay forwards broker messages into a local Hub.
type Relay struct {
	client redis.UniversalClient
	prefix string
	hub    *Hub
	logger zerolog.Logger
}

func NewRelay(client redis.UniversalClient, prefix string, hub *Hub, logger zerolog.Logger) *Relay {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultChannelPrefix
	}
	return &Relay{client: client, prefix: prefix, hub: hub, logger: logger}
}

// Run blocks until ctx is canceled.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe event channel: %w", err)
	}
	r.logger.Info().Str("pattern", r.prefix+"*").Msg("event relay subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(ctx, msg.Channel, msg.Payload)
		}
	}
}

func (r *Relay) deliver(ctx context.Context, channel, payload string) {
	jobID, event, err := decodeMessage(r.prefix, channel, payload)
	if err != nil {
		r.logger.Warn().Err(err).Str("channel", channel).Msg("discarding event message")
		return
	}
	_ = r.hub.Publish(ctx, jobID, event)
}

func decodeMessage(prefix, channel, payload string) (string, domain.Event, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return "", domain.Event{}, fmt.Errorf("decode event: %w", err)
	}
	channelJobID := strings.TrimPrefix(channel, prefix)
	if env.JobID == "" || env.JobID != channelJobID {
		return "", domain.Event{}, fmt.Errorf("event job id %q does not match channel %q", env.JobID, channel)
	}
	if env.Event.Type == "" {
		return "", domain.Event{}, fmt.Errorf("event type is required")
	}
	return env.JobID, env.Event, nil
}
