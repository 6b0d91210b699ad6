package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestNewRedisTokenBucketValidatesPolicy(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	if _, err := NewRedisTokenBucket(nil, Policy{Capacity: 1, Window: time.Second}, ""); err == nil {
		t.Fatal("expected nil client to be rejected")
	}
	if _, err := NewRedisTokenBucket(client, Policy{Capacity: 0, Window: time.Second}, ""); err == nil {
		t.Fatal("expected zero capacity to be rejected")
	}
	if _, err := NewRedisTokenBucket(client, Policy{Capacity: 5}, ""); err == nil {
		t.Fatal("expected zero window to be rejected")
	}

	bucket, err := NewRedisTokenBucket(client, Policy{Capacity: 5, Window: time.Minute}, " ")
	if err != nil {
		t.Fatalf("new bucket: %v", err)
	}
	if bucket.keyPrefix != DefaultKeyPrefix {
		t.Fatalf("expected default prefix, got %q", bucket.keyPrefix)
	}
}

func TestTakeRejectsCostAboveCapacityWithoutRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	bucket, err := NewRedisTokenBucket(client, Policy{Capacity: 2, Window: time.Minute}, "")
	if err != nil {
		t.Fatalf("new bucket: %v", err)
	}
	if _, err := bucket.Take(context.Background(), "alice", 3); !errors.Is(err, ErrCostExceedsCapacity) {
		t.Fatalf("expected ErrCostExceedsCapacity, got %v", err)
	}
}

func TestDecodeReply(t *testing.T) {
	decision, err := decodeReply([]any{int64(0), int64(2), "1500"})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decision.Allowed || decision.Remaining != 2 || decision.RetryAfter != 1500*time.Millisecond {
		t.Fatalf("unexpected decision %+v", decision)
	}

	if _, err := decodeReply([]any{int64(1), int64(2)}); err == nil {
		t.Fatal("expected short reply to fail")
	}
	if _, err := decodeReply([]any{int64(1), "x", int64(0)}); err == nil {
		t.Fatal("expected non-numeric field to fail")
	}
	if _, err := decodeReply("OK"); err == nil {
		t.Fatal("expected non-array reply to fail")
	}
}
