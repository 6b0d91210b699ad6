package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "restoreflow:ratelimit"

var ErrCostExceedsCapacity = errors.New("request cost exceeds bucket capacity")

// Policy is the sustained budget of one subject: Capacity tokens per Window,
// refilled continuously.
type Policy struct {
	Capacity int
	Window   time.Duration
}

func (p Policy) validate() error {
	if p.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive")
	}
	if p.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	return nil
}

type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// takeScript refills the subject's bucket for the elapsed time and takes cost
// tokens when enough are available. It returns {allowed, remaining, retry_ms}.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill_per_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "tokens", "timestamp")
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now_ms

tokens = math.min(capacity, tokens + math.max(0, now_ms - last) * refill_per_ms)

local allowed = 0
local retry_ms = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  retry_ms = math.ceil((cost - tokens) / refill_per_ms)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "timestamp", now_ms)
redis.call("PEXPIRE", KEYS[1], ttl_ms)
return {allowed, math.floor(tokens), retry_ms}
`)

// RedisTokenBucket meters submissions per subject in a redis hash, so every
// API replica shares one budget.
type RedisTokenBucket struct {
	client    redis.UniversalClient
	policy    Policy
	keyPrefix string
	now       func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, policy Policy, keyPrefix string) (*RedisTokenBucket, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if err := policy.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisTokenBucket{
		client:    client,
		policy:    policy,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}, nil
}

func (l *RedisTokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	return l.Take(ctx, subject, 1)
}

// Take spends cost tokens from subject's bucket. Expensive work such as an
// animation is charged more than an upload or a restoration.
func (l *RedisTokenBucket) Take(ctx context.Context, subject string, cost int) (Decision, error) {
	if cost < 1 {
		cost = 1
	}
	if cost > l.policy.Capacity {
		return Decision{}, fmt.Errorf("%w: cost %d, capacity %d", ErrCostExceedsCapacity, cost, l.policy.Capacity)
	}

	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}

	windowMS := max(l.policy.Window.Milliseconds(), 1)
	raw, err := takeScript.Run(
		ctx,
		l.client,
		[]string{l.keyPrefix + ":" + subject},
		l.policy.Capacity,
		float64(l.policy.Capacity)/float64(windowMS),
		l.now().UTC().UnixMilli(),
		cost,
		2*windowMS,
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("run token bucket script: %w", err)
	}

	decision, err := decodeReply(raw)
	if err != nil {
		return Decision{}, err
	}
	decision.Limit = int64(l.policy.Capacity)
	return decision, nil
}

func decodeReply(raw any) (Decision, error) {
	values, ok := raw.([]any)
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("invalid token bucket reply %v", raw)
	}
	var parsed [3]int64
	for i, v := range values {
		n, err := toInt64(v)
		if err != nil {
			return Decision{}, fmt.Errorf("token bucket reply field %d: %w", i, err)
		}
		parsed[i] = n
	}
	return Decision{
		Allowed:    parsed[0] == 1,
		Remaining:  parsed[1],
		RetryAfter: time.Duration(parsed[2]) * time.Millisecond,
	}, nil
}

func toInt64(in any) (int64, error) {
	switch v := in.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", in)
	}
}
