package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one atomic attempt against a bucket. When Allowed
// is true At is the recorded event time; otherwise At is the oldest event still
// inside the window.
type Decision struct {
	Allowed bool
	At      time.Time
}

// Store performs the trim, count, conditional insert and expiry refresh for a
// bucket as one indivisible step.
type Store interface {
	Attempt(ctx context.Context, bucket string, now time.Time, limit int, period, ttl time.Duration) (Decision, error)
}

// slidingWindowScript trims events at or before the window start, counts the
// rest and inserts a uniquely named event when below the limit. Timestamps are
// passed as integer microsecond strings so Lua never reformats them.
var slidingWindowScript = redis.NewScript(`
local events = KEYS[1]
local seqkey = KEYS[2]
local now = ARGV[1]
local window_start = ARGV[2]
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', events, '-inf', window_start)

local count = redis.call('ZCARD', events)
if count < limit then
	local seq = redis.call('INCR', seqkey)
	redis.call('ZADD', events, now, now .. '-' .. seq)
	redis.call('PEXPIRE', events, ttl)
	redis.call('PEXPIRE', seqkey, ttl)
	return {1, now}
end

local oldest = redis.call('ZRANGE', events, 0, 0, 'WITHSCORES')
return {0, oldest[2]}
`)

// RedisStore keeps bucket state in Redis so every process sharing the server
// shares the limit.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisClient parses redisURL and verifies the server is reachable.
func NewRedisClient(ctx context.Context, redisURL string, poolSize, maxRetries int) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if poolSize > 0 {
		opt.PoolSize = poolSize
	}
	if maxRetries != 0 {
		opt.MaxRetries = maxRetries
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func eventsKey(bucket string) string { return "ratelimit:{" + bucket + "}" }
func seqKey(bucket string) string    { return "ratelimit:{" + bucket + "}:seq" }

// Attempt implements Store.
func (s *RedisStore) Attempt(ctx context.Context, bucket string, now time.Time, limit int, period, ttl time.Duration) (Decision, error) {
	nowMicros := now.UnixMicro()
	windowStart := nowMicros - period.Microseconds()

	res, err := slidingWindowScript.Run(ctx, s.client,
		[]string{eventsKey(bucket), seqKey(bucket)},
		strconv.FormatInt(nowMicros, 10),
		strconv.FormatInt(windowStart, 10),
		limit,
		ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}

	allowed, ok := res[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("rate limit script returned %T for allowed flag", res[0])
	}
	at, err := parseMicros(res[1])
	if err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: allowed == 1, At: at}, nil
}

func parseMicros(v any) (time.Time, error) {
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case int64:
		return time.UnixMicro(val).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("rate limit script returned %T for timestamp", v)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse rate limit timestamp %q: %w", s, err)
	}
	return time.UnixMicro(int64(f)).UTC(), nil
}

// MemoryStore is a process-local Store. It is atomic only within one process
// and exists for development mode and tests.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string][]time.Time)}
}

// Attempt implements Store. ttl is ignored; empty buckets are dropped on trim.
func (s *MemoryStore) Attempt(ctx context.Context, bucket string, now time.Time, limit int, period, ttl time.Duration) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	now = now.Truncate(time.Microsecond)
	windowStart := now.Add(-period)

	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.buckets[bucket]
	keep := sort.Search(len(events), func(i int) bool { return events[i].After(windowStart) })
	events = events[keep:]

	if len(events) < limit {
		events = append(events, now)
		sort.Slice(events, func(i, j int) bool { return events[i].Before(events[j]) })
		s.buckets[bucket] = events
		return Decision{Allowed: true, At: now}, nil
	}

	if len(events) == 0 {
		delete(s.buckets, bucket)
		return Decision{Allowed: false, At: now}, nil
	}
	s.buckets[bucket] = events
	return Decision{Allowed: false, At: events[0]}, nil
}
