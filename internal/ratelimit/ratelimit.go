// Package ratelimit gates outbound calls to a fixed number of events per
// sliding window, using a store shared by every process.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/fieldsync/fieldsync/internal/clock"
	"github.com/fieldsync/fieldsync/internal/metrics"
)

var (
	ErrWaitExhausted = errors.New("rate limit wait exhausted")
	ErrInvalidConfig = errors.New("invalid rate limit config")
)

const (
	DefaultBuffer      = 2 * time.Second
	DefaultMinWait     = 5 * time.Millisecond
	DefaultMaxJitter   = 10 * time.Millisecond
	DefaultMaxAttempts = 10000
)

// Acquirer is what outbound call sites depend on.
type Acquirer interface {
	Acquire(ctx context.Context, bucket string) (time.Time, error)
}

// Config sets the window for a limiter.
type Config struct {
	Limit  int
	Period time.Duration

	// Buffer is added to Period for the bucket's expiry so idle buckets are reclaimed.
	Buffer time.Duration
	// MinWait is the floor for a single wait between attempts.
	MinWait time.Duration
	// MaxJitter bounds the random delay added to each wait.
	MaxJitter time.Duration
	// MaxAttempts bounds the retry loop. Zero means DefaultMaxAttempts.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.Buffer == 0 {
		c.Buffer = DefaultBuffer
	}
	if c.MinWait == 0 {
		c.MinWait = DefaultMinWait
	}
	if c.MaxJitter == 0 {
		c.MaxJitter = DefaultMaxJitter
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Limiter enforces Config against a Store.
type Limiter struct {
	store  Store
	cfg    Config
	clock  clock.Clock
	jitter func() float64
	logger *slog.Logger
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock, typically with a clock.Fake in tests.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithJitterSource replaces the random source used for wait jitter. f must
// return values in [0,1).
func WithJitterSource(f func() float64) Option {
	return func(l *Limiter) { l.jitter = f }
}

// WithLogger sets the logger used for wait diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New validates cfg and returns a Limiter.
func New(store Store, cfg Config, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is nil", ErrInvalidConfig)
	}
	if cfg.Limit < 1 {
		return nil, fmt.Errorf("%w: limit must be at least 1, got %d", ErrInvalidConfig, cfg.Limit)
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("%w: period must be positive, got %s", ErrInvalidConfig, cfg.Period)
	}

	l := &Limiter{
		store:  store,
		cfg:    cfg.withDefaults(),
		clock:  clock.Real{},
		jitter: rand.Float64,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Acquire blocks until an event can be recorded in bucket and returns its
// timestamp. Store errors are returned as-is; the limiter never lets a call
// through without a recorded event.
func (l *Limiter) Acquire(ctx context.Context, bucket string) (time.Time, error) {
	start := l.clock.Now()
	ttl := l.cfg.Period + l.cfg.Buffer

	for attempt := 1; ; attempt++ {
		now := l.clock.Now()
		d, err := l.store.Attempt(ctx, bucket, now, l.cfg.Limit, l.cfg.Period, ttl)
		if err != nil {
			return time.Time{}, fmt.Errorf("acquire %s: %w", bucket, err)
		}
		if d.Allowed {
			if attempt > 1 {
				metrics.RateLimitWaitDuration.WithLabelValues(bucket).Observe(l.clock.Now().Sub(start).Seconds())
			}
			return d.At, nil
		}

		if attempt >= l.cfg.MaxAttempts {
			return time.Time{}, fmt.Errorf("%w: %s after %d attempts", ErrWaitExhausted, bucket, attempt)
		}

		wait := l.waitFor(d.At, now)
		metrics.RateLimitWaits.WithLabelValues(bucket).Inc()
		l.logger.DebugContext(ctx, "rate limit reached, waiting",
			slog.String("bucket", bucket),
			slog.Duration("wait", wait),
			slog.Int("attempt", attempt),
		)

		if err := l.clock.Sleep(ctx, wait); err != nil {
			return time.Time{}, fmt.Errorf("acquire %s: %w", bucket, err)
		}
	}
}

// waitFor computes how long to sleep until oldest leaves the window, bounded
// to [MinWait, Period], plus jitter to spread simultaneous waiters.
func (l *Limiter) waitFor(oldest, now time.Time) time.Duration {
	wait := oldest.Add(l.cfg.Period).Sub(now)
	if wait < l.cfg.MinWait {
		wait = l.cfg.MinWait
	}
	if wait > l.cfg.Period {
		wait = l.cfg.Period
	}
	if l.jitter != nil && l.cfg.MaxJitter > 0 {
		wait += time.Duration(l.jitter() * float64(l.cfg.MaxJitter))
	}
	return wait
}
