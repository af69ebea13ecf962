// Package scheduler persists the adaptive poll schedule of sources so that
// any number of executors can share it without double polling.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/fieldsync/fieldsync/internal/clock"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/metrics"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/repository"
)

var (
	ErrAlreadyClaimed  = errors.New("source already claimed by another executor")
	ErrNotDue          = errors.New("source is not due")
	ErrSourceExists    = errors.New("source already registered")
	ErrInvalidInterval = errors.New("invalid poll interval")
	ErrTooManyRetries  = errors.New("source update kept conflicting")
)

const (
	DefaultMaxBackoff = time.Hour
	DefaultMaxRetries = 5
)

// Config tunes the scheduler.
type Config struct {
	// DefaultJitter is assigned to sources created by Register.
	DefaultJitter float64
	// MaxBackoff caps the failure penalty added to NextPollAt.
	MaxBackoff time.Duration
	// MaxRetries bounds re-read and re-apply cycles on version conflicts.
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.DefaultJitter == 0 {
		c.DefaultJitter = models.DefaultJitter
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// Scheduler applies Source scheduling methods and persists them with
// conditional writes.
type Scheduler struct {
	store  repository.SourceStore
	cfg    Config
	clock  clock.Clock
	rnd    func() float64
	logger *slog.Logger
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithRandom replaces the jitter source. f must return values in [0,1).
func WithRandom(f func() float64) Option {
	return func(s *Scheduler) { s.rnd = f }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func New(store repository.SourceStore, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:  store,
		cfg:    cfg.withDefaults(),
		clock:  clock.Real{},
		rnd:    rand.Float64,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a source that is due immediately.
func (s *Scheduler) Register(ctx context.Context, sourceType models.SourceType, externalID string, interval time.Duration) (*models.Source, error) {
	if _, err := models.ParseSourceType(string(sourceType)); err != nil {
		return nil, err
	}
	if externalID == "" {
		return nil, fmt.Errorf("external id is required")
	}
	if interval < models.MinPollInterval || interval > models.MaxPollInterval {
		return nil, fmt.Errorf("%w: %s not within [%s, %s]", ErrInvalidInterval, interval, models.MinPollInterval, models.MaxPollInterval)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate source id: %w", err)
	}

	now := s.clock.Now()
	src := &models.Source{
		ID:           id.String(),
		Type:         sourceType,
		ExternalID:   externalID,
		PollInterval: interval,
		Jitter:       s.cfg.DefaultJitter,
		NextPollAt:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateSource(ctx, src); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s/%s", ErrSourceExists, sourceType, externalID)
		}
		return nil, fmt.Errorf("register source: %w", err)
	}

	s.logger.InfoContext(ctx, "source registered",
		logging.SourceID(src.ID),
		logging.SourceType(string(sourceType)),
		slog.String("external_id", externalID),
		slog.Duration("interval", interval),
	)
	return src, nil
}

// Due lists sources whose NextPollAt has passed, earliest first.
func (s *Scheduler) Due(ctx context.Context, limit int) ([]*models.Source, error) {
	sources, err := s.store.ListDueSources(ctx, s.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due sources: %w", err)
	}
	return sources, nil
}

// Reserve moves NextPollAt forward by one jittered interval, guarded by the
// value read. Exactly one of several concurrent callers succeeds; the rest
// get ErrAlreadyClaimed.
func (s *Scheduler) Reserve(ctx context.Context, src *models.Source) error {
	now := s.clock.Now()
	if !src.DueAt(now) {
		return fmt.Errorf("%w: next poll at %s", ErrNotDue, src.NextPollAt.Format(time.RFC3339))
	}

	prev := src.ReserveFrom(now, s.rnd)
	err := s.store.ReserveSource(ctx, src, prev, now)
	if err == nil {
		return nil
	}

	src.NextPollAt = prev
	if errors.Is(err, repository.ErrConflict) {
		metrics.ReservationConflicts.Inc()
		return ErrAlreadyClaimed
	}
	return fmt.Errorf("reserve source %s: %w", src.ID, err)
}

// RecordAttempt stamps LastPollAttemptedAt.
func (s *Scheduler) RecordAttempt(ctx context.Context, src *models.Source) error {
	now := s.clock.Now()
	return s.update(ctx, src, func(fresh *models.Source) {
		fresh.MarkAttempt(now)
	})
}

// RecordSuccess resets the failure streak and stores the cursor returned by the fetch.
func (s *Scheduler) RecordSuccess(ctx context.Context, src *models.Source, cursor string) error {
	now := s.clock.Now()
	return s.update(ctx, src, func(fresh *models.Source) {
		fresh.MarkSuccess(now)
		fresh.Cursor = cursor
	})
}

// RecordFailure applies exponential backoff and records detail.
func (s *Scheduler) RecordFailure(ctx context.Context, src *models.Source, detail map[string]any) error {
	now := s.clock.Now()
	return s.update(ctx, src, func(fresh *models.Source) {
		fresh.MarkFailure(now, detail, s.cfg.MaxBackoff)
	})
}

// update applies fn to src and writes it conditionally on Version. On a
// conflict it re-reads the source and applies fn again to the fresh copy.
func (s *Scheduler) update(ctx context.Context, src *models.Source, fn func(*models.Source)) error {
	current := *src
	for attempt := 1; ; attempt++ {
		fn(&current)
		err := s.store.UpdateSource(ctx, &current)
		if err == nil {
			*src = current
			return nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("update source %s: %w", src.ID, err)
		}
		if attempt >= s.cfg.MaxRetries {
			return fmt.Errorf("%w: %s after %d attempts", ErrTooManyRetries, src.ID, attempt)
		}

		s.logger.DebugContext(ctx, "source changed concurrently, retrying",
			logging.SourceID(src.ID),
			slog.Int("attempt", attempt),
		)
		fresh, err := s.store.GetSource(ctx, src.ID)
		if err != nil {
			return fmt.Errorf("reload source %s: %w", src.ID, err)
		}
		current = *fresh
	}
}
