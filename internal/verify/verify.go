// Package verify accepts the result of a non-deterministic computation only
// when several concurrent runs agree on its canonical form.
package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fieldsync/fieldsync/internal/canonical"
	"github.com/fieldsync/fieldsync/internal/clock"
	"github.com/fieldsync/fieldsync/internal/metrics"
)

var ErrInconsistent = errors.New("redundant runs did not agree")

const (
	DefaultRuns       = 3
	DefaultMaxRetries = 2
	DefaultRetryDelay = 500 * time.Millisecond
)

// InconsistentError is returned once every round has been spent without a
// unanimous result. It unwraps to ErrInconsistent.
type InconsistentError struct {
	Rounds int
	// LastErr is the run error of the final round, if a run failed rather than disagreed.
	LastErr error
}

func (e *InconsistentError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("%s after %d rounds: %v", ErrInconsistent, e.Rounds, e.LastErr)
	}
	return fmt.Sprintf("%s after %d rounds", ErrInconsistent, e.Rounds)
}

func (e *InconsistentError) Unwrap() error { return ErrInconsistent }

// Config sets the redundancy.
type Config struct {
	Runs int
	// MaxRetries is the number of extra rounds after the first. Zero means none.
	MaxRetries int
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Runs <= 0 {
		c.Runs = DefaultRuns
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// DefaultConfig is three runs with two extra rounds.
func DefaultConfig() Config {
	return Config{Runs: DefaultRuns, MaxRetries: DefaultMaxRetries, RetryDelay: DefaultRetryDelay}
}

// Verifier holds the configuration shared by every Run call.
type Verifier struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
}

func New(cfg Config, clk clock.Clock, logger *slog.Logger) *Verifier {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{cfg: cfg.withDefaults(), clock: clk, logger: logger}
}

// Run executes gen v.cfg.Runs times concurrently. When every run succeeds and
// all canonical forms are identical it returns the first raw result. A failed
// run fails the round. Rounds repeat up to MaxRetries more times, then Run
// returns an *InconsistentError. There is no majority fallback.
func Run[T any](ctx context.Context, v *Verifier, gen func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	rounds := v.cfg.MaxRetries + 1

	var lastErr error
	for round := 1; round <= rounds; round++ {
		if round > 1 {
			if err := v.clock.Sleep(ctx, v.cfg.RetryDelay); err != nil {
				return zero, err
			}
		}

		result, agreed, err := runRound(ctx, v.cfg.Runs, gen)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if agreed {
			metrics.VerificationRounds.WithLabelValues("agreed").Inc()
			return result, nil
		}

		lastErr = err
		outcome := "disagreed"
		if err != nil {
			outcome = "failed"
		}
		metrics.VerificationRounds.WithLabelValues(outcome).Inc()
		v.logger.WarnContext(ctx, "verification round not unanimous",
			slog.Int("round", round),
			slog.Int("rounds", rounds),
			slog.String("outcome", outcome),
		)
	}

	return zero, &InconsistentError{Rounds: rounds, LastErr: lastErr}
}

func runRound[T any](ctx context.Context, n int, gen func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T
	results := make([]T, n)

	// Runs are independent: one failing must not cancel the others.
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			r, err := gen(ctx)
			if err != nil {
				return fmt.Errorf("run %d: %w", i, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return zero, false, err
	}

	first, err := canonical.Marshal(results[0])
	if err != nil {
		return zero, false, fmt.Errorf("canonicalize run 0: %w", err)
	}
	for i := 1; i < n; i++ {
		other, err := canonical.Marshal(results[i])
		if err != nil {
			return zero, false, fmt.Errorf("canonicalize run %d: %w", i, err)
		}
		if !bytes.Equal(first, other) {
			return zero, false, nil
		}
	}
	return results[0], true, nil
}
