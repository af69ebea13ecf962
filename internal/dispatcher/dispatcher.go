// Package dispatcher drains the outbox: it claims queued envelopes, delivers
// them under the destination rate limit and records each outcome.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fieldsync/fieldsync/internal/canonical"
	"github.com/fieldsync/fieldsync/internal/clock"
	"github.com/fieldsync/fieldsync/internal/events"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/metrics"
	"github.com/fieldsync/fieldsync/internal/middleware"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/outbox"
	"github.com/fieldsync/fieldsync/internal/ratelimit"
)

const (
	DefaultBatchSize    = 100
	DefaultWorkers      = 8
	DefaultInterval     = 5 * time.Second
	DefaultClaimTimeout = 10 * time.Minute
	DefaultBucket       = "destination"
)

// Sender delivers one envelope downstream.
type Sender interface {
	Send(ctx context.Context, env *models.Envelope) (models.DeliveryResult, error)
}

// Config tunes the dispatch loop.
type Config struct {
	BatchSize int
	// Workers bounds how many recipients are delivered to in parallel.
	Workers  int
	Interval time.Duration
	// ClaimTimeout is how long an envelope may stay dispatching before it is failed.
	ClaimTimeout time.Duration
	// Bucket is the rate limit bucket acquired before each send.
	Bucket string
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = DefaultClaimTimeout
	}
	if c.Bucket == "" {
		c.Bucket = DefaultBucket
	}
	return c
}

// Stats summarizes one RunOnce.
type Stats struct {
	Claimed  int
	Released int
	Outcomes map[models.Status]int
}

// Dispatcher delivers claimed envelopes. It never retries: failures stay in
// the failed view until an explicit requeue.
type Dispatcher struct {
	outbox    *outbox.Outbox
	limiter   ratelimit.Acquirer
	sender    Sender
	publisher events.Publisher
	cfg       Config
	clock     clock.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithPublisher(p events.Publisher) Option {
	return func(d *Dispatcher) { d.publisher = p }
}

func New(ob *outbox.Outbox, limiter ratelimit.Acquirer, sender Sender, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		outbox:    ob,
		limiter:   limiter,
		sender:    sender,
		publisher: events.Noop{},
		cfg:       cfg.withDefaults(),
		clock:     clock.Real{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start runs RunOnce every Interval until Stop or ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.stopChan = make(chan struct{})

	d.logger.Info("dispatcher starting",
		slog.Duration("interval", d.cfg.Interval),
		slog.Int("workers", d.cfg.Workers),
	)

	d.wg.Add(1)
	go d.run(ctx)
	return nil
}

// Stop waits for the in-flight batch to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopChan)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopChan:
			return
		case <-ticker.C:
			tickCtx := middleware.WithRequestID(ctx, uuid.NewString())
			if _, err := d.RunOnce(tickCtx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.ErrorContext(tickCtx, "dispatch tick failed", logging.Error(err))
			}
		}
	}
}

// RunOnce releases expired claims, claims one batch and delivers it.
func (d *Dispatcher) RunOnce(ctx context.Context) (Stats, error) {
	stats := Stats{Outcomes: make(map[models.Status]int)}

	released, err := d.outbox.ReleaseExpired(ctx, d.clock.Now().Add(-d.cfg.ClaimTimeout))
	if err != nil {
		return stats, err
	}
	stats.Released = released

	batch, err := d.outbox.Claim(ctx, d.cfg.BatchSize)
	if err != nil {
		return stats, err
	}
	stats.Claimed = len(batch)
	if len(batch) == 0 {
		return stats, nil
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	for _, envs := range groupByRecipient(batch) {
		g.Go(func() error {
			for _, env := range envs {
				if err := ctx.Err(); err != nil {
					return err
				}
				status, ok := d.deliver(ctx, env)
				if !ok {
					continue
				}
				mu.Lock()
				stats.Outcomes[status]++
				mu.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()

	d.logger.InfoContext(ctx, "dispatch batch finished",
		logging.Count(stats.Claimed),
		slog.Int("released", stats.Released),
		slog.Any("outcomes", stats.Outcomes),
	)
	return stats, err
}

// groupByRecipient keeps the claim order within each recipient.
func groupByRecipient(batch []*models.Envelope) [][]*models.Envelope {
	index := make(map[string]int)
	var groups [][]*models.Envelope
	for _, env := range batch {
		i, ok := index[env.Recipient]
		if !ok {
			i = len(groups)
			index[env.Recipient] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], env)
	}
	return groups
}

// deliver sends one envelope and writes its outcome. ok is false when no
// outcome could be recorded; the claim then expires later.
func (d *Dispatcher) deliver(ctx context.Context, env *models.Envelope) (models.Status, bool) {
	logger := d.logger.With(logging.EnvelopeID(env.ID), logging.Recipient(env.Recipient))
	start := d.clock.Now()

	status, detail := d.attempt(ctx, env)
	if ctx.Err() != nil {
		return "", false
	}

	if err := d.outbox.Complete(ctx, env, status, detail); err != nil {
		logger.ErrorContext(ctx, "failed to record delivery outcome", logging.Status(string(status)), logging.Error(err))
		return "", false
	}
	metrics.DispatchDuration.Observe(d.clock.Now().Sub(start).Seconds())

	if status == models.StatusSent || status == models.StatusPartiallySent {
		if _, err := d.outbox.AppendAudit(ctx, env); err != nil {
			logger.ErrorContext(ctx, "failed to append audit record", logging.Error(err))
		}
	}

	completedAt := d.clock.Now()
	if env.CompletedAt != nil {
		completedAt = *env.CompletedAt
	}
	if err := d.publisher.PublishDelivery(ctx, &events.DeliveryEvent{
		EnvelopeID:  env.ID,
		Recipient:   env.Recipient,
		Status:      status,
		Provenance:  env.Provenance,
		ErrorDetail: detail,
		CompletedAt: completedAt,
	}); err != nil {
		logger.WarnContext(ctx, "failed to publish delivery event", logging.Error(err))
	}

	logger.DebugContext(ctx, "envelope delivered", logging.Status(string(status)))
	return status, true
}

// attempt decides the terminal status for env, sending it if needed.
func (d *Dispatcher) attempt(ctx context.Context, env *models.Envelope) (models.Status, map[string]any) {
	empty, err := isEmptyPayload(env.Payload)
	if err != nil {
		return models.StatusFailed, map[string]any{"error": err.Error(), "stage": "validate"}
	}
	if empty {
		return models.StatusIgnoredNoop, map[string]any{"reason": "empty_payload"}
	}

	if _, err := d.limiter.Acquire(ctx, d.cfg.Bucket); err != nil {
		return models.StatusFailed, map[string]any{"error": err.Error(), "stage": "rate_limit"}
	}

	res, err := d.sender.Send(ctx, env)
	return outcome(res, err)
}

// outcome maps a sender result onto a terminal status.
func outcome(res models.DeliveryResult, err error) (models.Status, map[string]any) {
	if err != nil {
		detail := map[string]any{"error": err.Error(), "stage": "send"}
		if res.PartsDelivered > 0 {
			detail["delivered"] = res.PartsDelivered
			detail["total"] = res.PartsTotal
			return models.StatusPartiallySent, detail
		}
		return models.StatusFailed, detail
	}
	if res.Noop {
		return models.StatusIgnoredNoop, nil
	}
	if res.PartsTotal > 0 && res.PartsDelivered < res.PartsTotal {
		if res.PartsDelivered == 0 {
			return models.StatusFailed, map[string]any{"error": "no parts delivered", "total": res.PartsTotal}
		}
		return models.StatusPartiallySent, map[string]any{
			"delivered": res.PartsDelivered,
			"total":     res.PartsTotal,
		}
	}
	return models.StatusSent, nil
}

var emptyPayloads = [][]byte{[]byte(`null`), []byte(`{}`), []byte(`[]`), []byte(`""`)}

// isEmptyPayload reports whether payload is blank or canonically one of
// null, {}, [] or "".
func isEmptyPayload(payload json.RawMessage) (bool, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return true, nil
	}
	c, err := canonical.Marshal(payload)
	if err != nil {
		return false, err
	}
	for _, e := range emptyPayloads {
		if bytes.Equal(c, e) {
			return true, nil
		}
	}
	return false, nil
}
