// Package poller executes due source polls and feeds detected changes into
// the outbox.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fieldsync/fieldsync/internal/changes"
	"github.com/fieldsync/fieldsync/internal/clock"
	"github.com/fieldsync/fieldsync/internal/events"
	"github.com/fieldsync/fieldsync/internal/ignore"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/metrics"
	"github.com/fieldsync/fieldsync/internal/middleware"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/outbox"
	"github.com/fieldsync/fieldsync/internal/ratelimit"
	"github.com/fieldsync/fieldsync/internal/repository"
	"github.com/fieldsync/fieldsync/internal/scheduler"
)

const (
	DefaultBatchSize = 50
	DefaultWorkers   = 4
	DefaultInterval  = time.Second
	DefaultBucket    = "source"
)

// Fetcher reads the current rows of a source starting at its cursor.
type Fetcher interface {
	Fetch(ctx context.Context, src *models.Source) (*models.FetchResult, error)
}

// Normalizer turns a raw field payload into the value that is compared.
type Normalizer interface {
	Normalize(ctx context.Context, src *models.Source, fieldID string, raw json.RawMessage) (any, error)
}

// RuleSource provides the ignore matcher for a source type.
type RuleSource interface {
	Matcher(ctx context.Context, sourceType models.SourceType) (*ignore.Matcher, error)
}

// Config tunes the poll loop.
type Config struct {
	Interval time.Duration
	// BatchSize is the number of due sources fetched per tick.
	BatchSize int
	// Workers bounds concurrent polls.
	Workers int
	// Bucket is the rate limit bucket acquired before each fetch.
	Bucket string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Bucket == "" {
		c.Bucket = DefaultBucket
	}
	return c
}

// Dependencies are the collaborators a Poller drives.
type Dependencies struct {
	Scheduler *scheduler.Scheduler
	// Detector and Outbox are rebound to Tx for every row.
	Detector   *changes.Detector
	Outbox     *outbox.Outbox
	Tx         repository.Transactor
	Limiter    ratelimit.Acquirer
	Fetcher    Fetcher
	Normalizer Normalizer
	// Rules is optional; without it no row is ignored.
	Rules     RuleSource
	Publisher events.Publisher
}

// Stats summarizes one RunOnce.
type Stats struct {
	Due     int
	Skipped int
	Polled  int
	Failed  int
	Changes int
}

// report summarizes one poll.
type report struct {
	rows    int
	ignored int
	changes int
}

// Poller runs due polls on a bounded pool.
type Poller struct {
	deps   Dependencies
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Option customizes a Poller.
type Option func(*Poller)

func WithClock(c clock.Clock) Option {
	return func(p *Poller) { p.clock = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) { p.logger = logger }
}

func New(deps Dependencies, cfg Config, opts ...Option) *Poller {
	if deps.Publisher == nil {
		deps.Publisher = events.Noop{}
	}
	p := &Poller{
		deps:   deps,
		cfg:    cfg.withDefaults(),
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start runs RunOnce every Interval until Stop or ctx is done.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("poller already running")
	}
	p.running = true
	p.stopChan = make(chan struct{})

	p.logger.Info("poller starting",
		slog.Duration("interval", p.cfg.Interval),
		slog.Int("workers", p.cfg.Workers),
	)

	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

// Stop waits for in-flight polls to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("poller stopped")
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			tickCtx := middleware.WithRequestID(ctx, uuid.NewString())
			if _, err := p.RunOnce(tickCtx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.ErrorContext(tickCtx, "poll tick failed", logging.Error(err))
			}
		}
	}
}

// RunOnce reserves the currently due sources and polls the ones it won.
func (p *Poller) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	due, err := p.deps.Scheduler.Due(ctx, p.cfg.BatchSize)
	if err != nil {
		return stats, err
	}
	stats.Due = len(due)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for _, src := range due {
		if err := p.deps.Scheduler.Reserve(ctx, src); err != nil {
			if !errors.Is(err, scheduler.ErrAlreadyClaimed) && !errors.Is(err, scheduler.ErrNotDue) {
				p.logger.ErrorContext(ctx, "failed to reserve source", logging.SourceID(src.ID), logging.Error(err))
			}
			stats.Skipped++
			continue
		}

		g.Go(func() error {
			rep, err := p.pollOne(ctx, src)
			mu.Lock()
			defer mu.Unlock()
			stats.Polled++
			stats.Changes += rep.changes
			if err != nil {
				stats.Failed++
			}
			return nil
		})
	}
	g.Wait()

	if stats.Due > 0 {
		p.logger.InfoContext(ctx, "poll batch finished",
			logging.Count(stats.Polled),
			slog.Int("skipped", stats.Skipped),
			slog.Int("failed", stats.Failed),
			slog.Int("changes", stats.Changes),
		)
	}
	return stats, ctx.Err()
}

// pollOne runs one reserved poll and records its outcome on the schedule.
func (p *Poller) pollOne(ctx context.Context, src *models.Source) (report, error) {
	logger := p.logger.With(logging.SourceID(src.ID), logging.SourceType(string(src.Type)))
	start := p.clock.Now()
	defer func() {
		metrics.PollDuration.WithLabelValues(string(src.Type)).Observe(p.clock.Now().Sub(start).Seconds())
	}()

	if err := p.deps.Scheduler.RecordAttempt(ctx, src); err != nil {
		logger.WarnContext(ctx, "failed to record poll attempt", logging.Error(err))
	}

	rep, cursor, err := p.poll(ctx, src)
	if err != nil {
		metrics.PollsTotal.WithLabelValues(string(src.Type), "failure").Inc()
		logger.WarnContext(ctx, "poll failed", logging.Error(err))
		detail := map[string]any{"error": err.Error(), "at": p.clock.Now().UTC().Format(time.RFC3339)}
		if rerr := p.deps.Scheduler.RecordFailure(ctx, src, detail); rerr != nil {
			logger.ErrorContext(ctx, "failed to record poll failure", logging.Error(rerr))
		}
		return rep, err
	}

	metrics.PollsTotal.WithLabelValues(string(src.Type), "success").Inc()
	if err := p.deps.Scheduler.RecordSuccess(ctx, src, cursor); err != nil {
		logger.ErrorContext(ctx, "failed to record poll success", logging.Error(err))
	}
	logger.DebugContext(ctx, "poll finished",
		slog.Int("rows", rep.rows),
		slog.Int("ignored", rep.ignored),
		slog.Int("changes", rep.changes),
	)
	return rep, nil
}

func (p *Poller) poll(ctx context.Context, src *models.Source) (report, string, error) {
	var rep report

	if _, err := p.deps.Limiter.Acquire(ctx, p.cfg.Bucket); err != nil {
		return rep, "", fmt.Errorf("acquire %s permit: %w", p.cfg.Bucket, err)
	}

	res, err := p.deps.Fetcher.Fetch(ctx, src)
	if err != nil {
		return rep, "", fmt.Errorf("fetch: %w", err)
	}

	var matcher *ignore.Matcher
	if p.deps.Rules != nil {
		matcher, err = p.deps.Rules.Matcher(ctx, src.Type)
		if err != nil {
			return rep, "", err
		}
	}

	checkedAt := p.clock.Now()
	for _, row := range res.Rows {
		rep.rows++
		if matcher != nil && matcher.Matches(ctx, row.ID) {
			rep.ignored++
			metrics.RowsIgnored.Inc()
			continue
		}
		if outbox.NormalizeRecipient(row.Recipient) == "" {
			rep.ignored++
			p.logger.WarnContext(ctx, "row has no recipient", logging.SourceID(src.ID), slog.String("row_id", row.ID))
			continue
		}
		n, err := p.processRow(ctx, src, row, checkedAt)
		rep.changes += n
		if err != nil {
			return rep, "", fmt.Errorf("row %s: %w", row.ID, err)
		}
	}
	return rep, res.Cursor, nil
}

// processRow checks every field of row and enqueues the ones that changed.
// Fields are visited in name order. Baselines and envelopes for the row are
// written in one transaction, so a failed enqueue leaves the baselines where
// they were and the next poll sees the change again.
func (p *Poller) processRow(ctx context.Context, src *models.Source, row models.Row, checkedAt time.Time) (int, error) {
	fieldIDs := make([]string, 0, len(row.Fields))
	for id := range row.Fields {
		fieldIDs = append(fieldIDs, id)
	}
	sort.Strings(fieldIDs)

	values := make([]any, len(fieldIDs))
	for i, fieldID := range fieldIDs {
		value, err := p.deps.Normalizer.Normalize(ctx, src, fieldID, row.Fields[fieldID])
		if err != nil {
			return 0, fmt.Errorf("normalize %s: %w", fieldID, err)
		}
		values[i] = value
	}

	var emitted []*events.ChangeEvent
	err := p.deps.Tx.WithTx(ctx, func(tx repository.Tx) error {
		emitted = emitted[:0]
		detector := p.deps.Detector.WithStore(tx)
		box := p.deps.Outbox.WithStore(tx)

		for i, fieldID := range fieldIDs {
			key := models.BaselineKey{SourceID: src.ID, RowID: row.ID, FieldID: fieldID}
			res, err := detector.DetectChange(ctx, key, values[i], checkedAt)
			if err != nil {
				return err
			}
			if !res.Propagate() {
				continue
			}
			ev, err := p.enqueue(ctx, box, src, row, fieldID, res, checkedAt)
			if err != nil {
				return err
			}
			emitted = append(emitted, ev)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, ev := range emitted {
		if err := p.deps.Publisher.PublishChange(ctx, ev); err != nil {
			p.logger.WarnContext(ctx, "failed to publish change event", logging.EnvelopeID(ev.EnvelopeID), logging.Error(err))
		}
	}
	return len(emitted), nil
}

type changePayload struct {
	RowID string          `json:"row_id"`
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// enqueue stores the envelope for one changed field and returns the event to
// publish once the transaction commits.
func (p *Poller) enqueue(ctx context.Context, box *outbox.Outbox, src *models.Source, row models.Row, fieldID string, res *changes.Result, at time.Time) (*events.ChangeEvent, error) {
	payload, err := json.Marshal(changePayload{RowID: row.ID, Field: fieldID, Value: res.Baseline.Value})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	env, err := box.Enqueue(ctx, outbox.EnqueueRequest{
		Recipient: row.Recipient,
		Payload:   payload,
		Provenance: models.Provenance{
			Kind:       models.ProvenanceSource,
			SourceType: src.Type,
			SourceID:   src.ID,
			RowID:      row.ID,
			FieldID:    fieldID,
		},
		Before: res.Previous,
		After:  res.Baseline.Value,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", fieldID, err)
	}

	return &events.ChangeEvent{
		SourceID:   src.ID,
		SourceType: src.Type,
		RowID:      row.ID,
		FieldID:    fieldID,
		Before:     res.Previous,
		After:      res.Baseline.Value,
		EnvelopeID: env.ID,
		DetectedAt: at,
	}, nil
}
