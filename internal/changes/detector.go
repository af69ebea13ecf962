// Package changes keeps one canonical baseline per (source, row, field) and
// reports whether a fresh observation differs from it.
package changes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldsync/fieldsync/internal/canonical"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/metrics"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/repository"
)

// ErrConcurrentUpdate means another writer changed the baseline between our
// read and write. Callers re-fetch and compare rather than overwrite.
var ErrConcurrentUpdate = errors.New("baseline updated concurrently")

const DefaultPruneBatchSize = 1000

// Config tunes the detector.
type Config struct {
	// TrackChecks persists LastCheckedAt and CheckedCount on every observation.
	// When false, observations that leave the value unchanged are not written.
	TrackChecks bool
	// BatchSize bounds each delete issued by PruneStale.
	BatchSize int
}

// DefaultConfig tracks every check and prunes in batches of DefaultPruneBatchSize.
func DefaultConfig() Config {
	return Config{TrackChecks: true, BatchSize: DefaultPruneBatchSize}
}

// Result is the outcome of one observation.
type Result struct {
	Baseline  *models.Baseline
	Changed   bool
	FirstTime bool
	// Previous is the canonical value before this observation, nil on first sight.
	Previous json.RawMessage
}

// Propagate reports whether the observation is a change worth emitting. A
// first sighting seeds the baseline silently.
func (r *Result) Propagate() bool {
	return r.Changed && !r.FirstTime
}

// Detector compares observations against stored baselines.
type Detector struct {
	store  repository.BaselineStore
	cfg    Config
	logger *slog.Logger
}

func NewDetector(store repository.BaselineStore, cfg Config, logger *slog.Logger) *Detector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultPruneBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: store, cfg: cfg, logger: logger}
}

// WithStore returns a copy of d that reads and writes baselines through store,
// typically an open transaction.
func (d *Detector) WithStore(store repository.BaselineStore) *Detector {
	c := *d
	c.store = store
	return &c
}

// DetectChange canonicalizes value, compares it with the stored baseline for
// key and persists the outcome with a conditional write.
func (d *Detector) DetectChange(ctx context.Context, key models.BaselineKey, value any, checkedAt time.Time) (*Result, error) {
	current, err := canonical.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("canonicalize %s/%s/%s: %w", key.SourceID, key.RowID, key.FieldID, err)
	}

	existing, err := d.store.GetBaseline(ctx, key)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return d.firstSighting(ctx, key, current, checkedAt)
	case err != nil:
		return nil, fmt.Errorf("load baseline: %w", err)
	}

	res := &Result{Previous: existing.Value}
	next := existing.Clone()
	if !bytes.Equal(existing.Value, current) {
		res.Changed = true
		next.Value = current
		next.ValueLastUpdatedAt = checkedAt
	}
	next.LastCheckedAt = checkedAt
	next.CheckedCount++

	if !res.Changed && !d.cfg.TrackChecks {
		metrics.FieldsChecked.WithLabelValues("unchanged").Inc()
		res.Baseline = existing
		return res, nil
	}

	if err := d.store.UpdateBaseline(ctx, next); err != nil {
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s/%s", ErrConcurrentUpdate, key.SourceID, key.RowID, key.FieldID)
		}
		return nil, fmt.Errorf("update baseline: %w", err)
	}

	if res.Changed {
		metrics.FieldsChecked.WithLabelValues("changed").Inc()
	} else {
		metrics.FieldsChecked.WithLabelValues("unchanged").Inc()
	}
	res.Baseline = next
	return res, nil
}

func (d *Detector) firstSighting(ctx context.Context, key models.BaselineKey, value []byte, checkedAt time.Time) (*Result, error) {
	b := &models.Baseline{
		BaselineKey:        key,
		Value:              value,
		ValueLastUpdatedAt: checkedAt,
		LastCheckedAt:      checkedAt,
		FirstSeenAt:        checkedAt,
		CheckedCount:       1,
	}
	if err := d.store.InsertBaseline(ctx, b); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s/%s/%s", ErrConcurrentUpdate, key.SourceID, key.RowID, key.FieldID)
		}
		return nil, fmt.Errorf("insert baseline: %w", err)
	}

	metrics.FieldsChecked.WithLabelValues("first_seen").Inc()
	return &Result{Baseline: b, Changed: true, FirstTime: true}, nil
}

// PruneStale deletes baselines last checked before olderThan, BatchSize rows
// at a time, and returns the total deleted.
func (d *Detector) PruneStale(ctx context.Context, olderThan time.Time) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := d.store.DeleteBaselinesCheckedBefore(ctx, olderThan, d.cfg.BatchSize)
		total += n
		metrics.BaselinesPruned.Add(float64(n))
		if err != nil {
			return total, fmt.Errorf("prune baselines: %w", err)
		}
		if n < d.cfg.BatchSize {
			break
		}
	}

	if total > 0 {
		d.logger.InfoContext(ctx, "pruned stale baselines",
			logging.Count(total),
			slog.Time("older_than", olderThan),
		)
	}
	return total, nil
}
