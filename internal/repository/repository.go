package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fieldsync/fieldsync/internal/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrConflict  = errors.New("record changed concurrently")
	ErrDuplicate = errors.New("record already exists")
)

// SourceStore persists pollable sources. Writes are conditional: ReserveSource
// on the previous next_poll_at still being due at now, UpdateSource on Version.
type SourceStore interface {
	CreateSource(ctx context.Context, s *models.Source) error
	GetSource(ctx context.Context, id string) (*models.Source, error)
	GetSourceByIdentity(ctx context.Context, sourceType models.SourceType, externalID string) (*models.Source, error)
	ListDueSources(ctx context.Context, now time.Time, limit int) ([]*models.Source, error)
	ReserveSource(ctx context.Context, s *models.Source, prevNextPollAt, now time.Time) error
	UpdateSource(ctx context.Context, s *models.Source) error
}

// BaselineStore persists one baseline per (source, row, field).
type BaselineStore interface {
	GetBaseline(ctx context.Context, key models.BaselineKey) (*models.Baseline, error)
	InsertBaseline(ctx context.Context, b *models.Baseline) error
	UpdateBaseline(ctx context.Context, b *models.Baseline) error
	DeleteBaselinesCheckedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// EnvelopeStore persists the outbox.
type EnvelopeStore interface {
	CreateEnvelope(ctx context.Context, e *models.Envelope) error
	GetEnvelope(ctx context.Context, id string) (*models.Envelope, error)
	ListEnvelopes(ctx context.Context, filter models.EnvelopeFilter) ([]*models.Envelope, error)
	// ClaimEnvelopes moves up to limit queued envelopes to dispatching,
	// oldest first, skipping rows another claimant holds.
	ClaimEnvelopes(ctx context.Context, limit int, claimedAt time.Time) ([]*models.Envelope, error)
	// TransitionEnvelope writes to only if the stored status is still from.
	TransitionEnvelope(ctx context.Context, id string, from, to models.Status, detail map[string]any, at time.Time) error
	ListClaimedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Envelope, error)
}

// AuditStore keeps the append-only delivery audit trail.
type AuditStore interface {
	AppendAudit(ctx context.Context, rec *models.AuditRecord) error
	ListAudit(ctx context.Context, envelopeID string) ([]*models.AuditRecord, error)
}

// IgnoreRuleStore persists validated ignore rules.
type IgnoreRuleStore interface {
	CreateIgnoreRule(ctx context.Context, rule *models.IgnoreRule) error
	ListIgnoreRules(ctx context.Context, sourceType models.SourceType) ([]*models.IgnoreRule, error)
	DeleteIgnoreRule(ctx context.Context, id string) error
}

// Tx is the subset of stores that can be written atomically.
type Tx interface {
	BaselineStore
	EnvelopeStore
	AuditStore
}

// Transactor runs fn against a Tx. Writes made through tx are committed when
// fn returns nil and discarded otherwise.
type Transactor interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Repository aggregates every store behind one connection.
type Repository interface {
	SourceStore
	BaselineStore
	EnvelopeStore
	AuditStore
	IgnoreRuleStore
	Transactor

	Ping(ctx context.Context) error
	Close()
}

// dbTime truncates to the precision the database keeps so compare-and-swap
// guards read back exactly what was written.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func dbTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := dbTime(*t)
	return &v
}
