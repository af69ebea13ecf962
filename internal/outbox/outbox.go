// Package outbox is the durable per-recipient delivery queue. Envelopes move
// through the status table in models and are never retried in place.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/fieldsync/fieldsync/internal/clock"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/metrics"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/repository"
)

var (
	ErrInvalidPayload  = errors.New("payload is not valid JSON")
	ErrStaleEnvelope   = errors.New("envelope status changed concurrently")
	ErrNotRequeueable  = errors.New("envelope is not eligible for requeue")
	ErrEnvelopeMissing = errors.New("envelope not found")
)

// ClaimExpired is the error detail written when a dispatching claim times out.
const ClaimExpired = "claim_expired"

// Store is the persistence the outbox needs.
type Store interface {
	repository.EnvelopeStore
	repository.AuditStore
}

// EnqueueRequest describes one change to deliver.
type EnqueueRequest struct {
	Recipient  string
	Payload    json.RawMessage
	Provenance models.Provenance
	// Before and After are kept for the audit trail.
	Before json.RawMessage
	After  json.RawMessage
}

// Outbox wraps a Store with validation and the status table.
type Outbox struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

func New(store Store, clk clock.Clock, logger *slog.Logger) *Outbox {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{store: store, clock: clk, logger: logger}
}

// WithStore returns a copy of o bound to store. Envelopes enqueued through the
// copy become visible when the caller's transaction commits.
func (o *Outbox) WithStore(store Store) *Outbox {
	c := *o
	c.store = store
	return &c
}

// NormalizeRecipient trims, composes to NFC and case folds r so the same
// contact always maps to one queue.
func NormalizeRecipient(r string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(r)))
}

// Enqueue validates req and stores a new queued envelope.
func (o *Outbox) Enqueue(ctx context.Context, req EnqueueRequest) (*models.Envelope, error) {
	recipient := NormalizeRecipient(req.Recipient)
	if recipient == "" {
		return nil, models.ErrEmptyRecipient
	}
	if len(req.Payload) == 0 {
		return nil, models.ErrEmptyPayload
	}
	if !json.Valid(req.Payload) {
		return nil, ErrInvalidPayload
	}
	if err := req.Provenance.Validate(); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate envelope id: %w", err)
	}

	env := &models.Envelope{
		ID:         id.String(),
		Recipient:  recipient,
		Payload:    req.Payload,
		Provenance: req.Provenance,
		Status:     models.StatusQueued,
		Before:     req.Before,
		After:      req.After,
		CreatedAt:  o.clock.Now(),
	}
	if err := o.store.CreateEnvelope(ctx, env); err != nil {
		return nil, fmt.Errorf("enqueue envelope: %w", err)
	}

	metrics.EnvelopesEnqueued.WithLabelValues(string(req.Provenance.Kind)).Inc()
	o.logger.DebugContext(ctx, "envelope enqueued",
		logging.EnvelopeID(env.ID),
		logging.Recipient(recipient),
	)
	return env, nil
}

// Get returns envelope id. Ids that are not uuids are reported missing without
// touching the store.
func (o *Outbox) Get(ctx context.Context, id string) (*models.Envelope, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEnvelopeMissing, id)
	}
	env, err := o.store.GetEnvelope(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrEnvelopeMissing, id)
	}
	return env, err
}

// List returns envelopes matching filter, oldest first.
func (o *Outbox) List(ctx context.Context, filter models.EnvelopeFilter) ([]*models.Envelope, error) {
	if filter.Recipient != "" {
		filter.Recipient = NormalizeRecipient(filter.Recipient)
	}
	return o.store.ListEnvelopes(ctx, filter)
}

func (o *Outbox) Queued(ctx context.Context, limit int) ([]*models.Envelope, error) {
	return o.List(ctx, models.EnvelopeFilter{Status: models.StatusQueued, Limit: limit})
}

func (o *Outbox) Sent(ctx context.Context, limit int) ([]*models.Envelope, error) {
	return o.List(ctx, models.EnvelopeFilter{Status: models.StatusSent, Limit: limit})
}

func (o *Outbox) Failed(ctx context.Context, limit int) ([]*models.Envelope, error) {
	return o.List(ctx, models.EnvelopeFilter{Status: models.StatusFailed, Limit: limit})
}

// ForRecipient returns every envelope for the normalized form of recipient.
func (o *Outbox) ForRecipient(ctx context.Context, recipient string, limit int) ([]*models.Envelope, error) {
	normalized := NormalizeRecipient(recipient)
	if normalized == "" {
		return nil, models.ErrEmptyRecipient
	}
	return o.List(ctx, models.EnvelopeFilter{Recipient: normalized, Limit: limit})
}

// Claim moves up to limit queued envelopes to dispatching and returns them
// oldest first. Concurrent claimants never receive the same envelope.
func (o *Outbox) Claim(ctx context.Context, limit int) ([]*models.Envelope, error) {
	claimed, err := o.store.ClaimEnvelopes(ctx, limit, o.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("claim envelopes: %w", err)
	}
	return claimed, nil
}

// Complete writes status on env if the transition is allowed and env has not
// been moved by someone else since it was read. env is updated in place.
func (o *Outbox) Complete(ctx context.Context, env *models.Envelope, status models.Status, detail map[string]any) error {
	if err := models.ValidateTransition(env.Status, status); err != nil {
		return err
	}

	now := o.clock.Now()
	err := o.store.TransitionEnvelope(ctx, env.ID, env.Status, status, detail, now)
	switch {
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%w: %s", ErrStaleEnvelope, env.ID)
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrEnvelopeMissing, env.ID)
	case err != nil:
		return fmt.Errorf("transition envelope %s: %w", env.ID, err)
	}

	env.Status = status
	env.ErrorDetail = maps.Clone(detail)
	if status.Terminal() {
		at := now
		env.CompletedAt = &at
		metrics.EnvelopesCompleted.WithLabelValues(string(status)).Inc()
	}
	return nil
}

// ReleaseExpired fails envelopes claimed before olderThan that never completed.
func (o *Outbox) ReleaseExpired(ctx context.Context, olderThan time.Time) (int, error) {
	stuck, err := o.store.ListClaimedBefore(ctx, olderThan, 0)
	if err != nil {
		return 0, fmt.Errorf("list expired claims: %w", err)
	}

	released := 0
	for _, env := range stuck {
		err := o.Complete(ctx, env, models.StatusFailed, map[string]any{"error": ClaimExpired})
		if errors.Is(err, ErrStaleEnvelope) {
			continue
		}
		if err != nil {
			return released, err
		}
		released++
		metrics.ExpiredClaims.Inc()
		o.logger.WarnContext(ctx, "envelope claim expired",
			logging.EnvelopeID(env.ID),
			logging.Recipient(env.Recipient),
		)
	}
	return released, nil
}

// Requeue copies a failed or partially sent envelope into a new queued one.
// The original is left untouched.
func (o *Outbox) Requeue(ctx context.Context, id string) (*models.Envelope, error) {
	orig, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !orig.Status.Requeueable() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRequeueable, id, orig.Status)
	}

	newID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate envelope id: %w", err)
	}

	env := &models.Envelope{
		ID:           newID.String(),
		Recipient:    orig.Recipient,
		Payload:      orig.Payload,
		Provenance:   orig.Provenance,
		Status:       models.StatusQueued,
		Before:       orig.Before,
		After:        orig.After,
		RequeuedFrom: orig.ID,
		CreatedAt:    o.clock.Now(),
	}
	if err := o.store.CreateEnvelope(ctx, env); err != nil {
		return nil, fmt.Errorf("requeue envelope: %w", err)
	}

	metrics.EnvelopesEnqueued.WithLabelValues("requeue").Inc()
	o.logger.InfoContext(ctx, "envelope requeued",
		logging.EnvelopeID(env.ID),
		slog.String("requeued_from", orig.ID),
	)
	return env, nil
}

// AppendAudit records a delivered change for env.
func (o *Outbox) AppendAudit(ctx context.Context, env *models.Envelope) (*models.AuditRecord, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate audit id: %w", err)
	}
	rec := &models.AuditRecord{
		ID:          id.String(),
		EnvelopeID:  env.ID,
		Recipient:   env.Recipient,
		Provenance:  env.Provenance,
		Before:      env.Before,
		After:       env.After,
		Status:      env.Status,
		SelfService: env.Provenance.SelfService(),
		CreatedAt:   o.clock.Now(),
	}
	if err := o.store.AppendAudit(ctx, rec); err != nil {
		return nil, fmt.Errorf("append audit: %w", err)
	}
	return rec, nil
}

func (o *Outbox) Audit(ctx context.Context, envelopeID string) ([]*models.AuditRecord, error) {
	if _, err := uuid.Parse(envelopeID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEnvelopeMissing, envelopeID)
	}
	return o.store.ListAudit(ctx, envelopeID)
}
