package repository

import (
	"context"
	"encoding/json"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/fieldsync/fieldsync/internal/models"
)

type sourceIdentity struct {
	sourceType models.SourceType
	externalID string
}

type ruleIdentity struct {
	sourceType models.SourceType
	pattern    string
}

// InMemoryRepository is a mutex-guarded Repository for development and tests.
// Every read and write goes through copies so callers never alias stored state.
type InMemoryRepository struct {
	mu sync.RWMutex

	sources         map[string]*models.Source
	sourcesByIdent  map[sourceIdentity]string
	baselines       map[models.BaselineKey]*models.Baseline
	envelopes       map[string]*models.Envelope
	audit           []*models.AuditRecord
	ignoreRules     map[string]*models.IgnoreRule
	ignoreRuleIdent map[ruleIdentity]string

	now func() time.Time

	// journal is set only on the view handed to a WithTx callback.
	journal *txJournal
}

// txJournal remembers the state each key had before the transaction first
// wrote it. A nil entry means the key did not exist.
type txJournal struct {
	baselines map[models.BaselineKey]*models.Baseline
	envelopes map[string]*models.Envelope
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		sources:         make(map[string]*models.Source),
		sourcesByIdent:  make(map[sourceIdentity]string),
		baselines:       make(map[models.BaselineKey]*models.Baseline),
		envelopes:       make(map[string]*models.Envelope),
		ignoreRules:     make(map[string]*models.IgnoreRule),
		ignoreRuleIdent: make(map[ruleIdentity]string),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

func (r *InMemoryRepository) Ping(context.Context) error { return nil }
func (r *InMemoryRepository) Close()                     {}

// WithTx holds the write lock for the whole of fn, so other callers never see
// a partial result. fn writes through a view that journals prior state; a
// non-nil error restores it.
func (r *InMemoryRepository) WithTx(_ context.Context, fn func(tx Tx) error) error {
	if r.journal != nil {
		return fn(r)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	view := &InMemoryRepository{
		sources:         r.sources,
		sourcesByIdent:  r.sourcesByIdent,
		baselines:       r.baselines,
		envelopes:       r.envelopes,
		audit:           r.audit,
		ignoreRules:     r.ignoreRules,
		ignoreRuleIdent: r.ignoreRuleIdent,
		now:             r.now,
		journal: &txJournal{
			baselines: make(map[models.BaselineKey]*models.Baseline),
			envelopes: make(map[string]*models.Envelope),
		},
	}

	if err := fn(view); err != nil {
		view.rollback()
		return err
	}
	r.audit = view.audit
	return nil
}

func (r *InMemoryRepository) rollback() {
	for key, prev := range r.journal.baselines {
		if prev == nil {
			delete(r.baselines, key)
		} else {
			r.baselines[key] = prev
		}
	}
	for id, prev := range r.journal.envelopes {
		if prev == nil {
			delete(r.envelopes, id)
		} else {
			r.envelopes[id] = prev
		}
	}
}

func (r *InMemoryRepository) saveBaseline(key models.BaselineKey) {
	if r.journal == nil {
		return
	}
	if _, seen := r.journal.baselines[key]; seen {
		return
	}
	var prev *models.Baseline
	if b, ok := r.baselines[key]; ok {
		prev = b.Clone()
	}
	r.journal.baselines[key] = prev
}

func (r *InMemoryRepository) saveEnvelope(id string) {
	if r.journal == nil {
		return
	}
	if _, seen := r.journal.envelopes[id]; seen {
		return
	}
	var prev *models.Envelope
	if e, ok := r.envelopes[id]; ok {
		prev = cloneEnvelope(e)
	}
	r.journal.envelopes[id] = prev
}

// Sources

func (r *InMemoryRepository) CreateSource(_ context.Context, s *models.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ident := sourceIdentity{s.Type, s.ExternalID}
	if _, exists := r.sourcesByIdent[ident]; exists {
		return ErrDuplicate
	}
	if _, exists := r.sources[s.ID]; exists {
		return ErrDuplicate
	}

	if s.Version == 0 {
		s.Version = 1
	}
	r.sources[s.ID] = cloneSource(s)
	r.sourcesByIdent[ident] = s.ID
	return nil
}

func (r *InMemoryRepository) GetSource(_ context.Context, id string) (*models.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sources[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSource(s), nil
}

func (r *InMemoryRepository) GetSourceByIdentity(_ context.Context, sourceType models.SourceType, externalID string) (*models.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.sourcesByIdent[sourceIdentity{sourceType, externalID}]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSource(r.sources[id]), nil
}

func (r *InMemoryRepository) ListDueSources(_ context.Context, now time.Time, limit int) ([]*models.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []*models.Source
	for _, s := range r.sources {
		if s.DueAt(now) {
			due = append(due, cloneSource(s))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextPollAt.Equal(due[j].NextPollAt) {
			return due[i].NextPollAt.Before(due[j].NextPollAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *InMemoryRepository) ReserveSource(_ context.Context, s *models.Source, prevNextPollAt, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sources[s.ID]
	if !ok {
		return ErrNotFound
	}
	if !stored.NextPollAt.Equal(dbTime(prevNextPollAt)) || stored.NextPollAt.After(dbTime(now)) {
		return ErrConflict
	}

	stored.NextPollAt = dbTime(s.NextPollAt)
	stored.Version++
	stored.UpdatedAt = r.now()

	s.NextPollAt = stored.NextPollAt
	s.Version = stored.Version
	s.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r *InMemoryRepository) UpdateSource(_ context.Context, s *models.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sources[s.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != s.Version {
		return ErrConflict
	}

	s.Version++
	s.UpdatedAt = r.now()
	r.sources[s.ID] = cloneSource(s)
	return nil
}

// Baselines

func (r *InMemoryRepository) GetBaseline(_ context.Context, key models.BaselineKey) (*models.Baseline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.baselines[key]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (r *InMemoryRepository) InsertBaseline(_ context.Context, b *models.Baseline) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.baselines[b.BaselineKey]; exists {
		return ErrDuplicate
	}
	if b.Version == 0 {
		b.Version = 1
	}
	r.saveBaseline(b.BaselineKey)
	r.baselines[b.BaselineKey] = normalizeBaseline(b.Clone())
	return nil
}

func (r *InMemoryRepository) UpdateBaseline(_ context.Context, b *models.Baseline) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.baselines[b.BaselineKey]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != b.Version {
		return ErrConflict
	}

	r.saveBaseline(b.BaselineKey)
	b.Version++
	r.baselines[b.BaselineKey] = normalizeBaseline(b.Clone())
	return nil
}

func (r *InMemoryRepository) DeleteBaselinesCheckedBefore(_ context.Context, cutoff time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for key, b := range r.baselines {
		if limit > 0 && deleted >= limit {
			break
		}
		if b.LastCheckedAt.Before(cutoff) {
			r.saveBaseline(key)
			delete(r.baselines, key)
			deleted++
		}
	}
	return deleted, nil
}

// Envelopes

func (r *InMemoryRepository) CreateEnvelope(_ context.Context, e *models.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.envelopes[e.ID]; exists {
		return ErrDuplicate
	}
	e.CreatedAt = dbTime(e.CreatedAt)
	r.saveEnvelope(e.ID)
	r.envelopes[e.ID] = cloneEnvelope(e)
	return nil
}

func (r *InMemoryRepository) GetEnvelope(_ context.Context, id string) (*models.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.envelopes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEnvelope(e), nil
}

func (r *InMemoryRepository) ListEnvelopes(_ context.Context, filter models.EnvelopeFilter) ([]*models.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Envelope
	for _, e := range r.envelopes {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.Recipient != "" && e.Recipient != filter.Recipient {
			continue
		}
		out = append(out, cloneEnvelope(e))
	}
	sortEnvelopes(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *InMemoryRepository) ClaimEnvelopes(_ context.Context, limit int, claimedAt time.Time) ([]*models.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var queued []*models.Envelope
	for _, e := range r.envelopes {
		if e.Status == models.StatusQueued {
			queued = append(queued, e)
		}
	}
	sortEnvelopes(queued)
	if limit > 0 && len(queued) > limit {
		queued = queued[:limit]
	}

	at := dbTime(claimedAt)
	claimed := make([]*models.Envelope, 0, len(queued))
	for _, e := range queued {
		r.saveEnvelope(e.ID)
		e.Status = models.StatusDispatching
		e.ClaimedAt = &at
		claimed = append(claimed, cloneEnvelope(e))
	}
	return claimed, nil
}

func (r *InMemoryRepository) TransitionEnvelope(_ context.Context, id string, from, to models.Status, detail map[string]any, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.envelopes[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != from {
		return ErrConflict
	}

	r.saveEnvelope(id)
	ts := dbTime(at)
	e.Status = to
	e.ErrorDetail = maps.Clone(detail)
	if to == models.StatusDispatching {
		e.ClaimedAt = &ts
	}
	if to.Terminal() {
		e.CompletedAt = &ts
	}
	return nil
}

func (r *InMemoryRepository) ListClaimedBefore(_ context.Context, cutoff time.Time, limit int) ([]*models.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Envelope
	for _, e := range r.envelopes {
		if e.Status == models.StatusDispatching && e.ClaimedAt != nil && e.ClaimedAt.Before(cutoff) {
			out = append(out, cloneEnvelope(e))
		}
	}
	sortEnvelopes(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Audit

func (r *InMemoryRepository) AppendAudit(_ context.Context, rec *models.AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.envelopes[rec.EnvelopeID]; !ok {
		return ErrNotFound
	}
	c := *rec
	c.CreatedAt = dbTime(rec.CreatedAt)
	r.audit = append(r.audit, &c)
	return nil
}

func (r *InMemoryRepository) ListAudit(_ context.Context, envelopeID string) ([]*models.AuditRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.AuditRecord
	for _, rec := range r.audit {
		if envelopeID == "" || rec.EnvelopeID == envelopeID {
			c := *rec
			out = append(out, &c)
		}
	}
	return out, nil
}

// Ignore rules

func (r *InMemoryRepository) CreateIgnoreRule(_ context.Context, rule *models.IgnoreRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ident := ruleIdentity{rule.SourceType, rule.Pattern}
	if _, exists := r.ignoreRuleIdent[ident]; exists {
		return ErrDuplicate
	}
	c := *rule
	r.ignoreRules[rule.ID] = &c
	r.ignoreRuleIdent[ident] = rule.ID
	return nil
}

func (r *InMemoryRepository) ListIgnoreRules(_ context.Context, sourceType models.SourceType) ([]*models.IgnoreRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.IgnoreRule
	for _, rule := range r.ignoreRules {
		if sourceType == "" || rule.SourceType == sourceType {
			c := *rule
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceType != out[j].SourceType {
			return out[i].SourceType < out[j].SourceType
		}
		return out[i].Pattern < out[j].Pattern
	})
	return out, nil
}

func (r *InMemoryRepository) DeleteIgnoreRule(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, ok := r.ignoreRules[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.ignoreRuleIdent, ruleIdentity{rule.SourceType, rule.Pattern})
	delete(r.ignoreRules, id)
	return nil
}

func sortEnvelopes(envs []*models.Envelope) {
	sort.Slice(envs, func(i, j int) bool {
		if !envs[i].CreatedAt.Equal(envs[j].CreatedAt) {
			return envs[i].CreatedAt.Before(envs[j].CreatedAt)
		}
		return envs[i].ID < envs[j].ID
	})
}

func cloneSource(s *models.Source) *models.Source {
	c := *s
	c.NextPollAt = dbTime(s.NextPollAt)
	c.LastPollAttemptedAt = dbTimePtr(s.LastPollAttemptedAt)
	c.LastSuccessfulPollAt = dbTimePtr(s.LastSuccessfulPollAt)
	c.ErrorDetail = maps.Clone(s.ErrorDetail)
	return &c
}

func cloneEnvelope(e *models.Envelope) *models.Envelope {
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	c.Before = append(json.RawMessage(nil), e.Before...)
	c.After = append(json.RawMessage(nil), e.After...)
	c.ErrorDetail = maps.Clone(e.ErrorDetail)
	if e.ClaimedAt != nil {
		t := *e.ClaimedAt
		c.ClaimedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func normalizeBaseline(b *models.Baseline) *models.Baseline {
	b.ValueLastUpdatedAt = dbTime(b.ValueLastUpdatedAt)
	b.LastCheckedAt = dbTime(b.LastCheckedAt)
	b.FirstSeenAt = dbTime(b.FirstSeenAt)
	return b
}
