package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the delivery state of an Envelope.
type Status string

const (
	StatusQueued        Status = "queued"
	StatusDispatching   Status = "dispatching"
	StatusSent          Status = "sent"
	StatusIgnoredNoop   Status = "ignored_noop"
	StatusFailed        Status = "failed"
	StatusPartiallySent Status = "partially_sent"
)

// transitions is the complete set of allowed status writes. Terminal states
// have no outgoing edges; retries are new envelopes.
var transitions = map[Status][]Status{
	StatusQueued:      {StatusDispatching},
	StatusDispatching: {StatusSent, StatusIgnoredNoop, StatusFailed, StatusPartiallySent},
}

var statuses = []Status{
	StatusQueued, StatusDispatching, StatusSent,
	StatusIgnoredNoop, StatusFailed, StatusPartiallySent,
}

// ParseStatus validates s against the closed set of statuses.
func ParseStatus(s string) (Status, error) {
	for _, st := range statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// CanTransitionTo reports whether a status write from s to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Requeueable reports whether an envelope in s may be copied into a new queued envelope.
func (s Status) Requeueable() bool {
	return s == StatusFailed || s == StatusPartiallySent
}

// ValidateTransition returns ErrInvalidTransition when from -> to is not allowed.
func ValidateTransition(from, to Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ProvenanceKind distinguishes source-driven changes from self-service edits.
type ProvenanceKind string

const (
	ProvenanceSource      ProvenanceKind = "source"
	ProvenanceSelfService ProvenanceKind = "self_service"
)

// Provenance records what produced an envelope.
type Provenance struct {
	Kind       ProvenanceKind `json:"kind"`
	SourceType SourceType     `json:"source_type,omitempty"`
	SourceID   string         `json:"source_id,omitempty"`
	RowID      string         `json:"row_id,omitempty"`
	FieldID    string         `json:"field_id,omitempty"`
	Actor      string         `json:"actor,omitempty"`
}

// Validate checks the fields required by the provenance kind.
func (p Provenance) Validate() error {
	switch p.Kind {
	case ProvenanceSource:
		if p.SourceID == "" || p.RowID == "" || p.FieldID == "" {
			return fmt.Errorf("%w: source provenance needs source, row and field", ErrInvalidProvenance)
		}
		if _, err := ParseSourceType(string(p.SourceType)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProvenance, err)
		}
	case ProvenanceSelfService:
		if p.Actor == "" {
			return fmt.Errorf("%w: self-service provenance needs an actor", ErrInvalidProvenance)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidProvenance, p.Kind)
	}
	return nil
}

// SelfService reports whether the change came from the recipient side rather than a source.
func (p Provenance) SelfService() bool {
	return p.Kind == ProvenanceSelfService
}

// Envelope is one queued delivery attempt.
type Envelope struct {
	ID           string          `json:"id"`
	Recipient    string          `json:"recipient"`
	Payload      json.RawMessage `json:"payload"`
	Provenance   Provenance      `json:"provenance"`
	Status       Status          `json:"status"`
	ErrorDetail  map[string]any  `json:"error_detail,omitempty"`
	Before       json.RawMessage `json:"before,omitempty"`
	After        json.RawMessage `json:"after,omitempty"`
	RequeuedFrom string          `json:"requeued_from,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ClaimedAt    *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// EnvelopeFilter narrows envelope listings. Zero values match everything.
type EnvelopeFilter struct {
	Status    Status
	Recipient string
	Limit     int
}

// AuditRecord is appended for every delivered change.
type AuditRecord struct {
	ID          string          `json:"id"`
	EnvelopeID  string          `json:"envelope_id"`
	Recipient   string          `json:"recipient"`
	Provenance  Provenance      `json:"provenance"`
	Before      json.RawMessage `json:"before,omitempty"`
	After       json.RawMessage `json:"after,omitempty"`
	Status      Status          `json:"status"`
	SelfService bool            `json:"self_service"`
	CreatedAt   time.Time       `json:"created_at"`
}
