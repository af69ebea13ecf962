// Package events announces detected changes and delivery outcomes to other
// systems. Publishing is best effort: callers log failures and carry on.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fieldsync/fieldsync/internal/models"
)

const (
	SubjectChangesDetected = "fieldsync.changes.detected"
	subjectEnvelopesPrefix = "fieldsync.envelopes."
)

// DeliverySubject is the subject a delivery outcome with status is published on.
func DeliverySubject(status models.Status) string {
	return subjectEnvelopesPrefix + string(status)
}

// ChangeEvent is published when a propagatable change is detected.
type ChangeEvent struct {
	SourceID   string            `json:"source_id"`
	SourceType models.SourceType `json:"source_type"`
	RowID      string            `json:"row_id"`
	FieldID    string            `json:"field_id"`
	Before     json.RawMessage   `json:"before,omitempty"`
	After      json.RawMessage   `json:"after"`
	EnvelopeID string            `json:"envelope_id,omitempty"`
	DetectedAt time.Time         `json:"detected_at"`
}

// DeliveryEvent is published when an envelope reaches a terminal status.
type DeliveryEvent struct {
	EnvelopeID  string            `json:"envelope_id"`
	Recipient   string            `json:"recipient"`
	Status      models.Status     `json:"status"`
	Provenance  models.Provenance `json:"provenance"`
	ErrorDetail map[string]any    `json:"error_detail,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}

// Publisher announces pipeline events.
type Publisher interface {
	PublishChange(ctx context.Context, event *ChangeEvent) error
	PublishDelivery(ctx context.Context, event *DeliveryEvent) error
}

// Noop discards every event.
type Noop struct{}

func (Noop) PublishChange(context.Context, *ChangeEvent) error     { return nil }
func (Noop) PublishDelivery(context.Context, *DeliveryEvent) error { return nil }
