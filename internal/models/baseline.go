package models

import (
	"encoding/json"
	"time"
)

// BaselineKey identifies one field of one row from one source.
type BaselineKey struct {
	SourceID string `json:"source_id"`
	RowID    string `json:"row_id"`
	FieldID  string `json:"field_id"`
}

// Baseline is the last known canonical value of a field.
type Baseline struct {
	BaselineKey
	Value              json.RawMessage `json:"value"`
	ValueLastUpdatedAt time.Time       `json:"value_last_updated_at"`
	LastCheckedAt      time.Time       `json:"last_checked_at"`
	FirstSeenAt        time.Time       `json:"first_seen_at"`
	CheckedCount       int64           `json:"checked_count"`
	Version            int64           `json:"version"`
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (b *Baseline) Clone() *Baseline {
	c := *b
	c.Value = append(json.RawMessage(nil), b.Value...)
	return &c
}
