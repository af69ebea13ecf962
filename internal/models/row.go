package models

import "encoding/json"

// Row is one record returned by a source fetch. Recipient identifies the
// contact the row's fields belong to.
type Row struct {
	ID        string                     `json:"id"`
	Recipient string                     `json:"recipient"`
	Fields    map[string]json.RawMessage `json:"fields"`
}

// FetchResult is one page of rows plus the cursor to resume from.
type FetchResult struct {
	Rows   []Row  `json:"rows"`
	Cursor string `json:"cursor"`
}

// DeliveryResult is what a sender reports for one envelope.
type DeliveryResult struct {
	PartsTotal     int  `json:"total"`
	PartsDelivered int  `json:"delivered"`
	Noop           bool `json:"noop,omitempty"`
}
