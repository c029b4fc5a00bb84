package models

import "time"

// Snapshot is a cached projection of one aggregate at a sequence number,
// used to truncate replay. Never authoritative — the event stream is.
type Snapshot struct {
	AggregateType  string         `json:"aggregate_type"`
	AggregateID    string         `json:"aggregate_id"`
	SequenceNumber int64          `json:"sequence_number"`
	SchemaVersion  int            `json:"schema_version"`
	State          map[string]any `json:"state"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
