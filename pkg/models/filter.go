package models

import "time"

// EventFilter selects events from the store. Zero-valued fields match
// everything; results are ordered by global sequence ascending.
type EventFilter struct {
	EventTypes    []string   `json:"event_types,omitempty"`
	AggregateType string     `json:"aggregate_type,omitempty"`
	AggregateID   string     `json:"aggregate_id,omitempty"`
	EmittedBy     string     `json:"emitted_by,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	Since         *time.Time `json:"since,omitempty"`
	Until         *time.Time `json:"until,omitempty"`
	RequiresHuman *bool      `json:"requires_human,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
}

// ApprovalFilter selects approvals from the store.
type ApprovalFilter struct {
	Status  ApprovalStatus `json:"status,omitempty"`
	AgentID string         `json:"agent_id,omitempty"`
	Limit   int            `json:"limit,omitempty"`
}
