package api

// IngestEventRequest is the HTTP request body for POST /api/events.
// Confidence defaults to 1.0 when omitted: externally reported facts are
// authoritative unless the caller says otherwise.
type IngestEventRequest struct {
	EventType     string         `json:"event_type"`
	AggregateType string         `json:"aggregate_type"`
	AggregateID   string         `json:"aggregate_id"`
	Payload       map[string]any `json:"payload"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	EmittedBy     string         `json:"emitted_by,omitempty"`
	Confidence    *float64       `json:"confidence,omitempty"`
	RequiresHuman bool           `json:"requires_human,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
}

// QueryEventsRequest is the HTTP request body for POST /api/events/query.
type QueryEventsRequest struct {
	EventTypes    []string `json:"event_types,omitempty"`
	AggregateType string   `json:"aggregate_type,omitempty"`
	AggregateID   string   `json:"aggregate_id,omitempty"`
	EmittedBy     string   `json:"emitted_by,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	Since         string   `json:"since,omitempty"` // RFC3339
	Until         string   `json:"until,omitempty"` // RFC3339
	RequiresHuman *bool    `json:"requires_human,omitempty"`
	Limit         int      `json:"limit,omitempty"`
	Offset        int      `json:"offset,omitempty"`
}

// ResolveApprovalRequest is the HTTP request body for
// POST /api/approvals/:id/resolve.
type ResolveApprovalRequest struct {
	Decision   string `json:"decision"`
	ResolvedBy string `json:"resolved_by"`
	Notes      string `json:"notes,omitempty"`
}
