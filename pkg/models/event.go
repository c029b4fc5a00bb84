// Package models defines the event envelope, the closed event taxonomy,
// approvals, snapshots, and the query filter shared by the store, bus,
// agents, and API layers.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Event taxonomy — closed set, stable identifiers.
// Acquisition events.
const (
	EventLeadReceived     = "LEAD_RECEIVED"
	EventLeadQualified    = "LEAD_QUALIFIED"
	EventMeetingScheduled = "MEETING_SCHEDULED"
)

// Intelligence events.
const (
	EventMeetingCompleted = "MEETING_COMPLETED"
	EventIntentInferred   = "INTENT_INFERRED"
	EventRiskDetected     = "RISK_DETECTED"
)

// Execution events.
const (
	EventTaskCreated      = "TASK_CREATED"
	EventTaskAssigned     = "TASK_ASSIGNED"
	EventTaskCompleted    = "TASK_COMPLETED"
	EventProjectStarted   = "PROJECT_STARTED"
	EventProjectAtRisk    = "PROJECT_AT_RISK"
	EventProjectCompleted = "PROJECT_COMPLETED"
)

// Financial events.
const (
	EventQuoteGenerated      = "QUOTE_GENERATED"
	EventQuoteApproved       = "QUOTE_APPROVED"
	EventInvoiceIssued       = "INVOICE_ISSUED"
	EventPaymentReceived     = "PAYMENT_RECEIVED"
	EventPaymentReminderSent = "PAYMENT_REMINDER_SENT"
)

// Control events.
const (
	EventHumanApprovalRequested    = "HUMAN_APPROVAL_REQUESTED"
	EventHumanOverride             = "HUMAN_OVERRIDE"
	EventAutonomicDecisionExecuted = "AUTONOMIC_DECISION_EXECUTED"
)

// Economic and drift events.
const (
	EventSOPExecutionCompleted         = "SOP_EXECUTION_COMPLETED"
	EventSOPOptimizationRecommended    = "SOP_OPTIMIZATION_RECOMMENDED"
	EventAutomationOpportunityDetected = "AUTOMATION_OPPORTUNITY_DETECTED"
	EventMarginErosionDetected         = "MARGIN_EROSION_DETECTED"
	EventAutomationROICalculated       = "AUTOMATION_ROI_CALCULATED"
	EventProcessDriftDetected          = "PROCESS_DRIFT_DETECTED"
	EventCEOInterruptRequired          = "CEO_INTERRUPT_REQUIRED"
)

// SOP lifecycle events.
const (
	EventSOPVersionProposed  = "SOP_VERSION_PROPOSED"
	EventSOPVersionActivated = "SOP_VERSION_ACTIVATED"
)

// knownEventTypes is the closed taxonomy. Validation rejects anything else.
var knownEventTypes = map[string]bool{
	EventLeadReceived:                  true,
	EventLeadQualified:                 true,
	EventMeetingScheduled:              true,
	EventMeetingCompleted:              true,
	EventIntentInferred:                true,
	EventRiskDetected:                  true,
	EventTaskCreated:                   true,
	EventTaskAssigned:                  true,
	EventTaskCompleted:                 true,
	EventProjectStarted:                true,
	EventProjectAtRisk:                 true,
	EventProjectCompleted:              true,
	EventQuoteGenerated:                true,
	EventQuoteApproved:                 true,
	EventInvoiceIssued:                 true,
	EventPaymentReceived:               true,
	EventPaymentReminderSent:           true,
	EventHumanApprovalRequested:        true,
	EventHumanOverride:                 true,
	EventAutonomicDecisionExecuted:     true,
	EventSOPExecutionCompleted:         true,
	EventSOPOptimizationRecommended:    true,
	EventAutomationOpportunityDetected: true,
	EventMarginErosionDetected:         true,
	EventAutomationROICalculated:       true,
	EventProcessDriftDetected:          true,
	EventCEOInterruptRequired:          true,
	EventSOPVersionProposed:            true,
	EventSOPVersionActivated:           true,
}

// IsKnownEventType reports whether t belongs to the closed taxonomy.
func IsKnownEventType(t string) bool {
	return knownEventTypes[t]
}

// AllEventTypes returns the taxonomy as a slice (order unspecified).
func AllEventTypes() []string {
	types := make([]string, 0, len(knownEventTypes))
	for t := range knownEventTypes {
		types = append(types, t)
	}
	return types
}

// financialEventTypes are checked against the financial limit by oversight.
var financialEventTypes = map[string]bool{
	EventQuoteGenerated:  true,
	EventInvoiceIssued:   true,
	EventPaymentReceived: true,
}

// IsFinancialEventType reports whether events of type t carry amounts that
// oversight compares against the financial limit.
func IsFinancialEventType(t string) bool {
	return financialEventTypes[t]
}

// Aggregate types.
const (
	AggregateClient  = "client"
	AggregateLead    = "lead"
	AggregateProject = "project"
	AggregateTask    = "task"
	AggregateSOP     = "sop"
	AggregateSystem  = "system"
)

// Event is the immutable envelope persisted to the store. SequenceNumber is
// zero until the store assigns it at append; every other field is fixed at
// emission time.
type Event struct {
	// GlobalID is the store's insertion id, assigned at append. It orders
	// events across aggregates (best effort) and serves as the catch-up
	// cursor for late subscribers.
	GlobalID int64 `json:"db_event_id,omitempty"`

	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	AggregateType  string         `json:"aggregate_type"`
	AggregateID    string         `json:"aggregate_id"`
	SequenceNumber int64          `json:"sequence_number,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	CausationID    string         `json:"causation_id,omitempty"`
	Payload        map[string]any `json:"payload"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	EmittedBy      string         `json:"emitted_by"`
	Confidence     float64        `json:"confidence"`
	RequiresHuman  bool           `json:"requires_human"`
	Timestamp      time.Time      `json:"timestamp"`
	CreatedAt      time.Time      `json:"created_at,omitempty"`
}

// NewEvent builds an envelope with a fresh id and emission timestamp.
// The correlation id defaults to the event's own id; callers chaining a
// workflow overwrite CorrelationID and CausationID before append.
// SequenceNumber is NOT assigned here — that is the store's responsibility.
func NewEvent(eventType, aggregateType, aggregateID string, payload map[string]any, emittedBy string, confidence float64, requiresHuman bool) *Event {
	id := uuid.New().String()
	if payload == nil {
		payload = map[string]any{}
	}
	return &Event{
		EventID:       id,
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		CorrelationID: id,
		Payload:       payload,
		EmittedBy:     emittedBy,
		Confidence:    confidence,
		RequiresHuman: requiresHuman,
		Timestamp:     time.Now().UTC(),
	}
}

// CausedBy links this event into parent's workflow: the correlation id is
// inherited and the causation id points at the parent. Returns the event for
// chaining.
func (e *Event) CausedBy(parent *Event) *Event {
	if parent == nil {
		return e
	}
	e.CorrelationID = parent.CorrelationID
	e.CausationID = parent.EventID
	return e
}

// PayloadFloat reads a numeric payload field, accepting the numeric types
// JSON decoding and literal construction produce.
func (e *Event) PayloadFloat(key string) (float64, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// PayloadString reads a string payload field.
func (e *Event) PayloadString(key string) (string, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Amount returns the monetary amount of a financial event, checking the
// payload keys the taxonomy uses ("amount", then "total").
func (e *Event) Amount() (float64, bool) {
	if v, ok := e.PayloadFloat("amount"); ok {
		return v, true
	}
	return e.PayloadFloat("total")
}
