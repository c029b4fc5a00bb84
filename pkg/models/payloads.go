package models

import (
	"encoding/json"
	"fmt"
)

// Typed payloads for the event types the engine itself produces or inspects.
// The envelope carries payloads as keyed maps (the wire shape); these structs
// are the decoded form. Decoding dispatches on the envelope's event_type tag.

// LeadReceivedPayload is the payload of LEAD_RECEIVED.
type LeadReceivedPayload struct {
	LeadSource     string `json:"lead_source"`
	ContactEmail   string `json:"contact_email"`
	ContactName    string `json:"contact_name,omitempty"`
	Urgency        string `json:"urgency,omitempty"`
	InitialMessage string `json:"initial_message"`
}

// LeadQualifiedPayload is the payload of LEAD_QUALIFIED.
type LeadQualifiedPayload struct {
	QualificationScore int    `json:"qualification_score"`
	Tier               string `json:"tier,omitempty"`
	Reasoning          string `json:"reasoning,omitempty"`
}

// MeetingScheduledPayload is the payload of MEETING_SCHEDULED.
type MeetingScheduledPayload struct {
	Datetime     string `json:"datetime"`
	ContactEmail string `json:"contact_email,omitempty"`
	Channel      string `json:"channel,omitempty"`
}

// RiskDetectedPayload is the payload of RISK_DETECTED.
type RiskDetectedPayload struct {
	Severity    string `json:"severity"` // low, medium, high, critical
	Source      string `json:"source,omitempty"`
	Description string `json:"description"`
}

// Risk severities used by oversight and the client health projection.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// ApprovalRequestedPayload is the payload of HUMAN_APPROVAL_REQUESTED.
type ApprovalRequestedPayload struct {
	ApprovalID        string `json:"approval_id"`
	RequestType       string `json:"request_type"`
	Reason            string `json:"reason"`
	RecommendedAction string `json:"recommended_action,omitempty"`
	Urgency           string `json:"urgency,omitempty"`
}

// DecisionExecutedPayload is the payload of AUTONOMIC_DECISION_EXECUTED.
type DecisionExecutedPayload struct {
	DecisionID    string  `json:"decision_id"`
	SourceEventID string  `json:"source_event_id"`
	Action        string  `json:"action"`
	Confidence    float64 `json:"confidence"`
}

// payloadRequiredKeys lists, per event type, the keys an envelope payload
// must carry to be structurally valid. Types absent from the map accept any
// keyed payload.
var payloadRequiredKeys = map[string][]string{
	EventLeadReceived:     {"lead_source", "contact_email", "initial_message"},
	EventLeadQualified:    {"qualification_score"},
	EventMeetingScheduled: {"datetime"},
	EventRiskDetected:     {"severity", "description"},
	EventQuoteGenerated:   {"total"},
	EventInvoiceIssued:    {"amount"},
	EventPaymentReceived:  {"amount"},
}

// validatePayload enforces the per-type required keys.
func validatePayload(eventType string, payload map[string]any) error {
	required, ok := payloadRequiredKeys[eventType]
	if !ok {
		return nil
	}
	for _, key := range required {
		if _, present := payload[key]; !present {
			return NewValidationError("payload."+key, "required for "+eventType)
		}
	}
	return nil
}

// DecodePayload converts the envelope's keyed payload into the typed struct
// for its event type. out must be a pointer to one of the payload structs.
func DecodePayload(e *Event, out any) error {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload of %s: %w", e.EventID, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// PayloadMap converts a typed payload struct back into the keyed map shape
// the envelope carries.
func PayloadMap(in any) (map[string]any, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to convert payload to map: %w", err)
	}
	return m, nil
}
