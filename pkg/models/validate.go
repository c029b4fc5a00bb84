package models

import "fmt"

// ValidationError describes a structural problem with an envelope.
// The API layer maps it to HTTP 400; the store refuses the append.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a field-scoped validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// Validate checks the structural contract of an envelope before append.
// It does not check SequenceNumber — the store assigns it.
func Validate(e *Event) error {
	if e == nil {
		return NewValidationError("event", "envelope is nil")
	}
	if e.EventID == "" {
		return NewValidationError("event_id", "required")
	}
	if e.EventType == "" {
		return NewValidationError("event_type", "required")
	}
	if !IsKnownEventType(e.EventType) {
		return NewValidationError("event_type", "unknown event type: "+e.EventType)
	}
	if e.AggregateType == "" {
		return NewValidationError("aggregate_type", "required")
	}
	if e.AggregateID == "" {
		return NewValidationError("aggregate_id", "required")
	}
	if e.EmittedBy == "" {
		return NewValidationError("emitted_by", "required")
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return NewValidationError("confidence", fmt.Sprintf("must be within [0,1], got %v", e.Confidence))
	}
	if e.Payload == nil {
		return NewValidationError("payload", "must be a keyed structure")
	}
	if e.Timestamp.IsZero() {
		return NewValidationError("timestamp", "required")
	}
	if err := validatePayload(e.EventType, e.Payload); err != nil {
		return err
	}
	return nil
}
