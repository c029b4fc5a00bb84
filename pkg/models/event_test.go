package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	e := NewEvent(EventLeadReceived, AggregateLead, "lead-1",
		map[string]any{"lead_source": "web"}, "api:ingest", 0.9, false)

	assert.NotEmpty(t, e.EventID)
	assert.Equal(t, e.EventID, e.CorrelationID, "correlation defaults to own id")
	assert.Empty(t, e.CausationID)
	assert.Zero(t, e.SequenceNumber, "sequence is the store's responsibility")
	assert.False(t, e.Timestamp.IsZero())

	t.Run("nil payload becomes empty map", func(t *testing.T) {
		e := NewEvent(EventTaskCreated, AggregateTask, "t-1", nil, "agent:x", 1.0, false)
		require.NotNil(t, e.Payload)
	})
}

func TestCausedBy(t *testing.T) {
	parent := NewEvent(EventLeadReceived, AggregateLead, "lead-1",
		map[string]any{"lead_source": "web"}, "api:ingest", 1.0, false)
	child := NewEvent(EventLeadQualified, AggregateLead, "lead-1",
		map[string]any{"qualification_score": 90}, "agent:intake", 0.9, false).CausedBy(parent)

	assert.Equal(t, parent.CorrelationID, child.CorrelationID)
	assert.Equal(t, parent.EventID, child.CausationID)

	t.Run("nil parent is a no-op", func(t *testing.T) {
		e := NewEvent(EventTaskCreated, AggregateTask, "t-1", nil, "agent:x", 1.0, false).CausedBy(nil)
		assert.Equal(t, e.EventID, e.CorrelationID)
		assert.Empty(t, e.CausationID)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Event {
		return NewEvent(EventLeadReceived, AggregateLead, "lead-1", map[string]any{
			"lead_source":     "web",
			"contact_email":   "a@b",
			"initial_message": "need a quote for a new site",
		}, "api:ingest", 0.9, false)
	}

	t.Run("valid envelope passes", func(t *testing.T) {
		require.NoError(t, Validate(valid()))
	})

	tests := []struct {
		name   string
		mutate func(*Event)
		field  string
	}{
		{"missing event id", func(e *Event) { e.EventID = "" }, "event_id"},
		{"missing event type", func(e *Event) { e.EventType = "" }, "event_type"},
		{"unknown event type", func(e *Event) { e.EventType = "SOMETHING_ELSE" }, "event_type"},
		{"missing aggregate type", func(e *Event) { e.AggregateType = "" }, "aggregate_type"},
		{"missing aggregate id", func(e *Event) { e.AggregateID = "" }, "aggregate_id"},
		{"missing emitter", func(e *Event) { e.EmittedBy = "" }, "emitted_by"},
		{"confidence below range", func(e *Event) { e.Confidence = -0.1 }, "confidence"},
		{"confidence above range", func(e *Event) { e.Confidence = 1.1 }, "confidence"},
		{"nil payload", func(e *Event) { e.Payload = nil }, "payload"},
		{"missing required payload key", func(e *Event) { delete(e.Payload, "lead_source") }, "payload.lead_source"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid()
			tt.mutate(e)
			err := Validate(e)
			require.Error(t, err)
			var validErr *ValidationError
			require.ErrorAs(t, err, &validErr)
			assert.Equal(t, tt.field, validErr.Field)
		})
	}
}

func TestAmount(t *testing.T) {
	t.Run("amount key", func(t *testing.T) {
		e := NewEvent(EventPaymentReceived, AggregateClient, "c-1",
			map[string]any{"amount": 5000.0}, "api:ingest", 1.0, false)
		v, ok := e.Amount()
		require.True(t, ok)
		assert.Equal(t, 5000.0, v)
	})

	t.Run("total key fallback", func(t *testing.T) {
		e := NewEvent(EventQuoteGenerated, AggregateClient, "c-1",
			map[string]any{"total": 150000}, "agent:quoting", 0.95, false)
		v, ok := e.Amount()
		require.True(t, ok)
		assert.Equal(t, 150000.0, v)
	})

	t.Run("no monetary key", func(t *testing.T) {
		e := NewEvent(EventTaskCreated, AggregateTask, "t-1", map[string]any{}, "agent:x", 1.0, false)
		_, ok := e.Amount()
		assert.False(t, ok)
	})
}

func TestIsFinancialEventType(t *testing.T) {
	assert.True(t, IsFinancialEventType(EventQuoteGenerated))
	assert.True(t, IsFinancialEventType(EventInvoiceIssued))
	assert.True(t, IsFinancialEventType(EventPaymentReceived))
	assert.False(t, IsFinancialEventType(EventQuoteApproved))
	assert.False(t, IsFinancialEventType(EventLeadReceived))
}

func TestDecodePayloadRoundTrip(t *testing.T) {
	payload, err := PayloadMap(RiskDetectedPayload{
		Severity:    SeverityHigh,
		Description: "late delivery",
	})
	require.NoError(t, err)

	e := NewEvent(EventRiskDetected, AggregateProject, "p-1", payload, "agent:risk", 0.8, false)

	var decoded RiskDetectedPayload
	require.NoError(t, DecodePayload(e, &decoded))
	assert.Equal(t, SeverityHigh, decoded.Severity)
	assert.Equal(t, "late delivery", decoded.Description)
}
