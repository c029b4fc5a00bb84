package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-sh/conductor/pkg/models"
	"github.com/conductor-sh/conductor/test/util"
)

func newLeadEvent(aggregateID string) *models.Event {
	return models.NewEvent(models.EventLeadReceived, models.AggregateLead, aggregateID,
		map[string]any{
			"lead_source":     "web",
			"contact_email":   "a@b",
			"initial_message": "need a full site redesign with a new brand",
		}, "api:ingest", 1.0, false)
}

func TestAppendAssignsContiguousSequences(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewEventStore(db)
	ctx := context.Background()

	leadID := uuid.New().String()
	for i := 1; i <= 3; i++ {
		e := newLeadEvent(leadID)
		seq, err := s.Append(ctx, e)
		require.NoError(t, err)
		assert.Equal(t, int64(i), seq)
		assert.Equal(t, int64(i), e.SequenceNumber)
		assert.NotZero(t, e.GlobalID)
	}

	t.Run("independent aggregate starts at one", func(t *testing.T) {
		e := newLeadEvent(uuid.New().String())
		seq, err := s.Append(ctx, e)
		require.NoError(t, err)
		assert.Equal(t, int64(1), seq)
	})
}

func TestAppendRejectsInvalidEnvelope(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewEventStore(db)

	e := newLeadEvent(uuid.New().String())
	e.Confidence = 1.5
	_, err := s.Append(context.Background(), e)
	require.Error(t, err)
	var validErr *models.ValidationError
	assert.ErrorAs(t, err, &validErr)
}

func TestAppendRejectsDuplicateEventID(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewEventStore(db)
	ctx := context.Background()

	e := newLeadEvent(uuid.New().String())
	_, err := s.Append(ctx, e)
	require.NoError(t, err)

	dup := newLeadEvent(e.AggregateID)
	dup.EventID = e.EventID
	_, err = s.Append(ctx, dup)
	require.ErrorIs(t, err, ErrDuplicateEvent)
}

func TestAppendRejectsUnknownCausation(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewEventStore(db)

	e := newLeadEvent(uuid.New().String())
	e.CausationID = uuid.New().String() // never appended
	_, err := s.Append(context.Background(), e)
	require.ErrorIs(t, err, ErrUnknownCausation)
}

func TestQueryFilters(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewEventStore(db)
	ctx := context.Background()

	leadID := uuid.New().String()
	lead := newLeadEvent(leadID)
	_, err := s.Append(ctx, lead)
	require.NoError(t, err)

	qualified := models.NewEvent(models.EventLeadQualified, models.AggregateLead, leadID,
		map[string]any{"qualification_score": 90}, "agent:intake", 0.9, false).CausedBy(lead)
	_, err = s.Append(ctx, qualified)
	require.NoError(t, err)

	risky := models.NewEvent(models.EventRiskDetected, models.AggregateProject, uuid.New().String(),
		map[string]any{"severity": "high", "description": "slipping"}, "agent:risk", 0.8, true)
	_, err = s.Append(ctx, risky)
	require.NoError(t, err)

	t.Run("by event types", func(t *testing.T) {
		events, err := s.Query(ctx, models.EventFilter{
			EventTypes: []string{models.EventLeadQualified, models.EventRiskDetected},
		})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, models.EventLeadQualified, events[0].EventType, "global order ascending")
	})

	t.Run("by correlation id", func(t *testing.T) {
		events, err := s.Query(ctx, models.EventFilter{CorrelationID: lead.CorrelationID})
		require.NoError(t, err)
		require.Len(t, events, 2, "lead and its caused qualification share a workflow")
	})

	t.Run("by requires_human", func(t *testing.T) {
		needsHuman := true
		events, err := s.Query(ctx, models.EventFilter{RequiresHuman: &needsHuman})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, models.EventRiskDetected, events[0].EventType)
	})

	t.Run("by emitter", func(t *testing.T) {
		events, err := s.Query(ctx, models.EventFilter{EmittedBy: "agent:intake"})
		require.NoError(t, err)
		require.Len(t, events, 1)
	})

	t.Run("limit and offset", func(t *testing.T) {
		page, err := s.Query(ctx, models.EventFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, page, 2)

		rest, err := s.Query(ctx, models.EventFilter{Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Len(t, rest, 1)
	})
}

func TestStreamAggregate(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewEventStore(db)
	ctx := context.Background()

	leadID := uuid.New().String()
	for i := 0; i < 4; i++ {
		_, err := s.Append(ctx, newLeadEvent(leadID))
		require.NoError(t, err)
	}

	stream, err := s.StreamAggregate(ctx, models.AggregateLead, leadID, 0)
	require.NoError(t, err)
	require.Len(t, stream, 4)
	for i, e := range stream {
		assert.Equal(t, int64(i+1), e.SequenceNumber)
	}

	t.Run("from sequence is exclusive", func(t *testing.T) {
		tail, err := s.StreamAggregate(ctx, models.AggregateLead, leadID, 2)
		require.NoError(t, err)
		require.Len(t, tail, 2)
		assert.Equal(t, int64(3), tail[0].SequenceNumber)
	})
}

func TestGetEventsSince(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewEventStore(db)
	ctx := context.Background()

	first := newLeadEvent(uuid.New().String())
	_, err := s.Append(ctx, first)
	require.NoError(t, err)
	second := newLeadEvent(uuid.New().String())
	_, err = s.Append(ctx, second)
	require.NoError(t, err)

	missed, err := s.GetEventsSince(ctx, first.GlobalID, 100)
	require.NoError(t, err)
	require.Len(t, missed, 1)
	assert.Equal(t, second.EventID, missed[0].EventID)
}

func TestGetByEventID(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewEventStore(db)
	ctx := context.Background()

	e := newLeadEvent(uuid.New().String())
	e.Metadata = map[string]any{"source_ip": "10.0.0.1"}
	_, err := s.Append(ctx, e)
	require.NoError(t, err)

	got, err := s.GetByEventID(ctx, e.EventID)
	require.NoError(t, err)
	assert.Equal(t, e.AggregateID, got.AggregateID)
	assert.Equal(t, "web", got.Payload["lead_source"])
	assert.Equal(t, "10.0.0.1", got.Metadata["source_ip"])

	t.Run("missing id", func(t *testing.T) {
		_, err := s.GetByEventID(ctx, uuid.New().String())
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConcurrentAppendsKeepContiguousSequence(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewEventStore(db)
	ctx := context.Background()

	leadID := uuid.New().String()
	const writers = 4
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func() {
			_, err := s.Append(ctx, newLeadEvent(leadID))
			errCh <- err
		}()
	}
	for i := 0; i < writers; i++ {
		require.NoError(t, <-errCh)
	}

	stream, err := s.StreamAggregate(ctx, models.AggregateLead, leadID, 0)
	require.NoError(t, err)
	require.Len(t, stream, writers)
	for i, e := range stream {
		assert.Equal(t, int64(i+1), e.SequenceNumber, "no gaps, no duplicates")
	}
}
