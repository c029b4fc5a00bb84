package projection

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-sh/conductor/pkg/bus"
	"github.com/conductor-sh/conductor/pkg/models"
	"github.com/conductor-sh/conductor/pkg/store"
	"github.com/conductor-sh/conductor/test/util"
)

func appendHealthEvent(t *testing.T, s *store.EventStore, eventType, clientID string, payload map[string]any) *models.Event {
	t.Helper()
	if payload == nil {
		payload = map[string]any{}
	}
	e := models.NewEvent(eventType, models.AggregateClient, clientID, payload, "agent:test", 1.0, false)
	_, err := s.Append(context.Background(), e)
	require.NoError(t, err)
	return e
}

func TestEngineColdStartReplay(t *testing.T) {
	db := util.SetupTestDatabase(t)
	events := store.NewEventStore(db)
	snapshots := store.NewSnapshotStore(db)
	b := bus.New()
	defer b.Close()

	clientID := uuid.New().String()
	appendHealthEvent(t, events, models.EventProjectStarted, clientID, nil)
	appendHealthEvent(t, events, models.EventMeetingCompleted, clientID, map[string]any{"sentiment": "positive"})
	appendHealthEvent(t, events, models.EventPaymentReceived, clientID, map[string]any{"amount": 5000.0})
	appendHealthEvent(t, events, models.EventRiskDetected, clientID, map[string]any{"severity": "high", "description": "slipping"})

	engine := NewEngine(NewClientHealth(), events, snapshots, b)
	require.NoError(t, engine.Initialize(context.Background()))
	defer engine.Close()

	state, ok := engine.State(clientID)
	require.True(t, ok)
	assert.Equal(t, 48.0, state["health_score"])
	assert.Equal(t, HealthStatusWarning, state["status"])
}

func TestEngineLiveApplication(t *testing.T) {
	db := util.SetupTestDatabase(t)
	events := store.NewEventStore(db)
	b := bus.New()
	defer b.Close()

	engine := NewEngine(NewClientHealth(), events, nil, b)
	require.NoError(t, engine.Initialize(context.Background()))
	defer engine.Close()

	clientID := uuid.New().String()
	e := appendHealthEvent(t, events, models.EventProjectStarted, clientID, nil)
	b.Publish(context.Background(), e)

	require.Eventually(t, func() bool {
		state, ok := engine.State(clientID)
		return ok && state["health_score"] == 60.0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineRebuild(t *testing.T) {
	db := util.SetupTestDatabase(t)
	events := store.NewEventStore(db)
	b := bus.New()
	defer b.Close()

	clientID := uuid.New().String()
	appendHealthEvent(t, events, models.EventProjectAtRisk, clientID, nil)

	engine := NewEngine(NewClientHealth(), events, nil, b)
	require.NoError(t, engine.Initialize(context.Background()))
	defer engine.Close()

	appendHealthEvent(t, events, models.EventPaymentReceived, clientID, map[string]any{"amount": 10.0})
	require.NoError(t, engine.Rebuild(context.Background()))

	state, ok := engine.State(clientID)
	require.True(t, ok)
	assert.Equal(t, 38.0, state["health_score"], "rebuild folds everything appended so far")
}

func TestEngineSnapshotWarmStart(t *testing.T) {
	db := util.SetupTestDatabase(t)
	events := store.NewEventStore(db)
	snapshots := store.NewSnapshotStore(db)
	b := bus.New()
	defer b.Close()

	clientID := uuid.New().String()
	appendHealthEvent(t, events, models.EventProjectStarted, clientID, nil)
	appendHealthEvent(t, events, models.EventPaymentReceived, clientID, map[string]any{"amount": 10.0})

	first := NewEngine(NewClientHealth(), events, snapshots, b)
	require.NoError(t, first.Initialize(context.Background()))
	require.NoError(t, first.SaveSnapshots(context.Background()))
	first.Close()

	// Events after the snapshot must still be folded on warm start.
	appendHealthEvent(t, events, models.EventProjectAtRisk, clientID, nil)

	second := NewEngine(NewClientHealth(), events, snapshots, b)
	require.NoError(t, second.Initialize(context.Background()))
	defer second.Close()

	state, ok := second.State(clientID)
	require.True(t, ok)
	assert.Equal(t, 48.0, state["health_score"], "snapshot 63 minus 15 for the new risk")

	t.Run("snapshot truncated the replay", func(t *testing.T) {
		// 2 events folded at snapshot time plus exactly 1 post-snapshot
		// event — pre-snapshot events were not re-applied.
		assert.Equal(t, 3.0, state["events_applied"])
	})
}

type v2Health struct{ ClientHealth }

func (v2Health) SchemaVersion() int { return 2 }

func TestEngineDiscardsStaleSchemaSnapshots(t *testing.T) {
	db := util.SetupTestDatabase(t)
	events := store.NewEventStore(db)
	snapshots := store.NewSnapshotStore(db)
	b := bus.New()
	defer b.Close()

	clientID := uuid.New().String()
	appendHealthEvent(t, events, models.EventProjectStarted, clientID, nil)

	v1 := NewEngine(NewClientHealth(), events, snapshots, b)
	require.NoError(t, v1.Initialize(context.Background()))
	require.NoError(t, v1.SaveSnapshots(context.Background()))
	v1.Close()

	v2 := NewEngine(&v2Health{}, events, snapshots, b)
	require.NoError(t, v2.Initialize(context.Background()))
	defer v2.Close()

	state, ok := v2.State(clientID)
	require.True(t, ok)
	assert.Equal(t, 60.0, state["health_score"], "full replay, not the stale snapshot")
	assert.Equal(t, 1.0, state["events_applied"])
}
