package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-sh/conductor/pkg/models"
)

type fakeFetcher struct {
	events map[string]*models.Event
	calls  atomic.Int64
}

func (f *fakeFetcher) GetByEventID(ctx context.Context, eventID string) (*models.Event, error) {
	f.calls.Add(1)
	e, ok := f.events[eventID]
	if !ok {
		return nil, fmt.Errorf("event %s not found", eventID)
	}
	return e, nil
}

func TestBridgeRepublishesFullPayload(t *testing.T) {
	b := New()
	defer b.Close()
	bridge := NewBridge(b, &fakeFetcher{})

	var calls atomic.Int64
	b.Subscribe("sub", SubscriptionFilter{}, func(ctx context.Context, e *models.Event) error {
		calls.Add(1)
		return nil
	})

	e := testEvent(models.EventLeadReceived, models.AggregateLead, "lead-1")
	payload, err := json.Marshal(e)
	require.NoError(t, err)

	bridge.HandleNotification(context.Background(), payload)
	waitFor(t, func() bool { return calls.Load() == 1 }, "remote event delivered once")

	t.Run("simulated redelivery invokes no handler", func(t *testing.T) {
		bridge.HandleNotification(context.Background(), payload)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int64(1), calls.Load())
	})

	t.Run("local echo deduplicates", func(t *testing.T) {
		// The instance that appended already published locally; the bridge
		// delivery of our own NOTIFY must be a no-op.
		assert.False(t, b.Publish(context.Background(), e))
	})
}

func TestBridgeFetchesTruncatedPayload(t *testing.T) {
	b := New()
	defer b.Close()

	full := testEvent(models.EventMeetingCompleted, models.AggregateClient, "c-1")
	fetcher := &fakeFetcher{events: map[string]*models.Event{full.EventID: full}}
	bridge := NewBridge(b, fetcher)

	var got atomic.Value
	b.Subscribe("sub", SubscriptionFilter{}, func(ctx context.Context, e *models.Event) error {
		got.Store(e)
		return nil
	})

	payload, err := json.Marshal(map[string]any{
		"event_id":  full.EventID,
		"truncated": true,
	})
	require.NoError(t, err)

	bridge.HandleNotification(context.Background(), payload)
	waitFor(t, func() bool { return got.Load() != nil }, "truncated event refetched and delivered")
	assert.Equal(t, int64(1), fetcher.calls.Load())
	assert.Equal(t, full.EventID, got.Load().(*models.Event).EventID)
}

func TestBridgeDropsMalformedPayloads(t *testing.T) {
	b := New()
	defer b.Close()
	bridge := NewBridge(b, &fakeFetcher{})

	var calls atomic.Int64
	b.Subscribe("sub", SubscriptionFilter{}, func(ctx context.Context, e *models.Event) error {
		calls.Add(1)
		return nil
	})

	bridge.HandleNotification(context.Background(), []byte("not json"))
	bridge.HandleNotification(context.Background(), []byte(`{"truncated":true}`))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load())
}
