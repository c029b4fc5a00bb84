package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-sh/conductor/pkg/bus"
	"github.com/conductor-sh/conductor/pkg/config"
	"github.com/conductor-sh/conductor/pkg/models"
	"github.com/conductor-sh/conductor/pkg/store"
	"github.com/conductor-sh/conductor/test/util"
)

func TestSweepTransitionsExpiredApprovals(t *testing.T) {
	db := util.SetupTestDatabase(t)
	events := store.NewEventStore(db)
	approvals := store.NewApprovalStore(db)
	b := bus.New()
	defer b.Close()
	ctx := context.Background()

	expired := &models.Approval{
		ApprovalID:  uuid.New().String(),
		AgentID:     "oversight",
		RequestType: "financial_limit",
		Reason:      "amount over limit",
		Urgency:     "high",
		Status:      models.ApprovalStatusPending,
		TimeoutAt:   time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, approvals.Create(ctx, expired))

	alive := &models.Approval{
		ApprovalID:  uuid.New().String(),
		AgentID:     "intake",
		RequestType: "lead_qualification",
		Reason:      "low confidence",
		Status:      models.ApprovalStatusPending,
		TimeoutAt:   time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, approvals.Create(ctx, alive))

	sweeper := NewSweeper(events, approvals, b, &config.Config{SweepInterval: time.Minute})
	require.NoError(t, sweeper.Sweep(ctx))

	t.Run("expired approval timed out", func(t *testing.T) {
		got, err := approvals.Get(ctx, expired.ApprovalID)
		require.NoError(t, err)
		assert.Equal(t, models.ApprovalStatusTimeout, got.Status)
		assert.NotNil(t, got.ResolvedAt)
	})

	t.Run("live approval untouched", func(t *testing.T) {
		got, err := approvals.Get(ctx, alive.ApprovalID)
		require.NoError(t, err)
		assert.Equal(t, models.ApprovalStatusPending, got.Status)
	})

	t.Run("timeout raises a CEO interrupt", func(t *testing.T) {
		interrupts, err := events.Query(ctx, models.EventFilter{
			EventTypes: []string{models.EventCEOInterruptRequired},
		})
		require.NoError(t, err)
		require.Len(t, interrupts, 1)
		id, _ := interrupts[0].PayloadString("approval_id")
		assert.Equal(t, expired.ApprovalID, id)
	})

	t.Run("second sweep is a no-op", func(t *testing.T) {
		require.NoError(t, sweeper.Sweep(ctx))
		interrupts, err := events.Query(ctx, models.EventFilter{
			EventTypes: []string{models.EventCEOInterruptRequired},
		})
		require.NoError(t, err)
		assert.Len(t, interrupts, 1)
	})
}

func TestSweeperLoopLifecycle(t *testing.T) {
	db := util.SetupTestDatabase(t)
	events := store.NewEventStore(db)
	approvals := store.NewApprovalStore(db)
	b := bus.New()
	defer b.Close()

	sweeper := NewSweeper(events, approvals, b, &config.Config{SweepInterval: 10 * time.Millisecond})
	sweeper.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	sweeper.Stop()
}
