// Package queue runs the engine's background work: the approval timeout
// sweeper and its deadline bookkeeping.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conductor-sh/conductor/pkg/bus"
	"github.com/conductor-sh/conductor/pkg/config"
	"github.com/conductor-sh/conductor/pkg/models"
	"github.com/conductor-sh/conductor/pkg/store"
)

const sweeperEmitter = "system:sweeper"

// Sweeper periodically transitions expired pending approvals to timeout and
// raises a CEO interrupt for each, so stalled escalations never sit silent.
type Sweeper struct {
	events    *store.EventStore
	approvals *store.ApprovalStore
	bus       *bus.Bus
	interval  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates the sweeper with the configured interval.
func NewSweeper(events *store.EventStore, approvals *store.ApprovalStore, b *bus.Bus, cfg *config.Config) *Sweeper {
	return &Sweeper{
		events:    events,
		approvals: approvals,
		bus:       b,
		interval:  cfg.SweepInterval,
	}
}

// Start launches the sweep loop. The first sweep runs after one interval.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		slog.Info("Approval sweeper started", "interval", s.interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Sweep(ctx); err != nil {
					slog.Error("Approval sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Approval sweeper stopped")
}

// Sweep transitions every expired pending approval to timeout and announces
// each as a CEO interrupt. Exposed for the explicit-sweep API and tests.
func (s *Sweeper) Sweep(ctx context.Context) error {
	timedOut, err := s.approvals.SweepTimeouts(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to sweep approval timeouts: %w", err)
	}
	if len(timedOut) == 0 {
		return nil
	}

	for _, approval := range timedOut {
		slog.Warn("Approval timed out",
			"approval_id", approval.ApprovalID,
			"agent_id", approval.AgentID,
			"request_type", approval.RequestType)

		event := models.NewEvent(models.EventCEOInterruptRequired,
			models.AggregateSystem, "approvals",
			map[string]any{
				"approval_id":  approval.ApprovalID,
				"agent_id":     approval.AgentID,
				"request_type": approval.RequestType,
				"reason":       "approval timed out unresolved",
				"urgency":      approval.Urgency,
			},
			sweeperEmitter, 1.0, false)
		if approval.EventID != "" {
			event.CausationID = approval.EventID
		}

		if _, err := s.events.Append(ctx, event); err != nil {
			slog.Error("Failed to record approval timeout interrupt",
				"approval_id", approval.ApprovalID, "error", err)
			continue
		}
		s.bus.Publish(ctx, event)
	}
	return nil
}
