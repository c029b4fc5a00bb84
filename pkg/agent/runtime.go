package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/conductor-sh/conductor/pkg/bus"
	"github.com/conductor-sh/conductor/pkg/config"
	"github.com/conductor-sh/conductor/pkg/models"
	"github.com/conductor-sh/conductor/pkg/store"
)

// systemEmitter identifies runtime-originated events (handler failures,
// queue overflow reports).
const systemEmitter = "system:runtime"

// Runtime owns agent lifecycle: registration, subscription wiring per
// mandate, failure capture, and shutdown. It is created once by the engine
// root and shared by all agents.
type Runtime struct {
	events    *store.EventStore
	approvals *store.ApprovalStore
	bus       *bus.Bus
	cfg       *config.Config

	mu      sync.Mutex
	agents  []Agent
	subIDs  map[string][]string // agent name → subscription ids
	started bool
}

// NewRuntime creates the runtime and attaches the bus failure and overflow
// notifiers so infrastructure losses become RISK_DETECTED events.
func NewRuntime(events *store.EventStore, approvals *store.ApprovalStore, b *bus.Bus, cfg *config.Config) *Runtime {
	rt := &Runtime{
		events:    events,
		approvals: approvals,
		bus:       b,
		cfg:       cfg,
		subIDs:    make(map[string][]string),
	}
	b.SetHandlerFailureNotifier(rt.onHandlerFailure)
	b.SetDropNotifier(rt.onQueueDrop)
	return rt
}

// NewHelper builds the emission helper for a mandate. Exposed so agents
// constructed outside Register (tests, custom wiring) share the same
// enforcement path.
func (rt *Runtime) NewHelper(mandate Mandate) *Helper {
	return NewHelper(mandate, rt.events, rt.approvals, rt.bus, rt.cfg)
}

// Register adds an agent. Must be called before Start.
func (rt *Runtime) Register(a Agent) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.agents = append(rt.agents, a)
}

// Start subscribes every registered agent per its mandate and calls
// Initialize. Agents with neither subscriptions nor the wildcard opt-in
// receive nothing.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		slog.Warn("Agent runtime already started, ignoring duplicate Start call")
		return nil
	}
	rt.started = true

	for _, a := range rt.agents {
		mandate := a.Mandate()
		handler := rt.wrapProcess(a, mandate)

		var ids []string
		switch {
		case mandate.Wildcard:
			ids = append(ids, rt.bus.Subscribe(mandate.Name, bus.SubscriptionFilter{}, handler))
		case len(mandate.Subscribes) > 0:
			ids = append(ids, rt.bus.Subscribe(mandate.Name,
				bus.SubscriptionFilter{EventTypes: mandate.Subscribes}, handler))
		}
		rt.subIDs[mandate.Name] = ids

		if err := a.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize agent %s: %w", mandate.Name, err)
		}
		slog.Info("Agent started",
			"agent", mandate.Name,
			"subscribes", mandate.Subscribes,
			"wildcard", mandate.Wildcard,
			"threshold", mandate.ConfidenceThreshold)
	}
	return nil
}

// Stop unsubscribes and shuts down every agent in reverse registration
// order.
func (rt *Runtime) Stop(ctx context.Context) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.started {
		return
	}
	rt.started = false

	for i := len(rt.agents) - 1; i >= 0; i-- {
		a := rt.agents[i]
		mandate := a.Mandate()
		for _, id := range rt.subIDs[mandate.Name] {
			rt.bus.Unsubscribe(id)
		}
		delete(rt.subIDs, mandate.Name)
		if err := a.Shutdown(ctx); err != nil {
			slog.Error("Agent shutdown failed", "agent", mandate.Name, "error", err)
		}
	}
	slog.Info("Agent runtime stopped")
}

// Statuses reports each registered agent for the health endpoint.
func (rt *Runtime) Statuses() []AgentStatus {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]AgentStatus, 0, len(rt.agents))
	for _, a := range rt.agents {
		m := a.Mandate()
		out = append(out, AgentStatus{
			Name:          m.Name,
			Description:   m.Description,
			Subscriptions: len(rt.subIDs[m.Name]),
			Running:       rt.started,
		})
	}
	return out
}

// AgentStatus is one agent's health entry.
type AgentStatus struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Subscriptions int    `json:"subscriptions"`
	Running       bool   `json:"running"`
}

// wrapProcess adapts Agent.Process into a bus handler. Failures are
// reported by the bus through onHandlerFailure; the wrapper only forwards.
func (rt *Runtime) wrapProcess(a Agent, mandate Mandate) bus.Handler {
	return func(ctx context.Context, event *models.Event) error {
		if err := a.Process(ctx, event); err != nil {
			return fmt.Errorf("agent %s: %w", mandate.Name, err)
		}
		return nil
	}
}

// onHandlerFailure converts a subscriber failure into a RISK_DETECTED event
// (severity high, requires_human). Failures while processing RISK_DETECTED
// itself are only logged — re-emitting would loop.
func (rt *Runtime) onHandlerFailure(subscriptionID, label string, event *models.Event, err error) {
	if event.EventType == models.EventRiskDetected {
		slog.Error("Handler failed on RISK_DETECTED, not re-emitting",
			"subscription_id", subscriptionID, "label", label, "error", err)
		return
	}
	rt.emitSystemRisk(models.SeverityHigh,
		fmt.Sprintf("handler %s failed processing %s: %v", label, event.EventType, err),
		event)
}

// onQueueDrop converts subscriber queue overflow into a RISK_DETECTED event.
func (rt *Runtime) onQueueDrop(subscriptionID, label string, dropped uint64) {
	rt.emitSystemRisk(models.SeverityHigh,
		fmt.Sprintf("subscriber %s dropped %d events to backpressure", label, dropped),
		nil)
}

// emitSystemRisk appends and publishes a system RISK_DETECTED event.
// Best effort: storage failures are logged, not propagated — the risk
// report must never take down the publish path it describes.
func (rt *Runtime) emitSystemRisk(severity, description string, parent *models.Event) {
	payload, err := models.PayloadMap(models.RiskDetectedPayload{
		Severity:    severity,
		Source:      systemEmitter,
		Description: description,
	})
	if err != nil {
		slog.Error("Failed to build risk payload", "error", err)
		return
	}

	event := models.NewEvent(models.EventRiskDetected, models.AggregateSystem, "runtime",
		payload, systemEmitter, 1.0, true).CausedBy(parent)

	ctx := context.Background()
	if _, err := rt.events.Append(ctx, event); err != nil {
		slog.Error("Failed to append system risk event", "error", err)
		return
	}
	rt.bus.Publish(ctx, event)
}
