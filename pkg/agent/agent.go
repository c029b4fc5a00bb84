// Package agent provides the autonomous agent framework: the agent
// contract, the mandate model, the runtime that wires agents to the bus,
// and the built-in intake, scheduler, and oversight agents.
package agent

import (
	"context"
	"fmt"

	"github.com/conductor-sh/conductor/pkg/models"
)

// Mandate declares what an agent may consume and emit, and the confidence
// floor below which its emissions are forced to human review.
type Mandate struct {
	// Name identifies the agent; emissions carry "agent:<name>".
	Name string

	// Description is the human-readable purpose of the agent.
	Description string

	// Subscribes lists the event types delivered to the agent. An empty
	// list subscribes to nothing unless Wildcard is set — wildcard
	// consumption is an explicit opt-in.
	Subscribes []string
	Wildcard   bool

	// Emits lists the event types the agent is authorised to emit.
	// RISK_DETECTED is universally permitted and need not be listed.
	Emits []string

	// ConfidenceThreshold is the agent's minimum confidence. Emissions
	// below it are published with requires_human forced true.
	ConfidenceThreshold float64
}

// EmitterID returns the identity recorded in emitted_by.
func (m Mandate) EmitterID() string {
	return "agent:" + m.Name
}

// MayEmit reports whether the mandate authorises emitting eventType.
func (m Mandate) MayEmit(eventType string) bool {
	if eventType == models.EventRiskDetected {
		return true
	}
	for _, t := range m.Emits {
		if t == eventType {
			return true
		}
	}
	return false
}

// Agent is the contract every autonomous agent implements. Agents are
// long-lived values: the bus holds references to their Process method via
// subscription records, so agents carry their own state and locks.
type Agent interface {
	// Mandate declares subscriptions, emission authorisation, and the
	// confidence threshold. Called once at registration.
	Mandate() Mandate

	// Initialize is called after the runtime attaches the helper and
	// registers the mandate's subscriptions.
	Initialize(ctx context.Context) error

	// Process handles one delivered event. Returning an error (or
	// panicking) is isolated by the runtime: it is logged and surfaced as
	// a RISK_DETECTED event; the originating event is not re-delivered.
	Process(ctx context.Context, event *models.Event) error

	// Shutdown is called after the runtime removes the agent's
	// subscriptions.
	Shutdown(ctx context.Context) error
}

// AuthorizationError is returned when an agent attempts to emit an event
// type outside its mandate. The emission is refused; no event is stored.
type AuthorizationError struct {
	Agent     string
	EventType string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("agent %s is not authorised to emit %s", e.Agent, e.EventType)
}
