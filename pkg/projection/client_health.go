package projection

import (
	"github.com/conductor-sh/conductor/pkg/models"
)

// Client health statuses.
const (
	HealthStatusHealthy  = "healthy"
	HealthStatusWarning  = "warning"
	HealthStatusCritical = "critical"
)

// initialHealthScore is the score of a client before any signal.
const initialHealthScore = 50.0

// ClientHealth scores every client from engagement and risk signals.
// Deltas: completed meeting with positive sentiment +5, project start +10,
// project at risk −15, payment +3, high or critical risk −20. The score is
// clamped to [0,100]; status is healthy ≥70, warning ≥40, critical below.
type ClientHealth struct{}

// NewClientHealth creates the client health projection.
func NewClientHealth() *ClientHealth {
	return &ClientHealth{}
}

func (p *ClientHealth) Name() string          { return "client_health" }
func (p *ClientHealth) AggregateType() string { return models.AggregateClient }
func (p *ClientHealth) SchemaVersion() int    { return 1 }

func (p *ClientHealth) EventTypes() []string {
	return []string{
		models.EventMeetingCompleted,
		models.EventProjectStarted,
		models.EventProjectAtRisk,
		models.EventPaymentReceived,
		models.EventRiskDetected,
	}
}

func (p *ClientHealth) InitialState() map[string]any {
	return map[string]any{
		"health_score":   initialHealthScore,
		"status":         statusForScore(initialHealthScore),
		"events_applied": float64(0),
	}
}

// Apply folds one signal into the client's score.
func (p *ClientHealth) Apply(event *models.Event, state map[string]any) map[string]any {
	score := stateFloat(state, "health_score", initialHealthScore)

	switch event.EventType {
	case models.EventMeetingCompleted:
		if sentiment, _ := event.PayloadString("sentiment"); sentiment == "positive" {
			score += 5
		}
	case models.EventProjectStarted:
		score += 10
	case models.EventProjectAtRisk:
		score -= 15
	case models.EventPaymentReceived:
		score += 3
	case models.EventRiskDetected:
		severity, _ := event.PayloadString("severity")
		if severity == models.SeverityHigh || severity == models.SeverityCritical {
			score -= 20
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	next := make(map[string]any, len(state)+1)
	for k, v := range state {
		next[k] = v
	}
	next["health_score"] = score
	next["status"] = statusForScore(score)
	next["events_applied"] = stateFloat(state, "events_applied", 0) + 1
	next["last_event_type"] = event.EventType
	return next
}

func statusForScore(score float64) string {
	switch {
	case score >= 70:
		return HealthStatusHealthy
	case score >= 40:
		return HealthStatusWarning
	default:
		return HealthStatusCritical
	}
}

// stateFloat tolerates the numeric widening a snapshot round-trip through
// JSON introduces.
func stateFloat(state map[string]any, key string, fallback float64) float64 {
	switch v := state[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}
