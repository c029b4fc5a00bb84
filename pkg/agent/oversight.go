package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/conductor-sh/conductor/pkg/bus"
	"github.com/conductor-sh/conductor/pkg/models"
)

// Oversight decision actions.
const (
	DecisionActionApprove  = "approve"
	DecisionActionEscalate = "escalate"
	DecisionActionBlock    = "block"
)

// decisionLogSize bounds the in-memory oversight decision ring.
const decisionLogSize = 1000

// Decision is one oversight verdict, kept in the bounded decision log.
type Decision struct {
	DecisionID string  `json:"decision_id"`
	EventID    string  `json:"event_id"`
	EventType  string  `json:"event_type"`
	Action     string  `json:"action"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// OversightAgent watches every event on the bus and applies the escalation
// policy: low confidence, explicit requires_human, financial amounts over
// the limit, and critical risks all go to a human; everything else is
// approved, with an audit event for high-confidence autonomous actions.
//
// It ignores its own emissions and HUMAN_APPROVAL_REQUESTED announcements,
// otherwise every escalation would trigger another evaluation.
type OversightAgent struct {
	helper *Helper
	bus    *bus.Bus

	mu        sync.Mutex
	decisions []Decision // ring, decisionPos is the next write slot
	pos       int
	seen      map[string]bool // event ids already decided, bounded by the ring
}

// NewOversightAgent wires the oversight policy to the bus and stores.
func NewOversightAgent(rt *Runtime, b *bus.Bus) *OversightAgent {
	o := &OversightAgent{
		bus:       b,
		decisions: make([]Decision, 0, decisionLogSize),
		seen:      make(map[string]bool, decisionLogSize),
	}
	o.helper = rt.NewHelper(o.Mandate())
	return o
}

func (o *OversightAgent) Mandate() Mandate {
	return Mandate{
		Name:        "oversight",
		Description: "Evaluates every event against the escalation policy and routes decisions to humans when autonomy limits are exceeded",
		Wildcard:    true,
		Emits:       []string{models.EventAutonomicDecisionExecuted},
		// Oversight grades other agents' confidence; its own emissions are
		// always deliberate.
		ConfidenceThreshold: 0,
	}
}

func (o *OversightAgent) Initialize(ctx context.Context) error { return nil }
func (o *OversightAgent) Shutdown(ctx context.Context) error   { return nil }

// Process applies the policy checks in order and records the decision.
func (o *OversightAgent) Process(ctx context.Context, event *models.Event) error {
	// Loop prevention: skip own emissions and approval announcements (the
	// announcement already has its pending row).
	if event.EmittedBy == o.helper.Mandate().EmitterID() ||
		event.EventType == models.EventHumanApprovalRequested {
		return nil
	}
	if o.alreadyDecided(event.EventID) {
		return nil
	}

	cfg := o.helper.Config()

	// Humans are authoritative: overrides pass before any other check.
	if event.EventType == models.EventHumanOverride {
		o.record(event, DecisionActionApprove, "human override is authoritative")
		return nil
	}

	if event.Confidence < cfg.ConfidenceThreshold {
		if cfg.AutoApprovalEnabled && !event.RequiresHuman && !models.IsFinancialEventType(event.EventType) {
			o.record(event, DecisionActionApprove, "low confidence auto-approved by configuration")
			return nil
		}
		return o.escalate(ctx, event, "low_confidence",
			fmt.Sprintf("confidence %.2f below oversight threshold %.2f", event.Confidence, cfg.ConfidenceThreshold),
			"medium")
	}

	if event.RequiresHuman {
		return o.escalate(ctx, event, "requires_human",
			"event flagged for human review by its emitter", "medium")
	}

	if models.IsFinancialEventType(event.EventType) {
		if amount, ok := event.Amount(); ok && amount > cfg.FinancialLimit {
			return o.escalate(ctx, event, "financial_limit",
				fmt.Sprintf("amount %.2f exceeds financial limit %.2f", amount, cfg.FinancialLimit),
				"high")
		}
	}

	if event.EventType == models.EventRiskDetected {
		if severity, _ := event.PayloadString("severity"); severity == models.SeverityCritical {
			return o.escalate(ctx, event, "critical_risk", "critical risk requires human attention", "critical")
		}
	}

	o.record(event, DecisionActionApprove, "within autonomy limits")
	if event.Confidence >= 0.9 {
		return o.audit(ctx, event)
	}
	return nil
}

// Block suppresses downstream propagation of an event and raises a critical
// risk. Reserved for safety violations; never invoked by the default policy.
func (o *OversightAgent) Block(ctx context.Context, event *models.Event, reason string) error {
	o.bus.Block(event.EventID)
	o.record(event, DecisionActionBlock, reason)

	payload, err := models.PayloadMap(models.RiskDetectedPayload{
		Severity:    models.SeverityCritical,
		Source:      o.helper.Mandate().EmitterID(),
		Description: fmt.Sprintf("event %s blocked: %s", event.EventID, reason),
	})
	if err != nil {
		return err
	}
	_, err = o.helper.Emit(ctx, event, models.EventRiskDetected,
		event.AggregateType, event.AggregateID, payload, 1.0, true)
	return err
}

// Decisions returns a copy of the decision log, oldest first.
func (o *OversightAgent) Decisions() []Decision {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Decision, 0, len(o.decisions))
	if len(o.decisions) == decisionLogSize {
		out = append(out, o.decisions[o.pos:]...)
		out = append(out, o.decisions[:o.pos]...)
	} else {
		out = append(out, o.decisions...)
	}
	return out
}

// escalate materialises the pending approval row and announces it.
func (o *OversightAgent) escalate(ctx context.Context, event *models.Event, trigger, reason, urgency string) error {
	o.record(event, DecisionActionEscalate, reason)
	_, err := o.helper.RequestApproval(ctx, event, trigger, reason, map[string]any{
		"event_type": event.EventType,
		"emitted_by": event.EmittedBy,
		"confidence": event.Confidence,
		"payload":    event.Payload,
	}, "review and resolve", urgency)
	if err != nil {
		return fmt.Errorf("failed to escalate %s: %w", event.EventID, err)
	}
	slog.Info("Event escalated to human",
		"event_id", event.EventID, "event_type", event.EventType,
		"trigger", trigger, "reason", reason)
	return nil
}

// audit emits the AUTONOMIC_DECISION_EXECUTED record for a high-confidence
// approval.
func (o *OversightAgent) audit(ctx context.Context, event *models.Event) error {
	payload, err := models.PayloadMap(models.DecisionExecutedPayload{
		DecisionID:    uuid.New().String(),
		SourceEventID: event.EventID,
		Action:        DecisionActionApprove,
		Confidence:    event.Confidence,
	})
	if err != nil {
		return err
	}
	_, err = o.helper.Emit(ctx, event, models.EventAutonomicDecisionExecuted,
		event.AggregateType, event.AggregateID, payload, 1.0, false)
	return err
}

func (o *OversightAgent) alreadyDecided(eventID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.seen[eventID]
}

// record appends a decision to the ring, evicting the oldest slot when full.
func (o *OversightAgent) record(event *models.Event, action, reason string) {
	d := Decision{
		DecisionID: uuid.New().String(),
		EventID:    event.EventID,
		EventType:  event.EventType,
		Action:     action,
		Reason:     reason,
		Confidence: event.Confidence,
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.decisions) < decisionLogSize {
		o.decisions = append(o.decisions, d)
	} else {
		delete(o.seen, o.decisions[o.pos].EventID)
		o.decisions[o.pos] = d
		o.pos = (o.pos + 1) % decisionLogSize
	}
	o.seen[d.EventID] = true
}
