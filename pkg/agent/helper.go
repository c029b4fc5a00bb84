package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conductor-sh/conductor/pkg/bus"
	"github.com/conductor-sh/conductor/pkg/config"
	"github.com/conductor-sh/conductor/pkg/models"
	"github.com/conductor-sh/conductor/pkg/store"
)

// Helper provides emit and request-approval to agents by composition.
// It enforces the mandate's emission authorisation and confidence gate,
// and serialises the causal chain through the store: append always
// precedes the local publish.
type Helper struct {
	mandate   Mandate
	events    *store.EventStore
	approvals *store.ApprovalStore
	bus       *bus.Bus
	cfg       *config.Config
}

// NewHelper builds the helper an agent holds. Constructed by the runtime
// at registration.
func NewHelper(mandate Mandate, events *store.EventStore, approvals *store.ApprovalStore, b *bus.Bus, cfg *config.Config) *Helper {
	return &Helper{
		mandate:   mandate,
		events:    events,
		approvals: approvals,
		bus:       b,
		cfg:       cfg,
	}
}

// Emit validates the emission against the mandate, applies the confidence
// gate, appends the envelope to the store, and publishes it locally.
//
// parent, when non-nil, links the new event into the parent's workflow
// (correlation inherited, causation set).
func (h *Helper) Emit(ctx context.Context, parent *models.Event, eventType, aggregateType, aggregateID string, payload map[string]any, confidence float64, requiresHuman bool) (*models.Event, error) {
	if !h.mandate.MayEmit(eventType) {
		err := &AuthorizationError{Agent: h.mandate.Name, EventType: eventType}
		slog.Warn("Refusing unauthorised emission",
			"agent", h.mandate.Name, "event_type", eventType)
		return nil, err
	}

	// Confidence gate: below the mandate threshold, a human must see it.
	if confidence < h.mandate.ConfidenceThreshold {
		requiresHuman = true
	}

	event := models.NewEvent(eventType, aggregateType, aggregateID, payload,
		h.mandate.EmitterID(), confidence, requiresHuman).CausedBy(parent)

	if _, err := h.events.Append(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to append %s: %w", eventType, err)
	}
	h.bus.Publish(ctx, event)
	return event, nil
}

// RequestApproval materialises a pending approval row and announces it with
// a HUMAN_APPROVAL_REQUESTED event. The announcement is emitted by the
// runtime on the agent's behalf, outside the mandate's emit set.
func (h *Helper) RequestApproval(ctx context.Context, parent *models.Event, requestType, reason string, decisionContext map[string]any, recommendedAction, urgency string) (*models.Approval, error) {
	approval := &models.Approval{
		ApprovalID:        uuid.New().String(),
		AgentID:           h.mandate.Name,
		RequestType:       requestType,
		Reason:            reason,
		DecisionContext:   decisionContext,
		RecommendedAction: recommendedAction,
		Urgency:           urgency,
		Status:            models.ApprovalStatusPending,
		TimeoutAt:         time.Now().UTC().Add(h.cfg.ApprovalTimeout),
	}
	var confidence float64
	aggregateType, aggregateID := models.AggregateSystem, h.mandate.Name
	if parent != nil {
		approval.EventID = parent.EventID
		confidence = parent.Confidence
		aggregateType, aggregateID = parent.AggregateType, parent.AggregateID
	}
	approval.Confidence = confidence

	if err := h.approvals.Create(ctx, approval); err != nil {
		return nil, fmt.Errorf("failed to create approval: %w", err)
	}

	payload, err := models.PayloadMap(models.ApprovalRequestedPayload{
		ApprovalID:        approval.ApprovalID,
		RequestType:       requestType,
		Reason:            reason,
		RecommendedAction: recommendedAction,
		Urgency:           urgency,
	})
	if err != nil {
		return nil, err
	}

	event := models.NewEvent(models.EventHumanApprovalRequested, aggregateType, aggregateID,
		payload, h.mandate.EmitterID(), confidence, true).CausedBy(parent)
	if _, err := h.events.Append(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to append approval request: %w", err)
	}
	h.bus.Publish(ctx, event)

	slog.Info("Approval requested",
		"agent", h.mandate.Name,
		"approval_id", approval.ApprovalID,
		"request_type", requestType)
	return approval, nil
}

// Mandate returns the mandate this helper enforces.
func (h *Helper) Mandate() Mandate {
	return h.mandate
}

// Config exposes the engine configuration to agent policies.
func (h *Helper) Config() *config.Config {
	return h.cfg
}
