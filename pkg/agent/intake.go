package agent

import (
	"context"
	"fmt"

	"github.com/conductor-sh/conductor/pkg/models"
)

// intakeConfidenceFloor is the confidence below which the intake agent
// requests human review instead of emitting a qualification.
const intakeConfidenceFloor = 0.8

// IntakeAgent qualifies incoming leads. A lead with enough signal becomes a
// LEAD_QUALIFIED event; a lead the qualifier cannot score confidently goes
// to a human as a lead_qualification approval request.
type IntakeAgent struct {
	helper *Helper
}

// NewIntakeAgent builds the intake agent against the given runtime.
func NewIntakeAgent(rt *Runtime) *IntakeAgent {
	a := &IntakeAgent{}
	a.helper = rt.NewHelper(a.Mandate())
	return a
}

func (a *IntakeAgent) Mandate() Mandate {
	return Mandate{
		Name:                "intake",
		Description:         "Qualifies incoming leads and routes ambiguous ones to a human",
		Subscribes:          []string{models.EventLeadReceived},
		Emits:               []string{models.EventLeadQualified},
		ConfidenceThreshold: intakeConfidenceFloor,
	}
}

func (a *IntakeAgent) Initialize(ctx context.Context) error { return nil }
func (a *IntakeAgent) Shutdown(ctx context.Context) error   { return nil }

// Process scores the lead and either emits the qualification or requests
// approval.
func (a *IntakeAgent) Process(ctx context.Context, event *models.Event) error {
	var lead models.LeadReceivedPayload
	if err := models.DecodePayload(event, &lead); err != nil {
		return err
	}

	score, confidence, reasoning := qualifyLead(lead)

	if confidence < intakeConfidenceFloor {
		_, err := a.helper.RequestApproval(ctx, event, "lead_qualification",
			fmt.Sprintf("qualifier confidence %.2f too low: %s", confidence, reasoning),
			map[string]any{
				"lead_source":     lead.LeadSource,
				"contact_email":   lead.ContactEmail,
				"initial_message": lead.InitialMessage,
				"score":           score,
			},
			"review lead manually", "medium")
		return err
	}

	payload, err := models.PayloadMap(models.LeadQualifiedPayload{
		QualificationScore: score,
		Tier:               tierForScore(score),
		Reasoning:          reasoning,
	})
	if err != nil {
		return err
	}
	_, err = a.helper.Emit(ctx, event, models.EventLeadQualified,
		models.AggregateLead, event.AggregateID, payload, confidence, false)
	return err
}

// qualifyLead is a deterministic heuristic: the score rewards message
// substance, urgency, and provenance; confidence tracks how much signal the
// message itself carries.
func qualifyLead(lead models.LeadReceivedPayload) (score int, confidence float64, reasoning string) {
	msgLen := len(lead.InitialMessage)
	signal := float64(msgLen)
	if signal > 100 {
		signal = 100
	}

	score = 40 + int(signal*0.3)
	if lead.Urgency == "high" {
		score += 15
	}
	if lead.ContactEmail != "" {
		score += 10
	}
	switch lead.LeadSource {
	case "web", "referral":
		score += 10
	}
	if score > 100 {
		score = 100
	}

	confidence = 0.6 + 0.4*(signal/100)
	if confidence > 0.98 {
		confidence = 0.98
	}

	if msgLen < 20 {
		reasoning = fmt.Sprintf("message too short to qualify (%d chars)", msgLen)
	} else {
		reasoning = fmt.Sprintf("scored %d from source=%s urgency=%s message=%d chars",
			score, lead.LeadSource, lead.Urgency, msgLen)
	}
	return score, confidence, reasoning
}

func tierForScore(score int) string {
	switch {
	case score >= 85:
		return "A"
	case score >= 70:
		return "B"
	default:
		return "C"
	}
}
