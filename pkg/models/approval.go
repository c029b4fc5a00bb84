package models

import "time"

// ApprovalStatus is the lifecycle state of a pending human decision.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusTimeout  ApprovalStatus = "timeout"
)

// ValidApprovalStatus reports whether s is a known lifecycle state.
func ValidApprovalStatus(s ApprovalStatus) bool {
	switch s {
	case ApprovalStatusPending, ApprovalStatusApproved, ApprovalStatusRejected, ApprovalStatusTimeout:
		return true
	}
	return false
}

// Decision values a human may submit when resolving an approval.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Approval is a pending human-in-the-loop decision materialised by an
// escalation. Created exactly once per escalated event, resolved exactly once.
type Approval struct {
	ApprovalID        string         `json:"approval_id"`
	EventID           string         `json:"event_id,omitempty"` // triggering event, nullable
	AgentID           string         `json:"agent_id"`
	RequestType       string         `json:"request_type"`
	Reason            string         `json:"reason"`
	DecisionContext   map[string]any `json:"decision_context,omitempty"`
	RecommendedAction string         `json:"recommended_action,omitempty"`
	Confidence        float64        `json:"confidence"`
	Urgency           string         `json:"urgency,omitempty"`
	Status            ApprovalStatus `json:"status"`
	TimeoutAt         time.Time      `json:"timeout_at"`
	ResolvedBy        string         `json:"resolved_by,omitempty"`
	ResolutionNotes   string         `json:"resolution_notes,omitempty"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// ApprovalStats aggregates approvals per status.
type ApprovalStats struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	Timeout  int `json:"timeout"`
	Total    int `json:"total"`
}
