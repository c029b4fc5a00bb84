package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/conductor-sh/conductor/pkg/models"
)

// listApprovalsHandler handles GET /api/approvals?status=&agent_id=&limit=.
// Without a status filter it returns the pending queue, oldest first.
func (s *Server) listApprovalsHandler(c *gin.Context) {
	filter := models.ApprovalFilter{
		Status:  models.ApprovalStatusPending,
		AgentID: c.Query("agent_id"),
	}
	if v := c.Query("status"); v != "" {
		status := models.ApprovalStatus(v)
		if !models.ValidApprovalStatus(status) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status: " + v})
			return
		}
		filter.Status = status
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = n
	}

	approvals, err := s.approvals.List(c.Request.Context(), filter)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, ApprovalListResponse{Count: len(approvals), Approvals: approvals})
}

// resolveApprovalHandler handles POST /api/approvals/:id/resolve. Resolution
// is exactly-once: a second attempt returns 409 without changing state.
func (s *Server) resolveApprovalHandler(c *gin.Context) {
	approvalID := c.Param("id")

	var req ResolveApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Decision != models.DecisionApproved && req.Decision != models.DecisionRejected {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid decision: must be approved or rejected"})
		return
	}
	if req.ResolvedBy == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resolved_by is required"})
		return
	}

	approval, err := s.approvals.Resolve(c.Request.Context(), approvalID, req.Decision, req.ResolvedBy, req.Notes)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}

	// A human decision is itself an event: record the override so agents
	// downstream can act on it.
	event := models.NewEvent(models.EventHumanOverride, models.AggregateSystem, "approvals",
		map[string]any{
			"approval_id": approval.ApprovalID,
			"decision":    req.Decision,
			"resolved_by": req.ResolvedBy,
			"notes":       req.Notes,
		},
		"human:"+req.ResolvedBy, 1.0, false)
	if approval.EventID != "" {
		event.CausationID = approval.EventID
	}
	if _, err := s.events.Append(c.Request.Context(), event); err != nil {
		// The approval row already transitioned; report the resolution and
		// let the caller retry the audit trail separately.
		abortWithStoreError(c, err)
		return
	}
	s.bus.Publish(c.Request.Context(), event)

	c.JSON(http.StatusOK, approval)
}

// approvalStatsHandler handles GET /api/approvals/stats.
func (s *Server) approvalStatsHandler(c *gin.Context) {
	stats, err := s.approvals.Stats(c.Request.Context())
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ceoInterruptsHandler handles GET /api/ceo/interrupts — pending approvals
// that clear the interrupt bar: low confidence or a large amount at stake.
func (s *Server) ceoInterruptsHandler(c *gin.Context) {
	approvals, err := s.approvals.ListInterrupts(c.Request.Context(),
		s.cfg.InterruptConfidenceBelow, s.cfg.InterruptAmountAbove)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, ApprovalListResponse{Count: len(approvals), Approvals: approvals})
}
