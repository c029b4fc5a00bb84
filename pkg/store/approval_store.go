package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/conductor-sh/conductor/pkg/models"
)

const approvalColumns = `approval_id, event_id, agent_id, request_type, reason, decision_context,
	recommended_action, confidence, urgency, status, timeout_at, resolved_by,
	resolution_notes, resolved_at, created_at`

// ApprovalStore manages the human-in-the-loop approval queue. An approval is
// created exactly once per escalation and resolved exactly once.
type ApprovalStore struct {
	db *sql.DB
}

// NewApprovalStore creates an ApprovalStore over the shared pool.
func NewApprovalStore(db *sql.DB) *ApprovalStore {
	return &ApprovalStore{db: db}
}

// Create persists a new pending approval.
func (s *ApprovalStore) Create(ctx context.Context, a *models.Approval) error {
	if a.ApprovalID == "" {
		return models.NewValidationError("approval_id", "required")
	}
	if a.AgentID == "" {
		return models.NewValidationError("agent_id", "required")
	}
	if a.Status == "" {
		a.Status = models.ApprovalStatusPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	var contextJSON []byte
	if a.DecisionContext != nil {
		var err error
		if contextJSON, err = json.Marshal(a.DecisionContext); err != nil {
			return models.NewValidationError("decision_context", "not serialisable: "+err.Error())
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (approval_id, event_id, agent_id, request_type, reason,
			decision_context, recommended_action, confidence, urgency, status, timeout_at, created_at)
		 VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6, NULLIF($7, ''), $8, NULLIF($9, ''), $10, $11, $12)`,
		a.ApprovalID, a.EventID, a.AgentID, a.RequestType, a.Reason,
		contextJSON, a.RecommendedAction, a.Confidence, a.Urgency, a.Status, a.TimeoutAt, a.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("approval %s: %w", a.ApprovalID, ErrDuplicateEvent)
		}
		return &TransientError{Op: "approval create", Err: err}
	}
	return nil
}

// Get fetches one approval by id.
func (s *ApprovalStore) Get(ctx context.Context, approvalID string) (*models.Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE approval_id = $1`, approvalID)
	if err != nil {
		return nil, &TransientError{Op: "approval get", Err: err}
	}
	defer rows.Close()

	approvals, err := scanApprovals(rows)
	if err != nil {
		return nil, err
	}
	if len(approvals) == 0 {
		return nil, ErrNotFound
	}
	return approvals[0], nil
}

// List returns approvals matching the filter, newest first.
func (s *ApprovalStore) List(ctx context.Context, f models.ApprovalFilter) ([]*models.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE TRUE`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Status != "" {
		query += " AND status = " + arg(string(f.Status))
	}
	if f.AgentID != "" {
		query += " AND agent_id = " + arg(f.AgentID)
	}
	query += " ORDER BY created_at DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT " + arg(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &TransientError{Op: "approval list", Err: err}
	}
	defer rows.Close()

	return scanApprovals(rows)
}

// ListPending returns all pending approvals, oldest first.
func (s *ApprovalStore) ListPending(ctx context.Context) ([]*models.Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE status = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, &TransientError{Op: "approval list pending", Err: err}
	}
	defer rows.Close()

	return scanApprovals(rows)
}

// ListInterrupts returns pending approvals needing CEO attention: confidence
// below the threshold or a decision-context amount above the limit.
func (s *ApprovalStore) ListInterrupts(ctx context.Context, confidenceBelow float64, amountAbove float64) ([]*models.Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals
		 WHERE status = 'pending'
		   AND (confidence < $1
		        OR COALESCE((decision_context->'payload'->>'amount')::numeric,
		                    (decision_context->'payload'->>'total')::numeric, 0) > $2)
		 ORDER BY created_at ASC`,
		confidenceBelow, amountAbove,
	)
	if err != nil {
		return nil, &TransientError{Op: "approval list interrupts", Err: err}
	}
	defer rows.Close()

	return scanApprovals(rows)
}

// Resolve transitions a pending approval to the given decision exactly once.
// A second attempt returns ErrAlreadyResolved; an unknown id ErrNotFound.
func (s *ApprovalStore) Resolve(ctx context.Context, approvalID, decision, resolvedBy, notes string) (*models.Approval, error) {
	var status models.ApprovalStatus
	switch decision {
	case models.DecisionApproved:
		status = models.ApprovalStatusApproved
	case models.DecisionRejected:
		status = models.ApprovalStatusRejected
	default:
		return nil, models.NewValidationError("decision", "must be approved or rejected")
	}
	if resolvedBy == "" {
		return nil, models.NewValidationError("resolved_by", "required")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals
		 SET status = $2, resolved_by = $3, resolution_notes = NULLIF($4, ''), resolved_at = $5
		 WHERE approval_id = $1 AND status = 'pending'`,
		approvalID, status, resolvedBy, notes, time.Now().UTC(),
	)
	if err != nil {
		return nil, &TransientError{Op: "approval resolve", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, &TransientError{Op: "approval resolve", Err: err}
	}
	if affected == 0 {
		// Distinguish "never existed" from "already resolved".
		existing, getErr := s.Get(ctx, approvalID)
		if getErr != nil {
			return nil, getErr
		}
		return existing, fmt.Errorf("approval %s is %s: %w", approvalID, existing.Status, ErrAlreadyResolved)
	}

	return s.Get(ctx, approvalID)
}

// SweepTimeouts transitions pending approvals past their deadline to the
// timeout status and returns them so the caller can emit terminal events.
func (s *ApprovalStore) SweepTimeouts(ctx context.Context, now time.Time) ([]*models.Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE approvals
		 SET status = 'timeout', resolved_at = $1
		 WHERE status = 'pending' AND timeout_at <= $1
		 RETURNING `+approvalColumns,
		now,
	)
	if err != nil {
		return nil, &TransientError{Op: "approval sweep", Err: err}
	}
	defer rows.Close()

	return scanApprovals(rows)
}

// Stats aggregates approval counts per status.
func (s *ApprovalStore) Stats(ctx context.Context) (*models.ApprovalStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM approvals GROUP BY status`)
	if err != nil {
		return nil, &TransientError{Op: "approval stats", Err: err}
	}
	defer rows.Close()

	stats := &models.ApprovalStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, &TransientError{Op: "approval stats", Err: err}
		}
		switch models.ApprovalStatus(status) {
		case models.ApprovalStatusPending:
			stats.Pending = count
		case models.ApprovalStatusApproved:
			stats.Approved = count
		case models.ApprovalStatusRejected:
			stats.Rejected = count
		case models.ApprovalStatusTimeout:
			stats.Timeout = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, &TransientError{Op: "approval stats", Err: err}
	}
	return stats, nil
}

// scanApprovals reads approval rows.
func scanApprovals(rows *sql.Rows) ([]*models.Approval, error) {
	var approvals []*models.Approval
	for rows.Next() {
		var (
			a                 models.Approval
			eventID           sql.NullString
			contextJSON       []byte
			recommendedAction sql.NullString
			urgency           sql.NullString
			resolvedBy        sql.NullString
			resolutionNotes   sql.NullString
			resolvedAt        sql.NullTime
		)
		err := rows.Scan(
			&a.ApprovalID, &eventID, &a.AgentID, &a.RequestType, &a.Reason, &contextJSON,
			&recommendedAction, &a.Confidence, &urgency, &a.Status, &a.TimeoutAt,
			&resolvedBy, &resolutionNotes, &resolvedAt, &a.CreatedAt,
		)
		if err != nil {
			return nil, &TransientError{Op: "approval scan", Err: err}
		}
		a.EventID = eventID.String
		a.RecommendedAction = recommendedAction.String
		a.Urgency = urgency.String
		a.ResolvedBy = resolvedBy.String
		a.ResolutionNotes = resolutionNotes.String
		if resolvedAt.Valid {
			t := resolvedAt.Time
			a.ResolvedAt = &t
		}
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &a.DecisionContext); err != nil {
				return nil, fmt.Errorf("failed to decode decision context of %s: %w", a.ApprovalID, err)
			}
		}
		approvals = append(approvals, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, &TransientError{Op: "approval scan", Err: err}
	}
	return approvals, nil
}
