// Package store implements the durable append-only event log, snapshots,
// and the approval queue on PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/conductor-sh/conductor/pkg/models"
)

// NotifyChannel is the PostgreSQL NOTIFY channel every append broadcasts on.
// All replicas LISTEN here; the bus deduplicates self-deliveries.
const NotifyChannel = "conductor_events"

// appendMaxRetries bounds the optimistic-concurrency retry loop in Append.
const appendMaxRetries = 5

// notifyPayloadLimit keeps NOTIFY payloads under PostgreSQL's 8000-byte
// limit, with headroom for quoting overhead.
const notifyPayloadLimit = 7900

const eventColumns = `id, event_id, event_type, aggregate_type, aggregate_id, sequence_number,
	correlation_id, causation_id, payload, metadata, emitted_by, confidence,
	requires_human, timestamp, created_at`

// EventStore is the append-only log. Append is the only write path; events
// are never updated or deleted.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates an EventStore over the shared pool.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// Append validates the envelope, assigns the next per-aggregate sequence
// number, persists the event, and broadcasts it via NOTIFY — all in one
// transaction (pg_notify is transactional, held until COMMIT). A concurrent
// append on the same aggregate surfaces as a version conflict, which Append
// retries internally up to appendMaxRetries before giving up.
//
// On success the envelope's SequenceNumber, GlobalID, and CreatedAt are
// populated and the assigned sequence number is returned.
func (s *EventStore) Append(ctx context.Context, e *models.Event) (int64, error) {
	if err := models.Validate(e); err != nil {
		return 0, err
	}

	var lastErr error
	for attempt := 0; attempt < appendMaxRetries; attempt++ {
		seq, err := s.appendOnce(ctx, e)
		if err == nil {
			return seq, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return 0, err
		}
		lastErr = err
		slog.Debug("Append raced on aggregate stream, retrying",
			"aggregate_type", e.AggregateType,
			"aggregate_id", e.AggregateID,
			"attempt", attempt+1)
	}
	return 0, fmt.Errorf("append exhausted %d retries: %w", appendMaxRetries, lastErr)
}

// appendOnce performs a single transactional append attempt.
func (s *EventStore) appendOnce(ctx context.Context, e *models.Event) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &TransientError{Op: "append", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	// The causation graph must reference already-appended events.
	if e.CausationID != "" {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM events WHERE event_id = $1)`, e.CausationID,
		).Scan(&exists)
		if err != nil {
			return 0, &TransientError{Op: "append", Err: err}
		}
		if !exists {
			return 0, fmt.Errorf("%w: %s", ErrUnknownCausation, e.CausationID)
		}
	}

	// Next sequence for this aggregate stream. The unique constraint on
	// (aggregate_type, aggregate_id, sequence_number) catches the race
	// between two appends reading the same max.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM events
		 WHERE aggregate_type = $1 AND aggregate_id = $2`,
		e.AggregateType, e.AggregateID,
	).Scan(&seq)
	if err != nil {
		return 0, &TransientError{Op: "append", Err: err}
	}

	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return 0, models.NewValidationError("payload", "not serialisable: "+err.Error())
	}
	var metadataJSON []byte
	if e.Metadata != nil {
		if metadataJSON, err = json.Marshal(e.Metadata); err != nil {
			return 0, models.NewValidationError("metadata", "not serialisable: "+err.Error())
		}
	}

	createdAt := time.Now().UTC()
	var globalID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (event_id, event_type, aggregate_type, aggregate_id, sequence_number,
			correlation_id, causation_id, payload, metadata, emitted_by, confidence,
			requires_human, timestamp, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10, $11, $12, $13, $14)
		 RETURNING id`,
		e.EventID, e.EventType, e.AggregateType, e.AggregateID, seq,
		e.CorrelationID, e.CausationID, payloadJSON, metadataJSON, e.EmittedBy,
		e.Confidence, e.RequiresHuman, e.Timestamp, createdAt,
	).Scan(&globalID)
	if err != nil {
		return 0, mapInsertError(err)
	}

	e.SequenceNumber = seq
	e.GlobalID = globalID
	e.CreatedAt = createdAt

	// Broadcast in the same transaction so replicas only ever see committed
	// events, exactly once per commit.
	notifyPayload, err := buildNotifyPayload(e)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, notifyPayload); err != nil {
		return 0, &TransientError{Op: "append notify", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return 0, &TransientError{Op: "append commit", Err: err}
	}
	return seq, nil
}

// mapInsertError classifies a unique-constraint violation by the constraint
// that fired: the per-aggregate sequence index means a lost race (retryable),
// the event_id index means a duplicate envelope.
func mapInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if strings.Contains(pgErr.ConstraintName, "aggregate_sequence") {
			return ErrVersionConflict
		}
		return ErrDuplicateEvent
	}
	return &TransientError{Op: "append insert", Err: err}
}

// Query returns events matching the filter, ordered by global sequence
// ascending. A zero filter returns everything up to the default page size.
func (s *EventStore) Query(ctx context.Context, f models.EventFilter) ([]*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE TRUE`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.EventTypes) > 0 {
		placeholders := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			placeholders[i] = arg(t)
		}
		query += " AND event_type IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if f.AggregateType != "" {
		query += " AND aggregate_type = " + arg(f.AggregateType)
	}
	if f.AggregateID != "" {
		query += " AND aggregate_id = " + arg(f.AggregateID)
	}
	if f.EmittedBy != "" {
		query += " AND emitted_by = " + arg(f.EmittedBy)
	}
	if f.CorrelationID != "" {
		query += " AND correlation_id = " + arg(f.CorrelationID)
	}
	if f.Since != nil {
		query += " AND timestamp >= " + arg(*f.Since)
	}
	if f.Until != nil {
		query += " AND timestamp <= " + arg(*f.Until)
	}
	if f.RequiresHuman != nil {
		query += " AND requires_human = " + arg(*f.RequiresHuman)
	}

	query += " ORDER BY id ASC"

	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += " LIMIT " + arg(limit)
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &TransientError{Op: "query", Err: err}
	}
	defer rows.Close()

	return scanEvents(rows)
}

// StreamAggregate returns the ordered event stream of one aggregate starting
// after fromSequence (exclusive). Used for replay; ordering matches append
// order exactly.
func (s *EventStore) StreamAggregate(ctx context.Context, aggregateType, aggregateID string, fromSequence int64) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE aggregate_type = $1 AND aggregate_id = $2 AND sequence_number > $3
		 ORDER BY sequence_number ASC`,
		aggregateType, aggregateID, fromSequence,
	)
	if err != nil {
		return nil, &TransientError{Op: "stream_aggregate", Err: err}
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetByEventID fetches a single event by its globally unique id.
func (s *EventStore) GetByEventID(ctx context.Context, eventID string) (*models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, &TransientError{Op: "get_by_event_id", Err: err}
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events[0], nil
}

// GetEventsSince returns events with a global id greater than sinceID, in
// global order. Used by the SSE catch-up path; limit caps the page.
func (s *EventStore) GetEventsSince(ctx context.Context, sinceID int64, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id > $1 ORDER BY id ASC LIMIT $2`,
		sinceID, limit,
	)
	if err != nil {
		return nil, &TransientError{Op: "get_events_since", Err: err}
	}
	defer rows.Close()

	return scanEvents(rows)
}

// scanEvents reads event rows into envelopes.
func scanEvents(rows *sql.Rows) ([]*models.Event, error) {
	var events []*models.Event
	for rows.Next() {
		var (
			e             models.Event
			correlationID sql.NullString
			causationID   sql.NullString
			payloadJSON   []byte
			metadataJSON  []byte
		)
		err := rows.Scan(
			&e.GlobalID, &e.EventID, &e.EventType, &e.AggregateType, &e.AggregateID,
			&e.SequenceNumber, &correlationID, &causationID, &payloadJSON, &metadataJSON,
			&e.EmittedBy, &e.Confidence, &e.RequiresHuman, &e.Timestamp, &e.CreatedAt,
		)
		if err != nil {
			return nil, &TransientError{Op: "scan", Err: err}
		}
		e.CorrelationID = correlationID.String
		e.CausationID = causationID.String
		if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of %s: %w", e.EventID, err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of %s: %w", e.EventID, err)
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, &TransientError{Op: "scan", Err: err}
	}
	return events, nil
}

// buildNotifyPayload marshals the envelope for NOTIFY delivery. Payloads
// over the PostgreSQL limit are replaced by a minimal truncation envelope
// carrying only routing fields; receivers fetch the full event by id.
func buildNotifyPayload(e *models.Event) (string, error) {
	full, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal NOTIFY payload: %w", err)
	}
	if len(full) <= notifyPayloadLimit {
		return string(full), nil
	}

	truncated, err := json.Marshal(map[string]any{
		"event_id":       e.EventID,
		"event_type":     e.EventType,
		"aggregate_type": e.AggregateType,
		"aggregate_id":   e.AggregateID,
		"db_event_id":    e.GlobalID,
		"truncated":      true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated NOTIFY payload: %w", err)
	}
	return string(truncated), nil
}
