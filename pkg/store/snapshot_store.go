package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conductor-sh/conductor/pkg/models"
)

// SnapshotStore caches projection state per aggregate so replay can start
// from the snapshot sequence instead of zero. Snapshots are never
// authoritative; a projection can always rebuild from the event stream.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore creates a SnapshotStore over the shared pool.
func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Get returns the snapshot for an aggregate, or ErrNotFound.
func (s *SnapshotStore) Get(ctx context.Context, aggregateType, aggregateID string) (*models.Snapshot, error) {
	var (
		snap      models.Snapshot
		stateJSON []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT aggregate_type, aggregate_id, sequence_number, schema_version, state, updated_at
		 FROM snapshots WHERE aggregate_type = $1 AND aggregate_id = $2`,
		aggregateType, aggregateID,
	).Scan(&snap.AggregateType, &snap.AggregateID, &snap.SequenceNumber, &snap.SchemaVersion, &stateJSON, &snap.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &TransientError{Op: "snapshot get", Err: err}
	}
	if err := json.Unmarshal(stateJSON, &snap.State); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot state: %w", err)
	}
	return &snap, nil
}

// ListByType returns every snapshot for one aggregate type, for projection
// warm start.
func (s *SnapshotStore) ListByType(ctx context.Context, aggregateType string) ([]*models.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT aggregate_type, aggregate_id, sequence_number, schema_version, state, updated_at
		 FROM snapshots WHERE aggregate_type = $1 ORDER BY aggregate_id`,
		aggregateType)
	if err != nil {
		return nil, &TransientError{Op: "snapshot list", Err: err}
	}
	defer rows.Close()

	var snaps []*models.Snapshot
	for rows.Next() {
		var (
			snap      models.Snapshot
			stateJSON []byte
		)
		if err := rows.Scan(&snap.AggregateType, &snap.AggregateID, &snap.SequenceNumber,
			&snap.SchemaVersion, &stateJSON, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		if err := json.Unmarshal(stateJSON, &snap.State); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot state: %w", err)
		}
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}

// Put upserts a snapshot. A newer sequence number wins; stale writes from a
// lagging replica are silently dropped.
func (s *SnapshotStore) Put(ctx context.Context, snap *models.Snapshot) error {
	stateJSON, err := json.Marshal(snap.State)
	if err != nil {
		return models.NewValidationError("state", "not serialisable: "+err.Error())
	}
	if snap.SchemaVersion <= 0 {
		snap.SchemaVersion = 1
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (aggregate_type, aggregate_id, sequence_number, schema_version, state, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (aggregate_type, aggregate_id) DO UPDATE
		 SET sequence_number = EXCLUDED.sequence_number,
		     schema_version = EXCLUDED.schema_version,
		     state = EXCLUDED.state,
		     updated_at = EXCLUDED.updated_at
		 WHERE snapshots.sequence_number < EXCLUDED.sequence_number
		    OR snapshots.schema_version <> EXCLUDED.schema_version`,
		snap.AggregateType, snap.AggregateID, snap.SequenceNumber, snap.SchemaVersion,
		stateJSON, time.Now().UTC(),
	)
	if err != nil {
		return &TransientError{Op: "snapshot put", Err: err}
	}
	return nil
}
