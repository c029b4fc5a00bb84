// Package projection folds the event stream into queryable read models.
// Projections are pure fold functions keyed by aggregate id; their state is
// a rebuildable cache, never authoritative.
package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/conductor-sh/conductor/pkg/bus"
	"github.com/conductor-sh/conductor/pkg/models"
	"github.com/conductor-sh/conductor/pkg/store"
)

// replayBatchSize pages the replay query.
const replayBatchSize = 1000

// Projection is a pure fold over the event stream. Apply must be
// deterministic: replaying the same events in order yields the same state.
type Projection interface {
	// Name identifies the projection in logs and subscriptions.
	Name() string

	// AggregateType is the aggregate the projection keys its state by.
	AggregateType() string

	// EventTypes lists the event types the projection folds.
	EventTypes() []string

	// SchemaVersion invalidates persisted snapshots: a stored snapshot with
	// a different version is discarded and the aggregate replayed in full.
	SchemaVersion() int

	// InitialState is the state of an aggregate before its first event.
	InitialState() map[string]any

	// Apply folds one event into the state and returns the new state.
	Apply(event *models.Event, state map[string]any) map[string]any
}

// Engine runs one projection: snapshot warm start, replay from the store,
// then live application from the bus.
type Engine struct {
	projection Projection
	events     *store.EventStore
	snapshots  *store.SnapshotStore
	bus        *bus.Bus

	mu      sync.RWMutex
	states  map[string]map[string]any
	lastSeq map[string]int64
	subID   string
}

// NewEngine creates the engine for one projection. snapshots may be nil to
// disable warm start and persistence.
func NewEngine(p Projection, events *store.EventStore, snapshots *store.SnapshotStore, b *bus.Bus) *Engine {
	return &Engine{
		projection: p,
		events:     events,
		snapshots:  snapshots,
		bus:        b,
		states:     make(map[string]map[string]any),
		lastSeq:    make(map[string]int64),
	}
}

// Initialize warm-starts from snapshots where available, replays the store
// for the projection's event types, and subscribes to the live bus.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if err := e.warmStartLocked(ctx); err != nil {
		e.mu.Unlock()
		return err
	}
	if err := e.replayLocked(ctx); err != nil {
		e.mu.Unlock()
		return err
	}
	aggregates := len(e.states)
	e.mu.Unlock()

	e.subID = e.bus.Subscribe("projection:"+e.projection.Name(),
		bus.SubscriptionFilter{EventTypes: e.projection.EventTypes()},
		func(ctx context.Context, event *models.Event) error {
			e.apply(event)
			return nil
		})

	slog.Info("Projection initialized",
		"projection", e.projection.Name(), "aggregates", aggregates)
	return nil
}

// Rebuild clears all state and replays the full stream from sequence zero,
// ignoring snapshots.
func (e *Engine) Rebuild(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states = make(map[string]map[string]any)
	e.lastSeq = make(map[string]int64)
	if err := e.replayLocked(ctx); err != nil {
		return err
	}
	slog.Info("Projection rebuilt",
		"projection", e.projection.Name(), "aggregates", len(e.states))
	return nil
}

// Close removes the live subscription.
func (e *Engine) Close() {
	if e.subID != "" {
		e.bus.Unsubscribe(e.subID)
		e.subID = ""
	}
}

// State returns the state of one aggregate, or false when the projection has
// never seen it.
func (e *Engine) State(aggregateID string) (map[string]any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.states[aggregateID]
	if !ok {
		return nil, false
	}
	return cloneState(state), true
}

// States returns every aggregate state matching the predicate. A nil
// predicate matches everything.
func (e *Engine) States(match func(aggregateID string, state map[string]any) bool) map[string]map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]map[string]any)
	for id, state := range e.states {
		if match == nil || match(id, state) {
			out[id] = cloneState(state)
		}
	}
	return out
}

// SaveSnapshots persists every aggregate's current state at its last applied
// sequence. No-op when snapshot persistence is disabled.
func (e *Engine) SaveSnapshots(ctx context.Context) error {
	if e.snapshots == nil {
		return nil
	}
	e.mu.RLock()
	snaps := make([]*models.Snapshot, 0, len(e.states))
	for id, state := range e.states {
		seq, ok := e.lastSeq[id]
		if !ok || seq == 0 {
			continue
		}
		snaps = append(snaps, &models.Snapshot{
			AggregateType:  e.projection.AggregateType(),
			AggregateID:    id,
			SequenceNumber: seq,
			SchemaVersion:  e.projection.SchemaVersion(),
			State:          cloneState(state),
		})
	}
	e.mu.RUnlock()

	for _, snap := range snaps {
		if err := e.snapshots.Put(ctx, snap); err != nil {
			return fmt.Errorf("failed to save snapshot for %s/%s: %w",
				snap.AggregateType, snap.AggregateID, err)
		}
	}
	return nil
}

// warmStartLocked seeds state from persisted snapshots. Snapshots from a
// different schema version are discarded; those aggregates replay in full.
func (e *Engine) warmStartLocked(ctx context.Context) error {
	if e.snapshots == nil {
		return nil
	}
	snaps, err := e.snapshots.ListByType(ctx, e.projection.AggregateType())
	if err != nil {
		return fmt.Errorf("failed to load snapshots: %w", err)
	}
	for _, snap := range snaps {
		if snap.SchemaVersion != e.projection.SchemaVersion() {
			slog.Warn("Discarding snapshot with stale schema version",
				"projection", e.projection.Name(),
				"aggregate_id", snap.AggregateID,
				"snapshot_version", snap.SchemaVersion,
				"current_version", e.projection.SchemaVersion())
			continue
		}
		e.states[snap.AggregateID] = snap.State
		e.lastSeq[snap.AggregateID] = snap.SequenceNumber
	}
	return nil
}

// replayLocked folds the stored events for the projection's types, in global
// order, skipping events at or below each aggregate's warm-start sequence.
func (e *Engine) replayLocked(ctx context.Context) error {
	offset := 0
	for {
		batch, err := e.events.Query(ctx, models.EventFilter{
			EventTypes: e.projection.EventTypes(),
			Limit:      replayBatchSize,
			Offset:     offset,
		})
		if err != nil {
			return fmt.Errorf("failed to replay %s: %w", e.projection.Name(), err)
		}
		for _, event := range batch {
			e.applyLocked(event)
		}
		if len(batch) < replayBatchSize {
			return nil
		}
		offset += len(batch)
	}
}

func (e *Engine) apply(event *models.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyLocked(event)
}

func (e *Engine) applyLocked(event *models.Event) {
	id := event.AggregateID
	if event.AggregateType == e.projection.AggregateType() &&
		event.SequenceNumber > 0 && event.SequenceNumber <= e.lastSeq[id] {
		return // already folded into the snapshot
	}

	state, ok := e.states[id]
	if !ok {
		state = e.projection.InitialState()
	}
	e.states[id] = e.projection.Apply(event, state)
	if event.AggregateType == e.projection.AggregateType() && event.SequenceNumber > e.lastSeq[id] {
		e.lastSeq[id] = event.SequenceNumber
	}
}

func cloneState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}
