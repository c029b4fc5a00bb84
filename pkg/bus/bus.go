// Package bus implements the in-process event dispatcher and its
// cross-instance bridge over PostgreSQL NOTIFY/LISTEN.
//
// Delivery contract: at-least-once. Every publish path first records the
// event id in a bounded processed-set; the distributed receiver checks the
// set and drops duplicates, so each local handler sees a given event id at
// most once per process. The store remains the authoritative history —
// consumers that miss events replay from their last processed sequence.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/conductor-sh/conductor/pkg/models"
)

// Handler consumes one delivered event. Errors are isolated per handler:
// they are logged with the subscription id and never affect other handlers
// or the publish path.
type Handler func(ctx context.Context, event *models.Event) error

// SubscriptionFilter narrows which events a subscription receives. A zero
// filter matches everything (wildcard).
type SubscriptionFilter struct {
	EventTypes    []string
	AggregateType string
	AggregateID   string
}

const (
	// queueSize bounds each subscriber's delivery queue. Overflow drops the
	// oldest queued event and counts the drop.
	queueSize = 1024

	// handlerTimeout is the per-delivery deadline propagated to handlers.
	handlerTimeout = 30 * time.Second

	// dropNotifyEvery throttles overflow notifications: the drop callback
	// fires on the first drop and then once per this many drops.
	dropNotifyEvery = 100
)

// subscription is a long-lived record owned by the bus. The bus holds a
// reference, not a copy; the handler may close over subscriber state.
type subscription struct {
	id      string
	label   string
	filter  SubscriptionFilter
	typeSet map[string]bool
	handler Handler

	queue   chan *models.Event
	dropped atomic.Uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

func (s *subscription) matches(e *models.Event) bool {
	if len(s.typeSet) > 0 && !s.typeSet[e.EventType] {
		return false
	}
	if s.filter.AggregateType != "" && s.filter.AggregateType != e.AggregateType {
		return false
	}
	if s.filter.AggregateID != "" && s.filter.AggregateID != e.AggregateID {
		return false
	}
	return true
}

// Counters exposes bus activity for the health endpoint.
type Counters struct {
	Published     uint64 `json:"published"`
	Delivered     uint64 `json:"delivered"`
	Deduplicated  uint64 `json:"deduplicated"`
	Dropped       uint64 `json:"dropped"`
	Blocked       uint64 `json:"blocked"`
	Subscriptions int    `json:"subscriptions"`
	HistorySize   int    `json:"history_size"`
}

// Bus is the local dispatch plane. One instance per process, owned by the
// engine root and passed through constructors.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscription

	processed *ProcessedSet
	history   *HistoryRing
	blocked   *ProcessedSet // sentinel set for blocked event ids

	published    atomic.Uint64
	delivered    atomic.Uint64
	deduplicated atomic.Uint64
	droppedTotal atomic.Uint64
	blockedCount atomic.Uint64

	// onDrop is invoked (throttled) when a subscriber queue overflows, so
	// the runtime can surface the loss as a RISK_DETECTED event.
	onDrop func(subscriptionID, label string, dropped uint64)

	// onHandlerFailure is invoked when a handler errors or panics.
	onHandlerFailure func(subscriptionID, label string, event *models.Event, err error)

	closed atomic.Bool
}

// New creates a Bus with default ring bounds.
func New() *Bus {
	return &Bus{
		subs:      make(map[string]*subscription),
		processed: NewProcessedSet(processedSetSize),
		history:   NewHistoryRing(historySize),
		blocked:   NewProcessedSet(1024),
	}
}

// SetDropNotifier registers the overflow callback. Called once at wiring.
func (b *Bus) SetDropNotifier(fn func(subscriptionID, label string, dropped uint64)) {
	b.onDrop = fn
}

// SetHandlerFailureNotifier registers the handler failure callback.
func (b *Bus) SetHandlerFailureNotifier(fn func(subscriptionID, label string, event *models.Event, err error)) {
	b.onHandlerFailure = fn
}

// Subscribe registers a handler with an arbitrary filter and returns the
// subscription id. The handler runs on its own goroutine; delivery order
// matches publish order per subscription.
func (b *Bus) Subscribe(label string, filter SubscriptionFilter, handler Handler) string {
	sub := &subscription{
		id:      uuid.New().String(),
		label:   label,
		filter:  filter,
		handler: handler,
		queue:   make(chan *models.Event, queueSize),
		done:    make(chan struct{}),
	}
	if len(filter.EventTypes) > 0 {
		sub.typeSet = make(map[string]bool, len(filter.EventTypes))
		for _, t := range filter.EventTypes {
			sub.typeSet[t] = true
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub.cancel = cancel

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go b.runSubscriber(ctx, sub)

	slog.Debug("Subscription registered", "subscription_id", sub.id, "label", label)
	return sub.id
}

// SubscribeType registers a handler for a single event type.
func (b *Bus) SubscribeType(eventType, label string, handler Handler) string {
	return b.Subscribe(label, SubscriptionFilter{EventTypes: []string{eventType}}, handler)
}

// SubscribeAggregate registers a handler for one aggregate's stream.
func (b *Bus) SubscribeAggregate(aggregateType, aggregateID, label string, handler Handler) string {
	return b.Subscribe(label, SubscriptionFilter{AggregateType: aggregateType, AggregateID: aggregateID}, handler)
}

// Unsubscribe removes a subscription and stops its delivery goroutine.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	sub.cancel()
	<-sub.done
}

// Publish records the event in the processed-set and fans it out to every
// matching subscription. Returns false if the event id was already
// processed on this instance (duplicate) or is blocked.
//
// Publish never blocks on a slow consumer: each subscriber queue is bounded
// and overflow drops the oldest queued event.
func (b *Bus) Publish(ctx context.Context, e *models.Event) bool {
	if b.closed.Load() {
		return false
	}
	if !b.processed.Mark(e.EventID) {
		b.deduplicated.Add(1)
		return false
	}
	if b.blocked.Contains(e.EventID) {
		b.blockedCount.Add(1)
		slog.Warn("Blocked event suppressed", "event_id", e.EventID, "event_type", e.EventType)
		return false
	}

	b.published.Add(1)
	b.history.Append(e)

	b.mu.RLock()
	matching := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(e) {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matching {
		b.enqueue(sub, e)
	}
	return true
}

// Block marks an event id so any future publish of it is suppressed.
// Reserved for safety violations flagged by oversight.
func (b *Bus) Block(eventID string) {
	b.blocked.Mark(eventID)
}

// enqueue delivers to one subscriber queue, dropping the oldest entry on
// overflow so publish stays O(1) and never blocks.
func (b *Bus) enqueue(sub *subscription, e *models.Event) {
	for {
		select {
		case sub.queue <- e:
			return
		default:
		}
		// Queue full — evict the oldest and retry.
		select {
		case <-sub.queue:
			dropped := sub.dropped.Add(1)
			b.droppedTotal.Add(1)
			if dropped == 1 || dropped%dropNotifyEvery == 0 {
				slog.Warn("Subscriber queue overflow, dropping oldest event",
					"subscription_id", sub.id, "label", sub.label, "dropped", dropped)
				if b.onDrop != nil {
					b.onDrop(sub.id, sub.label, dropped)
				}
			}
		default:
		}
	}
}

// runSubscriber is the per-subscription delivery loop. Each handler runs to
// completion independently with panic isolation and a per-delivery deadline.
func (b *Bus) runSubscriber(ctx context.Context, sub *subscription) {
	defer close(sub.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sub.queue:
			b.invoke(ctx, sub, e)
		}
	}
}

// invoke calls the handler with panic recovery. A failure is logged with
// the subscription id and reported to the failure notifier; it never
// prevents other handlers from receiving the event.
func (b *Bus) invoke(ctx context.Context, sub *subscription, e *models.Event) {
	deliveryCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic: %v", r)
			slog.Error("Subscriber handler panicked",
				"subscription_id", sub.id, "label", sub.label,
				"event_id", e.EventID, "event_type", e.EventType, "panic", r)
			if b.onHandlerFailure != nil {
				b.onHandlerFailure(sub.id, sub.label, e, err)
			}
		}
	}()

	if err := sub.handler(deliveryCtx, e); err != nil {
		slog.Error("Subscriber handler failed",
			"subscription_id", sub.id, "label", sub.label,
			"event_id", e.EventID, "event_type", e.EventType, "error", err)
		if b.onHandlerFailure != nil {
			b.onHandlerFailure(sub.id, sub.label, e, err)
		}
		b.delivered.Add(1)
		return
	}
	b.delivered.Add(1)
}

// History returns the most recent envelopes (newest last). Debug aid, not
// authoritative.
func (b *Bus) History() []*models.Event {
	return b.history.Snapshot()
}

// Counters returns current bus activity counters.
func (b *Bus) Counters() Counters {
	b.mu.RLock()
	subCount := len(b.subs)
	b.mu.RUnlock()
	return Counters{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Deduplicated:  b.deduplicated.Load(),
		Dropped:       b.droppedTotal.Load(),
		Blocked:       b.blockedCount.Load(),
		Subscriptions: subCount,
		HistorySize:   b.history.Len(),
	}
}

// Close stops all subscriptions. Publish becomes a no-op.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
}
