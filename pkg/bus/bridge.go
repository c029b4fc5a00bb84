package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/conductor-sh/conductor/pkg/models"
)

// EventFetcher resolves truncated NOTIFY payloads back to full envelopes.
// Implemented by store.EventStore.
type EventFetcher interface {
	GetByEventID(ctx context.Context, eventID string) (*models.Event, error)
}

// Bridge is the distributed plane: it receives the store's insertion stream
// (NOTIFY payloads) and republishes committed events into the local bus.
// On the instance that appended the event, the local publish already marked
// the event id processed, so the bridge delivery deduplicates to a no-op;
// on every other instance it is the first delivery.
type Bridge struct {
	bus     *Bus
	fetcher EventFetcher
}

// NewBridge creates the distributed-plane receiver.
func NewBridge(b *Bus, fetcher EventFetcher) *Bridge {
	return &Bridge{bus: b, fetcher: fetcher}
}

// truncatedNotification is the minimal routing envelope the store emits
// when the full payload exceeds the NOTIFY size limit.
type truncatedNotification struct {
	EventID   string `json:"event_id"`
	Truncated bool   `json:"truncated"`
}

// HandleNotification decodes one NOTIFY payload and publishes it locally.
// Malformed payloads are logged and dropped — the store still holds the
// authoritative row, and consumers can catch up by replay.
func (br *Bridge) HandleNotification(ctx context.Context, payload []byte) {
	var probe truncatedNotification
	if err := json.Unmarshal(payload, &probe); err != nil {
		slog.Warn("Dropping malformed NOTIFY payload", "error", err)
		return
	}
	if probe.EventID == "" {
		slog.Warn("Dropping NOTIFY payload without event_id")
		return
	}

	var event *models.Event
	if probe.Truncated {
		// Oversized payload — fetch the full envelope from the store.
		full, err := br.fetcher.GetByEventID(ctx, probe.EventID)
		if err != nil {
			slog.Error("Failed to fetch truncated event",
				"event_id", probe.EventID, "error", err)
			return
		}
		event = full
	} else {
		event = &models.Event{}
		if err := json.Unmarshal(payload, event); err != nil {
			slog.Warn("Dropping undecodable NOTIFY envelope",
				"event_id", probe.EventID, "error", err)
			return
		}
	}

	if br.bus.Publish(ctx, event) {
		slog.Debug("Bridge republished remote event",
			"event_id", event.EventID, "event_type", event.EventType)
	}
}
