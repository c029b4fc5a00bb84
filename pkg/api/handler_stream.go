package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/conductor-sh/conductor/pkg/bus"
	"github.com/conductor-sh/conductor/pkg/models"
)

const (
	// sseKeepAliveInterval is how often an idle stream sends a comment frame.
	sseKeepAliveInterval = 30 * time.Second

	// sseClientBuffer bounds the per-client delivery channel. A client that
	// cannot keep up loses frames; the store remains the durable record and
	// the client reconnects with last_event_id.
	sseClientBuffer = 256

	// sseCatchupLimit bounds how many missed events a reconnect replays.
	sseCatchupLimit = 500
)

// Stream roles.
const (
	RoleCEO      = "ceo"
	RoleEmployee = "employee"
	RoleClient   = "client"
)

// employeeEventTypes is the fixed set of operational events an employee
// sees on the stream.
var employeeEventTypes = map[string]bool{
	models.EventLeadReceived:      true,
	models.EventLeadQualified:     true,
	models.EventMeetingScheduled:  true,
	models.EventMeetingCompleted:  true,
	models.EventTaskCreated:       true,
	models.EventTaskAssigned:      true,
	models.EventTaskCompleted:     true,
	models.EventProjectStarted:    true,
	models.EventProjectAtRisk:     true,
	models.EventProjectCompleted:  true,
}

// streamFrame is the SSE data frame shape.
type streamFrame struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// streamHandler handles GET /api/events/stream. Every connected client gets
// a wildcard bus subscription filtered by role; unauthenticated clients stay
// connected but receive only keep-alives.
func (s *Server) streamHandler(c *gin.Context) {
	role := c.Query("role")
	userID := c.Query("userId")
	clientID := uuid.New().String()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	writeSSE(c.Writer, map[string]any{"type": "connected", "clientId": clientID})
	flusher.Flush()

	// Reconnect catch-up: replay missed rows from the store before going
	// live. Duplicates across the boundary are possible — at-least-once.
	if v := c.Query("last_event_id"); v != "" {
		sinceID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeSSE(c.Writer, map[string]any{"type": "error", "error": "invalid last_event_id"})
			flusher.Flush()
			return
		}
		missed, err := s.events.GetEventsSince(c.Request.Context(), sinceID, sseCatchupLimit)
		if err != nil {
			slog.Error("SSE catch-up query failed", "client_id", clientID, "error", err)
		}
		for _, event := range missed {
			if visibleToRole(role, userID, event) {
				writeSSE(c.Writer, frameFor(event))
			}
		}
		flusher.Flush()
	}

	deliveries := make(chan *models.Event, sseClientBuffer)
	subID := s.bus.Subscribe("sse:"+clientID, bus.SubscriptionFilter{},
		func(ctx context.Context, event *models.Event) error {
			select {
			case deliveries <- event:
			default: // slow client, frame lost; reconnect replays from the store
			}
			return nil
		})
	defer s.bus.Unsubscribe(subID)

	slog.Info("SSE client connected", "client_id", clientID, "role", role)
	defer slog.Info("SSE client disconnected", "client_id", clientID)

	keepAlive := time.NewTicker(sseKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(c.Writer, ": keep-alive\n\n")
			flusher.Flush()
		case event := <-deliveries:
			if !visibleToRole(role, userID, event) {
				continue
			}
			writeSSE(c.Writer, frameFor(event))
			flusher.Flush()
		}
	}
}

// visibleToRole applies the stream's role-based filter: CEO sees all,
// employees see the fixed operational set, clients see only their own
// aggregate, everyone else sees nothing.
func visibleToRole(role, userID string, event *models.Event) bool {
	switch role {
	case RoleCEO:
		return true
	case RoleEmployee:
		return employeeEventTypes[event.EventType]
	case RoleClient:
		if userID == "" {
			return false
		}
		if event.AggregateID == userID {
			return true
		}
		clientID, _ := event.PayloadString("client_id")
		return clientID == userID
	default:
		return false
	}
}

func frameFor(event *models.Event) streamFrame {
	return streamFrame{
		ID:        event.EventID,
		Type:      event.EventType,
		Timestamp: event.Timestamp,
		Data: map[string]any{
			"aggregate_id": event.AggregateID,
			"emitted_by":   event.EmittedBy,
			"payload":      event.Payload,
			"db_event_id":  event.GlobalID,
		},
	}
}

func writeSSE(w http.ResponseWriter, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal SSE frame", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", raw)
}
