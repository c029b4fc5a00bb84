package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/conductor-sh/conductor/pkg/models"
)

// ingestEmitter identifies events injected through the HTTP surface.
const ingestEmitter = "api:ingest"

// ingestEventHandler handles POST /api/events.
func (s *Server) ingestEventHandler(c *gin.Context) {
	var req IngestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	emittedBy := req.EmittedBy
	if emittedBy == "" {
		emittedBy = ingestEmitter
	}
	confidence := 1.0
	if req.Confidence != nil {
		confidence = *req.Confidence
	}

	event := models.NewEvent(req.EventType, req.AggregateType, req.AggregateID,
		req.Payload, emittedBy, confidence, req.RequiresHuman)
	event.Metadata = req.Metadata
	if req.CorrelationID != "" {
		event.CorrelationID = req.CorrelationID
	}
	if req.CausationID != "" {
		event.CausationID = req.CausationID
	}

	if _, err := s.events.Append(c.Request.Context(), event); err != nil {
		abortWithStoreError(c, err)
		return
	}
	s.bus.Publish(c.Request.Context(), event)

	c.JSON(http.StatusAccepted, IngestEventResponse{
		EventID:        event.EventID,
		SequenceNumber: event.SequenceNumber,
		CorrelationID:  event.CorrelationID,
	})
}

// queryEventsHandler handles POST /api/events/query.
func (s *Server) queryEventsHandler(c *gin.Context) {
	var req QueryEventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	filter := models.EventFilter{
		EventTypes:    req.EventTypes,
		AggregateType: req.AggregateType,
		AggregateID:   req.AggregateID,
		EmittedBy:     req.EmittedBy,
		CorrelationID: req.CorrelationID,
		RequiresHuman: req.RequiresHuman,
		Limit:         req.Limit,
		Offset:        req.Offset,
	}
	if req.Since != "" {
		t, err := time.Parse(time.RFC3339, req.Since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since: must be RFC3339"})
			return
		}
		filter.Since = &t
	}
	if req.Until != "" {
		t, err := time.Parse(time.RFC3339, req.Until)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid until: must be RFC3339"})
			return
		}
		filter.Until = &t
	}

	events, err := s.events.Query(c.Request.Context(), filter)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, QueryEventsResponse{Count: len(events), Events: events})
}

// entityHistoryHandler handles GET /api/events/entity/:type/:id — the full
// ordered stream of one aggregate.
func (s *Server) entityHistoryHandler(c *gin.Context) {
	aggregateType := c.Param("type")
	aggregateID := c.Param("id")

	events, err := s.events.StreamAggregate(c.Request.Context(), aggregateType, aggregateID, 0)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, QueryEventsResponse{Count: len(events), Events: events})
}
