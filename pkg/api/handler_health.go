package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/conductor-sh/conductor/pkg/database"
)

// healthHandler handles GET /health: database liveness, agent statuses, and
// bus counters.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db.DB())
	status := http.StatusOK
	overall := "healthy"
	if err != nil {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}

	body := gin.H{
		"status":   overall,
		"database": dbHealth,
		"agents":   s.runtime.Statuses(),
		"bus":      s.bus.Counters(),
	}
	if err != nil {
		body["error"] = err.Error()
	}
	c.JSON(status, body)
}
