package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// listSOPsHandler handles GET /api/sops — the resolvable definitions
// (highest active version per id).
func (s *Server) listSOPsHandler(c *gin.Context) {
	defs := s.sops.Active()
	out := make([]gin.H, 0, len(defs))
	for _, def := range defs {
		out = append(out, gin.H{
			"id":          def.Metadata.ID,
			"name":        def.Metadata.Name,
			"version":     def.Metadata.Version,
			"description": def.Metadata.Description,
			"owner":       def.Metadata.Owner,
			"steps":       len(def.Steps),
		})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "sops": out})
}

// reloadSOPsHandler handles POST /api/sops/reload — re-reads the SOP
// directory, refusing invalid definitions.
func (s *Server) reloadSOPsHandler(c *gin.Context) {
	if err := s.sops.Reload(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded", "active": len(s.sops.Active())})
}

// clientHealthListHandler handles GET /api/projections/client-health.
func (s *Server) clientHealthListHandler(c *gin.Context) {
	var states map[string]map[string]any
	if status := c.Query("status"); status != "" {
		states = s.clientHealth.States(func(_ string, state map[string]any) bool {
			return state["status"] == status
		})
	} else {
		states = s.clientHealth.States(nil)
	}
	c.JSON(http.StatusOK, gin.H{"count": len(states), "clients": states})
}

// clientHealthGetHandler handles GET /api/projections/client-health/:id.
func (s *Server) clientHealthGetHandler(c *gin.Context) {
	state, ok := s.clientHealth.State(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no health state for client"})
		return
	}
	c.JSON(http.StatusOK, state)
}
