// Package api exposes the engine over HTTP: event ingest and query, the
// SSE stream, the approval queue, SOP management, and health.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/conductor-sh/conductor/pkg/agent"
	"github.com/conductor-sh/conductor/pkg/bus"
	"github.com/conductor-sh/conductor/pkg/config"
	"github.com/conductor-sh/conductor/pkg/database"
	"github.com/conductor-sh/conductor/pkg/projection"
	"github.com/conductor-sh/conductor/pkg/sop"
	"github.com/conductor-sh/conductor/pkg/store"
)

// Server wires the HTTP surface to the engine's components.
type Server struct {
	db           *database.Client
	events       *store.EventStore
	approvals    *store.ApprovalStore
	bus          *bus.Bus
	runtime      *agent.Runtime
	sops         *sop.Registry
	clientHealth *projection.Engine
	cfg          *config.Config

	httpServer *http.Server
}

// NewServer creates the API server over the engine's shared components.
func NewServer(db *database.Client, events *store.EventStore, approvals *store.ApprovalStore,
	b *bus.Bus, rt *agent.Runtime, sops *sop.Registry, clientHealth *projection.Engine,
	cfg *config.Config) *Server {
	return &Server{
		db:           db,
		events:       events,
		approvals:    approvals,
		bus:          b,
		runtime:      rt,
		sops:         sops,
		clientHealth: clientHealth,
		cfg:          cfg,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(securityHeaders())

	r.GET("/health", s.healthHandler)

	api := r.Group("/api")
	{
		api.POST("/events", s.ingestEventHandler)
		api.POST("/events/query", s.queryEventsHandler)
		api.GET("/events/entity/:type/:id", s.entityHistoryHandler)
		api.GET("/events/stream", s.streamHandler)

		api.GET("/approvals", s.listApprovalsHandler)
		api.POST("/approvals/:id/resolve", s.resolveApprovalHandler)
		api.GET("/approvals/stats", s.approvalStatsHandler)

		api.GET("/ceo/interrupts", s.ceoInterruptsHandler)

		api.GET("/sops", s.listSOPsHandler)
		api.POST("/sops/reload", s.reloadSOPsHandler)

		api.GET("/projections/client-health", s.clientHealthListHandler)
		api.GET("/projections/client-health/:id", s.clientHealthGetHandler)
	}

	return r
}

// Start runs the HTTP server until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP server listening", "port", s.cfg.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
