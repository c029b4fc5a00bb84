// Conductor engine server — event store, agent runtime, approval pipeline,
// and HTTP/SSE egress.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/conductor-sh/conductor/pkg/agent"
	"github.com/conductor-sh/conductor/pkg/api"
	"github.com/conductor-sh/conductor/pkg/bus"
	"github.com/conductor-sh/conductor/pkg/config"
	"github.com/conductor-sh/conductor/pkg/database"
	"github.com/conductor-sh/conductor/pkg/projection"
	"github.com/conductor-sh/conductor/pkg/queue"
	"github.com/conductor-sh/conductor/pkg/sop"
	"github.com/conductor-sh/conductor/pkg/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Connect to the database and run migrations
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Create the stores
	eventStore := store.NewEventStore(dbClient.DB())
	approvalStore := store.NewApprovalStore(dbClient.DB())
	snapshotStore := store.NewSnapshotStore(dbClient.DB())

	// 4. Create the bus and its distributed plane: a dedicated LISTEN
	// connection feeds NOTIFY payloads through the bridge into local
	// dispatch; the processed-set drops our own echoes.
	eventBus := bus.New()
	defer eventBus.Close()

	bridge := bus.NewBridge(eventBus, eventStore)
	listener := bus.NewNotifyListener(dbClient.DSN(), store.NotifyChannel, bridge)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start NOTIFY listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(ctx)
	slog.Info("Event bus and distributed plane initialized")

	// 5. Load the SOP registry
	sopRegistry := sop.NewRegistry(cfg.SOPDir)
	if err := sopRegistry.Load(); err != nil {
		slog.Error("Failed to load SOP registry", "error", err)
		os.Exit(1)
	}

	// 6. Register and start the agents. Oversight must see every event, so
	// it is registered before the domain agents.
	runtime := agent.NewRuntime(eventStore, approvalStore, eventBus, cfg)
	runtime.Register(agent.NewOversightAgent(runtime, eventBus))
	runtime.Register(agent.NewIntakeAgent(runtime))
	runtime.Register(agent.NewSchedulerAgent(runtime))
	if err := runtime.Start(ctx); err != nil {
		slog.Error("Failed to start agent runtime", "error", err)
		os.Exit(1)
	}

	// 7. Initialize projections (snapshot warm start, then replay, then live)
	clientHealth := projection.NewEngine(projection.NewClientHealth(), eventStore, snapshotStore, eventBus)
	if err := clientHealth.Initialize(ctx); err != nil {
		slog.Error("Failed to initialize client health projection", "error", err)
		os.Exit(1)
	}
	defer clientHealth.Close()

	// 8. Start the approval timeout sweeper
	sweeper := queue.NewSweeper(eventStore, approvalStore, eventBus, cfg)
	sweeper.Start(ctx)

	// 9. Start the HTTP server (non-blocking)
	httpServer := api.NewServer(dbClient, eventStore, approvalStore, eventBus,
		runtime, sopRegistry, clientHealth, cfg)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Conductor started successfully", "port", cfg.Port)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop ingress first, then background work, then
	// persist projection snapshots for the next warm start.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.GracefulShutdownTimeout)
	defer cancel()
	runtime.Stop(shutdownCtx)

	if err := clientHealth.SaveSnapshots(shutdownCtx); err != nil {
		slog.Error("Failed to persist projection snapshots", "error", err)
	}

	slog.Info("Shutdown complete")
}
