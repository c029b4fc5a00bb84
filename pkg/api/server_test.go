package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-sh/conductor/pkg/agent"
	"github.com/conductor-sh/conductor/pkg/bus"
	"github.com/conductor-sh/conductor/pkg/config"
	"github.com/conductor-sh/conductor/pkg/database"
	"github.com/conductor-sh/conductor/pkg/models"
	"github.com/conductor-sh/conductor/pkg/projection"
	"github.com/conductor-sh/conductor/pkg/sop"
	"github.com/conductor-sh/conductor/pkg/store"
	"github.com/conductor-sh/conductor/test/util"
)

const testSOP = `
metadata:
  id: lead-intake
  name: Lead Intake
  version: 1
  owner: sales
  active: true
preconditions:
  event_types: [LEAD_RECEIVED]
steps:
  - id: qualify
    name: Qualify lead
    automation_level: full
    responsible_agent: intake
`

// apiTestEnv runs the full router over a per-test schema. No agents are
// registered so endpoint assertions are not raced by autonomous reactions.
type apiTestEnv struct {
	router    *gin.Engine
	events    *store.EventStore
	approvals *store.ApprovalStore
	bus       *bus.Bus
}

func setupAPITest(t *testing.T) *apiTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := util.SetupTestDatabase(t)

	cfg := &config.Config{
		Port:                     "0",
		FinancialLimit:           10000,
		ConfidenceThreshold:      0.75,
		ApprovalTimeout:          24 * time.Hour,
		InterruptConfidenceBelow: 0.7,
		InterruptAmountAbove:     100000,
	}

	env := &apiTestEnv{
		events:    store.NewEventStore(db),
		approvals: store.NewApprovalStore(db),
		bus:       bus.New(),
	}
	t.Cleanup(func() { env.bus.Close() })

	rt := agent.NewRuntime(env.events, env.approvals, env.bus, cfg)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { rt.Stop(context.Background()) })

	sopDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sopDir, "lead-intake.yaml"), []byte(testSOP), 0o644))
	sops := sop.NewRegistry(sopDir)
	require.NoError(t, sops.Load())

	health := projection.NewEngine(projection.NewClientHealth(), env.events, nil, env.bus)
	require.NoError(t, health.Initialize(context.Background()))
	t.Cleanup(func() { health.Close() })

	server := NewServer(database.NewClientFromDB(db, ""), env.events, env.approvals,
		env.bus, rt, sops, health, cfg)
	env.router = server.Router()
	return env
}

// do performs a request against the router; a non-nil body is sent as JSON.
func (env *apiTestEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

// appendEvent persists an event directly, bypassing the HTTP surface.
func (env *apiTestEnv) appendEvent(t *testing.T, e *models.Event) *models.Event {
	t.Helper()
	_, err := env.events.Append(context.Background(), e)
	require.NoError(t, err)
	return e
}

func TestHealthEndpoint(t *testing.T) {
	env := setupAPITest(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeJSON(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "database")
	assert.Contains(t, body, "bus")
}

func TestListSOPs(t *testing.T) {
	env := setupAPITest(t)

	rec := env.do(t, http.MethodGet, "/api/sops", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count int `json:"count"`
		SOPs  []struct {
			ID      string `json:"id"`
			Version int    `json:"version"`
		} `json:"sops"`
	}
	decodeJSON(t, rec, &body)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "lead-intake", body.SOPs[0].ID)
	assert.Equal(t, 1, body.SOPs[0].Version)
}

func TestReloadSOPs(t *testing.T) {
	env := setupAPITest(t)

	rec := env.do(t, http.MethodPost, "/api/sops/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeJSON(t, rec, &body)
	assert.Equal(t, "reloaded", body["status"])
}

func TestClientHealthEndpoints(t *testing.T) {
	env := setupAPITest(t)
	clientID := uuid.New().String()

	e := env.appendEvent(t, models.NewEvent(models.EventProjectStarted, models.AggregateClient,
		clientID, map[string]any{}, "agent:test", 1.0, false))
	env.bus.Publish(context.Background(), e)

	t.Run("get one", func(t *testing.T) {
		require.Eventually(t, func() bool {
			rec := env.do(t, http.MethodGet, "/api/projections/client-health/"+clientID, nil)
			if rec.Code != http.StatusOK {
				return false
			}
			var state map[string]any
			decodeJSON(t, rec, &state)
			return state["health_score"] == 60.0
		}, 2*time.Second, 20*time.Millisecond)
	})

	t.Run("unknown client is 404", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/projections/client-health/"+uuid.New().String(), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("list filtered by status", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/projections/client-health?status=warning", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Count   int                       `json:"count"`
			Clients map[string]map[string]any `json:"clients"`
		}
		decodeJSON(t, rec, &body)
		assert.Equal(t, 1, body.Count)
		assert.Contains(t, body.Clients, clientID)
	})

	t.Run("list filtered to nothing", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/projections/client-health?status=critical", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Count int `json:"count"`
		}
		decodeJSON(t, rec, &body)
		assert.Zero(t, body.Count)
	})
}
