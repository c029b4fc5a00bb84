package api

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/conductor-sh/conductor/pkg/models"
)

func TestVisibleToRole(t *testing.T) {
	clientID := "client-42"
	operational := models.NewEvent(models.EventTaskCompleted, models.AggregateTask, "t-1",
		map[string]any{}, "agent:executor", 0.9, false)
	financial := models.NewEvent(models.EventInvoiceIssued, models.AggregateClient, clientID,
		map[string]any{"amount": 100.0}, "agent:billing", 0.9, false)
	tagged := models.NewEvent(models.EventProjectStarted, models.AggregateProject, "p-1",
		map[string]any{"client_id": clientID}, "agent:planner", 0.9, false)

	tests := []struct {
		name    string
		role    string
		userID  string
		event   *models.Event
		visible bool
	}{
		{"ceo sees operational", RoleCEO, "", operational, true},
		{"ceo sees financial", RoleCEO, "", financial, true},
		{"employee sees operational", RoleEmployee, "", operational, true},
		{"employee blind to financial", RoleEmployee, "", financial, false},
		{"client sees own aggregate", RoleClient, clientID, financial, true},
		{"client sees tagged payload", RoleClient, clientID, tagged, true},
		{"client blind to others", RoleClient, "someone-else", financial, false},
		{"client without id sees nothing", RoleClient, "", financial, false},
		{"unknown role sees nothing", "", "", operational, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.visible, visibleToRole(tt.role, tt.userID, tt.event))
		})
	}
}

func TestFrameIncludesCursor(t *testing.T) {
	e := models.NewEvent(models.EventTaskCreated, models.AggregateTask, "t-1",
		map[string]any{"title": "x"}, "agent:planner", 0.9, false)
	e.GlobalID = 77

	frame := frameFor(e)
	assert.Equal(t, e.EventID, frame.ID)
	assert.Equal(t, models.EventTaskCreated, frame.Type)
	assert.Equal(t, int64(77), frame.Data["db_event_id"])
}
