package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-sh/conductor/pkg/models"
)

func TestMandateMayEmit(t *testing.T) {
	m := Mandate{
		Name:  "intake",
		Emits: []string{models.EventLeadQualified},
	}

	assert.True(t, m.MayEmit(models.EventLeadQualified))
	assert.False(t, m.MayEmit(models.EventMeetingScheduled))
	assert.True(t, m.MayEmit(models.EventRiskDetected), "RISK_DETECTED is universally permitted")
	assert.Equal(t, "agent:intake", m.EmitterID())
}

func TestEmitRefusesOutsideMandate(t *testing.T) {
	helper := NewHelper(Mandate{
		Name:  "intake",
		Emits: []string{models.EventLeadQualified},
	}, nil, nil, nil, nil)

	// The authorisation check runs before any storage access: the refusal
	// must not emit anything.
	_, err := helper.Emit(context.Background(), nil, models.EventInvoiceIssued,
		models.AggregateClient, "c-1", map[string]any{"amount": 100.0}, 0.9, false)
	require.Error(t, err)

	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "intake", authErr.Agent)
	assert.Equal(t, models.EventInvoiceIssued, authErr.EventType)
}
