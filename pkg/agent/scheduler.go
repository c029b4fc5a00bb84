package agent

import (
	"context"
	"time"

	"github.com/conductor-sh/conductor/pkg/models"
)

// meetingLeadTime is how far out the scheduler books the first meeting.
const meetingLeadTime = 48 * time.Hour

// SchedulerAgent books the first meeting for every qualified lead.
type SchedulerAgent struct {
	helper *Helper
	now    func() time.Time
}

// NewSchedulerAgent builds the scheduler against the given runtime.
func NewSchedulerAgent(rt *Runtime) *SchedulerAgent {
	a := &SchedulerAgent{now: time.Now}
	a.helper = rt.NewHelper(a.Mandate())
	return a
}

func (a *SchedulerAgent) Mandate() Mandate {
	return Mandate{
		Name:                "scheduler",
		Description:         "Schedules the initial meeting for qualified leads",
		Subscribes:          []string{models.EventLeadQualified},
		Emits:               []string{models.EventMeetingScheduled},
		ConfidenceThreshold: 0.8,
	}
}

func (a *SchedulerAgent) Initialize(ctx context.Context) error { return nil }
func (a *SchedulerAgent) Shutdown(ctx context.Context) error   { return nil }

// Process books the meeting two days out on the lead's stream.
func (a *SchedulerAgent) Process(ctx context.Context, event *models.Event) error {
	payload, err := models.PayloadMap(models.MeetingScheduledPayload{
		Datetime: a.now().UTC().Add(meetingLeadTime).Format(time.RFC3339),
		Channel:  "video",
	})
	if err != nil {
		return err
	}
	_, err = a.helper.Emit(ctx, event, models.EventMeetingScheduled,
		event.AggregateType, event.AggregateID, payload, 0.9, false)
	return err
}
