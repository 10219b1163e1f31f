package distribution

import (
	"time"
	_ "time/tzdata"

	"github.com/iago/wa-lead-router/internal/domain"
)

// Window is the business-hours interval [Start, End] in minutes of the day.
// When Start > End the interval wraps past midnight.
type Window struct {
	Start    int
	End      int
	Location *time.Location
}

// WindowFromSettings builds the operational window. An unknown timezone falls
// back to UTC.
func WindowFromSettings(settings domain.SystemSettings) Window {
	location, err := time.LoadLocation(settings.Timezone)
	if err != nil || settings.Timezone == "" {
		location = time.UTC
	}
	return Window{
		Start:    settings.OperationalStartMinute,
		End:      settings.OperationalEndMinute,
		Location: location,
	}
}

func (w Window) IsOpen(now time.Time) bool {
	location := w.Location
	if location == nil {
		location = time.UTC
	}
	local := now.In(location)
	minute := local.Hour()*60 + local.Minute()
	if w.Start <= w.End {
		return minute >= w.Start && minute <= w.End
	}
	return minute >= w.Start || minute <= w.End
}

// InitialFlowStatus picks the flow status for a lead created at now.
func (w Window) InitialFlowStatus(now time.Time) domain.FlowStatus {
	if w.IsOpen(now) {
		return domain.FlowStatusOpen
	}
	return domain.FlowStatusHold
}
