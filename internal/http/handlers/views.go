package handlers

import (
	"time"

	"github.com/iago/wa-lead-router/internal/domain"
)

type cycleView struct {
	ID                string             `json:"id"`
	LeadID            string             `json:"lead_id"`
	Status            domain.CycleStatus `json:"status"`
	CurrentQueueOrder int                `json:"current_queue_order"`
	StartedAt         time.Time          `json:"started_at"`
	FinishedAt        *time.Time         `json:"finished_at,omitempty"`
}

type attemptView struct {
	ID          string               `json:"id"`
	CycleID     string               `json:"cycle_id"`
	LeadID      string               `json:"lead_id"`
	SalesID     string               `json:"sales_id"`
	QueueOrder  int                  `json:"queue_order"`
	Status      domain.AttemptStatus `json:"status"`
	AssignedAt  time.Time            `json:"assigned_at"`
	AckDeadline time.Time            `json:"ack_deadline"`
	AckAt       *time.Time           `json:"ack_at,omitempty"`
	ClosedAt    *time.Time           `json:"closed_at,omitempty"`
	CloseReason string               `json:"close_reason,omitempty"`
}

type cycleStateView struct {
	Cycle    *cycleView    `json:"cycle"`
	Attempts []attemptView `json:"attempts"`
}

type queueEntryView struct {
	SalesID string `json:"sales_id"`
	Order   int    `json:"order"`
	Label   string `json:"label,omitempty"`
	Active  bool   `json:"active"`
}

type settingsView struct {
	AckTimeoutMinutes      int        `json:"ack_timeout_minutes"`
	OperationalStartMinute int        `json:"operational_start_minute"`
	OperationalEndMinute   int        `json:"operational_end_minute"`
	Timezone               string     `json:"timezone"`
	OutsideHoursReply      string     `json:"outside_hours_reply"`
	UpdatedAt              *time.Time `json:"updated_at,omitempty"`
}

type deliveryView struct {
	ID                string                `json:"id"`
	LeadID            string                `json:"lead_id"`
	Phone             string                `json:"phone"`
	Attempt           int                   `json:"attempt"`
	Status            domain.DeliveryStatus `json:"status"`
	ProviderMessageID string                `json:"provider_message_id,omitempty"`
	Error             string                `json:"error,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
}

func newCycleView(cycle *domain.DistributionCycle) *cycleView {
	if cycle == nil {
		return nil
	}
	return &cycleView{
		ID:                cycle.ID,
		LeadID:            cycle.LeadID,
		Status:            cycle.Status,
		CurrentQueueOrder: cycle.CurrentQueueOrder,
		StartedAt:         cycle.StartedAt,
		FinishedAt:        cycle.FinishedAt,
	}
}

func newAttemptView(attempt domain.DistributionAttempt) attemptView {
	return attemptView{
		ID:          attempt.ID,
		CycleID:     attempt.CycleID,
		LeadID:      attempt.LeadID,
		SalesID:     attempt.SalesID,
		QueueOrder:  attempt.QueueOrder,
		Status:      attempt.Status,
		AssignedAt:  attempt.AssignedAt,
		AckDeadline: attempt.AckDeadline,
		AckAt:       attempt.AckAt,
		ClosedAt:    attempt.ClosedAt,
		CloseReason: attempt.CloseReason,
	}
}

func newCycleStateView(state domain.CycleState) cycleStateView {
	view := cycleStateView{
		Cycle:    newCycleView(state.Cycle),
		Attempts: make([]attemptView, 0, len(state.Attempts)),
	}
	for _, attempt := range state.Attempts {
		view.Attempts = append(view.Attempts, newAttemptView(attempt))
	}
	return view
}

func newSettingsView(settings domain.SystemSettings) settingsView {
	view := settingsView{
		AckTimeoutMinutes:      settings.AckTimeoutMinutes,
		OperationalStartMinute: settings.OperationalStartMinute,
		OperationalEndMinute:   settings.OperationalEndMinute,
		Timezone:               settings.Timezone,
		OutsideHoursReply:      settings.OutsideHoursReply,
	}
	if !settings.UpdatedAt.IsZero() {
		updatedAt := settings.UpdatedAt
		view.UpdatedAt = &updatedAt
	}
	return view
}
