package domain

import "time"

type CycleStatus string

const (
	CycleStatusActive    CycleStatus = "active"
	CycleStatusAccepted  CycleStatus = "accepted"
	CycleStatusExhausted CycleStatus = "exhausted"
	CycleStatusStopped   CycleStatus = "stopped"
)

func (s CycleStatus) Terminal() bool {
	return s != CycleStatusActive
}

type AttemptStatus string

const (
	AttemptStatusWaitingOK AttemptStatus = "waiting_ok"
	AttemptStatusAccepted  AttemptStatus = "accepted"
	AttemptStatusTimeout   AttemptStatus = "timeout"
	AttemptStatusClosed    AttemptStatus = "closed"
)

const (
	CloseReasonAckTimeout      = "ack_timeout"
	CloseReasonAcceptedByOther = "accepted_by_other"
	CloseReasonCycleClosed     = "cycle_closed"
	CloseReasonManualStop      = "manual_stop"
)

// DistributionCycle is one end-to-end offer sequence for a lead.
type DistributionCycle struct {
	ID                string
	LeadID            string
	Status            CycleStatus
	CurrentQueueOrder int
	StartedAt         time.Time
	FinishedAt        *time.Time
}

// DistributionAttempt is one offer of a lead to one agent.
type DistributionAttempt struct {
	ID          string
	CycleID     string
	LeadID      string
	SalesID     string
	QueueOrder  int
	Status      AttemptStatus
	AssignedAt  time.Time
	AckDeadline time.Time
	AckAt       *time.Time
	ClosedAt    *time.Time
	CloseReason string
}

// CycleState is the read model returned for a lead's latest cycle.
type CycleState struct {
	Cycle    *DistributionCycle
	Attempts []DistributionAttempt
}
