package domain

import "time"

type FlowStatus string

const (
	FlowStatusOpen     FlowStatus = "open"
	FlowStatusHold     FlowStatus = "hold"
	FlowStatusAssigned FlowStatus = "assigned"
)

// Lead is a sales contact reached through the messaging channel.
// Status is the pipeline stage managed by the CRUD surface; FlowStatus and
// AssignedTo are owned by the distribution engine.
type Lead struct {
	ID         string
	Phone      string
	Name       string
	Source     string
	Status     string
	FlowStatus FlowStatus
	AssignedTo string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SalesAgent is a human agent that can claim leads.
type SalesAgent struct {
	ID        string
	Name      string
	Phone     string
	Active    bool
	CreatedAt time.Time
}

// QueueEntry positions an agent in the rotation roster.
type QueueEntry struct {
	SalesID string
	Order   int
	Label   string
	Active  bool
}

type ActivityKind string

const (
	ActivityDistributionOffer     ActivityKind = "distribution_offer"
	ActivityOfferSendFailed       ActivityKind = "offer_send_failed"
	ActivityAttemptTimeout        ActivityKind = "attempt_timeout"
	ActivityLeadAccepted          ActivityKind = "lead_accepted"
	ActivityDistributionExhausted ActivityKind = "distribution_exhausted"
	ActivityManualStop            ActivityKind = "manual_stop"
	ActivitySweepError            ActivityKind = "sweep_error"
)

// Activity is an append-only audit note attached to a lead.
type Activity struct {
	ID        string
	LeadID    string
	Kind      ActivityKind
	Note      string
	CreatedAt time.Time
}

// LeadFilter selects leads for bulk operations such as broadcasts.
type LeadFilter struct {
	Statuses   []string
	AssignedTo string
	Source     string
}
