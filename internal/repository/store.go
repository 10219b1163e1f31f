package repository

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/iago/wa-lead-router/internal/domain"
)

var ErrNotFound = errors.New("resource not found")

// Store runs units of work against the persistence backend. Every call to
// InTx is atomic: either all writes made through tx are committed or none are.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx exposes the entity operations available inside a unit of work.
// Transition* methods are compare-and-swap updates: they report false, not an
// error, when the row is no longer in the expected prior state.
type Tx interface {
	LeadStore
	AgentStore
	QueueStore
	CycleStore
	AttemptStore
	InboundStore
	ActivityStore
	SettingsStore
	BroadcastLogStore
}

type LeadStore interface {
	CreateLead(ctx context.Context, lead *domain.Lead) error
	GetLead(ctx context.Context, leadID string) (*domain.Lead, error)
	// LockLead serializes concurrent units of work touching the same lead.
	LockLead(ctx context.Context, leadID string) (*domain.Lead, error)
	// LockPhone serializes lead lookup and creation for one phone number until
	// the transaction ends.
	LockPhone(ctx context.Context, phone string) error
	FindLatestLeadByPhone(ctx context.Context, phone string) (*domain.Lead, error)
	UpdateLeadFlow(ctx context.Context, leadID string, flow domain.FlowStatus, assignedTo string, at time.Time) error
	ListLeads(ctx context.Context, filter domain.LeadFilter) ([]domain.Lead, error)
}

type AgentStore interface {
	SaveAgent(ctx context.Context, agent *domain.SalesAgent) error
	GetAgent(ctx context.Context, salesID string) (*domain.SalesAgent, error)
	FindActiveAgentByPhone(ctx context.Context, phone string) (*domain.SalesAgent, error)
}

type QueueStore interface {
	SaveQueueEntry(ctx context.Context, entry domain.QueueEntry) error
	ListQueue(ctx context.Context) ([]domain.QueueEntry, error)
	// NextEligibleEntry returns the first active entry of an active agent with
	// order strictly greater than afterOrder.
	NextEligibleEntry(ctx context.Context, afterOrder int) (*domain.QueueEntry, error)
	UpdateQueueOrder(ctx context.Context, salesID string, expectedOrder, newOrder int) (bool, error)
}

type CycleStore interface {
	CreateCycle(ctx context.Context, cycle *domain.DistributionCycle) error
	GetCycle(ctx context.Context, cycleID string) (*domain.DistributionCycle, error)
	// FindOpenCycle returns the most recent cycle of the lead whose status is
	// active, accepted or exhausted.
	FindOpenCycle(ctx context.Context, leadID string) (*domain.DistributionCycle, error)
	LatestCycle(ctx context.Context, leadID string) (*domain.DistributionCycle, error)
	ListActiveCycles(ctx context.Context) ([]domain.DistributionCycle, error)
	AdvanceCycle(ctx context.Context, cycleID string, queueOrder int) (bool, error)
	TransitionCycle(ctx context.Context, cycleID string, from, to domain.CycleStatus, at time.Time) (bool, error)
}

type AttemptStore interface {
	CreateAttempt(ctx context.Context, attempt *domain.DistributionAttempt) error
	GetAttempt(ctx context.Context, attemptID string) (*domain.DistributionAttempt, error)
	FindWaitingAttempt(ctx context.Context, leadID, salesID string) (*domain.DistributionAttempt, error)
	LatestAttemptForPair(ctx context.Context, leadID, salesID string) (*domain.DistributionAttempt, error)
	LatestAttemptForSales(ctx context.Context, salesID string) (*domain.DistributionAttempt, error)
	ListAttempts(ctx context.Context, cycleID string) ([]domain.DistributionAttempt, error)
	ListExpiredAttempts(ctx context.Context, now time.Time, limit int) ([]domain.DistributionAttempt, error)
	TransitionAttempt(ctx context.Context, attemptID string, from, to domain.AttemptStatus, reason string, at time.Time) (bool, error)
	CloseWaitingAttempts(ctx context.Context, cycleID, exceptAttemptID, reason string, at time.Time) (int, error)
}

type InboundStore interface {
	InboundMessageExists(ctx context.Context, providerMessageID string) (bool, error)
	// SaveInboundMessage reports false when a message with the same provider
	// id was already recorded.
	SaveInboundMessage(ctx context.Context, message *domain.InboundMessage) (bool, error)
	CountLeadMessages(ctx context.Context, leadID string) (int, error)
}

type ActivityStore interface {
	AppendActivity(ctx context.Context, activity *domain.Activity) error
	ListActivities(ctx context.Context, leadID string) ([]domain.Activity, error)
}

type SettingsStore interface {
	GetSettings(ctx context.Context) (domain.SystemSettings, error)
	SaveSettings(ctx context.Context, settings domain.SystemSettings) error
}

type BroadcastLogStore interface {
	AppendDelivery(ctx context.Context, delivery *domain.BroadcastDelivery) error
	ListDeliveries(ctx context.Context, jobID string) ([]domain.BroadcastDelivery, error)
}
