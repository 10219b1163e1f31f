package distribution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iago/wa-lead-router/internal/channel"
	"github.com/iago/wa-lead-router/internal/domain"
	"github.com/iago/wa-lead-router/internal/logging"
	"github.com/iago/wa-lead-router/internal/policy"
	"github.com/iago/wa-lead-router/internal/repository"
	"github.com/iago/wa-lead-router/internal/schedule"
)

var ErrLeadNotFound = errors.New("lead not found")

type AckReason string

const (
	AckAccepted        AckReason = "accepted"
	AckInvalidText     AckReason = "invalid_text"
	AckLateTimeout     AckReason = "late_timeout"
	AckAlreadyAccepted AckReason = "already_accepted"
	AckAcceptedByOther AckReason = "accepted_by_other"
	AckCycleClosed     AckReason = "cycle_closed"
	AckNoPending       AckReason = "no_pending"
)

type AckResult struct {
	Accepted bool                        `json:"accepted"`
	Reason   AckReason                   `json:"reason"`
	Attempt  *domain.DistributionAttempt `json:"attempt,omitempty"`
	Rotated  bool                        `json:"rotated"`
}

type RolloverOutcome string

const (
	RolloverTimedOut       RolloverOutcome = "timed_out"
	RolloverCycleClosed    RolloverOutcome = "cycle_closed"
	RolloverAlreadyHandled RolloverOutcome = "already_handled"
)

type RolloverResult struct {
	Outcome     RolloverOutcome
	NextSalesID string
	Exhausted   bool
}

type Dependencies struct {
	Store   repository.Store
	Channel channel.Channel
	Clock   schedule.Clock
	Logger  *zap.SugaredLogger
}

// Engine owns the cycle and attempt state machine of lead distribution.
// Every multi-entity change runs in one store transaction, and each state
// change is conditioned on the prior state so concurrent callers racing on the
// same attempt see exactly one winner.
type Engine struct {
	store   repository.Store
	channel channel.Channel
	clock   schedule.Clock
	logger  *zap.SugaredLogger
}

func NewEngine(deps Dependencies) *Engine {
	clock := deps.Clock
	if clock == nil {
		clock = schedule.RealClock{}
	}
	return &Engine{
		store:   deps.Store,
		channel: deps.Channel,
		clock:   clock,
		logger:  logging.OrNop(deps.Logger).Named("distribution"),
	}
}

// offer is a claim offer created inside a transaction and delivered after commit.
type offer struct {
	attempt        domain.DistributionAttempt
	lead           domain.Lead
	agent          domain.SalesAgent
	timeoutMinutes int
}

// PendingOffer is a claim offer opened inside a caller's transaction. Pass it
// to Deliver once that transaction commits.
type PendingOffer struct {
	offer *offer
}

// EnsureActiveCycle returns the lead's open cycle, or starts a new one and
// offers the lead to the first eligible agent.
func (e *Engine) EnsureActiveCycle(ctx context.Context, leadID string) (*domain.DistributionCycle, error) {
	var (
		cycle   *domain.DistributionCycle
		pending PendingOffer
	)
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		cycle, pending, err = e.EnsureActiveCycleTx(ctx, tx, leadID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.Deliver(ctx, pending)
	return cycle, nil
}

// EnsureActiveCycleTx is EnsureActiveCycle within tx, so the cycle commits or
// rolls back together with the caller's other writes.
func (e *Engine) EnsureActiveCycleTx(ctx context.Context, tx repository.Tx, leadID string) (*domain.DistributionCycle, PendingOffer, error) {
	lead, err := tx.LockLead(ctx, leadID)
	if err != nil {
		return nil, PendingOffer{}, leadError(err)
	}

	existing, err := tx.FindOpenCycle(ctx, leadID)
	if err == nil {
		return existing, PendingOffer{}, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, PendingOffer{}, errors.Wrap(err, "find open cycle")
	}

	now := e.clock.Now()
	created := &domain.DistributionCycle{
		ID:                uuid.NewString(),
		LeadID:            leadID,
		Status:            domain.CycleStatusActive,
		CurrentQueueOrder: 0,
		StartedAt:         now,
	}
	if err := tx.CreateCycle(ctx, created); err != nil {
		return nil, PendingOffer{}, errors.Wrap(err, "create cycle")
	}
	e.logger.Infow("cycle started", "lead_id", leadID, "cycle_id", created.ID)

	pending, err := e.offerNextTx(ctx, tx, created, lead, 0, now)
	if err != nil {
		return nil, PendingOffer{}, err
	}

	cycle, err := tx.GetCycle(ctx, created.ID)
	if err != nil {
		return nil, PendingOffer{}, errors.Wrap(err, "reload cycle")
	}
	return cycle, PendingOffer{offer: pending}, nil
}

// Deliver sends an offer opened by EnsureActiveCycleTx. The zero value is a no-op.
func (e *Engine) Deliver(ctx context.Context, pending PendingOffer) {
	e.deliver(ctx, pending.offer)
}

// offerNextTx offers the lead to the first eligible agent after fromOrder, or
// exhausts the cycle when none is left. The returned offer, if any, must be
// delivered once the transaction commits.
func (e *Engine) offerNextTx(
	ctx context.Context,
	tx repository.Tx,
	cycle *domain.DistributionCycle,
	lead *domain.Lead,
	fromOrder int,
	now time.Time,
) (*offer, error) {
	entry, err := tx.NextEligibleEntry(ctx, fromOrder)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, e.exhaustTx(ctx, tx, cycle, lead, now)
	}
	if err != nil {
		return nil, errors.Wrap(err, "next eligible entry")
	}

	agent, err := tx.GetAgent(ctx, entry.SalesID)
	if err != nil {
		return nil, errors.Wrapf(err, "load agent %s", entry.SalesID)
	}
	settings, err := tx.GetSettings(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load settings")
	}

	attempt := domain.DistributionAttempt{
		ID:          uuid.NewString(),
		CycleID:     cycle.ID,
		LeadID:      lead.ID,
		SalesID:     entry.SalesID,
		QueueOrder:  entry.Order,
		Status:      domain.AttemptStatusWaitingOK,
		AssignedAt:  now,
		AckDeadline: now.Add(settings.AckTimeout()),
	}
	if err := tx.CreateAttempt(ctx, &attempt); err != nil {
		return nil, errors.Wrap(err, "create attempt")
	}
	advanced, err := tx.AdvanceCycle(ctx, cycle.ID, entry.Order)
	if err != nil {
		return nil, errors.Wrap(err, "advance cycle")
	}
	if !advanced {
		return nil, errors.Newf("cycle %s is no longer active", cycle.ID)
	}

	flow := lead.FlowStatus
	if flow == domain.FlowStatusAssigned {
		flow = domain.FlowStatusOpen
	}
	if err := tx.UpdateLeadFlow(ctx, lead.ID, flow, "", now); err != nil {
		return nil, errors.Wrap(err, "release lead for offer")
	}
	if err := appendActivity(ctx, tx, lead.ID, domain.ActivityDistributionOffer, now,
		fmt.Sprintf("offered to %s (order %d), deadline %s", agent.Name, entry.Order, attempt.AckDeadline.Format(time.RFC3339))); err != nil {
		return nil, err
	}

	updated := *lead
	updated.FlowStatus = flow
	updated.AssignedTo = ""
	return &offer{
		attempt:        attempt,
		lead:           updated,
		agent:          *agent,
		timeoutMinutes: settings.AckTimeoutMinutes,
	}, nil
}

func (e *Engine) exhaustTx(
	ctx context.Context,
	tx repository.Tx,
	cycle *domain.DistributionCycle,
	lead *domain.Lead,
	now time.Time,
) error {
	ok, err := tx.TransitionCycle(ctx, cycle.ID, domain.CycleStatusActive, domain.CycleStatusExhausted, now)
	if err != nil {
		return errors.Wrap(err, "exhaust cycle")
	}
	if !ok {
		return nil
	}
	if err := tx.UpdateLeadFlow(ctx, lead.ID, domain.FlowStatusOpen, "", now); err != nil {
		return errors.Wrap(err, "release exhausted lead")
	}
	e.logger.Infow("cycle exhausted", "lead_id", lead.ID, "cycle_id", cycle.ID)
	return appendActivity(ctx, tx, lead.ID, domain.ActivityDistributionExhausted, now,
		"no eligible agent left in the queue; lead released without assignment")
}

// deliver sends the claim offer. A failed send leaves the attempt waiting so
// its deadline still drives the rollover.
func (e *Engine) deliver(ctx context.Context, pending *offer) {
	if pending == nil || e.channel == nil {
		return
	}

	result := e.channel.SendText(ctx, pending.agent.Phone, ClaimOfferMessage(pending.lead, pending.timeoutMinutes))
	providerID, reason := channel.Describe(result)
	if result.OK() {
		e.logger.Infow("lead offered",
			"lead_id", pending.lead.ID,
			"sales_id", pending.agent.ID,
			"attempt_id", pending.attempt.ID,
			"provider_message_id", providerID,
		)
		return
	}

	e.logger.Warnw("claim offer send failed",
		"lead_id", pending.lead.ID,
		"sales_id", pending.agent.ID,
		"to", policy.MaskPhone(pending.agent.Phone),
		"error", reason,
	)
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		return appendActivity(ctx, tx, pending.lead.ID, domain.ActivityOfferSendFailed, e.clock.Now(),
			fmt.Sprintf("offer to %s not delivered: %s", pending.agent.Name, reason))
	})
	if err != nil {
		e.logger.Errorw("record offer failure", "lead_id", pending.lead.ID, "error", err)
	}
}

// Acknowledge processes an agent's claim reply for a lead.
func (e *Engine) Acknowledge(ctx context.Context, leadID, salesID, rawText string) (AckResult, error) {
	if !IsAckText(rawText) {
		return AckResult{Reason: AckInvalidText}, nil
	}

	var result AckResult
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.LockLead(ctx, leadID); err != nil {
			return leadError(err)
		}

		waiting, err := tx.FindWaitingAttempt(ctx, leadID, salesID)
		if errors.Is(err, repository.ErrNotFound) {
			result, err = e.rejection(ctx, tx, leadID, salesID)
			return err
		}
		if err != nil {
			return errors.Wrap(err, "find waiting attempt")
		}

		now := e.clock.Now()
		cycle, err := tx.GetCycle(ctx, waiting.CycleID)
		if err != nil {
			return errors.Wrap(err, "load cycle")
		}
		if cycle.Status != domain.CycleStatusActive {
			if _, err := tx.TransitionAttempt(ctx, waiting.ID, domain.AttemptStatusWaitingOK, domain.AttemptStatusClosed, domain.CloseReasonCycleClosed, now); err != nil {
				return errors.Wrap(err, "close orphan attempt")
			}
			result = AckResult{Reason: AckCycleClosed}
			return nil
		}

		accepted, err := tx.TransitionAttempt(ctx, waiting.ID, domain.AttemptStatusWaitingOK, domain.AttemptStatusAccepted, "", now)
		if err != nil {
			return errors.Wrap(err, "accept attempt")
		}
		if !accepted {
			result, err = e.rejection(ctx, tx, leadID, salesID)
			return err
		}
		closed, err := tx.TransitionCycle(ctx, cycle.ID, domain.CycleStatusActive, domain.CycleStatusAccepted, now)
		if err != nil {
			return errors.Wrap(err, "accept cycle")
		}
		if !closed {
			return errors.Newf("cycle %s changed state during acceptance", cycle.ID)
		}
		if err := tx.UpdateLeadFlow(ctx, leadID, domain.FlowStatusAssigned, salesID, now); err != nil {
			return errors.Wrap(err, "assign lead")
		}
		if _, err := tx.CloseWaitingAttempts(ctx, cycle.ID, waiting.ID, domain.CloseReasonAcceptedByOther, now); err != nil {
			return errors.Wrap(err, "close sibling attempts")
		}
		rotated, err := rotateToTail(ctx, tx, salesID)
		if err != nil {
			return err
		}
		if err := appendActivity(ctx, tx, leadID, domain.ActivityLeadAccepted, now,
			fmt.Sprintf("accepted by %s", salesID)); err != nil {
			return err
		}

		stored, err := tx.GetAttempt(ctx, waiting.ID)
		if err != nil {
			return errors.Wrap(err, "reload attempt")
		}
		result = AckResult{Accepted: true, Reason: AckAccepted, Attempt: stored, Rotated: rotated}
		return nil
	})
	if err != nil {
		return AckResult{}, err
	}

	if result.Accepted {
		e.logger.Infow("lead accepted", "lead_id", leadID, "sales_id", salesID, "rotated", result.Rotated)
	} else {
		e.logger.Debugw("ack rejected", "lead_id", leadID, "sales_id", salesID, "reason", result.Reason)
	}
	return result, nil
}

// rejection classifies an acknowledgment with no waiting attempt from the most
// recent attempt of the pair.
func (e *Engine) rejection(ctx context.Context, tx repository.Tx, leadID, salesID string) (AckResult, error) {
	latest, err := tx.LatestAttemptForPair(ctx, leadID, salesID)
	if errors.Is(err, repository.ErrNotFound) {
		return AckResult{Reason: AckNoPending}, nil
	}
	if err != nil {
		return AckResult{}, errors.Wrap(err, "latest attempt")
	}
	return AckResult{Reason: ReasonForAttempt(latest), Attempt: latest}, nil
}

// ReasonForAttempt explains why a settled attempt can no longer be claimed.
func ReasonForAttempt(attempt *domain.DistributionAttempt) AckReason {
	switch attempt.Status {
	case domain.AttemptStatusAccepted:
		return AckAlreadyAccepted
	case domain.AttemptStatusTimeout:
		return AckLateTimeout
	case domain.AttemptStatusClosed:
		if attempt.CloseReason == domain.CloseReasonAcceptedByOther {
			return AckAcceptedByOther
		}
		return AckCycleClosed
	}
	return AckNoPending
}

// IsAckText reports whether text is the literal claim token.
func IsAckText(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), "ok")
}

// Rollover times out a waiting attempt and offers the lead to the next agent.
// An attempt whose cycle already closed is closed instead.
func (e *Engine) Rollover(ctx context.Context, attemptID string) (RolloverResult, error) {
	var (
		result  RolloverResult
		pending *offer
	)
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		attempt, err := tx.GetAttempt(ctx, attemptID)
		if err != nil {
			return errors.Wrapf(err, "load attempt %s", attemptID)
		}
		lead, err := tx.LockLead(ctx, attempt.LeadID)
		if err != nil {
			return leadError(err)
		}
		// Re-read under the lead lock.
		attempt, err = tx.GetAttempt(ctx, attemptID)
		if err != nil {
			return errors.Wrapf(err, "reload attempt %s", attemptID)
		}
		if attempt.Status != domain.AttemptStatusWaitingOK {
			result = RolloverResult{Outcome: RolloverAlreadyHandled}
			return nil
		}

		now := e.clock.Now()
		cycle, err := tx.GetCycle(ctx, attempt.CycleID)
		if err != nil {
			return errors.Wrap(err, "load cycle")
		}
		if cycle.Status != domain.CycleStatusActive {
			ok, err := tx.TransitionAttempt(ctx, attempt.ID, domain.AttemptStatusWaitingOK, domain.AttemptStatusClosed, domain.CloseReasonCycleClosed, now)
			if err != nil {
				return errors.Wrap(err, "close attempt")
			}
			result = RolloverResult{Outcome: RolloverCycleClosed}
			if !ok {
				result.Outcome = RolloverAlreadyHandled
			}
			return nil
		}

		ok, err := tx.TransitionAttempt(ctx, attempt.ID, domain.AttemptStatusWaitingOK, domain.AttemptStatusTimeout, domain.CloseReasonAckTimeout, now)
		if err != nil {
			return errors.Wrap(err, "time out attempt")
		}
		if !ok {
			result = RolloverResult{Outcome: RolloverAlreadyHandled}
			return nil
		}
		if err := appendActivity(ctx, tx, lead.ID, domain.ActivityAttemptTimeout, now,
			fmt.Sprintf("%s did not acknowledge before %s", attempt.SalesID, attempt.AckDeadline.Format(time.RFC3339))); err != nil {
			return err
		}

		pending, err = e.offerNextTx(ctx, tx, cycle, lead, attempt.QueueOrder, now)
		if err != nil {
			return err
		}
		result = RolloverResult{Outcome: RolloverTimedOut, Exhausted: pending == nil}
		if pending != nil {
			result.NextSalesID = pending.agent.ID
		}
		return nil
	})
	if err != nil {
		return RolloverResult{}, err
	}

	e.deliver(ctx, pending)
	return result, nil
}

// StopAll closes every active cycle, releasing its lead.
func (e *Engine) StopAll(ctx context.Context) (int, error) {
	stopped := 0
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		stopped = 0
		cycles, err := tx.ListActiveCycles(ctx)
		if err != nil {
			return errors.Wrap(err, "list active cycles")
		}
		now := e.clock.Now()
		for _, cycle := range cycles {
			if _, err := tx.LockLead(ctx, cycle.LeadID); err != nil {
				return leadError(err)
			}
			if _, err := tx.CloseWaitingAttempts(ctx, cycle.ID, "", domain.CloseReasonManualStop, now); err != nil {
				return errors.Wrap(err, "close waiting attempts")
			}
			ok, err := tx.TransitionCycle(ctx, cycle.ID, domain.CycleStatusActive, domain.CycleStatusStopped, now)
			if err != nil {
				return errors.Wrap(err, "stop cycle")
			}
			if !ok {
				continue
			}
			if err := tx.UpdateLeadFlow(ctx, cycle.LeadID, domain.FlowStatusOpen, "", now); err != nil {
				return errors.Wrap(err, "release lead")
			}
			if err := appendActivity(ctx, tx, cycle.LeadID, domain.ActivityManualStop, now, "distribution stopped by operator"); err != nil {
				return err
			}
			stopped++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.logger.Infow("distribution stopped", "stopped_cycles", stopped)
	return stopped, nil
}

// CycleState returns the lead's most recent cycle with its attempts. Cycle is
// nil when the lead was never distributed.
func (e *Engine) CycleState(ctx context.Context, leadID string) (domain.CycleState, error) {
	state := domain.CycleState{Attempts: make([]domain.DistributionAttempt, 0)}
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.GetLead(ctx, leadID); err != nil {
			return leadError(err)
		}
		cycle, err := tx.LatestCycle(ctx, leadID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "latest cycle")
		}
		attempts, err := tx.ListAttempts(ctx, cycle.ID)
		if err != nil {
			return errors.Wrap(err, "list attempts")
		}
		state.Cycle = cycle
		state.Attempts = attempts
		return nil
	})
	return state, err
}

// Queue returns the roster ordered by queue position.
func (e *Engine) Queue(ctx context.Context) ([]domain.QueueEntry, error) {
	var entries []domain.QueueEntry
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		entries, err = tx.ListQueue(ctx)
		return err
	})
	return entries, err
}

// RecordSweepError attaches a failed rollover to the lead's audit trail.
func (e *Engine) RecordSweepError(ctx context.Context, leadID string, cause error) error {
	return e.store.InTx(ctx, func(tx repository.Tx) error {
		return appendActivity(ctx, tx, leadID, domain.ActivitySweepError, e.clock.Now(), cause.Error())
	})
}

func appendActivity(
	ctx context.Context,
	tx repository.ActivityStore,
	leadID string,
	kind domain.ActivityKind,
	at time.Time,
	note string,
) error {
	err := tx.AppendActivity(ctx, &domain.Activity{
		ID:        uuid.NewString(),
		LeadID:    leadID,
		Kind:      kind,
		Note:      note,
		CreatedAt: at,
	})
	return errors.Wrapf(err, "append %s activity", kind)
}

func leadError(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrLeadNotFound
	}
	return errors.Wrap(err, "lock lead")
}
