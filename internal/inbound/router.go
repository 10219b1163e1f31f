package inbound

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iago/wa-lead-router/internal/channel"
	"github.com/iago/wa-lead-router/internal/distribution"
	"github.com/iago/wa-lead-router/internal/domain"
	"github.com/iago/wa-lead-router/internal/logging"
	"github.com/iago/wa-lead-router/internal/policy"
	"github.com/iago/wa-lead-router/internal/repository"
	"github.com/iago/wa-lead-router/internal/schedule"
)

var ErrInvalidEvent = errors.New("invalid inbound event")

// errDuplicateInsert rolls back a client unit of work that lost the dedup race.
var errDuplicateInsert = errors.New("duplicate inbound message")

type Kind string

const (
	KindDuplicate                 Kind = "duplicate"
	KindSalesMessage              Kind = "sales_message"
	KindSalesMessageNoPendingLead Kind = "sales_message_no_pending_lead"
	KindClientMessage             Kind = "client_message"
)

type RouteResult struct {
	Kind               Kind                    `json:"kind"`
	LeadID             string                  `json:"lead_id,omitempty"`
	SalesID            string                  `json:"sales_id,omitempty"`
	Ack                *distribution.AckResult `json:"ack,omitempty"`
	Reason             distribution.AckReason  `json:"reason,omitempty"`
	Reply              string                  `json:"reply,omitempty"`
	AutoReply          string                  `json:"auto_reply,omitempty"`
	FirstClientMessage bool                    `json:"first_client_message"`
	WithinHours        bool                    `json:"within_hours"`
}

type Dependencies struct {
	Store   repository.Store
	Engine  *distribution.Engine
	Channel channel.Channel
	Clock   schedule.Clock
	Logger  *zap.SugaredLogger
}

// Router classifies inbound channel messages as duplicates, agent claims or
// client messages, and drives the distribution engine accordingly.
type Router struct {
	store   repository.Store
	engine  *distribution.Engine
	channel channel.Channel
	clock   schedule.Clock
	logger  *zap.SugaredLogger
}

func NewRouter(deps Dependencies) *Router {
	clock := deps.Clock
	if clock == nil {
		clock = schedule.RealClock{}
	}
	return &Router{
		store:   deps.Store,
		engine:  deps.Engine,
		channel: deps.Channel,
		clock:   clock,
		logger:  logging.OrNop(deps.Logger).Named("router"),
	}
}

// classified is what the first unit of work learned about the sender.
type classified struct {
	agent          *domain.SalesAgent
	latest         *domain.DistributionAttempt
	lead           *domain.Lead
	firstMessage   bool
	withinHours    bool
	outsideMessage string
	offer          distribution.PendingOffer
}

// Route processes one inbound event. Replies to agents are sent here; the
// client auto reply is only computed and left to the caller.
func (r *Router) Route(ctx context.Context, event domain.InboundMessageEvent) (RouteResult, error) {
	phone := domain.NormalizePhone(event.FromChannelID)
	if phone == "" {
		return RouteResult{}, errors.Wrap(ErrInvalidEvent, "sender is required")
	}
	receivedAt := event.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = r.clock.Now()
	}

	var (
		info      classified
		duplicate bool
	)
	err := r.store.InTx(ctx, func(tx repository.Tx) error {
		info = classified{}
		if event.ProviderMessageID != "" {
			exists, err := tx.InboundMessageExists(ctx, event.ProviderMessageID)
			if err != nil {
				return errors.Wrap(err, "check inbound message")
			}
			if exists {
				duplicate = true
				return nil
			}
		}

		agent, err := tx.FindActiveAgentByPhone(ctx, phone)
		switch {
		case err == nil:
			return r.recordAgentMessage(ctx, tx, agent, phone, event, receivedAt, &info)
		case errors.Is(err, repository.ErrNotFound):
			return r.recordClientMessage(ctx, tx, phone, event, receivedAt, &info)
		default:
			return errors.Wrap(err, "find agent")
		}
	})
	if errors.Is(err, errDuplicateInsert) {
		duplicate = true
		err = nil
	}
	if err != nil {
		return RouteResult{}, err
	}
	if duplicate {
		r.logger.Infow("duplicate inbound message skipped", "provider_message_id", event.ProviderMessageID)
		return RouteResult{Kind: KindDuplicate}, nil
	}

	if info.agent != nil {
		return r.routeAgent(ctx, info, event)
	}
	return r.routeClient(ctx, info), nil
}

func (r *Router) recordAgentMessage(
	ctx context.Context,
	tx repository.Tx,
	agent *domain.SalesAgent,
	phone string,
	event domain.InboundMessageEvent,
	receivedAt time.Time,
	info *classified,
) error {
	inserted, err := tx.SaveInboundMessage(ctx, &domain.InboundMessage{
		ID:                uuid.NewString(),
		SalesID:           agent.ID,
		ProviderMessageID: event.ProviderMessageID,
		From:              phone,
		Text:              event.Text,
		ReceivedAt:        receivedAt,
	})
	if err != nil {
		return errors.Wrap(err, "save agent message")
	}
	if !inserted {
		return errDuplicateInsert
	}

	latest, err := tx.LatestAttemptForSales(ctx, agent.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return errors.Wrap(err, "latest attempt for agent")
	}
	info.agent = agent
	info.latest = latest
	return nil
}

func (r *Router) recordClientMessage(
	ctx context.Context,
	tx repository.Tx,
	phone string,
	event domain.InboundMessageEvent,
	receivedAt time.Time,
	info *classified,
) error {
	settings, err := tx.GetSettings(ctx)
	if err != nil {
		return errors.Wrap(err, "load settings")
	}
	now := r.clock.Now()
	window := distribution.WindowFromSettings(settings)
	info.withinHours = window.IsOpen(now)
	info.outsideMessage = settings.OutsideHoursReply

	if err := tx.LockPhone(ctx, phone); err != nil {
		return errors.Wrap(err, "lock phone")
	}
	lead, err := tx.FindLatestLeadByPhone(ctx, phone)
	if errors.Is(err, repository.ErrNotFound) {
		lead = &domain.Lead{
			ID:         uuid.NewString(),
			Phone:      phone,
			Name:       strings.TrimSpace(event.DisplayName),
			Source:     "whatsapp",
			Status:     "new",
			FlowStatus: window.InitialFlowStatus(now),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.CreateLead(ctx, lead); err != nil {
			return errors.Wrap(err, "create lead")
		}
		r.logger.Infow("lead created",
			"lead_id", lead.ID,
			"phone", policy.MaskPhone(phone),
			"flow_status", lead.FlowStatus,
		)
	} else if err != nil {
		return errors.Wrap(err, "find lead by phone")
	}

	inserted, err := tx.SaveInboundMessage(ctx, &domain.InboundMessage{
		ID:                uuid.NewString(),
		LeadID:            lead.ID,
		ProviderMessageID: event.ProviderMessageID,
		From:              phone,
		Text:              event.Text,
		ReceivedAt:        receivedAt,
	})
	if err != nil {
		return errors.Wrap(err, "save client message")
	}
	if !inserted {
		return errDuplicateInsert
	}

	count, err := tx.CountLeadMessages(ctx, lead.ID)
	if err != nil {
		return errors.Wrap(err, "count lead messages")
	}
	info.lead = lead
	info.firstMessage = count == 1
	if !info.firstMessage {
		return nil
	}

	// The cycle commits or rolls back together with the message row.
	if _, info.offer, err = r.engine.EnsureActiveCycleTx(ctx, tx, lead.ID); err != nil {
		return errors.Wrap(err, "start distribution")
	}
	return nil
}

func (r *Router) routeAgent(ctx context.Context, info classified, event domain.InboundMessageEvent) (RouteResult, error) {
	agent := info.agent
	latest := info.latest

	if latest == nil || latest.Status != domain.AttemptStatusWaitingOK {
		result := RouteResult{Kind: KindSalesMessageNoPendingLead, SalesID: agent.ID, Reason: distribution.AckNoPending}
		if latest != nil {
			result.LeadID = latest.LeadID
			result.Reason = distribution.ReasonForAttempt(latest)
		}
		result.Reply = distribution.ReplyForReason(result.Reason)
		r.reply(ctx, agent.Phone, result.Reply)
		return result, nil
	}

	ack, err := r.engine.Acknowledge(ctx, latest.LeadID, agent.ID, event.Text)
	if err != nil {
		return RouteResult{}, errors.Wrap(err, "acknowledge")
	}
	result := RouteResult{
		Kind:    KindSalesMessage,
		LeadID:  latest.LeadID,
		SalesID: agent.ID,
		Ack:     &ack,
		Reason:  ack.Reason,
	}
	if ack.Accepted {
		lead, err := r.loadLead(ctx, latest.LeadID)
		if err != nil {
			return RouteResult{}, err
		}
		result.Reply = distribution.AcceptedMessage(lead)
	} else {
		result.Reply = distribution.ReplyForReason(ack.Reason)
	}
	r.reply(ctx, agent.Phone, result.Reply)
	return result, nil
}

func (r *Router) routeClient(ctx context.Context, info classified) RouteResult {
	result := RouteResult{
		Kind:               KindClientMessage,
		LeadID:             info.lead.ID,
		FirstClientMessage: info.firstMessage,
		WithinHours:        info.withinHours,
	}
	if !info.firstMessage {
		return result
	}

	if info.withinHours {
		result.AutoReply = distribution.ReplyClientWait
	} else {
		result.AutoReply = info.outsideMessage
	}
	r.engine.Deliver(ctx, info.offer)
	return result
}

// RouteAndReply routes the event and sends the client auto reply, if any.
func (r *Router) RouteAndReply(ctx context.Context, event domain.InboundMessageEvent) (RouteResult, error) {
	result, err := r.Route(ctx, event)
	if err != nil {
		return result, err
	}
	if result.AutoReply != "" {
		r.reply(ctx, domain.NormalizePhone(event.FromChannelID), result.AutoReply)
	}
	return result, nil
}

func (r *Router) reply(ctx context.Context, to, body string) {
	if r.channel == nil || body == "" {
		return
	}
	result := r.channel.SendText(ctx, to, body)
	if !result.OK() {
		_, reason := channel.Describe(result)
		r.logger.Warnw("reply send failed", "to", policy.MaskPhone(to), "error", reason)
	}
}

func (r *Router) loadLead(ctx context.Context, leadID string) (domain.Lead, error) {
	var lead domain.Lead
	err := r.store.InTx(ctx, func(tx repository.Tx) error {
		found, err := tx.GetLead(ctx, leadID)
		if err != nil {
			return errors.Wrap(err, "load lead")
		}
		lead = *found
		return nil
	})
	return lead, err
}
