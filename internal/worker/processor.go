package worker

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/iago/wa-lead-router/internal/domain"
	"github.com/iago/wa-lead-router/internal/inbound"
	"github.com/iago/wa-lead-router/internal/logging"
	"github.com/iago/wa-lead-router/internal/policy"
	"github.com/iago/wa-lead-router/internal/queue"
)

const consumeRetryDelay = 2 * time.Second

// Router is the part of inbound.Router the processor needs.
type Router interface {
	RouteAndReply(ctx context.Context, event domain.InboundMessageEvent) (inbound.RouteResult, error)
}

// Processor consumes queued inbound events and routes them.
type Processor struct {
	consumer queue.Consumer
	router   Router
	logger   *zap.SugaredLogger
}

func NewProcessor(consumer queue.Consumer, router Router, logger *zap.SugaredLogger) *Processor {
	return &Processor{
		consumer: consumer,
		router:   router,
		logger:   logging.OrNop(logger).Named("worker"),
	}
}

// Start blocks until ctx is done, restarting the consume loop after errors.
func (p *Processor) Start(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.processMessage)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.logger.Errorw("worker consume loop error", "error", err)

		timer := time.NewTimer(consumeRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Processor) processMessage(ctx context.Context, message domain.QueueMessage) error {
	result, err := p.router.RouteAndReply(ctx, message.Event)
	if errors.Is(err, inbound.ErrInvalidEvent) {
		// Redelivery cannot fix a malformed event.
		p.logger.Warnw("inbound event dropped",
			"message_id", message.MessageID,
			"provider_message_id", message.Event.ProviderMessageID,
			"error", err,
		)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "route message %s", message.MessageID)
	}

	p.logger.Infow("inbound event routed",
		"message_id", message.MessageID,
		"attempt", message.Attempt+1,
		"kind", result.Kind,
		"lead_id", result.LeadID,
		"sales_id", result.SalesID,
		"from", policy.MaskPhone(domain.NormalizePhone(message.Event.FromChannelID)),
		"text", policy.MaskPIIString(message.Event.Text),
	)
	return nil
}
