package channel

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iago/wa-lead-router/internal/logging"
	"github.com/iago/wa-lead-router/internal/policy"
)

// Noop accepts every send without delivering it. Used for local runs.
type Noop struct {
	logger *zap.SugaredLogger
}

func NewNoop(logger *zap.SugaredLogger) *Noop {
	return &Noop{logger: logging.OrNop(logger).Named("channel.noop")}
}

func (n *Noop) SendText(_ context.Context, to, body string) SendResult {
	id := "noop-" + uuid.NewString()
	n.logger.Debugw("text discarded", "to", policy.MaskPhone(to), "body", policy.MaskPIIString(body), "provider_message_id", id)
	return Sent{ProviderMessageID: id}
}

func (n *Noop) SendMedia(_ context.Context, to, caption string, media Media) SendResult {
	id := "noop-" + uuid.NewString()
	n.logger.Debugw("media discarded",
		"to", policy.MaskPhone(to),
		"caption", policy.MaskPIIString(caption),
		"mime_type", media.MimeType,
		"bytes", len(media.Data),
		"provider_message_id", id,
	)
	return Sent{ProviderMessageID: id}
}
