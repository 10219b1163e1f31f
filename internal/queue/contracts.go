package queue

import (
	"context"

	"github.com/iago/wa-lead-router/internal/domain"
)

// Producer hands inbound message events to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, message domain.QueueMessage) error
	// EnqueueBatch keeps the events of one webhook delivery together.
	EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error
}

// Consumer receives inbound message events and executes handlers.
type Consumer interface {
	Consume(ctx context.Context, handler func(context.Context, domain.QueueMessage) error) error
}
