package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iago/wa-lead-router/internal/domain"
	"github.com/iago/wa-lead-router/internal/logging"
	"github.com/iago/wa-lead-router/internal/schedule"
)

const localRetryStep = 500 * time.Millisecond

// LocalQueue is the in-process queue used when Redis is not configured.
// Failed messages are redelivered with a linear backoff and parked in an
// in-memory dead-letter list after maxAttempts.
type LocalQueue struct {
	ch          chan domain.QueueMessage
	maxAttempts int
	clock       schedule.Clock
	logger      *zap.SugaredLogger

	mu          sync.Mutex
	deadLetters []domain.QueueMessage
}

func NewLocalQueue(bufferSize, maxAttempts int, logger *zap.SugaredLogger) *LocalQueue {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &LocalQueue{
		ch:          make(chan domain.QueueMessage, bufferSize),
		maxAttempts: maxAttempts,
		clock:       schedule.RealClock{},
		logger:      logging.OrNop(logger).Named("queue.local"),
	}
}

// WithClock replaces the clock that schedules redeliveries.
func (q *LocalQueue) WithClock(clock schedule.Clock) *LocalQueue {
	q.clock = clock
	return q
}

func (q *LocalQueue) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	return q.EnqueueBatch(ctx, []domain.QueueMessage{message})
}

func (q *LocalQueue) EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error {
	for _, message := range messages {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case q.ch <- message:
		}
	}
	return nil
}

func (q *LocalQueue) Consume(ctx context.Context, handler func(context.Context, domain.QueueMessage) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message := <-q.ch:
			if err := handler(ctx, message); err != nil {
				q.retry(ctx, message, err)
			}
		}
	}
}

func (q *LocalQueue) retry(ctx context.Context, message domain.QueueMessage, cause error) {
	message.Attempt++
	if message.Attempt >= q.maxAttempts {
		q.mu.Lock()
		q.deadLetters = append(q.deadLetters, message)
		q.mu.Unlock()
		q.logger.Warnw("moved message to DLQ",
			"message_id", message.MessageID,
			"attempt", message.Attempt,
			"error", cause,
		)
		return
	}

	q.clock.AfterFunc(time.Duration(message.Attempt)*localRetryStep, func() {
		select {
		case q.ch <- message:
		case <-ctx.Done():
		}
	})
}

// DeadLetters returns a copy of the parked messages.
func (q *LocalQueue) DeadLetters() []domain.QueueMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.QueueMessage(nil), q.deadLetters...)
}
