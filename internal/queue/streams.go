package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iago/wa-lead-router/internal/domain"
	"github.com/iago/wa-lead-router/internal/logging"
)

const streamBlock = 5 * time.Second

type StreamsConfig struct {
	Stream      string
	DLQStream   string
	Group       string
	Consumer    string
	MaxAttempts int
}

// StreamsQueue implements Producer+Consumer backed by Redis Streams.
type StreamsQueue struct {
	client      *redis.Client
	stream      string
	dlqStream   string
	group       string
	consumer    string
	maxAttempts int
	logger      *zap.SugaredLogger
}

// NewStreamsQueue binds a stream queue to an open client. The client is owned
// by the caller.
func NewStreamsQueue(
	ctx context.Context,
	client *redis.Client,
	cfg StreamsConfig,
	logger *zap.SugaredLogger,
) (*StreamsQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "wa_inbound"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = "wa_inbound_dlq"
	}
	if cfg.Group == "" {
		cfg.Group = "wa_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "api-1"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	queue := &StreamsQueue{
		client:      client,
		stream:      cfg.Stream,
		dlqStream:   cfg.DLQStream,
		group:       cfg.Group,
		consumer:    cfg.Consumer,
		maxAttempts: cfg.MaxAttempts,
		logger:      logging.OrNop(logger).Named("queue.streams"),
	}
	if err := queue.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return queue, nil
}

func (q *StreamsQueue) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	values, err := streamValues(message)
	if err != nil {
		return err
	}
	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: values}).Result(); err != nil {
		return errors.Wrap(err, "enqueue to stream")
	}
	return nil
}

func (q *StreamsQueue) EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error {
	if len(messages) == 0 {
		return nil
	}

	pipeline := q.client.Pipeline()
	for _, message := range messages {
		values, err := streamValues(message)
		if err != nil {
			return err
		}
		pipeline.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: values})
	}

	if _, err := pipeline.Exec(ctx); err != nil {
		return errors.Wrap(err, "enqueue batch to stream")
	}
	return nil
}

func (q *StreamsQueue) Consume(ctx context.Context, handler func(context.Context, domain.QueueMessage) error) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    10,
			Block:    streamBlock,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return errors.Wrap(err, "xreadgroup")
		}

		for _, stream := range streams {
			for _, item := range stream.Messages {
				q.handleItem(ctx, item, handler)
			}
		}
	}
}

func (q *StreamsQueue) handleItem(
	ctx context.Context,
	item redis.XMessage,
	handler func(context.Context, domain.QueueMessage) error,
) {
	message, parseErr := parseStreamMessage(item)
	if parseErr != nil {
		q.logger.Warnw("unparseable stream entry", "stream_id", item.ID, "error", parseErr)
		q.deadLetter(ctx, domain.QueueMessage{}, item, parseErr.Error())
		return
	}

	handleErr := handler(ctx, message)
	if handleErr == nil {
		q.ackAndDelete(ctx, item.ID)
		return
	}

	message.Attempt++
	if message.Attempt >= q.maxAttempts {
		q.deadLetter(ctx, message, item, handleErr.Error())
		return
	}

	if requeueErr := q.Enqueue(ctx, message); requeueErr != nil {
		q.deadLetter(ctx, message, item, fmt.Sprintf("requeue failed: %v", requeueErr))
		return
	}
	q.ackAndDelete(ctx, item.ID)
}

func (q *StreamsQueue) deadLetter(ctx context.Context, message domain.QueueMessage, item redis.XMessage, reason string) {
	if err := q.sendToDLQ(ctx, message, item, reason); err != nil {
		q.logger.Errorw("dlq write failed", "stream_id", item.ID, "error", err)
	}
	q.ackAndDelete(ctx, item.ID)
}

func (q *StreamsQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return errors.Wrap(err, "ensure stream group")
}

func (q *StreamsQueue) ackAndDelete(ctx context.Context, streamID string) {
	if err := q.client.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		q.logger.Errorw("xack failed", "stream_id", streamID, "error", err)
		return
	}
	if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
		q.logger.Errorw("xdel failed", "stream_id", streamID, "error", err)
	}
}

func (q *StreamsQueue) sendToDLQ(
	ctx context.Context,
	message domain.QueueMessage,
	item redis.XMessage,
	errorMessage string,
) error {
	values := map[string]any{
		"stream_id":  item.ID,
		"message_id": message.MessageID,
		"attempt":    message.Attempt,
		"error":      errorMessage,
		"moved_at":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if raw, ok := item.Values["event"]; ok {
		values["event"] = raw
	}
	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Result(); err != nil {
		return errors.Wrap(err, "send to dlq")
	}
	return nil
}

func streamValues(message domain.QueueMessage) (map[string]any, error) {
	event, err := json.Marshal(message.Event)
	if err != nil {
		return nil, errors.Wrap(err, "encode inbound event")
	}
	return map[string]any{
		"message_id":   message.MessageID,
		"event":        string(event),
		"attempt":      message.Attempt,
		"requested_at": message.RequestedAt.Format(time.RFC3339Nano),
	}, nil
}

func parseStreamMessage(item redis.XMessage) (domain.QueueMessage, error) {
	getString := func(key string) (string, error) {
		value, ok := item.Values[key]
		if !ok {
			return "", errors.Newf("missing field %s", key)
		}
		switch casted := value.(type) {
		case string:
			return casted, nil
		case []byte:
			return string(casted), nil
		default:
			return fmt.Sprintf("%v", casted), nil
		}
	}

	messageID, err := getString("message_id")
	if err != nil {
		return domain.QueueMessage{}, err
	}

	eventString, err := getString("event")
	if err != nil {
		return domain.QueueMessage{}, err
	}
	var event domain.InboundMessageEvent
	if err := json.Unmarshal([]byte(eventString), &event); err != nil {
		return domain.QueueMessage{}, errors.Wrap(err, "invalid event")
	}

	attemptString, err := getString("attempt")
	if err != nil {
		return domain.QueueMessage{}, err
	}
	attempt, err := strconv.Atoi(attemptString)
	if err != nil {
		return domain.QueueMessage{}, errors.Wrap(err, "invalid attempt")
	}

	requestedAtString, err := getString("requested_at")
	if err != nil {
		return domain.QueueMessage{}, err
	}
	requestedAt, err := time.Parse(time.RFC3339Nano, requestedAtString)
	if err != nil {
		return domain.QueueMessage{}, errors.Wrap(err, "invalid requested_at")
	}

	return domain.QueueMessage{
		MessageID:   messageID,
		Event:       event,
		Attempt:     attempt,
		RequestedAt: requestedAt,
	}, nil
}
