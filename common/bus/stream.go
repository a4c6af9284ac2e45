package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/officeflow/engine/common/logger"
	redisWrapper "github.com/officeflow/engine/common/redis"
)

// StreamBus is a Redis Streams implementation of Bus. Every topic maps to one
// stream consumed by a consumer group, so multiple engine instances share the
// work while each message is delivered to exactly one of them. Streams are
// totally ordered, which subsumes the per-organization ordering requirement.
type StreamBus struct {
	redis    *redisWrapper.Client
	log      *logger.Logger
	group    string
	consumer string
}

// NewStreamBus creates a stream-backed bus. group names the engine
// deployment; consumer must be unique per process (the instance id).
func NewStreamBus(redisClient *redisWrapper.Client, log *logger.Logger, group, consumer string) *StreamBus {
	return &StreamBus{
		redis:    redisClient,
		log:      log,
		group:    group,
		consumer: consumer,
	}
}

// Publish adds a message to the topic's stream
func (b *StreamBus) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	_, err := b.redis.AddToStream(ctx, topic, map[string]interface{}{
		"key":     key,
		"payload": string(payload),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe consumes the topic's stream under this bus's consumer group.
// The read loop runs until ctx is cancelled.
func (b *StreamBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if err := b.redis.CreateStreamGroup(ctx, topic, b.group); err != nil {
		return fmt.Errorf("failed to create consumer group for %s: %w", topic, err)
	}

	b.log.Info("subscribing to stream", "topic", topic, "group", b.group, "consumer", b.consumer)

	go b.consumeLoop(ctx, topic, handler)
	return nil
}

func (b *StreamBus) consumeLoop(ctx context.Context, topic string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			b.log.Info("stream subscription cancelled", "topic", topic)
			return
		default:
		}

		streams, err := b.redis.ReadFromStreamGroup(ctx, b.group, b.consumer, topic, 10, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Error("stream read failed", "topic", topic, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				msg := &Message{
					ID:      entry.ID,
					Topic:   topic,
					Key:     asString(entry.Values["key"]),
					Payload: []byte(asString(entry.Values["payload"])),
				}
				b.deliver(ctx, topic, msg, handler)

				// Ack regardless of handler outcome: failures were either
				// retried or dead-lettered, re-delivering here would double
				// process.
				if err := b.redis.AckStreamMessage(ctx, topic, b.group, entry.ID); err != nil {
					b.log.Error("failed to ack message", "topic", topic, "id", entry.ID, "error", err)
				}
			}
		}
	}
}

func (b *StreamBus) deliver(ctx context.Context, topic string, msg *Message, handler Handler) {
	handlerMsg := resubmissionView(msg)
	var lastErr error
	for attempt := 1; attempt <= handlerMaxAttempts; attempt++ {
		handlerMsg.Attempt = attempt
		if err := handler(ctx, handlerMsg); err != nil {
			lastErr = err
			b.log.Warn("message handler error",
				"topic", topic,
				"key", msg.Key,
				"id", msg.ID,
				"attempt", attempt,
				"error", err)
			continue
		}
		return
	}

	entry := EncodeDeadLetter(msg, handlerMaxAttempts, lastErr)
	if err := b.Publish(ctx, DLQTopic(topic), msg.Key, entry); err != nil {
		b.log.Error("failed to dead-letter message", "topic", topic, "id", msg.ID, "error", err)
	}
}

// Close is a no-op: the underlying Redis client is owned by the caller
func (b *StreamBus) Close() error {
	return nil
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
