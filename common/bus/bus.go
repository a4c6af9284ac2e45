package bus

import (
	"context"
	"sync"

	"github.com/officeflow/engine/common/logger"
)

// Bus is the message transport contract. Publish keys messages so that all
// traffic for one organization stays ordered; Subscribe registers a handler
// under this instance's consumer group. Delivery is at-least-once.
type Bus interface {
	Publish(ctx context.Context, topic string, key string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}

// Handler processes messages. Returning an error triggers redelivery and,
// after handlerMaxAttempts, dead-lettering.
type Handler func(ctx context.Context, msg *Message) error

// Message is a single bus delivery
type Message struct {
	ID      string
	Topic   string
	Key     string
	Payload []byte
	// Attempt counts deliveries of this message, 1-based
	Attempt int
}

// handlerMaxAttempts is how many times a handler may fail before the message
// is forwarded to the topic's dead-letter queue.
const handlerMaxAttempts = 3

// DLQTopic returns the dead-letter topic for a topic
func DLQTopic(topic string) string {
	return topic + ".dlq"
}

// QuarantineTopic returns the quarantine topic for a topic
func QuarantineTopic(topic string) string {
	return topic + ".quarantine"
}

// MemoryBus is an in-process bus for tests and single-node development
type MemoryBus struct {
	topics map[string]chan *Message
	mu     sync.RWMutex
	wg     sync.WaitGroup
	closed bool
	log    *logger.Logger
}

// NewMemoryBus creates a new in-memory bus
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		topics: make(map[string]chan *Message),
		log:    log,
	}
}

func (b *MemoryBus) channel(topic string) chan *Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, exists := b.topics[topic]
	if !exists {
		ch = make(chan *Message, 1000)
		b.topics[topic] = ch
	}
	return ch
}

// Publish publishes a message to a topic
func (b *MemoryBus) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	msg := &Message{
		Topic:   topic,
		Key:     key,
		Payload: payload,
		Attempt: 1,
	}

	ch := b.channel(topic)
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		b.log.Warn("bus topic full, dropping message", "topic", topic, "key", key)
		return nil
	}
}

// Subscribe subscribes to a topic and processes messages until ctx is done.
// Failed messages are retried up to handlerMaxAttempts, then dead-lettered.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	ch := b.channel(topic)

	b.log.Info("subscribing to topic", "topic", topic)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				b.log.Info("subscription cancelled", "topic", topic)
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.deliver(ctx, topic, msg, handler)
			}
		}
	}()

	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, topic string, msg *Message, handler Handler) {
	handlerMsg := resubmissionView(msg)
	var lastErr error
	for attempt := 1; attempt <= handlerMaxAttempts; attempt++ {
		handlerMsg.Attempt = attempt
		if err := handler(ctx, handlerMsg); err != nil {
			lastErr = err
			b.log.Warn("message handler error",
				"topic", topic,
				"key", msg.Key,
				"attempt", attempt,
				"error", err)
			continue
		}
		return
	}

	// All attempts exhausted, forward to DLQ with the error envelope
	entry := EncodeDeadLetter(msg, handlerMaxAttempts, lastErr)
	if err := b.Publish(ctx, DLQTopic(topic), msg.Key, entry); err != nil {
		b.log.Error("failed to dead-letter message", "topic", topic, "key", msg.Key, "error", err)
	}
}

// Close closes the bus
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for topic, ch := range b.topics {
		close(ch)
		b.log.Info("closed topic", "topic", topic)
	}
	return nil
}
