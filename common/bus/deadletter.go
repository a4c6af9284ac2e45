package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/officeflow/engine/common/logger"
)

// ErrBusClosed is returned by Publish after Close
var ErrBusClosed = errors.New("bus is closed")

// DeadLetter is the envelope written to a topic's DLQ when a handler keeps
// failing. AttemptCount accumulates across re-submissions.
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	Key           string          `json:"key"`
	Payload       json.RawMessage `json:"payload"`
	AttemptCount  int             `json:"attempt_count"`
	Error         string          `json:"error"`
	FailedAt      time.Time       `json:"failed_at"`
}

// EncodeDeadLetter builds the DLQ envelope for a failed message. When the
// message was itself a re-submitted envelope, the prior attempt count carries
// forward and the inner payload is kept so envelopes never nest.
func EncodeDeadLetter(msg *Message, attempts int, handlerErr error) []byte {
	errMsg := ""
	if handlerErr != nil {
		errMsg = handlerErr.Error()
	}

	prior := 0
	payload := msg.Payload
	var previous DeadLetter
	if err := json.Unmarshal(msg.Payload, &previous); err == nil && previous.OriginalTopic == msg.Topic {
		prior = previous.AttemptCount
		payload = previous.Payload
	}

	entry := DeadLetter{
		OriginalTopic: msg.Topic,
		Key:           msg.Key,
		Payload:       payload,
		AttemptCount:  prior + attempts,
		Error:         errMsg,
		FailedAt:      time.Now().UTC(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// Marshal of plain fields cannot realistically fail; keep the contract total
		return []byte(`{"original_topic":"` + msg.Topic + `"}`)
	}
	return data
}

// DLQProcessor drains a topic's dead-letter queue. Messages below the
// quarantine threshold are re-submitted to their original topic; the rest are
// parked on the quarantine topic for manual inspection.
type DLQProcessor struct {
	bus                 Bus
	log                 *logger.Logger
	quarantineThreshold int
}

// NewDLQProcessor creates a DLQ processor with the default quarantine threshold
func NewDLQProcessor(b Bus, log *logger.Logger) *DLQProcessor {
	return &DLQProcessor{
		bus:                 b,
		log:                 log,
		quarantineThreshold: 6,
	}
}

// WithQuarantineThreshold overrides the quarantine threshold
func (p *DLQProcessor) WithQuarantineThreshold(n int) *DLQProcessor {
	p.quarantineThreshold = n
	return p
}

// Watch subscribes to the DLQ of a topic and processes entries
func (p *DLQProcessor) Watch(ctx context.Context, topic string) error {
	return p.bus.Subscribe(ctx, DLQTopic(topic), func(ctx context.Context, msg *Message) error {
		var entry DeadLetter
		if err := json.Unmarshal(msg.Payload, &entry); err != nil {
			p.log.Error("invalid dead letter entry", "topic", msg.Topic, "error", err)
			return nil
		}

		if entry.AttemptCount >= p.quarantineThreshold {
			p.log.Warn("quarantining message",
				"original_topic", entry.OriginalTopic,
				"key", entry.Key,
				"attempt_count", entry.AttemptCount)
			return p.bus.Publish(ctx, QuarantineTopic(entry.OriginalTopic), entry.Key, msg.Payload)
		}

		// Re-submit the whole envelope so the next dead-lettering sees the
		// accumulated attempt count. deliver unwraps it before the handler.
		p.log.Info("re-submitting dead letter",
			"original_topic", entry.OriginalTopic,
			"key", entry.Key,
			"attempt_count", entry.AttemptCount)
		return p.bus.Publish(ctx, entry.OriginalTopic, entry.Key, msg.Payload)
	})
}

// resubmissionView returns the message a handler should see. A re-submitted
// dead letter arrives on its original topic still wearing the DLQ envelope;
// the handler gets the original payload while the envelope stays on the
// message for EncodeDeadLetter to read.
func resubmissionView(msg *Message) *Message {
	var entry DeadLetter
	if err := json.Unmarshal(msg.Payload, &entry); err != nil || entry.OriginalTopic != msg.Topic {
		return msg
	}
	view := *msg
	view.Payload = entry.Payload
	return &view
}
