package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/status_relay/internal/tracing"
)

const DLQType = "delivery.dlq"

// DeadLetter is published when a job exhausts its attempts with recipients
// still unsent.
type DeadLetter struct {
	Type      string   `json:"type"`    // "delivery.dlq"
	Version   string   `json:"version"` // schema version
	At        string   `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason    string   `json:"reason"`
	Attempt   int      `json:"attempt"` // attempts used
	LastError string   `json:"last_error,omitempty"`
	MessageID string   `json:"message_id,omitempty"`
	Sent      int      `json:"sent"`
	Unsent    []string `json:"unsent"`
	Job       Job      `json:"job"` // job as first submitted
}

func NewDeadLetter(j Job, s Summary, reason string) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        time.Now().UTC().Format(time.RFC3339Nano),
		Reason:    reason,
		Attempt:   s.Attempts,
		LastError: s.Error,
		MessageID: s.MessageID,
		Sent:      s.Sent,
		Unsent:    s.FailedRecipients,
		Job:       j,
	}
}

type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl DeadLetter) error
}

// NSQDeadLetters publishes dead letters to an NSQ topic.
type NSQDeadLetters struct {
	producer *nsq.Producer
	topic    string
}

func NewNSQDeadLetters(producer *nsq.Producer, topic string) *NSQDeadLetters {
	return &NSQDeadLetters{producer: producer, topic: topic}
}

func (p *NSQDeadLetters) PublishDeadLetter(ctx context.Context, dl DeadLetter) error {
	dl.Job.Trace = tracing.PropagateTraceToNSQ(ctx)
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", p.topic))
	return nil
}
