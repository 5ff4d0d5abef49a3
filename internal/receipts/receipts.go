// Package receipts carries live engagement receipts over NSQ.
package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/status_relay/internal/engagement"
	"github.com/austindbirch/status_relay/internal/logging"
	"github.com/austindbirch/status_relay/internal/tracing"
)

const EnvelopeType = "engagement.receipt"

// Envelope is the NSQ message body of one receipt.
type Envelope struct {
	Type         string             `json:"type"`
	SessionID    string             `json:"session_id,omitempty"`
	Receipt      engagement.Receipt `json:"receipt"`
	TraceHeaders map[string]string  `json:"trace_headers,omitempty"`
}

// Encode wraps a receipt with the trace context of ctx.
func Encode(ctx context.Context, sessionID string, r engagement.Receipt) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:         EnvelopeType,
		SessionID:    sessionID,
		Receipt:      r,
		TraceHeaders: tracing.PropagateTraceToNSQ(ctx),
	})
}

type Recorder interface {
	RecordReceipt(ctx context.Context, r engagement.Receipt) error
}

// Handler feeds consumed receipts into a Recorder. Malformed messages are
// dropped rather than requeued.
type Handler struct {
	rec Recorder
	log *logging.Logger
}

func NewHandler(rec Recorder, log *logging.Logger) *Handler {
	return &Handler{rec: rec, log: log}
}

var errBadEnvelope = errors.New("bad receipt envelope")

func decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("%w: %v", errBadEnvelope, err)
	}
	if env.Type != "" && env.Type != EnvelopeType {
		return env, fmt.Errorf("%w: unexpected type %q", errBadEnvelope, env.Type)
	}
	return env, nil
}

func (h *Handler) HandleMessage(m *nsq.Message) error {
	env, err := decode(m.Body)
	if err != nil {
		h.log.Plain().WithError(err).Error("bad receipt payload")
		return nil
	}

	ctx := tracing.ExtractTraceFromNSQ(context.Background(), env.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "receipts.consume",
		attribute.String("message_id", env.Receipt.MessageID),
		attribute.String("kind", string(env.Receipt.Kind)),
	)
	defer span.End()

	if env.Receipt.Source == "" {
		env.Receipt.Source = engagement.SourceLive
	}
	if err := h.rec.RecordReceipt(ctx, env.Receipt); err != nil {
		tracing.SetSpanError(ctx, err)
		h.log.WithContext(ctx).WithSession(env.SessionID).WithMessage(env.Receipt.MessageID).
			WithError(err).Warn("receipt rejected")
		return nil
	}
	return nil
}

// Publisher emits receipts to an NSQ topic.
type Publisher struct {
	producer *nsq.Producer
	topic    string
}

func NewPublisher(producer *nsq.Producer, topic string) *Publisher {
	return &Publisher{producer: producer, topic: topic}
}

func (p *Publisher) Publish(ctx context.Context, sessionID string, r engagement.Receipt) error {
	b, err := Encode(ctx, sessionID, r)
	if err != nil {
		return err
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		return fmt.Errorf("publish receipt: %w", err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_receipt", attribute.String("topic", p.topic))
	return nil
}
