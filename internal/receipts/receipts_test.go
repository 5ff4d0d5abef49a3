package receipts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/austindbirch/status_relay/internal/engagement"
	"github.com/austindbirch/status_relay/internal/logging"
	"github.com/austindbirch/status_relay/internal/tracing"
)

type fakeRecorder struct {
	mu       sync.Mutex
	receipts []engagement.Receipt
	traceIDs []string
	err      error
}

func (f *fakeRecorder) RecordReceipt(ctx context.Context, r engagement.Receipt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, r)
	f.traceIDs = append(f.traceIDs, tracing.GetTraceID(ctx))
	return f.err
}

func message(body []byte) *nsq.Message {
	var id nsq.MessageID
	copy(id[:], "0123456789abcdef")
	return nsq.NewMessage(id, body)
}

func TestHandler_RecordsReceipt(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	wantTrace := span.SpanContext().TraceID().String()

	r := engagement.Receipt{
		MessageID:   "3EB0AAAA",
		Participant: "15550000001@s.whatsapp.net",
		Kind:        engagement.KindViewed,
		At:          time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	body, err := Encode(ctx, "s1", r)
	span.End()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	rec := &fakeRecorder{}
	h := NewHandler(rec, logging.Discard())
	if err := h.HandleMessage(message(body)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	if len(rec.receipts) != 1 {
		t.Fatalf("recorded %d receipts, want 1", len(rec.receipts))
	}
	got := rec.receipts[0]
	if got.MessageID != r.MessageID || got.Participant != r.Participant || got.Source != engagement.SourceLive {
		t.Errorf("recorded %+v", got)
	}
	if rec.traceIDs[0] != wantTrace {
		t.Errorf("trace id = %q, want %q", rec.traceIDs[0], wantTrace)
	}
}

func TestHandler_DropsBadMessages(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "{"},
		{name: "wrong type", body: `{"type":"delivery.dlq","receipt":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{}
			h := NewHandler(rec, logging.Discard())
			if err := h.HandleMessage(message([]byte(tt.body))); err != nil {
				t.Errorf("HandleMessage() error = %v, want nil so the message is finished", err)
			}
			if len(rec.receipts) != 0 {
				t.Errorf("recorded %d receipts, want 0", len(rec.receipts))
			}
		})
	}
}

func TestHandler_RejectedReceiptIsFinished(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("receipt missing message or participant")}
	h := NewHandler(rec, logging.Discard())
	body, _ := Encode(context.Background(), "s1", engagement.Receipt{Kind: engagement.KindLiked})
	if err := h.HandleMessage(message(body)); err != nil {
		t.Errorf("HandleMessage() error = %v, want nil", err)
	}
}

func TestDecode(t *testing.T) {
	env, err := decode([]byte(`{"receipt":{"message_id":"m","participant":"p","kind":"liked"}}`))
	if err != nil {
		t.Fatalf("decode() error = %v", err)
	}
	if env.Receipt.Kind != engagement.KindLiked {
		t.Errorf("Kind = %q", env.Receipt.Kind)
	}
	if _, err := decode([]byte(`[]`)); !errors.Is(err, errBadEnvelope) {
		t.Errorf("decode([]) error = %v, want errBadEnvelope", err)
	}
}
