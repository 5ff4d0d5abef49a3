package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/status_relay/internal/engagement"
	"github.com/austindbirch/status_relay/internal/logging"
	"github.com/austindbirch/status_relay/internal/transport"
)

type recordingSink struct {
	mu       sync.Mutex
	sessions []string
	receipts []engagement.Receipt
}

func (s *recordingSink) Publish(_ context.Context, sessionID string, r engagement.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, sessionID)
	s.receipts = append(s.receipts, r)
	return nil
}

func TestBehaviorFail(t *testing.T) {
	b := &behavior{FailFirstN: 2, MaxRecipients: 3}

	tests := []struct {
		name       string
		call       transport.Call
		wantStatus int
	}{
		{name: "first send fails", call: sendCall(1), wantStatus: http.StatusServiceUnavailable},
		{name: "history is never counted", call: transport.Call{Op: "history"}},
		{name: "second send fails", call: sendCall(1), wantStatus: http.StatusServiceUnavailable},
		{name: "third send succeeds", call: sendCall(3)},
		{name: "oversized send times out", call: sendCall(4), wantStatus: http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.fail(tt.call)
			if tt.wantStatus == 0 {
				if err != nil {
					t.Fatalf("fail() = %v, want nil", err)
				}
				return
			}
			var te *transport.Error
			if !errors.As(err, &te) || te.StatusCode != tt.wantStatus {
				t.Fatalf("fail() = %v, want transport error with status %d", err, tt.wantStatus)
			}
			if !transport.Retriable(err) {
				t.Errorf("status %d should be retriable", tt.wantStatus)
			}
		})
	}
}

func sendCall(n int) transport.Call {
	rcpts := make([]string, n)
	for i := range rcpts {
		rcpts[i] = "1555000000" + string(rune('0'+i)) + "@s.whatsapp.net"
	}
	return transport.Call{Op: "send", MessageID: "3EB0TEST", Options: transport.SendOptions{Recipients: rcpts}}
}

func TestBehaviorLatency(t *testing.T) {
	b := &behavior{BaseLatency: 100 * time.Millisecond, LatencyPerRecipient: 10 * time.Millisecond}

	if got := b.latency(sendCall(5)); got != 150*time.Millisecond {
		t.Errorf("send latency = %v, want 150ms", got)
	}
	if got := b.latency(transport.Call{Op: "delete"}); got != 100*time.Millisecond {
		t.Errorf("delete latency = %v, want 100ms", got)
	}
}

func TestBehaviorReceipts(t *testing.T) {
	b := &behavior{ViewRate: 0.5}
	rs := b.receiptsFor(sendCall(4))

	var delivered, viewed int
	for _, r := range rs {
		switch r.Kind {
		case engagement.KindDelivered:
			delivered++
		case engagement.KindViewed:
			viewed++
		}
		if r.MessageID != "3EB0TEST" {
			t.Errorf("receipt message id = %q", r.MessageID)
		}
	}
	if delivered != 4 || viewed != 2 {
		t.Errorf("delivered = %d, viewed = %d; want 4 and 2", delivered, viewed)
	}
}

func TestFakeTransportOverHTTP(t *testing.T) {
	b := &behavior{FailFirstN: 1, ViewRate: 1}
	sink := &recordingSink{}
	srv := httptest.NewServer(transport.NewServer(newSimulator(b, sink, logging.Discard()), logging.Discard()))
	defer srv.Close()

	sessions := transport.NewHTTPSessions(transport.HTTPOptions{BaseURL: srv.URL, Timeout: 5 * time.Second})
	tr, err := sessions.Session("s1")
	if err != nil {
		t.Fatalf("Session() error: %v", err)
	}

	ctx := context.Background()
	payload := transport.Payload{Kind: "text", Text: "hi"}
	opts := transport.SendOptions{Recipients: []string{"15550000001@s.whatsapp.net", "15550000002@s.whatsapp.net"}}

	if _, err := tr.SendToAddress(ctx, "status@broadcast", payload, opts); err == nil {
		t.Fatal("first send should fail")
	} else if !transport.Retriable(err) {
		t.Errorf("first send error %v should be retriable", err)
	}

	res, err := tr.SendToAddress(ctx, "status@broadcast", payload, opts)
	if err != nil {
		t.Fatalf("second send error: %v", err)
	}
	if res.MessageID == "" {
		t.Fatal("second send returned no message id")
	}

	sink.mu.Lock()
	published := append([]string(nil), sink.sessions...)
	sink.mu.Unlock()
	if len(published) != 4 {
		t.Fatalf("published receipts = %d, want 4", len(published))
	}
	if published[0] != "s1" {
		t.Errorf("published session = %q, want s1", published[0])
	}

	history, err := tr.FetchHistory(ctx, engagement.HistoryRequest{AnchorID: res.MessageID, Count: 10})
	if err != nil {
		t.Fatalf("FetchHistory() error: %v", err)
	}
	if len(history) != 4 {
		t.Errorf("history receipts = %d, want 4", len(history))
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("FAKE_TRANSPORT_TEST_INT", "7")
	t.Setenv("FAKE_TRANSPORT_TEST_FLOAT", "0.25")
	t.Setenv("FAKE_TRANSPORT_TEST_DURATION", "3s")
	t.Setenv("FAKE_TRANSPORT_TEST_BAD", "nope")

	if got := getEnvInt("FAKE_TRANSPORT_TEST_INT", 1); got != 7 {
		t.Errorf("getEnvInt = %d, want 7", got)
	}
	if got := getEnvInt("FAKE_TRANSPORT_TEST_BAD", 1); got != 1 {
		t.Errorf("getEnvInt(bad) = %d, want 1", got)
	}
	if got := getEnvFloat("FAKE_TRANSPORT_TEST_FLOAT", 1); got != 0.25 {
		t.Errorf("getEnvFloat = %v, want 0.25", got)
	}
	if got := getEnvDuration("FAKE_TRANSPORT_TEST_DURATION", time.Second); got != 3*time.Second {
		t.Errorf("getEnvDuration = %v, want 3s", got)
	}
	if got := getEnv("FAKE_TRANSPORT_TEST_UNSET", "x"); got != "x" {
		t.Errorf("getEnv(unset) = %q, want x", got)
	}
}
