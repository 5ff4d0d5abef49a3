package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/austindbirch/status_relay/internal/engagement"
	"github.com/austindbirch/status_relay/internal/logging"
)

// Wire shapes of the HTTP transport protocol.
type SendRequest struct {
	Address string  `json:"address"`
	Payload Payload `json:"payload"`
	SendOptions
}

type HistoryResponse struct {
	Receipts []engagement.Receipt `json:"receipts"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type HTTPOptions struct {
	BaseURL          string
	Timeout          time.Duration
	BreakerFailures  int
	BreakerResetTime time.Duration
	Logger           *logging.Logger
}

// HTTPSessions talks to a transport sidecar that hosts the connected sessions.
// Each session gets its own circuit breaker.
type HTTPSessions struct {
	base   string
	client *http.Client
	opts   HTTPOptions
	log    *logging.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewHTTPSessions(opts HTTPOptions) *HTTPSessions {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.BreakerFailures <= 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerResetTime <= 0 {
		opts.BreakerResetTime = 30 * time.Second
	}
	return &HTTPSessions{
		base:     strings.TrimRight(opts.BaseURL, "/"),
		client:   &http.Client{Timeout: opts.Timeout},
		opts:     opts,
		log:      opts.Logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (h *HTTPSessions) breaker(sessionID string) *gobreaker.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cb, ok := h.breakers[sessionID]; ok {
		return cb
	}
	threshold := uint32(h.opts.BreakerFailures)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        sessionID,
		MaxRequests: 1,
		Timeout:     h.opts.BreakerResetTime,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Rejections the remote will repeat are not a sign of an unhealthy session.
		IsSuccessful: func(err error) bool {
			return err == nil || !Retriable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.log.Plain().WithSession(name).WithFields(map[string]any{
				"from": from.String(),
				"to":   to.String(),
			}).Warn("transport circuit breaker state changed")
		},
	})
	h.breakers[sessionID] = cb
	return cb
}

// BreakerState reports the breaker state of a session, "closed" if unseen.
func (h *HTTPSessions) BreakerState(sessionID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cb, ok := h.breakers[sessionID]; ok {
		return cb.State().String()
	}
	return gobreaker.StateClosed.String()
}

func (h *HTTPSessions) Session(sessionID string) (Transport, error) {
	if sessionID == "" {
		return nil, ErrUnknownSession
	}
	return &httpSession{parent: h, id: sessionID}, nil
}

type httpSession struct {
	parent *HTTPSessions
	id     string
}

func (s *httpSession) url(parts ...string) string {
	escaped := make([]string, 0, len(parts)+2)
	escaped = append(escaped, s.parent.base, "sessions", url.PathEscape(s.id))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return strings.Join(escaped, "/")
}

func (s *httpSession) do(ctx context.Context, op, method, target string, in, out any) error {
	_, err := s.parent.breaker(s.id).Execute(func() (interface{}, error) {
		return nil, s.roundTrip(ctx, op, method, target, in, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Error{Op: op, Reason: ReasonBreakerOpen, Err: err}
	}
	return err
}

func (s *httpSession) roundTrip(ctx context.Context, op, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := s.parent.client.Do(req)
	if err != nil {
		te := &Error{Op: op, Err: err}
		te.Reason = ClassifyReason(err)
		return te
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var er errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&er)
		te := &Error{Op: op, StatusCode: resp.StatusCode}
		if er.Error != "" {
			te.Err = errors.New(er.Error)
		}
		te.Reason = ClassifyReason(te)
		return te
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Op: op, Reason: "bad_response", Err: err}
		}
	}
	return nil
}

func (s *httpSession) SendToAddress(ctx context.Context, address string, payload Payload, opts SendOptions) (SendResult, error) {
	var res SendResult
	err := s.do(ctx, "send", http.MethodPost, s.url("send"), SendRequest{Address: address, Payload: payload, SendOptions: opts}, &res)
	if err != nil {
		return SendResult{}, err
	}
	if res.MessageID == "" {
		return SendResult{}, &Error{Op: "send", Reason: "bad_response", Err: errors.New("missing message_id")}
	}
	return res, nil
}

func (s *httpSession) FetchHistory(ctx context.Context, req engagement.HistoryRequest) ([]engagement.Receipt, error) {
	var res HistoryResponse
	if err := s.do(ctx, "history", http.MethodPost, s.url("history"), req, &res); err != nil {
		return nil, err
	}
	return res.Receipts, nil
}

func (s *httpSession) DeleteByIdentifier(ctx context.Context, address, messageID string) error {
	target := s.url("messages", messageID) + "?address=" + url.QueryEscape(address)
	return s.do(ctx, "delete", http.MethodDelete, target, nil, nil)
}
