// Package transport defines the session-scoped send/fetch/delete collaborator
// and ships an HTTP client for it plus an in-process simulator.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/status_relay/internal/engagement"
)

var (
	ErrTransport      = errors.New("transport failure")
	ErrUnknownSession = errors.New("unknown session")
)

// Payload describes the content of a status post.
type Payload struct {
	Kind     string `json:"kind"` // text, image, video, audio
	Text     string `json:"text,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
}

func (p Payload) Validate() error {
	switch p.Kind {
	case "text":
		if strings.TrimSpace(p.Text) == "" {
			return errors.New("text payload without text")
		}
	case "image", "video", "audio":
		if p.MediaURL == "" {
			return fmt.Errorf("%s payload without media_url", p.Kind)
		}
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	return nil
}

// Style carries presentation options for text statuses.
type Style struct {
	BackgroundColor string `json:"background_color,omitempty"`
	Font            int    `json:"font,omitempty"`
}

type SendOptions struct {
	Recipients     []string `json:"recipients"`
	ReuseMessageID string   `json:"reuse_message_id,omitempty"`
	Style          *Style   `json:"style,omitempty"`
}

type SendResult struct {
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Transport is one connected session.
type Transport interface {
	SendToAddress(ctx context.Context, address string, payload Payload, opts SendOptions) (SendResult, error)
	FetchHistory(ctx context.Context, req engagement.HistoryRequest) ([]engagement.Receipt, error)
	DeleteByIdentifier(ctx context.Context, address, messageID string) error
}

// Sessions resolves a session identifier to its transport.
type Sessions interface {
	Session(sessionID string) (Transport, error)
}

// Error is a failed transport call.
type Error struct {
	Op         string
	StatusCode int
	Reason     string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Reason
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrTransport }

// Retriable reports whether a later attempt may succeed. Requests the remote
// rejected as malformed or unauthorized are final.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrUnknownSession) {
		return false
	}
	var te *Error
	if errors.As(err, &te) {
		switch te.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
			http.StatusNotFound, http.StatusUnprocessableEntity:
			return false
		}
	}
	return true
}

// ClassifyReason maps a failure to a short metrics label.
func ClassifyReason(err error) string {
	if err == nil {
		return "none"
	}
	var te *Error
	if errors.As(err, &te) {
		if te.Reason == ReasonBreakerOpen {
			return ReasonBreakerOpen
		}
		switch {
		case te.StatusCode == http.StatusTooManyRequests:
			return "rate_limited"
		case te.StatusCode >= 500:
			return "http_5xx"
		case te.StatusCode >= 400:
			return "http_4xx"
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, ErrUnknownSession) {
		return "unknown_session"
	}
	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "timeout"):
		return "timeout"
	case strings.Contains(errLower, "connection refused"):
		return "connection_refused"
	case strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns"):
		return "dns_error"
	}
	return "network"
}

const ReasonBreakerOpen = "breaker_open"
