package delivery

import (
	"context"
	"time"

	"github.com/austindbirch/status_relay/internal/transport"
)

// Job is one delivery request: a payload for an ordered recipient set on one session.
type Job struct {
	ID         string            `json:"job_id"`
	SessionID  string            `json:"session_id"`
	PostID     string            `json:"post_id"`
	Address    string            `json:"address"`
	Payload    transport.Payload `json:"payload"`
	Style      *transport.Style  `json:"style,omitempty"`
	Recipients []string          `json:"recipients"`
	AnchorID   string            `json:"anchor_id,omitempty"` // reuse this message identifier
	Policy     *RetryPolicy      `json:"-"`
	Trace      map[string]string `json:"trace_headers,omitempty"`
}

// Send is one successful transport call.
type Send struct {
	MessageID  string    `json:"message_id"`
	Recipients []string  `json:"recipients"`
	At         time.Time `json:"timestamp"`
	Reused     bool      `json:"reused_identifier"`
}

// Outcome is the result of executing a job once.
type Outcome struct {
	MessageID string
	Sent      []string
	Unsent    []string
	Sends     []Send
	Err       error // last failure; nil when everything was sent
}

// Executor runs every batch of a job against the transport.
type Executor interface {
	Execute(ctx context.Context, job Job) Outcome
}

type ExecutorFunc func(ctx context.Context, job Job) Outcome

func (f ExecutorFunc) Execute(ctx context.Context, job Job) Outcome { return f(ctx, job) }

// Job statuses.
const (
	StatusDelivered = "delivered"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
)

// Summary is the final report of a job across all its attempts.
type Summary struct {
	JobID            string   `json:"job_id"`
	SessionID        string   `json:"session_id"`
	PostID           string   `json:"post_id,omitempty"`
	MessageID        string   `json:"message_id,omitempty"`
	Status           string   `json:"status"`
	Total            int      `json:"total"`
	Sent             int      `json:"sent"`
	Failed           int      `json:"failed"`
	FailedRecipients []string `json:"failed_recipients"`
	Attempts         int      `json:"attempts"`
	Sends            []Send   `json:"sends,omitempty"`
	Error            string   `json:"error,omitempty"`

	Err error `json:"-"`
}
