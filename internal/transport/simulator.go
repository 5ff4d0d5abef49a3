package transport

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/status_relay/internal/engagement"
)

// Call is one operation observed by the Simulator.
type Call struct {
	SessionID string
	Op        string // send, history, delete
	Address   string
	Payload   Payload
	Options   SendOptions
	MessageID string
	At        time.Time
	Err       error
}

type SimOptions struct {
	Latency func(c Call) time.Duration                // per call, zero by default
	Fail    func(c Call) error                        // nil error lets the call succeed
	Sleep   func(ctx context.Context, d time.Duration) error
	Now     func() time.Time
	NewID   func() string
	OnSend  func(c Call) // after a successful send
}

// Simulator is an in-process transport with scriptable latency and failures.
// It backs the development transport sidecar and tests.
type Simulator struct {
	opts SimOptions

	mu      sync.Mutex
	calls   []Call
	history map[string][]engagement.Receipt
	deleted map[string]bool
}

func NewSimulator(opts SimOptions) *Simulator {
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = NewMessageID
	}
	return &Simulator{
		opts:    opts,
		history: make(map[string][]engagement.Receipt),
		deleted: make(map[string]bool),
	}
}

// NewMessageID returns an identifier shaped like the ones the remote issues.
func NewMessageID() string {
	return "3EB0" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:16]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Simulator) Session(sessionID string) (Transport, error) {
	if sessionID == "" {
		return nil, ErrUnknownSession
	}
	return &simSession{sim: s, id: sessionID}, nil
}

// Calls returns a copy of every call observed so far.
func (s *Simulator) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Sends returns the send calls only.
func (s *Simulator) Sends() []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Op == "send" {
			out = append(out, c)
		}
	}
	return out
}

// AddHistory stores receipts served by FetchHistory for a message.
func (s *Simulator) AddHistory(messageID string, receipts ...engagement.Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[messageID] = append(s.history[messageID], receipts...)
}

func (s *Simulator) Deleted(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted[messageID]
}

func (s *Simulator) run(ctx context.Context, c Call) (Call, error) {
	c.At = s.opts.Now()
	var err error
	if s.opts.Latency != nil {
		err = s.opts.Sleep(ctx, s.opts.Latency(c))
	}
	if err == nil && s.opts.Fail != nil {
		err = s.opts.Fail(c)
	}
	c.Err = err
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
	return c, err
}

type simSession struct {
	sim *Simulator
	id  string
}

func (ss *simSession) SendToAddress(ctx context.Context, address string, payload Payload, opts SendOptions) (SendResult, error) {
	id := opts.ReuseMessageID
	if id == "" {
		id = ss.sim.opts.NewID()
	}
	opts.Recipients = append([]string(nil), opts.Recipients...)
	c, err := ss.sim.run(ctx, Call{SessionID: ss.id, Op: "send", Address: address, Payload: payload, Options: opts, MessageID: id})
	if err != nil {
		return SendResult{}, err
	}
	if ss.sim.opts.OnSend != nil {
		ss.sim.opts.OnSend(c)
	}
	return SendResult{MessageID: id, Timestamp: c.At}, nil
}

func (ss *simSession) FetchHistory(ctx context.Context, req engagement.HistoryRequest) ([]engagement.Receipt, error) {
	if _, err := ss.sim.run(ctx, Call{SessionID: ss.id, Op: "history", MessageID: req.AnchorID}); err != nil {
		return nil, err
	}

	ss.sim.mu.Lock()
	receipts := append([]engagement.Receipt(nil), ss.sim.history[req.AnchorID]...)
	ss.sim.mu.Unlock()

	// Newest first, like a history page.
	sort.SliceStable(receipts, func(i, j int) bool { return receipts[i].At.After(receipts[j].At) })
	if req.Count > 0 && len(receipts) > req.Count {
		receipts = receipts[:req.Count]
	}
	return receipts, nil
}

func (ss *simSession) DeleteByIdentifier(ctx context.Context, address, messageID string) error {
	if _, err := ss.sim.run(ctx, Call{SessionID: ss.id, Op: "delete", Address: address, MessageID: messageID}); err != nil {
		return err
	}
	ss.sim.mu.Lock()
	ss.sim.deleted[messageID] = true
	ss.sim.mu.Unlock()
	return nil
}
