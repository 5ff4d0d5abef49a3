// Package delivery serializes delivery jobs per session and decides when a
// failed job is retried.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/status_relay/internal/logging"
	"github.com/austindbirch/status_relay/internal/metrics"
	"github.com/austindbirch/status_relay/internal/tracing"
	"github.com/austindbirch/status_relay/internal/transport"
)

var (
	// ErrAnchor marks a job whose anchor send failed; such jobs are not retried.
	ErrAnchor      = errors.New("anchor send failed")
	ErrQueueClosed = errors.New("delivery queue closed")
	ErrInvalidJob  = errors.New("invalid delivery job")
	ErrAbandoned   = errors.New("delivery abandoned")
)

// Future resolves with a job's final summary.
type Future struct {
	once    sync.Once
	done    chan struct{}
	summary Summary
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) resolve(s Summary) {
	f.once.Do(func() {
		f.summary = s
		close(f.done)
	})
}

func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the job resolves or ctx is done. A ctx error does not
// cancel the job.
func (f *Future) Wait(ctx context.Context) (Summary, error) {
	select {
	case <-f.done:
		return f.summary, nil
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
}

type QueueOptions struct {
	Policy      RetryPolicy
	DeadLetters DeadLetterPublisher // nil disables dead-lettering
	Logger      *logging.Logger
	Sleep       func(ctx context.Context, d time.Duration) error
}

// Queue keeps one FIFO per session and runs at most one job per session at a
// time. Sessions run concurrently with each other.
type Queue struct {
	exec Executor
	opts QueueOptions
	log  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*sessionQueue
	pending  int
	closed   bool
}

type sessionQueue struct {
	id      string
	entries []*entry
	cancel  context.CancelFunc // in-flight job
}

type entry struct {
	job      Job // as submitted
	policy   RetryPolicy
	future   *Future
	attempts int
	delay    time.Duration
	pending  []string // recipients still to send
	sent     []string
	sends    []Send
	msgID    string
	lastErr  error
}

func NewQueue(exec Executor, opts QueueOptions) *Queue {
	opts.Policy = opts.Policy.withDefaults()
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		exec:     exec,
		opts:     opts,
		log:      opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*sessionQueue),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Enqueue appends a job to its session's FIFO and starts the session's loop
// if it was idle.
func (q *Queue) Enqueue(ctx context.Context, job Job) (*Future, error) {
	if job.SessionID == "" {
		return nil, fmt.Errorf("%w: missing session", ErrInvalidJob)
	}
	if len(job.Recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrInvalidJob)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Trace == nil {
		job.Trace = tracing.PropagateTraceToNSQ(ctx)
	}

	policy := q.opts.Policy
	if job.Policy != nil {
		policy = job.Policy.withDefaults()
	}
	e := &entry{
		job:     job,
		policy:  policy,
		future:  newFuture(),
		pending: append([]string(nil), job.Recipients...),
		msgID:   job.AnchorID,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	sq, ok := q.sessions[job.SessionID]
	if !ok {
		sq = &sessionQueue{id: job.SessionID}
		q.sessions[job.SessionID] = sq
		q.wg.Add(1)
		go q.loop(sq)
		metrics.ActiveSessions.Set(float64(len(q.sessions)))
	}
	sq.entries = append(sq.entries, e)
	q.pending++
	metrics.QueueDepth.Set(float64(q.pending))

	q.log.WithContext(ctx).WithSession(job.SessionID).WithJob(job.ID).WithPost(job.PostID).
		WithField("recipients", len(job.Recipients)).Debug("job enqueued")
	return e.future, nil
}

func (q *Queue) loop(sq *sessionQueue) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(sq.entries) == 0 {
			delete(q.sessions, sq.id)
			metrics.ActiveSessions.Set(float64(len(q.sessions)))
			q.mu.Unlock()
			return
		}
		e := sq.entries[0]
		sq.entries = sq.entries[1:]
		q.pending--
		metrics.QueueDepth.Set(float64(q.pending))
		ctx, cancel := context.WithCancel(q.ctx)
		sq.cancel = cancel
		q.mu.Unlock()

		q.attempt(ctx, sq, e)

		q.mu.Lock()
		sq.cancel = nil
		q.mu.Unlock()
		cancel()
	}
}

func (q *Queue) attempt(ctx context.Context, sq *sessionQueue, e *entry) {
	traced := tracing.ExtractTraceFromNSQ(ctx, e.job.Trace)
	traced, span := tracing.StartSpan(traced, "delivery.attempt",
		tracing.JobAttributes(e.job.SessionID, e.job.ID, len(e.pending), e.attempts+1)...)
	defer span.End()

	if e.delay > 0 {
		if err := q.opts.Sleep(ctx, e.delay); err != nil {
			q.finish(traced, e, ErrAbandoned)
			return
		}
	}

	e.attempts++
	job := e.job
	job.Recipients = e.pending
	job.AnchorID = e.msgID

	out := q.exec.Execute(traced, job)

	e.sent = append(e.sent, out.Sent...)
	e.sends = append(e.sends, out.Sends...)
	if out.MessageID != "" {
		e.msgID = out.MessageID
	}
	e.pending = out.Unsent
	if out.Err == nil && len(out.Unsent) > 0 {
		out.Err = errors.New("recipients left unsent")
	}
	e.lastErr = out.Err

	if len(e.pending) == 0 {
		q.finish(traced, e, nil)
		return
	}
	tracing.SetSpanError(traced, out.Err)

	q.mu.Lock()
	if ctx.Err() != nil {
		q.mu.Unlock()
		q.finish(traced, e, ErrAbandoned)
		return
	}
	retry := e.attempts < e.policy.MaxAttempts &&
		transport.Retriable(out.Err) &&
		!errors.Is(out.Err, ErrAnchor)
	if retry {
		// Back to the front so later jobs of this session stay behind it.
		e.delay = e.policy.Delay(e.attempts - 1)
		sq.entries = append([]*entry{e}, sq.entries...)
		q.pending++
		metrics.QueueDepth.Set(float64(q.pending))
	}
	q.mu.Unlock()

	if retry {
		reason := transport.ClassifyReason(out.Err)
		metrics.RecordRetry(reason)
		q.log.WithContext(traced).WithSession(e.job.SessionID).WithJob(e.job.ID).WithMessage(e.msgID).
			WithError(out.Err).WithFields(map[string]any{
			"attempt":     e.attempts,
			"unsent":      len(e.pending),
			"retry_after": e.delay.String(),
			"reason":      reason,
		}).Warn("delivery attempt failed, retrying")
		return
	}
	q.finish(traced, e, nil)
}

func (e *entry) summary(abandoned bool) Summary {
	s := Summary{
		JobID:            e.job.ID,
		SessionID:        e.job.SessionID,
		PostID:           e.job.PostID,
		MessageID:        e.msgID,
		Total:            len(e.job.Recipients),
		Sent:             len(e.sent),
		Failed:           len(e.pending),
		FailedRecipients: append([]string{}, e.pending...),
		Attempts:         e.attempts,
		Sends:            e.sends,
	}
	switch {
	case abandoned:
		s.Status = StatusAbandoned
		s.Err = ErrAbandoned
		if e.lastErr != nil {
			s.Err = fmt.Errorf("%w: %w", ErrAbandoned, e.lastErr)
		}
	case s.Failed == 0:
		s.Status = StatusDelivered
	case s.Sent > 0:
		s.Status = StatusPartial
		s.Err = e.lastErr
	default:
		s.Status = StatusFailed
		s.Err = e.lastErr
	}
	if s.Err != nil {
		s.Error = s.Err.Error()
	}
	return s
}

func (q *Queue) finish(ctx context.Context, e *entry, abandon error) {
	s := e.summary(abandon != nil)
	metrics.RecordJob(s.Status, s.Attempts)

	entry := q.log.WithContext(ctx).WithSession(s.SessionID).WithJob(s.JobID).WithPost(s.PostID).WithMessage(s.MessageID).
		WithFields(map[string]any{"total": s.Total, "sent": s.Sent, "failed": s.Failed, "attempts": s.Attempts})
	if s.Err != nil {
		entry = entry.WithError(s.Err)
	}

	if (s.Status == StatusPartial || s.Status == StatusFailed) && q.opts.DeadLetters != nil {
		reason := fmt.Sprintf("gave up after %d attempts (%s)", s.Attempts, transport.ClassifyReason(e.lastErr))
		if err := q.opts.DeadLetters.PublishDeadLetter(ctx, NewDeadLetter(e.job, s, reason)); err != nil {
			q.log.WithContext(ctx).WithJob(s.JobID).WithError(err).Error("dlq publish failed")
		} else {
			metrics.RecordDLQ(transport.ClassifyReason(e.lastErr))
		}
	}

	if s.Status == StatusDelivered {
		entry.Info("job delivered")
	} else {
		entry.Warnf("job %s", s.Status)
	}
	e.future.resolve(s)
}

// Abandon cancels the session's in-flight job and resolves every queued job
// with what is known so far. It returns how many jobs were affected.
func (q *Queue) Abandon(sessionID string) int {
	q.mu.Lock()
	sq, ok := q.sessions[sessionID]
	if !ok {
		q.mu.Unlock()
		return 0
	}
	dropped := sq.entries
	sq.entries = nil
	q.pending -= len(dropped)
	metrics.QueueDepth.Set(float64(q.pending))
	n := len(dropped)
	if sq.cancel != nil {
		sq.cancel()
		n++
	}
	q.mu.Unlock()

	for _, e := range dropped {
		q.finish(q.ctx, e, ErrAbandoned)
	}
	return n
}

// Close abandons everything and waits for the session loops to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	ids := make([]string, 0, len(q.sessions))
	for id := range q.sessions {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	for _, id := range ids {
		q.Abandon(id)
	}
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) ActiveSessions() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sessions)
}

func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}
