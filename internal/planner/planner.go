// Package planner executes a delivery job as an anchor send followed by
// adaptively sized batches that reuse the anchor's message identifier.
package planner

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/austindbirch/status_relay/internal/delivery"
	"github.com/austindbirch/status_relay/internal/logging"
	"github.com/austindbirch/status_relay/internal/metrics"
	"github.com/austindbirch/status_relay/internal/perfmem"
	"github.com/austindbirch/status_relay/internal/tracing"
	"github.com/austindbirch/status_relay/internal/transport"
)

// ErrAnchor is shared with the queue so anchor failures are never retried.
var ErrAnchor = delivery.ErrAnchor

// AnchorError means no message identifier could be established, so nothing
// was sent.
type AnchorError struct {
	Recipient string
	Err       error
}

func (e *AnchorError) Error() string {
	return fmt.Sprintf("anchor send to %s failed: %v", e.Recipient, e.Err)
}

func (e *AnchorError) Unwrap() []error { return []error{ErrAnchor, e.Err} }

type Config struct {
	Ladder                   []int
	FastThreshold            time.Duration
	SlowThreshold            time.Duration
	MinRecipientsForAdaptive int
	HardCeiling              int
	InterBatchDelay          time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Ladder) == 0 {
		c.Ladder = DefaultLadder
	}
	if c.FastThreshold <= 0 {
		c.FastThreshold = 2 * time.Second
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = 10 * time.Second
	}
	if c.MinRecipientsForAdaptive <= 0 {
		c.MinRecipientsForAdaptive = 100
	}
	if c.HardCeiling <= 0 {
		c.HardCeiling = DefaultHardCeiling
	}
	return c
}

type Planner struct {
	cfg      Config
	sessions transport.Sessions
	memory   *perfmem.Memory
	log      *logging.Logger
	now      func() time.Time
}

type Option func(*Planner)

// WithClock replaces the clock used to time batches.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

func New(cfg Config, sessions transport.Sessions, memory *perfmem.Memory, log *logging.Logger, opts ...Option) *Planner {
	p := &Planner{
		cfg:      cfg.withDefaults(),
		sessions: sessions,
		memory:   memory,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type run struct {
	ctx     context.Context
	job     delivery.Job
	tr      transport.Transport
	out     delivery.Outcome
	logger  *logging.Logger
	batches int
}

func (r *run) log() *logging.LogEntry {
	return r.logger.WithContext(r.ctx).WithSession(r.job.SessionID).WithJob(r.job.ID).
		WithPost(r.job.PostID).WithMessage(r.out.MessageID)
}

func (r *run) send(ctx context.Context, p *Planner, recipients []string, ladderIdx int) (transport.SendResult, time.Duration, error) {
	ctx, span := tracing.StartSpan(ctx, "planner.send",
		tracing.BatchAttributes(r.batches, len(recipients), ladderIdx, r.out.MessageID)...)
	defer span.End()
	r.batches++

	start := p.now()
	res, err := r.tr.SendToAddress(ctx, r.job.Address, r.job.Payload, transport.SendOptions{
		Recipients:     recipients,
		ReuseMessageID: r.out.MessageID,
		Style:          r.job.Style,
	})
	elapsed := p.now().Sub(start)
	if err != nil {
		tracing.SetSpanError(ctx, err)
	}
	return res, elapsed, err
}

func (r *run) sent(recipients []string, res transport.SendResult) {
	reused := r.out.MessageID != "" && res.MessageID == r.out.MessageID
	if r.out.MessageID != "" && !reused {
		r.log().WithField("issued", res.MessageID).Warn("transport issued a new identifier instead of reusing the anchor")
	}
	if r.out.MessageID == "" {
		r.out.MessageID = res.MessageID
	}
	r.out.Sent = append(r.out.Sent, recipients...)
	r.out.Sends = append(r.out.Sends, delivery.Send{
		MessageID:  res.MessageID,
		Recipients: append([]string(nil), recipients...),
		At:         res.Timestamp,
		Reused:     reused,
	})
}

// Execute sends the job's recipients and reports who was and was not reached.
// It never retries; that is the queue's decision.
func (p *Planner) Execute(ctx context.Context, job delivery.Job) delivery.Outcome {
	ctx, span := tracing.StartSpan(ctx, "planner.Execute",
		tracing.JobAttributes(job.SessionID, job.ID, len(job.Recipients), 0)...)
	defer span.End()

	r := &run{
		ctx:    ctx,
		job:    job,
		out:    delivery.Outcome{MessageID: job.AnchorID},
		logger: p.log,
	}
	if len(job.Recipients) == 0 {
		return r.out
	}

	tr, err := p.sessions.Session(job.SessionID)
	if err != nil {
		r.out.Unsent = append([]string(nil), job.Recipients...)
		r.out.Err = err
		return r.out
	}
	r.tr = tr

	if len(job.Recipients) < p.cfg.MinRecipientsForAdaptive {
		p.direct(ctx, r)
	} else {
		p.adaptive(ctx, r)
	}

	if r.out.Err != nil {
		tracing.SetSpanError(ctx, r.out.Err)
	}
	span.SetAttributes(
		attribute.Int("delivery.sent", len(r.out.Sent)),
		attribute.Int("delivery.unsent", len(r.out.Unsent)),
		attribute.String("delivery.message_id", r.out.MessageID),
	)
	return r.out
}

// direct addresses every recipient in one call.
func (p *Planner) direct(ctx context.Context, r *run) {
	recipients := r.job.Recipients
	res, elapsed, err := r.send(ctx, p, recipients, -1)
	metrics.RecordBatch("direct", len(recipients), elapsed)
	if err != nil {
		r.out.Unsent = append([]string(nil), recipients...)
		r.out.Err = err
		r.log().WithError(err).WithField("recipients", len(recipients)).Warn("direct send failed")
		return
	}
	r.sent(recipients, res)
}

func (p *Planner) adaptive(ctx context.Context, r *run) {
	remaining := r.job.Recipients

	if r.out.MessageID == "" {
		anchor := remaining[:1]
		res, elapsed, err := r.send(ctx, p, anchor, -1)
		metrics.RecordBatch("anchor", 1, elapsed)
		if err != nil {
			metrics.RecordAnchor("failed")
			r.out.Unsent = append([]string(nil), r.job.Recipients...)
			r.out.Err = &AnchorError{Recipient: anchor[0], Err: err}
			r.log().WithError(err).Warn("anchor send failed")
			return
		}
		metrics.RecordAnchor("ok")
		r.sent(anchor, res)
		remaining = remaining[1:]
	}

	ladder := NewLadder(p.cfg.Ladder, p.cfg.HardCeiling)
	if rec, ok := p.memory.Get(r.job.SessionID); ok {
		ladder.StartAt(rec.ProvenSize)
		r.log().Debugf("starting from proven batch size %d", rec.ProvenSize)
	}

	var limiter *rate.Limiter
	if p.cfg.InterBatchDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(p.cfg.InterBatchDelay), 1)
	}

	for len(remaining) > 0 {
		if err := ctx.Err(); err != nil {
			r.out.Unsent = append(r.out.Unsent, remaining...)
			r.out.Err = err
			return
		}

		size := ladder.Size()
		take := size
		// Avoid a dangling tiny final batch: the true remainder goes out at once.
		if len(remaining)*2 < size*3 {
			take = min(len(remaining), ladder.Ceiling())
		}
		batch := remaining[:take]

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				r.out.Unsent = append(r.out.Unsent, remaining...)
				r.out.Err = err
				return
			}
		}

		idx := ladder.Index()
		metrics.LadderIndex.Set(float64(idx))
		res, elapsed, err := r.send(ctx, p, batch, idx)
		remaining = remaining[take:]

		fields := map[string]any{
			"batch_size":   take,
			"ladder_index": idx,
			"elapsed_ms":   elapsed.Milliseconds(),
		}

		if err != nil {
			r.out.Unsent = append(r.out.Unsent, batch...)
			r.out.Err = err
			p.memory.Update(r.job.SessionID, take, elapsed, false)
			ladder.Regress()
			metrics.RecordBatch("failed", take, elapsed)
			r.log().WithFields(fields).WithError(err).Warn("batch failed")
			continue
		}

		r.sent(batch, res)
		p.memory.Update(r.job.SessionID, take, elapsed, true)

		switch {
		case elapsed < p.cfg.FastThreshold:
			ladder.Advance(2)
			metrics.RecordBatch("fast", take, elapsed)
		case elapsed > p.cfg.SlowThreshold:
			ladder.Regress()
			metrics.RecordBatch("slow", take, elapsed)
			r.log().WithFields(fields).Warn("slow batch, backing off")
		default:
			ladder.Advance(1)
			metrics.RecordBatch("steady", take, elapsed)
		}
		r.log().WithFields(fields).Debug("batch sent")
	}
}
