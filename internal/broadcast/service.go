// Package broadcast is the request layer: it turns submissions into delivery
// jobs, owns posts and their identifiers, and answers engagement queries.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/status_relay/internal/delivery"
	"github.com/austindbirch/status_relay/internal/engagement"
	"github.com/austindbirch/status_relay/internal/logging"
	"github.com/austindbirch/status_relay/internal/perfmem"
	"github.com/austindbirch/status_relay/internal/recipients"
	"github.com/austindbirch/status_relay/internal/tracing"
	"github.com/austindbirch/status_relay/internal/transport"
)

var (
	ErrNotFound       = errors.New("post not found")
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrNothingSent means a job reached no recipient, so no post exists for it.
	ErrNothingSent = errors.New("no recipient reached")
)

// Queue is the part of the delivery queue the service drives.
type Queue interface {
	Enqueue(ctx context.Context, job delivery.Job) (*delivery.Future, error)
	Abandon(sessionID string) int
}

type Options struct {
	Store         Store     // optional
	Directory     Directory // optional; explicit recipients only without it
	Memory        *perfmem.Memory
	Address       string // broadcast address status posts are sent to
	DefaultServer string
	HistoryCount  int
	Logger        *logging.Logger
	Now           func() time.Time
}

type Service struct {
	queue    Queue
	agg      *engagement.Aggregator
	sessions transport.Sessions
	opts     Options
	log      *logging.Logger

	mu    sync.RWMutex
	posts map[string]*Post
}

func NewService(queue Queue, agg *engagement.Aggregator, sessions transport.Sessions, opts Options) *Service {
	if opts.Address == "" {
		opts.Address = "status@broadcast"
	}
	if opts.HistoryCount <= 0 {
		opts.HistoryCount = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		queue:    queue,
		agg:      agg,
		sessions: sessions,
		opts:     opts,
		log:      opts.Logger,
		posts:    make(map[string]*Post),
	}
}

// Submission is the result of a new delivery.
type Submission struct {
	PostID    string               `json:"post_id,omitempty"`
	MessageID string               `json:"message_id,omitempty"`
	Summary   delivery.Summary     `json:"summary"`
	Dropped   []recipients.Dropped `json:"dropped,omitempty"`
}

// Resent is the result of sending an existing post to more recipients.
type Resent struct {
	PostID    string               `json:"post_id"`
	MessageID string               `json:"message_id"`
	Reused    bool                 `json:"reused_identifier"`
	Summary   delivery.Summary     `json:"summary"`
	Dropped   []recipients.Dropped `json:"dropped,omitempty"`
}

func (s *Service) resolve(ctx context.Context, sessionID string, spec recipients.Spec) (recipients.Result, error) {
	var src recipients.Sources
	if s.opts.Directory != nil {
		var err error
		if src, err = s.opts.Directory.Sources(ctx, sessionID); err != nil {
			return recipients.Result{}, fmt.Errorf("load recipient sources: %w", err)
		}
	}
	if src.DefaultServer == "" {
		src.DefaultServer = s.opts.DefaultServer
	}
	return recipients.Normalize(spec, src)
}

// settle waits for the job's resolution on its own goroutine and applies it
// through fn. The caller may stop waiting; fn still runs once the job resolves.
func settle[T any](ctx context.Context, fut *delivery.Future, fn func(delivery.Summary) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		sum, _ := fut.Wait(context.Background())
		v, err := fn(sum)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func nothingSent(sum delivery.Summary) error {
	if sum.Err != nil {
		return fmt.Errorf("%w: %w", ErrNothingSent, sum.Err)
	}
	return fmt.Errorf("%w: %s", ErrNothingSent, sum.Status)
}

// SubmitDelivery sends new content to the resolved recipients and creates a
// post once at least one recipient was reached. The post is recorded when the
// job resolves, even if ctx ends first.
func (s *Service) SubmitDelivery(ctx context.Context, sessionID string, payload transport.Payload, style *transport.Style, spec recipients.Spec) (Submission, error) {
	ctx, span := tracing.StartSpan(ctx, "broadcast.SubmitDelivery", attribute.String("session_id", sessionID))
	defer span.End()

	if err := payload.Validate(); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	res, err := s.resolve(ctx, sessionID, spec)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Submission{}, err
	}

	postID := uuid.NewString()
	span.SetAttributes(attribute.String("post_id", postID), attribute.Int("recipients", len(res.Recipients)))

	fut, err := s.queue.Enqueue(ctx, delivery.Job{
		SessionID:  sessionID,
		PostID:     postID,
		Address:    s.opts.Address,
		Payload:    payload,
		Style:      style,
		Recipients: res.Recipients,
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Submission{}, err
	}

	bg := context.WithoutCancel(ctx)
	out, err := settle(ctx, fut, func(sum delivery.Summary) (Submission, error) {
		out := Submission{Summary: sum, Dropped: res.Dropped}
		if sum.Sent == 0 {
			return out, nothingSent(sum)
		}

		post := &Post{
			ID:        postID,
			SessionID: sessionID,
			Address:   s.opts.Address,
			Payload:   payload,
			Style:     style,
			CreatedAt: s.opts.Now().UTC(),
		}
		post.addSends(sum.Sends)

		s.mu.Lock()
		s.posts[postID] = post
		snapshot := post.clone()
		s.mu.Unlock()

		s.agg.Track(postID, snapshot.MessageIDs...)
		s.persist(bg, snapshot)

		out.PostID = postID
		out.MessageID = sum.MessageID
		s.log.WithContext(bg).WithSession(sessionID).WithPost(postID).WithMessage(sum.MessageID).
			WithFields(map[string]any{"status": sum.Status, "sent": sum.Sent, "failed": sum.Failed}).Info("post created")
		return out, nil
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
	}
	return out, err
}

// Resend delivers an existing post to more recipients under the post's
// anchor identifier.
func (s *Service) Resend(ctx context.Context, postID string, spec recipients.Spec) (Resent, error) {
	ctx, span := tracing.StartSpan(ctx, "broadcast.Resend", attribute.String("post_id", postID))
	defer span.End()

	post, ok := s.Post(postID)
	if !ok {
		return Resent{}, ErrNotFound
	}
	res, err := s.resolve(ctx, post.SessionID, spec)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Resent{}, err
	}

	anchor, _ := post.Anchor()
	fut, err := s.queue.Enqueue(ctx, delivery.Job{
		SessionID:  post.SessionID,
		PostID:     postID,
		Address:    post.Address,
		Payload:    post.Payload,
		Style:      post.Style,
		Recipients: res.Recipients,
		AnchorID:   anchor,
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Resent{}, err
	}

	bg := context.WithoutCancel(ctx)
	out, err := settle(ctx, fut, func(sum delivery.Summary) (Resent, error) {
		out := Resent{PostID: postID, Summary: sum, Dropped: res.Dropped}
		if sum.Sent == 0 {
			return out, nothingSent(sum)
		}

		s.mu.Lock()
		p, ok := s.posts[postID]
		if !ok {
			// Deleted while the resend was in flight.
			s.mu.Unlock()
			return out, ErrNotFound
		}
		p.addSends(sum.Sends)
		snapshot := p.clone()
		s.mu.Unlock()

		s.agg.Track(postID, snapshot.MessageIDs...)
		s.persist(bg, snapshot)

		out.MessageID = sum.MessageID
		out.Reused = anchor != "" && sum.MessageID == anchor
		return out, nil
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
	}
	return out, err
}

// GetEngagement returns the merged engagement view of a post.
func (s *Service) GetEngagement(postID string) (engagement.PostView, error) {
	view, ok := s.agg.View(postID)
	if !ok {
		return engagement.PostView{}, ErrNotFound
	}
	return view, nil
}

// RequestHistoricalSync pulls receipts the transport kept for the post's
// anchor. A zero count uses the configured default.
func (s *Service) RequestHistoricalSync(ctx context.Context, postID string, count int, force bool) (engagement.FetchResult, error) {
	ctx, span := tracing.StartSpan(ctx, "broadcast.RequestHistoricalSync",
		attribute.String("post_id", postID), attribute.Bool("force", force))
	defer span.End()

	post, ok := s.Post(postID)
	if !ok {
		return engagement.FetchResult{}, ErrNotFound
	}
	tr, err := s.sessions.Session(post.SessionID)
	if err != nil {
		return engagement.FetchResult{}, err
	}
	if count <= 0 {
		count = s.opts.HistoryCount
	}

	anchorID, anchorAt := post.Anchor()
	res, err := s.agg.FetchHistorical(ctx, engagement.PostRef{
		PostID:   postID,
		AnchorID: anchorID,
		AnchorAt: anchorAt,
		Source:   tr,
	}, count, force)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return res, err
	}
	if res.Skipped {
		return res, nil
	}

	s.mu.Lock()
	var snapshot Post
	if p, ok := s.posts[postID]; ok {
		p.HistoricalSyncedAt = s.opts.Now().UTC()
		snapshot = p.clone()
	}
	s.mu.Unlock()

	if s.opts.Store != nil {
		if err := s.opts.Store.SaveReceipts(ctx, res.Receipts); err != nil {
			s.log.WithContext(ctx).WithPost(postID).WithError(err).Warn("persist historical receipts failed")
		}
		if snapshot.ID != "" {
			s.persist(ctx, snapshot)
		}
	}
	return res, nil
}

// DeletePost retracts every identifier of the post and forgets it. Retraction
// failures are logged, not returned.
func (s *Service) DeletePost(ctx context.Context, postID string) error {
	ctx, span := tracing.StartSpan(ctx, "broadcast.DeletePost", attribute.String("post_id", postID))
	defer span.End()

	s.mu.Lock()
	p, ok := s.posts[postID]
	if ok {
		delete(s.posts, postID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if tr, err := s.sessions.Session(p.SessionID); err != nil {
		s.log.WithContext(ctx).WithSession(p.SessionID).WithPost(postID).WithError(err).Warn("cannot retract post")
	} else {
		for _, id := range p.MessageIDs {
			if err := tr.DeleteByIdentifier(ctx, p.Address, id); err != nil {
				s.log.WithContext(ctx).WithPost(postID).WithMessage(id).WithError(err).Warn("retract failed")
			}
		}
	}

	s.agg.Forget(postID)
	if s.opts.Store != nil {
		if err := s.opts.Store.DeletePost(ctx, postID); err != nil {
			return fmt.Errorf("delete stored post: %w", err)
		}
	}
	s.log.WithContext(ctx).WithPost(postID).Info("post deleted")
	return nil
}

// Hydrate loads a session's stored posts and receipts. Posts already in
// memory are left alone. It returns how many posts were added.
func (s *Service) Hydrate(ctx context.Context, sessionID string) (int, error) {
	if s.opts.Store == nil {
		return 0, nil
	}
	posts, err := s.opts.Store.LoadPosts(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("load posts: %w", err)
	}

	var (
		added int
		ids   []string
	)
	for i := range posts {
		p := posts[i]
		s.mu.Lock()
		if _, ok := s.posts[p.ID]; ok {
			s.mu.Unlock()
			continue
		}
		s.posts[p.ID] = &p
		s.mu.Unlock()

		added++
		s.agg.Track(p.ID, p.MessageIDs...)
		if !p.HistoricalSyncedAt.IsZero() {
			s.agg.MarkHistorical(p.ID, p.HistoricalSyncedAt)
		}
		ids = append(ids, p.MessageIDs...)
	}

	if len(ids) > 0 {
		receipts, err := s.opts.Store.LoadReceipts(ctx, ids)
		if err != nil {
			return added, fmt.Errorf("load receipts: %w", err)
		}
		for _, r := range receipts {
			if _, err := s.agg.Record(r); err != nil {
				s.log.WithContext(ctx).WithMessage(r.MessageID).WithError(err).Debug("skip stored receipt")
			}
		}
	}

	s.log.WithContext(ctx).WithSession(sessionID).WithField("posts", added).Info("session hydrated")
	return added, nil
}

// RecordReceipt merges a live receipt and stores it when it changed the view.
func (s *Service) RecordReceipt(ctx context.Context, r engagement.Receipt) error {
	changed, err := s.agg.Record(r)
	if err != nil {
		return err
	}
	if changed && s.opts.Store != nil {
		if r.Source == "" {
			r.Source = engagement.SourceLive
		}
		if err := s.opts.Store.SaveReceipts(ctx, []engagement.Receipt{r}); err != nil {
			s.log.WithContext(ctx).WithMessage(r.MessageID).WithError(err).Warn("persist receipt failed")
		}
	}
	return nil
}

// AbandonSession drops every queued and in-flight job of the session.
func (s *Service) AbandonSession(sessionID string) int {
	n := s.queue.Abandon(sessionID)
	s.log.Plain().WithSession(sessionID).WithField("jobs", n).Info("session abandoned")
	return n
}

// Performance reports the session's remembered batch performance.
func (s *Service) Performance(sessionID string) (perfmem.Record, bool) {
	if s.opts.Memory == nil {
		return perfmem.Record{}, false
	}
	return s.opts.Memory.Get(sessionID)
}

func (s *Service) Post(postID string) (Post, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.posts[postID]
	if !ok {
		return Post{}, false
	}
	return p.clone(), true
}

// Posts lists a session's posts, oldest first.
func (s *Service) Posts(sessionID string) []Post {
	s.mu.RLock()
	out := make([]Post, 0)
	for _, p := range s.posts {
		if p.SessionID == sessionID {
			out = append(out, p.clone())
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Post) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

func (s *Service) persist(ctx context.Context, p Post) {
	if s.opts.Store == nil {
		return
	}
	if err := s.opts.Store.SavePost(ctx, p); err != nil {
		s.log.WithContext(ctx).WithPost(p.ID).WithError(err).Warn("persist post failed")
	}
}
