package engagement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/austindbirch/status_relay/internal/logging"
	"github.com/austindbirch/status_relay/internal/metrics"
)

const DefaultHistoryTimeout = 30 * time.Second

var (
	ErrHistoryTimeout = errors.New("history fetch timed out")
	ErrNoHistory      = errors.New("no history source")
)

// HistoryRequest asks the transport for receipts attached to an anchor message.
type HistoryRequest struct {
	Count    int       `json:"count"`
	AnchorID string    `json:"anchor_id"`
	AnchorAt time.Time `json:"anchor_at"`
}

type HistorySource interface {
	FetchHistory(ctx context.Context, req HistoryRequest) ([]Receipt, error)
}

// PostRef identifies the anchor a historical fetch is made against.
type PostRef struct {
	PostID   string
	AnchorID string
	AnchorAt time.Time
	Source   HistorySource
}

// Completeness notes on a PostView.
const (
	CompletenessLive           = "live"
	CompletenessHistoricalLive = "historical+live"
)

type Totals struct {
	Delivered int `json:"delivered"`
	Viewed    int `json:"viewed"`
	Played    int `json:"played"`
	Liked     int `json:"liked"`
	Reacted   int `json:"reacted"`
	Replies   int `json:"replies"`
}

type PostView struct {
	PostID       string        `json:"post_id"`
	MessageIDs   []string      `json:"message_ids"`
	Completeness string        `json:"completeness"`
	SyncedAt     time.Time     `json:"historical_synced_at,omitzero"`
	Totals       Totals        `json:"totals"`
	Participants []Participant `json:"participants"`
}

// FetchResult is what one historical fetch merged.
type FetchResult struct {
	Receipts []Receipt
	Skipped  bool // post already synced and not forced
}

type postState struct {
	messageIDs []string
	historical bool
	syncedAt   time.Time
}

// Aggregator holds engagement state keyed by transport message identifier and
// maps posts onto the set of identifiers they were delivered under.
type Aggregator struct {
	mu       sync.Mutex
	messages map[string]map[string]*Participant // message id -> participant id
	posts    map[string]*postState
	group    singleflight.Group
	timeout  time.Duration
	now      func() time.Time
	log      *logging.Logger
}

func NewAggregator(historyTimeout time.Duration, log *logging.Logger) *Aggregator {
	if historyTimeout <= 0 {
		historyTimeout = DefaultHistoryTimeout
	}
	return &Aggregator{
		messages: make(map[string]map[string]*Participant),
		posts:    make(map[string]*postState),
		timeout:  historyTimeout,
		now:      time.Now,
		log:      log,
	}
}

func (a *Aggregator) post(postID string) *postState {
	st, ok := a.posts[postID]
	if !ok {
		st = &postState{}
		a.posts[postID] = st
	}
	return st
}

// Track associates message identifiers with a post.
func (a *Aggregator) Track(postID string, messageIDs ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.post(postID)
	for _, id := range messageIDs {
		if id == "" {
			continue
		}
		known := false
		for _, have := range st.messageIDs {
			if have == id {
				known = true
				break
			}
		}
		if !known {
			st.messageIDs = append(st.messageIDs, id)
		}
	}
}

// MarkHistorical restores the synced flag of a post, e.g. after hydration.
func (a *Aggregator) MarkHistorical(postID string, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.post(postID)
	st.historical = true
	st.syncedAt = at
}

func (a *Aggregator) apply(r Receipt) bool {
	byParticipant, ok := a.messages[r.MessageID]
	if !ok {
		byParticipant = make(map[string]*Participant)
		a.messages[r.MessageID] = byParticipant
	}
	p, ok := byParticipant[r.Participant]
	if !ok {
		p = &Participant{ID: r.Participant}
		byParticipant[r.Participant] = p
	}
	return p.Apply(r)
}

// Record merges a receipt from any source. Receipts for identifiers not yet
// tracked are kept and show up once a post claims the identifier.
func (a *Aggregator) Record(r Receipt) (bool, error) {
	if r.MessageID == "" || r.Participant == "" {
		return false, fmt.Errorf("receipt missing message or participant")
	}
	if !r.Kind.Valid() {
		return false, fmt.Errorf("unknown receipt kind %q", r.Kind)
	}
	if r.Source == "" {
		r.Source = SourceLive
	}

	a.mu.Lock()
	changed := a.apply(r)
	a.mu.Unlock()

	metrics.RecordReceipt(string(r.Kind), string(r.Source))
	return changed, nil
}

// RecordLive merges a receipt pushed while connected.
func (a *Aggregator) RecordLive(messageID string, r Receipt) (bool, error) {
	r.MessageID = messageID
	r.Source = SourceLive
	return a.Record(r)
}

// FetchHistorical pulls the anchor's receipts once per post. Concurrent calls
// for the same post share one outbound request. After the first success
// further calls are skipped unless force is set.
func (a *Aggregator) FetchHistorical(ctx context.Context, ref PostRef, count int, force bool) (FetchResult, error) {
	if ref.Source == nil {
		return FetchResult{}, ErrNoHistory
	}

	a.mu.Lock()
	synced := a.post(ref.PostID).historical
	a.mu.Unlock()
	if synced && !force {
		metrics.RecordHistoryFetch("skipped")
		return FetchResult{Skipped: true}, nil
	}

	// The shared fetch outlives any single caller; the history timeout bounds it.
	fctx := context.WithoutCancel(ctx)
	ch := a.group.DoChan(ref.PostID, func() (any, error) {
		return a.fetch(fctx, ref, count)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return FetchResult{}, res.Err
		}
		if res.Shared {
			a.log.WithContext(ctx).WithPost(ref.PostID).Debug("coalesced history fetch")
		}
		return FetchResult{Receipts: res.Val.([]Receipt)}, nil
	case <-ctx.Done():
		return FetchResult{}, ctx.Err()
	}
}

func (a *Aggregator) fetch(ctx context.Context, ref PostRef, count int) ([]Receipt, error) {
	fctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type result struct {
		receipts []Receipt
		err      error
	}
	done := make(chan result, 1)
	go func() {
		rs, err := ref.Source.FetchHistory(fctx, HistoryRequest{Count: count, AnchorID: ref.AnchorID, AnchorAt: ref.AnchorAt})
		done <- result{rs, err}
	}()

	// The timer fires even if the source ignores fctx.
	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	var res result
	select {
	case res = <-done:
	case <-timer.C:
		metrics.RecordHistoryFetch("timeout")
		return nil, fmt.Errorf("%w after %s", ErrHistoryTimeout, a.timeout)
	}

	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) {
			metrics.RecordHistoryFetch("timeout")
			return nil, fmt.Errorf("%w: %v", ErrHistoryTimeout, res.err)
		}
		metrics.RecordHistoryFetch("error")
		return nil, fmt.Errorf("fetch history: %w", res.err)
	}

	merged := make([]Receipt, 0, len(res.receipts))
	a.mu.Lock()
	for _, r := range res.receipts {
		if r.MessageID == "" {
			r.MessageID = ref.AnchorID
		}
		if r.Participant == "" || !r.Kind.Valid() {
			continue
		}
		r.Source = SourceHistorical
		a.apply(r)
		merged = append(merged, r)
	}
	st := a.post(ref.PostID)
	st.historical = true
	st.syncedAt = a.now()
	a.mu.Unlock()

	for _, r := range merged {
		metrics.RecordReceipt(string(r.Kind), string(r.Source))
	}
	metrics.RecordHistoryFetch("ok")
	a.log.WithContext(ctx).WithPost(ref.PostID).WithMessage(ref.AnchorID).
		WithField("receipts", len(merged)).Info("historical receipts merged")
	return merged, nil
}

// View returns the merged state of every participant across all of a post's
// identifiers, sorted by participant.
func (a *Aggregator) View(postID string) (PostView, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.posts[postID]
	if !ok {
		return PostView{}, false
	}

	view := PostView{
		PostID:       postID,
		MessageIDs:   append([]string(nil), st.messageIDs...),
		Completeness: CompletenessLive,
		Participants: []Participant{},
	}
	if st.historical {
		view.Completeness = CompletenessHistoricalLive
		view.SyncedAt = st.syncedAt
	}

	merged := make(map[string]*Participant)
	for _, id := range st.messageIDs {
		for pid, p := range a.messages[id] {
			if cur, ok := merged[pid]; ok {
				cur.Merge(*p)
				continue
			}
			c := p.clone()
			merged[pid] = &c
		}
	}

	for _, p := range merged {
		view.Participants = append(view.Participants, *p)
		if !p.DeliveredAt.IsZero() {
			view.Totals.Delivered++
		}
		if !p.ViewedAt.IsZero() {
			view.Totals.Viewed++
		}
		if !p.PlayedAt.IsZero() {
			view.Totals.Played++
		}
		if !p.LikedAt.IsZero() {
			view.Totals.Liked++
		}
		if p.Reaction != "" {
			view.Totals.Reacted++
		}
		view.Totals.Replies += len(p.Replies)
	}
	sort.Slice(view.Participants, func(i, j int) bool {
		return view.Participants[i].ID < view.Participants[j].ID
	})
	return view, true
}

// Forget drops a post and the receipts of its identifiers.
func (a *Aggregator) Forget(postID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.posts[postID]
	if !ok {
		return
	}
	for _, id := range st.messageIDs {
		delete(a.messages, id)
	}
	delete(a.posts, postID)
}
