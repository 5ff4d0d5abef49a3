// Package engagement merges delivery, view, play, like, reaction and reply
// receipts into one monotonic view per participant of a post.
package engagement

import (
	"sort"
	"time"
)

type Kind string

const (
	KindDelivered Kind = "delivered"
	KindViewed    Kind = "viewed"
	KindPlayed    Kind = "played"
	KindLiked     Kind = "liked"
	KindReacted   Kind = "reacted"
	KindReplied   Kind = "replied"
)

func (k Kind) Valid() bool {
	switch k {
	case KindDelivered, KindViewed, KindPlayed, KindLiked, KindReacted, KindReplied:
		return true
	}
	return false
}

type Source string

const (
	SourceLive       Source = "live"
	SourceHistorical Source = "historical"
)

// Receipt is one raw engagement signal as reported by the transport.
type Receipt struct {
	MessageID   string    `json:"message_id"`
	Participant string    `json:"participant"`
	Kind        Kind      `json:"kind"`
	Emoji       string    `json:"emoji,omitempty"`    // reactions; empty removes
	Text        string    `json:"text,omitempty"`     // replies
	EventID     string    `json:"event_id,omitempty"` // replies
	At          time.Time `json:"at"`
	Source      Source    `json:"source,omitempty"`
}

type Reply struct {
	EventID string    `json:"event_id,omitempty"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

func (r Reply) key() string {
	if r.EventID != "" {
		return r.EventID
	}
	return r.At.UTC().Format(time.RFC3339Nano) + "|" + r.Text
}

// Participant is the merged engagement state of one recipient.
type Participant struct {
	ID          string    `json:"participant"`
	DeliveredAt time.Time `json:"delivered_at,omitzero"`
	ViewedAt    time.Time `json:"viewed_at,omitzero"`
	PlayedAt    time.Time `json:"played_at,omitzero"`
	LikedAt     time.Time `json:"liked_at,omitzero"`
	Reaction    string    `json:"reaction,omitempty"`
	ReactedAt   time.Time `json:"reacted_at,omitzero"`
	Replies     []Reply   `json:"replies,omitempty"`
}

func later(cur, next time.Time) (time.Time, bool) {
	if next.IsZero() || (!cur.IsZero() && !next.After(cur)) {
		return cur, false
	}
	return next, true
}

func (p *Participant) addReply(r Reply) bool {
	k := r.key()
	for _, existing := range p.Replies {
		if existing.key() == k {
			return false
		}
	}
	p.Replies = append(p.Replies, r)
	sort.SliceStable(p.Replies, func(i, j int) bool { return p.Replies[i].At.Before(p.Replies[j].At) })
	return true
}

// Apply merges one receipt and reports whether anything changed.
// Timestamps only move forward; replies accumulate.
func (p *Participant) Apply(r Receipt) bool {
	var changed bool
	switch r.Kind {
	case KindDelivered:
		p.DeliveredAt, changed = later(p.DeliveredAt, r.At)
	case KindViewed:
		p.ViewedAt, changed = later(p.ViewedAt, r.At)
	case KindPlayed:
		p.PlayedAt, changed = later(p.PlayedAt, r.At)
	case KindLiked:
		p.LikedAt, changed = later(p.LikedAt, r.At)
	case KindReacted:
		if p.ReactedAt, changed = later(p.ReactedAt, r.At); changed {
			p.Reaction = r.Emoji
		}
	case KindReplied:
		changed = p.addReply(Reply{EventID: r.EventID, Text: r.Text, At: r.At})
	}
	return changed
}

// Merge folds another participant state for the same recipient into p.
func (p *Participant) Merge(o Participant) {
	p.DeliveredAt, _ = later(p.DeliveredAt, o.DeliveredAt)
	p.ViewedAt, _ = later(p.ViewedAt, o.ViewedAt)
	p.PlayedAt, _ = later(p.PlayedAt, o.PlayedAt)
	p.LikedAt, _ = later(p.LikedAt, o.LikedAt)
	var newer bool
	if p.ReactedAt, newer = later(p.ReactedAt, o.ReactedAt); newer {
		p.Reaction = o.Reaction
	}
	for _, r := range o.Replies {
		p.addReply(r)
	}
}

func (p Participant) clone() Participant {
	p.Replies = append([]Reply(nil), p.Replies...)
	return p
}
