package broadcast

import (
	"context"
	"slices"
	"time"

	"github.com/austindbirch/status_relay/internal/delivery"
	"github.com/austindbirch/status_relay/internal/engagement"
	"github.com/austindbirch/status_relay/internal/recipients"
	"github.com/austindbirch/status_relay/internal/transport"
)

// Post is one piece of status content and every send made of it. A post owns
// the set of transport identifiers its sends were issued under.
type Post struct {
	ID                 string            `json:"post_id"`
	SessionID          string            `json:"session_id"`
	Address            string            `json:"address"`
	Payload            transport.Payload `json:"payload"`
	Style              *transport.Style  `json:"style,omitempty"`
	MessageIDs         []string          `json:"message_ids"`
	Sends              []delivery.Send   `json:"sends"`
	CreatedAt          time.Time         `json:"created_at"`
	HistoricalSyncedAt time.Time         `json:"historical_synced_at,omitzero"`
}

// Anchor is the first identifier the post was sent under.
func (p *Post) Anchor() (string, time.Time) {
	if len(p.Sends) == 0 {
		if len(p.MessageIDs) > 0 {
			return p.MessageIDs[0], p.CreatedAt
		}
		return "", time.Time{}
	}
	return p.Sends[0].MessageID, p.Sends[0].At
}

func (p *Post) addSends(sends []delivery.Send) {
	for _, s := range sends {
		p.Sends = append(p.Sends, s)
		if s.MessageID != "" && !slices.Contains(p.MessageIDs, s.MessageID) {
			p.MessageIDs = append(p.MessageIDs, s.MessageID)
		}
	}
}

func (p *Post) clone() Post {
	c := *p
	c.MessageIDs = slices.Clone(p.MessageIDs)
	c.Sends = slices.Clone(p.Sends)
	return c
}

// Store persists posts and receipts. Every method is best-effort from the
// service's point of view.
type Store interface {
	SavePost(ctx context.Context, p Post) error
	LoadPosts(ctx context.Context, sessionID string) ([]Post, error)
	DeletePost(ctx context.Context, postID string) error
	SaveReceipts(ctx context.Context, rs []engagement.Receipt) error
	LoadReceipts(ctx context.Context, messageIDs []string) ([]engagement.Receipt, error)
}

// Directory supplies the owner, contacts and named lists of a session.
type Directory interface {
	Sources(ctx context.Context, sessionID string) (recipients.Sources, error)
}

// StaticDirectory is a fixed Directory keyed by session.
type StaticDirectory map[string]recipients.Sources

func (d StaticDirectory) Sources(_ context.Context, sessionID string) (recipients.Sources, error) {
	return d[sessionID], nil
}
