package engagement

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func at(min int) time.Time { return t0.Add(time.Duration(min) * time.Minute) }

func TestParticipant_Apply(t *testing.T) {
	tests := []struct {
		name     string
		receipts []Receipt
		check    func(t *testing.T, p Participant)
	}{
		{
			name: "later view wins regardless of arrival order",
			receipts: []Receipt{
				{Kind: KindViewed, At: at(5)},
				{Kind: KindViewed, At: at(2)},
			},
			check: func(t *testing.T, p Participant) {
				if !p.ViewedAt.Equal(at(5)) {
					t.Errorf("ViewedAt = %v, want %v", p.ViewedAt, at(5))
				}
			},
		},
		{
			name: "unset timestamp never erases a known one",
			receipts: []Receipt{
				{Kind: KindDelivered, At: at(1)},
				{Kind: KindDelivered},
			},
			check: func(t *testing.T, p Participant) {
				if !p.DeliveredAt.Equal(at(1)) {
					t.Errorf("DeliveredAt = %v, want %v", p.DeliveredAt, at(1))
				}
			},
		},
		{
			name: "newest reaction replaces prior",
			receipts: []Receipt{
				{Kind: KindReacted, Emoji: "🔥", At: at(3)},
				{Kind: KindReacted, Emoji: "😂", At: at(1)},
				{Kind: KindReacted, Emoji: "❤️", At: at(4)},
			},
			check: func(t *testing.T, p Participant) {
				if p.Reaction != "❤️" || !p.ReactedAt.Equal(at(4)) {
					t.Errorf("reaction = %q at %v, want ❤️ at %v", p.Reaction, p.ReactedAt, at(4))
				}
			},
		},
		{
			name: "replies accumulate and duplicates collapse",
			receipts: []Receipt{
				{Kind: KindReplied, EventID: "r1", Text: "nice", At: at(2)},
				{Kind: KindReplied, EventID: "r2", Text: "nice", At: at(3)},
				{Kind: KindReplied, EventID: "r1", Text: "nice", At: at(2)},
				{Kind: KindReplied, Text: "no id", At: at(1)},
				{Kind: KindReplied, Text: "no id", At: at(1)},
			},
			check: func(t *testing.T, p Participant) {
				if len(p.Replies) != 3 {
					t.Fatalf("replies = %+v, want 3", p.Replies)
				}
				if p.Replies[0].Text != "no id" {
					t.Errorf("replies not ordered by time: %+v", p.Replies)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Participant
			for _, r := range tt.receipts {
				p.Apply(r)
			}
			tt.check(t, p)
		})
	}
}

func TestParticipant_ApplyReportsChange(t *testing.T) {
	var p Participant
	if !p.Apply(Receipt{Kind: KindLiked, At: at(1)}) {
		t.Error("first like should change state")
	}
	if p.Apply(Receipt{Kind: KindLiked, At: at(1)}) {
		t.Error("identical like should not change state")
	}
	if p.Apply(Receipt{Kind: KindLiked, At: at(0)}) {
		t.Error("older like should not change state")
	}
}

func TestParticipant_Merge(t *testing.T) {
	a := Participant{ID: "p", ViewedAt: at(5), Reaction: "👍", ReactedAt: at(1), Replies: []Reply{{EventID: "x", Text: "a", At: at(1)}}}
	b := Participant{ID: "p", ViewedAt: at(2), PlayedAt: at(3), Reaction: "🎉", ReactedAt: at(6), Replies: []Reply{{EventID: "x", Text: "a", At: at(1)}, {EventID: "y", Text: "b", At: at(2)}}}

	a.Merge(b)

	if !a.ViewedAt.Equal(at(5)) || !a.PlayedAt.Equal(at(3)) {
		t.Errorf("timestamps = viewed %v played %v", a.ViewedAt, a.PlayedAt)
	}
	if a.Reaction != "🎉" {
		t.Errorf("Reaction = %q, want 🎉", a.Reaction)
	}
	if len(a.Replies) != 2 {
		t.Errorf("Replies = %+v, want 2", a.Replies)
	}
}
