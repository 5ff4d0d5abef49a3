// Package store persists posts, their sends and engagement receipts in
// Postgres, and serves the recipient directory of each session.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/status_relay/internal/broadcast"
	"github.com/austindbirch/status_relay/internal/delivery"
	"github.com/austindbirch/status_relay/internal/engagement"
	"github.com/austindbirch/status_relay/internal/recipients"
	"github.com/austindbirch/status_relay/internal/tracing"
	"github.com/austindbirch/status_relay/internal/transport"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Postgres struct {
	db DB
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

var schema = []string{
	`CREATE SCHEMA IF NOT EXISTS statusrelay`,
	`CREATE TABLE IF NOT EXISTS statusrelay.posts (
		id                   TEXT PRIMARY KEY,
		session_id           TEXT NOT NULL,
		address              TEXT NOT NULL,
		payload              JSONB NOT NULL,
		style                JSONB,
		message_ids          TEXT[] NOT NULL DEFAULT '{}',
		created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
		historical_synced_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_session ON statusrelay.posts(session_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS statusrelay.sends (
		post_id    TEXT NOT NULL REFERENCES statusrelay.posts(id) ON DELETE CASCADE,
		seq        INT NOT NULL,
		message_id TEXT NOT NULL,
		recipients TEXT[] NOT NULL,
		sent_at    TIMESTAMPTZ NOT NULL,
		reused     BOOLEAN NOT NULL DEFAULT false,
		PRIMARY KEY (post_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS statusrelay.receipts (
		id          BIGSERIAL PRIMARY KEY,
		message_id  TEXT NOT NULL,
		participant TEXT NOT NULL,
		kind        TEXT NOT NULL,
		emoji       TEXT NOT NULL DEFAULT '',
		body        TEXT NOT NULL DEFAULT '',
		event_id    TEXT NOT NULL DEFAULT '',
		received_at TIMESTAMPTZ NOT NULL,
		source      TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_message ON statusrelay.receipts(message_id)`,
	`CREATE TABLE IF NOT EXISTS statusrelay.sessions (
		id             TEXT PRIMARY KEY,
		owner          TEXT NOT NULL DEFAULT '',
		default_server TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS statusrelay.contacts (
		session_id TEXT NOT NULL,
		contact    TEXT NOT NULL,
		added_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (session_id, contact)
	)`,
	`CREATE TABLE IF NOT EXISTS statusrelay.list_members (
		session_id TEXT NOT NULL,
		list_name  TEXT NOT NULL,
		position   INT NOT NULL,
		member     TEXT NOT NULL,
		PRIMARY KEY (session_id, list_name, position)
	)`,
}

// Migrate creates the schema if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SavePost upserts the post and rewrites its sends.
func (p *Postgres) SavePost(ctx context.Context, post broadcast.Post) error {
	ctx, span := tracing.StartSpan(ctx, "store.SavePost")
	defer span.End()

	payload, err := json.Marshal(post.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	var style []byte
	if post.Style != nil {
		if style, err = json.Marshal(post.Style); err != nil {
			return fmt.Errorf("encode style: %w", err)
		}
	}
	var synced *time.Time
	if !post.HistoricalSyncedAt.IsZero() {
		synced = &post.HistoricalSyncedAt
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tracing.AddSpanEvent(ctx, "db.upsert_post")
	if _, err := tx.Exec(ctx, `
		INSERT INTO statusrelay.posts(id, session_id, address, payload, style, message_ids, created_at, historical_synced_at)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET message_ids = EXCLUDED.message_ids,
		    historical_synced_at = COALESCE(EXCLUDED.historical_synced_at, statusrelay.posts.historical_synced_at)`,
		post.ID, post.SessionID, post.Address, string(payload), nullableJSON(style), post.MessageIDs, post.CreatedAt, synced,
	); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("upsert post: %w", err)
	}

	// Sends are append-only in memory, so only the tail is new.
	batch := &pgx.Batch{}
	for i, s := range post.Sends {
		batch.Queue(`
			INSERT INTO statusrelay.sends(post_id, seq, message_id, recipients, sent_at, reused)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (post_id, seq) DO NOTHING`,
			post.ID, i, s.MessageID, s.Recipients, s.At, s.Reused)
	}
	if batch.Len() > 0 {
		tracing.AddSpanEvent(ctx, "db.insert_sends")
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			tracing.SetSpanError(ctx, err)
			return fmt.Errorf("insert sends: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// LoadPosts returns every post of a session with its sends, oldest first.
func (p *Postgres) LoadPosts(ctx context.Context, sessionID string) ([]broadcast.Post, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, session_id, address, payload::text, style::text, message_ids, created_at, historical_synced_at
		FROM statusrelay.posts
		WHERE session_id = $1
		ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

	var (
		posts []broadcast.Post
		index = make(map[string]int)
	)
	for rows.Next() {
		var (
			post    broadcast.Post
			payload string
			style   *string
			synced  *time.Time
		)
		if err := rows.Scan(&post.ID, &post.SessionID, &post.Address, &payload, &style,
			&post.MessageIDs, &post.CreatedAt, &synced); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &post.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", post.ID, err)
		}
		if style != nil {
			post.Style = new(transport.Style)
			if err := json.Unmarshal([]byte(*style), post.Style); err != nil {
				return nil, fmt.Errorf("decode style of %s: %w", post.ID, err)
			}
		}
		if synced != nil {
			post.HistoricalSyncedAt = *synced
		}
		index[post.ID] = len(posts)
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, nil
	}

	ids := make([]string, len(posts))
	for i, post := range posts {
		ids[i] = post.ID
	}
	srows, err := p.db.Query(ctx, `
		SELECT post_id, message_id, recipients, sent_at, reused
		FROM statusrelay.sends
		WHERE post_id = ANY($1)
		ORDER BY post_id, seq`, ids)
	if err != nil {
		return nil, fmt.Errorf("query sends: %w", err)
	}
	defer srows.Close()
	for srows.Next() {
		var (
			postID string
			s      delivery.Send
		)
		if err := srows.Scan(&postID, &s.MessageID, &s.Recipients, &s.At, &s.Reused); err != nil {
			return nil, err
		}
		i := index[postID]
		posts[i].Sends = append(posts[i].Sends, s)
	}
	return posts, srows.Err()
}

func (p *Postgres) DeletePost(ctx context.Context, postID string) error {
	ct, err := p.db.Exec(ctx, `DELETE FROM statusrelay.posts WHERE id = $1`, postID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return broadcast.ErrNotFound
	}
	_, err = p.db.Exec(ctx, `
		DELETE FROM statusrelay.receipts r
		WHERE NOT EXISTS (SELECT 1 FROM statusrelay.posts p WHERE r.message_id = ANY(p.message_ids))`)
	return err
}

// SaveReceipts appends receipts; the merged view is rebuilt on load.
func (p *Postgres) SaveReceipts(ctx context.Context, rs []engagement.Receipt) error {
	if len(rs) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(rs))
	for _, r := range rs {
		source := r.Source
		if source == "" {
			source = engagement.SourceLive
		}
		rows = append(rows, []any{r.MessageID, r.Participant, string(r.Kind), r.Emoji, r.Text, r.EventID, r.At, string(source)})
	}
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"statusrelay", "receipts"},
		[]string{"message_id", "participant", "kind", "emoji", "body", "event_id", "received_at", "source"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("copy receipts: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *Postgres) LoadReceipts(ctx context.Context, messageIDs []string) ([]engagement.Receipt, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	rows, err := p.db.Query(ctx, `
		SELECT message_id, participant, kind, emoji, body, event_id, received_at, source
		FROM statusrelay.receipts
		WHERE message_id = ANY($1)
		ORDER BY id`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (engagement.Receipt, error) {
		var (
			r            engagement.Receipt
			kind, source string
		)
		err := row.Scan(&r.MessageID, &r.Participant, &kind, &r.Emoji, &r.Text, &r.EventID, &r.At, &source)
		r.Kind = engagement.Kind(kind)
		r.Source = engagement.Source(source)
		return r, err
	})
}

// Sources reads the owner, contacts and lists of a session. An unknown
// session yields empty sources.
func (p *Postgres) Sources(ctx context.Context, sessionID string) (recipients.Sources, error) {
	var src recipients.Sources
	err := p.db.QueryRow(ctx, `
		SELECT owner, default_server FROM statusrelay.sessions WHERE id = $1`, sessionID,
	).Scan(&src.Owner, &src.DefaultServer)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return src, fmt.Errorf("query session: %w", err)
	}

	rows, err := p.db.Query(ctx, `
		SELECT contact FROM statusrelay.contacts
		WHERE session_id = $1
		ORDER BY added_at, contact`, sessionID)
	if err != nil {
		return src, fmt.Errorf("query contacts: %w", err)
	}
	if src.Contacts, err = pgx.CollectRows(rows, pgx.RowTo[string]); err != nil {
		return src, err
	}

	lrows, err := p.db.Query(ctx, `
		SELECT list_name, member FROM statusrelay.list_members
		WHERE session_id = $1
		ORDER BY list_name, position`, sessionID)
	if err != nil {
		return src, fmt.Errorf("query lists: %w", err)
	}
	defer lrows.Close()
	src.Lists = make(map[string][]string)
	for lrows.Next() {
		var name, member string
		if err := lrows.Scan(&name, &member); err != nil {
			return src, err
		}
		src.Lists[name] = append(src.Lists[name], member)
	}
	return src, lrows.Err()
}
