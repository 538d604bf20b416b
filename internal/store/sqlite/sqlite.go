package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rentglass/chatsync/internal/chat"
	"github.com/rentglass/chatsync/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id              TEXT PRIMARY KEY,
	participant_key TEXT NOT NULL,
	participants    TEXT NOT NULL,
	subject_ref     TEXT NOT NULL DEFAULT '',
	preview         TEXT NOT NULL DEFAULT '',
	last_message_at INTEGER,
	unread          INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_conversations_participant_key ON conversations(participant_key);
`

// CacheStore implements store.Cache on SQLite.
type CacheStore struct {
	db *sql.DB
}

// New opens (or creates) the cache database at dbPath.
func New(dbPath string) (*CacheStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &CacheStore{db: db}, nil
}

// Close closes the database connection.
func (s *CacheStore) Close() error {
	return s.db.Close()
}

// UpsertConversation inserts or refreshes a conversation row.
func (s *CacheStore) UpsertConversation(ctx context.Context, conv chat.Conversation) error {
	participants, err := json.Marshal(conv.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}

	ids := make([]string, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		ids = append(ids, p.ID)
	}
	key := chat.ParticipantKey(ids, conv.SubjectRef)

	var lastAt *int64
	if conv.LastMessageAt != nil {
		v := conv.LastMessageAt.UnixMilli()
		lastAt = &v
	}

	query := `
		INSERT INTO conversations (id, participant_key, participants, subject_ref, preview, last_message_at, unread)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participant_key = excluded.participant_key,
			participants    = excluded.participants,
			subject_ref     = excluded.subject_ref,
			preview         = excluded.preview,
			last_message_at = excluded.last_message_at,
			unread          = excluded.unread
	`
	if _, err := s.db.ExecContext(ctx, query, conv.ID, key, string(participants),
		conv.SubjectRef, conv.LastMessagePreview, lastAt, conv.Unread); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// ListConversations returns all cached conversations, newest activity first.
func (s *CacheStore) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	query := `
		SELECT id, participants, subject_ref, preview, last_message_at, unread
		FROM conversations
		ORDER BY last_message_at DESC NULLS LAST, id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []chat.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

// GetConversation fetches a single conversation by id.
func (s *CacheStore) GetConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	query := `
		SELECT id, participants, subject_ref, preview, last_message_at, unread
		FROM conversations WHERE id = ?
	`
	return s.queryOne(ctx, query, id)
}

// FindByParticipantKey looks up a conversation by its participant-set key.
func (s *CacheStore) FindByParticipantKey(ctx context.Context, key string) (*chat.Conversation, error) {
	query := `
		SELECT id, participants, subject_ref, preview, last_message_at, unread
		FROM conversations WHERE participant_key = ?
	`
	return s.queryOne(ctx, query, key)
}

// TouchPreview updates the last-message preview and activity timestamp.
func (s *CacheStore) TouchPreview(ctx context.Context, id, preview string, at time.Time) error {
	query := `UPDATE conversations SET preview = ?, last_message_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, preview, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("touch preview: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetUnread overwrites the unread counter.
func (s *CacheStore) SetUnread(ctx context.Context, id string, unread int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET unread = ? WHERE id = ?`, unread, id)
	if err != nil {
		return fmt.Errorf("set unread: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Reset evicts every cached conversation.
func (s *CacheStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations`); err != nil {
		return fmt.Errorf("reset cache: %w", err)
	}
	return nil
}

func (s *CacheStore) queryOne(ctx context.Context, query string, arg any) (*chat.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, store.ErrNotFound
	}
	return scanConversation(rows)
}

func scanConversation(rows *sql.Rows) (*chat.Conversation, error) {
	var (
		conv         chat.Conversation
		participants string
		lastAt       sql.NullInt64
	)
	if err := rows.Scan(&conv.ID, &participants, &conv.SubjectRef, &conv.LastMessagePreview,
		&lastAt, &conv.Unread); err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	if err := json.Unmarshal([]byte(participants), &conv.Participants); err != nil {
		return nil, fmt.Errorf("unmarshal participants: %w", err)
	}
	if lastAt.Valid {
		t := time.UnixMilli(lastAt.Int64)
		conv.LastMessageAt = &t
	}
	return &conv, nil
}

var _ store.Cache = (*CacheStore)(nil)

// IsNotFound reports whether err is the cache miss sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
