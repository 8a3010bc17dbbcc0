// Package store provides PostgreSQL-backed durable storage for conversation
// membership, messages and presence snapshots.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // registers the "postgres" driver

	"github.com/huddle/chat-app/internal/chat"
	"github.com/huddle/chat-app/internal/presence"
)

// DefaultQueryTimeout bounds a single query when the caller's context has no
// earlier deadline.
const DefaultQueryTimeout = 5 * time.Second

// Store is the durable store. All methods are safe for concurrent use.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// New wraps an open database handle.
func New(db *sql.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &Store{db: db, timeout: timeout}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string, timeout time.Duration) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return New(db, timeout), nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// IsParticipant reports whether userID is a member of conversationID.
func (s *Store) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const query = `
		SELECT EXISTS (
			SELECT 1 FROM conversation_members
			WHERE conversation_id = $1 AND user_id = $2
		)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: is participant: %w", err)
	}
	return ok, nil
}

// IsCompanyMember reports whether userID belongs to companyID.
func (s *Store) IsCompanyMember(ctx context.Context, userID, companyID string) (bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const query = `
		SELECT EXISTS (
			SELECT 1 FROM company_members
			WHERE company_id = $1 AND user_id = $2
		)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, companyID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: is company member: %w", err)
	}
	return ok, nil
}

// ConversationsFor lists the conversations of companyID that userID
// participates in, most recently active first.
func (s *Store) ConversationsFor(ctx context.Context, userID, companyID string) ([]string, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const query = `
		SELECT c.id
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.user_id = $1 AND c.company_id = $2
		ORDER BY c.updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID, companyID)
	if err != nil {
		return nil, fmt.Errorf("store: conversations for: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: conversations for: %w", err)
	}
	return ids, nil
}

// PersistMessage stores a message. The database assigns its id and
// timestamp.
func (s *Store) PersistMessage(ctx context.Context, conversationID, senderUserID, body string) (chat.Message, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const query = `
		INSERT INTO messages (conversation_id, sender_user_id, body)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	msg := chat.Message{
		ConversationID: conversationID,
		SenderUserID:   senderUserID,
		Body:           body,
	}
	err := s.db.QueryRowContext(ctx, query, conversationID, senderUserID, body).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return chat.Message{}, fmt.Errorf("store: persist message: %w", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

// TouchConversation moves the conversation's updated_at forward to at. It
// never moves it backwards.
func (s *Store) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const query = `
		UPDATE conversations
		SET updated_at = $2
		WHERE id = $1 AND updated_at < $2`

	if _, err := s.db.ExecContext(ctx, query, conversationID, at); err != nil {
		return fmt.Errorf("store: touch conversation: %w", err)
	}
	return nil
}

// UpsertPresenceSnapshot writes the presence row for a (user, company) pair.
// An empty Status keeps whatever explicit status is already stored.
func (s *Store) UpsertPresenceSnapshot(ctx context.Context, snap presence.Snapshot) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const withStatus = `
		INSERT INTO presence (user_id, company_id, status, is_online, last_seen, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id, company_id) DO UPDATE
		SET status = EXCLUDED.status,
		    is_online = EXCLUDED.is_online,
		    last_seen = EXCLUDED.last_seen,
		    updated_at = NOW()`

	const withoutStatus = `
		INSERT INTO presence (user_id, company_id, is_online, last_seen, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, company_id) DO UPDATE
		SET is_online = EXCLUDED.is_online,
		    last_seen = EXCLUDED.last_seen,
		    updated_at = NOW()`

	var err error
	if snap.Status != "" {
		_, err = s.db.ExecContext(ctx, withStatus, snap.UserID, snap.CompanyID, snap.Status, snap.IsOnline, snap.LastSeen)
	} else {
		_, err = s.db.ExecContext(ctx, withoutStatus, snap.UserID, snap.CompanyID, snap.IsOnline, snap.LastSeen)
	}
	if err != nil {
		return fmt.Errorf("store: upsert presence: %w", err)
	}
	return nil
}
