// Package msgstore provides PostgreSQL-backed storage for conversations and
// messages. A conversation is a pair of participants; messages carry the
// sender's client reference so acknowledgements can be correlated back to
// the optimistic entry on the sending device.
package msgstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conversation is a persisted two-party conversation. Participants are
// stored in normalized order (lower email first) so a pair maps to exactly
// one row.
type Conversation struct {
	ID                 string
	ParticipantAEmail  string
	ParticipantAName   string
	ParticipantBEmail  string
	ParticipantBName   string
	LastMessagePreview string
	LastMessageAt      time.Time
	CreatedAt          time.Time
}

// Counterpart returns the other participant's email and name as seen from
// the given user.
func (c *Conversation) Counterpart(email string) (string, string) {
	if c.ParticipantAEmail == email {
		return c.ParticipantBEmail, c.ParticipantBName
	}
	return c.ParticipantAEmail, c.ParticipantAName
}

// IsParticipant reports whether the given email belongs to the conversation.
func (c *Conversation) IsParticipant(email string) bool {
	return c.ParticipantAEmail == email || c.ParticipantBEmail == email
}

// Summary is one row of a user's conversation list: the conversation plus
// the counterpart and unread count as seen from that user.
type Summary struct {
	ID                 string
	CounterpartEmail   string
	CounterpartName    string
	LastMessagePreview string
	LastMessageAt      time.Time
	UnreadCount        int
}

// Message is a persisted, server-confirmed message.
type Message struct {
	ID             string
	ConversationID string
	SenderEmail    string
	SenderName     string
	ClientRef      string
	Text           string
	CreatedAt      time.Time
	ReadAt         sql.NullTime
}

// Store manages conversations and messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureConversation returns the conversation between the two participants,
// creating it if it does not exist yet. Names are refreshed on every call so
// display names follow the account.
func (s *Store) EnsureConversation(ctx context.Context, aEmail, aName, bEmail, bName string) (*Conversation, error) {
	if aEmail == bEmail {
		return nil, fmt.Errorf("msgstore: conversation with self")
	}
	if aEmail > bEmail {
		aEmail, bEmail = bEmail, aEmail
		aName, bName = bName, aName
	}

	const query = `
		INSERT INTO conversations (id, participant_a_email, participant_a_name, participant_b_email, participant_b_name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (participant_a_email, participant_b_email) DO UPDATE
		SET participant_a_name = EXCLUDED.participant_a_name,
		    participant_b_name = EXCLUDED.participant_b_name
		RETURNING id, participant_a_email, participant_a_name, participant_b_email, participant_b_name,
		          COALESCE(last_message_preview, ''), COALESCE(last_message_at, created_at), created_at`

	var c Conversation
	err := s.db.QueryRowContext(ctx, query, uuid.New().String(), aEmail, aName, bEmail, bName).Scan(
		&c.ID, &c.ParticipantAEmail, &c.ParticipantAName,
		&c.ParticipantBEmail, &c.ParticipantBName,
		&c.LastMessagePreview, &c.LastMessageAt, &c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("msgstore: ensure conversation: %w", err)
	}
	return &c, nil
}

// GetConversation returns the conversation with the given id, or nil if it
// does not exist.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	const query = `
		SELECT id, participant_a_email, participant_a_name, participant_b_email, participant_b_name,
		       COALESCE(last_message_preview, ''), COALESCE(last_message_at, created_at), created_at
		FROM conversations
		WHERE id = $1`

	var c Conversation
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.ParticipantAEmail, &c.ParticipantAName,
		&c.ParticipantBEmail, &c.ParticipantBName,
		&c.LastMessagePreview, &c.LastMessageAt, &c.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("msgstore: get conversation: %w", err)
	}
	return &c, nil
}

// ListConversations returns the user's conversations ordered by recency,
// with per-conversation unread counts computed from unread inbound messages.
func (s *Store) ListConversations(ctx context.Context, email string) ([]Summary, error) {
	const query = `
		SELECT c.id,
		       CASE WHEN c.participant_a_email = $1 THEN c.participant_b_email ELSE c.participant_a_email END,
		       CASE WHEN c.participant_a_email = $1 THEN c.participant_b_name ELSE c.participant_a_name END,
		       COALESCE(c.last_message_preview, ''),
		       COALESCE(c.last_message_at, c.created_at),
		       COUNT(m.id) FILTER (WHERE m.sender_email <> $1 AND m.read_at IS NULL)
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		WHERE c.participant_a_email = $1 OR c.participant_b_email = $1
		GROUP BY c.id
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC`

	rows, err := s.db.QueryContext(ctx, query, email)
	if err != nil {
		return nil, fmt.Errorf("msgstore: list conversations: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sm Summary
		if err := rows.Scan(&sm.ID, &sm.CounterpartEmail, &sm.CounterpartName,
			&sm.LastMessagePreview, &sm.LastMessageAt, &sm.UnreadCount); err != nil {
			return nil, fmt.Errorf("msgstore: scan conversation: %w", err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// SaveMessage persists a confirmed message and bumps the conversation's
// preview and recency in the same transaction. The message id and creation
// timestamp are assigned here; the caller's ClientRef is stored verbatim.
func (s *Store) SaveMessage(ctx context.Context, m *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("msgstore: begin: %w", err)
	}
	defer tx.Rollback()

	m.ID = uuid.New().String()

	const insert = `
		INSERT INTO messages (id, conversation_id, sender_email, sender_name, client_ref, text)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	err = tx.QueryRowContext(ctx, insert,
		m.ID, m.ConversationID, m.SenderEmail, m.SenderName, m.ClientRef, m.Text,
	).Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("msgstore: insert message: %w", err)
	}

	const bump = `
		UPDATE conversations
		SET last_message_preview = $2, last_message_at = $3
		WHERE id = $1`

	if _, err := tx.ExecContext(ctx, bump, m.ConversationID, m.Text, m.CreatedAt); err != nil {
		return fmt.Errorf("msgstore: bump conversation: %w", err)
	}

	return tx.Commit()
}

// History returns the most recent messages of a conversation in ascending
// creation order, capped at limit.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	const query = `
		SELECT id, conversation_id, sender_email, sender_name, client_ref, text, created_at, read_at
		FROM (
			SELECT * FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("msgstore: history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderEmail, &m.SenderName,
			&m.ClientRef, &m.Text, &m.CreatedAt, &m.ReadAt); err != nil {
			return nil, fmt.Errorf("msgstore: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkRead marks every message in the conversation not sent by the reader
// as read. It returns the number of messages affected.
func (s *Store) MarkRead(ctx context.Context, conversationID, readerEmail string) (int64, error) {
	const query = `
		UPDATE messages
		SET read_at = NOW()
		WHERE conversation_id = $1
		  AND sender_email <> $2
		  AND read_at IS NULL`

	res, err := s.db.ExecContext(ctx, query, conversationID, readerEmail)
	if err != nil {
		return 0, fmt.Errorf("msgstore: mark read: %w", err)
	}
	return res.RowsAffected()
}
