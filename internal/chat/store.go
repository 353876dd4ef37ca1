package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store handles database operations for chats, messages, documents, and
// resumable stream ids. All writes are safe to retry: inserts are keyed by
// caller-supplied ids and use insert-or-update semantics.
type Store struct {
	db *sql.DB
}

// NewStore creates a new chat store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the tables used by the store if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			visibility TEXT NOT NULL DEFAULT 'private',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			parts JSONB NOT NULL DEFAULT '[]',
			attachments JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id, created_at);
		CREATE TABLE IF NOT EXISTS streams (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_streams_chat_id ON streams(chat_id, created_at);
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// GetChatByID returns the chat with the given id, or nil if it does not exist.
func (s *Store) GetChatByID(ctx context.Context, id string) (*Chat, error) {
	query := `
		SELECT id, user_id, title, visibility, created_at
		FROM chats
		WHERE id = $1
	`

	chat := &Chat{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&chat.ID,
		&chat.UserID,
		&chat.Title,
		&chat.Visibility,
		&chat.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}

	return chat, nil
}

// SaveChat inserts a chat record. Saving the same id twice is a no-op so a
// chat is created at most once per conversation id.
func (s *Store) SaveChat(ctx context.Context, chat *Chat) error {
	query := `
		INSERT INTO chats (id, user_id, title, visibility, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		chat.ID,
		chat.UserID,
		chat.Title,
		chat.Visibility,
		chat.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save chat: %w", err)
	}

	return nil
}

// UpdateChatTitleByID sets the chat title.
func (s *Store) UpdateChatTitleByID(ctx context.Context, chatID, title string) error {
	query := `UPDATE chats SET title = $1 WHERE id = $2`

	if _, err := s.db.ExecContext(ctx, query, title, chatID); err != nil {
		return fmt.Errorf("failed to update chat title: %w", err)
	}

	return nil
}

// DeleteChatByID deletes a chat and its messages, returning the deleted
// record or nil when no chat existed.
func (s *Store) DeleteChatByID(ctx context.Context, id string) (*Chat, error) {
	query := `
		DELETE FROM chats
		WHERE id = $1
		RETURNING id, user_id, title, visibility, created_at
	`

	chat := &Chat{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&chat.ID,
		&chat.UserID,
		&chat.Title,
		&chat.Visibility,
		&chat.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete chat: %w", err)
	}

	return chat, nil
}

// GetMessagesByChatID returns the messages of a chat in creation order.
func (s *Store) GetMessagesByChatID(ctx context.Context, chatID string) ([]Message, error) {
	query := `
		SELECT id, chat_id, role, parts, attachments, created_at
		FROM messages
		WHERE chat_id = $1
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var parts, attachments []byte
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Role, &parts, &attachments, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := json.Unmarshal(parts, &msg.Parts); err != nil {
			return nil, fmt.Errorf("failed to decode message parts: %w", err)
		}
		if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
			return nil, fmt.Errorf("failed to decode message attachments: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	return messages, nil
}

// SaveMessages upserts a batch of messages keyed by id. Re-delivering the
// same batch does not create duplicate rows; content parts are refreshed.
func (s *Store) SaveMessages(ctx context.Context, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	query := `
		INSERT INTO messages (id, chat_id, role, parts, attachments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET parts = EXCLUDED.parts, attachments = EXCLUDED.attachments
	`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, msg := range messages {
		parts, err := json.Marshal(msg.Parts)
		if err != nil {
			return fmt.Errorf("failed to encode message parts: %w", err)
		}
		attachments, err := marshalAttachments(msg.Attachments)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query,
			msg.ID, msg.ChatID, msg.Role, parts, attachments, msg.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit messages: %w", err)
	}

	return nil
}

// UpdateMessage replaces the content parts of an existing message. The write
// is an upsert keyed by id so that a replacement-list message that was never
// persisted is inserted instead of silently dropped.
func (s *Store) UpdateMessage(ctx context.Context, msg Message) error {
	return s.SaveMessages(ctx, []Message{msg})
}

// GetMessageCountByUserID counts user-authored messages within the rolling
// window, for rate limiting.
func (s *Store) GetMessageCountByUserID(ctx context.Context, userID string, windowHours int) (int, error) {
	query := `
		SELECT COUNT(m.id)
		FROM messages m
		JOIN chats c ON c.id = m.chat_id
		WHERE c.user_id = $1
		  AND m.role = 'user'
		  AND m.created_at >= $2
	`

	since := time.Now().Add(-time.Duration(windowHours) * time.Hour)

	var count int
	if err := s.db.QueryRowContext(ctx, query, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}

	return count, nil
}

// SaveStreamID records a resumable stream id for a chat.
func (s *Store) SaveStreamID(ctx context.Context, streamID, chatID string) error {
	query := `
		INSERT INTO streams (id, chat_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`

	if _, err := s.db.ExecContext(ctx, query, streamID, chatID, time.Now()); err != nil {
		return fmt.Errorf("failed to save stream id: %w", err)
	}

	return nil
}

// GetLatestStreamID returns the most recent stream id for a chat, or empty
// when the chat has no registered streams.
func (s *Store) GetLatestStreamID(ctx context.Context, chatID string) (string, error) {
	query := `
		SELECT id FROM streams
		WHERE chat_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var id string
	err := s.db.QueryRowContext(ctx, query, chatID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get stream id: %w", err)
	}

	return id, nil
}

// SaveDocument upserts a document created by the document tools.
func (s *Store) SaveDocument(ctx context.Context, doc *Document) error {
	query := `
		INSERT INTO documents (id, user_id, title, kind, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, content = EXCLUDED.content
	`

	_, err := s.db.ExecContext(ctx, query,
		doc.ID, doc.UserID, doc.Title, doc.Kind, doc.Content, doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}

	return nil
}

// GetDocumentByID returns a document or nil when it does not exist.
func (s *Store) GetDocumentByID(ctx context.Context, id string) (*Document, error) {
	query := `
		SELECT id, user_id, title, kind, content, created_at
		FROM documents
		WHERE id = $1
	`

	doc := &Document{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&doc.ID, &doc.UserID, &doc.Title, &doc.Kind, &doc.Content, &doc.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	return doc, nil
}

func marshalAttachments(attachments []Attachment) ([]byte, error) {
	if attachments == nil {
		attachments = []Attachment{}
	}
	b, err := json.Marshal(attachments)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attachments: %w", err)
	}
	return b, nil
}
