package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/becomeliminal/runeai/core"
)

const conversationColumns = `id, user_id, title, status, created_at, updated_at`

func scanConversation(row rowScanner) (*core.Conversation, error) {
	var c core.Conversation
	var created, updated string
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &c.Status, &created, &updated); err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

// CreateConversation starts a conversation for ownerID. An empty title uses
// the default "New Chat".
func (s *Store) CreateConversation(ctx context.Context, ownerID, title string) (*core.Conversation, error) {
	if title == "" {
		title = core.DefaultConversationTitle
	}
	now := s.timestamp()
	c := &core.Conversation{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Title:     title,
		Status:    core.DefaultConversationState,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Title, c.Status, formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*core.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "conversation")
	}
	return c, nil
}

// ListConversations returns the owner's conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, ownerID string) ([]*core.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE user_id = ?
		 ORDER BY updated_at DESC, rowid DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	convs := []*core.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// LatestConversation returns the owner's most recently updated conversation.
func (s *Store) LatestConversation(ctx context.Context, ownerID string) (*core.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE user_id = ?
		 ORDER BY updated_at DESC, rowid DESC LIMIT 1`, ownerID))
	if err != nil {
		return nil, notFound(err, "conversation")
	}
	return c, nil
}

// RetitleConversation replaces a conversation's title.
func (s *Store) RetitleConversation(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("retitle conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, core.ErrNotFound)
	}
	return nil
}

// AppendMessages inserts msgs in order and bumps the conversation's
// updated_at, all in one transaction. Each message receives an id and a
// creation time strictly after the previous one.
func (s *Store) AppendMessages(ctx context.Context, conversationID string, msgs ...*core.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.timestamp()
	for i, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		m.ConversationID = conversationID
		m.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		if m.Attachments == nil {
			m.Attachments = []core.Attachment{}
		}
		atts, err := encodeJSON(m.Attachments)
		if err != nil {
			return fmt.Errorf("encode attachments: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, role, content, attachments, embedding, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, conversationID, m.Role, m.Content, atts, encodeVector(m.Embedding), formatTime(m.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	updated := now.Add(time.Duration(len(msgs)) * time.Microsecond)
	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, formatTime(updated), conversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, core.ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
