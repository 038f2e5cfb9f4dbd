package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/becomeliminal/runeai/core"
)

const messageColumns = `id, conversation_id, role, content, attachments, embedding, created_at`

func scanMessage(row rowScanner) (*core.Message, error) {
	var (
		m       core.Message
		atts    string
		emb     []byte
		created string
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &atts, &emb, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(atts), &m.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	vec, err := decodeVector(emb)
	if err != nil {
		return nil, err
	}
	m.Embedding = vec
	m.CreatedAt = parseTime(created)
	return &m, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]*core.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := []*core.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessages returns the number of messages in a conversation.
func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// ListMessages returns a conversation's messages, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]*core.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY created_at, rowid`,
		conversationID)
}

// RecentMessages returns the last n messages of a conversation, oldest first.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, n int) ([]*core.Message, error) {
	msgs, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, conversationID, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MessagesByID returns the messages of a conversation whose ids are in ids,
// oldest first. Ids from other conversations are ignored.
func (s *Store) MessagesByID(ctx context.Context, conversationID string, ids []string) ([]*core.Message, error) {
	if len(ids) == 0 {
		return []*core.Message{}, nil
	}
	args := append([]any{conversationID}, stringArgs(ids)...)
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND id IN (`+placeholders(len(ids))+`)
		 ORDER BY created_at, rowid`, args...)
}
