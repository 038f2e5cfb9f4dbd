package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/becomeliminal/runeai/core"
)

const memoryColumns = `id, user_id, title, summary, embedding, sources, priority, created_at, last_used`

func scanMemory(row rowScanner) (*core.Memory, error) {
	var (
		m                 core.Memory
		emb               []byte
		sources           string
		created, lastUsed string
	)
	if err := row.Scan(&m.ID, &m.OwnerID, &m.Title, &m.Summary, &emb, &sources, &m.Priority, &created, &lastUsed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sources), &m.Sources); err != nil {
		return nil, fmt.Errorf("decode sources: %w", err)
	}
	vec, err := decodeVector(emb)
	if err != nil {
		return nil, err
	}
	m.Embedding = vec
	m.CreatedAt = parseTime(created)
	m.LastUsed = parseTime(lastUsed)
	return &m, nil
}

// CreateMemory inserts m, filling in the id and timestamps.
func (s *Store) CreateMemory(ctx context.Context, m *core.Memory) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Sources == nil {
		m.Sources = []string{}
	}
	now := s.timestamp()
	m.CreatedAt, m.LastUsed = now, now

	sources, err := encodeJSON(m.Sources)
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (`+memoryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.OwnerID, m.Title, m.Summary, encodeVector(m.Embedding), sources, m.Priority,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

func (s *Store) queryMemories(ctx context.Context, query string, args ...any) ([]*core.Memory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	mems := []*core.Memory{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		mems = append(mems, m)
	}
	return mems, rows.Err()
}

// ListMemories returns the owner's memories, newest first.
func (s *Store) ListMemories(ctx context.Context, ownerID string) ([]*core.Memory, error) {
	return s.queryMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`, ownerID)
}

// LatestMemoryFrom returns the owner's newest memory whose sources include
// conversationID.
func (s *Store) LatestMemoryFrom(ctx context.Context, ownerID, conversationID string) (*core.Memory, error) {
	m, err := scanMemory(s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE user_id = ? AND EXISTS (SELECT 1 FROM json_each(memories.sources) WHERE json_each.value = ?)
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`, ownerID, conversationID))
	if err != nil {
		return nil, notFound(err, "memory")
	}
	return m, nil
}

// MemoriesByID returns the owner's memories whose ids are in ids, in the order of ids.
func (s *Store) MemoriesByID(ctx context.Context, ownerID string, ids []string) ([]*core.Memory, error) {
	if len(ids) == 0 {
		return []*core.Memory{}, nil
	}
	args := append([]any{ownerID}, stringArgs(ids)...)
	found, err := s.queryMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE user_id = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	return orderByIDs(found, ids, func(m *core.Memory) string { return m.ID }), nil
}

// TouchMemories sets last_used on the given memories.
func (s *Store) TouchMemories(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{formatTime(at)}, stringArgs(ids)...)
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET last_used = ? WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("touch memories: %w", err)
	}
	return nil
}
