package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/becomeliminal/runeai/core"
)

const runeColumns = `id, owner_id, title, content, attachments, metadata, embedding, created_at`

func scanRune(row rowScanner) (*core.Rune, error) {
	var (
		r              core.Rune
		atts, metadata string
		emb            []byte
		created        string
	)
	if err := row.Scan(&r.ID, &r.OwnerID, &r.Title, &r.Content, &atts, &metadata, &emb, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(atts), &r.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	vec, err := decodeVector(emb)
	if err != nil {
		return nil, err
	}
	r.Embedding = vec
	r.CreatedAt = parseTime(created)
	return &r, nil
}

// CreateRune inserts r, filling in the id and creation time.
func (s *Store) CreateRune(ctx context.Context, r *core.Rune) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Attachments == nil {
		r.Attachments = []core.Attachment{}
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.CreatedAt = s.timestamp()

	atts, err := encodeJSON(r.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	metadata, err := encodeJSON(r.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runes (`+runeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OwnerID, r.Title, r.Content, atts, metadata, encodeVector(r.Embedding), formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert rune: %w", err)
	}
	return nil
}

func (s *Store) queryRunes(ctx context.Context, query string, args ...any) ([]*core.Rune, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runes: %w", err)
	}
	defer rows.Close()

	runes := []*core.Rune{}
	for rows.Next() {
		r, err := scanRune(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rune: %w", err)
		}
		runes = append(runes, r)
	}
	return runes, rows.Err()
}

// ListRunes returns up to limit of the owner's runes, newest first.
func (s *Store) ListRunes(ctx context.Context, ownerID string, limit int) ([]*core.Rune, error) {
	return s.queryRunes(ctx,
		`SELECT `+runeColumns+` FROM runes WHERE owner_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		ownerID, limit)
}

// RunesByID returns the owner's runes whose ids are in ids, in the order of ids.
// Unknown ids and runes of other owners are skipped.
func (s *Store) RunesByID(ctx context.Context, ownerID string, ids []string) ([]*core.Rune, error) {
	if len(ids) == 0 {
		return []*core.Rune{}, nil
	}
	args := append([]any{ownerID}, stringArgs(ids)...)
	found, err := s.queryRunes(ctx,
		`SELECT `+runeColumns+` FROM runes WHERE owner_id = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	return orderByIDs(found, ids, func(r *core.Rune) string { return r.ID }), nil
}

// orderByIDs arranges items in the order their ids appear in ids, dropping
// duplicates.
func orderByIDs[T any](items []T, ids []string, id func(T) string) []T {
	byID := make(map[string]T, len(items))
	for _, it := range items {
		byID[id(it)] = it
	}
	out := make([]T, 0, len(items))
	for _, want := range ids {
		if it, ok := byID[want]; ok {
			out = append(out, it)
			delete(byID, want)
		}
	}
	return out
}
