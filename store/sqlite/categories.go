package sqlite

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/becomeliminal/runeai/core"
)

// CreateCategoryIfAbsent inserts a category unless the owner already has one
// with the same name. It reports whether a row was inserted.
func (s *Store) CreateCategoryIfAbsent(ctx context.Context, ownerID, id, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM categories WHERE user_id = ? AND name = ?`, ownerID, name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup category %q: %w", name, err)
	}
	if exists > 0 {
		return false, nil
	}

	if id == "" {
		id = uuid.New().String()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO categories (id, user_id, name, created_at) VALUES (?, ?, ?, ?)`,
		id, ownerID, name, formatTime(s.timestamp()),
	)
	if err != nil {
		return false, fmt.Errorf("insert category %q: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// ListCategories returns the owner's categories in creation order.
func (s *Store) ListCategories(ctx context.Context, ownerID string) ([]*core.Category, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, created_at FROM categories WHERE user_id = ? ORDER BY created_at, rowid`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	cats := []*core.Category{}
	for rows.Next() {
		var c core.Category
		var created string
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &created); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		c.CreatedAt = parseTime(created)
		cats = append(cats, &c)
	}
	return cats, rows.Err()
}
