package sqlite

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/becomeliminal/runeai/core"
)

// UserByEmail returns the user registered under email.
func (s *Store) UserByEmail(ctx context.Context, email string) (*core.User, error) {
	var u core.User
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, created_at FROM users WHERE email = ?`, email,
	).Scan(&u.ID, &u.Email, &created)
	if err != nil {
		return nil, notFound(err, "user")
	}
	u.CreatedAt = parseTime(created)
	return &u, nil
}

// EnsureUser returns the user for email, creating it when absent.
func (s *Store) EnsureUser(ctx context.Context, email string) (*core.User, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, created_at) VALUES (?, ?, ?) ON CONFLICT(email) DO NOTHING`,
		uuid.New().String(), email, formatTime(s.timestamp()),
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return s.UserByEmail(ctx, email)
}

// UserIDs lists every user id, for periodic jobs.
func (s *Store) UserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
