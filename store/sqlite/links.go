package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/becomeliminal/runeai/core"
)

const linkColumns = `id, user_id, url, title, description, category, tags, ai_status, is_deleted, created_at, updated_at`

func scanLink(row rowScanner) (*core.Link, error) {
	var (
		l                core.Link
		tags             string
		deleted          int
		created, updated string
	)
	if err := row.Scan(&l.ID, &l.OwnerID, &l.URL, &l.Title, &l.Description, &l.Category,
		&tags, &l.AIStatus, &deleted, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &l.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if l.Tags == nil {
		l.Tags = []string{}
	}
	l.IsDeleted = deleted != 0
	l.CreatedAt = parseTime(created)
	l.UpdatedAt = parseTime(updated)
	return &l, nil
}

// CreateQueuedLink inserts l and its "queued" audit entry in one transaction.
func (s *Store) CreateQueuedLink(ctx context.Context, l *core.Link, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	l.AIStatus = core.StatusQueued
	if err := s.insertLink(ctx, tx, l); err != nil {
		return err
	}
	if _, err := s.appendLog(ctx, tx, l.ID, core.LogQueued, message); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) insertLink(ctx context.Context, tx *sql.Tx, l *core.Link) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.Category == "" {
		l.Category = core.DefaultCategory
	}
	if l.AIStatus == "" {
		l.AIStatus = core.StatusQueued
	}
	if l.Tags == nil {
		l.Tags = []string{}
	}
	now := s.timestamp()
	l.CreatedAt, l.UpdatedAt = now, now

	tags, err := encodeJSON(l.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO links (`+linkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.OwnerID, l.URL, l.Title, l.Description, l.Category, tags, l.AIStatus,
		boolInt(l.IsDeleted), formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

// GetLink returns a link by id, including soft-deleted links.
func (s *Store) GetLink(ctx context.Context, id string) (*core.Link, error) {
	l, err := scanLink(s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM links WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "link")
	}
	return l, nil
}

// ListLinks returns the owner's links, newest first. Soft-deleted links are
// excluded unless includeDeleted is set.
func (s *Store) ListLinks(ctx context.Context, ownerID string, includeDeleted bool) ([]*core.Link, error) {
	query := `SELECT ` + linkColumns + ` FROM links WHERE user_id = ?`
	if !includeDeleted {
		query += ` AND is_deleted = 0`
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	links := []*core.Link{}
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// UpsertLink loads the link with id inside a transaction, creating an empty
// one owned by ownerID when absent, and passes it to mutate. The mutated link
// is written back unless mutate returns an error. created reports whether the
// row was inserted.
func (s *Store) UpsertLink(ctx context.Context, id, ownerID string, mutate func(l *core.Link, created bool) error) (link *core.Link, created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	link, err = scanLink(tx.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM links WHERE id = ?`, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created = true
		link = &core.Link{ID: id, OwnerID: ownerID, Tags: []string{}}
	case err != nil:
		return nil, false, fmt.Errorf("get link: %w", err)
	}

	if err := mutate(link, created); err != nil {
		return nil, false, err
	}

	if created {
		if err := s.insertLink(ctx, tx, link); err != nil {
			return nil, false, err
		}
	} else if err := s.updateLink(ctx, tx, link); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return link, created, nil
}

func (s *Store) updateLink(ctx context.Context, tx *sql.Tx, l *core.Link) error {
	if l.Tags == nil {
		l.Tags = []string{}
	}
	tags, err := encodeJSON(l.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	l.UpdatedAt = s.timestamp()
	_, err = tx.ExecContext(ctx,
		`UPDATE links SET url = ?, title = ?, description = ?, category = ?, tags = ?,
		 ai_status = ?, is_deleted = ?, updated_at = ? WHERE id = ?`,
		l.URL, l.Title, l.Description, l.Category, tags, l.AIStatus, boolInt(l.IsDeleted),
		formatTime(l.UpdatedAt), l.ID,
	)
	if err != nil {
		return fmt.Errorf("update link: %w", err)
	}
	return nil
}

// SoftDeleteLink flags a link as deleted. It reports whether the link existed.
func (s *Store) SoftDeleteLink(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE links SET is_deleted = 1, updated_at = ? WHERE id = ?`,
		formatTime(s.timestamp()), id,
	)
	if err != nil {
		return false, fmt.Errorf("soft delete link: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("soft delete link: %w", err)
	}
	return n > 0, nil
}

// TransitionLink sets ai_status and appends an audit entry in one transaction.
func (s *Store) TransitionLink(ctx context.Context, id, status, logStatus, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE links SET ai_status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(s.timestamp()), id,
	)
	if err != nil {
		return fmt.Errorf("update link status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("link %s: %w", id, core.ErrNotFound)
	}
	if _, err := s.appendLog(ctx, tx, id, logStatus, message); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Enrichment holds the fields written by a completed enrichment job.
type Enrichment struct {
	// Title replaces the link title when non-nil.
	Title       *string
	Description string
	Category    string
	Tags        []string
}

// CompleteEnrichment writes e, marks the link completed and appends the
// success entry in one transaction.
func (s *Store) CompleteEnrichment(ctx context.Context, id string, e Enrichment, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if e.Tags == nil {
		e.Tags = []string{}
	}
	tags, err := encodeJSON(e.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	now := formatTime(s.timestamp())

	var res sql.Result
	if e.Title != nil {
		res, err = tx.ExecContext(ctx,
			`UPDATE links SET title = ?, description = ?, category = ?, tags = ?, ai_status = ?, updated_at = ? WHERE id = ?`,
			*e.Title, e.Description, e.Category, tags, core.StatusCompleted, now, id)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE links SET description = ?, category = ?, tags = ?, ai_status = ?, updated_at = ? WHERE id = ?`,
			e.Description, e.Category, tags, core.StatusCompleted, now, id)
	}
	if err != nil {
		return fmt.Errorf("apply enrichment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("link %s: %w", id, core.ErrNotFound)
	}
	if _, err := s.appendLog(ctx, tx, id, core.LogSuccess, message); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) appendLog(ctx context.Context, tx *sql.Tx, linkID, status, message string) (*core.EnrichmentLog, error) {
	entry := &core.EnrichmentLog{
		ID:        uuid.New().String(),
		LinkID:    linkID,
		Status:    status,
		Message:   message,
		CreatedAt: s.timestamp(),
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO generation_logs (id, link_id, status, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.LinkID, entry.Status, entry.Message, formatTime(entry.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert generation log: %w", err)
	}
	return entry, nil
}

// LinkLogs returns a link's audit entries in creation order.
func (s *Store) LinkLogs(ctx context.Context, linkID string) ([]*core.EnrichmentLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, link_id, status, message, created_at FROM generation_logs
		 WHERE link_id = ? ORDER BY created_at, rowid`, linkID)
	if err != nil {
		return nil, fmt.Errorf("list generation logs: %w", err)
	}
	defer rows.Close()

	entries := []*core.EnrichmentLog{}
	for rows.Next() {
		var e core.EnrichmentLog
		var created string
		if err := rows.Scan(&e.ID, &e.LinkID, &e.Status, &e.Message, &created); err != nil {
			return nil, fmt.Errorf("scan generation log: %w", err)
		}
		e.CreatedAt = parseTime(created)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
