// Package changelog merges batches of offline client changes into the store.
//
// Merging is last-write-wins per item. Items are applied in order; an item
// that fails is logged and left out of the acknowledgement so the client
// retries it, and the rest of the batch continues.
package changelog

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/becomeliminal/runeai/core"
	"github.com/becomeliminal/runeai/jobs"
)

const untitledCategory = "Untitled"

// Store is the persistence the merger needs.
type Store interface {
	GetLink(ctx context.Context, id string) (*core.Link, error)
	UpsertLink(ctx context.Context, id, ownerID string, mutate func(l *core.Link, created bool) error) (*core.Link, bool, error)
	SoftDeleteLink(ctx context.Context, id string) (bool, error)
	CreateCategoryIfAbsent(ctx context.Context, ownerID, id, name string) (bool, error)
}

// Enqueuer schedules link enrichment.
type Enqueuer interface {
	Enqueue(linkID string) (*jobs.Job, error)
}

// Merger applies change batches.
type Merger struct {
	store    Store
	enricher Enqueuer
	logger   *zap.Logger
}

// NewMerger creates a Merger. enricher may be nil to disable enrichment
// triggers.
func NewMerger(store Store, enricher Enqueuer, logger *zap.Logger) *Merger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{store: store, enricher: enricher, logger: logger}
}

// Apply merges items for ownerID. It never fails as a whole; conflicts are
// always empty.
func (m *Merger) Apply(ctx context.Context, ownerID string, items []core.ChangeItem) *core.PushResult {
	res := &core.PushResult{Applied: []core.AppliedChange{}, Conflicts: []any{}}
	for _, item := range items {
		if err := m.applyOne(ctx, ownerID, item); err != nil {
			m.logger.Warn("change not applied",
				zap.String("client_change_id", item.ClientChangeID),
				zap.String("resource_type", item.ResourceType),
				zap.String("op", item.Op),
				zap.Error(err))
			continue
		}
		res.Applied = append(res.Applied, core.AppliedChange{ClientChangeID: item.ClientChangeID})
	}
	m.logger.Info("change batch merged",
		zap.String("owner_id", ownerID),
		zap.Int("received", len(items)),
		zap.Int("applied", len(res.Applied)))
	return res
}

func (m *Merger) applyOne(ctx context.Context, ownerID string, item core.ChangeItem) error {
	patch, err := Decode(item)
	if err != nil {
		return err
	}
	switch p := patch.(type) {
	case *LinkPatch:
		switch item.Op {
		case core.OpCreate, core.OpUpdate:
			return m.upsertLink(ctx, ownerID, item, p)
		case core.OpDelete:
			return m.deleteLink(ctx, ownerID, item.ResourceID)
		}
	case *CategoryPatch:
		if item.Op == core.OpCreate {
			name := untitledCategory
			if p.Name != nil {
				name = *p.Name
			}
			_, err := m.store.CreateCategoryIfAbsent(ctx, ownerID, item.ResourceID, name)
			return err
		}
	}
	return nil
}

func (m *Merger) upsertLink(ctx context.Context, ownerID string, item core.ChangeItem, p *LinkPatch) error {
	link, created, err := m.store.UpsertLink(ctx, item.ResourceID, ownerID, func(l *core.Link, created bool) error {
		if !created && l.OwnerID != ownerID {
			return fmt.Errorf("link %s belongs to another user: %w", l.ID, core.ErrValidation)
		}
		p.Apply(l)
		return nil
	})
	if err != nil {
		return err
	}
	if created && item.Op == core.OpUpdate {
		m.logger.Debug("update for unknown link treated as create", zap.String("link_id", link.ID))
	}

	if m.enricher == nil || link.URL == "" {
		return nil
	}
	if item.Op == core.OpCreate || p.RequestsEnrichment() {
		if _, err := m.enricher.Enqueue(link.ID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Merger) deleteLink(ctx context.Context, ownerID, id string) error {
	link, err := m.store.GetLink(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if link.OwnerID != ownerID {
		return fmt.Errorf("link %s belongs to another user: %w", id, core.ErrValidation)
	}
	_, err = m.store.SoftDeleteLink(ctx, id)
	return err
}
