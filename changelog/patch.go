package changelog

import (
	"encoding/json"
	"fmt"

	"github.com/becomeliminal/runeai/core"
)

// Resource types accepted from clients.
const (
	ResourceLink     = "link"
	ResourceWebsite  = "website"
	ResourceCategory = "category"
)

// Patch is a decoded change payload. Nil pointer fields are left untouched.
type Patch interface {
	resource() string
}

// LinkPatch updates a link.
type LinkPatch struct {
	URL         *string   `json:"url"`
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Category    *string   `json:"category"`
	Tags        *[]string `json:"tags"`
	AIStatus    *string   `json:"ai_status"`
	IsDeleted   *bool     `json:"is_deleted"`
}

func (LinkPatch) resource() string { return ResourceLink }

// Apply copies the present fields onto l.
func (p *LinkPatch) Apply(l *core.Link) {
	if p.URL != nil {
		l.URL = *p.URL
	}
	if p.Title != nil {
		l.Title = *p.Title
	}
	if p.Description != nil {
		l.Description = *p.Description
	}
	if p.Category != nil {
		l.Category = *p.Category
	}
	if p.Tags != nil {
		l.Tags = append([]string{}, (*p.Tags)...)
	}
	if p.AIStatus != nil {
		l.AIStatus = *p.AIStatus
	}
	if p.IsDeleted != nil {
		l.IsDeleted = *p.IsDeleted
	}
}

// RequestsEnrichment reports whether the client asked for the link to be
// processed again.
func (p *LinkPatch) RequestsEnrichment() bool {
	return p.AIStatus != nil && *p.AIStatus == core.StatusProcessing
}

// CategoryPatch creates a category.
type CategoryPatch struct {
	Name *string `json:"name"`
}

func (CategoryPatch) resource() string { return ResourceCategory }

// UnknownPatch carries payloads of resource types the server ignores.
type UnknownPatch struct {
	ResourceType string
}

func (p UnknownPatch) resource() string { return p.ResourceType }

// Decode converts a raw change payload into its typed patch.
func Decode(item core.ChangeItem) (Patch, error) {
	switch item.ResourceType {
	case ResourceLink, ResourceWebsite:
		p := &LinkPatch{}
		if err := decodePayload(item.Payload, p); err != nil {
			return nil, err
		}
		return p, nil
	case ResourceCategory:
		p := &CategoryPatch{}
		if err := decodePayload(item.Payload, p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return UnknownPatch{ResourceType: item.ResourceType}, nil
	}
}

func decodePayload(payload map[string]any, out any) error {
	if len(payload) == 0 {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload: %w: %w", core.ErrValidation, err)
	}
	return nil
}
