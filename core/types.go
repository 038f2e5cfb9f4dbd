// Package core holds the domain types shared by every RuneAI component.
package core

import (
	"strings"
	"time"
)

// Link enrichment states.
const (
	StatusQueued     = "queued"
	StatusStarted    = "started"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusProcessing = "processing" // requested by clients to re-run enrichment
)

// EnrichmentLog statuses. "success" is the terminal entry written on completion.
const (
	LogQueued  = "queued"
	LogStarted = "started"
	LogSuccess = "success"
	LogFailed  = "failed"
)

// Defaults carried over from the original data model.
const (
	DefaultCategory          = "All Links"
	DefaultConversationTitle = "New Chat"
	DefaultConversationState = "active"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// User is an account resolved by email.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Link is a knowledge item created from a URL and enriched in the background.
type Link struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"user_id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Tags        []string  `json:"tags"`
	AIStatus    string    `json:"ai_status"`
	IsDeleted   bool      `json:"is_deleted"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Category is a user-defined link grouping.
type Category struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// EnrichmentLog is an append-only audit entry for a link status transition.
type EnrichmentLog struct {
	ID        string    `json:"id"`
	LinkID    string    `json:"link_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation groups chat messages for one owner.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"user_id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attachment describes uploaded media referenced by a message or rune.
type Attachment struct {
	Type     string `json:"type,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Message is one immutable chat turn.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Role           string       `json:"role"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Embedding      []float32    `json:"-"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Rune is an explicit knowledge note.
type Rune struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"owner_id"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Embedding   []float32      `json:"-"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Tags returns the rune's metadata tags.
func (r *Rune) Tags() []string {
	switch v := r.Metadata["tags"].(type) {
	case []string:
		return v
	case []any:
		tags := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
		return tags
	}
	return []string{}
}

// Kind infers the rune type from its attachments: "image" if any attachment
// is an image, else "audio" if any is audio, else "mixed". Runes without
// attachments are "text".
func (r *Rune) Kind() string {
	if len(r.Attachments) == 0 {
		return "text"
	}
	for _, a := range r.Attachments {
		if strings.HasPrefix(a.Type, "image") {
			return "image"
		}
	}
	for _, a := range r.Attachments {
		if strings.HasPrefix(a.Type, "audio") {
			return "audio"
		}
	}
	return "mixed"
}

// Memory is a long-term summary distilled from a conversation.
type Memory struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"user_id"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	Embedding []float32 `json:"-"`
	Sources   []string  `json:"sources"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
}

// Format renders the memory for prompt injection.
func (m *Memory) Format() string {
	return "- " + m.Title + ": " + m.Summary
}

// Truncate returns at most n characters of s.
func Truncate(s string, n int) string {
	if n < 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Vector collections searchable by owner.
const (
	CollectionRunes    = "runes"
	CollectionMemories = "memories"
)

// VectorRow is a stored embedding keyed by its row id.
type VectorRow struct {
	ID        string
	Embedding []float32
}
