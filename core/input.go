package core

// ChatInput is a new user turn sent to a conversation.
type ChatInput struct {
	Message string `json:"message"`

	// TopK bounds implicit rune and memory retrieval. Zero means the default of 3.
	TopK int `json:"top_k,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`

	// ContextRunes are rune ids the user referenced explicitly.
	ContextRunes []string `json:"context_runes,omitempty"`
}

// ChatResult is the outcome of one assembled chat exchange.
type ChatResult struct {
	Reply              string   `json:"reply"`
	Sources            []string `json:"sources"`
	Memories           []string `json:"memories"`
	UserMessageID      string   `json:"user_message_id"`
	AssistantMessageID string   `json:"assistant_message_id"`
}

// ChangeItem is one client-originated mutation from an offline change log.
type ChangeItem struct {
	ResourceType   string         `json:"resource_type"`
	Op             string         `json:"op"`
	ResourceID     string         `json:"resource_id"`
	Payload        map[string]any `json:"payload,omitempty"`
	ClientChangeID string         `json:"client_change_id"`

	// FieldTimestamps is accepted for forward compatibility and not consulted.
	FieldTimestamps map[string]any `json:"field_timestamps,omitempty"`
}

// Change operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// AppliedChange acknowledges one change item.
type AppliedChange struct {
	ClientChangeID string `json:"client_change_id"`
}

// PushResult is the outcome of a change-log merge.
type PushResult struct {
	Applied   []AppliedChange `json:"applied"`
	Conflicts []any           `json:"conflicts"`
}
