// Package chat assembles retrieval-augmented replies for conversations.
//
// A turn embeds the user message, retrieves the owner's nearest runes and
// memories, adds any runes the user referenced explicitly, and sends the
// recent history with a layered system prompt to the LLM. Both turns are
// persisted together with their embeddings.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/becomeliminal/runeai/core"
	"github.com/becomeliminal/runeai/engine"
	"github.com/becomeliminal/runeai/memory"
	"github.com/becomeliminal/runeai/vector"
)

// FallbackReply is stored and returned when the LLM call fails.
const FallbackReply = "The assistant encountered an error. Please try again later."

const (
	defaultTopK    = 3
	historyLen     = 5
	maxTokens      = 500
	titleLen       = 30
	implicitPrefix = 200
	basePrompt     = "You are a helpful assistant."
)

// Store is the persistence the assembler needs.
type Store interface {
	GetConversation(ctx context.Context, id string) (*core.Conversation, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
	RetitleConversation(ctx context.Context, id, title string) error
	RecentMessages(ctx context.Context, conversationID string, n int) ([]*core.Message, error)
	RunesByID(ctx context.Context, ownerID string, ids []string) ([]*core.Rune, error)
	MemoriesByID(ctx context.Context, ownerID string, ids []string) ([]*core.Memory, error)
	AppendMessages(ctx context.Context, conversationID string, msgs ...*core.Message) error
	TouchMemories(ctx context.Context, ids []string, at time.Time) error
}

// Searcher ranks an owner's vectors against a query.
type Searcher interface {
	Search(ctx context.Context, collection, ownerID string, query []float32, k int) ([]vector.Hit, error)
}

// Assembler runs chat turns.
type Assembler struct {
	store    Store
	embedder memory.Embedder
	search   Searcher
	llm      engine.Completer
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Assembler) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock overrides time.Now for last_used stamps.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// NewAssembler creates an Assembler.
func NewAssembler(store Store, embedder memory.Embedder, search Searcher, llm engine.Completer, opts ...Option) *Assembler {
	a := &Assembler{
		store:    store,
		embedder: embedder,
		search:   search,
		llm:      llm,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// turn is the retrieval context for one message.
type turn struct {
	conv     *core.Conversation
	query    []float32
	explicit []*core.Rune
	implicit []*core.Rune
	memories []*core.Memory
	request  *engine.Request
}

// Send runs one chat turn and returns the reply with its sources. LLM
// failures produce FallbackReply and are not returned as errors.
func (a *Assembler) Send(ctx context.Context, conversationID string, in core.ChatInput) (*core.ChatResult, error) {
	t, err := a.prepare(ctx, conversationID, in)
	if err != nil {
		return nil, err
	}
	reply, err := a.llm.Complete(ctx, t.request)
	if err != nil {
		a.logger.Error("chat completion failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		reply = FallbackReply
	}
	return a.commit(ctx, t, in, reply)
}

// SendStream is Send with the reply delivered to onDelta as it is generated.
// Completers that cannot stream deliver the whole reply in one chunk.
func (a *Assembler) SendStream(ctx context.Context, conversationID string, in core.ChatInput, onDelta func(chunk string)) (*core.ChatResult, error) {
	t, err := a.prepare(ctx, conversationID, in)
	if err != nil {
		return nil, err
	}

	var reply string
	if s, ok := a.llm.(engine.Streamer); ok {
		reply, err = s.Stream(ctx, t.request, onDelta)
	} else if reply, err = a.llm.Complete(ctx, t.request); err == nil {
		onDelta(reply)
	}
	if err != nil {
		a.logger.Error("chat stream failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		reply = FallbackReply
	}
	return a.commit(ctx, t, in, reply)
}

func (a *Assembler) prepare(ctx context.Context, conversationID string, in core.ChatInput) (*turn, error) {
	conv, err := a.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if conv.Title == core.DefaultConversationTitle {
		n, err := a.store.CountMessages(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			title := AutoTitle(in.Message)
			if err := a.store.RetitleConversation(ctx, conv.ID, title); err != nil {
				return nil, err
			}
			conv.Title = title
		}
	}

	query, err := a.embedder.Embed(ctx, in.Message)
	if err != nil {
		return nil, fmt.Errorf("embed message: %w", err)
	}

	k := in.TopK
	if k == 0 {
		k = defaultTopK
	}
	k = max(1, k)

	t := &turn{conv: conv, query: query}
	if t.implicit, err = a.retrieveRunes(ctx, conv.OwnerID, query, k); err != nil {
		return nil, err
	}
	if t.memories, err = a.retrieveMemories(ctx, conv.OwnerID, query, k); err != nil {
		return nil, err
	}
	if len(in.ContextRunes) > 0 {
		if t.explicit, err = a.store.RunesByID(ctx, conv.OwnerID, in.ContextRunes); err != nil {
			return nil, fmt.Errorf("load referenced runes: %w", err)
		}
	}

	history, err := a.store.RecentMessages(ctx, conv.ID, historyLen)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	msgs := make([]engine.Message, 0, len(history)+1)
	for _, m := range history {
		msgs = append(msgs, engine.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, engine.Message{Role: core.RoleUser, Content: UserContent(in.Message, in.Attachments)})

	t.request = &engine.Request{
		System:    SystemPrompt(t.explicit, t.implicit, t.memories),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}

	a.logger.Debug("chat context assembled",
		zap.String("conversation_id", conv.ID),
		zap.Int("explicit_runes", len(t.explicit)),
		zap.Int("implicit_runes", len(t.implicit)),
		zap.Int("memories", len(t.memories)),
		zap.Int("history", len(history)))
	return t, nil
}

func (a *Assembler) retrieveRunes(ctx context.Context, ownerID string, query []float32, k int) ([]*core.Rune, error) {
	hits, err := a.search.Search(ctx, core.CollectionRunes, ownerID, query, k)
	if err != nil {
		return nil, fmt.Errorf("search runes: %w", err)
	}
	runes, err := a.store.RunesByID(ctx, ownerID, vector.IDs(hits))
	if err != nil {
		return nil, fmt.Errorf("load runes: %w", err)
	}
	return runes, nil
}

func (a *Assembler) retrieveMemories(ctx context.Context, ownerID string, query []float32, k int) ([]*core.Memory, error) {
	hits, err := a.search.Search(ctx, core.CollectionMemories, ownerID, query, k)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	mems, err := a.store.MemoriesByID(ctx, ownerID, vector.IDs(hits))
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}
	return mems, nil
}

func (a *Assembler) commit(ctx context.Context, t *turn, in core.ChatInput, reply string) (*core.ChatResult, error) {
	replyEmbedding, err := a.embedder.Embed(ctx, reply)
	if err != nil {
		return nil, fmt.Errorf("embed reply: %w", err)
	}

	user := &core.Message{
		Role:        core.RoleUser,
		Content:     in.Message,
		Attachments: in.Attachments,
		Embedding:   t.query,
	}
	assistant := &core.Message{
		Role:      core.RoleAssistant,
		Content:   reply,
		Embedding: replyEmbedding,
	}
	if err := a.store.AppendMessages(ctx, t.conv.ID, user, assistant); err != nil {
		return nil, fmt.Errorf("save messages: %w", err)
	}

	memoryIDs := make([]string, len(t.memories))
	for i, m := range t.memories {
		memoryIDs[i] = m.ID
	}
	if err := a.store.TouchMemories(ctx, memoryIDs, a.now()); err != nil {
		a.logger.Warn("touch memories", zap.Error(err))
	}

	return &core.ChatResult{
		Reply:              reply,
		Sources:            sources(t.explicit, t.implicit),
		Memories:           memoryIDs,
		UserMessageID:      user.ID,
		AssistantMessageID: assistant.ID,
	}, nil
}

// sources lists rune ids, explicit first, without duplicates.
func sources(explicit, implicit []*core.Rune) []string {
	seen := make(map[string]bool, len(explicit)+len(implicit))
	out := make([]string, 0, len(explicit)+len(implicit))
	for _, group := range [][]*core.Rune{explicit, implicit} {
		for _, r := range group {
			if !seen[r.ID] {
				seen[r.ID] = true
				out = append(out, r.ID)
			}
		}
	}
	return out
}

// AutoTitle derives a conversation title from its first message.
func AutoTitle(message string) string {
	if len([]rune(message)) > titleLen {
		return core.Truncate(message, titleLen) + "..."
	}
	return message
}

// SystemPrompt layers explicit references, related runes and memories
// beneath the base instruction. Empty sections are left out.
func SystemPrompt(explicit, implicit []*core.Rune, memories []*core.Memory) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	if len(explicit) > 0 {
		lines := make([]string, len(explicit))
		for i, r := range explicit {
			lines[i] = fmt.Sprintf("Referenced Rune '%s':\n%s", r.Title, r.Content)
		}
		b.WriteString("\n\nUser provided references:\n")
		b.WriteString(strings.Join(lines, "\n"))
	}
	if len(implicit) > 0 {
		lines := make([]string, len(implicit))
		for i, r := range implicit {
			lines[i] = "Rune: " + core.Truncate(r.Content, implicitPrefix) + "..."
		}
		b.WriteString("\n\nRelated Knowledge:\n")
		b.WriteString(strings.Join(lines, "\n"))
	}
	if len(memories) > 0 {
		lines := make([]string, len(memories))
		for i, m := range memories {
			lines[i] = m.Format()
		}
		b.WriteString("\n\nLong-term Memories:\n")
		b.WriteString(strings.Join(lines, "\n"))
	}
	return b.String()
}

// UserContent appends an attachment listing to the message.
func UserContent(message string, attachments []core.Attachment) string {
	if len(attachments) == 0 {
		return message
	}
	parts := make([]string, len(attachments))
	for i, att := range attachments {
		name := att.Filename
		if name == "" {
			name = "file"
		}
		parts[i] = fmt.Sprintf("%s (%s)", name, att.URL)
	}
	return message + "\n\n[Attachments]: " + strings.Join(parts, ", ")
}
