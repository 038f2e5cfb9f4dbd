package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/becomeliminal/runeai/core"
	"github.com/becomeliminal/runeai/engine"
	"github.com/becomeliminal/runeai/logging"
	"github.com/becomeliminal/runeai/tools"
)

// Consolidation outcomes.
const (
	StatusConsolidated   = "consolidated"
	StatusSkipped        = "skipped"
	StatusNoConversation = "no_conversation"
	StatusUnchanged      = "unchanged"
)

const (
	systemPrompt = "You are a memory consolidation assistant. Return strictly JSON with keys: title, summary."
	userPrompt   = "Summarize the following conversation (3-5 sentences) and give a concise title.\n\n"

	defaultTitle   = "Memory"
	defaultSummary = "No summary."
)

// outputSchema constrains the LLM reply to {title, summary}.
var outputSchema = tools.ObjectSchema(map[string]any{
	"title":   tools.StringProperty("A concise title for the conversation"),
	"summary": tools.StringProperty("A 3-5 sentence summary of the conversation"),
}, "title", "summary")

// Result reports what a consolidation did.
type Result struct {
	Status   string `json:"status"`
	MemoryID string `json:"memory_id,omitempty"`
	Title    string `json:"title,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Config holds Consolidator configuration.
type Config struct {
	// MinMessages is the shortest conversation worth consolidating.
	// Default: 3
	MinMessages int

	// MaxTokens bounds the summary completion.
	// Default: 300
	MaxTokens int64

	// Priority is stored on every new memory.
	// Default: 1
	Priority int

	// Concurrency bounds owners consolidated at once by RunPeriodic.
	// Default: 4
	Concurrency int
}

// DefaultConfig returns the defaults of the original service.
var DefaultConfig = &Config{
	MinMessages: 3,
	MaxTokens:   300,
	Priority:    1,
	Concurrency: 4,
}

// Consolidator condenses conversations into Memory rows.
type Consolidator struct {
	store    Store
	embedder Embedder
	llm      engine.Completer
	indexer  Indexer
	config   *Config
	logger   *zap.Logger
}

// Option configures a Consolidator.
type Option func(*Consolidator)

// WithIndexer keeps a search index current with new memories.
func WithIndexer(ix Indexer) Option {
	return func(c *Consolidator) {
		c.indexer = ix
	}
}

// WithConfig overrides DefaultConfig.
func WithConfig(cfg *Config) Option {
	return func(c *Consolidator) {
		if cfg != nil {
			c.config = cfg
		}
	}
}

// WithLogger sets the consolidator logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Consolidator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewConsolidator creates a Consolidator.
func NewConsolidator(store Store, embedder Embedder, llm engine.Completer, opts ...Option) *Consolidator {
	c := &Consolidator{
		store:    store,
		embedder: embedder,
		llm:      llm,
		config:   DefaultConfig,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Consolidate summarizes the owner's most recently updated conversation into
// a new Memory. Repeated calls create repeated memories. Provider and store
// failures are returned to the caller.
func (c *Consolidator) Consolidate(ctx context.Context, ownerID string) (*Result, error) {
	conv, res, err := c.latest(ctx, ownerID)
	if conv == nil {
		return res, err
	}
	return c.consolidate(ctx, ownerID, conv)
}

// ConsolidateChanged is Consolidate, except that a conversation not updated
// since a memory was last made from it is left alone.
func (c *Consolidator) ConsolidateChanged(ctx context.Context, ownerID string) (*Result, error) {
	conv, res, err := c.latest(ctx, ownerID)
	if conv == nil {
		return res, err
	}
	last, err := c.store.LatestMemoryFrom(ctx, ownerID, conv.ID)
	switch {
	case errors.Is(err, core.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("latest memory: %w", err)
	case !conv.UpdatedAt.After(last.CreatedAt):
		return &Result{Status: StatusUnchanged, MemoryID: last.ID, Message: "Conversation unchanged since last memory"}, nil
	}
	return c.consolidate(ctx, ownerID, conv)
}

func (c *Consolidator) latest(ctx context.Context, ownerID string) (*core.Conversation, *Result, error) {
	conv, err := c.store.LatestConversation(ctx, ownerID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, &Result{Status: StatusNoConversation, Message: "No conversations found"}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("latest conversation: %w", err)
	}
	return conv, nil, nil
}

func (c *Consolidator) consolidate(ctx context.Context, ownerID string, conv *core.Conversation) (*Result, error) {
	msgs, err := c.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if len(msgs) < c.config.MinMessages {
		c.logger.Debug("conversation too short",
			zap.String("conversation_id", conv.ID), zap.Int("messages", len(msgs)))
		return &Result{Status: StatusSkipped, Message: "Conversation too short"}, nil
	}

	var reply struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
	}
	err = engine.CompleteJSON(ctx, c.llm, &engine.Request{
		System:    systemPrompt,
		Messages:  []engine.Message{{Role: core.RoleUser, Content: userPrompt + transcript(msgs)}},
		MaxTokens: c.config.MaxTokens,
		Schema:    outputSchema,
	}, &reply)
	if err != nil {
		return nil, fmt.Errorf("summarize conversation: %w", err)
	}

	title := strings.TrimSpace(reply.Title)
	if title == "" {
		title = defaultTitle
	}
	summary := strings.TrimSpace(reply.Summary)
	if summary == "" {
		summary = defaultSummary
	}

	embedding, err := c.embedder.Embed(ctx, summary)
	if err != nil {
		return nil, fmt.Errorf("embed summary: %w", err)
	}

	mem := &core.Memory{
		OwnerID:   ownerID,
		Title:     title,
		Summary:   summary,
		Embedding: embedding,
		Sources:   []string{conv.ID},
		Priority:  c.config.Priority,
	}
	if err := c.store.CreateMemory(ctx, mem); err != nil {
		return nil, fmt.Errorf("store memory: %w", err)
	}

	if c.indexer != nil {
		row := core.VectorRow{ID: mem.ID, Embedding: mem.Embedding}
		if err := AddOrInvalidate(ctx, c.indexer, core.CollectionMemories, ownerID, row); err != nil {
			c.logger.Warn("index memory", zap.String("memory_id", mem.ID), zap.Error(err))
		}
	}

	c.logger.Info("consolidated conversation",
		zap.String("owner_id", ownerID),
		zap.String("conversation_id", conv.ID),
		zap.String("memory_id", mem.ID),
		zap.String("title", logging.Truncate(title, 50)))
	return &Result{Status: StatusConsolidated, MemoryID: mem.ID, Title: title}, nil
}

// RunPeriodic consolidates every owner returned by owners once per interval
// until ctx is cancelled. Conversations unchanged since their last memory are
// skipped. Per-owner failures are logged and do not stop the loop.
func (c *Consolidator) RunPeriodic(ctx context.Context, interval time.Duration, owners func(context.Context) ([]string, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.consolidateAll(ctx, owners)
		}
	}
}

func (c *Consolidator) consolidateAll(ctx context.Context, owners func(context.Context) ([]string, error)) {
	ids, err := owners(ctx)
	if err != nil {
		c.logger.Warn("list owners", zap.Error(err))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, c.config.Concurrency))
	for _, id := range ids {
		g.Go(func() error {
			res, err := c.ConsolidateChanged(gctx, id)
			if err != nil {
				c.logger.Warn("periodic consolidation failed", zap.String("owner_id", id), zap.Error(err))
				return nil
			}
			c.logger.Debug("periodic consolidation", zap.String("owner_id", id), zap.String("status", res.Status))
			return nil
		})
	}
	_ = g.Wait()
}

// transcript renders messages as "role: content" lines.
func transcript(msgs []*core.Message) string {
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		lines[i] = m.Role + ": " + m.Content
	}
	return strings.Join(lines, "\n")
}
