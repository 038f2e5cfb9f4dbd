// Package service exposes the boundary operations shared by the HTTP,
// websocket, MCP and CLI transports. Every operation is scoped to a user
// resolved by email.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/becomeliminal/runeai/chat"
	"github.com/becomeliminal/runeai/changelog"
	"github.com/becomeliminal/runeai/config"
	"github.com/becomeliminal/runeai/core"
	"github.com/becomeliminal/runeai/enrich"
	"github.com/becomeliminal/runeai/memory"
	"github.com/becomeliminal/runeai/store/sqlite"
	"github.com/becomeliminal/runeai/vector"
)

// DefaultEmail is used when a request names no user.
const DefaultEmail = "dev@test.com"

// Defaults of list and search operations.
const (
	DefaultRuneLimit  = 20
	DefaultSearchTopK = 5
	descriptionLen    = 200
	submitMessage     = "Request received via /sync"
)

// Searcher ranks an owner's vectors against a query.
type Searcher interface {
	Search(ctx context.Context, collection, ownerID string, query []float32, k int) ([]vector.Hit, error)
}

// Deps are the collaborators a Service orchestrates.
type Deps struct {
	Store        *sqlite.Store
	Embedder     memory.Embedder
	Search       Searcher
	Index        memory.Indexer
	Chat         *chat.Assembler
	Merger       *changelog.Merger
	Enricher     *enrich.Worker
	Consolidator *memory.Consolidator
}

// Service implements the boundary operations.
type Service struct {
	Deps
	devMode bool
	uploads config.UploadsConfig
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithDevMode makes every email lookup create the user when missing.
func WithDevMode(on bool) Option {
	return func(s *Service) { s.devMode = on }
}

// WithUploads sets where uploads are stored and how large they may be.
func WithUploads(cfg config.UploadsConfig) Option {
	return func(s *Service) { s.uploads = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service.
func New(deps Deps, opts ...Option) *Service {
	s := &Service{
		Deps:    deps,
		uploads: config.Default().Uploads,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// user resolves email. Unknown users are created when create is set or in
// dev mode, and reported as not found otherwise.
func (s *Service) user(ctx context.Context, email string, create bool) (*core.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		email = DefaultEmail
	}
	if create || s.devMode {
		return s.Store.EnsureUser(ctx, email)
	}
	return s.Store.UserByEmail(ctx, email)
}

// SubmitResult acknowledges a queued link.
type SubmitResult struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
	LinkID string `json:"link_id"`
}

// SubmitLink stores a new link and schedules its enrichment.
func (s *Service) SubmitLink(ctx context.Context, email, rawURL string) (*SubmitResult, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("url %q must be an absolute http(s) URL: %w", rawURL, core.ErrValidation)
	}
	owner, err := s.user(ctx, email, true)
	if err != nil {
		return nil, err
	}

	link := &core.Link{OwnerID: owner.ID, URL: u.String()}
	if err := s.Store.CreateQueuedLink(ctx, link, submitMessage); err != nil {
		return nil, err
	}
	job, err := s.Enricher.Enqueue(link.ID)
	if err != nil {
		// The link is already stored as queued; nothing will ever pick it up.
		msg := "enqueue failed: " + err.Error()
		if terr := s.Store.TransitionLink(context.WithoutCancel(ctx), link.ID, core.StatusFailed, core.LogFailed, msg); terr != nil {
			s.logger.Error("record failed link", zap.String("link_id", link.ID), zap.Error(terr))
		}
		return nil, fmt.Errorf("link %s: %w", link.ID, err)
	}
	s.logger.Info("link submitted", zap.String("link_id", link.ID), zap.String("job_id", job.ID))
	return &SubmitResult{Status: core.StatusQueued, JobID: job.ID, LinkID: link.ID}, nil
}

// GetLink returns a link, including soft-deleted ones.
func (s *Service) GetLink(ctx context.Context, id string) (*core.Link, error) {
	return s.Store.GetLink(ctx, id)
}

// LinkLogs returns a link's audit trail.
func (s *Service) LinkLogs(ctx context.Context, id string) ([]*core.EnrichmentLog, error) {
	if _, err := s.Store.GetLink(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.LinkLogs(ctx, id)
}

// ListLinks returns the user's visible links, newest first.
func (s *Service) ListLinks(ctx context.Context, email string) ([]*core.Link, error) {
	owner, err := s.user(ctx, email, false)
	if errors.Is(err, core.ErrNotFound) {
		return []*core.Link{}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.Store.ListLinks(ctx, owner.ID, false)
}

// PushChanges merges an offline change batch.
func (s *Service) PushChanges(ctx context.Context, email string, changes []core.ChangeItem) (*core.PushResult, error) {
	owner, err := s.user(ctx, email, true)
	if err != nil {
		return nil, err
	}
	return s.Merger.Apply(ctx, owner.ID, changes), nil
}

// PullResult is the server side of a sync pull.
type PullResult struct {
	Changes   []any `json:"changes"`
	Timestamp int64 `json:"timestamp"`
}

// PullChanges reports no server-side changes; clients keep local state.
func (s *Service) PullChanges(ctx context.Context) *PullResult {
	return &PullResult{Changes: []any{}, Timestamp: s.now().UnixMilli()}
}

// CreateConversation starts a conversation. An empty title means
// core.DefaultConversationTitle.
func (s *Service) CreateConversation(ctx context.Context, email, title string) (*core.Conversation, error) {
	owner, err := s.user(ctx, email, true)
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = core.DefaultConversationTitle
	}
	return s.Store.CreateConversation(ctx, owner.ID, title)
}

// ListConversations returns the user's conversations, most recent first.
func (s *Service) ListConversations(ctx context.Context, email string) ([]*core.Conversation, error) {
	owner, err := s.user(ctx, email, false)
	if errors.Is(err, core.ErrNotFound) {
		return []*core.Conversation{}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.Store.ListConversations(ctx, owner.ID)
}

// ListMessages returns a conversation's messages, oldest first.
func (s *Service) ListMessages(ctx context.Context, conversationID string) ([]*core.Message, error) {
	if _, err := s.Store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.Store.ListMessages(ctx, conversationID)
}

// SendMessage runs one chat turn.
func (s *Service) SendMessage(ctx context.Context, conversationID string, in core.ChatInput) (*core.ChatResult, error) {
	return s.Chat.Send(ctx, conversationID, in)
}

// StreamMessage runs one chat turn, passing reply chunks to onDelta.
func (s *Service) StreamMessage(ctx context.Context, conversationID string, in core.ChatInput, onDelta func(string)) (*core.ChatResult, error) {
	return s.Chat.SendStream(ctx, conversationID, in, onDelta)
}

// RuneRef identifies a created rune.
type RuneRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// SaveRuneInput selects messages to keep as a rune.
type SaveRuneInput struct {
	MessageIDs []string `json:"message_ids"`
	Title      string   `json:"title"`
	Tags       []string `json:"tags"`
}

// SaveRune turns selected messages of a conversation into a rune.
func (s *Service) SaveRune(ctx context.Context, conversationID string, in SaveRuneInput) (*RuneRef, error) {
	msgs, err := s.Store.MessagesByID(ctx, conversationID, in.MessageIDs)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("messages in conversation %s: %w", conversationID, core.ErrNotFound)
	}
	conv, err := s.Store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = strings.ToUpper(m.Role) + ": " + m.Content
	}
	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}
	r := &core.Rune{
		OwnerID: conv.OwnerID,
		Title:   in.Title,
		Content: strings.Join(parts, "\n\n"),
		Metadata: map[string]any{
			"source_conversation_id": conversationID,
			"tags":                   tags,
		},
	}
	if err := s.storeRune(ctx, r); err != nil {
		return nil, err
	}
	return &RuneRef{ID: r.ID, Title: r.Title}, nil
}

// CreateRuneInput is a directly authored rune.
type CreateRuneInput struct {
	Title       string            `json:"title"`
	Content     string            `json:"content"`
	Attachments []core.Attachment `json:"attachments,omitempty"`
}

// CreateRune stores a rune for the user.
func (s *Service) CreateRune(ctx context.Context, email string, in CreateRuneInput) (*RuneRef, error) {
	owner, err := s.user(ctx, email, false)
	if err != nil {
		return nil, err
	}
	r := &core.Rune{OwnerID: owner.ID, Title: in.Title, Content: in.Content, Attachments: in.Attachments}
	if err := s.storeRune(ctx, r); err != nil {
		return nil, err
	}
	return &RuneRef{ID: r.ID, Title: r.Title}, nil
}

func (s *Service) storeRune(ctx context.Context, r *core.Rune) error {
	vec, err := s.Embedder.Embed(ctx, r.Content)
	if err != nil {
		return fmt.Errorf("embed rune: %w", err)
	}
	r.Embedding = vec
	if err := s.Store.CreateRune(ctx, r); err != nil {
		return err
	}
	if s.Index != nil {
		row := core.VectorRow{ID: r.ID, Embedding: r.Embedding}
		if err := memory.AddOrInvalidate(ctx, s.Index, core.CollectionRunes, r.OwnerID, row); err != nil {
			s.logger.Warn("index rune", zap.String("rune_id", r.ID), zap.Error(err))
		}
	}
	return nil
}

// RuneView is the list representation of a rune.
type RuneView struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"created_at"`
	Type            string    `json:"type"`
	Tags            []string  `json:"tags"`
	AttachmentCount int       `json:"attachment_count"`
}

// ListRunes returns the user's newest runes. limit <= 0 means
// DefaultRuneLimit.
func (s *Service) ListRunes(ctx context.Context, email string, limit int) ([]RuneView, error) {
	owner, err := s.user(ctx, email, false)
	if errors.Is(err, core.ErrNotFound) {
		return []RuneView{}, nil
	}
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultRuneLimit
	}
	runes, err := s.Store.ListRunes(ctx, owner.ID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]RuneView, len(runes))
	for i, r := range runes {
		out[i] = RuneView{
			ID:              r.ID,
			Title:           r.Title,
			Description:     core.Truncate(r.Content, descriptionLen),
			Content:         r.Content,
			CreatedAt:       r.CreatedAt,
			Type:            r.Kind(),
			Tags:            r.Tags(),
			AttachmentCount: len(r.Attachments),
		}
	}
	return out, nil
}

// RuneHit is a search result.
type RuneHit struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Content  string  `json:"content"`
	Distance float64 `json:"distance"`
}

// SearchRunes returns the user's runes nearest to query. topK <= 0 means
// DefaultSearchTopK.
func (s *Service) SearchRunes(ctx context.Context, email, query string, topK int) ([]RuneHit, error) {
	owner, err := s.user(ctx, email, false)
	if errors.Is(err, core.ErrNotFound) {
		return []RuneHit{}, nil
	}
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = DefaultSearchTopK
	}
	vec, err := s.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := s.Search.Search(ctx, core.CollectionRunes, owner.ID, vec, topK)
	if err != nil {
		return nil, err
	}
	runes, err := s.Store.RunesByID(ctx, owner.ID, vector.IDs(hits))
	if err != nil {
		return nil, err
	}
	distance := make(map[string]float64, len(hits))
	for _, h := range hits {
		distance[h.ID] = h.Distance
	}
	out := make([]RuneHit, len(runes))
	for i, r := range runes {
		out[i] = RuneHit{ID: r.ID, Title: r.Title, Content: r.Content, Distance: distance[r.ID]}
	}
	return out, nil
}

// Consolidate condenses the user's latest conversation into a memory.
func (s *Service) Consolidate(ctx context.Context, email string) (*memory.Result, error) {
	owner, err := s.user(ctx, email, false)
	if err != nil {
		return nil, err
	}
	return s.Consolidator.Consolidate(ctx, owner.ID)
}

// MemoryView is the list representation of a memory.
type MemoryView struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// ListMemories returns the user's memories, newest first.
func (s *Service) ListMemories(ctx context.Context, email string) ([]MemoryView, error) {
	owner, err := s.user(ctx, email, false)
	if errors.Is(err, core.ErrNotFound) {
		return []MemoryView{}, nil
	}
	if err != nil {
		return nil, err
	}
	mems, err := s.Store.ListMemories(ctx, owner.ID)
	if err != nil {
		return nil, err
	}
	out := make([]MemoryView, len(mems))
	for i, m := range mems {
		out[i] = MemoryView{ID: m.ID, Title: m.Title, Summary: m.Summary, CreatedAt: m.CreatedAt}
	}
	return out, nil
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.Store.Ping(ctx)
}
