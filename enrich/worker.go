// Package enrich turns a bare link into a described, categorized and tagged
// one by fetching the page and asking the LLM to analyze it.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/becomeliminal/runeai/core"
	"github.com/becomeliminal/runeai/engine"
	"github.com/becomeliminal/runeai/fetch"
	"github.com/becomeliminal/runeai/jobs"
	"github.com/becomeliminal/runeai/logging"
	"github.com/becomeliminal/runeai/store/sqlite"
	"github.com/becomeliminal/runeai/tools"
)

// Audit messages.
const (
	MsgQueued    = "Link queued for AI processing"
	MsgStarted   = "AI Worker started processing"
	MsgSucceeded = "AI processing completed successfully"
)

const (
	systemPrompt = "You are a helpful assistant. Analyze the following web page content. " +
		"Provide a summary (2-3 sentences), a best-fit category (e.g., Technology, Design, News, Science, etc.), " +
		"and a list of 3-5 relevant tags. " +
		`Return strictly JSON in this format: {"summary": "...", "category": "...", "tags": ["tag1", "tag2"]}.`

	defaultSummary = "No summary generated."
	maxTokens      = 300
	maxLogMessage  = 500
)

var outputSchema = tools.ObjectSchema(map[string]any{
	"summary":  tools.StringProperty("A 2-3 sentence summary of the page"),
	"category": tools.StringProperty("A best-fit category such as Technology, Design, News or Science"),
	"tags":     tools.ArrayProperty("3-5 relevant tags", tools.StringProperty("A tag")),
}, "summary", "category", "tags")

// Store is the persistence the worker needs.
type Store interface {
	GetLink(ctx context.Context, id string) (*core.Link, error)
	TransitionLink(ctx context.Context, id, status, logStatus, message string) error
	CompleteEnrichment(ctx context.Context, id string, e sqlite.Enrichment, message string) error
}

// Fetcher resolves page content.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.Page, error)
}

// Worker runs enrichment jobs.
type Worker struct {
	store   Store
	fetcher Fetcher
	llm     engine.Completer
	pool    jobs.Pool
	logger  *zap.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithFetcher sets the page fetcher. Without one, the LLM sees only the URL.
func WithFetcher(f Fetcher) Option {
	return func(w *Worker) { w.fetcher = f }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWorker creates a Worker that schedules jobs on pool.
func NewWorker(store Store, llm engine.Completer, pool jobs.Pool, opts ...Option) *Worker {
	w := &Worker{
		store:  store,
		llm:    llm,
		pool:   pool,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Enqueue schedules enrichment of a link and returns without waiting.
// Duplicate requests for one link run independently.
func (w *Worker) Enqueue(linkID string) (*jobs.Job, error) {
	job, err := w.pool.Submit("enrich:"+linkID, func(ctx context.Context) error {
		return w.Process(ctx, linkID)
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue enrichment: %w", err)
	}
	w.logger.Debug("enrichment queued", zap.String("link_id", linkID), zap.String("job_id", job.ID))
	return job, nil
}

// Process enriches one link synchronously. A link that no longer exists ends
// the job without error. Any other failure marks the link failed.
func (w *Worker) Process(ctx context.Context, linkID string) error {
	log := w.logger.With(zap.String("link_id", linkID))

	if err := w.store.TransitionLink(ctx, linkID, core.StatusStarted, core.LogStarted, MsgStarted); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			log.Warn("link vanished before enrichment")
			return nil
		}
		return w.fail(ctx, log, linkID, fmt.Errorf("mark started: %w", err))
	}

	link, err := w.store.GetLink(ctx, linkID)
	if err != nil {
		return w.fail(ctx, log, linkID, fmt.Errorf("load link: %w", err))
	}

	page := w.page(ctx, log, link.URL)

	var reply struct {
		Summary  string   `json:"summary"`
		Category string   `json:"category"`
		Tags     []string `json:"tags"`
	}
	err = engine.CompleteJSON(ctx, w.llm, &engine.Request{
		System: systemPrompt,
		Messages: []engine.Message{{
			Role:    core.RoleUser,
			Content: fmt.Sprintf("URL: %s\nTitle: %s\n\nContent:\n%s", link.URL, page.Title, page.Text),
		}},
		MaxTokens: maxTokens,
		Schema:    outputSchema,
	}, &reply)
	if err != nil {
		return w.fail(ctx, log, linkID, fmt.Errorf("analyze page: %w", err))
	}

	e := sqlite.Enrichment{
		Description: strings.TrimSpace(reply.Summary),
		Category:    strings.TrimSpace(reply.Category),
		Tags:        reply.Tags,
	}
	if e.Description == "" {
		e.Description = defaultSummary
	}
	if e.Category == "" {
		e.Category = core.DefaultCategory
	}
	if e.Tags == nil {
		e.Tags = []string{}
	}
	if (link.Title == "" || link.Title == link.URL) && page.Title != "" {
		e.Title = &page.Title
	}

	if err := w.store.CompleteEnrichment(ctx, linkID, e, MsgSucceeded); err != nil {
		return w.fail(ctx, log, linkID, fmt.Errorf("store enrichment: %w", err))
	}
	log.Info("link enriched",
		zap.String("category", e.Category),
		zap.Int("tags", len(e.Tags)))
	return nil
}

// page fetches url, substituting a placeholder on failure.
func (w *Worker) page(ctx context.Context, log *zap.Logger, url string) *fetch.Page {
	if w.fetcher == nil {
		return &fetch.Page{URL: url}
	}
	p, err := w.fetcher.Fetch(ctx, url)
	if err != nil {
		log.Warn("fetch failed, continuing with placeholder", zap.Error(err))
		return &fetch.Page{
			URL:  url,
			Text: "Could not fetch content from URL. Error: " + err.Error(),
		}
	}
	return p
}

// fail records the failed state and returns cause.
func (w *Worker) fail(ctx context.Context, log *zap.Logger, linkID string, cause error) error {
	log.Error("enrichment failed", zap.Error(cause))
	msg := logging.Truncate(cause.Error(), maxLogMessage)
	// The job context may be what failed; the audit entry still gets written.
	if err := w.store.TransitionLink(context.WithoutCancel(ctx), linkID, core.StatusFailed, core.LogFailed, msg); err != nil {
		log.Error("record failed state", zap.Error(err))
	}
	return cause
}
