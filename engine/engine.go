// Package engine wraps the Anthropic Messages API behind a small completion
// interface used by chat, enrichment and memory consolidation.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/becomeliminal/runeai/config"
	"github.com/becomeliminal/runeai/core"
)

// Defaults applied when a request leaves them unset.
const (
	DefaultModel     = "claude-sonnet-4-5"
	DefaultMaxTokens = 1024
)

// Message is one conversation turn sent to the model.
type Message struct {
	Role    string
	Content string
}

// Request is a single completion request.
type Request struct {
	System    string
	Messages  []Message
	MaxTokens int64

	// Schema, when set, constrains the reply to JSON matching it.
	Schema map[string]any
}

// Completer produces a text completion.
type Completer interface {
	Complete(ctx context.Context, req *Request) (string, error)
}

// Streamer is a Completer that can deliver the reply incrementally.
type Streamer interface {
	Completer
	Stream(ctx context.Context, req *Request, onDelta func(chunk string)) (string, error)
}

// Engine is the Anthropic-backed Completer.
type Engine struct {
	client anthropic.Client
	model  string
	logger *zap.Logger
}

// Option configures the engine.
type Option func(*Engine)

// WithModel sets the model used for every request.
func WithModel(model string) Option {
	return func(e *Engine) {
		if model != "" {
			e.model = model
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an engine around an Anthropic client.
func NewEngine(client anthropic.Client, opts ...Option) *Engine {
	e := &Engine{
		client: client,
		model:  DefaultModel,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// New builds an engine from configuration. Requests never retry; callers
// decide how to degrade.
func New(cfg config.LLMConfig, opts ...Option) *Engine {
	clientOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		clientOpts = append(clientOpts, option.WithRequestTimeout(cfg.Timeout))
	}
	return NewEngine(anthropic.NewClient(clientOpts...), append([]Option{WithModel(cfg.Model)}, opts...)...)
}

func (e *Engine) params(req *Request) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}

	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == core.RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	system := req.System
	if req.Schema != nil {
		if SupportsStructuredOutput(e.model) {
			params.OutputConfig = anthropic.OutputConfigParam{
				Format: anthropic.JSONOutputFormatParam{Schema: req.Schema},
			}
		} else {
			system = withSchemaInstruction(system, req.Schema)
		}
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

// Models released before JSON-schema output formats. They get the schema as
// a prompt instruction instead and the reply is parsed leniently.
var legacyModelPrefixes = []string{
	"claude-2",
	"claude-instant",
	"claude-3",
	"claude-sonnet-4-0",
	"claude-sonnet-4-2025",
	"claude-opus-4-0",
	"claude-opus-4-2025",
}

// SupportsStructuredOutput reports whether model accepts a JSON-schema
// output format.
func SupportsStructuredOutput(model string) bool {
	for _, p := range legacyModelPrefixes {
		if strings.HasPrefix(model, p) {
			return false
		}
	}
	return true
}

func withSchemaInstruction(system string, schema map[string]any) string {
	data, err := json.Marshal(schema)
	if err != nil {
		return system
	}
	instruction := "Respond with only a JSON object, no prose, matching this JSON schema:\n" + string(data)
	if system == "" {
		return instruction
	}
	return system + "\n\n" + instruction
}

// Complete sends req and returns the concatenated text of the reply.
func (e *Engine) Complete(ctx context.Context, req *Request) (string, error) {
	start := time.Now()
	resp, err := e.client.Messages.New(ctx, e.params(req))
	if err != nil {
		return "", fmt.Errorf("claude API error: %w: %w", core.ErrUpstream, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	e.logger.Debug("completion finished",
		zap.String("model", e.model),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
		zap.Duration("took", time.Since(start)))
	return text.String(), nil
}

// Stream sends req and calls onDelta for each text delta as it arrives. It
// returns the full reply text.
func (e *Engine) Stream(ctx context.Context, req *Request, onDelta func(chunk string)) (string, error) {
	stream := e.client.Messages.NewStreaming(ctx, e.params(req))
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			e.logger.Debug("accumulate stream event", zap.Error(err))
		}

		switch evt := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := evt.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				onDelta(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("claude API stream error: %w: %w", core.ErrUpstream, err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

// CompleteJSON runs a structured completion and decodes the reply into out.
func CompleteJSON(ctx context.Context, c Completer, req *Request, out any) error {
	if req.Schema == nil {
		return errors.New("structured completion requires a schema")
	}
	text, err := c.Complete(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), out); err != nil {
		return fmt.Errorf("decode structured reply: %w: %w", core.ErrUpstream, err)
	}
	return nil
}

// extractJSON strips a markdown code fence around a JSON reply, if present.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
