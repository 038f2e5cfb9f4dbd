// Package genai embeds text with the Gemini embedding API.
package genai

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/becomeliminal/runeai/core"
)

// Stored vectors and query vectors come from the same cache, so one task type
// serves both sides of a comparison.
const taskType = "SEMANTIC_SIMILARITY"

// Embedder calls Models.EmbedContent for every text.
type Embedder struct {
	client     *genai.Client
	model      string
	dimensions int
}

// Option configures the embedder.
type Option func(*genai.ClientConfig)

// WithBaseURL points the client at another API endpoint.
func WithBaseURL(url string) Option {
	return func(cfg *genai.ClientConfig) {
		cfg.HTTPOptions.BaseURL = url
	}
}

// New creates a Gemini embedder. The output dimensionality is requested
// explicitly so that it matches the configured vector size.
func New(ctx context.Context, apiKey, model string, dimensions int, opts ...Option) (*Embedder, error) {
	if apiKey == "" {
		return nil, errors.New("genai embedder requires an API key")
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Embedder{client: client, model: model, dimensions: dimensions}, nil
}

// Embed returns the embedding of text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	dims := int32(e.dimensions)
	resp, err := e.client.Models.EmbedContent(ctx, e.model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.EmbedContentConfig{
			TaskType:             taskType,
			OutputDimensionality: &dims,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("genai embed: %w: %w", core.ErrUpstream, err)
	}
	if len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, fmt.Errorf("genai embed: %w: empty response", core.ErrUpstream)
	}
	return resp.Embeddings[0].Values, nil
}

// Dimensions returns the requested embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}
