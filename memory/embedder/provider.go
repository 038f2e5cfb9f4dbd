package embedder

import (
	"context"
	"fmt"

	"github.com/becomeliminal/runeai/config"
	"github.com/becomeliminal/runeai/memory"
	"github.com/becomeliminal/runeai/memory/embedder/genai"
	"github.com/becomeliminal/runeai/memory/embedder/mock"
	"github.com/becomeliminal/runeai/memory/embedder/ollama"
)

// NewProvider builds the embedding provider selected by cfg. The mock
// provider is returned only when cfg names it explicitly.
func NewProvider(ctx context.Context, cfg config.EmbeddingConfig) (memory.Embedder, error) {
	switch cfg.Provider {
	case "genai":
		return genai.New(ctx, cfg.APIKey, cfg.Model, cfg.Dimension)
	case "ollama":
		return ollama.New(cfg.OllamaURL, cfg.Model, cfg.Dimension), nil
	case "mock":
		return mock.New(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
