// Package embedder memoizes embeddings in front of a provider and builds the
// configured provider.
package embedder

import (
	"context"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/becomeliminal/runeai/memory"
)

// Cache is a bounded LRU of text→vector lookups owned by one long-lived
// instance and injected into its callers. It implements memory.Embedder.
//
// Empty text maps to the zero vector without calling the provider. Provider
// errors are returned as-is and nothing is cached for them.
type Cache struct {
	provider  memory.Embedder
	entries   *lru.Cache[string, []float32]
	group     singleflight.Group
	dims      int
	capacity  int
	logger    *zap.Logger
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewCache wraps provider with an LRU of the given capacity. Vectors must
// have dims elements.
func NewCache(provider memory.Embedder, dims, capacity int, logger *zap.Logger) (*Cache, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dims)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		provider: provider,
		dims:     dims,
		capacity: capacity,
		logger:   logger,
	}
	entries, err := lru.NewWithEvict[string, []float32](capacity, func(string, []float32) {
		c.evictions.Add(1)
	})
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c.entries = entries
	return c, nil
}

// Embed returns the embedding for text, consulting the cache first.
// Concurrent misses for the same text share one provider call.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return make([]float32, c.dims), nil
	}
	if vec, ok := c.Get(text); ok {
		c.hits.Add(1)
		return vec, nil
	}

	// The shared call outlives any single caller; each caller stops waiting
	// when its own context ends.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(text, func() (any, error) {
		if vec, ok := c.entries.Get(text); ok {
			return vec, nil
		}
		c.misses.Add(1)
		vec, err := c.provider.Embed(shared, text)
		if err != nil {
			return nil, fmt.Errorf("embed text: %w", err)
		}
		if len(vec) != c.dims {
			return nil, fmt.Errorf("embedding has %d dimensions, want %d", len(vec), c.dims)
		}
		c.Put(text, vec)
		return vec, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return clone(res.Val.([]float32)), nil
	}
}

// Get returns a cached vector and marks it most recently used.
func (c *Cache) Get(text string) ([]float32, bool) {
	vec, ok := c.entries.Get(text)
	if !ok {
		return nil, false
	}
	return clone(vec), true
}

// Put stores a vector, evicting the least recently used entry when full.
func (c *Cache) Put(text string, vec []float32) {
	c.entries.Add(text, clone(vec))
}

// Keys returns the cached texts from least to most recently used, which is
// the order in which they would be evicted.
func (c *Cache) Keys() []string {
	return c.entries.Keys()
}

// Capacity returns the maximum number of cached entries.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Dimensions returns the configured embedding size.
func (c *Cache) Dimensions() int {
	return c.dims
}

// Stats reports cache hits, provider calls and evictions.
func (c *Cache) Stats() (hits, misses, evictions int64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load()
}

// Probe embeds a fixed text and compares the result with the configured
// dimension. A mismatch is logged at error level and returned; callers treat
// it as non-fatal.
func (c *Cache) Probe(ctx context.Context) error {
	vec, err := c.provider.Embed(ctx, "ping")
	if err != nil {
		c.logger.Warn("embedding probe failed", zap.Error(err))
		return fmt.Errorf("probe embedding: %w", err)
	}
	if len(vec) != c.dims {
		c.logger.Error("CRITICAL: embedding dimension mismatch",
			zap.Int("model_output", len(vec)), zap.Int("configured", c.dims))
		return fmt.Errorf("embedding dimension mismatch: model %d, configured %d", len(vec), c.dims)
	}
	c.logger.Info("embedding dimension verified", zap.Int("dimensions", len(vec)))
	return nil
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
