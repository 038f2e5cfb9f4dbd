package embedder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/becomeliminal/runeai/config"
	"github.com/becomeliminal/runeai/memory/embedder/mock"
)

// countingEmbedder counts provider calls and can be made to fail.
type countingEmbedder struct {
	dims  int
	calls atomic.Int64
	err   error
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	vec := make([]float32, e.dims)
	vec[0] = float32(len(text))
	return vec, nil
}

func (e *countingEmbedder) Dimensions() int { return e.dims }

func newCache(t *testing.T, p *countingEmbedder, capacity int) *Cache {
	t.Helper()
	c, err := NewCache(p, p.dims, capacity, nil)
	require.NoError(t, err)
	return c
}

func TestEmbed_EmptyTextIsZeroVector(t *testing.T) {
	p := &countingEmbedder{dims: 4}
	c := newCache(t, p, 8)

	vec, err := c.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 0}, vec)
	assert.Zero(t, p.calls.Load(), "provider must not be called for empty text")
}

func TestEmbed_SecondCallHitsCache(t *testing.T) {
	p := &countingEmbedder{dims: 4}
	c := newCache(t, p, 8)
	ctx := context.Background()

	a, err := c.Embed(ctx, "same text")
	require.NoError(t, err)
	b, err := c.Embed(ctx, "same text")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, int64(1), p.calls.Load())

	hits, misses, _ := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestEmbed_ReturnedVectorIsACopy(t *testing.T) {
	p := &countingEmbedder{dims: 2}
	c := newCache(t, p, 8)
	ctx := context.Background()

	a, err := c.Embed(ctx, "abc")
	require.NoError(t, err)
	a[0] = 99

	b, err := c.Embed(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, float32(3), b[0])
}

func TestEmbed_ProviderErrorPropagates(t *testing.T) {
	boom := errors.New("provider down")
	p := &countingEmbedder{dims: 2, err: boom}
	c := newCache(t, p, 8)

	_, err := c.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, c.Len(), "errors are not cached")
}

func TestEmbed_DimensionMismatch(t *testing.T) {
	c, err := NewCache(&countingEmbedder{dims: 3}, 4, 8, nil)
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "3 dimensions, want 4")
}

func TestEmbed_ConcurrentMissesShareOneCall(t *testing.T) {
	p := &countingEmbedder{dims: 2}
	c := newCache(t, p, 8)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Embed(context.Background(), "shared")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, p.calls.Load(), int64(16))
	assert.Equal(t, 1, c.Len())
}

// gatedEmbedder blocks every call until release is closed or ctx ends.
type gatedEmbedder struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int64
}

func (e *gatedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.calls.Add(1) == 1 {
		close(e.entered)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.release:
		return []float32{1, 2}, nil
	}
}

func (e *gatedEmbedder) Dimensions() int { return 2 }

func TestEmbed_CancelledCallerDoesNotFailOthers(t *testing.T) {
	p := &gatedEmbedder{entered: make(chan struct{}), release: make(chan struct{})}
	c, err := NewCache(p, 2, 8, nil)
	require.NoError(t, err)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Embed(ctxA, "shared")
		errA <- err
	}()
	<-p.entered

	type result struct {
		vec []float32
		err error
	}
	resB := make(chan result, 1)
	go func() {
		vec, err := c.Embed(context.Background(), "shared")
		resB <- result{vec, err}
	}()

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(p.release)
	b := <-resB
	require.NoError(t, b.err)
	assert.Equal(t, []float32{1, 2}, b.vec)
	assert.EqualValues(t, 1, p.calls.Load())

	vec, ok := c.Get("shared")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, vec)
}

func TestEvictionOrder(t *testing.T) {
	p := &countingEmbedder{dims: 2}
	c := newCache(t, p, 2)
	ctx := context.Background()

	for _, s := range []string{"a", "b"} {
		_, err := c.Embed(ctx, s)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b"}, c.Keys())

	// touching "a" makes "b" the eviction candidate
	_, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []string{"b", "a"}, c.Keys())

	c.Put("c", []float32{1, 1})
	assert.Equal(t, []string{"a", "c"}, c.Keys())
	assert.Equal(t, 2, c.Capacity())

	_, _, evictions := c.Stats()
	assert.Equal(t, int64(1), evictions)

	_, err := c.Embed(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.calls.Load(), "evicted text is fetched again")
}

func TestProbe(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	c, err := NewCache(mock.New(8), 8, 4, zap.New(core))
	require.NoError(t, err)
	assert.NoError(t, c.Probe(context.Background()))

	c, err = NewCache(mock.New(8), 16, 4, zap.New(core))
	require.NoError(t, err)
	assert.Error(t, c.Probe(context.Background()))
	assert.Equal(t, 1, logs.FilterMessage("CRITICAL: embedding dimension mismatch").Len())
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(context.Background(), config.EmbeddingConfig{Provider: "mock", Dimension: 8})
	require.NoError(t, err)
	assert.Equal(t, 8, p.Dimensions())

	p, err = NewProvider(context.Background(), config.EmbeddingConfig{Provider: "ollama", Dimension: 768})
	require.NoError(t, err)
	assert.Equal(t, 768, p.Dimensions())

	_, err = NewProvider(context.Background(), config.EmbeddingConfig{Provider: "genai"})
	assert.Error(t, err, "genai requires an API key")

	_, err = NewProvider(context.Background(), config.EmbeddingConfig{Provider: "openai"})
	assert.Error(t, err)
}
