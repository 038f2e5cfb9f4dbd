package chromem

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/runeai/core"
	"github.com/becomeliminal/runeai/vector"
)

type countingSource struct {
	mu    sync.Mutex
	rows  map[string][]core.VectorRow
	loads int
}

func (c *countingSource) Vectors(_ context.Context, collection, ownerID string) ([]core.VectorRow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads++
	return append([]core.VectorRow(nil), c.rows[collection+"/"+ownerID]...), nil
}

func (c *countingSource) add(collection, owner string, row core.VectorRow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := collection + "/" + owner
	c.rows[key] = append(c.rows[key], row)
}

func unit(deg float64) []float32 {
	r := deg * math.Pi / 180
	return []float32{float32(math.Cos(r)), float32(math.Sin(r))}
}

func newSource() *countingSource {
	return &countingSource{rows: map[string][]core.VectorRow{
		"runes/alice": {
			{ID: "r0", Embedding: unit(0)},
			{ID: "r30", Embedding: unit(30)},
			{ID: "r90", Embedding: unit(90)},
			{ID: "r180", Embedding: unit(180)},
		},
		"runes/bob": {
			{ID: "b0", Embedding: unit(0)},
		},
	}}
}

func TestIndexMatchesExactScan(t *testing.T) {
	src := newSource()
	ctx := context.Background()
	indexed := vector.NewRetriever(src, vector.WithIndex(New(src, nil)), vector.WithOverfetch(1))
	scan := vector.NewRetriever(src)

	for _, deg := range []float64{5, 50, 100, 200} {
		q := unit(deg)
		want, err := scan.Search(ctx, core.CollectionRunes, "alice", q, 3)
		require.NoError(t, err)
		got, err := indexed.Search(ctx, core.CollectionRunes, "alice", q, 3)
		require.NoError(t, err)
		assert.Equal(t, vector.IDs(want), vector.IDs(got), "query at %v degrees", deg)
	}
}

func TestIndexLoadsOncePerPartition(t *testing.T) {
	src := newSource()
	idx := New(src, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rows, ok, err := idx.Candidates(ctx, core.CollectionRunes, "alice", unit(0), 2)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Len(t, rows, 2)
	}
	_, _, err := idx.Candidates(ctx, core.CollectionRunes, "bob", unit(0), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, src.loads)
}

func TestIndexOwnerIsolation(t *testing.T) {
	idx := New(newSource(), nil)

	rows, ok, err := idx.Candidates(context.Background(), core.CollectionRunes, "bob", unit(0), 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, rows, 1)
	assert.Equal(t, "b0", rows[0].ID)
}

func TestIndexAdd(t *testing.T) {
	src := newSource()
	idx := New(src, nil)
	ctx := context.Background()

	// Unloaded partitions ignore writes and read them from the store later.
	row := core.VectorRow{ID: "r10", Embedding: unit(10)}
	src.add(core.CollectionRunes, "alice", row)
	require.NoError(t, idx.Add(ctx, core.CollectionRunes, "alice", row))

	rows, ok, err := idx.Candidates(ctx, core.CollectionRunes, "alice", unit(10), 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r10", rows[0].ID)

	late := core.VectorRow{ID: "r12", Embedding: unit(12)}
	require.NoError(t, idx.Add(ctx, core.CollectionRunes, "alice", late))
	rows, _, err = idx.Candidates(ctx, core.CollectionRunes, "alice", unit(12), 1)
	require.NoError(t, err)
	assert.Equal(t, "r12", rows[0].ID)
	assert.Equal(t, 1, src.loads)
}

func TestIndexDeclinesNonUnit(t *testing.T) {
	src := newSource()
	src.add(core.CollectionRunes, "alice", core.VectorRow{ID: "big", Embedding: []float32{3, 4}})
	idx := New(src, nil)
	ctx := context.Background()

	_, ok, err := idx.Candidates(ctx, core.CollectionRunes, "alice", unit(0), 1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = idx.Candidates(ctx, core.CollectionRunes, "bob", []float32{2, 0}, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// The exact scan still ranks the non-unit vector correctly.
	r := vector.NewRetriever(src, vector.WithIndex(idx))
	hits, err := r.Search(ctx, core.CollectionRunes, "alice", []float32{3, 4}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"big"}, vector.IDs(hits))
}

func TestIndexEmptyPartition(t *testing.T) {
	rows, ok, err := New(newSource(), nil).Candidates(context.Background(), core.CollectionMemories, "alice", unit(0), 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, rows)
}

func TestIndexInvalidate(t *testing.T) {
	src := newSource()
	idx := New(src, nil)
	ctx := context.Background()

	_, _, err := idx.Candidates(ctx, core.CollectionRunes, "alice", unit(0), 1)
	require.NoError(t, err)
	require.NoError(t, idx.Invalidate(core.CollectionRunes, "alice"))
	require.NoError(t, idx.Invalidate(core.CollectionRunes, "nobody"))
	_, _, err = idx.Candidates(ctx, core.CollectionRunes, "alice", unit(0), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, src.loads)
}

func TestIndexConcurrentQueries(t *testing.T) {
	src := newSource()
	idx := New(src, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := idx.Candidates(ctx, core.CollectionRunes, "alice", unit(float64(i*10)), 2)
			assert.NoError(t, err)
			assert.True(t, ok)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, src.loads)
}
