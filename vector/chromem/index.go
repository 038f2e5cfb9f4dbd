// Package chromem is an in-process candidate index for vector retrieval
// backed by chromem-go.
//
// chromem-go ranks by cosine similarity. For unit-length vectors cosine
// order and Euclidean order coincide, so the index only answers when the
// query and every indexed vector of the partition are unit length.
package chromem

import (
	"context"
	"fmt"
	"slices"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/becomeliminal/runeai/core"
	"github.com/becomeliminal/runeai/vector"
)

// Index keeps one chromem collection per (collection, owner) pair, loaded
// lazily from the store.
type Index struct {
	db     *chromem.DB
	src    vector.Source
	logger *zap.Logger

	mu    sync.RWMutex
	parts map[string]*partition
}

type partition struct {
	mu      sync.Mutex
	loaded  bool
	col     *chromem.Collection
	raw     map[string][]float32
	dim     int
	inexact int
}

// New creates an empty index that loads partitions from src on first use.
func New(src vector.Source, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		db:     chromem.NewDB(),
		src:    src,
		logger: logger,
		parts:  make(map[string]*partition),
	}
}

func partitionName(collection, ownerID string) string {
	return fmt.Sprintf("%s/%s", collection, ownerID)
}

// partition returns the partition for a pair, creating an unloaded one when
// create is set.
func (x *Index) partition(collection, ownerID string, create bool) (*partition, error) {
	name := partitionName(collection, ownerID)

	x.mu.RLock()
	p, ok := x.parts[name]
	x.mu.RUnlock()
	if ok || !create {
		return p, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	// Double-check after acquiring write lock
	if p, ok := x.parts[name]; ok {
		return p, nil
	}

	col, err := x.db.CreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	p = &partition{col: col, raw: make(map[string][]float32)}
	x.parts[name] = p
	return p, nil
}

// load fills p from the store. Callers hold p.mu.
func (x *Index) load(ctx context.Context, p *partition, collection, ownerID string) error {
	rows, err := x.src.Vectors(ctx, collection, ownerID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := p.put(ctx, row); err != nil {
			return err
		}
	}
	p.loaded = true
	x.logger.Debug("index partition loaded",
		zap.String("collection", collection),
		zap.Int("vectors", len(rows)))
	return nil
}

func (p *partition) put(ctx context.Context, row core.VectorRow) error {
	if len(row.Embedding) == 0 {
		return nil
	}
	if p.dim == 0 {
		p.dim = len(row.Embedding)
	}
	if prev, ok := p.raw[row.ID]; ok && !p.exact(prev) {
		p.inexact--
	}
	raw := slices.Clone(row.Embedding)
	if !p.exact(raw) {
		p.inexact++
	}
	p.raw[row.ID] = raw
	if err := p.col.AddDocument(ctx, chromem.Document{ID: row.ID, Embedding: slices.Clone(raw)}); err != nil {
		return fmt.Errorf("add document %s: %w", row.ID, err)
	}
	return nil
}

// exact reports whether v keeps cosine order equal to Euclidean order
// within the partition.
func (p *partition) exact(v []float32) bool {
	return len(v) == p.dim && vector.IsUnit(v)
}

// Add indexes a newly written vector. Partitions not loaded yet are left
// alone; they pick the row up from the store when first queried.
func (x *Index) Add(ctx context.Context, collection, ownerID string, row core.VectorRow) error {
	p, err := x.partition(collection, ownerID, false)
	if err != nil || p == nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		return nil
	}
	return p.put(ctx, row)
}

// Candidates returns up to n indexed rows nearest to query together with
// their raw vectors. ok is false when the partition holds vectors that are
// not unit length or when query is not.
func (x *Index) Candidates(ctx context.Context, collection, ownerID string, query []float32, n int) ([]core.VectorRow, bool, error) {
	if !vector.IsUnit(query) {
		return nil, false, nil
	}
	p, err := x.partition(collection, ownerID, true)
	if err != nil {
		return nil, false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		if err := x.load(ctx, p, collection, ownerID); err != nil {
			return nil, false, fmt.Errorf("load %s: %w", partitionName(collection, ownerID), err)
		}
	}
	if p.inexact > 0 || (p.dim != 0 && len(query) != p.dim) {
		return nil, false, nil
	}

	count := p.col.Count()
	if count == 0 {
		return nil, true, nil
	}
	if n > count {
		n = count
	}
	results, err := p.col.QueryEmbedding(ctx, query, n, nil, nil)
	if err != nil {
		return nil, false, fmt.Errorf("chromem query: %w", err)
	}

	rows := make([]core.VectorRow, 0, len(results))
	for _, r := range results {
		raw, ok := p.raw[r.ID]
		if !ok {
			return nil, false, nil
		}
		rows = append(rows, core.VectorRow{ID: r.ID, Embedding: raw})
	}
	return rows, true, nil
}

// Invalidate drops a partition so the next query reloads it.
func (x *Index) Invalidate(collection, ownerID string) error {
	name := partitionName(collection, ownerID)
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.parts[name]; !ok {
		return nil
	}
	delete(x.parts, name)
	return x.db.DeleteCollection(name)
}
