// Package vector ranks stored embeddings against a query by Euclidean
// distance, scoped to one owner and one collection.
package vector

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/becomeliminal/runeai/core"
)

// DefaultOverfetch is the candidate multiplier used with an Index.
const DefaultOverfetch = 4

// Hit is one ranked result.
type Hit struct {
	ID       string
	Distance float64
}

// Source is the vector read path of the store.
type Source interface {
	Vectors(ctx context.Context, collection, ownerID string) ([]core.VectorRow, error)
}

// Index pre-selects candidates for a query. When ok is false the index
// cannot answer exactly for this query and the caller falls back to a scan.
type Index interface {
	Candidates(ctx context.Context, collection, ownerID string, query []float32, n int) (rows []core.VectorRow, ok bool, err error)
}

// Retriever answers nearest-neighbour queries.
type Retriever struct {
	src       Source
	index     Index
	overfetch int
	logger    *zap.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithIndex enables the accelerated candidate path.
func WithIndex(idx Index) Option {
	return func(r *Retriever) { r.index = idx }
}

// WithOverfetch sets how many candidates per requested hit the index returns.
func WithOverfetch(n int) Option {
	return func(r *Retriever) {
		if n > 0 {
			r.overfetch = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Retriever) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRetriever creates a Retriever reading from src.
func NewRetriever(src Source, opts ...Option) *Retriever {
	r := &Retriever{src: src, overfetch: DefaultOverfetch, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Search returns at most k items of collection owned by ownerID, nearest
// first. k below 1 is treated as 1.
func (r *Retriever) Search(ctx context.Context, collection, ownerID string, query []float32, k int) ([]Hit, error) {
	if k < 1 {
		k = 1
	}

	if r.index != nil && Norm(query) > 0 {
		rows, ok, err := r.index.Candidates(ctx, collection, ownerID, query, k*r.overfetch)
		if err != nil {
			r.logger.Warn("index lookup failed, scanning",
				zap.String("collection", collection),
				zap.Error(err))
		} else if ok {
			return r.rank(rows, query, k), nil
		}
	}

	rows, err := r.src.Vectors(ctx, collection, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load %s vectors: %w", collection, err)
	}
	return r.rank(rows, query, k), nil
}

func (r *Retriever) rank(rows []core.VectorRow, query []float32, k int) []Hit {
	hits := make([]Hit, 0, len(rows))
	for _, row := range rows {
		if len(row.Embedding) != len(query) {
			r.logger.Debug("skipping vector with foreign dimension",
				zap.String("id", row.ID),
				zap.Int("got", len(row.Embedding)),
				zap.Int("want", len(query)))
			continue
		}
		hits = append(hits, Hit{ID: row.ID, Distance: L2(row.Embedding, query)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// IDs returns the ids of hits in order.
func IDs(hits []Hit) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	return ids
}

// L2 is the Euclidean distance between equal-length vectors.
func L2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Norm is the Euclidean length of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// IsUnit reports whether v has length 1 within float32 rounding.
func IsUnit(v []float32) bool {
	return math.Abs(Norm(v)-1) < 1e-5
}
