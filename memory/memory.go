package memory

import (
	"context"
	"errors"

	"github.com/becomeliminal/runeai/core"
)

// Embedder converts text to vector embeddings.
// Implementations: embedder.Cache (wraps a provider), genai, ollama and mock
// providers.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// Store is the persistence the consolidator needs.
type Store interface {
	LatestConversation(ctx context.Context, ownerID string) (*core.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]*core.Message, error)
	CreateMemory(ctx context.Context, m *core.Memory) error
	LatestMemoryFrom(ctx context.Context, ownerID, conversationID string) (*core.Memory, error)
}

// Indexer is notified of new rows so that search indexes stay current. When
// Add fails the owner's partition is invalidated and rebuilt from the store
// on the next query.
type Indexer interface {
	Add(ctx context.Context, collection, ownerID string, row core.VectorRow) error
	Invalidate(collection, ownerID string) error
}

// AddOrInvalidate adds row to ix, falling back to dropping the partition.
// Both failing is reported to the caller.
func AddOrInvalidate(ctx context.Context, ix Indexer, collection, ownerID string, row core.VectorRow) error {
	err := ix.Add(ctx, collection, ownerID, row)
	if err == nil {
		return nil
	}
	if ierr := ix.Invalidate(collection, ownerID); ierr != nil {
		return errors.Join(err, ierr)
	}
	return err
}
