package sqlite

import (
	"context"
	"fmt"

	"github.com/becomeliminal/runeai/core"
)

// vectorTables maps a collection to its table and owner column.
var vectorTables = map[string]struct{ table, owner string }{
	core.CollectionRunes:    {"runes", "owner_id"},
	core.CollectionMemories: {"memories", "user_id"},
}

// Vectors returns every embedding of collection owned by ownerID. It is the
// vector read path used by retrieval; no relational filters apply.
func (s *Store) Vectors(ctx context.Context, collection, ownerID string) ([]core.VectorRow, error) {
	t, ok := vectorTables[collection]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q: %w", collection, core.ErrValidation)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding FROM `+t.table+` WHERE `+t.owner+` = ?`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("scan %s vectors: %w", collection, err)
	}
	defer rows.Close()

	var out []core.VectorRow
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan %s vector: %w", collection, err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decode %s vector %s: %w", collection, id, err)
		}
		out = append(out, core.VectorRow{ID: id, Embedding: vec})
	}
	return out, rows.Err()
}
