// Package vectorstore defines the vector index contract and selects a
// backend per collection.
package vectorstore

import (
	"context"

	"docqa/internal/domain"
)

// Storage holds (id, vector, metadata) entries for one collection and answers
// nearest-neighbour queries by inner product.
type Storage interface {
	// Collection returns the collection name this instance serves.
	Collection() string
	// Add stores the entries. An id already present is replaced in place, and
	// stored rows of a document named in the batch (by doc_id) that the batch
	// no longer contains are removed.
	Add(ctx context.Context, ids []string, vectors [][]float32, metadatas []map[string]any) error
	// Search returns up to topK entries ordered by descending score.
	// An empty or missing collection yields no results.
	Search(ctx context.Context, vector []float32, topK int) ([]domain.SearchResult, error)
	// HasAll reports whether every id is already stored. When hashes is
	// non-nil, hashes[i] must also equal the content_hash stored for ids[i].
	HasAll(ctx context.Context, ids, hashes []string) (bool, error)
}
