package domain

import (
	"context"
	"math"
)

// Metadata keys carried by every chunk.
const (
	MetaDocID      = "doc_id"
	MetaChunkIndex = "chunk_index"
	MetaSourceURL  = "source_url"
	MetaPage       = "page"

	MetaContentHash = "content_hash"
)

// Segment is one ordered (text, metadata) pair produced by a document parser.
type Segment struct {
	Text     string
	Metadata map[string]any
}

// Chunk is a bounded span of document text, the unit of embedding and retrieval.
type Chunk struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

// SearchResult is a single nearest-neighbour match returned by a vector index.
type SearchResult struct {
	ID       string
	Score    float64
	Metadata map[string]any
}

// Passage is a chunk selected by retrieval to ground an answer.
type Passage struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Text     string         `json:"text,omitempty"`
	Metadata map[string]any `json:"metadata"`
}

// Reasoning is the structured output of a reasoner for one question.
type Reasoning struct {
	Answer     string   `json:"answer"`
	Reasoning  string   `json:"reasoning"`
	Confidence float64  `json:"confidence"`
	Citations  []string `json:"citations"`
}

// Reasoner answers a question grounded in the supplied passages.
type Reasoner interface {
	Name() string
	Reason(ctx context.Context, question string, passages []Passage) (Reasoning, error)
}

// CopyMetadata returns a shallow copy of m. A nil map yields an empty map.
func CopyMetadata(m map[string]any) map[string]any {
	dst := make(map[string]any, len(m)+3)
	for k, v := range m {
		dst[k] = v
	}
	return dst
}

// NormalizeMetadata converts the integer-valued keys back to int after a
// JSON round trip, which decodes every number as float64. m is modified in place.
func NormalizeMetadata(m map[string]any) map[string]any {
	for _, k := range []string{MetaChunkIndex, MetaPage} {
		if f, ok := m[k].(float64); ok && f == math.Trunc(f) {
			m[k] = int(f)
		}
	}
	return m
}
