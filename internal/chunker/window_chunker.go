// Package chunker splits parsed segments into fixed-size overlapping windows.
package chunker

import (
	"fmt"
	"strings"

	"docqa/internal/config"
	"docqa/internal/domain"
)

const (
	DefaultChunkSize = 1200
	DefaultOverlap   = 150
)

// WindowChunker slides a fixed window of runes across each segment.
type WindowChunker struct {
	size    int
	overlap int
}

// New creates a chunker. Out-of-range settings fall back to the defaults.
func New(cfg config.ChunkerConfig) *WindowChunker {
	size, overlap := cfg.ChunkSize, cfg.Overlap
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultOverlap
		if overlap >= size {
			overlap = 0
		}
	}
	return &WindowChunker{size: size, overlap: overlap}
}

// Size returns the window length in runes.
func (c *WindowChunker) Size() int { return c.size }

// Signature identifies the window settings, so chunks cached under other
// settings are not reused.
func (c *WindowChunker) Signature() string {
	return fmt.Sprintf("window:%d:%d", c.size, c.overlap)
}

// Overlap returns the number of runes shared by consecutive windows.
func (c *WindowChunker) Overlap() int { return c.overlap }

// Chunk windows every segment in order. Each window carries a copy of its
// segment's metadata. Empty and whitespace-only windows are dropped.
func (c *WindowChunker) Chunk(segments []domain.Segment) []domain.Segment {
	var out []domain.Segment
	step := c.size - c.overlap
	for _, seg := range segments {
		runes := []rune(seg.Text)
		n := len(runes)
		for start := 0; start < n; start += step {
			end := start + c.size
			if end > n {
				end = n
			}
			text := string(runes[start:end])
			if strings.TrimSpace(text) != "" {
				out = append(out, domain.Segment{Text: text, Metadata: domain.CopyMetadata(seg.Metadata)})
			}
			if end == n {
				break
			}
		}
	}
	return out
}

// Document chunks the segments of one document and assigns ids and the
// standard metadata keys. Indices are dense over the emitted chunks.
func (c *WindowChunker) Document(sourceURL string, segments []domain.Segment) []domain.Chunk {
	docID := domain.DocFingerprint(sourceURL)
	windows := c.Chunk(segments)
	chunks := make([]domain.Chunk, 0, len(windows))
	for i, w := range windows {
		meta := w.Metadata
		meta[domain.MetaDocID] = docID
		meta[domain.MetaChunkIndex] = i
		meta[domain.MetaSourceURL] = sourceURL
		meta[domain.MetaContentHash] = domain.ContentHash(w.Text)
		chunks = append(chunks, domain.Chunk{
			ID:       domain.ChunkID(docID, i),
			Text:     w.Text,
			Metadata: meta,
		})
	}
	return chunks
}
