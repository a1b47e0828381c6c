// Package retriever turns a question into ranked, threshold-filtered,
// size-capped context passages.
package retriever

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"docqa/internal/config"
	"docqa/internal/domain"
	"docqa/internal/embedding"
)

// Searcher is the read side of a vector index.
type Searcher interface {
	Search(ctx context.Context, vector []float32, topK int) ([]domain.SearchResult, error)
}

// Policy holds the retrieval knobs.
type Policy struct {
	TopK            int
	Threshold       float64
	MaxContextChars int
	FallbackK       int
}

// PolicyFromConfig fills unset values with the defaults.
func PolicyFromConfig(cfg config.RetrievalConfig) Policy {
	p := Policy{
		TopK:            cfg.TopK,
		Threshold:       cfg.SimilarityThreshold,
		MaxContextChars: cfg.MaxContextChars,
		FallbackK:       cfg.FallbackK,
	}
	if p.TopK <= 0 {
		p.TopK = 5
	}
	if p.MaxContextChars <= 0 {
		p.MaxContextChars = 1200
	}
	if p.FallbackK <= 0 {
		p.FallbackK = 2
	}
	return p
}

// Retriever embeds questions and selects passages from a Searcher.
type Retriever struct {
	embedder embedding.Embedder
	policy   Policy
	logger   *log.Logger
}

// New creates a retriever.
func New(cfg config.RetrievalConfig, embedder embedding.Embedder, logger *log.Logger) *Retriever {
	return &Retriever{
		embedder: embedder,
		policy:   PolicyFromConfig(cfg),
		logger:   logger.With("component", "retriever"),
	}
}

// Policy returns the active retrieval policy.
func (r *Retriever) Policy() Policy { return r.policy }

// Retrieve returns the context passages for question. texts maps chunk ids to
// their full text. Retrieval never fails for lack of similar results.
func (r *Retriever) Retrieve(ctx context.Context, index Searcher, question string, texts map[string]string) ([]domain.Passage, error) {
	vec, err := embedding.EmbedOne(ctx, r.embedder, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	raw, err := index.Search(ctx, vec, r.policy.TopK)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	passages, fallback := r.policy.Select(raw, texts)
	if fallback {
		r.logger.Debug("no result met threshold, using top raw results", "threshold", r.policy.Threshold, "raw", len(raw), "kept", len(passages))
	}
	return passages, nil
}

// Select applies the threshold, fallback and truncation rules to raw search
// results, keeping their order. Results whose id has no text in texts are
// stale rows and are dropped before the threshold applies. fallback reports
// whether the threshold removed every candidate and the top raw results were
// used instead.
func (p Policy) Select(found []domain.SearchResult, texts map[string]string) (passages []domain.Passage, fallback bool) {
	raw := make([]domain.SearchResult, 0, len(found))
	for _, res := range found {
		if _, ok := texts[res.ID]; ok {
			raw = append(raw, res)
		}
	}
	kept := make([]domain.SearchResult, 0, len(raw))
	for _, res := range raw {
		if res.Score >= p.Threshold {
			kept = append(kept, res)
		}
	}
	if len(kept) == 0 && len(raw) > 0 {
		n := p.FallbackK
		if n > len(raw) {
			n = len(raw)
		}
		kept = raw[:n]
		fallback = true
	}

	passages = make([]domain.Passage, 0, len(kept))
	for _, res := range kept {
		passages = append(passages, domain.Passage{
			ID:       res.ID,
			Score:    res.Score,
			Text:     truncate(texts[res.ID], p.MaxContextChars),
			Metadata: domain.CopyMetadata(res.Metadata),
		})
	}
	return passages, fallback
}

func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
