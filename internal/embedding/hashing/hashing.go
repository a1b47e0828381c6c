// Package hashing implements the in-process embedding backend: a signed
// feature-hashing model over word unigrams and bigrams.
package hashing

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"docqa/internal/config"
	"docqa/internal/domain"
	"docqa/internal/embedding"
)

// DefaultDimension is the vector length used when none is configured.
const DefaultDimension = 384

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+(?:['’][\p{L}\p{N}]+)*`)

// Tokens lowercases text and returns its word tokens with stopwords removed.
func Tokens(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if _, isStop := stopwords[t]; isStop {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Embedder maps text to hashed feature vectors of a fixed dimension.
type Embedder struct {
	dimension int

	once  sync.Once
	ready atomic.Bool
	seeds [2]uint64
}

// New creates an embedder. The model tables are built on first use.
func New(cfg config.LocalEmbedderConfig) *Embedder {
	dim := cfg.Dimension
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &Embedder{dimension: dim}
}

// Name returns the identifier of this embedder implementation.
func (e *Embedder) Name() string { return "hashing" }

// Dimension returns the dimensionality of the produced embedding vectors.
func (e *Embedder) Dimension() int { return e.dimension }

// Ready reports whether the model has been initialised.
func (e *Embedder) Ready() bool { return e.ready.Load() }

func (e *Embedder) init() {
	e.once.Do(func() {
		e.seeds = [2]uint64{xxhash.Sum64String("docqa/unigram"), xxhash.Sum64String("docqa/bigram")}
		e.ready.Store(true)
	})
}

// Embed returns one unit-length vector per text. Texts without tokens map to the zero vector.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.init()
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, domain.Wrap(domain.KindEmbedding, "embed.hashing", err)
		}
		out[i] = e.vector(text)
	}
	return out, nil
}

func (e *Embedder) vector(text string) []float32 {
	counts := make(map[string]int)
	tokens := Tokens(text)
	for i, tok := range tokens {
		counts["u:"+tok]++
		if i > 0 {
			counts["b:"+tokens[i-1]+" "+tok]++
		}
	}
	features := make([]string, 0, len(counts))
	for f := range counts {
		features = append(features, f)
	}
	// Fixed accumulation order keeps vectors bit-identical across runs.
	sort.Strings(features)

	vec := make([]float32, e.dimension)
	for _, feature := range features {
		n := counts[feature]
		seed := e.seeds[0]
		weight := 1 + math.Log(float64(n))
		if strings.HasPrefix(feature, "b:") {
			seed = e.seeds[1]
			weight *= 0.5
		}
		h := xxhash.Sum64String(feature) ^ seed
		idx := int(h % uint64(e.dimension))
		if h&(1<<63) != 0 {
			weight = -weight
		}
		vec[idx] += float32(weight)
	}
	return embedding.Normalize(vec)
}

var stopwords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "should", "now",
		"what", "which", "who", "whom", "how", "does", "do", "did", "has", "have", "had", "there", "any",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()
