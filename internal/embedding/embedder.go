// Package embedding defines the text embedder contract shared by the local
// and remote backends.
package embedding

import (
	"context"
	"math"

	"docqa/internal/domain"
)

// Embedder converts free text into fixed-dimension vectors.
// Every call on one instance returns vectors of the same dimension.
type Embedder interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, domain.Errorf(domain.KindEmbedding, "embed", "expected 1 vector, got %d", len(vecs))
	}
	return vecs[0], nil
}

// Normalize scales v to unit L2 norm in place. Zero vectors are left unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// Dot returns the inner product of a and b over their common length.
func Dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var s float64
	for i := 0; i < n; i++ {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
