package vectorstore

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/internal/config"
	"docqa/internal/embedding"
	"docqa/internal/logging"
	"docqa/internal/vectorstore/flat"
	"docqa/internal/vectorstore/qdrant"
)

func TestOpen_LocalBackend(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(config.VectorStoreConfig{Type: config.VectorLocal, StorageDir: dir}, "idx_abc", "hashing", logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &flat.Index{}, s)
	assert.Equal(t, "idx_abc", s.Collection())
}

func TestOpen_RemoteWithoutCredentialsFallsBackToLocal(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]*config.QdrantConfig{
		"no qdrant section": nil,
		"url only":          {URL: "http://localhost:6333"},
		"key only":          {APIKey: "k"},
	}
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.VectorStoreConfig{Type: config.VectorQdrant, StorageDir: dir, Qdrant: q}
			s, err := Open(cfg, "idx_"+filepath.Base(t.Name()), "hashing", logging.Discard())
			require.NoError(t, err)
			require.IsType(t, &flat.Index{}, s)

			ids := []string{"d_0000", "d_0001", "d_0002"}
			vecs := [][]float32{
				embedding.Normalize([]float32{1, 0, 0}),
				embedding.Normalize([]float32{0.6, 0.8, 0}),
				embedding.Normalize([]float32{0, 0.6, 0.8}),
			}
			require.NoError(t, s.Add(context.Background(), ids, vecs, nil))
			res, err := s.Search(context.Background(), vecs[1], 3)
			require.NoError(t, err)
			require.Len(t, res, 3)
			assert.Equal(t, "d_0001", res[0].ID)
			assert.InDelta(t, 1.0, res[0].Score, 1e-6)
		})
	}
}

func TestOpen_RemoteWithCredentials(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	cfg := config.VectorStoreConfig{
		Type:       config.VectorQdrant,
		StorageDir: t.TempDir(),
		Qdrant:     &config.QdrantConfig{URL: srv.URL, APIKey: "k", CollectionPrefix: "docqa_"},
	}
	s, err := Open(cfg, "idx_abc", "hashing", logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &qdrant.Storage{}, s)

	res, err := s.Search(context.Background(), []float32{1}, 3)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestRegistry_ReusesInstances(t *testing.T) {
	r := NewRegistry(config.VectorStoreConfig{Type: config.VectorLocal, StorageDir: t.TempDir()}, "hashing", logging.Discard())
	a, err := r.Get("idx_one")
	require.NoError(t, err)
	b, err := r.Get("idx_one")
	require.NoError(t, err)
	c, err := r.Get("idx_two")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestRegistry_FailedOpenNotCached(t *testing.T) {
	r := NewRegistry(config.VectorStoreConfig{Type: config.VectorLocal, StorageDir: t.TempDir()}, "hashing", logging.Discard())
	for i := 0; i < 2; i++ {
		_, err := r.Get(fmt.Sprintf("bad/name%d", i))
		assert.Error(t, err)
	}
	assert.Empty(t, r.stores)
}
