package vectorstore

import (
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"

	"docqa/internal/config"
	"docqa/internal/vectorstore/flat"
	"docqa/internal/vectorstore/qdrant"
)

var (
	_ Storage = (*flat.Index)(nil)
	_ Storage = (*qdrant.Storage)(nil)
)

// Open constructs or opens the collection name on the configured backend.
// The remote backend is used only when its credentials are present; otherwise
// the local flat index serves the collection whatever the requested type.
func Open(cfg config.VectorStoreConfig, name, embedderName string, logger *log.Logger) (Storage, error) {
	if cfg.Type == config.VectorQdrant {
		if cfg.Qdrant.HasCredentials() {
			return qdrant.NewStorage(cfg.Qdrant, name, logger)
		}
		logger.Debug("remote vector store credentials absent, using local index", "collection", name)
	}
	return flat.Open(LocalDir(cfg), name, embedderName, logger)
}

// LocalDir is the directory holding local index files.
func LocalDir(cfg config.VectorStoreConfig) string {
	return filepath.Join(cfg.StorageDir, "flat")
}

// Registry keeps one open Storage per collection name for the life of the process.
type Registry struct {
	cfg      config.VectorStoreConfig
	embedder string
	logger   *log.Logger

	mu     sync.Mutex
	stores map[string]Storage
}

// NewRegistry creates an empty registry for the given backend configuration.
func NewRegistry(cfg config.VectorStoreConfig, embedderName string, logger *log.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		embedder: embedderName,
		logger:   logger.With("component", "vectorstore"),
		stores:   map[string]Storage{},
	}
}

// Get returns the Storage for name, opening it on first use. Failed opens are not cached.
func (r *Registry) Get(name string) (Storage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[name]; ok {
		return s, nil
	}
	s, err := Open(r.cfg, name, r.embedder, r.logger)
	if err != nil {
		return nil, err
	}
	r.stores[name] = s
	return s, nil
}
