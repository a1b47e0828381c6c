package service

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"docqa/internal/cache"
	"docqa/internal/chunker"
	"docqa/internal/config"
	"docqa/internal/embedding"
	"docqa/internal/embedding/hashing"
	embedopenai "docqa/internal/embedding/openai"
	"docqa/internal/fetcher"
	"docqa/internal/parser"
	"docqa/internal/reasoner"
	"docqa/internal/retriever"
	"docqa/internal/vectorstore"
)

// NewEmbedder builds the configured embedder. A misconfigured remote
// embedder is an error; there is no fallback to the local model.
func NewEmbedder(cfg config.EmbedderConfig, logger *log.Logger) (embedding.Embedder, error) {
	switch cfg.Type {
	case config.EmbedderOpenAI:
		if cfg.OpenAI == nil {
			return nil, fmt.Errorf("embedder.openai section is required")
		}
		return embedopenai.New(*cfg.OpenAI, logger)
	default:
		return hashing.New(cfg.Local), nil
	}
}

// Build wires a Service from configuration. The returned close function
// releases the chunk cache when one is enabled.
func Build(cfg *config.AppConfig, logger *log.Logger) (*Service, func() error, error) {
	emb, err := NewEmbedder(cfg.Embedder, logger)
	if err != nil {
		return nil, nil, err
	}
	deps := Deps{
		Fetcher:   fetcher.New(cfg.Fetcher),
		Parser:    parser.New(cfg.Parser, logger),
		Chunker:   chunker.New(cfg.Chunker),
		Embedder:  emb,
		Stores:    vectorstore.NewRegistry(cfg.VectorStore, emb.Name(), logger),
		Retriever: retriever.New(cfg.Retrieval, emb, logger),
		Reasoner:  reasoner.New(cfg.Reasoner, logger),
	}
	closeFn := func() error { return nil }
	if cfg.Cache.Enabled {
		c, err := cache.Open(cfg.Cache.Path, time.Duration(cfg.Cache.TTLSecs)*time.Second)
		if err != nil {
			return nil, nil, err
		}
		if n, err := c.PurgeExpired(context.Background()); err != nil {
			logger.Warn("chunk cache purge failed", "err", err)
		} else if n > 0 {
			logger.Info("purged expired cache entries", "count", n)
		}
		deps.Cache = c
		closeFn = c.Close
	}
	logger.Info("pipeline ready",
		"embedder", emb.Name(),
		"vector_store", cfg.VectorStore.Type,
		"reasoner", deps.Reasoner.Name(),
		"cache", cfg.Cache.Enabled,
	)
	return New(deps, cfg.Ingest, logger), closeFn, nil
}
