// Package service orchestrates the question-answering pipeline: ingest a
// batch of documents, build or reuse their collection, then retrieve and
// reason per question.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"docqa/internal/config"
	"docqa/internal/domain"
	"docqa/internal/embedding"
	"docqa/internal/fetcher"
	"docqa/internal/retriever"
	"docqa/internal/vectorstore"
)

// Fetcher retrieves raw document bytes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetcher.Document, error)
}

// Parser converts raw bytes into segments using an extension hint.
type Parser interface {
	Parse(data []byte, ext string) []domain.Segment
}

// Chunker splits one document's segments into identified chunks.
type Chunker interface {
	Document(sourceURL string, segments []domain.Segment) []domain.Chunk
	// Signature identifies the settings that shape the chunks.
	Signature() string
}

// Stores hands out the Storage for a collection name.
type Stores interface {
	Get(name string) (vectorstore.Storage, error)
}

// ChunkCache stores parsed chunks per document fingerprint and chunker
// signature.
type ChunkCache interface {
	Get(ctx context.Context, docID string) ([]domain.Chunk, bool, error)
	Put(ctx context.Context, docID, sourceURL string, chunks []domain.Chunk) error
}

// Deps are the pipeline collaborators. Cache may be nil.
type Deps struct {
	Fetcher   Fetcher
	Parser    Parser
	Chunker   Chunker
	Embedder  embedding.Embedder
	Stores    Stores
	Retriever *retriever.Retriever
	Reasoner  domain.Reasoner
	Cache     ChunkCache
}

// Request is one question-answering run.
type Request struct {
	Documents []string
	Questions []string
	Debug     bool
}

// SourceClause is a cited passage in a trace.
type SourceClause struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata"`
}

// Trace explains one answer.
type Trace struct {
	Answer        string         `json:"answer"`
	Reasoning     string         `json:"reasoning"`
	Confidence    float64        `json:"confidence"`
	SourceClauses []SourceClause `json:"source_clauses"`
}

// Failure reports a document dropped under the skip policy.
type Failure struct {
	URL     string      `json:"url"`
	Kind    domain.Kind `json:"kind"`
	Message string      `json:"message"`
}

// Response holds one answer per question, in question order.
type Response struct {
	Answers    []string  `json:"answers"`
	Traces     []Trace   `json:"traces,omitempty"`
	Failures   []Failure `json:"failures,omitempty"`
	Collection string    `json:"-"`
}

// Service runs requests against its collaborators.
type Service struct {
	deps        Deps
	onError     string
	concurrency int
	logger      *log.Logger
}

// New creates a service.
func New(deps Deps, cfg config.IngestConfig, logger *log.Logger) *Service {
	onError := cfg.OnError
	if onError == "" {
		onError = config.OnErrorAbort
	}
	conc := cfg.Concurrency
	if conc <= 0 {
		conc = 4
	}
	return &Service{deps: deps, onError: onError, concurrency: conc, logger: logger.With("component", "service")}
}

// Run ingests req.Documents, indexes the chunks and answers every question.
func (s *Service) Run(ctx context.Context, req Request) (*Response, error) {
	urls := domain.DedupeURLs(req.Documents)
	if len(urls) == 0 {
		return nil, domain.Errorf(domain.KindInvalidInput, "run", "at least one document url is required")
	}
	if len(req.Questions) == 0 {
		return nil, domain.Errorf(domain.KindInvalidInput, "run", "at least one question is required")
	}
	for i, q := range req.Questions {
		if strings.TrimSpace(q) == "" {
			return nil, domain.Errorf(domain.KindInvalidInput, "run", "question %d is empty", i)
		}
	}

	batch, err := s.Ingest(ctx, urls)
	if err != nil {
		return nil, err
	}
	store, err := s.Index(ctx, batch)
	if err != nil {
		return nil, err
	}

	texts := batch.Texts()
	answers := make([]string, len(req.Questions))
	traces := make([]Trace, len(req.Questions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, q := range req.Questions {
		g.Go(func() error {
			passages, err := s.deps.Retriever.Retrieve(gctx, store, q, texts)
			if err != nil {
				return fmt.Errorf("question %d: %w", i, err)
			}
			out, err := s.deps.Reasoner.Reason(gctx, q, passages)
			if err != nil {
				return fmt.Errorf("question %d: %w", i, err)
			}
			answers[i] = out.Answer
			traces[i] = buildTrace(out, passages)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	resp := &Response{Answers: answers, Failures: batch.Failures, Collection: store.Collection()}
	if req.Debug {
		resp.Traces = traces
	}
	s.logger.Info("answered questions", "collection", resp.Collection, "questions", len(answers), "reasoner", s.deps.Reasoner.Name())
	return resp, nil
}

// buildTrace keeps the passages the reasoner cited, in retrieval order.
func buildTrace(out domain.Reasoning, passages []domain.Passage) Trace {
	cited := make(map[string]struct{}, len(out.Citations))
	for _, c := range out.Citations {
		cited[c] = struct{}{}
	}
	clauses := make([]SourceClause, 0, len(cited))
	for _, p := range passages {
		if _, ok := cited[p.ID]; ok {
			clauses = append(clauses, SourceClause{ID: p.ID, Score: p.Score, Metadata: p.Metadata})
		}
	}
	return Trace{Answer: out.Answer, Reasoning: out.Reasoning, Confidence: out.Confidence, SourceClauses: clauses}
}

// Batch is the outcome of ingesting a set of URLs.
type Batch struct {
	URLs     []string // successfully ingested, in request order
	Chunks   []domain.Chunk
	Failures []Failure
}

// Texts maps chunk ids to their text.
func (b *Batch) Texts() map[string]string {
	m := make(map[string]string, len(b.Chunks))
	for _, c := range b.Chunks {
		m[c.ID] = c.Text
	}
	return m
}

// IDs returns the chunk ids in order.
func (b *Batch) IDs() []string {
	ids := make([]string, len(b.Chunks))
	for i, c := range b.Chunks {
		ids[i] = c.ID
	}
	return ids
}

// Ingest fetches, parses and chunks urls concurrently. Output follows the
// order of urls. Under the abort policy the first failure fails the batch;
// under skip, failures are collected and only an all-failed batch errors.
func (s *Service) Ingest(ctx context.Context, urls []string) (*Batch, error) {
	results := make([][]domain.Chunk, len(urls))
	errs := make([]error, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, u := range urls {
		g.Go(func() error {
			chunks, err := s.ingestOne(gctx, u)
			if err != nil {
				err = fmt.Errorf("ingest %s: %w", u, err)
				if s.onError == config.OnErrorAbort {
					return err
				}
				errs[i] = err
				return nil
			}
			results[i] = chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	batch := &Batch{}
	var firstErr error
	for i, u := range urls {
		if errs[i] != nil {
			if firstErr == nil {
				firstErr = errs[i]
			}
			s.logger.Warn("skipping document", "url", u, "err", errs[i])
			batch.Failures = append(batch.Failures, Failure{URL: u, Kind: domain.KindOf(errs[i]), Message: errs[i].Error()})
			continue
		}
		batch.URLs = append(batch.URLs, u)
		batch.Chunks = append(batch.Chunks, results[i]...)
	}
	if len(batch.URLs) == 0 {
		if firstErr == nil {
			firstErr = errors.New("no documents ingested")
		}
		return nil, firstErr
	}
	return batch, nil
}

func (s *Service) ingestOne(ctx context.Context, url string) ([]domain.Chunk, error) {
	cacheKey := domain.DocFingerprint(url) + "@" + s.deps.Chunker.Signature()
	if s.deps.Cache != nil {
		chunks, ok, err := s.deps.Cache.Get(ctx, cacheKey)
		if err != nil {
			s.logger.Warn("chunk cache read failed", "url", url, "err", err)
		} else if ok && len(chunks) > 0 {
			s.logger.Debug("chunk cache hit", "url", url, "chunks", len(chunks))
			return chunks, nil
		}
	}

	doc, err := s.deps.Fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	segments := s.deps.Parser.Parse(doc.Data, doc.Ext)
	chunks := s.deps.Chunker.Document(url, segments)
	if len(chunks) == 0 {
		return nil, domain.Errorf(domain.KindParse, "ingest", "no extractable text in %s", url)
	}
	s.logger.Info("ingested document", "url", url, "ext", doc.Ext, "segments", len(segments), "chunks", len(chunks))

	if s.deps.Cache != nil {
		if err := s.deps.Cache.Put(ctx, cacheKey, url, chunks); err != nil {
			s.logger.Warn("chunk cache write failed", "url", url, "err", err)
		}
	}
	return chunks, nil
}

// Index opens the collection for batch and embeds the chunks unless every
// chunk id is already stored with the same content hash.
func (s *Service) Index(ctx context.Context, batch *Batch) (vectorstore.Storage, error) {
	name := domain.CollectionFingerprint(batch.URLs)
	store, err := s.deps.Stores.Get(name)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", name, err)
	}
	ids := batch.IDs()
	hashes := make([]string, len(batch.Chunks))
	for i, c := range batch.Chunks {
		hashes[i] = domain.ContentHash(c.Text)
	}
	done, err := store.HasAll(ctx, ids, hashes)
	if err != nil {
		return nil, fmt.Errorf("check collection %s: %w", name, err)
	}
	if done {
		s.logger.Info("reusing collection", "collection", name, "chunks", len(ids))
		return store, nil
	}

	texts := make([]string, len(batch.Chunks))
	metas := make([]map[string]any, len(batch.Chunks))
	for i, c := range batch.Chunks {
		texts[i] = c.Text
		metas[i] = domain.CopyMetadata(c.Metadata)
		metas[i][domain.MetaContentHash] = hashes[i]
	}
	vectors, err := s.deps.Embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(ids) {
		return nil, domain.Errorf(domain.KindEmbedding, "index", "embedder returned %d vectors for %d chunks", len(vectors), len(ids))
	}
	if err := store.Add(ctx, ids, vectors, metas); err != nil {
		return nil, fmt.Errorf("add to collection %s: %w", name, err)
	}
	s.logger.Info("built collection", "collection", name, "chunks", len(ids), "embedder", s.deps.Embedder.Name())
	return store, nil
}
