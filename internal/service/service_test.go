package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/internal/cache"
	"docqa/internal/chunker"
	"docqa/internal/config"
	"docqa/internal/domain"
	"docqa/internal/embedding"
	"docqa/internal/embedding/hashing"
	"docqa/internal/fetcher"
	"docqa/internal/logging"
	"docqa/internal/parser"
	"docqa/internal/reasoner"
	"docqa/internal/retriever"
	"docqa/internal/vectorstore"
)

const policyText = `A grace period of thirty days is allowed for premium payment after the due date.
Pre-existing diseases are covered after thirty six months of continuous coverage.
Maternity expenses are covered after the policy has been active for twenty four months.`

// docServer serves bodies by path and counts requests per path.
type docServer struct {
	*httptest.Server
	hits  map[string]*atomic.Int32
	delay map[string]time.Duration

	mu   sync.Mutex
	docs map[string]string
}

// set replaces the body served at an existing path.
func (ds *docServer) set(path, body string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.docs[path] = body
}

func newDocServer(t *testing.T, docs map[string]string) *docServer {
	t.Helper()
	ds := &docServer{hits: map[string]*atomic.Int32{}, delay: map[string]time.Duration{}, docs: map[string]string{}}
	for p, body := range docs {
		ds.hits[p] = &atomic.Int32{}
		ds.docs[p] = body
	}
	ds.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ds.mu.Lock()
		body, ok := ds.docs[r.URL.Path]
		ds.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		ds.hits[r.URL.Path].Add(1)
		if d := ds.delay[r.URL.Path]; d > 0 {
			time.Sleep(d)
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ds.Close)
	return ds
}

type countingEmbedder struct {
	embedding.Embedder
	calls atomic.Int32
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	return c.Embedder.Embed(ctx, texts)
}

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	cfg := config.Default()
	cfg.VectorStore.StorageDir = t.TempDir()
	cfg.Cache.Path = filepath.Join(cfg.VectorStore.StorageDir, "cache.db")
	cfg.Retrieval.SimilarityThreshold = 0.3
	return cfg
}

func newService(t *testing.T, cfg *config.AppConfig, emb embedding.Embedder) *Service {
	t.Helper()
	logger := logging.Discard()
	if emb == nil {
		emb = hashing.New(cfg.Embedder.Local)
	}
	deps := Deps{
		Fetcher:   fetcher.New(cfg.Fetcher),
		Parser:    parser.New(cfg.Parser, logger),
		Chunker:   chunker.New(cfg.Chunker),
		Embedder:  emb,
		Stores:    vectorstore.NewRegistry(cfg.VectorStore, emb.Name(), logger),
		Retriever: retriever.New(cfg.Retrieval, emb, logger),
		Reasoner:  reasoner.NewHeuristic(),
	}
	return New(deps, cfg.Ingest, logger)
}

func TestRun_AnswersFromDocument(t *testing.T) {
	ds := newDocServer(t, map[string]string{"/policy.txt": policyText})
	svc := newService(t, testConfig(t), nil)

	resp, err := svc.Run(context.Background(), Request{
		Documents: []string{ds.URL + "/policy.txt"},
		Questions: []string{"What is the grace period for premium payment?", "zebra"},
		Debug:     true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Answers, 2)
	assert.Equal(t, "A grace period of thirty days is allowed for premium payment after the due date.", resp.Answers[0])
	assert.Equal(t, reasoner.NotStated, resp.Answers[1])

	require.Len(t, resp.Traces, 2)
	tr := resp.Traces[0]
	assert.Equal(t, 0.4, tr.Confidence)
	require.Len(t, tr.SourceClauses, 1)
	docID := domain.DocFingerprint(ds.URL + "/policy.txt")
	assert.Equal(t, domain.ChunkID(docID, 0), tr.SourceClauses[0].ID)
	assert.Equal(t, docID, tr.SourceClauses[0].Metadata[domain.MetaDocID])
	assert.Equal(t, domain.CollectionFingerprint([]string{ds.URL + "/policy.txt"}), resp.Collection)
	assert.Empty(t, resp.Failures)
}

func TestRun_NoTracesWithoutDebug(t *testing.T) {
	ds := newDocServer(t, map[string]string{"/policy.txt": policyText})
	resp, err := newService(t, testConfig(t), nil).Run(context.Background(), Request{
		Documents: []string{ds.URL + "/policy.txt"},
		Questions: []string{"maternity"},
	})
	require.NoError(t, err)
	assert.Len(t, resp.Answers, 1)
	assert.Nil(t, resp.Traces)
}

func TestRun_InvalidInput(t *testing.T) {
	svc := newService(t, testConfig(t), nil)
	cases := []Request{
		{Questions: []string{"q"}},
		{Documents: []string{"  "}, Questions: []string{"q"}},
		{Documents: []string{"http://example.com/a"}},
		{Documents: []string{"http://example.com/a"}, Questions: []string{"ok", " "}},
	}
	for _, req := range cases {
		_, err := svc.Run(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	}
}

func TestIngest_ThreeThousandCharacterDocument(t *testing.T) {
	text := strings.Repeat("abcdefghij", 300)
	ds := newDocServer(t, map[string]string{"/doc": text})
	batch, err := newService(t, testConfig(t), nil).Ingest(context.Background(), []string{ds.URL + "/doc"})
	require.NoError(t, err)

	require.Len(t, batch.Chunks, 3)
	lengths := []int{}
	for _, c := range batch.Chunks {
		lengths = append(lengths, utf8.RuneCountInString(c.Text))
	}
	assert.Equal(t, []int{1200, 1200, 900}, lengths)
	for i := 1; i < 3; i++ {
		prev := batch.Chunks[i-1].Text
		assert.Equal(t, prev[len(prev)-150:], batch.Chunks[i].Text[:150])
	}
	assert.Len(t, batch.Chunks[2].Text[150:], 750)
}

func TestRun_ReusesCollection(t *testing.T) {
	ds := newDocServer(t, map[string]string{"/a.txt": policyText, "/b.txt": "Room rent is capped at one percent of the sum insured."})
	cfg := testConfig(t)
	emb := &countingEmbedder{Embedder: hashing.New(cfg.Embedder.Local)}
	svc := newService(t, cfg, emb)
	req := Request{Documents: []string{ds.URL + "/a.txt", ds.URL + "/b.txt"}, Questions: []string{"room rent"}}

	first, err := svc.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), emb.calls.Load())

	req.Documents = []string{ds.URL + "/b.txt", ds.URL + "/a.txt", ds.URL + "/b.txt"}
	second, err := svc.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(3), emb.calls.Load())
	assert.Equal(t, first.Collection, second.Collection)
	assert.Equal(t, first.Answers, second.Answers)
}

func TestRun_ChangedDocumentIsReindexed(t *testing.T) {
	ds := newDocServer(t, map[string]string{"/policy.txt": strings.Repeat("bananas ", 375)})
	cfg := testConfig(t)
	emb := &countingEmbedder{Embedder: hashing.New(cfg.Embedder.Local)}
	svc := newService(t, cfg, emb)
	url := ds.URL + "/policy.txt"
	req := Request{Documents: []string{url}, Questions: []string{"What is the grace period for premium payment?"}, Debug: true}

	_, err := svc.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), emb.calls.Load())

	ds.set("/policy.txt", "The grace period for premium payment is thirty days.")
	resp, err := svc.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(4), emb.calls.Load(), "changed chunk must be re-embedded")
	assert.Contains(t, resp.Answers[0], "thirty days")

	docID := domain.DocFingerprint(url)
	require.Len(t, resp.Traces, 1)
	for _, c := range resp.Traces[0].SourceClauses {
		assert.Equal(t, domain.ChunkID(docID, 0), c.ID)
	}

	store, err := svc.deps.Stores.Get(resp.Collection)
	require.NoError(t, err)
	ok, err := store.HasAll(context.Background(), []string{domain.ChunkID(docID, 1)}, nil)
	require.NoError(t, err)
	assert.False(t, ok, "stale chunks of the old version must be removed")
	ok, err = store.HasAll(context.Background(), []string{domain.ChunkID(docID, 0)}, []string{domain.ContentHash("The grace period for premium payment is thirty days.")})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIngest_AbortPolicy(t *testing.T) {
	ds := newDocServer(t, map[string]string{"/ok.txt": policyText})
	cfg := testConfig(t)
	cfg.Ingest.OnError = config.OnErrorAbort

	_, err := newService(t, cfg, nil).Ingest(context.Background(), []string{ds.URL + "/ok.txt", ds.URL + "/missing.txt"})
	assert.ErrorIs(t, err, domain.ErrFetch)
	assert.Contains(t, err.Error(), "missing.txt")
}

func TestRun_SkipPolicyReportsFailures(t *testing.T) {
	ds := newDocServer(t, map[string]string{"/ok.txt": policyText, "/empty.txt": "   "})
	cfg := testConfig(t)
	cfg.Ingest.OnError = config.OnErrorSkip

	resp, err := newService(t, cfg, nil).Run(context.Background(), Request{
		Documents: []string{ds.URL + "/missing.txt", ds.URL + "/ok.txt", ds.URL + "/empty.txt"},
		Questions: []string{"grace period"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Failures, 2)
	assert.Equal(t, ds.URL+"/missing.txt", resp.Failures[0].URL)
	assert.Equal(t, domain.KindFetch, resp.Failures[0].Kind)
	assert.Equal(t, domain.KindParse, resp.Failures[1].Kind)
	assert.Equal(t, domain.CollectionFingerprint([]string{ds.URL + "/ok.txt"}), resp.Collection)
}

func TestIngest_SkipPolicyAllFailed(t *testing.T) {
	ds := newDocServer(t, map[string]string{})
	cfg := testConfig(t)
	cfg.Ingest.OnError = config.OnErrorSkip

	_, err := newService(t, cfg, nil).Ingest(context.Background(), []string{ds.URL + "/a.txt", ds.URL + "/b.txt"})
	assert.ErrorIs(t, err, domain.ErrFetch)
}

func TestIngest_EmptyDocumentIsParseError(t *testing.T) {
	ds := newDocServer(t, map[string]string{"/blank.txt": "\n\n  \t"})
	_, err := newService(t, testConfig(t), nil).Ingest(context.Background(), []string{ds.URL + "/blank.txt"})
	assert.ErrorIs(t, err, domain.ErrParse)
}

func TestIngest_KeepsRequestOrder(t *testing.T) {
	ds := newDocServer(t, map[string]string{"/slow.txt": "slow document body", "/fast.txt": "fast document body"})
	ds.delay["/slow.txt"] = 50 * time.Millisecond

	urls := []string{ds.URL + "/slow.txt", ds.URL + "/fast.txt"}
	batch, err := newService(t, testConfig(t), nil).Ingest(context.Background(), urls)
	require.NoError(t, err)
	require.Len(t, batch.Chunks, 2)
	assert.Equal(t, "slow document body", batch.Chunks[0].Text)
	assert.Equal(t, "fast document body", batch.Chunks[1].Text)
	assert.Equal(t, urls, batch.URLs)
}

func TestIngest_UsesChunkCache(t *testing.T) {
	ds := newDocServer(t, map[string]string{"/a.txt": policyText})
	cfg := testConfig(t)
	c, err := cache.Open(cfg.Cache.Path, time.Hour)
	require.NoError(t, err)
	defer c.Close()

	svc := newService(t, cfg, nil)
	svc.deps.Cache = c

	first, err := svc.Ingest(context.Background(), []string{ds.URL + "/a.txt"})
	require.NoError(t, err)
	second, err := svc.Ingest(context.Background(), []string{ds.URL + "/a.txt"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), ds.hits["/a.txt"].Load())
	assert.Equal(t, first.IDs(), second.IDs())
	assert.Equal(t, first.Texts(), second.Texts())
}

func TestIngest_ChunkCacheKeyedByChunkSettings(t *testing.T) {
	ds := newDocServer(t, map[string]string{"/a.txt": strings.Repeat("abcdefghij", 300)})
	cfg := testConfig(t)
	c, err := cache.Open(cfg.Cache.Path, time.Hour)
	require.NoError(t, err)
	defer c.Close()

	svc := newService(t, cfg, nil)
	svc.deps.Cache = c
	first, err := svc.Ingest(context.Background(), []string{ds.URL + "/a.txt"})
	require.NoError(t, err)
	require.Len(t, first.Chunks, 3)

	cfg.Chunker.ChunkSize = 600
	cfg.Chunker.Overlap = 100
	resized := newService(t, cfg, nil)
	resized.deps.Cache = c
	second, err := resized.Ingest(context.Background(), []string{ds.URL + "/a.txt"})
	require.NoError(t, err)

	assert.Equal(t, int32(2), ds.hits["/a.txt"].Load())
	assert.Len(t, second.Chunks, 6)
	assert.Equal(t, 600, utf8.RuneCountInString(second.Chunks[0].Text))
}

func TestBuild_RemoteStoreWithoutCredentialsUsesLocal(t *testing.T) {
	ds := newDocServer(t, map[string]string{"/policy.txt": policyText})
	cfg := testConfig(t)
	cfg.VectorStore.Type = config.VectorQdrant
	cfg.VectorStore.Qdrant = nil

	svc, closeFn, err := Build(cfg, logging.Discard())
	require.NoError(t, err)
	defer closeFn()

	resp, err := svc.Run(context.Background(), Request{Documents: []string{ds.URL + "/policy.txt"}, Questions: []string{"grace period"}})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(cfg.VectorStore.StorageDir, "flat", resp.Collection+".index"))
	assert.FileExists(t, filepath.Join(cfg.VectorStore.StorageDir, "flat", resp.Collection+".meta.json"))
}

func TestBuild_RemoteEmbedderWithoutKeyFails(t *testing.T) {
	t.Setenv("TEST_EMBED_KEY", "")
	cfg := testConfig(t)
	cfg.Embedder.Type = config.EmbedderOpenAI
	cfg.Embedder.OpenAI = &config.OpenAIEmbedderConfig{APIKeyEnv: "TEST_EMBED_KEY"}

	_, _, err := Build(cfg, logging.Discard())
	assert.ErrorIs(t, err, domain.ErrEmbedding)
}

func TestBuild_WithCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Enabled = true
	svc, closeFn, err := Build(cfg, logging.Discard())
	require.NoError(t, err)
	assert.NotNil(t, svc.deps.Cache)
	assert.NoError(t, closeFn())
}
