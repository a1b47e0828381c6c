package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"docqa/internal/config"
	"docqa/internal/domain"
)

// payloadChunkID is the payload key carrying the external chunk id.
const payloadChunkID = "chunk_id"

// Storage is a minimal REST client to Qdrant serving one collection.
// It assumes cosine distance and creates the collection on first Add.
type Storage struct {
	url        string
	apiKey     string
	name       string
	collection string
	batchSize  int
	client     *http.Client
	logger     *log.Logger

	mu      sync.Mutex
	created bool
}

// NewStorage creates a client for collection name. Missing URL or API key is
// reported as domain.ErrStoreUnavailable.
func NewStorage(cfg *config.QdrantConfig, name string, logger *log.Logger) (*Storage, error) {
	if !cfg.HasCredentials() {
		return nil, domain.Errorf(domain.KindStoreUnavailable, "qdrant.new", "qdrant url and api key are required")
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	collection := cfg.CollectionPrefix + name
	return &Storage{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		name:       name,
		collection: collection,
		batchSize:  batch,
		client:     &http.Client{Timeout: timeout},
		logger:     logger.With("component", "qdrant", "collection", collection),
	}, nil
}

// Collection returns the collection fingerprint this instance serves.
func (s *Storage) Collection() string { return s.name }

// PointID maps a chunk id to the deterministic UUID used as the Qdrant point id.
func PointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("docqa:"+chunkID)).String()
}

func (s *Storage) collectionURL(suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", s.url, url.PathEscape(s.collection), suffix)
}

// ensureCollection creates the collection with the given dimension unless it exists.
func (s *Storage) ensureCollection(ctx context.Context, dimension int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created {
		return nil
	}
	status, err := s.doJSON(ctx, http.MethodGet, s.collectionURL(""), nil, nil)
	if err != nil && status != http.StatusNotFound {
		return err
	}
	if status == http.StatusNotFound {
		body := map[string]any{
			"vectors": map[string]any{
				"size":     dimension,
				"distance": "Cosine",
			},
		}
		if _, err := s.doJSON(ctx, http.MethodPut, s.collectionURL(""), body, nil); err != nil {
			return err
		}
		s.logger.Info("created collection", "dimension", dimension)
	}
	s.created = true
	return nil
}

// Add upserts the entries in batches under deterministic point ids.
func (s *Storage) Add(ctx context.Context, ids []string, vectors [][]float32, metadatas []map[string]any) error {
	if err := domain.ValidateEntries("qdrant.add", ids, vectors, metadatas); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.ensureCollection(ctx, len(vectors[0])); err != nil {
		return err
	}
	for start := 0; start < len(ids); start += s.batchSize {
		end := start + s.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		points := make([]map[string]any, 0, end-start)
		for i := start; i < end; i++ {
			var m map[string]any
			if metadatas != nil {
				m = metadatas[i]
			}
			payload := domain.CopyMetadata(m)
			payload[payloadChunkID] = ids[i]
			points = append(points, map[string]any{
				"id":      PointID(ids[i]),
				"vector":  vectors[i],
				"payload": payload,
			})
		}
		body := map[string]any{"points": points}
		if _, err := s.doJSON(ctx, http.MethodPut, s.collectionURL("/points?wait=true"), body, nil); err != nil {
			return err
		}
	}
	if err := s.deleteStale(ctx, ids, metadatas); err != nil {
		return err
	}
	s.logger.Debug("upserted points", "count", len(ids))
	return nil
}

// deleteStale removes points of every document named in the batch whose ids
// the batch does not contain.
func (s *Storage) deleteStale(ctx context.Context, ids []string, metadatas []map[string]any) error {
	if metadatas == nil {
		return nil
	}
	keep := map[string][]string{}
	var docs []string
	for i, id := range ids {
		d, ok := metadatas[i][domain.MetaDocID].(string)
		if !ok || d == "" {
			continue
		}
		if _, seen := keep[d]; !seen {
			docs = append(docs, d)
		}
		keep[d] = append(keep[d], PointID(id))
	}
	for _, d := range docs {
		body := map[string]any{
			"filter": map[string]any{
				"must":     []any{map[string]any{"key": domain.MetaDocID, "match": map[string]any{"value": d}}},
				"must_not": []any{map[string]any{"has_id": keep[d]}},
			},
		}
		if _, err := s.doJSON(ctx, http.MethodPost, s.collectionURL("/points/delete?wait=true"), body, nil); err != nil {
			return err
		}
	}
	return nil
}

// Search returns the topK nearest points. A missing collection yields no results.
func (s *Storage) Search(ctx context.Context, vector []float32, topK int) ([]domain.SearchResult, error) {
	if topK <= 0 {
		topK = domain.DefaultTopK
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	var resp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	status, err := s.doJSON(ctx, http.MethodPost, s.collectionURL("/points/search"), req, &resp)
	if status == http.StatusNotFound {
		return []domain.SearchResult{}, nil
	}
	if err != nil {
		return nil, err
	}
	results := make([]domain.SearchResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		id, _ := r.Payload[payloadChunkID].(string)
		if id == "" {
			continue
		}
		meta := domain.NormalizeMetadata(domain.CopyMetadata(r.Payload))
		delete(meta, payloadChunkID)
		results = append(results, domain.SearchResult{ID: id, Score: r.Score, Metadata: meta})
	}
	return results, nil
}

// HasAll retrieves the points by id and reports whether all of them exist,
// comparing the stored content hash when hashes is given.
func (s *Storage) HasAll(ctx context.Context, ids, hashes []string) (bool, error) {
	if len(ids) == 0 {
		return false, nil
	}
	if hashes != nil && len(hashes) != len(ids) {
		return false, domain.Errorf(domain.KindIndex, "qdrant.has", "%d ids but %d hashes", len(ids), len(hashes))
	}
	pointIDs := make([]string, len(ids))
	for i, id := range ids {
		pointIDs[i] = PointID(id)
	}
	req := map[string]any{
		"ids":          pointIDs,
		"with_payload": hashes != nil,
		"with_vector":  false,
	}
	var resp struct {
		Result []struct {
			ID      any            `json:"id"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	status, err := s.doJSON(ctx, http.MethodPost, s.collectionURL("/points"), req, &resp)
	if status == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(resp.Result) != len(ids) {
		return false, nil
	}
	if hashes == nil {
		return true, nil
	}
	stored := make(map[string]string, len(resp.Result))
	for _, r := range resp.Result {
		id, _ := r.Payload[payloadChunkID].(string)
		h, _ := r.Payload[domain.MetaContentHash].(string)
		stored[id] = h
	}
	for i, id := range ids {
		if h, ok := stored[id]; !ok || h != hashes[i] {
			return false, nil
		}
	}
	return true, nil
}

// doJSON sends body as JSON and decodes a successful response into out.
// The HTTP status is returned whenever a response was received.
func (s *Storage) doJSON(ctx context.Context, method, endpoint string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, domain.Wrap(domain.KindIndex, "qdrant", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, domain.Wrap(domain.KindIndex, "qdrant", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("api-key", s.apiKey)
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, domain.Wrap(domain.KindIndex, "qdrant", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, domain.Errorf(domain.KindIndex, "qdrant", "%s %s failed: %s: %s", method, req.URL.Path, resp.Status, strings.TrimSpace(string(snippet)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, domain.Wrap(domain.KindIndex, "qdrant", fmt.Errorf("decode response: %w", err))
		}
	}
	return resp.StatusCode, nil
}
