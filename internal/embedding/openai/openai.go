// Package openai implements the remote embedding backend against any
// OpenAI-compatible embeddings endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	openai "github.com/sashabaranov/go-openai"

	"docqa/internal/config"
	"docqa/internal/domain"
	"docqa/internal/embedding"
)

// modelDimensions lists the native output size of known embedding models.
var modelDimensions = map[string]int{
	string(openai.SmallEmbedding3): 1536,
	string(openai.LargeEmbedding3): 3072,
	string(openai.AdaEmbeddingV2):  1536,
}

// Client is an embeddings client implementing embedding.Embedder.
type Client struct {
	client     *openai.Client
	model      string
	dims       int // requested output size, 0 for the model default
	batchSize  int
	maxRetries int
	baseDelay  time.Duration
	logger     *log.Logger

	mu        sync.Mutex
	dimension int
}

var _ embedding.Embedder = (*Client)(nil)

// New creates a client. The API key is read from the environment variable
// named by cfg.APIKeyEnv; a missing key is an embedding error.
func New(cfg config.OpenAIEmbedderConfig, logger *log.Logger) (*Client, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, domain.Errorf(domain.KindEmbedding, "embed.openai", "missing API key in env %s", cfg.APIKeyEnv)
	}
	oc := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	oc.HTTPClient = &http.Client{Timeout: timeout}

	model := cfg.Model
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 32
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	c := &Client{
		client:     openai.NewClientWithConfig(oc),
		model:      model,
		dims:       cfg.Dimensions,
		batchSize:  batch,
		maxRetries: retries,
		baseDelay:  500 * time.Millisecond,
		logger:     logger.With("component", "embed.openai"),
	}
	if cfg.Dimensions > 0 {
		c.dimension = cfg.Dimensions
	} else {
		c.dimension = modelDimensions[model]
	}
	return c, nil
}

// Name returns the identifier of this embedder implementation.
func (c *Client) Name() string { return "openai:" + c.model }

// Dimension returns the dimensionality of the produced vectors. For unknown
// models it is 0 until the first successful call.
func (c *Client) Dimension() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dimension
}

// Embed returns one unit-length vector per text, batching requests.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(c.baseDelay, attempt)
			c.logger.Debug("retrying embeddings", "attempt", attempt+1, "delay", delay, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, domain.Wrap(domain.KindEmbedding, "embed.openai", ctx.Err())
			case <-time.After(delay):
			}
		}

		resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input:      batch,
			Model:      openai.EmbeddingModel(c.model),
			Dimensions: c.dims,
		})
		if err != nil {
			lastErr = err
			if !retryable(err) || ctx.Err() != nil {
				break
			}
			continue
		}
		vecs, err := c.collect(resp, len(batch))
		if err != nil {
			return nil, err
		}
		return vecs, nil
	}
	return nil, domain.Wrap(domain.KindEmbedding, "embed.openai", fmt.Errorf("after %d attempts: %w", c.maxRetries+1, lastErr))
}

// collect orders the response by input index and checks the dimension.
func (c *Client) collect(resp openai.EmbeddingResponse, want int) ([][]float32, error) {
	if len(resp.Data) != want {
		return nil, domain.Errorf(domain.KindEmbedding, "embed.openai", "expected %d embeddings, got %d", want, len(resp.Data))
	}
	data := append([]openai.Embedding(nil), resp.Data...)
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]float32, len(data))
	for i, d := range data {
		if len(d.Embedding) == 0 {
			return nil, domain.Errorf(domain.KindEmbedding, "embed.openai", "empty embedding at index %d", d.Index)
		}
		if c.dimension == 0 {
			c.dimension = len(d.Embedding)
		}
		if len(d.Embedding) != c.dimension {
			return nil, domain.Errorf(domain.KindEmbedding, "embed.openai", "dimension %d, expected %d", len(d.Embedding), c.dimension)
		}
		out[i] = embedding.Normalize(d.Embedding)
	}
	return out, nil
}

func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	// Transport failures carry no status.
	return true
}

// backoff doubles base each attempt, capped at 10s, with up to 25% jitter either way.
func backoff(base time.Duration, attempt int) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}
	if attempt > 20 {
		attempt = 20
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	if half := int64(d) / 2; half > 0 {
		d += time.Duration(rand.Int64N(half)) - d/4
	}
	return d
}
