package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Backend identifiers accepted in configuration files and env overrides.
const (
	EmbedderLocal  = "local"
	EmbedderOpenAI = "openai"

	VectorLocal  = "local"
	VectorQdrant = "qdrant"

	ReasonerHeuristic = "heuristic"
	ReasonerOpenAI    = "openai"

	OnErrorAbort = "abort"
	OnErrorSkip  = "skip"
)

// ServerConfig configures the HTTP entry point.
type ServerConfig struct {
	Addr           string  `yaml:"addr" toml:"addr"`
	APIPrefix      string  `yaml:"api_prefix" toml:"api_prefix"`
	BearerTokenEnv string  `yaml:"bearer_token_env" toml:"bearer_token_env"`
	BearerToken    string  `yaml:"bearer_token,omitempty" toml:"bearer_token,omitempty"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps" toml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst" toml:"rate_limit_burst"`
	TimeoutSecs    int     `yaml:"timeout_secs" toml:"timeout_secs"`
}

// FetcherConfig configures document retrieval.
type FetcherConfig struct {
	TimeoutSecs int   `yaml:"timeout_secs" toml:"timeout_secs"`
	MaxBytes    int64 `yaml:"max_bytes" toml:"max_bytes"`
}

// ParserConfig configures format-specific parsing.
type ParserConfig struct {
	DocxSegmentChars int `yaml:"docx_segment_chars" toml:"docx_segment_chars"`
}

// ChunkerConfig configures how segments are split into windows.
type ChunkerConfig struct {
	ChunkSize int `yaml:"chunk_size" toml:"chunk_size"`
	Overlap   int `yaml:"overlap" toml:"overlap"`
}

// LocalEmbedderConfig configures the in-process embedding model.
type LocalEmbedderConfig struct {
	Dimension int `yaml:"dimension" toml:"dimension"`
}

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL     string `yaml:"base_url" toml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env" toml:"api_key_env"`
	Model       string `yaml:"model" toml:"model"`
	Dimensions  int    `yaml:"dimensions" toml:"dimensions"`
	TimeoutSecs int    `yaml:"timeout_secs" toml:"timeout_secs"`
	BatchSize   int    `yaml:"batch_size" toml:"batch_size"`
	MaxRetries  int    `yaml:"max_retries" toml:"max_retries"`
}

// EmbedderConfig selects and configures the text embedder implementation.
type EmbedderConfig struct {
	Type   string                `yaml:"type" toml:"type"`
	Local  LocalEmbedderConfig   `yaml:"local" toml:"local"`
	OpenAI *OpenAIEmbedderConfig `yaml:"openai,omitempty" toml:"openai,omitempty"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	URL              string `yaml:"url" toml:"url"`
	APIKey           string `yaml:"api_key,omitempty" toml:"api_key,omitempty"`
	APIKeyEnv        string `yaml:"api_key_env" toml:"api_key_env"`
	CollectionPrefix string `yaml:"collection_prefix" toml:"collection_prefix"`
	TimeoutSecs      int    `yaml:"timeout_secs" toml:"timeout_secs"`
	BatchSize        int    `yaml:"batch_size" toml:"batch_size"`
}

// HasCredentials reports whether a remote store can be constructed.
func (q *QdrantConfig) HasCredentials() bool {
	return q != nil && strings.TrimSpace(q.URL) != "" && strings.TrimSpace(q.APIKey) != ""
}

// VectorStoreConfig selects and configures the vector store implementation.
type VectorStoreConfig struct {
	Type       string        `yaml:"type" toml:"type"`
	StorageDir string        `yaml:"storage_dir" toml:"storage_dir"`
	Qdrant     *QdrantConfig `yaml:"qdrant,omitempty" toml:"qdrant,omitempty"`
}

// RetrievalConfig configures the threshold and fallback policy.
type RetrievalConfig struct {
	TopK                int     `yaml:"top_k" toml:"top_k"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" toml:"similarity_threshold"`
	MaxContextChars     int     `yaml:"max_context_chars" toml:"max_context_chars"`
	FallbackK           int     `yaml:"fallback_k" toml:"fallback_k"`
}

// OpenAIReasonerConfig configures the chat-completion reasoner.
type OpenAIReasonerConfig struct {
	BaseURL     string  `yaml:"base_url" toml:"base_url"`
	APIKeyEnv   string  `yaml:"api_key_env" toml:"api_key_env"`
	Model       string  `yaml:"model" toml:"model"`
	Temperature float32 `yaml:"temperature" toml:"temperature"`
	TimeoutSecs int     `yaml:"timeout_secs" toml:"timeout_secs"`
}

// ReasonerConfig selects the language-model collaborator.
type ReasonerConfig struct {
	Type   string                `yaml:"type" toml:"type"`
	OpenAI *OpenAIReasonerConfig `yaml:"openai,omitempty" toml:"openai,omitempty"`
}

// IngestConfig configures batch ingestion.
type IngestConfig struct {
	OnError     string `yaml:"on_error" toml:"on_error"`
	Concurrency int    `yaml:"concurrency" toml:"concurrency"`
}

// CacheConfig configures the parsed-chunk cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
	TTLSecs int    `yaml:"ttl_secs" toml:"ttl_secs"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Fetcher     FetcherConfig     `yaml:"fetcher" toml:"fetcher"`
	Parser      ParserConfig      `yaml:"parser" toml:"parser"`
	Chunker     ChunkerConfig     `yaml:"chunker" toml:"chunker"`
	Embedder    EmbedderConfig    `yaml:"embedder" toml:"embedder"`
	VectorStore VectorStoreConfig `yaml:"vector_store" toml:"vector_store"`
	Retrieval   RetrievalConfig   `yaml:"retrieval" toml:"retrieval"`
	Reasoner    ReasonerConfig    `yaml:"reasoner" toml:"reasoner"`
	Ingest      IngestConfig      `yaml:"ingest" toml:"ingest"`
	Cache       CacheConfig       `yaml:"cache" toml:"cache"`
	Log         LogConfig         `yaml:"log" toml:"log"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
// Files ending in .toml are parsed as TOML, everything else as YAML.
func Load(path string) (*AppConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	} else {
		if isTOML(path) {
			err = toml.Unmarshal(data, cfg)
		} else {
			err = yaml.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault tries ./docqa.yaml first, then ~/.config/docqa/config.yaml.
// If neither exists, it writes defaults to ~/.config/docqa/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	for _, p := range []string{"docqa.yaml", "docqa.toml"} {
		if _, err := os.Stat(p); err == nil {
			cfg, err := Load(p)
			return cfg, p, err
		}
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	if err := Save(userPath, Default()); err != nil {
		return nil, "", err
	}
	cfg, err := Load(userPath)
	return cfg, userPath, err
}

// Save writes the config to the given path, creating directories as needed.
// Secrets resolved from the environment are not written.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out := *cfg
	out.Server.BearerToken = ""
	if cfg.VectorStore.Qdrant != nil {
		q := *cfg.VectorStore.Qdrant
		q.APIKey = ""
		out.VectorStore.Qdrant = &q
	}
	var (
		data []byte
		err  error
	)
	if isTOML(path) {
		data, err = toml.Marshal(&out)
	} else {
		data, err = yaml.Marshal(&out)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate rejects configurations the pipeline cannot run with.
func (c *AppConfig) Validate() error {
	if c.Chunker.ChunkSize <= 0 {
		return fmt.Errorf("chunker.chunk_size must be positive, got %d", c.Chunker.ChunkSize)
	}
	if c.Chunker.Overlap < 0 || c.Chunker.Overlap >= c.Chunker.ChunkSize {
		return fmt.Errorf("chunker.overlap must be in [0, %d), got %d", c.Chunker.ChunkSize, c.Chunker.Overlap)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.SimilarityThreshold < -1 || c.Retrieval.SimilarityThreshold > 1 {
		return fmt.Errorf("retrieval.similarity_threshold must be in [-1, 1], got %f", c.Retrieval.SimilarityThreshold)
	}
	if c.Retrieval.MaxContextChars <= 0 {
		return fmt.Errorf("retrieval.max_context_chars must be positive, got %d", c.Retrieval.MaxContextChars)
	}
	switch c.Embedder.Type {
	case EmbedderLocal, EmbedderOpenAI:
	default:
		return fmt.Errorf("unknown embedder: %s", c.Embedder.Type)
	}
	switch c.VectorStore.Type {
	case VectorLocal, VectorQdrant:
	default:
		return fmt.Errorf("unknown vector store: %s", c.VectorStore.Type)
	}
	switch c.Reasoner.Type {
	case ReasonerHeuristic, ReasonerOpenAI:
	default:
		return fmt.Errorf("unknown reasoner: %s", c.Reasoner.Type)
	}
	switch c.Ingest.OnError {
	case OnErrorAbort, OnErrorSkip:
	default:
		return fmt.Errorf("unknown ingest.on_error policy: %s", c.Ingest.OnError)
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "docqa", "config.yaml"), nil
}

// Default returns the built-in configuration.
func Default() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Addr:           ":8000",
			APIPrefix:      "/api/v1",
			BearerTokenEnv: "ALLOWED_BEARER_TOKEN",
			TimeoutSecs:    300,
		},
		Fetcher:  FetcherConfig{TimeoutSecs: 45, MaxBytes: 50 << 20},
		Parser:   ParserConfig{DocxSegmentChars: 1500},
		Chunker:  ChunkerConfig{ChunkSize: 1200, Overlap: 150},
		Embedder: EmbedderConfig{Type: EmbedderLocal, Local: LocalEmbedderConfig{Dimension: 384}},
		VectorStore: VectorStoreConfig{
			Type:       VectorLocal,
			StorageDir: "./storage",
		},
		Retrieval: RetrievalConfig{
			TopK:                5,
			SimilarityThreshold: 0.65,
			MaxContextChars:     1200,
			FallbackK:           2,
		},
		Reasoner: ReasonerConfig{Type: ReasonerHeuristic},
		Ingest:   IngestConfig{OnError: OnErrorAbort, Concurrency: 4},
		Cache:    CacheConfig{Path: "./storage/cache.db", TTLSecs: 86400},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

func applyConfigDefaults(cfg *AppConfig) {
	def := Default()
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = def.Server.Addr
	}
	if cfg.Server.APIPrefix == "" {
		cfg.Server.APIPrefix = def.Server.APIPrefix
	}
	if cfg.Server.BearerTokenEnv == "" {
		cfg.Server.BearerTokenEnv = def.Server.BearerTokenEnv
	}
	if cfg.Server.BearerToken == "" {
		cfg.Server.BearerToken = os.Getenv(cfg.Server.BearerTokenEnv)
	}
	if cfg.Fetcher.TimeoutSecs == 0 {
		cfg.Fetcher.TimeoutSecs = def.Fetcher.TimeoutSecs
	}
	if cfg.Fetcher.MaxBytes == 0 {
		cfg.Fetcher.MaxBytes = def.Fetcher.MaxBytes
	}
	if cfg.Parser.DocxSegmentChars == 0 {
		cfg.Parser.DocxSegmentChars = def.Parser.DocxSegmentChars
	}
	if cfg.Chunker.ChunkSize == 0 {
		cfg.Chunker.ChunkSize = def.Chunker.ChunkSize
	}
	if cfg.Embedder.Type == "" {
		cfg.Embedder.Type = EmbedderLocal
	}
	if cfg.Embedder.Local.Dimension == 0 {
		cfg.Embedder.Local.Dimension = def.Embedder.Local.Dimension
	}
	if cfg.Embedder.Type == EmbedderOpenAI && cfg.Embedder.OpenAI == nil {
		cfg.Embedder.OpenAI = &OpenAIEmbedderConfig{}
	}
	if o := cfg.Embedder.OpenAI; o != nil {
		if o.BaseURL == "" {
			o.BaseURL = "https://api.openai.com/v1"
		}
		if o.APIKeyEnv == "" {
			o.APIKeyEnv = "OPENAI_API_KEY"
		}
		if o.Model == "" {
			o.Model = "text-embedding-3-small"
		}
		if o.TimeoutSecs == 0 {
			o.TimeoutSecs = 30
		}
		if o.BatchSize == 0 {
			o.BatchSize = 32
		}
		if o.MaxRetries == 0 {
			o.MaxRetries = 3
		}
	}
	if cfg.VectorStore.Type == "" {
		cfg.VectorStore.Type = VectorLocal
	}
	if cfg.VectorStore.StorageDir == "" {
		cfg.VectorStore.StorageDir = def.VectorStore.StorageDir
	}
	if q := cfg.VectorStore.Qdrant; q != nil {
		if q.APIKeyEnv == "" {
			q.APIKeyEnv = "QDRANT_API_KEY"
		}
		if q.APIKey == "" {
			q.APIKey = os.Getenv(q.APIKeyEnv)
		}
		if q.CollectionPrefix == "" {
			q.CollectionPrefix = "docqa_"
		}
		if q.TimeoutSecs == 0 {
			q.TimeoutSecs = 15
		}
		if q.BatchSize == 0 {
			q.BatchSize = 100
		}
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = def.Retrieval.TopK
	}
	if cfg.Retrieval.MaxContextChars == 0 {
		cfg.Retrieval.MaxContextChars = def.Retrieval.MaxContextChars
	}
	if cfg.Retrieval.FallbackK == 0 {
		cfg.Retrieval.FallbackK = def.Retrieval.FallbackK
	}
	if cfg.Reasoner.Type == "" {
		cfg.Reasoner.Type = ReasonerHeuristic
	}
	if cfg.Reasoner.Type == ReasonerOpenAI && cfg.Reasoner.OpenAI == nil {
		cfg.Reasoner.OpenAI = &OpenAIReasonerConfig{}
	}
	if o := cfg.Reasoner.OpenAI; o != nil {
		if o.BaseURL == "" {
			o.BaseURL = "https://api.openai.com/v1"
		}
		if o.APIKeyEnv == "" {
			o.APIKeyEnv = "OPENAI_API_KEY"
		}
		if o.Model == "" {
			o.Model = "gpt-4o-mini"
		}
		if o.Temperature == 0 {
			o.Temperature = 0.2
		}
		if o.TimeoutSecs == 0 {
			o.TimeoutSecs = 60
		}
	}
	if cfg.Ingest.OnError == "" {
		cfg.Ingest.OnError = OnErrorAbort
	}
	if cfg.Ingest.Concurrency <= 0 {
		cfg.Ingest.Concurrency = def.Ingest.Concurrency
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = filepath.Join(cfg.VectorStore.StorageDir, "cache.db")
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
}

// applyEnvOverrides lets the environment win over file values.
func applyEnvOverrides(cfg *AppConfig) {
	if v := os.Getenv("VECTOR_MODE"); v != "" {
		cfg.VectorStore.Type = normalizeVectorMode(v)
	}
	if v := os.Getenv("EMBEDDER"); v != "" {
		cfg.Embedder.Type = normalizeEmbedder(v)
	}
	if v := os.Getenv("STORAGE_DIR"); v != "" {
		cfg.VectorStore.StorageDir = v
	}
	if v := os.Getenv("QDRANT_URL"); v != "" {
		if cfg.VectorStore.Qdrant == nil {
			cfg.VectorStore.Qdrant = &QdrantConfig{}
		}
		cfg.VectorStore.Qdrant.URL = v
	}
	if os.Getenv("QDRANT_API_KEY") != "" && cfg.VectorStore.Qdrant == nil {
		cfg.VectorStore.Qdrant = &QdrantConfig{}
	}
	if v := os.Getenv("OPENAI_CHAT_MODEL"); v != "" {
		if cfg.Reasoner.OpenAI == nil {
			cfg.Reasoner.OpenAI = &OpenAIReasonerConfig{}
		}
		cfg.Reasoner.OpenAI.Model = v
	}
	if v := os.Getenv("REASONER"); v != "" {
		cfg.Reasoner.Type = strings.ToLower(v)
	}
	cfg.Retrieval.TopK = getEnvInt("TOP_K", cfg.Retrieval.TopK)
	cfg.Retrieval.SimilarityThreshold = getEnvFloat("SIMILARITY_THRESHOLD", cfg.Retrieval.SimilarityThreshold)
	cfg.Retrieval.MaxContextChars = getEnvInt("MAX_CONTEXT_CHARS", cfg.Retrieval.MaxContextChars)
	if v := os.Getenv("DOCQA_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// normalizeVectorMode maps source-system names onto backend identifiers.
func normalizeVectorMode(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "local", "flat", "faiss":
		return VectorLocal
	case "qdrant", "remote", "pinecone":
		return VectorQdrant
	default:
		return strings.ToLower(v)
	}
}

func normalizeEmbedder(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "local", "sentence", "hashing":
		return EmbedderLocal
	default:
		return strings.ToLower(v)
	}
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
