// Package cache stores parsed document chunks in SQLite keyed by document
// fingerprint, so a recently ingested URL is not fetched again.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"docqa/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS doc_chunks (
	doc_id     TEXT PRIMARY KEY,
	source_url TEXT NOT NULL,
	chunks     TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_doc_chunks_created ON doc_chunks(created_at);
`

// Cache is a TTL-bounded chunk cache.
type Cache struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// Open opens or creates the cache database at path. A non-positive ttl keeps entries forever.
func Open(path string, ttl time.Duration) (*Cache, error) {
	if path == "" {
		return nil, errors.New("cache path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate cache: %w", err)
	}
	return &Cache{db: db, ttl: ttl, now: time.Now}, nil
}

// Close releases the database.
func (c *Cache) Close() error { return c.db.Close() }

// Get returns the cached chunks for docID. Expired entries are misses.
func (c *Cache) Get(ctx context.Context, docID string) ([]domain.Chunk, bool, error) {
	var (
		payload string
		created int64
	)
	err := c.db.QueryRowContext(ctx, `SELECT chunks, created_at FROM doc_chunks WHERE doc_id = ?`, docID).Scan(&payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", docID, err)
	}
	if c.expired(created) {
		return nil, false, nil
	}
	var chunks []domain.Chunk
	if err := json.Unmarshal([]byte(payload), &chunks); err != nil {
		return nil, false, fmt.Errorf("cache decode %s: %w", docID, err)
	}
	for i := range chunks {
		domain.NormalizeMetadata(chunks[i].Metadata)
	}
	return chunks, true, nil
}

// Put replaces the cached chunks for docID.
func (c *Cache) Put(ctx context.Context, docID, sourceURL string, chunks []domain.Chunk) error {
	payload, err := json.Marshal(chunks)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", docID, err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO doc_chunks (doc_id, source_url, chunks, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET source_url = excluded.source_url, chunks = excluded.chunks, created_at = excluded.created_at`,
		docID, sourceURL, string(payload), c.now().Unix())
	if err != nil {
		return fmt.Errorf("cache put %s: %w", docID, err)
	}
	return nil
}

// PurgeExpired deletes expired entries and returns how many were removed.
func (c *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	if c.ttl <= 0 {
		return 0, nil
	}
	cutoff := c.now().Add(-c.ttl).Unix()
	res, err := c.db.ExecContext(ctx, `DELETE FROM doc_chunks WHERE created_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	return res.RowsAffected()
}

func (c *Cache) expired(created int64) bool {
	if c.ttl <= 0 {
		return false
	}
	return c.now().Sub(time.Unix(created, 0)) >= c.ttl
}
