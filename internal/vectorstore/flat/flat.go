// Package flat implements the local vector index: a brute-force inner
// product index persisted as a binary vector file plus a JSON side file.
package flat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/charmbracelet/log"

	"docqa/internal/domain"
	"docqa/internal/embedding"
)

const (
	indexMagic   = "DQFX"
	indexVersion = uint32(1)

	indexSuffix = ".index"
	metaSuffix  = ".meta.json"
)

var safeName = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

type metaFile struct {
	Embedder  string                    `json:"embedder"`
	Dimension int                       `json:"dimension"`
	IDs       []string                  `json:"ids"`
	Metadata  map[string]map[string]any `json:"metadata"`
}

// Index is one persisted collection. Rows follow insertion order; ids[i]
// names row i of vectors.
type Index struct {
	mu       sync.RWMutex
	dir      string
	name     string
	embedder string // embedder writing to this instance
	logger   *log.Logger

	stored  string // embedder recorded in the side file
	dim     int
	ids     []string
	rows    map[string]int
	vectors []float32
	meta    map[string]map[string]any
}

// Open loads the collection name from dir, or starts empty when neither file
// exists. The dimension of an empty index is fixed by its first Add.
func Open(dir, name, embedder string, logger *log.Logger) (*Index, error) {
	if !safeName.MatchString(name) {
		return nil, domain.Errorf(domain.KindIndex, "flat.open", "invalid collection name %q", name)
	}
	idx := &Index{
		dir:      dir,
		name:     name,
		embedder: embedder,
		logger:   logger.With("component", "flat", "collection", name),
		rows:     map[string]int{},
		meta:     map[string]map[string]any{},
	}
	if err := idx.load(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Collection returns the collection name.
func (x *Index) Collection() string { return x.name }

// Dimension returns the vector size, 0 while the index is empty.
func (x *Index) Dimension() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dim
}

// Len returns the number of stored rows.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ids)
}

func (x *Index) indexPath() string { return filepath.Join(x.dir, x.name+indexSuffix) }
func (x *Index) metaPath() string  { return filepath.Join(x.dir, x.name+metaSuffix) }

func (x *Index) load() error {
	_, idxErr := os.Stat(x.indexPath())
	_, metaErr := os.Stat(x.metaPath())
	switch {
	case errors.Is(idxErr, os.ErrNotExist) && errors.Is(metaErr, os.ErrNotExist):
		return nil
	case idxErr != nil:
		return domain.Wrap(domain.KindIndex, "flat.load", idxErr)
	case metaErr != nil:
		return domain.Wrap(domain.KindIndex, "flat.load", metaErr)
	}

	var mf metaFile
	data, err := os.ReadFile(x.metaPath())
	if err != nil {
		return domain.Wrap(domain.KindIndex, "flat.load", err)
	}
	if err := json.Unmarshal(data, &mf); err != nil {
		return domain.Wrap(domain.KindIndex, "flat.load", fmt.Errorf("metadata file: %w", err))
	}
	dim, vectors, err := readIndex(x.indexPath())
	if err != nil {
		return err
	}
	rowCount := 0
	if dim > 0 {
		rowCount = len(vectors) / dim
	}
	if rowCount != len(mf.IDs) {
		return domain.Errorf(domain.KindIndex, "flat.load", "index has %d rows but metadata lists %d ids", rowCount, len(mf.IDs))
	}
	if len(mf.IDs) > 0 && dim != mf.Dimension {
		return domain.Errorf(domain.KindIndex, "flat.load", "index dimension %d, metadata dimension %d", dim, mf.Dimension)
	}
	rows := make(map[string]int, len(mf.IDs))
	for i, id := range mf.IDs {
		if _, dup := rows[id]; dup {
			return domain.Errorf(domain.KindIndex, "flat.load", "duplicate id %s", id)
		}
		rows[id] = i
	}
	if mf.Metadata == nil {
		mf.Metadata = map[string]map[string]any{}
	}
	for _, m := range mf.Metadata {
		domain.NormalizeMetadata(m)
	}

	x.dim = mf.Dimension
	x.ids = mf.IDs
	x.rows = rows
	x.vectors = vectors
	x.meta = mf.Metadata
	x.stored = mf.Embedder
	if x.mismatchedEmbedder() {
		x.logger.Warn("collection built by another embedder", "stored", x.stored, "current", x.embedder)
	}
	x.logger.Debug("loaded collection", "rows", len(x.ids), "dimension", x.dim)
	return nil
}

func (x *Index) mismatchedEmbedder() bool {
	return x.stored != "" && x.embedder != "" && x.stored != x.embedder && len(x.ids) > 0
}

func readIndex(path string) (int, []float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, domain.Wrap(domain.KindIndex, "flat.load", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	magic := make([]byte, len(indexMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return 0, nil, domain.Wrap(domain.KindIndex, "flat.load", fmt.Errorf("index header: %w", err))
	}
	if string(magic) != indexMagic {
		return 0, nil, domain.Errorf(domain.KindIndex, "flat.load", "bad index magic %q", magic)
	}
	var header struct {
		Version   uint32
		Dimension uint32
		Count     uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return 0, nil, domain.Wrap(domain.KindIndex, "flat.load", fmt.Errorf("index header: %w", err))
	}
	if header.Version != indexVersion {
		return 0, nil, domain.Errorf(domain.KindIndex, "flat.load", "unsupported index version %d", header.Version)
	}
	total := uint64(header.Dimension) * uint64(header.Count)
	const headerSize = 16
	if info, err := f.Stat(); err == nil && total*4 > uint64(info.Size())-headerSize {
		return 0, nil, domain.Errorf(domain.KindIndex, "flat.load", "index truncated: want %d rows of %d", header.Count, header.Dimension)
	}
	vectors := make([]float32, total)
	if err := binary.Read(r, binary.LittleEndian, vectors); err != nil {
		return 0, nil, domain.Wrap(domain.KindIndex, "flat.load", fmt.Errorf("index rows: %w", err))
	}
	return int(header.Dimension), vectors, nil
}

// Add stores the entries and persists both files before returning.
// An id already present has its vector and metadata replaced. Rows of a
// document named in the batch that the batch no longer contains are dropped.
func (x *Index) Add(ctx context.Context, ids []string, vectors [][]float32, metadatas []map[string]any) error {
	if err := domain.ValidateEntries("flat.add", ids, vectors, metadatas); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return domain.Wrap(domain.KindIndex, "flat.add", err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.mismatchedEmbedder() {
		return domain.Errorf(domain.KindIndex, "flat.add", "collection built by %s, refusing vectors from %s", x.stored, x.embedder)
	}
	dim := x.dim
	if len(x.ids) == 0 {
		dim = len(vectors[0])
	}
	if len(vectors[0]) != dim {
		return domain.Errorf(domain.KindIndex, "flat.add", "vector dimension %d, collection dimension %d", len(vectors[0]), dim)
	}

	batch := make(map[string]int, len(ids))
	docs := map[string]struct{}{}
	for i, id := range ids {
		batch[id] = i
		if metadatas != nil {
			if d, ok := metadatas[i][domain.MetaDocID].(string); ok && d != "" {
				docs[d] = struct{}{}
			}
		}
	}
	entryMeta := func(i int) map[string]any {
		if metadatas == nil {
			return domain.CopyMetadata(nil)
		}
		return domain.CopyMetadata(metadatas[i])
	}

	// Build the next state on copies so a failed flush leaves the in-memory state untouched.
	newIDs := make([]string, 0, len(x.ids)+len(ids))
	newRows := make(map[string]int, len(x.rows)+len(ids))
	newVectors := make([]float32, 0, len(x.vectors)+len(ids)*dim)
	newMeta := make(map[string]map[string]any, len(x.meta)+len(ids))
	replaced, removed := 0, 0
	for row, id := range x.ids {
		if i, ok := batch[id]; ok {
			newRows[id] = len(newIDs)
			newIDs = append(newIDs, id)
			newVectors = append(newVectors, vectors[i]...)
			newMeta[id] = entryMeta(i)
			replaced++
			continue
		}
		// Rows of a re-indexed document that the new version does not contain are stale.
		if d, ok := x.meta[id][domain.MetaDocID].(string); ok {
			if _, stale := docs[d]; stale {
				removed++
				continue
			}
		}
		newRows[id] = len(newIDs)
		newIDs = append(newIDs, id)
		newVectors = append(newVectors, x.vectors[row*dim:(row+1)*dim]...)
		newMeta[id] = x.meta[id]
	}
	for i, id := range ids {
		if _, ok := newRows[id]; ok {
			continue
		}
		newRows[id] = len(newIDs)
		newIDs = append(newIDs, id)
		newVectors = append(newVectors, vectors[i]...)
		newMeta[id] = entryMeta(i)
	}

	embedderName := x.embedder
	if embedderName == "" {
		embedderName = x.stored
	}
	if err := x.persist(embedderName, dim, newIDs, newVectors, newMeta); err != nil {
		return err
	}

	x.stored = embedderName
	x.dim = dim
	x.ids = newIDs
	x.rows = newRows
	x.vectors = newVectors
	x.meta = newMeta
	x.logger.Debug("added entries", "added", len(ids)-replaced, "replaced", replaced, "removed", removed, "rows", len(x.ids))
	return nil
}

func (x *Index) persist(embedderName string, dim int, ids []string, vectors []float32, meta map[string]map[string]any) error {
	if err := os.MkdirAll(x.dir, 0o755); err != nil {
		return domain.Wrap(domain.KindIndex, "flat.persist", err)
	}

	var buf bytes.Buffer
	buf.WriteString(indexMagic)
	header := []uint32{indexVersion, uint32(dim), uint32(len(ids))}
	if err := binary.Write(&buf, binary.LittleEndian, header); err != nil {
		return domain.Wrap(domain.KindIndex, "flat.persist", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, vectors); err != nil {
		return domain.Wrap(domain.KindIndex, "flat.persist", err)
	}
	metaJSON, err := json.Marshal(metaFile{Embedder: embedderName, Dimension: dim, IDs: ids, Metadata: meta})
	if err != nil {
		return domain.Wrap(domain.KindIndex, "flat.persist", err)
	}

	if err := writeAtomic(x.indexPath(), buf.Bytes()); err != nil {
		return err
	}
	return writeAtomic(x.metaPath(), metaJSON)
}

// writeAtomic writes data to a temp file in the same directory and renames it over path.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return domain.Wrap(domain.KindIndex, "flat.persist", err)
	}
	name := tmp.Name()
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(name)
		return domain.Wrap(domain.KindIndex, "flat.persist", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return domain.Wrap(domain.KindIndex, "flat.persist", err)
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return domain.Wrap(domain.KindIndex, "flat.persist", err)
	}
	return nil
}

// Search scores every row against vector and returns the topK best.
func (x *Index) Search(ctx context.Context, vector []float32, topK int) ([]domain.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.Wrap(domain.KindIndex, "flat.search", err)
	}
	if topK <= 0 {
		topK = domain.DefaultTopK
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if len(x.ids) == 0 {
		return []domain.SearchResult{}, nil
	}
	if len(vector) != x.dim {
		return nil, domain.Errorf(domain.KindIndex, "flat.search", "query dimension %d, collection dimension %d", len(vector), x.dim)
	}

	rowCount := len(x.vectors) / x.dim
	scores := make([]float64, rowCount)
	order := make([]int, rowCount)
	for i := 0; i < rowCount; i++ {
		scores[i] = embedding.Dot(x.vectors[i*x.dim:(i+1)*x.dim], vector)
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	results := make([]domain.SearchResult, 0, topK)
	for _, row := range order {
		if len(results) == topK {
			break
		}
		if row < 0 || row >= len(x.ids) {
			continue
		}
		score := scores[row]
		if math.IsNaN(score) {
			continue
		}
		id := x.ids[row]
		results = append(results, domain.SearchResult{ID: id, Score: score, Metadata: domain.CopyMetadata(x.meta[id])})
	}
	return results, nil
}

// HasAll reports whether every id is stored, with a matching content hash
// when hashes is given. It is false for a collection written by a different
// embedder, so callers re-embed and hit the mismatch on Add.
func (x *Index) HasAll(_ context.Context, ids, hashes []string) (bool, error) {
	if hashes != nil && len(hashes) != len(ids) {
		return false, domain.Errorf(domain.KindIndex, "flat.has", "%d ids but %d hashes", len(ids), len(hashes))
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.mismatchedEmbedder() {
		return false, nil
	}
	for i, id := range ids {
		if _, ok := x.rows[id]; !ok {
			return false, nil
		}
		if hashes != nil {
			if stored, _ := x.meta[id][domain.MetaContentHash].(string); stored != hashes[i] {
				return false, nil
			}
		}
	}
	return len(ids) > 0, nil
}
