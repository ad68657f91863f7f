package embedding

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/carbocation/pfx"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// CacheKey identifies one embedding. Changing the model or the image
// content changes the key, so stale vectors are never returned.
type CacheKey struct {
	Model       string
	ID          string
	Fingerprint string
}

// Cache stores embeddings across index builds.
type Cache interface {
	Get(key CacheKey) ([]float64, bool)
	Put(key CacheKey, vec []float64) error
}

// CacheStats counts cache lookups.
type CacheStats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// MemoryCache is a size-bounded, thread-safe LRU of embeddings.
type MemoryCache struct {
	cache  *lru.Cache[CacheKey, []float64]
	mu     sync.Mutex
	hits   uint64
	misses uint64
}

// NewMemoryCache holds at most size embeddings.
func NewMemoryCache(size int) (*MemoryCache, error) {
	cache, err := lru.New[CacheKey, []float64](size)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{cache: cache}, nil
}

func (c *MemoryCache) Get(key CacheKey) ([]float64, bool) {
	vec, ok := c.cache.Get(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return append([]float64(nil), vec...), true
}

func (c *MemoryCache) Put(key CacheKey, vec []float64) error {
	c.cache.Add(key, append([]float64(nil), vec...))
	return nil
}

// Stats returns the hit and miss counters.
func (c *MemoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Size: c.cache.Len()}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS embeddings (
	model TEXT NOT NULL,
	sample_id TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	vector BLOB NOT NULL,
	PRIMARY KEY (model, sample_id, fingerprint)
)`

// SQLiteCache persists embeddings in a SQLite file so that repeated runs
// over the same reference set skip the model.
type SQLiteCache struct {
	db *sqlx.DB
}

type embeddingRow struct {
	Vector []byte `db:"vector"`
}

// OpenSQLiteCache opens (creating if needed) the cache database at path.
func OpenSQLiteCache(path string) (*SQLiteCache, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, pfx.Err(err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, pfx.Err(err)
	}

	return &SQLiteCache{db: db}, nil
}

func (c *SQLiteCache) Get(key CacheKey) ([]float64, bool) {
	var row embeddingRow
	err := c.db.Get(&row, `SELECT vector FROM embeddings WHERE model = ? AND sample_id = ? AND fingerprint = ?`, key.Model, key.ID, key.Fingerprint)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			Logf("Embedding cache lookup for %s failed: %v\n", key.ID, err)
		}
		return nil, false
	}

	vec, err := decodeVector(row.Vector)
	if err != nil {
		Logf("Embedding cache entry for %s is corrupt: %v\n", key.ID, err)
		return nil, false
	}
	return vec, true
}

func (c *SQLiteCache) Put(key CacheKey, vec []float64) error {
	_, err := c.db.Exec(`INSERT OR REPLACE INTO embeddings (model, sample_id, fingerprint, vector) VALUES (?, ?, ?, ?)`,
		key.Model, key.ID, key.Fingerprint, encodeVector(vec))
	return pfx.Err(err)
}

// Close releases the database handle.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

func encodeVector(vec []float64) []byte {
	out := make([]byte, 8*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(v))
	}
	return out
}

func decodeVector(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("vector blob has %d bytes, not a multiple of 8", len(b))
	}
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return out, nil
}

// Tiered consults Front before Back and promotes Back hits into Front.
type Tiered struct {
	Front Cache
	Back  Cache
}

func (t Tiered) Get(key CacheKey) ([]float64, bool) {
	if vec, ok := t.Front.Get(key); ok {
		return vec, true
	}
	vec, ok := t.Back.Get(key)
	if !ok {
		return nil, false
	}
	if err := t.Front.Put(key, vec); err != nil {
		Logf("Could not promote embedding for %s: %v\n", key.ID, err)
	}
	return vec, true
}

func (t Tiered) Put(key CacheKey, vec []float64) error {
	if err := t.Front.Put(key, vec); err != nil {
		return err
	}
	return t.Back.Put(key, vec)
}
