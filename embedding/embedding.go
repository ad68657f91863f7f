// Package embedding builds a nearest-neighbour index over the images of a
// reference set and answers top-k similarity queries against it.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/carbocation/rca/overlay"
	"gonum.org/v1/gonum/floats"
)

// ErrEmbeddingFailure marks an image that the embedding model could not
// process.
var ErrEmbeddingFailure = errors.New("embedding failure")

// Logf receives warnings such as skipped references. Replace it to redirect
// or silence them.
var Logf func(format string, v ...interface{}) = log.Printf

// EmbeddingModel turns an image into a fixed-length feature vector.
type EmbeddingModel interface {
	Name() string
	Embed(ctx context.Context, img overlay.Image) ([]float64, error)
}

// Fallback selects how neighbours are chosen when there is no embedding
// model.
type Fallback int

const (
	// FallbackFirstK returns the first k references in insertion order.
	FallbackFirstK Fallback = iota

	// FallbackRandom returns k distinct references drawn with the index's
	// seeded random source.
	FallbackRandom
)

// Options configure Build.
type Options struct {
	// Cache, if set, is consulted before the model and filled afterwards.
	Cache Cache

	// Fallback applies only when the model is nil.
	Fallback Fallback

	// Rand drives FallbackRandom. A nil Rand is seeded with 1.
	Rand *rand.Rand
}

// Neighbor is one query result. Similarity is the cosine similarity, or NaN
// when the index has no embedding model.
type Neighbor struct {
	ID         string
	Position   int
	Similarity float64
}

type entry struct {
	id       string
	position int
	vector   []float64
	norm     float64
}

// Index holds one embedding per reference that embedded successfully. It is
// read-only once Build returns, apart from the random source of
// FallbackRandom which is guarded by a mutex.
type Index struct {
	model    EmbeddingModel
	entries  []entry
	fallback Fallback

	mu  sync.Mutex
	rng *rand.Rand
}

// Build embeds every reference once, in order. References that fail to embed
// are skipped with a warning; the build fails only when none survive. With a
// nil model the index keeps every reference and answers queries with the
// configured fallback.
func Build(ctx context.Context, model EmbeddingModel, refs overlay.ReferenceSet, opts Options) (*Index, error) {
	idx := &Index{
		model:    model,
		fallback: opts.Fallback,
		rng:      opts.Rand,
	}
	if idx.rng == nil {
		idx.rng = rand.New(rand.NewSource(1))
	}

	if refs.Len() == 0 {
		return nil, fmt.Errorf("cannot build an index from an empty reference set")
	}

	for i := 0; i < refs.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s := refs.At(i)
		if model == nil {
			idx.entries = append(idx.entries, entry{id: s.ID, position: i})
			continue
		}

		vec, err := embedCached(ctx, model, opts.Cache, s.ID, s.Image)
		if err != nil {
			Logf("Skipping reference %s: %v\n", s.ID, err)
			continue
		}
		idx.entries = append(idx.entries, entry{id: s.ID, position: i, vector: vec, norm: floats.Norm(vec, 2)})
	}

	if len(idx.entries) == 0 {
		return nil, fmt.Errorf("%w: none of the %d references could be embedded", ErrEmbeddingFailure, refs.Len())
	}

	if model != nil && len(idx.entries) < refs.Len() {
		Logf("Indexed %d of %d references\n", len(idx.entries), refs.Len())
	}

	return idx, nil
}

func embedCached(ctx context.Context, model EmbeddingModel, cache Cache, id string, img overlay.Image) ([]float64, error) {
	key := CacheKey{Model: model.Name(), ID: id, Fingerprint: img.Fingerprint()}
	if cache != nil {
		if vec, ok := cache.Get(key); ok {
			return vec, nil
		}
	}

	vec, err := model.Embed(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEmbeddingFailure, id, err)
	}
	if err := validate(vec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEmbeddingFailure, id, err)
	}

	if cache != nil {
		if err := cache.Put(key, vec); err != nil {
			Logf("Could not cache embedding for %s: %v\n", id, err)
		}
	}

	return vec, nil
}

func validate(vec []float64) error {
	if len(vec) == 0 {
		return errors.New("empty embedding")
	}
	for _, v := range vec {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("embedding has non-finite values")
		}
	}
	return nil
}

// Size is the number of indexed references.
func (idx *Index) Size() int { return len(idx.entries) }

// IDs lists the indexed reference IDs in insertion order.
func (idx *Index) IDs() []string {
	out := make([]string, len(idx.entries))
	for i, e := range idx.entries {
		out[i] = e.id
	}
	return out
}

// Query returns the min(k, Size()) most similar references to img, most
// similar first. Ties keep insertion order.
func (idx *Index) Query(ctx context.Context, img overlay.Image, k int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}
	if k > len(idx.entries) {
		k = len(idx.entries)
	}

	if idx.model == nil {
		return idx.fallbackQuery(k), nil
	}

	q, err := idx.model.Embed(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrEmbeddingFailure, err)
	}
	if err := validate(q); err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrEmbeddingFailure, err)
	}
	qNorm := floats.Norm(q, 2)

	out := make([]Neighbor, len(idx.entries))
	for i, e := range idx.entries {
		if len(e.vector) != len(q) {
			return nil, fmt.Errorf("%w: query has %d dimensions, reference %s has %d", ErrEmbeddingFailure, len(q), e.id, len(e.vector))
		}
		out[i] = Neighbor{ID: e.id, Position: e.position, Similarity: cosine(q, qNorm, e.vector, e.norm)}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })

	return out[:k], nil
}

// cosine is the cosine similarity of a and b; a zero vector is orthogonal to
// everything.
func cosine(a []float64, aNorm float64, b []float64, bNorm float64) float64 {
	if aNorm == 0 || bNorm == 0 {
		return 0
	}
	return floats.Dot(a, b) / (aNorm * bNorm)
}

func (idx *Index) fallbackQuery(k int) []Neighbor {
	positions := make([]int, k)
	switch idx.fallback {
	case FallbackRandom:
		idx.mu.Lock()
		perm := idx.rng.Perm(len(idx.entries))
		idx.mu.Unlock()
		copy(positions, perm[:k])
	default:
		for i := range positions {
			positions[i] = i
		}
	}

	out := make([]Neighbor, k)
	for i, p := range positions {
		e := idx.entries[p]
		out[i] = Neighbor{ID: e.id, Position: e.position, Similarity: math.NaN()}
	}
	return out
}
