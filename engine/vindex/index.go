// Package vindex is the local vector index: an immutable IVF-flat index over
// chunk embeddings, persisted as index.bin plus a SQLite metadata table.
package vindex

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/vcetai/vcet-assist/engine/domain"
)

// Options tunes the inverted-file partitioning.
type Options struct {
	// MinTrain is the corpus size below which the index stays a flat scan.
	MinTrain int
	// NProbe is the number of nearest lists scanned per query.
	NProbe int
	// Iterations bounds k-means refinement.
	Iterations int
	// Seed makes training reproducible.
	Seed uint64
}

// DefaultOptions returns the partitioning used by Store.
func DefaultOptions() Options {
	return Options{MinTrain: 256, NProbe: 8, Iterations: 10, Seed: 42}
}

// Index is an immutable snapshot of chunks and their embeddings. Vectors are
// stored row-major in insertion order; row i belongs to chunks[i].
type Index struct {
	model     string
	build     string
	dim       int
	chunks    []domain.Chunk
	vectors   []float32
	centroids []float32
	lists     [][]int32
	nprobe    int
}

// Build creates an index from embedded chunks. Every chunk must carry an
// embedding of the same length. Chunk.Embedding is moved into the index's
// flat vector storage and cleared on the stored copy.
func Build(model string, chunks []domain.Chunk, opts Options) (*Index, error) {
	if opts.NProbe <= 0 {
		opts.NProbe = DefaultOptions().NProbe
	}
	ix := &Index{model: model, build: uuid.NewString(), nprobe: opts.NProbe}
	if len(chunks) == 0 {
		return ix, nil
	}

	ix.dim = len(chunks[0].Embedding)
	if ix.dim == 0 {
		return nil, fmt.Errorf("vindex: build: %w: chunk %s has no embedding", domain.ErrIngestion, chunks[0].ID)
	}
	ix.chunks = make([]domain.Chunk, len(chunks))
	ix.vectors = make([]float32, 0, len(chunks)*ix.dim)
	for i, c := range chunks {
		if len(c.Embedding) != ix.dim {
			return nil, fmt.Errorf("vindex: build: %w: chunk %s has dimension %d, want %d",
				domain.ErrIngestion, c.ID, len(c.Embedding), ix.dim)
		}
		ix.vectors = append(ix.vectors, c.Embedding...)
		c.Embedding = nil
		ix.chunks[i] = c
	}

	if opts.MinTrain > 0 && len(chunks) >= opts.MinTrain {
		ix.centroids, ix.lists = trainIVF(ix.vectors, ix.dim, opts)
	}
	return ix, nil
}

// Model is the embedding model the vectors were produced with.
func (ix *Index) Model() string { return ix.model }

// Dim is the embedding dimensionality, 0 for an empty index.
func (ix *Index) Dim() int { return ix.dim }

// Len is the number of indexed chunks.
func (ix *Index) Len() int { return len(ix.chunks) }

// NList is the number of inverted lists, 0 when the index is a flat scan.
func (ix *Index) NList() int { return len(ix.lists) }

// Chunk returns the i-th chunk with its embedding attached.
func (ix *Index) Chunk(i int) domain.Chunk {
	c := ix.chunks[i]
	c.Embedding = ix.vector(i)
	return c
}

func (ix *Index) vector(i int) []float32 {
	return ix.vectors[i*ix.dim : (i+1)*ix.dim]
}

// Search returns up to k hits nearest to q by squared L2 distance, ordered
// by distance then insertion order. It panics if q does not match the
// index dimensionality.
func (ix *Index) Search(q []float32, k int) []domain.Hit {
	if ix.Len() == 0 || k < 1 {
		return nil
	}
	if len(q) != ix.dim {
		panic(fmt.Sprintf("vindex: query dimension %d does not match index dimension %d", len(q), ix.dim))
	}

	type scored struct {
		id   int
		dist float32
	}
	var cands []scored
	if ix.lists == nil || k >= ix.Len() {
		cands = make([]scored, ix.Len())
		for i := range cands {
			cands[i] = scored{i, l2(q, ix.vector(i))}
		}
	} else {
		for _, id := range ix.probe(q, k) {
			cands = append(cands, scored{int(id), l2(q, ix.vector(int(id)))})
		}
	}

	slices.SortFunc(cands, func(a, b scored) int {
		if c := cmp.Compare(a.dist, b.dist); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	if len(cands) > k {
		cands = cands[:k]
	}

	hits := make([]domain.Hit, len(cands))
	for i, s := range cands {
		hits[i] = domain.Hit{Chunk: ix.chunks[s.id], Distance: s.dist}
	}
	return hits
}

// probe collects candidate ids from the lists whose centroids are nearest
// q, scanning at least nprobe lists and widening until k candidates exist.
func (ix *Index) probe(q []float32, k int) []int32 {
	nlist := len(ix.lists)
	order := make([]int, nlist)
	dists := make([]float32, nlist)
	for c := range nlist {
		order[c] = c
		dists[c] = l2(q, ix.centroids[c*ix.dim:(c+1)*ix.dim])
	}
	slices.SortFunc(order, func(a, b int) int {
		if c := cmp.Compare(dists[a], dists[b]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})

	var ids []int32
	for n, c := range order {
		if n >= ix.nprobe && len(ids) >= k {
			break
		}
		ids = append(ids, ix.lists[c]...)
	}
	return ids
}

// l2 is the squared Euclidean distance.
func l2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
