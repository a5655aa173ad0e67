package vindex

import (
	"math"
	"math/rand/v2"
)

// trainIVF partitions vectors with Lloyd's k-means into round(sqrt(n))
// lists and returns the centroids and per-list member ids in ascending order.
func trainIVF(vectors []float32, dim int, opts Options) ([]float32, [][]int32) {
	n := len(vectors) / dim
	nlist := int(math.Round(math.Sqrt(float64(n))))
	nlist = max(1, min(nlist, n))
	iters := opts.Iterations
	if iters <= 0 {
		iters = DefaultOptions().Iterations
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	centroids := make([]float32, nlist*dim)
	for c, id := range rng.Perm(n)[:nlist] {
		copy(centroids[c*dim:(c+1)*dim], vectors[id*dim:(id+1)*dim])
	}

	assign := make([]int, n)
	for it := 0; it < iters; it++ {
		changed := assignAll(vectors, centroids, dim, assign)
		recenter(vectors, centroids, dim, assign)
		if it > 0 && changed == 0 {
			break
		}
	}
	assignAll(vectors, centroids, dim, assign)

	lists := make([][]int32, nlist)
	for id, c := range assign {
		lists[c] = append(lists[c], int32(id))
	}
	return centroids, lists
}

// assignAll sets each vector's nearest centroid and returns how many moved.
func assignAll(vectors, centroids []float32, dim int, assign []int) int {
	nlist := len(centroids) / dim
	changed := 0
	for id := range assign {
		v := vectors[id*dim : (id+1)*dim]
		best, bestDist := 0, float32(math.MaxFloat32)
		for c := 0; c < nlist; c++ {
			if d := l2(v, centroids[c*dim:(c+1)*dim]); d < bestDist {
				best, bestDist = c, d
			}
		}
		if assign[id] != best {
			changed++
		}
		assign[id] = best
	}
	return changed
}

// recenter moves each centroid to the mean of its members. Empty lists keep
// their previous centroid.
func recenter(vectors, centroids []float32, dim int, assign []int) {
	nlist := len(centroids) / dim
	sums := make([]float64, nlist*dim)
	counts := make([]int, nlist)
	for id, c := range assign {
		counts[c]++
		for j := 0; j < dim; j++ {
			sums[c*dim+j] += float64(vectors[id*dim+j])
		}
	}
	for c := 0; c < nlist; c++ {
		if counts[c] == 0 {
			continue
		}
		for j := 0; j < dim; j++ {
			centroids[c*dim+j] = float32(sums[c*dim+j] / float64(counts[c]))
		}
	}
}
