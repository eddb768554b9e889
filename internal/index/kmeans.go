package index

import (
	"context"
	"math"
	"math/rand"

	"github.com/dshills/hybridsearch/internal/distance"
)

// trainingMetric is the metric clusters are trained and probed with. Inner
// product is not a proper distance, so centroids are fitted under L2.
func trainingMetric(m distance.Metric) distance.Metric {
	if m == distance.InnerProduct {
		return distance.L2
	}
	return m
}

// trainKMeans fits k centroids to vectors with Lloyd's algorithm. The seed
// fixes initialization and empty-cluster reseeding, so training is
// deterministic for a given input order.
func trainKMeans(ctx context.Context, vectors [][]float32, dim, k int, metric distance.Metric, maxIter int, seed int64) ([][]float32, error) {
	n := len(vectors)
	if k > n {
		k = n
	}
	if k < 1 {
		return nil, nil
	}
	fn, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(seed))
	centroids := make([][]float32, k)
	for i, p := range rng.Perm(n)[:k] {
		centroids[i] = append([]float32(nil), vectors[p]...)
	}

	assignments := make([]int, n)
	for i := range assignments {
		assignments[i] = -1
	}
	sums := make([][]float64, k)
	for j := range sums {
		sums[j] = make([]float64, dim)
	}
	counts := make([]int, k)

	for iter := 0; iter < maxIter; iter++ {
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}

		// Assignment step
		changed := false
		for i, vec := range vectors {
			best := nearestCentroid(fn, vec, centroids)
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		// Update step
		for j := range sums {
			for d := range sums[j] {
				sums[j][d] = 0
			}
			counts[j] = 0
		}
		for i, vec := range vectors {
			c := assignments[i]
			for d, x := range vec {
				sums[c][d] += float64(x)
			}
			counts[c]++
		}
		for j := range centroids {
			if counts[j] == 0 {
				// Reseed an empty cluster from a random point
				centroids[j] = append(centroids[j][:0], vectors[rng.Intn(n)]...)
				continue
			}
			scale := 1 / float64(counts[j])
			for d := range centroids[j] {
				centroids[j][d] = float32(sums[j][d] * scale)
			}
		}
	}
	return centroids, nil
}

func nearestCentroid(fn distance.Func, vec []float32, centroids [][]float32) int {
	best := -1
	bestDist := float32(math.MaxFloat32)
	for j, c := range centroids {
		if d := fn(vec, c); best < 0 || d < bestDist {
			best = j
			bestDist = d
		}
	}
	return best
}

type centroidDist struct {
	list int
	dist float32
}

// closestCentroids returns the indexes of the n centroids nearest to query.
func closestCentroids(fn distance.Func, query []float32, centroids [][]float32, n int) []int {
	if n > len(centroids) {
		n = len(centroids)
	}
	pq := newQueue(func(a, b centroidDist) bool {
		if a.dist != b.dist {
			return a.dist < b.dist
		}
		return a.list < b.list
	}, len(centroids))
	for j, c := range centroids {
		pq.push(centroidDist{list: j, dist: fn(query, c)})
	}
	out := make([]int, n)
	for i := range out {
		out[i] = pq.pop().list
	}
	return out
}
