package index

import (
	"context"
	"math"
	"sync"

	"github.com/dshills/hybridsearch/internal/distance"
	"github.com/dshills/hybridsearch/pkg/types"
)

type ivfEntry struct {
	id  int64
	vec []float32
}

// IVF partitions vectors into k-means clusters and scans only the lists
// whose centroids are nearest to the query.
type IVF struct {
	metric  distance.Metric
	dim     int
	fn      distance.Func // ranking
	trainFn distance.Func // centroid assignment and probing
	params  Params

	mu        sync.RWMutex
	centroids [][]float32
	lists     [][]ivfEntry
	where     map[int64]int // id -> list
	trainedOn int
	dirty     int
}

func buildIVF(ctx context.Context, metric distance.Metric, dim int, vecs *Vectors, p Params) (*IVF, error) {
	fn, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}
	trainFn, err := distance.Provider(trainingMetric(metric))
	if err != nil {
		return nil, err
	}

	n := vecs.Len()
	lists := p.IVF.Lists
	if lists == 0 {
		lists = int(math.Round(math.Sqrt(float64(n))))
	}
	if lists > n {
		lists = n
	}
	if lists < 1 {
		lists = 1
	}

	centroids, err := trainKMeans(ctx, vecs.Vectors, dim, lists, trainingMetric(metric), p.IVF.MaxIterations, p.Seed)
	if err != nil {
		return nil, err
	}
	if len(centroids) == 0 {
		// Nothing to train on; a single zero centroid keeps Insert usable.
		centroids = [][]float32{make([]float32, dim)}
	}

	ivf := &IVF{
		metric:    metric,
		dim:       dim,
		fn:        fn,
		trainFn:   trainFn,
		params:    p,
		centroids: centroids,
		lists:     make([][]ivfEntry, len(centroids)),
		where:     make(map[int64]int, n),
		trainedOn: n,
	}
	for i, id := range vecs.IDs {
		ivf.add(id, vecs.Vectors[i])
	}
	return ivf, nil
}

func (ivf *IVF) Strategy() Strategy      { return StrategyIVF }
func (ivf *IVF) Metric() distance.Metric { return ivf.metric }
func (ivf *IVF) Dimension() int          { return ivf.dim }
func (ivf *IVF) Exact() bool             { return false }

func (ivf *IVF) Len() int {
	ivf.mu.RLock()
	defer ivf.mu.RUnlock()
	return len(ivf.where)
}

// Lists returns the number of clusters.
func (ivf *IVF) Lists() int {
	ivf.mu.RLock()
	defer ivf.mu.RUnlock()
	return len(ivf.centroids)
}

// Stale reports whether more than a fifth of the vectors changed since
// training.
func (ivf *IVF) Stale() bool {
	ivf.mu.RLock()
	defer ivf.mu.RUnlock()
	return ivf.dirty > 0 && ivf.dirty*5 >= ivf.trainedOn
}

func (ivf *IVF) Stats() Stats {
	ivf.mu.RLock()
	defer ivf.mu.RUnlock()
	return Stats{Len: len(ivf.where), Dirty: ivf.dirty}
}

// add places vec in its nearest list. Callers hold mu for writing or own
// the index exclusively.
func (ivf *IVF) add(id int64, vec []float32) {
	l := nearestCentroid(ivf.trainFn, vec, ivf.centroids)
	ivf.lists[l] = append(ivf.lists[l], ivfEntry{id: id, vec: vec})
	ivf.where[id] = l
}

func (ivf *IVF) remove(id int64) bool {
	l, ok := ivf.where[id]
	if !ok {
		return false
	}
	list := ivf.lists[l]
	for i := range list {
		if list[i].id == id {
			list[i] = list[len(list)-1]
			ivf.lists[l] = list[:len(list)-1]
			break
		}
	}
	delete(ivf.where, id)
	return true
}

func (ivf *IVF) Search(ctx context.Context, query []float32, k int, p SearchParams) ([]Neighbor, error) {
	if err := validateSearch(ivf.dim, query, k, p); err != nil {
		return nil, err
	}
	probes := p.Probes
	if probes == 0 {
		probes = ivf.params.IVF.Probes
	}

	ivf.mu.RLock()
	defer ivf.mu.RUnlock()

	top := newTopK(k)
	for _, l := range closestCentroids(ivf.trainFn, query, ivf.centroids, probes) {
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}
		for _, e := range ivf.lists[l] {
			if p.allows(e.id) {
				top.offer(Neighbor{ID: e.id, Distance: ivf.fn(query, e.vec)})
			}
		}
	}
	return top.sorted(), nil
}

// Insert assigns vec to its nearest centroid without retraining.
func (ivf *IVF) Insert(_ context.Context, id int64, vec []float32) error {
	if len(vec) != ivf.dim {
		return types.NewDimensionMismatch(ivf.dim, len(vec))
	}
	cp := append([]float32(nil), vec...)
	ivf.mu.Lock()
	defer ivf.mu.Unlock()
	ivf.remove(id)
	ivf.add(id, cp)
	ivf.dirty++
	return nil
}

func (ivf *IVF) Delete(id int64) bool {
	ivf.mu.Lock()
	defer ivf.mu.Unlock()
	if !ivf.remove(id) {
		return false
	}
	ivf.dirty++
	return true
}

// Compact retrains the clusters over the current vectors.
func (ivf *IVF) Compact(ctx context.Context) (Index, error) {
	return buildIVF(ctx, ivf.metric, ivf.dim, ivf.live(), ivf.params)
}

func (ivf *IVF) live() *Vectors {
	ivf.mu.RLock()
	out := &Vectors{}
	for _, list := range ivf.lists {
		for _, e := range list {
			out.Add(e.id, e.vec)
		}
	}
	ivf.mu.RUnlock()
	sortVectors(out)
	return out
}
