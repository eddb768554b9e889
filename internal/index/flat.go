package index

import (
	"context"
	"sync"

	"github.com/dshills/hybridsearch/internal/distance"
	"github.com/dshills/hybridsearch/pkg/types"
)

// Flat is an exact scan over every stored vector.
type Flat struct {
	metric distance.Metric
	dim    int
	fn     distance.Func

	mu      sync.RWMutex
	vectors map[int64][]float32
}

// NewFlat returns an empty exact index.
func NewFlat(metric distance.Metric, dim int) (*Flat, error) {
	fn, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}
	return &Flat{metric: metric, dim: dim, fn: fn, vectors: make(map[int64][]float32)}, nil
}

func buildFlat(ctx context.Context, metric distance.Metric, dim int, vecs *Vectors) (*Flat, error) {
	f, err := NewFlat(metric, dim)
	if err != nil {
		return nil, err
	}
	for i, id := range vecs.IDs {
		f.vectors[id] = vecs.Vectors[i]
	}
	return f, ctxErr(ctx)
}

func (f *Flat) Strategy() Strategy      { return StrategyFlat }
func (f *Flat) Metric() distance.Metric { return f.metric }
func (f *Flat) Dimension() int          { return f.dim }
func (f *Flat) Exact() bool             { return true }
func (f *Flat) Stale() bool             { return false }

func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vectors)
}

func (f *Flat) Stats() Stats {
	return Stats{Len: f.Len()}
}

func (f *Flat) Search(ctx context.Context, query []float32, k int, p SearchParams) ([]Neighbor, error) {
	if err := validateSearch(f.dim, query, k, p); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	top := newTopK(k)
	n := 0
	for id, vec := range f.vectors {
		if !p.allows(id) {
			continue
		}
		if n++; n%4096 == 0 {
			if err := ctxErr(ctx); err != nil {
				return nil, err
			}
		}
		top.offer(Neighbor{ID: id, Distance: f.fn(query, vec)})
	}
	return top.sorted(), nil
}

func (f *Flat) Insert(_ context.Context, id int64, vec []float32) error {
	if len(vec) != f.dim {
		return types.NewDimensionMismatch(f.dim, len(vec))
	}
	cp := make([]float32, len(vec))
	copy(cp, vec)
	f.mu.Lock()
	f.vectors[id] = cp
	f.mu.Unlock()
	return nil
}

func (f *Flat) Delete(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vectors[id]; !ok {
		return false
	}
	delete(f.vectors, id)
	return true
}

func (f *Flat) Compact(context.Context) (Index, error) {
	return f, nil
}

// live returns the stored vectors in ascending id order.
func (f *Flat) live() *Vectors {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := &Vectors{}
	for id, vec := range f.vectors {
		out.Add(id, vec)
	}
	sortVectors(out)
	return out
}
