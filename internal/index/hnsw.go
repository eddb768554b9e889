package index

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/dshills/hybridsearch/internal/distance"
	"github.com/dshills/hybridsearch/pkg/types"
)

// maxLayer caps the level drawn for a node.
const maxLayer = 16

// hnswNode is one vector in the graph. friends[l] holds the node's links on
// layer l as slots into HNSW.nodes. A friends slice is never modified after
// it is published; writers replace it under mu.
type hnswNode struct {
	id    int64
	vec   []float32
	level int

	mu      sync.RWMutex
	friends [][]uint32
}

func (n *hnswNode) neighbors(level int) []uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if level >= len(n.friends) {
		return nil
	}
	return n.friends[level]
}

// cand is a node slot with its distance to the current query.
type cand struct {
	slot uint32
	dist float32
}

func candLess(a, b cand) bool {
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	return a.slot < b.slot
}

// HNSW is a hierarchical navigable small world graph. Inserts are
// serialized and may interleave with concurrent searches. Deletes are
// tombstones: the node keeps routing traffic but never appears in results
// until Compact rebuilds the graph.
type HNSW struct {
	metric distance.Metric
	dim    int
	fn     distance.Func
	params Params
	m      int
	m0     int
	ml     float64

	writeMu sync.Mutex // serializes writers
	rng     *rand.Rand // guarded by writeMu

	mu       sync.RWMutex // guards the fields below
	nodes    []*hnswNode
	byID     map[int64]uint32
	entry    int
	maxLevel int
	deleted  *roaring.Bitmap
}

func newHNSW(metric distance.Metric, dim int, p Params) (*HNSW, error) {
	fn, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}
	return &HNSW{
		metric:  metric,
		dim:     dim,
		fn:      fn,
		params:  p,
		m:       p.HNSW.M,
		m0:      2 * p.HNSW.M,
		ml:      1 / math.Log(float64(p.HNSW.M)),
		rng:     rand.New(rand.NewSource(p.Seed)),
		byID:    make(map[int64]uint32),
		entry:   -1,
		deleted: roaring.New(),
	}, nil
}

// buildHNSW inserts vecs in order. Identical input and seed produce an
// identical graph.
func buildHNSW(ctx context.Context, metric distance.Metric, dim int, vecs *Vectors, p Params) (*HNSW, error) {
	h, err := newHNSW(metric, dim, p)
	if err != nil {
		return nil, err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	for i, id := range vecs.IDs {
		if i%256 == 0 {
			if err := ctxErr(ctx); err != nil {
				return nil, err
			}
		}
		h.insert(id, vecs.Vectors[i])
	}
	return h, nil
}

func (h *HNSW) Strategy() Strategy      { return StrategyHNSW }
func (h *HNSW) Metric() distance.Metric { return h.metric }
func (h *HNSW) Dimension() int          { return h.dim }
func (h *HNSW) Exact() bool             { return false }

func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID)
}

func (h *HNSW) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Len: len(h.byID), Deleted: int(h.deleted.GetCardinality())}
}

// Stale reports whether tombstones make up a fifth of the graph.
func (h *HNSW) Stale() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d := int(h.deleted.GetCardinality())
	return d > 0 && d*5 >= len(h.nodes)
}

func (h *HNSW) randomLevel() int {
	level := int(math.Floor(-math.Log(1-h.rng.Float64()) * h.ml))
	if level > maxLayer {
		level = maxLayer
	}
	return level
}

func (h *HNSW) maxConnections(level int) int {
	if level == 0 {
		return h.m0
	}
	return h.m
}

func (h *HNSW) Insert(ctx context.Context, id int64, vec []float32) error {
	if len(vec) != h.dim {
		return types.NewDimensionMismatch(h.dim, len(vec))
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}
	cp := append([]float32(nil), vec...)
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.insert(id, cp)
	return nil
}

// insert links vec into the graph. The caller holds writeMu, so h.nodes,
// h.entry and h.maxLevel can be read without mu.
func (h *HNSW) insert(id int64, vec []float32) {
	level := h.randomLevel()
	slot := uint32(len(h.nodes))
	node := &hnswNode{id: id, vec: vec, level: level, friends: make([][]uint32, level+1)}

	prevMax := h.maxLevel
	if h.entry >= 0 {
		nodes := h.nodes
		ep := uint32(h.entry)
		epDist := h.fn(vec, nodes[ep].vec)
		for l := prevMax; l > level; l-- {
			ep, epDist = h.greedy(nodes, vec, ep, epDist, l)
		}

		entries := []cand{{slot: ep, dist: epDist}}
		for l := min(level, prevMax); l >= 0; l-- {
			found := h.searchLayer(nodes, vec, entries, h.params.HNSW.EFConstruction, l, nil)
			selected := h.selectNeighbors(nodes, found, h.m)
			friends := make([]uint32, len(selected))
			for i, c := range selected {
				friends[i] = c.slot
			}
			node.friends[l] = friends
			entries = found
		}
	}

	h.mu.Lock()
	if old, ok := h.byID[id]; ok {
		h.deleted.Add(old)
	}
	h.nodes = append(h.nodes, node)
	h.byID[id] = slot
	if h.entry < 0 || level > h.maxLevel {
		h.entry = int(slot)
		h.maxLevel = level
	}
	nodes := h.nodes
	h.mu.Unlock()

	// Link back so the new node becomes reachable
	for l := min(level, prevMax); l >= 0; l-- {
		for _, nb := range node.friends[l] {
			h.link(nodes, nb, slot, l)
		}
	}
}

// link adds an edge target -> slot on level, pruning target's friends with
// the selection heuristic when it exceeds the layer's connection budget.
func (h *HNSW) link(nodes []*hnswNode, target, slot uint32, level int) {
	n := nodes[target]
	n.mu.Lock()
	defer n.mu.Unlock()

	cur := n.friends[level]
	next := make([]uint32, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, slot)

	if maxConn := h.maxConnections(level); len(next) > maxConn {
		cands := make([]cand, len(next))
		for i, s := range next {
			cands[i] = cand{slot: s, dist: h.fn(n.vec, nodes[s].vec)}
		}
		sort.Slice(cands, func(i, j int) bool { return candLess(cands[i], cands[j]) })
		selected := h.selectNeighbors(nodes, cands, maxConn)
		next = make([]uint32, len(selected))
		for i, c := range selected {
			next[i] = c.slot
		}
	}
	n.friends[level] = next
}

// selectNeighbors keeps a candidate only when it is closer to the base than
// to every neighbor already kept, then fills up to m with the pruned ones.
// cands must be sorted by ascending distance to the base.
func (h *HNSW) selectNeighbors(nodes []*hnswNode, cands []cand, m int) []cand {
	if len(cands) <= m {
		return cands
	}
	selected := make([]cand, 0, m)
	var pruned []cand
	for _, c := range cands {
		if len(selected) >= m {
			break
		}
		keep := true
		for _, s := range selected {
			if h.fn(nodes[c.slot].vec, nodes[s.slot].vec) < c.dist {
				keep = false
				break
			}
		}
		if keep {
			selected = append(selected, c)
		} else {
			pruned = append(pruned, c)
		}
	}
	for _, c := range pruned {
		if len(selected) >= m {
			break
		}
		selected = append(selected, c)
	}
	return selected
}

// greedy walks level towards q and returns the closest node found.
func (h *HNSW) greedy(nodes []*hnswNode, q []float32, ep uint32, epDist float32, level int) (uint32, float32) {
	for changed := true; changed; {
		changed = false
		for _, nb := range nodes[ep].neighbors(level) {
			if d := h.fn(q, nodes[nb].vec); d < epDist {
				ep, epDist = nb, d
				changed = true
			}
		}
	}
	return ep, epDist
}

// searchLayer runs a best-first search bounded by ef on one level. Only
// nodes passing accept are collected, but every node routes. A nil accept
// collects everything. The result is sorted by ascending distance.
func (h *HNSW) searchLayer(nodes []*hnswNode, q []float32, entries []cand, ef, level int, accept func(uint32) bool) []cand {
	visited := roaring.New()
	candidates := newQueue(candLess, ef)
	results := newQueue(func(a, b cand) bool { return candLess(b, a) }, ef+1)

	for _, e := range entries {
		if !visited.CheckedAdd(e.slot) {
			continue
		}
		candidates.push(e)
		if accept == nil || accept(e.slot) {
			results.push(e)
			if results.Len() > ef {
				results.pop()
			}
		}
	}

	for candidates.Len() > 0 {
		c := candidates.pop()
		if results.Len() >= ef && c.dist > results.top().dist {
			break
		}
		for _, nb := range nodes[c.slot].neighbors(level) {
			if !visited.CheckedAdd(nb) {
				continue
			}
			d := h.fn(q, nodes[nb].vec)
			if results.Len() < ef || d < results.top().dist {
				next := cand{slot: nb, dist: d}
				candidates.push(next)
				if accept == nil || accept(nb) {
					results.push(next)
					if results.Len() > ef {
						results.pop()
					}
				}
			}
		}
	}

	out := make([]cand, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = results.pop()
	}
	return out
}

func (h *HNSW) Search(ctx context.Context, query []float32, k int, p SearchParams) ([]Neighbor, error) {
	if err := validateSearch(h.dim, query, k, p); err != nil {
		return nil, err
	}
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	ef := p.EFSearch
	if ef == 0 {
		ef = h.params.HNSW.EFSearch
	}
	if ef < k {
		ef = k
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.entry < 0 {
		return []Neighbor{}, nil
	}
	nodes := h.nodes

	ep := uint32(h.entry)
	epDist := h.fn(query, nodes[ep].vec)
	for l := h.maxLevel; l > 0; l-- {
		ep, epDist = h.greedy(nodes, query, ep, epDist, l)
	}

	accept := func(slot uint32) bool {
		return !h.deleted.Contains(slot) && p.allows(nodes[slot].id)
	}
	found := h.searchLayer(nodes, query, []cand{{slot: ep, dist: epDist}}, ef, 0, accept)

	out := make([]Neighbor, len(found))
	for i, c := range found {
		out[i] = Neighbor{ID: nodes[c.slot].id, Distance: c.dist}
	}
	sortNeighbors(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, ctxErr(ctx)
}

func (h *HNSW) Delete(id int64) bool {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()
	slot, ok := h.byID[id]
	if !ok {
		return false
	}
	delete(h.byID, id)
	h.deleted.Add(slot)
	return true
}

// Compact rebuilds the graph from the live nodes, dropping tombstones and
// every edge that pointed at them.
func (h *HNSW) Compact(ctx context.Context) (Index, error) {
	return buildHNSW(ctx, h.metric, h.dim, h.live(), h.params)
}

func (h *HNSW) live() *Vectors {
	h.mu.RLock()
	out := &Vectors{}
	for id, slot := range h.byID {
		out.Add(id, h.nodes[slot].vec)
	}
	h.mu.RUnlock()
	sortVectors(out)
	return out
}
