package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/dshills/hybridsearch/internal/distance"
	"github.com/dshills/hybridsearch/pkg/types"
)

// Strategy names an index construction algorithm.
type Strategy string

const (
	StrategyFlat Strategy = "flat"
	StrategyIVF  Strategy = "ivf"
	StrategyHNSW Strategy = "hnsw"
)

// Strategies lists the supported strategies.
var Strategies = []Strategy{StrategyFlat, StrategyIVF, StrategyHNSW}

// ParseStrategy parses a strategy name. The empty string selects HNSW.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyHNSW:
		return StrategyHNSW, nil
	case StrategyIVF:
		return StrategyIVF, nil
	case StrategyFlat, "none", "exact":
		return StrategyFlat, nil
	}
	return "", fmt.Errorf("%w: unknown index strategy %q", types.ErrInvalidParameter, s)
}

// Defaults for build and search parameters.
const (
	DefaultM              = 16
	DefaultEFConstruction = 200
	DefaultEFSearch       = 64
	DefaultProbes         = 8
	DefaultMaxIterations  = 25
	DefaultSeed           = 42

	// IVFPracticalMinimum is the collection size below which IVF clusters
	// are too small to beat a flat scan.
	IVFPracticalMinimum = 4096
)

var (
	// ErrIndexNotBuilt is returned when no index is published for a collection.
	ErrIndexNotBuilt = fmt.Errorf("%w: index not built", types.ErrNotFound)
	// ErrBuildInProgress is returned when a build is already running.
	ErrBuildInProgress = types.ErrBuildInProgress
)

// Neighbor is one search hit.
type Neighbor struct {
	ID       int64
	Distance float32
}

// less orders neighbors by ascending distance, then ascending id.
func less(a, b Neighbor) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}

func sortNeighbors(ns []Neighbor) {
	sort.Slice(ns, func(i, j int) bool { return less(ns[i], ns[j]) })
}

// SearchParams tunes one query. Zero values select the index defaults.
type SearchParams struct {
	Probes   int
	EFSearch int
	// Filter restricts results to the given document ids; nil allows all.
	Filter *roaring64.Bitmap
}

func (p SearchParams) allows(id int64) bool {
	return p.Filter == nil || p.Filter.Contains(uint64(id))
}

// HNSWParams configures graph construction.
type HNSWParams struct {
	M              int `json:"m" yaml:"m"`
	EFConstruction int `json:"ef_construction" yaml:"ef_construction"`
	EFSearch       int `json:"ef_search" yaml:"ef_search"`
}

// IVFParams configures clustering.
type IVFParams struct {
	Lists         int `json:"lists" yaml:"lists"`
	Probes        int `json:"probes" yaml:"probes"`
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`
}

// Params configures a build. Zero fields select defaults.
type Params struct {
	HNSW HNSWParams `json:"hnsw" yaml:"hnsw"`
	IVF  IVFParams  `json:"ivf" yaml:"ivf"`
	Seed int64      `json:"seed,omitempty" yaml:"seed"`
}

func (p Params) withDefaults() Params {
	if p.HNSW.M == 0 {
		p.HNSW.M = DefaultM
	}
	if p.HNSW.EFConstruction == 0 {
		p.HNSW.EFConstruction = DefaultEFConstruction
	}
	if p.HNSW.EFSearch == 0 {
		p.HNSW.EFSearch = DefaultEFSearch
	}
	if p.IVF.Probes == 0 {
		p.IVF.Probes = DefaultProbes
	}
	if p.IVF.MaxIterations == 0 {
		p.IVF.MaxIterations = DefaultMaxIterations
	}
	if p.Seed == 0 {
		p.Seed = DefaultSeed
	}
	return p
}

// Validate rejects negative or inconsistent build parameters.
func (p Params) Validate() error {
	switch {
	case p.HNSW.M < 0, p.HNSW.EFConstruction < 0, p.HNSW.EFSearch < 0:
		return fmt.Errorf("%w: hnsw parameters must not be negative", types.ErrInvalidParameter)
	case p.HNSW.M == 1:
		return fmt.Errorf("%w: hnsw m must be at least 2", types.ErrInvalidParameter)
	case p.IVF.Lists < 0, p.IVF.Probes < 0, p.IVF.MaxIterations < 0:
		return fmt.Errorf("%w: ivf parameters must not be negative", types.ErrInvalidParameter)
	}
	return nil
}

// Stats describes the contents of an index.
type Stats struct {
	Len     int `json:"len"`
	Deleted int `json:"deleted"`
	// Dirty counts writes applied since the index was trained.
	Dirty int `json:"dirty"`
}

// Index is an in-memory nearest-neighbour structure over one collection.
// Implementations are safe for concurrent use.
type Index interface {
	Strategy() Strategy
	Metric() distance.Metric
	Dimension() int
	Len() int
	Search(ctx context.Context, query []float32, k int, p SearchParams) ([]Neighbor, error)
	// Insert adds or replaces the vector stored under id.
	Insert(ctx context.Context, id int64, vec []float32) error
	// Delete removes id and reports whether it was present.
	Delete(id int64) bool
	// Exact reports whether Search returns exact results.
	Exact() bool
	// Stale reports whether writes since training warrant a rebuild.
	Stale() bool
	Stats() Stats
	// Compact returns a rebuilt index holding the same live vectors.
	Compact(ctx context.Context) (Index, error)
}

// validateSearch checks query arguments shared by every strategy.
func validateSearch(dim int, query []float32, k int, p SearchParams) error {
	if k < 1 {
		return fmt.Errorf("%w: k must be >= 1, got %d", types.ErrInvalidParameter, k)
	}
	if p.Probes < 0 {
		return fmt.Errorf("%w: probes must not be negative", types.ErrInvalidParameter)
	}
	if p.EFSearch < 0 {
		return fmt.Errorf("%w: ef_search must not be negative", types.ErrInvalidParameter)
	}
	if len(query) != dim {
		return types.NewDimensionMismatch(dim, len(query))
	}
	return nil
}

// Vectors is a build input: ids in ascending order with their embeddings.
type Vectors struct {
	IDs     []int64
	Vectors [][]float32
}

// Len returns the number of vectors.
func (v *Vectors) Len() int { return len(v.IDs) }

// Add appends one vector.
func (v *Vectors) Add(id int64, vec []float32) {
	v.IDs = append(v.IDs, id)
	v.Vectors = append(v.Vectors, vec)
}

// New builds an index of the given strategy over vecs.
func New(ctx context.Context, strategy Strategy, metric distance.Metric, dim int, vecs *Vectors, p Params) (Index, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if !metric.Valid() {
		return nil, fmt.Errorf("%w: metric must be set", types.ErrInvalidParameter)
	}
	for i, vec := range vecs.Vectors {
		if len(vec) != dim {
			return nil, fmt.Errorf("document %d: %w", vecs.IDs[i], types.NewDimensionMismatch(dim, len(vec)))
		}
	}
	p = p.withDefaults()

	switch strategy {
	case StrategyFlat:
		return buildFlat(ctx, metric, dim, vecs)
	case StrategyIVF:
		return buildIVF(ctx, metric, dim, vecs, p)
	case StrategyHNSW:
		return buildHNSW(ctx, metric, dim, vecs, p)
	}
	return nil, fmt.Errorf("%w: unknown index strategy %q", types.ErrInvalidParameter, strategy)
}

func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", types.ErrTimeout, err)
	}
	return err
}

// sortVectors orders v by ascending id.
func sortVectors(v *Vectors) {
	sort.Sort(byID{v})
}

type byID struct{ v *Vectors }

func (b byID) Len() int           { return len(b.v.IDs) }
func (b byID) Less(i, j int) bool { return b.v.IDs[i] < b.v.IDs[j] }
func (b byID) Swap(i, j int) {
	b.v.IDs[i], b.v.IDs[j] = b.v.IDs[j], b.v.IDs[i]
	b.v.Vectors[i], b.v.Vectors[j] = b.v.Vectors[j], b.v.Vectors[i]
}
