package index

import (
	"context"
	"math/rand"
	"testing"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/hybridsearch/internal/distance"
	"github.com/dshills/hybridsearch/pkg/types"
)

func randomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func randomVectors(seed int64, n, dim int) *Vectors {
	rng := rand.New(rand.NewSource(seed))
	out := &Vectors{}
	for i := 0; i < n; i++ {
		out.Add(int64(i+1), randomVector(rng, dim))
	}
	return out
}

func ids(ns []Neighbor) []int64 {
	out := make([]int64, len(ns))
	for i, n := range ns {
		out[i] = n.ID
	}
	return out
}

func overlap(a, b []Neighbor) int {
	seen := make(map[int64]bool, len(a))
	for _, n := range a {
		seen[n.ID] = true
	}
	hits := 0
	for _, n := range b {
		if seen[n.ID] {
			hits++
		}
	}
	return hits
}

func assertSorted(t *testing.T, ns []Neighbor) {
	t.Helper()
	seen := make(map[int64]bool, len(ns))
	for i, n := range ns {
		assert.False(t, seen[n.ID], "duplicate id %d", n.ID)
		seen[n.ID] = true
		if i > 0 {
			assert.False(t, less(n, ns[i-1]), "results out of order at %d", i)
		}
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in   string
		want Strategy
	}{
		{"", StrategyHNSW},
		{"hnsw", StrategyHNSW},
		{"IVF", StrategyIVF},
		{" flat ", StrategyFlat},
		{"none", StrategyFlat},
		{"exact", StrategyFlat},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrategy(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseStrategy("lsh")
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  Params
		wantErr bool
	}{
		{"zero selects defaults", Params{}, false},
		{"explicit", Params{HNSW: HNSWParams{M: 8, EFConstruction: 100, EFSearch: 32}}, false},
		{"negative m", Params{HNSW: HNSWParams{M: -1}}, true},
		{"m of one", Params{HNSW: HNSWParams{M: 1}}, true},
		{"negative ef", Params{HNSW: HNSWParams{EFSearch: -4}}, true},
		{"negative lists", Params{IVF: IVFParams{Lists: -1}}, true},
		{"negative probes", Params{IVF: IVFParams{Probes: -2}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrInvalidParameter)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_Rejections(t *testing.T) {
	ctx := context.Background()
	vecs := randomVectors(1, 10, 4)

	_, err := New(ctx, StrategyHNSW, distance.Unset, 4, vecs, Params{})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	_, err = New(ctx, StrategyHNSW, distance.L2, 5, vecs, Params{})
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)

	_, err = New(ctx, Strategy("lsh"), distance.L2, 4, vecs, Params{})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	_, err = New(ctx, StrategyHNSW, distance.L2, 4, vecs, Params{HNSW: HNSWParams{M: 1}})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestSearch_ParameterValidation(t *testing.T) {
	ctx := context.Background()
	vecs := randomVectors(2, 50, 8)
	q := randomVector(rand.New(rand.NewSource(3)), 8)

	for _, s := range Strategies {
		t.Run(string(s), func(t *testing.T) {
			idx, err := New(ctx, s, distance.L2, 8, vecs, Params{})
			require.NoError(t, err)

			_, err = idx.Search(ctx, q, 0, SearchParams{})
			assert.ErrorIs(t, err, types.ErrInvalidParameter)
			_, err = idx.Search(ctx, q, 5, SearchParams{Probes: -1})
			assert.ErrorIs(t, err, types.ErrInvalidParameter)
			_, err = idx.Search(ctx, q, 5, SearchParams{EFSearch: -1})
			assert.ErrorIs(t, err, types.ErrInvalidParameter)
			_, err = idx.Search(ctx, q[:4], 5, SearchParams{})
			assert.ErrorIs(t, err, types.ErrDimensionMismatch)

			// Zero tuning values select defaults
			res, err := idx.Search(ctx, q, 5, SearchParams{})
			require.NoError(t, err)
			assert.Len(t, res, 5)
			assertSorted(t, res)
		})
	}
}

func TestSearch_CanceledContext(t *testing.T) {
	vecs := randomVectors(4, 100, 8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(ctx, StrategyHNSW, distance.L2, 8, vecs, Params{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFlat_MatchesRank(t *testing.T) {
	ctx := context.Background()
	vecs := randomVectors(5, 500, 16)
	all := make(map[int64][]float32, vecs.Len())
	for i, id := range vecs.IDs {
		all[id] = vecs.Vectors[i]
	}
	rng := rand.New(rand.NewSource(6))

	for _, m := range distance.Metrics {
		t.Run(m.String(), func(t *testing.T) {
			idx, err := New(ctx, StrategyFlat, m, 16, vecs, Params{})
			require.NoError(t, err)
			assert.True(t, idx.Exact())

			q := randomVector(rng, 16)
			got, err := idx.Search(ctx, q, 20, SearchParams{})
			require.NoError(t, err)

			want, err := distance.Rank(m, q, all)
			require.NoError(t, err)
			require.Len(t, got, 20)
			for i := range got {
				assert.Equal(t, want[i].ID, got[i].ID)
				assert.Equal(t, want[i].Distance, got[i].Distance)
			}
		})
	}
}

func TestFlat_KLargerThanCollection(t *testing.T) {
	idx, err := New(context.Background(), StrategyFlat, distance.Cosine, 4, randomVectors(7, 3, 4), Params{})
	require.NoError(t, err)
	res, err := idx.Search(context.Background(), []float32{1, 0, 0, 0}, 10, SearchParams{})
	require.NoError(t, err)
	assert.Len(t, res, 3)
}

func TestIVF_AllProbesIsExact(t *testing.T) {
	ctx := context.Background()
	vecs := randomVectors(8, 2000, 16)
	ivf, err := New(ctx, StrategyIVF, distance.L2, 16, vecs, Params{IVF: IVFParams{Lists: 16}})
	require.NoError(t, err)
	assert.Equal(t, 16, ivf.(*IVF).Lists())
	assert.False(t, ivf.Exact())

	flat, err := New(ctx, StrategyFlat, distance.L2, 16, vecs, Params{})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(9))
	for i := 0; i < 20; i++ {
		q := randomVector(rng, 16)
		got, err := ivf.Search(ctx, q, 10, SearchParams{Probes: 16})
		require.NoError(t, err)
		want, err := flat.Search(ctx, q, 10, SearchParams{})
		require.NoError(t, err)
		assert.Equal(t, ids(want), ids(got))
	}
}

func TestIVF_DefaultListsAndRecall(t *testing.T) {
	ctx := context.Background()
	vecs := randomVectors(10, 4096, 8)
	ivf, err := New(ctx, StrategyIVF, distance.Cosine, 8, vecs, Params{})
	require.NoError(t, err)
	assert.Equal(t, 64, ivf.(*IVF).Lists())

	flat, err := New(ctx, StrategyFlat, distance.Cosine, 8, vecs, Params{})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(11))
	hits, total := 0, 0
	for i := 0; i < 50; i++ {
		q := randomVector(rng, 8)
		got, err := ivf.Search(ctx, q, 10, SearchParams{Probes: 16})
		require.NoError(t, err)
		assertSorted(t, got)
		want, err := flat.Search(ctx, q, 10, SearchParams{})
		require.NoError(t, err)
		hits += overlap(want, got)
		total += len(want)
	}
	assert.GreaterOrEqual(t, float64(hits)/float64(total), 0.8)
}

func TestIVF_IncrementalWritesMarkStale(t *testing.T) {
	ctx := context.Background()
	vecs := randomVectors(12, 100, 4)
	idx, err := New(ctx, StrategyIVF, distance.L2, 4, vecs, Params{})
	require.NoError(t, err)
	assert.False(t, idx.Stale())

	rng := rand.New(rand.NewSource(13))
	for i := 0; i < 19; i++ {
		require.NoError(t, idx.Insert(ctx, int64(1000+i), randomVector(rng, 4)))
	}
	assert.False(t, idx.Stale())
	assert.True(t, idx.Delete(1))
	assert.False(t, idx.Delete(1))
	assert.True(t, idx.Stale())
	assert.Equal(t, 118, idx.Len())

	compacted, err := idx.Compact(ctx)
	require.NoError(t, err)
	assert.False(t, compacted.Stale())
	assert.Equal(t, 118, compacted.Len())
}

func TestHNSW_Recall(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping recall test in short mode")
	}
	ctx := context.Background()
	const dim = 16
	vecs := randomVectors(14, 10000, dim)

	hnsw, err := New(ctx, StrategyHNSW, distance.L2, dim, vecs, Params{})
	require.NoError(t, err)
	flat, err := New(ctx, StrategyFlat, distance.L2, dim, vecs, Params{})
	require.NoError(t, err)
	assert.Equal(t, 10000, hnsw.Len())

	rng := rand.New(rand.NewSource(15))
	hits, total := 0, 0
	for i := 0; i < 100; i++ {
		q := randomVector(rng, dim)
		got, err := hnsw.Search(ctx, q, 10, SearchParams{EFSearch: 200})
		require.NoError(t, err)
		assertSorted(t, got)
		want, err := flat.Search(ctx, q, 10, SearchParams{})
		require.NoError(t, err)
		hits += overlap(want, got)
		total += len(want)
	}
	recall := float64(hits) / float64(total)
	assert.GreaterOrEqual(t, recall, 0.95, "recall %.3f", recall)
}

func TestHNSW_DeterministicBuild(t *testing.T) {
	ctx := context.Background()
	vecs := randomVectors(16, 1000, 8)
	a, err := New(ctx, StrategyHNSW, distance.Cosine, 8, vecs, Params{Seed: 99})
	require.NoError(t, err)
	b, err := New(ctx, StrategyHNSW, distance.Cosine, 8, vecs, Params{Seed: 99})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(17))
	for i := 0; i < 20; i++ {
		q := randomVector(rng, 8)
		ra, err := a.Search(ctx, q, 10, SearchParams{})
		require.NoError(t, err)
		rb, err := b.Search(ctx, q, 10, SearchParams{})
		require.NoError(t, err)
		assert.Equal(t, ra, rb)
	}
}

func TestHNSW_InsertQueryRoundTrip(t *testing.T) {
	ctx := context.Background()
	idx, err := New(ctx, StrategyHNSW, distance.L2, 4, &Vectors{}, Params{})
	require.NoError(t, err)

	res, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 3, SearchParams{})
	require.NoError(t, err)
	assert.Empty(t, res)

	rng := rand.New(rand.NewSource(18))
	for i := 1; i <= 200; i++ {
		require.NoError(t, idx.Insert(ctx, int64(i), randomVector(rng, 4)))
	}
	v := []float32{0.25, -0.5, 0.75, 0.1}
	require.NoError(t, idx.Insert(ctx, 500, v))

	res, err = idx.Search(ctx, v, 1, SearchParams{})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, int64(500), res[0].ID)
	assert.Equal(t, float32(0), res[0].Distance)

	// Replacing a vector keeps one live entry per id
	require.NoError(t, idx.Insert(ctx, 500, []float32{-1, -1, -1, -1}))
	assert.Equal(t, 201, idx.Len())
	assert.Equal(t, 1, idx.Stats().Deleted)
	res, err = idx.Search(ctx, v, 201, SearchParams{})
	require.NoError(t, err)
	assertSorted(t, res)
}

func TestHNSW_TombstonesAndCompact(t *testing.T) {
	ctx := context.Background()
	vecs := randomVectors(19, 500, 8)
	idx, err := New(ctx, StrategyHNSW, distance.L2, 8, vecs, Params{})
	require.NoError(t, err)

	for id := int64(1); id <= 99; id++ {
		require.True(t, idx.Delete(id))
	}
	assert.False(t, idx.Delete(1))
	assert.False(t, idx.Stale())
	require.True(t, idx.Delete(100))
	assert.True(t, idx.Stale())
	assert.Equal(t, Stats{Len: 400, Deleted: 100}, idx.Stats())

	rng := rand.New(rand.NewSource(20))
	for i := 0; i < 20; i++ {
		res, err := idx.Search(ctx, randomVector(rng, 8), 50, SearchParams{})
		require.NoError(t, err)
		for _, n := range res {
			assert.Greater(t, n.ID, int64(100))
		}
	}

	compacted, err := idx.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Len: 400}, compacted.Stats())
	assert.False(t, compacted.Stale())
}

func TestFilteredSearch(t *testing.T) {
	ctx := context.Background()
	vecs := randomVectors(21, 3000, 8)
	even := roaring64.New()
	for _, id := range vecs.IDs {
		if id%2 == 0 {
			even.Add(uint64(id))
		}
	}
	rng := rand.New(rand.NewSource(22))

	for _, s := range Strategies {
		t.Run(string(s), func(t *testing.T) {
			idx, err := New(ctx, s, distance.L2, 8, vecs, Params{})
			require.NoError(t, err)
			for i := 0; i < 10; i++ {
				res, err := idx.Search(ctx, randomVector(rng, 8), 10, SearchParams{Filter: even, Probes: 64})
				require.NoError(t, err)
				assert.Len(t, res, 10)
				for _, n := range res {
					assert.Zero(t, n.ID%2, "id %d escaped the filter", n.ID)
				}
			}

			none := roaring64.BitmapOf(7)
			res, err := idx.Search(ctx, vecs.Vectors[6], 5, SearchParams{Filter: none, Probes: 64})
			require.NoError(t, err)
			require.Len(t, res, 1)
			assert.Equal(t, int64(7), res[0].ID)
		})
	}
}
