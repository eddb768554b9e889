package searcher

import (
	"context"
	"fmt"
	"testing"

	"github.com/dshills/hybridsearch/internal/distance"
	"github.com/dshills/hybridsearch/internal/embedder"
	"github.com/dshills/hybridsearch/internal/index"
	"github.com/dshills/hybridsearch/internal/storage"
	"github.com/dshills/hybridsearch/pkg/metadata"
)

var benchTopics = []string{"error handling", "vector search", "database migrations", "http routing", "cache eviction"}

// setupBenchSearcher stores n documents embedded by the local provider
func setupBenchSearcher(b *testing.B, n int) (storage.Storage, *embedder.LocalProvider) {
	b.Helper()
	ctx := context.Background()

	store, err := storage.NewSQLiteStorage(":memory:")
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = store.Close() })

	emb, err := embedder.NewLocalProvider(64, embedder.NewCache(1000))
	if err != nil {
		b.Fatal(err)
	}

	coll := &storage.Collection{Name: "bench", Dimension: 64, Metric: distance.Cosine}
	if err := store.CreateCollection(ctx, coll); err != nil {
		b.Fatal(err)
	}

	docs := make([]*storage.Document, n)
	for i := range docs {
		content := fmt.Sprintf("document %d about %s", i, benchTopics[i%len(benchTopics)])
		vec, err := emb.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: content})
		if err != nil {
			b.Fatal(err)
		}
		docs[i] = &storage.Document{
			Content:   content,
			Embedding: vec.Vector,
			Metadata:  metadata.Document{"bucket": metadata.Int(int64(i % 10))},
		}
	}
	if _, err := store.BulkInsert(ctx, coll.ID, docs, storage.BulkOptions{}); err != nil {
		b.Fatal(err)
	}
	return store, emb
}

func BenchmarkSearch(b *testing.B) {
	store, emb := setupBenchSearcher(b, 5000)
	manager := index.NewManager(store)
	b.Cleanup(func() { _ = manager.Close() })
	if _, err := manager.Build(context.Background(), "bench", index.StrategyHNSW, index.Params{}); err != nil {
		b.Fatal(err)
	}

	bucket := metadata.NewFilterSet(metadata.Filter{Key: "bucket", Operator: metadata.OpEqual, Value: metadata.Int(3)})
	queries := []struct {
		name string
		q    Query
	}{
		{"Exact", Query{Text: "vector search", K: 10, Exact: true}},
		{"ANN", Query{Text: "vector search", K: 10}},
		{"Prefilter", Query{Text: "vector search", K: 10, Filters: bucket}},
		{"Keyword", Query{Keywords: "eviction", K: 10}},
		{"RRF", Query{Text: "vector search", K: 10, Strategy: StrategyRRF}},
		{"Weighted", Query{Text: "vector search", K: 10, Strategy: StrategyWeighted, Weights: &Weights{Text: 0.3, Vector: 0.7}}},
	}

	s := NewSearcher(store, emb, WithIndex(manager))
	for _, bq := range queries {
		b.Run(bq.name, func(b *testing.B) {
			q := bq.q
			q.Collection = "bench"
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := s.Search(context.Background(), q); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkSearchCached(b *testing.B) {
	store, emb := setupBenchSearcher(b, 1000)
	s := NewSearcher(store, emb)
	q := Query{Collection: "bench", Text: "http routing", K: 10, UseCache: true}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Search(context.Background(), q); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRRFFusion(b *testing.B) {
	vec := make([]vectorHit, DefaultCandidateLimit)
	text := make([]textHit, DefaultCandidateLimit)
	for i := range vec {
		vec[i] = vectorHit{id: int64(i), distance: float64(i)}
		text[i] = textHit{id: int64(i * 2), score: float64(DefaultCandidateLimit - i)}
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = rrfFusion(vec, text, DefaultRRFConstant)
	}
}
