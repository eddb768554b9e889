package indexer

import (
	"context"
	"testing"

	"github.com/dshills/hybridsearch/internal/distance"
	"github.com/dshills/hybridsearch/internal/embedder"
	"github.com/dshills/hybridsearch/internal/storage"
)

func benchStorage(b *testing.B, dim int) storage.Storage {
	b.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	if err != nil {
		b.Fatal(err)
	}
	coll := &storage.Collection{Name: "docs", Dimension: dim, Metric: distance.Cosine}
	if err := store.CreateCollection(context.Background(), coll); err != nil {
		b.Fatal(err)
	}
	return store
}

// BenchmarkIngest benchmarks embedding and storing 1000 documents
func BenchmarkIngest(b *testing.B) {
	inputs := textInputs(1000)
	config := &Config{Workers: 4, BatchSize: 100}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		store := benchStorage(b, embedder.LocalDimension)
		emb, err := embedder.NewLocalProvider(0, nil)
		if err != nil {
			b.Fatal(err)
		}
		idx := New(store, WithEmbedder(emb))
		b.StartTimer()

		if _, err := idx.Ingest(context.Background(), "docs", inputs, config); err != nil {
			b.Fatal(err)
		}

		b.StopTimer()
		_ = store.Close()
		b.StartTimer()
	}
}

// BenchmarkIngestPrecomputed benchmarks storing documents that carry vectors
func BenchmarkIngestPrecomputed(b *testing.B) {
	emb, err := embedder.NewLocalProvider(64, nil)
	if err != nil {
		b.Fatal(err)
	}
	inputs := textInputs(1000)
	for i := range inputs {
		resp, err := emb.GenerateEmbedding(context.Background(), embedder.EmbeddingRequest{Text: inputs[i].Content})
		if err != nil {
			b.Fatal(err)
		}
		inputs[i].Embedding = resp.Vector
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		store := benchStorage(b, 64)
		idx := New(store)
		b.StartTimer()

		if _, err := idx.Ingest(context.Background(), "docs", inputs, nil); err != nil {
			b.Fatal(err)
		}

		b.StopTimer()
		_ = store.Close()
		b.StartTimer()
	}
}
