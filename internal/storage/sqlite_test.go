package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/hybridsearch/internal/distance"
	"github.com/dshills/hybridsearch/pkg/metadata"
	"github.com/dshills/hybridsearch/pkg/types"
)

func setupTestDB(t *testing.T) *SQLiteStorage {
	// Use in-memory database for testing
	storage, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	require.NotNil(t, storage)
	return storage
}

func createTestCollection(t *testing.T, s Storage, name string, dim int, metric distance.Metric) *Collection {
	t.Helper()
	c := &Collection{Name: name, Dimension: dim, Metric: metric, EmbeddingModel: "test-model"}
	require.NoError(t, s.CreateCollection(context.Background(), c))
	require.Greater(t, c.ID, int64(0))
	return c
}

func newDoc(content string, vec []float32, md metadata.Document) *Document {
	return &Document{Content: content, Embedding: vec, Metadata: md}
}

func TestNewSQLiteStorage(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	assert.NotNil(t, storage)
	assert.NotNil(t, storage.db)

	v, err := SchemaVersion(context.Background(), storage.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)
}

func TestClose(t *testing.T) {
	storage := setupTestDB(t)
	err := storage.Close()
	assert.NoError(t, err)
}

func TestCreateCollection(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	c := createTestCollection(t, storage, "articles", 4, distance.Cosine)
	assert.Equal(t, "hnsw", c.IndexStrategy)

	// Duplicate name
	err := storage.CreateCollection(ctx, &Collection{Name: "articles", Dimension: 8, Metric: distance.L2})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	tests := []struct {
		name string
		c    *Collection
	}{
		{"empty name", &Collection{Name: "", Dimension: 4, Metric: distance.L2}},
		{"bad name", &Collection{Name: "has space", Dimension: 4, Metric: distance.L2}},
		{"zero dimension", &Collection{Name: "zero", Dimension: 0, Metric: distance.L2}},
		{"huge dimension", &Collection{Name: "huge", Dimension: MaxDimension + 1, Metric: distance.L2}},
		{"unset metric", &Collection{Name: "nometric", Dimension: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := storage.CreateCollection(ctx, tt.c)
			assert.ErrorIs(t, err, types.ErrInvalidParameter)
		})
	}
}

func TestGetCollection(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	c := createTestCollection(t, storage, "articles", 4, distance.InnerProduct)

	byName, err := storage.GetCollection(ctx, "articles")
	require.NoError(t, err)
	assert.Equal(t, c.ID, byName.ID)
	assert.Equal(t, distance.InnerProduct, byName.Metric)
	assert.Equal(t, 4, byName.Dimension)

	byID, err := storage.GetCollectionByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "articles", byID.Name)

	_, err = storage.GetCollection(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = storage.GetCollectionByID(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := storage.ListCollections(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDeleteCollection_Cascades(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	c := createTestCollection(t, storage, "articles", 2, distance.L2)
	doc := newDoc("hello world", []float32{1, 0}, metadata.Document{"lang": metadata.String("en")})
	doc.CollectionID = c.ID
	require.NoError(t, storage.InsertDocument(ctx, doc))

	require.NoError(t, storage.DeleteCollection(ctx, c.ID))

	_, err := storage.GetDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = storage.GetCollectionByID(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	err = storage.DeleteCollection(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertAndGetDocument(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	c := createTestCollection(t, storage, "articles", 3, distance.Cosine)

	published := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	doc := newDoc("the quick brown fox", []float32{0.1, 0.2, 0.3}, metadata.Document{
		"year":      metadata.Int(2024),
		"score":     metadata.Float(0.75),
		"lang":      metadata.String("en"),
		"draft":     metadata.Bool(false),
		"published": metadata.Time(published),
	})
	doc.CollectionID = c.ID
	require.NoError(t, storage.InsertDocument(ctx, doc))
	assert.Greater(t, doc.ID, int64(0))

	got, err := storage.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.Content, got.Content)
	assert.Equal(t, doc.Embedding, got.Embedding)
	assert.Equal(t, "test-model", got.EmbeddingModel)
	require.Len(t, got.Metadata, 5)
	assert.True(t, got.Metadata["year"].Equal(metadata.Int(2024)))
	assert.Equal(t, metadata.KindInt, got.Metadata["year"].Kind)
	assert.True(t, got.Metadata["published"].T.Equal(published))

	_, err = storage.GetDocument(ctx, 12345)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertDocument_Rejections(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	c := createTestCollection(t, storage, "articles", 3, distance.L2)

	// Dimension mismatch
	doc := newDoc("short", []float32{1, 2}, nil)
	doc.CollectionID = c.ID
	err := storage.InsertDocument(ctx, doc)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
	var dm *types.DimensionMismatchError
	require.True(t, errors.As(err, &dm))
	assert.Equal(t, 3, dm.Expected)
	assert.Equal(t, 2, dm.Actual)

	// Invalid metadata key
	doc = newDoc("bad key", []float32{1, 2, 3}, metadata.Document{"no spaces": metadata.Int(1)})
	doc.CollectionID = c.ID
	assert.ErrorIs(t, storage.InsertDocument(ctx, doc), types.ErrInvalidMetadata)

	// Model mismatch
	doc = newDoc("other model", []float32{1, 2, 3}, nil)
	doc.CollectionID = c.ID
	doc.EmbeddingModel = "another-model"
	assert.ErrorIs(t, storage.InsertDocument(ctx, doc), types.ErrInvalidParameter)

	// Unknown collection
	doc = newDoc("orphan", []float32{1, 2, 3}, nil)
	doc.CollectionID = 999
	assert.ErrorIs(t, storage.InsertDocument(ctx, doc), ErrNotFound)

	n, err := storage.CountDocuments(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBulkInsert_AllOrNothing(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	c := createTestCollection(t, storage, "articles", 2, distance.L2)

	docs := []*Document{
		newDoc("one", []float32{1, 0}, nil),
		newDoc("two", []float32{0, 1, 2}, nil),
		newDoc("three", []float32{1, 1}, nil),
	}
	_, err := storage.BulkInsert(ctx, c.ID, docs, BulkOptions{})
	require.Error(t, err)
	var bulkErr *BulkError
	require.True(t, errors.As(err, &bulkErr))
	require.Len(t, bulkErr.Failures, 1)
	assert.Equal(t, 1, bulkErr.Failures[0].Index)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)

	n, err := storage.CountDocuments(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	for _, d := range docs {
		assert.Zero(t, d.ID)
	}

	docs[1].Embedding = []float32{0, 1}
	res, err := storage.BulkInsert(ctx, c.ID, docs, BulkOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Empty(t, res.Failures)
	for i, d := range docs {
		assert.Equal(t, d.ID, res.IDs[i])
		assert.Greater(t, d.ID, int64(0))
	}
}

func TestBulkInsert_BestEffort(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	c := createTestCollection(t, storage, "articles", 2, distance.L2)

	docs := []*Document{
		newDoc("one", []float32{1, 0}, nil),
		newDoc("two", []float32{0}, nil),
		newDoc("three", []float32{1, 1}, metadata.Document{"bad key!": metadata.Int(1)}),
		newDoc("four", []float32{0, 1}, nil),
	}
	res, err := storage.BulkInsert(ctx, c.ID, docs, BulkOptions{BestEffort: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, 1, res.Failures[0].Index)
	assert.Equal(t, 2, res.Failures[1].Index)
	assert.NotEmpty(t, res.Failures[0].Reason)
	assert.Zero(t, res.IDs[1])
	assert.Greater(t, res.IDs[3], int64(0))

	n, err := storage.CountDocuments(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGetDocuments_PreservesOrder(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	c := createTestCollection(t, storage, "articles", 2, distance.L2)

	var docs []*Document
	for i := 0; i < 5; i++ {
		docs = append(docs, newDoc(fmt.Sprintf("doc %d", i), []float32{float32(i), 0}, nil))
	}
	res, err := storage.BulkInsert(ctx, c.ID, docs, BulkOptions{})
	require.NoError(t, err)

	ids := []int64{res.IDs[3], 9999, res.IDs[0], res.IDs[4]}
	got, err := storage.GetDocuments(ctx, ids)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, res.IDs[3], got[0].ID)
	assert.Equal(t, res.IDs[0], got[1].ID)
	assert.Equal(t, res.IDs[4], got[2].ID)
}

func TestDeleteDocument(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	c := createTestCollection(t, storage, "articles", 2, distance.L2)
	doc := newDoc("unique zebra text", []float32{1, 0}, metadata.Document{"lang": metadata.String("en")})
	doc.CollectionID = c.ID
	require.NoError(t, storage.InsertDocument(ctx, doc))

	require.NoError(t, storage.DeleteDocument(ctx, doc.ID))

	_, err := storage.GetDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, storage.DeleteDocument(ctx, doc.ID), ErrNotFound)

	hits, err := storage.SearchText(ctx, c.ID, "zebra", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)

	bm, err := storage.FilterDocuments(ctx, c.ID, metadata.NewFilterSet(
		metadata.Filter{Key: "lang", Operator: metadata.OpEqual, Value: metadata.String("en")}))
	require.NoError(t, err)
	assert.True(t, bm.IsEmpty())
}

func TestSearchVector(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	c := createTestCollection(t, storage, "points", 2, distance.L2)

	docs := []*Document{
		newDoc("origin area", []float32{0, 0}, metadata.Document{"group": metadata.String("a")}),
		newDoc("near point", []float32{1, 0}, metadata.Document{"group": metadata.String("b")}),
		newDoc("far point", []float32{5, 5}, metadata.Document{"group": metadata.String("a")}),
		newDoc("tie point", []float32{0, 1}, metadata.Document{"group": metadata.String("b")}),
	}
	res, err := storage.BulkInsert(ctx, c.ID, docs, BulkOptions{})
	require.NoError(t, err)

	hits, err := storage.SearchVector(ctx, c.ID, []float32{0, 0}, 3, nil)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, res.IDs[0], hits[0].DocumentID)
	assert.InDelta(t, 0, hits[0].Distance, 1e-9)
	// Equal distances break ties by ascending id
	assert.Equal(t, res.IDs[1], hits[1].DocumentID)
	assert.Equal(t, res.IDs[3], hits[2].DocumentID)
	assert.InDelta(t, 1, hits[1].Distance, 1e-6)

	filtered, err := storage.SearchVector(ctx, c.ID, []float32{0, 0}, 10, &VectorSearchOptions{
		Filters: metadata.NewFilterSet(metadata.Filter{Key: "group", Operator: metadata.OpEqual, Value: metadata.String("a")}),
	})
	require.NoError(t, err)
	require.Len(t, filtered, 2)
	assert.Equal(t, res.IDs[0], filtered[0].DocumentID)
	assert.Equal(t, res.IDs[2], filtered[1].DocumentID)

	keyword, err := storage.SearchVector(ctx, c.ID, []float32{0, 0}, 10, &VectorSearchOptions{Keywords: "point"})
	require.NoError(t, err)
	assert.Len(t, keyword, 3)

	_, err = storage.SearchVector(ctx, c.ID, []float32{0, 0, 0}, 3, nil)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
	_, err = storage.SearchVector(ctx, c.ID, []float32{0, 0}, 0, nil)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestSearchVector_MatchesInMemoryDistance(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	for _, metric := range distance.Metrics {
		c := createTestCollection(t, storage, "m_"+metric.String(), 8, metric)
		vectors := make(map[int64][]float32)
		var docs []*Document
		for i := 0; i < 50; i++ {
			vec := make([]float32, 8)
			for j := range vec {
				vec[j] = rng.Float32()*2 - 1
			}
			docs = append(docs, newDoc(fmt.Sprintf("doc %d", i), vec, nil))
		}
		res, err := storage.BulkInsert(ctx, c.ID, docs, BulkOptions{})
		require.NoError(t, err)
		for i, id := range res.IDs {
			vectors[id] = docs[i].Embedding
		}

		query := docs[0].Embedding
		want, err := distance.Rank(metric, query, vectors)
		require.NoError(t, err)
		got, err := storage.SearchVector(ctx, c.ID, query, 10, nil)
		require.NoError(t, err)
		require.Len(t, got, 10)
		for i := range got {
			assert.Equal(t, want[i].ID, got[i].DocumentID, "metric %s rank %d", metric, i)
			assert.Equal(t, float64(want[i].Distance), got[i].Distance)
		}
	}
}

func TestSearchText(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	c := createTestCollection(t, storage, "articles", 2, distance.L2)
	docs := []*Document{
		newDoc("golang concurrency patterns", []float32{1, 0}, metadata.Document{"year": metadata.Int(2020)}),
		newDoc("rust ownership model", []float32{0, 1}, metadata.Document{"year": metadata.Int(2021)}),
		newDoc("golang generics and golang tooling", []float32{1, 1}, metadata.Document{"year": metadata.Int(2022)}),
	}
	res, err := storage.BulkInsert(ctx, c.ID, docs, BulkOptions{})
	require.NoError(t, err)

	hits, err := storage.SearchText(ctx, c.ID, "golang", 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Greater(t, h.Score, 0.0)
		assert.Less(t, h.Score, 1.0)
		assert.NotEqual(t, res.IDs[1], h.DocumentID)
	}
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)

	filtered, err := storage.SearchText(ctx, c.ID, "golang", 10, metadata.NewFilterSet(
		metadata.Filter{Key: "year", Operator: metadata.OpGreaterThan, Value: metadata.Int(2021)}))
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, res.IDs[2], filtered[0].DocumentID)

	// FTS operators and quotes are neutralized
	hits, err = storage.SearchText(ctx, c.ID, `"golang" AND (rust`, 10, nil)
	require.NoError(t, err)
	assert.Len(t, hits, 3)

	_, err = storage.SearchText(ctx, c.ID, "  ()*  ", 10, nil)
	assert.ErrorIs(t, err, ErrEmptyKeywordQuery)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestFilterDocuments(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	c := createTestCollection(t, storage, "articles", 1, distance.L2)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	docs := []*Document{
		newDoc("a", []float32{1}, metadata.Document{"n": metadata.Int(1), "tag": metadata.String("alpha"), "ok": metadata.Bool(true), "at": metadata.Time(base)}),
		newDoc("b", []float32{2}, metadata.Document{"n": metadata.Float(2.5), "tag": metadata.String("beta"), "ok": metadata.Bool(false), "at": metadata.Time(base.Add(48 * time.Hour))}),
		newDoc("c", []float32{3}, metadata.Document{"n": metadata.Int(3), "tag": metadata.String("alphabet")}),
		newDoc("d", []float32{4}, nil),
	}
	res, err := storage.BulkInsert(ctx, c.ID, docs, BulkOptions{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter metadata.Filter
		want   []int
	}{
		{"eq int float equality", metadata.Filter{Key: "n", Operator: metadata.OpEqual, Value: metadata.Float(1)}, []int{0}},
		{"ne excludes missing", metadata.Filter{Key: "n", Operator: metadata.OpNotEqual, Value: metadata.Int(1)}, []int{1, 2}},
		{"gt", metadata.Filter{Key: "n", Operator: metadata.OpGreaterThan, Value: metadata.Int(2)}, []int{1, 2}},
		{"lte", metadata.Filter{Key: "n", Operator: metadata.OpLessEqual, Value: metadata.Float(2.5)}, []int{0, 1}},
		{"in", metadata.Filter{Key: "tag", Operator: metadata.OpIn, Values: []metadata.Value{metadata.String("beta"), metadata.String("gamma")}}, []int{1}},
		{"contains", metadata.Filter{Key: "tag", Operator: metadata.OpContains, Value: metadata.String("alpha")}, []int{0, 2}},
		{"bool", metadata.Filter{Key: "ok", Operator: metadata.OpEqual, Value: metadata.Bool(true)}, []int{0}},
		{"time range", metadata.Filter{Key: "at", Operator: metadata.OpGreaterThan, Value: metadata.Time(base.Add(time.Hour))}, []int{1}},
		{"missing key", metadata.Filter{Key: "absent", Operator: metadata.OpNotEqual, Value: metadata.Int(0)}, nil},
		{"kind mismatch", metadata.Filter{Key: "tag", Operator: metadata.OpEqual, Value: metadata.Int(1)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bm, err := storage.FilterDocuments(ctx, c.ID, metadata.NewFilterSet(tt.filter))
			require.NoError(t, err)
			var want []uint64
			for _, i := range tt.want {
				want = append(want, uint64(res.IDs[i]))
			}
			if want == nil {
				assert.True(t, bm.IsEmpty())
				return
			}
			assert.Equal(t, want, bm.ToArray())
		})
	}

	// Empty filter set returns the whole collection
	bm, err := storage.FilterDocuments(ctx, c.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), bm.GetCardinality())

	_, err = storage.FilterDocuments(ctx, c.ID, metadata.NewFilterSet(
		metadata.Filter{Key: "tag", Operator: metadata.OpContains, Value: metadata.Int(1)}))
	assert.ErrorIs(t, err, types.ErrInvalidFilter)
}

func TestFilterDocuments_AgreesWithMatches(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	c := createTestCollection(t, storage, "random", 1, distance.L2)
	rng := rand.New(rand.NewSource(42))
	tags := []string{"red", "green", "blue", "redish"}

	var docs []*Document
	for i := 0; i < 200; i++ {
		md := metadata.Document{}
		if rng.Intn(4) > 0 {
			md["n"] = metadata.Int(int64(rng.Intn(10)))
		}
		if rng.Intn(4) > 0 {
			md["tag"] = metadata.String(tags[rng.Intn(len(tags))])
		}
		if rng.Intn(2) == 0 {
			md["flag"] = metadata.Bool(rng.Intn(2) == 0)
		}
		docs = append(docs, newDoc(fmt.Sprintf("doc %d", i), []float32{float32(i)}, md))
	}
	res, err := storage.BulkInsert(ctx, c.ID, docs, BulkOptions{})
	require.NoError(t, err)

	sets := []*metadata.FilterSet{
		metadata.NewFilterSet(metadata.Filter{Key: "n", Operator: metadata.OpGreaterEqual, Value: metadata.Int(5)}),
		metadata.NewFilterSet(metadata.Filter{Key: "tag", Operator: metadata.OpContains, Value: metadata.String("red")},
			metadata.Filter{Key: "n", Operator: metadata.OpLessThan, Value: metadata.Float(3.5)}),
		metadata.NewFilterSet(metadata.Filter{Key: "flag", Operator: metadata.OpNotEqual, Value: metadata.Bool(true)}),
		metadata.NewFilterSet(metadata.Filter{Key: "tag", Operator: metadata.OpIn,
			Values: []metadata.Value{metadata.String("green"), metadata.String("blue")}}),
	}
	for i, fs := range sets {
		bm, err := storage.FilterDocuments(ctx, c.ID, fs)
		require.NoError(t, err)
		for j, doc := range docs {
			assert.Equal(t, fs.Matches(doc.Metadata), bm.Contains(uint64(res.IDs[j])), "set %d doc %d", i, j)
		}
	}
}

func TestUpdateEmbedding(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	c := createTestCollection(t, storage, "articles", 2, distance.L2)
	doc := newDoc("hello", []float32{1, 0}, nil)
	doc.CollectionID = c.ID
	require.NoError(t, storage.InsertDocument(ctx, doc))

	require.NoError(t, storage.UpdateEmbedding(ctx, doc.ID, []float32{0, 1}, ""))
	got, err := storage.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, got.Embedding)

	assert.ErrorIs(t, storage.UpdateEmbedding(ctx, doc.ID, []float32{1}, ""), types.ErrDimensionMismatch)
	assert.ErrorIs(t, storage.UpdateEmbedding(ctx, doc.ID, []float32{1, 1}, "other"), types.ErrInvalidParameter)
	assert.ErrorIs(t, storage.UpdateEmbedding(ctx, 999, []float32{1, 1}, ""), ErrNotFound)
}

func TestReplaceEmbeddings(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	c := createTestCollection(t, storage, "articles", 2, distance.L2)
	docs := []*Document{newDoc("a", []float32{1, 0}, nil), newDoc("b", []float32{0, 1}, nil)}
	res, err := storage.BulkInsert(ctx, c.ID, docs, BulkOptions{})
	require.NoError(t, err)

	// Partial coverage is rejected
	err = storage.ReplaceEmbeddings(ctx, c.ID, []EmbeddingUpdate{{DocumentID: res.IDs[0], Embedding: []float32{2, 2}}}, "v2")
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	err = storage.ReplaceEmbeddings(ctx, c.ID, []EmbeddingUpdate{
		{DocumentID: res.IDs[0], Embedding: []float32{2, 2}},
		{DocumentID: res.IDs[1], Embedding: []float32{3, 3}},
	}, "v2")
	require.NoError(t, err)

	updated, err := storage.GetCollectionByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", updated.EmbeddingModel)

	got, err := storage.GetDocument(ctx, res.IDs[1])
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 3}, got.Embedding)
	assert.Equal(t, "v2", got.EmbeddingModel)

	var scanned []int64
	err = storage.ScanEmbeddings(ctx, c.ID, func(id int64, vec []float32) error {
		scanned = append(scanned, id)
		assert.Len(t, vec, 2)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, res.IDs, scanned)
}

func TestEmbeddingModel_PinnedOnFirstWrite(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	c := &Collection{Name: "raw", Dimension: 2, Metric: distance.L2}
	require.NoError(t, storage.CreateCollection(ctx, c))
	model := func() string {
		got, err := storage.GetCollectionByID(ctx, c.ID)
		require.NoError(t, err)
		return got.EmbeddingModel
	}

	// Vectors without a model leave the collection unpinned
	plain := newDoc("plain", []float32{1, 0}, nil)
	plain.CollectionID = c.ID
	require.NoError(t, storage.InsertDocument(ctx, plain))
	assert.Empty(t, model())

	// A batch naming two models is rejected as a whole
	mixed := []*Document{newDoc("a", []float32{1, 1}, nil), newDoc("b", []float32{0, 1}, nil)}
	mixed[0].EmbeddingModel = "model-a"
	mixed[1].EmbeddingModel = "model-b"
	_, err := storage.BulkInsert(ctx, c.ID, mixed, BulkOptions{})
	var bulkErr *BulkError
	require.True(t, errors.As(err, &bulkErr))
	assert.Equal(t, 1, bulkErr.Failures[0].Index)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
	assert.Empty(t, model())

	first := newDoc("first", []float32{0, 1}, nil)
	first.CollectionID = c.ID
	first.EmbeddingModel = "model-a"
	require.NoError(t, storage.InsertDocument(ctx, first))
	assert.Equal(t, "model-a", model())

	other := newDoc("other", []float32{1, 1}, nil)
	other.CollectionID = c.ID
	other.EmbeddingModel = "model-b"
	assert.ErrorIs(t, storage.InsertDocument(ctx, other), types.ErrInvalidParameter)
	assert.ErrorIs(t, storage.UpdateEmbedding(ctx, plain.ID, []float32{1, 1}, "model-b"), types.ErrInvalidParameter)
	require.NoError(t, storage.UpdateEmbedding(ctx, plain.ID, []float32{1, 1}, ""))

	got, err := storage.GetDocument(ctx, plain.ID)
	require.NoError(t, err)
	assert.Equal(t, "model-a", got.EmbeddingModel)

	n, err := storage.CountDocuments(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEmbeddingModel_PinnedByUpdate(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	c := &Collection{Name: "raw", Dimension: 2, Metric: distance.L2}
	require.NoError(t, storage.CreateCollection(ctx, c))
	docs := []*Document{newDoc("a", []float32{1, 0}, nil), newDoc("b", []float32{0, 1}, nil)}
	res, err := storage.BulkInsert(ctx, c.ID, docs, BulkOptions{})
	require.NoError(t, err)

	require.NoError(t, storage.UpdateEmbedding(ctx, res.IDs[0], []float32{2, 2}, "model-a"))
	got, err := storage.GetCollectionByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "model-a", got.EmbeddingModel)

	assert.ErrorIs(t, storage.UpdateEmbedding(ctx, res.IDs[1], []float32{2, 2}, "model-b"), types.ErrInvalidParameter)
}

func TestNonFiniteEmbeddingsRejected(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	c := createTestCollection(t, storage, "articles", 2, distance.L2)
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	for _, vec := range [][]float32{{nan, 0}, {0, inf}, {-inf, 1}} {
		doc := newDoc("bad", vec, nil)
		doc.CollectionID = c.ID
		assert.ErrorIs(t, storage.InsertDocument(ctx, doc), types.ErrInvalidParameter)
	}

	docs := []*Document{newDoc("ok", []float32{1, 0}, nil), newDoc("bad", []float32{nan, nan}, nil)}
	res, err := storage.BulkInsert(ctx, c.ID, docs, BulkOptions{BestEffort: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 1, res.Failures[0].Index)

	id := res.IDs[0]
	assert.ErrorIs(t, storage.UpdateEmbedding(ctx, id, []float32{inf, 0}, ""), types.ErrInvalidParameter)
	err = storage.ReplaceEmbeddings(ctx, c.ID, []EmbeddingUpdate{{DocumentID: id, Embedding: []float32{0, nan}}}, "v2")
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	got, err := storage.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, got.Embedding)
}

func TestGetStatus(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	c := createTestCollection(t, storage, "articles", 2, distance.L2)

	status, err := storage.GetStatus(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, status.DocumentCount)
	assert.False(t, status.Health.DocumentsAvailable)
	assert.Equal(t, CurrentSchemaVersion, status.SchemaVersion)

	docs := []*Document{
		newDoc("a", []float32{1, 0}, metadata.Document{"x": metadata.Int(1)}),
		newDoc("b", []float32{0, 1}, metadata.Document{"y": metadata.Int(1), "x": metadata.Int(2)}),
	}
	_, err = storage.BulkInsert(ctx, c.ID, docs, BulkOptions{})
	require.NoError(t, err)
	require.NoError(t, storage.RecordSearch(ctx, &SearchRecord{
		CollectionID: c.ID, Strategy: "rrf", ResultCount: 2, Duration: 10 * time.Millisecond,
	}))

	status, err = storage.GetStatus(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, status.DocumentCount)
	assert.Equal(t, 2, status.MetadataKeys)
	assert.Equal(t, 1, status.QueriesServed)
	assert.InDelta(t, 10, status.AvgQueryMs, 0.001)
	assert.True(t, status.Health.DocumentsAvailable)
	assert.False(t, status.LastInsertedAt.IsZero())
	assert.Contains(t, status.Backend, "sqlite")
}

func TestFileDatabase_ReadsRunBesideWriter(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewSQLiteStorage(filepath.Join(dir, "search.db"))
	require.NoError(t, err)
	defer storage.Close()

	require.NotNil(t, storage.reader)
	assert.Equal(t, ReadConnections, storage.reader.Stats().MaxOpenConnections)

	ctx := context.Background()
	c := createTestCollection(t, storage, "articles", 2, distance.L2)
	doc := newDoc("committed", []float32{1, 0}, nil)
	doc.CollectionID = c.ID
	require.NoError(t, storage.InsertDocument(ctx, doc))

	// An open write transaction holds the only writer connection
	tx, err := storage.BeginTx(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	pending := newDoc("pending", []float32{0, 1}, nil)
	pending.CollectionID = c.ID
	require.NoError(t, tx.InsertDocument(ctx, pending))

	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	errs := make([]error, ReadConnections)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hits, err := storage.SearchVector(rctx, c.ID, []float32{0, 1}, 10, nil)
			if err == nil && len(hits) != 1 {
				err = fmt.Errorf("expected only the committed document, got %d hits", len(hits))
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	got, err := storage.GetDocument(rctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "committed", got.Content)
}

func TestMemoryDatabase_ReadsThroughWriter(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()
	assert.Nil(t, storage.reader)
	assert.Equal(t, "file:/tmp/a%3fb%23c%25d.db", fileURI("/tmp/a?b#c%d.db"))
}

func TestBeginTx_CommitRollback(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()

	// Test commit
	tx, err := storage.BeginTx(ctx)
	require.NoError(t, err)

	c := &Collection{Name: "committed", Dimension: 2, Metric: distance.L2}
	require.NoError(t, tx.CreateCollection(ctx, c))
	doc := newDoc("inside tx", []float32{1, 1}, nil)
	doc.CollectionID = c.ID
	require.NoError(t, tx.InsertDocument(ctx, doc))
	require.NoError(t, tx.Commit())

	// Verify committed
	retrieved, err := storage.GetCollection(ctx, "committed")
	require.NoError(t, err)
	assert.Equal(t, c.ID, retrieved.ID)
	n, err := storage.CountDocuments(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Test rollback
	tx2, err := storage.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx2.CreateCollection(ctx, &Collection{Name: "rolled", Dimension: 2, Metric: distance.L2}))
	require.NoError(t, tx2.Rollback())

	// Verify not committed
	_, err = storage.GetCollection(ctx, "rolled")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMigrations_Rollback(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	require.NoError(t, RollbackMigration(ctx, storage.db))
	v, err := SchemaVersion(ctx, storage.db)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v)

	require.NoError(t, ApplyMigrations(ctx, storage.db))
	v, err = SchemaVersion(ctx, storage.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)
}
