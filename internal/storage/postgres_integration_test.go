//go:build integration

package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dshills/hybridsearch/internal/distance"
	"github.com/dshills/hybridsearch/pkg/metadata"
	"github.com/dshills/hybridsearch/pkg/types"
)

// setupPostgres starts a pgvector container and returns a connected storage.
func setupPostgres(t *testing.T) *PostgresStorage {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image: "pgvector/pgvector:pg16",
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())
	storage, err := NewPostgresStorage(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func TestPostgres_Lifecycle(t *testing.T) {
	storage := setupPostgres(t)
	ctx := context.Background()

	c := createTestCollection(t, storage, "articles", 2, distance.L2)
	err := storage.CreateCollection(ctx, &Collection{Name: "articles", Dimension: 2, Metric: distance.L2})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	docs := []*Document{
		newDoc("golang concurrency", []float32{0, 0}, metadata.Document{"year": metadata.Int(2020)}),
		newDoc("rust ownership", []float32{1, 0}, metadata.Document{"year": metadata.Int(2021)}),
		newDoc("golang generics", []float32{5, 5}, metadata.Document{"year": metadata.Int(2022)}),
	}
	res, err := storage.BulkInsert(ctx, c.ID, docs, BulkOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)

	got, err := storage.GetDocument(ctx, res.IDs[1])
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, got.Embedding)
	assert.True(t, got.Metadata["year"].Equal(metadata.Int(2021)))

	hits, err := storage.SearchVector(ctx, c.ID, []float32{0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, res.IDs[0], hits[0].DocumentID)
	assert.Equal(t, res.IDs[1], hits[1].DocumentID)

	text, err := storage.SearchText(ctx, c.ID, "golang", 10, metadata.NewFilterSet(
		metadata.Filter{Key: "year", Operator: metadata.OpGreaterThan, Value: metadata.Int(2020)}))
	require.NoError(t, err)
	require.Len(t, text, 1)
	assert.Equal(t, res.IDs[2], text[0].DocumentID)

	require.NoError(t, storage.DeleteDocument(ctx, res.IDs[0]))
	assert.ErrorIs(t, storage.DeleteDocument(ctx, res.IDs[0]), ErrNotFound)

	status, err := storage.GetStatus(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, status.DocumentCount)
	assert.Equal(t, "postgres", status.Backend)
	assert.Equal(t, CurrentSchemaVersion, status.SchemaVersion)
}

func TestPostgres_BulkCopy(t *testing.T) {
	storage := setupPostgres(t)
	ctx := context.Background()

	c := createTestCollection(t, storage, "bulk", 4, distance.Cosine)
	var docs []*Document
	for i := 0; i < CopyThreshold+10; i++ {
		docs = append(docs, newDoc(fmt.Sprintf("document number %d", i),
			[]float32{float32(i), 1, 2, 3}, metadata.Document{"i": metadata.Int(int64(i))}))
	}
	res, err := storage.BulkInsert(ctx, c.ID, docs, BulkOptions{})
	require.NoError(t, err)
	assert.Equal(t, len(docs), res.Inserted)

	n, err := storage.CountDocuments(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, len(docs), n)

	bm, err := storage.FilterDocuments(ctx, c.ID, metadata.NewFilterSet(
		metadata.Filter{Key: "i", Operator: metadata.OpLessThan, Value: metadata.Int(10)}))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), bm.GetCardinality())
}

func TestPostgres_BestEffort(t *testing.T) {
	storage := setupPostgres(t)
	ctx := context.Background()

	c := createTestCollection(t, storage, "partial", 2, distance.L2)
	docs := []*Document{
		newDoc("ok", []float32{1, 0}, nil),
		newDoc("bad", []float32{1}, nil),
		newDoc("ok too", []float32{0, 1}, nil),
	}
	res, err := storage.BulkInsert(ctx, c.ID, docs, BulkOptions{BestEffort: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 1, res.Failures[0].Index)
	assert.ErrorIs(t, res.Failures[0].Err, types.ErrDimensionMismatch)
}

func TestPostgres_CosineZeroVectorOrdering(t *testing.T) {
	storage := setupPostgres(t)
	ctx := context.Background()

	c := createTestCollection(t, storage, "cosine", 2, distance.Cosine)
	docs := []*Document{
		newDoc("same", []float32{1, 0}, nil),
		newDoc("zero", []float32{0, 0}, nil),
		newDoc("opposite", []float32{-1, 0}, nil),
	}
	res, err := storage.BulkInsert(ctx, c.ID, docs, BulkOptions{})
	require.NoError(t, err)

	hits, err := storage.SearchVector(ctx, c.ID, []float32{1, 0}, 3, nil)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, res.IDs, []int64{hits[0].DocumentID, hits[1].DocumentID, hits[2].DocumentID})
	assert.InDelta(t, 0, hits[0].Distance, 1e-6)
	assert.InDelta(t, 1, hits[1].Distance, 1e-6)
	assert.InDelta(t, 2, hits[2].Distance, 1e-6)
}

func TestPostgres_EmbeddingModelPinned(t *testing.T) {
	storage := setupPostgres(t)
	ctx := context.Background()

	c := &Collection{Name: "raw", Dimension: 2, Metric: distance.L2}
	require.NoError(t, storage.CreateCollection(ctx, c))

	doc := newDoc("first", []float32{1, 0}, nil)
	doc.CollectionID = c.ID
	doc.EmbeddingModel = "model-a"
	require.NoError(t, storage.InsertDocument(ctx, doc))

	got, err := storage.GetCollectionByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "model-a", got.EmbeddingModel)

	other := newDoc("other", []float32{0, 1}, nil)
	other.CollectionID = c.ID
	other.EmbeddingModel = "model-b"
	assert.ErrorIs(t, storage.InsertDocument(ctx, other), types.ErrInvalidParameter)
	assert.ErrorIs(t, storage.UpdateEmbedding(ctx, doc.ID, []float32{0, 1}, "model-b"), types.ErrInvalidParameter)
}
