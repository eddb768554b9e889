package storage

import (
	"context"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/jackc/pgx/v5"

	"github.com/dshills/hybridsearch/pkg/metadata"
)

// postgresTx wraps a pgx transaction. The Tx interface carries no context
// on Commit and Rollback, so they run on the context the transaction was
// opened with.
type postgresTx struct {
	tx      pgx.Tx
	storage *PostgresStorage
	ctx     context.Context
}

func (t *postgresTx) Commit() error {
	return t.tx.Commit(t.context())
}

func (t *postgresTx) Rollback() error {
	return t.tx.Rollback(t.context())
}

func (t *postgresTx) context() context.Context {
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}

func (t *postgresTx) querier() pgQuerier {
	return t.tx
}

func (t *postgresTx) CreateCollection(ctx context.Context, c *Collection) error {
	return t.storage.createCollectionWithQuerier(ctx, t.querier(), c)
}

func (t *postgresTx) GetCollection(ctx context.Context, name string) (*Collection, error) {
	return t.storage.getCollectionWithQuerier(ctx, t.querier(), name)
}

func (t *postgresTx) GetCollectionByID(ctx context.Context, id int64) (*Collection, error) {
	return t.storage.getCollectionByIDWithQuerier(ctx, t.querier(), id)
}

func (t *postgresTx) ListCollections(ctx context.Context) ([]*Collection, error) {
	return t.storage.listCollectionsWithQuerier(ctx, t.querier())
}

func (t *postgresTx) DeleteCollection(ctx context.Context, id int64) error {
	return t.storage.deleteCollectionWithQuerier(ctx, t.querier(), id)
}

func (t *postgresTx) InsertDocument(ctx context.Context, doc *Document) error {
	return t.storage.insertDocumentWithQuerier(ctx, t.querier(), doc)
}

func (t *postgresTx) BulkInsert(ctx context.Context, collectionID int64, docs []*Document, opts BulkOptions) (*BulkResult, error) {
	return t.storage.bulkInsertWithQuerier(ctx, t.querier(), collectionID, docs, opts)
}

func (t *postgresTx) GetDocument(ctx context.Context, id int64) (*Document, error) {
	return t.storage.getDocumentWithQuerier(ctx, t.querier(), id)
}

func (t *postgresTx) GetDocuments(ctx context.Context, ids []int64) ([]*Document, error) {
	return t.storage.getDocumentsWithQuerier(ctx, t.querier(), ids)
}

func (t *postgresTx) DeleteDocument(ctx context.Context, id int64) error {
	return t.storage.deleteDocumentWithQuerier(ctx, t.querier(), id)
}

func (t *postgresTx) CountDocuments(ctx context.Context, collectionID int64) (int, error) {
	return t.storage.countDocumentsWithQuerier(ctx, t.querier(), collectionID)
}

func (t *postgresTx) ListDocumentIDs(ctx context.Context, collectionID int64) ([]int64, error) {
	return t.storage.listDocumentIDsWithQuerier(ctx, t.querier(), collectionID)
}

func (t *postgresTx) ScanDocuments(ctx context.Context, collectionID int64, fn func(*Document) error) error {
	return t.storage.scanDocumentsWithQuerier(ctx, t.querier(), collectionID, fn)
}

func (t *postgresTx) UpdateEmbedding(ctx context.Context, id int64, vector []float32, model string) error {
	return t.storage.updateEmbeddingWithQuerier(ctx, t.querier(), id, vector, model)
}

func (t *postgresTx) ReplaceEmbeddings(ctx context.Context, collectionID int64, updates []EmbeddingUpdate, model string) error {
	return t.storage.replaceEmbeddingsWithQuerier(ctx, t.querier(), collectionID, updates, model)
}

func (t *postgresTx) ScanEmbeddings(ctx context.Context, collectionID int64, fn func(int64, []float32) error) error {
	return t.storage.scanEmbeddingsWithQuerier(ctx, t.querier(), collectionID, fn)
}

func (t *postgresTx) FilterDocuments(ctx context.Context, collectionID int64, filters *metadata.FilterSet) (*roaring64.Bitmap, error) {
	return t.storage.filterDocumentsWithQuerier(ctx, t.querier(), collectionID, filters)
}

func (t *postgresTx) SearchVector(ctx context.Context, collectionID int64, vector []float32, limit int, opts *VectorSearchOptions) ([]VectorResult, error) {
	return t.storage.searchVectorWithQuerier(ctx, t.querier(), collectionID, vector, limit, opts)
}

func (t *postgresTx) SearchText(ctx context.Context, collectionID int64, query string, limit int, filters *metadata.FilterSet) ([]TextResult, error) {
	return t.storage.searchTextWithQuerier(ctx, t.querier(), collectionID, query, limit, filters)
}

func (t *postgresTx) GetStatus(ctx context.Context, collectionID int64) (*CollectionStatus, error) {
	return t.storage.getStatusWithQuerier(ctx, t.querier(), collectionID)
}

func (t *postgresTx) RecordSearch(ctx context.Context, rec *SearchRecord) error {
	return t.storage.recordSearchWithQuerier(ctx, t.querier(), rec)
}

func (t *postgresTx) Close() error {
	return nil
}

// BeginTx opens a savepoint inside the transaction.
func (t *postgresTx) BeginTx(ctx context.Context) (Tx, error) {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &postgresTx{tx: sp, storage: t.storage, ctx: ctx}, nil
}
