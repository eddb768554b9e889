package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/dshills/hybridsearch/pkg/metadata"
)

// sqliteTx wraps a SQL transaction. Every call runs on the transaction's
// connection; with a single pooled connection, touching the outer *sql.DB
// while a transaction is open would block.
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

// querier returns the transaction querier
func (t *sqliteTx) querier() querier {
	return t.tx
}

func (t *sqliteTx) CreateCollection(ctx context.Context, c *Collection) error {
	return t.storage.createCollectionWithQuerier(ctx, t.querier(), c)
}

func (t *sqliteTx) GetCollection(ctx context.Context, name string) (*Collection, error) {
	return t.storage.getCollectionWithQuerier(ctx, t.querier(), name)
}

func (t *sqliteTx) GetCollectionByID(ctx context.Context, id int64) (*Collection, error) {
	return t.storage.getCollectionByIDWithQuerier(ctx, t.querier(), id)
}

func (t *sqliteTx) ListCollections(ctx context.Context) ([]*Collection, error) {
	return t.storage.listCollectionsWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) DeleteCollection(ctx context.Context, id int64) error {
	return t.storage.deleteCollectionWithQuerier(ctx, t.querier(), id)
}

func (t *sqliteTx) InsertDocument(ctx context.Context, doc *Document) error {
	return t.storage.insertDocumentWithQuerier(ctx, t.querier(), doc)
}

func (t *sqliteTx) BulkInsert(ctx context.Context, collectionID int64, docs []*Document, opts BulkOptions) (*BulkResult, error) {
	return t.storage.bulkInsertWithQuerier(ctx, t.querier(), collectionID, docs, opts)
}

func (t *sqliteTx) GetDocument(ctx context.Context, id int64) (*Document, error) {
	return t.storage.getDocumentWithQuerier(ctx, t.querier(), id)
}

func (t *sqliteTx) GetDocuments(ctx context.Context, ids []int64) ([]*Document, error) {
	return t.storage.getDocumentsWithQuerier(ctx, t.querier(), ids)
}

func (t *sqliteTx) DeleteDocument(ctx context.Context, id int64) error {
	return t.storage.deleteDocumentWithQuerier(ctx, t.querier(), id)
}

func (t *sqliteTx) CountDocuments(ctx context.Context, collectionID int64) (int, error) {
	return t.storage.countDocumentsWithQuerier(ctx, t.querier(), collectionID)
}

func (t *sqliteTx) ListDocumentIDs(ctx context.Context, collectionID int64) ([]int64, error) {
	return t.storage.listDocumentIDsWithQuerier(ctx, t.querier(), collectionID)
}

func (t *sqliteTx) ScanDocuments(ctx context.Context, collectionID int64, fn func(*Document) error) error {
	return t.storage.scanDocumentsWithQuerier(ctx, t.querier(), collectionID, fn)
}

func (t *sqliteTx) UpdateEmbedding(ctx context.Context, id int64, vector []float32, model string) error {
	return t.storage.updateEmbeddingWithQuerier(ctx, t.querier(), id, vector, model)
}

func (t *sqliteTx) ReplaceEmbeddings(ctx context.Context, collectionID int64, updates []EmbeddingUpdate, model string) error {
	return t.storage.replaceEmbeddingsWithQuerier(ctx, t.querier(), collectionID, updates, model)
}

func (t *sqliteTx) ScanEmbeddings(ctx context.Context, collectionID int64, fn func(int64, []float32) error) error {
	return t.storage.scanEmbeddingsWithQuerier(ctx, t.querier(), collectionID, fn)
}

func (t *sqliteTx) FilterDocuments(ctx context.Context, collectionID int64, filters *metadata.FilterSet) (*roaring64.Bitmap, error) {
	return t.storage.filterDocumentsWithQuerier(ctx, t.querier(), collectionID, filters)
}

func (t *sqliteTx) SearchVector(ctx context.Context, collectionID int64, vector []float32, limit int, opts *VectorSearchOptions) ([]VectorResult, error) {
	return t.storage.searchVectorWithQuerier(ctx, t.querier(), collectionID, vector, limit, opts)
}

func (t *sqliteTx) SearchText(ctx context.Context, collectionID int64, query string, limit int, filters *metadata.FilterSet) ([]TextResult, error) {
	return t.storage.searchTextWithQuerier(ctx, t.querier(), collectionID, query, limit, filters)
}

func (t *sqliteTx) GetStatus(ctx context.Context, collectionID int64) (*CollectionStatus, error) {
	return t.storage.getStatusWithQuerier(ctx, t.querier(), collectionID)
}

func (t *sqliteTx) RecordSearch(ctx context.Context, rec *SearchRecord) error {
	return t.storage.recordSearchWithQuerier(ctx, t.querier(), rec)
}

func (t *sqliteTx) Close() error {
	// Transactions don't close the underlying connection
	return nil
}

func (t *sqliteTx) BeginTx(ctx context.Context) (Tx, error) {
	// SQLite does not support true nested transactions
	return nil, errors.New("nested transactions not supported")
}
