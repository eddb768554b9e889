package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dshills/hybridsearch/pkg/metadata"
	"github.com/dshills/hybridsearch/pkg/types"
)

// CopyThreshold is the batch size from which an all-or-nothing bulk insert
// switches to the COPY protocol.
const CopyThreshold = 256

// PostgreSQL error codes translated into the shared taxonomy.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresStorage implements the Storage interface on PostgreSQL with the
// pgvector extension.
type PostgresStorage struct {
	pool *pgxpool.Pool

	mu          sync.RWMutex
	collections map[int64]*Collection
}

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx. Begin on a
// transaction opens a savepoint.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// NewPostgresStorage connects to dsn, verifies the connection and applies
// migrations.
func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	if err := ApplyPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return &PostgresStorage{pool: pool, collections: make(map[int64]*Collection)}, nil
}

// Close closes the connection pool
func (p *PostgresStorage) Close() error {
	p.pool.Close()
	return nil
}

// BeginTx starts a new transaction
func (p *PostgresStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &postgresTx{tx: tx, storage: p, ctx: ctx}, nil
}

func (p *PostgresStorage) querier() pgQuerier {
	return p.pool
}

// inTx runs fn in a transaction, joining q when it already is one.
func (p *PostgresStorage) inTx(ctx context.Context, q pgQuerier, fn func(q pgQuerier) error) error {
	if tx, ok := q.(pgx.Tx); ok {
		return fn(tx)
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

// translatePgError maps driver errors onto the shared taxonomy.
func translatePgError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", what, ErrAlreadyExists)
		case pgForeignKeyViolation:
			return fmt.Errorf("%s: %w", what, ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

// Collection operations

func (p *PostgresStorage) createCollectionWithQuerier(ctx context.Context, q pgQuerier, c *Collection) error {
	if err := ValidateCollection(c); err != nil {
		return err
	}
	if c.IndexStrategy == "" {
		c.IndexStrategy = "hnsw"
	}
	now := time.Now().UTC()
	err := q.QueryRow(ctx, `
		INSERT INTO collections (name, dimension, metric, index_strategy, embedding_model, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id`,
		c.Name, c.Dimension, c.Metric.String(), c.IndexStrategy, c.EmbeddingModel, now).Scan(&c.ID)
	if err != nil {
		return translatePgError(err, fmt.Sprintf("collection %q", c.Name))
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	return nil
}

func (p *PostgresStorage) CreateCollection(ctx context.Context, c *Collection) error {
	return p.createCollectionWithQuerier(ctx, p.querier(), c)
}

func (p *PostgresStorage) getCollectionWithQuerier(ctx context.Context, q pgQuerier, name string) (*Collection, error) {
	c, err := scanCollection(q.QueryRow(ctx, "SELECT "+collectionColumns+" FROM collections WHERE name = $1", name))
	if err != nil {
		return nil, translatePgError(err, fmt.Sprintf("collection %q", name))
	}
	return c, nil
}

func (p *PostgresStorage) GetCollection(ctx context.Context, name string) (*Collection, error) {
	return p.getCollectionWithQuerier(ctx, p.querier(), name)
}

func (p *PostgresStorage) getCollectionByIDWithQuerier(ctx context.Context, q pgQuerier, id int64) (*Collection, error) {
	p.mu.RLock()
	cached, ok := p.collections[id]
	p.mu.RUnlock()
	if ok {
		c := *cached
		return &c, nil
	}

	c, err := scanCollection(q.QueryRow(ctx, "SELECT "+collectionColumns+" FROM collections WHERE id = $1", id))
	if err != nil {
		return nil, translatePgError(err, fmt.Sprintf("collection %d", id))
	}
	if _, isTx := q.(pgx.Tx); !isTx {
		cp := *c
		p.mu.Lock()
		p.collections[id] = &cp
		p.mu.Unlock()
	}
	return c, nil
}

func (p *PostgresStorage) GetCollectionByID(ctx context.Context, id int64) (*Collection, error) {
	return p.getCollectionByIDWithQuerier(ctx, p.querier(), id)
}

func (p *PostgresStorage) forgetCollection(id int64) {
	p.mu.Lock()
	delete(p.collections, id)
	p.mu.Unlock()
}

func (p *PostgresStorage) listCollectionsWithQuerier(ctx context.Context, q pgQuerier) ([]*Collection, error) {
	rows, err := q.Query(ctx, "SELECT "+collectionColumns+" FROM collections ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var out []*Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStorage) ListCollections(ctx context.Context) ([]*Collection, error) {
	return p.listCollectionsWithQuerier(ctx, p.querier())
}

func (p *PostgresStorage) deleteCollectionWithQuerier(ctx context.Context, q pgQuerier, id int64) error {
	defer p.forgetCollection(id)
	tag, err := q.Exec(ctx, "DELETE FROM collections WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("collection %d: %w", id, ErrNotFound)
	}
	return nil
}

func (p *PostgresStorage) DeleteCollection(ctx context.Context, id int64) error {
	return p.deleteCollectionWithQuerier(ctx, p.querier(), id)
}

// Document operations

func (p *PostgresStorage) writeDocument(ctx context.Context, q pgQuerier, c *Collection, doc *Document, now time.Time) error {
	md, err := prepareDocument(c, doc, now)
	if err != nil {
		return err
	}
	err = q.QueryRow(ctx, `
		INSERT INTO documents (collection_id, content, embedding, dimension, embedding_model, metadata, created_at, updated_at)
		VALUES ($1, $2, $3::real[]::vector, $4, $5, $6::jsonb, $7, $7)
		RETURNING id`,
		c.ID, doc.Content, doc.Embedding, len(doc.Embedding), doc.EmbeddingModel, md, now).Scan(&doc.ID)
	if err != nil {
		return translatePgError(err, "insert document")
	}
	for _, key := range doc.Metadata.Keys() {
		v := doc.Metadata[key]
		num, text := metadataColumns(v)
		if _, err := q.Exec(ctx,
			"INSERT INTO document_metadata (document_id, key, kind, num_value, text_value) VALUES ($1, $2, $3, $4, $5)",
			doc.ID, key, metadataKind(v), num, text); err != nil {
			return fmt.Errorf("failed to insert metadata %q: %w", key, err)
		}
	}
	return nil
}

func (p *PostgresStorage) insertDocumentWithQuerier(ctx context.Context, q pgQuerier, doc *Document) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", types.ErrInvalidParameter)
	}
	c, err := p.getCollectionByIDWithQuerier(ctx, q, doc.CollectionID)
	if err != nil {
		return err
	}
	c, pinned := pinModel(c, []*Document{doc})
	if err := validateDocument(c, doc); err != nil {
		return err
	}
	if pinned {
		defer p.forgetCollection(c.ID)
	}
	err = p.inTx(ctx, q, func(q pgQuerier) error {
		if pinned {
			if err := p.pinEmbeddingModel(ctx, q, c); err != nil {
				return err
			}
		}
		return p.writeDocument(ctx, q, c, doc, time.Now().UTC())
	})
	if err != nil {
		doc.ID = 0
	}
	return err
}

func (p *PostgresStorage) InsertDocument(ctx context.Context, doc *Document) error {
	return p.insertDocumentWithQuerier(ctx, p.querier(), doc)
}

// pinEmbeddingModel records c.EmbeddingModel on a collection stored without
// one. The collection row stays locked until the transaction ends.
func (p *PostgresStorage) pinEmbeddingModel(ctx context.Context, q pgQuerier, c *Collection) error {
	var current string
	err := q.QueryRow(ctx, "SELECT embedding_model FROM collections WHERE id = $1 FOR UPDATE", c.ID).Scan(&current)
	if err != nil {
		return translatePgError(err, fmt.Sprintf("collection %d", c.ID))
	}
	switch current {
	case c.EmbeddingModel:
		return nil
	case "":
		if _, err := q.Exec(ctx, "UPDATE collections SET embedding_model = $1, updated_at = $2 WHERE id = $3",
			c.EmbeddingModel, time.Now().UTC(), c.ID); err != nil {
			return fmt.Errorf("failed to pin collection model: %w", err)
		}
		return nil
	default:
		return modelConflict(c, current, c.EmbeddingModel)
	}
}

func (p *PostgresStorage) bulkInsertWithQuerier(ctx context.Context, q pgQuerier, collectionID int64, docs []*Document, opts BulkOptions) (*BulkResult, error) {
	c, err := p.getCollectionByIDWithQuerier(ctx, q, collectionID)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if doc != nil {
			doc.CollectionID = collectionID
		}
	}

	c, pinned := pinModel(c, docs)
	result := newBulkResult(len(docs))
	failures := validateBulk(c, docs)
	if len(failures) > 0 && !opts.BestEffort {
		return nil, &BulkError{Failures: failures}
	}
	result.Failures = failures
	rejected := make(map[int]bool, len(failures))
	for _, f := range failures {
		rejected[f.Index] = true
	}
	if pinned {
		defer p.forgetCollection(c.ID)
	}

	now := time.Now().UTC()
	err = p.inTx(ctx, q, func(q pgQuerier) error {
		if pinned && len(rejected) < len(docs) {
			if err := p.pinEmbeddingModel(ctx, q, c); err != nil {
				return err
			}
		}
		if !opts.BestEffort && len(docs) >= CopyThreshold {
			return p.copyDocuments(ctx, q, c, docs, now)
		}
		for i, doc := range docs {
			if rejected[i] {
				continue
			}
			if !opts.BestEffort {
				if err := p.writeDocument(ctx, q, c, doc, now); err != nil {
					return &BulkError{Failures: []RowFailure{{Index: i, Reason: err.Error(), Err: err}}}
				}
				continue
			}

			sp, err := q.Begin(ctx)
			if err != nil {
				return fmt.Errorf("failed to create savepoint: %w", err)
			}
			if err := p.writeDocument(ctx, sp, c, doc, now); err != nil {
				_ = sp.Rollback(ctx)
				doc.ID = 0
				result.Failures = append(result.Failures, RowFailure{Index: i, Reason: err.Error(), Err: err})
				continue
			}
			if err := sp.Commit(ctx); err != nil {
				return fmt.Errorf("failed to release savepoint: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		for _, doc := range docs {
			if doc != nil {
				doc.ID = 0
			}
		}
		return nil, err
	}

	for i, doc := range docs {
		if doc != nil && !rejected[i] && doc.ID != 0 {
			result.IDs[i] = doc.ID
			result.Inserted++
		}
	}
	sortFailures(result.Failures)
	return result, nil
}

// copyDocuments loads a validated batch through a staging table with COPY.
// Ids are drawn from the documents sequence up front so metadata rows can be
// copied without a round trip per document.
func (p *PostgresStorage) copyDocuments(ctx context.Context, q pgQuerier, c *Collection, docs []*Document, now time.Time) error {
	rows, err := q.Query(ctx,
		"SELECT nextval(pg_get_serial_sequence('documents', 'id')) FROM generate_series(1, $1)", len(docs))
	if err != nil {
		return fmt.Errorf("failed to reserve document ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return fmt.Errorf("failed to reserve document ids: %w", err)
	}

	encoded := make([]string, len(docs))
	for i, doc := range docs {
		if encoded[i], err = prepareDocument(c, doc, now); err != nil {
			return err
		}
		doc.ID = ids[i]
	}

	if _, err := q.Exec(ctx, `
		CREATE TEMP TABLE IF NOT EXISTS hs_staging_documents (
			id BIGINT, collection_id BIGINT, content TEXT, embedding REAL[],
			dimension INTEGER, embedding_model TEXT, metadata TEXT, created_at TIMESTAMPTZ
		) ON COMMIT DROP`); err != nil {
		return fmt.Errorf("failed to create staging table: %w", err)
	}

	_, err = q.CopyFrom(ctx, pgx.Identifier{"hs_staging_documents"},
		[]string{"id", "collection_id", "content", "embedding", "dimension", "embedding_model", "metadata", "created_at"},
		pgx.CopyFromSlice(len(docs), func(i int) ([]any, error) {
			d := docs[i]
			return []any{d.ID, c.ID, d.Content, d.Embedding, len(d.Embedding), d.EmbeddingModel, encoded[i], now}, nil
		}))
	if err != nil {
		return fmt.Errorf("failed to copy documents: %w", err)
	}

	if _, err := q.Exec(ctx, `
		INSERT INTO documents (id, collection_id, content, embedding, dimension, embedding_model, metadata, created_at, updated_at)
		SELECT id, collection_id, content, embedding::vector, dimension, embedding_model, metadata::jsonb, created_at, created_at
		FROM hs_staging_documents`); err != nil {
		return translatePgError(err, "insert documents")
	}
	if _, err := q.Exec(ctx, "DROP TABLE hs_staging_documents"); err != nil {
		return fmt.Errorf("failed to drop staging table: %w", err)
	}

	var metaRows [][]any
	for _, doc := range docs {
		for _, key := range doc.Metadata.Keys() {
			v := doc.Metadata[key]
			num, text := metadataColumns(v)
			metaRows = append(metaRows, []any{doc.ID, key, metadataKind(v), num, text})
		}
	}
	if len(metaRows) == 0 {
		return nil
	}
	_, err = q.CopyFrom(ctx, pgx.Identifier{"document_metadata"},
		[]string{"document_id", "key", "kind", "num_value", "text_value"}, pgx.CopyFromRows(metaRows))
	if err != nil {
		return fmt.Errorf("failed to copy metadata: %w", err)
	}
	return nil
}

func (p *PostgresStorage) BulkInsert(ctx context.Context, collectionID int64, docs []*Document, opts BulkOptions) (*BulkResult, error) {
	return p.bulkInsertWithQuerier(ctx, p.querier(), collectionID, docs, opts)
}

const pgDocumentColumns = `d.id, d.collection_id, d.content, d.embedding::real[], d.embedding_model, d.metadata::text, d.created_at, d.updated_at`

func scanPgDocument(row pgx.Row) (*Document, error) {
	var doc Document
	var md string
	if err := row.Scan(&doc.ID, &doc.CollectionID, &doc.Content, &doc.Embedding,
		&doc.EmbeddingModel, &md, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if doc.Metadata, err = decodeMetadata(md); err != nil {
		return nil, fmt.Errorf("document %d: %w", doc.ID, err)
	}
	return &doc, nil
}

func (p *PostgresStorage) getDocumentWithQuerier(ctx context.Context, q pgQuerier, id int64) (*Document, error) {
	doc, err := scanPgDocument(q.QueryRow(ctx, "SELECT "+pgDocumentColumns+" FROM documents d WHERE d.id = $1", id))
	if err != nil {
		return nil, translatePgError(err, fmt.Sprintf("document %d", id))
	}
	return doc, nil
}

func (p *PostgresStorage) GetDocument(ctx context.Context, id int64) (*Document, error) {
	return p.getDocumentWithQuerier(ctx, p.querier(), id)
}

func (p *PostgresStorage) getDocumentsWithQuerier(ctx context.Context, q pgQuerier, ids []int64) ([]*Document, error) {
	rows, err := q.Query(ctx, "SELECT "+pgDocumentColumns+" FROM documents d WHERE d.id = ANY($1)", ids)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch documents: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*Document, len(ids))
	for rows.Next() {
		doc, err := scanPgDocument(rows)
		if err != nil {
			return nil, err
		}
		byID[doc.ID] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Document, 0, len(byID))
	for _, id := range ids {
		if doc, ok := byID[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (p *PostgresStorage) GetDocuments(ctx context.Context, ids []int64) ([]*Document, error) {
	return p.getDocumentsWithQuerier(ctx, p.querier(), ids)
}

func (p *PostgresStorage) deleteDocumentWithQuerier(ctx context.Context, q pgQuerier, id int64) error {
	tag, err := q.Exec(ctx, "DELETE FROM documents WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %d: %w", id, ErrNotFound)
	}
	return nil
}

func (p *PostgresStorage) DeleteDocument(ctx context.Context, id int64) error {
	return p.deleteDocumentWithQuerier(ctx, p.querier(), id)
}

func (p *PostgresStorage) countDocumentsWithQuerier(ctx context.Context, q pgQuerier, collectionID int64) (int, error) {
	var n int
	if err := q.QueryRow(ctx, "SELECT COUNT(*) FROM documents WHERE collection_id = $1", collectionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

func (p *PostgresStorage) CountDocuments(ctx context.Context, collectionID int64) (int, error) {
	return p.countDocumentsWithQuerier(ctx, p.querier(), collectionID)
}

func (p *PostgresStorage) listDocumentIDsWithQuerier(ctx context.Context, q pgQuerier, collectionID int64) ([]int64, error) {
	rows, err := q.Query(ctx, "SELECT id FROM documents WHERE collection_id = $1 ORDER BY id", collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (p *PostgresStorage) ListDocumentIDs(ctx context.Context, collectionID int64) ([]int64, error) {
	return p.listDocumentIDsWithQuerier(ctx, p.querier(), collectionID)
}

// snapshotRead runs fn inside a REPEATABLE READ read-only transaction unless
// q already is a transaction.
func (p *PostgresStorage) snapshotRead(ctx context.Context, q pgQuerier, fn func(q pgQuerier) error) error {
	if tx, ok := q.(pgx.Tx); ok {
		return fn(tx)
	}
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly},
		func(tx pgx.Tx) error { return fn(tx) })
}

func (p *PostgresStorage) scanDocumentsWithQuerier(ctx context.Context, q pgQuerier, collectionID int64, fn func(*Document) error) error {
	return p.snapshotRead(ctx, q, func(q pgQuerier) error {
		rows, err := q.Query(ctx,
			"SELECT "+pgDocumentColumns+" FROM documents d WHERE d.collection_id = $1 ORDER BY d.id", collectionID)
		if err != nil {
			return fmt.Errorf("failed to scan documents: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			doc, err := scanPgDocument(rows)
			if err != nil {
				return err
			}
			if err := fn(doc); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}

func (p *PostgresStorage) ScanDocuments(ctx context.Context, collectionID int64, fn func(*Document) error) error {
	return p.scanDocumentsWithQuerier(ctx, p.querier(), collectionID, fn)
}

func (p *PostgresStorage) scanEmbeddingsWithQuerier(ctx context.Context, q pgQuerier, collectionID int64, fn func(int64, []float32) error) error {
	return p.snapshotRead(ctx, q, func(q pgQuerier) error {
		rows, err := q.Query(ctx,
			"SELECT id, embedding::real[] FROM documents WHERE collection_id = $1 ORDER BY id", collectionID)
		if err != nil {
			return fmt.Errorf("failed to scan embeddings: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			var vec []float32
			if err := rows.Scan(&id, &vec); err != nil {
				return err
			}
			if err := fn(id, vec); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}

func (p *PostgresStorage) ScanEmbeddings(ctx context.Context, collectionID int64, fn func(int64, []float32) error) error {
	return p.scanEmbeddingsWithQuerier(ctx, p.querier(), collectionID, fn)
}

// Embedding operations

func (p *PostgresStorage) updateEmbeddingWithQuerier(ctx context.Context, q pgQuerier, id int64, vector []float32, model string) error {
	var collectionID int64
	if err := q.QueryRow(ctx, "SELECT collection_id FROM documents WHERE id = $1", id).Scan(&collectionID); err != nil {
		return translatePgError(err, fmt.Sprintf("document %d", id))
	}
	c, err := p.getCollectionByIDWithQuerier(ctx, q, collectionID)
	if err != nil {
		return err
	}
	if len(vector) != c.Dimension {
		return types.NewDimensionMismatch(c.Dimension, len(vector))
	}
	if err := checkFinite(vector); err != nil {
		return err
	}
	if model == "" {
		model = c.EmbeddingModel
	}
	switch {
	case c.EmbeddingModel == "" && model != "":
		pinned := *c
		pinned.EmbeddingModel = model
		defer p.forgetCollection(c.ID)
		if err := p.pinEmbeddingModel(ctx, q, &pinned); err != nil {
			return err
		}
	case model != c.EmbeddingModel:
		return modelConflict(c, c.EmbeddingModel, model)
	}
	_, err = q.Exec(ctx,
		"UPDATE documents SET embedding = $1::real[]::vector, embedding_model = $2, updated_at = $3 WHERE id = $4",
		vector, model, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update embedding: %w", err)
	}
	return nil
}

func (p *PostgresStorage) UpdateEmbedding(ctx context.Context, id int64, vector []float32, model string) error {
	return p.inTx(ctx, p.querier(), func(q pgQuerier) error {
		return p.updateEmbeddingWithQuerier(ctx, q, id, vector, model)
	})
}

func (p *PostgresStorage) replaceEmbeddingsWithQuerier(ctx context.Context, q pgQuerier, collectionID int64, updates []EmbeddingUpdate, model string) error {
	c, err := p.getCollectionByIDWithQuerier(ctx, q, collectionID)
	if err != nil {
		return err
	}
	if err := validateReplacement(c, updates); err != nil {
		return err
	}
	defer p.forgetCollection(collectionID)

	return p.inTx(ctx, q, func(q pgQuerier) error {
		count, err := p.countDocumentsWithQuerier(ctx, q, collectionID)
		if err != nil {
			return err
		}
		if count != len(updates) {
			return fmt.Errorf("%w: re-embed must cover all %d documents, got %d",
				types.ErrInvalidParameter, count, len(updates))
		}

		now := time.Now().UTC()
		batch := &pgx.Batch{}
		for _, u := range updates {
			batch.Queue(`UPDATE documents SET embedding = $1::real[]::vector, embedding_model = $2, updated_at = $3
				WHERE id = $4 AND collection_id = $5`, u.Embedding, model, now, u.DocumentID, collectionID)
		}
		tx, ok := q.(pgx.Tx)
		if !ok {
			return errors.New("re-embed requires a transaction")
		}
		results := tx.SendBatch(ctx, batch)
		for _, u := range updates {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close()
				return fmt.Errorf("failed to update document %d: %w", u.DocumentID, err)
			}
			if tag.RowsAffected() == 0 {
				_ = results.Close()
				return fmt.Errorf("%w: document %d is not in collection %q",
					types.ErrInvalidParameter, u.DocumentID, c.Name)
			}
		}
		if err := results.Close(); err != nil {
			return err
		}

		_, err = q.Exec(ctx, "UPDATE collections SET embedding_model = $1, updated_at = $2 WHERE id = $3",
			model, now, collectionID)
		if err != nil {
			return fmt.Errorf("failed to update collection model: %w", err)
		}
		return nil
	})
}

func (p *PostgresStorage) ReplaceEmbeddings(ctx context.Context, collectionID int64, updates []EmbeddingUpdate, model string) error {
	return p.replaceEmbeddingsWithQuerier(ctx, p.querier(), collectionID, updates, model)
}

// Search operations

func (p *PostgresStorage) filterDocumentsWithQuerier(ctx context.Context, q pgQuerier, collectionID int64, filters *metadata.FilterSet) (*roaring64.Bitmap, error) {
	b := newFilterBuilder(postgresDialect, collectionID)
	where, err := b.where(filters)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, "SELECT d.id FROM documents d WHERE d.collection_id = $1"+where, b.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to filter documents: %w", err)
	}
	defer rows.Close()

	bm := roaring64.New()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		bm.Add(uint64(id))
	}
	return bm, rows.Err()
}

func (p *PostgresStorage) FilterDocuments(ctx context.Context, collectionID int64, filters *metadata.FilterSet) (*roaring64.Bitmap, error) {
	return p.filterDocumentsWithQuerier(ctx, p.querier(), collectionID, filters)
}

func (p *PostgresStorage) searchVectorWithQuerier(ctx context.Context, q pgQuerier, collectionID int64, vector []float32, limit int, opts *VectorSearchOptions) ([]VectorResult, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: limit must be >= 1", types.ErrInvalidParameter)
	}
	c, err := p.getCollectionByIDWithQuerier(ctx, q, collectionID)
	if err != nil {
		return nil, err
	}
	if len(vector) != c.Dimension {
		return nil, types.NewDimensionMismatch(c.Dimension, len(vector))
	}
	op, err := metricOperator(c.Metric)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &VectorSearchOptions{}
	}

	b := newFilterBuilder(postgresDialect, vector, collectionID)
	// pgvector yields NaN for the cosine distance of a zero vector; it ranks
	// at distance 1 like the in-memory metric
	query := fmt.Sprintf(
		"SELECT d.id, COALESCE(NULLIF((d.embedding %s $1::real[]::vector)::float8, 'NaN'::float8), 1) AS dist "+
			"FROM documents d WHERE d.collection_id = $2", op)
	if opts.Keywords != "" {
		tsq := sanitizeTSQuery(opts.Keywords)
		if tsq == "" {
			return nil, ErrEmptyKeywordQuery
		}
		query += " AND d.tsv @@ to_tsquery('simple', " + b.bind(tsq) + ")"
	}
	where, err := b.where(opts.Filters)
	if err != nil {
		return nil, err
	}
	query += where + " ORDER BY dist ASC, d.id ASC LIMIT " + b.bind(limit)

	rows, err := q.Query(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	results := make([]VectorResult, 0, limit)
	for rows.Next() {
		var r VectorResult
		if err := rows.Scan(&r.DocumentID, &r.Distance); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (p *PostgresStorage) SearchVector(ctx context.Context, collectionID int64, vector []float32, limit int, opts *VectorSearchOptions) ([]VectorResult, error) {
	return p.searchVectorWithQuerier(ctx, p.querier(), collectionID, vector, limit, opts)
}

func (p *PostgresStorage) searchTextWithQuerier(ctx context.Context, q pgQuerier, collectionID int64, query string, limit int, filters *metadata.FilterSet) ([]TextResult, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: limit must be >= 1", types.ErrInvalidParameter)
	}
	tsq := sanitizeTSQuery(query)
	if tsq == "" {
		return nil, ErrEmptyKeywordQuery
	}

	b := newFilterBuilder(postgresDialect, tsq, collectionID)
	sqlQuery := `
		SELECT d.id, ts_rank_cd(d.tsv, q)::float8 AS score
		FROM documents d, to_tsquery('simple', $1) q
		WHERE d.tsv @@ q AND d.collection_id = $2`
	where, err := b.where(filters)
	if err != nil {
		return nil, err
	}
	sqlQuery += where + " ORDER BY score DESC, d.id ASC LIMIT " + b.bind(limit)

	rows, err := q.Query(ctx, sqlQuery, b.args...)
	if err != nil {
		return nil, fmt.Errorf("text search failed: %w", err)
	}
	defer rows.Close()

	results := make([]TextResult, 0, limit)
	for rows.Next() {
		var r TextResult
		var score float64
		if err := rows.Scan(&r.DocumentID, &score); err != nil {
			return nil, err
		}
		r.Score = score / (1 + score)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (p *PostgresStorage) SearchText(ctx context.Context, collectionID int64, query string, limit int, filters *metadata.FilterSet) ([]TextResult, error) {
	return p.searchTextWithQuerier(ctx, p.querier(), collectionID, query, limit, filters)
}

// Status operations

func (p *PostgresStorage) getStatusWithQuerier(ctx context.Context, q pgQuerier, collectionID int64) (*CollectionStatus, error) {
	c, err := p.getCollectionByIDWithQuerier(ctx, q, collectionID)
	if err != nil {
		return nil, err
	}
	status := &CollectionStatus{Collection: c, Backend: "postgres"}

	if status.DocumentCount, err = p.countDocumentsWithQuerier(ctx, q, collectionID); err != nil {
		return nil, err
	}

	err = q.QueryRow(ctx, `
		SELECT COUNT(DISTINCT m.key)
		FROM document_metadata m JOIN documents d ON d.id = m.document_id
		WHERE d.collection_id = $1`, collectionID).Scan(&status.MetadataKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to count metadata keys: %w", err)
	}

	var last *time.Time
	if err := q.QueryRow(ctx, "SELECT MAX(created_at) FROM documents WHERE collection_id = $1", collectionID).Scan(&last); err != nil {
		return nil, fmt.Errorf("failed to read last insert: %w", err)
	}
	if last != nil {
		status.LastInsertedAt = *last
	}

	err = q.QueryRow(ctx,
		"SELECT COUNT(*), COALESCE(AVG(duration_ms), 0)::float8 FROM search_queries WHERE collection_id = $1",
		collectionID).Scan(&status.QueriesServed, &status.AvgQueryMs)
	if err != nil {
		return nil, fmt.Errorf("failed to read query log: %w", err)
	}

	var size int64
	if err := q.QueryRow(ctx, "SELECT pg_total_relation_size('documents')").Scan(&size); err == nil {
		status.StorageSizeMB = float64(size) / (1024 * 1024)
	}
	if v, err := pgSchemaVersion(ctx, q); err == nil {
		status.SchemaVersion = v.String()
	}

	status.Health = HealthStatus{
		DatabaseAccessible: true,
		FTSIndexBuilt:      true,
		DocumentsAvailable: status.DocumentCount > 0,
	}
	return status, nil
}

func (p *PostgresStorage) GetStatus(ctx context.Context, collectionID int64) (*CollectionStatus, error) {
	return p.getStatusWithQuerier(ctx, p.querier(), collectionID)
}

func (p *PostgresStorage) recordSearchWithQuerier(ctx context.Context, q pgQuerier, rec *SearchRecord) error {
	_, err := q.Exec(ctx, `
		INSERT INTO search_queries (collection_id, strategy, result_count, duration_ms, approximate)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.CollectionID, rec.Strategy, rec.ResultCount, rec.Duration.Milliseconds(), rec.Approximate)
	if err != nil {
		return fmt.Errorf("failed to record search: %w", err)
	}
	return nil
}

func (p *PostgresStorage) RecordSearch(ctx context.Context, rec *SearchRecord) error {
	return p.recordSearchWithQuerier(ctx, p.querier(), rec)
}
