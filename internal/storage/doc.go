// Package storage persists collections, documents, embeddings and metadata,
// and answers exact vector, full-text and metadata-predicate queries.
//
// Two backends implement Storage:
//   - SQLiteStorage: embedded SQLite with FTS5. Embeddings are little-endian
//     float32 BLOBs and distances are computed by the hs_distance scalar
//     function registered with the driver.
//   - PostgresStorage: PostgreSQL with pgvector for embeddings and a
//     generated tsvector column for keyword search.
//
// # Schema
//
// Tables:
//   - collections: name, dimension, metric, index strategy, embedding model
//   - documents: content, embedding, JSON metadata
//   - document_metadata: one typed row per metadata key, used for filter
//     push-down
//   - documents_fts: FTS5 index over documents.content (SQLite only)
//   - search_queries: query log backing status reporting
//
// # Basic Usage
//
//	db, err := storage.NewSQLiteStorage("~/.hybridsearch/search.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	c := &storage.Collection{Name: "articles", Dimension: 384, Metric: distance.Cosine}
//	if err := db.CreateCollection(ctx, c); err != nil {
//	    return err
//	}
//
//	res, err := db.BulkInsert(ctx, c.ID, docs, storage.BulkOptions{BestEffort: true})
//
// # Transactions
//
// Use transactions for atomic operations:
//
//	tx, err := db.BeginTx(ctx)
//	if err != nil {
//	    return err
//	}
//	defer tx.Rollback()
//
//	// ... perform operations on tx ...
//
//	return tx.Commit()
//
// # Filters
//
// Metadata filters are translated into one EXISTS predicate per filter over
// document_metadata. A document missing a filtered key never matches, and
// the SQL result agrees with metadata.FilterSet.Matches for every operator.
package storage
