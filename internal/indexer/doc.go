// Package indexer coordinates the ingestion pipeline of a collection.
//
// The indexer validates incoming documents, embeds the ones that arrive
// without a vector, commits them through storage and feeds the committed
// rows to the ANN index manager.
//
// # Basic Usage
//
//	idx := indexer.New(store,
//	    indexer.WithEmbedder(emb),
//	    indexer.WithIndex(manager),
//	    indexer.WithInvalidator(planner),
//	)
//
//	stats, err := idx.Ingest(ctx, "articles", []indexer.DocumentInput{
//	    {Content: "the cat sat on the mat", Metadata: md},
//	}, nil)
//
//	fmt.Printf("Inserted %d documents in %v\n", stats.Inserted, stats.Duration)
//
// # Ingestion Pipeline
//
//  1. Validate: resolve the collection and check the embedder matches its dimension and model
//  2. Embed: generate missing vectors in batches of at most embedder.MaxBatchSize (parallel)
//  3. Store: BulkInsert in one transaction
//  4. Index: apply each committed row to the published index and invalidate cached queries
//
// # Atomicity
//
// By default a bad row fails the whole call with a *storage.BulkError and
// nothing is written. With Config.BestEffort every valid row is committed and
// Statistics.Failures lists the rest by input position. A provider failure
// during embedding aborts an all-or-nothing ingest; in best-effort mode it
// fails only the rows of the affected batch.
//
// # Re-embedding
//
// ReembedCollection regenerates every vector of a collection with a new
// embedder and swaps them in a single transaction, so a collection never
// mixes two models. A published index is rebuilt afterwards.
package indexer
