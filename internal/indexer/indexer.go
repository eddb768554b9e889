package indexer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dshills/hybridsearch/internal/embedder"
	"github.com/dshills/hybridsearch/internal/index"
	"github.com/dshills/hybridsearch/internal/metrics"
	"github.com/dshills/hybridsearch/internal/storage"
	"github.com/dshills/hybridsearch/pkg/metadata"
	"github.com/dshills/hybridsearch/pkg/types"
)

// IndexUpdater receives committed writes. *index.Manager satisfies it.
type IndexUpdater interface {
	Has(collection string) bool
	Insert(ctx context.Context, collection string, id int64, vec []float32) error
	Delete(collection string, id int64)
	Status(collection string) index.Status
	Build(ctx context.Context, collection string, strategy index.Strategy, p index.Params) (*index.BuildResult, error)
}

// CacheInvalidator drops cached query responses of a collection.
type CacheInvalidator interface {
	InvalidateCollection(collection string)
}

// Indexer coordinates the ingestion pipeline: validate -> embed -> store -> index
type Indexer struct {
	storage     storage.Storage
	embedder    embedder.Embedder
	indexes     IndexUpdater
	invalidator CacheInvalidator
	logger      *zap.Logger
	metrics     *metrics.Metrics

	// Worker pool configuration
	workers int

	reembedLocks sync.Map // collection name -> *index.BuildLock
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithEmbedder sets the embedder used for documents without a vector.
func WithEmbedder(e embedder.Embedder) Option {
	return func(idx *Indexer) { idx.embedder = e }
}

// WithIndex sets the index manager fed with committed writes.
func WithIndex(u IndexUpdater) Option {
	return func(idx *Indexer) { idx.indexes = u }
}

// WithInvalidator sets the query cache to invalidate on writes.
func WithInvalidator(c CacheInvalidator) Option {
	return func(idx *Indexer) { idx.invalidator = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(idx *Indexer) { idx.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(idx *Indexer) { idx.metrics = m }
}

// Config contains configuration for one ingestion
type Config struct {
	Workers    int  // Number of concurrent embedding requests (default: runtime.NumCPU())
	BatchSize  int  // Texts per embedding request (default: embedder.DefaultBatchSize, max embedder.MaxBatchSize)
	BestEffort bool // Commit every valid row and report the rest
}

// DocumentInput is one document to ingest. A nil Embedding is generated from
// Content by the configured embedder.
type DocumentInput struct {
	Content   string
	Embedding []float32
	Metadata  metadata.Document
}

// Statistics contains statistics about an ingestion
type Statistics struct {
	Inserted int                  `json:"inserted"`
	Failed   int                  `json:"failed"`
	Embedded int                  `json:"embedded"`
	Rebuilt  bool                 `json:"rebuilt,omitempty"`
	Duration time.Duration        `json:"duration"`
	IDs      []int64              `json:"ids,omitempty"` // one per input; 0 for failed rows
	Failures []storage.RowFailure `json:"failures,omitempty"`
}

// New creates a new Indexer instance
func New(store storage.Storage, opts ...Option) *Indexer {
	idx := &Indexer{
		storage: store,
		logger:  zap.NewNop(),
		workers: runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Embedder returns the configured embedder, or nil.
func (idx *Indexer) Embedder() embedder.Embedder {
	return idx.embedder
}

func (c *Config) withDefaults(workers int) Config {
	out := Config{Workers: workers, BatchSize: embedder.DefaultBatchSize}
	if c == nil {
		return out
	}
	out.BestEffort = c.BestEffort
	if c.Workers > 0 {
		out.Workers = c.Workers
	}
	if c.BatchSize > 0 {
		out.BatchSize = c.BatchSize
	}
	if out.BatchSize > embedder.MaxBatchSize {
		out.BatchSize = embedder.MaxBatchSize
	}
	return out
}

// Ingest embeds, stores and indexes documents. In the default mode any bad
// row fails the whole call with a *storage.BulkError and nothing is written.
// With BestEffort every valid row is committed and the rest are reported in
// Statistics.Failures, indexed by input position.
func (idx *Indexer) Ingest(ctx context.Context, collection string, inputs []DocumentInput, config *Config) (*Statistics, error) {
	cfg := config.withDefaults(idx.workers)
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no documents to ingest", types.ErrInvalidParameter)
	}

	startTime := time.Now()
	coll, err := idx.storage.GetCollection(ctx, collection)
	if err != nil {
		return nil, err
	}

	docs := make([]*storage.Document, len(inputs))
	var pending []int
	for i, in := range inputs {
		docs[i] = &storage.Document{
			CollectionID: coll.ID,
			Content:      in.Content,
			Embedding:    in.Embedding,
			Metadata:     in.Metadata,
		}
		if in.Embedding == nil {
			pending = append(pending, i)
		}
	}

	stats := &Statistics{IDs: make([]int64, len(inputs))}
	failures := newFailureSet()

	if len(pending) > 0 {
		if err := idx.checkEmbedder(coll); err != nil {
			return nil, err
		}
		embedded, err := idx.embedDocuments(ctx, docs, pending, cfg, failures)
		if err != nil {
			return nil, err
		}
		stats.Embedded = embedded
	}

	if !cfg.BestEffort && failures.len() > 0 {
		return nil, &storage.BulkError{Failures: failures.sorted()}
	}

	// Rows that failed embedding never reach storage; origin maps the
	// submitted rows back to input positions.
	submit := make([]*storage.Document, 0, len(docs))
	origin := make([]int, 0, len(docs))
	for i, doc := range docs {
		if failures.has(i) {
			continue
		}
		submit = append(submit, doc)
		origin = append(origin, i)
	}

	if len(submit) > 0 {
		result, err := idx.storage.BulkInsert(ctx, coll.ID, submit, storage.BulkOptions{BestEffort: cfg.BestEffort})
		if err != nil {
			var bulkErr *storage.BulkError
			if errors.As(err, &bulkErr) {
				return nil, &storage.BulkError{Failures: remap(bulkErr.Failures, origin)}
			}
			return nil, fmt.Errorf("failed to store documents: %w", err)
		}
		for _, f := range remap(result.Failures, origin) {
			failures.add(f)
		}
		for j, id := range result.IDs {
			stats.IDs[origin[j]] = id
		}
		stats.Inserted = result.Inserted
		idx.indexInserted(ctx, coll.Name, submit, result.IDs)
	}

	stats.Failures = failures.sorted()
	stats.Failed = len(stats.Failures)
	stats.Duration = time.Since(startTime)

	if stats.Inserted > 0 {
		idx.invalidate(coll.Name)
		idx.metrics.AddDocuments(coll.Name, stats.Inserted)
	}
	idx.logger.Info("documents ingested",
		zap.String("collection", coll.Name),
		zap.Int("inserted", stats.Inserted),
		zap.Int("failed", stats.Failed),
		zap.Int("embedded", stats.Embedded),
		zap.Duration("duration", stats.Duration))
	return stats, nil
}

// checkEmbedder verifies the embedder can produce vectors for coll.
func (idx *Indexer) checkEmbedder(coll *storage.Collection) error {
	if idx.embedder == nil {
		return fmt.Errorf("%w: documents without an embedding need an embedder", types.ErrInvalidParameter)
	}
	if idx.embedder.Dimension() != coll.Dimension {
		return fmt.Errorf("embedder %s/%s: %w", idx.embedder.Provider(), idx.embedder.Model(),
			types.NewDimensionMismatch(coll.Dimension, idx.embedder.Dimension()))
	}
	if coll.EmbeddingModel != "" && coll.EmbeddingModel != idx.embedder.Model() {
		return fmt.Errorf("%w: collection %q uses model %q, embedder produces %q",
			types.ErrInvalidParameter, coll.Name, coll.EmbeddingModel, idx.embedder.Model())
	}
	return nil
}

// embedDocuments fills the embedding of docs[pending[i]] in concurrent
// batches. Rows that cannot be embedded are recorded in failures; in
// all-or-nothing mode the first provider failure aborts the whole call.
func (idx *Indexer) embedDocuments(ctx context.Context, docs []*storage.Document, pending []int, cfg Config, failures *failureSet) (int, error) {
	var toSend []int
	for _, i := range pending {
		if docs[i].Content == "" {
			failures.add(storage.RowFailure{Index: i, Reason: embedder.ErrEmptyText.Error(), Err: embedder.ErrEmptyText})
			continue
		}
		toSend = append(toSend, i)
	}
	if len(toSend) == 0 {
		return 0, nil
	}

	sem := semaphore.NewWeighted(int64(cfg.Workers))
	g, gctx := errgroup.WithContext(ctx)
	var embedded int32

	for start := 0; start < len(toSend); start += cfg.BatchSize {
		end := start + cfg.BatchSize
		if end > len(toSend) {
			end = len(toSend)
		}
		batch := toSend[start:end]

		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			texts := make([]string, len(batch))
			for j, i := range batch {
				texts[j] = docs[i].Content
			}
			resp, err := idx.embedder.GenerateBatch(gctx, embedder.BatchEmbeddingRequest{Texts: texts})
			if err == nil && len(resp.Embeddings) != len(batch) {
				err = types.NewExternalDependencyError(idx.embedder.Provider(),
					fmt.Errorf("expected %d embeddings, got %d", len(batch), len(resp.Embeddings)))
			}
			if err != nil {
				if !cfg.BestEffort || gctx.Err() != nil {
					return err
				}
				for _, i := range batch {
					failures.add(storage.RowFailure{Index: i, Reason: err.Error(), Err: err})
				}
				return nil
			}
			for j, i := range batch {
				docs[i].Embedding = resp.Embeddings[j].Vector
				docs[i].EmbeddingModel = resp.Embeddings[j].Model
			}
			atomic.AddInt32(&embedded, int32(len(batch)))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("failed to embed documents: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return int(embedded), nil
}

// indexInserted feeds committed rows to the index manager. A failure here
// leaves the document stored; the next rebuild picks it up.
func (idx *Indexer) indexInserted(ctx context.Context, collection string, docs []*storage.Document, ids []int64) {
	if idx.indexes == nil {
		return
	}
	for j, id := range ids {
		if id == 0 {
			continue
		}
		if err := idx.indexes.Insert(ctx, collection, id, docs[j].Embedding); err != nil {
			idx.logger.Warn("failed to update index",
				zap.String("collection", collection),
				zap.Int64("document_id", id),
				zap.Error(err))
		}
	}
}

func (idx *Indexer) invalidate(collection string) {
	if idx.invalidator != nil {
		idx.invalidator.InvalidateCollection(collection)
	}
}

// document loads id and checks it belongs to collection.
func (idx *Indexer) document(ctx context.Context, collection string, id int64) (*storage.Collection, *storage.Document, error) {
	coll, err := idx.storage.GetCollection(ctx, collection)
	if err != nil {
		return nil, nil, err
	}
	doc, err := idx.storage.GetDocument(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if doc.CollectionID != coll.ID {
		return nil, nil, fmt.Errorf("document %d in collection %q: %w", id, collection, types.ErrNotFound)
	}
	return coll, doc, nil
}

// Document returns document id of collection.
func (idx *Indexer) Document(ctx context.Context, collection string, id int64) (*storage.Document, error) {
	_, doc, err := idx.document(ctx, collection, id)
	return doc, err
}

// Delete removes a document from storage and the published index.
func (idx *Indexer) Delete(ctx context.Context, collection string, id int64) error {
	coll, _, err := idx.document(ctx, collection, id)
	if err != nil {
		return err
	}
	if err := idx.storage.DeleteDocument(ctx, id); err != nil {
		return err
	}
	if idx.indexes != nil {
		idx.indexes.Delete(coll.Name, id)
	}
	idx.invalidate(coll.Name)
	return nil
}

// UpdateEmbedding replaces the vector of one document. model must match the
// collection's embedding model when both are set.
func (idx *Indexer) UpdateEmbedding(ctx context.Context, collection string, id int64, vec []float32, model string) error {
	coll, _, err := idx.document(ctx, collection, id)
	if err != nil {
		return err
	}
	if err := idx.storage.UpdateEmbedding(ctx, id, vec, model); err != nil {
		return err
	}
	if idx.indexes != nil {
		if err := idx.indexes.Insert(ctx, coll.Name, id, vec); err != nil {
			return err
		}
	}
	idx.invalidate(coll.Name)
	return nil
}

// ReembedCollection regenerates every embedding of collection with emb and
// replaces them in one transaction: either all documents move to the new
// model or none do. A published index is rebuilt afterwards with its
// previous strategy and parameters.
func (idx *Indexer) ReembedCollection(ctx context.Context, collection string, emb embedder.Embedder, config *Config) (*Statistics, error) {
	if emb == nil {
		emb = idx.embedder
	}
	if emb == nil {
		return nil, fmt.Errorf("%w: no embedder configured", types.ErrInvalidParameter)
	}
	cfg := config.withDefaults(idx.workers)

	lockValue, _ := idx.reembedLocks.LoadOrStore(collection, &index.BuildLock{})
	lock := lockValue.(*index.BuildLock)
	if !lock.TryAcquire() {
		return nil, fmt.Errorf("re-embed of %q: %w", collection, types.ErrBuildInProgress)
	}
	defer lock.Release()

	startTime := time.Now()
	coll, err := idx.storage.GetCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if emb.Dimension() != coll.Dimension {
		return nil, fmt.Errorf("embedder %s/%s: %w", emb.Provider(), emb.Model(),
			types.NewDimensionMismatch(coll.Dimension, emb.Dimension()))
	}

	var docs []*storage.Document
	err = idx.storage.ScanDocuments(ctx, coll.ID, func(doc *storage.Document) error {
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan documents: %w", err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("collection %q: %w", collection, types.ErrEmptyCollection)
	}

	pending := make([]int, len(docs))
	for i, doc := range docs {
		doc.Embedding = nil
		pending[i] = i
	}
	// All or nothing: any failed row aborts before storage is touched.
	cfg.BestEffort = false
	failures := newFailureSet()
	reembed := &Indexer{embedder: emb, logger: idx.logger}
	embedded, err := reembed.embedDocuments(ctx, docs, pending, cfg, failures)
	if err != nil {
		return nil, err
	}
	if failures.len() > 0 {
		return nil, &storage.BulkError{Failures: failures.sorted()}
	}

	updates := make([]storage.EmbeddingUpdate, len(docs))
	for i, doc := range docs {
		updates[i] = storage.EmbeddingUpdate{DocumentID: doc.ID, Embedding: doc.Embedding}
	}
	if err := idx.storage.ReplaceEmbeddings(ctx, coll.ID, updates, emb.Model()); err != nil {
		return nil, fmt.Errorf("failed to replace embeddings: %w", err)
	}
	idx.invalidate(coll.Name)

	stats := &Statistics{Embedded: embedded}
	if idx.indexes != nil && idx.indexes.Has(coll.Name) {
		if err := idx.rebuild(ctx, coll.Name); err != nil {
			return nil, err
		}
		stats.Rebuilt = true
	}
	stats.Duration = time.Since(startTime)

	idx.logger.Info("collection re-embedded",
		zap.String("collection", coll.Name),
		zap.String("model", emb.Model()),
		zap.Int("documents", embedded),
		zap.Bool("rebuilt", stats.Rebuilt),
		zap.Duration("duration", stats.Duration))
	return stats, nil
}

// rebuild republishes collection's index with its current strategy. A build
// already running may have scanned the old vectors, so it is waited out.
func (idx *Indexer) rebuild(ctx context.Context, collection string) error {
	st := idx.indexes.Status(collection)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		_, err := idx.indexes.Build(ctx, collection, st.Strategy, st.Params)
		if !errors.Is(err, types.ErrBuildInProgress) {
			if err != nil {
				return fmt.Errorf("failed to rebuild index: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// failureSet collects row failures from concurrent workers.
type failureSet struct {
	mu   sync.Mutex
	rows map[int]storage.RowFailure
}

func newFailureSet() *failureSet {
	return &failureSet{rows: make(map[int]storage.RowFailure)}
}

func (f *failureSet) add(rf storage.RowFailure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[rf.Index]; !ok {
		f.rows[rf.Index] = rf
	}
}

func (f *failureSet) has(i int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[i]
	return ok
}

func (f *failureSet) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

// sorted returns the failures ordered by input index.
func (f *failureSet) sorted() []storage.RowFailure {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rows) == 0 {
		return nil
	}
	out := make([]storage.RowFailure, 0, len(f.rows))
	for _, rf := range f.rows {
		out = append(out, rf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// remap translates failure indexes of the submitted rows back to input
// positions.
func remap(failures []storage.RowFailure, origin []int) []storage.RowFailure {
	out := make([]storage.RowFailure, len(failures))
	for i, f := range failures {
		f.Index = origin[f.Index]
		out[i] = f
	}
	return out
}
