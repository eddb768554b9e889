package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dshills/hybridsearch/internal/distance"
	"github.com/dshills/hybridsearch/internal/metrics"
	"github.com/dshills/hybridsearch/internal/storage"
	"github.com/dshills/hybridsearch/pkg/types"
)

// VectorSource supplies the committed embeddings an index is built from.
// storage.Storage satisfies it.
type VectorSource interface {
	GetCollection(ctx context.Context, name string) (*storage.Collection, error)
	CountDocuments(ctx context.Context, collectionID int64) (int, error)
	ScanEmbeddings(ctx context.Context, collectionID int64, fn func(id int64, vector []float32) error) error
}

// published is an immutable view of a built index. Writers mutate idx in
// place; a rebuild swaps in a new published value.
type published struct {
	idx           Index
	collectionID  int64
	params        Params
	builtAt       time.Time
	buildDuration time.Duration
}

type journalOp struct {
	id  int64
	vec []float32 // nil for deletes
}

// entry tracks one collection's index.
type entry struct {
	name    string
	current atomic.Pointer[published]
	build   BuildLock

	// journalMu orders incremental writes against publication. While
	// journaling is set every write is also recorded for replay into the
	// index being built.
	journalMu  sync.Mutex
	journaling bool
	journal    []journalOp
}

func (e *entry) startJournal() {
	e.journalMu.Lock()
	e.journaling = true
	e.journal = nil
	e.journalMu.Unlock()
}

func (e *entry) stopJournal() {
	e.journalMu.Lock()
	e.journaling = false
	e.journal = nil
	e.journalMu.Unlock()
}

// publish replays the journal into idx and makes it current.
func (e *entry) publish(ctx context.Context, p *published) error {
	e.journalMu.Lock()
	defer e.journalMu.Unlock()
	for _, op := range e.journal {
		if op.vec == nil {
			p.idx.Delete(op.id)
			continue
		}
		if err := p.idx.Insert(ctx, op.id, op.vec); err != nil {
			e.journaling = false
			e.journal = nil
			return fmt.Errorf("failed to replay write for document %d: %w", op.id, err)
		}
	}
	e.journaling = false
	e.journal = nil
	e.current.Store(p)
	return nil
}

// Manager owns the published index of every collection. Queries read the
// current index through an atomic pointer, so a rebuild never blocks them.
type Manager struct {
	source  VectorSource
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu      sync.Mutex
	entries map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a manager reading embeddings from source.
func NewManager(source VectorSource, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		source:  source,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("github.com/dshills/hybridsearch/internal/index"),
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Close stops background compaction and waits for it to finish.
func (m *Manager) Close() error {
	m.cancel()
	m.wg.Wait()
	return nil
}

func (m *Manager) entry(name string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		e = &entry{name: name}
		m.entries[name] = e
	}
	return e
}

func (m *Manager) lookup(name string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[name]
}

// BuildResult describes a completed build.
type BuildResult struct {
	Collection string        `json:"collection"`
	Strategy   Strategy      `json:"strategy"`
	Documents  int           `json:"documents"`
	Duration   time.Duration `json:"duration"`
}

// Build creates an index over every committed embedding of collection and
// publishes it. A failed build leaves the previous index in place.
func (m *Manager) Build(ctx context.Context, collection string, strategy Strategy, p Params) (*BuildResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	coll, err := m.source.GetCollection(ctx, collection)
	if err != nil {
		return nil, err
	}

	e := m.entry(collection)
	if !e.build.TryAcquire() {
		return nil, fmt.Errorf("collection %q: %w", collection, ErrBuildInProgress)
	}
	defer e.build.Release()

	ctx, span := m.tracer.Start(ctx, "index.Build", trace.WithAttributes(
		attribute.String("collection", collection),
		attribute.String("strategy", string(strategy)),
	))
	defer span.End()

	start := time.Now()
	res, err := m.build(ctx, e, coll, strategy, p)
	elapsed := time.Since(start)
	m.metrics.ObserveBuild(string(strategy), metrics.Outcome(err, errors.Is(err, types.ErrTimeout)), elapsed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("index build failed",
			zap.String("collection", collection),
			zap.String("strategy", string(strategy)),
			zap.Error(err))
		return nil, err
	}
	res.Duration = elapsed
	span.SetAttributes(attribute.Int("documents", res.Documents))
	m.logger.Info("index built",
		zap.String("collection", collection),
		zap.String("strategy", string(strategy)),
		zap.Int("documents", res.Documents),
		zap.Duration("duration", elapsed))
	return res, nil
}

func (m *Manager) build(ctx context.Context, e *entry, coll *storage.Collection, strategy Strategy, p Params) (*BuildResult, error) {
	// Journal before scanning so writes committed after the scan's
	// snapshot are replayed.
	e.startJournal()

	start := time.Now()
	vecs := &Vectors{}
	err := m.source.ScanEmbeddings(ctx, coll.ID, func(id int64, vec []float32) error {
		vecs.Add(id, vec)
		return nil
	})
	if err != nil {
		e.stopJournal()
		return nil, fmt.Errorf("failed to scan embeddings: %w", err)
	}
	if vecs.Len() == 0 {
		e.stopJournal()
		return nil, fmt.Errorf("collection %q: %w", coll.Name, types.ErrEmptyCollection)
	}
	sortVectors(vecs)

	if strategy == StrategyIVF && vecs.Len() < IVFPracticalMinimum {
		m.logger.Warn("ivf index built below practical minimum",
			zap.String("collection", coll.Name),
			zap.Int("documents", vecs.Len()),
			zap.Int("minimum", IVFPracticalMinimum))
	}

	idx, err := New(ctx, strategy, coll.Metric, coll.Dimension, vecs, p)
	if err != nil {
		e.stopJournal()
		return nil, fmt.Errorf("failed to build %s index: %w", strategy, err)
	}

	pub := &published{
		idx:           idx,
		collectionID:  coll.ID,
		params:        p,
		builtAt:       time.Now(),
		buildDuration: time.Since(start),
	}
	if err := e.publish(ctx, pub); err != nil {
		return nil, err
	}
	m.metrics.SetIndexSize(coll.Name, idx.Len())
	return &BuildResult{Collection: coll.Name, Strategy: strategy, Documents: vecs.Len()}, nil
}

// Result is the outcome of an index query.
type Result struct {
	Neighbors []Neighbor
	Strategy  Strategy
	Exact     bool
}

// Query returns the k nearest neighbours of query in the published index of
// collection. metric may be distance.Unset to accept the index metric.
func (m *Manager) Query(ctx context.Context, collection string, query []float32, k int, metric distance.Metric, p SearchParams) (*Result, error) {
	e := m.lookup(collection)
	if e == nil {
		return nil, fmt.Errorf("collection %q: %w", collection, ErrIndexNotBuilt)
	}
	cur := e.current.Load()
	if cur == nil {
		return nil, fmt.Errorf("collection %q: %w", collection, ErrIndexNotBuilt)
	}
	if err := distance.Check(cur.idx.Metric(), metric); err != nil {
		return nil, err
	}
	neighbors, err := cur.idx.Search(ctx, query, k, p)
	if err != nil {
		return nil, err
	}
	return &Result{Neighbors: neighbors, Strategy: cur.idx.Strategy(), Exact: cur.idx.Exact()}, nil
}

// Has reports whether collection has a published index.
func (m *Manager) Has(collection string) bool {
	e := m.lookup(collection)
	return e != nil && e.current.Load() != nil
}

// Insert applies a committed write to the published index, if any, and to
// any build in flight.
func (m *Manager) Insert(ctx context.Context, collection string, id int64, vec []float32) error {
	e := m.lookup(collection)
	if e == nil {
		return nil
	}
	e.journalMu.Lock()
	if e.journaling {
		e.journal = append(e.journal, journalOp{id: id, vec: append([]float32(nil), vec...)})
	}
	cur := e.current.Load()
	var err error
	if cur != nil {
		err = cur.idx.Insert(ctx, id, vec)
	}
	e.journalMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to index document %d: %w", id, err)
	}
	if cur != nil {
		m.metrics.SetIndexSize(collection, cur.idx.Len())
		m.maybeCompact(e, cur)
	}
	return nil
}

// Delete removes a document from the published index and any build in
// flight.
func (m *Manager) Delete(collection string, id int64) {
	e := m.lookup(collection)
	if e == nil {
		return
	}
	e.journalMu.Lock()
	if e.journaling {
		e.journal = append(e.journal, journalOp{id: id})
	}
	cur := e.current.Load()
	if cur != nil {
		cur.idx.Delete(id)
	}
	e.journalMu.Unlock()
	if cur != nil {
		m.metrics.SetIndexSize(collection, cur.idx.Len())
		m.maybeCompact(e, cur)
	}
}

// Drop forgets the index of collection.
func (m *Manager) Drop(collection string) {
	m.mu.Lock()
	delete(m.entries, collection)
	m.mu.Unlock()
	m.metrics.SetIndexSize(collection, 0)
}

func (m *Manager) maybeCompact(e *entry, cur *published) {
	if !cur.idx.Stale() || m.ctx.Err() != nil {
		return
	}
	if !e.build.TryAcquire() {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer e.build.Release()
		if err := m.compact(m.ctx, e); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("background compaction failed", zap.String("collection", e.name), zap.Error(err))
		}
	}()
}

// Compact rebuilds the published index of collection from its live vectors,
// dropping tombstones and retraining clusters.
func (m *Manager) Compact(ctx context.Context, collection string) error {
	e := m.lookup(collection)
	if e == nil || e.current.Load() == nil {
		return fmt.Errorf("collection %q: %w", collection, ErrIndexNotBuilt)
	}
	if !e.build.TryAcquire() {
		return fmt.Errorf("collection %q: %w", collection, ErrBuildInProgress)
	}
	defer e.build.Release()
	return m.compact(ctx, e)
}

// compact runs with e.build held.
func (m *Manager) compact(ctx context.Context, e *entry) error {
	ctx, span := m.tracer.Start(ctx, "index.Compact", trace.WithAttributes(attribute.String("collection", e.name)))
	defer span.End()

	e.startJournal()
	cur := e.current.Load()
	if cur == nil {
		e.stopJournal()
		return nil
	}
	start := time.Now()
	before := cur.idx.Stats()
	idx, err := cur.idx.Compact(ctx)
	if err != nil {
		e.stopJournal()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to compact index: %w", err)
	}
	pub := &published{
		idx:           idx,
		collectionID:  cur.collectionID,
		params:        cur.params,
		builtAt:       time.Now(),
		buildDuration: time.Since(start),
	}
	if err := e.publish(ctx, pub); err != nil {
		return err
	}
	m.logger.Info("index compacted",
		zap.String("collection", e.name),
		zap.String("strategy", string(idx.Strategy())),
		zap.Int("tombstones", before.Deleted),
		zap.Int("dirty", before.Dirty),
		zap.Int("documents", idx.Len()),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Status describes the index of one collection.
type Status struct {
	Collection    string          `json:"collection"`
	Built         bool            `json:"built"`
	Building      bool            `json:"building"`
	Strategy      Strategy        `json:"strategy,omitempty"`
	Metric        distance.Metric `json:"metric,omitempty"`
	Dimension     int             `json:"dimension,omitempty"`
	Exact         bool            `json:"exact"`
	Stale         bool            `json:"stale"`
	Stats         Stats           `json:"stats"`
	Params        Params          `json:"params"`
	BuiltAt       time.Time       `json:"built_at,omitempty"`
	BuildDuration time.Duration   `json:"build_duration,omitempty"`
}

// Status reports the index state of collection. An unknown collection is
// reported as not built.
func (m *Manager) Status(collection string) Status {
	st := Status{Collection: collection}
	e := m.lookup(collection)
	if e == nil {
		return st
	}
	st.Building = e.build.Held()
	cur := e.current.Load()
	if cur == nil {
		return st
	}
	st.Built = true
	st.Strategy = cur.idx.Strategy()
	st.Metric = cur.idx.Metric()
	st.Dimension = cur.idx.Dimension()
	st.Exact = cur.idx.Exact()
	st.Stale = cur.idx.Stale()
	st.Stats = cur.idx.Stats()
	st.Params = cur.params
	st.BuiltAt = cur.builtAt
	st.BuildDuration = cur.buildDuration
	return st
}

// List returns the status of every known collection ordered by name.
func (m *Manager) List() []Status {
	m.mu.Lock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	out := make([]Status, 0, len(names))
	for _, name := range names {
		out = append(out, m.Status(name))
	}
	return out
}
