package searcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dshills/hybridsearch/internal/distance"
	"github.com/dshills/hybridsearch/internal/embedder"
	"github.com/dshills/hybridsearch/internal/index"
	"github.com/dshills/hybridsearch/internal/metrics"
	"github.com/dshills/hybridsearch/internal/storage"
	"github.com/dshills/hybridsearch/pkg/metadata"
	"github.com/dshills/hybridsearch/pkg/types"
)

// Strategy defines how the ingredients of a query are combined
type Strategy string

const (
	StrategyPrefilter Strategy = "prefilter" // Filter first, then rank the survivors
	StrategyRRF       Strategy = "rrf"       // Reciprocal Rank Fusion of vector and keyword lists
	StrategyWeighted  Strategy = "weighted"  // Weighted sum of normalized text rank and vector similarity
)

// ParseStrategy parses a strategy name. The empty string selects prefilter.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyPrefilter:
		return StrategyPrefilter, nil
	case StrategyRRF, "hybrid":
		return StrategyRRF, nil
	case StrategyWeighted:
		return StrategyWeighted, nil
	}
	return "", fmt.Errorf("%w: unknown search strategy %q", types.ErrInvalidParameter, s)
}

// Stage is one step of a query execution.
type Stage string

const (
	StageReceived      Stage = "received"
	StageFiltered      Stage = "filtered"
	StageVectorRanked  Stage = "vector_ranked"
	StageKeywordRanked Stage = "keyword_ranked"
	StageFused         Stage = "fused"
	StageLimited       Stage = "limited"
	StageReturned      Stage = "returned"
	StageFailed        Stage = "failed"
	StageTimedOut      Stage = "timed_out"
)

// Limits and defaults
const (
	MaxK                      = 1000
	MaxCandidateLimit         = 1000
	DefaultCandidateLimit     = 100
	DefaultRRFConstant        = 60
	DefaultExactScanThreshold = 2000
	DefaultTimeout            = 30 * time.Second
	DefaultCacheSize          = 1000
	DefaultCacheTTL           = time.Hour
)

// Weights configures the weighted strategy. There is no default: callers
// must pick weights suited to their corpus.
type Weights struct {
	Text   float64 `json:"text"`
	Vector float64 `json:"vector"`
}

// Query contains parameters for a search operation
type Query struct {
	Collection string
	Text       string    // Semantic query, embedded unless Vector is set
	Vector     []float32 // Precomputed query vector; takes precedence over Text
	Keywords   string    // Full-text query; defaults to Text for rrf and weighted, restricts candidates under prefilter
	Filters    *metadata.FilterSet
	K          int
	Metric     distance.Metric // Optional override; must equal the collection metric
	Strategy   Strategy

	// Tuning
	Probes         int
	EFSearch       int
	Exact          bool // Force an exact scan
	KeywordFilter  bool // prefilter: restrict candidates to keyword matches, taking Text when Keywords is empty
	RRFConstant    float64
	CandidateLimit int
	Weights        *Weights

	Timeout  time.Duration
	UseCache bool
	CacheTTL time.Duration
}

// Response contains search results and execution metadata
type Response struct {
	QueryID         string               `json:"query_id"`
	Results         []types.SearchResult `json:"results"`
	Strategy        Strategy             `json:"strategy"`
	Stages          []Stage              `json:"stages"`
	Approximate     bool                 `json:"approximate"`
	EmbeddingCached bool                 `json:"embedding_cached,omitempty"`
	CacheHit        bool                 `json:"cache_hit,omitempty"`
	Candidates      int                  `json:"candidates,omitempty"` // documents surviving the filter stage
	VectorResults   int                  `json:"vector_results"`
	TextResults     int                  `json:"text_results"`
	Duration        time.Duration        `json:"duration"`
}

// VectorIndex answers approximate nearest neighbour queries. *index.Manager
// satisfies it.
type VectorIndex interface {
	Has(collection string) bool
	Query(ctx context.Context, collection string, q []float32, k int, metric distance.Metric, p index.SearchParams) (*index.Result, error)
}

// Config holds planner defaults
type Config struct {
	CandidateLimit     int
	RRFConstant        float64
	ExactScanThreshold int
	Timeout            time.Duration
	CacheSize          int
	CacheTTL           time.Duration
}

// DefaultConfig returns the planner defaults.
func DefaultConfig() Config {
	return Config{
		CandidateLimit:     DefaultCandidateLimit,
		RRFConstant:        DefaultRRFConstant,
		ExactScanThreshold: DefaultExactScanThreshold,
		Timeout:            DefaultTimeout,
		CacheSize:          DefaultCacheSize,
		CacheTTL:           DefaultCacheTTL,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CandidateLimit > 0 {
		d.CandidateLimit = c.CandidateLimit
	}
	if c.RRFConstant > 0 {
		d.RRFConstant = c.RRFConstant
	}
	if c.ExactScanThreshold > 0 {
		d.ExactScanThreshold = c.ExactScanThreshold
	}
	if c.Timeout > 0 {
		d.Timeout = c.Timeout
	}
	if c.CacheSize > 0 {
		d.CacheSize = c.CacheSize
	}
	if c.CacheTTL > 0 {
		d.CacheTTL = c.CacheTTL
	}
	return d
}

// Searcher plans and executes hybrid queries across the ANN index, exact
// vector scans and full-text search
type Searcher struct {
	storage  storage.Storage
	embedder embedder.Embedder
	index    VectorIndex
	cache    *responseCache
	config   Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// Option configures a Searcher.
type Option func(*Searcher)

// WithIndex sets the ANN index used for large candidate sets.
func WithIndex(idx VectorIndex) Option {
	return func(s *Searcher) { s.index = idx }
}

// WithConfig overrides the planner defaults. Zero fields keep the default.
func WithConfig(cfg Config) Option {
	return func(s *Searcher) { s.config = cfg.withDefaults() }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Searcher) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Searcher) { s.metrics = m }
}

// NewSearcher creates a new Searcher instance. emb may be nil, in which case
// text queries fall back to keyword ranking.
func NewSearcher(store storage.Storage, emb embedder.Embedder, opts ...Option) *Searcher {
	s := &Searcher{
		storage:  store,
		embedder: emb,
		config:   DefaultConfig(),
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("github.com/dshills/hybridsearch/internal/searcher"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = newResponseCache(s.config.CacheSize)
	return s
}

// execution tracks one query through the planner.
type execution struct {
	q           Query
	coll        *storage.Collection
	vector      []float32
	keywords    string
	defaulted   bool // keywords came from Text
	candidates  *roaring64.Bitmap
	stages      []Stage
	approximate bool
	cachedEmb   bool
	vecCount    int
	textCount   int
}

func (e *execution) enter(s Stage) {
	e.stages = append(e.stages, s)
}

// hasPredicate reports whether the filter stage restricts candidates.
func (e *execution) hasPredicate() bool {
	return !e.q.Filters.Empty() || e.keywordFilter()
}

// keywordFilter reports whether keywords restrict the candidates. Under
// prefilter, explicit keywords always do when a vector ranks the survivors.
func (e *execution) keywordFilter() bool {
	if e.q.Strategy != StrategyPrefilter || e.keywords == "" {
		return false
	}
	return e.q.KeywordFilter || (e.vector != nil && !e.defaulted)
}

// Search performs a search based on the query parameters
func (s *Searcher) Search(ctx context.Context, q Query) (*Response, error) {
	startTime := time.Now()
	queryID := uuid.NewString()

	if err := s.validateQuery(&q); err != nil {
		s.metrics.ObserveQuery(string(q.Strategy), metrics.OutcomeError, time.Since(startTime))
		return nil, fmt.Errorf("invalid search query: %w", err)
	}

	ctx, span := s.tracer.Start(ctx, "searcher.Search", trace.WithAttributes(
		attribute.String("query_id", queryID),
		attribute.String("collection", q.Collection),
		attribute.String("strategy", string(q.Strategy)),
		attribute.Int("k", q.K),
	))
	defer span.End()

	resp, err := s.search(ctx, q)
	elapsed := time.Since(startTime)
	timedOut := errors.Is(err, types.ErrTimeout)
	s.metrics.ObserveQuery(string(q.Strategy), metrics.Outcome(err, timedOut), elapsed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Debug("search failed",
			zap.String("query_id", queryID),
			zap.String("collection", q.Collection),
			zap.String("strategy", string(q.Strategy)),
			zap.Bool("timeout", timedOut),
			zap.Error(err))
		return nil, err
	}

	resp.QueryID = queryID
	resp.Duration = elapsed
	span.SetAttributes(
		attribute.Int("results", len(resp.Results)),
		attribute.Bool("approximate", resp.Approximate),
		attribute.Bool("cache_hit", resp.CacheHit),
	)
	s.logger.Debug("search completed",
		zap.String("query_id", queryID),
		zap.String("collection", q.Collection),
		zap.String("strategy", string(q.Strategy)),
		zap.Int("results", len(resp.Results)),
		zap.Bool("approximate", resp.Approximate),
		zap.Bool("cache_hit", resp.CacheHit),
		zap.Duration("duration", elapsed))
	return resp, nil
}

func (s *Searcher) search(ctx context.Context, q Query) (*Response, error) {
	start := time.Now()
	coll, err := s.storage.GetCollection(ctx, q.Collection)
	if err != nil {
		return nil, err
	}
	// Query-vs-collection checks still precede any document I/O
	if err := distance.Check(coll.Metric, q.Metric); err != nil {
		return nil, err
	}
	if q.Vector != nil && len(q.Vector) != coll.Dimension {
		return nil, types.NewDimensionMismatch(coll.Dimension, len(q.Vector))
	}

	var key cacheKey
	var gen uint64
	if q.UseCache {
		key = s.cache.key(q)
		gen = s.cache.generation(q.Collection)
		if cached, ok := s.cache.get(key); ok {
			cached.CacheHit = true
			return cached, nil
		}
	}

	timeout := q.Timeout
	if timeout == 0 {
		timeout = s.config.Timeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exec := &execution{q: q, coll: coll}
	exec.enter(StageReceived)

	resp, err := s.execute(tctx, exec)
	if err != nil {
		reached := exec.stages[len(exec.stages)-1]
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(tctx.Err(), context.DeadlineExceeded) {
			exec.enter(StageTimedOut)
			return nil, fmt.Errorf("%w: query exceeded %s in stage %s", types.ErrTimeout, timeout, reached)
		}
		exec.enter(StageFailed)
		return nil, err
	}
	resp.Duration = time.Since(start)

	s.recordSearch(ctx, coll.ID, q.Strategy, resp)
	if q.UseCache {
		ttl := q.CacheTTL
		if ttl == 0 {
			ttl = s.config.CacheTTL
		}
		s.cache.put(key, q.Collection, gen, resp, ttl)
	}
	return resp, nil
}

// recordSearch appends to the query log. Failures only cost statistics.
func (s *Searcher) recordSearch(ctx context.Context, collectionID int64, strategy Strategy, resp *Response) {
	err := s.storage.RecordSearch(ctx, &storage.SearchRecord{
		CollectionID: collectionID,
		Strategy:     string(strategy),
		ResultCount:  len(resp.Results),
		Duration:     resp.Duration,
		Approximate:  resp.Approximate,
	})
	if err != nil {
		s.logger.Debug("failed to record search", zap.Error(err))
	}
}

func (s *Searcher) execute(ctx context.Context, e *execution) (*Response, error) {
	if err := s.resolveSources(ctx, e); err != nil {
		return nil, err
	}

	if e.hasPredicate() {
		if err := s.filter(ctx, e); err != nil {
			return nil, err
		}
		e.enter(StageFiltered)
		if e.candidates.IsEmpty() {
			e.enter(StageLimited)
			e.enter(StageReturned)
			return e.response(nil), nil
		}
	}

	var ranked []candidate
	var err error
	switch {
	case e.vector != nil && e.keywords != "" && e.q.Strategy != StrategyPrefilter:
		ranked, err = s.fuse(ctx, e)
	case e.vector != nil:
		ranked, err = s.vectorRank(ctx, e, e.q.K)
	default:
		ranked, err = s.keywordRank(ctx, e, e.q.K)
	}
	if err != nil {
		return nil, err
	}

	results, err := s.hydrate(ctx, e, ranked)
	if err != nil {
		return nil, err
	}
	e.enter(StageLimited)
	e.enter(StageReturned)
	return e.response(results), nil
}

func (e *execution) response(results []types.SearchResult) *Response {
	if results == nil {
		results = []types.SearchResult{}
	}
	resp := &Response{
		Results:         results,
		Strategy:        e.q.Strategy,
		Stages:          append([]Stage(nil), e.stages...),
		Approximate:     e.approximate,
		EmbeddingCached: e.cachedEmb,
		VectorResults:   e.vecCount,
		TextResults:     e.textCount,
	}
	if e.candidates != nil {
		resp.Candidates = int(e.candidates.GetCardinality())
	}
	return resp
}

// resolveSources picks the vector and keyword sources of the query.
func (s *Searcher) resolveSources(ctx context.Context, e *execution) error {
	q := e.q
	e.keywords = q.Keywords

	switch {
	case q.Vector != nil:
		e.vector = q.Vector
	case q.Text != "" && s.embedder != nil:
		vec, cached, err := s.embedQuery(ctx, e.coll, q.Text)
		if err != nil {
			return err
		}
		e.vector = vec
		e.cachedEmb = cached
	}

	// Text doubles as the keyword query for fusion, and for keyword
	// ranking when it cannot be embedded.
	if e.keywords == "" && q.Vector == nil && q.Text != "" {
		if q.Strategy != StrategyPrefilter || e.vector == nil || q.KeywordFilter {
			e.keywords = q.Text
			e.defaulted = true
		}
	}

	if e.vector == nil && e.keywords == "" {
		return fmt.Errorf("%w: query has no vector and no keywords", types.ErrInvalidParameter)
	}
	return nil
}

func (s *Searcher) embedQuery(ctx context.Context, coll *storage.Collection, text string) ([]float32, bool, error) {
	ctx, span := s.tracer.Start(ctx, "searcher.embed")
	defer span.End()

	emb, err := s.embedder.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: text})
	if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("failed to generate query embedding: %w", err)
	}
	if len(emb.Vector) != coll.Dimension {
		return nil, false, fmt.Errorf("query embedding from %s: %w", s.embedder.Provider(),
			types.NewDimensionMismatch(coll.Dimension, len(emb.Vector)))
	}
	span.SetAttributes(attribute.Bool("cached", emb.Cached))
	return emb.Vector, emb.Cached, nil
}

// filter pushes the metadata predicate, and the keyword predicate when
// requested, down to storage.
func (s *Searcher) filter(ctx context.Context, e *execution) error {
	ctx, span := s.tracer.Start(ctx, "searcher.filter")
	defer span.End()

	candidates, err := s.storage.FilterDocuments(ctx, e.coll.ID, e.q.Filters)
	if err != nil {
		return fmt.Errorf("failed to filter documents: %w", err)
	}
	if e.keywordFilter() && !candidates.IsEmpty() {
		matches, err := s.storage.SearchText(ctx, e.coll.ID, e.keywords, int(candidates.GetCardinality()), e.q.Filters)
		if err != nil {
			return fmt.Errorf("failed to apply keyword filter: %w", err)
		}
		keyword := roaring64.New()
		for _, m := range matches {
			keyword.Add(uint64(m.DocumentID))
		}
		candidates.And(keyword)
		e.textCount = int(candidates.GetCardinality())
	}
	e.candidates = candidates
	span.SetAttributes(attribute.Int64("candidates", int64(candidates.GetCardinality())))
	return nil
}

// vectorRank ranks the candidates by distance, exactly in storage for small
// sets and through the ANN index otherwise.
func (s *Searcher) vectorRank(ctx context.Context, e *execution, limit int) ([]candidate, error) {
	hits, err := s.vectorList(ctx, e, limit)
	if err != nil {
		return nil, err
	}
	e.enter(StageVectorRanked)
	out := make([]candidate, len(hits))
	for i, h := range hits {
		d := h.distance
		out[i] = candidate{
			id:         h.id,
			score:      distance.Similarity(e.coll.Metric, d),
			distance:   &d,
			vectorRank: i + 1,
		}
	}
	return out, nil
}

func (s *Searcher) keywordRank(ctx context.Context, e *execution, limit int) ([]candidate, error) {
	hits, err := s.textList(ctx, e, limit)
	if err != nil {
		return nil, err
	}
	e.enter(StageKeywordRanked)
	out := make([]candidate, len(hits))
	for i, h := range hits {
		out[i] = candidate{id: h.id, score: h.score, textRank: i + 1}
	}
	return out, nil
}

type vectorHit struct {
	id       int64
	distance float64
}

type textHit struct {
	id    int64
	score float64
}

func (s *Searcher) useIndex(ctx context.Context, e *execution) (bool, error) {
	if e.q.Exact || s.index == nil || !s.index.Has(e.coll.Name) {
		return false, nil
	}
	if e.candidates != nil {
		return int(e.candidates.GetCardinality()) > s.config.ExactScanThreshold, nil
	}
	n, err := s.storage.CountDocuments(ctx, e.coll.ID)
	if err != nil {
		return false, err
	}
	return n > s.config.ExactScanThreshold, nil
}

func (s *Searcher) vectorList(ctx context.Context, e *execution, limit int) ([]vectorHit, error) {
	ctx, span := s.tracer.Start(ctx, "searcher.vector")
	defer span.End()

	ann, err := s.useIndex(ctx, e)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Bool("ann", ann))

	if ann {
		res, err := s.index.Query(ctx, e.coll.Name, e.vector, limit, e.q.Metric, index.SearchParams{
			Probes:   e.q.Probes,
			EFSearch: e.q.EFSearch,
			Filter:   e.candidates,
		})
		switch {
		case err == nil:
			e.approximate = e.approximate || !res.Exact
			hits := make([]vectorHit, len(res.Neighbors))
			for i, n := range res.Neighbors {
				hits[i] = vectorHit{id: n.ID, distance: float64(n.Distance)}
			}
			e.vecCount = len(hits)
			return hits, nil
		case errors.Is(err, index.ErrIndexNotBuilt):
			// Dropped since useIndex; the exact scan is always available
		default:
			return nil, fmt.Errorf("index query failed: %w", err)
		}
	}

	opts := &storage.VectorSearchOptions{Filters: e.q.Filters}
	if e.keywordFilter() {
		opts.Keywords = e.keywords
	}
	results, err := s.storage.SearchVector(ctx, e.coll.ID, e.vector, limit, opts)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	hits := make([]vectorHit, len(results))
	for i, r := range results {
		hits[i] = vectorHit{id: r.DocumentID, distance: r.Distance}
	}
	e.vecCount = len(hits)
	return hits, nil
}

func (s *Searcher) textList(ctx context.Context, e *execution, limit int) ([]textHit, error) {
	ctx, span := s.tracer.Start(ctx, "searcher.keyword")
	defer span.End()

	results, err := s.storage.SearchText(ctx, e.coll.ID, e.keywords, limit, e.q.Filters)
	if err != nil {
		// Text with no searchable terms only loses its keyword list
		if e.defaulted && errors.Is(err, storage.ErrEmptyKeywordQuery) {
			return nil, nil
		}
		return nil, fmt.Errorf("text search failed: %w", err)
	}
	hits := make([]textHit, 0, len(results))
	for _, r := range results {
		if e.candidates != nil && !e.candidates.Contains(uint64(r.DocumentID)) {
			continue
		}
		hits = append(hits, textHit{id: r.DocumentID, score: r.Score})
	}
	e.textCount = len(hits)
	return hits, nil
}

// hydrate loads the documents of the ranked list, drops deleted ones and any
// that fail the predicate, and cuts the list to K.
func (s *Searcher) hydrate(ctx context.Context, e *execution, ranked []candidate) ([]types.SearchResult, error) {
	if len(ranked) == 0 {
		return nil, nil
	}
	ctx, span := s.tracer.Start(ctx, "searcher.hydrate")
	defer span.End()

	ids := make([]int64, len(ranked))
	for i, c := range ranked {
		ids[i] = c.id
	}
	docs, err := s.storage.GetDocuments(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}
	byID := make(map[int64]*storage.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	results := make([]types.SearchResult, 0, e.q.K)
	for _, c := range ranked {
		if len(results) == e.q.K {
			break
		}
		doc, ok := byID[c.id]
		if !ok || doc.CollectionID != e.coll.ID {
			continue
		}
		if !e.q.Filters.Matches(doc.Metadata) {
			s.logger.Warn("dropping result that fails the filter",
				zap.String("collection", e.coll.Name),
				zap.Int64("document_id", c.id))
			continue
		}
		results = append(results, types.SearchResult{
			DocumentID: c.id,
			Rank:       len(results) + 1,
			Score:      c.score,
			Distance:   c.distance,
			VectorRank: c.vectorRank,
			TextRank:   c.textRank,
			Content:    doc.Content,
			Metadata:   doc.Metadata.Natural(),
			CreatedAt:  doc.CreatedAt,
		})
	}
	return results, nil
}

// validateQuery ensures the query is well formed and fills defaults. It
// performs no I/O.
func (s *Searcher) validateQuery(q *Query) error {
	if q.Collection == "" {
		return fmt.Errorf("%w: collection is required", types.ErrInvalidParameter)
	}
	if q.K < 1 || q.K > MaxK {
		return fmt.Errorf("%w: k must be between 1 and %d, got %d", types.ErrInvalidParameter, MaxK, q.K)
	}

	strategy, err := ParseStrategy(string(q.Strategy))
	if err != nil {
		return err
	}
	q.Strategy = strategy

	if q.Vector != nil && len(q.Vector) == 0 {
		return fmt.Errorf("%w: empty query vector", types.ErrInvalidParameter)
	}
	if q.Vector == nil && q.Text == "" && q.Keywords == "" {
		return fmt.Errorf("%w: query needs text, keywords or a vector", types.ErrInvalidParameter)
	}
	if q.Metric != distance.Unset && !q.Metric.Valid() {
		return fmt.Errorf("%w: unknown metric %d", types.ErrInvalidParameter, q.Metric)
	}
	if err := q.Filters.Validate(); err != nil {
		return err
	}

	if q.Probes < 0 {
		return fmt.Errorf("%w: probes must be >= 0, got %d", types.ErrInvalidParameter, q.Probes)
	}
	if q.EFSearch < 0 {
		return fmt.Errorf("%w: ef_search must be >= 0, got %d", types.ErrInvalidParameter, q.EFSearch)
	}
	if q.Timeout < 0 {
		return fmt.Errorf("%w: timeout must be >= 0", types.ErrInvalidParameter)
	}
	if q.CacheTTL < 0 {
		return fmt.Errorf("%w: cache ttl must be >= 0", types.ErrInvalidParameter)
	}

	switch {
	case q.RRFConstant < 0:
		return fmt.Errorf("%w: rrf constant must be >= 0, got %g", types.ErrInvalidParameter, q.RRFConstant)
	case q.RRFConstant == 0:
		q.RRFConstant = s.config.RRFConstant
	}
	switch {
	case q.CandidateLimit < 0 || q.CandidateLimit > MaxCandidateLimit:
		return fmt.Errorf("%w: candidate limit must be between 0 and %d, got %d",
			types.ErrInvalidParameter, MaxCandidateLimit, q.CandidateLimit)
	case q.CandidateLimit == 0:
		q.CandidateLimit = s.config.CandidateLimit
	}
	if q.CandidateLimit < q.K {
		q.CandidateLimit = q.K
	}

	if q.Strategy == StrategyWeighted {
		if q.Weights == nil {
			return fmt.Errorf("%w: weighted strategy requires weights", types.ErrInvalidParameter)
		}
		if q.Weights.Text < 0 || q.Weights.Vector < 0 {
			return fmt.Errorf("%w: weights must be >= 0", types.ErrInvalidParameter)
		}
		if q.Weights.Text == 0 && q.Weights.Vector == 0 {
			return fmt.Errorf("%w: at least one weight must be positive", types.ErrInvalidParameter)
		}
	}
	return nil
}

// InvalidateCollection drops every cached response of collection. It is
// called on each write.
func (s *Searcher) InvalidateCollection(collection string) {
	s.cache.invalidate(collection)
}

// InvalidateCache removes every cached response
func (s *Searcher) InvalidateCache() {
	s.cache.purge()
}

// CacheLen returns the number of cached responses.
func (s *Searcher) CacheLen() int {
	return s.cache.len()
}
