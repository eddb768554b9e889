// Package engine assembles storage, the embedder, the index manager, the
// ingestion pipeline and the query planner from one configuration. The MCP
// server and the CLI both drive an Engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/hybridsearch/internal/config"
	"github.com/dshills/hybridsearch/internal/distance"
	"github.com/dshills/hybridsearch/internal/embedder"
	"github.com/dshills/hybridsearch/internal/index"
	"github.com/dshills/hybridsearch/internal/indexer"
	"github.com/dshills/hybridsearch/internal/logging"
	"github.com/dshills/hybridsearch/internal/metrics"
	"github.com/dshills/hybridsearch/internal/searcher"
	"github.com/dshills/hybridsearch/internal/storage"
)

// Engine owns every component of a running search service.
type Engine struct {
	Storage  storage.Storage
	Embedder embedder.Embedder
	Index    *index.Manager
	Indexer  *indexer.Indexer
	Searcher *searcher.Searcher
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	level     zap.AtomicLevel
	ownsStore bool

	mu  sync.RWMutex
	cfg *config.Config
}

// Option overrides a component Open would otherwise build from the config.
type Option func(*options)

type options struct {
	storage  storage.Storage
	embedder embedder.Embedder
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// WithStorage uses store instead of opening the configured backend. The
// engine does not close it.
func WithStorage(store storage.Storage) Option {
	return func(o *options) { o.storage = store }
}

// WithEmbedder uses emb instead of the configured provider.
func WithEmbedder(emb embedder.Embedder) Option {
	return func(o *options) { o.embedder = emb }
}

// WithLogger uses l instead of the configured logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics uses m instead of building a registry from the config.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Open builds an engine from cfg. Snapshots found in the configured snapshot
// directory are loaded before Open returns.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{cfg: cfg, level: zap.NewAtomicLevel()}

	e.Logger = o.logger
	if e.Logger == nil {
		logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, AtomicLevel: &e.level})
		if err != nil {
			return nil, err
		}
		e.Logger = logger
	}

	e.Metrics = o.metrics
	if e.Metrics == nil && cfg.Metrics.Enabled {
		e.Metrics = metrics.New(metrics.Config{Address: cfg.Metrics.Address, EnableDefaultCollectors: true})
	}

	e.Storage = o.storage
	if e.Storage == nil {
		store, err := openStorage(ctx, cfg)
		if err != nil {
			return nil, err
		}
		e.Storage = store
		e.ownsStore = true
	}

	e.Embedder = o.embedder
	if e.Embedder == nil {
		ecfg := cfg.EmbedderFactoryConfig()
		ecfg.Metrics = e.Metrics
		emb, err := embedder.New(ecfg)
		if err != nil {
			_ = e.closeStorage()
			return nil, fmt.Errorf("failed to initialize embedder: %w", err)
		}
		e.Embedder = emb
	}

	e.Index = index.NewManager(e.Storage,
		index.WithLogger(e.Logger.Named("index")),
		index.WithMetrics(e.Metrics))
	e.Searcher = searcher.NewSearcher(e.Storage, e.Embedder,
		searcher.WithIndex(e.Index),
		searcher.WithConfig(cfg.SearcherConfig()),
		searcher.WithLogger(e.Logger.Named("searcher")),
		searcher.WithMetrics(e.Metrics))
	e.Indexer = indexer.New(e.Storage,
		indexer.WithEmbedder(e.Embedder),
		indexer.WithIndex(e.Index),
		indexer.WithInvalidator(e.Searcher),
		indexer.WithLogger(e.Logger.Named("indexer")),
		indexer.WithMetrics(e.Metrics))

	if dir := cfg.Index.SnapshotDir; dir != "" {
		n, err := e.Index.LoadSnapshots(ctx, dir)
		if err != nil {
			e.Logger.Warn("failed to load index snapshots", zap.String("dir", dir), zap.Error(err))
		} else if n > 0 {
			e.Logger.Info("index snapshots restored", zap.Int("count", n))
		}
	}

	e.Logger.Info("engine ready",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("embedder", e.Embedder.Provider()),
		zap.String("model", e.Embedder.Model()),
		zap.Int("dimension", e.Embedder.Dimension()))
	return e, nil
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		store, err := storage.NewPostgresStorage(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		return store, nil
	default:
		path, err := cfg.DBPath()
		if err != nil {
			return nil, err
		}
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		store, err := storage.NewSQLiteStorage(path)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		return store, nil
	}
}

// Config returns the current configuration.
func (e *Engine) Config() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Reload applies the settings that can change while running: the log level,
// the index build defaults and the default result count. Storage, embedder
// and planner settings need a restart.
func (e *Engine) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := logging.SetLevel(e.level, cfg.Logging.Level); err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	return nil
}

// CollectionSpec describes a collection to create. Zero fields take the
// embedder dimension, the cosine metric and the configured index strategy.
type CollectionSpec struct {
	Name          string
	Dimension     int
	Metric        string
	IndexStrategy string
}

// CreateCollection creates a collection. A collection matching the embedder
// dimension records the embedder model.
func (e *Engine) CreateCollection(ctx context.Context, spec CollectionSpec) (*storage.Collection, error) {
	metric := distance.Cosine
	if spec.Metric != "" {
		m, err := distance.ParseMetric(spec.Metric)
		if err != nil {
			return nil, err
		}
		metric = m
	}
	strategy := spec.IndexStrategy
	if strategy == "" {
		strategy = e.Config().Index.DefaultStrategy
	}
	parsed, err := index.ParseStrategy(strategy)
	if err != nil {
		return nil, err
	}

	coll := &storage.Collection{
		Name:          spec.Name,
		Dimension:     spec.Dimension,
		Metric:        metric,
		IndexStrategy: string(parsed),
	}
	if coll.Dimension == 0 {
		coll.Dimension = e.Embedder.Dimension()
	}
	if coll.Dimension == e.Embedder.Dimension() {
		coll.EmbeddingModel = e.Embedder.Model()
	}
	if err := e.Storage.CreateCollection(ctx, coll); err != nil {
		return nil, err
	}
	e.Logger.Info("collection created",
		zap.String("collection", coll.Name),
		zap.Int("dimension", coll.Dimension),
		zap.Stringer("metric", coll.Metric))
	return coll, nil
}

// DeleteCollection removes a collection with its documents and index.
func (e *Engine) DeleteCollection(ctx context.Context, name string) error {
	coll, err := e.Storage.GetCollection(ctx, name)
	if err != nil {
		return err
	}
	if err := e.Storage.DeleteCollection(ctx, coll.ID); err != nil {
		return err
	}
	e.Index.Drop(name)
	e.Searcher.InvalidateCollection(name)
	e.Logger.Info("collection deleted", zap.String("collection", name))
	return nil
}

// BuildIndex builds and publishes the ANN index of a collection. An empty
// strategy selects the collection's strategy; nil params select the
// configured defaults.
func (e *Engine) BuildIndex(ctx context.Context, name, strategy string, params *index.Params) (*index.BuildResult, error) {
	coll, err := e.Storage.GetCollection(ctx, name)
	if err != nil {
		return nil, err
	}
	if strategy == "" {
		strategy = coll.IndexStrategy
	}
	parsed, err := index.ParseStrategy(strategy)
	if err != nil {
		return nil, err
	}
	p := e.Config().IndexParams()
	if params != nil {
		p = *params
	}

	res, err := e.Index.Build(ctx, name, parsed, p)
	if err != nil {
		return nil, err
	}
	// Cached responses carry the approximate flag of the old plan
	e.Searcher.InvalidateCollection(name)
	return res, nil
}

// Reembed re-embeds every document of a collection with the engine embedder
// and rebuilds its published index.
func (e *Engine) Reembed(ctx context.Context, name string, cfg *indexer.Config) (*indexer.Statistics, error) {
	return e.Indexer.ReembedCollection(ctx, name, e.Embedder, cfg)
}

// CollectionReport combines the storage and index view of a collection.
type CollectionReport struct {
	Storage *storage.CollectionStatus `json:"storage"`
	Index   index.Status              `json:"index"`
}

// Status reports on one collection.
func (e *Engine) Status(ctx context.Context, name string) (*CollectionReport, error) {
	coll, err := e.Storage.GetCollection(ctx, name)
	if err != nil {
		return nil, err
	}
	st, err := e.Storage.GetStatus(ctx, coll.ID)
	if err != nil {
		return nil, err
	}
	return &CollectionReport{Storage: st, Index: e.Index.Status(name)}, nil
}

// Close saves index snapshots when configured, then releases every
// component. It is safe to call once.
func (e *Engine) Close() error {
	var errs []error
	if dir := e.Config().Index.SnapshotDir; dir != "" {
		if err := e.Index.SaveSnapshots(dir); err != nil {
			errs = append(errs, fmt.Errorf("save snapshots: %w", err))
		}
	}
	if err := e.Index.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.Embedder.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.closeStorage(); err != nil {
		errs = append(errs, err)
	}
	_ = e.Logger.Sync()
	return errors.Join(errs...)
}

func (e *Engine) closeStorage() error {
	if !e.ownsStore || e.Storage == nil {
		return nil
	}
	return e.Storage.Close()
}
