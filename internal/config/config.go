// Package config loads the YAML configuration shared by the server and the
// CLI.
//
// Every value has a default. A config file overrides the defaults and
// HYBRIDSEARCH_* environment variables override the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/hybridsearch/internal/embedder"
	"github.com/dshills/hybridsearch/internal/index"
	"github.com/dshills/hybridsearch/internal/logging"
	"github.com/dshills/hybridsearch/internal/searcher"
	"github.com/dshills/hybridsearch/pkg/types"
)

// Storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Environment variables applied by Load after the file.
const (
	EnvConfig          = "HYBRIDSEARCH_CONFIG"
	EnvStorageDriver   = "HYBRIDSEARCH_STORAGE_DRIVER"
	EnvDBPath          = "HYBRIDSEARCH_DB_PATH"
	EnvPostgresDSN     = "HYBRIDSEARCH_POSTGRES_DSN"
	EnvLogLevel        = "HYBRIDSEARCH_LOG_LEVEL"
	EnvMetricsAddress  = "HYBRIDSEARCH_METRICS_ADDRESS"
	EnvSnapshotDir     = "HYBRIDSEARCH_SNAPSHOT_DIR"
	EnvDefaultStrategy = "HYBRIDSEARCH_INDEX_STRATEGY"
)

// DefaultDBPath is the database file used when none is configured.
const DefaultDBPath = "~/.hybridsearch/hybridsearch.db"

// Config is the root of the configuration file.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Embedder EmbedderConfig `yaml:"embedder"`
	Index    IndexConfig    `yaml:"index"`
	Search   SearchConfig   `yaml:"search"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn,omitempty"`
}

type EmbedderConfig struct {
	Provider          string        `yaml:"provider"`
	APIKey            string        `yaml:"api_key,omitempty"`
	BaseURL           string        `yaml:"base_url,omitempty"`
	Model             string        `yaml:"model,omitempty"`
	Dimension         int           `yaml:"dimension,omitempty"`
	CacheSize         int           `yaml:"cache_size"`
	RequestsPerSecond float64       `yaml:"requests_per_second,omitempty"`
	Timeout           time.Duration `yaml:"timeout,omitempty"`
}

type IndexConfig struct {
	DefaultStrategy string           `yaml:"default_strategy"`
	HNSW            index.HNSWParams `yaml:"hnsw"`
	IVF             index.IVFParams  `yaml:"ivf"`
	// SnapshotDir enables index snapshots on shutdown and reload on start.
	SnapshotDir string `yaml:"snapshot_dir,omitempty"`
}

type SearchConfig struct {
	DefaultK           int           `yaml:"default_k"`
	CandidateLimit     int           `yaml:"candidate_limit"`
	RRFConstant        float64       `yaml:"rrf_constant"`
	ExactScanThreshold int           `yaml:"exact_scan_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	CacheSize          int           `yaml:"cache_size"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver: DriverSQLite,
			Path:   DefaultDBPath,
		},
		Embedder: EmbedderConfig{
			Provider:  embedder.ProviderLocal,
			CacheSize: embedder.DefaultCacheSize,
		},
		Index: IndexConfig{
			DefaultStrategy: string(index.StrategyHNSW),
			HNSW: index.HNSWParams{
				M:              index.DefaultM,
				EFConstruction: index.DefaultEFConstruction,
				EFSearch:       index.DefaultEFSearch,
			},
			IVF: index.IVFParams{
				Probes:        index.DefaultProbes,
				MaxIterations: index.DefaultMaxIterations,
			},
		},
		Search: SearchConfig{
			DefaultK:           10,
			CandidateLimit:     searcher.DefaultCandidateLimit,
			RRFConstant:        searcher.DefaultRRFConstant,
			ExactScanThreshold: searcher.DefaultExactScanThreshold,
			Timeout:            searcher.DefaultTimeout,
			CacheSize:          searcher.DefaultCacheSize,
			CacheTTL:           searcher.DefaultCacheTTL,
		},
		Logging: LoggingConfig{Level: logging.Info},
		Metrics: MetricsConfig{Address: ":9090"},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path falls back to HYBRIDSEARCH_CONFIG; a missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfig)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.Storage.Driver, EnvStorageDriver)
	setString(&c.Storage.Path, EnvDBPath)
	setString(&c.Storage.DSN, EnvPostgresDSN)
	setString(&c.Logging.Level, EnvLogLevel)
	setString(&c.Index.SnapshotDir, EnvSnapshotDir)
	setString(&c.Index.DefaultStrategy, EnvDefaultStrategy)
	if v := os.Getenv(EnvMetricsAddress); v != "" {
		c.Metrics.Address = v
		c.Metrics.Enabled = true
	}

	setString(&c.Embedder.Provider, embedder.EnvProvider)
	setString(&c.Embedder.Model, embedder.EnvModel)
	if v := os.Getenv(embedder.EnvDimension); v != "" {
		dim, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", types.ErrInvalidParameter, embedder.EnvDimension, v)
		}
		c.Embedder.Dimension = dim
	}
	if c.Embedder.APIKey == "" {
		switch strings.ToLower(c.Embedder.Provider) {
		case embedder.ProviderJina:
			c.Embedder.APIKey = os.Getenv(embedder.EnvJinaAPIKey)
		case embedder.ProviderOpenAI:
			c.Embedder.APIKey = os.Getenv(embedder.EnvOpenAIAPIKey)
			setString(&c.Embedder.BaseURL, embedder.EnvOpenAIBaseURL)
		}
	}
	return nil
}

// Validate rejects inconsistent values.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{types.ErrInvalidParameter}, args...)...))
	}

	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.Path == "" {
			invalid("storage.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			invalid("storage.dsn is required for the postgres driver")
		}
	default:
		invalid("unknown storage driver %q", c.Storage.Driver)
	}

	switch strings.ToLower(c.Embedder.Provider) {
	case embedder.ProviderLocal, embedder.ProviderJina, embedder.ProviderOpenAI:
	default:
		invalid("unknown embedder provider %q", c.Embedder.Provider)
	}
	if c.Embedder.Dimension < 0 || c.Embedder.CacheSize < 0 || c.Embedder.RequestsPerSecond < 0 || c.Embedder.Timeout < 0 {
		invalid("embedder values must not be negative")
	}

	if _, err := index.ParseStrategy(c.Index.DefaultStrategy); err != nil {
		errs = append(errs, err)
	}
	if err := c.IndexParams().Validate(); err != nil {
		errs = append(errs, err)
	}

	s := c.Search
	if s.DefaultK < 1 || s.DefaultK > searcher.MaxK {
		invalid("search.default_k must be between 1 and %d", searcher.MaxK)
	}
	if s.CandidateLimit < 0 || s.CandidateLimit > searcher.MaxCandidateLimit {
		invalid("search.candidate_limit must be between 0 and %d", searcher.MaxCandidateLimit)
	}
	if s.RRFConstant < 0 || s.ExactScanThreshold < 0 || s.Timeout < 0 || s.CacheSize < 0 || s.CacheTTL < 0 {
		invalid("search values must not be negative")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		invalid("%v", err)
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		invalid("metrics.address is required when metrics are enabled")
	}
	return errors.Join(errs...)
}

// IndexParams returns the configured build parameters.
func (c *Config) IndexParams() index.Params {
	return index.Params{HNSW: c.Index.HNSW, IVF: c.Index.IVF}
}

// SearcherConfig returns the planner defaults.
func (c *Config) SearcherConfig() searcher.Config {
	return searcher.Config{
		CandidateLimit:     c.Search.CandidateLimit,
		RRFConstant:        c.Search.RRFConstant,
		ExactScanThreshold: c.Search.ExactScanThreshold,
		Timeout:            c.Search.Timeout,
		CacheSize:          c.Search.CacheSize,
		CacheTTL:           c.Search.CacheTTL,
	}
}

// EmbedderFactoryConfig returns the provider factory input.
func (c *Config) EmbedderFactoryConfig() embedder.Config {
	return embedder.Config{
		Provider:          c.Embedder.Provider,
		APIKey:            c.Embedder.APIKey,
		BaseURL:           c.Embedder.BaseURL,
		Model:             c.Embedder.Model,
		Dimension:         c.Embedder.Dimension,
		CacheSize:         c.Embedder.CacheSize,
		RequestsPerSecond: c.Embedder.RequestsPerSecond,
		Timeout:           c.Embedder.Timeout,
	}
}

// DBPath returns the SQLite path with a leading ~ expanded.
func (c *Config) DBPath() (string, error) {
	return expandHome(c.Storage.Path)
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
