package embedder

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/hybridsearch/internal/metrics"
)

// Environment variables read by NewFromEnv.
const (
	EnvProvider      = "HYBRIDSEARCH_EMBEDDING_PROVIDER"
	EnvModel         = "HYBRIDSEARCH_EMBEDDING_MODEL"
	EnvDimension     = "HYBRIDSEARCH_EMBEDDING_DIMENSION"
	EnvJinaAPIKey    = "JINA_API_KEY"
	EnvOpenAIAPIKey  = "OPENAI_API_KEY"
	EnvOpenAIBaseURL = "OPENAI_BASE_URL"
)

// Config holds embedder configuration
type Config struct {
	Provider          string
	APIKey            string
	BaseURL           string
	Model             string
	Dimension         int
	CacheSize         int
	RequestsPerSecond float64
	Timeout           time.Duration
	Metrics           *metrics.Metrics
}

// NewFromEnv creates an embedder based on environment variables
// Priority:
// 1. HYBRIDSEARCH_EMBEDDING_PROVIDER (jina, openai, local)
// 2. Check for API keys: JINA_API_KEY, OPENAI_API_KEY
// 3. Default to local if no API keys found
func NewFromEnv() (Embedder, error) {
	cfg := Config{
		Provider:  DetectProvider(),
		Model:     os.Getenv(EnvModel),
		CacheSize: DefaultCacheSize,
	}
	if raw := os.Getenv(EnvDimension); raw != "" {
		dim, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q", ErrInvalidInput, EnvDimension, raw)
		}
		cfg.Dimension = dim
	}
	return New(cfg)
}

// New creates an embedder with explicit configuration
func New(cfg Config) (Embedder, error) {
	var cache *Cache
	if cfg.CacheSize > 0 {
		cache = NewCache(cfg.CacheSize)
	}

	opts := HTTPOptions{
		APIKey:            cfg.APIKey,
		BaseURL:           cfg.BaseURL,
		Model:             cfg.Model,
		Dimension:         cfg.Dimension,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Timeout:           cfg.Timeout,
		Cache:             cache,
		Metrics:           cfg.Metrics,
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderJina:
		return NewJinaProvider(opts)
	case ProviderOpenAI:
		return NewOpenAIProvider(opts)
	case ProviderLocal, "":
		return NewLocalProvider(cfg.Dimension, cache)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
	}
}

// DetectProvider returns the provider that would be used based on current environment
func DetectProvider() string {
	provider := os.Getenv(EnvProvider)
	if provider != "" {
		return strings.ToLower(provider)
	}

	if os.Getenv(EnvJinaAPIKey) != "" {
		return ProviderJina
	}
	if os.Getenv(EnvOpenAIAPIKey) != "" {
		return ProviderOpenAI
	}

	return ProviderLocal
}
