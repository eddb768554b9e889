package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dshills/hybridsearch/internal/metrics"
	"github.com/dshills/hybridsearch/pkg/types"
)

// Provider configuration
const (
	ProviderJina   = "jina"
	ProviderOpenAI = "openai"
	ProviderLocal  = "local"

	// Default endpoints
	DefaultJinaBaseURL   = "https://api.jina.ai"
	DefaultOpenAIBaseURL = "https://api.openai.com"

	// Default models
	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultLocalModel  = "local-hashing-v1"

	// Dimensions
	JinaDimension   = 1024
	OpenAIDimension = 1536
	LocalDimension  = 384

	// Batch limits
	DefaultBatchSize = 50
	MaxBatchSize     = 100

	// DefaultCacheSize is the number of cached embeddings.
	DefaultCacheSize = 10000

	// DefaultRequestsPerSecond limits provider calls; bursts may reach the
	// same number.
	DefaultRequestsPerSecond = 10

	// Retry configuration
	MaxRetries        = 3
	InitialBackoffMs  = 100
	MaxBackoffMs      = 5000
	BackoffMultiplier = 2.0

	defaultHTTPTimeout = 30 * time.Second
	maxErrorBody       = 4096
)

// HTTPOptions configures a remote provider. Zero fields select the
// provider's defaults.
type HTTPOptions struct {
	APIKey            string
	BaseURL           string
	Model             string
	Dimension         int
	RequestsPerSecond float64
	Timeout           time.Duration
	Retry             *RetryConfig
	Cache             *Cache
	Metrics           *metrics.Metrics
	HTTPClient        *http.Client
}

// HTTPProvider talks to an OpenAI-compatible /v1/embeddings endpoint. Jina
// and OpenAI share the wire format.
type HTTPProvider struct {
	name       string
	apiKey     string
	endpoint   string
	model      string
	dimension  int
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      RetryConfig
	cache      *Cache
	metrics    *metrics.Metrics
}

// NewJinaProvider creates a Jina AI embedder. An empty API key falls back to
// JINA_API_KEY.
func NewJinaProvider(opts HTTPOptions) (*HTTPProvider, error) {
	return newHTTPProvider(ProviderJina, EnvJinaAPIKey, DefaultJinaBaseURL, DefaultJinaModel, JinaDimension, opts)
}

// NewOpenAIProvider creates an OpenAI embedder. An empty API key falls back
// to OPENAI_API_KEY, an empty base URL to OPENAI_BASE_URL.
func NewOpenAIProvider(opts HTTPOptions) (*HTTPProvider, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = os.Getenv(EnvOpenAIBaseURL)
	}
	return newHTTPProvider(ProviderOpenAI, EnvOpenAIAPIKey, DefaultOpenAIBaseURL, DefaultOpenAIModel, OpenAIDimension, opts)
}

func newHTTPProvider(name, keyEnv, baseURL, model string, dim int, opts HTTPOptions) (*HTTPProvider, error) {
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = os.Getenv(keyEnv)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, keyEnv)
	}
	if opts.BaseURL != "" {
		baseURL = opts.BaseURL
	}
	if opts.Model != "" {
		model = opts.Model
	}
	if opts.Dimension < 0 {
		return nil, fmt.Errorf("%w: negative dimension", ErrInvalidInput)
	}
	if opts.Dimension > 0 {
		dim = opts.Dimension
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	retry := DefaultRetryConfig()
	if opts.Retry != nil {
		retry = *opts.Retry
	}

	return &HTTPProvider{
		name:       name,
		apiKey:     apiKey,
		endpoint:   strings.TrimRight(baseURL, "/") + "/v1/embeddings",
		model:      model,
		dimension:  dim,
		httpClient: client,
		limiter:    rate.NewLimiter(rate.Limit(rps), int(math.Max(1, math.Ceil(rps)))),
		retry:      retry,
		cache:      opts.Cache,
		metrics:    opts.Metrics,
	}, nil
}

func (p *HTTPProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return generateOne(ctx, p, req)
}

// GenerateBatch embeds texts, serving cached entries locally and sending
// only the misses to the provider.
func (p *HTTPProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = p.model
	}

	out := make([]*Embedding, len(req.Texts))
	var missTexts []string
	var missIdx []int
	for i, text := range req.Texts {
		hash := ComputeHash(model, text)
		if emb, ok := p.cache.Get(hash); ok {
			out[i] = emb
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) > 0 {
		embeddings, attempts, err := retryWithBackoff(ctx, p.retry, func() ([]*Embedding, error) {
			embs, err := p.callAPI(ctx, missTexts, model)
			p.metrics.ObserveEmbedderRequest(p.name, metrics.Outcome(err, errors.Is(err, context.DeadlineExceeded)))
			return embs, err
		})
		if err != nil {
			return nil, types.NewExternalDependencyError(p.name,
				fmt.Errorf("embedding request failed after %d attempts: %w", attempts, err))
		}

		for j, emb := range embeddings {
			i := missIdx[j]
			emb.Hash = ComputeHash(model, req.Texts[i])
			p.cache.Set(emb.Hash, emb)
			out[i] = emb
		}
	}

	return &BatchEmbeddingResponse{
		Embeddings: out,
		Provider:   p.name,
		Model:      model,
	}, nil
}

type embeddingsRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

func (p *HTTPProvider) callAPI(ctx context.Context, texts []string, model string) ([]*Embedding, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	body, err := json.Marshal(embeddingsRequest{Input: texts, Model: model})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("api error %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	var apiResp embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(apiResp.Data) != len(texts) {
		return nil, fmt.Errorf("malformed response: %d embeddings for %d inputs", len(apiResp.Data), len(texts))
	}
	sort.SliceStable(apiResp.Data, func(i, j int) bool { return apiResp.Data[i].Index < apiResp.Data[j].Index })

	respModel := apiResp.Model
	if respModel == "" {
		respModel = model
	}
	embeddings := make([]*Embedding, len(apiResp.Data))
	for i, data := range apiResp.Data {
		if data.Index != i {
			return nil, fmt.Errorf("malformed response: missing embedding for input %d", i)
		}
		if len(data.Embedding) != p.dimension {
			return nil, fmt.Errorf("malformed response: %w", types.NewDimensionMismatch(p.dimension, len(data.Embedding)))
		}
		embeddings[i] = &Embedding{
			Vector:    data.Embedding,
			Dimension: len(data.Embedding),
			Provider:  p.name,
			Model:     respModel,
		}
	}

	return embeddings, nil
}

func (p *HTTPProvider) Dimension() int {
	return p.dimension
}

func (p *HTTPProvider) Provider() string {
	return p.name
}

func (p *HTTPProvider) Model() string {
	return p.model
}

func (p *HTTPProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// NormalizeVector normalizes a vector to unit length (for cosine similarity)
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}

	if sum == 0 {
		return v
	}

	norm := math.Sqrt(sum)
	result := make([]float32, len(v))
	for i, val := range v {
		result[i] = float32(float64(val) / norm)
	}

	return result
}
