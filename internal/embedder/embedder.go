package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/hybridsearch/pkg/types"
)

// Common errors
var (
	ErrInvalidInput      = fmt.Errorf("%w: invalid embedding input", types.ErrInvalidParameter)
	ErrEmptyText         = fmt.Errorf("%w: text cannot be empty", types.ErrInvalidParameter)
	ErrBatchTooLarge     = fmt.Errorf("%w: batch size exceeds limit", types.ErrInvalidParameter)
	ErrUnknownProvider   = fmt.Errorf("%w: unknown embedding provider", types.ErrInvalidParameter)
	ErrNoProviderEnabled = errors.New("no embedding provider configured")
)

// Embedding represents a vector embedding with metadata
type Embedding struct {
	Vector    []float32
	Dimension int
	Provider  string
	Model     string
	Hash      string // Cache key
	Cached    bool   // Served from the embedding cache
}

// EmbeddingRequest represents a request to generate embeddings
type EmbeddingRequest struct {
	Text  string
	Model string // Optional: override default model
}

// BatchEmbeddingRequest represents a batch request
type BatchEmbeddingRequest struct {
	Texts []string
	Model string // Optional: override default model
}

// BatchEmbeddingResponse represents a batch response
type BatchEmbeddingResponse struct {
	Embeddings []*Embedding
	Provider   string
	Model      string
}

// Embedder turns text into fixed-length vectors. Every provider failure is
// reported as a *types.ExternalDependencyError.
type Embedder interface {
	// GenerateEmbedding generates a single embedding for the given text
	GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error)

	// GenerateBatch generates embeddings for multiple texts, in input order
	GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error)

	// Dimension returns the embedding dimension for this provider
	Dimension() int

	// Provider returns the provider name
	Provider() string

	// Model returns the model name
	Model() string

	// Close releases any resources held by the embedder
	Close() error
}

// Cache provides in-memory LRU caching of embeddings keyed by ComputeHash.
type Cache struct {
	cache *lru.Cache[string, *Embedding]
}

// NewCache creates a new embedding cache with LRU eviction
func NewCache(maxLen int) *Cache {
	if maxLen <= 0 {
		maxLen = DefaultCacheSize
	}
	cache, err := lru.New[string, *Embedding](maxLen)
	if err != nil {
		cache, _ = lru.New[string, *Embedding](DefaultCacheSize)
	}
	return &Cache{
		cache: cache,
	}
}

// Get retrieves a copy of a cached embedding, flagged as Cached.
func (c *Cache) Get(hash string) (*Embedding, bool) {
	if c == nil {
		return nil, false
	}
	emb, ok := c.cache.Get(hash)
	if !ok {
		return nil, false
	}

	vectorCopy := make([]float32, len(emb.Vector))
	copy(vectorCopy, emb.Vector)

	return &Embedding{
		Vector:    vectorCopy,
		Dimension: emb.Dimension,
		Provider:  emb.Provider,
		Model:     emb.Model,
		Hash:      emb.Hash,
		Cached:    true,
	}, true
}

// Set stores a copy of an embedding.
func (c *Cache) Set(hash string, emb *Embedding) {
	if c == nil {
		return
	}
	stored := *emb
	stored.Vector = append([]float32(nil), emb.Vector...)
	stored.Cached = false
	c.cache.Add(hash, &stored)
}

// Size returns the current cache size
func (c *Cache) Size() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}

// Clear empties the cache
func (c *Cache) Clear() {
	if c == nil {
		return
	}
	c.cache.Purge()
}

// ComputeHash returns the cache key for text embedded by model. The same
// text under two models never shares a key.
func ComputeHash(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateRequest validates an embedding request
func ValidateRequest(req EmbeddingRequest) error {
	if req.Text == "" {
		return ErrEmptyText
	}
	return nil
}

// ValidateBatchRequest validates a batch embedding request
func ValidateBatchRequest(req BatchEmbeddingRequest) error {
	if len(req.Texts) == 0 {
		return fmt.Errorf("%w: no texts provided", ErrInvalidInput)
	}
	if len(req.Texts) > MaxBatchSize {
		return fmt.Errorf("%w: max %d texts allowed, got %d", ErrBatchTooLarge, MaxBatchSize, len(req.Texts))
	}

	for i, text := range req.Texts {
		if text == "" {
			return fmt.Errorf("%w: text at index %d is empty", ErrInvalidInput, i)
		}
	}

	return nil
}

// generateOne embeds a single text through GenerateBatch.
func generateOne(ctx context.Context, e Embedder, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	resp, err := e.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{req.Text}, Model: req.Model})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != 1 {
		return nil, types.NewExternalDependencyError(e.Provider(),
			fmt.Errorf("expected 1 embedding, got %d", len(resp.Embeddings)))
	}
	return resp.Embeddings[0], nil
}
