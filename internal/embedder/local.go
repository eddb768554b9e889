package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode"
)

// LocalProvider embeds text offline by hashing its tokens into a fixed
// number of buckets. Texts sharing words land close together under cosine
// distance, which is enough for tests and demos but carries no semantics.
type LocalProvider struct {
	model     string
	dimension int
	cache     *Cache
}

// NewLocalProvider creates a hashing embedder. A zero dimension selects
// LocalDimension.
func NewLocalProvider(dimension int, cache *Cache) (*LocalProvider, error) {
	if dimension < 0 {
		return nil, fmt.Errorf("%w: negative dimension", ErrInvalidInput)
	}
	if dimension == 0 {
		dimension = LocalDimension
	}
	return &LocalProvider{
		model:     DefaultLocalModel,
		dimension: dimension,
		cache:     cache,
	}, nil
}

func (l *LocalProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return generateOne(ctx, l, req)
}

func (l *LocalProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	embeddings := make([]*Embedding, len(req.Texts))
	for i, text := range req.Texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hash := ComputeHash(l.model, text)
		if emb, ok := l.cache.Get(hash); ok {
			embeddings[i] = emb
			continue
		}
		emb := &Embedding{
			Vector:    l.embed(text),
			Dimension: l.dimension,
			Provider:  ProviderLocal,
			Model:     l.model,
			Hash:      hash,
		}
		l.cache.Set(hash, emb)
		embeddings[i] = emb
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderLocal,
		Model:      l.model,
	}, nil
}

// embed returns a unit vector. Each token adds a signed unit to the bucket
// chosen by its sha256; text with no tokens hashes as a whole.
func (l *LocalProvider) embed(text string) []float32 {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		tokens = []string{text}
	}
	vec := make([]float32, l.dimension)
	for _, tok := range tokens {
		sum := sha256.Sum256([]byte(tok))
		bucket := binary.LittleEndian.Uint32(sum[0:4]) % uint32(l.dimension)
		if sum[4]&1 == 0 {
			vec[bucket]++
		} else {
			vec[bucket]--
		}
	}

	// Opposite signs may cancel out; fall back to the text hash
	nonZero := false
	for _, v := range vec {
		if v != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		sum := sha256.Sum256([]byte(text))
		vec[binary.LittleEndian.Uint32(sum[0:4])%uint32(l.dimension)] = 1
	}
	return NormalizeVector(vec)
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func (l *LocalProvider) Dimension() int {
	return l.dimension
}

func (l *LocalProvider) Provider() string {
	return ProviderLocal
}

func (l *LocalProvider) Model() string {
	return l.model
}

func (l *LocalProvider) Close() error {
	return nil
}
