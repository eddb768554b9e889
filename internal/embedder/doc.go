// Package embedder turns text into vector embeddings through a pluggable
// provider.
//
// Three providers are available: Jina AI and OpenAI (or any server speaking
// the OpenAI /v1/embeddings format), both over HTTP, and an offline local
// provider that hashes tokens into a fixed-size unit vector.
//
// # Basic Usage
//
//	emb, err := embedder.New(embedder.Config{Provider: "openai", CacheSize: 10000})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer emb.Close()
//
//	result, err := emb.GenerateEmbedding(ctx, embedder.EmbeddingRequest{
//	    Text: "the cat sat on the mat",
//	})
//	fmt.Printf("Vector dimension: %d\n", len(result.Vector))
//
// # Batch Processing
//
// GenerateBatch accepts up to MaxBatchSize texts and returns embeddings in
// input order. Cached texts are served locally; only the misses are sent to
// the provider in a single request.
//
// # Failures
//
// Every provider failure, including transport errors, non-2xx responses,
// undecodable bodies and responses with missing or wrongly sized vectors, is
// returned as a *types.ExternalDependencyError. Callers can match it with
// errors.Is(err, types.ErrExternalDependency) and may always retry. A
// provider never substitutes a zero vector.
//
// Requests are retried with exponential backoff (3 attempts, 100ms doubling
// up to 5s) and throttled by a token-bucket rate limiter.
//
// # Caching
//
// The LRU cache is keyed by sha256 of the model name and the text, so the
// same text embedded by two models never collides. Embeddings returned from
// the cache have Cached set.
//
// # Environment
//
// NewFromEnv reads HYBRIDSEARCH_EMBEDDING_PROVIDER, HYBRIDSEARCH_EMBEDDING_MODEL,
// HYBRIDSEARCH_EMBEDDING_DIMENSION, JINA_API_KEY, OPENAI_API_KEY and
// OPENAI_BASE_URL. Without a provider or key it falls back to the local
// provider.
package embedder
