// Package searcher implements the hybrid query planner combining metadata
// filters, vector similarity and keyword matching.
//
// The searcher provides three strategies:
//   - Prefilter: push the metadata predicate down, then rank the survivors by vector distance (default)
//   - RRF: Reciprocal Rank Fusion of independent vector and keyword lists
//   - Weighted: weighted sum of normalized text rank and vector similarity
//
// # Basic Usage
//
//	s := searcher.NewSearcher(store, emb, searcher.WithIndex(manager))
//
//	resp, err := s.Search(ctx, searcher.Query{
//	    Collection: "articles",
//	    Text:       "cats on mats",
//	    Filters:    metadata.NewFilterSet(metadata.Filter{Key: "lang", Operator: metadata.OpEqual, Value: metadata.String("en")}),
//	    K:          10,
//	})
//
//	for _, r := range resp.Results {
//	    fmt.Printf("[%d] %d (score: %.3f)\n", r.Rank, r.DocumentID, r.Score)
//	}
//
// # Query Sources
//
// A query names up to three ingredients. Vector, when set, is the vector
// source and Text is not embedded. Otherwise Text is embedded through the
// configured embedder. Keywords is the full-text source; for rrf and
// weighted it defaults to Text when no Vector was given. Without any vector
// source the planner degrades to keyword ranking over the filtered set;
// without keywords or filters it degrades to pure vector search.
//
// # Prefilter
//
// The metadata predicate (and the keyword predicate when KeywordFilter is
// set) is evaluated in storage first, producing a candidate bitmap. Sets of
// at most ExactScanThreshold documents, or any query with Exact, are ranked
// by an exact scan in SQL. Larger sets use the published ANN index with the
// bitmap as traversal filter, and the response is flagged Approximate.
//
// # Fusion
//
// RRF scores each document Σ 1/(k + rank) over the lists it appears in, with
// k defaulting to 60; both lists are capped at CandidateLimit (default 100)
// and fetched concurrently. A document ranked first in both lists always
// outranks one ranked first in only one.
//
// Weighted fusion has no default weights; a query without them is rejected.
//
// # Execution Stages
//
// Every response lists the stages it traversed:
//
//	received -> filtered -> {vector_ranked | keyword_ranked | fused} -> limited -> returned
//
// filtered appears whenever a predicate was supplied. A query that exceeds
// its timeout (default 30s) fails with types.ErrTimeout.
//
// # Result Soundness
//
// Results are loaded from storage and re-checked against the predicate, so
// documents deleted since indexing and any ANN leakage never reach the
// caller.
//
// # Caching
//
// Responses can be cached in an LRU (1000 entries, 1h TTL by default) keyed
// by sha256 of the normalized query. Any write to a collection invalidates
// its entries.
package searcher
