// Package types provides shared type definitions for the hybrid search engine.
//
// # Errors
//
// Every layer reports failures using the sentinel taxonomy declared here:
//
//	ErrDimensionMismatch  embedding length differs from the collection dimension
//	ErrNotFound           referenced collection or document does not exist
//	ErrInvalidMetadata    metadata contains non-scalar values or bad keys
//	ErrInvalidParameter   malformed caller input
//	ErrInvalidFilter      malformed metadata predicate
//	ErrEmptyCollection    operation needs at least one document
//	ErrTimeout            caller deadline exceeded
//	ErrExternalDependency embedding provider failed (always retryable)
//	ErrMetricMismatch     query metric differs from the collection metric
//
// Typed errors (DimensionMismatchError, MetricMismatchError,
// ExternalDependencyError) carry details and still match their sentinel:
//
//	if errors.Is(err, types.ErrDimensionMismatch) {
//	    var dm *types.DimensionMismatchError
//	    if errors.As(err, &dm) {
//	        log.Printf("expected %d, got %d", dm.Expected, dm.Actual)
//	    }
//	}
//
// Validation errors are raised before storage or the index is touched.
//
// # Search Results
//
// SearchResult is one entry of a ranked list. Rank is 1-based; Score is
// strategy dependent (similarity for vector ranking, fused score for RRF)
// and only meaningful relative to the other entries of the same list.
package types
