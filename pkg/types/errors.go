package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Callers match with errors.Is.
var (
	ErrDimensionMismatch  = errors.New("dimension mismatch")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidMetadata    = errors.New("invalid metadata")
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrInvalidFilter      = errors.New("invalid filter")
	ErrEmptyCollection    = errors.New("empty collection")
	ErrTimeout            = errors.New("timeout")
	ErrExternalDependency = errors.New("external dependency error")
	ErrMetricMismatch     = errors.New("metric mismatch")
	ErrBuildInProgress    = errors.New("index build in progress")

	// Search result errors
	ErrInvalidDocumentID = errors.New("invalid document ID")
	ErrInvalidRank       = errors.New("rank must be >= 1")
)

// DimensionMismatchError reports a vector whose length differs from the
// collection dimension.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

// NewDimensionMismatch returns a *DimensionMismatchError.
func NewDimensionMismatch(expected, actual int) error {
	return &DimensionMismatchError{Expected: expected, Actual: actual}
}

// MetricMismatchError reports a query metric that differs from the metric a
// collection (and its index) was built with.
type MetricMismatchError struct {
	Configured string
	Requested  string
}

func (e *MetricMismatchError) Error() string {
	return fmt.Sprintf("metric mismatch: collection uses %s, query requested %s", e.Configured, e.Requested)
}

func (e *MetricMismatchError) Is(target error) bool {
	return target == ErrMetricMismatch
}

// ExternalDependencyError wraps a failure of an external collaborator such as
// the embedding provider. It is always retryable by the caller.
type ExternalDependencyError struct {
	Dependency string
	Err        error
}

func (e *ExternalDependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Dependency, e.Err)
}

func (e *ExternalDependencyError) Unwrap() error { return e.Err }

func (e *ExternalDependencyError) Is(target error) bool {
	return target == ErrExternalDependency
}

// Retryable always reports true.
func (e *ExternalDependencyError) Retryable() bool { return true }

// NewExternalDependencyError wraps err as an *ExternalDependencyError.
func NewExternalDependencyError(dependency string, err error) error {
	return &ExternalDependencyError{Dependency: dependency, Err: err}
}

// IsRetryable reports whether err is a retryable external failure.
func IsRetryable(err error) bool {
	var ext *ExternalDependencyError
	return errors.As(err, &ext)
}
