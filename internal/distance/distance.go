// Package distance implements the vector distance functions shared by the
// storage layer, the ANN indexes and the query planner. Lower distance
// always means more similar.
package distance

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/dshills/hybridsearch/pkg/types"
)

// Metric identifies a distance function.
type Metric uint8

const (
	// Unset is the zero Metric; a query that leaves it unset uses the
	// collection metric.
	Unset Metric = iota
	L2
	Cosine
	InnerProduct
)

// Metrics lists the supported metrics.
var Metrics = []Metric{L2, Cosine, InnerProduct}

func (m Metric) String() string {
	switch m {
	case L2:
		return "l2"
	case Cosine:
		return "cosine"
	case InnerProduct:
		return "inner_product"
	}
	return "unset"
}

// Valid reports whether m is one of the supported metrics.
func (m Metric) Valid() bool {
	return m == L2 || m == Cosine || m == InnerProduct
}

// ParseMetric parses a metric name. Common aliases are accepted.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "l2", "euclidean":
		return L2, nil
	case "cosine", "cos":
		return Cosine, nil
	case "inner_product", "ip", "dot", "negative_inner_product":
		return InnerProduct, nil
	}
	return Unset, fmt.Errorf("%w: unknown metric %q", types.ErrInvalidParameter, s)
}

func (m Metric) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Metric) UnmarshalText(text []byte) error {
	if len(text) == 0 || string(text) == "unset" {
		*m = Unset
		return nil
	}
	parsed, err := ParseMetric(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Func computes the distance between two vectors of equal length.
type Func func(a, b []float32) float32

// Provider returns the distance function for metric.
func Provider(m Metric) (Func, error) {
	switch m {
	case L2:
		return Euclidean, nil
	case Cosine:
		return CosineDistance, nil
	case InnerProduct:
		return NegativeInnerProduct, nil
	}
	return nil, fmt.Errorf("%w: unknown metric %d", types.ErrInvalidParameter, m)
}

// Distance computes the distance under metric after checking dimensions.
func Distance(m Metric, a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, types.NewDimensionMismatch(len(a), len(b))
	}
	fn, err := Provider(m)
	if err != nil {
		return 0, err
	}
	return fn(a, b), nil
}

// Euclidean is the Euclidean distance sqrt(sum((a_i - b_i)^2)).
func Euclidean(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}

// CosineDistance is 1 - cos(a, b), clamped into [0, 2]. A zero vector is
// treated as orthogonal to everything, giving a distance of 1.
func CosineDistance(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	return float32(cosineFromSums(dot, na, nb))
}

func cosineFromSums(dot, na, nb float64) float64 {
	if na == 0 || nb == 0 {
		return 1
	}
	d := 1 - dot/math.Sqrt(na*nb)
	switch {
	case d < 0:
		return 0
	case d > 2:
		return 2
	}
	return d
}

// NegativeInnerProduct is -sum(a_i * b_i).
func NegativeInnerProduct(a, b []float32) float32 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(-dot)
}

// Similarity converts a distance into a display score where higher is more
// similar. It is not comparable across metrics.
func Similarity(m Metric, d float64) float64 {
	switch m {
	case Cosine:
		return 1 - d
	case L2:
		return 1 / (1 + d)
	case InnerProduct:
		return -d
	}
	return -d
}

// Check verifies that a requested metric agrees with the configured one. An
// Unset request always agrees.
func Check(configured, requested Metric) error {
	if requested == Unset || requested == configured {
		return nil
	}
	return &types.MetricMismatchError{Configured: configured.String(), Requested: requested.String()}
}

// Scored pairs an id with its distance to a query.
type Scored struct {
	ID       int64
	Distance float32
}

// Rank returns the ids of vectors ordered by ascending distance to query,
// ties broken by ascending id.
func Rank(m Metric, query []float32, vectors map[int64][]float32) ([]Scored, error) {
	fn, err := Provider(m)
	if err != nil {
		return nil, err
	}
	out := make([]Scored, 0, len(vectors))
	for id, v := range vectors {
		if len(v) != len(query) {
			return nil, types.NewDimensionMismatch(len(query), len(v))
		}
		out = append(out, Scored{ID: id, Distance: fn(query, v)})
	}
	SortScored(out)
	return out, nil
}

// SortScored sorts by ascending distance then ascending id.
func SortScored(s []Scored) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Distance != s[j].Distance {
			return s[i].Distance < s[j].Distance
		}
		return s[i].ID < s[j].ID
	})
}
