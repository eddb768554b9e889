package distance

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/dshills/hybridsearch/pkg/types"
)

// ErrMalformedBlob is returned when a vector blob is not a whole number of
// float32 values.
var ErrMalformedBlob = errors.New("malformed vector blob")

// Encode converts a float32 slice to a little-endian byte slice.
func Encode(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// Decode converts a little-endian byte slice back to float32.
func Decode(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedBlob, len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}

// BlobDistance computes the distance between two encoded vectors without
// allocating. It returns exactly what the []float32 functions return for the
// decoded vectors, so SQL-side and in-memory rankings agree.
func BlobDistance(m Metric, a, b []byte) (float64, error) {
	if len(a)%4 != 0 || len(b)%4 != 0 {
		return 0, ErrMalformedBlob
	}
	if len(a) != len(b) {
		return 0, types.NewDimensionMismatch(len(a)/4, len(b)/4)
	}

	var sum, dot, na, nb float64
	for i := 0; i < len(a); i += 4 {
		x := float64(math.Float32frombits(binary.LittleEndian.Uint32(a[i:])))
		y := float64(math.Float32frombits(binary.LittleEndian.Uint32(b[i:])))
		switch m {
		case L2:
			d := x - y
			sum += d * d
		case Cosine:
			dot += x * y
			na += x * x
			nb += y * y
		case InnerProduct:
			dot += x * y
		}
	}

	switch m {
	case L2:
		return float64(float32(math.Sqrt(sum))), nil
	case Cosine:
		return float64(float32(cosineFromSums(dot, na, nb))), nil
	case InnerProduct:
		return float64(float32(-dot)), nil
	}
	return 0, fmt.Errorf("%w: unknown metric %d", types.ErrInvalidParameter, m)
}

// BlobDistanceByName is BlobDistance keyed by metric name, the form used by
// the SQL scalar function.
func BlobDistanceByName(metric string, a, b []byte) (float64, error) {
	m, err := ParseMetric(metric)
	if err != nil {
		return 0, err
	}
	return BlobDistance(m, a, b)
}
