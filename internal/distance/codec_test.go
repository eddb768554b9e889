package distance

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	original := []float32{0.1, -0.2, 0.3, 1e-8, -1e8}

	decoded, err := Decode(Encode(original))
	require.NoError(t, err)
	assert.Equal(t, original, decoded)

	_, err = Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedBlob)
}

func TestBlobDistanceMatchesSliceDistance(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	for _, m := range Metrics {
		fn, err := Provider(m)
		require.NoError(t, err)
		for i := 0; i < 50; i++ {
			a := randomVector(rng, 32)
			b := randomVector(rng, 32)

			got, err := BlobDistance(m, Encode(a), Encode(b))
			require.NoError(t, err)
			assert.Equal(t, float64(fn(a, b)), got, m.String())
		}
	}
}

func TestBlobDistanceByName(t *testing.T) {
	a := Encode([]float32{1, 0})
	b := Encode([]float32{0, 1})

	d, err := BlobDistanceByName("cosine", a, b)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, d, 1e-6)

	_, err = BlobDistanceByName("cosine", a, Encode([]float32{1, 2, 3}))
	assert.Error(t, err)

	_, err = BlobDistanceByName("hamming", a, b)
	assert.Error(t, err)
}
