package metadata

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/hybridsearch/pkg/types"
)

func TestFromAny(t *testing.T) {
	at := time.Date(2023, 5, 6, 7, 8, 9, 0, time.UTC)
	tests := []struct {
		name string
		in   interface{}
		want Value
	}{
		{"string", "en", String("en")},
		{"bool", true, Bool(true)},
		{"integral float", float64(2021), Int(2021)},
		{"fractional float", 0.25, Float(0.25)},
		{"int", 7, Int(7)},
		{"json int beyond 2^53", json.Number("9007199254740993"), Int(9007199254740993)},
		{"json float", json.Number("1.5"), Float(1.5)},
		{"time object", map[string]interface{}{"$time": "2023-05-06T07:08:09Z"}, Time(at)},
		{"time", at, Time(at)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromAny(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []interface{}{nil, []interface{}{1}, map[string]interface{}{"a": 1}, math.NaN(), struct{}{}} {
		_, err := FromAny(bad)
		assert.ErrorIs(t, err, types.ErrInvalidMetadata, "%v", bad)
	}
	_, err := FromAny(map[string]interface{}{"$time": "yesterday"})
	assert.ErrorIs(t, err, types.ErrInvalidMetadata)
}

func TestValueEqualAndCompare(t *testing.T) {
	assert.True(t, Int(3).Equal(Float(3)), "numbers compare across kinds")
	assert.False(t, String("3").Equal(Int(3)))
	assert.False(t, Bool(true).Equal(Int(1)))

	cmp, ok := Int(2).Compare(Float(2.5))
	require.True(t, ok)
	assert.Equal(t, -1, cmp)

	early := Time(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	late := Time(time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC))
	cmp, ok = late.Compare(early)
	require.True(t, ok)
	assert.Equal(t, 1, cmp)

	_, ok = String("a").Compare(String("b"))
	assert.False(t, ok, "strings are not ordered")
	_, ok = Int(1).Compare(early)
	assert.False(t, ok)
}

func TestValidateKey(t *testing.T) {
	for _, key := range []string{"lang", "published_at", "a.b", "x-1"} {
		assert.NoError(t, ValidateKey(key), key)
	}
	for _, key := range []string{"", "bad key", "semi;colon", string(make([]byte, MaxKeyLength+1))} {
		assert.ErrorIs(t, ValidateKey(key), types.ErrInvalidMetadata, key)
	}
}

func TestDocumentHelpers(t *testing.T) {
	doc, err := FromMap(map[string]interface{}{"lang": "en", "year": float64(2021)})
	require.NoError(t, err)
	assert.Equal(t, []string{"lang", "year"}, doc.Keys())
	assert.Equal(t, map[string]interface{}{"lang": "en", "year": int64(2021)}, doc.Natural())

	clone := doc.Clone()
	clone["lang"] = String("fr")
	assert.Equal(t, String("en"), doc["lang"])
	assert.Nil(t, Document(nil).Clone())

	_, err = FromMap(map[string]interface{}{"bad key": 1.0})
	assert.ErrorIs(t, err, types.ErrInvalidMetadata)
}
