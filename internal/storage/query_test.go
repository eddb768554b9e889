package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/hybridsearch/internal/distance"
	"github.com/dshills/hybridsearch/pkg/metadata"
)

func TestSanitizeFTSQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello world", `"hello" OR "world"`},
		{`"quoted" NEAR(a b)`, `"quoted" OR "NEAR" OR "a" OR "b"`},
		{"col:value*", `"col" OR "value"`},
		{"  ", ""},
		{"()-+^", ""},
		{"naïve café", `"naïve" OR "café"`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeFTSQuery(tt.in))
		})
	}
}

func TestSanitizeFTSQuery_TermLimit(t *testing.T) {
	query := strings.Repeat("term ", MaxFTSTerms*2)
	got := sanitizeFTSQuery(query)
	assert.Equal(t, MaxFTSTerms, strings.Count(got, `"term"`))
}

func TestSanitizeTSQuery(t *testing.T) {
	assert.Equal(t, "hello | world", sanitizeTSQuery("Hello, World!"))
	assert.Equal(t, "", sanitizeTSQuery("&|!"))
}

func TestNormalizeBM25(t *testing.T) {
	assert.Equal(t, 0.0, normalizeBM25(0))
	assert.InDelta(t, 0.5, normalizeBM25(-1), 1e-12)
	assert.Greater(t, normalizeBM25(-5), normalizeBM25(-1))
	assert.Less(t, normalizeBM25(-1e9), 1.0)
}

func TestFilterBuilder_Placeholders(t *testing.T) {
	fs := metadata.NewFilterSet(
		metadata.Filter{Key: "year", Operator: metadata.OpGreaterEqual, Value: metadata.Int(2020)},
		metadata.Filter{Key: "tag", Operator: metadata.OpContains, Value: metadata.String("go")},
	)

	pg := newFilterBuilder(postgresDialect, int64(1))
	where, err := pg.where(fs)
	require.NoError(t, err)
	assert.Contains(t, where, "$2")
	assert.Contains(t, where, "strpos(m.text_value, $")
	assert.NotContains(t, where, "?")
	assert.Equal(t, strings.Count(where, "$"), len(pg.args)-1)

	lite := newFilterBuilder(sqliteDialect, int64(1))
	where, err = lite.where(fs)
	require.NoError(t, err)
	assert.Contains(t, where, "instr(m.text_value, ?)")
	assert.Equal(t, strings.Count(where, "?"), len(lite.args)-1)
	assert.Equal(t, 2, strings.Count(where, "EXISTS"))
}

func TestFilterBuilder_Empty(t *testing.T) {
	b := newFilterBuilder(sqliteDialect)
	where, err := b.where(nil)
	require.NoError(t, err)
	assert.Empty(t, where)
	assert.Empty(t, b.args)
}

func TestMetricOperator(t *testing.T) {
	for m, want := range map[distance.Metric]string{
		distance.L2:           "<->",
		distance.Cosine:       "<=>",
		distance.InnerProduct: "<#>",
	} {
		got, err := metricOperator(m)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := metricOperator(distance.Unset)
	assert.Error(t, err)
}
