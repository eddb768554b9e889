package storage

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/dshills/hybridsearch/internal/distance"
	"github.com/dshills/hybridsearch/pkg/metadata"
	"github.com/dshills/hybridsearch/pkg/types"
)

const (
	// MaxDimension bounds collection dimensions.
	MaxDimension = 65536
	// MaxFTSTerms bounds the number of terms taken from a keyword query.
	MaxFTSTerms = 64
)

var collectionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)

// ValidateCollection checks collection configuration before it is persisted.
func ValidateCollection(c *Collection) error {
	if c == nil {
		return fmt.Errorf("%w: nil collection", types.ErrInvalidParameter)
	}
	if !collectionNamePattern.MatchString(c.Name) {
		return fmt.Errorf("%w: collection name %q must match %s",
			types.ErrInvalidParameter, c.Name, collectionNamePattern.String())
	}
	if c.Dimension < 1 || c.Dimension > MaxDimension {
		return fmt.Errorf("%w: dimension %d out of range [1, %d]",
			types.ErrInvalidParameter, c.Dimension, MaxDimension)
	}
	if !c.Metric.Valid() {
		return fmt.Errorf("%w: collection metric must be set", types.ErrInvalidParameter)
	}
	return nil
}

// validateDocument checks a document against its collection. It performs no
// I/O.
func validateDocument(c *Collection, doc *Document) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", types.ErrInvalidParameter)
	}
	if len(doc.Embedding) != c.Dimension {
		return types.NewDimensionMismatch(c.Dimension, len(doc.Embedding))
	}
	if err := checkFinite(doc.Embedding); err != nil {
		return err
	}
	if err := doc.Metadata.Validate(); err != nil {
		return err
	}
	if doc.EmbeddingModel != "" && c.EmbeddingModel != "" && doc.EmbeddingModel != c.EmbeddingModel {
		return fmt.Errorf("%w: document embedded with %q, collection uses %q",
			types.ErrInvalidParameter, doc.EmbeddingModel, c.EmbeddingModel)
	}
	return nil
}

// checkFinite rejects vectors with NaN or infinite components.
func checkFinite(vec []float32) error {
	for i, x := range vec {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Errorf("%w: embedding component %d is not finite", types.ErrInvalidParameter, i)
		}
	}
	return nil
}

// pinModel returns the collection a write of docs is validated against. A
// collection without a model is pinned to the first model the documents
// name; pinned reports whether that happened.
func pinModel(c *Collection, docs []*Document) (_ *Collection, pinned bool) {
	if c.EmbeddingModel != "" {
		return c, false
	}
	for _, doc := range docs {
		if doc != nil && doc.EmbeddingModel != "" && len(doc.Embedding) == c.Dimension {
			cp := *c
			cp.EmbeddingModel = doc.EmbeddingModel
			return &cp, true
		}
	}
	return c, false
}

func modelConflict(c *Collection, current, model string) error {
	return fmt.Errorf("%w: collection %q is embedded with %q; re-embed the whole collection to switch to %q",
		types.ErrInvalidParameter, c.Name, current, model)
}

// ftsTerms splits a keyword query into plain terms. Only letters and digits
// survive, so no FTS operator or quote can reach the engine.
func ftsTerms(query string) []string {
	terms := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(terms) > MaxFTSTerms {
		terms = terms[:MaxFTSTerms]
	}
	return terms
}

// sanitizeFTSQuery converts free text into an FTS5 MATCH expression that ORs
// the quoted terms. It returns "" when nothing searchable remains.
func sanitizeFTSQuery(query string) string {
	terms := ftsTerms(query)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " OR ")
}

// sanitizeTSQuery is the PostgreSQL counterpart of sanitizeFTSQuery, for use
// with to_tsquery.
func sanitizeTSQuery(query string) string {
	terms := ftsTerms(query)
	for i, t := range terms {
		terms[i] = strings.ToLower(t)
	}
	return strings.Join(terms, " | ")
}

// ErrEmptyKeywordQuery is returned when a keyword query has no searchable terms.
var ErrEmptyKeywordQuery = fmt.Errorf("%w: keyword query has no searchable terms", types.ErrInvalidParameter)

// normalizeBM25 maps an FTS5 bm25() score (more negative is better) to (0, 1)
// where higher is better.
func normalizeBM25(score float64) float64 {
	if score < 0 {
		score = -score
	}
	return score / (1 + score)
}

// dialect abstracts the SQL differences between backends for generated
// predicates.
type dialect struct {
	// placeholder returns the bind marker for the n-th argument (1-based).
	placeholder func(n int) string
	// contains returns a case-sensitive substring test.
	contains func(column, arg string) string
}

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	contains: func(column, arg string) string {
		return fmt.Sprintf("instr(%s, %s) > 0", column, arg)
	},
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	contains: func(column, arg string) string {
		return fmt.Sprintf("strpos(%s, %s) > 0", column, arg)
	},
}

// Metadata rows store every numeric value in num_value, bools as 0/1 in
// num_value, and strings and times in text_value. Time text uses a fixed
// width layout so string comparison orders chronologically.
const (
	kindNumber = "number"
	kindString = "string"
	kindBool   = "bool"
	kindTime   = "time"
)

func metadataKind(v metadata.Value) string {
	switch v.Kind {
	case metadata.KindInt, metadata.KindFloat:
		return kindNumber
	case metadata.KindBool:
		return kindBool
	case metadata.KindTime:
		return kindTime
	}
	return kindString
}

// metadataColumns returns the (num_value, text_value) pair stored for v. A nil
// entry is stored as SQL NULL.
func metadataColumns(v metadata.Value) (interface{}, interface{}) {
	switch v.Kind {
	case metadata.KindInt, metadata.KindFloat, metadata.KindBool:
		return v.Number(), nil
	}
	return nil, v.Text()
}

// filterBuilder accumulates SQL predicates and their arguments.
type filterBuilder struct {
	d    dialect
	args []interface{}
}

func newFilterBuilder(d dialect, args ...interface{}) *filterBuilder {
	return &filterBuilder{d: d, args: args}
}

func (b *filterBuilder) bind(v interface{}) string {
	b.args = append(b.args, v)
	return b.d.placeholder(len(b.args))
}

// equalCond returns a predicate over alias m that holds when the stored
// value equals v under metadata.Value.Equal.
func (b *filterBuilder) equalCond(v metadata.Value) string {
	kind := metadataKind(v)
	switch kind {
	case kindNumber, kindBool:
		return fmt.Sprintf("(m.kind = %s AND m.num_value = %s)", b.bind(kind), b.bind(v.Number()))
	default:
		return fmt.Sprintf("(m.kind = %s AND m.text_value = %s)", b.bind(kind), b.bind(v.Text()))
	}
}

func (b *filterBuilder) condition(f metadata.Filter) (string, error) {
	switch f.Operator {
	case metadata.OpEqual, metadata.OpNotEqual:
		cond := b.equalCond(f.Value)
		if f.Operator == metadata.OpNotEqual {
			cond = "NOT " + cond
		}
		return cond, nil
	case metadata.OpIn:
		parts := make([]string, len(f.Values))
		for i, v := range f.Values {
			parts[i] = b.equalCond(v)
		}
		return "(" + strings.Join(parts, " OR ") + ")", nil
	case metadata.OpGreaterThan, metadata.OpGreaterEqual, metadata.OpLessThan, metadata.OpLessEqual:
		op := map[metadata.Operator]string{
			metadata.OpGreaterThan:  ">",
			metadata.OpGreaterEqual: ">=",
			metadata.OpLessThan:     "<",
			metadata.OpLessEqual:    "<=",
		}[f.Operator]
		if f.Value.Kind == metadata.KindTime {
			return fmt.Sprintf("(m.kind = %s AND m.text_value %s %s)", b.bind(kindTime), op, b.bind(f.Value.Text())), nil
		}
		return fmt.Sprintf("(m.kind = %s AND m.num_value %s %s)", b.bind(kindNumber), op, b.bind(f.Value.Number())), nil
	case metadata.OpContains:
		return fmt.Sprintf("(m.kind = %s AND %s)", b.bind(kindString), b.d.contains("m.text_value", b.bind(f.Value.S))), nil
	}
	return "", fmt.Errorf("%w: unknown operator %q", types.ErrInvalidFilter, f.Operator)
}

// where returns one EXISTS predicate per filter, ANDed, over documents alias
// d. Each EXISTS requires the key to be present, so a missing key never
// matches.
func (b *filterBuilder) where(fs *metadata.FilterSet) (string, error) {
	if fs.Empty() {
		return "", nil
	}
	if err := fs.Validate(); err != nil {
		return "", err
	}
	clauses := make([]string, 0, len(fs.Filters))
	for _, f := range fs.Filters {
		key := b.bind(f.Key)
		cond, err := b.condition(f)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM document_metadata m WHERE m.document_id = d.id AND m.key = %s AND %s)",
			key, cond))
	}
	return " AND " + strings.Join(clauses, " AND "), nil
}

// metricOperator maps a metric to its pgvector distance operator.
func metricOperator(m distance.Metric) (string, error) {
	switch m {
	case distance.L2:
		return "<->", nil
	case distance.Cosine:
		return "<=>", nil
	case distance.InnerProduct:
		return "<#>", nil
	}
	return "", fmt.Errorf("%w: unknown metric %s", types.ErrInvalidParameter, m)
}

func sortFailures(failures []RowFailure) {
	sort.Slice(failures, func(i, j int) bool { return failures[i].Index < failures[j].Index })
}
