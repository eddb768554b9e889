package metadata

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dshills/hybridsearch/pkg/types"
)

// Operator represents a filter comparison operator.
type Operator string

const (
	OpEqual        Operator = "eq"
	OpNotEqual     Operator = "ne"
	OpGreaterThan  Operator = "gt"
	OpGreaterEqual Operator = "gte"
	OpLessThan     Operator = "lt"
	OpLessEqual    Operator = "lte"
	OpIn           Operator = "in"
	OpContains     Operator = "contains"
)

// Ordered reports whether op is a range comparison.
func (op Operator) Ordered() bool {
	switch op {
	case OpGreaterThan, OpGreaterEqual, OpLessThan, OpLessEqual:
		return true
	}
	return false
}

// Filter is a single predicate over one metadata key. A document missing the
// key never matches, whatever the operator.
type Filter struct {
	Key      string   `json:"key"`
	Operator Operator `json:"op"`
	Value    Value    `json:"value,omitempty"`
	Values   []Value  `json:"values,omitempty"`
}

// Validate checks that the filter is well formed.
func (f Filter) Validate() error {
	if err := ValidateKey(f.Key); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidFilter, err)
	}
	switch f.Operator {
	case OpEqual, OpNotEqual:
		if err := f.Value.Validate(); err != nil {
			return fmt.Errorf("%w: key %q: %v", types.ErrInvalidFilter, f.Key, err)
		}
	case OpGreaterThan, OpGreaterEqual, OpLessThan, OpLessEqual:
		if err := f.Value.Validate(); err != nil {
			return fmt.Errorf("%w: key %q: %v", types.ErrInvalidFilter, f.Key, err)
		}
		if !f.Value.IsNumeric() && f.Value.Kind != KindTime {
			return fmt.Errorf("%w: key %q: %s needs a number or time, got %s",
				types.ErrInvalidFilter, f.Key, f.Operator, f.Value.Kind)
		}
	case OpIn:
		if len(f.Values) == 0 {
			return fmt.Errorf("%w: key %q: in needs at least one value", types.ErrInvalidFilter, f.Key)
		}
		for _, v := range f.Values {
			if err := v.Validate(); err != nil {
				return fmt.Errorf("%w: key %q: %v", types.ErrInvalidFilter, f.Key, err)
			}
		}
	case OpContains:
		if f.Value.Kind != KindString {
			return fmt.Errorf("%w: key %q: contains needs a string", types.ErrInvalidFilter, f.Key)
		}
	default:
		return fmt.Errorf("%w: unknown operator %q", types.ErrInvalidFilter, f.Operator)
	}
	return nil
}

// Matches evaluates the filter against a document.
func (f Filter) Matches(doc Document) bool {
	v, ok := doc[f.Key]
	if !ok {
		return false
	}

	switch f.Operator {
	case OpEqual:
		return v.Equal(f.Value)
	case OpNotEqual:
		return !v.Equal(f.Value)
	case OpGreaterThan, OpGreaterEqual, OpLessThan, OpLessEqual:
		cmp, ok := v.Compare(f.Value)
		if !ok {
			return false
		}
		switch f.Operator {
		case OpGreaterThan:
			return cmp > 0
		case OpGreaterEqual:
			return cmp >= 0
		case OpLessThan:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case OpIn:
		for _, want := range f.Values {
			if v.Equal(want) {
				return true
			}
		}
		return false
	case OpContains:
		return v.Kind == KindString && strings.Contains(v.S, f.Value.S)
	}
	return false
}

// FilterSet is a conjunction of filters.
type FilterSet struct {
	Filters []Filter `json:"filters"`
}

// NewFilterSet creates a filter set from the given filters.
func NewFilterSet(filters ...Filter) *FilterSet {
	return &FilterSet{Filters: filters}
}

// Empty reports whether the set has no predicates. A nil set is empty.
func (fs *FilterSet) Empty() bool {
	return fs == nil || len(fs.Filters) == 0
}

// Validate validates every filter.
func (fs *FilterSet) Validate() error {
	if fs == nil {
		return nil
	}
	for _, f := range fs.Filters {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Matches reports whether doc satisfies every filter.
func (fs *FilterSet) Matches(doc Document) bool {
	if fs == nil {
		return true
	}
	for _, f := range fs.Filters {
		if !f.Matches(doc) {
			return false
		}
	}
	return true
}

func (fs *FilterSet) String() string {
	if fs.Empty() {
		return ""
	}
	parts := make([]string, 0, len(fs.Filters))
	for _, f := range fs.Filters {
		if f.Operator == OpIn {
			vals := make([]string, len(f.Values))
			for i, v := range f.Values {
				vals[i] = v.String()
			}
			parts = append(parts, fmt.Sprintf("%s in [%s]", f.Key, strings.Join(vals, ",")))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s %s", f.Key, f.Operator, f.Value))
	}
	return strings.Join(parts, " AND ")
}

// ParseFilters builds a FilterSet from decoded JSON of the form
//
//	[{"key": "year", "op": "gte", "value": 2020},
//	 {"key": "lang", "op": "in", "values": ["en", "de"]}]
//
// Values use the same plain JSON conventions as FromAny.
func ParseFilters(raw []interface{}) (*FilterSet, error) {
	fs := &FilterSet{Filters: make([]Filter, 0, len(raw))}
	for i, item := range raw {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: filter %d is not an object", types.ErrInvalidFilter, i)
		}
		key, _ := obj["key"].(string)
		op, _ := obj["op"].(string)
		f := Filter{Key: key, Operator: Operator(strings.ToLower(op))}

		if f.Operator == OpIn {
			list, ok := obj["values"].([]interface{})
			if !ok {
				return nil, fmt.Errorf("%w: filter %d: in needs a values array", types.ErrInvalidFilter, i)
			}
			for _, rv := range list {
				v, err := FromAny(rv)
				if err != nil {
					return nil, fmt.Errorf("%w: filter %d: %v", types.ErrInvalidFilter, i, err)
				}
				f.Values = append(f.Values, v)
			}
		} else {
			v, err := FromAny(obj["value"])
			if err != nil {
				return nil, fmt.Errorf("%w: filter %d: %v", types.ErrInvalidFilter, i, err)
			}
			f.Value = v
		}

		if err := f.Validate(); err != nil {
			return nil, err
		}
		fs.Filters = append(fs.Filters, f)
	}
	return fs, nil
}

// ParseFiltersJSON is ParseFilters over a JSON document.
func ParseFiltersJSON(data []byte) (*FilterSet, error) {
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidFilter, err)
	}
	return ParseFilters(raw)
}
