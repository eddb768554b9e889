// Package metadata provides typed document metadata and the predicates used
// to filter documents by it.
package metadata

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/dshills/hybridsearch/pkg/types"
)

// Kind identifies the type held by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindFloat
	KindString
	KindBool
	KindTime
)

// MaxKeyLength bounds metadata keys in bytes.
const MaxKeyLength = 128

// TimeLayout is the fixed-width UTC layout used to persist time values.
// Lexicographic order of the encoded form equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	default:
		return "invalid"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "int":
		return KindInt, nil
	case "float":
		return KindFloat, nil
	case "string":
		return KindString, nil
	case "bool":
		return KindBool, nil
	case "time":
		return KindTime, nil
	}
	return KindInvalid, fmt.Errorf("%w: unknown kind %q", types.ErrInvalidMetadata, s)
}

// Value is a scalar metadata value.
type Value struct {
	Kind Kind
	I64  int64
	F64  float64
	S    string
	B    bool
	T    time.Time
}

func Int(v int64) Value { return Value{Kind: KindInt, I64: v} }
func Float(v float64) Value { return Value{Kind: KindFloat, F64: v} }
func String(v string) Value { return Value{Kind: KindString, S: v} }
func Bool(v bool) Value { return Value{Kind: KindBool, B: v} }
func Time(v time.Time) Value { return Value{Kind: KindTime, T: v.UTC()} }
func (v Value) IsValid() bool { return v.Kind != KindInvalid }

// IsNumeric reports whether v is an int or a float.
func (v Value) IsNumeric() bool {
	return v.Kind == KindInt || v.Kind == KindFloat
}

// Number returns the numeric value as float64. Ints and floats compare on
// this representation everywhere, SQL push-down included.
func (v Value) Number() float64 {
	switch v.Kind {
	case KindInt:
		return float64(v.I64)
	case KindFloat:
		return v.F64
	case KindBool:
		if v.B {
			return 1
		}
		return 0
	}
	return 0
}

// Text returns the textual encoding used for string and time values.
func (v Value) Text() string {
	switch v.Kind {
	case KindString:
		return v.S
	case KindTime:
		return v.T.UTC().Format(TimeLayout)
	}
	return ""
}

// Validate rejects invalid kinds and non-finite floats.
func (v Value) Validate() error {
	switch v.Kind {
	case KindInt, KindString, KindBool, KindTime:
		return nil
	case KindFloat:
		if math.IsNaN(v.F64) || math.IsInf(v.F64, 0) {
			return fmt.Errorf("%w: non-finite float", types.ErrInvalidMetadata)
		}
		return nil
	}
	return fmt.Errorf("%w: value has no kind", types.ErrInvalidMetadata)
}

// Equal reports whether two values are equal. Numbers compare across int and
// float; other kinds only equal the same kind.
func (v Value) Equal(o Value) bool {
	if v.IsNumeric() && o.IsNumeric() {
		return v.Number() == o.Number()
	}
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.S == o.S
	case KindBool:
		return v.B == o.B
	case KindTime:
		return v.T.Equal(o.T)
	}
	return false
}

// Compare orders two values of comparable kinds (numbers, times). ok is
// false when the kinds cannot be ordered against each other.
func (v Value) Compare(o Value) (cmp int, ok bool) {
	switch {
	case v.IsNumeric() && o.IsNumeric():
		a, b := v.Number(), o.Number()
		switch {
		case a < b:
			return -1, true
		case a > b:
			return 1, true
		}
		return 0, true
	case v.Kind == KindTime && o.Kind == KindTime:
		return v.T.Compare(o.T), true
	}
	return 0, false
}

// Natural returns the value as a plain Go value for display.
func (v Value) Natural() interface{} {
	switch v.Kind {
	case KindInt:
		return v.I64
	case KindFloat:
		return v.F64
	case KindString:
		return v.S
	case KindBool:
		return v.B
	case KindTime:
		return v.T.UTC().Format(time.RFC3339Nano)
	}
	return nil
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.I64, 10)
	case KindFloat:
		return strconv.FormatFloat(v.F64, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.S)
	case KindBool:
		return strconv.FormatBool(v.B)
	case KindTime:
		return v.T.UTC().Format(time.RFC3339Nano)
	}
	return "<invalid>"
}

type wireValue struct {
	Kind  string          `json:"k"`
	Value json.RawMessage `json:"v"`
}

// MarshalJSON encodes the value with its kind so it round-trips exactly.
func (v Value) MarshalJSON() ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch v.Kind {
	case KindInt:
		raw, err = json.Marshal(v.I64)
	case KindFloat:
		raw, err = json.Marshal(v.F64)
	case KindString:
		raw, err = json.Marshal(v.S)
	case KindBool:
		raw, err = json.Marshal(v.B)
	case KindTime:
		raw, err = json.Marshal(v.T.UTC().Format(time.RFC3339Nano))
	default:
		return []byte("null"), nil
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Kind: v.Kind.String(), Value: raw})
}

// UnmarshalJSON decodes the kind-tagged form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Value{}
		return nil
	}
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidMetadata, err)
	}
	kind, err := ParseKind(w.Kind)
	if err != nil {
		return err
	}
	out := Value{Kind: kind}
	switch kind {
	case KindInt:
		err = json.Unmarshal(w.Value, &out.I64)
	case KindFloat:
		err = json.Unmarshal(w.Value, &out.F64)
	case KindString:
		err = json.Unmarshal(w.Value, &out.S)
	case KindBool:
		err = json.Unmarshal(w.Value, &out.B)
	case KindTime:
		var s string
		if err = json.Unmarshal(w.Value, &s); err == nil {
			out.T, err = time.Parse(time.RFC3339Nano, s)
			out.T = out.T.UTC()
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidMetadata, err)
	}
	*v = out
	return nil
}

// FromAny converts a decoded JSON value into a Value. Integral numbers become
// ints. Time values are written as {"$time": "<RFC3339>"}. Arrays, nested
// objects and null fail with ErrInvalidMetadata.
func FromAny(raw interface{}) (Value, error) {
	switch x := raw.(type) {
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case float32:
		return fromFloat(float64(x))
	case float64:
		return fromFloat(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: bad number %q", types.ErrInvalidMetadata, x.String())
		}
		return fromFloat(f)
	case time.Time:
		return Time(x), nil
	case map[string]interface{}:
		if s, ok := x["$time"].(string); ok && len(x) == 1 {
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return Value{}, fmt.Errorf("%w: bad time %q", types.ErrInvalidMetadata, s)
			}
			return Time(t), nil
		}
		return Value{}, fmt.Errorf("%w: nested objects are not allowed", types.ErrInvalidMetadata)
	case []interface{}:
		return Value{}, fmt.Errorf("%w: arrays are not allowed", types.ErrInvalidMetadata)
	case nil:
		return Value{}, fmt.Errorf("%w: null is not allowed", types.ErrInvalidMetadata)
	}
	return Value{}, fmt.Errorf("%w: unsupported type %T", types.ErrInvalidMetadata, raw)
}

func fromFloat(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("%w: non-finite float", types.ErrInvalidMetadata)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return Int(int64(f)), nil
	}
	return Float(f), nil
}

// ValidateKey checks a metadata key.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", types.ErrInvalidMetadata)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key longer than %d bytes", types.ErrInvalidMetadata, MaxKeyLength)
	}
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: key %q contains invalid characters", types.ErrInvalidMetadata, key)
	}
	return nil
}

// Document is the metadata attached to one stored document.
type Document map[string]Value

// FromMap converts decoded JSON into a Document.
func FromMap(raw map[string]interface{}) (Document, error) {
	doc := make(Document, len(raw))
	for k, rv := range raw {
		if err := ValidateKey(k); err != nil {
			return nil, err
		}
		v, err := FromAny(rv)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		doc[k] = v
	}
	return doc, nil
}

// Validate checks every key and value.
func (d Document) Validate() error {
	for k, v := range d {
		if err := ValidateKey(k); err != nil {
			return err
		}
		if err := v.Validate(); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	return nil
}

// Keys returns the keys in sorted order.
func (d Document) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Natural converts the document to plain Go values for display.
func (d Document) Natural() map[string]interface{} {
	out := make(map[string]interface{}, len(d))
	for k, v := range d {
		out[k] = v.Natural()
	}
	return out
}

// Clone returns a copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
