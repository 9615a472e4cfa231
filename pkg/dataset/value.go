package dataset

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the scalar type carried by a Value.
type Kind uint8

const (
	KindAbsent Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindDate
)

func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindDate:
		return "date"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// DateLayout is the canonical rendering of temporal values.
const DateLayout = "2006-01-02"

// Value is a typed cell. The zero Value is Absent, which marks a missing
// cell or the unmatched side of an outer join.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
	t    time.Time
}

var Absent = Value{}

func String(s string) Value     { return Value{kind: KindString, s: s} }
func Int(i int64) Value         { return Value{kind: KindInt, i: i} }
func Float(f float64) Value     { return Value{kind: KindFloat, f: f} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func Date(t time.Time) Value    { return Value{kind: KindDate, t: truncateDay(t)} }
func (v Value) Kind() Kind      { return v.kind }
func (v Value) IsAbsent() bool  { return v.kind == KindAbsent }
func (v Value) IsNumeric() bool { return v.kind == KindInt || v.kind == KindFloat }

// Float64 returns the numeric value and whether the value is numeric.
func (v Value) Float64() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	default:
		return 0, false
	}
}

// Time returns the date and whether the value is temporal.
func (v Value) Time() (time.Time, bool) {
	if v.kind != KindDate {
		return time.Time{}, false
	}
	return v.t, true
}

// Text returns the value's display form. Absent renders as the empty string.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindDate:
		return v.t.Format(DateLayout)
	default:
		return ""
	}
}

func (v Value) String() string {
	if v.kind == KindAbsent {
		return "<absent>"
	}
	return v.Text()
}

// Any returns the value as a plain Go value: nil, string, int64, float64,
// bool or time.Time.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	case KindDate:
		return v.t
	default:
		return nil
	}
}

// Equal reports whether two values are identical in kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindBool:
		return v.b == o.b
	case KindDate:
		return v.t.Equal(o.t)
	default:
		return true
	}
}

// Compare orders values. Absent sorts before everything else, numbers
// compare numerically across int and float, and values of unrelated kinds
// order by kind.
func Compare(a, b Value) int {
	if a.kind == KindAbsent || b.kind == KindAbsent {
		switch {
		case a.kind == b.kind:
			return 0
		case a.kind == KindAbsent:
			return -1
		default:
			return 1
		}
	}
	if af, ok := a.Float64(); ok {
		if bf, ok := b.Float64(); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case KindString:
		return strings.Compare(a.s, b.s)
	case KindBool:
		switch {
		case a.b == b.b:
			return 0
		case !a.b:
			return -1
		default:
			return 1
		}
	case KindDate:
		return a.t.Compare(b.t)
	}
	return 0
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindAbsent:
		return []byte("null"), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return []byte("null"), nil
		}
		return json.Marshal(v.f)
	case KindDate:
		return json.Marshal(v.t.Format(DateLayout))
	default:
		return json.Marshal(v.Any())
	}
}

// FromAny converts a plain Go value into a Value without any type coercion
// beyond widening integers and floats. Empty strings become Absent.
func FromAny(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Absent, nil
	case Value:
		return x, nil
	case string:
		if strings.TrimSpace(x) == "" {
			return Absent, nil
		}
		return String(x), nil
	case []byte:
		return FromAny(string(x))
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int8:
		return Int(int64(x)), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint8:
		return Int(int64(x)), nil
	case uint16:
		return Int(int64(x)), nil
	case uint32:
		return Int(int64(x)), nil
	case uint64:
		if x > math.MaxInt64 {
			return Float(float64(x)), nil
		}
		return Int(int64(x)), nil
	case float32:
		return Float(float64(x)), nil
	case float64:
		if math.IsNaN(x) {
			return Absent, nil
		}
		return Float(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Absent, fmt.Errorf("invalid number %q", x.String())
		}
		return Float(f), nil
	case time.Time:
		return Date(x), nil
	default:
		return Absent, fmt.Errorf("unsupported value type %T", raw)
	}
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
