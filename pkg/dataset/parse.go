package dataset

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DateFormats are the layouts accepted when a string cell is read as a date.
var DateFormats = []string{
	DateLayout,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006",
	"2006/01/02",
	"Jan 2, 2006",
	"January 2, 2006",
}

// ParseDate parses s under the accepted date formats.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range DateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return truncateDay(t), true
		}
	}
	return time.Time{}, false
}

// ParseNumber parses s as a number, tolerating a leading currency symbol
// and thousands separators. Integral strings yield KindInt.
func ParseNumber(s string) (Value, bool) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return Absent, false
	}
	if neg {
		s = "-" + s
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(i), true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return Absent, false
	}
	return Float(f), true
}

// coerce converts a raw cell to a Value of the given column type.
func coerce(v Value, typ ColumnType) (Value, error) {
	if v.IsAbsent() {
		return v, nil
	}
	switch typ {
	case Numeric:
		switch v.kind {
		case KindInt, KindFloat:
			return v, nil
		case KindString:
			if n, ok := ParseNumber(v.s); ok {
				return n, nil
			}
		}
		return Absent, fmt.Errorf("value %q is not numeric", v.Text())
	case Temporal:
		switch v.kind {
		case KindDate:
			return v, nil
		case KindString:
			if t, ok := ParseDate(v.s); ok {
				return Date(t), nil
			}
		}
		return Absent, fmt.Errorf("value %q is not a date", v.Text())
	case Categorical:
		switch v.kind {
		case KindString, KindBool:
			return v, nil
		default:
			return String(v.Text()), nil
		}
	}
	return Absent, fmt.Errorf("unknown column type %q", typ)
}

// inferType picks the narrowest column type that accepts every non-absent
// value in the column.
func inferType(values []Value) ColumnType {
	present := 0
	numeric, temporal := true, true
	for _, v := range values {
		if v.IsAbsent() {
			continue
		}
		present++
		switch v.kind {
		case KindInt, KindFloat:
			temporal = false
		case KindDate:
			numeric = false
		case KindBool:
			numeric, temporal = false, false
		case KindString:
			if numeric {
				if _, ok := ParseNumber(v.s); !ok {
					numeric = false
				}
			}
			if temporal {
				if _, ok := ParseDate(v.s); !ok {
					temporal = false
				}
			}
		}
		if !numeric && !temporal {
			return Categorical
		}
	}
	switch {
	case present == 0:
		return Categorical
	case numeric:
		return Numeric
	case temporal:
		return Temporal
	default:
		return Categorical
	}
}
