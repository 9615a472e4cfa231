package query

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/malbeclabs/sage/pkg/dataset"
)

// condition is a filter bound to a working-table column with its operand
// already converted to the column's type.
type condition struct {
	idx    int
	typ    dataset.ColumnType
	op     Operator
	values []dataset.Value
	needle string
}

// compileFilter binds f to column col at position idx. The returned error
// describes why the operand does not fit the column.
func compileFilter(col dataset.Column, idx int, f Filter) (condition, error) {
	c := condition{idx: idx, typ: col.Type, op: f.Operator}
	switch f.Operator {
	case OpContains:
		if col.Type != dataset.Categorical {
			return c, fmt.Errorf("contains requires a categorical column, %q is %s", col.Name, col.Type)
		}
		s, ok := scalarText(f.Value)
		if !ok {
			return c, fmt.Errorf("contains on %q needs a text value", col.Name)
		}
		c.needle = strings.ToLower(s)
		return c, nil
	case OpGreaterThan, OpLessThan:
		if col.Type == dataset.Categorical {
			return c, fmt.Errorf("%s requires a numeric or temporal column, %q is categorical", f.Operator, col.Name)
		}
	case OpIn:
	case OpEquals:
	default:
		return c, fmt.Errorf("unknown filter operator %q on %q", f.Operator, col.Name)
	}

	var raws []any
	switch x := f.Value.(type) {
	case []any:
		if f.Operator != OpIn {
			return c, fmt.Errorf("%s on %q takes a single value, got a list", f.Operator, col.Name)
		}
		raws = x
	case []string:
		if f.Operator != OpIn {
			return c, fmt.Errorf("%s on %q takes a single value, got a list", f.Operator, col.Name)
		}
		for _, s := range x {
			raws = append(raws, s)
		}
	default:
		if f.Operator == OpIn {
			return c, fmt.Errorf("in on %q needs a list of values", col.Name)
		}
		raws = []any{f.Value}
	}

	for _, raw := range raws {
		v, err := operand(col, raw)
		if err != nil {
			return c, err
		}
		c.values = append(c.values, v)
	}
	return c, nil
}

func operand(col dataset.Column, raw any) (dataset.Value, error) {
	s, ok := scalarText(raw)
	if !ok {
		return dataset.Absent, fmt.Errorf("filter on %q needs a scalar value, got %v", col.Name, raw)
	}
	switch col.Type {
	case dataset.Numeric:
		if v, ok := dataset.ParseNumber(s); ok {
			f, _ := v.Float64()
			return dataset.Float(f), nil
		}
		return dataset.Absent, fmt.Errorf("filter on numeric column %q has non-numeric value %q", col.Name, s)
	case dataset.Temporal:
		if t, ok := dataset.ParseDate(s); ok {
			return dataset.Date(t), nil
		}
		return dataset.Absent, fmt.Errorf("filter on temporal column %q has non-date value %q", col.Name, s)
	default:
		return dataset.String(strings.ToLower(strings.TrimSpace(s))), nil
	}
}

func scalarText(raw any) (string, bool) {
	switch x := raw.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case float64:
		return dataset.Float(x).Text(), true
	case int:
		return fmt.Sprint(x), true
	case int64:
		return fmt.Sprint(x), true
	case bool:
		return fmt.Sprint(x), true
	case time.Time:
		return x.Format(dataset.DateLayout), true
	case dataset.Value:
		if x.IsAbsent() {
			return "", false
		}
		return x.Text(), true
	}
	return "", false
}

func (c condition) match(row []dataset.Value) bool {
	v := row[c.idx]
	if v.IsAbsent() {
		return false
	}
	if c.op == OpContains {
		return strings.Contains(strings.ToLower(v.Text()), c.needle)
	}
	if c.typ == dataset.Categorical {
		v = dataset.String(strings.ToLower(strings.TrimSpace(v.Text())))
	}
	switch c.op {
	case OpEquals, OpIn:
		for _, want := range c.values {
			if dataset.Compare(v, want) == 0 {
				return true
			}
		}
		return false
	case OpGreaterThan:
		return dataset.Compare(v, c.values[0]) > 0
	case OpLessThan:
		return dataset.Compare(v, c.values[0]) < 0
	}
	return false
}

// window is a half-open date interval. A zero bound is unbounded.
type window struct {
	start, end time.Time
}

func (w window) contains(t time.Time) bool {
	if !w.start.IsZero() && t.Before(w.start) {
		return false
	}
	if !w.end.IsZero() && !t.Before(w.end) {
		return false
	}
	return true
}

// timeWindow converts a time period into a date window.
func timeWindow(tp *TimePeriod) (window, error) {
	var w window
	hasRange := tp.Start != "" || tp.End != ""
	switch {
	case tp.Year != 0 && hasRange:
		return w, fmt.Errorf("time period gives both a year and a date range")
	case tp.Month != 0 && tp.Year == 0:
		return w, fmt.Errorf("time period month %d needs a year", tp.Month)
	case tp.Month < 0 || tp.Month > 12:
		return w, fmt.Errorf("time period month %d is out of range", tp.Month)
	case tp.Year != 0:
		if tp.Year < 1 || tp.Year > 9999 {
			return w, fmt.Errorf("time period year %d is out of range", tp.Year)
		}
		if tp.Month != 0 {
			w.start = time.Date(tp.Year, time.Month(tp.Month), 1, 0, 0, 0, 0, time.UTC)
			w.end = w.start.AddDate(0, 1, 0)
		} else {
			w.start = time.Date(tp.Year, 1, 1, 0, 0, 0, 0, time.UTC)
			w.end = w.start.AddDate(1, 0, 0)
		}
		return w, nil
	case hasRange:
		if tp.Start != "" {
			t, ok := dataset.ParseDate(tp.Start)
			if !ok {
				return w, fmt.Errorf("time period start %q is not a date", tp.Start)
			}
			w.start = t
		}
		if tp.End != "" {
			t, ok := dataset.ParseDate(tp.End)
			if !ok {
				return w, fmt.Errorf("time period end %q is not a date", tp.End)
			}
			w.end = t
		}
		if !w.start.IsZero() && !w.end.IsZero() && !w.start.Before(w.end) {
			return w, fmt.Errorf("time period start %s is not before end %s", tp.Start, tp.End)
		}
		return w, nil
	default:
		return w, fmt.Errorf("time period needs a year or a date range")
	}
}
