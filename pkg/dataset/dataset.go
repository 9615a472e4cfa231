package dataset

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
)

// ColumnType is the semantic type of a column.
type ColumnType string

const (
	Numeric     ColumnType = "numeric"
	Categorical ColumnType = "categorical"
	Temporal    ColumnType = "temporal"
)

// ParseColumnType accepts the canonical names plus a few common synonyms.
func ParseColumnType(s string) (ColumnType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "numeric", "number", "float", "int", "integer", "decimal":
		return Numeric, nil
	case "categorical", "category", "string", "text", "bool", "boolean":
		return Categorical, nil
	case "temporal", "date", "datetime", "timestamp":
		return Temporal, nil
	}
	return "", fmt.Errorf("unknown column type %q", s)
}

// Unit is a formatting hint for numeric columns.
type Unit string

const (
	UnitNone     Unit = ""
	UnitCurrency Unit = "currency"
	UnitPercent  Unit = "percent"
	UnitCount    Unit = "count"
	UnitYear     Unit = "year"
)

// ParseUnit accepts the canonical unit names.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return UnitNone, nil
	case "currency", "usd", "money":
		return UnitCurrency, nil
	case "percent", "percentage", "%":
		return UnitPercent, nil
	case "count":
		return UnitCount, nil
	case "year":
		return UnitYear, nil
	}
	return "", fmt.Errorf("unknown unit %q", s)
}

// inferUnit guesses a unit from the column name. Words like "rate" and
// "year" only match as whole words.
func inferUnit(name string) Unit {
	lower := strings.ToLower(name)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	switch {
	case strings.Contains(lower, "%") || strings.Contains(lower, "percent"):
		return UnitPercent
	case strings.Contains(lower, "$") || strings.Contains(lower, "usd") ||
		strings.Contains(lower, "cost") || strings.Contains(lower, "expense") ||
		strings.Contains(lower, "price") || slices.Contains(words, "rate"):
		return UnitCurrency
	case slices.Contains(words, "year"):
		return UnitYear
	}
	return UnitNone
}

// Column describes one column of a dataset.
type Column struct {
	Name       string     `json:"name"`
	Type       ColumnType `json:"type"`
	Unit       Unit       `json:"unit,omitempty"`
	Identifier bool       `json:"identifier,omitempty"`
}

// Dataset is an immutable named table. Rows are positional and share the
// column order of Columns.
type Dataset struct {
	name    string
	columns []Column
	index   map[string]int
	rows    [][]Value
}

func (d *Dataset) Name() string  { return d.name }
func (d *Dataset) RowCount() int { return len(d.rows) }

// Columns returns a copy of the column descriptors.
func (d *Dataset) Columns() []Column {
	out := make([]Column, len(d.columns))
	copy(out, d.columns)
	return out
}

// Column looks up a column by exact name.
func (d *Dataset) Column(name string) (Column, bool) {
	i, ok := d.index[name]
	if !ok {
		return Column{}, false
	}
	return d.columns[i], true
}

// ColumnIndex returns the position of the named column, or -1.
func (d *Dataset) ColumnIndex(name string) int {
	i, ok := d.index[name]
	if !ok {
		return -1
	}
	return i
}

// Row returns a copy of row i.
func (d *Dataset) Row(i int) []Value {
	out := make([]Value, len(d.rows[i]))
	copy(out, d.rows[i])
	return out
}

// Each calls fn for every row in order. fn must not retain or modify row.
func (d *Dataset) Each(fn func(i int, row []Value) bool) {
	for i, row := range d.rows {
		if !fn(i, row) {
			return
		}
	}
}

// Record returns row i as a Record.
func (d *Dataset) Record(i int) Record {
	return Record{Columns: d.Columns(), Values: d.Row(i)}
}

// TemporalColumns returns the names of temporal columns in column order.
func (d *Dataset) TemporalColumns() []string {
	return d.columnsOfType(Temporal)
}

func (d *Dataset) columnsOfType(t ColumnType) []string {
	var out []string
	for _, c := range d.columns {
		if c.Type == t {
			out = append(out, c.Name)
		}
	}
	return out
}

// DistinctValues returns the distinct non-absent values of a column in
// first-appearance order.
func (d *Dataset) DistinctValues(column string) []Value {
	i, ok := d.index[column]
	if !ok {
		return nil
	}
	seen := make(map[string]struct{})
	var out []Value
	for _, row := range d.rows {
		v := row[i]
		if v.IsAbsent() {
			continue
		}
		key := v.kind.String() + ":" + v.Text()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Record is a single row paired with its column descriptors.
type Record struct {
	Columns []Column `json:"columns"`
	Values  []Value  `json:"values"`
}

// Get returns the value of the named column.
func (r Record) Get(name string) (Value, bool) {
	for i, c := range r.Columns {
		if c.Name == name {
			return r.Values[i], true
		}
	}
	return Absent, false
}

// Identifiers returns the identifier columns of the record with their values.
func (r Record) Identifiers() []Column {
	var out []Column
	for _, c := range r.Columns {
		if c.Identifier {
			out = append(out, c)
		}
	}
	return out
}

// MarshalJSON renders the record as an ordered list of name/value pairs.
func (r Record) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, c := range r.Columns {
		if i > 0 {
			b.WriteByte(',')
		}
		name, err := jsonString(c.Name)
		if err != nil {
			return nil, err
		}
		val, err := r.Values[i].MarshalJSON()
		if err != nil {
			return nil, err
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.Write(val)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}
