package query

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Operator is a filter comparison.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIn          Operator = "in"
	OpContains    Operator = "contains"
)

func (o Operator) valid() bool {
	switch o {
	case OpEquals, OpGreaterThan, OpLessThan, OpIn, OpContains:
		return true
	}
	return false
}

// Function is an aggregate function.
type Function string

const (
	FuncSum     Function = "sum"
	FuncAverage Function = "average"
	FuncCount   Function = "count"
	FuncMin     Function = "min"
	FuncMax     Function = "max"
)

func (f Function) valid() bool {
	switch f {
	case FuncSum, FuncAverage, FuncCount, FuncMin, FuncMax:
		return true
	}
	return false
}

// NeedsNumeric reports whether the function only applies to numeric columns.
func (f Function) NeedsNumeric() bool {
	return f == FuncSum || f == FuncAverage || f == FuncMin || f == FuncMax
}

// DerivedKind is an arithmetic combination of two operands.
type DerivedKind string

const (
	DerivedRatio      DerivedKind = "ratio"
	DerivedDifference DerivedKind = "difference"
	DerivedPercentage DerivedKind = "percentage"
)

func (k DerivedKind) valid() bool {
	switch k {
	case DerivedRatio, DerivedDifference, DerivedPercentage:
		return true
	}
	return false
}

// DefaultAnomalyThreshold is the absolute z-score above which a value is
// reported as an anomaly.
const DefaultAnomalyThreshold = 2.5

// JoinKind selects which unmatched rows a join keeps.
type JoinKind string

const (
	JoinInner JoinKind = "inner"
	JoinLeft  JoinKind = "left"
	JoinRight JoinKind = "right"
	JoinOuter JoinKind = "outer"
)

func (k JoinKind) valid() bool {
	switch k {
	case JoinInner, JoinLeft, JoinRight, JoinOuter:
		return true
	}
	return false
}

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Bucket truncates a temporal group-by column.
type Bucket string

const (
	BucketNone  Bucket = ""
	BucketYear  Bucket = "year"
	BucketMonth Bucket = "month"
)

// Plan is the structured form of a data request. A Plan is immutable once
// produced; the executor never modifies it.
type Plan struct {
	Sources    []string    `json:"sources"`
	Filters    []Filter    `json:"filters,omitempty"`
	GroupBy    []GroupKey  `json:"group_by,omitempty"`
	Aggregates []Aggregate `json:"aggregates,omitempty"`
	Join       *Join       `json:"join,omitempty"`
	Sort       []SortKey   `json:"sort,omitempty"`
	TimePeriod *TimePeriod `json:"time_period,omitempty"`
	Columns    []string    `json:"columns,omitempty"`
	Limit      int         `json:"limit,omitempty"`
	Derived    []Derived   `json:"derived,omitempty"`
	Anomalies  *Anomalies  `json:"anomalies,omitempty"`
}

// Filter is a single (column, operator, value) condition. Dataset is only
// needed when the column name is ambiguous across joined datasets.
type Filter struct {
	Dataset  string   `json:"dataset,omitempty"`
	Column   string   `json:"column"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// GroupKey is a group-by column, optionally bucketed by year or month.
type GroupKey struct {
	Dataset string `json:"dataset,omitempty"`
	Column  string `json:"column"`
	Bucket  Bucket `json:"bucket,omitempty"`
}

// Name is the output name of the key.
func (g GroupKey) Name() string {
	if g.Bucket != BucketNone {
		return fmt.Sprintf("%s(%s)", g.Bucket, g.Column)
	}
	return g.Column
}

// UnmarshalJSON accepts either a bare column name or an object.
func (g *GroupKey) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		*g = GroupKey{Column: name}
		return nil
	}
	type alias GroupKey
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*g = GroupKey(a)
	return nil
}

// Aggregate applies a function to a column. Column may be empty for count,
// which then counts rows.
type Aggregate struct {
	Dataset  string     `json:"dataset,omitempty"`
	Column   string     `json:"column,omitempty"`
	Function Function   `json:"function"`
	Alias    string     `json:"alias,omitempty"`
	GroupBy  []GroupKey `json:"group_by,omitempty"`
}

// Name is the output name of the aggregate.
func (a Aggregate) Name() string {
	if a.Alias != "" {
		return a.Alias
	}
	col := a.Column
	if col == "" {
		col = "*"
	}
	return fmt.Sprintf("%s(%s)", a.Function, col)
}

// Derived computes Left/Right (ratio), Left-Right (difference) or
// Left/Right*100 (percentage). In a row-set plan the operands are numeric
// columns and the result is a new column on every row, usable by filters,
// sort and columns. In an aggregated plan the operands are aggregate output
// names and the result is a new metric per group. Operands may name earlier
// derived values.
type Derived struct {
	Name  string      `json:"name,omitempty"`
	Kind  DerivedKind `json:"kind"`
	Left  string      `json:"left"`
	Right string      `json:"right"`
}

// OutputName is the derived value's column or metric name.
func (d Derived) OutputName() string {
	if d.Name != "" {
		return d.Name
	}
	return fmt.Sprintf("%s(%s, %s)", d.Kind, d.Left, d.Right)
}

// Anomalies asks for values whose z-score over the filtered rows exceeds
// Threshold in absolute value. Columns defaults to every currency column.
type Anomalies struct {
	Columns   []string `json:"columns,omitempty"`
	Threshold float64  `json:"threshold,omitempty"`
}

// Limit returns the threshold, defaulting to DefaultAnomalyThreshold.
func (a *Anomalies) Limit() float64 {
	if a.Threshold > 0 {
		return a.Threshold
	}
	return DefaultAnomalyThreshold
}

// Join is an equi-join of two datasets on a shared column.
type Join struct {
	Left   string   `json:"left"`
	Right  string   `json:"right"`
	Column string   `json:"column"`
	Kind   JoinKind `json:"kind"`
}

// SortKey orders results by an output column. For aggregated plans the
// column is a group key name or an aggregate name.
type SortKey struct {
	Dataset   string    `json:"dataset,omitempty"`
	Column    string    `json:"column"`
	Direction Direction `json:"direction,omitempty"`
}

// TimePeriod restricts rows to a calendar year, a month of a year, or the
// half-open date range [Start, End). Dataset and Column pin the temporal
// column; by default every source with a temporal column is filtered on its
// first temporal column.
type TimePeriod struct {
	Year    int    `json:"year,omitempty"`
	Month   int    `json:"month,omitempty"`
	Start   string `json:"start,omitempty"`
	End     string `json:"end,omitempty"`
	Dataset string `json:"dataset,omitempty"`
	Column  string `json:"column,omitempty"`
}

// IsAggregate reports whether the plan produces aggregated output.
func (p *Plan) IsAggregate() bool {
	return len(p.Aggregates) > 0
}

// sourceOrder returns the datasets loaded by the plan in working-table
// order.
func (p *Plan) sourceOrder() []string {
	if p.Join != nil {
		return []string{p.Join.Left, p.Join.Right}
	}
	return p.Sources
}

// Clone returns a copy of the plan that shares no slices with p.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := *p
	out.Sources = slices.Clone(p.Sources)
	out.Filters = slices.Clone(p.Filters)
	out.GroupBy = slices.Clone(p.GroupBy)
	out.Aggregates = slices.Clone(p.Aggregates)
	for i := range out.Aggregates {
		out.Aggregates[i].GroupBy = slices.Clone(p.Aggregates[i].GroupBy)
	}
	if p.Join != nil {
		j := *p.Join
		out.Join = &j
	}
	out.Sort = slices.Clone(p.Sort)
	if p.TimePeriod != nil {
		tp := *p.TimePeriod
		out.TimePeriod = &tp
	}
	out.Columns = slices.Clone(p.Columns)
	out.Derived = slices.Clone(p.Derived)
	if p.Anomalies != nil {
		an := *p.Anomalies
		an.Columns = slices.Clone(p.Anomalies.Columns)
		out.Anomalies = &an
	}
	return &out
}

// String renders the plan as compact JSON for logs.
func (p *Plan) String() string {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("<plan: %v>", err)
	}
	return string(b)
}

func qualified(dataset, column string) string {
	if dataset == "" {
		return column
	}
	return dataset + "." + column
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
