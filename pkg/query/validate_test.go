package query_test

import (
	"testing"

	"github.com/malbeclabs/sage/pkg/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reasons(t *testing.T, err error) []string {
	t.Helper()
	var ve *query.ValidationError
	require.ErrorAs(t, err, &ve)
	require.NotEmpty(t, ve.Reasons)
	return ve.Reasons
}

func TestValidate_UnknownColumnRejected(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	err := query.Validate(&query.Plan{
		Sources:    []string{"financial"},
		Aggregates: []query.Aggregate{{Column: "Enrgy Costs", Function: query.FuncSum}},
	}, r.Schema())

	rs := reasons(t, err)
	require.Len(t, rs, 1)
	assert.Contains(t, rs[0], `unknown column "Enrgy Costs"`)
	assert.Contains(t, rs[0], `did you mean "Energy Costs"`)
}

func TestValidate_AccumulatesInCheckOrder(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	err := query.Validate(&query.Plan{
		Sources: []string{"buildings"},
		Filters: []query.Filter{{Column: "Size", Operator: query.OpContains, Value: "5"}},
		Aggregates: []query.Aggregate{
			{Column: "Location", Function: query.FuncSum},
			{Column: "Nope", Function: query.FuncMax},
		},
		TimePeriod: &query.TimePeriod{Year: 2023},
	}, r.Schema())

	rs := reasons(t, err)
	require.Len(t, rs, 4, "%q", rs)
	assert.Contains(t, rs[0], `unknown column "Nope"`)
	assert.NotContains(t, rs[0], "did you mean")
	assert.Contains(t, rs[1], "sum requires a numeric column")
	assert.Contains(t, rs[2], "contains requires a categorical column")
	assert.Contains(t, rs[3], "no temporal column")
}

func TestValidate_Datasets(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	rs := reasons(t, query.Validate(&query.Plan{Sources: []string{"leases"}}, r.Schema()))
	assert.Contains(t, rs[0], `unknown dataset "leases"`)

	rs = reasons(t, query.Validate(&query.Plan{}, r.Schema()))
	assert.Contains(t, rs[0], "no source dataset")

	rs = reasons(t, query.Validate(&query.Plan{Sources: []string{"buildings", "financial"}}, r.Schema()))
	assert.Contains(t, rs[0], "no join")
}

func TestValidate_Join(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	ok := &query.Plan{
		Join:       &query.Join{Left: "buildings", Right: "financial", Column: "Building ID", Kind: query.JoinInner},
		Filters:    []query.Filter{{Column: "Location", Operator: query.OpEquals, Value: "Chicago"}},
		GroupBy:    []query.GroupKey{{Dataset: "financial", Column: "Building ID"}},
		Aggregates: []query.Aggregate{{Column: "Energy Costs", Function: query.FuncAverage}},
	}
	require.NoError(t, query.Validate(ok, r.Schema()))

	rs := reasons(t, query.Validate(&query.Plan{
		Join: &query.Join{Left: "buildings", Right: "financial", Column: "Location", Kind: "sideways"},
	}, r.Schema()))
	assert.Len(t, rs, 2)
	assert.Contains(t, rs[0], `unknown kind "sideways"`)
	assert.Contains(t, rs[1], `column "Location" is not in dataset "financial"`)
}

func TestValidate_FilterOperands(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	tests := []struct {
		name   string
		filter query.Filter
		want   string
	}{
		{"in needs a list", query.Filter{Column: "Location", Operator: query.OpIn, Value: "Chicago"}, "needs a list"},
		{"numeric value", query.Filter{Column: "Size", Operator: query.OpGreaterThan, Value: "big"}, "non-numeric value"},
		{"ordering on categorical", query.Filter{Column: "Location", Operator: query.OpLessThan, Value: "M"}, "requires a numeric or temporal column"},
		{"unknown operator", query.Filter{Column: "Size", Operator: "between", Value: 1}, "unknown filter operator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rs := reasons(t, query.Validate(&query.Plan{Sources: []string{"buildings"}, Filters: []query.Filter{tt.filter}}, r.Schema()))
			assert.Contains(t, rs[0], tt.want)
		})
	}
}

func TestValidate_SortAndShape(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	rs := reasons(t, query.Validate(&query.Plan{
		Sources:    []string{"buildings"},
		GroupBy:    []query.GroupKey{{Column: "Location"}},
		Aggregates: []query.Aggregate{{Column: "Size", Function: query.FuncSum}},
		Sort:       []query.SortKey{{Column: "Size", Direction: query.Desc}},
	}, r.Schema()))
	assert.Contains(t, rs[0], `"Size" is not an output column`)

	require.NoError(t, query.Validate(&query.Plan{
		Sources:    []string{"buildings"},
		GroupBy:    []query.GroupKey{{Column: "Location"}},
		Aggregates: []query.Aggregate{{Column: "Size", Function: query.FuncSum}},
		Sort:       []query.SortKey{{Column: "sum(Size)", Direction: query.Desc}},
	}, r.Schema()))

	rs = reasons(t, query.Validate(&query.Plan{
		Sources: []string{"buildings"},
		GroupBy: []query.GroupKey{{Column: "Location"}},
	}, r.Schema()))
	assert.Contains(t, rs[0], "group_by requires at least one aggregate")
}

func TestValidate_TimePeriod(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	tests := []struct {
		name string
		tp   query.TimePeriod
		want string
	}{
		{"month without year", query.TimePeriod{Month: 3}, "needs a year"},
		{"bad range", query.TimePeriod{Start: "2024-01-01", End: "2023-01-01"}, "not before end"},
		{"unparseable", query.TimePeriod{Start: "soon"}, "not a date"},
		{"empty", query.TimePeriod{Dataset: "financial"}, "needs a year or a date range"},
		{"non temporal column", query.TimePeriod{Year: 2023, Column: "Energy Costs"}, "not temporal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tp := tt.tp
			rs := reasons(t, query.Validate(&query.Plan{Sources: []string{"financial"}, TimePeriod: &tp}, r.Schema()))
			assert.Contains(t, rs[0], tt.want)
		})
	}
}

func TestValidate_Derived(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	tests := []struct {
		name string
		plan *query.Plan
		want []string
	}{
		{
			name: "unknown kind",
			plan: &query.Plan{Sources: []string{"buildings"}, Derived: []query.Derived{{Kind: "product", Left: "Size", Right: "Size"}}},
			want: []string{`derived: unknown kind "product"`},
		},
		{
			name: "missing operand",
			plan: &query.Plan{Sources: []string{"buildings"}, Derived: []query.Derived{{Kind: query.DerivedRatio, Left: "Size"}}},
			want: []string{"needs both a left and a right operand"},
		},
		{
			name: "categorical operand",
			plan: &query.Plan{Sources: []string{"buildings"}, Derived: []query.Derived{{Kind: query.DerivedRatio, Left: "Size", Right: "Location"}}},
			want: []string{`requires numeric operands, "Location" is categorical`},
		},
		{
			name: "unknown operand",
			plan: &query.Plan{Sources: []string{"buildings"}, Derived: []query.Derived{{Kind: query.DerivedRatio, Left: "Sise", Right: "Size"}}},
			want: []string{`derived: unknown column "Sise"`},
		},
		{
			name: "name collides with a column",
			plan: &query.Plan{Sources: []string{"buildings"}, Derived: []query.Derived{{Name: "Size", Kind: query.DerivedRatio, Left: "Size", Right: "Size"}}},
			want: []string{`name "Size" is already used by a column`},
		},
		{
			name: "column operand in an aggregated plan",
			plan: &query.Plan{
				Sources:    []string{"financial"},
				Aggregates: []query.Aggregate{{Column: "Energy Costs", Function: query.FuncSum}},
				Derived:    []query.Derived{{Kind: query.DerivedPercentage, Left: "sum(Energy Costs)", Right: "Energy Costs"}},
			},
			want: []string{`operand "Energy Costs" is not an aggregate output`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rs := reasons(t, query.Validate(tt.plan, r.Schema()))
			require.Len(t, rs, len(tt.want), "%q", rs)
			for i, want := range tt.want {
				assert.Contains(t, rs[i], want)
			}
		})
	}

	// A derived column can be filtered, sorted and projected like any other.
	require.NoError(t, query.Validate(&query.Plan{
		Sources: []string{"buildings"},
		Derived: []query.Derived{{Name: "half", Kind: query.DerivedRatio, Left: "Size", Right: "Size"}},
		Filters: []query.Filter{{Column: "half", Operator: query.OpGreaterThan, Value: 0}},
		Sort:    []query.SortKey{{Column: "half", Direction: query.Desc}},
		Columns: []string{"Building ID", "half"},
	}, r.Schema()))
	require.NoError(t, query.Validate(&query.Plan{
		Sources:    []string{"financial"},
		Aggregates: []query.Aggregate{{Column: "Energy Costs", Function: query.FuncSum}, {Function: query.FuncCount}},
		Derived: []query.Derived{
			{Name: "per bill", Kind: query.DerivedRatio, Left: "sum(Energy Costs)", Right: "count(*)"},
			{Kind: query.DerivedDifference, Left: "per bill", Right: "count(*)"},
		},
		Sort: []query.SortKey{{Column: "per bill", Direction: query.Desc}},
	}, r.Schema()))
}

func TestValidate_Anomalies(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	tests := []struct {
		name string
		plan *query.Plan
		want []string
	}{
		{
			name: "with aggregates",
			plan: &query.Plan{
				Sources:    []string{"financial"},
				Aggregates: []query.Aggregate{{Column: "Energy Costs", Function: query.FuncSum}},
				Anomalies:  &query.Anomalies{},
			},
			want: []string{"anomalies cannot be combined with aggregates"},
		},
		{
			name: "with sort",
			plan: &query.Plan{
				Sources:   []string{"financial"},
				Sort:      []query.SortKey{{Column: "Energy Costs", Direction: query.Desc}},
				Anomalies: &query.Anomalies{},
			},
			want: []string{"sort is not supported"},
		},
		{
			name: "no currency columns",
			plan: &query.Plan{Sources: []string{"buildings"}, Anomalies: &query.Anomalies{}},
			want: []string{"no currency columns to check"},
		},
		{
			name: "categorical column",
			plan: &query.Plan{Sources: []string{"buildings"}, Anomalies: &query.Anomalies{Columns: []string{"Location"}}},
			want: []string{`anomalies: "Location" is categorical, not numeric`},
		},
		{
			name: "negative threshold",
			plan: &query.Plan{Sources: []string{"financial"}, Anomalies: &query.Anomalies{Threshold: -1}},
			want: []string{"threshold must not be negative"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rs := reasons(t, query.Validate(tt.plan, r.Schema()))
			require.Len(t, rs, len(tt.want), "%q", rs)
			for i, want := range tt.want {
				assert.Contains(t, rs[i], want)
			}
		})
	}

	require.NoError(t, query.Validate(&query.Plan{Sources: []string{"financial"}, Anomalies: &query.Anomalies{}}, r.Schema()))
	require.NoError(t, query.Validate(&query.Plan{Sources: []string{"buildings"}, Anomalies: &query.Anomalies{Columns: []string{"Size"}}}, r.Schema()))
}
