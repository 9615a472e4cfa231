package query_test

import (
	"context"
	"testing"

	"github.com/malbeclabs/sage/pkg/dataset"
	"github.com/malbeclabs/sage/pkg/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) *dataset.Registry {
	t.Helper()
	r := dataset.NewRegistry(nil)
	require.NoError(t, r.Register("buildings", []map[string]any{
		{"Building ID": "B001", "Location": "New York", "Size": 50000},
		{"Building ID": "B002", "Location": "Chicago", "Size": 75000},
		{"Building ID": "B003", "Location": "Boston", "Size": 30000},
	}, dataset.WithColumnOrder([]string{"Building ID", "Location", "Size"})))
	require.NoError(t, r.Register("financial", []map[string]any{
		{"Building ID": "B001", "Date": "2023-01-15", "Energy Costs": 100},
		{"Building ID": "B001", "Date": "2023-06-15", "Energy Costs": 200},
		{"Building ID": "B001", "Date": "2024-01-15", "Energy Costs": 300},
		{"Building ID": "B002", "Date": "2023-03-01", "Energy Costs": 50},
	}, dataset.WithColumnOrder([]string{"Building ID", "Date", "Energy Costs"})))
	return r
}

func execute(t *testing.T, r *dataset.Registry, plan *query.Plan) *query.Result {
	t.Helper()
	require.NoError(t, query.Validate(plan, r.Schema()))
	res, err := query.NewExecutor(0, nil).Execute(context.Background(), plan, r)
	require.NoError(t, err)
	return res
}

func ids(t *testing.T, res *query.Result) []string {
	t.Helper()
	require.Equal(t, query.KindRows, res.Kind)
	col := -1
	for i, c := range res.Rows.Columns {
		if c.Name == "Building ID" {
			col = i
		}
	}
	require.GreaterOrEqual(t, col, 0)
	out := []string{}
	for _, row := range res.Rows.Rows {
		out = append(out, row[col].Text())
	}
	return out
}

func TestExecute_ScalarMaxWithProvenance(t *testing.T) {
	t.Parallel()

	r := dataset.NewRegistry(nil)
	require.NoError(t, r.Register("buildings", []map[string]any{
		{"id": "B001", "location": "New York", "size": 50000},
		{"id": "B002", "location": "Chicago", "size": 75000},
	}))
	res := execute(t, r, &query.Plan{
		Sources:    []string{"buildings"},
		Aggregates: []query.Aggregate{{Column: "size", Function: query.FuncMax}},
	})

	require.Equal(t, query.KindScalar, res.Kind)
	assert.True(t, dataset.Int(75000).Equal(res.Scalar.Value))
	require.NotNil(t, res.Scalar.Provenance)
	id, ok := res.Scalar.Provenance.Get("id")
	require.True(t, ok)
	assert.Equal(t, "B002", id.Text())
	assert.Empty(t, res.Warnings)
}

func TestExecute_TimePeriodBeforeAggregation(t *testing.T) {
	t.Parallel()

	r := dataset.NewRegistry(nil)
	require.NoError(t, r.Register("financial", []map[string]any{
		{"building": "B001", "date": "2023-02-01", "energy_costs": 100},
		{"building": "B001", "date": "2023-09-01", "energy_costs": 200},
		{"building": "B001", "date": "2024-02-01", "energy_costs": 300},
	}))
	res := execute(t, r, &query.Plan{
		Sources:    []string{"financial"},
		TimePeriod: &query.TimePeriod{Year: 2023},
		Aggregates: []query.Aggregate{{Column: "energy_costs", Function: query.FuncSum}},
	})

	require.Equal(t, query.KindScalar, res.Kind)
	assert.True(t, dataset.Int(300).Equal(res.Scalar.Value), "got %v", res.Scalar.Value)
}

func TestExecute_EmptyResultIsNotAnError(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	res := execute(t, r, &query.Plan{
		Sources: []string{"buildings"},
		Filters: []query.Filter{{Column: "Location", Operator: query.OpEquals, Value: "Nowhere"}},
	})

	require.Equal(t, query.KindRows, res.Kind)
	assert.Empty(t, res.Rows.Rows)
	assert.Equal(t, 0, res.Rows.Total)
	require.True(t, res.Empty())
	assert.Equal(t, query.NoDataMessage, res.Warnings[0].Message)
}

func TestExecute_Deterministic(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	plan := &query.Plan{
		Sources:    []string{"financial"},
		GroupBy:    []query.GroupKey{{Column: "Building ID"}},
		Aggregates: []query.Aggregate{{Column: "Energy Costs", Function: query.FuncSum}, {Function: query.FuncCount}},
		Sort:       []query.SortKey{{Column: "count(*)", Direction: query.Desc}},
	}
	first := execute(t, r, plan)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, execute(t, r, plan))
	}
}

func TestExecute_FilterConjunction(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	a := query.Filter{Column: "Size", Operator: query.OpGreaterThan, Value: 40000}
	b := query.Filter{Column: "Location", Operator: query.OpContains, Value: "o"}

	only := func(filters ...query.Filter) []string {
		return ids(t, execute(t, r, &query.Plan{Sources: []string{"buildings"}, Filters: filters}))
	}
	matchA, matchB := only(a), only(b)
	var want []string
	for _, id := range matchA {
		for _, other := range matchB {
			if id == other {
				want = append(want, id)
			}
		}
	}
	assert.Equal(t, []string{"B001", "B002"}, matchA)
	assert.Equal(t, []string{"B001", "B002", "B003"}, matchB)
	assert.Equal(t, want, only(a, b))

	assert.Equal(t, []string{"B002"}, only(
		query.Filter{Column: "Location", Operator: query.OpIn, Value: []any{"chicago", "Austin"}},
	))
}

func TestExecute_LeftJoinExcludesAbsent(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	join := &query.Join{Left: "buildings", Right: "financial", Column: "Building ID", Kind: query.JoinLeft}

	sum := execute(t, r, &query.Plan{
		Join:       join,
		Aggregates: []query.Aggregate{{Column: "Energy Costs", Function: query.FuncSum}},
	})
	require.Equal(t, query.KindScalar, sum.Kind)
	assert.True(t, dataset.Int(650).Equal(sum.Scalar.Value), "got %v", sum.Scalar.Value)
	assert.True(t, sum.HasWarning(query.WarnExcludedValues))

	avg := execute(t, r, &query.Plan{
		Join:       join,
		Aggregates: []query.Aggregate{{Column: "Energy Costs", Function: query.FuncAverage}},
	})
	assert.True(t, dataset.Float(650.0/4).Equal(avg.Scalar.Value), "got %v", avg.Scalar.Value)
	assert.True(t, avg.HasWarning(query.WarnExcludedValues))

	rows := execute(t, r, &query.Plan{Join: join, Filters: []query.Filter{{Column: "Building ID", Operator: query.OpEquals, Value: "B003"}}})
	require.Len(t, rows.Rows.Rows, 1)
	assert.Equal(t, []string{"Building ID", "Location", "Size", "Date", "Energy Costs"}, columnNames(rows.Rows.Columns))
	assert.True(t, rows.Rows.Rows[0][4].IsAbsent())
	assert.True(t, rows.Rows.Rows[0][3].IsAbsent())
}

func TestExecute_JoinKinds(t *testing.T) {
	t.Parallel()

	r := dataset.NewRegistry(nil)
	require.NoError(t, r.Register("a", []map[string]any{{"k": "1", "x": 1}, {"k": "2", "x": 2}}))
	require.NoError(t, r.Register("b", []map[string]any{{"k": "2", "y": 20}, {"k": "3", "y": 30}}))

	count := func(kind query.JoinKind) int {
		res := execute(t, r, &query.Plan{Join: &query.Join{Left: "a", Right: "b", Column: "k", Kind: kind}})
		return res.Rows.Total
	}
	assert.Equal(t, 1, count(query.JoinInner))
	assert.Equal(t, 2, count(query.JoinLeft))
	assert.Equal(t, 2, count(query.JoinRight))
	assert.Equal(t, 3, count(query.JoinOuter))

	res := execute(t, r, &query.Plan{
		Join: &query.Join{Left: "a", Right: "b", Column: "k", Kind: query.JoinRight},
		Sort: []query.SortKey{{Column: "k"}},
	})
	require.Len(t, res.Rows.Rows, 2)
	assert.Equal(t, "3", res.Rows.Rows[1][0].Text(), "right-only rows keep the join key")
	assert.True(t, res.Rows.Rows[1][1].IsAbsent())
}

func TestExecute_GroupedSortedByKey(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	res := execute(t, r, &query.Plan{
		Sources:    []string{"buildings"},
		GroupBy:    []query.GroupKey{{Column: "Location"}},
		Aggregates: []query.Aggregate{{Column: "Size", Function: query.FuncSum}},
	})

	require.Equal(t, query.KindGroups, res.Kind)
	assert.Equal(t, []string{"Location"}, res.Groups.Keys)
	require.Len(t, res.Groups.Groups, 3)
	assert.Equal(t, "Boston", res.Groups.Groups[0].Key[0].Text())
	assert.Equal(t, "Chicago", res.Groups.Groups[1].Key[0].Text())
	assert.Equal(t, "New York", res.Groups.Groups[2].Key[0].Text())
	assert.False(t, res.Groups.Ordered)
}

func TestExecute_TopNBySortedMetric(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	res := execute(t, r, &query.Plan{
		Sources:    []string{"financial"},
		GroupBy:    []query.GroupKey{{Column: "Building ID"}},
		Aggregates: []query.Aggregate{{Column: "Energy Costs", Function: query.FuncSum, Alias: "energy"}},
		Sort:       []query.SortKey{{Column: "energy", Direction: query.Desc}},
		Limit:      1,
	})

	require.Len(t, res.Groups.Groups, 1)
	assert.Equal(t, "B001", res.Groups.Groups[0].Key[0].Text())
	assert.True(t, dataset.Int(600).Equal(res.Groups.Groups[0].Values[0]))
	assert.True(t, res.Groups.Ordered)
}

func TestExecute_MonthlyBuckets(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	res := execute(t, r, &query.Plan{
		Sources:    []string{"financial"},
		Filters:    []query.Filter{{Column: "Building ID", Operator: query.OpEquals, Value: "b001"}},
		GroupBy:    []query.GroupKey{{Bucket: query.BucketMonth}},
		Aggregates: []query.Aggregate{{Column: "Energy Costs", Function: query.FuncSum}},
	})

	require.Equal(t, []string{"month(Date)"}, res.Groups.Keys)
	var keys []string
	for _, g := range res.Groups.Groups {
		keys = append(keys, g.Key[0].Text())
	}
	assert.Equal(t, []string{"2023-01", "2023-06", "2024-01"}, keys)
}

func TestExecute_MonthAndRangePeriods(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	month := execute(t, r, &query.Plan{
		Sources:    []string{"financial"},
		TimePeriod: &query.TimePeriod{Year: 2023, Month: 6},
		Aggregates: []query.Aggregate{{Column: "Energy Costs", Function: query.FuncSum}},
	})
	assert.True(t, dataset.Int(200).Equal(month.Scalar.Value))

	rng := execute(t, r, &query.Plan{
		Sources:    []string{"financial"},
		TimePeriod: &query.TimePeriod{Start: "2023-03-01", End: "2024-01-15"},
		Aggregates: []query.Aggregate{{Function: query.FuncCount}},
	})
	assert.True(t, dataset.Int(2).Equal(rng.Scalar.Value), "end is exclusive, got %v", rng.Scalar.Value)
}

func TestExecute_TruncatesRowSets(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	plan := &query.Plan{Sources: []string{"financial"}, Columns: []string{"Building ID", "Energy Costs"}}
	require.NoError(t, query.Validate(plan, r.Schema()))
	res, err := query.NewExecutor(2, nil).Execute(context.Background(), plan, r)
	require.NoError(t, err)

	require.Len(t, res.Rows.Rows, 2)
	assert.Equal(t, 4, res.Rows.Total)
	assert.Equal(t, []string{"Building ID", "Energy Costs"}, columnNames(res.Rows.Columns))
	assert.True(t, res.HasWarning(query.WarnTruncated))
}

func TestExecute_NegativeValuesWarn(t *testing.T) {
	t.Parallel()

	r := dataset.NewRegistry(nil)
	require.NoError(t, r.Register("f", []map[string]any{{"cost": 100}, {"cost": -25.5}}))
	res := execute(t, r, &query.Plan{Sources: []string{"f"}, Aggregates: []query.Aggregate{{Column: "cost", Function: query.FuncSum}}})
	assert.True(t, dataset.Float(74.5).Equal(res.Scalar.Value))
	assert.True(t, res.HasWarning(query.WarnNegativeValues))
}

func TestExecute_UngroupedMultipleAggregates(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	res := execute(t, r, &query.Plan{
		Sources: []string{"buildings"},
		Aggregates: []query.Aggregate{
			{Column: "Size", Function: query.FuncMin},
			{Column: "Size", Function: query.FuncMax},
		},
	})
	require.Equal(t, query.KindGroups, res.Kind)
	require.Len(t, res.Groups.Groups, 1)
	assert.Empty(t, res.Groups.Groups[0].Key)
	assert.True(t, dataset.Int(30000).Equal(res.Groups.Groups[0].Values[0]))
	assert.True(t, dataset.Int(75000).Equal(res.Groups.Groups[0].Values[1]))
}

func TestExecute_CanceledContext(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := query.NewExecutor(0, nil).Execute(ctx, &query.Plan{Sources: []string{"buildings"}}, r)
	var execErr *query.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, query.StepSource, execErr.Step)
}

func TestExecute_MissingDatasetIsExecutionError(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	_, err := query.NewExecutor(0, nil).Execute(context.Background(), &query.Plan{Sources: []string{"nope"}}, r)
	var execErr *query.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, dataset.ErrDatasetNotFound)
}

func columnNames(cols []dataset.Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}
