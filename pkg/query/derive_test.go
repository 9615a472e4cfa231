package query_test

import (
	"testing"

	"github.com/malbeclabs/sage/pkg/dataset"
	"github.com/malbeclabs/sage/pkg/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func costsRegistry(t *testing.T) *dataset.Registry {
	t.Helper()
	r := dataset.NewRegistry(nil)
	require.NoError(t, r.Register("costs", []map[string]any{
		{"Building ID": "B001", "Date": "2023-01-15", "Energy Costs": 100, "Operating Expenses": 400},
		{"Building ID": "B002", "Date": "2023-02-15", "Energy Costs": 50, "Operating Expenses": 0},
		{"Building ID": "B003", "Date": "2024-01-15", "Energy Costs": 300, "Operating Expenses": 0},
	}, dataset.WithColumnOrder([]string{"Building ID", "Date", "Energy Costs", "Operating Expenses"})))
	return r
}

func TestExecute_DerivedColumnAfterTimeFilter(t *testing.T) {
	t.Parallel()

	r := costsRegistry(t)
	res := execute(t, r, &query.Plan{
		Sources:    []string{"costs"},
		TimePeriod: &query.TimePeriod{Year: 2023},
		Derived: []query.Derived{
			{Name: "energy share", Kind: query.DerivedPercentage, Left: "Energy Costs", Right: "Operating Expenses"},
			{Kind: query.DerivedDifference, Left: "Operating Expenses", Right: "Energy Costs"},
		},
		Columns: []string{"Building ID", "energy share", "difference(Operating Expenses, Energy Costs)"},
	})

	require.Equal(t, query.KindRows, res.Kind)
	assert.Equal(t, []string{"B001", "B002"}, ids(t, res))
	assert.Equal(t, dataset.UnitPercent, res.Rows.Columns[1].Unit)
	assert.Equal(t, dataset.UnitCurrency, res.Rows.Columns[2].Unit)

	assert.True(t, dataset.Float(25).Equal(res.Rows.Rows[0][1]), "got %v", res.Rows.Rows[0][1])
	assert.True(t, res.Rows.Rows[1][1].IsAbsent())
	assert.True(t, dataset.Int(300).Equal(res.Rows.Rows[0][2]), "got %v", res.Rows.Rows[0][2])
	assert.True(t, dataset.Int(-50).Equal(res.Rows.Rows[1][2]), "got %v", res.Rows.Rows[1][2])

	// The 2024 row also divides by zero but is gone before derivation.
	require.True(t, res.HasWarning(query.WarnUndefined))
	var msgs []string
	for _, w := range res.Warnings {
		msgs = append(msgs, w.Message)
	}
	assert.Contains(t, msgs, `"energy share" has no value for 1 row(s) (missing operand or division by zero)`)
}

func TestExecute_DerivedColumnFilterAndSort(t *testing.T) {
	t.Parallel()

	r := costsRegistry(t)
	res := execute(t, r, &query.Plan{
		Sources: []string{"costs"},
		Derived: []query.Derived{{Name: "headroom", Kind: query.DerivedDifference, Left: "Operating Expenses", Right: "Energy Costs"}},
		Filters: []query.Filter{{Column: "headroom", Operator: query.OpLessThan, Value: 0}},
		Sort:    []query.SortKey{{Column: "headroom", Direction: query.Asc}},
	})
	assert.Equal(t, []string{"B003", "B002"}, ids(t, res))
	assert.Equal(t, "headroom", res.Rows.Columns[len(res.Rows.Columns)-1].Name)
}

func TestExecute_DerivedMetricsPerGroup(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	res := execute(t, r, &query.Plan{
		Sources:    []string{"financial"},
		TimePeriod: &query.TimePeriod{Year: 2023},
		GroupBy:    []query.GroupKey{{Column: "Building ID"}},
		Aggregates: []query.Aggregate{{Column: "Energy Costs", Function: query.FuncSum}, {Function: query.FuncCount}},
		Derived:    []query.Derived{{Name: "cost per bill", Kind: query.DerivedRatio, Left: "sum(Energy Costs)", Right: "count(*)"}},
		Sort:       []query.SortKey{{Column: "cost per bill", Direction: query.Desc}},
	})

	require.Equal(t, query.KindGroups, res.Kind)
	g := res.Groups
	require.Len(t, g.Metrics, 3)
	assert.Equal(t, "cost per bill", g.Metrics[2].Name)
	assert.Equal(t, query.DerivedRatio, g.Metrics[2].Derived)
	assert.Equal(t, dataset.UnitNone, g.Metrics[2].Unit)

	require.Len(t, g.Groups, 2)
	assert.Equal(t, "B001", g.Groups[0].Key[0].Text())
	perBill, ok := g.Groups[0].Values[2].Float64()
	require.True(t, ok)
	assert.InDelta(t, 150, perBill, 1e-9)
	perBill, ok = g.Groups[1].Values[2].Float64()
	require.True(t, ok)
	assert.InDelta(t, 50, perBill, 1e-9)
	assert.False(t, res.HasWarning(query.WarnUndefined))
}

func TestExecute_DerivedMetricWithoutGroupsIsNotScalar(t *testing.T) {
	t.Parallel()

	r := newRegistry(t)
	res := execute(t, r, &query.Plan{
		Sources:    []string{"financial"},
		TimePeriod: &query.TimePeriod{Year: 2023},
		Aggregates: []query.Aggregate{{Column: "Energy Costs", Function: query.FuncSum}, {Column: "Energy Costs", Function: query.FuncMax}},
		Derived:    []query.Derived{{Kind: query.DerivedDifference, Left: "sum(Energy Costs)", Right: "max(Energy Costs)"}},
	})

	require.Equal(t, query.KindGroups, res.Kind)
	require.Len(t, res.Groups.Groups, 1)
	grp := res.Groups.Groups[0]
	assert.Empty(t, grp.Key)
	assert.True(t, dataset.Int(350).Equal(grp.Values[0]))
	assert.True(t, dataset.Int(150).Equal(grp.Values[2]), "got %v", grp.Values[2])
	assert.Equal(t, dataset.UnitCurrency, res.Groups.Metrics[2].Unit)
}
