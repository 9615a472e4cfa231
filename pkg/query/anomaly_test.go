package query_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/malbeclabs/sage/pkg/dataset"
	"github.com/malbeclabs/sage/pkg/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// billsRegistry holds nine 2023 bills of 100, one of 1000 for B010, and a
// 2024 bill of 5000.
func billsRegistry(t *testing.T) *dataset.Registry {
	t.Helper()
	rows := make([]map[string]any, 0, 11)
	for i := 1; i <= 10; i++ {
		cost := 100
		if i == 10 {
			cost = 1000
		}
		rows = append(rows, map[string]any{
			"Building ID":  fmt.Sprintf("B%03d", i),
			"Date":         fmt.Sprintf("2023-%02d-01", i),
			"Energy Costs": cost,
			"Floors":       3,
		})
	}
	rows = append(rows, map[string]any{"Building ID": "B011", "Date": "2024-01-01", "Energy Costs": 5000, "Floors": 3})
	r := dataset.NewRegistry(nil)
	require.NoError(t, r.Register("bills", rows, dataset.WithColumnOrder([]string{"Building ID", "Date", "Energy Costs", "Floors"})))
	return r
}

func TestExecute_AnomaliesWithinTimePeriod(t *testing.T) {
	t.Parallel()

	r := billsRegistry(t)
	res := execute(t, r, &query.Plan{
		Sources:    []string{"bills"},
		TimePeriod: &query.TimePeriod{Year: 2023},
		Anomalies:  &query.Anomalies{},
	})

	require.Equal(t, query.KindAnomalies, res.Kind)
	a := res.Anomalies
	require.NotNil(t, a)
	assert.Equal(t, []string{"Energy Costs"}, a.Columns)
	assert.Equal(t, query.DefaultAnomalyThreshold, a.Threshold)
	assert.Equal(t, 10, a.Checked)
	assert.Equal(t, 1, a.Total)
	require.Len(t, a.Anomalies, 1)

	an := a.Anomalies[0]
	assert.Equal(t, "Energy Costs", an.Column)
	assert.Equal(t, dataset.UnitCurrency, an.Unit)
	assert.True(t, dataset.Int(1000).Equal(an.Value))
	assert.InDelta(t, 190, an.Mean, 1e-9)
	assert.InDelta(t, 2.846, an.ZScore, 1e-3)
	assert.Equal(t, []string{"Building ID", "Date"}, columnNames(an.Context.Columns))
	id, ok := an.Context.Get("Building ID")
	require.True(t, ok)
	assert.Equal(t, "B010", id.Text())
}

func TestExecute_AnomaliesWholeDataset(t *testing.T) {
	t.Parallel()

	// With the 2024 bill in the window, it is the outlier and B010 is not.
	r := billsRegistry(t)
	res := execute(t, r, &query.Plan{
		Sources:   []string{"bills"},
		Anomalies: &query.Anomalies{Columns: []string{"Energy Costs"}},
		Columns:   []string{"Building ID"},
	})

	a := res.Anomalies
	assert.Equal(t, 11, a.Checked)
	require.Len(t, a.Anomalies, 1)
	assert.Equal(t, []string{"Building ID"}, columnNames(a.Anomalies[0].Context.Columns))
	assert.Equal(t, "B011", a.Anomalies[0].Context.Values[0].Text())
	assert.Greater(t, a.Anomalies[0].ZScore, 2.5)
}

func TestExecute_AnomaliesNoneFound(t *testing.T) {
	t.Parallel()

	r := billsRegistry(t)
	res := execute(t, r, &query.Plan{
		Sources:   []string{"bills"},
		Anomalies: &query.Anomalies{Columns: []string{"Floors"}},
	})

	require.Equal(t, query.KindAnomalies, res.Kind)
	assert.Equal(t, 0, res.Anomalies.Total)
	assert.NotNil(t, res.Anomalies.Anomalies)
	assert.Empty(t, res.Anomalies.Anomalies)
	assert.Equal(t, 11, res.Anomalies.Checked)
}

func TestExecute_AnomaliesLimited(t *testing.T) {
	t.Parallel()

	r := billsRegistry(t)
	plan := &query.Plan{
		Sources:    []string{"bills"},
		TimePeriod: &query.TimePeriod{Year: 2023},
		Anomalies:  &query.Anomalies{Threshold: 0.1},
		Limit:      2,
	}
	res := execute(t, r, plan)
	a := res.Anomalies
	assert.Equal(t, 10, a.Total)
	require.Len(t, a.Anomalies, 2)
	id, _ := a.Anomalies[0].Context.Get("Building ID")
	assert.Equal(t, "B010", id.Text(), "largest deviation first")
	assert.Negative(t, a.Anomalies[1].ZScore)
	assert.False(t, res.HasWarning(query.WarnTruncated))

	plan.Limit = 0
	res, err := query.NewExecutor(3, nil).Execute(context.Background(), plan, r)
	require.NoError(t, err)
	assert.Len(t, res.Anomalies.Anomalies, 3)
	assert.True(t, res.HasWarning(query.WarnTruncated))
}
