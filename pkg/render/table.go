package render

import (
	"github.com/malbeclabs/sage/pkg/dataset"
	"github.com/malbeclabs/sage/pkg/query"
)

// Table lays a result out as a header and formatted cells, in the same
// order the summary uses. Row sets are capped at maxRows.
func Table(res *query.Result, maxRows int) ([]string, [][]string) {
	if maxRows <= 0 {
		maxRows = query.DefaultMaxRows
	}
	switch res.Kind {
	case query.KindScalar:
		sc := res.Scalar
		return []string{label(sc.Metric)}, [][]string{{Value(sc.Value, sc.Metric.Unit)}}
	case query.KindGroups:
		g := res.Groups
		header := make([]string, 0, len(g.Keys)+len(g.Metrics))
		header = append(header, g.Keys...)
		for _, m := range g.Metrics {
			header = append(header, label(m))
		}
		cells := [][]string{}
		for _, grp := range sortedGroups(g) {
			row := make([]string, 0, len(header))
			for _, k := range grp.Key {
				row = append(row, keyText([]dataset.Value{k}))
			}
			for i, m := range g.Metrics {
				row = append(row, Value(grp.Values[i], m.Unit))
			}
			cells = append(cells, row)
		}
		return header, cells
	case query.KindRows:
		rs := res.Rows
		header := make([]string, len(rs.Columns))
		for i, c := range rs.Columns {
			header[i] = c.Name
		}
		cells := [][]string{}
		for _, r := range rs.Rows[:min(len(rs.Rows), maxRows)] {
			row := make([]string, len(rs.Columns))
			for i, c := range rs.Columns {
				row[i] = Value(r[i], c.Unit)
			}
			cells = append(cells, row)
		}
		return header, cells
	case query.KindAnomalies:
		a := res.Anomalies
		header := []string{}
		if a == nil {
			return append(header, "Column", "Value", "Mean", "Z-Score"), [][]string{}
		}
		if len(a.Anomalies) > 0 {
			for _, c := range a.Anomalies[0].Context.Columns {
				header = append(header, c.Name)
			}
		}
		header = append(header, "Column", "Value", "Mean", "Z-Score")
		cells := [][]string{}
		for _, an := range a.Anomalies {
			row := make([]string, 0, len(header))
			for i, c := range an.Context.Columns {
				row = append(row, Value(an.Context.Values[i], c.Unit))
			}
			row = append(row, an.Column, Value(an.Value, an.Unit), Value(dataset.Float(an.Mean), an.Unit), Number(an.ZScore))
			cells = append(cells, row)
		}
		return header, cells
	}
	return nil, nil
}
