package query

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/malbeclabs/sage/pkg/dataset"
)

// detectAnomalies scans the filtered rows for values whose z-score, using
// the sample standard deviation of their column, exceeds the threshold.
func (r *run) detectAnomalies() error {
	an := r.plan.Anomalies
	if an == nil {
		return nil
	}

	cols := r.scope.currencyFields()
	if len(an.Columns) > 0 {
		cols = cols[:0]
		for _, c := range an.Columns {
			idx, err := r.scope.resolve("", c)
			if err != nil {
				return err
			}
			cols = append(cols, idx)
		}
	}
	if len(cols) == 0 {
		return fmt.Errorf("no columns to check for anomalies")
	}

	ctxFields := r.scope.contextFields()
	if len(r.plan.Columns) > 0 {
		ctxFields = ctxFields[:0]
		for _, c := range r.plan.Columns {
			idx, err := r.scope.resolve("", c)
			if err != nil {
				return err
			}
			ctxFields = append(ctxFields, idx)
		}
	}
	ctxColumns := r.scope.columns(ctxFields)

	report := &AnomalyReport{Threshold: an.Limit(), Checked: len(r.rows), Anomalies: []Anomaly{}}
	for _, ci := range cols {
		col := r.scope.fields[ci].col
		name := r.scope.displayName(ci)
		report.Columns = append(report.Columns, name)

		mean, std, ok := columnStats(r.rows, ci)
		if !ok {
			continue
		}
		for _, row := range r.rows {
			f, ok := row[ci].Float64()
			if !ok {
				continue
			}
			z := (f - mean) / std
			if math.Abs(z) <= report.Threshold {
				continue
			}
			values := make([]dataset.Value, len(ctxFields))
			for i, fi := range ctxFields {
				values[i] = row[fi]
			}
			report.Anomalies = append(report.Anomalies, Anomaly{
				Column:  name,
				Unit:    col.Unit,
				Value:   row[ci],
				Mean:    mean,
				ZScore:  z,
				Context: dataset.Record{Columns: ctxColumns, Values: values},
			})
		}
	}

	slices.SortStableFunc(report.Anomalies, func(a, b Anomaly) int {
		return cmp.Compare(math.Abs(b.ZScore), math.Abs(a.ZScore))
	})
	report.Total = len(report.Anomalies)

	limit := r.maxRows
	if r.plan.Limit > 0 && r.plan.Limit < limit {
		limit = r.plan.Limit
	}
	if report.Total > limit {
		if limit == r.maxRows {
			r.warn(WarnTruncated, fmt.Sprintf("truncated: showing the first %d of %d anomalies", limit, report.Total))
		}
		report.Anomalies = report.Anomalies[:limit]
	}
	r.anomalies = report
	return nil
}

// columnStats returns the mean and sample standard deviation of the numeric
// values in column idx. ok is false when fewer than two values exist or
// they are all equal.
func columnStats(rows [][]dataset.Value, idx int) (mean, std float64, ok bool) {
	var sum float64
	n := 0
	for _, row := range rows {
		if f, ok := row[idx].Float64(); ok {
			sum += f
			n++
		}
	}
	if n < 2 {
		return 0, 0, false
	}
	mean = sum / float64(n)
	var ss float64
	for _, row := range rows {
		if f, ok := row[idx].Float64(); ok {
			ss += (f - mean) * (f - mean)
		}
	}
	std = math.Sqrt(ss / float64(n-1))
	if std == 0 {
		return 0, 0, false
	}
	return mean, std, true
}
