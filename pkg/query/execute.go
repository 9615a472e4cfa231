package query

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"github.com/malbeclabs/sage/pkg/dataset"
)

// Step names a stage of the execution pipeline.
type Step string

const (
	StepSource     Step = "source"
	StepTimeFilter Step = "time_filter"
	StepJoin       Step = "join"
	StepDerive     Step = "derive"
	StepFilter     Step = "filter"
	StepAnomalies  Step = "anomalies"
	StepAggregate  Step = "aggregate"
	StepSort       Step = "sort"
	StepPackage    Step = "package"
)

// DefaultMaxRows caps row-set results.
const DefaultMaxRows = 50

// Source provides datasets and their schema to the executor.
type Source interface {
	Get(name string) (*dataset.Dataset, error)
	Schema() *dataset.Schema
}

// Executor runs validated plans. It holds no per-request state and is safe
// for concurrent use.
type Executor struct {
	MaxRows int
	Logger  *slog.Logger
}

// NewExecutor returns an executor with the given row cap. A non-positive
// cap uses DefaultMaxRows.
func NewExecutor(maxRows int, log *slog.Logger) *Executor {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Executor{MaxRows: maxRows, Logger: log}
}

// Execute runs the plan through source selection, time filter, join,
// row-level derived columns, filter, anomaly scan, group/aggregate, sort and
// packaging, in that order. The plan is
// assumed to have passed Validate; any residual failure is returned as an
// *ExecutionError.
func (e *Executor) Execute(ctx context.Context, plan *Plan, src Source) (res *Result, err error) {
	maxRows := e.MaxRows
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	r := &run{
		plan:    plan,
		src:     src,
		scope:   newScope(plan, src.Schema()),
		maxRows: maxRows,
		result:  &Result{Plan: plan, Warnings: []Warning{}},
	}

	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = &ExecutionError{Step: r.step, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	steps := []struct {
		step Step
		fn   func() error
	}{
		{StepSource, r.loadSources},
		{StepTimeFilter, r.applyTimePeriod},
		{StepJoin, r.applyJoin},
		{StepDerive, r.deriveColumns},
		{StepFilter, r.applyFilters},
		{StepAnomalies, r.detectAnomalies},
		{StepAggregate, r.aggregate},
		{StepSort, r.sort},
		{StepPackage, r.pack},
	}
	for _, s := range steps {
		r.step = s.step
		if err := ctx.Err(); err != nil {
			return nil, &ExecutionError{Step: s.step, Err: err}
		}
		if err := s.fn(); err != nil {
			e.Logger.Error("query: execution failed", "step", s.step, "plan", plan.String(), "error", err)
			return nil, &ExecutionError{Step: s.step, Err: err}
		}
	}

	e.Logger.Debug("query: executed", "kind", r.result.Kind, "rows", len(r.rows), "warnings", len(r.result.Warnings))
	return r.result, nil
}

// run is the state of a single execution.
type run struct {
	plan    *Plan
	src     Source
	scope   *scope
	maxRows int
	step    Step

	tables []sourceTable
	rows   [][]dataset.Value

	keys    []int // resolved group key fields
	metrics []metricState
	derived []Metric // derived metrics over aggregates
	parts   []partition

	anomalies *AnomalyReport

	result *Result
}

type sourceTable struct {
	ds   *dataset.Dataset
	rows [][]dataset.Value
}

type metricState struct {
	spec   Aggregate
	idx    int // -1 counts rows
	metric Metric

	excluded int
	negative bool
}

type partition struct {
	key    []dataset.Value
	rows   []int
	values []dataset.Value
	prov   int // row behind a scalar value, or -1
}

func (r *run) loadSources() error {
	for _, name := range r.plan.sourceOrder() {
		ds, err := r.src.Get(name)
		if err != nil {
			return err
		}
		rows := make([][]dataset.Value, ds.RowCount())
		for i := range rows {
			rows[i] = ds.Row(i)
		}
		r.tables = append(r.tables, sourceTable{ds: ds, rows: rows})
	}
	if len(r.tables) == 0 {
		return fmt.Errorf("plan has no sources")
	}
	return nil
}

func (r *run) applyTimePeriod() error {
	tp := r.plan.TimePeriod
	if tp == nil {
		return nil
	}
	w, err := timeWindow(tp)
	if err != nil {
		return err
	}
	applied := false
	for ti := range r.tables {
		t := &r.tables[ti]
		if tp.Dataset != "" && tp.Dataset != t.ds.Name() {
			continue
		}
		idx := -1
		if tp.Column != "" {
			if c, ok := t.ds.Column(tp.Column); ok && c.Type == dataset.Temporal {
				idx = t.ds.ColumnIndex(tp.Column)
			}
		} else if cols := t.ds.TemporalColumns(); len(cols) > 0 {
			idx = t.ds.ColumnIndex(cols[0])
		}
		if idx < 0 {
			continue
		}
		kept := t.rows[:0:0]
		for _, row := range t.rows {
			d, ok := row[idx].Time()
			if ok && w.contains(d) {
				kept = append(kept, row)
			}
		}
		t.rows = kept
		applied = true
	}
	if !applied {
		return fmt.Errorf("time period matched no temporal column")
	}
	return nil
}

func (r *run) applyJoin() error {
	j := r.plan.Join
	if j == nil {
		r.rows = r.tables[0].rows
		return nil
	}
	if len(r.tables) != 2 {
		return fmt.Errorf("join needs two tables, have %d", len(r.tables))
	}
	left, right := r.tables[0], r.tables[1]
	li := left.ds.ColumnIndex(j.Column)
	ri := right.ds.ColumnIndex(j.Column)
	if li < 0 || ri < 0 {
		return fmt.Errorf("join column %q missing", j.Column)
	}
	leftWidth := len(left.ds.Columns())
	rightWidth := len(right.ds.Columns()) - 1

	index := make(map[string][]int)
	for i, row := range right.rows {
		if k, ok := joinKey(row[ri]); ok {
			index[k] = append(index[k], i)
		}
	}

	rightPart := func(row []dataset.Value) []dataset.Value {
		out := make([]dataset.Value, 0, rightWidth)
		out = append(out, row[:ri]...)
		return append(out, row[ri+1:]...)
	}
	absentRight := make([]dataset.Value, rightWidth)

	matchedRight := make([]bool, len(right.rows))
	var out [][]dataset.Value
	for _, lrow := range left.rows {
		var matches []int
		if k, ok := joinKey(lrow[li]); ok {
			matches = index[k]
		}
		for _, m := range matches {
			matchedRight[m] = true
			row := make([]dataset.Value, 0, leftWidth+rightWidth)
			row = append(row, lrow...)
			out = append(out, append(row, rightPart(right.rows[m])...))
		}
		if len(matches) == 0 && (j.Kind == JoinLeft || j.Kind == JoinOuter) {
			row := make([]dataset.Value, 0, leftWidth+rightWidth)
			row = append(row, lrow...)
			out = append(out, append(row, absentRight...))
		}
	}
	if j.Kind == JoinRight || j.Kind == JoinOuter {
		for i, rrow := range right.rows {
			if matchedRight[i] {
				continue
			}
			row := make([]dataset.Value, leftWidth, leftWidth+rightWidth)
			row[li] = rrow[ri]
			out = append(out, append(row, rightPart(rrow)...))
		}
	}
	r.rows = out
	return nil
}

// joinKey normalizes a join column value so that equal numbers match across
// int and float. Absent keys never match.
func joinKey(v dataset.Value) (string, bool) {
	if v.IsAbsent() {
		return "", false
	}
	if f, ok := v.Float64(); ok {
		return "n:" + dataset.Float(f).Text(), true
	}
	return v.Kind().String() + ":" + v.Text(), true
}

func (r *run) applyFilters() error {
	if len(r.plan.Filters) == 0 {
		return nil
	}
	conds := make([]condition, 0, len(r.plan.Filters))
	for _, f := range r.plan.Filters {
		idx, err := r.scope.resolve(f.Dataset, f.Column)
		if err != nil {
			return err
		}
		c, err := compileFilter(r.scope.fields[idx].col, idx, f)
		if err != nil {
			return err
		}
		conds = append(conds, c)
	}
	kept := r.rows[:0:0]
	for _, row := range r.rows {
		ok := true
		for _, c := range conds {
			if !c.match(row) {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, row)
		}
	}
	r.rows = kept
	return nil
}

func (r *run) aggregate() error {
	if len(r.rows) == 0 {
		r.warn(WarnEmptyResult, NoDataMessage)
	}
	if !r.plan.IsAggregate() {
		return nil
	}

	for _, g := range r.plan.GroupBy {
		idx, err := r.scope.resolveGroupKey(g)
		if err != nil {
			return err
		}
		r.keys = append(r.keys, idx)
	}
	for _, a := range r.plan.Aggregates {
		m := metricState{spec: a, idx: -1, metric: Metric{Name: a.Name(), Function: a.Function, Column: a.Column}}
		if a.Column != "" {
			idx, err := r.scope.resolve(a.Dataset, a.Column)
			if err != nil {
				return err
			}
			m.idx = idx
			m.metric.Unit = r.scope.fields[idx].col.Unit
		}
		if a.Function == FuncCount {
			m.metric.Unit = dataset.UnitCount
		}
		r.metrics = append(r.metrics, m)
	}

	r.partition()

	for pi := range r.parts {
		p := &r.parts[pi]
		p.prov = -1
		for mi := range r.metrics {
			v, prov := r.compute(&r.metrics[mi], p.rows)
			p.values = append(p.values, v)
			if len(r.metrics) == 1 {
				p.prov = prov
			}
		}
	}

	if err := r.deriveMetrics(); err != nil {
		return err
	}

	for _, m := range r.metrics {
		if m.excluded > 0 {
			r.warn(WarnExcludedValues, fmt.Sprintf("%d row(s) with no value for %q were excluded from %s", m.excluded, m.spec.Column, m.metric.Name))
		}
		if m.negative {
			r.warn(WarnNegativeValues, fmt.Sprintf("negative values found in %q (possible credits or adjustments)", m.spec.Column))
		}
	}
	return nil
}

// partition splits rows by group key in first-appearance order. Without a
// group-by there is one partition holding every row.
func (r *run) partition() {
	if len(r.keys) == 0 {
		all := make([]int, len(r.rows))
		for i := range all {
			all[i] = i
		}
		r.parts = []partition{{rows: all}}
		return
	}
	index := make(map[string]int)
	var sb strings.Builder
	for ri, row := range r.rows {
		key := make([]dataset.Value, len(r.keys))
		sb.Reset()
		for ki, fi := range r.keys {
			key[ki] = bucketValue(row[fi], r.plan.GroupBy[ki].Bucket)
			sb.WriteString(key[ki].Kind().String())
			sb.WriteByte(':')
			sb.WriteString(key[ki].Text())
			sb.WriteByte(0x1f)
		}
		k := sb.String()
		pi, ok := index[k]
		if !ok {
			pi = len(r.parts)
			index[k] = pi
			r.parts = append(r.parts, partition{key: key})
		}
		r.parts[pi].rows = append(r.parts[pi].rows, ri)
	}
}

func bucketValue(v dataset.Value, b Bucket) dataset.Value {
	t, ok := v.Time()
	if !ok || b == BucketNone {
		return v
	}
	switch b {
	case BucketYear:
		return dataset.Int(int64(t.Year()))
	case BucketMonth:
		return dataset.String(t.Format("2006-01"))
	}
	return v
}

// compute applies one aggregate to a partition. It returns the value and
// the row that determines it, or -1.
func (r *run) compute(m *metricState, rows []int) (dataset.Value, int) {
	if m.spec.Function == FuncCount {
		if m.idx < 0 {
			prov := -1
			if len(rows) == 1 {
				prov = rows[0]
			}
			return dataset.Int(int64(len(rows))), prov
		}
		n, last := 0, -1
		for _, ri := range rows {
			if !r.rows[ri][m.idx].IsAbsent() {
				n++
				last = ri
			}
		}
		if n != 1 {
			last = -1
		}
		return dataset.Int(int64(n)), last
	}

	var (
		sum        float64
		isum       int64
		allInt     = true
		n          int
		best       dataset.Value
		bestRow    = -1
		contribRow = -1
	)
	for _, ri := range rows {
		v := r.rows[ri][m.idx]
		f, ok := v.Float64()
		if !ok {
			m.excluded++
			continue
		}
		if f < 0 {
			m.negative = true
		}
		n++
		contribRow = ri
		sum += f
		if i, ok := v.Any().(int64); ok {
			isum += i
		} else {
			allInt = false
		}
		switch m.spec.Function {
		case FuncMax:
			if bestRow < 0 || dataset.Compare(v, best) > 0 {
				best, bestRow = v, ri
			}
		case FuncMin:
			if bestRow < 0 || dataset.Compare(v, best) < 0 {
				best, bestRow = v, ri
			}
		}
	}
	if n == 0 {
		return dataset.Absent, -1
	}
	single := -1
	if n == 1 {
		single = contribRow
	}
	switch m.spec.Function {
	case FuncSum:
		if allInt && math.Abs(sum) < 1<<53 {
			return dataset.Int(isum), single
		}
		return dataset.Float(sum), single
	case FuncAverage:
		return dataset.Float(sum / float64(n)), single
	case FuncMin, FuncMax:
		return best, bestRow
	}
	return dataset.Absent, -1
}

func (r *run) sort() error {
	if r.plan.Anomalies != nil {
		return nil
	}
	keys := r.plan.Sort
	if r.plan.IsAggregate() {
		if len(keys) == 0 {
			if len(r.keys) > 0 {
				slices.SortStableFunc(r.parts, func(a, b partition) int {
					return compareKeys(a.key, b.key)
				})
			}
		} else {
			cols, err := r.groupSortColumns()
			if err != nil {
				return err
			}
			slices.SortStableFunc(r.parts, func(a, b partition) int {
				for i, k := range keys {
					if c := orderValues(partitionValue(a, cols[i]), partitionValue(b, cols[i]), k.Direction); c != 0 {
						return c
					}
				}
				return 0
			})
		}
		if r.plan.Limit > 0 && len(r.parts) > r.plan.Limit {
			r.parts = r.parts[:r.plan.Limit]
		}
		return nil
	}

	if len(keys) > 0 {
		idx := make([]int, len(keys))
		for i, k := range keys {
			fi, err := r.scope.resolve(k.Dataset, k.Column)
			if err != nil {
				return err
			}
			idx[i] = fi
		}
		slices.SortStableFunc(r.rows, func(a, b []dataset.Value) int {
			for i, k := range keys {
				if c := orderValues(a[idx[i]], b[idx[i]], k.Direction); c != 0 {
					return c
				}
			}
			return 0
		})
	}
	if r.plan.Limit > 0 && len(r.rows) > r.plan.Limit {
		r.rows = r.rows[:r.plan.Limit]
	}
	return nil
}

// groupSortColumns maps each sort key to a position in key++values.
func (r *run) groupSortColumns() ([]int, error) {
	out := make([]int, len(r.plan.Sort))
	for i, k := range r.plan.Sort {
		pos := -1
		for gi, g := range r.plan.GroupBy {
			if k.Column == r.scope.groupKeyName(g, r.keys[gi]) || (g.Column != "" && k.Column == g.Column) {
				pos = gi
				break
			}
		}
		if pos < 0 {
			for mi, m := range r.outputMetrics() {
				if k.Column == m.Name {
					pos = len(r.keys) + mi
					break
				}
			}
		}
		if pos < 0 {
			return nil, fmt.Errorf("sort column %q is not an output column", k.Column)
		}
		out[i] = pos
	}
	return out, nil
}

func partitionValue(p partition, pos int) dataset.Value {
	if pos < len(p.key) {
		return p.key[pos]
	}
	return p.values[pos-len(p.key)]
}

// orderValues compares for sorting. Absent values sort last in either
// direction.
func orderValues(a, b dataset.Value, dir Direction) int {
	switch {
	case a.IsAbsent() && b.IsAbsent():
		return 0
	case a.IsAbsent():
		return 1
	case b.IsAbsent():
		return -1
	}
	c := dataset.Compare(a, b)
	if dir == Desc {
		return -c
	}
	return c
}

func compareKeys(a, b []dataset.Value) int {
	for i := range a {
		if c := dataset.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return 0
}

func (r *run) pack() error {
	all := make([]int, len(r.scope.fields))
	for i := range all {
		all[i] = i
	}

	switch {
	case r.plan.Anomalies != nil:
		r.result.Kind = KindAnomalies
		r.result.Anomalies = r.anomalies

	case r.plan.IsAggregate() && len(r.keys) == 0 && len(r.metrics) == 1 && len(r.derived) == 0:
		p := r.parts[0]
		s := &Scalar{Metric: r.metrics[0].metric, Value: p.values[0], Rows: len(p.rows)}
		if p.prov >= 0 {
			s.Provenance = &dataset.Record{Columns: r.scope.columns(all), Values: slices.Clone(r.rows[p.prov])}
		}
		r.result.Kind = KindScalar
		r.result.Scalar = s

	case r.plan.IsAggregate():
		g := &Groups{Keys: []string{}, Metrics: r.outputMetrics(), Groups: make([]Group, 0, len(r.parts)), Ordered: len(r.plan.Sort) > 0}
		for gi, key := range r.plan.GroupBy {
			g.Keys = append(g.Keys, r.scope.groupKeyName(key, r.keys[gi]))
			g.Buckets = append(g.Buckets, key.Bucket)
		}
		for _, p := range r.parts {
			if len(r.keys) > 0 && len(p.rows) == 0 {
				continue
			}
			key := p.key
			if key == nil {
				key = []dataset.Value{}
			}
			g.Groups = append(g.Groups, Group{Key: key, Values: p.values, Rows: len(p.rows)})
		}
		r.result.Kind = KindGroups
		r.result.Groups = g

	default:
		proj := all
		if len(r.plan.Columns) > 0 {
			proj = make([]int, len(r.plan.Columns))
			for i, c := range r.plan.Columns {
				idx, err := r.scope.resolve("", c)
				if err != nil {
					return err
				}
				proj[i] = idx
			}
		}
		total := len(r.rows)
		n := min(total, r.maxRows)
		out := make([][]dataset.Value, n)
		for i := 0; i < n; i++ {
			row := make([]dataset.Value, len(proj))
			for j, fi := range proj {
				row[j] = r.rows[i][fi]
			}
			out[i] = row
		}
		if total > n {
			r.warn(WarnTruncated, fmt.Sprintf("truncated: showing the first %d of %d rows", n, total))
		}
		r.result.Kind = KindRows
		r.result.Rows = &Rows{Columns: r.scope.columns(proj), Rows: out, Total: total}
	}
	return nil
}

func (r *run) warn(code WarningCode, msg string) {
	r.result.Warnings = append(r.result.Warnings, Warning{Code: code, Message: msg})
}
