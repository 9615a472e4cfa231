package query

import (
	"errors"
	"fmt"
	"slices"

	"github.com/malbeclabs/sage/pkg/dataset"
)

// Validate checks a plan against the registry schema before execution.
// It runs every check and returns a *ValidationError listing all failures
// in check order, or nil if the plan is executable.
func Validate(plan *Plan, schema *dataset.Schema) error {
	if plan == nil {
		return &ValidationError{Reasons: []string{"plan is empty"}}
	}
	v := &validator{plan: plan, schema: schema, scope: newScope(plan, schema)}

	v.checkDatasets()
	v.checkColumns()
	v.checkAggregates()
	v.checkDerived()
	v.checkContains()
	v.checkJoin()
	v.checkTimePeriod()
	v.checkAnomalies()
	v.checkShape()

	if len(v.reasons) > 0 {
		return &ValidationError{Reasons: v.reasons}
	}
	return nil
}

type validator struct {
	plan    *Plan
	schema  *dataset.Schema
	scope   *scope
	reasons []string

	// sourcesOK is false when a source dataset is missing, in which case
	// unqualified column references cannot be checked meaningfully.
	sourcesOK bool
}

func (v *validator) fail(format string, args ...any) {
	v.reasons = append(v.reasons, fmt.Sprintf(format, args...))
}

func (v *validator) isSource(ds string) bool {
	return slices.Contains(v.plan.sourceOrder(), ds) || slices.Contains(v.plan.Sources, ds)
}

// checkDatasets verifies every referenced dataset exists.
func (v *validator) checkDatasets() {
	p := v.plan
	v.sourcesOK = true
	if len(p.Sources) == 0 && p.Join == nil {
		v.fail("plan names no source dataset")
		v.sourcesOK = false
	}
	seen := make(map[string]bool)
	check := func(ds, where string) {
		if ds == "" || seen[ds] {
			return
		}
		seen[ds] = true
		if _, ok := v.schema.Dataset(ds); !ok {
			v.fail("unknown dataset %q in %s (available: %v)", ds, where, v.schema.Names())
			v.sourcesOK = false
		}
	}
	for _, ds := range p.Sources {
		check(ds, "sources")
	}
	if p.Join != nil {
		check(p.Join.Left, "join")
		check(p.Join.Right, "join")
	}
	qualifier := func(ds, where string) {
		if ds == "" {
			return
		}
		check(ds, where)
		if _, ok := v.schema.Dataset(ds); ok && !v.isSource(ds) {
			v.fail("dataset %q in %s is not a source of this plan", ds, where)
		}
	}
	for _, f := range p.Filters {
		qualifier(f.Dataset, "filters")
	}
	for _, g := range p.GroupBy {
		qualifier(g.Dataset, "group_by")
	}
	for _, a := range p.Aggregates {
		qualifier(a.Dataset, "aggregates")
	}
	for _, s := range p.Sort {
		qualifier(s.Dataset, "sort")
	}
	if p.TimePeriod != nil {
		qualifier(p.TimePeriod.Dataset, "time_period")
	}
}

// lookup resolves a column reference, recording a reason on failure. It
// returns -1 when the reference cannot be checked or does not resolve.
func (v *validator) lookup(ds, column, where string) int {
	if ds != "" {
		if _, ok := v.schema.Dataset(ds); !ok || !v.isSource(ds) {
			return -1
		}
	} else if !v.sourcesOK {
		return -1
	}
	idx, err := v.scope.resolve(ds, column)
	if err != nil {
		reason := fmt.Sprintf("%s: %v", where, err)
		if errors.Is(err, errUnknownColumn) {
			if s := v.scope.suggest(column); s != "" {
				reason += fmt.Sprintf(" (did you mean %q?)", s)
			}
		}
		v.reasons = append(v.reasons, reason)
		return -1
	}
	return idx
}

// checkColumns verifies every referenced column exists in its dataset.
func (v *validator) checkColumns() {
	p := v.plan
	for _, f := range p.Filters {
		if f.Column == "" {
			v.fail("filters: filter has no column")
			continue
		}
		v.lookup(f.Dataset, f.Column, "filters")
	}
	for _, g := range p.GroupBy {
		v.checkGroupKey(g, "group_by")
	}
	for _, a := range p.Aggregates {
		if a.Column != "" {
			v.lookup(a.Dataset, a.Column, "aggregates")
		}
		for _, g := range a.GroupBy {
			v.checkGroupKey(g, "aggregates.group_by")
		}
	}
	if !p.IsAggregate() {
		for _, c := range p.Columns {
			v.lookup("", c, "columns")
		}
	}
	v.checkSort()
}

func (v *validator) checkGroupKey(g GroupKey, where string) {
	switch g.Bucket {
	case BucketNone, BucketYear, BucketMonth:
	default:
		v.fail("%s: unknown bucket %q (use year or month)", where, g.Bucket)
		return
	}
	if g.Column == "" && g.Bucket == BucketNone {
		v.fail("%s: group key has no column", where)
		return
	}
	if g.Column == "" {
		if !v.sourcesOK {
			return
		}
		if _, err := v.scope.resolveTemporal(g.Dataset); err != nil {
			v.fail("%s: %s bucket: %v", where, g.Bucket, err)
		}
		return
	}
	idx := v.lookup(g.Dataset, g.Column, where)
	if idx >= 0 && g.Bucket != BucketNone && v.scope.fields[idx].col.Type != dataset.Temporal {
		v.fail("%s: %s bucket requires a temporal column, %q is %s", where, g.Bucket, g.Column, v.scope.fields[idx].col.Type)
	}
}

func (v *validator) checkSort() {
	p := v.plan
	if len(p.Sort) == 0 {
		return
	}
	if !p.IsAggregate() {
		for _, s := range p.Sort {
			v.lookup(s.Dataset, s.Column, "sort")
		}
	} else if v.sourcesOK {
		outputs := v.outputNames()
		for _, s := range p.Sort {
			if !slices.Contains(outputs, s.Column) {
				v.fail("sort: %q is not an output column (available: %q)", s.Column, outputs)
			}
		}
	}
	for _, s := range p.Sort {
		switch s.Direction {
		case "", Asc, Desc:
		default:
			v.fail("sort: unknown direction %q on %q", s.Direction, s.Column)
		}
	}
}

// outputNames lists the names an aggregated result exposes for sorting.
func (v *validator) outputNames() []string {
	var out []string
	for _, g := range v.plan.GroupBy {
		idx, err := v.scope.resolveGroupKey(g)
		if err != nil {
			continue
		}
		out = append(out, v.scope.groupKeyName(g, idx))
		if g.Column != "" && g.Column != out[len(out)-1] {
			out = append(out, g.Column)
		}
	}
	for _, a := range v.plan.Aggregates {
		out = append(out, a.Name())
	}
	for _, d := range v.plan.Derived {
		out = append(out, d.OutputName())
	}
	return out
}

// checkAggregates verifies functions that need numbers get numeric columns.
func (v *validator) checkAggregates() {
	for _, a := range v.plan.Aggregates {
		if !a.Function.valid() {
			v.fail("aggregates: unknown function %q (use sum, average, count, min or max)", a.Function)
			continue
		}
		if !a.Function.NeedsNumeric() {
			continue
		}
		if a.Column == "" {
			v.fail("aggregates: %s requires a column", a.Function)
			continue
		}
		if !v.sourcesOK && a.Dataset == "" {
			continue
		}
		idx, err := v.scope.resolve(a.Dataset, a.Column)
		if err != nil {
			continue
		}
		if col := v.scope.fields[idx].col; col.Type != dataset.Numeric {
			v.fail("aggregates: %s requires a numeric column, %q is %s", a.Function, a.Column, col.Type)
		}
	}
}

// checkDerived verifies derived operands. In row-set plans they are numeric
// columns defined before the derived value; in aggregated plans they are
// aggregate outputs or earlier derived metrics.
func (v *validator) checkDerived() {
	p := v.plan
	var outputs []string
	for _, a := range p.Aggregates {
		outputs = append(outputs, a.Name())
	}
	for i, d := range p.Derived {
		name := d.OutputName()
		if !d.Kind.valid() {
			v.fail("derived: unknown kind %q (use ratio, difference or percentage)", d.Kind)
			continue
		}
		if d.Left == "" || d.Right == "" {
			v.fail("derived: %s needs both a left and a right operand", name)
			continue
		}
		if p.IsAggregate() {
			for _, op := range []string{d.Left, d.Right} {
				if !slices.Contains(outputs, op) {
					v.fail("derived: %s operand %q is not an aggregate output (available: %q)", name, op, outputs)
				}
			}
			if slices.Contains(outputs, name) {
				v.fail("derived: duplicate output name %q", name)
			}
			outputs = append(outputs, name)
			continue
		}
		if !v.sourcesOK {
			continue
		}
		if v.scope.names[name] > 1 {
			v.fail("derived: name %q is already used by a column", name)
			continue
		}
		self := v.scope.base + i
		for _, op := range []string{d.Left, d.Right} {
			idx := v.lookup("", op, "derived")
			if idx < 0 {
				continue
			}
			if idx >= self {
				v.fail("derived: %s uses %q before it is defined", name, op)
				continue
			}
			if col := v.scope.fields[idx].col; col.Type != dataset.Numeric {
				v.fail("derived: %s requires numeric operands, %q is %s", name, op, col.Type)
			}
		}
	}
}

// checkContains verifies contains filters target categorical columns, and
// that every other filter's operand fits its column.
func (v *validator) checkContains() {
	for _, f := range v.plan.Filters {
		if f.Column == "" || (!v.sourcesOK && f.Dataset == "") {
			continue
		}
		idx, err := v.scope.resolve(f.Dataset, f.Column)
		if err != nil {
			continue
		}
		if _, err := compileFilter(v.scope.fields[idx].col, idx, f); err != nil {
			v.fail("filters: %v", err)
		}
	}
}

// checkJoin verifies the join column is shared by both datasets.
func (v *validator) checkJoin() {
	p := v.plan
	j := p.Join
	if j == nil {
		if len(p.Sources) > 1 {
			v.fail("join: plan names %d sources but no join", len(p.Sources))
		}
		return
	}
	if !j.Kind.valid() {
		v.fail("join: unknown kind %q (use inner, left, right or outer)", j.Kind)
	}
	if j.Left == "" || j.Right == "" {
		v.fail("join: both left and right datasets are required")
		return
	}
	if j.Left == j.Right {
		v.fail("join: cannot join %q with itself", j.Left)
		return
	}
	for _, ds := range p.Sources {
		if ds != j.Left && ds != j.Right {
			v.fail("join: source %q is not part of the join", ds)
		}
	}
	if j.Column == "" {
		v.fail("join: join column is required")
		return
	}
	left, lok := v.schema.Dataset(j.Left)
	right, rok := v.schema.Dataset(j.Right)
	if !lok || !rok {
		return
	}
	_, inLeft := left.Column(j.Column)
	_, inRight := right.Column(j.Column)
	if !inLeft {
		v.fail("join: column %q is not in dataset %q", j.Column, j.Left)
	}
	if !inRight {
		v.fail("join: column %q is not in dataset %q", j.Column, j.Right)
	}
	if inLeft && inRight && !slices.Contains(v.schema.SharedColumns(j.Left, j.Right), j.Column) {
		v.fail("join: %q and %q do not share column %q", j.Left, j.Right, j.Column)
	}
}

// checkTimePeriod verifies the time constraint targets a temporal column.
func (v *validator) checkTimePeriod() {
	tp := v.plan.TimePeriod
	if tp == nil {
		return
	}
	if _, err := timeWindow(tp); err != nil {
		v.fail("time_period: %v", err)
	}

	var targets []string
	if tp.Dataset != "" {
		if _, ok := v.schema.Dataset(tp.Dataset); !ok || !v.isSource(tp.Dataset) {
			return
		}
		targets = []string{tp.Dataset}
	} else {
		for _, ds := range v.plan.sourceOrder() {
			if _, ok := v.schema.Dataset(ds); ok {
				targets = append(targets, ds)
			}
		}
	}

	matched := false
	for _, name := range targets {
		ds, _ := v.schema.Dataset(name)
		if tp.Column != "" {
			col, ok := ds.Column(tp.Column)
			if !ok {
				continue
			}
			if col.Type != dataset.Temporal {
				v.fail("time_period: column %q in dataset %q is %s, not temporal", tp.Column, name, col.Type)
				return
			}
			matched = true
			continue
		}
		if ds.HasTemporal() {
			matched = true
		}
	}
	if matched || len(targets) == 0 {
		return
	}
	if tp.Column != "" {
		v.fail("time_period: column %q is not in dataset(s) %q", tp.Column, targets)
		return
	}
	v.fail("time_period: dataset(s) %q have no temporal column", targets)
}

// checkAnomalies verifies the anomaly scan has numeric columns to check and
// is not mixed with aggregation or sorting.
func (v *validator) checkAnomalies() {
	an := v.plan.Anomalies
	if an == nil {
		return
	}
	if v.plan.IsAggregate() {
		v.fail("anomalies cannot be combined with aggregates")
	}
	if len(v.plan.Sort) > 0 {
		v.fail("anomalies are ordered by deviation, sort is not supported")
	}
	if an.Threshold < 0 {
		v.fail("anomalies: threshold must not be negative")
	}
	if !v.sourcesOK {
		return
	}
	if len(an.Columns) == 0 {
		if len(v.scope.currencyFields()) == 0 {
			v.fail("anomalies: no currency columns to check, list the columns")
		}
		return
	}
	for _, c := range an.Columns {
		idx := v.lookup("", c, "anomalies")
		if idx < 0 {
			continue
		}
		if col := v.scope.fields[idx].col; col.Type != dataset.Numeric {
			v.fail("anomalies: %q is %s, not numeric", c, col.Type)
		}
	}
}

// checkShape covers structural constraints between plan fields.
func (v *validator) checkShape() {
	p := v.plan
	if p.Limit < 0 {
		v.fail("limit must not be negative")
	}
	if len(p.GroupBy) > 0 && !p.IsAggregate() {
		v.fail("group_by requires at least one aggregate")
	}
	for _, a := range p.Aggregates {
		if len(a.GroupBy) > 0 && !groupKeysEqual(a.GroupBy, p.GroupBy) {
			v.fail("aggregates: %s has a group_by that differs from the plan's group_by", a.Name())
		}
	}
	names := make(map[string]bool)
	for _, a := range p.Aggregates {
		if names[a.Name()] {
			v.fail("aggregates: duplicate output name %q, set an alias", a.Name())
		}
		names[a.Name()] = true
	}
}
