package query

import (
	"fmt"
	"slices"

	"github.com/malbeclabs/sage/pkg/dataset"
)

// deriveColumns appends row-level derived columns to every row. Aggregated
// plans derive from their metrics instead, in deriveMetrics.
func (r *run) deriveColumns() error {
	if r.plan.IsAggregate() || len(r.plan.Derived) == 0 {
		return nil
	}

	type operands struct{ left, right int }
	ops := make([]operands, len(r.plan.Derived))
	for i, d := range r.plan.Derived {
		l, err := r.scope.resolve("", d.Left)
		if err != nil {
			return err
		}
		rt, err := r.scope.resolve("", d.Right)
		if err != nil {
			return err
		}
		if self := r.scope.base + i; l >= self || rt >= self {
			return fmt.Errorf("derived %q uses a later column", d.OutputName())
		}
		ops[i] = operands{left: l, right: rt}
	}

	undefined := make([]int, len(ops))
	for ri, row := range r.rows {
		out := make([]dataset.Value, len(row), len(row)+len(ops))
		copy(out, row)
		for i, op := range ops {
			v := combine(r.plan.Derived[i].Kind, out[op.left], out[op.right])
			if v.IsAbsent() {
				undefined[i]++
			}
			out = append(out, v)
		}
		r.rows[ri] = out
	}
	for i, n := range undefined {
		if n > 0 {
			r.warnUndefined(r.plan.Derived[i].OutputName(), n, "row(s)")
		}
	}
	return nil
}

// deriveMetrics computes derived values over each partition's aggregates.
func (r *run) deriveMetrics() error {
	if len(r.plan.Derived) == 0 {
		return nil
	}
	outputs := make([]Metric, 0, len(r.metrics)+len(r.plan.Derived))
	for _, m := range r.metrics {
		outputs = append(outputs, m.metric)
	}
	index := func(name string) int {
		return slices.IndexFunc(outputs, func(m Metric) bool { return m.Name == name })
	}

	for _, d := range r.plan.Derived {
		l, rt := index(d.Left), index(d.Right)
		if l < 0 || rt < 0 {
			return fmt.Errorf("derived %q refers to an unknown aggregate", d.OutputName())
		}
		m := Metric{Name: d.OutputName(), Derived: d.Kind, Unit: derivedMetricUnit(d.Kind, outputs[l].Unit)}
		undefined := 0
		for pi := range r.parts {
			p := &r.parts[pi]
			v := combine(d.Kind, p.values[l], p.values[rt])
			if v.IsAbsent() {
				undefined++
			}
			p.values = append(p.values, v)
		}
		if undefined > 0 && len(r.rows) > 0 {
			r.warnUndefined(m.Name, undefined, "group(s)")
		}
		outputs = append(outputs, m)
		r.derived = append(r.derived, m)
	}
	return nil
}

// outputMetrics lists the aggregates followed by the derived metrics, in
// the order of each partition's values.
func (r *run) outputMetrics() []Metric {
	out := make([]Metric, 0, len(r.metrics)+len(r.derived))
	for _, m := range r.metrics {
		out = append(out, m.metric)
	}
	return append(out, r.derived...)
}

func (r *run) warnUndefined(name string, n int, what string) {
	r.warn(WarnUndefined, fmt.Sprintf("%q has no value for %d %s (missing operand or division by zero)", name, n, what))
}

func derivedMetricUnit(kind DerivedKind, left dataset.Unit) dataset.Unit {
	switch kind {
	case DerivedPercentage:
		return dataset.UnitPercent
	case DerivedDifference:
		if left == dataset.UnitCount {
			return dataset.UnitNone
		}
		return left
	}
	return dataset.UnitNone
}

// combine applies a derived kind to two values. The result is absent when
// either operand is not a number or a divisor is zero. Differences of
// integers stay integers.
func combine(kind DerivedKind, a, b dataset.Value) dataset.Value {
	x, ok := a.Float64()
	if !ok {
		return dataset.Absent
	}
	y, ok := b.Float64()
	if !ok {
		return dataset.Absent
	}
	switch kind {
	case DerivedDifference:
		ai, aok := a.Any().(int64)
		bi, bok := b.Any().(int64)
		if aok && bok {
			return dataset.Int(ai - bi)
		}
		return dataset.Float(x - y)
	case DerivedRatio:
		if y == 0 {
			return dataset.Absent
		}
		return dataset.Float(x / y)
	case DerivedPercentage:
		if y == 0 {
			return dataset.Absent
		}
		return dataset.Float(x / y * 100)
	}
	return dataset.Absent
}
