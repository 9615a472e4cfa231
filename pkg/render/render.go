// Package render turns query results into deterministic text summaries.
// It performs no I/O and never consults the dataset registry.
package render

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/malbeclabs/sage/pkg/dataset"
	"github.com/malbeclabs/sage/pkg/query"
)

// Summary is the language-model-free digest of a result.
type Summary struct {
	HeadlineFact    string   `json:"headline_fact"`
	SupportingFacts []string `json:"supporting_facts"`
	Warnings        []string `json:"warnings"`
}

// Text concatenates the summary into plain text. It is the answer used
// verbatim when phrasing is unavailable.
func (s Summary) Text() string {
	var b strings.Builder
	b.WriteString(s.HeadlineFact)
	for _, f := range s.SupportingFacts {
		b.WriteString("\n- ")
		b.WriteString(f)
	}
	for _, w := range s.Warnings {
		if strings.EqualFold(strings.TrimSuffix(w, "."), strings.TrimSuffix(s.HeadlineFact, ".")) {
			continue
		}
		b.WriteString("\nNote: ")
		b.WriteString(w)
	}
	return b.String()
}

// Render summarizes a result. maxRows caps row-set lines and should match
// the executor's cap; non-positive uses query.DefaultMaxRows.
func Render(res *query.Result, maxRows int) Summary {
	if maxRows <= 0 {
		maxRows = query.DefaultMaxRows
	}
	s := Summary{SupportingFacts: []string{}, Warnings: []string{}}
	for _, w := range res.Warnings {
		s.Warnings = append(s.Warnings, w.Message)
	}

	switch res.Kind {
	case query.KindScalar:
		renderScalar(&s, res)
	case query.KindGroups:
		renderGroups(&s, res)
	case query.KindRows:
		renderRows(&s, res, maxRows)
	case query.KindAnomalies:
		renderAnomalies(&s, res)
	default:
		s.HeadlineFact = noData()
	}
	s.SupportingFacts = append(s.SupportingFacts, criteria(res.Plan)...)
	return s
}

func noData() string {
	return "No data found for the specified criteria."
}

func renderScalar(s *Summary, res *query.Result) {
	sc := res.Scalar
	if res.Empty() || sc.Value.IsAbsent() {
		s.HeadlineFact = noData()
		return
	}
	head := fmt.Sprintf("%s%s is %s", label(sc.Metric), period(res.Plan), Value(sc.Value, sc.Metric.Unit))
	if sc.Provenance != nil {
		if ids := identifiers(*sc.Provenance); ids != "" {
			head += " (" + ids + ")"
		}
		for i, c := range sc.Provenance.Columns {
			s.SupportingFacts = append(s.SupportingFacts, fmt.Sprintf("%s: %s", c.Name, Value(sc.Provenance.Values[i], c.Unit)))
		}
	}
	s.HeadlineFact = head + "."
	s.SupportingFacts = append(s.SupportingFacts, fmt.Sprintf("Based on %s matching row(s)", Count(int64(sc.Rows))))
}

func renderGroups(s *Summary, res *query.Result) {
	g := res.Groups
	if len(g.Groups) == 0 {
		s.HeadlineFact = noData()
		return
	}

	if len(g.Keys) == 0 {
		parts := make([]string, len(g.Metrics))
		for i, m := range g.Metrics {
			parts[i] = fmt.Sprintf("%s is %s", label(m), Value(g.Groups[0].Values[i], m.Unit))
		}
		s.HeadlineFact = strings.Join(parts, "; ") + period(res.Plan) + "."
		return
	}

	groups := sortedGroups(g)

	labels := make([]string, len(g.Metrics))
	for i, m := range g.Metrics {
		labels[i] = label(m)
	}
	head := fmt.Sprintf("%s by %s%s across %s group(s)", strings.Join(labels, ", "), strings.Join(g.Keys, ", "), period(res.Plan), Count(int64(len(groups))))
	if len(g.Metrics) == 1 {
		top := groups[0]
		word := "first"
		if !g.Ordered {
			top, word = highest(groups), "highest"
		}
		if !top.Values[0].IsAbsent() {
			head += fmt.Sprintf("; %s is %s at %s", word, keyText(top.Key), Value(top.Values[0], g.Metrics[0].Unit))
		}
	}
	s.HeadlineFact = head + "."

	for _, grp := range groups {
		vals := make([]string, len(g.Metrics))
		for i, m := range g.Metrics {
			vals[i] = fmt.Sprintf("%s %s", labels[i], Value(grp.Values[i], m.Unit))
		}
		s.SupportingFacts = append(s.SupportingFacts, fmt.Sprintf("%s: %s", keyText(grp.Key), strings.Join(vals, "; ")))
	}

	if t := trend(g, groups); t != "" {
		s.SupportingFacts = append(s.SupportingFacts, t)
	}
}

func renderRows(s *Summary, res *query.Result, maxRows int) {
	rs := res.Rows
	if len(rs.Rows) == 0 {
		s.HeadlineFact = noData()
		return
	}
	head := fmt.Sprintf("Found %s matching row(s)%s", Count(int64(rs.Total)), period(res.Plan))
	shown := min(len(rs.Rows), maxRows)
	if shown < rs.Total {
		head += fmt.Sprintf(", showing the first %s", Count(int64(shown)))
	}
	s.HeadlineFact = head + "."
	for _, row := range rs.Rows[:shown] {
		cells := make([]string, len(rs.Columns))
		for i, c := range rs.Columns {
			cells[i] = fmt.Sprintf("%s: %s", c.Name, Value(row[i], c.Unit))
		}
		s.SupportingFacts = append(s.SupportingFacts, strings.Join(cells, ", "))
	}
}

func renderAnomalies(s *Summary, res *query.Result) {
	a := res.Anomalies
	if res.Empty() || a == nil {
		s.HeadlineFact = noData()
		return
	}
	cols := strings.Join(a.Columns, ", ")
	if a.Total == 0 {
		s.HeadlineFact = fmt.Sprintf("No unusual values in %s%s: none is more than %s standard deviations from the mean across %s row(s).",
			cols, period(res.Plan), Number(a.Threshold), Count(int64(a.Checked)))
		return
	}
	head := fmt.Sprintf("Found %s unusual value(s) in %s%s, more than %s standard deviations from the mean across %s row(s)",
		Count(int64(a.Total)), cols, period(res.Plan), Number(a.Threshold), Count(int64(a.Checked)))
	if len(a.Anomalies) < a.Total {
		head += fmt.Sprintf(", showing the %s largest", Count(int64(len(a.Anomalies))))
	}
	s.HeadlineFact = head + "."

	for _, an := range a.Anomalies {
		dir := "above"
		if an.ZScore < 0 {
			dir = "below"
		}
		fact := fmt.Sprintf("%s %s, %s the mean of %s (z-score %s)", an.Column, Value(an.Value, an.Unit), dir,
			Value(dataset.Float(an.Mean), an.Unit), Number(math.Abs(an.ZScore)))
		if where := recordText(an.Context); where != "" {
			fact = where + ": " + fact
		}
		s.SupportingFacts = append(s.SupportingFacts, fact)
	}
}

// recordText lists a record's values with their column names.
func recordText(rec dataset.Record) string {
	parts := make([]string, 0, len(rec.Columns))
	for i, c := range rec.Columns {
		if rec.Values[i].IsAbsent() {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s", c.Name, Value(rec.Values[i], c.Unit)))
	}
	return strings.Join(parts, ", ")
}

// sortedGroups returns the groups in display order: the plan's order when
// it sorted, else by key.
func sortedGroups(g *query.Groups) []query.Group {
	groups := slices.Clone(g.Groups)
	if !g.Ordered {
		slices.SortStableFunc(groups, func(a, b query.Group) int {
			for i := range a.Key {
				if c := dataset.Compare(a.Key[i], b.Key[i]); c != 0 {
					return c
				}
			}
			return 0
		})
	}
	return groups
}

// label names a metric for people.
func label(m query.Metric) string {
	col := m.Column
	def := fmt.Sprintf("%s(%s)", m.Function, col)
	if col == "" {
		def = fmt.Sprintf("%s(*)", m.Function)
	}
	if m.Derived != "" || (m.Name != "" && m.Name != def) {
		return m.Name
	}
	switch m.Function {
	case query.FuncSum:
		return "Total " + col
	case query.FuncAverage:
		return "Average " + col
	case query.FuncMin:
		return "Minimum " + col
	case query.FuncMax:
		return "Maximum " + col
	case query.FuncCount:
		if col == "" {
			return "Number of rows"
		}
		return "Count of " + col
	}
	return m.Name
}

func identifiers(rec dataset.Record) string {
	var parts []string
	for i, c := range rec.Columns {
		if c.Identifier && !rec.Values[i].IsAbsent() {
			parts = append(parts, fmt.Sprintf("%s %s", c.Name, rec.Values[i].Text()))
		}
	}
	return strings.Join(parts, ", ")
}

func keyText(key []dataset.Value) string {
	parts := make([]string, len(key))
	for i, v := range key {
		if v.IsAbsent() {
			parts[i] = "(none)"
		} else {
			parts[i] = v.Text()
		}
	}
	return strings.Join(parts, " / ")
}

// highest returns the group with the largest first metric, preferring the
// earliest on ties.
func highest(groups []query.Group) query.Group {
	best := groups[0]
	for _, grp := range groups[1:] {
		if best.Values[0].IsAbsent() || (!grp.Values[0].IsAbsent() && dataset.Compare(grp.Values[0], best.Values[0]) > 0) {
			best = grp
		}
	}
	return best
}

// trend describes the direction of a single metric over a single time
// bucket key, in key order.
func trend(g *query.Groups, groups []query.Group) string {
	if len(g.Keys) != 1 || len(g.Metrics) != 1 || len(g.Buckets) != 1 || g.Buckets[0] == query.BucketNone || g.Ordered || len(groups) < 2 {
		return ""
	}
	up, down := true, true
	for i := 1; i < len(groups); i++ {
		c := dataset.Compare(groups[i].Values[0], groups[i-1].Values[0])
		if c <= 0 {
			up = false
		}
		if c >= 0 {
			down = false
		}
	}
	dir := "fluctuating"
	switch {
	case up:
		dir = "increasing"
	case down:
		dir = "decreasing"
	}
	first, last := groups[0], groups[len(groups)-1]
	unit := g.Metrics[0].Unit
	return fmt.Sprintf("Trend: %s, from %s in %s to %s in %s", dir,
		Value(first.Values[0], unit), keyText(first.Key),
		Value(last.Values[0], unit), keyText(last.Key))
}

// period describes the plan's time constraint as a phrase.
func period(p *query.Plan) string {
	if p == nil || p.TimePeriod == nil {
		return ""
	}
	tp := p.TimePeriod
	switch {
	case tp.Year != 0 && tp.Month != 0:
		return fmt.Sprintf(" in %s %d", time.Month(tp.Month), tp.Year)
	case tp.Year != 0:
		return fmt.Sprintf(" in %d", tp.Year)
	case tp.Start != "" && tp.End != "":
		return fmt.Sprintf(" from %s up to %s", tp.Start, tp.End)
	case tp.Start != "":
		return " since " + tp.Start
	case tp.End != "":
		return " before " + tp.End
	}
	return ""
}

// criteria lists the plan's filters as facts so phrasing can mention them.
func criteria(p *query.Plan) []string {
	if p == nil {
		return nil
	}
	var out []string
	for _, f := range p.Filters {
		out = append(out, fmt.Sprintf("Filter: %s %s %v", f.Column, strings.ReplaceAll(string(f.Operator), "_", " "), f.Value))
	}
	return out
}
