package query

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/malbeclabs/sage/pkg/dataset"
)

var (
	errUnknownColumn   = errors.New("unknown column")
	errAmbiguousColumn = errors.New("ambiguous column")
)

// field is one column of a working table. The join column is owned by both
// joined datasets and appears once.
type field struct {
	owners []string
	col    dataset.Column
}

func (f field) ownedBy(ds string) bool {
	for _, o := range f.owners {
		if o == ds {
			return true
		}
	}
	return false
}

// scope is the column layout of the working table a plan operates on.
// Row-level derived columns follow the dataset columns, starting at base.
type scope struct {
	sources []string
	fields  []field
	names   map[string]int // column name -> occurrence count
	base    int
}

// newScope lays out the working table for the plan's sources. Datasets
// missing from the schema are skipped; the validator reports them.
func newScope(plan *Plan, schema *dataset.Schema) *scope {
	s := &scope{names: make(map[string]int)}
	order := plan.sourceOrder()
	joinCol := ""
	if plan.Join != nil {
		joinCol = plan.Join.Column
	}
	for i, name := range order {
		ds, ok := schema.Dataset(name)
		if !ok {
			continue
		}
		s.sources = append(s.sources, name)
		for _, c := range ds.Columns {
			if i > 0 && c.Name == joinCol {
				continue
			}
			owners := []string{name}
			if i == 0 && c.Name == joinCol && len(order) > 1 {
				owners = append(owners, order[1])
			}
			s.fields = append(s.fields, field{owners: owners, col: c})
			s.names[c.Name]++
		}
	}
	s.base = len(s.fields)
	if !plan.IsAggregate() {
		for _, d := range plan.Derived {
			name := d.OutputName()
			s.fields = append(s.fields, field{col: dataset.Column{Name: name, Type: dataset.Numeric, Unit: s.derivedUnit(d)}})
			s.names[name]++
		}
	}
	return s
}

// derivedUnit is the unit of a row-level derived column: a difference
// keeps its left operand's unit.
func (s *scope) derivedUnit(d Derived) dataset.Unit {
	switch d.Kind {
	case DerivedPercentage:
		return dataset.UnitPercent
	case DerivedDifference:
		if idx, err := s.resolve("", d.Left); err == nil {
			return s.fields[idx].col.Unit
		}
	}
	return dataset.UnitNone
}

// resolve finds the field for a possibly dataset-qualified column.
func (s *scope) resolve(ds, name string) (int, error) {
	if ds == "" {
		if i := strings.Index(name, "."); i > 0 {
			if idx, err := s.resolve(name[:i], name[i+1:]); err == nil {
				return idx, nil
			}
		}
	}
	match := -1
	for i, f := range s.fields {
		if f.col.Name != name {
			continue
		}
		if ds != "" && !f.ownedBy(ds) {
			continue
		}
		if match >= 0 {
			return -1, fmt.Errorf("%w %q: present in more than one dataset, qualify it with a dataset name", errAmbiguousColumn, name)
		}
		match = i
	}
	if match < 0 {
		return -1, fmt.Errorf("%w %q%s", errUnknownColumn, name, s.describe(ds))
	}
	return match, nil
}

// resolveTemporal finds the primary temporal column, optionally restricted
// to one dataset.
func (s *scope) resolveTemporal(ds string) (int, error) {
	for i, f := range s.fields {
		if f.col.Type != dataset.Temporal {
			continue
		}
		if ds != "" && !f.ownedBy(ds) {
			continue
		}
		return i, nil
	}
	return -1, fmt.Errorf("no temporal column%s", s.describe(ds))
}

// resolveGroupKey resolves a group key. A bucketed key with no column uses
// the primary temporal column.
func (s *scope) resolveGroupKey(g GroupKey) (int, error) {
	if g.Column == "" && g.Bucket != BucketNone {
		return s.resolveTemporal(g.Dataset)
	}
	return s.resolve(g.Dataset, g.Column)
}

// groupKeyName is the output name of a resolved group key.
func (s *scope) groupKeyName(g GroupKey, idx int) string {
	col := s.displayName(idx)
	if g.Bucket != BucketNone {
		return fmt.Sprintf("%s(%s)", g.Bucket, col)
	}
	return col
}

// displayName qualifies a column name when it would otherwise collide.
func (s *scope) displayName(idx int) string {
	f := s.fields[idx]
	if s.names[f.col.Name] > 1 && len(f.owners) > 0 {
		return qualified(f.owners[0], f.col.Name)
	}
	return f.col.Name
}

// currencyFields returns the numeric currency fields in layout order.
func (s *scope) currencyFields() []int {
	var out []int
	for i, f := range s.fields {
		if f.col.Type == dataset.Numeric && f.col.Unit == dataset.UnitCurrency {
			out = append(out, i)
		}
	}
	return out
}

// contextFields returns the identifier and temporal fields used to locate
// a row for people.
func (s *scope) contextFields() []int {
	var out []int
	for i, f := range s.fields {
		if f.col.Identifier || f.col.Type == dataset.Temporal {
			out = append(out, i)
		}
	}
	return out
}

// columns returns output descriptors with display names.
func (s *scope) columns(idx []int) []dataset.Column {
	out := make([]dataset.Column, len(idx))
	for i, fi := range idx {
		c := s.fields[fi].col
		c.Name = s.displayName(fi)
		out[i] = c
	}
	return out
}

// suggest returns a close column name from the scope, if any.
func (s *scope) suggest(name string) string {
	best, bestDist := "", 3
	for i := range s.fields {
		candidate := s.displayName(i)
		if strings.EqualFold(candidate, name) {
			return candidate
		}
		if d := levenshtein.ComputeDistance(strings.ToLower(candidate), strings.ToLower(name)); d < bestDist {
			best, bestDist = candidate, d
		}
	}
	return best
}

func (s *scope) describe(ds string) string {
	if ds != "" {
		return fmt.Sprintf(" in dataset %q", ds)
	}
	switch len(s.sources) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf(" in dataset %q", s.sources[0])
	default:
		return fmt.Sprintf(" in datasets %q", s.sources)
	}
}
