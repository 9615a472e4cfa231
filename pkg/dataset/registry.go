package dataset

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Registry holds named datasets and derives their schema and relationships.
// It is safe for concurrent use. Datasets are swapped whole and never
// mutated in place.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	datasets map[string]*Dataset
	schema   *Schema
}

// NewRegistry returns an empty registry. A nil logger discards output.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		log:      log,
		datasets: make(map[string]*Dataset),
	}
}

type registerOptions struct {
	types       map[string]ColumnType
	order       []string
	units       map[string]Unit
	identifiers []string
	replace     bool
}

// RegisterOption configures a Register call.
type RegisterOption func(*registerOptions)

// WithColumnTypes declares column types instead of inferring them.
// Columns not named in the map are still inferred.
func WithColumnTypes(types map[string]ColumnType) RegisterOption {
	return func(o *registerOptions) { o.types = types }
}

// WithColumnOrder fixes the column order and the exact column set.
func WithColumnOrder(columns []string) RegisterOption {
	return func(o *registerOptions) { o.order = columns }
}

// WithUnits declares formatting units for numeric columns.
func WithUnits(units map[string]Unit) RegisterOption {
	return func(o *registerOptions) { o.units = units }
}

// WithIdentifiers declares which columns name a row.
func WithIdentifiers(columns ...string) RegisterOption {
	return func(o *registerOptions) { o.identifiers = columns }
}

// WithReplace allows Register to atomically swap an existing dataset.
func WithReplace() RegisterOption {
	return func(o *registerOptions) { o.replace = true }
}

// Register builds a dataset from rows and adds it under name. It fails
// with ErrDuplicateName if the name is taken and WithReplace was not given,
// and with a *SchemaInferenceError if the rows do not share one schema.
// A failed call leaves the registry unchanged.
func (r *Registry) Register(name string, rows []map[string]any, opts ...RegisterOption) error {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.RLock()
	_, exists := r.datasets[name]
	r.mu.RUnlock()
	if exists && !o.replace {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}

	ds, err := build(name, rows, &o)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.datasets[name]; exists && !o.replace {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	r.datasets[name] = ds
	r.schema = nil

	r.log.Info("dataset: registered", "name", name, "rows", ds.RowCount(), "columns", len(ds.columns), "replaced", exists)
	return nil
}

// Build constructs a standalone dataset without registering it.
func Build(name string, rows []map[string]any, opts ...RegisterOption) (*Dataset, error) {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}
	return build(name, rows, &o)
}

// Get returns the named dataset.
func (r *Registry) Get(name string) (*Dataset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ds, ok := r.datasets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDatasetNotFound, name)
	}
	return ds, nil
}

// Names returns registered dataset names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.datasets))
	for name := range r.datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schema returns the derived schema. The result is shared and must be
// treated as read-only.
func (r *Registry) Schema() *Schema {
	r.mu.RLock()
	if s := r.schema; s != nil {
		r.mu.RUnlock()
		return s
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.schema == nil {
		r.schema = deriveSchema(r.datasets)
	}
	return r.schema
}

func build(name string, rows []map[string]any, o *registerOptions) (*Dataset, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &SchemaInferenceError{Dataset: name, Row: -1, Reason: "dataset name is required"}
	}

	names, err := columnNames(name, rows, o)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(names))
	for i, n := range names {
		if _, dup := index[n]; dup {
			return nil, &SchemaInferenceError{Dataset: name, Column: n, Row: -1, Reason: "duplicate column"}
		}
		index[n] = i
	}

	raw := make([][]Value, len(rows))
	for ri, row := range rows {
		if len(row) != len(names) {
			return nil, &SchemaInferenceError{Dataset: name, Row: ri, Reason: fmt.Sprintf("has %d columns, expected %d", len(row), len(names))}
		}
		vals := make([]Value, len(names))
		for key, cell := range row {
			ci, ok := index[key]
			if !ok {
				return nil, &SchemaInferenceError{Dataset: name, Column: key, Row: ri, Reason: "column not in schema"}
			}
			v, err := FromAny(cell)
			if err != nil {
				return nil, &SchemaInferenceError{Dataset: name, Column: key, Row: ri, Reason: err.Error()}
			}
			vals[ci] = v
		}
		raw[ri] = vals
	}

	columns := make([]Column, len(names))
	column := make([]Value, len(rows))
	for ci, cn := range names {
		for ri := range raw {
			column[ri] = raw[ri][ci]
		}
		typ, declared := o.types[cn]
		if !declared {
			typ = inferType(column)
		}
		for ri := range raw {
			v, err := coerce(raw[ri][ci], typ)
			if err != nil {
				return nil, &SchemaInferenceError{Dataset: name, Column: cn, Row: ri, Reason: err.Error()}
			}
			raw[ri][ci] = v
		}
		unit, ok := o.units[cn]
		if !ok && typ == Numeric {
			unit = inferUnit(cn)
		}
		columns[ci] = Column{Name: cn, Type: typ, Unit: unit}
	}
	for cn := range o.types {
		if _, ok := index[cn]; !ok {
			return nil, &SchemaInferenceError{Dataset: name, Column: cn, Row: -1, Reason: "declared type for unknown column"}
		}
	}

	markIdentifiers(columns, raw, o.identifiers)

	return &Dataset{name: name, columns: columns, index: index, rows: raw}, nil
}

func columnNames(name string, rows []map[string]any, o *registerOptions) ([]string, error) {
	if len(o.order) > 0 {
		out := make([]string, len(o.order))
		copy(out, o.order)
		return out, nil
	}
	if len(rows) == 0 {
		if len(o.types) == 0 {
			return nil, &SchemaInferenceError{Dataset: name, Row: -1, Reason: "no rows and no declared columns"}
		}
		out := make([]string, 0, len(o.types))
		for cn := range o.types {
			out = append(out, cn)
		}
		sort.Strings(out)
		return out, nil
	}
	out := make([]string, 0, len(rows[0]))
	for cn := range rows[0] {
		out = append(out, cn)
	}
	sort.Strings(out)
	return out, nil
}

// markIdentifiers flags declared identifier columns, or else categorical
// columns with id-like names, or else the first categorical column whose
// values are all present and unique.
func markIdentifiers(columns []Column, rows [][]Value, declared []string) {
	if len(declared) > 0 {
		want := make(map[string]bool, len(declared))
		for _, n := range declared {
			want[n] = true
		}
		for i := range columns {
			columns[i].Identifier = want[columns[i].Name]
		}
		return
	}
	found := false
	for i := range columns {
		if columns[i].Type == Categorical && idLike(columns[i].Name) {
			columns[i].Identifier = true
			found = true
		}
	}
	if found {
		return
	}
	for i := range columns {
		if columns[i].Type != Categorical || len(rows) == 0 {
			continue
		}
		seen := make(map[string]struct{}, len(rows))
		unique := true
		for _, row := range rows {
			v := row[i]
			if v.IsAbsent() {
				unique = false
				break
			}
			if _, dup := seen[v.Text()]; dup {
				unique = false
				break
			}
			seen[v.Text()] = struct{}{}
		}
		if unique {
			columns[i].Identifier = true
			return
		}
	}
}

func idLike(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return lower == "id" || strings.HasSuffix(lower, " id") || strings.HasSuffix(lower, "_id")
}
