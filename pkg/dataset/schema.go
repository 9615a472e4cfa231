package dataset

import (
	"sort"
)

// Schema is the registry-wide description handed to plan producers and
// the validator. It is a snapshot and never changes after creation.
type Schema struct {
	Datasets         map[string]DatasetSchema `json:"datasets"`
	Relationships    []Relationship           `json:"relationships"`
	AvailableMetrics map[string]Metrics       `json:"available_metrics"`
}

// DatasetSchema describes one dataset.
type DatasetSchema struct {
	Name        string                `json:"name"`
	Columns     []Column              `json:"columns"`
	ColumnTypes map[string]ColumnType `json:"column_types"`
	RowCount    int                   `json:"row_count"`
}

// Column looks up a column by exact name.
func (d DatasetSchema) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// HasTemporal reports whether the dataset has at least one temporal column.
func (d DatasetSchema) HasTemporal() bool {
	for _, c := range d.Columns {
		if c.Type == Temporal {
			return true
		}
	}
	return false
}

// Relationship lists the column names two datasets share.
type Relationship struct {
	Left    string   `json:"left"`
	Right   string   `json:"right"`
	Columns []string `json:"columns"`
}

// Metrics groups a dataset's columns by what they can be used for.
type Metrics struct {
	Numeric     []string `json:"numeric"`
	Temporal    []string `json:"temporal"`
	Categorical []string `json:"categorical"`
}

// Dataset returns the schema of the named dataset.
func (s *Schema) Dataset(name string) (DatasetSchema, bool) {
	d, ok := s.Datasets[name]
	return d, ok
}

// SharedColumns returns the columns shared by datasets a and b.
func (s *Schema) SharedColumns(a, b string) []string {
	if a > b {
		a, b = b, a
	}
	for _, rel := range s.Relationships {
		if rel.Left == a && rel.Right == b {
			return rel.Columns
		}
	}
	return nil
}

// Names returns dataset names in sorted order.
func (s *Schema) Names() []string {
	names := make([]string, 0, len(s.Datasets))
	for n := range s.Datasets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func deriveSchema(datasets map[string]*Dataset) *Schema {
	s := &Schema{
		Datasets:         make(map[string]DatasetSchema, len(datasets)),
		Relationships:    []Relationship{},
		AvailableMetrics: make(map[string]Metrics, len(datasets)),
	}
	for name, ds := range datasets {
		types := make(map[string]ColumnType, len(ds.columns))
		for _, c := range ds.columns {
			types[c.Name] = c.Type
		}
		s.Datasets[name] = DatasetSchema{
			Name:        name,
			Columns:     ds.Columns(),
			ColumnTypes: types,
			RowCount:    ds.RowCount(),
		}
		s.AvailableMetrics[name] = Metrics{
			Numeric:     nonNil(ds.columnsOfType(Numeric)),
			Temporal:    nonNil(ds.columnsOfType(Temporal)),
			Categorical: nonNil(ds.columnsOfType(Categorical)),
		}
	}

	names := s.Names()
	for i, a := range names {
		for _, b := range names[i+1:] {
			var shared []string
			for _, c := range datasets[a].columns {
				if _, ok := datasets[b].index[c.Name]; ok {
					shared = append(shared, c.Name)
				}
			}
			if len(shared) > 0 {
				s.Relationships = append(s.Relationships, Relationship{Left: a, Right: b, Columns: shared})
			}
		}
	}
	return s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
