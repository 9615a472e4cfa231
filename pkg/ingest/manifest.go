package ingest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/sage/pkg/dataset"
)

// Format is a supported source file format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
	FormatJSON    Format = "json"
)

// Manifest lists the datasets to load at startup.
type Manifest struct {
	Datasets []Source `yaml:"datasets"`
}

// Source describes one dataset file and the metadata that cannot be
// inferred from it.
type Source struct {
	Name        string            `yaml:"name"`
	Path        string            `yaml:"path"`
	Format      Format            `yaml:"format,omitempty"`
	Types       map[string]string `yaml:"types,omitempty"`
	Units       map[string]string `yaml:"units,omitempty"`
	Identifiers []string          `yaml:"identifiers,omitempty"`
}

// LoadManifest reads a YAML manifest. Relative dataset paths resolve
// against the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i := range m.Datasets {
		if !filepath.IsAbs(m.Datasets[i].Path) {
			m.Datasets[i].Path = filepath.Join(dir, m.Datasets[i].Path)
		}
	}
	return m, nil
}

// ParseManifest decodes and validates a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks every source and fills in formats from file extensions.
func (m *Manifest) Validate() error {
	if len(m.Datasets) == 0 {
		return errors.New("manifest lists no datasets")
	}
	seen := make(map[string]struct{}, len(m.Datasets))
	var errs []error
	for i := range m.Datasets {
		s := &m.Datasets[i]
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("datasets[%d]: %w", i, err))
			continue
		}
		key := strings.ToLower(s.Name)
		if _, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("datasets[%d]: duplicate name %q", i, s.Name))
		}
		seen[key] = struct{}{}
	}
	return errors.Join(errs...)
}

func (s *Source) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(s.Path) == "" {
		return errors.New("path is required")
	}
	if s.Format == "" {
		s.Format = formatFromPath(s.Path)
	}
	switch s.Format {
	case FormatCSV, FormatParquet, FormatJSON:
	default:
		return fmt.Errorf("unsupported format %q for %s", s.Format, s.Path)
	}
	for col, t := range s.Types {
		if _, err := dataset.ParseColumnType(t); err != nil {
			return fmt.Errorf("types[%q]: %w", col, err)
		}
	}
	for col, u := range s.Units {
		if _, err := dataset.ParseUnit(u); err != nil {
			return fmt.Errorf("units[%q]: %w", col, err)
		}
	}
	return nil
}

// options converts the declared metadata into registration options.
func (s *Source) options(columns []string) []dataset.RegisterOption {
	opts := []dataset.RegisterOption{dataset.WithColumnOrder(columns)}
	if len(s.Types) > 0 {
		types := make(map[string]dataset.ColumnType, len(s.Types))
		for col, t := range s.Types {
			types[col], _ = dataset.ParseColumnType(t)
		}
		opts = append(opts, dataset.WithColumnTypes(types))
	}
	if len(s.Units) > 0 {
		units := make(map[string]dataset.Unit, len(s.Units))
		for col, u := range s.Units {
			units[col], _ = dataset.ParseUnit(u)
		}
		opts = append(opts, dataset.WithUnits(units))
	}
	if len(s.Identifiers) > 0 {
		opts = append(opts, dataset.WithIdentifiers(s.Identifiers...))
	}
	return opts
}

func formatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv", ".txt":
		return FormatCSV
	case ".parquet", ".pq":
		return FormatParquet
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON
	}
	return Format(strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."))
}
