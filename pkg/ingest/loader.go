// Package ingest loads dataset files into the registry. DuckDB reads CSV,
// Parquet and JSON files and sniffs their column types; the registry then
// applies its own inference and any declared metadata.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/duckdb/duckdb-go/v2"

	"github.com/malbeclabs/sage/pkg/dataset"
)

const defaultConcurrency = 4

// Config holds the configuration for a Loader.
type Config struct {
	Logger      *slog.Logger
	Concurrency int // Files read in parallel (default 4)
}

// Validate fills in defaults.
func (c *Config) Validate() error {
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Concurrency < 0 {
		return errors.New("concurrency must not be negative")
	}
	if c.Concurrency == 0 {
		c.Concurrency = defaultConcurrency
	}
	return nil
}

// Table is the raw content of one source file.
type Table struct {
	Source  Source
	Columns []string
	Rows    []map[string]any
}

// Loader reads source files through an in-memory DuckDB database.
type Loader struct {
	log  *slog.Logger
	db   *sql.DB
	pool pond.ResultPool[*Table]
}

// NewLoader opens an in-memory DuckDB database.
func NewLoader(cfg Config) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Loader{
		log:  cfg.Logger,
		db:   db,
		pool: pond.NewResultPool[*Table](cfg.Concurrency),
	}, nil
}

// Close stops the worker pool and closes the database.
func (l *Loader) Close() error {
	l.pool.StopAndWait()
	return l.db.Close()
}

// Read loads one source file.
func (l *Loader) Read(ctx context.Context, src Source) (*Table, error) {
	if err := src.validate(); err != nil {
		return nil, fmt.Errorf("dataset %q: %w", src.Name, err)
	}
	start := time.Now()

	rows, err := l.db.QueryContext(ctx, "SELECT * FROM "+readFunction(src))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", src.Path, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns of %s: %w", src.Path, err)
	}

	t := &Table{Source: src, Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row %d: %w", src.Path, len(t.Rows), err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalize(values[i])
		}
		t.Rows = append(t.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", src.Path, err)
	}

	l.log.Debug("ingest: read file", "dataset", src.Name, "path", src.Path, "format", src.Format, "rows", len(t.Rows), "duration", time.Since(start))
	return t, nil
}

// Load reads every source in the manifest in parallel and registers them
// in manifest order. Nothing is registered unless every file reads.
func (l *Loader) Load(ctx context.Context, m *Manifest, reg *dataset.Registry) error {
	if err := m.Validate(); err != nil {
		return err
	}

	group := l.pool.NewGroupContext(ctx)
	for _, src := range m.Datasets {
		group.SubmitErr(func() (*Table, error) {
			return l.Read(ctx, src)
		})
	}
	tables, err := group.Wait()
	if err != nil {
		return fmt.Errorf("failed to load datasets: %w", err)
	}

	for _, t := range tables {
		if err := reg.Register(t.Source.Name, t.Rows, t.Source.options(t.Columns)...); err != nil {
			return fmt.Errorf("failed to register %q: %w", t.Source.Name, err)
		}
	}
	l.log.Info("ingest: datasets loaded", "count", len(tables))
	return nil
}

// readFunction returns the DuckDB table function reading src.
func readFunction(src Source) string {
	path := "'" + strings.ReplaceAll(src.Path, "'", "''") + "'"
	switch src.Format {
	case FormatParquet:
		return "read_parquet(" + path + ")"
	case FormatJSON:
		return "read_json_auto(" + path + ")"
	default:
		return "read_csv_auto(" + path + ", header = true)"
	}
}

// normalize converts DuckDB driver values into the plain Go values the
// registry accepts.
func normalize(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x
	case *big.Int:
		if x.IsInt64() {
			return x.Int64()
		}
		f, _ := new(big.Float).SetInt(x).Float64()
		return f
	case duckdb.Decimal:
		return x.Float64()
	case fmt.Stringer:
		// UUID, INTERVAL and other driver types
		return x.String()
	}
	return v
}
