package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/olekukonko/tablewriter"

	"github.com/malbeclabs/sage/pkg/dataset"
	"github.com/malbeclabs/sage/pkg/ingest"
	"github.com/malbeclabs/sage/pkg/interactions"
	"github.com/malbeclabs/sage/pkg/pipeline"
	"github.com/malbeclabs/sage/pkg/query"
)

// loadRegistry registers every dataset named in the configured manifest.
func (c *CLI) loadRegistry(ctx context.Context, log *slog.Logger) (*dataset.Registry, error) {
	manifest, err := ingest.LoadManifest(c.cfg.ManifestPath)
	if err != nil {
		return nil, err
	}
	loader, err := ingest.NewLoader(ingest.Config{Logger: log})
	if err != nil {
		return nil, fmt.Errorf("failed to create loader: %w", err)
	}
	defer func() {
		if err := loader.Close(); err != nil {
			log.Warn("failed to close loader", "error", err)
		}
	}()

	reg := dataset.NewRegistry(log)
	if err := loader.Load(ctx, manifest, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// openStore opens the interaction log: Postgres when configured, otherwise
// an in-memory ring that lives as long as the process.
func (c *CLI) openStore(ctx context.Context, log *slog.Logger) (interactions.Store, error) {
	if c.cfg.PostgresURL == "" {
		return interactions.NewMemoryStore(0), nil
	}
	store, err := interactions.NewPostgresStore(ctx, interactions.PostgresConfig{
		Logger: log,
		URL:    c.cfg.PostgresURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open interaction log: %w", err)
	}
	return store, nil
}

// app is the wired question pipeline.
type app struct {
	log      *slog.Logger
	registry *dataset.Registry
	executor *query.Executor
	pipeline *pipeline.Pipeline
	store    interactions.Store
	cache    *pipeline.CachingUnderstander
}

func (c *CLI) newApp(ctx context.Context, log *slog.Logger) (*app, error) {
	reg, err := c.loadRegistry(ctx, log)
	if err != nil {
		return nil, err
	}

	llm, err := c.newLLM(c.cfg, log)
	if err != nil {
		return nil, err
	}
	prompts, err := pipeline.LoadPrompts()
	if err != nil {
		return nil, fmt.Errorf("failed to load prompts: %w", err)
	}
	understander, err := pipeline.NewLLMUnderstander(llm, prompts, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create understander: %w", err)
	}
	phraser, err := pipeline.NewLLMPhraser(llm, prompts)
	if err != nil {
		return nil, fmt.Errorf("failed to create phraser: %w", err)
	}

	a := &app{log: log, registry: reg, executor: query.NewExecutor(c.cfg.MaxRows, log)}

	var und pipeline.Understander = understander
	if c.cfg.CacheTTL > 0 {
		a.cache = pipeline.NewCachingUnderstander(understander, c.cfg.CacheTTL)
		go a.cache.Start()
		und = a.cache
	}

	a.store, err = c.openStore(ctx, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	recorder, err := interactions.NewRecorder(a.store, nil)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.pipeline, err = pipeline.New(&pipeline.Config{
		Logger:          log,
		Understander:    und,
		Phraser:         phraser,
		Source:          reg,
		Executor:        a.executor,
		Recorder:        recorder,
		StageTimeout:    c.cfg.StageTimeout,
		DisableFallback: c.cfg.DisableFallback,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	return a, nil
}

func (a *app) Close() {
	if a.cache != nil {
		a.cache.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("failed to close interaction log", "error", err)
		}
	}
}

func writeTable(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader(header)
	table.AppendBulk(rows)
	table.Render()
}
