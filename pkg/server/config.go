package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/sage/pkg/interactions"
	"github.com/malbeclabs/sage/pkg/pipeline"
	"github.com/malbeclabs/sage/pkg/query"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
	defaultMaxBodyBytes      = 1 << 20
)

type Config struct {
	Logger *slog.Logger

	Pipeline     *pipeline.Pipeline
	Source       query.Source
	Executor     *query.Executor
	Interactions interactions.Store // Optional; enables GET /api/interactions

	Version           string
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	AllowedTokens     []string // Bearer tokens allowed for /api and /mcp
	AllowedOrigins    []string // CORS origins for browser clients
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Pipeline == nil {
		return fmt.Errorf("pipeline is required")
	}
	if c.Source == nil {
		return fmt.Errorf("source is required")
	}
	if c.Executor == nil {
		c.Executor = query.NewExecutor(0, c.Logger)
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	return nil
}
