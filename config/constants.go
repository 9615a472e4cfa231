package config

import (
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

const (
	// Defaults.
	DefaultManifestPath = "sage.yaml"
	DefaultModel        = string(anthropic.ModelClaude3_5Haiku20241022)
	DefaultMaxTokens    = 4096
	DefaultMaxRows      = 100
	DefaultStageTimeout = 30 * time.Second
	DefaultCacheTTL     = 10 * time.Minute
	DefaultListenAddr   = "0.0.0.0:8080"

	// Environment variables.
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvModel           = "SAGE_MODEL"
	EnvManifest        = "SAGE_MANIFEST"
	EnvMaxRows         = "SAGE_MAX_ROWS"
	EnvStageTimeout    = "SAGE_STAGE_TIMEOUT"
	EnvCacheTTL        = "SAGE_CACHE_TTL"
	EnvNoFallback      = "SAGE_DISABLE_FALLBACK"
	EnvPostgresURL     = "SAGE_POSTGRES_URL"
	EnvPostgresHost    = "SAGE_POSTGRES_HOST"
	EnvPostgresPort    = "SAGE_POSTGRES_PORT"
	EnvPostgresDB      = "SAGE_POSTGRES_DB"
	EnvPostgresUser    = "SAGE_POSTGRES_USER"
	EnvPostgresPass    = "SAGE_POSTGRES_PASSWORD"
	EnvListenAddr      = "SAGE_LISTEN_ADDR"
	EnvAuthTokens      = "SAGE_AUTH_TOKENS"
)
