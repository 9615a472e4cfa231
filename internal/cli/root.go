// Package cli implements the sage command line.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/sage/config"
	"github.com/malbeclabs/sage/internal/logger"
	"github.com/malbeclabs/sage/pkg/pipeline"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// CLI holds the state shared by every command.
type CLI struct {
	cfg   *config.Config
	build BuildInfo

	// newLLM creates the language model client. Tests replace it.
	newLLM func(cfg *config.Config, log *slog.Logger) (pipeline.LLMClient, error)
}

func New(build BuildInfo) *CLI {
	return &CLI{
		cfg:    config.New(),
		build:  build,
		newLLM: newAnthropicClient,
	}
}

func Run(build BuildInfo) ExitCode {
	if err := New(build).Command().Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

// Command returns the root command.
func (c *CLI) Command() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:          "sage",
		Short:        "Ask questions about building and financial datasets in plain language.",
		Version:      c.build.Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			if err := c.cfg.LoadEnv(); err != nil {
				return err
			}
			return c.cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "file to load environment variables from")
	c.cfg.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		NewAskCmd(c).Command(),
		NewSchemaCmd(c).Command(),
		NewRunPlanCmd(c).Command(),
		NewHistoryCmd(c).Command(),
		NewServeCmd(c).Command(),
	)
	return rootCmd
}

// logger writes to stderr so answers on stdout stay clean.
func (c *CLI) logger(cmd *cobra.Command) *slog.Logger {
	return logger.NewWithWriter(cmd.ErrOrStderr(), c.cfg.Verbose)
}

func newAnthropicClient(cfg *config.Config, log *slog.Logger) (pipeline.LLMClient, error) {
	if err := cfg.RequireAPIKey(); err != nil {
		return nil, err
	}
	return pipeline.NewAnthropicLLMClient(log, anthropic.Model(cfg.Model), cfg.MaxTokens, cfg.AnthropicAPIKey), nil
}
