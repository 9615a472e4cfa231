package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/sage/pkg/metrics"
	"github.com/malbeclabs/sage/pkg/server"
)

type ServeCmd struct {
	cli *CLI
}

func NewServeCmd(c *CLI) *ServeCmd {
	return &ServeCmd{cli: c}
}

func (c *ServeCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and MCP endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			origins, err := cmd.Flags().GetStringSlice("allowed-origins")
			if err != nil {
				return fmt.Errorf("failed to get allowed-origins flag: %w", err)
			}

			log := c.cli.logger(cmd)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			go func() {
				select {
				case sig := <-sigCh:
					log.Info("server: received signal", "signal", sig.String())
					cancel()
				case <-ctx.Done():
				}
			}()

			metrics.BuildInfo.WithLabelValues(c.cli.build.Version, c.cli.build.Commit, c.cli.build.Date).Set(1)

			a, err := c.cli.newApp(ctx, log)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(c.cli.cfg.AuthTokens) > 0 {
				log.Info("server: token authentication enabled", "token_count", len(c.cli.cfg.AuthTokens))
			} else {
				log.Info("server: authentication disabled (no tokens configured)")
			}

			srv, err := server.New(server.Config{
				Logger:         log,
				Pipeline:       a.pipeline,
				Source:         a.registry,
				Executor:       a.executor,
				Interactions:   a.store,
				Version:        c.cli.build.Version,
				ListenAddr:     c.cli.cfg.ListenAddr,
				AllowedTokens:  c.cli.cfg.AuthTokens,
				AllowedOrigins: origins,
			})
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringSlice("allowed-origins", nil, "CORS origins allowed to call the API (default any)")

	return cmd
}
