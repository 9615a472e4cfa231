package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/sage/config"
)

type HistoryCmd struct {
	cli *CLI
}

func NewHistoryCmd(c *CLI) *HistoryCmd {
	return &HistoryCmd{cli: c}
}

func (c *HistoryCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently answered questions from the interaction log",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return fmt.Errorf("failed to get limit flag: %w", err)
			}
			offset, err := cmd.Flags().GetInt("offset")
			if err != nil {
				return fmt.Errorf("failed to get offset flag: %w", err)
			}
			if c.cli.cfg.PostgresURL == "" {
				return errors.New("history needs a persistent interaction log (set --postgres-url or " + config.EnvPostgresURL + ")")
			}

			log := c.cli.logger(cmd)
			store, err := c.cli.openStore(cmd.Context(), log)
			if err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					log.Warn("failed to close interaction log", "error", err)
				}
			}()

			page, err := store.List(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(page.Interactions))
			for _, in := range page.Interactions {
				status := in.State
				if in.Kind != "" {
					status += " (" + in.Kind + ")"
				}
				rows = append(rows, []string{
					in.CreatedAt.Local().Format(time.DateTime),
					in.Question,
					status,
					in.Answer,
				})
			}
			out := cmd.OutOrStdout()
			writeTable(out, []string{"Asked", "Question", "State", "Answer"}, rows)
			if page.HasMore {
				fmt.Fprintf(out, "%d of %d shown; use --offset %d for more\n", len(rows), page.Total, offset+len(rows))
			}
			return nil
		},
	}

	cmd.Flags().Int("limit", 20, "number of interactions to show")
	cmd.Flags().Int("offset", 0, "number of newest interactions to skip")

	return cmd
}
