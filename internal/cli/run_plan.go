package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/sage/pkg/query"
	"github.com/malbeclabs/sage/pkg/render"
)

var errInvalidPlan = errors.New("plan is invalid")

type RunPlanCmd struct {
	cli *CLI
}

func NewRunPlanCmd(c *CLI) *RunPlanCmd {
	return &RunPlanCmd{cli: c}
}

func (c *RunPlanCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-plan <file|->",
		Short: "Validate and execute a JSON query plan without the language model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to read plan: %w", err)
			}
			plan, err := query.DecodePlan(data)
			if err != nil {
				return err
			}

			log := c.cli.logger(cmd)
			reg, err := c.cli.loadRegistry(cmd.Context(), log)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if err := query.Validate(plan, reg.Schema()); err != nil {
				var verr *query.ValidationError
				if errors.As(err, &verr) {
					for _, reason := range verr.Reasons {
						fmt.Fprintf(cmd.ErrOrStderr(), "- %s\n", reason)
					}
					return errInvalidPlan
				}
				return err
			}

			exec := query.NewExecutor(c.cli.cfg.MaxRows, log)
			res, err := exec.Execute(cmd.Context(), plan, reg)
			if err != nil {
				return err
			}

			fmt.Fprintln(out, render.Render(res, exec.MaxRows).Text())
			if !res.Empty() {
				header, rows := render.Table(res, exec.MaxRows)
				fmt.Fprintln(out)
				writeTable(out, header, rows)
			}
			return nil
		},
	}

	return cmd
}
