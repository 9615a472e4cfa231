package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/sage/pkg/pipeline"
	"github.com/malbeclabs/sage/pkg/render"
)

type AskCmd struct {
	cli *CLI
}

func NewAskCmd(c *CLI) *AskCmd {
	return &AskCmd{cli: c}
}

func (c *AskCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question about the loaded datasets",
		Example: `  sage ask "What were the total energy costs in 2023?"
  sage ask --interactive`,
		RunE: func(cmd *cobra.Command, args []string) error {
			interactive, err := cmd.Flags().GetBool("interactive")
			if err != nil {
				return fmt.Errorf("failed to get interactive flag: %w", err)
			}
			progress, err := cmd.Flags().GetBool("progress")
			if err != nil {
				return fmt.Errorf("failed to get progress flag: %w", err)
			}
			asJSON, err := cmd.Flags().GetBool("json")
			if err != nil {
				return fmt.Errorf("failed to get json flag: %w", err)
			}

			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" && !interactive {
				return errors.New("a question is required (or use --interactive)")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			log := c.cli.logger(cmd)
			a, err := c.cli.newApp(ctx, log)
			if err != nil {
				return err
			}
			defer a.Close()

			s := &session{
				app:      a,
				out:      cmd.OutOrStdout(),
				errOut:   cmd.ErrOrStderr(),
				progress: progress,
				asJSON:   asJSON,
				maxRows:  c.cli.cfg.MaxRows,
			}
			if question != "" {
				if err := s.ask(ctx, question); err != nil {
					return err
				}
			}
			if interactive {
				return s.repl(ctx, cmd.InOrStdin())
			}
			return nil
		},
	}

	cmd.Flags().BoolP("interactive", "i", false, "keep asking follow-up questions until EOF or \"exit\"")
	cmd.Flags().Bool("progress", false, "print pipeline stages to stderr")
	cmd.Flags().Bool("json", false, "print the full answer as JSON")

	return cmd
}

// session carries the conversation between questions.
type session struct {
	app      *app
	out      io.Writer
	errOut   io.Writer
	progress bool
	asJSON   bool
	maxRows  int

	convo *pipeline.Conversation
}

func (s *session) ask(ctx context.Context, question string) error {
	var onProgress pipeline.ProgressCallback
	if s.progress {
		onProgress = func(p pipeline.Progress) {
			fmt.Fprintf(s.errOut, "... %s\n", p.Stage)
		}
	}

	ans := s.app.pipeline.Run(ctx, question, s.convo, onProgress)
	s.convo = ans.Conversation

	if s.asJSON {
		enc := json.NewEncoder(s.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(ans); err != nil {
			return fmt.Errorf("failed to encode answer: %w", err)
		}
		return nil
	}

	fmt.Fprintln(s.out, ans.Text)
	if ans.Result != nil && !ans.Result.Empty() {
		header, rows := render.Table(ans.Result, s.maxRows)
		if len(rows) > 1 || len(header) > 1 {
			fmt.Fprintln(s.out)
			writeTable(s.out, header, rows)
		}
	}
	return nil
}

func (s *session) repl(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "reset":
			s.convo = nil
			fmt.Fprintln(s.out, "Conversation cleared.")
			continue
		}
		if err := s.ask(ctx, line); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
