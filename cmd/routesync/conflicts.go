package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/routesync/internal/models"
	"github.com/kimhsiao/routesync/internal/sync/conflict"
)

// lineReader is the part of *readline.Instance the presenter uses.
type lineReader interface {
	SetPrompt(prompt string)
	Readline() (string, error)
}

// promptPresenter asks the worker to pick a side for each conflict.
type promptPresenter struct {
	rl  lineReader
	out io.Writer
}

func newPromptPresenter(rl lineReader, out io.Writer) *promptPresenter {
	return &promptPresenter{rl: rl, out: out}
}

func indent(raw json.RawMessage) string {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	pretty, err := json.MarshalIndent(v, "    ", "  ")
	if err != nil {
		return string(raw)
	}
	return string(pretty)
}

// Present implements conflict.Presenter.
func (p *promptPresenter) Present(ctx context.Context, c *models.Conflict, remaining int) (models.Resolution, error) {
	fmt.Fprintf(p.out, "\nConflict on %s %s (%d remaining)\n", c.EntityType, c.EntityKey, remaining)
	fmt.Fprintf(p.out, "  [l] mine, %s:\n    %s\n",
		time.UnixMilli(c.LocalVersion.Timestamp).Format(time.RFC3339), indent(c.LocalVersion.Payload))
	fmt.Fprintf(p.out, "  [s] server, %s:\n    %s\n",
		time.UnixMilli(c.ServerVersion.Timestamp).Format(time.RFC3339), indent(c.ServerVersion.Payload))

	p.rl.SetPrompt("Keep [l]ocal, [s]erver or [q]uit? ")
	for {
		if err := ctx.Err(); err != nil {
			return models.ResolutionNone, err
		}
		line, err := p.rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return models.ResolutionNone, conflict.ErrDeferred
		}
		if err != nil {
			return models.ResolutionNone, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "l", "local", "mine":
			return models.ResolutionLocal, nil
		case "s", "server":
			return models.ResolutionServer, nil
		case "q", "quit":
			return models.ResolutionNone, conflict.ErrDeferred
		default:
			fmt.Fprintln(p.out, "Please answer l, s or q.")
		}
	}
}

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "worker",
	Short:   "List unresolved conflicts, or resolve them interactively",
	RunE: func(cmd *cobra.Command, args []string) error {
		interactive, _ := cmd.Flags().GetBool("resolve")
		if !interactive {
			return withSession(cmd, nil, func(ctx context.Context, s *session) error {
				open, err := s.svc.Conflicts(ctx)
				if err != nil {
					return err
				}
				if len(open) == 0 {
					fmt.Println("no unresolved conflicts")
					return nil
				}
				for _, c := range open {
					fmt.Printf("%s  %s %s  detected %s\n", c.ID, c.EntityType, c.EntityKey,
						c.DetectedAtTime().Format(time.RFC3339))
				}
				return nil
			})
		}

		rl, err := readline.New("> ")
		if err != nil {
			return err
		}
		defer rl.Close()

		return withSession(cmd, newPromptPresenter(rl, rl.Stdout()), func(ctx context.Context, s *session) error {
			n, err := s.svc.ResolveAll(ctx)
			fmt.Printf("%d conflicts resolved\n", n)
			return err
		})
	},
}

func init() {
	conflictsCmd.Flags().Bool("resolve", false, "resolve conflicts one at a time")
}
