package commands

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/systemshift/modckpt/internal/checkpoint"
	"github.com/systemshift/modckpt/internal/engine"
)

func newSessionCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Begin or complete an installation session",
	}
	cmd.AddCommand(newSessionBeginCommand(app), newSessionCompleteCommand(app))
	return cmd
}

func newSessionBeginCommand(app *App) *cobra.Command {
	var scope []string

	cmd := &cobra.Command{
		Use:   "begin [name]",
		Short: "Capture the baseline and start a session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return app.withEngine(cmd, func(s *session) error {
				sess, err := s.BeginSession(cmd.Context(), name, engine.BeginOptions{
					Scope:    scope,
					Progress: progressPrinter(cmd.ErrOrStderr(), "baseline"),
				})
				if err != nil {
					return err
				}
				return renderSession(cmd, app.Output, sess)
			})
		},
	}
	cmd.Flags().StringSliceVar(&scope, "scope", nil, "limit the baseline to these paths (repeatable)")
	return cmd
}

func newSessionCompleteCommand(app *App) *cobra.Command {
	var outcome string

	cmd := &cobra.Command{
		Use:   "complete <session>",
		Short: "Close a session with the installation's outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withEngine(cmd, func(s *session) error {
				sess, err := s.CompleteSession(args[0], checkpoint.Outcome(outcome))
				if err != nil {
					return err
				}
				return renderSession(cmd, app.Output, sess)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", string(checkpoint.OutcomeSucceeded), "succeeded, failed or aborted")
	return cmd
}

func newRecordCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "record <session> <component> <path>...",
		Short: "Record the files one installation step touched",
		Long: `Record a checkpoint for one installation step. Paths are relative to the
target and may name files or directories; a path that no longer exists is
recorded as deleted.`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withEngine(cmd, func(s *session) error {
				cp, err := s.RecordCheckpoint(cmd.Context(), args[0], args[1], args[2:],
					progressPrinter(cmd.ErrOrStderr(), "record"))
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), app.Output, cp, func() table.Writer {
					tbl := newTable()
					tbl.AppendHeader(table.Row{"Seq", "Checkpoint", "Component", "Added", "Modified", "Deleted", "Anchor"})
					tbl.AppendRow(table.Row{
						cp.Sequence, shortID(cp.ID), cp.Component,
						len(cp.Delta.Added), len(cp.Delta.Modified), len(cp.Delta.Deleted), cp.IsAnchor,
					})
					return tbl
				})
			})
		},
	}
}

func renderSession(cmd *cobra.Command, format string, s checkpoint.Session) error {
	return render(cmd.OutOrStdout(), format, s, func() table.Writer {
		tbl := newTable()
		tbl.AppendHeader(table.Row{"Session", "Name", "Status", "Checkpoints"})
		tbl.AppendRow(table.Row{s.ID, s.Name, sessionStatus(s), len(s.Checkpoints)})
		return tbl
	})
}

func sessionStatus(s checkpoint.Session) string {
	if !s.Complete {
		return "recording"
	}
	return fmt.Sprint(s.Outcome)
}
