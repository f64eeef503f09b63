package commands

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newRestoreCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <session> <checkpoint>",
		Short: "Roll the target back (or forward) to a checkpoint",
		Long: `Rewrite every path the session manages so the target matches the
checkpoint, named by ID or sequence number. Paths the session never touched
are left alone. An interrupted restore is resumed by running the same
command again.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withEngine(cmd, func(s *session) error {
				res, err := s.RestoreToCheckpoint(cmd.Context(), args[0], args[1],
					progressPrinter(cmd.ErrOrStderr(), "restore"))
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), app.Output, res, func() table.Writer {
					tbl := newTable()
					tbl.AppendHeader(table.Row{"Operations", "Written", "Deleted", "Bytes", "Resumed"})
					tbl.AppendRow(table.Row{res.Total, res.Written, res.Deleted, humanize.Bytes(uint64(res.Bytes)), res.Resumed})
					return tbl
				})
			})
		},
	}
	cmd.AddCommand(newRestoreStatusCommand(app), newRestoreAbandonCommand(app))
	return cmd
}

// restoreStatus describes a pending restore.
type restoreStatus struct {
	Pending    bool      `json:"pending"`
	Session    string    `json:"session,omitempty"`
	Checkpoint string    `json:"checkpoint,omitempty"`
	Sequence   int       `json:"sequence,omitempty"`
	Applied    int       `json:"applied,omitempty"`
	Total      int       `json:"total,omitempty"`
	Started    time.Time `json:"started,omitzero"`
}

func newRestoreStatusCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show an interrupted restore, if any",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withEngine(cmd, func(s *session) error {
				m, ok, err := s.RestoreStatus()
				if err != nil {
					return err
				}
				st := restoreStatus{Pending: ok}
				if ok {
					st = restoreStatus{
						Pending:    true,
						Session:    m.SessionID,
						Checkpoint: m.CheckpointID,
						Sequence:   m.Sequence,
						Applied:    m.Applied,
						Total:      m.Total(),
						Started:    m.Started,
					}
				}
				if !ok && app.Output == OutputTable {
					_, err := fmt.Fprintln(cmd.OutOrStdout(), "No restore pending.")
					return err
				}
				return render(cmd.OutOrStdout(), app.Output, st, func() table.Writer {
					tbl := newTable()
					tbl.AppendHeader(table.Row{"Session", "Seq", "Checkpoint", "Applied", "Started"})
					tbl.AppendRow(table.Row{
						st.Session, st.Sequence, shortID(st.Checkpoint),
						fmt.Sprintf("%d/%d", st.Applied, st.Total), humanize.Time(st.Started),
					})
					return tbl
				})
			})
		},
	}
}

func newRestoreAbandonCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "abandon",
		Short: "Discard an interrupted restore without touching the target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withEngine(cmd, func(s *session) error {
				return s.AbandonRestore()
			})
		},
	}
}
