package commands

import (
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/systemshift/modckpt/internal/checkpoint"
	"github.com/systemshift/modckpt/internal/engine"
)

func newSessionsCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withEngine(cmd, func(s *session) error {
				sessions := s.ListSessions()
				return render(cmd.OutOrStdout(), app.Output, sessions, func() table.Writer {
					tbl := newTable()
					tbl.AppendHeader(table.Row{"Session", "Name", "Started", "Status", "Checkpoints"})
					for _, sess := range sessions {
						tbl.AppendRow(table.Row{
							sess.ID, sess.Name, humanize.Time(sess.StartTime), sessionStatus(sess), len(sess.Checkpoints),
						})
					}
					tbl.AppendFooter(table.Row{"", "", "", "Total", len(sessions)})
					return tbl
				})
			})
		},
	}
}

func newCheckpointsCommand(app *App) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "checkpoints <session>",
		Short: "List a session's checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withEngine(cmd, func(s *session) error {
				views, err := s.ListCheckpoints(args[0])
				if err != nil {
					return err
				}
				if !all && app.Output == OutputTable {
					views = withoutBaseline(views)
				}
				return render(cmd.OutOrStdout(), app.Output, views, func() table.Writer {
					tbl := newTable()
					tbl.AppendHeader(table.Row{"Seq", "Checkpoint", "Component", "Recorded", "Files", "Stored", "Flags"})
					for _, v := range views {
						tbl.AppendRow(table.Row{
							v.Sequence,
							shortID(v.ID),
							v.Component,
							humanize.Time(v.Timestamp),
							len(v.Added) + len(v.Modified) + len(v.Deleted),
							humanize.Bytes(uint64(v.DeltaSize)),
							checkpointFlags(v),
						})
					}
					return tbl
				})
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include the baseline checkpoint")
	return cmd
}

func withoutBaseline(views []engine.CheckpointView) []engine.CheckpointView {
	out := make([]engine.CheckpointView, 0, len(views))
	for _, v := range views {
		if !v.Baseline {
			out = append(out, v)
		}
	}
	return out
}

func checkpointFlags(v engine.CheckpointView) string {
	var flags []string
	if v.Baseline {
		flags = append(flags, "baseline")
	}
	if v.IsAnchor {
		flags = append(flags, "anchor")
	}
	if v.Current {
		flags = append(flags, "current")
	}
	if v.Superseded {
		flags = append(flags, "superseded")
	}
	return strings.Join(flags, ",")
}

// diffEntry is one line of diff output.
type diffEntry struct {
	Status string `json:"status"`
	Path   string `json:"path"`
}

// diffEntries flattens a checkpoint-to-live delta into status/path pairs
// sorted by path.
func diffEntries(d checkpoint.Delta) []diffEntry {
	out := make([]diffEntry, 0, len(d.Added)+len(d.Modified)+len(d.Deleted))
	for p := range d.Added {
		out = append(out, diffEntry{Status: "extra", Path: p})
	}
	for p := range d.Modified {
		out = append(out, diffEntry{Status: "changed", Path: p})
	}
	for _, p := range d.Deleted {
		out = append(out, diffEntry{Status: "missing", Path: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func newDiffCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <session> <checkpoint> [path]...",
		Short: "Compare the target with a checkpoint",
		Long: `Compare the live target with the file view at a checkpoint. The checkpoint
is named by ID or sequence number. Without paths, every path the session
manages is compared.

  missing  the checkpoint has the file, the target does not
  changed  both have the file with different content
  extra    the target has a file the checkpoint does not`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withEngine(cmd, func(s *session) error {
				delta, err := s.Diff(cmd.Context(), args[0], args[1], args[2:])
				if err != nil {
					return err
				}
				entries := diffEntries(delta)
				return render(cmd.OutOrStdout(), app.Output, entries, func() table.Writer {
					tbl := newTable()
					tbl.AppendHeader(table.Row{"Status", "Path"})
					for _, e := range entries {
						tbl.AppendRow(table.Row{e.Status, e.Path})
					}
					tbl.AppendFooter(table.Row{"Total", len(entries)})
					return tbl
				})
			})
		},
	}
}

func newUsageCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show disk usage of the checkpoint store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withEngine(cmd, func(s *session) error {
				u, err := s.Usage()
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), app.Output, u, func() table.Writer {
					tbl := newTable()
					tbl.AppendHeader(table.Row{"Sessions", "Checkpoints", "Objects", "Stored"})
					tbl.AppendRow(table.Row{u.Sessions, u.Checkpoints, u.Store.Objects, humanize.Bytes(uint64(u.Store.Bytes))})
					return tbl
				})
			})
		},
	}
}
