package commands

import (
	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newDeleteCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session>...",
		Short: "Delete sessions; run gc afterwards to reclaim space",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withEngine(cmd, func(s *session) error {
				for _, id := range args {
					if err := s.DeleteSession(id); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newGCCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete stored objects no session references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withEngine(cmd, func(s *session) error {
				res, err := s.CollectGarbage(cmd.Context(), progressPrinter(cmd.ErrOrStderr(), "sweep"))
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), app.Output, res, func() table.Writer {
					tbl := newTable()
					tbl.AppendHeader(table.Row{"Reclaimed", "Freed", "Retained", "Stale temp", "Anchors pruned"})
					tbl.AppendRow(table.Row{
						res.Reclaimed, humanize.Bytes(uint64(res.ReclaimedBytes)), res.Retained, res.StaleTemp, res.AnchorsPruned,
					})
					return tbl
				})
			})
		},
	}
}
