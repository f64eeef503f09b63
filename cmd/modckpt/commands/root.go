package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCommand builds the modckpt command tree.
func NewRootCommand() *cobra.Command {
	app := &App{}

	rootCmd := &cobra.Command{
		Use:   "modckpt",
		Short: "Checkpoint and roll back module installations",
		Long: `modckpt records what each installation step changed in a target directory
and can roll the directory back to any recorded checkpoint.

Executor commands:
  session begin     Capture the baseline and start a session
  record            Record the files one step touched
  session complete  Close a session with its outcome

Browsing and recovery:
  sessions, checkpoints, diff, restore, delete, gc, usage, mount`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return validateOutput(app.Output)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&app.Target, "target", "C", ".", "target directory under checkpoint control")
	rootCmd.PersistentFlags().StringVar(&app.ConfigPath, "config", "", "config file (default: <target>/.modckpt/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&app.Output, "output", "o", OutputTable, "output format: table, yaml or json")

	rootCmd.AddCommand(
		newSessionCommand(app),
		newRecordCommand(app),
		newSessionsCommand(app),
		newCheckpointsCommand(app),
		newDiffCommand(app),
		newRestoreCommand(app),
		newDeleteCommand(app),
		newGCCommand(app),
		newUsageCommand(app),
		newMountCommand(app),
	)
	return rootCmd
}
