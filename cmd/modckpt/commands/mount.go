package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	ckptfuse "github.com/systemshift/modckpt/internal/fuse"
)

func newMountCommand(app *App) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Browse recorded checkpoints as a read-only filesystem",
		Long: `Mount every session's checkpoints read-only. Each checkpoint directory
shows the target's files as of that checkpoint. Unmounts on interrupt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mountpoint := args[0]
			if err := os.MkdirAll(mountpoint, 0755); err != nil {
				return fmt.Errorf("create mountpoint: %w", err)
			}
			return app.withEngine(cmd, func(s *session) error {
				server, err := ckptfuse.MountFS(mountpoint, s.Engine, debug)
				if err != nil {
					return fmt.Errorf("mount: %w", err)
				}
				s.logger.Info("mounted", "mountpoint", mountpoint, "target", s.Target())

				go func() {
					<-cmd.Context().Done()
					s.logger.Info("unmounting", "mountpoint", mountpoint)
					if err := server.Unmount(); err != nil {
						s.logger.Warn("unmount", "error", err)
					}
				}()
				server.Wait()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "log every FUSE request")
	return cmd
}
