package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newCleanupCommand(root *RootOptions) *cobra.Command {
	var every time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale instances and release their locks",
		Long: `Cleanup removes instances that missed heartbeats for longer than
coordination.staleness_window, releasing every lock they held, and releases
expired locks and locks whose owner is gone.

Coordination commands already sweep lazily, so cleanup is rarely needed.
Use --every to keep sweeping on an interval from a long-running process.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if every < 0 {
				return usageError(fmt.Errorf("--every must not be negative"))
			}

			if every > 0 {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				fmt.Fprintf(cmd.OutOrStdout(), "sweeping every %s; interrupt to stop\n", every)
				root.coord.StartSweeper(ctx, every)
				<-ctx.Done()
				root.coord.StopSweeper()
				return nil
			}

			res, err := root.coord.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return root.printer().line(res, "%s", sweepSummary(res))
		},
	}

	cmd.Flags().DurationVar(&every, "every", 0, "Keep sweeping at this interval until interrupted")

	return cmd
}
