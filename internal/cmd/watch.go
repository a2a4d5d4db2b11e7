package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Iron-Ham/concord/internal/status"
	"github.com/Iron-Ham/concord/internal/tui"
)

func newWatchCommand(root *RootOptions) *cobra.Command {
	var refresh time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open a live view of the coordination state",
		Long: `Watch shows the same snapshot as status and refreshes it whenever a
record under the coordination root changes, and on a timer so lock
countdowns keep moving. When stdout is not a terminal it prints a fresh
snapshot every refresh instead.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, root, status.Options{DecisionLimit: root.cfg.Decision.DefaultLimit}, refresh)
		},
	}

	cmd.Flags().DurationVar(&refresh, "refresh", tui.DefaultRefresh, "How often to refresh without a change")

	return cmd
}

func runWatch(cmd *cobra.Command, root *RootOptions, statusOpts status.Options, refresh time.Duration) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := tui.Options{
		Dir:     root.dir,
		Status:  statusOpts,
		Refresh: refresh,
		Color:   root.cfg.Output.Color,
		Logger:  root.logger,
	}

	out := cmd.OutOrStdout()
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return tui.New(root.coord, cmd.InOrStdin(), out, opts).Run(ctx)
	}
	return tui.RunPlain(ctx, root.coord, out, opts)
}
