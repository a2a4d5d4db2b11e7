package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/concord/internal/status"
	"github.com/Iron-Ham/concord/internal/tui/view"
)

type statusOptions struct {
	watch    bool
	category string
	limit    int
}

func newStatusCommand(root *RootOptions) *cobra.Command {
	opts := &statusOptions{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show instances, locks and recent decisions",
		Long: `Display a snapshot of the coordination state: live instances with the
locks they hold, stale instances and locks awaiting a sweep, and the most
recent decisions.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			statusOpts := status.Options{
				DecisionLimit: opts.limit,
				Category:      opts.category,
			}
			if statusOpts.DecisionLimit < 0 {
				statusOpts.DecisionLimit = root.cfg.Decision.DefaultLimit
			}
			if opts.watch {
				return runWatch(cmd, root, statusOpts, 0)
			}
			return runStatus(cmd, root, statusOpts)
		},
	}

	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "Keep the view open and refresh it as state changes")
	cmd.Flags().StringVar(&opts.category, "category", "", "Only show decisions in this category")
	cmd.Flags().IntVar(&opts.limit, "limit", -1, "Number of recent decisions to show (default decision.default_limit)")

	return cmd
}

func runStatus(cmd *cobra.Command, root *RootOptions, opts status.Options) error {
	snap, err := root.coord.Status(cmd.Context(), opts)
	if err != nil {
		return err
	}
	p := root.printer()
	return p.emit(snap, func() string { return view.Status(p.styles, snap) })
}
