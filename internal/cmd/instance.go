package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/concord/internal/errors"
	"github.com/Iron-Ham/concord/internal/registry"
	"github.com/Iron-Ham/concord/internal/tui/view"
)

func newInstanceCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Register and manage coordinating instances",
		Long: `An instance is one agent or editor process taking part in coordination.
Register once at startup, heartbeat while working, and unregister on exit.

Register prints the new instance id. Export it so later commands act as
that instance:

  export CONCORD_INSTANCE_ID=$(concord instance register --task "auth refactor")`,
	}

	cmd.AddCommand(newInstanceRegisterCommand(root))
	cmd.AddCommand(newInstanceHeartbeatCommand(root))
	cmd.AddCommand(newInstanceUpdateCommand(root))
	cmd.AddCommand(newInstanceUnregisterCommand(root))
	cmd.AddCommand(newInstanceListCommand(root))

	return cmd
}

func newInstanceRegisterCommand(root *RootOptions) *cobra.Command {
	var opts registry.RegisterOptions

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new instance and print its id",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Role == "" {
				opts.Role = root.cfg.Instance.Role
			}
			if opts.Branch == "" {
				opts.Branch = root.git.Branch
			}
			if opts.WorktreePath == "" {
				opts.WorktreePath = root.git.TopLevel
			}

			inst, err := root.coord.Register(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return root.printer().line(inst, "%s", inst.InstanceID)
		},
	}

	cmd.Flags().StringVar(&opts.Role, "role", "", "Role of the instance (default instance.role)")
	cmd.Flags().StringVar(&opts.Task, "task", "", "What the instance is working on")
	cmd.Flags().StringVar(&opts.Branch, "branch", "", "Branch the instance works on (default is the current branch)")
	cmd.Flags().StringVar(&opts.WorktreePath, "worktree", "", "Worktree the instance works in (default is the current worktree)")

	return cmd
}

func newInstanceHeartbeatCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat",
		Short: "Mark the instance as alive and extend its locks",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := root.instanceID()
			if err != nil {
				return err
			}
			report, err := root.coord.Heartbeat(cmd.Context(), id)
			if err != nil {
				return err
			}

			p := root.printer()
			if report.Result == registry.Missing {
				if err := p.line(report, "%s is not registered; register again", id); err != nil {
					return err
				}
				return exitWith(ExitInstanceAbsent)
			}
			return p.line(report, "heartbeat recorded for %s, %d lock(s) extended", id, len(report.RenewedLocks))
		},
	}
}

func newInstanceUpdateCommand(root *RootOptions) *cobra.Command {
	var role, task string

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Change the instance's role or task description",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" && task == "" {
				return usageError(fmt.Errorf("nothing to update; pass --role or --task"))
			}
			id, err := root.instanceID()
			if err != nil {
				return err
			}
			res, err := root.coord.Update(cmd.Context(), id, role, task)
			if err != nil {
				return err
			}

			p := root.printer()
			data := map[string]any{"instance_id": id, "result": res}
			if res == registry.Missing {
				if err := p.line(data, "%s is not registered; register again", id); err != nil {
					return err
				}
				return exitWith(ExitInstanceAbsent)
			}
			return p.line(data, "updated %s", id)
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "New role")
	cmd.Flags().StringVar(&task, "task", "", "New task description")

	return cmd
}

func newInstanceUnregisterCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unregister",
		Short: "Release the instance's locks and remove it",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := root.instanceID()
			if err != nil {
				return err
			}
			res, err := root.coord.Unregister(cmd.Context(), id)
			if err != nil {
				return err
			}

			data := map[string]any{
				"instance_id":    id,
				"removed":        res.Removed,
				"released_locks": nonNil(res.ReleasedLocks),
			}
			if !res.Removed {
				return root.printer().line(data, "%s was not registered, released %d lock(s)", id, len(res.ReleasedLocks))
			}
			return root.printer().line(data, "unregistered %s, released %d lock(s)", id, len(res.ReleasedLocks))
		},
	}
}

func newInstanceListCommand(root *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered instances",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			insts, err := root.coord.Instances(cmd.Context(), all)
			if err != nil {
				return err
			}
			p := root.printer()
			return p.emit(nonNil(insts), func() string {
				if len(insts) == 0 {
					return p.styles.Muted.Render("No live instances.")
				}
				return view.Instances(p.styles, insts, time.Now(), root.coord.Settings().StalenessWindow)
			})
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include stale instances awaiting a sweep")

	return cmd
}

func newPeersCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List other live instances and the branches they work on",
		Long: `Peers lists every live instance except the current one. Merge-conflict
prediction tools use it to learn which branches are being changed
concurrently.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			self, err := root.instanceID()
			if err != nil && !errors.Is(err, errors.ErrNoInstance) {
				return err
			}
			peers, err := root.coord.Peers(cmd.Context(), self)
			if err != nil {
				return err
			}
			p := root.printer()
			return p.emit(nonNil(peers), func() string {
				if len(peers) == 0 {
					return p.styles.Muted.Render("No other live instances.")
				}
				return view.Instances(p.styles, peers, time.Now(), root.coord.Settings().StalenessWindow)
			})
		},
	}
}

// nonNil keeps empty results as [] rather than null in JSON output.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
