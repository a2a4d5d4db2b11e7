package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/concord/internal/filelock"
	"github.com/Iron-Ham/concord/internal/tui/view"
)

func newLockCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire, release and inspect file locks",
		Long: `A lock is an exclusive, time-limited claim on one file. Acquire it
before editing and release it afterwards. A lock that is not renewed
expires after lock.ttl, after which another instance may reclaim it.

Resources are paths relative to the repository root, or absolute paths
inside it. The same file locked from two worktrees is the same resource.`,
	}

	cmd.AddCommand(newLockListCommand(root))
	cmd.AddCommand(newLockCheckCommand(root))
	cmd.AddCommand(newLockAcquireCommand(root))
	cmd.AddCommand(newLockReleaseCommand(root))
	cmd.AddCommand(newLockRenewCommand(root))
	cmd.AddCommand(newLockForceReleaseCommand(root))
	cmd.AddCommand(newLockCleanupCommand(root))

	return cmd
}

func newLockListCommand(root *RootOptions) *cobra.Command {
	var opts filelock.ListOptions
	var mine bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live locks",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if mine {
				id, err := root.instanceID()
				if err != nil {
					return err
				}
				opts.Owner = id
			}
			locks, err := root.coord.ListLocks(cmd.Context(), opts)
			if err != nil {
				return err
			}
			p := root.printer()
			return p.emit(nonNil(locks), func() string {
				if len(locks) == 0 {
					return p.styles.Muted.Render("No files locked.")
				}
				return view.Locks(p.styles, locks, time.Now())
			})
		},
	}

	cmd.Flags().StringVar(&opts.Owner, "owner", "", "Only show locks held by this instance")
	cmd.Flags().StringVar(&opts.Pattern, "pattern", "", "Only show resources matching this glob (e.g. 'internal/**/*.go')")
	cmd.Flags().BoolVarP(&opts.IncludeExpired, "all", "a", false, "Include expired locks awaiting a sweep")
	cmd.Flags().BoolVar(&mine, "mine", false, "Only show locks held by the current instance")

	return cmd
}

func newLockCheckCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <resource>",
		Short: "Check whether a locked file changed since it was locked",
		Long: `Check compares the file's current content with the fingerprint taken
when its lock was acquired. It exits with 12 when the file changed.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := root.coord.CheckConflict(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			p := root.printer()
			switch res.Outcome {
			case filelock.Modified:
				if err := p.line(res, "%s changed since %s locked it", res.Lock.ResourceKey, res.Lock.OwnerInstanceID); err != nil {
					return err
				}
				return exitWith(ExitConflict)
			case filelock.Unmodified:
				return p.line(res, "%s is unchanged since %s locked it", res.Lock.ResourceKey, res.Lock.OwnerInstanceID)
			default:
				return p.line(res, "%s is not locked", args[0])
			}
		},
	}
}

func newLockAcquireCommand(root *RootOptions) *cobra.Command {
	var (
		reason  string
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "acquire <resource>",
		Short: "Lock a file for the current instance",
		Long: `Acquire locks a file for the current instance. It exits with 10 when
another instance holds the lock and 11 when an expired lock was reclaimed,
in which case the previous owner probably crashed mid-edit and the file
should be checked before editing.

With --wait, acquire retries with backoff until the lock is free or the
timeout passes, heartbeating the instance while it waits.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := root.instanceID()
			if err != nil {
				return err
			}

			var res filelock.AcquireResult
			if wait {
				ctx := cmd.Context()
				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				res, err = root.coord.AcquireWait(ctx, id, args[0], reason)
			} else {
				res, err = root.coord.Acquire(cmd.Context(), id, args[0], reason)
			}
			if err != nil {
				return err
			}
			return printAcquire(root.printer(), res)
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Why the file is being locked, shown to other instances")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the lock instead of failing when it is held")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up waiting after this long (default: no limit)")

	return cmd
}

func printAcquire(p printer, res filelock.AcquireResult) error {
	l := res.Lock
	switch res.Outcome {
	case filelock.Denied:
		if err := p.line(res, "%s is locked by %s%s, %s", l.ResourceKey, l.OwnerInstanceID, reasonSuffix(l.Reason), view.Expiry(time.Now(), l)); err != nil {
			return err
		}
		return exitWith(ExitLockHeld)
	case filelock.StaleReclaimed:
		if err := p.line(res, "reclaimed %s from %s, whose lock expired; check the file before editing", l.ResourceKey, res.PreviousOwner); err != nil {
			return err
		}
		return exitWith(ExitStaleReclaimed)
	case filelock.Renewed:
		return p.line(res, "already held %s, extended until %s", l.ResourceKey, clock(l.ExpiresAt))
	default:
		return p.line(res, "locked %s until %s", l.ResourceKey, clock(l.ExpiresAt))
	}
}

func newLockReleaseCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "release <resource>",
		Short: "Release a lock held by the current instance",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := root.instanceID()
			if err != nil {
				return err
			}
			res, err := root.coord.Release(cmd.Context(), id, args[0])
			if err != nil {
				return err
			}

			p := root.printer()
			switch res.Outcome {
			case filelock.NotOwner:
				if err := p.line(res, "%s is held by %s, not %s", args[0], res.Owner, id); err != nil {
					return err
				}
				return exitWith(ExitLockHeld)
			case filelock.AlreadyAbsent:
				return p.line(res, "%s was not locked", args[0])
			default:
				return p.line(res, "released %s", args[0])
			}
		},
	}
}

func newLockRenewCommand(root *RootOptions) *cobra.Command {
	var refingerprint bool

	cmd := &cobra.Command{
		Use:   "renew <resource>",
		Short: "Extend a lock held by the current instance",
		Long: `Renew extends the lock's expiry by lock.ttl. With --refingerprint it
also records the file's current content, so the instance's own edits are
not reported as conflicts by lock check.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := root.instanceID()
			if err != nil {
				return err
			}
			res, err := root.coord.Renew(cmd.Context(), id, args[0], refingerprint)
			if err != nil {
				return err
			}

			p := root.printer()
			switch res.Outcome {
			case filelock.NotOwner:
				if err := p.line(res, "%s is held by %s, not %s", args[0], res.Owner, id); err != nil {
					return err
				}
				return exitWith(ExitLockHeld)
			case filelock.AlreadyAbsent:
				if err := p.line(res, "no live lock on %s; acquire it again and check the file", args[0]); err != nil {
					return err
				}
				return exitWith(ExitStaleReclaimed)
			default:
				return p.line(res, "renewed %s until %s", res.Lock.ResourceKey, clock(res.Lock.ExpiresAt))
			}
		},
	}

	cmd.Flags().BoolVar(&refingerprint, "refingerprint", false, "Record the file's current content as the new baseline")

	return cmd
}

func newLockForceReleaseCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "force-release <resource>",
		Short: "Remove a lock regardless of its owner",
		Long: `Force-release removes a lock whatever instance holds it. Use it to
recover from a crashed instance without waiting for the lock to expire.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := root.coord.ForceRelease(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			p := root.printer()
			if res.Outcome == filelock.AlreadyAbsent {
				return p.line(res, "%s was not locked", args[0])
			}
			return p.line(res, "released %s, held by %s", args[0], res.Owner)
		},
	}
}

func newLockCleanupCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Release expired locks and locks whose owner is gone",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			released, err := root.coord.ReleaseStaleLocks(cmd.Context())
			if err != nil {
				return err
			}
			return root.printer().line(nonNil(released), "released %d lock(s)", len(released))
		},
	}
}

func reasonSuffix(reason string) string {
	if reason == "" {
		return ""
	}
	return fmt.Sprintf(" (%s)", reason)
}
