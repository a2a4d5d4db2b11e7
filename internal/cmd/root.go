// Package cmd implements the concord command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/concord/internal/config"
	"github.com/Iron-Ham/concord/internal/coord"
	"github.com/Iron-Ham/concord/internal/errors"
	"github.com/Iron-Ham/concord/internal/logging"
	"github.com/Iron-Ham/concord/internal/storage"
	"github.com/Iron-Ham/concord/internal/sweeper"
	"github.com/Iron-Ham/concord/internal/worktree"
)

// RootOptions holds the global flags and the state every command shares
// once PersistentPreRunE has run.
type RootOptions struct {
	ConfigFile string
	Repo       string

	v      *viper.Viper
	cfg    *config.Config
	git    worktree.Context
	dir    string
	coord  *coord.Coordinator
	logger *logging.Logger
	out    io.Writer
}

// NewRootCommand creates the root command with every subcommand attached.
// The returned options own the coordinator the command opens; Close them
// once the command has run.
func NewRootCommand() (*cobra.Command, *RootOptions) {
	opts := &RootOptions{v: config.New()}

	cmd := &cobra.Command{
		Use:   "concord",
		Short: "Coordinate concurrent agents working in one repository",
		Long: `Concord lets several independent agent or editor processes share a
repository safely. Instances register and heartbeat, lock files before
editing them, and record architectural decisions in a shared log. All state
lives in files under the repository's coordination root, shared by every
git worktree.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	// Global flags
	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigFile, "config", "c", "", "config file (default is $XDG_CONFIG_HOME/concord/config.yaml)")
	flags.StringVar(&opts.Repo, "repo", "", "repository to coordinate (default is the working directory)")
	flags.String("dir", "", "coordination root (default is <main worktree>/.concord)")
	flags.StringP("instance", "i", "", "instance id to act as (env CONCORD_INSTANCE_ID)")
	flags.StringP("output", "o", "", "output format: text, json, or yaml")
	flags.Bool("json", false, "shorthand for --output json")
	flags.String("color", "", "color mode: auto, always, or never")
	_ = opts.v.BindPFlag("coordination.dir", flags.Lookup("dir"))
	_ = opts.v.BindPFlag("instance.id", flags.Lookup("instance"))
	_ = opts.v.BindPFlag("output.format", flags.Lookup("output"))
	_ = opts.v.BindPFlag("output.color", flags.Lookup("color"))

	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newInstanceCommand(opts))
	cmd.AddCommand(newPeersCommand(opts))
	cmd.AddCommand(newLockCommand(opts))
	cmd.AddCommand(newDecisionCommand(opts))
	cmd.AddCommand(newCleanupCommand(opts))
	cmd.AddCommand(newHookCommand(opts))

	return cmd, opts
}

// Execute runs the root command
func Execute() error {
	cmd, opts := NewRootCommand()
	return run(cmd, opts)
}

func run(cmd *cobra.Command, opts *RootOptions) error {
	ran, err := cmd.ExecuteC()
	var exit *ExitError
	if err != nil && !(errors.As(err, &exit) && exit.Err == nil) {
		opts.logger.Failure("command failed", err, "command", ran.CommandPath())
	}
	if closeErr := opts.Close(); err == nil {
		err = closeErr
	}
	if err != nil && strings.HasPrefix(err.Error(), "unknown command") {
		return usageError(err)
	}
	return err
}

// setup loads configuration, finds the coordination root and opens the
// coordinator.
func (o *RootOptions) setup(cmd *cobra.Command) error {
	o.out = cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		o.v.Set("output.format", "json")
	}

	repo := o.Repo
	if repo == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
		repo = cwd
	}
	repo, err := filepath.Abs(repo)
	if err != nil {
		return err
	}

	// Outside a git repository only an explicit coordination root works.
	gitCtx, gitErr := worktree.NewResolver().Discover(repo)
	if gitErr != nil {
		gitCtx = worktree.Context{TopLevel: repo, MainRoot: repo}
	}

	dir := coordinationDir(o.v.GetString("coordination.dir"), gitCtx, gitErr)

	if err := config.ReadFiles(o.v, o.ConfigFile, dir); err != nil {
		return usageError(fmt.Errorf("failed to read config: %w", err))
	}
	cfg, err := config.Load(o.v)
	if err != nil {
		return usageError(err)
	}

	// A config file may move the root it was read from.
	dir = coordinationDir(cfg.Coordination.Dir, gitCtx, gitErr)
	if dir == "" {
		return usageError(fmt.Errorf("%s is not inside a git repository; pass --dir: %w", repo, gitErr))
	}

	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		logger, err = logging.NewLogger(dir, cfg.Logging.Level, cfg.Logging.Rotation())
		if err != nil {
			return fmt.Errorf("failed to open debug log: %w", err)
		}
	}
	if cfg.Instance.ID != "" {
		logger = logger.WithInstance(cfg.Instance.ID)
	}

	c, err := coord.Open(cmd.Context(), settingsFor(cfg, dir, gitCtx.TopLevel),
		coord.WithLogger(logger),
		coord.WithSweepReporter(o.reportSweep),
	)
	if err != nil {
		_ = logger.Close()
		return err
	}

	o.cfg = cfg
	o.git = gitCtx
	o.dir = dir
	o.logger = logger
	o.coord = c
	return nil
}

// Close releases the coordinator and the debug log.
func (o *RootOptions) Close() error {
	var errs []error
	if o.coord != nil {
		errs = append(errs, o.coord.Close())
		o.coord = nil
	}
	if o.logger != nil {
		errs = append(errs, o.logger.Close())
		o.logger = nil
	}
	return errors.Join(errs...)
}

// coordinationDir resolves a configured root against the main worktree,
// falling back to the repository default.
func coordinationDir(configured string, gitCtx worktree.Context, gitErr error) string {
	switch {
	case configured != "" && filepath.IsAbs(configured):
		return configured
	case configured != "":
		return filepath.Join(gitCtx.MainRoot, configured)
	case gitErr == nil:
		return gitCtx.CoordinationDir()
	default:
		return ""
	}
}

// instanceID returns the instance the command acts as.
func (o *RootOptions) instanceID() (string, error) {
	if o.cfg.Instance.ID == "" {
		return "", errors.ErrNoInstance
	}
	return o.cfg.Instance.ID, nil
}

// reportSweep prints the sweeps run by `cleanup --every`.
func (o *RootOptions) reportSweep(res sweeper.Result, err error) {
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(o.out, "sweep failed: %v\n", err)
		}
		return
	}
	if !res.Empty() {
		fmt.Fprintln(o.out, sweepSummary(res))
	}
}

func settingsFor(cfg *config.Config, dir, repoRoot string) coord.Settings {
	s := coord.DefaultSettings(dir, repoRoot)
	s.StalenessWindow = cfg.Coordination.StalenessWindow
	s.SweepInterval = cfg.Coordination.SweepInterval
	s.LockTTL = cfg.Lock.TTL
	s.RenewOnHeartbeat = cfg.Lock.RenewOnHeartbeat
	s.WaitBaseDelay = cfg.Lock.WaitBaseDelay
	s.WaitMaxDelay = cfg.Lock.WaitMaxDelay
	s.Storage = storage.Options{
		Backend:    cfg.Storage.Backend,
		SQLitePath: cfg.Storage.SQLitePath,
	}
	return s
}
