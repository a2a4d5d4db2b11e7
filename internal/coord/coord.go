// Package coord wires the concord components over one coordination store and
// is the entry point for every consumer: the CLI, the hook dispatcher, and
// the watch view.
//
// A Coordinator holds no coordination state of its own. Every call reads and
// writes the shared store, and the sweeper runs lazily inside ordinary calls
// so that crashed instances are cleaned up without a resident daemon.
package coord

import (
	"context"
	"time"

	"github.com/Iron-Ham/concord/internal/decision"
	"github.com/Iron-Ham/concord/internal/errors"
	"github.com/Iron-Ham/concord/internal/filelock"
	"github.com/Iron-Ham/concord/internal/logging"
	"github.com/Iron-Ham/concord/internal/registry"
	"github.com/Iron-Ham/concord/internal/session"
	"github.com/Iron-Ham/concord/internal/status"
	"github.com/Iron-Ham/concord/internal/storage"
	"github.com/Iron-Ham/concord/internal/sweeper"
)

// Settings are the tunables a Coordinator runs with.
type Settings struct {
	// Dir is the coordination root holding the store.
	Dir string
	// RepoRoot is the directory relative lock paths resolve against.
	RepoRoot string

	StalenessWindow time.Duration
	// SweepInterval throttles lazy sweeps. Zero or negative disables them.
	SweepInterval time.Duration

	LockTTL          time.Duration
	RenewOnHeartbeat bool
	WaitBaseDelay    time.Duration
	WaitMaxDelay     time.Duration

	Storage storage.Options
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings(dir, repoRoot string) Settings {
	return Settings{
		Dir:              dir,
		RepoRoot:         repoRoot,
		StalenessWindow:  registry.DefaultStalenessWindow,
		SweepInterval:    sweeper.DefaultInterval,
		LockTTL:          filelock.DefaultTTL,
		RenewOnHeartbeat: true,
		WaitBaseDelay:    250 * time.Millisecond,
		WaitMaxDelay:     5 * time.Second,
	}
}

// Coordinator is the assembled set of components.
type Coordinator struct {
	settings Settings
	store    storage.Backend
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	logger   *logging.Logger
	reporter func(sweeper.Result, error)

	registry  *registry.Registry
	locks     *filelock.Manager
	decisions *decision.Log
	sweeper   *sweeper.Sweeper
	status    *status.Facade
	sessions  *session.Store
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now in every component, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithLogger sets the logger every component derives its own from.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSleep replaces the wait used between AcquireWait attempts, for tests.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Coordinator) {
		c.sleep = sleep
	}
}

// WithSweepReporter registers a callback for sweeps run by StartSweeper.
func WithSweepReporter(fn func(sweeper.Result, error)) Option {
	return func(c *Coordinator) {
		c.reporter = fn
	}
}

// Open opens the store described by settings and assembles a Coordinator
// over it. The caller must Close it.
func Open(ctx context.Context, settings Settings, opts ...Option) (*Coordinator, error) {
	store, err := storage.Open(ctx, settings.Dir, settings.Storage)
	if err != nil {
		return nil, err
	}
	return New(store, settings, opts...), nil
}

// New assembles a Coordinator over an already open store.
func New(store storage.Backend, settings Settings, opts ...Option) *Coordinator {
	c := &Coordinator{
		settings: settings,
		store:    store,
		now:      time.Now,
		sleep:    sleepContext,
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.settings.StalenessWindow <= 0 {
		c.settings.StalenessWindow = registry.DefaultStalenessWindow
	}
	if c.settings.LockTTL <= 0 {
		c.settings.LockTTL = filelock.DefaultTTL
	}

	c.locks = filelock.NewManager(store, settings.RepoRoot,
		filelock.WithTTL(c.settings.LockTTL),
		filelock.WithClock(c.now),
		filelock.WithLogger(c.logger),
	)
	c.registry = registry.New(store, c.locks,
		registry.WithClock(c.now),
		registry.WithLogger(c.logger),
	)
	c.decisions = decision.New(store,
		decision.WithClock(c.now),
		decision.WithLogger(c.logger),
	)
	sweepOpts := []sweeper.Option{sweeper.WithClock(c.now), sweeper.WithLogger(c.logger)}
	if c.reporter != nil {
		sweepOpts = append(sweepOpts, sweeper.WithReporter(c.reporter))
	}
	c.sweeper = sweeper.New(store, c.registry, c.locks, sweepOpts...)
	c.status = status.New(c.registry, c.locks, c.decisions, c.sweeper)
	c.sessions = session.NewStore(store, session.WithClock(c.now), session.WithLogger(c.logger))
	return c
}

// Close releases the store.
func (c *Coordinator) Close() error {
	return c.store.Close()
}

// Settings returns the effective settings.
func (c *Coordinator) Settings() Settings { return c.settings }

// Registry returns the instance registry.
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// Locks returns the lock manager.
func (c *Coordinator) Locks() *filelock.Manager { return c.locks }

// Decisions returns the decision log.
func (c *Coordinator) Decisions() *decision.Log { return c.decisions }

// Sessions returns the host session bindings.
func (c *Coordinator) Sessions() *session.Store { return c.sessions }

// Register adds a new instance.
func (c *Coordinator) Register(ctx context.Context, opts registry.RegisterOptions) (registry.Instance, error) {
	if err := c.maybeSweep(ctx); err != nil {
		return registry.Instance{}, err
	}
	return c.registry.Register(ctx, opts)
}

// HeartbeatReport is the result of Heartbeat.
type HeartbeatReport struct {
	Result registry.HeartbeatResult `json:"result"`
	// RenewedLocks lists the locks whose TTL was extended along with the
	// heartbeat.
	RenewedLocks []string `json:"renewed_locks,omitempty"`
}

// Heartbeat marks id alive and, when configured, extends the TTL of every
// lock it holds.
func (c *Coordinator) Heartbeat(ctx context.Context, id string) (HeartbeatReport, error) {
	res, err := c.registry.Heartbeat(ctx, id)
	if err != nil {
		return HeartbeatReport{}, err
	}
	report := HeartbeatReport{Result: res}
	if res == registry.Renewed && c.settings.RenewOnHeartbeat {
		renewed, err := c.locks.RenewAll(ctx, id)
		if err != nil {
			return report, err
		}
		report.RenewedLocks = renewed
	}
	if err := c.maybeSweep(ctx); err != nil {
		return report, err
	}
	return report, nil
}

// Update changes an instance's role or task.
func (c *Coordinator) Update(ctx context.Context, id, role, task string) (registry.HeartbeatResult, error) {
	return c.registry.Update(ctx, id, role, task)
}

// Unregister releases id's locks and removes its record.
func (c *Coordinator) Unregister(ctx context.Context, id string) (registry.UnregisterResult, error) {
	return c.registry.Unregister(ctx, id)
}

// Instances lists live instances, or every record when all is set.
func (c *Coordinator) Instances(ctx context.Context, all bool) ([]registry.Instance, error) {
	if err := c.maybeSweep(ctx); err != nil {
		return nil, err
	}
	if all {
		return c.registry.ListAll(ctx)
	}
	return c.registry.ListLive(ctx, c.settings.StalenessWindow)
}

// Peers returns the live instances other than self. It never writes.
func (c *Coordinator) Peers(ctx context.Context, self string) ([]registry.Instance, error) {
	live, err := c.registry.ListLive(ctx, c.settings.StalenessWindow)
	if err != nil {
		return nil, err
	}
	peers := make([]registry.Instance, 0, len(live))
	for _, inst := range live {
		if inst.InstanceID != self {
			peers = append(peers, inst)
		}
	}
	return peers, nil
}

// Acquire tries once to lock resource for id. The instance must have a
// registry record.
func (c *Coordinator) Acquire(ctx context.Context, id, resource, reason string) (filelock.AcquireResult, error) {
	if err := c.maybeSweep(ctx); err != nil {
		return filelock.AcquireResult{}, err
	}
	if err := c.requireInstance(ctx, id); err != nil {
		return filelock.AcquireResult{}, err
	}
	return c.locks.Acquire(ctx, id, resource, reason)
}

// Release releases id's lock on resource.
func (c *Coordinator) Release(ctx context.Context, id, resource string) (filelock.ReleaseResult, error) {
	return c.locks.Release(ctx, id, resource)
}

// Renew extends id's lock on resource, optionally re-fingerprinting it.
func (c *Coordinator) Renew(ctx context.Context, id, resource string, refingerprint bool) (filelock.RenewResult, error) {
	return c.locks.Renew(ctx, id, resource, refingerprint)
}

// CheckConflict compares resource against its lock's fingerprint.
func (c *Coordinator) CheckConflict(ctx context.Context, resource string) (filelock.ConflictResult, error) {
	return c.locks.CheckConflict(ctx, resource)
}

// ForceRelease removes resource's lock regardless of owner.
func (c *Coordinator) ForceRelease(ctx context.Context, resource string) (filelock.ReleaseResult, error) {
	return c.locks.ForceRelease(ctx, resource)
}

// ListLocks lists lock records.
func (c *Coordinator) ListLocks(ctx context.Context, opts filelock.ListOptions) ([]filelock.Lock, error) {
	if err := c.maybeSweep(ctx); err != nil {
		return nil, err
	}
	return c.locks.List(ctx, opts)
}

// Decide appends a decision. The author's role is filled from the registry
// when the request names an instance but no role.
func (c *Coordinator) Decide(ctx context.Context, req decision.AppendRequest) (decision.Entry, error) {
	if req.InstanceID != "" && req.Role == "" {
		inst, ok, err := c.registry.Get(ctx, req.InstanceID)
		if err != nil {
			return decision.Entry{}, err
		}
		if ok {
			req.Role = inst.Role
		}
	}
	return c.decisions.Append(ctx, req)
}

// Status builds a snapshot. A zero window uses the configured one.
func (c *Coordinator) Status(ctx context.Context, opts status.Options) (status.Snapshot, error) {
	if opts.Window <= 0 {
		opts.Window = c.settings.StalenessWindow
	}
	return c.status.Build(ctx, opts)
}

// Sweep runs a full sweep now and prunes session bindings whose instance it
// removed.
func (c *Coordinator) Sweep(ctx context.Context) (sweeper.Result, error) {
	res, err := c.sweeper.Sweep(ctx, c.settings.StalenessWindow)
	if err != nil {
		return res, err
	}
	if len(res.InstancesRemoved) > 0 {
		if err := c.pruneSessions(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}

// ReleaseStaleLocks releases expired locks and locks whose owner is not
// live, leaving stale instance records for a full sweep.
func (c *Coordinator) ReleaseStaleLocks(ctx context.Context) ([]filelock.Lock, error) {
	return c.sweeper.ReleaseStaleLocks(ctx, c.settings.StalenessWindow)
}

// StartSweeper sweeps every interval in the background until StopSweeper.
func (c *Coordinator) StartSweeper(ctx context.Context, interval time.Duration) {
	c.sweeper.Start(ctx, c.settings.StalenessWindow, interval)
}

// StopSweeper stops the background sweeper.
func (c *Coordinator) StopSweeper() {
	c.sweeper.Stop()
}

// SweeperDone is closed when the background sweeper exits.
func (c *Coordinator) SweeperDone() <-chan struct{} {
	return c.sweeper.Done()
}

// BindSession records which instance a host session registered.
func (c *Coordinator) BindSession(ctx context.Context, sessionID, instanceID string) error {
	_, err := c.sessions.Bind(ctx, sessionID, instanceID)
	return err
}

// ResolveSession returns the instance bound to a host session.
func (c *Coordinator) ResolveSession(ctx context.Context, sessionID string) (string, bool, error) {
	b, ok, err := c.sessions.Lookup(ctx, sessionID)
	if err != nil || !ok {
		return "", ok, err
	}
	return b.InstanceID, true, nil
}

func (c *Coordinator) requireInstance(ctx context.Context, id string) error {
	if id == "" {
		return errors.ErrNoInstance
	}
	_, ok, err := c.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewInstanceError("instance is not registered; register again", errors.ErrInstanceNotFound).
			WithInstanceID(id)
	}
	return nil
}

// maybeSweep runs a throttled sweep. Only integrity failures are returned;
// anything else is logged so the caller's own operation still proceeds.
func (c *Coordinator) maybeSweep(ctx context.Context) error {
	if c.settings.SweepInterval <= 0 {
		return nil
	}
	res, ran, err := c.sweeper.MaybeSweep(ctx, c.settings.StalenessWindow, c.settings.SweepInterval)
	if err != nil {
		if errors.IsIntegrity(err) {
			return err
		}
		c.logger.Failure("lazy sweep failed", err)
		return nil
	}
	if ran && len(res.InstancesRemoved) > 0 {
		if err := c.pruneSessions(ctx); err != nil {
			c.logger.Failure("pruning session bindings failed", err)
		}
	}
	return nil
}

func (c *Coordinator) pruneSessions(ctx context.Context) error {
	all, err := c.registry.ListAll(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(all))
	for _, inst := range all {
		known[inst.InstanceID] = true
	}
	_, err = c.sessions.Prune(ctx, func(id string) bool { return known[id] })
	return err
}
