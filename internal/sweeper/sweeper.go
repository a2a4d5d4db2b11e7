// Package sweeper reconciles the instance registry and the lock set against
// the clock. It removes instances whose heartbeat is older than the staleness
// window, cascading their locks first, and releases locks that have expired
// or whose owner is no longer live.
//
// A sweep is idempotent and safe to run from several processes at once: a
// record some other sweeper already removed counts as success. Sweeps run
// lazily inside ordinary calls through MaybeSweep, or periodically through
// Start for long-running hosts.
package sweeper

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/Iron-Ham/concord/internal/filelock"
	"github.com/Iron-Ham/concord/internal/logging"
	"github.com/Iron-Ham/concord/internal/registry"
	"github.com/Iron-Ham/concord/internal/storage"
)

// MarkerKey records when the last sweep ran so lazy sweeps can be throttled
// across processes.
const MarkerKey = "meta/sweep.json"

// DefaultInterval is the minimum gap between lazy sweeps.
const DefaultInterval = 30 * time.Second

// Result lists what one sweep removed.
type Result struct {
	InstancesRemoved []string `json:"instances_removed"`
	LocksReleased    []string `json:"locks_released"`
}

// Empty reports whether the sweep removed nothing.
func (r Result) Empty() bool {
	return len(r.InstancesRemoved) == 0 && len(r.LocksReleased) == 0
}

// Marker is the record written at the start of every sweep.
type Marker struct {
	LastSweepAt time.Time `json:"last_sweep_at"`
	PID         int       `json:"pid"`
}

// Sweeper removes stale instances and locks.
type Sweeper struct {
	store    storage.Backend
	registry *registry.Registry
	locks    *filelock.Manager
	now      func() time.Time
	logger   *logging.Logger
	report   func(Result, error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// WithLogger sets the sweeper's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger.WithComponent("sweeper")
		}
	}
}

// WithReporter registers a callback invoked after every periodic sweep.
func WithReporter(fn func(Result, error)) Option {
	return func(s *Sweeper) {
		s.report = fn
	}
}

// New creates a Sweeper over the given registry and lock manager, which must
// share store.
func New(store storage.Backend, reg *registry.Registry, locks *filelock.Manager, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:    store,
		registry: reg,
		locks:    locks,
		now:      time.Now,
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep removes every instance that has not heartbeated within window,
// releasing its locks first, then releases every lock that has expired or
// whose owner is not live.
func (s *Sweeper) Sweep(ctx context.Context, window time.Duration) (Result, error) {
	if err := storage.PutJSON(ctx, s.store, MarkerKey, Marker{LastSweepAt: s.now(), PID: os.Getpid()}); err != nil {
		return Result{}, err
	}

	var result Result
	live, stale, err := s.registry.Partition(ctx, window)
	if err != nil {
		return result, err
	}

	for _, inst := range stale {
		// Re-read: the instance may have heartbeated since the listing.
		current, ok, err := s.registry.Get(ctx, inst.InstanceID)
		if err != nil {
			return result, err
		}
		if !ok {
			continue
		}
		if current.IsLive(s.now(), window) {
			live = append(live, current)
			continue
		}

		res, err := s.registry.Unregister(ctx, inst.InstanceID)
		result.LocksReleased = append(result.LocksReleased, res.ReleasedLocks...)
		if err != nil {
			return result, err
		}
		if res.Removed {
			result.InstancesRemoved = append(result.InstancesRemoved, inst.InstanceID)
			s.logger.Warn("removed stale instance",
				"instance_id", inst.InstanceID,
				"last_heartbeat", inst.LastHeartbeat,
				"released_locks", len(res.ReleasedLocks),
			)
		}
	}

	released, err := s.releaseStaleLocks(ctx, window, live)
	for _, l := range released {
		result.LocksReleased = append(result.LocksReleased, l.ResourceKey)
	}
	if err != nil {
		return result, err
	}

	if !result.Empty() {
		s.logger.Info("sweep complete",
			"instances_removed", len(result.InstancesRemoved),
			"locks_released", len(result.LocksReleased),
		)
	}
	return result, nil
}

// ReleaseStaleLocks releases expired locks and locks whose owner has no live
// record, without touching the registry.
func (s *Sweeper) ReleaseStaleLocks(ctx context.Context, window time.Duration) ([]filelock.Lock, error) {
	return s.releaseStaleLocks(ctx, window, nil)
}

func (s *Sweeper) releaseStaleLocks(ctx context.Context, window time.Duration, known []registry.Instance) ([]filelock.Lock, error) {
	return s.locks.ReleaseStale(ctx, s.ownerLive(window, known))
}

// ownerLive trusts known live instances and re-reads every other owner, so
// an instance that registered after known was listed keeps its locks.
func (s *Sweeper) ownerLive(window time.Duration, known []registry.Instance) filelock.LivenessFunc {
	live := make(map[string]bool, len(known))
	for _, inst := range known {
		live[inst.InstanceID] = true
	}
	return func(ctx context.Context, id string) (bool, error) {
		if live[id] {
			return true, nil
		}
		inst, ok, err := s.registry.Get(ctx, id)
		if err != nil || !ok {
			return false, err
		}
		if !inst.IsLive(s.now(), window) {
			return false, nil
		}
		live[id] = true
		return true, nil
	}
}

// MaybeSweep sweeps unless some process swept within interval. The bool
// reports whether a sweep ran.
func (s *Sweeper) MaybeSweep(ctx context.Context, window, interval time.Duration) (Result, bool, error) {
	last, ok, err := s.LastSweep(ctx)
	if err != nil {
		return Result{}, false, err
	}
	if ok && s.now().Sub(last.LastSweepAt) < interval {
		return Result{}, false, nil
	}
	res, err := s.Sweep(ctx, window)
	return res, true, err
}

// LastSweep returns the marker written by the most recent sweep.
func (s *Sweeper) LastSweep(ctx context.Context) (Marker, bool, error) {
	var m Marker
	if err := storage.GetJSON(ctx, s.store, MarkerKey, &m); err != nil {
		if err == storage.ErrNotFound {
			return Marker{}, false, nil
		}
		return Marker{}, false, err
	}
	return m, true, nil
}

// Start launches a goroutine that sweeps immediately and then every
// interval until ctx is canceled or Stop is called.
func (s *Sweeper) Start(ctx context.Context, window, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.runSweep(ctx, window)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runSweep(ctx, window)
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when the periodic loop exits. It is nil before Start.
func (s *Sweeper) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Sweeper) runSweep(ctx context.Context, window time.Duration) {
	res, err := s.Sweep(ctx, window)
	if err != nil && ctx.Err() == nil {
		s.logger.Failure("sweep failed", err)
	}
	if s.report != nil {
		s.report(res, err)
	}
}
