package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/concord/internal/filelock"
	"github.com/Iron-Ham/concord/internal/registry"
	"github.com/Iron-Ham/concord/internal/storage"
	"github.com/Iron-Ham/concord/internal/testutil"
)

const window = 10 * time.Minute

type fixture struct {
	store storage.Backend
	reg   *registry.Registry
	locks *filelock.Manager
	sw    *Sweeper
	clock *testutil.Clock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := testutil.NewStore(t)
	clock := testutil.NewClock()
	locks := filelock.NewManager(store, t.TempDir(), filelock.WithClock(clock.Now))
	reg := registry.New(store, locks, registry.WithClock(clock.Now))
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &fixture{
		store: store,
		reg:   reg,
		locks: locks,
		sw:    New(store, reg, locks, opts...),
		clock: clock,
	}
}

func (f *fixture) register(t *testing.T, role string) registry.Instance {
	t.Helper()
	inst, err := f.reg.Register(context.Background(), registry.RegisterOptions{Role: role})
	if err != nil {
		t.Fatal(err)
	}
	return inst
}

func TestSweep_RemovesStaleInstancesAndTheirLocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	stale := f.register(t, "crashed")
	f.locks.Acquire(ctx, stale.InstanceID, "a.go", "") //nolint:errcheck
	f.clock.Advance(6 * time.Minute)
	live := f.register(t, "alive")
	f.locks.Acquire(ctx, live.InstanceID, "b.go", "") //nolint:errcheck
	f.clock.Advance(5 * time.Minute)

	res, err := f.sw.Sweep(ctx, window)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(res.InstancesRemoved) != 1 || res.InstancesRemoved[0] != stale.InstanceID {
		t.Errorf("InstancesRemoved = %v, want [%s]", res.InstancesRemoved, stale.InstanceID)
	}
	if len(res.LocksReleased) != 1 || res.LocksReleased[0] != "a.go" {
		t.Errorf("LocksReleased = %v, want [a.go]", res.LocksReleased)
	}

	if _, ok, _ := f.reg.Get(ctx, stale.InstanceID); ok {
		t.Error("stale instance record survived the sweep")
	}
	if _, ok, _ := f.reg.Get(ctx, live.InstanceID); !ok {
		t.Error("live instance was swept")
	}
	if _, ok, _ := f.locks.Get(ctx, "b.go"); !ok {
		t.Error("live instance's lock was released")
	}
}

func TestSweep_ReleasesOrphanedAndExpiredLocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	live := f.register(t, "alive")
	// Owner never registered (or its record was deleted by hand).
	f.locks.Acquire(ctx, "inst-ghost", "orphan.go", "")  //nolint:errcheck
	f.locks.Acquire(ctx, live.InstanceID, "held.go", "") //nolint:errcheck

	res, err := f.sw.Sweep(ctx, window)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.LocksReleased) != 1 || res.LocksReleased[0] != "orphan.go" {
		t.Errorf("LocksReleased = %v, want [orphan.go]", res.LocksReleased)
	}

	// The live owner keeps heartbeating but never renews its lock.
	f.clock.Advance(filelock.DefaultTTL + time.Second)
	f.reg.Heartbeat(ctx, live.InstanceID) //nolint:errcheck

	res, err = f.sw.Sweep(ctx, window)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.LocksReleased) != 1 || res.LocksReleased[0] != "held.go" {
		t.Errorf("LocksReleased = %v, want expired held.go", res.LocksReleased)
	}
	if len(res.InstancesRemoved) != 0 {
		t.Errorf("InstancesRemoved = %v, want none", res.InstancesRemoved)
	}
}

// listHookStore runs beforeList once, just before the first listing of
// prefix, to interleave another process's writes with a sweep.
type listHookStore struct {
	storage.Backend
	prefix     string
	beforeList func()
	once       sync.Once
}

func (s *listHookStore) List(ctx context.Context, prefix string) ([]string, error) {
	if prefix == s.prefix {
		s.once.Do(s.beforeList)
	}
	return s.Backend.List(ctx, prefix)
}

func TestSweep_KeepsLocksOfInstancesRegisteredMidSweep(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock()
	store := &listHookStore{Backend: testutil.NewStore(t), prefix: "locks/"}
	locks := filelock.NewManager(store, t.TempDir(), filelock.WithClock(clock.Now))
	reg := registry.New(store, locks, registry.WithClock(clock.Now))
	sw := New(store, reg, locks, WithClock(clock.Now))

	var late registry.Instance
	store.beforeList = func() {
		inst, err := reg.Register(ctx, registry.RegisterOptions{Role: "late"})
		if err != nil {
			t.Error(err)
			return
		}
		late = inst
		if res, err := locks.Acquire(ctx, inst.InstanceID, "main.go", ""); err != nil || res.Outcome != filelock.Granted {
			t.Errorf("Acquire() = %v, %v", res.Outcome, err)
		}
	}

	res, err := sw.Sweep(ctx, window)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(res.LocksReleased) != 0 {
		t.Errorf("LocksReleased = %v, want none", res.LocksReleased)
	}
	l, ok, err := locks.Get(ctx, "main.go")
	if err != nil || !ok || l.OwnerInstanceID != late.InstanceID {
		t.Errorf("main.go lock = %+v, %v, %v; want held by %s", l, ok, err, late.InstanceID)
	}
}

func TestReleaseStaleLocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	live := f.register(t, "alive")
	stale := f.register(t, "crashed")
	f.clock.Advance(6 * time.Minute)
	f.reg.Heartbeat(ctx, live.InstanceID) //nolint:errcheck

	f.locks.Acquire(ctx, live.InstanceID, "held.go", "")     //nolint:errcheck
	f.locks.Acquire(ctx, stale.InstanceID, "crashed.go", "") //nolint:errcheck
	f.locks.Acquire(ctx, "inst-ghost", "orphan.go", "")      //nolint:errcheck

	// No lock has expired yet; only the owners' liveness decides.
	f.clock.Advance(4*time.Minute + 30*time.Second)

	released, err := f.sw.ReleaseStaleLocks(ctx, window)
	if err != nil {
		t.Fatalf("ReleaseStaleLocks() error = %v", err)
	}
	var keys []string
	for _, l := range released {
		keys = append(keys, l.ResourceKey)
	}
	if len(keys) != 2 || keys[0] != "crashed.go" || keys[1] != "orphan.go" {
		t.Errorf("released = %v, want [crashed.go orphan.go]", keys)
	}
	if _, ok, _ := f.reg.Get(ctx, stale.InstanceID); !ok {
		t.Error("ReleaseStaleLocks removed an instance record")
	}
}

func TestSweep_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	stale := f.register(t, "crashed")
	f.locks.Acquire(ctx, stale.InstanceID, "a.go", "") //nolint:errcheck
	f.clock.Advance(window)

	first, err := f.sw.Sweep(ctx, window)
	if err != nil {
		t.Fatal(err)
	}
	if first.Empty() {
		t.Fatal("first sweep removed nothing")
	}
	second, err := f.sw.Sweep(ctx, window)
	if err != nil {
		t.Fatalf("second Sweep() error = %v", err)
	}
	if !second.Empty() {
		t.Errorf("second sweep = %+v, want empty", second)
	}
}

func TestSweep_ConcurrentSweepersAgree(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var ids []string
	for i := 0; i < 5; i++ {
		inst := f.register(t, "crashed")
		ids = append(ids, inst.InstanceID)
	}
	f.clock.Advance(window + time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		removed = map[string]int{}
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sw := New(f.store, f.reg, f.locks, WithClock(f.clock.Now))
			res, err := sw.Sweep(ctx, window)
			if err != nil {
				t.Errorf("Sweep() error = %v", err)
				return
			}
			mu.Lock()
			for _, id := range res.InstancesRemoved {
				removed[id]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	all, _ := f.reg.ListAll(ctx)
	if len(all) != 0 {
		t.Errorf("%d instances survived concurrent sweeps", len(all))
	}
	for _, id := range ids {
		if removed[id] == 0 {
			t.Errorf("%s never reported removed", id)
		}
	}
}

func TestMaybeSweep_Throttles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, ran, err := f.sw.MaybeSweep(ctx, window, DefaultInterval); err != nil || !ran {
		t.Fatalf("first MaybeSweep() ran=%v err=%v, want a sweep", ran, err)
	}
	f.clock.Advance(DefaultInterval / 2)
	if _, ran, _ := f.sw.MaybeSweep(ctx, window, DefaultInterval); ran {
		t.Error("MaybeSweep() ran again inside the interval")
	}

	// A different process sees the same marker.
	other := New(f.store, f.reg, f.locks, WithClock(f.clock.Now))
	if _, ran, _ := other.MaybeSweep(ctx, window, DefaultInterval); ran {
		t.Error("second sweeper ignored the shared marker")
	}

	f.clock.Advance(DefaultInterval)
	if _, ran, _ := f.sw.MaybeSweep(ctx, window, DefaultInterval); !ran {
		t.Error("MaybeSweep() did not run after the interval")
	}

	marker, ok, err := f.sw.LastSweep(ctx)
	if err != nil || !ok {
		t.Fatalf("LastSweep() = %v, %v", ok, err)
	}
	if !marker.LastSweepAt.Equal(f.clock.Now()) {
		t.Errorf("marker = %v, want %v", marker.LastSweepAt, f.clock.Now())
	}
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()

	var (
		mu    sync.Mutex
		runs  int
		first = make(chan Result, 1)
	)
	f := newFixture(t, WithReporter(func(res Result, err error) {
		mu.Lock()
		defer mu.Unlock()
		runs++
		if runs == 1 {
			first <- res
		}
	}))

	stale := f.register(t, "crashed")
	f.clock.Advance(window)

	f.sw.Start(ctx, window, time.Hour)
	select {
	case res := <-first:
		if len(res.InstancesRemoved) != 1 || res.InstancesRemoved[0] != stale.InstanceID {
			t.Errorf("startup sweep = %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("startup sweep never ran")
	}

	f.sw.Stop()
	f.sw.Stop() // second Stop is a no-op

	select {
	case <-f.sw.Done():
	default:
		t.Error("Done() not closed after Stop")
	}
}

// Stale recovery: C locks a file and dies. After the TTL, D reclaims the lock
// and a sweep removes C's orphaned record.
func TestScenario_StaleRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c := f.register(t, "crashed")
	if res, _ := f.locks.Acquire(ctx, c.InstanceID, "auth.py", "refactor"); res.Outcome != filelock.Granted {
		t.Fatalf("C acquire = %q", res.Outcome)
	}

	f.clock.Advance(filelock.DefaultTTL + time.Second)
	d := f.register(t, "rescuer")
	res, err := f.locks.Acquire(ctx, d.InstanceID, "auth.py", "finishing")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != filelock.StaleReclaimed || res.PreviousOwner != c.InstanceID {
		t.Fatalf("D acquire = %q from %q, want stale_reclaimed from C", res.Outcome, res.PreviousOwner)
	}

	f.clock.Advance(window)
	f.reg.Heartbeat(ctx, d.InstanceID)  //nolint:errcheck
	f.locks.RenewAll(ctx, d.InstanceID) //nolint:errcheck

	sweep, err := f.sw.Sweep(ctx, window)
	if err != nil {
		t.Fatal(err)
	}
	if len(sweep.InstancesRemoved) != 1 || sweep.InstancesRemoved[0] != c.InstanceID {
		t.Errorf("InstancesRemoved = %v, want C", sweep.InstancesRemoved)
	}
	lock, ok, _ := f.locks.Get(ctx, "auth.py")
	if !ok || lock.OwnerInstanceID != d.InstanceID {
		t.Errorf("D's reclaimed lock did not survive the sweep: %+v", lock)
	}
}
