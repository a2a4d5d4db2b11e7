// Package status aggregates the registry, lock set, and decision log into a
// single read-only snapshot for humans and scripts.
package status

import (
	"context"
	"time"

	"github.com/Iron-Ham/concord/internal/decision"
	"github.com/Iron-Ham/concord/internal/filelock"
	"github.com/Iron-Ham/concord/internal/registry"
	"github.com/Iron-Ham/concord/internal/sweeper"
)

// Options controls what Build collects.
type Options struct {
	// Window is the staleness window separating live from stale instances.
	Window time.Duration
	// DecisionLimit caps the recent decisions included; zero omits them.
	DecisionLimit int
	// Category filters the recent decisions.
	Category string
}

// InstanceStatus is an instance together with the live locks it holds.
type InstanceStatus struct {
	registry.Instance
	Locks []filelock.Lock `json:"locks"`
}

// Counts summarizes a Snapshot.
type Counts struct {
	LiveInstances  int `json:"live_instances"`
	StaleInstances int `json:"stale_instances"`
	ActiveLocks    int `json:"active_locks"`
	OrphanLocks    int `json:"orphan_locks"`
	ExpiredLocks   int `json:"expired_locks"`
	Decisions      int `json:"decisions"`
}

// Snapshot is a point-in-time view of the coordination state.
type Snapshot struct {
	GeneratedAt     time.Time        `json:"generated_at"`
	StalenessWindow string           `json:"staleness_window"`
	LastSweepAt     *time.Time       `json:"last_sweep_at,omitempty"`
	Instances       []InstanceStatus `json:"instances"`
	StaleInstances  []InstanceStatus `json:"stale_instances"`
	// OrphanLocks are live locks whose owner has no registry record.
	OrphanLocks []filelock.Lock `json:"orphan_locks"`
	// ExpiredLocks are records past their TTL that no sweep has removed yet.
	ExpiredLocks []filelock.Lock  `json:"expired_locks"`
	Decisions    []decision.Entry `json:"recent_decisions"`
	Counts       Counts           `json:"counts"`
}

// Facade builds snapshots. It never writes.
type Facade struct {
	registry  *registry.Registry
	locks     *filelock.Manager
	decisions *decision.Log
	sweeper   *sweeper.Sweeper
	now       func() time.Time
}

// New creates a Facade. sw may be nil, in which case snapshots carry no
// last-sweep time.
func New(reg *registry.Registry, locks *filelock.Manager, log *decision.Log, sw *sweeper.Sweeper) *Facade {
	return &Facade{
		registry:  reg,
		locks:     locks,
		decisions: log,
		sweeper:   sw,
		now:       reg.Now,
	}
}

// Build reads every store once and assembles a Snapshot.
func (f *Facade) Build(ctx context.Context, opts Options) (Snapshot, error) {
	if opts.Window <= 0 {
		opts.Window = registry.DefaultStalenessWindow
	}
	now := f.now()

	live, stale, err := f.registry.Partition(ctx, opts.Window)
	if err != nil {
		return Snapshot{}, err
	}
	locks, err := f.locks.List(ctx, filelock.ListOptions{IncludeExpired: true})
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		GeneratedAt:     now,
		StalenessWindow: opts.Window.String(),
		Instances:       make([]InstanceStatus, 0, len(live)),
		StaleInstances:  make([]InstanceStatus, 0, len(stale)),
		OrphanLocks:     []filelock.Lock{},
		ExpiredLocks:    []filelock.Lock{},
		Decisions:       []decision.Entry{},
	}

	byOwner := make(map[string][]filelock.Lock)
	known := make(map[string]bool, len(live)+len(stale))
	for _, inst := range live {
		known[inst.InstanceID] = true
	}
	for _, inst := range stale {
		known[inst.InstanceID] = true
	}
	for _, l := range locks {
		switch {
		case l.Expired(now):
			snap.ExpiredLocks = append(snap.ExpiredLocks, l)
		case !known[l.OwnerInstanceID]:
			snap.OrphanLocks = append(snap.OrphanLocks, l)
		default:
			byOwner[l.OwnerInstanceID] = append(byOwner[l.OwnerInstanceID], l)
			snap.Counts.ActiveLocks++
		}
	}

	for _, inst := range live {
		snap.Instances = append(snap.Instances, InstanceStatus{Instance: inst, Locks: nonNil(byOwner[inst.InstanceID])})
	}
	for _, inst := range stale {
		snap.StaleInstances = append(snap.StaleInstances, InstanceStatus{Instance: inst, Locks: nonNil(byOwner[inst.InstanceID])})
	}

	if opts.DecisionLimit > 0 {
		entries, err := f.decisions.Query(ctx, decision.Query{Category: opts.Category, Limit: opts.DecisionLimit})
		if err != nil {
			return Snapshot{}, err
		}
		if entries != nil {
			snap.Decisions = entries
		}
	}

	if f.sweeper != nil {
		marker, ok, err := f.sweeper.LastSweep(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		if ok {
			at := marker.LastSweepAt
			snap.LastSweepAt = &at
		}
	}

	snap.Counts.LiveInstances = len(snap.Instances)
	snap.Counts.StaleInstances = len(snap.StaleInstances)
	snap.Counts.OrphanLocks = len(snap.OrphanLocks)
	snap.Counts.ExpiredLocks = len(snap.ExpiredLocks)
	snap.Counts.Decisions = len(snap.Decisions)
	return snap, nil
}

// LocksByInstance returns the active locks in the snapshot keyed by owner.
func (s Snapshot) LocksByInstance() map[string][]filelock.Lock {
	out := make(map[string][]filelock.Lock)
	for _, inst := range s.Instances {
		out[inst.InstanceID] = inst.Locks
	}
	for _, inst := range s.StaleInstances {
		out[inst.InstanceID] = inst.Locks
	}
	return out
}

func nonNil(locks []filelock.Lock) []filelock.Lock {
	if locks == nil {
		return []filelock.Lock{}
	}
	return locks
}
