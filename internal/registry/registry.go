// Package registry tracks which concord instances exist and whether they are
// still alive.
//
// Each instance is one record under instances/ in the coordination store.
// Liveness is judged purely from last_heartbeat: an instance whose heartbeat
// is older than the staleness window is logically gone, although its record
// stays until the sweeper or an operator removes it.
package registry

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/concord/internal/errors"
	"github.com/Iron-Ham/concord/internal/logging"
	"github.com/Iron-Ham/concord/internal/storage"
)

const recordPrefix = "instances/"

// DefaultStalenessWindow is how long an instance may go without a heartbeat
// before it is considered stale.
const DefaultStalenessWindow = 10 * time.Minute

// Instance is one registered, heartbeating process.
type Instance struct {
	InstanceID      string    `json:"instance_id"`
	Role            string    `json:"role"`
	TaskDescription string    `json:"task_description"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	Branch          string    `json:"branch,omitempty"`
	WorktreePath    string    `json:"worktree_path,omitempty"`
	PID             int       `json:"pid"`
	Hostname        string    `json:"hostname"`
}

// IsLive reports whether the instance heartbeated within window of now.
func (i Instance) IsLive(now time.Time, window time.Duration) bool {
	return now.Sub(i.LastHeartbeat) < window
}

// HeartbeatResult reports whether a heartbeat found its record.
type HeartbeatResult string

const (
	// Renewed means last_heartbeat was updated.
	Renewed HeartbeatResult = "renewed"
	// Missing means the record is gone, usually swept as stale. The caller
	// must register again.
	Missing HeartbeatResult = "missing"
)

// UnregisterResult describes what Unregister removed.
type UnregisterResult struct {
	// Removed is false when the record was already gone.
	Removed bool
	// ReleasedLocks lists the resource keys released on the way out.
	ReleasedLocks []string
}

// RegisterOptions describes a new instance.
type RegisterOptions struct {
	Role         string
	Task         string
	Branch       string
	WorktreePath string
}

// LockReleaser releases every lock owned by an instance. It is satisfied by
// *filelock.Manager.
type LockReleaser interface {
	ReleaseAll(ctx context.Context, instanceID string) ([]string, error)
}

// Registry stores instance records.
type Registry struct {
	store  storage.Backend
	locks  LockReleaser
	now    func() time.Time
	logger *logging.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithLogger sets the registry's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger.WithComponent("registry")
		}
	}
}

// New creates a Registry. locks is used by Unregister to release an
// instance's locks before its record is deleted; it may be nil when the
// caller never unregisters.
func New(store storage.Backend, locks LockReleaser, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		locks:  locks,
		now:    time.Now,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewInstanceID returns a fresh id: a UTC timestamp for readability plus a
// random suffix for uniqueness.
func NewInstanceID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("inst-%s-%s", now.UTC().Format("20060102T150405"), suffix)
}

// Register writes a new instance record with last_heartbeat set to now.
func (r *Registry) Register(ctx context.Context, opts RegisterOptions) (Instance, error) {
	now := r.now()
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	inst := Instance{
		InstanceID:      NewInstanceID(now),
		Role:            opts.Role,
		TaskDescription: opts.Task,
		RegisteredAt:    now,
		LastHeartbeat:   now,
		Branch:          opts.Branch,
		WorktreePath:    opts.WorktreePath,
		PID:             os.Getpid(),
		Hostname:        hostname,
	}

	// A colliding id fails rather than overwriting another instance.
	if err := storage.CreateJSON(ctx, r.store, recordKey(inst.InstanceID), inst); err != nil {
		if err == storage.ErrExists {
			return Instance{}, errors.NewInstanceError("instance id collision", err).WithInstanceID(inst.InstanceID)
		}
		return Instance{}, err
	}

	r.logger.Info("instance registered",
		"instance_id", inst.InstanceID,
		"role", inst.Role,
		"branch", inst.Branch,
	)
	return inst, nil
}

// Heartbeat sets last_heartbeat to now. A missing record is reported as
// Missing, not as an error.
func (r *Registry) Heartbeat(ctx context.Context, id string) (HeartbeatResult, error) {
	return r.mutate(ctx, id, func(inst *Instance) {
		inst.LastHeartbeat = r.now()
	})
}

// Update changes an instance's role and task. Empty values are left as they
// were. Updating also counts as a heartbeat.
func (r *Registry) Update(ctx context.Context, id, role, task string) (HeartbeatResult, error) {
	return r.mutate(ctx, id, func(inst *Instance) {
		if role != "" {
			inst.Role = role
		}
		if task != "" {
			inst.TaskDescription = task
		}
		inst.LastHeartbeat = r.now()
	})
}

func (r *Registry) mutate(ctx context.Context, id string, fn func(*Instance)) (HeartbeatResult, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	inst, ok, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		r.logger.Warn("heartbeat for missing instance", "instance_id", id)
		return Missing, nil
	}

	fn(&inst)
	if err := storage.PutJSON(ctx, r.store, recordKey(id), inst); err != nil {
		return "", err
	}
	return Renewed, nil
}

// Unregister releases every lock owned by id and then deletes its record.
// Locks go first so a crash in between leaves locks attributable to a known
// instance rather than unattributed. An absent record is success.
func (r *Registry) Unregister(ctx context.Context, id string) (UnregisterResult, error) {
	if err := checkID(id); err != nil {
		return UnregisterResult{}, err
	}

	var result UnregisterResult
	if r.locks != nil {
		released, err := r.locks.ReleaseAll(ctx, id)
		result.ReleasedLocks = released
		if err != nil {
			return result, err
		}
	}

	_, ok, err := r.Get(ctx, id)
	if err != nil {
		return result, err
	}
	if !ok {
		return result, nil
	}
	if err := storage.Delete(ctx, r.store, recordKey(id)); err != nil {
		return result, err
	}
	result.Removed = true

	r.logger.Info("instance unregistered",
		"instance_id", id,
		"released_locks", len(result.ReleasedLocks),
	)
	return result, nil
}

// Get returns the instance record for id. The bool is false when absent.
func (r *Registry) Get(ctx context.Context, id string) (Instance, bool, error) {
	if err := checkID(id); err != nil {
		return Instance{}, false, err
	}
	var inst Instance
	if err := storage.GetJSON(ctx, r.store, recordKey(id), &inst); err != nil {
		if err == storage.ErrNotFound {
			return Instance{}, false, nil
		}
		return Instance{}, false, err
	}
	return inst, true, nil
}

// ListAll returns every instance record, live or stale, ordered by
// registration time.
func (r *Registry) ListAll(ctx context.Context) ([]Instance, error) {
	keys, err := r.store.List(ctx, recordPrefix)
	if err != nil {
		return nil, errors.NewStorageError("list instances", err).WithKey(recordPrefix)
	}

	instances := make([]Instance, 0, len(keys))
	for _, key := range keys {
		var inst Instance
		if err := storage.GetJSON(ctx, r.store, key, &inst); err != nil {
			if err == storage.ErrNotFound {
				continue // removed while listing
			}
			return nil, err
		}
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool {
		if !instances[i].RegisteredAt.Equal(instances[j].RegisteredAt) {
			return instances[i].RegisteredAt.Before(instances[j].RegisteredAt)
		}
		return instances[i].InstanceID < instances[j].InstanceID
	})
	return instances, nil
}

// ListLive returns the instances that heartbeated within window. Stale
// records are skipped but not removed.
func (r *Registry) ListLive(ctx context.Context, window time.Duration) ([]Instance, error) {
	live, _, err := r.Partition(ctx, window)
	return live, err
}

// Partition splits every instance record into live and stale.
func (r *Registry) Partition(ctx context.Context, window time.Duration) (live, stale []Instance, err error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, nil, err
	}
	now := r.now()
	for _, inst := range all {
		if inst.IsLive(now, window) {
			live = append(live, inst)
		} else {
			stale = append(stale, inst)
		}
	}
	return live, stale, nil
}

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time {
	return r.now()
}

func checkID(id string) error {
	if id == "" {
		return errors.ErrNoInstance
	}
	if strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return errors.NewValidationError("malformed instance id").WithField("instance_id").WithValue(id)
	}
	return nil
}

func recordKey(id string) string {
	return recordPrefix + id + ".json"
}
