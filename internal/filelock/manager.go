package filelock

import (
	"context"
	"path/filepath"
	"sort"
	"time"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/concord/internal/errors"
	"github.com/Iron-Ham/concord/internal/logging"
	"github.com/Iron-Ham/concord/internal/storage"
)

// Manager grants and releases per-file locks persisted in a shared store.
// It holds no in-memory lock state; every call reads the current record, so
// any number of processes may use Managers over the same store.
type Manager struct {
	store  storage.Backend
	root   string
	ttl    time.Duration
	now    func() time.Time
	logger *logging.Logger
}

// NewManager creates a Manager over store. root is the repository root that
// relative resource paths are resolved against.
func NewManager(store storage.Backend, root string, opts ...Option) *Manager {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	m := &Manager{
		store:  store,
		root:   root,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the lifetime granted by Acquire and Renew.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Resolve normalizes resource against the manager's root.
func (m *Manager) Resolve(resource string) (Resource, error) {
	return ResolveResource(m.root, resource)
}

// Acquire tries to lock resource for instanceID. It never waits: the result
// is Granted, Renewed, StaleReclaimed, or Denied naming the current holder.
func (m *Manager) Acquire(ctx context.Context, instanceID, resource, reason string) (AcquireResult, error) {
	if instanceID == "" {
		return AcquireResult{}, errors.ErrNoInstance
	}
	res, err := m.Resolve(resource)
	if err != nil {
		return AcquireResult{}, err
	}
	return m.acquire(ctx, instanceID, res, reason, true)
}

func (m *Manager) acquire(ctx context.Context, instanceID string, res Resource, reason string, retry bool) (AcquireResult, error) {
	key := recordKey(res.Key)
	now := m.now()

	existing, err := m.load(ctx, key)
	if err != nil {
		return AcquireResult{}, err
	}

	switch {
	case existing == nil:
		lock, err := m.newLock(instanceID, res, reason, now)
		if err != nil {
			return AcquireResult{}, err
		}
		err = storage.CreateJSON(ctx, m.store, key, lock)
		if err == storage.ErrExists {
			if retry {
				// Another process created the record between our read and
				// create. Judge its record instead.
				return m.acquire(ctx, instanceID, res, reason, false)
			}
			return m.deniedByCurrent(ctx, key, res)
		}
		if err != nil {
			return AcquireResult{}, err
		}
		m.logger.Info("lock granted", "resource", res.Key, "instance_id", instanceID, "reason", reason)
		return AcquireResult{Outcome: Granted, Lock: lock}, nil

	case existing.Expired(now):
		lock, err := m.newLock(instanceID, res, reason, now)
		if err != nil {
			return AcquireResult{}, err
		}
		won, err := m.claimExpired(ctx, *existing, instanceID, &lock)
		if err != nil {
			return AcquireResult{}, err
		}
		if !won {
			if retry {
				// Someone else is replacing or removing the expired grant.
				// Judge whatever they leave behind.
				return m.acquire(ctx, instanceID, res, reason, false)
			}
			return m.deniedByReclaim(ctx, *existing, res)
		}
		if err := storage.PutJSON(ctx, m.store, key, lock); err != nil {
			return AcquireResult{}, err
		}
		m.logger.Warn("reclaimed stale lock",
			"resource", res.Key,
			"instance_id", instanceID,
			"previous_owner", existing.OwnerInstanceID,
			"expired_at", existing.ExpiresAt,
		)
		return AcquireResult{Outcome: StaleReclaimed, Lock: lock, PreviousOwner: existing.OwnerInstanceID}, nil

	case existing.OwnerInstanceID == instanceID:
		lock := *existing
		lock.RenewedAt = now
		lock.ExpiresAt = now.Add(m.ttl)
		if reason != "" {
			lock.Reason = reason
		}
		if err := storage.PutJSON(ctx, m.store, key, lock); err != nil {
			return AcquireResult{}, err
		}
		m.logger.Debug("lock re-granted", "resource", res.Key, "instance_id", instanceID)
		return AcquireResult{Outcome: Renewed, Lock: lock}, nil

	default:
		m.logger.Debug("lock denied",
			"resource", res.Key,
			"instance_id", instanceID,
			"owner", existing.OwnerInstanceID,
		)
		return AcquireResult{Outcome: Denied, Lock: *existing}, nil
	}
}

// deniedByCurrent reports the record that beat us in a race. If that record
// has since vanished the caller simply lost this round.
func (m *Manager) deniedByCurrent(ctx context.Context, key string, res Resource) (AcquireResult, error) {
	current, err := m.load(ctx, key)
	if err != nil {
		return AcquireResult{}, err
	}
	if current == nil {
		return AcquireResult{Outcome: Denied, Lock: Lock{ResourceKey: res.Key, FilePath: res.Path}}, nil
	}
	return AcquireResult{Outcome: Denied, Lock: *current}, nil
}

// Release removes the caller's lock. Releasing another instance's lock is
// reported as NotOwner and leaves the record untouched. An expired lock is
// AlreadyAbsent and its leftover record is removed.
func (m *Manager) Release(ctx context.Context, instanceID, resource string) (ReleaseResult, error) {
	if instanceID == "" {
		return ReleaseResult{}, errors.ErrNoInstance
	}
	res, err := m.Resolve(resource)
	if err != nil {
		return ReleaseResult{}, err
	}
	key := recordKey(res.Key)

	existing, err := m.load(ctx, key)
	if err != nil {
		return ReleaseResult{}, err
	}
	if existing == nil {
		return ReleaseResult{Outcome: AlreadyAbsent}, nil
	}
	if existing.Expired(m.now()) {
		if err := m.removeExpired(ctx, *existing, instanceID); err != nil {
			return ReleaseResult{}, err
		}
		return ReleaseResult{Outcome: AlreadyAbsent}, nil
	}
	if existing.OwnerInstanceID != instanceID {
		return ReleaseResult{Outcome: NotOwner, Owner: existing.OwnerInstanceID}, nil
	}

	if err := storage.Delete(ctx, m.store, key); err != nil {
		return ReleaseResult{}, err
	}
	m.logger.Info("lock released", "resource", res.Key, "instance_id", instanceID)
	return ReleaseResult{Outcome: Released, Owner: instanceID}, nil
}

// Renew extends the caller's lock. With refingerprint the stored fingerprint
// is replaced by the file's current contents, accepting the caller's own
// edits as the new baseline.
func (m *Manager) Renew(ctx context.Context, instanceID, resource string, refingerprint bool) (RenewResult, error) {
	if instanceID == "" {
		return RenewResult{}, errors.ErrNoInstance
	}
	res, err := m.Resolve(resource)
	if err != nil {
		return RenewResult{}, err
	}
	key := recordKey(res.Key)
	now := m.now()

	existing, err := m.load(ctx, key)
	if err != nil {
		return RenewResult{}, err
	}
	if existing == nil || existing.Expired(now) {
		return RenewResult{Outcome: AlreadyAbsent}, nil
	}
	if existing.OwnerInstanceID != instanceID {
		return RenewResult{Outcome: NotOwner, Owner: existing.OwnerInstanceID, Lock: *existing}, nil
	}

	lock, err := m.extend(*existing, now, refingerprint)
	if err != nil {
		return RenewResult{}, err
	}
	if err := storage.PutJSON(ctx, m.store, key, lock); err != nil {
		return RenewResult{}, err
	}
	return RenewResult{Outcome: Renewed, Lock: lock}, nil
}

// RenewAll extends every live lock held by instanceID and returns the
// renewed resource keys.
func (m *Manager) RenewAll(ctx context.Context, instanceID string) ([]string, error) {
	locks, err := m.List(ctx, ListOptions{Owner: instanceID})
	if err != nil {
		return nil, err
	}
	now := m.now()
	var renewed []string
	for _, l := range locks {
		lock, err := m.extend(l, now, false)
		if err != nil {
			return renewed, err
		}
		if err := storage.PutJSON(ctx, m.store, recordKey(l.ResourceKey), lock); err != nil {
			return renewed, err
		}
		renewed = append(renewed, l.ResourceKey)
	}
	return renewed, nil
}

func (m *Manager) extend(lock Lock, now time.Time, refingerprint bool) (Lock, error) {
	lock.RenewedAt = now
	lock.ExpiresAt = now.Add(m.ttl)
	if refingerprint {
		fp, err := Fingerprint(lock.FilePath)
		if err != nil {
			return Lock{}, errors.NewLockError("fingerprint", err).WithResource(lock.ResourceKey)
		}
		lock.ContentFingerprint = fp
	}
	return lock, nil
}

// CheckConflict compares the file's current contents with the fingerprint
// taken when the lock was acquired. Modified is a warning, not a block.
func (m *Manager) CheckConflict(ctx context.Context, resource string) (ConflictResult, error) {
	res, err := m.Resolve(resource)
	if err != nil {
		return ConflictResult{}, err
	}
	existing, err := m.load(ctx, recordKey(res.Key))
	if err != nil {
		return ConflictResult{}, err
	}
	if existing == nil || existing.Expired(m.now()) {
		return ConflictResult{Outcome: NotLocked}, nil
	}

	path := existing.FilePath
	if path == "" {
		path = res.Path
	}
	fp, err := Fingerprint(path)
	if err != nil {
		return ConflictResult{}, errors.NewLockError("fingerprint", err).WithResource(res.Key)
	}

	outcome := Unmodified
	if fp != existing.ContentFingerprint {
		outcome = Modified
		m.logger.Warn("locked file modified outside its owner",
			"resource", res.Key,
			"owner", existing.OwnerInstanceID,
		)
	}
	return ConflictResult{Outcome: outcome, Lock: *existing, CurrentFingerprint: fp}, nil
}

// Get returns the lock record for resource, expired or not. The bool is
// false when no record exists.
func (m *Manager) Get(ctx context.Context, resource string) (Lock, bool, error) {
	res, err := m.Resolve(resource)
	if err != nil {
		return Lock{}, false, err
	}
	existing, err := m.load(ctx, recordKey(res.Key))
	if err != nil || existing == nil {
		return Lock{}, false, err
	}
	return *existing, true, nil
}

// List returns lock records sorted by resource key.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]Lock, error) {
	var matcher glob.Glob
	if opts.Pattern != "" {
		g, err := glob.Compile(opts.Pattern, '/')
		if err != nil {
			return nil, errors.NewValidationError("invalid lock pattern").
				WithField("pattern").WithValue(opts.Pattern)
		}
		matcher = g
	}

	keys, err := m.store.List(ctx, recordPrefix)
	if err != nil {
		return nil, errors.NewStorageError("list locks", err).WithKey(recordPrefix)
	}

	now := m.now()
	locks := make([]Lock, 0, len(keys))
	for _, key := range keys {
		l, err := m.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if l == nil {
			continue // released while listing
		}
		if !opts.IncludeExpired && l.Expired(now) {
			continue
		}
		if opts.Owner != "" && l.OwnerInstanceID != opts.Owner {
			continue
		}
		if matcher != nil && !matcher.Match(l.ResourceKey) {
			continue
		}
		locks = append(locks, *l)
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].ResourceKey < locks[j].ResourceKey })
	return locks, nil
}

// ReleaseAll removes every lock record owned by instanceID, expired or not,
// and returns the released resource keys in sorted order.
func (m *Manager) ReleaseAll(ctx context.Context, instanceID string) ([]string, error) {
	locks, err := m.List(ctx, ListOptions{Owner: instanceID, IncludeExpired: true})
	if err != nil {
		return nil, err
	}
	now := m.now()
	var released []string
	for _, l := range locks {
		if l.Expired(now) {
			// An expired grant may be mid-reclaim by another instance.
			won, err := m.claimExpired(ctx, l, instanceID, nil)
			if err != nil {
				return released, err
			}
			if !won {
				continue
			}
		}
		if err := storage.Delete(ctx, m.store, recordKey(l.ResourceKey)); err != nil {
			return released, err
		}
		released = append(released, l.ResourceKey)
	}
	if len(released) > 0 {
		m.logger.Info("released all locks", "instance_id", instanceID, "count", len(released))
	}
	return released, nil
}

// LivenessFunc reports whether instanceID currently has a live registry
// record. It is consulted once per lock, after the lock is re-read.
type LivenessFunc func(ctx context.Context, instanceID string) (bool, error)

// ReleaseStale removes locks that have expired or whose owner isLive
// rejects. Each record is re-read immediately before removal so a lock
// reclaimed by a live instance in the meantime survives.
func (m *Manager) ReleaseStale(ctx context.Context, isLive LivenessFunc) ([]Lock, error) {
	locks, err := m.List(ctx, ListOptions{IncludeExpired: true})
	if err != nil {
		return nil, err
	}

	var released []Lock
	for _, l := range locks {
		key := recordKey(l.ResourceKey)
		current, err := m.load(ctx, key)
		if err != nil {
			return released, err
		}
		if current == nil {
			continue
		}
		expired := current.Expired(m.now())
		if expired {
			won, err := m.claimExpired(ctx, *current, "sweeper", nil)
			if err != nil {
				return released, err
			}
			if !won {
				continue
			}
		} else {
			live, err := isLive(ctx, current.OwnerInstanceID)
			if err != nil {
				return released, err
			}
			if live {
				continue
			}
		}
		if err := storage.Delete(ctx, m.store, key); err != nil {
			return released, err
		}
		m.logger.Warn("released stale lock",
			"resource", current.ResourceKey,
			"owner", current.OwnerInstanceID,
			"expired", expired,
		)
		released = append(released, *current)
	}
	if err := m.pruneReclaims(ctx); err != nil {
		return released, err
	}
	return released, nil
}

// removeExpired deletes the expired grant g unless another process has
// claimed it first.
func (m *Manager) removeExpired(ctx context.Context, g Lock, claimedBy string) error {
	won, err := m.claimExpired(ctx, g, claimedBy, nil)
	if err != nil || !won {
		return err
	}
	return storage.Delete(ctx, m.store, recordKey(g.ResourceKey))
}

// ForceRelease removes the lock on resource regardless of owner. It exists
// for operator crash recovery.
func (m *Manager) ForceRelease(ctx context.Context, resource string) (ReleaseResult, error) {
	res, err := m.Resolve(resource)
	if err != nil {
		return ReleaseResult{}, err
	}
	key := recordKey(res.Key)
	existing, err := m.load(ctx, key)
	if err != nil {
		return ReleaseResult{}, err
	}
	if existing == nil {
		return ReleaseResult{Outcome: AlreadyAbsent}, nil
	}
	if err := storage.Delete(ctx, m.store, key); err != nil {
		return ReleaseResult{}, err
	}
	m.logger.Warn("lock force-released", "resource", res.Key, "owner", existing.OwnerInstanceID)
	return ReleaseResult{Outcome: Released, Owner: existing.OwnerInstanceID}, nil
}

func (m *Manager) newLock(instanceID string, res Resource, reason string, now time.Time) (Lock, error) {
	fp, err := Fingerprint(res.Path)
	if err != nil {
		return Lock{}, errors.NewLockError("fingerprint", err).WithResource(res.Key)
	}
	return Lock{
		ResourceKey:        res.Key,
		FilePath:           res.Path,
		OwnerInstanceID:    instanceID,
		Reason:             reason,
		AcquiredAt:         now,
		RenewedAt:          now,
		ExpiresAt:          now.Add(m.ttl),
		ContentFingerprint: fp,
	}, nil
}

// load returns the lock stored under key, or nil if absent.
func (m *Manager) load(ctx context.Context, key string) (*Lock, error) {
	var l Lock
	if err := storage.GetJSON(ctx, m.store, key, &l); err != nil {
		if err == storage.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}

func sameGrant(a, b Lock) bool {
	return a.OwnerInstanceID == b.OwnerInstanceID && a.AcquiredAt.Equal(b.AcquiredAt)
}
