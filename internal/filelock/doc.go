// Package filelock provides TTL-bounded, per-file locks shared between
// concord instances through the coordination store.
//
// When multiple agent processes work in one repository, they may attempt to
// edit the same file simultaneously. An instance acquires a lock before
// editing and releases it afterwards. Locks are advisory: nothing stops a
// process from writing a file it does not hold. Each lock records a sha256
// fingerprint of the file taken at acquisition, so [Manager.CheckConflict]
// can tell when someone edited the file behind the owner's back.
//
// # State machine
//
// Each resource is either unlocked or locked by one instance. A lock whose
// expires_at has passed is treated as unlocked on the next access, even if
// its record is still on disk. There is no background timer.
//
// # Outcomes
//
// Contention and staleness are returned as [Outcome] values, not errors:
//
//   - Acquire: [Granted], [Renewed], [StaleReclaimed], [Denied]
//   - Release and Renew: [Released] or [Renewed], [NotOwner], [AlreadyAbsent]
//   - CheckConflict: [Unmodified], [Modified], [NotLocked]
//
// Only integrity failures (unreadable records, store errors) are errors.
//
// # Basic Usage
//
//	mgr := filelock.NewManager(store, repoRoot)
//
//	res, err := mgr.Acquire(ctx, "inst-a", "auth.py", "adding routes")
//	if res.Outcome == filelock.Denied {
//		fmt.Printf("held by %s: %s\n", res.Lock.OwnerInstanceID, res.Lock.Reason)
//	}
//
//	_, err = mgr.Release(ctx, "inst-a", "auth.py")
//
// # Races
//
// An absent lock is created with an exclusive create, so exactly one of
// several concurrent acquirers wins. An expired grant is replaced or removed
// only by the process that creates its reclaim ticket (reclaims/<key>@<acquired
// at>.json), again by exclusive create; every other reclaimer reports Denied.
// Tickets are pruned once they are older than the TTL. Locks on different
// resources are independent and never taken together.
package filelock
