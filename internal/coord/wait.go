package coord

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/Iron-Ham/concord/internal/errors"
	"github.com/Iron-Ham/concord/internal/filelock"
	"github.com/Iron-Ham/concord/internal/registry"
)

// waitJitterPct spreads competing waiters so they do not retry in lockstep.
const waitJitterPct = 0.25

// AcquireWait polls Acquire until the lock is granted or ctx ends. Between
// attempts it heartbeats id, so a long wait does not make the waiter stale,
// and backs off exponentially from WaitBaseDelay up to WaitMaxDelay.
//
// When ctx ends first the last Denied result is returned together with a
// LockError wrapping the context error.
func (c *Coordinator) AcquireWait(ctx context.Context, id, resource, reason string) (filelock.AcquireResult, error) {
	for attempt := 1; ; attempt++ {
		res, err := c.Acquire(ctx, id, resource, reason)
		if err != nil || res.Acquired() {
			return res, err
		}

		c.logger.Debug("lock busy, waiting",
			"instance_id", id,
			"resource", res.Lock.ResourceKey,
			"owner", res.Lock.OwnerInstanceID,
			"attempt", attempt,
		)

		if err := c.sleep(ctx, c.waitDelay(attempt)); err != nil {
			return res, errors.NewLockError("gave up waiting for lock", err).
				WithResource(res.Lock.ResourceKey).
				WithOwner(res.Lock.OwnerInstanceID, res.Lock.Reason)
		}

		hb, err := c.registry.Heartbeat(ctx, id)
		if err != nil {
			return res, err
		}
		if hb == registry.Missing {
			return res, errors.NewInstanceError("instance was swept while waiting; register again", errors.ErrInstanceNotFound).
				WithInstanceID(id)
		}
	}
}

// waitDelay returns the backoff before retry attempt n (1-based).
func (c *Coordinator) waitDelay(attempt int) time.Duration {
	base, ceiling := c.settings.WaitBaseDelay, c.settings.WaitMaxDelay
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if ceiling < base {
		ceiling = base
	}

	delay := base
	for i := 1; i < attempt && delay < ceiling; i++ {
		delay *= 2
	}
	delay = min(delay, ceiling)
	return delay + time.Duration(float64(delay)*rand.Float64()*waitJitterPct)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
