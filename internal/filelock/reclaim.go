package filelock

import (
	"context"
	"strconv"
	"time"

	"github.com/Iron-Ham/concord/internal/storage"
)

// reclaimTicket is the exclusive right to replace or remove one expired
// grant. Several processes can read the same expired record; only the one
// that creates its ticket may act on it.
type reclaimTicket struct {
	ResourceKey string    `json:"resource_key"`
	ClaimedBy   string    `json:"claimed_by"`
	ClaimedAt   time.Time `json:"claimed_at"`
	// Grant is the lock the claimer is writing, or nil when it is removing
	// the expired record.
	Grant *Lock `json:"grant,omitempty"`
}

// reclaimKey names the ticket for grant g. A grant is identified by its
// resource and acquisition time.
func reclaimKey(g Lock) string {
	return reclaimPrefix + escapeKey(g.ResourceKey) + "@" + strconv.FormatInt(g.AcquiredAt.UnixNano(), 10) + ".json"
}

// claimExpired takes the ticket for the expired grant g and confirms g is
// still the stored record. It reports false when another process holds the
// ticket or the record has already changed.
func (m *Manager) claimExpired(ctx context.Context, g Lock, claimedBy string, grant *Lock) (bool, error) {
	ticket := reclaimTicket{
		ResourceKey: g.ResourceKey,
		ClaimedBy:   claimedBy,
		ClaimedAt:   m.now(),
		Grant:       grant,
	}
	err := storage.CreateJSON(ctx, m.store, reclaimKey(g), ticket)
	if err == storage.ErrExists {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	current, err := m.load(ctx, recordKey(g.ResourceKey))
	if err != nil {
		return false, err
	}
	return current != nil && sameGrant(*current, g), nil
}

// deniedByReclaim reports the grant that won the ticket for g, falling back
// to the stored record when the winner is removing rather than replacing.
func (m *Manager) deniedByReclaim(ctx context.Context, g Lock, res Resource) (AcquireResult, error) {
	var ticket reclaimTicket
	err := storage.GetJSON(ctx, m.store, reclaimKey(g), &ticket)
	if err == nil && ticket.Grant != nil {
		return AcquireResult{Outcome: Denied, Lock: *ticket.Grant}, nil
	}
	if err != nil && err != storage.ErrNotFound {
		return AcquireResult{}, err
	}
	return m.deniedByCurrent(ctx, recordKey(res.Key), res)
}

// pruneReclaims removes tickets older than the lock TTL. By then the grant
// they guarded has been replaced or removed, and a late claimer is stopped
// by the record check in claimExpired.
func (m *Manager) pruneReclaims(ctx context.Context) error {
	keys, err := m.store.List(ctx, reclaimPrefix)
	if err != nil {
		return err
	}
	cutoff := m.now().Add(-m.ttl)
	for _, key := range keys {
		var ticket reclaimTicket
		err := storage.GetJSON(ctx, m.store, key, &ticket)
		if err == storage.ErrNotFound {
			continue
		}
		if err == nil && ticket.ClaimedAt.After(cutoff) {
			continue
		}
		// Old or unreadable tickets carry nothing worth keeping.
		if err := storage.Delete(ctx, m.store, key); err != nil {
			return err
		}
	}
	return nil
}
