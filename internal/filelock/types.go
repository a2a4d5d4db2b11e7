package filelock

import (
	"time"

	"github.com/Iron-Ham/concord/internal/logging"
)

// DefaultTTL is how long a lock stays valid without renewal. File edits are
// human-paced, so this is minutes rather than seconds.
const DefaultTTL = 5 * time.Minute

// Outcome is the typed result of a lock operation. Contention and staleness
// are outcomes, never errors.
type Outcome string

const (
	// Granted means the resource was unlocked and now belongs to the caller.
	Granted Outcome = "granted"
	// Denied means another instance holds a live lock on the resource.
	Denied Outcome = "denied"
	// StaleReclaimed means the previous lock had expired and the caller now
	// holds it. The previous owner probably crashed.
	StaleReclaimed Outcome = "stale_reclaimed"
	// Renewed means the caller already held the lock and its TTL was extended.
	Renewed Outcome = "renewed"

	// Released means the caller's lock was removed.
	Released Outcome = "released"
	// NotOwner means the lock belongs to another instance and was left alone.
	NotOwner Outcome = "not_owner"
	// AlreadyAbsent means there was no live lock to act on.
	AlreadyAbsent Outcome = "already_absent"

	// Unmodified means the file still matches the fingerprint taken at acquire.
	Unmodified Outcome = "unmodified"
	// Modified means the file changed since the fingerprint was taken.
	Modified Outcome = "modified"
	// NotLocked means no live lock exists to compare against.
	NotLocked Outcome = "not_locked"
)

// Lock is an exclusive, TTL-bounded claim on one file path.
type Lock struct {
	ResourceKey        string    `json:"resource_key"`
	FilePath           string    `json:"file_path"`
	OwnerInstanceID    string    `json:"owner_instance_id"`
	Reason             string    `json:"reason"`
	AcquiredAt         time.Time `json:"acquired_at"`
	RenewedAt          time.Time `json:"renewed_at"`
	ExpiresAt          time.Time `json:"expires_at"`
	ContentFingerprint string    `json:"content_fingerprint"`
}

// Expired reports whether the lock is logically absent at now.
func (l Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Remaining returns the time left before expiry, or zero once expired.
func (l Lock) Remaining(now time.Time) time.Duration {
	if l.Expired(now) {
		return 0
	}
	return l.ExpiresAt.Sub(now)
}

// AcquireResult describes the outcome of Acquire.
type AcquireResult struct {
	Outcome Outcome `json:"outcome"`
	// Lock is the caller's lock on success, or the holder's lock when Denied.
	Lock Lock `json:"lock"`
	// PreviousOwner is set for StaleReclaimed.
	PreviousOwner string `json:"previous_owner,omitempty"`
}

// Acquired reports whether the caller holds the lock after the call.
func (r AcquireResult) Acquired() bool {
	return r.Outcome == Granted || r.Outcome == StaleReclaimed || r.Outcome == Renewed
}

// ReleaseResult describes the outcome of Release and ForceRelease.
type ReleaseResult struct {
	Outcome Outcome `json:"outcome"`
	// Owner is the instance holding the lock when NotOwner, or the instance
	// that held it when ForceRelease removed it.
	Owner string `json:"owner,omitempty"`
}

// RenewResult describes the outcome of Renew.
type RenewResult struct {
	Outcome Outcome `json:"outcome"`
	Lock    Lock    `json:"lock"`
	// Owner is set when NotOwner.
	Owner string `json:"owner,omitempty"`
}

// ConflictResult describes the outcome of CheckConflict.
type ConflictResult struct {
	Outcome            Outcome `json:"outcome"`
	Lock               Lock    `json:"lock"`
	CurrentFingerprint string  `json:"current_fingerprint,omitempty"`
}

// ListOptions filters List.
type ListOptions struct {
	// Owner limits results to one instance.
	Owner string
	// Pattern is a glob over resource keys ("internal/**/*.go").
	Pattern string
	// IncludeExpired returns expired locks whose records remain.
	IncludeExpired bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the lock lifetime granted by Acquire and Renew.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger used for grant, release, and staleness events.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.WithComponent("filelock")
		}
	}
}
