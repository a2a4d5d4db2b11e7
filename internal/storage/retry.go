package storage

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/Iron-Ham/concord/internal/errors"
)

// RetryConfig controls exponential backoff retry behavior.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	JitterPct  float64 // e.g. 0.25 for 25% jitter
}

// DefaultRetryConfig returns the default retry configuration:
// 7 retries, 20ms base, 25% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 7,
		BaseDelay:  20 * time.Millisecond,
		JitterPct:  0.25,
	}
}

// Delay returns the backoff before retry attempt n (1-based).
func (c RetryConfig) Delay(attempt int) time.Duration {
	delay := c.BaseDelay * (1 << (attempt - 1))
	jitter := time.Duration(float64(delay) * rand.Float64() * c.JitterPct)
	return delay + jitter
}

// RetryOnBusy runs fn, retrying while it fails with a retryable error.
// sqlite's "database is locked" (another process holds the write lock) is
// marked retryable here; any other error, or context cancellation, ends the
// loop.
func RetryOnBusy(ctx context.Context, cfg RetryConfig, fn func() error) error {
	err := markBusy(fn())
	for attempt := 1; errors.IsRetryable(err) && attempt <= cfg.MaxRetries; attempt++ {
		timer := time.NewTimer(cfg.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		err = markBusy(fn())
	}
	return err
}

// markBusy wraps write-lock contention in a retryable StorageError and
// returns every other error unchanged.
func markBusy(err error) error {
	if err == nil || !isBusy(err) {
		return err
	}
	return errors.NewStorageError("database busy", err).WithRetryable(true)
}

func isBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
