// Package session maps host session ids to concord instance ids.
//
// Hosts such as editor agents invoke `concord hook` as a fresh process for
// every event, passing only their own session id. The binding written at
// session start lets later invocations find the instance that session
// registered, without any process staying resident.
package session

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/Iron-Ham/concord/internal/errors"
	"github.com/Iron-Ham/concord/internal/logging"
	"github.com/Iron-Ham/concord/internal/storage"
)

// SessionsDir is the store prefix holding session bindings.
const SessionsDir = "sessions/"

// Binding records which instance a host session registered.
type Binding struct {
	SessionID  string    `json:"session_id"`
	InstanceID string    `json:"instance_id"`
	BoundAt    time.Time `json:"bound_at"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
}

// Store persists bindings in a coordination store.
type Store struct {
	store  storage.Backend
	now    func() time.Time
	logger *logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the store's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.WithComponent("session")
		}
	}
}

// NewStore creates a Store over store.
func NewStore(store storage.Backend, opts ...Option) *Store {
	s := &Store{
		store:  store,
		now:    time.Now,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bind records that sessionID is served by instanceID, replacing any earlier
// binding for the same session.
func (s *Store) Bind(ctx context.Context, sessionID, instanceID string) (Binding, error) {
	if err := checkSessionID(sessionID); err != nil {
		return Binding{}, err
	}
	if instanceID == "" {
		return Binding{}, errors.ErrNoInstance
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	b := Binding{
		SessionID:  sessionID,
		InstanceID: instanceID,
		BoundAt:    s.now(),
		PID:        os.Getppid(),
		Hostname:   hostname,
	}
	if err := storage.PutJSON(ctx, s.store, recordKey(sessionID), b); err != nil {
		return Binding{}, err
	}
	s.logger.Debug("session bound", "session_id", sessionID, "instance_id", instanceID)
	return b, nil
}

// Lookup returns the binding for sessionID. The bool is false when the
// session never bound or has been unbound.
func (s *Store) Lookup(ctx context.Context, sessionID string) (Binding, bool, error) {
	if err := checkSessionID(sessionID); err != nil {
		return Binding{}, false, err
	}
	var b Binding
	if err := storage.GetJSON(ctx, s.store, recordKey(sessionID), &b); err != nil {
		if err == storage.ErrNotFound {
			return Binding{}, false, nil
		}
		return Binding{}, false, err
	}
	return b, true, nil
}

// Unbind removes the binding for sessionID. An absent binding is success.
func (s *Store) Unbind(ctx context.Context, sessionID string) error {
	if err := checkSessionID(sessionID); err != nil {
		return err
	}
	return storage.Delete(ctx, s.store, recordKey(sessionID))
}

// List returns every binding, ordered by session id.
func (s *Store) List(ctx context.Context) ([]Binding, error) {
	keys, err := s.store.List(ctx, SessionsDir)
	if err != nil {
		return nil, errors.NewStorageError("list sessions", err).WithKey(SessionsDir)
	}
	out := make([]Binding, 0, len(keys))
	for _, key := range keys {
		var b Binding
		if err := storage.GetJSON(ctx, s.store, key, &b); err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Prune removes bindings whose instance no longer exists and returns the
// session ids it removed.
func (s *Store) Prune(ctx context.Context, exists func(instanceID string) bool) ([]string, error) {
	bindings, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, b := range bindings {
		if exists(b.InstanceID) {
			continue
		}
		if err := s.Unbind(ctx, b.SessionID); err != nil {
			return removed, err
		}
		removed = append(removed, b.SessionID)
		s.logger.Debug("pruned session binding", "session_id", b.SessionID, "instance_id", b.InstanceID)
	}
	return removed, nil
}

func checkSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.NewValidationError("session id is required").WithField("session_id")
	}
	if strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return errors.NewValidationError("malformed session id").WithField("session_id").WithValue(id)
	}
	return nil
}

func recordKey(id string) string {
	return SessionsDir + id + ".json"
}
