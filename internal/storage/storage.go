// Package storage provides the persistence primitive every other concord
// component builds on: durably write a named record, durably read a named
// record or learn that it is absent.
//
// A reader never observes a partially written record. The filesystem backend
// gets this from writing a temporary file in the destination directory and
// renaming it into place; exclusive creation hard-links the finished temporary
// file to the destination, which fails if the destination already exists.
// Both require a local POSIX filesystem. [FileStore.Verify] checks this at
// open time, and a filesystem that fails the check is rejected with
// [errors.ErrAtomicRenameUnsupported] rather than used best-effort.
//
// No component may open-and-append or open-and-truncate a coordination record
// directly. Every write goes through a [Backend].
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/concord/internal/errors"
)

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("record not found")

// ErrExists is returned by Create when a key already exists.
var ErrExists = errors.New("record already exists")

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Backend is a flat key-value store of small records. Keys use "/" as a
// separator ("locks/auth.py.json").
type Backend interface {
	// Get returns the record stored under key, or ErrNotFound. It never blocks
	// on other writers.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put atomically replaces the record stored under key.
	Put(ctx context.Context, key string, data []byte) error

	// Create atomically stores data under key only if key does not exist.
	// Returns ErrExists otherwise.
	Create(ctx context.Context, key string, data []byte) error

	// Delete removes key. Deleting an absent key succeeds.
	Delete(ctx context.Context, key string) error

	// List returns all keys beginning with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	// Backend is BackendFile (default) or BackendSQLite.
	Backend string
	// SQLitePath is the database file for BackendSQLite. Defaults to
	// {root}/concord.db.
	SQLitePath string
}

// Open returns the backend rooted at the coordination directory root.
func Open(ctx context.Context, root string, opts Options) (Backend, error) {
	switch opts.Backend {
	case "", BackendFile:
		fs, err := NewFileStore(root)
		if err != nil {
			return nil, err
		}
		if err := fs.Verify(ctx); err != nil {
			return nil, err
		}
		return fs, nil
	case BackendSQLite:
		dbPath := opts.SQLitePath
		if dbPath == "" {
			dbPath = filepath.Join(root, "concord.db")
		}
		return NewSQLiteStore(dbPath)
	default:
		return nil, errors.NewValidationError("unknown storage backend").
			WithField("storage.backend").
			WithValue(opts.Backend)
	}
}

// validateKey rejects keys that would escape the store root.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return errors.NewValidationError("invalid storage key").WithValue(key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return errors.NewValidationError("invalid storage key").WithValue(key)
		}
	}
	return nil
}

// GetJSON loads key and decodes it into v. ErrNotFound is returned unwrapped
// so callers can treat absence as a normal outcome. A record that does not
// decode is reported as ErrCorruptRecord.
func GetJSON(ctx context.Context, b Backend, key string, v any) error {
	data, err := b.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return errors.NewStorageError("read record", err).WithKey(key)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.NewStorageError(fmt.Sprintf("decode record: %v", err), errors.ErrCorruptRecord).WithKey(key)
	}
	return nil
}

// PutJSON encodes v and atomically replaces key.
func PutJSON(ctx context.Context, b Backend, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.NewStorageError("encode record", err).WithKey(key)
	}
	if err := b.Put(ctx, key, data); err != nil {
		return errors.NewStorageError("write record", err).WithKey(key)
	}
	return nil
}

// CreateJSON encodes v and stores it under key only if key is absent.
// ErrExists is returned unwrapped.
func CreateJSON(ctx context.Context, b Backend, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.NewStorageError("encode record", err).WithKey(key)
	}
	if err := b.Create(ctx, key, data); err != nil {
		if errors.Is(err, ErrExists) {
			return ErrExists
		}
		return errors.NewStorageError("create record", err).WithKey(key)
	}
	return nil
}

// Delete removes key, wrapping failures. Absent keys succeed.
func Delete(ctx context.Context, b Backend, key string) error {
	if err := b.Delete(ctx, key); err != nil {
		return errors.NewStorageError("delete record", err).WithKey(key)
	}
	return nil
}
