package storage

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Iron-Ham/concord/internal/errors"
)

// tempPrefix marks in-flight writes. List skips them; a crashed writer may
// leave one behind, which is harmless and can be deleted by hand.
const tempPrefix = ".tmp-"

// verifyDir holds the records written by Verify.
const verifyDir = ".verify"

// FileStore is the default Backend: one file per key under a root directory.
// Records are human-inspectable and can be deleted by hand for crash recovery.
type FileStore struct {
	root string
}

// NewFileStore creates a FileStore rooted at dir, creating dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{root: dir}, nil
}

// Root returns the directory backing the store.
func (s *FileStore) Root() string {
	return s.root
}

// Get reads the record for key.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// Put writes data to a temporary file beside the destination and renames it
// over the destination.
func (s *FileStore) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	path := s.keyToPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath, err := writeTemp(filepath.Dir(path), data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	syncDir(filepath.Dir(path))
	return nil
}

// Create writes data to a temporary file and hard-links it to the
// destination. The link fails if the destination exists, so the first
// creator wins and nobody ever observes a half-written record.
func (s *FileStore) Create(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	path := s.keyToPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath, err := writeTemp(filepath.Dir(path), data)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmpPath) }()

	if err := os.Link(tmpPath, path); err != nil {
		if os.IsExist(err) {
			return ErrExists
		}
		return fmt.Errorf("failed to link temp file: %w", err)
	}
	syncDir(filepath.Dir(path))
	return nil
}

// Delete removes the record for key. A missing record is not an error, since
// two sweepers may race to remove the same stale record.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.keyToPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// List returns the keys under prefix in lexical order.
func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	searchDir := s.root
	if dir := keyDir(prefix); dir != "" {
		searchDir = filepath.Join(s.root, filepath.FromSlash(dir))
	}

	var keys []string
	err := filepath.WalkDir(searchDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if d.Name() == verifyDir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for the filesystem backend.
func (s *FileStore) Close() error {
	return nil
}

// Verify checks that the underlying filesystem honours the two primitives
// the store depends on: rename replaces the destination, and a hard link to
// an existing destination fails. A filesystem that cannot do both is
// rejected with ErrAtomicRenameUnsupported.
func (s *FileStore) Verify(ctx context.Context) error {
	key := fmt.Sprintf("%s/%d-%d", verifyDir, os.Getpid(), time.Now().UnixNano())
	defer func() { _ = s.Delete(ctx, key) }()

	fail := func(step string, cause error) error {
		return errors.NewStorageError(fmt.Sprintf("%s: %v", step, cause), errors.ErrAtomicRenameUnsupported).
			WithKey(s.root)
	}

	if err := s.Create(ctx, key, []byte("first")); err != nil {
		return fail("exclusive create", err)
	}
	if err := s.Create(ctx, key, []byte("second")); !errors.Is(err, ErrExists) {
		return fail("exclusive create over existing record", fmt.Errorf("expected ErrExists, got %v", err))
	}
	if err := s.Put(ctx, key, []byte("third")); err != nil {
		return fail("rename over existing record", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		return fail("read back", err)
	}
	if !bytes.Equal(got, []byte("third")) {
		return fail("read back", fmt.Errorf("got %q after replace", got))
	}
	return nil
}

// keyToPath converts a key to a filesystem path.
func (s *FileStore) keyToPath(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// keyDir returns the directory portion of a key prefix ("locks/" -> "locks",
// "decisions/0000" -> "decisions").
func keyDir(prefix string) string {
	i := strings.LastIndex(prefix, "/")
	if i < 0 {
		return ""
	}
	return prefix[:i]
}

// writeTemp writes data to a synced temporary file in dir and returns its path.
func writeTemp(dir string, data []byte) (string, error) {
	tmpFile, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return "", fmt.Errorf("failed to set permissions: %w", err)
	}

	success = true
	return tmpPath, nil
}

// syncDir flushes directory metadata so a completed rename survives a crash.
// Not every platform supports fsync on a directory, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
