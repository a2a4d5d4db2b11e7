package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	key        TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);`

// SQLiteStore is a Backend keeping every record as a row in a single sqlite
// database. Each statement is its own transaction, which gives the same
// no-torn-read guarantee as FileStore's rename, and works on filesystems where
// many small files are undesirable. The database file must still live on a
// local disk: sqlite's own locking is unreliable over network filesystems.
type SQLiteStore struct {
	db    *sql.DB
	retry RetryConfig
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(2000)&_pragma=journal_mode(WAL)"
	return openSQLite(dsn)
}

// NewInMemorySQLiteStore opens a private in-memory database, for tests.
func NewInMemorySQLiteStore() (*SQLiteStore, error) {
	return openSQLite(":memory:")
}

func openSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection per process keeps an in-memory database shared across
	// calls; cross-process concurrency is handled by sqlite file locking.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, retry: DefaultRetryConfig()}, nil
}

// Get reads the record for key.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	var data []byte
	err := RetryOnBusy(ctx, s.retry, func() error {
		return s.db.QueryRowContext(ctx, `SELECT data FROM records WHERE key = ?`, key).Scan(&data)
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select record: %w", err)
	}
	return data, nil
}

// Put replaces the record for key.
func (s *SQLiteStore) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := RetryOnBusy(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO records (key, data, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			key, data, time.Now().UnixNano())
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// Create inserts the record for key unless it already exists.
func (s *SQLiteStore) Create(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	var inserted int64
	err := RetryOnBusy(ctx, s.retry, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO records (key, data, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO NOTHING`,
			key, data, time.Now().UnixNano())
		if err != nil {
			return err
		}
		inserted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if inserted == 0 {
		return ErrExists
	}
	return nil
}

// Delete removes the record for key. Missing rows are not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := RetryOnBusy(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// List returns the keys beginning with prefix, sorted.
func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := RetryOnBusy(ctx, s.retry, func() error {
		keys = keys[:0]
		rows, err := s.db.QueryContext(ctx,
			`SELECT key FROM records WHERE substr(key, 1, ?) = ? ORDER BY key`,
			len(prefix), prefix)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return keys, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
