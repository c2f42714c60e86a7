package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"replaysaver/internal/logging"

	_ "github.com/mattn/go-sqlite3" // registers "sqlite3" (cgo)
	_ "modernc.org/sqlite"          // registers "sqlite" (pure Go)
)

// DefaultNamespace is the key the record list is stored under.
const DefaultNamespace = "replays"

// SQLiteBackend stores the record list as one JSON value in a key-value table.
// Updates run inside BEGIN IMMEDIATE so writers in other processes sharing the file
// are serialised by SQLite's write lock.
type SQLiteBackend struct {
	db        *sql.DB
	path      string
	namespace string
}

// OpenSQLite opens (creating if needed) the database at path using driver
// "sqlite" or "sqlite3".
func OpenSQLite(driver, path, namespace string) (*SQLiteBackend, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	logging.StoreDebug("Opening %s store at %s (namespace %s)", driver, path, namespace)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS kv (
		namespace TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}

	return &SQLiteBackend{db: db, path: path, namespace: namespace}, nil
}

// Path returns the database file path.
func (s *SQLiteBackend) Path() string { return s.path }

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteBackend) read(ctx context.Context, q queryer) ([]Record, error) {
	var raw string
	err := q.QueryRowContext(ctx, "SELECT value FROM kv WHERE namespace = ?", s.namespace).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	var records []Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

func (s *SQLiteBackend) Load(ctx context.Context) ([]Record, error) {
	return s.read(ctx, s.db)
}

func (s *SQLiteBackend) Update(ctx context.Context, fn UpdateFunc) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			// Rollback runs on a fresh context so a cancelled ctx still releases the lock.
			if _, rbErr := conn.ExecContext(context.Background(), "ROLLBACK"); rbErr != nil {
				logging.StoreError("Rollback failed: %v", rbErr)
			}
		}
	}()

	records, err := s.read(ctx, conn)
	if err != nil {
		return err
	}
	next, changed, err := fn(records)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if next == nil {
		next = []Record{}
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO kv (namespace, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(namespace) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.namespace, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write records: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	committed = true
	return nil
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
