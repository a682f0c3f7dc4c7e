package notes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"warden/internal/logging"
)

// SQLiteStore backs the note surface with a single SQLite table.
// Useful when sessions for many projects share one database file
// rather than a directory tree.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (or creates) the database at the given path
// and prepares the notes table.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logging.Store("Initializing SQLiteStore at path: %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
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
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &SQLiteStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS notes (
			path       TEXT PRIMARY KEY,
			content    TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("failed to initialize notes schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Write(ctx context.Context, path, content string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notes (path, content, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(path) DO UPDATE SET content = excluded.content, updated_at = CURRENT_TIMESTAMP`,
		path, content,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to write note %s: %v", path, err)
		return fmt.Errorf("writing note %s: %w", path, err)
	}
	logging.StoreDebug("Wrote note %s (%d bytes)", path, len(content))
	return nil
}

func (s *SQLiteStore) Read(ctx context.Context, path string) (string, error) {
	if err := validatePath(path); err != nil {
		return "", err
	}
	var content string
	err := s.db.QueryRowContext(ctx,
		"SELECT content FROM notes WHERE path = ?", path,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to read note %s: %v", path, err)
		return "", fmt.Errorf("reading note %s: %w", path, err)
	}
	return content, nil
}
