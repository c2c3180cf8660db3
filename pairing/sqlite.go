package pairing

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const createClientKeys = `
CREATE TABLE IF NOT EXISTS client_keys (
	ip         TEXT PRIMARY KEY,
	key        TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore keeps client keys in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create pairing directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open pairing database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(createClientKeys); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize pairing schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get reports false when the ip has no key or the lookup fails. A lookup
// failure costs the user another pairing prompt.
func (s *SQLiteStore) Get(ip string) (string, bool) {
	var key string
	err := s.db.QueryRow(`SELECT key FROM client_keys WHERE ip = ?`, ip).Scan(&key)
	if err != nil {
		return "", false
	}

	return key, true
}

func (s *SQLiteStore) Set(ip, key string) error {
	_, err := s.db.Exec(`
		INSERT INTO client_keys (ip, key, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET key = excluded.key, updated_at = excluded.updated_at`,
		ip, key, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store client key: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
