// Package archive maintains a SQLite catalog of saved capture
// sessions so past captures can be enumerated without scanning the
// filesystem.
package archive

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id    TEXT PRIMARY KEY,
	path          TEXT NOT NULL,
	transport     TEXT NOT NULL,
	started_at    TIMESTAMP NOT NULL,
	message_count INTEGER NOT NULL,
	saved_at      TIMESTAMP NOT NULL
)`

// Entry is one cataloged session.
type Entry struct {
	SessionID    string
	Path         string
	Transport    string
	StartedAt    time.Time
	MessageCount int
	SavedAt      time.Time
}

// Store is the session catalog, backed by a single SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the catalog at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize archive schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the catalog handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record registers a saved session, replacing any previous entry for
// the same session id (re-saving a session updates its row).
func (s *Store) Record(e Entry) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, path, transport, started_at, message_count, saved_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			path = excluded.path,
			message_count = excluded.message_count,
			saved_at = excluded.saved_at`,
		// Fixed-width fractional seconds keep the text columns in
		// chronological order under ORDER BY.
		e.SessionID, e.Path, e.Transport,
		e.StartedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
		e.MessageCount,
		e.SavedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
	)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// List returns all cataloged sessions, most recently saved first.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT session_id, path, transport, started_at, message_count, saved_at
		FROM sessions ORDER BY saved_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var startedAt, savedAt string
		if err := rows.Scan(&e.SessionID, &e.Path, &e.Transport, &startedAt, &e.MessageCount, &savedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			e.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, savedAt); err == nil {
			e.SavedAt = t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return entries, nil
}
