// Package store keeps the bridge's durable state in an embedded SQLite
// database: the operator-tunable settings, and a log of every Carabiner
// session so a flapping daemon can be audited after the fact.
//
// Schema changes are append-only: each entry in [migrations] runs exactly
// once, in order, and the highest applied version is tracked in the
// schema_migrations table. Never edit or reorder an entry that has shipped;
// append a new one.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// migrations is the ordered list of statements that build the schema.
// Entry i is version i+1.
var migrations = []string{
	// v1 — settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2 — Carabiner session log
	`CREATE TABLE IF NOT EXISTS sessions (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		port            INTEGER NOT NULL,
		connected_at    INTEGER NOT NULL,
		disconnected_at INTEGER,
		unexpected      INTEGER NOT NULL DEFAULT 0
	)`,
	// v3 — index for the recent-sessions query
	`CREATE INDEX IF NOT EXISTS idx_sessions_connected ON sessions(connected_at)`,
	// v4 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Setting keys used by the bridge daemon.
const (
	KeyCarabinerPort = "carabiner_port"
	KeyLatency       = "latency_ms"
	KeyBarAlign      = "bar_align"
	KeySyncMode      = "sync_mode"
)

// Store wraps the SQLite handle and exposes the bridge's state operations.
type Store struct {
	db *sql.DB
}

// New opens the database at path, creating it and its schema on first use.
// Tests pass ":memory:" for a throwaway store.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// The bridge writes from one goroutine at a time (session listeners,
	// settings changes over the API) and reads rarely; two connections are
	// plenty and keep sqlite lock contention from ever building up.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)

	// WAL lets the API read session history while a session row is being
	// written; the busy timeout rides out the overlap instead of failing.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[store] could not enable WAL journaling: %v", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=2000`); err != nil {
		log.Printf("[store] could not set a busy timeout: %v", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close shuts the database down. The store is unusable afterwards.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate brings the schema up to the latest version. Only versions beyond
// the highest one recorded in schema_migrations are run, so reopening an
// up-to-date database is a no-op.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`); err != nil {
		return fmt.Errorf("prepare schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("determine schema version: %w", err)
	}

	for v := current + 1; v <= len(migrations); v++ {
		if _, err := s.db.Exec(migrations[v-1]); err != nil {
			return fmt.Errorf("apply migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] schema migrated to v%d", v)
	}
	return nil
}

// GetSetting looks key up in the settings table. ok is false for a key that
// has never been written; err is reserved for real database failures.
func (s *Store) GetSetting(key string) (value string, ok bool, err error) {
	err = s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("read setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting writes key = value, replacing any previous value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}

// Session is one recorded Carabiner session.
type Session struct {
	ID             int64      `json:"id"`
	Port           int        `json:"port"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	Unexpected     bool       `json:"unexpected"`
}

// RecordSessionStart inserts a new session row and returns its id, for use
// with RecordSessionEnd.
func (s *Store) RecordSessionStart(port int, at time.Time) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO sessions(port, connected_at) VALUES(?, ?)`,
		port, at.Unix(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecordSessionEnd stamps the session's end time and whether the daemon
// closed the connection first.
func (s *Store) RecordSessionEnd(id int64, at time.Time, unexpected bool) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET disconnected_at = ?, unexpected = ? WHERE id = ?`,
		at.Unix(), boolToInt(unexpected), id,
	)
	return err
}

// RecentSessions returns up to n sessions, newest first.
func (s *Store) RecentSessions(n int) ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT id, port, connected_at, disconnected_at, unexpected
		 FROM sessions ORDER BY connected_at DESC, id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess         Session
			connected    int64
			disconnected sql.NullInt64
			unexpected   int
		)
		if err := rows.Scan(&sess.ID, &sess.Port, &connected, &disconnected, &unexpected); err != nil {
			return nil, err
		}
		sess.ConnectedAt = time.Unix(connected, 0).UTC()
		if disconnected.Valid {
			t := time.Unix(disconnected.Int64, 0).UTC()
			sess.DisconnectedAt = &t
		}
		sess.Unexpected = unexpected != 0
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SessionCount returns the total number of recorded sessions.
func (s *Store) SessionCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
