package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Session lifecycle event types.
const (
	EventStart     = "start"
	EventViolation = "violation"
	EventSleep     = "sleep"
	EventWake      = "wake"
	EventTerminate = "terminate"
)

// Session outcomes.
const (
	OutcomeRunning     = "running"
	OutcomeInterrupted = "interrupted"
	OutcomeFailed      = "failed"
)

// DB is the session journal.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the journal at path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets --history read while a session is writing
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{
		conn: conn,
		path: path,
	}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Path returns the file the journal was opened from.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn != nil {
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		pid INTEGER,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		outcome TEXT NOT NULL,
		details TEXT
	);

	CREATE TABLE IF NOT EXISTS session_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);
	CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Session is one monitored run of a child.
type Session struct {
	ID        string
	Command   string
	PID       int
	StartedAt time.Time
	EndedAt   sql.NullTime
	Outcome   string
	Details   string
}

// Duration returns how long the session lasted, or has lasted so far.
func (s Session) Duration() time.Duration {
	if s.EndedAt.Valid {
		return s.EndedAt.Time.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// SessionEvent is a lifecycle event of a session.
type SessionEvent struct {
	ID        int64
	SessionID string
	EventType string
	Details   string
	Timestamp time.Time
}

// BeginSession records a session whose child has just started.
func (db *DB) BeginSession(id, command string, pid int) error {
	return db.exec(
		`INSERT INTO sessions (id, command, pid, started_at, outcome, details)
		 VALUES (?, ?, ?, ?, ?, '')`,
		id, command, pid, time.Now(), OutcomeRunning,
	)
}

// EndSession stores the outcome of a session.
func (db *DB) EndSession(id, outcome, details string) error {
	return db.exec(
		`UPDATE sessions SET ended_at = ?, outcome = ?, details = ? WHERE id = ?`,
		time.Now(), outcome, details, id,
	)
}

// LogSessionEvent appends a lifecycle event to a session.
func (db *DB) LogSessionEvent(sessionID, eventType, details string) error {
	return db.exec(
		`INSERT INTO session_events (session_id, event_type, details, timestamp)
		 VALUES (?, ?, ?, ?)`,
		sessionID, eventType, details, time.Now(),
	)
}

// exec retries briefly while another pipemon holds the write lock.
// Journaling is best-effort and must not stall the probe loop.
func (db *DB) exec(query string, args ...any) error {
	const maxRetries = 3
	for range maxRetries {
		_, err := db.conn.Exec(query, args...)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to write journal after %d retries: database locked", maxRetries)
}

// RecentSessions returns up to limit sessions, newest first.
func (db *DB) RecentSessions(limit int) ([]Session, error) {
	rows, err := db.conn.Query(
		`SELECT id, command, pid, started_at, ended_at, outcome, details
		 FROM sessions
		 ORDER BY started_at DESC, rowid DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.Command, &s.PID, &s.StartedAt, &s.EndedAt, &s.Outcome, &s.Details); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SessionEvents returns the events of a session in the order they happened.
func (db *DB) SessionEvents(sessionID string) ([]SessionEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, session_id, event_type, details, timestamp
		 FROM session_events
		 WHERE session_id = ?
		 ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var e SessionEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
