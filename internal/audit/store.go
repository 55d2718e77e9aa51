package audit

// store.go - SQLite persistence for audit events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	operation TEXT NOT NULL,
	session_id TEXT,
	request_id TEXT,
	success INTEGER NOT NULL,
	error TEXT,
	details TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_events(session_id);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
`

// Store persists audit events to SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if necessary) the audit database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert writes one event.
func (s *Store) Insert(event *Event) error {
	var details []byte
	if len(event.Details) > 0 {
		details, _ = json.Marshal(event.Details)
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO audit_events (id, timestamp, operation, session_id, request_id, success, error, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Timestamp.UnixMilli(), string(event.Operation),
		event.SessionID, event.RequestID, boolInt(event.Success), event.Error, string(details),
	)
	return err
}

// RecentBySession returns up to limit events for a session, newest first.
func (s *Store) RecentBySession(sessionID string, limit int) ([]*Event, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, operation, session_id, request_id, success, error, details
		 FROM audit_events WHERE session_id = ? ORDER BY timestamp DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e       Event
			ts      int64
			success int
			details sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Operation, &e.SessionID, &e.RequestID, &success, &e.Error, &details); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts)
		e.Success = success != 0
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
