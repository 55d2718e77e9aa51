// Package audit records session lifecycle and permission decisions.
//
// Events go to a structured JSON log on stderr and, when a database path is
// configured, to a SQLite table for offline review.
package audit

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpSessionStart      Operation = "session.start"
	OpSessionReply      Operation = "session.reply"
	OpSessionFork       Operation = "session.fork"
	OpSessionResume     Operation = "session.resume"
	OpSessionCancel     Operation = "session.cancel"
	OpSessionSweep      Operation = "session.sweep"
	OpPermissionRequest Operation = "permission.request"
	OpPermissionDecide  Operation = "permission.decide"
)

// Event represents an audit log entry
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Operation Operation      `json:"operation"`
	SessionID string         `json:"session_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Logger handles audit logging
type Logger struct {
	logger  *slog.Logger
	store   *Store
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default audit logger
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(true)
	})
	return defaultLogger
}

// New creates a new audit logger. Audit output goes to stderr because the
// stdio MCP transport owns stdout.
func New(enabled bool) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &Logger{
		logger:  slog.New(handler),
		enabled: enabled,
	}
}

// SetEnabled enables or disables audit logging
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// AttachStore adds a persistent store that receives every event.
func (l *Logger) AttachStore(store *Store) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.store = store
}

// Log records an audit event
func (l *Logger) Log(event *Event) {
	l.mu.RLock()
	enabled := l.enabled
	store := l.store
	l.mu.RUnlock()

	if !enabled {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	attrs := []any{
		slog.String("audit_id", event.ID),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, slog.Any("details", event.Details))
	}
	l.logger.Info("audit", attrs...)

	if store != nil {
		if err := store.Insert(event); err != nil {
			l.logger.Error("audit store insert failed", slog.String("error", err.Error()))
		}
	}
}

// LogOp is a convenience for successful operations with no extra details.
func (l *Logger) LogOp(op Operation, sessionID string) {
	l.Log(&Event{Operation: op, SessionID: sessionID, Success: true})
}
