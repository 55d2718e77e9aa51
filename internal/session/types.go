// Package session holds the in-memory session registry: per-session event
// buffers, pending permission requests, run bookkeeping, and the background
// sweeper that expires idle and stuck sessions.
package session

import (
	"time"

	"github.com/stackmill/agentmux/internal/agent"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning           Status = "running"
	StatusWaitingPermission Status = "waiting_permission"
	StatusIdle              Status = "idle"
	StatusCancelled         Status = "cancelled"
	StatusError             Status = "error"
)

// Terminal reports whether the status means no run is in flight.
func (s Status) Terminal() bool {
	return s == StatusIdle || s == StatusCancelled || s == StatusError
}

// Event type tags stored in session buffers.
const (
	EventOutput            = "output"
	EventProgress          = "progress"
	EventPermissionRequest = "permission_request"
	EventPermissionResult  = "permission_result"
	EventResult            = "result"
	EventError             = "error"
)

// Event is one entry in a session's event buffer. IDs start at 1 and
// increase strictly within a session.
type Event struct {
	ID        uint64    `json:"id"`
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Pinned    bool      `json:"-"`
}

// pinnedTypes are retained preferentially when the buffer hits its caps.
var pinnedTypes = map[string]bool{
	EventPermissionRequest: true,
	EventPermissionResult:  true,
	EventResult:            true,
	EventError:             true,
}

// AgentResult is the terminal outcome of one run, stored on the session and
// surfaced in poll responses.
type AgentResult struct {
	SessionID           string         `json:"sessionId"`
	Result              string         `json:"result,omitempty"`
	IsError             bool           `json:"isError"`
	DurationMs          int64          `json:"durationMs,omitempty"`
	DurationAPIMs       int64          `json:"durationApiMs,omitempty"`
	NumTurns            int            `json:"numTurns,omitempty"`
	TotalCostUSD        float64        `json:"totalCostUsd,omitempty"`
	SessionTotalTurns   int            `json:"sessionTotalTurns,omitempty"`
	SessionTotalCostUSD float64        `json:"sessionTotalCostUsd,omitempty"`
	StructuredOutput    any            `json:"structuredOutput,omitempty"`
	StopReason          string         `json:"stopReason,omitempty"`
	ErrorSubtype        string         `json:"errorSubtype,omitempty"`
	Usage               map[string]any `json:"usage,omitempty"`
	ModelUsage          map[string]any `json:"modelUsage,omitempty"`
	PermissionDenials   []any          `json:"permissionDenials,omitempty"`
}

// PermissionRequest is a pending tool-use permission prompt awaiting a caller
// decision.
type PermissionRequest struct {
	RequestID      string         `json:"requestId"`
	ToolName       string         `json:"toolName"`
	Input          map[string]any `json:"input,omitempty"`
	Summary        string         `json:"summary,omitempty"`
	Description    string         `json:"description,omitempty"`
	DecisionReason string         `json:"decisionReason,omitempty"`
	BlockedPath    string         `json:"blockedPath,omitempty"`
	ToolUseID      string         `json:"toolUseId,omitempty"`
	AgentID        string         `json:"agentId,omitempty"`
	Suggestions    []any          `json:"suggestions,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// FinishSource records what resolved a permission request.
type FinishSource string

const (
	FinishRespond FinishSource = "respond"
	FinishTimeout FinishSource = "timeout"
	FinishCancel  FinishSource = "cancel"
	FinishCleanup FinishSource = "cleanup"
	FinishDestroy FinishSource = "destroy"
	FinishSignal  FinishSource = "signal"
)

// Session is the serializable record of one session.
type Session struct {
	ID           string        `json:"sessionId"`
	Status       Status        `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActiveAt time.Time     `json:"lastActiveAt"`
	Config       agent.Options `json:"-"`
	TotalTurns   int           `json:"totalTurns"`
	TotalCostUSD float64       `json:"totalCostUsd"`
}

// View is the public projection of a session, with the config redacted
// according to the caller's sensitivity level.
type View struct {
	SessionID    string         `json:"sessionId"`
	Status       Status         `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastActiveAt time.Time      `json:"lastActiveAt"`
	TotalTurns   int            `json:"totalTurns"`
	TotalCostUSD float64        `json:"totalCostUsd"`
	Config       map[string]any `json:"config,omitempty"`
	PendingCount int            `json:"pendingPermissionCount"`
}
