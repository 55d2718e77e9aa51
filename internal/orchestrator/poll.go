package orchestrator

// poll.go - event polling projections and permission responses
//
// Poll is the read side of the API: it drains new events past the caller's
// cursor, projects them at the requested detail level, and attaches pending
// permission actions plus the terminal result when the session has one.

import (
	"context"
	"time"

	"github.com/stackmill/agentmux/internal/agent"
	"github.com/stackmill/agentmux/internal/apierr"
	"github.com/stackmill/agentmux/internal/session"
	"github.com/stackmill/agentmux/internal/validation"
)

// DefaultMaxEvents caps a minimal-view page when the caller does not size it.
// Full view is unbounded unless the caller asks for a page.
const DefaultMaxEvents = 200

// View levels.
const (
	ViewMinimal = "minimal"
	ViewFull    = "full"
)

// PollParams reads a session's state.
type PollParams struct {
	SessionID string  `json:"sessionId"`
	Cursor    *uint64 `json:"cursor,omitempty"`
	View      string  `json:"view,omitempty"`
	MaxEvents int     `json:"maxEvents,omitempty"`

	// IncludeResult controls whether the terminal result is attached when
	// the session is idle or errored. Defaults to true.
	IncludeResult *bool `json:"includeResult,omitempty"`

	// IncludeTerminalEvents overrides whether result/error events appear in
	// the event list. Defaults to true in full view, false in minimal (the
	// top-level result carries the outcome there instead).
	IncludeTerminalEvents *bool `json:"includeTerminalEvents,omitempty"`

	// IncludeProgressEvents overrides whether noisy tool_progress and
	// auth_status progress events are returned. Defaults to true in full
	// view, false in minimal.
	IncludeProgressEvents *bool `json:"includeProgressEvents,omitempty"`
}

// PollEvent is one projected event.
type PollEvent struct {
	ID        uint64    `json:"id"`
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// PermissionAction is a pending permission request enriched with the tool's
// catalog description.
type PermissionAction struct {
	session.PermissionRequest
	ToolDescription string `json:"toolDescription,omitempty"`
}

// PollResult is the poll response.
type PollResult struct {
	SessionID       string               `json:"sessionId"`
	Status          session.Status       `json:"status"`
	Events          []PollEvent          `json:"events"`
	NextCursor      uint64               `json:"nextCursor"`
	CursorResetTo   *uint64              `json:"cursorResetTo,omitempty"`
	Truncated       bool                 `json:"truncated,omitempty"`
	TruncatedFields []string             `json:"truncatedFields,omitempty"`
	Actions         []PermissionAction   `json:"actions,omitempty"`
	Result          *session.AgentResult `json:"result,omitempty"`
	PollIntervalMs  int                  `json:"pollIntervalMs,omitempty"`
}

// Poll reads events after the caller's cursor and projects the session's
// current state.
func (o *Orchestrator) Poll(ctx context.Context, params PollParams) (*PollResult, error) {
	if err := validation.ValidateSessionID(params.SessionID); err != nil {
		return nil, apierr.New(apierr.CodeInvalidArgument, "%s", err)
	}
	view := params.View
	switch view {
	case "":
		view = ViewMinimal
	case ViewMinimal, ViewFull:
	default:
		return nil, apierr.New(apierr.CodeInvalidArgument, "view must be %q or %q", ViewMinimal, ViewFull)
	}
	maxEvents := params.MaxEvents
	if maxEvents <= 0 {
		if view == ViewFull {
			maxEvents = 0 // unbounded
		} else {
			maxEvents = DefaultMaxEvents
		}
	}

	rec, ok := o.mgr.Get(params.SessionID)
	if !ok {
		return nil, apierr.New(apierr.CodeSessionNotFound, "Session %s not found", params.SessionID)
	}

	read, err := o.mgr.ReadEvents(params.SessionID, params.Cursor)
	if err != nil {
		return nil, err
	}

	includeResult := params.IncludeResult == nil || *params.IncludeResult
	terminal := rec.Status == session.StatusIdle || rec.Status == session.StatusError

	includeTerminalEvents := view == ViewFull
	if params.IncludeTerminalEvents != nil {
		includeTerminalEvents = *params.IncludeTerminalEvents
	}
	// The top-level result replaces terminal events in the window. When the
	// result is suppressed the terminal events stay so the outcome is never
	// invisible.
	dropTerminal := !includeTerminalEvents && includeResult && terminal

	includeProgress := view == ViewFull
	if params.IncludeProgressEvents != nil {
		includeProgress = *params.IncludeProgressEvents
	}

	res := &PollResult{
		SessionID:     params.SessionID,
		Status:        rec.Status,
		Events:        []PollEvent{},
		CursorResetTo: read.CursorResetTo,
	}
	if params.Cursor != nil {
		res.NextCursor = *params.Cursor
	}

	for _, e := range read.Events {
		if maxEvents > 0 && len(res.Events) >= maxEvents {
			// The cursor stops at the last consumed event so the next poll
			// picks up the remainder.
			res.Truncated = true
			res.TruncatedFields = []string{"events"}
			break
		}
		res.NextCursor = e.ID
		pe, keep := projectEvent(e, view, dropTerminal, includeProgress)
		if !keep {
			continue
		}
		res.Events = append(res.Events, pe)
	}

	for _, req := range o.mgr.PendingRequests(params.SessionID) {
		res.Actions = append(res.Actions, PermissionAction{
			PermissionRequest: req,
			ToolDescription:   o.tools.Describe(req.ToolName),
		})
	}

	if includeResult && terminal {
		if stored := o.mgr.StoredResult(params.SessionID); stored != nil {
			res.Result = projectResult(stored, view)
		}
	}

	switch rec.Status {
	case session.StatusWaitingPermission:
		res.PollIntervalMs = pollIntervalWaiting
	case session.StatusRunning:
		res.PollIntervalMs = pollIntervalRunning
	}

	return res, nil
}

// projectEvent applies view-level filtering and slimming to one event.
func projectEvent(e session.Event, view string, dropTerminal, includeProgress bool) (PollEvent, bool) {
	pe := PollEvent{ID: e.ID, Type: e.Type, Data: e.Data, Timestamp: e.Timestamp}

	switch e.Type {
	case session.EventResult, session.EventError:
		if dropTerminal {
			return PollEvent{}, false
		}
		if res, ok := eventResultData(e.Data); ok {
			pe.Data = projectResult(res, view)
		}
		return pe, true
	case session.EventProgress:
		if !includeProgress {
			if fields, ok := e.Data.(map[string]any); ok {
				if t, _ := fields["type"].(string); t == agent.MessageToolProgress || t == agent.MessageAuthStatus {
					return PollEvent{}, false
				}
			}
		}
	case session.EventOutput:
		if view == ViewMinimal {
			if fields, ok := e.Data.(map[string]any); ok {
				pe.Data = slimAssistant(fields)
			}
		}
	}
	return pe, true
}

// eventResultData unwraps the AgentResult payload of a terminal event.
func eventResultData(data any) (*session.AgentResult, bool) {
	switch v := data.(type) {
	case *session.AgentResult:
		return v, true
	case session.AgentResult:
		return &v, true
	}
	return nil, false
}

// assistantMessageKeys are the message fields kept in minimal view.
var assistantMessageKeys = []string{"role", "stop_reason", "content"}

// slimAssistant reduces an assistant output event to its message essentials:
// role, stop reason, and content blocks without cache_control annotations.
func slimAssistant(fields map[string]any) map[string]any {
	message, ok := fields["message"].(map[string]any)
	if !ok {
		return fields
	}

	slim := make(map[string]any, len(assistantMessageKeys))
	for _, key := range assistantMessageKeys {
		if v, ok := message[key]; ok {
			slim[key] = v
		}
	}
	if content, ok := slim["content"].([]any); ok {
		cleaned := make([]any, 0, len(content))
		for _, block := range content {
			if m, ok := block.(map[string]any); ok {
				if _, has := m["cache_control"]; has {
					stripped := make(map[string]any, len(m))
					for k, v := range m {
						if k != "cache_control" {
							stripped[k] = v
						}
					}
					cleaned = append(cleaned, stripped)
					continue
				}
			}
			cleaned = append(cleaned, block)
		}
		slim["content"] = cleaned
	}

	out := map[string]any{"type": fields["type"], "message": slim}
	if sid, ok := fields["session_id"]; ok {
		out["session_id"] = sid
	}
	return out
}

// projectResult redacts the terminal result in minimal view: accounting
// detail and structured output stay behind the full view.
func projectResult(res *session.AgentResult, view string) *session.AgentResult {
	if view == ViewFull {
		return res
	}
	slim := *res
	slim.DurationAPIMs = 0
	slim.SessionTotalTurns = 0
	slim.SessionTotalCostUSD = 0
	slim.Usage = nil
	slim.ModelUsage = nil
	slim.StructuredOutput = nil
	return &slim
}

// RespondParams resolves a pending permission request.
type RespondParams struct {
	SessionID          string         `json:"sessionId"`
	RequestID          string         `json:"requestId"`
	Behavior           string         `json:"behavior"`
	Message            string         `json:"message,omitempty"`
	UpdatedInput       map[string]any `json:"updatedInput,omitempty"`
	UpdatedPermissions []any          `json:"updatedPermissions,omitempty"`
	Interrupt          bool           `json:"interrupt,omitempty"`
}

// RespondPermission applies a caller's decision to a pending permission
// request and returns a fresh poll view of the session.
func (o *Orchestrator) RespondPermission(ctx context.Context, params RespondParams) (*PollResult, error) {
	if err := validation.ValidateSessionID(params.SessionID); err != nil {
		return nil, apierr.New(apierr.CodeInvalidArgument, "%s", err)
	}
	if err := validation.ValidateRequestID(params.RequestID); err != nil {
		return nil, apierr.New(apierr.CodeInvalidArgument, "%s", err)
	}

	var decision agent.PermissionDecision
	switch params.Behavior {
	case string(agent.PermissionAllow):
		decision = agent.PermissionDecision{
			Behavior:           agent.PermissionAllow,
			UpdatedInput:       params.UpdatedInput,
			UpdatedPermissions: params.UpdatedPermissions,
		}
	case string(agent.PermissionDeny):
		message := params.Message
		if message == "" {
			message = "Permission denied by caller"
		}
		decision = agent.Deny(message, params.Interrupt)
	default:
		return nil, apierr.New(apierr.CodeInvalidArgument, "behavior must be %q or %q", agent.PermissionAllow, agent.PermissionDeny)
	}

	if !o.mgr.Exists(params.SessionID) {
		return nil, apierr.New(apierr.CodeSessionNotFound, "Session %s not found", params.SessionID)
	}
	if _, ok := o.mgr.FinishRequest(params.SessionID, params.RequestID, decision, session.FinishRespond); !ok {
		return nil, apierr.New(apierr.CodePermissionRequestNotFound,
			"Permission request %s not found for session %s", params.RequestID, params.SessionID)
	}

	return o.Poll(ctx, PollParams{SessionID: params.SessionID})
}
