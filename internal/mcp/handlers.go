package mcp

// handlers.go - the unified tool surface
//
// Four tools cover the whole API:
//   agent_start   — launch a new session
//   agent_reply   — continue (or fork, or resume from disk) a session
//   agent_check   — poll events / respond to permission requests
//   agent_session — list / get / cancel sessions

import (
	"context"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/stackmill/agentmux/internal/metrics"
	"github.com/stackmill/agentmux/internal/orchestrator"
)

// registerAllTools registers all MCP tools with the registry
func (s *Server) registerAllTools(r *Registry) {
	Register(r, ToolDef{
		Name: "agent_start",
		Description: `Start a new agent session.

Launches a coding agent in the given working directory and returns once the
session is initialized. The response carries the session ID to poll with
agent_check, a suggested poll interval, and (when the server is configured
for it) a resume token that allows resuming the session after it is evicted
from memory.

Key parameters:
  prompt — the task for the agent (required)
  cwd    — absolute working directory for the run (required)
  model, permissionMode, allowedTools, disallowedTools, maxTurns,
  systemPrompt, agents, outputFormat, ... — standard agent options`,
	}, s.handleStart)

	Register(r, ToolDef{
		Name: "agent_reply",
		Description: `Send a follow-up prompt to an existing session.

The session must be idle or errored; busy sessions return SESSION_BUSY. With
fork=true the reply branches the transcript into a brand-new session and
returns its ID, leaving the original untouched. A session no longer held in
memory can be resumed from the agent's on-disk transcript by presenting its
resumeToken together with cwd.`,
	}, s.handleReply)

	Register(r, ToolDef{
		Name: "agent_check",
		Description: `Poll a session or respond to a permission request.

Actions:
  poll    — Read events after your cursor. Returns events, nextCursor,
            pending permission actions, the terminal result when the session
            is idle or errored, and a suggested pollIntervalMs. view may be
            "minimal" (default) or "full".
  respond — Resolve a pending permission request with behavior "allow" or
            "deny" (optionally message, updatedInput, interrupt). Returns a
            fresh poll view.`,
	}, s.handleCheck)

	Register(r, ToolDef{
		Name: "agent_session",
		Description: `Manage sessions.

Actions:
  list   — List all in-memory sessions.
  get    — Get one session with its pending permission requests.
  cancel — Cancel a running session. Pending permissions are denied and the
           agent process is torn down.`,
	}, s.handleSession)
}

func (s *Server) handleStart(ctx context.Context, req *mcp_sdk.CallToolRequest, params orchestrator.StartParams) (*mcp_sdk.CallToolResult, any, error) {
	res, err := s.orch.Start(ctx, params)
	if err != nil {
		metrics.RecordToolCall("agent_start", "error")
		return nil, nil, SanitizeError(err, "agent_start")
	}
	metrics.RecordToolCall("agent_start", "ok")
	return nil, res, nil
}

func (s *Server) handleReply(ctx context.Context, req *mcp_sdk.CallToolRequest, params orchestrator.ReplyParams) (*mcp_sdk.CallToolResult, any, error) {
	res, err := s.orch.Reply(ctx, params)
	if err != nil {
		metrics.RecordToolCall("agent_reply", "error")
		return nil, nil, SanitizeError(err, "agent_reply")
	}
	metrics.RecordToolCall("agent_reply", "ok")
	return nil, res, nil
}

// CheckParams is the unified params struct for the agent_check tool
type CheckParams struct {
	Action    string `json:"action"` // Required: poll, respond
	SessionID string `json:"sessionId"`

	// For poll
	Cursor                *uint64 `json:"cursor,omitempty"`
	View                  string  `json:"view,omitempty"`
	MaxEvents             int     `json:"maxEvents,omitempty"`
	IncludeResult         *bool   `json:"includeResult,omitempty"`
	IncludeTerminalEvents *bool   `json:"includeTerminalEvents,omitempty"`
	IncludeProgressEvents *bool   `json:"includeProgressEvents,omitempty"`

	// For respond
	RequestID          string         `json:"requestId,omitempty"`
	Behavior           string         `json:"behavior,omitempty"`
	Message            string         `json:"message,omitempty"`
	UpdatedInput       map[string]any `json:"updatedInput,omitempty"`
	UpdatedPermissions []any          `json:"updatedPermissions,omitempty"`
	Interrupt          bool           `json:"interrupt,omitempty"`
}

var checkActions = []string{"poll", "respond"}

// handleCheck is the unified handler for the agent_check tool
func (s *Server) handleCheck(ctx context.Context, req *mcp_sdk.CallToolRequest, params CheckParams) (*mcp_sdk.CallToolResult, any, error) {
	if params.Action == "" {
		return nil, nil, missingActionError("agent_check", checkActions)
	}

	switch params.Action {
	case "poll":
		res, err := s.orch.Poll(ctx, orchestrator.PollParams{
			SessionID:             params.SessionID,
			Cursor:                params.Cursor,
			View:                  params.View,
			MaxEvents:             params.MaxEvents,
			IncludeResult:         params.IncludeResult,
			IncludeTerminalEvents: params.IncludeTerminalEvents,
			IncludeProgressEvents: params.IncludeProgressEvents,
		})
		if err != nil {
			metrics.RecordToolCall("agent_check", "error")
			return nil, nil, SanitizeError(err, "agent_check poll")
		}
		metrics.RecordToolCall("agent_check", "ok")
		return nil, res, nil

	case "respond":
		res, err := s.orch.RespondPermission(ctx, orchestrator.RespondParams{
			SessionID:          params.SessionID,
			RequestID:          params.RequestID,
			Behavior:           params.Behavior,
			Message:            params.Message,
			UpdatedInput:       params.UpdatedInput,
			UpdatedPermissions: params.UpdatedPermissions,
			Interrupt:          params.Interrupt,
		})
		if err != nil {
			metrics.RecordToolCall("agent_check", "error")
			return nil, nil, SanitizeError(err, "agent_check respond")
		}
		metrics.RecordToolCall("agent_check", "ok")
		return nil, res, nil

	default:
		return nil, nil, actionError("agent_check", params.Action, checkActions)
	}
}

var sessionActions = []string{"list", "get", "cancel"}

// handleSession is the unified handler for the agent_session tool
func (s *Server) handleSession(ctx context.Context, req *mcp_sdk.CallToolRequest, params orchestrator.SessionParams) (*mcp_sdk.CallToolResult, any, error) {
	if params.Action == "" {
		return nil, nil, missingActionError("agent_session", sessionActions)
	}
	res, err := s.orch.SessionAction(ctx, params)
	if err != nil {
		metrics.RecordToolCall("agent_session", "error")
		return nil, nil, SanitizeError(err, "agent_session "+params.Action)
	}
	metrics.RecordToolCall("agent_session", "ok")
	return nil, res, nil
}
