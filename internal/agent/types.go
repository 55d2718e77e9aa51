// Package agent defines the contract with the external coding-agent process.
//
// types.go - Message sum type and permission callback types
//
// Agent messages are opaque JSON trees. The server only discriminates on the
// type/subtype tags and plucks the handful of fields it needs (session_id,
// tool_use_id variants, init tool list); everything else is stored and
// forwarded verbatim.
package agent

import (
	"context"
	"encoding/json"
)

// Message type tags emitted by the agent stream.
const (
	MessageAssistant        = "assistant"
	MessageToolUseSummary   = "tool_use_summary"
	MessageToolProgress     = "tool_progress"
	MessageAuthStatus       = "auth_status"
	MessageSystem           = "system"
	MessageResult           = "result"
	SubtypeInit             = "init"
	SubtypeStatus           = "status"
	SubtypeTaskNotification = "task_notification"
	SubtypeSuccess          = "success"
)

// Message is a single message from the agent stream: a string tag plus the
// full decoded object for verbatim forwarding.
type Message struct {
	Type      string
	Subtype   string
	SessionID string
	Fields    map[string]any
}

// ParseMessage decodes one NDJSON line into a Message.
func ParseMessage(line []byte) (*Message, error) {
	var fields map[string]any
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, err
	}
	m := &Message{Fields: fields}
	m.Type, _ = fields["type"].(string)
	m.Subtype, _ = fields["subtype"].(string)
	m.SessionID, _ = fields["session_id"].(string)
	return m, nil
}

// IsInit reports whether the message is the system init message.
func (m *Message) IsInit() bool {
	return m.Type == MessageSystem && m.Subtype == SubtypeInit
}

// Str returns a top-level string field, or "" when absent.
func (m *Message) Str(key string) string {
	s, _ := m.Fields[key].(string)
	return s
}

// Bool returns a top-level boolean field.
func (m *Message) Bool(key string) bool {
	b, _ := m.Fields[key].(bool)
	return b
}

// Float returns a top-level numeric field, or 0 when absent.
func (m *Message) Float(key string) float64 {
	f, _ := m.Fields[key].(float64)
	return f
}

// ToolUseID returns the tool-use identifier carried by the message, checking
// the three spellings agents use, or "" when none is present.
func (m *Message) ToolUseID() string {
	for _, key := range []string{"tool_use_id", "toolUseID", "parent_tool_use_id"} {
		if s, ok := m.Fields[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// InitTools returns the tool names announced by an init message.
func (m *Message) InitTools() []string {
	raw, ok := m.Fields["tools"].([]any)
	if !ok {
		return nil
	}
	tools := make([]string, 0, len(raw))
	for _, t := range raw {
		if s, ok := t.(string); ok {
			tools = append(tools, s)
		}
	}
	return tools
}

// Errors returns the errors[] list of a non-success result message.
func (m *Message) Errors() []string {
	raw, ok := m.Fields["errors"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// PermissionBehavior is the outcome of a permission decision.
type PermissionBehavior string

const (
	PermissionAllow PermissionBehavior = "allow"
	PermissionDeny  PermissionBehavior = "deny"
)

// PermissionDecision is the resolution of a canUseTool callback.
type PermissionDecision struct {
	Behavior           PermissionBehavior `json:"behavior"`
	Message            string             `json:"message,omitempty"`
	Interrupt          bool               `json:"interrupt,omitempty"`
	UpdatedInput       map[string]any     `json:"updatedInput,omitempty"`
	UpdatedPermissions []any              `json:"updatedPermissions,omitempty"`
}

// Deny builds a deny decision.
func Deny(message string, interrupt bool) PermissionDecision {
	return PermissionDecision{Behavior: PermissionDeny, Message: message, Interrupt: interrupt}
}

// Allow builds a plain allow decision.
func Allow() PermissionDecision {
	return PermissionDecision{Behavior: PermissionAllow}
}

// CanUseToolOptions carries the metadata of one tool-use permission prompt.
type CanUseToolOptions struct {
	ToolUseID      string
	AgentID        string
	BlockedPath    string
	DecisionReason string
	Suggestions    []any

	// Signal is the agent's per-call abort signal. A nil Signal never aborts.
	Signal context.Context
}

// CanUseToolFunc is invoked by the stream when the agent needs a tool-use
// permission decision. It blocks the agent's iteration until it returns.
type CanUseToolFunc func(ctx context.Context, toolName string, input map[string]any, opts CanUseToolOptions) PermissionDecision
