// Package testutil provides fixtures and fakes shared by the package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stackmill/agentmux/internal/agent"
	"github.com/stackmill/agentmux/internal/config"
)

// NewTestConfig returns a configuration tuned for fast tests: short timeouts,
// no disk resume, no rate limiting pressure.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.PermissionTimeout = 250 * time.Millisecond
	cfg.InitTimeout = 500 * time.Millisecond
	cfg.SweepInterval = time.Hour
	cfg.LaunchRatePerSec = 1000
	cfg.LaunchBurst = 1000
	return cfg
}

// OptionsOption mutates launch options for a test.
type OptionsOption func(*agent.Options)

// NewTestOptions creates launch options with sensible defaults.
func NewTestOptions(t *testing.T, opts ...OptionsOption) agent.Options {
	t.Helper()
	o := agent.Options{
		Cwd:   t.TempDir(),
		Model: "test-model",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithAllowedTools sets the allow list.
func WithAllowedTools(tools ...string) OptionsOption {
	return func(o *agent.Options) {
		o.AllowedTools = tools
	}
}

// WithDisallowedTools sets the deny list.
func WithDisallowedTools(tools ...string) OptionsOption {
	return func(o *agent.Options) {
		o.DisallowedTools = tools
	}
}

// NewSessionID returns a fresh agent-style session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// InitMessage builds a system init message for sessionID.
func InitMessage(sessionID string, toolNames ...string) *agent.Message {
	tools := make([]any, 0, len(toolNames))
	for _, name := range toolNames {
		tools = append(tools, name)
	}
	return &agent.Message{
		Type:      agent.MessageSystem,
		Subtype:   agent.SubtypeInit,
		SessionID: sessionID,
		Fields: map[string]any{
			"type":       agent.MessageSystem,
			"subtype":    agent.SubtypeInit,
			"session_id": sessionID,
			"tools":      tools,
		},
	}
}

// AssistantMessage builds an assistant output message.
func AssistantMessage(sessionID, text string) *agent.Message {
	return &agent.Message{
		Type:      agent.MessageAssistant,
		SessionID: sessionID,
		Fields: map[string]any{
			"type":       agent.MessageAssistant,
			"session_id": sessionID,
			"message": map[string]any{
				"role":        "assistant",
				"stop_reason": "end_turn",
				"content": []any{
					map[string]any{"type": "text", "text": text},
				},
			},
		},
	}
}

// ProgressMessage builds a progress-class message of the given type.
func ProgressMessage(sessionID, msgType string) *agent.Message {
	return &agent.Message{
		Type:      msgType,
		SessionID: sessionID,
		Fields: map[string]any{
			"type":       msgType,
			"session_id": sessionID,
		},
	}
}

// StatusMessage builds a system status update.
func StatusMessage(sessionID, status, permissionMode string) *agent.Message {
	return &agent.Message{
		Type:      agent.MessageSystem,
		Subtype:   agent.SubtypeStatus,
		SessionID: sessionID,
		Fields: map[string]any{
			"type":           agent.MessageSystem,
			"subtype":        agent.SubtypeStatus,
			"session_id":     sessionID,
			"status":         status,
			"permissionMode": permissionMode,
		},
	}
}

// TaskNotificationMessage builds a system task notification.
func TaskNotificationMessage(sessionID, taskID, status, summary string) *agent.Message {
	return &agent.Message{
		Type:      agent.MessageSystem,
		Subtype:   agent.SubtypeTaskNotification,
		SessionID: sessionID,
		Fields: map[string]any{
			"type":       agent.MessageSystem,
			"subtype":    agent.SubtypeTaskNotification,
			"session_id": sessionID,
			"task_id":    taskID,
			"status":     status,
			"summary":    summary,
		},
	}
}

// SuccessResult builds a successful result message.
func SuccessResult(sessionID, text string, turns int, cost float64) *agent.Message {
	return &agent.Message{
		Type:      agent.MessageResult,
		Subtype:   agent.SubtypeSuccess,
		SessionID: sessionID,
		Fields: map[string]any{
			"type":           agent.MessageResult,
			"subtype":        agent.SubtypeSuccess,
			"session_id":     sessionID,
			"result":         text,
			"num_turns":      float64(turns),
			"total_cost_usd": cost,
			"duration_ms":    float64(1200),
		},
	}
}

// ErrorResult builds a failed result message.
func ErrorResult(sessionID, subtype string, errs ...string) *agent.Message {
	list := make([]any, 0, len(errs))
	for _, e := range errs {
		list = append(list, e)
	}
	return &agent.Message{
		Type:      agent.MessageResult,
		Subtype:   subtype,
		SessionID: sessionID,
		Fields: map[string]any{
			"type":       agent.MessageResult,
			"subtype":    subtype,
			"session_id": sessionID,
			"errors":     list,
		},
	}
}
