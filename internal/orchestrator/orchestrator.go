// Package orchestrator implements the request-level operations of the
// server: starting runs, replying (including forks and disk resume), session
// management actions, polling, and permission responses.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"golang.org/x/time/rate"

	"github.com/stackmill/agentmux/internal/agent"
	"github.com/stackmill/agentmux/internal/apierr"
	"github.com/stackmill/agentmux/internal/audit"
	"github.com/stackmill/agentmux/internal/config"
	"github.com/stackmill/agentmux/internal/runner"
	"github.com/stackmill/agentmux/internal/session"
	"github.com/stackmill/agentmux/internal/token"
	"github.com/stackmill/agentmux/internal/tools"
	"github.com/stackmill/agentmux/internal/validation"
)

// Poll interval hints returned to callers, in milliseconds.
const (
	pollIntervalWaiting = 1000
	pollIntervalRunning = 3000
)

// defaultSettingSources applies when a start request does not name any.
var defaultSettingSources = []string{"user", "project", "local"}

// Orchestrator wires the session registry, the query consumer, and the
// resume token scheme into the operations the transport exposes.
type Orchestrator struct {
	mgr      *session.Manager
	consumer *runner.Consumer
	cfg      *config.Config
	tools    *tools.Cache
	limiter  *rate.Limiter
	audit    *audit.Logger
}

// New creates an orchestrator. The launch limiter smooths bursts of process
// spawns rather than rejecting them.
func New(mgr *session.Manager, consumer *runner.Consumer, cfg *config.Config, toolCache *tools.Cache, auditLogger *audit.Logger) *Orchestrator {
	return &Orchestrator{
		mgr:      mgr,
		consumer: consumer,
		cfg:      cfg,
		tools:    toolCache,
		limiter:  rate.NewLimiter(rate.Limit(cfg.LaunchRatePerSec), cfg.LaunchBurst),
		audit:    auditLogger,
	}
}

// StartParams configures a new session.
type StartParams struct {
	Prompt string `json:"prompt"`
	agent.Options
}

// StartResult is returned by Start and by Reply.
type StartResult struct {
	SessionID      string `json:"sessionId"`
	Status         string `json:"status"`
	PollIntervalMs int    `json:"pollIntervalMs"`
	ResumeToken    string `json:"resumeToken,omitempty"`
}

// Start launches a new agent session and returns once its init message
// assigned the session ID.
func (o *Orchestrator) Start(ctx context.Context, params StartParams) (*StartResult, error) {
	if strings.TrimSpace(params.Prompt) == "" {
		return nil, apierr.New(apierr.CodeInvalidArgument, "prompt is required and must be a non-empty string")
	}
	if err := validation.ValidateCwd(params.Cwd); err != nil {
		return nil, apierr.New(apierr.CodeInvalidArgument, "%s", err)
	}
	if params.PermissionMode == "bypassPermissions" && !o.cfg.AllowBypassPermissions {
		return nil, apierr.New(apierr.CodePermissionDenied, "bypassPermissions mode is not allowed by server policy")
	}
	if err := validateOutputFormat(params.OutputFormat); err != nil {
		return nil, err
	}

	snapshot := params.Options.Clone()
	if len(snapshot.SettingSources) == 0 {
		snapshot.SettingSources = defaultSettingSources
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return nil, apierr.New(apierr.CodeCancelled, "Request cancelled while waiting to launch")
	}

	handle := session.NewCancelHandle()
	h := o.consumer.Consume(runner.Options{
		Mode:         runner.ModeStart,
		Prompt:       params.Prompt,
		AgentOptions: snapshot,
		Cancel:       handle,
		OnInit: func(sessionID string, msg *agent.Message) error {
			o.mgr.CreateFromInit(sessionID, snapshot, handle)
			return nil
		},
	})

	sessionID, err := h.SessionID(ctx)
	if err != nil {
		if ctx.Err() != nil {
			h.Close()
			return nil, apierr.New(apierr.CodeCancelled, "Request cancelled while waiting for session init")
		}
		return nil, err
	}

	return &StartResult{
		SessionID:      sessionID,
		Status:         string(session.StatusRunning),
		PollIntervalMs: pollIntervalRunning,
		ResumeToken:    o.resumeToken(sessionID),
	}, nil
}

// ReplyParams continues an existing session.
type ReplyParams struct {
	SessionID   string `json:"sessionId"`
	Prompt      string `json:"prompt"`
	Fork        bool   `json:"fork,omitempty"`
	ResumeToken string `json:"resumeToken,omitempty"`

	// Cwd is required only when resuming a session from disk, since the
	// original working directory left memory with the session.
	Cwd string `json:"cwd,omitempty"`
}

// Reply sends a follow-up prompt to a session. With Fork set, the reply
// branches the transcript into a brand-new session and returns its ID.
// Sessions evicted from memory can be resumed from the agent's on-disk
// transcript when disk resume is enabled and a valid resume token is
// presented.
func (o *Orchestrator) Reply(ctx context.Context, params ReplyParams) (*StartResult, error) {
	if err := validation.ValidateSessionID(params.SessionID); err != nil {
		return nil, apierr.New(apierr.CodeInvalidArgument, "%s", err)
	}
	if strings.TrimSpace(params.Prompt) == "" {
		return nil, apierr.New(apierr.CodeInvalidArgument, "prompt is required and must be a non-empty string")
	}

	mode := runner.ModeResume
	if !o.mgr.Exists(params.SessionID) {
		if err := o.synthesizeFromDisk(params); err != nil {
			return nil, err
		}
		mode = runner.ModeDiskResume
	}

	prior, _ := o.mgr.Get(params.SessionID)
	handle, err := o.mgr.TryAcquire(params.SessionID)
	if err != nil {
		return nil, err
	}

	if params.Fork {
		return o.fork(ctx, params, handle, prior.Status)
	}

	cfg, _ := o.mgr.ConfigOf(params.SessionID)
	o.consumer.Consume(runner.Options{
		Mode:         mode,
		SessionID:    params.SessionID,
		Prompt:       params.Prompt,
		AgentOptions: cfg,
		Cancel:       handle,
	})

	o.audit.Log(&audit.Event{Operation: audit.OpSessionReply, SessionID: params.SessionID, Success: true})
	return &StartResult{
		SessionID:      params.SessionID,
		Status:         string(session.StatusRunning),
		PollIntervalMs: pollIntervalRunning,
		ResumeToken:    o.resumeToken(params.SessionID),
	}, nil
}

// synthesizeFromDisk registers a placeholder session for a disk resume after
// checking the feature gate and the resume token. Token failures return the
// same error whether the token is wrong or missing.
func (o *Orchestrator) synthesizeFromDisk(params ReplyParams) error {
	if !o.cfg.DiskResumeEnabled {
		return apierr.New(apierr.CodeSessionNotFound, "Session %s not found", params.SessionID)
	}
	if o.cfg.ResumeSecret == "" {
		return apierr.New(apierr.CodePermissionDenied, "Resume from disk is not configured on this server")
	}
	if !token.Verify(o.cfg.ResumeSecret, params.SessionID, params.ResumeToken) {
		return apierr.New(apierr.CodePermissionDenied, "Invalid or missing resume token for session %s", params.SessionID)
	}
	if err := validation.ValidateCwd(params.Cwd); err != nil {
		return apierr.New(apierr.CodeInvalidArgument, "cwd is required when resuming a session from disk")
	}

	synth := agent.Options{
		Cwd:            params.Cwd,
		SettingSources: defaultSettingSources,
	}
	o.mgr.CreateForResume(params.SessionID, synth)
	return nil
}

// fork branches the session's transcript into a new session. The original
// session is held busy only until the fork's init message resolves, then
// restored to its prior status.
func (o *Orchestrator) fork(ctx context.Context, params ReplyParams, handle *session.CancelHandle, priorStatus session.Status) (*StartResult, error) {
	origID := params.SessionID
	cfg, _ := o.mgr.ConfigOf(origID)

	h := o.consumer.Consume(runner.Options{
		Mode:         runner.ModeResume,
		SessionID:    origID,
		Prompt:       params.Prompt,
		AgentOptions: cfg,
		Fork:         true,
		Cancel:       handle,
		OnInit: func(newID string, msg *agent.Message) error {
			if newID == origID {
				o.mgr.RestoreStatus(origID, priorStatus)
				return apierr.New(apierr.CodeInternal, "Fork requested but no new session ID received from agent")
			}
			o.mgr.CreateFromInit(newID, cfg, handle)
			o.mgr.RestoreStatus(origID, priorStatus)
			return nil
		},
	})

	newID, err := h.SessionID(ctx)
	if err != nil {
		if ctx.Err() != nil {
			h.Close()
		}
		o.mgr.RestoreStatus(origID, priorStatus)
		if ctx.Err() != nil {
			return nil, apierr.New(apierr.CodeCancelled, "Request cancelled while waiting for fork init")
		}
		return nil, err
	}

	o.audit.Log(&audit.Event{
		Operation: audit.OpSessionFork,
		SessionID: newID,
		Success:   true,
		Details:   map[string]any{"forkedFrom": origID},
	})
	return &StartResult{
		SessionID:      newID,
		Status:         string(session.StatusRunning),
		PollIntervalMs: pollIntervalRunning,
		ResumeToken:    o.resumeToken(newID),
	}, nil
}

// SessionParams selects a session management action.
type SessionParams struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId,omitempty"`
}

// SessionResult is the outcome of a session management action.
type SessionResult struct {
	Sessions []session.View              `json:"sessions,omitempty"`
	Session  *session.View               `json:"session,omitempty"`
	Pending  []session.PermissionRequest `json:"pendingPermissionRequests,omitempty"`
	Message  string                      `json:"message,omitempty"`
}

// SessionAction dispatches list, get, and cancel.
func (o *Orchestrator) SessionAction(ctx context.Context, params SessionParams) (*SessionResult, error) {
	switch params.Action {
	case "list":
		return &SessionResult{Sessions: o.mgr.List(o.cfg.AllowSensitiveDetails)}, nil

	case "get":
		if err := validation.ValidateSessionID(params.SessionID); err != nil {
			return nil, apierr.New(apierr.CodeInvalidArgument, "%s", err)
		}
		view, ok := o.mgr.PublicView(params.SessionID, o.cfg.AllowSensitiveDetails)
		if !ok {
			return nil, apierr.New(apierr.CodeSessionNotFound, "Session %s not found", params.SessionID)
		}
		return &SessionResult{
			Session: &view,
			Pending: o.mgr.PendingRequests(params.SessionID),
		}, nil

	case "cancel":
		if err := validation.ValidateSessionID(params.SessionID); err != nil {
			return nil, apierr.New(apierr.CodeInvalidArgument, "%s", err)
		}
		if err := o.mgr.Cancel(params.SessionID); err != nil {
			return nil, err
		}
		view, _ := o.mgr.PublicView(params.SessionID, o.cfg.AllowSensitiveDetails)
		return &SessionResult{
			Session: &view,
			Message: fmt.Sprintf("Session %s cancelled", params.SessionID),
		}, nil

	default:
		return nil, apierr.New(apierr.CodeInvalidArgument, "unknown action: %q (expected list, get, or cancel)", params.Action)
	}
}

// resumeToken returns the resume token for sessionID, or "" when the server
// has no resume secret configured.
func (o *Orchestrator) resumeToken(sessionID string) string {
	if o.cfg.ResumeSecret == "" {
		return ""
	}
	return token.Compute(o.cfg.ResumeSecret, sessionID)
}

// validateOutputFormat checks that a structured output format is a valid
// JSON schema before it is handed to the agent.
func validateOutputFormat(format map[string]any) error {
	if format == nil {
		return nil
	}
	data, err := json.Marshal(format)
	if err != nil {
		return apierr.New(apierr.CodeInvalidArgument, "outputFormat is not serializable: %v", err)
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return apierr.New(apierr.CodeInvalidArgument, "outputFormat is not a valid JSON schema: %v", err)
	}
	if _, err := schema.Resolve(nil); err != nil {
		return apierr.New(apierr.CodeInvalidArgument, "outputFormat is not a valid JSON schema: %v", err)
	}
	return nil
}
