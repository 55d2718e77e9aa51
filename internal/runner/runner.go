// Package runner consumes agent query streams: it gates on the init message,
// translates agent messages into session events, bridges tool-use permission
// prompts to the session's permission broker, and retries transient stream
// failures by resuming the same transcript.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackmill/agentmux/internal/agent"
	"github.com/stackmill/agentmux/internal/apierr"
	"github.com/stackmill/agentmux/internal/config"
	"github.com/stackmill/agentmux/internal/logger"
	"github.com/stackmill/agentmux/internal/metrics"
	"github.com/stackmill/agentmux/internal/session"
	"github.com/stackmill/agentmux/internal/tools"
)

// Retry policy for transient stream failures.
const (
	maxRetries     = 3
	baseRetryDelay = time.Second
)

// Mode selects how a run is launched.
type Mode int

const (
	// ModeStart launches a fresh agent run; the session ID arrives with init.
	ModeStart Mode = iota
	// ModeResume continues an in-memory session's transcript.
	ModeResume
	// ModeDiskResume continues a transcript the agent persisted to disk for
	// a session no longer held in memory.
	ModeDiskResume
)

// Options configures one run.
type Options struct {
	Mode         Mode
	SessionID    string // required for ModeResume and ModeDiskResume
	Prompt       string
	AgentOptions agent.Options
	Fork         bool

	// OnInit runs when the init message arrives, before any events are
	// published. It registers the session (or the fork's new session); an
	// error aborts the run.
	OnInit func(sessionID string, msg *agent.Message) error

	// Cancel is the run's cancel handle. For ModeStart it is installed into
	// the session record by OnInit; for resume modes the caller acquired the
	// session with it already.
	Cancel *session.CancelHandle
}

// Consumer drives agent runs against the session registry.
type Consumer struct {
	mgr      *session.Manager
	launcher agent.Launcher
	cfg      *config.Config
	tools    *tools.Cache
}

// New creates a consumer.
func New(mgr *session.Manager, launcher agent.Launcher, cfg *config.Config, toolCache *tools.Cache) *Consumer {
	return &Consumer{mgr: mgr, launcher: launcher, cfg: cfg, tools: toolCache}
}

type initResult struct {
	id  string
	err error
}

// Handle observes one in-flight run.
type Handle struct {
	initCh   chan initResult
	initOnce sync.Once
	done     chan struct{}
	cancel   *session.CancelHandle

	mu       sync.Mutex
	q        agent.Query
	resolved bool
	resID    string
	resErr   error
}

func newHandle(cancel *session.CancelHandle) *Handle {
	return &Handle{
		initCh: make(chan initResult, 1),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

func (h *Handle) resolveInit(id string, err error) {
	h.initOnce.Do(func() { h.initCh <- initResult{id: id, err: err} })
}

// SessionID blocks until the run's init message resolves the session ID.
func (h *Handle) SessionID(ctx context.Context) (string, error) {
	h.mu.Lock()
	if h.resolved {
		id, err := h.resID, h.resErr
		h.mu.Unlock()
		return id, err
	}
	h.mu.Unlock()

	select {
	case res := <-h.initCh:
		h.mu.Lock()
		h.resolved, h.resID, h.resErr = true, res.id, res.err
		h.mu.Unlock()
		return res.id, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Done is closed when the run loop exits.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Close cancels the run and tears down the stream.
func (h *Handle) Close() {
	h.cancel.Cancel()
	h.mu.Lock()
	q := h.q
	h.mu.Unlock()
	if q != nil {
		_ = q.Close()
	}
}

// Interrupt asks the agent to stop its current turn.
func (h *Handle) Interrupt() error {
	h.mu.Lock()
	q := h.q
	h.mu.Unlock()
	if q == nil {
		return nil
	}
	return q.Interrupt()
}

func (h *Handle) setQuery(q agent.Query) {
	h.mu.Lock()
	h.q = q
	h.mu.Unlock()
}

// Consume launches the run and returns immediately; the run loop proceeds in
// the background and is observed through the returned handle.
func (c *Consumer) Consume(opts Options) *Handle {
	h := newHandle(opts.Cancel)
	go c.run(opts, h)
	return h
}

// runState is the mutable identity of a run, shared with the permission
// callback. The session ID is unknown until init for fresh starts and forks.
type runState struct {
	mu        sync.Mutex
	sessionID string
	initDone  bool
}

func (st *runState) id() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessionID
}

func (st *runState) ready() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.initDone
}

func (c *Consumer) run(opts Options, h *Handle) {
	defer close(h.done)

	st := &runState{sessionID: opts.SessionID}
	canUseTool := c.permissionBridge(st, h.cancel)

	launchOpts := opts.AgentOptions
	switch opts.Mode {
	case ModeResume:
		launchOpts.Resume = opts.SessionID
		launchOpts.ForkSession = opts.Fork
	case ModeDiskResume:
		launchOpts.Resume = opts.SessionID
	}

	// runCtx aborts the stream when the cancel handle trips.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go func() {
		select {
		case <-h.cancel.Done():
			cancelRun()
		case <-h.done:
		}
	}()

	sdkSessionID := opts.SessionID
	retries := 0

	for {
		q, err := c.launcher.Launch(runCtx, opts.Prompt, launchOpts, canUseTool)
		if err != nil {
			c.failBeforeResult(opts, h, st, fmt.Errorf("failed to launch agent: %w", err))
			return
		}
		h.setQuery(q)

		var initTimer *time.Timer
		if !st.ready() {
			initTimer = time.AfterFunc(c.cfg.InitTimeout, func() {
				h.resolveInit("", apierr.New(apierr.CodeTimeout,
					"Timed out waiting for agent session init after %s", c.cfg.InitTimeout))
				_ = q.Close()
			})
		}

		res, streamErr := c.consumeStream(runCtx, q, opts, h, st, &sdkSessionID, initTimer)
		if initTimer != nil {
			initTimer.Stop()
		}

		if res != nil {
			_ = q.Close()
			c.mgr.FinishRun(st.id(), res, opts.Fork)
			return
		}

		_ = q.Close()

		switch classify(streamErr, h.cancel) {
		case outcomeAbort:
			c.abort(opts, h, st)
			return
		case outcomeTransient:
			if st.ready() && retries < maxRetries {
				retries++
				delay := baseRetryDelay << (retries - 1)
				metrics.RecordRetry()
				logger.Error("Transient stream failure for session %s (attempt %d/%d, retrying in %s): %v",
					st.id(), retries, maxRetries, delay, streamErr)
				c.mgr.PushEvent(st.id(), session.EventProgress, map[string]any{
					"type":       "retry",
					"attempt":    retries,
					"maxRetries": maxRetries,
					"delayMs":    delay.Milliseconds(),
					"error":      streamErr.Error(),
				})
				c.mgr.FinishAll(st.id(), agent.Deny("Retrying after transient error.", false), session.FinishCleanup)

				select {
				case <-time.After(delay):
				case <-h.cancel.Done():
					// Cancel already denied the pending requests and set the
					// session status; no extra error to record.
					return
				}

				launchOpts.Resume = sdkSessionID
				launchOpts.ForkSession = false
				continue
			}
			c.failBeforeResult(opts, h, st, streamErr)
			return
		default:
			c.failBeforeResult(opts, h, st, streamErr)
			return
		}
	}
}

// consumeStream iterates one query stream until a result message, stream
// end, or an error. It returns the terminal result when one arrived.
func (c *Consumer) consumeStream(ctx context.Context, q agent.Query, opts Options, h *Handle, st *runState, sdkSessionID *string, initTimer *time.Timer) (*session.AgentResult, error) {
	var preInit []*agent.Message

	for {
		msg, err := q.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errEndOfStream
			}
			return nil, err
		}

		if msg.SessionID != "" {
			*sdkSessionID = msg.SessionID
		}

		if msg.IsInit() {
			if initTimer != nil {
				initTimer.Stop()
			}
			if !st.ready() {
				id := msg.SessionID
				if id == "" {
					id = st.id()
				}
				if opts.OnInit != nil {
					if err := opts.OnInit(id, msg); err != nil {
						h.resolveInit("", err)
						return nil, errInitRejected
					}
				}
				st.mu.Lock()
				st.sessionID = id
				st.initDone = true
				st.mu.Unlock()

				c.mgr.SetInitTools(id, msg.InitTools())
				c.tools.MergeInitTools(msg.InitTools())
				h.resolveInit(id, nil)

				for _, buffered := range preInit {
					if res := c.dispatch(id, buffered); res != nil {
						return res, nil
					}
				}
				preInit = nil
			}
			continue
		}

		if !st.ready() {
			preInit = append(preInit, msg)
			continue
		}

		if res := c.dispatch(st.id(), msg); res != nil {
			return res, nil
		}
	}
}

// dispatch translates one post-init message into a session event, returning
// the terminal result for result messages.
func (c *Consumer) dispatch(sessionID string, msg *agent.Message) *session.AgentResult {
	if id := msg.ToolUseID(); id != "" {
		c.mgr.SetLastToolUseID(sessionID, id)
	}

	switch msg.Type {
	case agent.MessageResult:
		return buildResult(msg)
	case agent.MessageAssistant:
		c.mgr.PushEvent(sessionID, session.EventOutput, msg.Fields)
	case agent.MessageToolUseSummary, agent.MessageToolProgress, agent.MessageAuthStatus:
		c.mgr.PushEvent(sessionID, session.EventProgress, msg.Fields)
	case agent.MessageSystem:
		if data, ok := systemProgress(msg); ok {
			c.mgr.PushEvent(sessionID, session.EventProgress, data)
		}
	default:
		// Unknown message types are dropped; the agent is free to grow new
		// ones without them leaking to pollers.
	}
	return nil
}

// systemProgress reshapes a system status update or task notification into
// its progress-event payload, keyed by the subtype so pollers dispatch on
// data.type directly. Other system subtypes carry nothing for pollers.
func systemProgress(msg *agent.Message) (map[string]any, bool) {
	switch msg.Subtype {
	case agent.SubtypeStatus:
		return map[string]any{
			"type":           agent.SubtypeStatus,
			"status":         msg.Fields["status"],
			"permissionMode": msg.Fields["permissionMode"],
		}, true
	case agent.SubtypeTaskNotification:
		data := map[string]any{
			"type":    agent.SubtypeTaskNotification,
			"task_id": msg.Fields["task_id"],
			"status":  msg.Fields["status"],
			"summary": msg.Fields["summary"],
		}
		if out, ok := msg.Fields["output_file"]; ok {
			data["output_file"] = out
		}
		return data, true
	}
	return nil, false
}

// buildResult converts the agent's result message into an AgentResult.
func buildResult(msg *agent.Message) *session.AgentResult {
	res := &session.AgentResult{
		SessionID:     msg.SessionID,
		DurationMs:    int64(msg.Float("duration_ms")),
		DurationAPIMs: int64(msg.Float("duration_api_ms")),
		NumTurns:      int(msg.Float("num_turns")),
		TotalCostUSD:  msg.Float("total_cost_usd"),
		StopReason:    msg.Str("stop_reason"),
	}
	if usage, ok := msg.Fields["usage"].(map[string]any); ok {
		res.Usage = usage
	}
	if mu, ok := msg.Fields["modelUsage"].(map[string]any); ok {
		res.ModelUsage = mu
	}
	if denials, ok := msg.Fields["permission_denials"].([]any); ok {
		res.PermissionDenials = denials
	}

	if msg.Subtype == agent.SubtypeSuccess {
		res.Result = msg.Str("result")
		res.StructuredOutput = msg.Fields["structured_output"]
		return res
	}

	res.IsError = true
	res.ErrorSubtype = msg.Subtype
	if errs := msg.Errors(); len(errs) > 0 {
		res.Result = strings.Join(errs, "\n")
	} else if r := msg.Str("result"); r != "" {
		res.Result = r
	} else {
		res.Result = fmt.Sprintf("Agent run failed (%s)", msg.Subtype)
	}
	return res
}

var (
	errEndOfStream  = errors.New("agent stream ended")
	errInitRejected = errors.New("session init rejected")
)

type outcome int

const (
	outcomeAbort outcome = iota
	outcomeTransient
	outcomeFatal
	outcomeEndOfStream
	outcomeInitRejected
)

// classify orders the checks deliberately: an explicit cancel wins over
// whatever error the teardown surfaced.
func classify(err error, cancel *session.CancelHandle) outcome {
	switch {
	case cancel.Cancelled():
		return outcomeAbort
	case errors.Is(err, errInitRejected):
		return outcomeInitRejected
	case errors.Is(err, errEndOfStream):
		return outcomeEndOfStream
	case agent.IsAbort(err):
		return outcomeAbort
	case agent.IsTransient(err):
		return outcomeTransient
	default:
		return outcomeFatal
	}
}

// abort finalizes a cancelled run.
func (c *Consumer) abort(opts Options, h *Handle, st *runState) {
	if !st.ready() {
		h.resolveInit("", apierr.New(apierr.CodeCancelled, "Session was cancelled"))
		return
	}
	id := st.id()
	c.mgr.FinishAll(id, agent.Deny("Session failed before permission was resolved.", false), session.FinishCleanup)
	c.mgr.FinishRun(id, &session.AgentResult{
		IsError: true,
		Result:  apierr.Text(apierr.CodeCancelled, "Session was cancelled."),
	}, opts.Fork)
}

// failBeforeResult finalizes a run that ended without a result message.
func (c *Consumer) failBeforeResult(opts Options, h *Handle, st *runState, err error) {
	if !st.ready() {
		if errors.Is(err, errEndOfStream) {
			h.resolveInit("", apierr.New(apierr.CodeInternal,
				"Query stream ended before receiving session init"))
		} else if h.cancel.Cancelled() || agent.IsAbort(err) {
			h.resolveInit("", apierr.New(apierr.CodeCancelled, "Session was cancelled"))
		} else if errors.Is(err, errInitRejected) {
			// OnInit already resolved the promise with its error.
		} else {
			h.resolveInit("", apierr.New(apierr.CodeInternal, "Agent stream failed: %v", err))
		}
		return
	}

	if errors.Is(err, errInitRejected) {
		return
	}

	id := st.id()
	c.mgr.FinishAll(id, agent.Deny("Session ended before permission was resolved.", false), session.FinishCleanup)

	message := apierr.Text(apierr.CodeInternal, "No result message received from agent.")
	if !errors.Is(err, errEndOfStream) {
		message = apierr.Text(apierr.CodeInternal, err.Error())
		logger.Error("Agent stream for session %s failed: %v", id, err)
	}
	c.mgr.FinishRun(id, &session.AgentResult{IsError: true, Result: message}, opts.Fork)
}

// permissionBridge builds the canUseTool callback wired to the session's
// permission broker.
func (c *Consumer) permissionBridge(st *runState, cancel *session.CancelHandle) agent.CanUseToolFunc {
	return func(ctx context.Context, toolName string, input map[string]any, opts agent.CanUseToolOptions) agent.PermissionDecision {
		if cancel.Cancelled() || signalDone(opts.Signal) {
			return agent.Deny("Session cancelled", true)
		}

		sessionID := st.id()
		cfg, ok := c.mgr.ConfigOf(sessionID)
		if !ok {
			return agent.Deny("Session no longer exists.", true)
		}

		if cfg.ToolDisallowed(toolName) {
			return agent.Deny(fmt.Sprintf("Tool '%s' is disallowed by session policy", toolName), false)
		}
		if cfg.ToolExplicitlyAllowed(toolName) && opts.BlockedPath == "" && opts.DecisionReason == "" {
			return agent.Allow()
		}

		toolUseID := opts.ToolUseID
		if toolUseID == "" {
			toolUseID = c.mgr.LastToolUseID(sessionID)
		}
		record := session.PermissionRequest{
			RequestID:      uuid.NewString(),
			ToolName:       toolName,
			Input:          input,
			Summary:        summarizeToolUse(toolName, input),
			Description:    c.tools.Describe(toolName),
			DecisionReason: opts.DecisionReason,
			BlockedPath:    opts.BlockedPath,
			ToolUseID:      toolUseID,
			AgentID:        opts.AgentID,
			Suggestions:    opts.Suggestions,
		}

		waiter, err := c.mgr.SetPending(sessionID, record)
		if err != nil {
			logger.Error("Failed to register permission request for session %s: %v", sessionID, err)
			return agent.Deny("Failed to register permission request", false)
		}

		var signal <-chan struct{}
		if opts.Signal != nil {
			signal = opts.Signal.Done()
		}

		select {
		case decision := <-waiter:
			return decision
		case <-cancel.Done():
			c.mgr.FinishRequest(sessionID, record.RequestID,
				agent.Deny("Session cancelled", true), session.FinishCancel)
			// The waiter is resolved either by our finish or by a racing
			// responder; read whichever decision won.
			return <-waiter
		case <-signal:
			c.mgr.FinishRequest(sessionID, record.RequestID,
				agent.Deny("Session cancelled", true), session.FinishSignal)
			return <-waiter
		}
	}
}

func signalDone(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// summarizeToolUse builds the one-line summary shown with a permission
// request: the most identifying input field per tool.
func summarizeToolUse(toolName string, input map[string]any) string {
	detail := ""
	for _, key := range []string{"command", "file_path", "path", "url", "query", "pattern", "description", "prompt"} {
		if v, ok := input[key].(string); ok && v != "" {
			detail = v
			break
		}
	}
	if detail == "" {
		return toolName
	}
	if len(detail) > 200 {
		detail = detail[:200] + "..."
	}
	return fmt.Sprintf("%s: %s", toolName, detail)
}
