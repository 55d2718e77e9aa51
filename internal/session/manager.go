package session

// manager.go - in-memory session registry
//
// This file contains:
// - Manager: registry of live sessions with status machine enforcement
// - Run acquisition (TryAcquire) and termination (FinishRun) bookkeeping
// - Permission broker: SetPending, FinishRequest, FinishAll, timeouts
// - Background sweeper expiring idle sessions and erroring stuck runs

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stackmill/agentmux/internal/agent"
	"github.com/stackmill/agentmux/internal/apierr"
	"github.com/stackmill/agentmux/internal/audit"
	"github.com/stackmill/agentmux/internal/config"
	"github.com/stackmill/agentmux/internal/logger"
	"github.com/stackmill/agentmux/internal/metrics"
)

// managed is the full in-memory state of one session. Its mutex guards every
// field; buffer pushes happen under it, which is what lets the buffer's
// active-request predicate read the pending map without its own lock.
type managed struct {
	mu            sync.Mutex
	rec           Session
	buffer        *EventBuffer
	pending       map[string]*pendingPermission
	cancel        *CancelHandle
	result        *AgentResult
	initTools     []string
	lastToolUseID string
	runStarted    time.Time
}

// Manager is the registry of live sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*managed
	cfg      *config.Config
	audit    *audit.Logger
	cron     *cron.Cron
}

// NewManager creates a registry and starts the background sweeper.
func NewManager(cfg *config.Config, auditLogger *audit.Logger) *Manager {
	m := &Manager{
		sessions: make(map[string]*managed),
		cfg:      cfg,
		audit:    auditLogger,
	}
	m.cron = cron.New()
	spec := fmt.Sprintf("@every %s", cfg.SweepInterval)
	if _, err := m.cron.AddFunc(spec, m.sweep); err != nil {
		logger.Error("Failed to schedule session sweeper: %v", err)
	}
	m.cron.Start()
	return m
}

// newManaged builds the per-session state. The buffer's active-request
// predicate closes over the pending map; it runs only during pushes, which
// always happen under the session mutex.
func (m *Manager) newManaged(sessionID string, cfg agent.Options, status Status) *managed {
	s := &managed{
		pending: make(map[string]*pendingPermission),
		rec: Session{
			ID:           sessionID,
			Status:       status,
			CreatedAt:    time.Now(),
			LastActiveAt: time.Now(),
			Config:       cfg.Clone(),
		},
	}
	s.buffer = NewEventBuffer(func(requestID string) bool {
		_, ok := s.pending[requestID]
		return ok
	})
	return s
}

// CreateFromInit registers a session when its init message arrives, wiring
// the run's cancel handle into the new record. It is idempotent: a second
// init for the same ID leaves the existing session untouched.
func (m *Manager) CreateFromInit(sessionID string, cfg agent.Options, handle *CancelHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; ok {
		return
	}
	s := m.newManaged(sessionID, cfg, StatusRunning)
	s.cancel = handle
	s.runStarted = time.Now()
	m.sessions[sessionID] = s
	m.audit.Log(&audit.Event{Operation: audit.OpSessionStart, SessionID: sessionID, Success: true})
}

// CreateForResume registers a session synthesized from a resume token before
// its run is consumed. The run loop flips it to running via TryAcquire.
func (m *Manager) CreateForResume(sessionID string, cfg agent.Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; ok {
		return
	}
	m.sessions[sessionID] = m.newManaged(sessionID, cfg, StatusIdle)
	m.audit.Log(&audit.Event{Operation: audit.OpSessionResume, SessionID: sessionID, Success: true})
}

// get returns the managed state for sessionID.
func (m *Manager) get(sessionID string) (*managed, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// TryAcquire transitions an idle or errored session to running and installs
// a fresh cancel handle for the new run. The check and the transition happen
// under the session mutex, so concurrent replies race safely: exactly one
// wins, the rest get SESSION_BUSY.
func (m *Manager) TryAcquire(sessionID string) (*CancelHandle, error) {
	s, ok := m.get(sessionID)
	if !ok {
		return nil, apierr.New(apierr.CodeSessionNotFound, "Session %s not found", sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.rec.Status {
	case StatusRunning, StatusWaitingPermission:
		return nil, apierr.New(apierr.CodeSessionBusy, "Session %s is currently processing another request", sessionID)
	case StatusCancelled:
		return nil, apierr.New(apierr.CodeCancelled, "Session %s was cancelled", sessionID)
	}

	handle := NewCancelHandle()
	s.rec.Status = StatusRunning
	s.rec.LastActiveAt = time.Now()
	s.cancel = handle
	s.runStarted = time.Now()
	s.buffer.ClearTerminal()
	return handle, nil
}

// Cancel stops an in-flight run. Only running and waiting_permission
// sessions can be cancelled; terminal sessions return an error.
func (m *Manager) Cancel(sessionID string) error {
	s, ok := m.get(sessionID)
	if !ok {
		return apierr.New(apierr.CodeSessionNotFound, "Session %s not found", sessionID)
	}
	s.mu.Lock()
	if s.rec.Status != StatusRunning && s.rec.Status != StatusWaitingPermission {
		status := s.rec.Status
		s.mu.Unlock()
		return apierr.New(apierr.CodeInvalidArgument, "Session %s is not running (status: %s)", sessionID, status)
	}
	s.rec.Status = StatusCancelled
	s.rec.LastActiveAt = time.Now()
	handle := s.cancel
	m.finishAllLocked(s, agent.Deny("Session cancelled", true), FinishCancel)
	s.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
	m.audit.Log(&audit.Event{Operation: audit.OpSessionCancel, SessionID: sessionID, Success: true})
	return nil
}

// SetPending registers a permission request, arms its timeout, pushes the
// permission_request event, and flips the session to waiting_permission.
// The returned channel receives the decision exactly once.
func (m *Manager) SetPending(sessionID string, record PermissionRequest) (<-chan agent.PermissionDecision, error) {
	s, ok := m.get(sessionID)
	if !ok {
		return nil, apierr.New(apierr.CodeSessionNotFound, "Session %s not found", sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.pending[record.RequestID]; dup {
		return nil, apierr.New(apierr.CodeInternal, "Permission request %s already pending", record.RequestID)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	p := newPendingPermission(record)
	timeout := m.cfg.PermissionTimeout
	p.timer = time.AfterFunc(timeout, func() {
		msg := fmt.Sprintf("Permission request timed out after %dms", timeout.Milliseconds())
		m.FinishRequest(sessionID, record.RequestID, agent.Deny(msg, false), FinishTimeout)
	})
	s.pending[record.RequestID] = p
	s.rec.Status = StatusWaitingPermission
	s.rec.LastActiveAt = time.Now()
	s.buffer.Push(EventPermissionRequest, record)

	m.audit.Log(&audit.Event{
		Operation: audit.OpPermissionRequest,
		SessionID: sessionID,
		RequestID: record.RequestID,
		Success:   true,
		Details:   map[string]any{"tool": record.ToolName},
	})
	return p.waiter, nil
}

// FinishRequest resolves one pending permission request. Allow decisions for
// tools the session config disallows are downgraded to deny. Returns the
// decision actually applied and whether the request existed.
func (m *Manager) FinishRequest(sessionID, requestID string, decision agent.PermissionDecision, source FinishSource) (agent.PermissionDecision, bool) {
	s, ok := m.get(sessionID)
	if !ok {
		return decision, false
	}
	s.mu.Lock()
	p, ok := s.pending[requestID]
	if !ok {
		s.mu.Unlock()
		return decision, false
	}

	if decision.Behavior == agent.PermissionAllow && s.rec.Config.ToolDisallowed(p.record.ToolName) {
		decision = agent.Deny(fmt.Sprintf("Tool '%s' is disallowed by session policy", p.record.ToolName), false)
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	delete(s.pending, requestID)
	s.buffer.Push(EventPermissionResult, map[string]any{
		"requestId": requestID,
		"behavior":  decision.Behavior,
		"message":   decision.Message,
		"source":    source,
	})
	if len(s.pending) == 0 && s.rec.Status == StatusWaitingPermission {
		s.rec.Status = StatusRunning
	}
	s.rec.LastActiveAt = time.Now()
	s.mu.Unlock()

	p.resolve(decision)
	metrics.RecordPermissionDecision(string(decision.Behavior), string(source))
	m.audit.Log(&audit.Event{
		Operation: audit.OpPermissionDecide,
		SessionID: sessionID,
		RequestID: requestID,
		Success:   true,
		Details:   map[string]any{"behavior": decision.Behavior, "source": source},
	})
	return decision, true
}

// FinishAll resolves every pending request of a session with one decision.
func (m *Manager) FinishAll(sessionID string, decision agent.PermissionDecision, source FinishSource) {
	s, ok := m.get(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	m.finishAllLocked(s, decision, source)
	s.mu.Unlock()
}

// finishAllLocked resolves all pending requests. Caller holds s.mu.
func (m *Manager) finishAllLocked(s *managed, decision agent.PermissionDecision, source FinishSource) {
	for requestID, p := range s.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(s.pending, requestID)
		s.buffer.Push(EventPermissionResult, map[string]any{
			"requestId": requestID,
			"behavior":  decision.Behavior,
			"message":   decision.Message,
			"source":    source,
		})
		p.resolve(decision)
		metrics.RecordPermissionDecision(string(decision.Behavior), string(source))
	}
	if s.rec.Status == StatusWaitingPermission {
		s.rec.Status = StatusRunning
	}
}

// FinishRun records the terminal outcome of a run: stores the result, pushes
// the terminal event, accumulates session totals, and releases the session.
// A cancelled session keeps its cancelled status. For forked runs the totals
// are assigned rather than accumulated, since the fork is a fresh session.
func (m *Manager) FinishRun(sessionID string, res *AgentResult, fork bool) {
	s, ok := m.get(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if fork {
		s.rec.TotalTurns = res.NumTurns
		s.rec.TotalCostUSD = res.TotalCostUSD
	} else {
		s.rec.TotalTurns += res.NumTurns
		s.rec.TotalCostUSD += res.TotalCostUSD
	}
	res.SessionID = sessionID
	res.SessionTotalTurns = s.rec.TotalTurns
	res.SessionTotalCostUSD = s.rec.TotalCostUSD
	s.result = res

	s.buffer.ClearTerminal()
	if res.IsError {
		s.buffer.Push(EventError, res)
	} else {
		s.buffer.Push(EventResult, res)
	}

	if s.rec.Status != StatusCancelled {
		if res.IsError {
			s.rec.Status = StatusError
		} else {
			s.rec.Status = StatusIdle
		}
	}
	s.rec.LastActiveAt = time.Now()
	s.cancel = nil

	if !s.runStarted.IsZero() {
		metrics.RecordRunDuration(string(s.rec.Status), time.Since(s.runStarted).Seconds())
		s.runStarted = time.Time{}
	}
}

// PendingRequests returns the session's pending requests ordered by creation.
func (m *Manager) PendingRequests(sessionID string) []PermissionRequest {
	s, ok := m.get(sessionID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PermissionRequest, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p.record)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// HasPending reports whether the session has unresolved permission requests.
func (m *Manager) HasPending(sessionID string) bool {
	s, ok := m.get(sessionID)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

// ReadEvents performs a cursor read against the session's buffer.
func (m *Manager) ReadEvents(sessionID string, cursor *uint64) (ReadResult, error) {
	s, ok := m.get(sessionID)
	if !ok {
		return ReadResult{}, apierr.New(apierr.CodeSessionNotFound, "Session %s not found", sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Read(cursor), nil
}

// PushEvent appends an event to the session's buffer and touches it.
func (m *Manager) PushEvent(sessionID, eventType string, data any) {
	s, ok := m.get(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer.Push(eventType, data)
	s.rec.LastActiveAt = time.Now()
}

// Touch refreshes the session's activity timestamp.
func (m *Manager) Touch(sessionID string) {
	s, ok := m.get(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	s.rec.LastActiveAt = time.Now()
	s.mu.Unlock()
}

// SetInitTools records the tool names announced by the session's init message.
func (m *Manager) SetInitTools(sessionID string, names []string) {
	s, ok := m.get(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	s.initTools = names
	s.mu.Unlock()
}

// InitTools returns the tool names from the session's init message.
func (m *Manager) InitTools(sessionID string) []string {
	s, ok := m.get(sessionID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initTools
}

// SetLastToolUseID records the most recent tool-use identifier seen on the
// session's stream, used to correlate permission prompts.
func (m *Manager) SetLastToolUseID(sessionID, toolUseID string) {
	s, ok := m.get(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	s.lastToolUseID = toolUseID
	s.mu.Unlock()
}

// LastToolUseID returns the most recent tool-use identifier.
func (m *Manager) LastToolUseID(sessionID string) string {
	s, ok := m.get(sessionID)
	if !ok {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastToolUseID
}

// RestoreStatus forces a session's status. Used when a fork attempt fails
// and the original session must return to its prior state.
func (m *Manager) RestoreStatus(sessionID string, status Status) {
	s, ok := m.get(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	s.rec.Status = status
	s.rec.LastActiveAt = time.Now()
	if status.Terminal() {
		s.cancel = nil
	}
	s.mu.Unlock()
}

// StoredResult returns the result of the session's most recent run, or nil.
func (m *Manager) StoredResult(sessionID string) *AgentResult {
	s, ok := m.get(sessionID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// ConfigOf returns the session's launch configuration snapshot.
func (m *Manager) ConfigOf(sessionID string) (agent.Options, bool) {
	s, ok := m.get(sessionID)
	if !ok {
		return agent.Options{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Config, true
}

// Get returns a copy of the session record.
func (m *Manager) Get(sessionID string) (Session, bool) {
	s, ok := m.get(sessionID)
	if !ok {
		return Session{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec, true
}

// Exists reports whether the session is registered.
func (m *Manager) Exists(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// sensitiveConfigKeys never appear in public session views. The first four
// are restored for callers granted sensitive details.
var sensitiveConfigKeys = []string{
	"cwd", "systemPrompt", "agents", "additionalDirectories",
	"pathToExecutable", "mcpServers", "sandbox", "settingSources", "debugFile", "env",
}

// restorableKeys is the prefix of sensitiveConfigKeys returned to callers
// with sensitive access.
const restorableKeys = 4

// PublicView projects a session for API responses, redacting the config.
func (m *Manager) PublicView(sessionID string, sensitive bool) (View, bool) {
	s, ok := m.get(sessionID)
	if !ok {
		return View{}, false
	}
	s.mu.Lock()
	rec := s.rec
	pendingCount := len(s.pending)
	s.mu.Unlock()

	return View{
		SessionID:    rec.ID,
		Status:       rec.Status,
		CreatedAt:    rec.CreatedAt,
		LastActiveAt: rec.LastActiveAt,
		TotalTurns:   rec.TotalTurns,
		TotalCostUSD: rec.TotalCostUSD,
		Config:       redactConfig(rec.Config, sensitive),
		PendingCount: pendingCount,
	}, true
}

// List returns public views of every session, ordered by creation time.
func (m *Manager) List(sensitive bool) []View {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	views := make([]View, 0, len(ids))
	for _, id := range ids {
		if v, ok := m.PublicView(id, sensitive); ok {
			views = append(views, v)
		}
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].SessionID < views[j].SessionID
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views
}

// redactConfig serializes the launch config and strips sensitive keys.
func redactConfig(cfg agent.Options, sensitive bool) map[string]any {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	start := 0
	if sensitive {
		start = restorableKeys
	}
	for _, key := range sensitiveConfigKeys[start:] {
		delete(out, key)
	}
	return out
}

// sweep expires terminal sessions past their TTL and errors out runs that
// exceeded the running-session ceiling. Sessions with a corrupted activity
// timestamp are deleted outright.
func (m *Manager) sweep() {
	now := time.Now()

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var remove []string
	counts := map[Status]int{}
	for _, id := range ids {
		s, ok := m.get(id)
		if !ok {
			continue
		}
		s.mu.Lock()
		status := s.rec.Status
		last := s.rec.LastActiveAt
		// A chatty run keeps touching lastActiveAt, so the running ceiling
		// is measured from the run's start.
		runningSince := s.runStarted
		if runningSince.IsZero() {
			runningSince = last
		}
		var handle *CancelHandle

		switch {
		case last.IsZero() || last.After(now.Add(time.Minute)):
			remove = append(remove, id)
			m.finishAllLocked(s, agent.Deny("Session cleaned up", true), FinishCleanup)
			metrics.RecordSweep("invalid")
		case (status == StatusRunning || status == StatusWaitingPermission) && now.Sub(runningSince) > m.cfg.RunningSessionMax:
			m.finishAllLocked(s, agent.Deny("Session timed out", true), FinishCleanup)
			handle = s.cancel
			s.cancel = nil
			s.rec.Status = StatusError
			s.buffer.Push(EventError, map[string]any{
				"error": fmt.Sprintf("Session exceeded maximum running time of %s", m.cfg.RunningSessionMax),
			})
			metrics.RecordSweep("stuck")
			logger.Error("Sweeper errored stuck session %s (running since %s)", id, runningSince.Format(time.RFC3339))
		case status.Terminal() && now.Sub(last) > m.cfg.SessionTTL:
			remove = append(remove, id)
			m.finishAllLocked(s, agent.Deny("Session expired", true), FinishCleanup)
			metrics.RecordSweep("expired")
		}
		counts[s.rec.Status]++
		s.mu.Unlock()

		if handle != nil {
			handle.Cancel()
		}
	}

	if len(remove) > 0 {
		m.mu.Lock()
		for _, id := range remove {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
		for _, id := range remove {
			m.audit.Log(&audit.Event{Operation: audit.OpSessionSweep, SessionID: id, Success: true})
		}
	}

	for _, status := range []Status{StatusRunning, StatusWaitingPermission, StatusIdle, StatusCancelled, StatusError} {
		metrics.SetSessionCount(string(status), counts[status])
	}
}

// Sweep runs one sweeper pass immediately. Exposed for tests.
func (m *Manager) Sweep() {
	m.sweep()
}

// Stop shuts the registry down: the sweeper halts, every in-flight run is
// cancelled, and pending permission requests are denied. Session records are
// kept so a final poll can observe the shutdown.
func (m *Manager) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		s, ok := m.get(id)
		if !ok {
			continue
		}
		s.mu.Lock()
		m.finishAllLocked(s, agent.Deny("Server shutting down", true), FinishDestroy)
		var handle *CancelHandle
		if s.rec.Status == StatusRunning || s.rec.Status == StatusWaitingPermission {
			s.rec.Status = StatusCancelled
			handle = s.cancel
			s.cancel = nil
		}
		s.mu.Unlock()
		if handle != nil {
			handle.Cancel()
		}
	}
}
