package session

import (
	"strings"
	"testing"
	"time"

	"github.com/stackmill/agentmux/internal/agent"
	"github.com/stackmill/agentmux/internal/apierr"
	"github.com/stackmill/agentmux/internal/audit"
	"github.com/stackmill/agentmux/internal/config"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.PermissionTimeout = 200 * time.Millisecond
	cfg.SweepInterval = time.Hour
	m := NewManager(cfg, audit.New(false))
	t.Cleanup(m.Stop)
	return m
}

func testOptions() agent.Options {
	return agent.Options{Cwd: "/tmp/work", Model: "test-model"}
}

func TestCreateFromInitIdempotent(t *testing.T) {
	m := newTestManager(t)
	m.CreateFromInit("s1", testOptions(), NewCancelHandle())
	m.PushEvent("s1", EventOutput, "before")
	m.CreateFromInit("s1", testOptions(), NewCancelHandle())

	res, err := m.ReadEvents("s1", nil)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(res.Events) != 1 {
		t.Errorf("second init reset the session: %d events, want 1", len(res.Events))
	}
}

func TestTryAcquireStatusMachine(t *testing.T) {
	tests := []struct {
		name     string
		status   Status
		wantCode apierr.Code
	}{
		{"running is busy", StatusRunning, apierr.CodeSessionBusy},
		{"waiting is busy", StatusWaitingPermission, apierr.CodeSessionBusy},
		{"cancelled is terminal", StatusCancelled, apierr.CodeCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t)
			m.CreateFromInit("s1", testOptions(), NewCancelHandle())
			m.RestoreStatus("s1", tt.status)

			_, err := m.TryAcquire("s1")
			if err == nil {
				t.Fatalf("TryAcquire succeeded for status %s", tt.status)
			}
			if !apierr.HasCode(err, tt.wantCode) {
				t.Errorf("error = %v, want code %s", err, tt.wantCode)
			}
		})
	}
}

func TestTryAcquireFromIdleAndError(t *testing.T) {
	for _, status := range []Status{StatusIdle, StatusError} {
		m := newTestManager(t)
		m.CreateFromInit("s1", testOptions(), NewCancelHandle())
		m.RestoreStatus("s1", status)

		handle, err := m.TryAcquire("s1")
		if err != nil {
			t.Fatalf("TryAcquire from %s: %v", status, err)
		}
		if handle == nil {
			t.Fatalf("TryAcquire returned nil handle")
		}
		rec, _ := m.Get("s1")
		if rec.Status != StatusRunning {
			t.Errorf("status after acquire = %s, want running", rec.Status)
		}
	}
}

func TestTryAcquireClearsTerminalEvents(t *testing.T) {
	m := newTestManager(t)
	m.CreateFromInit("s1", testOptions(), NewCancelHandle())
	m.FinishRun("s1", &AgentResult{Result: "done"}, false)

	res, _ := m.ReadEvents("s1", nil)
	if len(res.Events) != 1 {
		t.Fatalf("expected 1 terminal event, got %d", len(res.Events))
	}

	if _, err := m.TryAcquire("s1"); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	res, _ = m.ReadEvents("s1", nil)
	for _, e := range res.Events {
		if e.Type == EventResult {
			t.Errorf("stale result event survived acquisition")
		}
	}
}

func TestTryAcquireNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.TryAcquire("missing")
	if !apierr.HasCode(err, apierr.CodeSessionNotFound) {
		t.Errorf("error = %v, want SESSION_NOT_FOUND", err)
	}
}

func TestTryAcquireConcurrentRace(t *testing.T) {
	m := newTestManager(t)
	m.CreateFromInit("s1", testOptions(), NewCancelHandle())
	m.RestoreStatus("s1", StatusIdle)

	const contenders = 32
	start := make(chan struct{})
	results := make(chan error, contenders)
	for i := 0; i < contenders; i++ {
		go func() {
			<-start
			_, err := m.TryAcquire("s1")
			results <- err
		}()
	}
	close(start)

	var wins, busy int
	for i := 0; i < contenders; i++ {
		switch err := <-results; {
		case err == nil:
			wins++
		case apierr.HasCode(err, apierr.CodeSessionBusy):
			busy++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
	if busy != contenders-1 {
		t.Errorf("busy losers = %d, want %d", busy, contenders-1)
	}

	rec, _ := m.Get("s1")
	if rec.Status != StatusRunning {
		t.Errorf("status = %s, want running", rec.Status)
	}
}

func TestCancelRunningSession(t *testing.T) {
	m := newTestManager(t)
	handle := NewCancelHandle()
	m.CreateFromInit("s1", testOptions(), handle)

	waiter, err := m.SetPending("s1", PermissionRequest{RequestID: "r1", ToolName: "Bash"})
	if err != nil {
		t.Fatalf("SetPending: %v", err)
	}

	if err := m.Cancel("s1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if !handle.Cancelled() {
		t.Errorf("cancel handle not tripped")
	}
	rec, _ := m.Get("s1")
	if rec.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", rec.Status)
	}

	select {
	case d := <-waiter:
		if d.Behavior != agent.PermissionDeny {
			t.Errorf("pending decision = %s, want deny", d.Behavior)
		}
		if d.Message != "Session cancelled" {
			t.Errorf("deny message = %q", d.Message)
		}
	default:
		t.Errorf("pending request was not resolved by cancel")
	}
}

func TestCancelTerminalSessionFails(t *testing.T) {
	m := newTestManager(t)
	m.CreateFromInit("s1", testOptions(), NewCancelHandle())
	m.RestoreStatus("s1", StatusIdle)

	err := m.Cancel("s1")
	if !apierr.HasCode(err, apierr.CodeInvalidArgument) {
		t.Errorf("error = %v, want INVALID_ARGUMENT", err)
	}
}

func TestSetPendingFlipsStatusAndPushesEvent(t *testing.T) {
	m := newTestManager(t)
	m.CreateFromInit("s1", testOptions(), NewCancelHandle())

	if _, err := m.SetPending("s1", PermissionRequest{RequestID: "r1", ToolName: "Bash"}); err != nil {
		t.Fatalf("SetPending: %v", err)
	}

	rec, _ := m.Get("s1")
	if rec.Status != StatusWaitingPermission {
		t.Errorf("status = %s, want waiting_permission", rec.Status)
	}

	res, _ := m.ReadEvents("s1", nil)
	if len(res.Events) != 1 || res.Events[0].Type != EventPermissionRequest {
		t.Fatalf("expected one permission_request event, got %+v", res.Events)
	}

	// Duplicate request IDs are rejected.
	if _, err := m.SetPending("s1", PermissionRequest{RequestID: "r1", ToolName: "Bash"}); err == nil {
		t.Errorf("duplicate SetPending succeeded")
	}
}

func TestFinishRequestResolvesWaiter(t *testing.T) {
	m := newTestManager(t)
	m.CreateFromInit("s1", testOptions(), NewCancelHandle())
	waiter, _ := m.SetPending("s1", PermissionRequest{RequestID: "r1", ToolName: "Bash"})

	applied, ok := m.FinishRequest("s1", "r1", agent.Allow(), FinishRespond)
	if !ok {
		t.Fatalf("FinishRequest reported missing request")
	}
	if applied.Behavior != agent.PermissionAllow {
		t.Errorf("applied behavior = %s, want allow", applied.Behavior)
	}

	d := <-waiter
	if d.Behavior != agent.PermissionAllow {
		t.Errorf("waiter decision = %s, want allow", d.Behavior)
	}

	rec, _ := m.Get("s1")
	if rec.Status != StatusRunning {
		t.Errorf("status after last request resolved = %s, want running", rec.Status)
	}

	// Second finish of the same request reports absence.
	if _, ok := m.FinishRequest("s1", "r1", agent.Allow(), FinishRespond); ok {
		t.Errorf("FinishRequest resolved the same request twice")
	}
}

func TestFinishRequestDowngradesDisallowedAllow(t *testing.T) {
	m := newTestManager(t)
	opts := testOptions()
	opts.DisallowedTools = []string{"Bash"}
	m.CreateFromInit("s1", opts, NewCancelHandle())
	waiter, _ := m.SetPending("s1", PermissionRequest{RequestID: "r1", ToolName: "Bash"})

	applied, _ := m.FinishRequest("s1", "r1", agent.Allow(), FinishRespond)
	if applied.Behavior != agent.PermissionDeny {
		t.Fatalf("allow for disallowed tool was not downgraded")
	}
	if !strings.Contains(applied.Message, "disallowed by session policy") {
		t.Errorf("downgrade message = %q", applied.Message)
	}
	if d := <-waiter; d.Behavior != agent.PermissionDeny {
		t.Errorf("waiter got %s, want deny", d.Behavior)
	}
}

func TestPendingRequestTimesOut(t *testing.T) {
	m := newTestManager(t)
	m.CreateFromInit("s1", testOptions(), NewCancelHandle())
	waiter, _ := m.SetPending("s1", PermissionRequest{RequestID: "r1", ToolName: "Bash"})

	select {
	case d := <-waiter:
		if d.Behavior != agent.PermissionDeny {
			t.Errorf("timeout decision = %s, want deny", d.Behavior)
		}
		if !strings.Contains(d.Message, "timed out after") {
			t.Errorf("timeout message = %q", d.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending request never timed out")
	}

	if m.HasPending("s1") {
		t.Errorf("request still pending after timeout")
	}
}

func TestFinishRunAccumulatesTotals(t *testing.T) {
	m := newTestManager(t)
	m.CreateFromInit("s1", testOptions(), NewCancelHandle())

	m.FinishRun("s1", &AgentResult{NumTurns: 3, TotalCostUSD: 0.5}, false)
	m.TryAcquire("s1")
	m.FinishRun("s1", &AgentResult{NumTurns: 2, TotalCostUSD: 0.25}, false)

	rec, _ := m.Get("s1")
	if rec.TotalTurns != 5 {
		t.Errorf("TotalTurns = %d, want 5", rec.TotalTurns)
	}
	if rec.TotalCostUSD != 0.75 {
		t.Errorf("TotalCostUSD = %v, want 0.75", rec.TotalCostUSD)
	}

	stored := m.StoredResult("s1")
	if stored.SessionTotalTurns != 5 {
		t.Errorf("SessionTotalTurns = %d, want 5", stored.SessionTotalTurns)
	}
}

func TestFinishRunStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		isError bool
		want    Status
	}{
		{"success goes idle", false, StatusIdle},
		{"failure goes error", true, StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t)
			m.CreateFromInit("s1", testOptions(), NewCancelHandle())
			m.FinishRun("s1", &AgentResult{IsError: tt.isError}, false)
			rec, _ := m.Get("s1")
			if rec.Status != tt.want {
				t.Errorf("status = %s, want %s", rec.Status, tt.want)
			}
		})
	}
}

func TestFinishRunKeepsCancelledStatus(t *testing.T) {
	m := newTestManager(t)
	m.CreateFromInit("s1", testOptions(), NewCancelHandle())
	if err := m.Cancel("s1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	m.FinishRun("s1", &AgentResult{IsError: true}, false)
	rec, _ := m.Get("s1")
	if rec.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", rec.Status)
	}
}

func TestPublicViewRedaction(t *testing.T) {
	m := newTestManager(t)
	opts := testOptions()
	opts.SystemPrompt = "secret instructions"
	opts.Env = map[string]string{"API_KEY": "k"}
	opts.PathToExecutable = "/opt/agent"
	m.CreateFromInit("s1", opts, NewCancelHandle())

	view, ok := m.PublicView("s1", false)
	if !ok {
		t.Fatalf("PublicView: session missing")
	}
	for _, key := range []string{"cwd", "systemPrompt", "env", "pathToExecutable"} {
		if _, present := view.Config[key]; present {
			t.Errorf("public view leaked %q", key)
		}
	}
	if _, present := view.Config["model"]; !present {
		t.Errorf("public view dropped non-sensitive key model")
	}

	sensitive, _ := m.PublicView("s1", true)
	if _, present := sensitive.Config["cwd"]; !present {
		t.Errorf("sensitive view missing cwd")
	}
	if _, present := sensitive.Config["env"]; present {
		t.Errorf("sensitive view leaked env")
	}
	if _, present := sensitive.Config["pathToExecutable"]; present {
		t.Errorf("sensitive view leaked pathToExecutable")
	}
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	cfg := config.Default()
	cfg.SessionTTL = 10 * time.Millisecond
	cfg.SweepInterval = time.Hour
	m := NewManager(cfg, audit.New(false))
	t.Cleanup(m.Stop)

	m.CreateFromInit("old", testOptions(), NewCancelHandle())
	m.RestoreStatus("old", StatusIdle)
	time.Sleep(30 * time.Millisecond)

	m.CreateFromInit("fresh", testOptions(), NewCancelHandle())
	m.RestoreStatus("fresh", StatusIdle)

	m.Sweep()

	if m.Exists("old") {
		t.Errorf("expired session survived the sweep")
	}
	if !m.Exists("fresh") {
		t.Errorf("fresh session was swept")
	}
}

func TestSweepErrorsStuckRunningSessions(t *testing.T) {
	cfg := config.Default()
	cfg.RunningSessionMax = 10 * time.Millisecond
	cfg.SweepInterval = time.Hour
	m := NewManager(cfg, audit.New(false))
	t.Cleanup(m.Stop)

	handle := NewCancelHandle()
	m.CreateFromInit("stuck", testOptions(), handle)
	time.Sleep(30 * time.Millisecond)

	m.Sweep()

	rec, _ := m.Get("stuck")
	if rec.Status != StatusError {
		t.Errorf("stuck session status = %s, want error", rec.Status)
	}
	if !handle.Cancelled() {
		t.Errorf("stuck session's run was not cancelled")
	}
}

func TestStopDeniesPendingAndCancelsRuns(t *testing.T) {
	cfg := config.Default()
	cfg.SweepInterval = time.Hour
	m := NewManager(cfg, audit.New(false))

	handle := NewCancelHandle()
	m.CreateFromInit("s1", testOptions(), handle)
	waiter, _ := m.SetPending("s1", PermissionRequest{RequestID: "r1", ToolName: "Bash"})

	m.Stop()

	select {
	case d := <-waiter:
		if d.Behavior != agent.PermissionDeny {
			t.Errorf("shutdown decision = %s, want deny", d.Behavior)
		}
	default:
		t.Errorf("pending request not resolved on shutdown")
	}
	if !handle.Cancelled() {
		t.Errorf("run not cancelled on shutdown")
	}
	if !m.Exists("s1") {
		t.Errorf("session record deleted on shutdown; a final poll should still see it")
	}
}
