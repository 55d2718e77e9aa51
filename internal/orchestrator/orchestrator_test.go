package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stackmill/agentmux/internal/agent"
	"github.com/stackmill/agentmux/internal/apierr"
	"github.com/stackmill/agentmux/internal/audit"
	"github.com/stackmill/agentmux/internal/config"
	"github.com/stackmill/agentmux/internal/runner"
	"github.com/stackmill/agentmux/internal/session"
	"github.com/stackmill/agentmux/internal/testutil"
	"github.com/stackmill/agentmux/internal/token"
	"github.com/stackmill/agentmux/internal/tools"
)

func newTestOrchestrator(t *testing.T, cfg *config.Config, launcher agent.Launcher) (*Orchestrator, *session.Manager) {
	t.Helper()
	mgr := session.NewManager(cfg, audit.New(false))
	t.Cleanup(mgr.Stop)
	toolCache := tools.NewCache()
	consumer := runner.New(mgr, launcher, cfg, toolCache)
	return New(mgr, consumer, cfg, toolCache, audit.New(false)), mgr
}

// idleSession registers a session that already finished a run.
func idleSession(t *testing.T, mgr *session.Manager, sid string) {
	t.Helper()
	mgr.CreateFromInit(sid, testutil.NewTestOptions(t), session.NewCancelHandle())
	mgr.FinishRun(sid, &session.AgentResult{Result: "previous turn"}, false)
}

func waitStatus(t *testing.T, mgr *session.Manager, sid string, want session.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := mgr.Get(sid); ok && rec.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := mgr.Get(sid)
	t.Fatalf("session %s never reached %s (status: %s)", sid, want, rec.Status)
}

func TestStartHappyPath(t *testing.T) {
	sid := testutil.NewSessionID()
	launcher := testutil.NewScriptedLauncher(testutil.Script{
		{Emit: testutil.InitMessage(sid, "Bash")},
		{Emit: testutil.SuccessResult(sid, "done", 1, 0.01)},
	})
	o, mgr := newTestOrchestrator(t, testutil.NewTestConfig(t), launcher)

	res, err := o.Start(context.Background(), StartParams{
		Prompt:  "hello",
		Options: testutil.NewTestOptions(t),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.SessionID != sid {
		t.Errorf("SessionID = %q, want %q", res.SessionID, sid)
	}
	if res.Status != string(session.StatusRunning) {
		t.Errorf("Status = %q, want running", res.Status)
	}
	if res.PollIntervalMs != pollIntervalRunning {
		t.Errorf("PollIntervalMs = %d, want %d", res.PollIntervalMs, pollIntervalRunning)
	}
	if res.ResumeToken != "" {
		t.Errorf("ResumeToken = %q without a resume secret", res.ResumeToken)
	}

	// Default setting sources are applied when none were named.
	if got := launcher.Launches[0].SettingSources; len(got) != len(defaultSettingSources) {
		t.Errorf("SettingSources = %v, want %v", got, defaultSettingSources)
	}

	waitStatus(t, mgr, sid, session.StatusIdle)
}

func TestStartReturnsResumeTokenWhenConfigured(t *testing.T) {
	sid := testutil.NewSessionID()
	launcher := testutil.NewScriptedLauncher(testutil.Script{
		{Emit: testutil.InitMessage(sid)},
		{Emit: testutil.SuccessResult(sid, "done", 1, 0)},
	})
	cfg := testutil.NewTestConfig(t)
	cfg.ResumeSecret = "topsecret"
	o, _ := newTestOrchestrator(t, cfg, launcher)

	res, err := o.Start(context.Background(), StartParams{
		Prompt:  "hello",
		Options: testutil.NewTestOptions(t),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !token.Verify(cfg.ResumeSecret, sid, res.ResumeToken) {
		t.Errorf("resume token %q does not verify", res.ResumeToken)
	}
}

func TestStartValidation(t *testing.T) {
	tests := []struct {
		name     string
		params   StartParams
		wantCode apierr.Code
	}{
		{
			name:     "empty prompt",
			params:   StartParams{Prompt: "   ", Options: agent.Options{Cwd: "/tmp"}},
			wantCode: apierr.CodeInvalidArgument,
		},
		{
			name:     "missing cwd",
			params:   StartParams{Prompt: "hi"},
			wantCode: apierr.CodeInvalidArgument,
		},
		{
			name: "bypass permissions gated",
			params: StartParams{
				Prompt:  "hi",
				Options: agent.Options{Cwd: "/tmp", PermissionMode: "bypassPermissions"},
			},
			wantCode: apierr.CodePermissionDenied,
		},
		{
			name: "invalid output format",
			params: StartParams{
				Prompt:  "hi",
				Options: agent.Options{Cwd: "/tmp", OutputFormat: map[string]any{"type": 123}},
			},
			wantCode: apierr.CodeInvalidArgument,
		},
	}

	o, _ := newTestOrchestrator(t, testutil.NewTestConfig(t), testutil.NewScriptedLauncher(testutil.Script{}))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Start(context.Background(), tt.params)
			if !apierr.HasCode(err, tt.wantCode) {
				t.Errorf("error = %v, want code %s", err, tt.wantCode)
			}
		})
	}
}

func TestStartBypassAllowedByPolicy(t *testing.T) {
	sid := testutil.NewSessionID()
	launcher := testutil.NewScriptedLauncher(testutil.Script{
		{Emit: testutil.InitMessage(sid)},
		{Emit: testutil.SuccessResult(sid, "done", 1, 0)},
	})
	cfg := testutil.NewTestConfig(t)
	cfg.AllowBypassPermissions = true
	o, _ := newTestOrchestrator(t, cfg, launcher)

	opts := testutil.NewTestOptions(t)
	opts.PermissionMode = "bypassPermissions"
	if _, err := o.Start(context.Background(), StartParams{Prompt: "hi", Options: opts}); err != nil {
		t.Fatalf("Start with permitted bypass mode: %v", err)
	}
}

func TestReplyResumesIdleSession(t *testing.T) {
	sid := testutil.NewSessionID()
	launcher := testutil.NewScriptedLauncher(testutil.Script{
		{Emit: testutil.InitMessage(sid)},
		{Emit: testutil.SuccessResult(sid, "second turn", 1, 0)},
	})
	o, mgr := newTestOrchestrator(t, testutil.NewTestConfig(t), launcher)
	idleSession(t, mgr, sid)

	res, err := o.Reply(context.Background(), ReplyParams{SessionID: sid, Prompt: "continue"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if res.SessionID != sid {
		t.Errorf("SessionID = %q, want %q", res.SessionID, sid)
	}

	waitStatus(t, mgr, sid, session.StatusIdle)
	if launcher.Launches[0].Resume != sid {
		t.Errorf("launch Resume = %q, want %q", launcher.Launches[0].Resume, sid)
	}
	if launcher.Launches[0].ForkSession {
		t.Errorf("plain reply must not fork")
	}
	if stored := mgr.StoredResult(sid); stored == nil || stored.Result != "second turn" {
		t.Errorf("stored result = %+v", stored)
	}
}

func TestReplyToBusySession(t *testing.T) {
	o, mgr := newTestOrchestrator(t, testutil.NewTestConfig(t), testutil.NewScriptedLauncher(testutil.Script{}))
	sid := testutil.NewSessionID()
	mgr.CreateFromInit(sid, testutil.NewTestOptions(t), session.NewCancelHandle())

	_, err := o.Reply(context.Background(), ReplyParams{SessionID: sid, Prompt: "again"})
	if !apierr.HasCode(err, apierr.CodeSessionBusy) {
		t.Errorf("error = %v, want SESSION_BUSY", err)
	}
}

func TestReplyToCancelledSession(t *testing.T) {
	o, mgr := newTestOrchestrator(t, testutil.NewTestConfig(t), testutil.NewScriptedLauncher(testutil.Script{}))
	sid := testutil.NewSessionID()
	mgr.CreateFromInit(sid, testutil.NewTestOptions(t), session.NewCancelHandle())
	if err := mgr.Cancel(sid); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	_, err := o.Reply(context.Background(), ReplyParams{SessionID: sid, Prompt: "again"})
	if !apierr.HasCode(err, apierr.CodeCancelled) {
		t.Errorf("error = %v, want CANCELLED", err)
	}
}

func TestReplyDiskResumeGating(t *testing.T) {
	sid := testutil.NewSessionID()
	secret := "resume-secret"

	tests := []struct {
		name     string
		cfg      func(*config.Config)
		params   ReplyParams
		wantCode apierr.Code
	}{
		{
			name:     "feature disabled",
			cfg:      func(c *config.Config) {},
			params:   ReplyParams{SessionID: sid, Prompt: "hi"},
			wantCode: apierr.CodeSessionNotFound,
		},
		{
			name:     "no secret configured",
			cfg:      func(c *config.Config) { c.DiskResumeEnabled = true },
			params:   ReplyParams{SessionID: sid, Prompt: "hi"},
			wantCode: apierr.CodePermissionDenied,
		},
		{
			name: "bad token",
			cfg: func(c *config.Config) {
				c.DiskResumeEnabled = true
				c.ResumeSecret = secret
			},
			params:   ReplyParams{SessionID: sid, Prompt: "hi", ResumeToken: "forged"},
			wantCode: apierr.CodePermissionDenied,
		},
		{
			name: "missing cwd",
			cfg: func(c *config.Config) {
				c.DiskResumeEnabled = true
				c.ResumeSecret = secret
			},
			params: ReplyParams{
				SessionID:   sid,
				Prompt:      "hi",
				ResumeToken: token.Compute(secret, sid),
			},
			wantCode: apierr.CodeInvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testutil.NewTestConfig(t)
			tt.cfg(cfg)
			o, _ := newTestOrchestrator(t, cfg, testutil.NewScriptedLauncher(testutil.Script{}))
			_, err := o.Reply(context.Background(), tt.params)
			if !apierr.HasCode(err, tt.wantCode) {
				t.Errorf("error = %v, want code %s", err, tt.wantCode)
			}
		})
	}
}

func TestReplyDiskResumeRunsTranscript(t *testing.T) {
	sid := testutil.NewSessionID()
	secret := "resume-secret"
	launcher := testutil.NewScriptedLauncher(testutil.Script{
		{Emit: testutil.InitMessage(sid)},
		{Emit: testutil.SuccessResult(sid, "resumed", 1, 0)},
	})
	cfg := testutil.NewTestConfig(t)
	cfg.DiskResumeEnabled = true
	cfg.ResumeSecret = secret
	o, mgr := newTestOrchestrator(t, cfg, launcher)

	res, err := o.Reply(context.Background(), ReplyParams{
		SessionID:   sid,
		Prompt:      "pick it back up",
		ResumeToken: token.Compute(secret, sid),
		Cwd:         t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if res.SessionID != sid {
		t.Errorf("SessionID = %q, want %q", res.SessionID, sid)
	}

	waitStatus(t, mgr, sid, session.StatusIdle)
	if launcher.Launches[0].Resume != sid {
		t.Errorf("disk resume launch Resume = %q, want %q", launcher.Launches[0].Resume, sid)
	}
}

func TestReplyForkCreatesNewSession(t *testing.T) {
	origID := testutil.NewSessionID()
	forkID := testutil.NewSessionID()
	launcher := testutil.NewScriptedLauncher(testutil.Script{
		{Emit: testutil.InitMessage(forkID)},
		{Emit: testutil.SuccessResult(forkID, "branched", 4, 0.1)},
	})
	o, mgr := newTestOrchestrator(t, testutil.NewTestConfig(t), launcher)
	idleSession(t, mgr, origID)

	res, err := o.Reply(context.Background(), ReplyParams{SessionID: origID, Prompt: "branch here", Fork: true})
	if err != nil {
		t.Fatalf("Reply fork: %v", err)
	}
	if res.SessionID != forkID {
		t.Errorf("fork SessionID = %q, want %q", res.SessionID, forkID)
	}

	// The original is released as soon as the fork's init arrived.
	rec, _ := mgr.Get(origID)
	if rec.Status != session.StatusIdle {
		t.Errorf("original status = %s, want idle", rec.Status)
	}
	if !mgr.Exists(forkID) {
		t.Fatalf("fork session not registered")
	}
	if launcher.Launches[0].Resume != origID || !launcher.Launches[0].ForkSession {
		t.Errorf("fork launch = %+v, want Resume=%s ForkSession=true", launcher.Launches[0], origID)
	}

	// Fork totals belong to the new session only.
	waitStatus(t, mgr, forkID, session.StatusIdle)
	forkRec, _ := mgr.Get(forkID)
	if forkRec.TotalTurns != 4 {
		t.Errorf("fork TotalTurns = %d, want 4", forkRec.TotalTurns)
	}
	origRec, _ := mgr.Get(origID)
	if origRec.TotalTurns != 0 {
		t.Errorf("original TotalTurns = %d, want 0", origRec.TotalTurns)
	}
}

func TestReplyForkWithoutNewIDFails(t *testing.T) {
	origID := testutil.NewSessionID()
	launcher := testutil.NewScriptedLauncher(testutil.Script{
		// The agent answers with the original ID instead of a fresh one.
		{Emit: testutil.InitMessage(origID)},
		{Emit: testutil.SuccessResult(origID, "no branch", 1, 0)},
	})
	o, mgr := newTestOrchestrator(t, testutil.NewTestConfig(t), launcher)
	idleSession(t, mgr, origID)

	_, err := o.Reply(context.Background(), ReplyParams{SessionID: origID, Prompt: "branch", Fork: true})
	if !apierr.HasCode(err, apierr.CodeInternal) {
		t.Errorf("error = %v, want INTERNAL", err)
	}

	rec, _ := mgr.Get(origID)
	if rec.Status != session.StatusIdle {
		t.Errorf("original status = %s, want idle after failed fork", rec.Status)
	}
}

func TestSessionActions(t *testing.T) {
	o, mgr := newTestOrchestrator(t, testutil.NewTestConfig(t), testutil.NewScriptedLauncher(testutil.Script{}))
	sid := testutil.NewSessionID()
	mgr.CreateFromInit(sid, testutil.NewTestOptions(t), session.NewCancelHandle())

	ctx := context.Background()

	list, err := o.SessionAction(ctx, SessionParams{Action: "list"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Sessions) != 1 || list.Sessions[0].SessionID != sid {
		t.Errorf("list = %+v", list.Sessions)
	}

	got, err := o.SessionAction(ctx, SessionParams{Action: "get", SessionID: sid})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Session == nil || got.Session.SessionID != sid {
		t.Errorf("get = %+v", got.Session)
	}

	if _, err := o.SessionAction(ctx, SessionParams{Action: "get", SessionID: "nope"}); !apierr.HasCode(err, apierr.CodeSessionNotFound) {
		t.Errorf("get missing = %v, want SESSION_NOT_FOUND", err)
	}

	cancelled, err := o.SessionAction(ctx, SessionParams{Action: "cancel", SessionID: sid})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Session.Status != session.StatusCancelled {
		t.Errorf("cancel status = %s", cancelled.Session.Status)
	}

	if _, err := o.SessionAction(ctx, SessionParams{Action: "destroy"}); !apierr.HasCode(err, apierr.CodeInvalidArgument) {
		t.Errorf("unknown action = %v, want INVALID_ARGUMENT", err)
	}
}
