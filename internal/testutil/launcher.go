package testutil

// launcher.go - scripted fakes for agent.Launcher and agent.Query
//
// A ScriptedLauncher plays back a fixed sequence of steps per launch:
// messages to emit, permission prompts to raise through the canUseTool
// callback, and a final stream disposition (clean end or error). Launches
// beyond the script reuse its last entry, which lets retry paths be tested
// with per-attempt scripts.

import (
	"context"
	"io"
	"sync"

	"github.com/stackmill/agentmux/internal/agent"
)

// Step is one scripted stream action.
type Step struct {
	// Emit delivers this message to the consumer.
	Emit *agent.Message

	// AskPermission invokes canUseTool with the tool name and input and
	// stores the decision in the launcher's Decisions log.
	AskPermission *PermissionAsk

	// Fail ends the stream with this error.
	Fail error

	// End ends the stream cleanly (io.EOF).
	End bool
}

// PermissionAsk describes a scripted canUseTool invocation.
type PermissionAsk struct {
	ToolName string
	Input    map[string]any
	Opts     agent.CanUseToolOptions
}

// Script is the step sequence for one launch.
type Script []Step

// ScriptedLauncher is a fake agent.Launcher.
type ScriptedLauncher struct {
	mu      sync.Mutex
	scripts []Script
	next    int

	// Launches records the options of every launch, in order.
	Launches []agent.Options
	// Prompts records the prompt of every launch, in order.
	Prompts []string
	// Decisions records every permission decision returned to a scripted ask.
	Decisions []agent.PermissionDecision
}

var _ agent.Launcher = (*ScriptedLauncher)(nil)

// NewScriptedLauncher creates a launcher playing the given per-launch scripts.
func NewScriptedLauncher(scripts ...Script) *ScriptedLauncher {
	return &ScriptedLauncher{scripts: scripts}
}

// Launch pops the next script and returns a query playing it back.
func (l *ScriptedLauncher) Launch(ctx context.Context, prompt string, opts agent.Options, canUseTool agent.CanUseToolFunc) (agent.Query, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.Launches = append(l.Launches, opts)
	l.Prompts = append(l.Prompts, prompt)

	idx := l.next
	if idx >= len(l.scripts) {
		idx = len(l.scripts) - 1
	}
	l.next++

	return &scriptedQuery{
		launcher:   l,
		ctx:        ctx,
		steps:      l.scripts[idx],
		canUseTool: canUseTool,
		closed:     make(chan struct{}),
	}, nil
}

// LaunchCount returns how many launches happened.
func (l *ScriptedLauncher) LaunchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Launches)
}

func (l *ScriptedLauncher) recordDecision(d agent.PermissionDecision) {
	l.mu.Lock()
	l.Decisions = append(l.Decisions, d)
	l.mu.Unlock()
}

type scriptedQuery struct {
	launcher   *ScriptedLauncher
	ctx        context.Context
	steps      Script
	pos        int
	canUseTool agent.CanUseToolFunc

	closeOnce  sync.Once
	closed     chan struct{}
	interrupts int
	mu         sync.Mutex
}

var _ agent.Query = (*scriptedQuery)(nil)

func (q *scriptedQuery) Next(ctx context.Context) (*agent.Message, error) {
	for {
		select {
		case <-q.closed:
			return nil, agent.ErrAborted
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ctx.Done():
			return nil, agent.ErrAborted
		default:
		}

		if q.pos >= len(q.steps) {
			return nil, io.EOF
		}
		step := q.steps[q.pos]
		q.pos++

		switch {
		case step.Emit != nil:
			return step.Emit, nil
		case step.AskPermission != nil:
			ask := step.AskPermission
			opts := ask.Opts
			if opts.Signal == nil {
				opts.Signal = q.ctx
			}
			decision := q.canUseTool(ctx, ask.ToolName, ask.Input, opts)
			q.launcher.recordDecision(decision)
		case step.Fail != nil:
			return nil, step.Fail
		case step.End:
			return nil, io.EOF
		}
	}
}

func (q *scriptedQuery) Interrupt() error {
	q.mu.Lock()
	q.interrupts++
	q.mu.Unlock()
	return nil
}

func (q *scriptedQuery) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
