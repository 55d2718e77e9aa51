package agent

// cli.go - subprocess launcher speaking NDJSON over stdin/stdout
//
// The CLI launcher spawns the agent binary in stream-json mode. Agent
// messages arrive as NDJSON on stdout; permission prompts arrive as
// control_request lines and are answered on stdin after consulting the
// canUseTool callback.

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/stackmill/agentmux/internal/logger"
)

// maxScanTokenSize bounds a single NDJSON line from the agent.
const maxScanTokenSize = 8 * 1024 * 1024

// CLILauncher launches agent runs as subprocesses of the given binary.
type CLILauncher struct {
	// Binary is the agent executable. Options.PathToExecutable overrides it
	// per launch when set.
	Binary string

	// BaseEnv is the environment inherited by every launch; Options.Env
	// entries are layered on top.
	BaseEnv []string
}

// NewCLILauncher returns a launcher for the given agent binary using the
// current process environment as the base.
func NewCLILauncher(binary string) *CLILauncher {
	return &CLILauncher{Binary: binary, BaseEnv: os.Environ()}
}

// Launch spawns the agent process and returns a Query over its stream.
func (l *CLILauncher) Launch(ctx context.Context, prompt string, opts Options, canUseTool CanUseToolFunc) (Query, error) {
	binary := l.Binary
	if opts.PathToExecutable != "" {
		binary = opts.PathToExecutable
	}
	if binary == "" {
		return nil, fmt.Errorf("no agent binary configured")
	}

	args := buildArgs(prompt, &opts)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(runCtx, binary, args...)
	cmd.Dir = opts.Cwd
	cmd.Env = mergeEnv(l.BaseEnv, opts.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open agent stdout: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	q := &cliQuery{
		cmd:        cmd,
		stdin:      stdin,
		cancel:     cancel,
		canUseTool: canUseTool,
		msgCh:      make(chan *Message, 100),
		errCh:      make(chan error, 1),
		doneCh:     make(chan struct{}),
	}
	q.ctx = runCtx
	go q.readLoop(stdout)
	return q, nil
}

// buildArgs assembles the CLI flag set from the launch options.
func buildArgs(prompt string, opts *Options) []string {
	args := []string{
		"--print", prompt,
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.FallbackModel != "" {
		args = append(args, "--fallback-model", opts.FallbackModel)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(opts.DisallowedTools, ","))
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(opts.MaxBudgetUSD, 'f', -1, 64))
	}
	if opts.Effort != "" {
		args = append(args, "--effort", opts.Effort)
	}
	if opts.Agent != "" {
		args = append(args, "--agent", opts.Agent)
	}
	for _, dir := range opts.AdditionalDirectories {
		args = append(args, "--add-dir", dir)
	}
	for _, beta := range opts.Betas {
		args = append(args, "--beta", beta)
	}
	if len(opts.SettingSources) > 0 {
		args = append(args, "--setting-sources", strings.Join(opts.SettingSources, ","))
	}
	if opts.StrictMCPConfig {
		args = append(args, "--strict-mcp-config")
	}
	if opts.IncludePartialMessages {
		args = append(args, "--include-partial-messages")
	}
	if opts.EnableFileCheckpointing {
		args = append(args, "--enable-file-checkpointing")
	}
	if opts.Debug {
		args = append(args, "--debug")
	}
	if opts.DebugFile != "" {
		args = append(args, "--debug-file", opts.DebugFile)
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	if opts.ForkSession {
		args = append(args, "--fork-session")
	}
	args = appendJSONFlag(args, "--system-prompt", opts.SystemPrompt)
	args = appendJSONFlag(args, "--tools", opts.Tools)
	if opts.OutputFormat != nil {
		args = appendJSONFlag(args, "--output-format-schema", opts.OutputFormat)
	}
	args = appendJSONFlag(args, "--thinking", opts.Thinking)
	args = appendJSONFlag(args, "--sandbox", opts.Sandbox)
	if len(opts.Agents) > 0 {
		if data, err := json.Marshal(opts.Agents); err == nil {
			args = append(args, "--agents", string(data))
		}
	}
	if len(opts.MCPServers) > 0 {
		if data, err := json.Marshal(map[string]any{"mcpServers": opts.MCPServers}); err == nil {
			args = append(args, "--mcp-config", string(data))
		}
	}
	if opts.PersistSession != nil && !*opts.PersistSession {
		args = append(args, "--no-persist-session")
	}
	return args
}

// appendJSONFlag appends flag with value serialized as JSON, passing strings
// through verbatim. Nil values are skipped.
func appendJSONFlag(args []string, flag string, value any) []string {
	if value == nil {
		return args
	}
	if s, ok := value.(string); ok {
		return append(args, flag, s)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return args
	}
	return append(args, flag, string(data))
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(extra))
	merged = append(merged, base...)
	for k, v := range extra {
		merged = append(merged, k+"="+v)
	}
	return merged
}

// cliQuery is the Query over one agent subprocess.
type cliQuery struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	ctx        context.Context
	cancel     context.CancelFunc
	canUseTool CanUseToolFunc

	msgCh  chan *Message
	errCh  chan error
	doneCh chan struct{}

	requestID atomic.Int64
	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ Query = (*cliQuery)(nil)

// Next returns the next agent message, io.EOF at clean stream end, or the
// stream error.
func (q *cliQuery) Next(ctx context.Context) (*Message, error) {
	select {
	case msg, ok := <-q.msgCh:
		if !ok {
			select {
			case err := <-q.errCh:
				return nil, err
			default:
				return nil, io.EOF
			}
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.ctx.Done():
		return nil, ErrAborted
	}
}

// Interrupt sends a control interrupt to the agent.
func (q *cliQuery) Interrupt() error {
	id := q.requestID.Add(1)
	return q.writeLine(map[string]any{
		"type":       "control_request",
		"request_id": fmt.Sprintf("interrupt-%d", id),
		"request":    map[string]any{"subtype": "interrupt"},
	})
}

// Close tears down the subprocess.
func (q *cliQuery) Close() error {
	q.closeOnce.Do(func() {
		_ = q.stdin.Close()
		q.cancel()
		<-q.doneCh
		_ = q.cmd.Wait()
	})
	return nil
}

func (q *cliQuery) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal control message: %w", err)
	}
	data = append(data, '\n')
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	if _, err := q.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to agent stdin: %w", err)
	}
	return nil
}

// readLoop consumes NDJSON lines from the agent stdout, dispatching
// control_request permission prompts and forwarding everything else.
func (q *cliQuery) readLoop(stdout io.Reader) {
	defer close(q.msgCh)
	defer close(q.doneCh)

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, maxScanTokenSize)

	for scanner.Scan() {
		select {
		case <-q.ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := ParseMessage(line)
		if err != nil {
			logger.Error("Failed to parse agent message: %v", err)
			continue
		}

		if msg.Type == "control_request" {
			go q.handleControlRequest(msg)
			continue
		}
		if msg.Type == "control_response" {
			continue
		}

		select {
		case q.msgCh <- msg:
		case <-q.ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case q.errCh <- fmt.Errorf("agent stream ended unexpectedly: %w", err):
		default:
		}
	}
}

// handleControlRequest resolves a can_use_tool prompt via the callback and
// writes the control_response. Unknown subtypes are answered with an error
// so the agent does not hang.
func (q *cliQuery) handleControlRequest(msg *Message) {
	requestID := msg.Str("request_id")
	request, _ := msg.Fields["request"].(map[string]any)
	subtype, _ := request["subtype"].(string)

	if subtype != "can_use_tool" || q.canUseTool == nil {
		_ = q.writeLine(map[string]any{
			"type": "control_response",
			"response": map[string]any{
				"subtype":    "error",
				"request_id": requestID,
				"error":      fmt.Sprintf("unsupported control request: %s", subtype),
			},
		})
		return
	}

	toolName, _ := request["tool_name"].(string)
	input, _ := request["input"].(map[string]any)
	opts := CanUseToolOptions{Signal: q.ctx}
	if s, ok := request["tool_use_id"].(string); ok {
		opts.ToolUseID = s
	}
	if s, ok := request["agent_id"].(string); ok {
		opts.AgentID = s
	}
	if s, ok := request["blocked_path"].(string); ok {
		opts.BlockedPath = s
	}
	if s, ok := request["decision_reason"].(string); ok {
		opts.DecisionReason = s
	}
	if sugg, ok := request["permission_suggestions"].([]any); ok {
		opts.Suggestions = sugg
	}

	decision := q.canUseTool(q.ctx, toolName, input, opts)

	response := map[string]any{
		"subtype":    "success",
		"request_id": requestID,
		"response":   decision,
	}
	_ = q.writeLine(map[string]any{
		"type":     "control_response",
		"response": response,
	})

	if decision.Behavior == PermissionDeny && decision.Interrupt {
		_ = q.Interrupt()
	}
}
