package agent

// options.go - launch configuration snapshot

// AgentDefinition describes a named subagent available to the run.
type AgentDefinition struct {
	Description string   `json:"description"`
	Prompt      string   `json:"prompt"`
	Tools       []string `json:"tools,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// Options is the full launch configuration for one agent run. The zero value
// of every field means "agent default". The struct is copied when a session
// is created and the copy is reused verbatim for replies and retries.
type Options struct {
	Cwd                     string                     `json:"cwd"`
	Model                   string                     `json:"model,omitempty"`
	FallbackModel           string                     `json:"fallbackModel,omitempty"`
	PermissionMode          string                     `json:"permissionMode,omitempty"`
	AllowedTools            []string                   `json:"allowedTools,omitempty"`
	DisallowedTools         []string                   `json:"disallowedTools,omitempty"`
	Tools                   any                        `json:"tools,omitempty"`
	MaxTurns                int                        `json:"maxTurns,omitempty"`
	SystemPrompt            any                        `json:"systemPrompt,omitempty"`
	Agents                  map[string]AgentDefinition `json:"agents,omitempty"`
	MaxBudgetUSD            float64                    `json:"maxBudgetUsd,omitempty"`
	Effort                  string                     `json:"effort,omitempty"`
	Betas                   []string                   `json:"betas,omitempty"`
	AdditionalDirectories   []string                   `json:"additionalDirectories,omitempty"`
	OutputFormat            map[string]any             `json:"outputFormat,omitempty"`
	Thinking                any                        `json:"thinking,omitempty"`
	PersistSession          *bool                      `json:"persistSession,omitempty"`
	PathToExecutable        string                     `json:"pathToExecutable,omitempty"`
	Agent                   string                     `json:"agent,omitempty"`
	MCPServers              map[string]any             `json:"mcpServers,omitempty"`
	Sandbox                 any                        `json:"sandbox,omitempty"`
	EnableFileCheckpointing bool                       `json:"enableFileCheckpointing,omitempty"`
	IncludePartialMessages  bool                       `json:"includePartialMessages,omitempty"`
	StrictMCPConfig         bool                       `json:"strictMcpConfig,omitempty"`
	SettingSources          []string                   `json:"settingSources,omitempty"`
	Debug                   bool                       `json:"debug,omitempty"`
	DebugFile               string                     `json:"debugFile,omitempty"`
	Env                     map[string]string          `json:"env,omitempty"`

	// Resume and ForkSession steer continuation of an existing agent
	// transcript; they are set per launch, not carried in the session config.
	Resume      string `json:"resume,omitempty"`
	ForkSession bool   `json:"forkSession,omitempty"`
}

// Clone returns a shallow copy with the per-launch continuation fields
// cleared, suitable for storing as a session's config snapshot.
func (o Options) Clone() Options {
	c := o
	c.Resume = ""
	c.ForkSession = false
	return c
}

// ToolAllowed reports whether toolName passes the allow/deny lists. An empty
// allow list permits everything not explicitly disallowed.
func (o *Options) ToolAllowed(toolName string) bool {
	for _, d := range o.DisallowedTools {
		if d == toolName {
			return false
		}
	}
	if len(o.AllowedTools) == 0 {
		return true
	}
	for _, a := range o.AllowedTools {
		if a == toolName {
			return true
		}
	}
	return false
}

// ToolDisallowed reports whether toolName is explicitly disallowed.
func (o *Options) ToolDisallowed(toolName string) bool {
	for _, d := range o.DisallowedTools {
		if d == toolName {
			return true
		}
	}
	return false
}

// ToolExplicitlyAllowed reports whether toolName appears in the allow list.
func (o *Options) ToolExplicitlyAllowed(toolName string) bool {
	for _, a := range o.AllowedTools {
		if a == toolName {
			return true
		}
	}
	return false
}
