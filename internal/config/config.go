// Package config loads the environment-driven runtime configuration.
//
// All knobs have safe defaults; invalid values fall back rather than fail so
// a malformed environment never prevents the server from starting.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names.
const (
	EnvSessionTTLMs            = "AGENTMUX_SESSION_TTL_MS"
	EnvRunningSessionMaxMs     = "AGENTMUX_RUNNING_SESSION_MAX_MS"
	EnvSweepIntervalMs         = "AGENTMUX_SWEEP_INTERVAL_MS"
	EnvEnableDiskResume        = "AGENTMUX_ENABLE_DISK_RESUME"
	EnvResumeSecret            = "AGENTMUX_RESUME_SECRET"
	EnvAllowBypassPermissions  = "AGENTMUX_ALLOW_BYPASS_PERMISSIONS"
	EnvAllowSensitiveDetails   = "AGENTMUX_ALLOW_SENSITIVE_DETAILS"
	EnvAuditDB                 = "AGENTMUX_AUDIT_DB"
	EnvPermissionTimeoutMs     = "AGENTMUX_PERMISSION_TIMEOUT_MS"
	EnvSessionInitTimeoutMs    = "AGENTMUX_SESSION_INIT_TIMEOUT_MS"
	EnvLaunchRatePerSec        = "AGENTMUX_LAUNCH_RATE_PER_SEC"
	EnvLaunchBurst             = "AGENTMUX_LAUNCH_BURST"
)

// Defaults.
const (
	DefaultSessionTTL        = 30 * time.Minute
	DefaultRunningSessionMax = 4 * time.Hour
	DefaultSweepInterval     = 60 * time.Second
	DefaultPermissionTimeout = 60 * time.Second
	DefaultInitTimeout       = 30 * time.Second
	DefaultLaunchRatePerSec  = 5.0
	DefaultLaunchBurst       = 10
)

// Config holds the process-wide runtime configuration. It is read once at
// startup and injected into the components that need it, so tests can
// substitute values without touching the environment.
type Config struct {
	SessionTTL        time.Duration
	RunningSessionMax time.Duration
	SweepInterval     time.Duration
	PermissionTimeout time.Duration
	InitTimeout       time.Duration

	DiskResumeEnabled bool
	ResumeSecret      string

	AllowBypassPermissions bool
	AllowSensitiveDetails  bool

	AuditDBPath string

	LaunchRatePerSec float64
	LaunchBurst      int
}

// Load reads the configuration from the process environment.
func Load() *Config {
	return &Config{
		SessionTTL:        positiveMillis(EnvSessionTTLMs, DefaultSessionTTL),
		RunningSessionMax: positiveMillis(EnvRunningSessionMaxMs, DefaultRunningSessionMax),
		SweepInterval:     positiveMillis(EnvSweepIntervalMs, DefaultSweepInterval),
		PermissionTimeout: positiveMillis(EnvPermissionTimeoutMs, DefaultPermissionTimeout),
		InitTimeout:       positiveMillis(EnvSessionInitTimeoutMs, DefaultInitTimeout),

		DiskResumeEnabled: os.Getenv(EnvEnableDiskResume) == "1",
		ResumeSecret:      strings.TrimSpace(os.Getenv(EnvResumeSecret)),

		AllowBypassPermissions: boolValue(EnvAllowBypassPermissions),
		AllowSensitiveDetails:  boolValue(EnvAllowSensitiveDetails),

		AuditDBPath: os.Getenv(EnvAuditDB),

		LaunchRatePerSec: positiveFloat(EnvLaunchRatePerSec, DefaultLaunchRatePerSec),
		LaunchBurst:      positiveInt(EnvLaunchBurst, DefaultLaunchBurst),
	}
}

// Default returns the configuration with every knob at its default value.
func Default() *Config {
	return &Config{
		SessionTTL:        DefaultSessionTTL,
		RunningSessionMax: DefaultRunningSessionMax,
		SweepInterval:     DefaultSweepInterval,
		PermissionTimeout: DefaultPermissionTimeout,
		InitTimeout:       DefaultInitTimeout,
		LaunchRatePerSec:  DefaultLaunchRatePerSec,
		LaunchBurst:       DefaultLaunchBurst,
	}
}

// positiveMillis parses an environment variable as a positive integer
// millisecond count, falling back to def on absence or invalid input.
func positiveMillis(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func positiveInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func positiveFloat(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func boolValue(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
