package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.SessionTTL != DefaultSessionTTL {
		t.Errorf("SessionTTL = %s, want %s", cfg.SessionTTL, DefaultSessionTTL)
	}
	if cfg.PermissionTimeout != DefaultPermissionTimeout {
		t.Errorf("PermissionTimeout = %s, want %s", cfg.PermissionTimeout, DefaultPermissionTimeout)
	}
	if cfg.DiskResumeEnabled || cfg.AllowBypassPermissions || cfg.AllowSensitiveDetails {
		t.Errorf("feature gates enabled by default: %+v", cfg)
	}
	if cfg.LaunchRatePerSec != DefaultLaunchRatePerSec || cfg.LaunchBurst != DefaultLaunchBurst {
		t.Errorf("rate limits = %v/%d", cfg.LaunchRatePerSec, cfg.LaunchBurst)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv(EnvSessionTTLMs, "5000")
	t.Setenv(EnvPermissionTimeoutMs, " 1500 ")
	t.Setenv(EnvEnableDiskResume, "1")
	t.Setenv(EnvResumeSecret, "  hunter2  ")
	t.Setenv(EnvAllowBypassPermissions, "TRUE")
	t.Setenv(EnvLaunchRatePerSec, "2.5")

	cfg := Load()
	if cfg.SessionTTL != 5*time.Second {
		t.Errorf("SessionTTL = %s, want 5s", cfg.SessionTTL)
	}
	if cfg.PermissionTimeout != 1500*time.Millisecond {
		t.Errorf("PermissionTimeout = %s, want 1.5s", cfg.PermissionTimeout)
	}
	if !cfg.DiskResumeEnabled {
		t.Errorf("DiskResumeEnabled = false")
	}
	if cfg.ResumeSecret != "hunter2" {
		t.Errorf("ResumeSecret = %q, want trimmed value", cfg.ResumeSecret)
	}
	if !cfg.AllowBypassPermissions {
		t.Errorf("AllowBypassPermissions = false for TRUE")
	}
	if cfg.LaunchRatePerSec != 2.5 {
		t.Errorf("LaunchRatePerSec = %v", cfg.LaunchRatePerSec)
	}
}

func TestLoadFallsBackOnInvalidValues(t *testing.T) {
	t.Setenv(EnvSessionTTLMs, "not-a-number")
	t.Setenv(EnvRunningSessionMaxMs, "-100")
	t.Setenv(EnvSweepIntervalMs, "0")
	t.Setenv(EnvEnableDiskResume, "yes please")
	t.Setenv(EnvLaunchBurst, "zero")

	cfg := Load()
	if cfg.SessionTTL != DefaultSessionTTL {
		t.Errorf("SessionTTL = %s, want default on garbage", cfg.SessionTTL)
	}
	if cfg.RunningSessionMax != DefaultRunningSessionMax {
		t.Errorf("RunningSessionMax = %s, want default on negative", cfg.RunningSessionMax)
	}
	if cfg.SweepInterval != DefaultSweepInterval {
		t.Errorf("SweepInterval = %s, want default on zero", cfg.SweepInterval)
	}
	if cfg.DiskResumeEnabled {
		t.Errorf("DiskResumeEnabled = true for a non-flag value")
	}
	if cfg.LaunchBurst != DefaultLaunchBurst {
		t.Errorf("LaunchBurst = %d, want default", cfg.LaunchBurst)
	}
}
