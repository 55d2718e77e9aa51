package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/stackmill/agentmux/internal/agent"
	"github.com/stackmill/agentmux/internal/audit"
	"github.com/stackmill/agentmux/internal/config"
	"github.com/stackmill/agentmux/internal/logger"
	"github.com/stackmill/agentmux/internal/mcp"
	"github.com/stackmill/agentmux/internal/orchestrator"
	"github.com/stackmill/agentmux/internal/runner"
	"github.com/stackmill/agentmux/internal/session"
	"github.com/stackmill/agentmux/internal/tools"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	var (
		addr     = flag.String("addr", ":8377", "HTTP listen address for the MCP endpoint")
		stdio    = flag.Bool("stdio", false, "serve MCP over stdin/stdout instead of HTTP")
		agentBin = flag.String("agent-bin", "claude", "agent CLI binary to launch sessions with")
		logDir   = flag.String("log-dir", defaultLogDir(), "directory for server log files")
		version  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("agentmux %s\n", Version)
		return
	}

	if err := logger.Init(*logDir); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	cfg := config.Load()

	auditLogger := audit.Default()
	if cfg.AuditDBPath != "" {
		store, err := audit.OpenStore(cfg.AuditDBPath)
		if err != nil {
			logger.Fatalf("failed to open audit database: %v", err)
		}
		defer store.Close()
		auditLogger.AttachStore(store)
	}

	mgr := session.NewManager(cfg, auditLogger)
	toolCache := tools.NewCache()
	launcher := agent.NewCLILauncher(*agentBin)
	consumer := runner.New(mgr, launcher, cfg, toolCache)
	orch := orchestrator.New(mgr, consumer, cfg, toolCache, auditLogger)
	srv := mcp.NewServer(orch, mgr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *stdio {
		if err := srv.ServeStdio(ctx); err != nil {
			logger.Error("stdio server exited: %v", err)
		}
		srv.Close()
		return
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(*addr) }()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, stopping")
	case err := <-errCh:
		logger.Error("HTTP server exited: %v", err)
	}
	srv.Close()
}

func defaultLogDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.agentmux/logs"
	}
	return "./logs"
}
