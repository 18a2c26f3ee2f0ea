// MEW gateway server — hosts one space over WebSocket, enforces
// capabilities, and audit-logs every admitted envelope.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mew-protocol/mew-go/pkg/audit"
	"github.com/mew-protocol/mew-go/pkg/config"
	"github.com/mew-protocol/mew-go/pkg/gateway"
	"github.com/mew-protocol/mew-go/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("MEW_CONFIG", "space.yaml"),
		"Path to the space configuration file")
	listenAddr := flag.String("listen", "",
		"HTTP listen address (overrides the config file)")
	auditPath := flag.String("log", "",
		"Audit log path (overrides the config file)")
	flag.Parse()

	// Load .env from the config file's directory so {{.VAR}} references in
	// the YAML (participant tokens, mostly) resolve.
	envPath := filepath.Join(filepath.Dir(*configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "path", envPath)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load space configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Gateway.ListenAddr = *listenAddr
	}
	if *auditPath != "" {
		cfg.Gateway.AuditLog = *auditPath
	}

	slog.Info("Starting MEW gateway",
		"space", cfg.Space,
		"participants", len(cfg.Participants),
		"listen", cfg.Gateway.ListenAddr,
		"audit_log", cfg.Gateway.AuditLog,
		"version", version.GitCommit)

	auditLog, err := audit.NewWriter(cfg.Gateway.AuditLog, 0)
	if err != nil {
		slog.Error("Failed to open audit log", "error", err)
		os.Exit(1)
	}

	space := gateway.NewSpace(cfg, auditLog, slog.Default())
	server := gateway.NewServer(space, cfg)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening", "addr", cfg.Gateway.ListenAddr)
		if err := server.Start(cfg.Gateway.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server error triggered shutdown", "error", err)
		exitCode = 1
	case <-auditLog.Fatal():
		slog.Error("Audit log failure triggered shutdown", "error", auditLog.Err())
		exitCode = 1
	}

	// Graceful drain: close sessions (flushing their mailboxes), stop the
	// listener, then flush the audit queue.
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Gateway.DrainTimeout+5*time.Second)
	defer cancel()

	if err := space.Close(shutdownCtx); err != nil {
		slog.Error("Space close error", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	if err := auditLog.Close(shutdownCtx); err != nil {
		slog.Error("Audit log close error", "error", err)
		exitCode = 1
	}

	slog.Info("Shutdown complete")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
