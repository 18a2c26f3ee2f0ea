// MEW bridge — joins a space as a participant and fronts a local MCP stdio
// server, so its tools are callable through mcp/request envelopes.
//
// Usage:
//
//	mew-bridge -gateway ws://localhost:8080 -space demo \
//	    -participant fs -token $MEW_TOKEN -- npx mcp-server-filesystem /data
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mew-protocol/mew-go/pkg/bridge"
	"github.com/mew-protocol/mew-go/pkg/client"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Load .env before flag defaults are computed so MEW_* fallbacks see it.
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment")
	}

	gatewayURL := flag.String("gateway",
		getEnv("MEW_GATEWAY", "ws://localhost:8080"),
		"Gateway URL")
	space := flag.String("space",
		getEnv("MEW_SPACE", ""),
		"Space identifier")
	participant := flag.String("participant",
		getEnv("MEW_PARTICIPANT", ""),
		"Participant identity to join as")
	token := flag.String("token",
		getEnv("MEW_TOKEN", ""),
		"Bearer token (prefer the MEW_TOKEN environment variable)")
	initTimeout := flag.Duration("init-timeout", 30*time.Second,
		"Deadline for the subordinate's handshake and catalog fetch")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		slog.Error("No subordinate command given; pass it after --")
		os.Exit(1)
	}
	if *space == "" || *participant == "" || *token == "" {
		slog.Error("Flags -space, -participant, and -token are required")
		os.Exit(1)
	}

	slog.Info("Starting MEW bridge",
		"gateway", *gatewayURL,
		"space", *space,
		"participant", *participant,
		"command", args[0])

	b, err := bridge.New(bridge.Options{
		Client: client.Options{
			GatewayURL: *gatewayURL,
			Space:      *space,
			Identity:   *participant,
			Token:      *token,
		},
		Subordinate: bridge.Config{
			Command: args[0],
			Args:    args[1:],
		},
		InitTimeout: *initTimeout,
	})
	if err != nil {
		slog.Error("Failed to build bridge", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Bridge stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
