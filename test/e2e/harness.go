// Package e2e provides end-to-end test infrastructure: a gateway on a real
// listener, runtime clients over live WebSockets, and the audit log on disk.
package e2e

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mew-protocol/mew-go/pkg/audit"
	"github.com/mew-protocol/mew-go/pkg/capability"
	"github.com/mew-protocol/mew-go/pkg/client"
	"github.com/mew-protocol/mew-go/pkg/config"
	"github.com/mew-protocol/mew-go/pkg/envelope"
	"github.com/mew-protocol/mew-go/pkg/gateway"
)

// TestSpace boots a complete gateway instance for e2e testing.
type TestSpace struct {
	Config    *config.SpaceConfig
	Space     *gateway.Space
	Server    *gateway.Server
	AuditPath string
	BaseURL   string // e.g. "http://127.0.0.1:54321"

	t *testing.T
}

// testSpaceConfig holds options accumulated before creating the TestSpace.
type testSpaceConfig struct {
	space        string
	queueSize    int
	participants map[string]config.ParticipantConfig
}

// TestSpaceOption configures the test space.
type TestSpaceOption func(*testSpaceConfig)

// WithParticipant adds a participant to the space roster. Its token is
// derived as "<identity>-token".
func WithParticipant(identity string, caps capability.Set) TestSpaceOption {
	return func(c *testSpaceConfig) {
		c.participants[identity] = config.ParticipantConfig{
			Tokens:       []string{identity + "-token"},
			Capabilities: caps,
		}
	}
}

// WithQueueSize caps every session's outbound mailbox.
func WithQueueSize(n int) TestSpaceOption {
	return func(c *testSpaceConfig) { c.queueSize = n }
}

// NewTestSpace creates and starts a gateway on a random port. Shutdown is
// registered via t.Cleanup automatically.
func NewTestSpace(t *testing.T, opts ...TestSpaceOption) *TestSpace {
	t.Helper()

	tc := &testSpaceConfig{
		space:        "e2e",
		queueSize:    64,
		participants: make(map[string]config.ParticipantConfig),
	}
	for _, opt := range opts {
		opt(tc)
	}

	settings := config.DefaultGatewaySettings()
	settings.QueueSize = tc.queueSize
	settings.DrainTimeout = time.Second
	settings.WriteTimeout = 2 * time.Second
	cfg := &config.SpaceConfig{
		Space:        tc.space,
		Participants: tc.participants,
		Gateway:      settings,
	}

	auditPath := filepath.Join(t.TempDir(), "audit.ndjson")
	log, err := audit.NewWriter(auditPath, 256)
	require.NoError(t, err)

	space := gateway.NewSpace(cfg, log, quietLogger())
	server := gateway.NewServer(space, cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			t.Logf("gateway server stopped: %v", err)
		}
	}()

	ts := &TestSpace{
		Config:    cfg,
		Space:     space,
		Server:    server,
		AuditPath: auditPath,
		BaseURL:   fmt.Sprintf("http://%s", ln.Addr().String()),
		t:         t,
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = space.Close(ctx)
		_ = server.Shutdown(ctx)
		_ = log.Close(ctx)
	})
	return ts
}

// Join connects a runtime client as the given participant.
func (ts *TestSpace) Join(identity string, mods ...func(*client.Options)) *client.Client {
	ts.t.Helper()
	opts := client.Options{
		GatewayURL:     ts.BaseURL,
		Space:          ts.Config.Space,
		Identity:       identity,
		Token:          identity + "-token",
		Logger:         quietLogger(),
		RequestTimeout: 5 * time.Second,
	}
	for _, m := range mods {
		m(&opts)
	}
	c, err := client.New(opts)
	require.NoError(ts.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(ts.t, c.Connect(ctx))
	ts.t.Cleanup(func() { _ = c.Close() })
	return c
}

// AuditEntries reads the audit log as currently flushed to disk.
func (ts *TestSpace) AuditEntries() []audit.Entry {
	ts.t.Helper()
	entries, err := audit.ReadFile(ts.AuditPath)
	require.NoError(ts.t, err)
	return entries
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// watch buffers every envelope a client dispatches to handlers.
func watch(c *client.Client) <-chan *envelope.Envelope {
	ch := make(chan *envelope.Envelope, 64)
	c.OnMessage(func(e *envelope.Envelope) {
		select {
		case ch <- e:
		default:
		}
	})
	return ch
}

// nextKind waits for the next envelope of the given kind, skipping others.
func nextKind(t *testing.T, ch <-chan *envelope.Envelope, kind string) *envelope.Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s envelope", kind)
			return nil
		}
	}
}

// collectKind gathers envelopes of one kind until want are in hand.
func collectKind(t *testing.T, ch <-chan *envelope.Envelope, kind string, want int) []*envelope.Envelope {
	t.Helper()
	var out []*envelope.Envelope
	deadline := time.After(5 * time.Second)
	for len(out) < want {
		select {
		case e := <-ch:
			if e.Kind == kind {
				out = append(out, e)
			}
		case <-deadline:
			t.Fatalf("collected %d of %d %s envelopes before timeout", len(out), want, kind)
			return nil
		}
	}
	return out
}
