// Package bridge adapts an MCP stdio server into a space participant. It
// spawns the server as a subordinate process, speaks newline-delimited
// JSON-RPC 2.0 over its stdin/stdout, and republishes the server's tool,
// resource, and prompt catalogs through a client runtime so that other
// participants can call them with mcp/request envelopes. The subordinate is
// supervised: crashes are announced on the space and followed by a respawn
// with exponential backoff, while repeated failures to even bring the
// process up latch the bridge fatal.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mew-protocol/mew-go/pkg/client"
	"github.com/mew-protocol/mew-go/pkg/envelope"
)

const (
	restartBase            = time.Second
	restartCap             = 30 * time.Second
	maxConsecutiveFailures = 5
	defaultInitTimeout     = 30 * time.Second
)

// restartState tracks the backoff schedule and the consecutive-failure
// count. A failure is a spawn or handshake that never produced a working
// subordinate; a crash after a successful bring-up backs off but does not
// count toward the fatal latch.
type restartState struct {
	base     time.Duration
	cap      time.Duration
	backoff  time.Duration
	failures int
}

func newRestartState() *restartState {
	return &restartState{base: restartBase, cap: restartCap, backoff: restartBase}
}

// delay returns the current backoff and doubles it for next time.
func (r *restartState) delay() time.Duration {
	d := r.backoff
	r.backoff *= 2
	if r.backoff > r.cap {
		r.backoff = r.cap
	}
	return d
}

// failed records one failed bring-up and reports whether the fatal
// threshold has been reached.
func (r *restartState) failed() bool {
	r.failures++
	return r.failures >= maxConsecutiveFailures
}

// healthy resets the schedule after a successful bring-up.
func (r *restartState) healthy() {
	r.backoff = r.base
	r.failures = 0
}

// Options configures a Bridge.
type Options struct {
	// Client configures the gateway session the bridge joins with.
	Client client.Options

	// Subordinate describes the MCP server process to spawn.
	Subordinate Config

	// InitTimeout bounds the handshake and catalog fetch after each spawn.
	// Defaults to 30s.
	InitTimeout time.Duration

	Logger *slog.Logger
}

// Bridge supervises one subordinate MCP server and proxies its catalog
// onto a space.
type Bridge struct {
	opts Options
	log  *slog.Logger
	c    *client.Client

	// spawn is replaced by tests to hand out fake subordinates.
	spawn func(ctx context.Context) (*Subprocess, error)

	restart *restartState

	mu    sync.Mutex
	proc  *Subprocess
	names []string
}

// New builds a Bridge. It does not connect or spawn anything; call Run.
func New(opts Options) (*Bridge, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Client.Logger == nil {
		opts.Client.Logger = opts.Logger
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = defaultInitTimeout
	}
	c, err := client.New(opts.Client)
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		opts:    opts,
		log:     opts.Logger.With("participant", opts.Client.Identity),
		c:       c,
		restart: newRestartState(),
	}
	b.spawn = func(ctx context.Context) (*Subprocess, error) {
		return Spawn(ctx, b.opts.Subordinate, b.log)
	}
	return b, nil
}

// Client exposes the underlying gateway session, mainly for tests and for
// embedding the bridge in a larger program.
func (b *Bridge) Client() *client.Client { return b.c }

// Run connects to the gateway and supervises the subordinate until ctx is
// cancelled, the gateway session dies, or the consecutive-failure threshold
// latches. A latched bridge returns a non-nil error.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.c.Connect(ctx); err != nil {
		return fmt.Errorf("connect gateway: %w", err)
	}
	defer b.c.Close()

	for {
		proc, err := b.spawn(ctx)
		if err == nil {
			err = b.bringUp(ctx, proc)
		}
		if err != nil {
			if proc != nil {
				proc.Close()
			}
			if ctx.Err() != nil {
				return nil
			}
			if b.restart.failed() {
				b.log.Error("Subordinate unrecoverable", "error", err, "failures", b.restart.failures)
				return fmt.Errorf("subordinate failed %d consecutive starts: %w", b.restart.failures, err)
			}
			b.log.Warn("Subordinate start failed", "error", err)
		} else {
			b.restart.healthy()
			select {
			case <-ctx.Done():
				proc.Close()
				return nil
			case <-b.c.Done():
				proc.Close()
				return b.c.Err()
			case <-proc.Done():
				b.setProc(nil)
				if ctx.Err() != nil {
					return nil
				}
				b.log.Warn("Subordinate exited", "error", proc.Err())
				b.announceCrash(proc.Err())
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-b.c.Done():
			return b.c.Err()
		case <-time.After(b.restart.delay()):
		}
	}
}

// bringUp drives one new incarnation from handshake to registered catalog.
func (b *Bridge) bringUp(ctx context.Context, proc *Subprocess) error {
	hctx, cancel := context.WithTimeout(ctx, b.opts.InitTimeout)
	defer cancel()

	res, err := proc.Handshake(hctx)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if err := b.refreshCatalog(hctx, proc, res.Capabilities); err != nil {
		return err
	}
	b.setProc(proc)
	b.log.Info("Subordinate ready",
		"server", res.ServerInfo.Name, "version", res.ServerInfo.Version)
	return nil
}

// refreshCatalog replaces the published catalog with the subordinate's
// current one. Tools that vanished across a restart are unregistered so
// stale names fail fast instead of reaching a server that no longer knows
// them.
func (b *Bridge) refreshCatalog(ctx context.Context, proc *Subprocess, caps ServerCapabilities) error {
	var tools listToolsResult
	if err := proc.Call(ctx, "tools/list", nil, &tools); err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	names := make([]string, 0, len(tools.Tools))
	for _, t := range tools.Tools {
		exec := b.proxyExecutor(t.Name)
		if err := b.c.RegisterTool(t.Name, t.Description, t.InputSchema, exec); err != nil {
			b.log.Warn("Registering tool without schema", "tool", t.Name, "error", err)
			if err := b.c.RegisterTool(t.Name, t.Description, nil, exec); err != nil {
				return fmt.Errorf("register tool %s: %w", t.Name, err)
			}
		}
		names = append(names, t.Name)
	}
	b.mu.Lock()
	previous := b.names
	b.names = names
	b.mu.Unlock()
	for _, name := range previous {
		if !slices.Contains(names, name) {
			b.c.UnregisterTool(name)
		}
	}

	if len(caps.Resources) > 0 {
		var res listResourcesResult
		if err := proc.Call(ctx, "resources/list", nil, &res); err != nil {
			return fmt.Errorf("list resources: %w", err)
		}
		b.c.SetResources(res.Resources)
	}
	if len(caps.Prompts) > 0 {
		var ps listPromptsResult
		if err := proc.Call(ctx, "prompts/list", nil, &ps); err != nil {
			return fmt.Errorf("list prompts: %w", err)
		}
		b.c.SetPrompts(ps.Prompts)
	}
	b.log.Info("Subordinate catalog registered", "tools", len(names))
	return nil
}

// proxyExecutor forwards one named tool to the live subordinate.
func (b *Bridge) proxyExecutor(name string) client.ToolExecutor {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		return b.callTool(ctx, name, args)
	}
}

// callTool issues tools/call against the current incarnation. Subordinate
// error objects pass through verbatim; a missing or dying subordinate
// resolves as retriable so callers know to try again after the restart.
func (b *Bridge) callTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	proc := b.currentProc()
	if proc == nil {
		return nil, &envelope.RPCError{Code: envelope.CodeRetriable, Message: "subordinate restarting"}
	}
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	var result json.RawMessage
	if err := proc.Call(ctx, "tools/call", params, &result); err != nil {
		var rpcErr *envelope.RPCError
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		if errors.Is(err, ErrExited) {
			return nil, &envelope.RPCError{Code: envelope.CodeRetriable, Message: "subordinate restarting"}
		}
		return nil, err
	}
	return result, nil
}

// announceCrash broadcasts a system/error for the dead incarnation so the
// space learns why in-flight requests are about to come back retriable.
func (b *Bridge) announceCrash(cause error) {
	detail := "subordinate process exited"
	if cause != nil {
		detail = cause.Error()
	}
	err := b.c.Send(&envelope.Envelope{
		Kind: envelope.KindSystemError,
		Payload: &envelope.ErrorPayload{
			Reason: envelope.ReasonSubordinateCrashed,
			Detail: detail,
		},
	})
	if err != nil {
		b.log.Warn("Crash notice not sent", "error", err)
	}
}

func (b *Bridge) currentProc() *Subprocess {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.proc
}

func (b *Bridge) setProc(p *Subprocess) {
	b.mu.Lock()
	b.proc = p
	b.mu.Unlock()
}
