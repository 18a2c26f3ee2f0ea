package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/mew-protocol/mew-go/pkg/client"
	"github.com/mew-protocol/mew-go/pkg/envelope"
	"github.com/mew-protocol/mew-go/pkg/version"
)

// lineBufferSize bounds a single JSON-RPC line from the subordinate.
const lineBufferSize = 1 << 20

// protocolVersion is the MCP revision declared on the initialize handshake.
const protocolVersion = "2024-11-05"

// ErrExited reports that a call failed because the subordinate process
// ended. The supervisor distinguishes it from protocol errors so in-flight
// tool calls resolve as retriable rather than internal failures.
var ErrExited = errors.New("subordinate exited")

// Config describes the subordinate process to spawn.
type Config struct {
	Command string
	Args    []string
	// Env entries are appended to the inherited environment.
	Env []string
	Dir string
}

// Subprocess is one incarnation of the subordinate: the spawned process and
// the newline-delimited JSON-RPC 2.0 codec over its stdin/stdout. It does
// not restart itself; the Bridge supervises incarnations.
type Subprocess struct {
	log *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	writeMu sync.Mutex
	nextID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan callResult

	ioWG    sync.WaitGroup
	readErr error

	closeOnce sync.Once
	done      chan struct{}
	exitMu    sync.Mutex
	exitErr   error
}

// request is an outbound JSON-RPC frame. Notifications omit the id.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// frame is one inbound JSON-RPC frame. Method discriminates
// server-initiated requests and notifications from responses to our calls.
type frame struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      int64              `json:"id,omitempty"`
	Method  string             `json:"method,omitempty"`
	Result  json.RawMessage    `json:"result,omitempty"`
	Error   *envelope.RPCError `json:"error,omitempty"`
}

type callResult struct {
	frame *frame
	err   error
}

// Spawn starts the configured command and wires its stdio to the codec. The
// context bounds the process lifetime: cancelling it kills the subordinate.
func Spawn(ctx context.Context, cfg Config, log *slog.Logger) (*Subprocess, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("subordinate command is required")
	}
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	if cfg.Dir != "" {
		cmd.Dir = cfg.Dir
	}
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}
	log.Info("Subordinate started", "command", cfg.Command, "pid", cmd.Process.Pid)

	s := newSubprocess(stdin, stdout, stderr, log)
	s.cmd = cmd
	s.start()
	return s, nil
}

// newSubprocess builds the codec over raw pipe ends without spawning
// anything. Tests wire it to in-memory pipes; Spawn wires it to a process.
func newSubprocess(stdin io.WriteCloser, stdout, stderr io.Reader, log *slog.Logger) *Subprocess {
	return &Subprocess{
		log:     log,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		pending: make(map[int64]chan callResult),
		done:    make(chan struct{}),
	}
}

func (s *Subprocess) start() {
	s.ioWG.Add(1)
	go s.readLoop()
	if s.stderr != nil {
		s.ioWG.Add(1)
		go s.stderrLoop()
	}
	go s.reap()
}

// Done is closed once the subordinate is gone and its exit has been reaped.
func (s *Subprocess) Done() <-chan struct{} { return s.done }

// Err reports how the subordinate ended. Nil until Done closes, and nil for
// a clean exit.
func (s *Subprocess) Err() error {
	s.exitMu.Lock()
	defer s.exitMu.Unlock()
	return s.exitErr
}

// Close ends the subordinate: stdin closes as the polite signal, the
// process is killed if still running, and Close returns once the exit has
// been reaped.
func (s *Subprocess) Close() error {
	s.closeOnce.Do(func() {
		_ = s.stdin.Close()
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	<-s.done
	return nil
}

// Call issues one JSON-RPC request and decodes its result. An error object
// from the subordinate is returned as *envelope.RPCError, untranslated.
func (s *Subprocess) Call(ctx context.Context, method string, params, result any) error {
	id := s.nextID.Add(1)
	ch := make(chan callResult, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()

	if err := s.write(request{JSONRPC: envelope.JSONRPCVersion, ID: id, Method: method, Params: params}); err != nil {
		s.removePending(id)
		return fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.frame.Error != nil {
			return res.frame.Error
		}
		if result != nil && len(res.frame.Result) > 0 {
			if err := json.Unmarshal(res.frame.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		s.removePending(id)
		return ctx.Err()
	case <-s.done:
		s.removePending(id)
		return s.exitError()
	}
}

// Notify sends a JSON-RPC notification; no response is expected.
func (s *Subprocess) Notify(method string, params any) error {
	return s.write(request{JSONRPC: envelope.JSONRPCVersion, Method: method, Params: params})
}

// Handshake runs the MCP initialize exchange. It must complete before any
// other call; the returned capabilities gate which catalogs the bridge
// fetches afterwards.
func (s *Subprocess) Handshake(ctx context.Context) (*InitializeResult, error) {
	var res InitializeResult
	err := s.Call(ctx, "initialize", InitializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    struct{}{},
		ClientInfo:      ClientInfo{Name: version.AppName, Version: version.GitCommit},
	}, &res)
	if err != nil {
		return nil, err
	}
	if err := s.Notify("notifications/initialized", nil); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Subprocess) write(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.stdin.Write(data)
	return err
}

func (s *Subprocess) readLoop() {
	defer s.ioWG.Done()
	scanner := bufio.NewScanner(s.stdout)
	scanner.Buffer(make([]byte, lineBufferSize), lineBufferSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			s.log.Warn("Unparseable frame from subordinate", "error", err)
			continue
		}
		// Frames carrying a method are server-initiated traffic, which the
		// bridge does not model. Matching on id alone would let a server
		// request shadow one of our pending calls.
		if f.Method != "" || f.ID == 0 {
			s.log.Debug("Ignoring server-initiated frame", "method", f.Method)
			continue
		}
		s.pendingMu.Lock()
		ch, ok := s.pending[f.ID]
		if ok {
			delete(s.pending, f.ID)
		}
		s.pendingMu.Unlock()
		if ok {
			ch <- callResult{frame: &f}
		}
	}
	s.readErr = scanner.Err()
}

func (s *Subprocess) stderrLoop() {
	defer s.ioWG.Done()
	scanner := bufio.NewScanner(s.stderr)
	scanner.Buffer(make([]byte, lineBufferSize), lineBufferSize)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			s.log.Warn("Subordinate stderr", "line", line)
		}
	}
}

// reap waits for both stdio loops, collects the exit status, and fails
// every pending call. Waiting on the process before its pipes are drained
// would race the read loop, so the order here is fixed.
func (s *Subprocess) reap() {
	s.ioWG.Wait()
	err := s.readErr
	if s.cmd != nil {
		if werr := s.cmd.Wait(); werr != nil {
			err = werr
		}
	}
	s.exitMu.Lock()
	s.exitErr = err
	s.exitMu.Unlock()

	s.failPending()
	close(s.done)
}

func (s *Subprocess) failPending() {
	err := s.exitError()
	s.pendingMu.Lock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- callResult{err: err}
	}
	s.pendingMu.Unlock()
}

func (s *Subprocess) removePending(id int64) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

func (s *Subprocess) exitError() error {
	s.exitMu.Lock()
	defer s.exitMu.Unlock()
	if s.exitErr != nil {
		return fmt.Errorf("%w: %v", ErrExited, s.exitErr)
	}
	return ErrExited
}

// InitializeParams is the payload of the initialize call.
type InitializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	Capabilities    struct{}   `json:"capabilities"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

// ClientInfo names this side of the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the subordinate's half of the handshake.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
}

// ServerInfo names the subordinate server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities advertises which catalogs the subordinate serves.
// tools/list is always issued; the optional catalogs only when declared.
type ServerCapabilities struct {
	Tools     json.RawMessage `json:"tools,omitempty"`
	Resources json.RawMessage `json:"resources,omitempty"`
	Prompts   json.RawMessage `json:"prompts,omitempty"`
}

type listToolsResult struct {
	Tools []client.ToolInfo `json:"tools"`
}

type listResourcesResult struct {
	Resources []client.ResourceInfo `json:"resources"`
}

type listPromptsResult struct {
	Prompts []client.PromptInfo `json:"prompts"`
}
