// Package client is the reusable participant runtime: it maintains a
// gateway session, dispatches inbound envelopes, and layers request/response,
// proposal, stream, reasoning and discovery helpers on top of the wire.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/mew-protocol/mew-go/pkg/capability"
	"github.com/mew-protocol/mew-go/pkg/correlation"
	"github.com/mew-protocol/mew-go/pkg/envelope"
)

// maxEnvelopeBytes mirrors the gateway's per-frame bound.
const maxEnvelopeBytes = 1 << 20

// graphLimit bounds the in-memory correlation graph per session.
const graphLimit = 4096

// Options configures a Client. GatewayURL, Identity and Token are required.
type Options struct {
	// GatewayURL is the gateway base address, e.g. "ws://localhost:8080".
	// Connect appends the /ws path and query parameters.
	GatewayURL string
	// Space names the space to join; the gateway rejects a mismatch.
	Space string
	// Identity is the participant id this client claims. It must match
	// the identity the token resolves to.
	Identity string
	// Token authenticates the session.
	Token string

	// Logger receives runtime events. Defaults to slog.Default().
	Logger *slog.Logger

	// ReconnectBase and ReconnectCap bound the exponential backoff between
	// reconnect attempts. MaxReconnects caps consecutive failed attempts;
	// zero retries forever.
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	MaxReconnects int

	// AutoDiscover triggers tool discovery when a peer with responder
	// capability joins the space.
	AutoDiscover bool

	// RequestTimeout is the default await deadline for MCPRequest,
	// RequestStream and DiscoverTools.
	RequestTimeout time.Duration

	// WriteTimeout bounds a single outbound frame write.
	WriteTimeout time.Duration

	// StreamIdleTimeout closes an inbound stream with reason peer_gone
	// when no data frame has arrived for this long.
	StreamIdleTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 500 * time.Millisecond
	}
	if o.ReconnectCap <= 0 {
		o.ReconnectCap = 30 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.StreamIdleTimeout <= 0 {
		o.StreamIdleTimeout = 30 * time.Second
	}
}

// Handler receives every inbound envelope after the runtime's own
// dispatch. Handlers run on the read loop; panics are recovered and logged.
type Handler func(*envelope.Envelope)

// Client is a participant session against one gateway. All methods are
// safe for concurrent use.
type Client struct {
	opts Options
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	graph *correlation.Graph

	mu        sync.Mutex
	conn      *websocket.Conn
	epoch     int
	connected bool
	closed    bool
	caps      capability.Set
	roster    map[string]capability.Set

	pending     map[string]*call // awaited request envelope id → call
	proposals   map[string]*call // proposal envelope id → call
	streamWaits map[string]*streamWait
	outbound    map[string]*Stream
	inbound     map[string]*IncomingStream
	reasoning   map[string]*ReasoningHandle

	tools     map[string]*toolEntry
	toolOrder []string
	resources []ResourceInfo
	prompts   []PromptInfo
	toolCache map[string][]ToolInfo

	handlers      []Handler
	streamHandler StreamHandler

	rpcSeq    atomic.Int64
	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
	termErr   error
}

// New builds a Client from opts. It does not connect; call Connect.
func New(opts Options) (*Client, error) {
	if opts.GatewayURL == "" {
		return nil, fmt.Errorf("gateway URL is required")
	}
	if opts.Identity == "" {
		return nil, fmt.Errorf("identity is required")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("token is required")
	}
	opts.applyDefaults()
	c := &Client{
		opts:        opts,
		log:         opts.Logger.With("participant", opts.Identity),
		graph:       correlation.NewBounded(graphLimit),
		roster:      make(map[string]capability.Set),
		pending:     make(map[string]*call),
		proposals:   make(map[string]*call),
		streamWaits: make(map[string]*streamWait),
		outbound:    make(map[string]*Stream),
		inbound:     make(map[string]*IncomingStream),
		reasoning:   make(map[string]*ReasoningHandle),
		tools:       make(map[string]*toolEntry),
		toolCache:   make(map[string][]ToolInfo),
		done:        make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Connect dials the gateway, authenticates, and blocks until the welcome
// envelope arrives. The first dial does not retry; once connected, lost
// sessions reconnect automatically with capped exponential backoff.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return ErrClosed
	}
	c.connected = true
	c.epoch++
	epoch := c.epoch
	c.conn = conn
	c.mu.Unlock()

	c.log.Info("Connected to gateway", "gateway_url", c.opts.GatewayURL, "space", c.opts.Space)
	c.wg.Add(1)
	go c.readLoop(conn, epoch)
	return nil
}

// dial opens a websocket session and consumes frames until the welcome
// arrives. Envelopes received before the welcome are dispatched normally.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := c.sessionURL()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.Token)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(maxEnvelopeBytes)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusNormalClosure, "handshake failed")
			return nil, fmt.Errorf("awaiting welcome: %w", err)
		}
		e, perr := envelope.Parse(data)
		if perr != nil {
			c.log.Warn("Dropping malformed inbound frame", "error", perr)
			continue
		}
		c.dispatch(e)
		if e.Kind == envelope.KindSystemWelcome {
			return conn, nil
		}
	}
}

// sessionURL builds the /ws endpoint with space and participant pinned so
// the gateway can reject mismatches before admission.
func (c *Client) sessionURL() (string, error) {
	u, err := url.Parse(c.opts.GatewayURL)
	if err != nil {
		return "", fmt.Errorf("parse gateway URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported gateway URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := u.Query()
	if c.opts.Space != "" {
		q.Set("space", c.opts.Space)
	}
	q.Set("participant", c.opts.Identity)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readLoop pumps inbound frames into dispatch until the connection drops.
func (c *Client) readLoop(conn *websocket.Conn, epoch int) {
	defer c.wg.Done()
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			c.handleDisconnect(epoch, err)
			return
		}
		e, perr := envelope.Parse(data)
		if perr != nil {
			c.log.Warn("Dropping malformed inbound frame", "error", perr)
			continue
		}
		c.dispatch(e)
	}
}

// handleDisconnect fails everything pending under the dropped session and
// starts the reconnect loop. Calls that opted into retry are carried over
// and re-issued once the new welcome lands.
func (c *Client) handleDisconnect(epoch int, cause error) {
	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	c.conn = nil

	var failed []*call
	var retries []*call
	for id, cl := range c.pending {
		delete(c.pending, id)
		if cl.direct && cl.retry && !cl.retried {
			cl.retried = true
			retries = append(retries, cl)
			continue
		}
		failed = append(failed, cl)
	}
	for id, cl := range c.proposals {
		delete(c.proposals, id)
		failed = append(failed, cl)
	}
	waits := make([]*streamWait, 0, len(c.streamWaits))
	for id, w := range c.streamWaits {
		delete(c.streamWaits, id)
		waits = append(waits, w)
	}
	outbound := make([]*Stream, 0, len(c.outbound))
	for id, s := range c.outbound {
		delete(c.outbound, id)
		outbound = append(outbound, s)
	}
	inbound := make([]*IncomingStream, 0, len(c.inbound))
	for id, s := range c.inbound {
		delete(c.inbound, id)
		inbound = append(inbound, s)
	}
	c.mu.Unlock()

	for _, cl := range failed {
		cl.deliverErr(ErrReconnected)
	}
	for _, w := range waits {
		w.fail(ErrReconnected)
	}
	for _, s := range outbound {
		s.markBroken()
	}
	for _, s := range inbound {
		s.finish("reconnected")
	}

	c.log.Warn("Gateway connection lost", "error", cause, "retrying", len(retries))
	c.wg.Add(1)
	go c.reconnectLoop(retries)
}

// reconnectLoop dials with capped exponential backoff until a session is
// re-established or the attempt budget runs out.
func (c *Client) reconnectLoop(retries []*call) {
	defer c.wg.Done()
	backoff := c.opts.ReconnectBase
	attempts := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(withJitter(backoff)):
		}
		attempts++

		dialCtx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
		conn, err := c.dial(dialCtx)
		cancel()
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				conn.Close(websocket.StatusNormalClosure, "client closed")
				return
			}
			c.epoch++
			epoch := c.epoch
			c.conn = conn
			c.mu.Unlock()

			c.log.Info("Reconnected to gateway", "attempts", attempts)
			c.wg.Add(1)
			go c.readLoop(conn, epoch)
			for _, cl := range retries {
				c.reissue(cl)
			}
			return
		}

		c.log.Warn("Reconnect attempt failed", "attempt", attempts, "error", err)
		if c.opts.MaxReconnects > 0 && attempts >= c.opts.MaxReconnects {
			for _, cl := range retries {
				cl.deliverErr(ErrReconnected)
			}
			c.terminate(fmt.Errorf("reconnect attempts exhausted: %w", err))
			return
		}
		backoff = min(backoff*2, c.opts.ReconnectCap)
	}
}

// Send stamps protocol, id, ts and from, runs the local capability check,
// and writes the envelope. It fails fast with ErrCapabilityDenied when the
// cached set does not permit the kind/payload, saving the round trip.
func (c *Client) Send(e *envelope.Envelope) error {
	if e.Kind == "" {
		return fmt.Errorf("envelope kind is required")
	}
	if e.Protocol == "" {
		e.Protocol = envelope.Protocol
	}
	if e.ID == "" {
		e.ID = envelope.NewID()
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	if e.From == "" {
		e.From = c.opts.Identity
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	caps := c.caps
	c.mu.Unlock()

	if !caps.Permits(e.Kind, payloadValue(e.Payload)) {
		return fmt.Errorf("%w: %s", ErrCapabilityDenied, e.Kind)
	}
	if conn == nil {
		return ErrNotConnected
	}

	data, err := e.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	c.graph.Observe(e)
	return nil
}

// OnMessage subscribes a handler to every inbound envelope. Register
// before Connect to observe the initial welcome.
func (c *Client) OnMessage(h Handler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// OnStream registers the handler invoked when a peer starts writing a new
// inbound stream. Register before Connect.
func (c *Client) OnStream(h StreamHandler) {
	c.mu.Lock()
	c.streamHandler = h
	c.mu.Unlock()
}

// Identity returns the participant id this client claims.
func (c *Client) Identity() string { return c.opts.Identity }

// Capabilities returns a copy of the cached capability set as of the last
// welcome, grant or revoke.
func (c *Client) Capabilities() capability.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps.Clone()
}

// Peers returns the identities of the other participants currently in the
// roster.
func (c *Client) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers := make([]string, 0, len(c.roster))
	for id := range c.roster {
		if id != c.opts.Identity {
			peers = append(peers, id)
		}
	}
	return peers
}

// PeerCapabilities returns the roster's capability set for a peer.
func (c *Client) PeerCapabilities(peer string) (capability.Set, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	caps, ok := c.roster[peer]
	if !ok {
		return nil, false
	}
	return caps.Clone(), true
}

// Connected reports whether a session is currently live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Graph exposes the correlation graph built from observed traffic.
func (c *Client) Graph() *correlation.Graph { return c.graph }

// Done is closed when the client has shut down, either through Close or
// after exhausting its reconnect budget.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the client shut down. Nil after a clean Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.termErr
}

// Close shuts the session down and fails every pending await with
// ErrClosed. Safe to call more than once.
func (c *Client) Close() error {
	c.terminate(nil)
	c.wg.Wait()
	return nil
}

// terminate is the single shutdown path, shared by Close and by the
// reconnect loop giving up. It must not wait on c.wg: the reconnect loop
// calls it from inside a tracked goroutine.
func (c *Client) terminate(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.termErr = err
		conn := c.conn
		c.conn = nil

		calls := make([]*call, 0, len(c.pending)+len(c.proposals))
		for id, cl := range c.pending {
			delete(c.pending, id)
			calls = append(calls, cl)
		}
		for id, cl := range c.proposals {
			delete(c.proposals, id)
			calls = append(calls, cl)
		}
		waits := make([]*streamWait, 0, len(c.streamWaits))
		for id, w := range c.streamWaits {
			delete(c.streamWaits, id)
			waits = append(waits, w)
		}
		outbound := make([]*Stream, 0, len(c.outbound))
		for id, s := range c.outbound {
			delete(c.outbound, id)
			outbound = append(outbound, s)
		}
		inbound := make([]*IncomingStream, 0, len(c.inbound))
		for id, s := range c.inbound {
			delete(c.inbound, id)
			inbound = append(inbound, s)
		}
		c.mu.Unlock()

		c.cancel()
		for _, cl := range calls {
			cl.deliverErr(ErrClosed)
		}
		for _, w := range waits {
			w.fail(ErrClosed)
		}
		for _, s := range outbound {
			s.markBroken()
		}
		for _, s := range inbound {
			s.finish("closed")
		}
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "client closed")
		}
		if err != nil {
			c.log.Error("Client shut down", "error", err)
		} else {
			c.log.Info("Client closed")
		}
		close(c.done)
	})
}

// payloadValue normalizes a payload for capability matching: typed payload
// structs are projected to the generic JSON shape templates match against.
func payloadValue(p any) any {
	switch p.(type) {
	case nil:
		return nil
	case map[string]any, []any:
		return p
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return p
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return p
	}
	return v
}

// withJitter spreads d over [d/2, 3d/2) so simultaneous retries fan out.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + time.Duration(rand.Int64N(int64(d)))
}
