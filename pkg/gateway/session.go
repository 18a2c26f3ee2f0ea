package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mew-protocol/mew-go/pkg/capability"
	"github.com/mew-protocol/mew-go/pkg/envelope"
)

// State is a session's position in its lifecycle.
type State string

const (
	StateJoining  State = "joining"
	StateActive   State = "active"
	StatePaused   State = "paused"
	StateDraining State = "draining"
	StateClosed   State = "closed"
)

// Conn is the transport a session speaks over. The WebSocket handler adapts
// *websocket.Conn; tests substitute in-memory pipes.
type Conn interface {
	// Read blocks until one complete frame arrives.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one complete frame.
	Write(ctx context.Context, data []byte) error
	// Close closes the transport with a reason visible to the peer.
	Close(reason string) error
}

// Session is one admitted participant connection: its identity, its current
// capability set, its lifecycle state, and its bounded outbound mailbox
// serviced by a dedicated writer goroutine.
//
// Capabilities are copy-on-write: grants and revokes swap the pointer
// atomically, so an in-flight capability check observes one consistent
// snapshot. State transitions happen under the router mutex, so the small
// state guard here only protects against the writer and reader goroutines.
type Session struct {
	identity string
	conn     Conn

	caps atomic.Pointer[capability.Set]

	mu    sync.Mutex
	state State

	box          *mailbox
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	writerDone chan struct{}
	closeOnce  sync.Once

	logger *slog.Logger
}

func newSession(identity string, conn Conn, caps capability.Set, queueSize int, writeTimeout time.Duration, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		identity:     identity,
		conn:         conn,
		state:        StateJoining,
		box:          newMailbox(queueSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		writerDone:   make(chan struct{}),
		logger:       logger.With("participant", identity),
	}
	s.caps.Store(&caps)
	return s
}

// Identity returns the participant identity this session is bound to.
func (s *Session) Identity() string {
	return s.identity
}

// Capabilities returns the session's current capability set snapshot.
func (s *Session) Capabilities() capability.Set {
	return *s.caps.Load()
}

// setCapabilities swaps the capability set atomically.
func (s *Session) setCapabilities(set capability.Set) {
	s.caps.Store(&set)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Context is cancelled when the session is torn down; the connection read
// loop selects on it.
func (s *Session) Context() context.Context {
	return s.ctx
}

// activate moves joining → active once the welcome is queued.
func (s *Session) activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateJoining {
		s.state = StateActive
	}
}

// pause moves active → paused.
func (s *Session) pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return false
	}
	s.state = StatePaused
	return true
}

// resume moves paused → active.
func (s *Session) resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return false
	}
	s.state = StateActive
	return true
}

// beginDrain moves any live state → draining. Returns false when the session
// is already draining or closed, making teardown idempotent.
func (s *Session) beginDrain() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDraining || s.state == StateClosed {
		return false
	}
	s.state = StateDraining
	return true
}

func (s *Session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
}

// enqueue places an envelope in the outbound mailbox.
func (s *Session) enqueue(e *envelope.Envelope, dropOldest bool) error {
	return s.box.push(e, dropOldest)
}

// writeLoop is the session's single writer goroutine: it pops the mailbox
// and writes frames until the session context is cancelled or a write fails.
func (s *Session) writeLoop() {
	defer close(s.writerDone)

	for {
		if e, ok := s.box.pop(); ok {
			if err := s.write(s.ctx, e); err != nil {
				if s.ctx.Err() == nil {
					s.logger.Warn("Outbound write failed", "kind", e.Kind, "error", err)
				}
				s.cancel()
				return
			}
			continue
		}
		if s.box.stopped() {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-s.box.wait():
		}
	}
}

// write serializes and sends one envelope with the write timeout applied.
func (s *Session) write(ctx context.Context, e *envelope.Envelope) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return s.conn.Write(writeCtx, data)
}

// writeDirect sends one envelope bypassing the mailbox, best effort. Used
// for final notices (overflow, displaced) when the mailbox can no longer be
// trusted to deliver.
func (s *Session) writeDirect(e *envelope.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	if err := s.write(ctx, e); err != nil {
		s.logger.Debug("Direct write failed", "kind", e.Kind, "error", err)
	}
}

// shutdown stops the writer, flushes whatever the mailbox still holds within
// the drain grace, closes the transport, and marks the session closed.
func (s *Session) shutdown(drainTimeout time.Duration, reason string) {
	s.closeOnce.Do(func() {
		s.box.close()
		s.cancel()
		<-s.writerDone

		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		for _, e := range s.box.drain() {
			if ctx.Err() != nil {
				s.logger.Debug("Drain grace expired with envelopes remaining")
				break
			}
			if err := s.write(ctx, e); err != nil {
				break
			}
		}

		_ = s.conn.Close(reason)
		s.markClosed()
	})
}
