package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mew-protocol/mew-go/pkg/envelope"
)

// inboundChunkBuffer bounds how far an inbound stream's consumer may lag
// before the runtime closes the stream locally.
const inboundChunkBuffer = 256

// Stream is an outbound stream opened through RequestStream. Send stamps
// strictly increasing sequence numbers; Close emits exactly one
// stream/close however often it is called.
type Stream struct {
	c         *Client
	id        string
	direction string
	targets   []string

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// ID returns the gateway-assigned stream identifier.
func (s *Stream) ID() string { return s.id }

// Direction returns upload or download, from this side's point of view.
func (s *Stream) Direction() string { return s.direction }

// Send emits one stream/data frame carrying data.
func (s *Stream) Send(data any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	return s.c.Send(&envelope.Envelope{
		Kind:    envelope.KindStreamData,
		To:      s.targets,
		Context: s.id,
		Payload: &envelope.StreamDataPayload{StreamID: s.id, Seq: seq, Data: data},
	})
}

// Close ends the stream with a final stream/close. Subsequent calls are
// no-ops; Send fails with ErrStreamClosed afterwards.
func (s *Stream) Close(reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.c.mu.Lock()
	delete(s.c.outbound, s.id)
	s.c.mu.Unlock()

	return s.c.Send(&envelope.Envelope{
		Kind:    envelope.KindStreamClose,
		To:      s.targets,
		Context: s.id,
		Payload: &envelope.StreamClosePayload{StreamID: s.id, Reason: reason},
	})
}

// markBroken closes the stream without emitting stream/close, used when
// the session dropped or the peer closed it for us.
func (s *Stream) markBroken() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// streamWait parks one RequestStream call until the gateway's stream/open
// arrives or the session fails.
type streamWait struct {
	done chan struct{}
	once sync.Once
	open *envelope.StreamOpenPayload
	err  error
}

func (w *streamWait) deliver(p *envelope.StreamOpenPayload) {
	w.once.Do(func() {
		w.open = p
		close(w.done)
	})
}

func (w *streamWait) fail(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

// RequestStream asks the gateway for a stream identifier and returns the
// opened stream once the stream/open reply lands. targets scopes where the
// data frames will be routed; empty broadcasts them.
func (c *Client) RequestStream(ctx context.Context, targets []string, direction, description string) (*Stream, error) {
	return c.requestStream(ctx, targets, direction, description, "")
}

func (c *Client) requestStream(ctx context.Context, targets []string, direction, description, contextID string) (*Stream, error) {
	if direction != envelope.StreamUpload && direction != envelope.StreamDownload {
		return nil, fmt.Errorf("invalid stream direction %q", direction)
	}

	e := &envelope.Envelope{
		ID:      envelope.NewID(),
		Kind:    envelope.KindStreamRequest,
		To:      targets,
		Context: contextID,
		Payload: &envelope.StreamRequestPayload{Direction: direction, Description: description},
	}
	w := &streamWait{done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.streamWaits[e.ID] = w
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.streamWaits, e.ID)
		c.mu.Unlock()
	}()

	if err := c.Send(e); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case <-w.done:
		if w.err != nil {
			return nil, w.err
		}
		s := &Stream{c: c, id: w.open.StreamID, direction: w.open.Direction, targets: targets}
		c.mu.Lock()
		c.outbound[s.id] = s
		c.mu.Unlock()
		c.log.Debug("Stream opened", "stream_id", s.id, "direction", s.direction)
		return s, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ErrCancelled
	case <-c.done:
		return nil, ErrClosed
	}
}

// SendStreamData writes one chunk on an open outbound stream by id.
func (c *Client) SendStreamData(streamID string, data any) error {
	c.mu.Lock()
	s := c.outbound[streamID]
	c.mu.Unlock()
	if s == nil {
		return fmt.Errorf("%w: %s", ErrStreamClosed, streamID)
	}
	return s.Send(data)
}

// CloseStream closes an open outbound stream by id.
func (c *Client) CloseStream(streamID, reason string) error {
	c.mu.Lock()
	s := c.outbound[streamID]
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close(reason)
}

// StreamHandler is invoked once per new inbound stream, on its own
// goroutine. Consume Chunks until it closes, then check Reason.
type StreamHandler func(*IncomingStream)

// IncomingStream is a peer's stream as seen by a receiver. The runtime
// enforces the sequence contract and the idle timeout; chunks arrive on a
// bounded channel and the stream closes locally if the consumer falls too
// far behind.
type IncomingStream struct {
	c    *Client
	id   string
	from string

	chunks chan any
	done   chan struct{}

	mu       sync.Mutex
	finished bool
	lastSeq  uint64
	reason   string
	idle     *time.Timer
}

func newIncomingStream(c *Client, id, from string) *IncomingStream {
	s := &IncomingStream{
		c:      c,
		id:     id,
		from:   from,
		chunks: make(chan any, inboundChunkBuffer),
		done:   make(chan struct{}),
	}
	s.idle = time.AfterFunc(c.opts.StreamIdleTimeout, func() {
		c.finishInbound(id, "peer_gone")
	})
	return s
}

// ID returns the stream identifier.
func (s *IncomingStream) ID() string { return s.id }

// From returns the writing peer's identity.
func (s *IncomingStream) From() string { return s.from }

// Chunks delivers data frames in sequence order. The channel closes when
// the stream ends; Reason then says why.
func (s *IncomingStream) Chunks() <-chan any { return s.chunks }

// Done is closed when the stream ends.
func (s *IncomingStream) Done() <-chan struct{} { return s.done }

// Reason reports why the stream ended: the peer's close reason, or one of
// peer_gone, sequence_violation, overflow, reconnected, closed.
func (s *IncomingStream) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// deliver accepts one data frame. It returns a non-empty close reason when
// the frame violates the stream contract or the consumer lags too far.
func (s *IncomingStream) deliver(seq uint64, data any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return ""
	}
	if seq != s.lastSeq+1 {
		return "sequence_violation"
	}
	s.lastSeq = seq
	s.idle.Reset(s.c.opts.StreamIdleTimeout)
	select {
	case s.chunks <- data:
		return ""
	default:
		return "overflow"
	}
}

// finish ends the stream once. Channel closes happen under the mutex so a
// concurrent deliver can never write a closed channel.
func (s *IncomingStream) finish(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.reason = reason
	s.idle.Stop()
	close(s.chunks)
	close(s.done)
}

// finishInbound removes the stream from the registry and ends it.
func (c *Client) finishInbound(streamID, reason string) {
	c.mu.Lock()
	s := c.inbound[streamID]
	delete(c.inbound, streamID)
	c.mu.Unlock()
	if s != nil {
		s.finish(reason)
		c.log.Debug("Inbound stream ended", "stream_id", streamID, "reason", reason)
	}
}

// handleStreamData routes a data frame to its inbound stream, creating the
// stream and invoking the handler on first contact.
func (c *Client) handleStreamData(e *envelope.Envelope) {
	var p envelope.StreamDataPayload
	if err := e.DecodePayload(&p); err != nil || p.StreamID == "" {
		c.log.Debug("Malformed stream data frame", "from", e.From)
		return
	}

	c.mu.Lock()
	s := c.inbound[p.StreamID]
	var handler StreamHandler
	if s == nil {
		if _, ours := c.outbound[p.StreamID]; ours {
			c.mu.Unlock()
			c.log.Debug("Ignoring data on locally owned stream", "stream_id", p.StreamID, "from", e.From)
			return
		}
		s = newIncomingStream(c, p.StreamID, e.From)
		c.inbound[p.StreamID] = s
		handler = c.streamHandler
	}
	c.mu.Unlock()

	if handler != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("Stream handler panicked", "stream_id", s.id, "panic", r)
				}
			}()
			handler(s)
		}()
	}

	if reason := s.deliver(p.Seq, p.Data); reason != "" {
		c.finishInbound(p.StreamID, reason)
	}
}

// handleStreamClose ends whichever side of the stream we hold.
func (c *Client) handleStreamClose(e *envelope.Envelope) {
	var p envelope.StreamClosePayload
	if err := e.DecodePayload(&p); err != nil || p.StreamID == "" {
		c.log.Debug("Malformed stream close frame", "from", e.From)
		return
	}
	reason := p.Reason
	if reason == "" {
		reason = "closed"
	}

	c.mu.Lock()
	if s := c.outbound[p.StreamID]; s != nil {
		delete(c.outbound, p.StreamID)
		c.mu.Unlock()
		s.markBroken()
		c.log.Debug("Outbound stream closed by peer", "stream_id", p.StreamID, "from", e.From, "reason", reason)
		return
	}
	c.mu.Unlock()

	c.finishInbound(p.StreamID, reason)
}
