package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/mew-protocol/mew-go/pkg/envelope"
)

// ReasoningHandle tracks one reasoning context opened with StartReasoning.
// Thoughts and the conclusion carry the start envelope's id in both
// context and correlation_id. Context() is cancelled when a peer sends
// reasoning/cancel for this context.
type ReasoningHandle struct {
	c  *Client
	id string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	concluded bool
	streams   []*Stream
}

// StartReasoning emits reasoning/start and returns the handle for the new
// context.
func (c *Client) StartReasoning(ctx context.Context, message string) (*ReasoningHandle, error) {
	e := &envelope.Envelope{
		ID:      envelope.NewID(),
		Kind:    envelope.KindReasoningStart,
		Payload: &envelope.ReasoningPayload{Message: message},
	}
	h := &ReasoningHandle{c: c, id: e.ID}
	h.ctx, h.cancel = context.WithCancel(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		h.cancel()
		return nil, ErrClosed
	}
	c.reasoning[e.ID] = h
	c.mu.Unlock()

	if err := c.Send(e); err != nil {
		c.mu.Lock()
		delete(c.reasoning, e.ID)
		c.mu.Unlock()
		h.cancel()
		return nil, err
	}
	c.log.Debug("Reasoning context started", "context_id", e.ID)
	return h, nil
}

// ID returns the context identifier, the reasoning/start envelope id.
func (h *ReasoningHandle) ID() string { return h.id }

// Context is cancelled when a peer cancels this reasoning context or when
// the handle concludes.
func (h *ReasoningHandle) Context() context.Context { return h.ctx }

// Thought emits one reasoning/thought within the context.
func (h *ReasoningHandle) Thought(message string) error {
	h.mu.Lock()
	concluded := h.concluded
	h.mu.Unlock()
	if concluded {
		return fmt.Errorf("reasoning context %s already concluded", h.id)
	}
	return h.c.Send(&envelope.Envelope{
		Kind:          envelope.KindReasoningThought,
		Context:       h.id,
		CorrelationID: []string{h.id},
		Payload:       &envelope.ReasoningPayload{Message: message},
	})
}

// RequestStream opens a stream under this reasoning context. Streams still
// open when the context is cancelled are closed with reason cancelled.
func (h *ReasoningHandle) RequestStream(ctx context.Context, targets []string, direction, description string) (*Stream, error) {
	s, err := h.c.requestStream(ctx, targets, direction, description, h.id)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	if h.concluded {
		h.mu.Unlock()
		_ = s.Close("cancelled")
		return nil, ErrCancelled
	}
	h.streams = append(h.streams, s)
	h.mu.Unlock()
	return s, nil
}

// Conclude emits the final reasoning/conclusion and retires the context.
// Calling it after the context already concluded is a no-op.
func (h *ReasoningHandle) Conclude(message string) error {
	return h.conclude(message, false)
}

func (h *ReasoningHandle) conclude(message string, cancelled bool) error {
	h.mu.Lock()
	if h.concluded {
		h.mu.Unlock()
		return nil
	}
	h.concluded = true
	var streams []*Stream
	if cancelled {
		streams = h.streams
	}
	h.streams = nil
	h.mu.Unlock()

	h.c.mu.Lock()
	delete(h.c.reasoning, h.id)
	h.c.mu.Unlock()

	for _, s := range streams {
		_ = s.Close("cancelled")
	}

	err := h.c.Send(&envelope.Envelope{
		Kind:          envelope.KindReasoningConclusion,
		Context:       h.id,
		CorrelationID: []string{h.id},
		Payload:       &envelope.ReasoningPayload{Message: message, Cancelled: cancelled},
	})
	h.cancel()
	return err
}

// handleReasoningCancel cancels the matching local reasoning context. The
// conclusion is mandatory, so an unconcluded context emits one marked
// cancelled on the canceller's behalf.
func (c *Client) handleReasoningCancel(e *envelope.Envelope) {
	c.mu.Lock()
	var h *ReasoningHandle
	if e.Context != "" {
		h = c.reasoning[e.Context]
	}
	if h == nil {
		for _, id := range e.CorrelationID {
			if found := c.reasoning[id]; found != nil {
				h = found
				break
			}
		}
	}
	c.mu.Unlock()
	if h == nil {
		return
	}

	c.log.Info("Reasoning context cancelled by peer", "context_id", h.id, "from", e.From)
	h.cancel()
	if err := h.conclude("", true); err != nil {
		c.log.Warn("Failed to conclude cancelled reasoning context", "context_id", h.id, "error", err)
	}
}
