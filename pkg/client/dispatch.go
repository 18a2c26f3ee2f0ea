package client

import (
	"errors"
	"fmt"

	"github.com/mew-protocol/mew-go/pkg/capability"
	"github.com/mew-protocol/mew-go/pkg/envelope"
)

// dispatch feeds one inbound envelope through the runtime's own handling
// and then through the registered message handlers, in read-loop order.
func (c *Client) dispatch(e *envelope.Envelope) {
	c.graph.Observe(e)

	switch e.Kind {
	case envelope.KindSystemWelcome:
		c.handleWelcome(e)
	case envelope.KindSystemPresence:
		c.handlePresence(e)
	case envelope.KindSystemError:
		c.handleGatewayError(e)
	case envelope.KindCapabilityGrant:
		c.handleGrant(e)
	case envelope.KindCapabilityRevoke:
		c.handleRevoke(e)
	case envelope.KindMCPResponse:
		c.handleResponse(e)
	case envelope.KindMCPRequest:
		c.handleRequest(e)
	case envelope.KindStreamOpen:
		c.handleStreamOpen(e)
	case envelope.KindStreamData:
		c.handleStreamData(e)
	case envelope.KindStreamClose:
		c.handleStreamClose(e)
	case envelope.KindReasoningCancel:
		c.handleReasoningCancel(e)
	}

	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		c.runHandler(h, e)
	}
}

func (c *Client) runHandler(h Handler, e *envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Message handler panicked", "kind", e.Kind, "envelope_id", e.ID, "panic", r)
		}
	}()
	h(e)
}

// handleWelcome replaces the cached capability set and roster. The gateway
// re-sends the welcome whenever a grant or revoke changes our set, so this
// is the authoritative sync point.
func (c *Client) handleWelcome(e *envelope.Envelope) {
	var w envelope.WelcomePayload
	if err := e.DecodePayload(&w); err != nil {
		c.log.Warn("Malformed welcome payload", "error", err)
		return
	}
	c.mu.Lock()
	c.caps = w.You.Capabilities.Clone()
	roster := make(map[string]capability.Set, len(w.Participants))
	for _, p := range w.Participants {
		roster[p.ID] = p.Capabilities.Clone()
	}
	c.roster = roster
	c.mu.Unlock()
	c.log.Debug("Welcome applied", "capabilities", len(w.You.Capabilities), "peers", len(w.Participants))
}

func (c *Client) handlePresence(e *envelope.Envelope) {
	var p envelope.PresencePayload
	if err := e.DecodePayload(&p); err != nil {
		c.log.Warn("Malformed presence payload", "error", err)
		return
	}
	peer := p.Participant.ID
	switch p.Event {
	case envelope.PresenceJoin:
		c.mu.Lock()
		c.roster[peer] = p.Participant.Capabilities.Clone()
		discover := c.opts.AutoDiscover && !c.closed &&
			peer != c.opts.Identity &&
			p.Participant.Capabilities.CoversKind(envelope.KindMCPResponse)
		c.mu.Unlock()
		c.log.Debug("Peer joined", "peer", peer)
		if discover {
			c.wg.Add(1)
			go c.autoDiscover(peer)
		}
	case envelope.PresenceLeave:
		c.mu.Lock()
		delete(c.roster, peer)
		delete(c.toolCache, peer)
		c.mu.Unlock()
		c.log.Debug("Peer left", "peer", peer)
	}
}

// handleGatewayError fails any await the error correlates to; uncorrelated
// gateway errors are only logged.
func (c *Client) handleGatewayError(e *envelope.Envelope) {
	var p envelope.ErrorPayload
	if err := e.DecodePayload(&p); err != nil {
		c.log.Warn("Malformed gateway error payload", "error", err)
		return
	}

	var calls []*call
	var waits []*streamWait
	c.mu.Lock()
	for _, id := range e.CorrelationID {
		if cl, ok := c.pending[id]; ok {
			calls = append(calls, cl)
		}
		if cl, ok := c.proposals[id]; ok {
			calls = append(calls, cl)
		}
		if w, ok := c.streamWaits[id]; ok {
			delete(c.streamWaits, id)
			waits = append(waits, w)
		}
	}
	c.mu.Unlock()

	if len(calls) == 0 && len(waits) == 0 {
		c.log.Warn("Gateway error", "reason", p.Reason, "detail", p.Detail)
		return
	}
	err := gatewayError(p)
	for _, cl := range calls {
		cl.deliverErr(err)
	}
	for _, w := range waits {
		w.fail(err)
	}
}

// gatewayError maps a system/error payload onto the client's sentinels.
func gatewayError(p envelope.ErrorPayload) error {
	if p.Reason == envelope.ReasonCapabilityDenied {
		return fmt.Errorf("%w: %s", ErrCapabilityDenied, p.Detail)
	}
	if p.Detail != "" {
		return fmt.Errorf("gateway error %s: %s", p.Reason, p.Detail)
	}
	return fmt.Errorf("gateway error %s", p.Reason)
}

// handleGrant merges a grant for us into the local set and acknowledges
// it. Grants for other participants refresh the roster entry instead.
func (c *Client) handleGrant(e *envelope.Envelope) {
	var g envelope.GrantPayload
	if err := e.DecodePayload(&g); err != nil {
		c.log.Warn("Malformed grant payload", "error", err)
		return
	}
	if g.Recipient != c.opts.Identity {
		c.mu.Lock()
		if caps, ok := c.roster[g.Recipient]; ok {
			c.roster[g.Recipient] = caps.Add(g.Capabilities...)
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.caps = c.caps.Add(g.Capabilities...)
	c.mu.Unlock()
	c.log.Info("Capability grant received", "from", e.From, "capabilities", len(g.Capabilities))

	ack := &envelope.Envelope{
		Kind:          envelope.KindCapabilityGrantAck,
		To:            []string{e.From},
		CorrelationID: []string{e.ID},
	}
	if err := c.Send(ack); err != nil {
		if errors.Is(err, ErrCapabilityDenied) {
			c.log.Debug("Skipping grant acknowledgement", "error", err)
			return
		}
		c.log.Warn("Failed to acknowledge grant", "grant_id", e.ID, "error", err)
	}
}

func (c *Client) handleRevoke(e *envelope.Envelope) {
	var g envelope.GrantPayload
	if err := e.DecodePayload(&g); err != nil {
		c.log.Warn("Malformed revoke payload", "error", err)
		return
	}
	c.mu.Lock()
	if g.Recipient == c.opts.Identity {
		c.caps = c.caps.Remove(g.Capabilities...)
	} else if caps, ok := c.roster[g.Recipient]; ok {
		c.roster[g.Recipient] = caps.Remove(g.Capabilities...)
	}
	c.mu.Unlock()
	if g.Recipient == c.opts.Identity {
		c.log.Info("Capability revoke applied", "from", e.From, "capabilities", len(g.Capabilities))
	}
}

// handleResponse resolves the pending call the response correlates to.
// A response correlating a proposal id directly also resolves that
// proposal's await, covering responders that echo the full chain. The
// first response wins; later arrivals for the same call are logged and
// dropped.
func (c *Client) handleResponse(e *envelope.Envelope) {
	c.mu.Lock()
	var cl *call
	for _, id := range e.CorrelationID {
		if found, ok := c.pending[id]; ok {
			cl = found
			break
		}
		if found, ok := c.proposals[id]; ok {
			cl = found
			break
		}
	}
	c.mu.Unlock()
	if cl == nil {
		return
	}
	cl.markFulfilled()

	var resp envelope.RPCResponse
	if err := e.DecodePayload(&resp); err != nil {
		if !cl.deliverErr(fmt.Errorf("malformed response payload: %w", err)) {
			c.log.Debug("Duplicate response ignored", "envelope_id", e.ID, "from", e.From)
		}
		return
	}
	if !cl.deliver(resp.Result, resp.Error) {
		c.log.Debug("Duplicate response ignored", "envelope_id", e.ID, "from", e.From)
	}
}

// handleRequest covers both sides of the request flow: observing a
// request that fulfills one of our proposals, and auto-answering requests
// directed at us through the registries. A fulfillment of our own proposal
// is observation only: the proposer is in the addressing circle to follow
// the chain, not to execute the call.
func (c *Client) handleRequest(e *envelope.Envelope) {
	c.mu.Lock()
	var cl *call
	for _, id := range e.CorrelationID {
		if found, ok := c.proposals[id]; ok {
			cl = found
			break
		}
	}
	if cl != nil {
		c.pending[e.ID] = cl
		cl.ids = append(cl.ids, e.ID)
	}
	c.mu.Unlock()

	if cl != nil {
		cl.markFulfilled()
		c.log.Debug("Proposal fulfillment observed", "request_id", e.ID, "fulfiller", e.From)
		return
	}

	if e.Addressed(c.opts.Identity) {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.answerRequest(e)
		}()
	}
}

func (c *Client) handleStreamOpen(e *envelope.Envelope) {
	var p envelope.StreamOpenPayload
	if err := e.DecodePayload(&p); err != nil {
		c.log.Warn("Malformed stream open payload", "error", err)
		return
	}
	c.mu.Lock()
	var w *streamWait
	for _, id := range e.CorrelationID {
		if found, ok := c.streamWaits[id]; ok {
			delete(c.streamWaits, id)
			w = found
			break
		}
	}
	c.mu.Unlock()
	if w == nil {
		c.log.Debug("Unmatched stream open", "stream_id", p.StreamID)
		return
	}
	w.deliver(&p)
}
