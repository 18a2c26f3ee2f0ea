package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mew-protocol/mew-go/pkg/envelope"
)

// call tracks one awaited request or proposal. The envelope ids it is
// registered under live in ids and are maintained under Client.mu; the
// outcome channel semantics are one-shot via the sync.Onces.
type call struct {
	payload *envelope.RPCRequest
	targets []string
	direct  bool
	retry   bool
	retried bool

	ids        []string // pending-map keys, including a fulfilling request id
	proposalID string
	dropped    bool // slots released; no further registration

	fulfilled   chan struct{}
	fulfillOnce sync.Once

	done   chan struct{}
	once   sync.Once
	result json.RawMessage
	rpcErr *envelope.RPCError
	err    error
}

func newCall(payload *envelope.RPCRequest, targets []string) *call {
	return &call{
		payload:   payload,
		targets:   targets,
		fulfilled: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// deliver resolves the call with a response. Returns false when the call
// was already resolved, which marks the response as a duplicate.
func (cl *call) deliver(result json.RawMessage, rpcErr *envelope.RPCError) bool {
	won := false
	cl.once.Do(func() {
		cl.result = result
		cl.rpcErr = rpcErr
		won = true
		close(cl.done)
	})
	return won
}

func (cl *call) deliverErr(err error) bool {
	won := false
	cl.once.Do(func() {
		cl.err = err
		won = true
		close(cl.done)
	})
	return won
}

func (cl *call) markFulfilled() {
	cl.fulfillOnce.Do(func() { close(cl.fulfilled) })
}

func (cl *call) outcome() (json.RawMessage, error) {
	if cl.err != nil {
		return nil, cl.err
	}
	if cl.rpcErr != nil {
		return nil, &RemoteError{RPC: cl.rpcErr}
	}
	return cl.result, nil
}

// RequestOption tunes one MCPRequest call.
type RequestOption func(*requestOptions)

type requestOptions struct {
	retryOnReconnect bool
}

// WithRetryOnReconnect re-issues a direct request once, under a fresh
// envelope id, if the session drops and reconnects while it is pending.
// Without it a reconnect fails the call with ErrReconnected. Proposals are
// never re-issued: the original may still be fulfilled by an observer that
// received it before the drop.
func WithRetryOnReconnect() RequestOption {
	return func(o *requestOptions) { o.retryOnReconnect = true }
}

// MCPRequest issues a JSON-RPC call to targets and awaits the outcome.
// With direct-request capability it emits mcp/request; with only proposal
// capability it emits mcp/proposal and waits for a fulfilling request and
// its response on the broadcast stream; with neither it fails immediately.
//
// timeout bounds each await stage; zero uses Options.RequestTimeout. The
// result is the raw JSON-RPC result. A responder-side error object comes
// back as a RemoteError matching ErrRemote.
func (c *Client) MCPRequest(ctx context.Context, targets []string, method string, params any, timeout time.Duration, opts ...RequestOption) (json.RawMessage, error) {
	var ro requestOptions
	for _, o := range opts {
		o(&ro)
	}
	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}

	payload, err := envelope.NewRequestPayload(c.rpcSeq.Add(1), method, params)
	if err != nil {
		return nil, err
	}
	pv := payloadValue(payload)

	c.mu.Lock()
	caps := c.caps
	c.mu.Unlock()

	switch {
	case caps.Permits(envelope.KindMCPRequest, pv):
		return c.directRequest(ctx, targets, payload, timeout, ro)
	case caps.Permits(envelope.KindMCPProposal, pv):
		return c.propose(ctx, targets, payload, timeout)
	default:
		return nil, fmt.Errorf("%w: %s", ErrCapabilityDenied, method)
	}
}

func (c *Client) directRequest(ctx context.Context, targets []string, payload *envelope.RPCRequest, timeout time.Duration, ro requestOptions) (json.RawMessage, error) {
	cl := newCall(payload, targets)
	cl.direct = true
	cl.retry = ro.retryOnReconnect

	e := &envelope.Envelope{
		ID:      envelope.NewID(),
		Kind:    envelope.KindMCPRequest,
		To:      targets,
		Payload: payload,
	}
	c.register(cl, e.ID)
	defer c.drop(cl)

	if err := c.Send(e); err != nil {
		return nil, err
	}
	c.log.Debug("Request sent", "envelope_id", e.ID, "method", payload.Method, "targets", targets)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-cl.done:
		return cl.outcome()
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ErrCancelled
	case <-c.done:
		return nil, ErrClosed
	}
}

// propose runs the two-stage proposal await: first for an observed
// mcp/request correlating our proposal id, then for the response closing
// that request. Each stage gets the full timeout.
//
// Proposals broadcast regardless of targets: a directed proposal would
// reach only the intended executor, which lacks the authority to act on
// it. Fulfillers choose the executor when they re-issue the call.
func (c *Client) propose(ctx context.Context, targets []string, payload *envelope.RPCRequest, timeout time.Duration) (json.RawMessage, error) {
	cl := newCall(payload, targets)

	e := &envelope.Envelope{
		ID:      envelope.NewID(),
		Kind:    envelope.KindMCPProposal,
		Payload: payload,
	}
	c.registerProposal(cl, e.ID)
	defer c.drop(cl)

	if err := c.Send(e); err != nil {
		return nil, err
	}
	c.log.Debug("Proposal sent", "envelope_id", e.ID, "method", payload.Method)

	fulfillTimer := time.NewTimer(timeout)
	defer fulfillTimer.Stop()
	select {
	case <-cl.fulfilled:
	case <-cl.done:
		return cl.outcome()
	case <-fulfillTimer.C:
		return nil, ErrProposalUnfulfilled
	case <-ctx.Done():
		return nil, ErrCancelled
	case <-c.done:
		return nil, ErrClosed
	}

	responseTimer := time.NewTimer(timeout)
	defer responseTimer.Stop()
	select {
	case <-cl.done:
		return cl.outcome()
	case <-responseTimer.C:
		return nil, ErrFulfillmentTimeout
	case <-ctx.Done():
		return nil, ErrCancelled
	case <-c.done:
		return nil, ErrClosed
	}
}

// Fulfill re-issues an observed proposal as a direct request under this
// participant's own authority. The request carries the proposal's payload
// verbatim, correlates the proposal id, and is addressed to targets plus
// the proposer so the proposer can follow its fulfillment. The returned
// result is this caller's copy; the proposer's own await resolves through
// observation.
func (c *Client) Fulfill(ctx context.Context, proposal *envelope.Envelope, targets []string, timeout time.Duration) (json.RawMessage, error) {
	if proposal.Kind != envelope.KindMCPProposal {
		return nil, fmt.Errorf("envelope %s is %s, not %s", proposal.ID, proposal.Kind, envelope.KindMCPProposal)
	}
	var payload envelope.RPCRequest
	if err := proposal.DecodePayload(&payload); err != nil {
		return nil, fmt.Errorf("decode proposal payload: %w", err)
	}
	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}

	to := make([]string, 0, len(targets)+1)
	for _, t := range targets {
		if t != proposal.From {
			to = append(to, t)
		}
	}
	to = append(to, proposal.From)

	cl := newCall(&payload, to)
	cl.direct = true

	e := &envelope.Envelope{
		ID:            envelope.NewID(),
		Kind:          envelope.KindMCPRequest,
		To:            to,
		CorrelationID: []string{proposal.ID},
		Payload:       &payload,
	}
	c.register(cl, e.ID)
	defer c.drop(cl)

	if err := c.Send(e); err != nil {
		return nil, err
	}
	c.log.Info("Fulfilling proposal", "proposal_id", proposal.ID, "request_id", e.ID, "method", payload.Method)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-cl.done:
		return cl.outcome()
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ErrCancelled
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Client) register(cl *call, envelopeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl.dropped {
		return false
	}
	c.pending[envelopeID] = cl
	cl.ids = append(cl.ids, envelopeID)
	return true
}

func (c *Client) registerProposal(cl *call, envelopeID string) {
	c.mu.Lock()
	c.proposals[envelopeID] = cl
	cl.proposalID = envelopeID
	c.mu.Unlock()
}

// drop releases every registry slot the call holds. Deferred by the await
// paths so cancellation and timeouts clean up uniformly.
func (c *Client) drop(cl *call) {
	c.mu.Lock()
	cl.dropped = true
	for _, id := range cl.ids {
		delete(c.pending, id)
	}
	if cl.proposalID != "" {
		delete(c.proposals, cl.proposalID)
	}
	c.mu.Unlock()
}

// reissue re-sends a retry-flagged request under a fresh envelope id after
// a reconnect. The await keeps its original deadline; a call whose await
// already gave up is skipped.
func (c *Client) reissue(cl *call) {
	e := &envelope.Envelope{
		ID:      envelope.NewID(),
		Kind:    envelope.KindMCPRequest,
		To:      cl.targets,
		Payload: cl.payload,
	}
	if !c.register(cl, e.ID) {
		return
	}
	c.log.Info("Re-issuing request after reconnect", "envelope_id", e.ID, "method", cl.payload.Method)
	if err := c.Send(e); err != nil {
		cl.deliverErr(err)
	}
}
