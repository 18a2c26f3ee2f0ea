package client

import (
	"errors"
	"fmt"

	"github.com/mew-protocol/mew-go/pkg/envelope"
)

// Sentinel errors returned by runtime operations. Await-style calls
// (MCPRequest, RequestStream, DiscoverTools) resolve with exactly one of
// these or with the decoded result.
var (
	// ErrClosed is returned once Close has been called or the runtime has
	// given up reconnecting.
	ErrClosed = errors.New("client closed")

	// ErrNotConnected is returned by Send while no session is live. The
	// reconnect loop may still bring one back.
	ErrNotConnected = errors.New("not connected")

	// ErrCapabilityDenied is the local fast-failure: the cached capability
	// set does not permit the envelope, so it is never sent.
	ErrCapabilityDenied = errors.New("capability denied")

	// ErrTimeout is returned when a direct request's deadline passes with
	// no response observed.
	ErrTimeout = errors.New("request timed out")

	// ErrProposalUnfulfilled is returned when no fulfilling request is
	// observed before the proposal deadline.
	ErrProposalUnfulfilled = errors.New("proposal unfulfilled")

	// ErrFulfillmentTimeout is returned when a fulfilling request was
	// observed but its response never arrived.
	ErrFulfillmentTimeout = errors.New("fulfillment timed out")

	// ErrCancelled is returned when the caller's context is cancelled
	// while an await is pending. The registry slot is released.
	ErrCancelled = errors.New("cancelled")

	// ErrReconnected fails awaits that were pending when the session
	// dropped. A reconnect starts a new session; nothing is silently
	// re-issued unless the call opted in with WithRetryOnReconnect.
	ErrReconnected = errors.New("session reconnected")

	// ErrRemote marks a response that carried a JSON-RPC error object.
	// Unwrap a RemoteError to reach the code and message.
	ErrRemote = errors.New("remote error")

	// ErrStreamClosed is returned by Stream.Send after the stream has
	// been closed by either side.
	ErrStreamClosed = errors.New("stream closed")
)

// RemoteError wraps the JSON-RPC error object a responder returned.
// errors.Is(err, ErrRemote) matches it.
type RemoteError struct {
	RPC *envelope.RPCError
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.RPC.Code, e.RPC.Message)
}

func (e *RemoteError) Unwrap() error { return ErrRemote }
