package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/mew-protocol/mew-go/pkg/capability"
)

// JSONRPCVersion is the fixed version tag of MCP payloads.
const JSONRPCVersion = "2.0"

// JSON-RPC error codes used by runtimes when translating executor and
// transport failures into response payloads. Server errors from subordinate
// processes pass through with their original codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeRetriable      = -32000
)

// RPCRequest is the payload of mcp/request and mcp/proposal envelopes.
// ID discriminates concurrent calls between the same pair of participants;
// it is a JSON number or string and is echoed verbatim in the response.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is the payload of mcp/response envelopes. Exactly one of
// Result and Error is set.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object. It implements error so executor
// failures can travel through ordinary Go error returns and still be
// emitted verbatim on the wire.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequestPayload builds an mcp/request (or mcp/proposal) payload,
// marshaling params. A nil params produces a request without a params field.
func NewRequestPayload(id any, method string, params any) (*RPCRequest, error) {
	req := &RPCRequest{JSONRPC: JSONRPCVersion, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	return req, nil
}

// ErrorPayload is the payload of system/error envelopes. Reason is one of
// the Reason* constants; Detail is human-readable context.
type ErrorPayload struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// ParticipantInfo describes one participant in welcome and presence
// payloads: its identity and current capability set.
type ParticipantInfo struct {
	ID           string         `json:"id"`
	Capabilities capability.Set `json:"capabilities"`
}

// WelcomePayload is the payload of system/welcome. The gateway sends it
// once on admission and again whenever the recipient's capability set
// changes through a grant or revoke.
type WelcomePayload struct {
	You          ParticipantInfo   `json:"you"`
	Participants []ParticipantInfo `json:"participants,omitempty"`
}

// PresencePayload is the payload of system/presence broadcasts.
type PresencePayload struct {
	Event       string          `json:"event"`
	Participant ParticipantInfo `json:"participant"`
}

// GrantPayload is the payload of capability/grant and capability/revoke.
// Recipient names the target participant; grant-acks reference the grant
// envelope's id through correlation_id, so no extra field is needed here.
type GrantPayload struct {
	Recipient    string                  `json:"recipient"`
	Capabilities []capability.Capability `json:"capabilities"`
	Reason       string                  `json:"reason,omitempty"`
}

// StreamRequestPayload is the payload of stream/request. Direction is
// upload or download from the requester's point of view.
type StreamRequestPayload struct {
	Direction   string `json:"direction"`
	Description string `json:"description,omitempty"`
}

// StreamOpenPayload is the payload of the gateway's stream/open reply,
// carrying the assigned stream identifier.
type StreamOpenPayload struct {
	StreamID  string `json:"stream_id"`
	Direction string `json:"direction,omitempty"`
}

// StreamDataPayload is the payload of stream/data frames. Seq starts at 1
// and increases strictly; receivers treat a gap or repeat as a protocol
// violation by the peer.
type StreamDataPayload struct {
	StreamID string `json:"stream_id"`
	Seq      uint64 `json:"seq"`
	Data     any    `json:"data,omitempty"`
}

// StreamClosePayload is the payload of stream/close.
type StreamClosePayload struct {
	StreamID string `json:"stream_id"`
	Reason   string `json:"reason,omitempty"`
}

// ChatPayload is the payload of chat envelopes.
type ChatPayload struct {
	Text   string `json:"text"`
	Format string `json:"format,omitempty"`
}

// ReasoningPayload is the payload of reasoning/start, reasoning/thought and
// reasoning/conclusion envelopes. Cancelled marks a conclusion emitted in
// response to reasoning/cancel rather than a natural finish.
type ReasoningPayload struct {
	Message   string `json:"message,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}
