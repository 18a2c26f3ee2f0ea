// Package envelope defines the MEW wire unit: the envelope schema, its
// parse/validate/serialize entry points, kind constants, and the typed
// payload shapes shared by the gateway and the participant runtime.
package envelope

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Protocol versions accepted on ingress. The gateway stamps Protocol on
// outbound envelopes; senders declaring the immediate predecessor are
// still admitted.
const (
	Protocol      = "mew/v0.4"
	ProtocolPrior = "mew/v0.3"
)

// GatewayIdentity is the reserved sender identity for gateway-originated
// system envelopes (welcome, presence, errors). It contains a colon so it
// can never collide with a configured participant id.
const GatewayIdentity = "system:gateway"

// Envelope is the single unit of communication in a space.
//
// To and CorrelationID keep their array shape end to end: empty To means
// broadcast, and every CorrelationID element is preserved verbatim even
// though writers only ever emit a single element. Unknown top-level fields
// survive a Parse → Encode round trip untouched.
type Envelope struct {
	Protocol      string    `json:"protocol"`
	ID            string    `json:"id"`
	TS            time.Time `json:"ts"`
	From          string    `json:"from"`
	To            []string  `json:"to,omitempty"`
	Kind          string    `json:"kind"`
	CorrelationID []string  `json:"correlation_id,omitempty"`
	Context       string    `json:"context,omitempty"`

	// Payload is the decoded kind-dependent content: a map[string]any,
	// a []any, or nil. Use DecodePayload to project it onto a typed
	// payload struct.
	Payload any `json:"payload"`

	// extra holds unknown top-level fields, preserved for forwarding.
	extra map[string]json.RawMessage
}

// knownFields are the top-level keys owned by the envelope schema.
// Anything else lands in extra.
var knownFields = map[string]bool{
	"protocol": true, "id": true, "ts": true, "from": true, "to": true,
	"kind": true, "correlation_id": true, "context": true, "payload": true,
}

// NewID returns a fresh collision-resistant envelope identifier.
func NewID() string {
	return "env-" + uuid.NewString()
}

// NewStreamID returns a fresh stream identifier. Stream ids are assigned
// by the gateway when it answers a stream/request.
func NewStreamID() string {
	return "str-" + uuid.NewString()
}

// AcceptedVersion reports whether v is a protocol tag the gateway admits.
func AcceptedVersion(v string) bool {
	return v == Protocol || v == ProtocolPrior
}

// Parse decodes a single wire frame into an Envelope, enforcing the shape
// rules of the schema: a JSON object, an accepted protocol tag, string
// arrays for to/correlation_id, and a structured (object, array, or null)
// payload. From and kind must be present; id and ts may be absent because
// the gateway assigns them on ingress — Validate enforces the full set.
func Parse(data []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, ErrMalformed
	}

	e := &Envelope{}
	var err error

	if e.Protocol, err = stringField(fields, "protocol"); err != nil {
		return nil, err
	}
	if !AcceptedVersion(e.Protocol) {
		return nil, fieldErr("protocol", ErrUnsupportedVersion, e.Protocol)
	}
	if e.ID, err = stringField(fields, "id"); err != nil {
		return nil, err
	}
	if e.From, err = stringField(fields, "from"); err != nil {
		return nil, err
	}
	if e.From == "" {
		return nil, fieldErr("from", ErrMissingField, "")
	}
	if strings.Contains(e.From, "_") {
		return nil, fieldErr("from", ErrInvalidField, "underscores are reserved")
	}
	if e.Kind, err = stringField(fields, "kind"); err != nil {
		return nil, err
	}
	if e.Kind == "" {
		return nil, fieldErr("kind", ErrMissingField, "")
	}
	if e.To, err = stringsField(fields, "to"); err != nil {
		return nil, err
	}
	if e.CorrelationID, err = stringsField(fields, "correlation_id"); err != nil {
		return nil, err
	}
	if raw, ok := fields["context"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &e.Context); err != nil {
			return nil, fieldErr("context", ErrInvalidField, "expected string")
		}
	}
	if raw, ok := fields["ts"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &e.TS); err != nil {
			return nil, fieldErr("ts", ErrInvalidField, "expected RFC 3339 timestamp")
		}
	}
	if raw, ok := fields["payload"]; ok && !isNull(raw) {
		var p any
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fieldErr("payload", ErrInvalidField, "invalid JSON")
		}
		switch p.(type) {
		case map[string]any, []any:
			e.Payload = p
		default:
			return nil, fieldErr("payload", ErrInvalidField, "must be an object, array, or null")
		}
	}

	for k, raw := range fields {
		if knownFields[k] {
			continue
		}
		if e.extra == nil {
			e.extra = make(map[string]json.RawMessage)
		}
		e.extra[k] = raw
	}

	return e, nil
}

// Validate enforces the rules an admitted envelope must satisfy, beyond
// the shape checks Parse already applied. The gateway calls this after
// stamping id and ts.
func (e *Envelope) Validate() error {
	if !AcceptedVersion(e.Protocol) {
		return fieldErr("protocol", ErrUnsupportedVersion, e.Protocol)
	}
	if e.ID == "" {
		return fieldErr("id", ErrMissingField, "")
	}
	if e.From == "" {
		return fieldErr("from", ErrMissingField, "")
	}
	if strings.Contains(e.From, "_") {
		return fieldErr("from", ErrInvalidField, "underscores are reserved")
	}
	if e.Kind == "" {
		return fieldErr("kind", ErrMissingField, "")
	}
	for _, to := range e.To {
		if to == "" {
			return fieldErr("to", ErrInvalidField, "empty recipient id")
		}
	}
	for _, cid := range e.CorrelationID {
		if cid == "" {
			return fieldErr("correlation_id", ErrInvalidField, "empty envelope id")
		}
	}
	switch e.Payload.(type) {
	case nil, map[string]any, []any:
	default:
		return fieldErr("payload", ErrInvalidField, "must be an object, array, or null")
	}
	return nil
}

// Encode serializes the envelope to a single wire frame, re-emitting any
// unknown fields captured at parse time. Field ordering is not significant.
func (e *Envelope) Encode() ([]byte, error) {
	fields := make(map[string]any, 9+len(e.extra))
	fields["protocol"] = e.Protocol
	fields["id"] = e.ID
	fields["ts"] = e.TS
	fields["from"] = e.From
	fields["kind"] = e.Kind
	if len(e.To) > 0 {
		fields["to"] = e.To
	}
	if len(e.CorrelationID) > 0 {
		fields["correlation_id"] = e.CorrelationID
	}
	if e.Context != "" {
		fields["context"] = e.Context
	}
	fields["payload"] = e.Payload
	for k, raw := range e.extra {
		fields[k] = raw
	}
	return json.Marshal(fields)
}

// MarshalJSON makes Encode the canonical JSON form, so envelopes embedded
// in other structures (audit entries) also carry their unknown fields.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return e.Encode()
}

// UnmarshalJSON mirrors Parse but without the schema gate, so audit log
// readers can load historical entries written under older version tags.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return ErrMalformed
	}
	get := func(key string, v any) {
		if raw, ok := fields[key]; ok && !isNull(raw) {
			_ = json.Unmarshal(raw, v)
		}
	}
	get("protocol", &e.Protocol)
	get("id", &e.ID)
	get("ts", &e.TS)
	get("from", &e.From)
	get("to", &e.To)
	get("kind", &e.Kind)
	get("correlation_id", &e.CorrelationID)
	get("context", &e.Context)
	get("payload", &e.Payload)
	for k, raw := range fields {
		if knownFields[k] {
			continue
		}
		if e.extra == nil {
			e.extra = make(map[string]json.RawMessage)
		}
		e.extra[k] = raw
	}
	return nil
}

// DecodePayload projects the envelope payload onto a typed struct.
func (e *Envelope) DecodePayload(v any) error {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Correlates reports whether the envelope's correlation_id contains id.
func (e *Envelope) Correlates(id string) bool {
	for _, cid := range e.CorrelationID {
		if cid == id {
			return true
		}
	}
	return false
}

// Addressed reports whether the envelope is directed at the given
// participant. Broadcast envelopes (empty To) are not "addressed".
func (e *Envelope) Addressed(identity string) bool {
	for _, to := range e.To {
		if to == identity {
			return true
		}
	}
	return false
}

// Broadcast reports whether the envelope targets all other participants.
func (e *Envelope) Broadcast() bool {
	return len(e.To) == 0
}

// Clone returns a copy sharing no mutable state with the original.
// The payload is shared: envelopes are treated as immutable once admitted.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.To != nil {
		clone.To = append([]string(nil), e.To...)
	}
	if e.CorrelationID != nil {
		clone.CorrelationID = append([]string(nil), e.CorrelationID...)
	}
	if e.extra != nil {
		clone.extra = make(map[string]json.RawMessage, len(e.extra))
		for k, v := range e.extra {
			clone.extra[k] = v
		}
	}
	return &clone
}

func stringField(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fieldErr(key, ErrInvalidField, "expected string")
	}
	return s, nil
}

func stringsField(fields map[string]json.RawMessage, key string) ([]string, error) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return nil, nil
	}
	var ss []string
	if err := json.Unmarshal(raw, &ss); err != nil {
		return nil, fieldErr(key, ErrInvalidField, "expected array of strings")
	}
	return ss, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 4 && string(raw) == "null"
}
