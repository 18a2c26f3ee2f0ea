// Package audit provides the space's append-only audit log: one JSON entry
// per line recording every admitted and denied envelope in admission order.
// The log is the single serializable history of a space; replaying it in
// order reproduces the capability state of every session.
package audit

import (
	"time"

	"github.com/mew-protocol/mew-go/pkg/envelope"
)

// Decision records whether the gateway admitted or denied an envelope.
type Decision string

const (
	DecisionAdmitted Decision = "admitted"
	DecisionDenied   Decision = "denied"
)

// Entry is one audit log line. The envelope is stored verbatim, unknown
// wire fields included.
type Entry struct {
	Envelope  *envelope.Envelope `json:"envelope"`
	Timestamp time.Time          `json:"timestamp"`
	Decision  Decision           `json:"decision"`
	Reason    string             `json:"reason,omitempty"`
}

// Admitted builds an entry for an admitted envelope. The entry timestamp is
// the envelope's ingress timestamp.
func Admitted(e *envelope.Envelope) Entry {
	return Entry{Envelope: e, Timestamp: ingress(e), Decision: DecisionAdmitted}
}

// Denied builds an entry for a denied envelope with the denial reason.
func Denied(e *envelope.Envelope, reason string) Entry {
	return Entry{Envelope: e, Timestamp: ingress(e), Decision: DecisionDenied, Reason: reason}
}

func ingress(e *envelope.Envelope) time.Time {
	if e != nil && !e.TS.IsZero() {
		return e.TS
	}
	return time.Now().UTC()
}
