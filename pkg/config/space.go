// Package config loads and validates the space configuration file: the
// space id, the participant roster with bearer tokens and initial capability
// sets, and the gateway's runtime settings.
//
// The file is read once at startup. Runtime grants and revokes mutate
// per-session state inside the gateway, never this file.
package config

import (
	"time"

	"github.com/mew-protocol/mew-go/pkg/capability"
)

// DuplicatePolicy decides what happens when a participant identity that
// already has an active session is admitted again.
type DuplicatePolicy string

const (
	// DuplicateReject refuses the second admission.
	DuplicateReject DuplicatePolicy = "reject"
	// DuplicateDisplace closes the old session and admits the new one.
	DuplicateDisplace DuplicatePolicy = "displace"
)

// IsValid reports whether the policy is a known value.
func (p DuplicatePolicy) IsValid() bool {
	return p == DuplicateReject || p == DuplicateDisplace
}

// OverflowPolicy decides what happens when a recipient's outbound mailbox
// is full.
type OverflowPolicy string

const (
	// OverflowClose closes the slow recipient with a system/error.
	OverflowClose OverflowPolicy = "close"
	// OverflowDropOldest evicts the oldest non-critical queued envelope.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// IsValid reports whether the policy is a known value.
func (p OverflowPolicy) IsValid() bool {
	return p == OverflowClose || p == OverflowDropOldest
}

// SpaceConfig is the complete space configuration file structure.
type SpaceConfig struct {
	// Space is the space identifier; envelopes are routed and audited
	// within its scope.
	Space string `yaml:"space"`

	// Participants maps participant identity to its admission config.
	Participants map[string]ParticipantConfig `yaml:"participants"`

	// Gateway holds the gateway runtime settings.
	Gateway GatewaySettings `yaml:"gateway"`
}

// ParticipantConfig declares one participant: the bearer tokens that
// authenticate it and the capability set it starts with.
type ParticipantConfig struct {
	// Tokens are the bearer tokens accepted for this identity. Several
	// tokens may map to the same identity (rotation), but a token must
	// resolve to exactly one identity across the whole file.
	Tokens []string `yaml:"tokens"`

	// Capabilities is the initial capability set assigned on admission.
	Capabilities capability.Set `yaml:"capabilities"`

	// AutoDiscover enables runtime-side tool discovery for this
	// participant when it observes MCP-capable peers join.
	AutoDiscover bool `yaml:"auto_discover"`
}

// GatewaySettings contains the gateway's runtime tuning.
type GatewaySettings struct {
	// ListenAddr is the HTTP listen address, e.g. ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// QueueSize bounds each session's outbound mailbox.
	QueueSize int `yaml:"queue_size"`

	// DrainTimeout bounds how long a closing session may flush its
	// remaining outbound envelopes.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// WriteTimeout bounds a single WebSocket write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// DuplicatePolicy decides how a second admission under an active
	// identity is handled.
	DuplicatePolicy DuplicatePolicy `yaml:"duplicate_policy"`

	// OverflowPolicy decides how a full mailbox is handled.
	OverflowPolicy OverflowPolicy `yaml:"overflow_policy"`

	// AllowedOrigins are the WebSocket origin patterns accepted on
	// upgrade. Empty means same-host only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// AuditLog is the path of the append-only audit log file.
	AuditLog string `yaml:"audit_log"`
}

// DefaultGatewaySettings returns the built-in gateway defaults. User YAML
// values are merged on top.
func DefaultGatewaySettings() GatewaySettings {
	return GatewaySettings{
		ListenAddr:      ":8080",
		QueueSize:       256,
		DrainTimeout:    5 * time.Second,
		WriteTimeout:    10 * time.Second,
		DuplicatePolicy: DuplicateReject,
		OverflowPolicy:  OverflowClose,
		AuditLog:        "audit.ndjson",
	}
}

// ResolveToken looks up a bearer token and returns the identity and initial
// capability set it authenticates. Used by both the WebSocket admission and
// the REST surface.
func (c *SpaceConfig) ResolveToken(token string) (string, capability.Set, bool) {
	if token == "" {
		return "", nil, false
	}
	for identity, p := range c.Participants {
		for _, t := range p.Tokens {
			if t == token {
				return identity, p.Capabilities.Clone(), true
			}
		}
	}
	return "", nil, false
}

// Participant returns the configured entry for an identity.
func (c *SpaceConfig) Participant(identity string) (ParticipantConfig, bool) {
	p, ok := c.Participants[identity]
	return p, ok
}
