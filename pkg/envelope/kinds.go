package envelope

import "strings"

// Envelope kinds. The hierarchy is slash-separated; capability patterns
// match against these with segment globs.
const (
	KindChat            = "chat"
	KindChatAcknowledge = "chat/acknowledge"

	KindMCPRequest  = "mcp/request"
	KindMCPProposal = "mcp/proposal"
	KindMCPResponse = "mcp/response"

	KindReasoningStart      = "reasoning/start"
	KindReasoningThought    = "reasoning/thought"
	KindReasoningConclusion = "reasoning/conclusion"
	KindReasoningCancel     = "reasoning/cancel"

	KindStreamRequest = "stream/request"
	KindStreamOpen    = "stream/open"
	KindStreamData    = "stream/data"
	KindStreamClose   = "stream/close"

	KindCapabilityGrant    = "capability/grant"
	KindCapabilityGrantAck = "capability/grant-ack"
	KindCapabilityRevoke   = "capability/revoke"

	KindSystemWelcome  = "system/welcome"
	KindSystemPresence = "system/presence"
	KindSystemError    = "system/error"

	// Control kinds. pause/resume/shutdown flip session state at the
	// gateway; restart/clear/forget are routed through untouched and carry
	// participant-side semantics only.
	KindParticipantPause    = "participant/pause"
	KindParticipantResume   = "participant/resume"
	KindParticipantShutdown = "participant/shutdown"
	KindParticipantRestart  = "participant/restart"
	KindParticipantClear    = "participant/clear"
	KindParticipantForget   = "participant/forget"
)

// Critical reports whether envelopes of this kind may never be dropped by a
// backpressure policy. Losing one would desynchronize a participant's view
// of its own capabilities or session state.
func Critical(kind string) bool {
	return kind == KindSystemWelcome ||
		kind == KindSystemPresence ||
		kind == KindSystemError ||
		strings.HasPrefix(kind, "capability/")
}

// System error reasons carried in ErrorPayload.Reason. The gateway emits
// these; participant runtimes branch on them.
const (
	ReasonMalformed          = "malformed"
	ReasonUnsupportedVersion = "unsupported_version"
	ReasonIdentityMismatch   = "identity_mismatch"
	ReasonDuplicateID        = "duplicate_id"
	ReasonCapabilityDenied   = "capability_denied"
	ReasonOverflow           = "overflow"
	ReasonDisplaced          = "displaced"
	ReasonSpaceClosed        = "space_closed"
	ReasonSubordinateCrashed = "subordinate_crashed"
)

// Presence events carried in PresencePayload.Event.
const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// Stream directions carried in StreamRequestPayload.Direction.
const (
	StreamUpload   = "upload"
	StreamDownload = "download"
)
