// Package gateway owns a space: it admits participant sessions, enforces
// capabilities on every envelope, routes broadcast and directed traffic,
// applies control envelopes (pause, shutdown, grants, streams), and appends
// the audit log. A single router mutex serializes admission, which is what
// produces the space's totally-ordered history.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mew-protocol/mew-go/pkg/audit"
	"github.com/mew-protocol/mew-go/pkg/capability"
	"github.com/mew-protocol/mew-go/pkg/config"
	"github.com/mew-protocol/mew-go/pkg/envelope"
)

// idWindowSize bounds the duplicate-id gate. Ids older than the window are
// forgotten; remembering every id for the life of a space would grow without
// bound.
const idWindowSize = 16384

// Space is the routing authority for one named space.
type Space struct {
	name     string
	cfg      *config.SpaceConfig
	settings config.GatewaySettings
	log      *audit.Writer

	// mu is the router mutex: admission, roster changes, fanout, and audit
	// appends all happen under it, giving the space a total admission order.
	mu       sync.Mutex
	sessions map[string]*Session
	recent   *idWindow
	closed   bool

	wg sync.WaitGroup // in-flight session drains

	logger *slog.Logger
}

// NewSpace builds the space from a loaded configuration. The audit writer
// may be nil in tests; production wiring always supplies one.
func NewSpace(cfg *config.SpaceConfig, log *audit.Writer, logger *slog.Logger) *Space {
	if logger == nil {
		logger = slog.Default()
	}
	return &Space{
		name:     cfg.Space,
		cfg:      cfg,
		settings: cfg.Gateway,
		log:      log,
		sessions: make(map[string]*Session),
		recent:   newIDWindow(idWindowSize),
		logger:   logger.With("space", cfg.Space),
	}
}

// Name returns the space identifier.
func (s *Space) Name() string {
	return s.name
}

// Settings returns the gateway runtime settings the space was built with.
func (s *Space) Settings() config.GatewaySettings {
	return s.settings
}

// Closed reports whether the space stopped admitting envelopes.
func (s *Space) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ConnectedCount returns the number of live (active or paused) sessions.
func (s *Space) ConnectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// HasActive reports whether an identity currently holds a session. The
// WebSocket handler uses it to refuse duplicates before upgrading.
func (s *Space) HasActive(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[identity]
	return ok
}

// Admit registers a new session for an authenticated identity: duplicate
// policy, welcome envelope, activation, presence join broadcast. The caller
// resolved the token to the identity and initial capability set already.
func (s *Space) Admit(identity string, caps capability.Set, conn Conn) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSpaceClosed
	}
	if old, ok := s.sessions[identity]; ok {
		if s.settings.DuplicatePolicy != config.DuplicateDisplace {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateIdentity, identity)
		}
		s.displaceLocked(old)
	}

	sess := newSession(identity, conn, caps, s.settings.QueueSize, s.settings.WriteTimeout, s.logger)
	s.sessions[identity] = sess
	go sess.writeLoop()

	// The welcome must be the first envelope the session reads, so it is
	// queued before activation opens the session to broadcast fanout.
	s.deliverLocked(sess, s.welcomeLocked(sess))
	sess.activate()

	s.broadcastSystemLocked(s.presenceEnvelope(envelope.PresenceJoin, sess), identity)

	s.logger.Info("Participant joined", "participant", identity)
	return sess, nil
}

// Ingest runs one raw frame from a live session through the admission
// pipeline. Denials are answered with a directed system/error; nothing is
// returned because the read loop has no one else to tell.
func (s *Space) Ingest(sess *Session, raw []byte) {
	if st := sess.State(); st == StateDraining || st == StateClosed {
		return
	}

	e, err := envelope.Parse(raw)
	if err != nil {
		s.mu.Lock()
		s.replyLocked(sess, "", err)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admitLocked(sess.Identity(), sess, e); err != nil {
		s.replyLocked(sess, e.ID, err)
	}
}

// Submit admits an envelope on behalf of an identity without requiring a
// WebSocket session — the REST surface. When the identity has a live
// session its current capabilities apply; otherwise the configured initial
// set does. The returned error maps onto an HTTP status.
func (s *Space) Submit(identity string, e *envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessions[identity]
	if sess != nil {
		if st := sess.State(); st != StateActive && st != StatePaused {
			sess = nil
		}
	}
	return s.admitLocked(identity, sess, e)
}

// Remove tears down a session after its read loop ends: presence leave,
// bounded drain, transport close. Idempotent.
func (s *Space) Remove(sess *Session, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(sess, reason, nil)
}

// Close stops the space: no further admissions, every session drained and
// closed. The context bounds how long the drains may take.
func (s *Space) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for identity, sess := range s.sessions {
		if !sess.beginDrain() {
			continue
		}
		delete(s.sessions, identity)
		s.asyncShutdown(sess, "space closed", nil)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admitLocked is the shared admission pipeline: identity check, duplicate
// id gate, stamping, validation, capability check, fanout, control effects,
// audit append. Caller holds the router mutex.
func (s *Space) admitLocked(sender string, senderSess *Session, e *envelope.Envelope) error {
	if s.closed {
		return ErrSpaceClosed
	}
	if e.From != sender {
		return fmt.Errorf("%w: envelope from %q, session authenticated as %q", ErrIdentityMismatch, e.From, sender)
	}

	if e.ID == "" {
		e.ID = envelope.NewID()
	} else if s.recent.seen(e.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicateEnvelope, e.ID)
	}
	s.recent.add(e.ID)
	e.TS = time.Now().UTC()
	e.Protocol = envelope.Protocol

	if err := e.Validate(); err != nil {
		return err
	}

	// Control payloads are decoded before the capability verdict so a
	// malformed control envelope is a protocol error, not a half-applied
	// effect.
	ctl, err := decodeControl(e)
	if err != nil {
		return err
	}

	caps := s.senderCapsLocked(sender, senderSess)
	if err := s.authorizeLocked(caps, e, ctl); err != nil {
		s.auditLocked(audit.Denied(e, envelope.ReasonCapabilityDenied))
		return err
	}

	s.fanoutLocked(sender, e)
	s.applyControlLocked(sender, senderSess, e, ctl)
	s.auditLocked(audit.Admitted(e))
	return nil
}

// control carries the pre-decoded payload of gateway-handled control kinds.
type control struct {
	grant  *envelope.GrantPayload
	stream *envelope.StreamRequestPayload
}

func decodeControl(e *envelope.Envelope) (control, error) {
	var ctl control
	switch e.Kind {
	case envelope.KindCapabilityGrant, envelope.KindCapabilityRevoke:
		var p envelope.GrantPayload
		if err := e.DecodePayload(&p); err != nil {
			return ctl, &envelope.FieldError{Field: "payload", Detail: "invalid grant payload", Err: envelope.ErrInvalidField}
		}
		if p.Recipient == "" {
			return ctl, &envelope.FieldError{Field: "payload", Detail: "grant recipient is required", Err: envelope.ErrInvalidField}
		}
		if len(p.Capabilities) == 0 {
			return ctl, &envelope.FieldError{Field: "payload", Detail: "grant lists no capabilities", Err: envelope.ErrInvalidField}
		}
		ctl.grant = &p
	case envelope.KindStreamRequest:
		var p envelope.StreamRequestPayload
		if err := e.DecodePayload(&p); err != nil {
			return ctl, &envelope.FieldError{Field: "payload", Detail: "invalid stream request", Err: envelope.ErrInvalidField}
		}
		if p.Direction != envelope.StreamUpload && p.Direction != envelope.StreamDownload {
			return ctl, &envelope.FieldError{Field: "payload", Detail: "stream direction must be upload or download", Err: envelope.ErrInvalidField}
		}
		ctl.stream = &p
	}
	return ctl, nil
}

// authorizeLocked applies the capability matcher, plus the no-escalation
// rule for grants and revokes.
func (s *Space) authorizeLocked(caps capability.Set, e *envelope.Envelope, ctl control) error {
	if !caps.Permits(e.Kind, e.Payload) {
		return fmt.Errorf("%w: no capability permits kind %q", ErrCapabilityDenied, e.Kind)
	}
	if ctl.grant != nil {
		switch e.Kind {
		case envelope.KindCapabilityGrant:
			if !capability.CanGrant(caps, ctl.grant.Capabilities) {
				return fmt.Errorf("%w: grant exceeds the granter's own capabilities", ErrCapabilityDenied)
			}
		case envelope.KindCapabilityRevoke:
			if !capability.CanRevoke(caps, ctl.grant.Capabilities) {
				return fmt.Errorf("%w: revoke exceeds the revoker's own capabilities", ErrCapabilityDenied)
			}
		}
	}
	return nil
}

// fanoutLocked enqueues one copy per recipient. Broadcast reaches every
// other active session; directed delivery reaches the live subset of to,
// deduplicated. Self-addressed copies are dropped: the space never loops an
// envelope back to its sender.
func (s *Space) fanoutLocked(sender string, e *envelope.Envelope) {
	if e.Broadcast() {
		for identity, sess := range s.sessions {
			if identity == sender || !receptive(sess, e.Kind) {
				continue
			}
			s.deliverLocked(sess, e)
		}
		return
	}

	delivered := make(map[string]bool, len(e.To))
	for _, to := range e.To {
		if delivered[to] {
			continue
		}
		delivered[to] = true
		if to == sender {
			s.logger.Debug("Dropping self-addressed copy", "id", e.ID, "participant", sender)
			continue
		}
		sess, ok := s.sessions[to]
		if !ok || !receptive(sess, e.Kind) {
			s.logger.Debug("Pruning unreachable recipient", "id", e.ID, "recipient", to)
			continue
		}
		s.deliverLocked(sess, e)
	}
}

// receptive reports whether a session should receive an envelope of this
// kind right now. Paused sessions receive critical envelopes, so their
// capability and roster view stays coherent for resume, and participant
// control envelopes, so a paused target still sees its own resume.
func receptive(sess *Session, kind string) bool {
	switch sess.State() {
	case StateActive:
		return true
	case StatePaused:
		return envelope.Critical(kind) || strings.HasPrefix(kind, "participant/")
	default:
		return false
	}
}

// applyControlLocked runs gateway-side effects of control kinds. Effects run
// after fanout so the control envelope itself is already queued ahead of any
// envelope the effect produces (a grant precedes its welcome refresh) and so
// a shutdown target still receives the shutdown envelope before draining.
func (s *Space) applyControlLocked(sender string, senderSess *Session, e *envelope.Envelope, ctl control) {
	switch e.Kind {
	case envelope.KindParticipantPause:
		for _, sess := range s.targetsLocked(e.To) {
			if sess.pause() {
				s.logger.Info("Participant paused", "participant", sess.Identity(), "by", sender)
			}
		}
	case envelope.KindParticipantResume:
		for _, sess := range s.targetsLocked(e.To) {
			if sess.resume() {
				s.logger.Info("Participant resumed", "participant", sess.Identity(), "by", sender)
			}
		}
	case envelope.KindParticipantShutdown:
		for _, sess := range s.targetsLocked(e.To) {
			s.logger.Info("Participant shut down", "participant", sess.Identity(), "by", sender)
			s.removeLocked(sess, "shutdown", nil)
		}
	case envelope.KindCapabilityGrant:
		s.applyGrantLocked(e, ctl.grant, true)
	case envelope.KindCapabilityRevoke:
		s.applyGrantLocked(e, ctl.grant, false)
	case envelope.KindStreamRequest:
		open := s.systemEnvelope(envelope.KindStreamOpen, []string{sender}, []string{e.ID}, &envelope.StreamOpenPayload{
			StreamID:  envelope.NewStreamID(),
			Direction: ctl.stream.Direction,
		})
		if senderSess != nil {
			s.deliverLocked(senderSess, open)
		} else {
			s.logger.Debug("Stream opened without a live session to notify", "participant", sender)
		}
	}
}

// applyGrantLocked swaps the target's capability set and refreshes its
// welcome so both sides agree on the new set.
func (s *Space) applyGrantLocked(e *envelope.Envelope, grant *envelope.GrantPayload, add bool) {
	target, ok := s.sessions[grant.Recipient]
	if !ok {
		s.logger.Warn("Capability change for absent participant", "recipient", grant.Recipient, "kind", e.Kind)
		return
	}

	cur := target.Capabilities()
	var next capability.Set
	if add {
		next = cur.Add(grant.Capabilities...)
	} else {
		next = cur.Remove(grant.Capabilities...)
	}
	target.setCapabilities(next)
	s.deliverLocked(target, s.welcomeLocked(target))

	s.logger.Info("Capability set updated",
		"participant", grant.Recipient,
		"by", e.From,
		"kind", e.Kind,
		"capabilities", len(next))
}

// targetsLocked resolves the live sessions named by a control envelope's to
// list.
func (s *Space) targetsLocked(to []string) []*Session {
	var targets []*Session
	for _, identity := range to {
		if sess, ok := s.sessions[identity]; ok {
			targets = append(targets, sess)
		}
	}
	return targets
}

// deliverLocked enqueues one envelope to one session, applying the overflow
// policy. A full mailbox under the close policy (or one full of critical
// envelopes under drop_oldest) closes the slow recipient.
func (s *Space) deliverLocked(sess *Session, e *envelope.Envelope) {
	dropOldest := s.settings.OverflowPolicy == config.OverflowDropOldest
	err := sess.enqueue(e, dropOldest)
	if err == nil || errors.Is(err, errMailboxClosed) {
		return
	}

	s.logger.Warn("Outbound queue overflow, closing slow participant",
		"participant", sess.Identity(), "queue_size", s.settings.QueueSize)
	notice := s.systemEnvelope(envelope.KindSystemError, []string{sess.Identity()}, nil, &envelope.ErrorPayload{
		Reason: envelope.ReasonOverflow,
		Detail: "outbound queue full",
	})
	s.removeLocked(sess, "overflow", notice)
}

// removeLocked unregisters a session and starts its asynchronous drain. The
// presence leave broadcast is skipped while the whole space is closing.
func (s *Space) removeLocked(sess *Session, reason string, notice *envelope.Envelope) {
	if !sess.beginDrain() {
		return
	}
	if cur, ok := s.sessions[sess.Identity()]; ok && cur == sess {
		delete(s.sessions, sess.Identity())
	}
	if !s.closed {
		s.broadcastSystemLocked(s.presenceEnvelope(envelope.PresenceLeave, sess), sess.Identity())
	}
	s.asyncShutdown(sess, reason, notice)

	s.logger.Info("Participant left", "participant", sess.Identity(), "reason", reason)
}

// displaceLocked closes the previous session of an identity being admitted
// again under the displace policy. No presence leave: the identity never
// left the space.
func (s *Space) displaceLocked(old *Session) {
	if !old.beginDrain() {
		return
	}
	delete(s.sessions, old.Identity())
	notice := s.systemEnvelope(envelope.KindSystemError, []string{old.Identity()}, nil, &envelope.ErrorPayload{
		Reason: envelope.ReasonDisplaced,
		Detail: "a new session claimed this identity",
	})
	s.asyncShutdown(old, "displaced", notice)

	s.logger.Info("Session displaced", "participant", old.Identity())
}

// asyncShutdown drains and closes a session off the router mutex, with an
// optional final notice written around the mailbox.
func (s *Space) asyncShutdown(sess *Session, reason string, notice *envelope.Envelope) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if notice != nil {
			sess.writeDirect(notice)
		}
		sess.shutdown(s.settings.DrainTimeout, reason)
	}()
}

// broadcastSystemLocked fans a gateway-originated envelope to every live
// session except the named one.
func (s *Space) broadcastSystemLocked(e *envelope.Envelope, except string) {
	for identity, sess := range s.sessions {
		if identity == except || !receptive(sess, e.Kind) {
			continue
		}
		s.deliverLocked(sess, e)
	}
}

// replyLocked answers a rejected ingest with a directed system/error. Only
// capability denials reach the audit log; protocol errors never do.
func (s *Space) replyLocked(sess *Session, offendingID string, err error) {
	var correlates []string
	if offendingID != "" {
		correlates = []string{offendingID}
	}
	reply := s.systemEnvelope(envelope.KindSystemError, []string{sess.Identity()}, correlates, &envelope.ErrorPayload{
		Reason: reasonForError(err),
		Detail: err.Error(),
	})
	s.deliverLocked(sess, reply)
}

// reasonForError maps an admission error onto its wire reason.
func reasonForError(err error) string {
	switch {
	case errors.Is(err, ErrCapabilityDenied):
		return envelope.ReasonCapabilityDenied
	case errors.Is(err, ErrIdentityMismatch):
		return envelope.ReasonIdentityMismatch
	case errors.Is(err, ErrDuplicateEnvelope):
		return envelope.ReasonDuplicateID
	case errors.Is(err, ErrSpaceClosed):
		return envelope.ReasonSpaceClosed
	case errors.Is(err, envelope.ErrUnsupportedVersion):
		return envelope.ReasonUnsupportedVersion
	default:
		return envelope.ReasonMalformed
	}
}

// senderCapsLocked resolves the capability set governing a sender right
// now: the live session's set when connected, the configured initial set
// otherwise.
func (s *Space) senderCapsLocked(identity string, sess *Session) capability.Set {
	if sess != nil {
		return sess.Capabilities()
	}
	if live, ok := s.sessions[identity]; ok {
		return live.Capabilities()
	}
	p, _ := s.cfg.Participant(identity)
	return p.Capabilities
}

// auditLocked appends one entry. An append failure latches the writer and
// halts admission: the log is the space's history and must not have gaps.
func (s *Space) auditLocked(entry audit.Entry) {
	if s.log == nil {
		return
	}
	if err := s.log.Append(entry); err != nil {
		s.closed = true
		s.logger.Error("Audit append failed, halting admission", "error", err)
	}
}

// welcomeLocked builds the system/welcome for a session: its own current
// capability set plus the connected roster.
func (s *Space) welcomeLocked(sess *Session) *envelope.Envelope {
	return s.systemEnvelope(envelope.KindSystemWelcome, []string{sess.Identity()}, nil, &envelope.WelcomePayload{
		You: envelope.ParticipantInfo{
			ID:           sess.Identity(),
			Capabilities: sess.Capabilities(),
		},
		Participants: s.rosterLocked(sess.Identity()),
	})
}

// rosterLocked lists the other connected participants, sorted for stable
// welcome payloads.
func (s *Space) rosterLocked(except string) []envelope.ParticipantInfo {
	var roster []envelope.ParticipantInfo
	for identity, sess := range s.sessions {
		if identity == except {
			continue
		}
		if st := sess.State(); st != StateActive && st != StatePaused {
			continue
		}
		roster = append(roster, envelope.ParticipantInfo{
			ID:           identity,
			Capabilities: sess.Capabilities(),
		})
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].ID < roster[j].ID })
	return roster
}

func (s *Space) presenceEnvelope(event string, sess *Session) *envelope.Envelope {
	return s.systemEnvelope(envelope.KindSystemPresence, nil, nil, &envelope.PresencePayload{
		Event: event,
		Participant: envelope.ParticipantInfo{
			ID:           sess.Identity(),
			Capabilities: sess.Capabilities(),
		},
	})
}

// systemEnvelope stamps a gateway-originated envelope.
func (s *Space) systemEnvelope(kind string, to, correlationID []string, payload any) *envelope.Envelope {
	return &envelope.Envelope{
		Protocol:      envelope.Protocol,
		ID:            envelope.NewID(),
		TS:            time.Now().UTC(),
		From:          envelope.GatewayIdentity,
		To:            to,
		Kind:          kind,
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

// idWindow is a bounded set of recently admitted envelope ids.
type idWindow struct {
	limit int
	ids   map[string]bool
	order []string
}

func newIDWindow(limit int) *idWindow {
	return &idWindow{
		limit: limit,
		ids:   make(map[string]bool, limit),
	}
}

func (w *idWindow) seen(id string) bool {
	return w.ids[id]
}

func (w *idWindow) add(id string) {
	if w.ids[id] {
		return
	}
	if len(w.order) >= w.limit {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.ids, oldest)
	}
	w.ids[id] = true
	w.order = append(w.order, id)
}
