package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mew-protocol/mew-go/pkg/audit"
	"github.com/mew-protocol/mew-go/pkg/capability"
	"github.com/mew-protocol/mew-go/pkg/config"
	"github.com/mew-protocol/mew-go/pkg/envelope"
)

// fakeConn is an in-memory session transport. Frames written by the session
// land on a channel the test reads; an unbuffered channel nobody reads
// simulates a stalled consumer.
type fakeConn struct {
	frames chan []byte
	closed chan string
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 64), closed: make(chan string, 1)}
}

func newStalledConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte), closed: make(chan string, 1)}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case c.frames <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close(reason string) error {
	select {
	case c.closed <- reason:
	default:
	}
	return nil
}

// nextRaw returns the next written frame.
func (c *fakeConn) nextRaw(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-c.frames:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an envelope")
		return nil
	}
}

// next parses the next written frame.
func (c *fakeConn) next(t *testing.T) *envelope.Envelope {
	t.Helper()
	e, err := envelope.Parse(c.nextRaw(t))
	require.NoError(t, err)
	return e
}

// nextOfKind reads frames until one of the wanted kind arrives.
func (c *fakeConn) nextOfKind(t *testing.T, kind string) *envelope.Envelope {
	t.Helper()
	for {
		e := c.next(t)
		if e.Kind == kind {
			return e
		}
	}
}

// expectNothing asserts that no frame arrives within a short window.
func (c *fakeConn) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case data := <-c.frames:
		e, _ := envelope.Parse(data)
		t.Fatalf("unexpected envelope: kind=%s", e.Kind)
	case <-time.After(150 * time.Millisecond):
	}
}

// closeReason waits for the transport to be closed and returns the reason.
func (c *fakeConn) closeReason(t *testing.T) string {
	t.Helper()
	select {
	case reason := <-c.closed:
		return reason
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the transport to close")
		return ""
	}
}

func testSpaceConfig() *config.SpaceConfig {
	settings := config.DefaultGatewaySettings()
	settings.QueueSize = 32
	settings.DrainTimeout = time.Second
	settings.WriteTimeout = 2 * time.Second
	return &config.SpaceConfig{
		Space: "workshop",
		Participants: map[string]config.ParticipantConfig{
			"alice": {
				Tokens:       []string{"alice-token"},
				Capabilities: capability.Set{{Kind: "*"}},
			},
			"bob": {
				Tokens:       []string{"bob-token"},
				Capabilities: capability.Set{{Kind: "chat"}},
			},
			"charlie": {
				Tokens:       []string{"charlie-token"},
				Capabilities: capability.Set{{Kind: "chat"}},
			},
		},
		Gateway: settings,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSpace(t *testing.T, cfg *config.SpaceConfig, log *audit.Writer) *Space {
	t.Helper()
	s := NewSpace(cfg, log, quietLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func newTestAudit(t *testing.T) (*audit.Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	w, err := audit.NewWriter(path, 64)
	require.NoError(t, err)
	return w, path
}

// admit connects an identity with its configured initial capability set.
func admit(t *testing.T, s *Space, cfg *config.SpaceConfig, identity string, conn Conn) *Session {
	t.Helper()
	p, ok := cfg.Participant(identity)
	require.True(t, ok)
	sess, err := s.Admit(identity, p.Capabilities.Clone(), conn)
	require.NoError(t, err)
	return sess
}

// frame encodes an envelope the way a connected client would send it.
func frame(t *testing.T, e *envelope.Envelope) []byte {
	t.Helper()
	if e.Protocol == "" {
		e.Protocol = envelope.Protocol
	}
	data, err := e.Encode()
	require.NoError(t, err)
	return data
}

func chatFrame(t *testing.T, from, text string, to ...string) []byte {
	t.Helper()
	return frame(t, &envelope.Envelope{
		From:    from,
		To:      to,
		Kind:    envelope.KindChat,
		Payload: &envelope.ChatPayload{Text: text},
	})
}

func chatText(t *testing.T, e *envelope.Envelope) string {
	t.Helper()
	var p envelope.ChatPayload
	require.NoError(t, e.DecodePayload(&p))
	return p.Text
}

func errorPayload(t *testing.T, e *envelope.Envelope) envelope.ErrorPayload {
	t.Helper()
	require.Equal(t, envelope.KindSystemError, e.Kind)
	var p envelope.ErrorPayload
	require.NoError(t, e.DecodePayload(&p))
	return p
}

func welcomePayload(t *testing.T, e *envelope.Envelope) envelope.WelcomePayload {
	t.Helper()
	require.Equal(t, envelope.KindSystemWelcome, e.Kind)
	var p envelope.WelcomePayload
	require.NoError(t, e.DecodePayload(&p))
	return p
}

func TestAdmitDeliversWelcomeThenPresence(t *testing.T) {
	cfg := testSpaceConfig()
	s := newTestSpace(t, cfg, nil)

	aliceConn := newFakeConn()
	admit(t, s, cfg, "alice", aliceConn)

	welcome := welcomePayload(t, aliceConn.next(t))
	assert.Equal(t, "alice", welcome.You.ID)
	assert.True(t, welcome.You.Capabilities.CoversKind("chat"))
	assert.Empty(t, welcome.Participants)

	bobConn := newFakeConn()
	admit(t, s, cfg, "bob", bobConn)

	bobWelcome := welcomePayload(t, bobConn.next(t))
	require.Len(t, bobWelcome.Participants, 1)
	assert.Equal(t, "alice", bobWelcome.Participants[0].ID)

	presence := aliceConn.next(t)
	require.Equal(t, envelope.KindSystemPresence, presence.Kind)
	var p envelope.PresencePayload
	require.NoError(t, presence.DecodePayload(&p))
	assert.Equal(t, envelope.PresenceJoin, p.Event)
	assert.Equal(t, "bob", p.Participant.ID)

	assert.Equal(t, 2, s.ConnectedCount())
}

func TestBroadcastReachesEveryoneButSender(t *testing.T) {
	cfg := testSpaceConfig()
	s := newTestSpace(t, cfg, nil)

	aliceConn, bobConn, charlieConn := newFakeConn(), newFakeConn(), newFakeConn()
	alice := admit(t, s, cfg, "alice", aliceConn)
	admit(t, s, cfg, "bob", bobConn)
	admit(t, s, cfg, "charlie", charlieConn)

	s.Ingest(alice, chatFrame(t, "alice", "hello space"))

	for _, conn := range []*fakeConn{bobConn, charlieConn} {
		e := conn.nextOfKind(t, envelope.KindChat)
		assert.Equal(t, "alice", e.From)
		assert.Equal(t, "hello space", chatText(t, e))
		assert.Contains(t, e.ID, "env-")
		assert.False(t, e.TS.IsZero())
		assert.Equal(t, envelope.Protocol, e.Protocol)
	}

	// Two presence joins, then silence: the sender never hears its own
	// envelope back.
	aliceConn.nextOfKind(t, envelope.KindSystemPresence)
	aliceConn.nextOfKind(t, envelope.KindSystemPresence)
	aliceConn.expectNothing(t)
}

func TestDirectedDeliveryDedupesAndPrunes(t *testing.T) {
	cfg := testSpaceConfig()
	s := newTestSpace(t, cfg, nil)

	aliceConn, bobConn, charlieConn := newFakeConn(), newFakeConn(), newFakeConn()
	alice := admit(t, s, cfg, "alice", aliceConn)
	admit(t, s, cfg, "bob", bobConn)
	admit(t, s, cfg, "charlie", charlieConn)

	// bob twice, an unknown identity, and the sender itself: exactly one
	// copy reaches bob and nothing errors.
	s.Ingest(alice, chatFrame(t, "alice", "direct", "bob", "bob", "ghost", "alice"))

	e := bobConn.nextOfKind(t, envelope.KindChat)
	assert.Equal(t, "direct", chatText(t, e))
	bobConn.expectNothing(t)

	charlieConn.nextOfKind(t, envelope.KindSystemWelcome)
	charlieConn.expectNothing(t)
}

func TestUnknownEnvelopeFieldsSurviveRouting(t *testing.T) {
	cfg := testSpaceConfig()
	s := newTestSpace(t, cfg, nil)

	aliceConn, bobConn := newFakeConn(), newFakeConn()
	alice := admit(t, s, cfg, "alice", aliceConn)
	admit(t, s, cfg, "bob", bobConn)

	raw := []byte(`{"protocol":"mew/v0.4","from":"alice","kind":"chat","payload":{"text":"hi"},"trace_hint":"t-42"}`)
	s.Ingest(alice, raw)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(bobConn.nextRaw(t), &fields))
	assert.JSONEq(t, `"t-42"`, string(fields["trace_hint"]))
}

func TestPriorProtocolVersionAdmitted(t *testing.T) {
	cfg := testSpaceConfig()
	s := newTestSpace(t, cfg, nil)

	aliceConn, bobConn := newFakeConn(), newFakeConn()
	alice := admit(t, s, cfg, "alice", aliceConn)
	admit(t, s, cfg, "bob", bobConn)

	raw := []byte(`{"protocol":"mew/v0.3","from":"alice","kind":"chat","payload":{"text":"old client"}}`)
	s.Ingest(alice, raw)

	e := bobConn.nextOfKind(t, envelope.KindChat)
	assert.Equal(t, envelope.Protocol, e.Protocol, "outbound envelopes carry the current version")
}

func TestCapabilityDenialAnsweredAndAudited(t *testing.T) {
	cfg := testSpaceConfig()
	log, path := newTestAudit(t)
	s := newTestSpace(t, cfg, log)

	aliceConn, bobConn := newFakeConn(), newFakeConn()
	admit(t, s, cfg, "alice", aliceConn)
	bob := admit(t, s, cfg, "bob", bobConn)

	denied := &envelope.Envelope{
		ID:      "env-denied-1",
		From:    "bob",
		Kind:    envelope.KindMCPRequest,
		Payload: map[string]any{"method": "tools/call"},
	}
	s.Ingest(bob, frame(t, denied))

	reply := bobConn.nextOfKind(t, envelope.KindSystemError)
	p := errorPayload(t, reply)
	assert.Equal(t, envelope.ReasonCapabilityDenied, p.Reason)
	assert.Equal(t, []string{"env-denied-1"}, reply.CorrelationID)

	aliceConn.nextOfKind(t, envelope.KindSystemPresence)
	aliceConn.expectNothing(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, log.Close(ctx))

	entries, err := audit.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.DecisionDenied, entries[0].Decision)
	assert.Equal(t, envelope.ReasonCapabilityDenied, entries[0].Reason)
	assert.Equal(t, "env-denied-1", entries[0].Envelope.ID)
}

func TestIdentityMismatchAnsweredNotAudited(t *testing.T) {
	cfg := testSpaceConfig()
	log, path := newTestAudit(t)
	s := newTestSpace(t, cfg, log)

	bobConn := newFakeConn()
	bob := admit(t, s, cfg, "bob", bobConn)

	s.Ingest(bob, chatFrame(t, "alice", "spoofed"))

	p := errorPayload(t, bobConn.nextOfKind(t, envelope.KindSystemError))
	assert.Equal(t, envelope.ReasonIdentityMismatch, p.Reason)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, log.Close(ctx))

	entries, err := audit.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, entries, "protocol errors never reach the audit log")
}

func TestDuplicateEnvelopeIDRejected(t *testing.T) {
	cfg := testSpaceConfig()
	s := newTestSpace(t, cfg, nil)

	aliceConn, bobConn := newFakeConn(), newFakeConn()
	alice := admit(t, s, cfg, "alice", aliceConn)
	admit(t, s, cfg, "bob", bobConn)

	e := &envelope.Envelope{
		ID:      "env-fixed",
		From:    "alice",
		Kind:    envelope.KindChat,
		Payload: &envelope.ChatPayload{Text: "once"},
	}
	s.Ingest(alice, frame(t, e))
	assert.Equal(t, "once", chatText(t, bobConn.nextOfKind(t, envelope.KindChat)))

	s.Ingest(alice, frame(t, e))
	reply := aliceConn.nextOfKind(t, envelope.KindSystemError)
	p := errorPayload(t, reply)
	assert.Equal(t, envelope.ReasonDuplicateID, p.Reason)
	assert.Equal(t, []string{"env-fixed"}, reply.CorrelationID)
	bobConn.expectNothing(t)
}

func TestMalformedFrameAnswered(t *testing.T) {
	cfg := testSpaceConfig()
	s := newTestSpace(t, cfg, nil)

	aliceConn := newFakeConn()
	alice := admit(t, s, cfg, "alice", aliceConn)
	aliceConn.nextOfKind(t, envelope.KindSystemWelcome)

	s.Ingest(alice, []byte(`{"protocol":`))

	reply := aliceConn.nextOfKind(t, envelope.KindSystemError)
	p := errorPayload(t, reply)
	assert.Equal(t, envelope.ReasonMalformed, p.Reason)
	assert.Empty(t, reply.CorrelationID, "an unparseable frame has no id to correlate")
}

func TestUnsupportedVersionAnswered(t *testing.T) {
	cfg := testSpaceConfig()
	s := newTestSpace(t, cfg, nil)

	aliceConn := newFakeConn()
	alice := admit(t, s, cfg, "alice", aliceConn)
	aliceConn.nextOfKind(t, envelope.KindSystemWelcome)

	s.Ingest(alice, []byte(`{"protocol":"mew/v9.9","from":"alice","kind":"chat","payload":{"text":"hi"}}`))

	p := errorPayload(t, aliceConn.nextOfKind(t, envelope.KindSystemError))
	assert.Equal(t, envelope.ReasonUnsupportedVersion, p.Reason)
}

func TestGrantExpandsCapabilitiesAndRefreshesWelcome(t *testing.T) {
	cfg := testSpaceConfig()
	s := newTestSpace(t, cfg, nil)

	aliceConn, bobConn, charlieConn := newFakeConn(), newFakeConn(), newFakeConn()
	alice := admit(t, s, cfg, "alice", aliceConn)
	bob := admit(t, s, cfg, "bob", bobConn)
	admit(t, s, cfg, "charlie", charlieConn)

	// Denied before the grant.
	s.Ingest(bob, frame(t, &envelope.Envelope{From: "bob", Kind: envelope.KindMCPRequest, Payload: map[string]any{"method": "tools/list"}}))
	p := errorPayload(t, bobConn.nextOfKind(t, envelope.KindSystemError))
	require.Equal(t, envelope.ReasonCapabilityDenied, p.Reason)

	grant := &envelope.Envelope{
		From: "alice",
		To:   []string{"bob"},
		Kind: envelope.KindCapabilityGrant,
		Payload: &envelope.GrantPayload{
			Recipient:    "bob",
			Capabilities: capability.Set{{Kind: "mcp/request"}},
			Reason:       "tool access",
		},
	}
	s.Ingest(alice, frame(t, grant))

	// The grant envelope itself arrives before the refreshed welcome.
	granted := bobConn.nextOfKind(t, envelope.KindCapabilityGrant)
	var gp envelope.GrantPayload
	require.NoError(t, granted.DecodePayload(&gp))
	assert.Equal(t, "bob", gp.Recipient)

	refreshed := welcomePayload(t, bobConn.nextOfKind(t, envelope.KindSystemWelcome))
	assert.True(t, refreshed.You.Capabilities.CoversKind("mcp/request"))

	// Admitted after the grant: charlie observes the request.
	s.Ingest(bob, frame(t, &envelope.Envelope{From: "bob", Kind: envelope.KindMCPRequest, Payload: map[string]any{"method": "tools/list"}}))
	got := charlieConn.nextOfKind(t, envelope.KindMCPRequest)
	assert.Equal(t, "bob", got.From)
}

func TestGrantBeyondOwnSetDenied(t *testing.T) {
	cfg := testSpaceConfig()
	cfg.Participants["dave"] = config.ParticipantConfig{
		Tokens:       []string{"dave-token"},
		Capabilities: capability.Set{{Kind: "capability/grant"}, {Kind: "chat"}},
	}
	log, path := newTestAudit(t)
	s := newTestSpace(t, cfg, log)

	daveConn, bobConn := newFakeConn(), newFakeConn()
	dave := admit(t, s, cfg, "dave", daveConn)
	admit(t, s, cfg, "bob", bobConn)

	s.Ingest(dave, frame(t, &envelope.Envelope{
		From: "dave",
		To:   []string{"bob"},
		Kind: envelope.KindCapabilityGrant,
		Payload: &envelope.GrantPayload{
			Recipient:    "bob",
			Capabilities: capability.Set{{Kind: "mcp/request"}},
		},
	}))

	p := errorPayload(t, daveConn.nextOfKind(t, envelope.KindSystemError))
	assert.Equal(t, envelope.ReasonCapabilityDenied, p.Reason)

	// The grant never reached bob and never took effect.
	bobConn.nextOfKind(t, envelope.KindSystemWelcome)
	bobConn.expectNothing(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, log.Close(ctx))
	entries, err := audit.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.DecisionDenied, entries[0].Decision)
}

func TestRevokeShrinksCapabilities(t *testing.T) {
	cfg := testSpaceConfig()
	s := newTestSpace(t, cfg, nil)

	aliceConn, bobConn := newFakeConn(), newFakeConn()
	alice := admit(t, s, cfg, "alice", aliceConn)
	bob := admit(t, s, cfg, "bob", bobConn)
	bobConn.nextOfKind(t, envelope.KindSystemWelcome)

	s.Ingest(alice, frame(t, &envelope.Envelope{
		From: "alice",
		To:   []string{"bob"},
		Kind: envelope.KindCapabilityRevoke,
		Payload: &envelope.GrantPayload{
			Recipient:    "bob",
			Capabilities: capability.Set{{Kind: "chat"}},
		},
	}))

	bobConn.nextOfKind(t, envelope.KindCapabilityRevoke)
	refreshed := welcomePayload(t, bobConn.nextOfKind(t, envelope.KindSystemWelcome))
	assert.False(t, refreshed.You.Capabilities.CoversKind("chat"))

	s.Ingest(bob, chatFrame(t, "bob", "still here?"))
	p := errorPayload(t, bobConn.nextOfKind(t, envelope.KindSystemError))
	assert.Equal(t, envelope.ReasonCapabilityDenied, p.Reason)
}

func TestPauseStopsDeliveryUntilResume(t *testing.T) {
	cfg := testSpaceConfig()
	s := newTestSpace(t, cfg, nil)

	aliceConn, bobConn, charlieConn := newFakeConn(), newFakeConn(), newFakeConn()
	alice := admit(t, s, cfg, "alice", aliceConn)
	bob := admit(t, s, cfg, "bob", bobConn)
	admit(t, s, cfg, "charlie", charlieConn)
	bobConn.nextOfKind(t, envelope.KindSystemWelcome)
	bobConn.nextOfKind(t, envelope.KindSystemPresence)

	s.Ingest(alice, frame(t, &envelope.Envelope{From: "alice", To: []string{"bob"}, Kind: envelope.KindParticipantPause}))
	bobConn.nextOfKind(t, envelope.KindParticipantPause)
	require.Equal(t, StatePaused, bob.State())

	// Regular traffic is withheld from bob while paused.
	s.Ingest(alice, chatFrame(t, "alice", "anyone?"))
	charlieConn.nextOfKind(t, envelope.KindChat)
	bobConn.expectNothing(t)

	// A paused participant can still send.
	s.Ingest(bob, chatFrame(t, "bob", "present"))
	assert.Equal(t, "present", chatText(t, charlieConn.nextOfKind(t, envelope.KindChat)))

	s.Ingest(alice, frame(t, &envelope.Envelope{From: "alice", To: []string{"bob"}, Kind: envelope.KindParticipantResume}))
	bobConn.nextOfKind(t, envelope.KindParticipantResume)
	require.Equal(t, StateActive, bob.State())

	s.Ingest(alice, chatFrame(t, "alice", "welcome back"))
	assert.Equal(t, "welcome back", chatText(t, bobConn.nextOfKind(t, envelope.KindChat)))
}

func TestShutdownDrainsAndRemovesTarget(t *testing.T) {
	cfg := testSpaceConfig()
	s := newTestSpace(t, cfg, nil)

	aliceConn, bobConn := newFakeConn(), newFakeConn()
	alice := admit(t, s, cfg, "alice", aliceConn)
	admit(t, s, cfg, "bob", bobConn)

	s.Ingest(alice, frame(t, &envelope.Envelope{From: "alice", To: []string{"bob"}, Kind: envelope.KindParticipantShutdown}))

	// The target still receives the shutdown envelope during its drain.
	bobConn.nextOfKind(t, envelope.KindParticipantShutdown)
	assert.Equal(t, "shutdown", bobConn.closeReason(t))

	presence := aliceConn.nextOfKind(t, envelope.KindSystemPresence)
	var p envelope.PresencePayload
	require.NoError(t, presence.DecodePayload(&p))
	// First presence is bob's join; the leave follows.
	if p.Event != envelope.PresenceLeave {
		presence = aliceConn.nextOfKind(t, envelope.KindSystemPresence)
		require.NoError(t, presence.DecodePayload(&p))
	}
	assert.Equal(t, envelope.PresenceLeave, p.Event)
	assert.Equal(t, "bob", p.Participant.ID)

	assert.Eventually(t, func() bool { return s.ConnectedCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDuplicateIdentityRejectedByDefault(t *testing.T) {
	cfg := testSpaceConfig()
	s := newTestSpace(t, cfg, nil)

	admit(t, s, cfg, "alice", newFakeConn())
	_, err := s.Admit("alice", capability.Set{{Kind: "chat"}}, newFakeConn())
	assert.ErrorIs(t, err, ErrDuplicateIdentity)
}

func TestDisplacePolicySwapsSessions(t *testing.T) {
	cfg := testSpaceConfig()
	cfg.Gateway.DuplicatePolicy = config.DuplicateDisplace
	s := newTestSpace(t, cfg, nil)

	first := newFakeConn()
	admit(t, s, cfg, "alice", first)
	first.nextOfKind(t, envelope.KindSystemWelcome)

	second := newFakeConn()
	admit(t, s, cfg, "alice", second)
	second.nextOfKind(t, envelope.KindSystemWelcome)

	// The old session hears why it died, then loses the transport.
	displaced := first.nextOfKind(t, envelope.KindSystemError)
	p := errorPayload(t, displaced)
	assert.Equal(t, envelope.ReasonDisplaced, p.Reason)
	assert.Equal(t, "displaced", first.closeReason(t))

	assert.Equal(t, 1, s.ConnectedCount())
}

func TestOverflowClosesStalledConsumer(t *testing.T) {
	cfg := testSpaceConfig()
	cfg.Gateway.QueueSize = 2
	cfg.Gateway.WriteTimeout = 200 * time.Millisecond
	cfg.Gateway.DrainTimeout = 200 * time.Millisecond
	log, path := newTestAudit(t)
	s := newTestSpace(t, cfg, log)

	aliceConn, charlieConn := newFakeConn(), newFakeConn()
	alice := admit(t, s, cfg, "alice", aliceConn)
	bobConn := newStalledConn()
	admit(t, s, cfg, "bob", bobConn)
	admit(t, s, cfg, "charlie", charlieConn)

	for _, text := range []string{"m1", "m2", "m3", "m4", "m5"} {
		s.Ingest(alice, chatFrame(t, "alice", text))
	}

	// The stalled consumer is closed; everyone else sees all five in order,
	// plus bob's presence leave somewhere among them.
	assert.Equal(t, "overflow", bobConn.closeReason(t))

	var texts []string
	sawLeave := false
	for len(texts) < 5 {
		e := charlieConn.next(t)
		switch e.Kind {
		case envelope.KindChat:
			texts = append(texts, chatText(t, e))
		case envelope.KindSystemPresence:
			var pp envelope.PresencePayload
			require.NoError(t, e.DecodePayload(&pp))
			if pp.Event == envelope.PresenceLeave && pp.Participant.ID == "bob" {
				sawLeave = true
			}
		}
	}
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, texts)
	if !sawLeave {
		leave := charlieConn.nextOfKind(t, envelope.KindSystemPresence)
		var pp envelope.PresencePayload
		require.NoError(t, leave.DecodePayload(&pp))
		assert.Equal(t, envelope.PresenceLeave, pp.Event)
		assert.Equal(t, "bob", pp.Participant.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, log.Close(ctx))
	entries, err := audit.ReadFile(path)
	require.NoError(t, err)
	chats := audit.FilterKind(entries, envelope.KindChat)
	require.Len(t, chats, 5, "a slow recipient never blocks admission")
	for _, entry := range chats {
		assert.Equal(t, audit.DecisionAdmitted, entry.Decision)
	}
}

func TestDropOldestKeepsNewestTraffic(t *testing.T) {
	cfg := testSpaceConfig()
	cfg.Gateway.QueueSize = 2
	cfg.Gateway.OverflowPolicy = config.OverflowDropOldest
	cfg.Gateway.WriteTimeout = 30 * time.Second
	s := newTestSpace(t, cfg, nil)

	aliceConn := newFakeConn()
	alice := admit(t, s, cfg, "alice", aliceConn)
	bobConn := newStalledConn()
	bob := admit(t, s, cfg, "bob", bobConn)

	for _, text := range []string{"m1", "m2", "m3", "m4", "m5"} {
		s.Ingest(alice, chatFrame(t, "alice", text))
	}

	// Under drop_oldest the slow consumer stays connected and the oldest
	// chat is the casualty.
	assert.Equal(t, StateActive, bob.State())
	assert.Equal(t, 2, s.ConnectedCount())

	kept := bob.box.drain()
	texts := make([]string, 0, len(kept))
	for _, e := range kept {
		if e.Kind == envelope.KindChat {
			texts = append(texts, chatText(t, e))
		}
	}
	require.NotEmpty(t, texts)
	assert.Equal(t, "m5", texts[len(texts)-1])
	assert.NotContains(t, texts, "m1")
}

func TestStreamRequestAnsweredWithOpen(t *testing.T) {
	cfg := testSpaceConfig()
	s := newTestSpace(t, cfg, nil)

	aliceConn, bobConn := newFakeConn(), newFakeConn()
	alice := admit(t, s, cfg, "alice", aliceConn)
	admit(t, s, cfg, "bob", bobConn)

	req := &envelope.Envelope{
		ID:      "env-stream-req",
		From:    "alice",
		To:      []string{"bob"},
		Kind:    envelope.KindStreamRequest,
		Payload: &envelope.StreamRequestPayload{Direction: envelope.StreamUpload, Description: "upload results"},
	}
	s.Ingest(alice, frame(t, req))

	// The peer sees the request; the requester gets the assigned stream id.
	bobConn.nextOfKind(t, envelope.KindStreamRequest)

	open := aliceConn.nextOfKind(t, envelope.KindStreamOpen)
	assert.Equal(t, []string{"env-stream-req"}, open.CorrelationID)
	var op envelope.StreamOpenPayload
	require.NoError(t, open.DecodePayload(&op))
	assert.Contains(t, op.StreamID, "str-")
	assert.Equal(t, envelope.StreamUpload, op.Direction)
}

func TestStreamRequestBadDirectionRejected(t *testing.T) {
	cfg := testSpaceConfig()
	s := newTestSpace(t, cfg, nil)

	aliceConn := newFakeConn()
	alice := admit(t, s, cfg, "alice", aliceConn)
	aliceConn.nextOfKind(t, envelope.KindSystemWelcome)

	s.Ingest(alice, frame(t, &envelope.Envelope{
		From:    "alice",
		Kind:    envelope.KindStreamRequest,
		Payload: map[string]any{"direction": "sideways"},
	}))

	p := errorPayload(t, aliceConn.nextOfKind(t, envelope.KindSystemError))
	assert.Equal(t, envelope.ReasonMalformed, p.Reason)
}

func TestSubmitWithoutLiveSession(t *testing.T) {
	cfg := testSpaceConfig()
	s := newTestSpace(t, cfg, nil)

	bobConn := newFakeConn()
	admit(t, s, cfg, "bob", bobConn)

	e := &envelope.Envelope{From: "alice", Kind: envelope.KindChat, Payload: &envelope.ChatPayload{Text: "posted"}}
	require.NoError(t, s.Submit("alice", e))
	assert.Contains(t, e.ID, "env-", "the gateway assigns the id")

	got := bobConn.nextOfKind(t, envelope.KindChat)
	assert.Equal(t, "alice", got.From)
	assert.Equal(t, "posted", chatText(t, got))
}

func TestSubmitErrors(t *testing.T) {
	cfg := testSpaceConfig()
	s := newTestSpace(t, cfg, nil)

	err := s.Submit("alice", &envelope.Envelope{From: "bob", Kind: envelope.KindChat, Payload: &envelope.ChatPayload{Text: "x"}})
	assert.ErrorIs(t, err, ErrIdentityMismatch)

	err = s.Submit("bob", &envelope.Envelope{From: "bob", Kind: envelope.KindMCPRequest, Payload: map[string]any{"method": "tools/call"}})
	assert.ErrorIs(t, err, ErrCapabilityDenied)
}

func TestSubmitUsesLiveSessionCapabilities(t *testing.T) {
	cfg := testSpaceConfig()
	s := newTestSpace(t, cfg, nil)

	aliceConn, bobConn := newFakeConn(), newFakeConn()
	alice := admit(t, s, cfg, "alice", aliceConn)
	admit(t, s, cfg, "bob", bobConn)

	s.Ingest(alice, frame(t, &envelope.Envelope{
		From: "alice",
		To:   []string{"bob"},
		Kind: envelope.KindCapabilityGrant,
		Payload: &envelope.GrantPayload{
			Recipient:    "bob",
			Capabilities: capability.Set{{Kind: "mcp/request"}},
		},
	}))
	bobConn.nextOfKind(t, envelope.KindCapabilityGrant)

	// The REST path consults the live session's grown set, not the
	// configured initial one.
	err := s.Submit("bob", &envelope.Envelope{From: "bob", Kind: envelope.KindMCPRequest, Payload: map[string]any{"method": "tools/list"}})
	assert.NoError(t, err)
}

func TestCloseStopsAdmission(t *testing.T) {
	cfg := testSpaceConfig()
	s := NewSpace(cfg, nil, quietLogger())

	aliceConn, bobConn := newFakeConn(), newFakeConn()
	admit(t, s, cfg, "alice", aliceConn)
	admit(t, s, cfg, "bob", bobConn)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	assert.Equal(t, "space closed", aliceConn.closeReason(t))
	assert.Equal(t, "space closed", bobConn.closeReason(t))
	assert.True(t, s.Closed())

	_, err := s.Admit("charlie", capability.Set{{Kind: "chat"}}, newFakeConn())
	assert.ErrorIs(t, err, ErrSpaceClosed)
	assert.ErrorIs(t, s.Submit("alice", &envelope.Envelope{From: "alice", Kind: envelope.KindChat, Payload: &envelope.ChatPayload{Text: "x"}}), ErrSpaceClosed)
}

func TestAuditFailureHaltsAdmission(t *testing.T) {
	cfg := testSpaceConfig()
	log, _ := newTestAudit(t)
	s := newTestSpace(t, cfg, log)

	aliceConn, bobConn := newFakeConn(), newFakeConn()
	alice := admit(t, s, cfg, "alice", aliceConn)
	admit(t, s, cfg, "bob", bobConn)
	aliceConn.nextOfKind(t, envelope.KindSystemPresence)

	// Kill the log out from under the space. The next append fails, and
	// that failure latches the whole space closed.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, log.Close(ctx))

	s.Ingest(alice, chatFrame(t, "alice", "last words"))
	assert.True(t, s.Closed())

	s.Ingest(alice, chatFrame(t, "alice", "anyone?"))
	p := errorPayload(t, aliceConn.nextOfKind(t, envelope.KindSystemError))
	assert.Equal(t, envelope.ReasonSpaceClosed, p.Reason)
}
