package correlation

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mew-protocol/mew-go/pkg/envelope"
)

func env(id, kind, from string, correlates ...string) *envelope.Envelope {
	return &envelope.Envelope{
		Protocol:      envelope.Protocol,
		ID:            id,
		From:          from,
		Kind:          kind,
		CorrelationID: correlates,
	}
}

// observeFulfillment loads the canonical proposal → request → response
// chain: agent proposes, human fulfills with a request, fs responds.
func observeFulfillment(g *Graph) {
	g.Observe(env("P", envelope.KindMCPProposal, "agent"))
	g.Observe(env("R", envelope.KindMCPRequest, "human", "P"))
	g.Observe(env("S", envelope.KindMCPResponse, "fs", "R"))
}

func TestObserveLinksBothDirections(t *testing.T) {
	g := New()
	observeFulfillment(g)

	r, ok := g.Node("R")
	require.True(t, ok)
	assert.Equal(t, []string{"P"}, r.Predecessors)
	assert.Equal(t, []string{"S"}, r.Successors)
	assert.Equal(t, envelope.KindMCPRequest, r.Kind)
	assert.Equal(t, "human", r.From)
}

func TestChainWalksToRoot(t *testing.T) {
	g := New()
	observeFulfillment(g)

	assert.Equal(t, []string{"S", "R", "P"}, g.Chain("S"))
	assert.Equal(t, []string{"P"}, g.Chain("P"))
	assert.Equal(t, []string{"unknown"}, g.Chain("unknown"))
}

func TestAncestorsAndDescendants(t *testing.T) {
	g := New()
	observeFulfillment(g)

	assert.Equal(t, []string{"R", "P"}, g.Ancestors("S"))
	assert.Equal(t, []string{"R", "S"}, g.Descendants("P"))
	assert.Empty(t, g.Ancestors("P"))
	assert.Empty(t, g.Descendants("S"))
}

func TestPlaceholderFilledOnLateObservation(t *testing.T) {
	g := New()
	// The response arrives before its request is observed (broadcast
	// ordering across senders is unconstrained).
	g.Observe(env("S", envelope.KindMCPResponse, "fs", "R"))

	placeholder, ok := g.Node("R")
	require.True(t, ok)
	assert.Empty(t, placeholder.Kind)

	g.Observe(env("R", envelope.KindMCPRequest, "human", "P"))
	r, ok := g.Node("R")
	require.True(t, ok)
	assert.Equal(t, envelope.KindMCPRequest, r.Kind)
	assert.Equal(t, []string{"S"}, r.Successors)
	assert.Equal(t, []string{"P"}, r.Predecessors)

	assert.Equal(t, []string{"S", "R", "P"}, g.Chain("S"))
}

func TestReobserveIsIdempotent(t *testing.T) {
	g := New()
	observeFulfillment(g)
	observeFulfillment(g)

	r, _ := g.Node("R")
	assert.Equal(t, []string{"P"}, r.Predecessors)
	assert.Equal(t, []string{"S"}, r.Successors)
	assert.Equal(t, 3, g.Len())
}

func TestMultiElementCorrelation(t *testing.T) {
	g := New()
	g.Observe(env("A", envelope.KindChat, "alice"))
	g.Observe(env("B", envelope.KindChat, "bob"))
	g.Observe(env("C", envelope.KindChatAcknowledge, "carol", "A", "B"))

	c, _ := g.Node("C")
	assert.Equal(t, []string{"A", "B"}, c.Predecessors)
	// Chain follows the primary (first) element only.
	assert.Equal(t, []string{"C", "A"}, g.Chain("C"))
	// Ancestors sees every element.
	assert.ElementsMatch(t, []string{"A", "B"}, g.Ancestors("C"))
}

func TestBoundedEvictsOldestFirst(t *testing.T) {
	g := NewBounded(3)
	for i := 0; i < 5; i++ {
		g.Observe(env(fmt.Sprintf("env-%d", i), envelope.KindChat, "alice"))
	}

	assert.Equal(t, 3, g.Len())
	_, ok := g.Node("env-0")
	assert.False(t, ok)
	_, ok = g.Node("env-4")
	assert.True(t, ok)
}

func TestWalkSkipsEvictedNodes(t *testing.T) {
	g := NewBounded(2)
	observeFulfillment(g) // P is evicted when S arrives

	_, ok := g.Node("P")
	require.False(t, ok)
	assert.Equal(t, []string{"R"}, g.Ancestors("S"), "evicted ancestor is skipped")
	assert.Equal(t, []string{"S", "R"}, g.Chain("S"))
}

func TestSelfReferenceIgnored(t *testing.T) {
	g := New()
	g.Observe(env("A", envelope.KindChat, "alice", "A"))

	a, _ := g.Node("A")
	assert.Empty(t, a.Predecessors)
	assert.Empty(t, a.Successors)
}
