package capability

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// payload parses a JSON object literal the way envelopes arrive off the
// wire, so template matching sees float64 numbers and map[string]any maps.
func payload(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestMatchKind(t *testing.T) {
	tests := []struct {
		pattern string
		kind    string
		want    bool
	}{
		{"*", "chat", true},
		{"*", "mcp/request", true},
		{"*", "reasoning/thought/deep", true},
		{"chat", "chat", true},
		{"chat", "chat/acknowledge", false},
		{"chat", "mcp", false},
		{"mcp/*", "mcp/request", true},
		{"mcp/*", "mcp/response", true},
		{"mcp/*", "mcp", false},
		{"mcp/*", "mcp/request/streaming", false},
		{"reasoning/**", "reasoning/start", true},
		{"reasoning/**", "reasoning/thought/deep", true},
		{"reasoning/**", "reasoning", true},
		{"reasoning/**", "chat", false},
		{"mcp/request", "mcp/request", true},
		{"mcp/request", "mcp/proposal", false},
		{"*/request", "mcp/request", true},
		{"*/request", "stream/request", true},
		{"*/request", "mcp/response", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchKind(tt.pattern, tt.kind),
			"pattern %q vs kind %q", tt.pattern, tt.kind)
	}
}

// TestContractTable pins the literal capability examples from the protocol
// contract. Changing any row here is a wire-compatibility break.
func TestContractTable(t *testing.T) {
	toolsCall := func(name string) map[string]any {
		return payload(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"`+name+`","arguments":{}}}`)
	}

	anything := Capability{Kind: "*"}
	assert.True(t, anything.Matches("chat", nil))
	assert.True(t, anything.Matches("mcp/request", toolsCall("write_file")))
	assert.True(t, anything.Matches("system/presence", nil))

	chatOnly := Capability{Kind: "chat"}
	assert.True(t, chatOnly.Matches("chat", payload(t, `{"text":"hi"}`)))
	assert.False(t, chatOnly.Matches("chat/acknowledge", nil))
	assert.False(t, chatOnly.Matches("mcp/request", nil))

	mcpAny := Capability{Kind: "mcp/*"}
	assert.True(t, mcpAny.Matches("mcp/request", toolsCall("x")))
	assert.True(t, mcpAny.Matches("mcp/proposal", nil))
	assert.False(t, mcpAny.Matches("mcp/request/streaming", nil))

	reasoning := Capability{Kind: "reasoning/**"}
	assert.True(t, reasoning.Matches("reasoning/start", nil))
	assert.True(t, reasoning.Matches("reasoning/thought", nil))
	assert.True(t, reasoning.Matches("reasoning/conclusion", nil))

	readTools := Capability{
		Kind: "mcp/request",
		Payload: map[string]any{
			"method": "tools/call",
			"params": map[string]any{"name": "read_*"},
		},
	}
	assert.True(t, readTools.Matches("mcp/request", toolsCall("read_file")))
	assert.True(t, readTools.Matches("mcp/request", toolsCall("read_dir")))
	assert.False(t, readTools.Matches("mcp/request", toolsCall("write_file")))
	assert.False(t, readTools.Matches("mcp/request", payload(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)))
	assert.False(t, readTools.Matches("mcp/proposal", toolsCall("read_file")))
}

func TestPayloadTemplates(t *testing.T) {
	tests := []struct {
		name     string
		template map[string]any
		payload  string
		want     bool
	}{
		{
			name:     "extra envelope fields are allowed",
			template: map[string]any{"method": "tools/call"},
			payload:  `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{}}`,
			want:     true,
		},
		{
			name:     "missing template field denies",
			template: map[string]any{"method": "tools/call"},
			payload:  `{"jsonrpc":"2.0","id":7}`,
			want:     false,
		},
		{
			name:     "nested template recurses",
			template: map[string]any{"params": map[string]any{"name": "write_file"}},
			payload:  `{"params":{"name":"write_file","arguments":{"path":"a"}}}`,
			want:     true,
		},
		{
			name:     "scalar wildcard matches any value",
			template: map[string]any{"method": "*"},
			payload:  `{"method":"resources/list"}`,
			want:     true,
		},
		{
			name:     "array template is a positional prefix",
			template: map[string]any{"tags": []any{"a"}},
			payload:  `{"tags":["a","b"]}`,
			want:     true,
		},
		{
			name:     "array template longer than payload denies",
			template: map[string]any{"tags": []any{"a", "b", "c"}},
			payload:  `{"tags":["a","b"]}`,
			want:     false,
		},
		{
			name:     "numbers compare across yaml and json decodings",
			template: map[string]any{"id": 7},
			payload:  `{"id":7}`,
			want:     true,
		},
		{
			name:     "glob spans slashes inside payload strings",
			template: map[string]any{"params": map[string]any{"uri": "file://*"}},
			payload:  `{"params":{"uri":"file:///etc/hosts"}}`,
			want:     true,
		},
		{
			name:     "type mismatch denies",
			template: map[string]any{"params": map[string]any{"name": "x"}},
			payload:  `{"params":"x"}`,
			want:     false,
		},
		{
			name:     "template against nil payload denies",
			template: map[string]any{"method": "tools/call"},
			payload:  ``,
			want:     false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Capability{Kind: "mcp/request", Payload: tt.template}
			var p any
			if tt.payload != "" {
				p = payload(t, tt.payload)
			}
			assert.Equal(t, tt.want, c.Matches("mcp/request", p))
		})
	}
}

func TestSetPermits(t *testing.T) {
	var empty Set
	assert.False(t, empty.Permits("chat", nil), "empty set permits nothing")

	set := Set{
		{Kind: "chat"},
		{Kind: "mcp/proposal"},
	}
	assert.True(t, set.Permits("chat", nil))
	assert.True(t, set.Permits("mcp/proposal", nil))
	assert.False(t, set.Permits("mcp/request", nil))

	match, ok := set.Find("mcp/proposal", nil)
	require.True(t, ok)
	assert.Equal(t, "mcp/proposal", match.Kind)
}

func TestSetAddRemove(t *testing.T) {
	base := Set{{Kind: "chat"}}

	grown := base.Add(Capability{Kind: "mcp/request"}, Capability{Kind: "chat"})
	assert.Len(t, grown, 2, "verbatim duplicates are not re-added")
	assert.Len(t, base, 1, "Add does not mutate the receiver")

	shrunk := grown.Remove(Capability{Kind: "mcp/request"})
	assert.True(t, shrunk.Permits("chat", nil))
	assert.False(t, shrunk.Permits("mcp/request", nil))

	// Remove only subtracts verbatim patterns, never narrows a wider one.
	wide := Set{{Kind: "mcp/*"}}
	after := wide.Remove(Capability{Kind: "mcp/request"})
	assert.True(t, after.Permits("mcp/request", nil))
}

func TestEqualNormalizesNumbers(t *testing.T) {
	fromYAML := Capability{Kind: "mcp/request", Payload: map[string]any{"id": 7}}
	fromJSON := Capability{Kind: "mcp/request", Payload: map[string]any{"id": float64(7)}}
	assert.True(t, Equal(fromYAML, fromJSON))
	assert.False(t, Equal(fromYAML, Capability{Kind: "mcp/request"}))
}

func TestCanGrant(t *testing.T) {
	wildcard := Set{{Kind: "*"}}
	granter := Set{
		{Kind: "capability/grant"},
		{Kind: "capability/revoke"},
		{Kind: "mcp/*"},
		{Kind: "mcp/request", Payload: map[string]any{
			"method": "tools/call",
			"params": map[string]any{"name": "read_*"},
		}},
	}
	noMeta := Set{{Kind: "mcp/request"}}

	tests := []struct {
		name      string
		granter   Set
		requested []Capability
		want      bool
	}{
		{"wildcard grants anything", wildcard, []Capability{{Kind: "mcp/request"}}, true},
		{"held pattern is grantable", granter, []Capability{{Kind: "mcp/response"}}, true},
		{"narrower payload is grantable", granter, []Capability{{
			Kind: "mcp/request",
			Payload: map[string]any{
				"method": "tools/call",
				"params": map[string]any{"name": "read_file"},
			},
		}}, true},
		{"wider than held is not grantable", granter, []Capability{{Kind: "reasoning/start"}}, false},
		{"wider payload is not grantable", granter, []Capability{{
			Kind:    "mcp/request",
			Payload: map[string]any{"method": "tools/call"},
		}}, true}, // covered by the unconstrained mcp/* pattern
		{"deeper kind than held is not grantable", granter, []Capability{{Kind: "mcp/request/streaming"}}, false},
		{"no grant meta-capability", noMeta, []Capability{{Kind: "mcp/request"}}, false},
		{"one bad capability rejects the batch", granter, []Capability{
			{Kind: "mcp/response"},
			{Kind: "system/welcome"},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanGrant(tt.granter, tt.requested))
		})
	}
}

func TestCanRevoke(t *testing.T) {
	revoker := Set{{Kind: "capability/revoke"}, {Kind: "chat"}}
	assert.True(t, CanRevoke(revoker, []Capability{{Kind: "chat"}}))
	assert.False(t, CanRevoke(revoker, []Capability{{Kind: "mcp/request"}}))
	assert.False(t, CanRevoke(Set{{Kind: "chat"}}, []Capability{{Kind: "chat"}}))
	assert.True(t, CanRevoke(Set{{Kind: "*"}}, []Capability{{Kind: "mcp/request"}}))
}

func TestKindSubsumes(t *testing.T) {
	tests := []struct {
		have, want string
		want2      bool
	}{
		{"*", "mcp/request", true},
		{"*", "**", true},
		{"mcp/*", "mcp/request", true},
		{"mcp/*", "mcp/*", true},
		{"mcp/*", "mcp/**", false},
		{"mcp/*", "chat", false},
		{"mcp/**", "mcp/request", true},
		{"mcp/**", "mcp/request/streaming", true},
		{"mcp/**", "mcp", true},
		{"mcp/request", "mcp/request", true},
		{"mcp/request", "mcp/*", false},
		{"reasoning/**", "mcp/**", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want2, kindSubsumes(tt.have, tt.want),
			"have %q want %q", tt.have, tt.want)
	}
}
