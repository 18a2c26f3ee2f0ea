// Package capability implements the pattern language that authorizes
// participants to emit envelopes.
//
// A capability pairs a kind pattern (slash-segmented glob) with an optional
// payload template. A set of capabilities permits an envelope when at least
// one capability matches its kind and payload. Evaluation is first-match-wins
// and free of side effects; the default is deny.
package capability

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Capability authorizes envelopes whose kind matches Kind and whose payload
// matches the (optional) Payload template. The struct shape is identical in
// the space configuration file, grant payloads, and welcome payloads, so it
// carries both YAML and JSON tags.
type Capability struct {
	Kind    string         `json:"kind" yaml:"kind"`
	Payload map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Set is an ordered list of capabilities. Order only affects which
// capability is reported as the match; the permit decision is order-free.
type Set []Capability

// Matches reports whether the capability permits an envelope of the given
// kind and payload.
//
// Kind matching splits both sides on "/": a pattern segment matches when it
// is literal-equal or "*"; a terminal "**" matches any remaining segments
// (including none). The bare pattern "*" matches every kind unconditionally.
//
// Payload matching treats the template as partial: every field present in
// the template must be present in the payload with a matching value.
// Envelope payloads may carry extra fields. A template string containing
// "*" is a glob over the corresponding payload string.
func (c Capability) Matches(kind string, payload any) bool {
	if !MatchKind(c.Kind, kind) {
		return false
	}
	if len(c.Payload) == 0 {
		return true
	}
	return matchValue(map[string]any(c.Payload), payload)
}

// Permits reports whether some capability in the set matches. An empty set
// permits nothing.
func (s Set) Permits(kind string, payload any) bool {
	_, ok := s.Find(kind, payload)
	return ok
}

// Find returns the first capability matching the kind and payload.
// Exported so deny paths can log which rule was closest and so tests can
// assert on the winning pattern.
func (s Set) Find(kind string, payload any) (Capability, bool) {
	for _, c := range s {
		if c.Matches(kind, payload) {
			return c, true
		}
	}
	return Capability{}, false
}

// CoversKind reports whether some capability's kind pattern matches the
// given kind, ignoring payload templates. Used by peers to decide whether a
// participant looks like an MCP responder worth discovering.
func (s Set) CoversKind(kind string) bool {
	for _, c := range s {
		if MatchKind(c.Kind, kind) {
			return true
		}
	}
	return false
}

// Clone returns an independent copy of the set. Payload templates are
// shared: capabilities are never mutated after construction.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	return append(Set(nil), s...)
}

// Add returns a new set extended with the given capabilities, skipping any
// that are already present verbatim.
func (s Set) Add(caps ...Capability) Set {
	out := s.Clone()
	for _, c := range caps {
		if !out.contains(c) {
			out = append(out, c)
		}
	}
	return out
}

// Remove returns a new set without the capabilities equal to any of the
// given patterns. Only verbatim pattern equality removes an entry; Remove
// never subtracts from a wider pattern.
func (s Set) Remove(caps ...Capability) Set {
	out := make(Set, 0, len(s))
	for _, have := range s {
		revoked := false
		for _, c := range caps {
			if Equal(have, c) {
				revoked = true
				break
			}
		}
		if !revoked {
			out = append(out, have)
		}
	}
	return out
}

func (s Set) contains(c Capability) bool {
	for _, have := range s {
		if Equal(have, c) {
			return true
		}
	}
	return false
}

// Equal reports whether two capabilities are the same pattern. Comparison
// goes through canonical JSON so that numerically equal template values
// compare equal regardless of whether they were decoded from YAML (int) or
// JSON (float64).
func Equal(a, b Capability) bool {
	if a.Kind != b.Kind {
		return false
	}
	ja, errA := json.Marshal(a.Payload)
	jb, errB := json.Marshal(b.Payload)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

// MatchKind reports whether a slash-segmented kind pattern matches a kind.
func MatchKind(pattern, kind string) bool {
	if pattern == "*" {
		return true
	}
	pat := strings.Split(pattern, "/")
	seg := strings.Split(kind, "/")
	for i, p := range pat {
		if p == "**" && i == len(pat)-1 {
			return true
		}
		if i >= len(seg) {
			return false
		}
		if p == "*" || p == seg[i] {
			continue
		}
		return false
	}
	return len(pat) == len(seg)
}

// matchValue applies a template value to a payload value.
func matchValue(pattern, value any) bool {
	switch p := pattern.(type) {
	case map[string]any:
		v, ok := value.(map[string]any)
		if !ok {
			return false
		}
		for key, pv := range p {
			vv, present := v[key]
			if !present || !matchValue(pv, vv) {
				return false
			}
		}
		return true
	case []any:
		v, ok := value.([]any)
		if !ok || len(p) > len(v) {
			return false
		}
		for i := range p {
			if !matchValue(p[i], v[i]) {
				return false
			}
		}
		return true
	case string:
		if p == "*" {
			return true
		}
		s, ok := value.(string)
		if !ok {
			return false
		}
		if strings.Contains(p, "*") {
			return matchGlob(p, s)
		}
		return p == s
	case nil:
		return value == nil
	default:
		return scalarEqual(pattern, value)
	}
}

// matchGlob matches a star-glob against a string. "*" spans any run of
// characters, including "/" — payload strings are opaque, unlike kinds.
func matchGlob(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

// scalarEqual compares non-string scalars. Numbers compare by value so that
// a YAML template (int) matches a JSON payload (float64).
func scalarEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
