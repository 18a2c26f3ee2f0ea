package capability

import "strings"

// CanGrant reports whether a granter may delegate the requested
// capabilities. Two conditions apply: the granter must itself be permitted
// to send capability/grant envelopes, and every requested capability must be
// subsumed by one the granter holds, so a grant can never mint authority the
// granter does not have.
func CanGrant(granter Set, requested []Capability) bool {
	if !granter.CoversKind("capability/grant") {
		return false
	}
	for _, want := range requested {
		if !granter.subsumes(want) {
			return false
		}
	}
	return true
}

// CanRevoke mirrors CanGrant for capability/revoke envelopes: a participant
// may only revoke capabilities it could have granted.
func CanRevoke(revoker Set, requested []Capability) bool {
	if !revoker.CoversKind("capability/revoke") {
		return false
	}
	for _, want := range requested {
		if !revoker.subsumes(want) {
			return false
		}
	}
	return true
}

func (s Set) subsumes(want Capability) bool {
	for _, have := range s {
		if subsumes(have, want) {
			return true
		}
	}
	return false
}

// subsumes reports whether every envelope permitted by want is also
// permitted by have. The check is conservative: when it cannot prove
// subsumption it returns false, which at worst rejects a grant that a human
// would consider safe.
func subsumes(have, want Capability) bool {
	if !kindSubsumes(have.Kind, want.Kind) {
		return false
	}
	// An unconstrained holder pattern covers any payload template; a
	// constrained holder only covers templates at least as narrow.
	if len(have.Payload) == 0 {
		return true
	}
	if len(want.Payload) == 0 {
		return false
	}
	return templateSubsumes(map[string]any(have.Payload), map[string]any(want.Payload))
}

// kindSubsumes reports whether the have pattern matches every kind the want
// pattern matches.
func kindSubsumes(have, want string) bool {
	if have == "*" || have == want {
		return true
	}
	hp := strings.Split(have, "/")
	wp := strings.Split(want, "/")
	for i, h := range hp {
		if h == "**" && i == len(hp)-1 {
			return true
		}
		if i >= len(wp) {
			return false
		}
		w := wp[i]
		switch {
		case h == "*":
			// One-segment wildcard covers any single segment, including
			// a "*" on the want side, but not a trailing "**".
			if w == "**" && i == len(wp)-1 {
				return false
			}
		case h == w:
			// Literal segments must agree; a want wildcard here would
			// admit kinds the holder cannot send.
			if w == "*" || (w == "**" && i == len(wp)-1) {
				return false
			}
		default:
			return false
		}
	}
	return len(hp) == len(wp)
}

// templateSubsumes reports whether the have template is at least as
// permissive as the want template for every field it constrains.
func templateSubsumes(have, want map[string]any) bool {
	for key, hv := range have {
		wv, present := want[key]
		if !present {
			// The holder constrains a field the requested pattern leaves
			// open: the request would permit payloads the holder cannot
			// send.
			return false
		}
		if !valueSubsumes(hv, wv) {
			return false
		}
	}
	return true
}

func valueSubsumes(have, want any) bool {
	switch h := have.(type) {
	case string:
		if h == "*" {
			return true
		}
		w, ok := want.(string)
		if !ok {
			return false
		}
		if strings.Contains(h, "*") {
			// A narrower literal that the glob matches is covered; an
			// identical glob trivially covers itself.
			return h == w || (!strings.Contains(w, "*") && matchGlob(h, w))
		}
		return h == w
	case map[string]any:
		w, ok := want.(map[string]any)
		return ok && templateSubsumes(h, w)
	case []any:
		w, ok := want.([]any)
		if !ok || len(h) > len(w) {
			return false
		}
		for i := range h {
			if !valueSubsumes(h[i], w[i]) {
				return false
			}
		}
		return true
	case nil:
		return want == nil
	default:
		return scalarEqual(have, want)
	}
}
