// Package correlation maintains an in-memory graph of envelope ids linked
// through correlation_id fields. Participant runtimes use it to trace how
// proposals were fulfilled and to filter reasoning chains; the audit reader
// uses it to reconstruct chains from a log.
//
// The graph is a debugging and observation aid, not a source of truth: it
// may be bounded, in which case the oldest observed envelopes are evicted
// first and walks simply skip ids that are gone.
package correlation

import (
	"sync"

	"github.com/mew-protocol/mew-go/pkg/envelope"
)

// Node records one envelope id and its direct links. Predecessors are the
// ids this envelope's correlation_id referenced (array order preserved,
// first element primary); Successors are later envelopes that referenced
// this id.
type Node struct {
	ID           string
	Kind         string
	From         string
	Predecessors []string
	Successors   []string
}

// Graph is a thread-safe correlation index.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	order []string // observation order, for bounded eviction
	limit int      // 0 means unbounded
}

// New returns an unbounded graph.
func New() *Graph {
	return NewBounded(0)
}

// NewBounded returns a graph holding at most limit nodes; observing beyond
// the limit evicts the oldest node. A limit of 0 means unbounded.
func NewBounded(limit int) *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
		limit: limit,
	}
}

// Observe links an envelope into the graph. Re-observing the same id is a
// no-op for existing links; a placeholder created by an earlier reference
// is filled in with the envelope's kind and sender.
func (g *Graph) Observe(e *envelope.Envelope) {
	if e == nil || e.ID == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	n := g.ensure(e.ID)
	n.Kind = e.Kind
	n.From = e.From
	for _, cid := range e.CorrelationID {
		if cid == "" || cid == e.ID {
			continue
		}
		if !contains(n.Predecessors, cid) {
			n.Predecessors = append(n.Predecessors, cid)
		}
		pred := g.ensure(cid)
		if !contains(pred.Successors, e.ID) {
			pred.Successors = append(pred.Successors, e.ID)
		}
	}
}

// Node returns a copy of the node for an id.
func (g *Graph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	out := *n
	out.Predecessors = append([]string(nil), n.Predecessors...)
	out.Successors = append([]string(nil), n.Successors...)
	return out, true
}

// Len returns the current node count.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Ancestors returns every id reachable by following predecessor links from
// id, nearest first. The id itself is not included.
func (g *Graph) Ancestors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.walk(id, func(n *Node) []string { return n.Predecessors })
}

// Descendants returns every id reachable by following successor links from
// id, nearest first. The id itself is not included.
func (g *Graph) Descendants(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.walk(id, func(n *Node) []string { return n.Successors })
}

// Chain walks the primary predecessor link from id back to its root and
// returns the ids in walk order, starting with id itself. For a response
// whose request fulfilled a proposal this yields [response, request,
// proposal].
func (g *Graph) Chain(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	chain := []string{id}
	seen := map[string]bool{id: true}
	cur := id
	for {
		n, ok := g.nodes[cur]
		if !ok || len(n.Predecessors) == 0 {
			return chain
		}
		next := n.Predecessors[0]
		if seen[next] {
			return chain
		}
		if _, ok := g.nodes[next]; !ok {
			return chain
		}
		seen[next] = true
		chain = append(chain, next)
		cur = next
	}
}

// walk performs a breadth-first traversal along the given link direction.
// Caller holds at least a read lock.
func (g *Graph) walk(id string, links func(*Node) []string) []string {
	var out []string
	seen := map[string]bool{id: true}
	frontier := []string{id}
	for len(frontier) > 0 {
		var next []string
		for _, cur := range frontier {
			n, ok := g.nodes[cur]
			if !ok {
				continue
			}
			for _, linked := range links(n) {
				if seen[linked] {
					continue
				}
				seen[linked] = true
				if _, ok := g.nodes[linked]; !ok {
					// Evicted from a bounded graph; skip.
					continue
				}
				out = append(out, linked)
				next = append(next, linked)
			}
		}
		frontier = next
	}
	return out
}

// ensure returns the node for id, creating a placeholder when absent and
// evicting the oldest node when the bound is exceeded. Caller holds the
// write lock.
func (g *Graph) ensure(id string) *Node {
	if n, ok := g.nodes[id]; ok {
		return n
	}
	if g.limit > 0 && len(g.nodes) >= g.limit {
		g.evictOldest()
	}
	n := &Node{ID: id}
	g.nodes[id] = n
	g.order = append(g.order, id)
	return n
}

func (g *Graph) evictOldest() {
	for len(g.order) > 0 {
		oldest := g.order[0]
		g.order = g.order[1:]
		if _, ok := g.nodes[oldest]; ok {
			delete(g.nodes, oldest)
			return
		}
	}
}

func contains(ids []string, id string) bool {
	for _, have := range ids {
		if have == id {
			return true
		}
	}
	return false
}
