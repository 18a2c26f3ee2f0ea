package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mew-protocol/mew-go/pkg/capability"
	"github.com/mew-protocol/mew-go/pkg/correlation"
)

// Reader streams entries from an NDJSON audit log. It is the canonical
// debugging tool: filter by kind, or trace a correlation chain.
type Reader struct {
	s *bufio.Scanner
}

// NewReader wraps an NDJSON stream.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 1<<20), 1<<20) // 1MB per line
	return &Reader{s: s}
}

// Next returns the next entry, or io.EOF at the end of the stream. Blank
// lines are skipped; a malformed line is an error.
func (r *Reader) Next() (*Entry, error) {
	for r.s.Scan() {
		line := bytes.TrimSpace(r.s.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("malformed audit entry: %w", err)
		}
		return &entry, nil
	}
	if err := r.s.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// ReadFile loads a whole audit log into memory, preserving log order.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	r := NewReader(f)
	for {
		entry, err := r.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return entries, err
		}
		entries = append(entries, *entry)
	}
}

// FilterKind returns the entries whose envelope kind matches a capability
// kind pattern ("mcp/*", "reasoning/**", ...), preserving log order.
func FilterKind(entries []Entry, pattern string) []Entry {
	var out []Entry
	for _, entry := range entries {
		if entry.Envelope != nil && capability.MatchKind(pattern, entry.Envelope.Kind) {
			out = append(out, entry)
		}
	}
	return out
}

// Trace returns the entries belonging to the correlation chain around id:
// its ancestors, the envelope itself, and its descendants, in log order.
func Trace(entries []Entry, id string) []Entry {
	graph := correlation.New()
	for _, entry := range entries {
		if entry.Envelope != nil {
			graph.Observe(entry.Envelope)
		}
	}

	wanted := map[string]bool{id: true}
	for _, linked := range graph.Ancestors(id) {
		wanted[linked] = true
	}
	for _, linked := range graph.Descendants(id) {
		wanted[linked] = true
	}

	var out []Entry
	for _, entry := range entries {
		if entry.Envelope != nil && wanted[entry.Envelope.ID] {
			out = append(out, entry)
		}
	}
	return out
}
