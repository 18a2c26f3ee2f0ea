package gateway

import (
	"errors"
	"sync"

	"github.com/mew-protocol/mew-go/pkg/envelope"
)

var (
	errMailboxFull   = errors.New("mailbox full")
	errMailboxClosed = errors.New("mailbox closed")
)

// mailbox is a session's bounded outbound queue: a deque guarded by a mutex
// plus a notify channel for the writer goroutine. The deque shape (rather
// than a plain channel) is what allows the drop-oldest overflow policy and
// the deadline-bounded drain on close.
type mailbox struct {
	mu     sync.Mutex
	queue  []*envelope.Envelope
	limit  int
	closed bool

	notify chan struct{}
}

func newMailbox(limit int) *mailbox {
	return &mailbox{
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

// push appends an envelope at the tail. When the mailbox is full and
// dropOldest is set, the oldest non-critical envelope is evicted to make
// room; critical envelopes are never evicted, so a mailbox full of them
// still reports errMailboxFull.
func (b *mailbox) push(e *envelope.Envelope, dropOldest bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errMailboxClosed
	}
	if len(b.queue) >= b.limit {
		if !dropOldest || !b.evictOldestLocked() {
			return errMailboxFull
		}
	}
	b.queue = append(b.queue, e)
	b.signal()
	return nil
}

// evictOldestLocked removes the oldest non-critical envelope from the queue.
func (b *mailbox) evictOldestLocked() bool {
	for i, e := range b.queue {
		if !envelope.Critical(e.Kind) {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return true
		}
	}
	return false
}

// pop removes and returns the head of the queue.
func (b *mailbox) pop() (*envelope.Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return nil, false
	}
	e := b.queue[0]
	b.queue = b.queue[1:]
	return e, true
}

// wait returns the channel signaled whenever an envelope arrives or the
// mailbox closes.
func (b *mailbox) wait() <-chan struct{} {
	return b.notify
}

// drain empties the queue and returns the remaining envelopes in order.
func (b *mailbox) drain() []*envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	rest := b.queue
	b.queue = nil
	return rest
}

func (b *mailbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *mailbox) stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// close stops accepting pushes. Envelopes already queued stay available to
// pop and drain.
func (b *mailbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		b.signal()
	}
}

// signal wakes the writer without blocking; caller holds the lock.
func (b *mailbox) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
