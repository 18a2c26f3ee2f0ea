package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// DefaultQueueSize is the bound on the writer's in-memory queue when the
// caller does not specify one.
const DefaultQueueSize = 1024

var (
	// ErrOverflow — the bounded queue filled up. The log writer is the
	// gateway's critical path; overflow means the disk cannot keep up and
	// admission must halt rather than silently drop audit records.
	ErrOverflow = errors.New("audit queue overflow")

	// ErrClosed — Append after Close.
	ErrClosed = errors.New("audit writer closed")
)

// Writer appends entries to an NDJSON file through a bounded queue and a
// single writer goroutine. Any failure — queue overflow, marshal, write, or
// flush — is fatal: the writer latches the error, signals Fatal, and
// accepts no further entries. The gateway watches Fatal to halt admission.
type Writer struct {
	queue chan Entry
	file  *os.File
	buf   *bufio.Writer

	mu     sync.Mutex // guards closed and the enqueue/close race
	closed bool

	fatal     chan struct{}
	fatalOnce sync.Once
	errMu     sync.RWMutex
	err       error

	done chan struct{}
}

// NewWriter opens (or creates) the log file in append mode and starts the
// writer goroutine. queueSize <= 0 selects DefaultQueueSize.
func NewWriter(path string, queueSize int) (*Writer, error) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	w := &Writer{
		queue: make(chan Entry, queueSize),
		file:  file,
		buf:   bufio.NewWriter(file),
		fatal: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go w.run()

	slog.Info("Audit log opened", "path", path, "queue_size", queueSize)
	return w, nil
}

// Append enqueues one entry. It never blocks: a full queue is a fatal
// condition, not a wait.
func (w *Writer) Append(entry Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	select {
	case <-w.fatal:
		return w.Err()
	default:
	}

	select {
	case w.queue <- entry:
		return nil
	default:
		err := fmt.Errorf("%w: %d entries pending", ErrOverflow, cap(w.queue))
		w.latch(err)
		return err
	}
}

// Fatal is closed when the writer has latched an unrecoverable error.
func (w *Writer) Fatal() <-chan struct{} {
	return w.fatal
}

// Err returns the latched fatal error, or nil.
func (w *Writer) Err() error {
	w.errMu.RLock()
	defer w.errMu.RUnlock()
	return w.err
}

// Close stops accepting entries, flushes the remaining queue, syncs, and
// closes the file. The context bounds how long the flush may take; on
// expiry the file is left to the process exit. Returns the latched fatal
// error when one occurred.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := w.Err(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}

// run is the single writer goroutine: it drains the queue until the channel
// closes or a write fails.
func (w *Writer) run() {
	defer close(w.done)

	for entry := range w.queue {
		if err := w.write(entry); err != nil {
			w.latch(fmt.Errorf("audit write: %w", err))
			// Entries still queued are lost, but the latch has already
			// halted admission upstream of them.
			return
		}
	}
	if err := w.buf.Flush(); err != nil {
		w.latch(fmt.Errorf("audit flush: %w", err))
		return
	}
	_ = w.file.Sync()
}

// write emits one NDJSON line and flushes it so tail-following readers see
// complete lines promptly.
func (w *Writer) write(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := w.buf.Write(data); err != nil {
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}
	return w.buf.Flush()
}

func (w *Writer) latch(err error) {
	w.fatalOnce.Do(func() {
		w.errMu.Lock()
		w.err = err
		w.errMu.Unlock()
		slog.Error("Audit log failure, admission must halt", "error", err)
		close(w.fatal)
	})
}
