// Package pipeline moves events from the producers (listener, reconciler)
// through download and upload to the ledger. Clips never touch disk: they
// stream through an in-memory handoff whose total footprint is capped by a
// shared byte budget, so a clip larger than the budget still flows.
package pipeline

import (
	"errors"
	"io"
	"sync"
)

// Chunks never exceed this, so a single write can always fit the budget
// (the configured budget floor is 1MiB).
const maxChunkSize = 1 << 20

var (
	errHandoffAborted = errors.New("handoff aborted by reader")
	errHandoffClosed  = errors.New("write on closed handoff")
)

// Budget is the shared clip-memory cap. All handoffs acquire from the same
// budget, which bounds resident clip bytes across the whole pipeline even
// while one clip downloads and another uploads.
type Budget struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int64
	used     int64
}

func NewBudget(capacity int64) *Budget {
	b := &Budget{capacity: capacity}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// acquire blocks until n bytes fit, or abort reports true. n must not
// exceed the capacity.
func (b *Budget) acquire(n int64, aborted func() bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.used+n > b.capacity {
		if aborted() {
			return errHandoffAborted
		}
		b.cond.Wait()
	}
	if aborted() {
		return errHandoffAborted
	}
	b.used += n
	return nil
}

func (b *Budget) release(n int64) {
	b.mu.Lock()
	b.used -= n
	b.mu.Unlock()
	b.cond.Broadcast()
}

// wake unblocks acquire waiters so they can re-check their abort state.
func (b *Budget) wake() {
	b.cond.Broadcast()
}

// Used returns the clip bytes currently resident.
func (b *Budget) Used() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Capacity returns the configured cap.
func (b *Budget) Capacity() int64 {
	return b.capacity
}

// Handoff is a one-clip byte stream from the downloader to the uploader.
// The writer closes it with CloseWrite; a non-nil error there surfaces on
// the read side so a failed download aborts the upload. Abort from the
// read side releases everything and fails subsequent writes.
type Handoff struct {
	budget *Budget

	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	offset int // consumed bytes of chunks[0]
	closed bool
	werr   error // write-side failure, surfaced to the reader
	rerr   error // read-side abort, surfaced to the writer
}

func NewHandoff(budget *Budget) *Handoff {
	h := &Handoff{budget: budget}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Write buffers p, blocking while the budget is exhausted. The data is
// copied, so the caller may reuse p.
func (h *Handoff) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		part := p[written:]
		if len(part) > maxChunkSize {
			part = part[:maxChunkSize]
		}
		if err := h.budget.acquire(int64(len(part)), h.writeAborted); err != nil {
			return written, h.writeErr()
		}
		chunk := make([]byte, len(part))
		copy(chunk, part)

		h.mu.Lock()
		if h.rerr != nil || h.closed {
			h.mu.Unlock()
			h.budget.release(int64(len(chunk)))
			return written, h.writeErr()
		}
		h.chunks = append(h.chunks, chunk)
		h.mu.Unlock()
		h.cond.Signal()
		written += len(chunk)
	}
	return written, nil
}

// writeAborted unblocks a budget wait once the stream can no longer
// accept data, from either side.
func (h *Handoff) writeAborted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rerr != nil || h.closed
}

// writeErr maps the handoff state to the error Write surfaces.
func (h *Handoff) writeErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.rerr != nil:
		return h.rerr
	case h.werr != nil:
		return h.werr
	case h.closed:
		return errHandoffClosed
	default:
		return errHandoffAborted
	}
}

// CloseWrite ends the stream; only the first call has any effect.
// err == nil means the clip is complete and the reader drains to EOF; a
// non-nil err discards buffered data and surfaces the error to the
// reader instead.
func (h *Handoff) CloseWrite(err error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var held int64
	if err != nil {
		h.werr = err
		held = h.discardLocked()
	}
	h.mu.Unlock()
	h.cond.Broadcast()
	if held > 0 {
		h.budget.release(held)
	}
	h.budget.wake()
}

// WriteFailed reports whether the writer closed the stream with an error.
func (h *Handoff) WriteFailed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.werr != nil
}

// Read implements io.Reader for the upload side.
func (h *Handoff) Read(p []byte) (int, error) {
	h.mu.Lock()
	for len(h.chunks) == 0 && !h.closed && h.werr == nil && h.rerr == nil {
		h.cond.Wait()
	}
	switch {
	case h.rerr != nil:
		h.mu.Unlock()
		return 0, h.rerr
	case h.werr != nil:
		err := h.werr
		h.mu.Unlock()
		return 0, err
	case len(h.chunks) == 0:
		// closed and drained
		h.mu.Unlock()
		return 0, io.EOF
	}

	chunk := h.chunks[0][h.offset:]
	n := copy(p, chunk)
	if n == len(chunk) {
		h.chunks[0] = nil
		h.chunks = h.chunks[1:]
		h.offset = 0
	} else {
		h.offset += n
	}
	h.mu.Unlock()
	h.budget.release(int64(n))
	return n, nil
}

// Abort tears the handoff down from the read side: buffered data is
// released and the writer's next Write fails.
func (h *Handoff) Abort() {
	h.mu.Lock()
	var held int64
	if h.rerr == nil {
		h.rerr = errHandoffAborted
		held = h.discardLocked()
	}
	h.mu.Unlock()
	h.cond.Broadcast()
	if held > 0 {
		h.budget.release(held)
	}
	h.budget.wake()
}

// discardLocked drops buffered chunks and reports how many bytes of
// budget the caller must release once h.mu is dropped. The budget lock is
// never taken under h.mu.
func (h *Handoff) discardLocked() int64 {
	var held int64
	for _, c := range h.chunks {
		held += int64(len(c))
	}
	held -= int64(h.offset)
	h.chunks = nil
	h.offset = 0
	return held
}
