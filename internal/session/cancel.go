package session

// cancel.go - per-run cancellation handle

import "sync"

// CancelHandle signals cancellation to the run loop owning a session. It is
// installed when a run acquires the session and cleared when the run ends.
type CancelHandle struct {
	once sync.Once
	ch   chan struct{}
}

// NewCancelHandle returns an untripped handle.
func NewCancelHandle() *CancelHandle {
	return &CancelHandle{ch: make(chan struct{})}
}

// Cancel trips the handle. Safe to call more than once.
func (h *CancelHandle) Cancel() {
	h.once.Do(func() { close(h.ch) })
}

// Done returns a channel closed when the handle is tripped.
func (h *CancelHandle) Done() <-chan struct{} {
	return h.ch
}

// Cancelled reports whether the handle has been tripped.
func (h *CancelHandle) Cancelled() bool {
	select {
	case <-h.ch:
		return true
	default:
		return false
	}
}
