package client

import (
	"sync"

	"github.com/toursync/toursync/internal/notify"
)

// History is a fixed-capacity ring of notifications. Adding past capacity
// evicts the oldest entry. List returns newest first.
type History struct {
	mu    sync.RWMutex
	buf   []notify.Notification
	next  int // slot the next Add writes to
	count int
}

// NewHistory creates a history holding at most capacity entries.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{buf: make([]notify.Notification, capacity)}
}

// Add records n as the newest entry.
func (h *History) Add(n notify.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.next] = n
	h.next = (h.next + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
}

// List returns a copy of the entries, newest first.
func (h *History) List() []notify.Notification {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]notify.Notification, h.count)
	for i := 0; i < h.count; i++ {
		idx := (h.next - 1 - i + len(h.buf)) % len(h.buf)
		out[i] = h.buf[idx]
	}
	return out
}

// Len returns the number of entries held.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Cap returns the capacity.
func (h *History) Cap() int {
	return len(h.buf)
}

// Clear removes every entry.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clear(h.buf)
	h.next = 0
	h.count = 0
}
