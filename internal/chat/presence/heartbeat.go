// Package presence terminates and purges sessions: heartbeat-driven forced
// disconnects, the connection lifecycle hooks and the idle-session reaper.
package presence

import (
	"sync"

	"github.com/HernanFAR/PrivateChat/internal/chat/session"
)

// Heartbeat holds the set of connections scheduled for a forced disconnect.
//
// A failure detected on another goroutine schedules the connection; the
// connection's own next heartbeat tick observes the entry and aborts itself,
// so the transport is never closed from a foreign goroutine.
type Heartbeat struct {
	mu      sync.Mutex
	pending map[session.ConnID]struct{}
}

// NewHeartbeat creates a Heartbeat with no pending aborts.
func NewHeartbeat() *Heartbeat {
	return &Heartbeat{pending: make(map[session.ConnID]struct{})}
}

// ScheduleAbort marks conn to be aborted on its next tick.
func (h *Heartbeat) ScheduleAbort(conn session.ConnID) {
	if conn == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending[conn] = struct{}{}
}

// Tick reports whether conn must be aborted now and clears its entry.
func (h *Heartbeat) Tick(conn session.ConnID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pending[conn]; !ok {
		return false
	}
	delete(h.pending, conn)
	return true
}

// Forget drops any pending abort for conn.
func (h *Heartbeat) Forget(conn session.ConnID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, conn)
}

// Pending returns the number of scheduled aborts.
func (h *Heartbeat) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}
