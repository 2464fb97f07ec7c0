package realtime

import (
	"fmt"
	"sync"

	"github.com/HernanFAR/PrivateChat/internal/chat/session"
)

// outbox queues encoded events for one connection's write pump.
// Push never blocks: a full queue drops the event.
type outbox struct {
	conn   session.ConnID
	events chan []byte
	mu     sync.Mutex
	closed bool
}

// newOutbox creates an outbox holding up to bufferSize pending events.
//
// Postcondition: Returns an outbox with an open events channel.
func newOutbox(conn session.ConnID, bufferSize int) *outbox {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &outbox{
		conn:   conn,
		events: make(chan []byte, bufferSize),
	}
}

// Push enqueues data for delivery.
//
// Postcondition: Data is enqueued, or an error is returned if the outbox is closed or full.
func (o *outbox) Push(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("connection %s is closed", o.conn)
	}
	select {
	case o.events <- data:
		return nil
	default:
		return fmt.Errorf("connection %s send buffer full", o.conn)
	}
}

// Events returns the channel the write pump drains.
func (o *outbox) Events() <-chan []byte {
	return o.events
}

// Close closes the events channel. Closing twice is a no-op.
func (o *outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.events)
	}
}

// IsClosed reports whether the outbox has been closed.
func (o *outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
