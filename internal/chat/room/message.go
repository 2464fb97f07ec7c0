// Package room drives room membership transitions on a multicast group
// transport and fans out system notices and user messages.
package room

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/HernanFAR/PrivateChat/internal/chat/session"
)

// System identifies the synthetic sender of server-generated notices.
var System = struct {
	ID   string
	Name string
}{
	ID:   "00000000000000000000000000000000",
	Name: "System",
}

// MaxMessageLength bounds the text of a single user message, in runes.
const MaxMessageLength = 2000

// Message is the payload delivered to room members as a ReceiveMessage event.
type Message struct {
	FromName  string    `json:"fromName"`
	FromID    string    `json:"fromId"`
	RoomID    string    `json:"roomId"`
	Text      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Groups is the multicast group transport the Router drives.
// Implementations perform network I/O and may block until ctx is done.
type Groups interface {
	// Join subscribes conn to roomID. Joining twice is a no-op.
	Join(ctx context.Context, conn session.ConnID, roomID string) error
	// Leave unsubscribes conn from roomID. Leaving a group not joined is a no-op.
	Leave(ctx context.Context, conn session.ConnID, roomID string) error
	// Broadcast delivers msg to every subscriber of roomID except the listed connections.
	Broadcast(ctx context.Context, roomID string, msg Message, except ...session.ConnID) error
}

// ValidationError rejects a request without any state change.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Messages, "; ")
}

func validationFailure(msgs ...string) error {
	return &ValidationError{Messages: msgs}
}

func joinedNotice(name, id string) string {
	return fmt.Sprintf("%s#%s joined the room. Welcome!", name, id)
}

func leftNotice(name, id string) string {
	return fmt.Sprintf("%s#%s left the room.", name, id)
}

func disconnectedNotice(name, id string) string {
	return fmt.Sprintf("%s#%s disconnected.", name, id)
}
