// Package session provides the connection registry: the single owner of
// every user session, its attached transport connection and its room
// memberships.
package session

import (
	"sync"
	"time"

	"github.com/samber/lo"
)

// MaxRooms is the maximum number of rooms a session may belong to at once.
const MaxRooms = 5

// ConnID identifies a live transport connection. The zero value means no
// connection is attached.
type ConnID string

// UserSession binds a stable user identity to its live connection and room
// memberships.
//
// ID and DisplayName are immutable. Every other field is guarded by mu and is
// read through the accessor methods, which return snapshots.
type UserSession struct {
	// ID is the opaque stable identity (the token subject).
	ID string
	// DisplayName is the name shown to other room members.
	DisplayName string

	// op serializes whole multi-step operations (enter, leave, evict) for
	// this user. It is never held by the registry itself.
	op sync.Mutex

	mu              sync.Mutex
	conn            ConnID
	lastInteraction time.Time
	rooms           []string
	removed         bool
}

func newUserSession(id, name string, now time.Time) *UserSession {
	return &UserSession{
		ID:              id,
		DisplayName:     name,
		lastInteraction: now,
		rooms:           make([]string, 0, MaxRooms),
	}
}

// Conn returns the attached connection handle, or "" when none is attached.
func (s *UserSession) Conn() ConnID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Connected reports whether a transport connection is attached.
func (s *UserSession) Connected() bool {
	return s.Conn() != ""
}

// LastInteraction returns the time of the last recorded activity.
func (s *UserSession) LastInteraction() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInteraction
}

// Rooms returns the joined room ids in insertion order.
//
// Postcondition: the returned slice is a copy; mutating it does not affect the session.
func (s *UserSession) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.rooms))
	copy(out, s.rooms)
	return out
}

// InRoom reports whether the session is currently a member of roomID.
func (s *UserSession) InRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Contains(s.rooms, roomID)
}

// Touch records activity at now. Activity never moves backwards.
func (s *UserSession) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastInteraction) {
		s.lastInteraction = now
	}
}

// Removed reports whether the session has been purged from its registry.
func (s *UserSession) Removed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}
