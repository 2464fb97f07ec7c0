package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
)

var (
	// ErrNotFound is returned when a session or a room membership does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when registering an identity that is already
	// registered, or attaching a second connection to a connected session.
	ErrAlreadyExists = errors.New("already exists")
	// ErrCapacityExceeded is returned when a session would exceed MaxRooms.
	ErrCapacityExceeded = fmt.Errorf("cannot be in more than %d rooms at once", MaxRooms)
	// ErrInvariant marks an observed state that the session state machine forbids.
	ErrInvariant = errors.New("session invariant violated")
)

// Registry tracks every user session keyed by user id.
// All methods are safe for concurrent use. Operations on different users
// never wait on each other; operations on the same user are linearizable.
type Registry struct {
	sessions sync.Map // user id → *UserSession
	count    atomic.Int64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register creates a session for userID.
//
// Precondition: userID must be non-empty.
// Postcondition: Returns the new session, or ErrAlreadyExists if userID is registered.
func (r *Registry) Register(userID, name string, now time.Time) (*UserSession, error) {
	if userID == "" {
		return nil, errors.New("registering session: user id must not be empty")
	}
	sess := newUserSession(userID, name, now)
	if _, loaded := r.sessions.LoadOrStore(userID, sess); loaded {
		return nil, fmt.Errorf("user %q: %w", userID, ErrAlreadyExists)
	}
	r.count.Add(1)
	return sess, nil
}

// Get returns the live session for userID.
func (r *Registry) Get(userID string) (*UserSession, error) {
	v, ok := r.sessions.Load(userID)
	if !ok {
		return nil, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	return v.(*UserSession), nil
}

// AttachConnection binds conn to the session of userID.
//
// Precondition: conn must be non-empty.
// Postcondition: Returns ErrNotFound if no session exists, or ErrAlreadyExists
// if a different connection is already attached. Re-attaching the same handle is a no-op.
func (r *Registry) AttachConnection(userID string, conn ConnID) error {
	sess, err := r.Get(userID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.removed {
		return fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	if sess.conn != "" && sess.conn != conn {
		return fmt.Errorf("user %q connection: %w", userID, ErrAlreadyExists)
	}
	sess.conn = conn
	return nil
}

// DetachConnection clears the connection of userID if it is still conn.
// It reports whether the handle was detached.
func (r *Registry) DetachConnection(userID string, conn ConnID) bool {
	sess, err := r.Get(userID)
	if err != nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.conn != conn || conn == "" {
		return false
	}
	sess.conn = ""
	return true
}

// Touch records activity for userID at now.
func (r *Registry) Touch(userID string, now time.Time) error {
	sess, err := r.Get(userID)
	if err != nil {
		return err
	}
	sess.Touch(now)
	return nil
}

// AddRoom appends roomID to the rooms of userID.
//
// Postcondition: added is true only when roomID was not already held. Adding a
// held room succeeds without change. A sixth room fails with
// ErrCapacityExceeded and leaves the room set unchanged.
func (r *Registry) AddRoom(userID, roomID string) (added bool, err error) {
	sess, err := r.Get(userID)
	if err != nil {
		return false, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.removed {
		return false, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	if lo.Contains(sess.rooms, roomID) {
		return false, nil
	}
	if len(sess.rooms) >= MaxRooms {
		return false, ErrCapacityExceeded
	}
	sess.rooms = append(sess.rooms, roomID)
	return true, nil
}

// RemoveRoom removes roomID from the rooms of userID.
//
// Postcondition: Returns ErrNotFound, with no change, if roomID is not held.
func (r *Registry) RemoveRoom(userID, roomID string) error {
	sess, err := r.Get(userID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.removed || !lo.Contains(sess.rooms, roomID) {
		return fmt.Errorf("user %q in room %q: %w", userID, roomID, ErrNotFound)
	}
	sess.rooms = lo.Without(sess.rooms, roomID)
	return nil
}

// Remove purges the session of userID. Removing an unknown user is a no-op.
//
// Postcondition: the session is marked removed, so holders of its handle can
// no longer mutate it, and it no longer appears in Members or ListStale.
func (r *Registry) Remove(userID string) {
	v, ok := r.sessions.Load(userID)
	if !ok {
		return
	}
	sess := v.(*UserSession)
	sess.mu.Lock()
	sess.removed = true
	sess.rooms = sess.rooms[:0]
	sess.conn = ""
	sess.mu.Unlock()

	if r.sessions.CompareAndDelete(userID, sess) {
		r.count.Add(-1)
	}
}

// Acquire locks userID for a multi-step operation and returns the session
// with its release function.
//
// Postcondition: on success the caller must call release exactly once.
// Returns ErrNotFound if the session does not exist or was removed while waiting.
func (r *Registry) Acquire(userID string) (*UserSession, func(), error) {
	sess, err := r.Get(userID)
	if err != nil {
		return nil, nil, err
	}
	sess.op.Lock()
	if sess.Removed() {
		sess.op.Unlock()
		return nil, nil, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	return sess, sess.op.Unlock, nil
}

// Members returns the sessions currently in roomID.
func (r *Registry) Members(roomID string) []*UserSession {
	var out []*UserSession
	r.sessions.Range(func(_, v any) bool {
		sess := v.(*UserSession)
		if sess.InRoom(roomID) {
			out = append(out, sess)
		}
		return true
	})
	return out
}

// ListStale returns the sessions whose last interaction is before cutoff.
func (r *Registry) ListStale(cutoff time.Time) []*UserSession {
	var out []*UserSession
	r.sessions.Range(func(_, v any) bool {
		sess := v.(*UserSession)
		if sess.LastInteraction().Before(cutoff) {
			out = append(out, sess)
		}
		return true
	})
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return int(r.count.Load())
}
