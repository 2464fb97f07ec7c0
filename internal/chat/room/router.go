package room

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/HernanFAR/PrivateChat/internal/chat/session"
)

// Router applies enter, leave and send commands to the registry and the
// multicast group transport.
//
// Every enter, leave and eviction for one user runs under that user's
// operation lock, so group membership and registry membership move together.
// Different users never wait on each other.
type Router struct {
	registry *session.Registry
	groups   Groups
	logger   *zap.Logger
	now      func() time.Time
}

// NewRouter creates a Router.
//
// Precondition: registry, groups and logger must be non-nil. now may be nil, in which case time.Now is used.
func NewRouter(registry *session.Registry, groups Groups, logger *zap.Logger, now func() time.Time) *Router {
	if now == nil {
		now = time.Now
	}
	return &Router{
		registry: registry,
		groups:   groups,
		logger:   logger,
		now:      now,
	}
}

// EnterRoom adds userID to roomID, subscribes its connection to the room group
// and announces the arrival to the other members.
//
// Precondition: the session must exist and have a connection attached.
// Postcondition: on success the user is a member of roomID and subscribed to its
// group. Entering a room already held succeeds without a second notice.
func (r *Router) EnterRoom(ctx context.Context, userID, roomID string) error {
	if err := validateRoomID(roomID); err != nil {
		return err
	}
	sess, release, err := r.registry.Acquire(userID)
	if err != nil {
		return err
	}
	defer release()

	conn := sess.Conn()
	if conn == "" {
		return validationFailure("connect to the chat socket before entering a room")
	}
	now := r.now()
	sess.Touch(now)

	added, err := r.registry.AddRoom(userID, roomID)
	if err != nil {
		return err
	}
	if !added {
		return nil
	}

	if err := r.groups.Join(ctx, conn, roomID); err != nil {
		if rbErr := r.registry.RemoveRoom(userID, roomID); rbErr != nil {
			r.logger.Warn("rolling back room add",
				zap.String("user", userID),
				zap.String("room", roomID),
				zap.Error(rbErr),
			)
		}
		return fmt.Errorf("joining room %q: %w", roomID, err)
	}

	notice := r.systemMessage(roomID, joinedNotice(sess.DisplayName, sess.ID), now)
	if err := r.groups.Broadcast(ctx, roomID, notice, conn); err != nil {
		r.logger.Warn("broadcasting join notice",
			zap.String("user", userID),
			zap.String("room", roomID),
			zap.Error(err),
		)
	}
	r.logger.Debug("entered room",
		zap.String("user", userID),
		zap.String("room", roomID),
	)
	return nil
}

// LeaveRoom unsubscribes userID from roomID, removes the membership and
// announces the departure to the remaining members.
//
// Postcondition: Returns session.ErrNotFound, with no change, if the user is not in roomID.
func (r *Router) LeaveRoom(ctx context.Context, userID, roomID string) error {
	if err := validateRoomID(roomID); err != nil {
		return err
	}
	sess, release, err := r.registry.Acquire(userID)
	if err != nil {
		return err
	}
	defer release()

	if !sess.InRoom(roomID) {
		return fmt.Errorf("user %q in room %q: %w", userID, roomID, session.ErrNotFound)
	}
	conn := sess.Conn()
	if conn == "" {
		return r.invariant(userID, "room member has no connection")
	}
	now := r.now()
	sess.Touch(now)

	return r.leave(ctx, sess, conn, roomID, leftNotice(sess.DisplayName, sess.ID), now)
}

// SendMessage broadcasts text from userID to every other member of roomID.
//
// Postcondition: Returns session.ErrNotFound and broadcasts nothing when the
// sender is not a member of roomID. The sender's own connection never receives the message.
func (r *Router) SendMessage(ctx context.Context, userID, roomID, text string) error {
	if err := validateRoomID(roomID); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return validationFailure("message must not be empty")
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return validationFailure(fmt.Sprintf("message must not exceed %d characters", MaxMessageLength))
	}

	sess, release, err := r.registry.Acquire(userID)
	if err != nil {
		return err
	}
	defer release()

	if !sess.InRoom(roomID) {
		return fmt.Errorf("user %q in room %q: %w", userID, roomID, session.ErrNotFound)
	}
	conn := sess.Conn()
	if conn == "" {
		return r.invariant(userID, "room member has no connection")
	}
	now := r.now()
	sess.Touch(now)

	msg := Message{
		FromName:  sess.DisplayName,
		FromID:    sess.ID,
		RoomID:    roomID,
		Text:      text,
		Timestamp: now,
	}
	if err := r.groups.Broadcast(ctx, roomID, msg, conn); err != nil {
		return fmt.Errorf("broadcasting to room %q: %w", roomID, err)
	}
	return nil
}

// Evict leaves every room held by userID, announcing each departure, then
// purges the session. It returns the connection that was attached, if any,
// and whether this call purged the session. Evicting an unknown or already
// removed user is a no-op reporting false.
//
// Failures on individual rooms are logged; the session is always purged.
func (r *Router) Evict(ctx context.Context, userID string) (session.ConnID, bool) {
	sess, release, err := r.registry.Acquire(userID)
	if err != nil {
		return "", false
	}
	defer release()

	conn := sess.Conn()
	rooms := sess.Rooms()
	if conn == "" && len(rooms) > 0 {
		r.logger.Error("evicting room member without connection",
			zap.String("user", userID),
			zap.Strings("rooms", rooms),
		)
	}
	if conn != "" {
		now := r.now()
		for _, roomID := range rooms {
			if err := r.leave(ctx, sess, conn, roomID, disconnectedNotice(sess.DisplayName, sess.ID), now); err != nil {
				r.logger.Warn("leaving room during eviction",
					zap.String("user", userID),
					zap.String("room", roomID),
					zap.Error(err),
				)
			}
		}
	}
	r.registry.Remove(userID)
	r.logger.Debug("session evicted",
		zap.String("user", userID),
		zap.Int("rooms", len(rooms)),
	)
	return conn, true
}

// leave runs the leave sequence for a locked session: group first, then the
// registry, then the notice to the remaining members.
func (r *Router) leave(ctx context.Context, sess *session.UserSession, conn session.ConnID, roomID, text string, now time.Time) error {
	if err := r.groups.Leave(ctx, conn, roomID); err != nil {
		return fmt.Errorf("leaving room %q: %w", roomID, err)
	}
	if err := r.registry.RemoveRoom(sess.ID, roomID); err != nil {
		return err
	}
	if err := r.groups.Broadcast(ctx, roomID, r.systemMessage(roomID, text, now)); err != nil {
		r.logger.Warn("broadcasting leave notice",
			zap.String("user", sess.ID),
			zap.String("room", roomID),
			zap.Error(err),
		)
	}
	return nil
}

func (r *Router) systemMessage(roomID, text string, now time.Time) Message {
	return Message{
		FromName:  System.Name,
		FromID:    System.ID,
		RoomID:    roomID,
		Text:      text,
		Timestamp: now,
	}
}

func (r *Router) invariant(userID, what string) error {
	r.logger.Error("session invariant violated",
		zap.String("user", userID),
		zap.String("violation", what),
	)
	return fmt.Errorf("user %q: %s: %w", userID, what, session.ErrInvariant)
}

func validateRoomID(roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return validationFailure("room id must not be empty")
	}
	return nil
}
