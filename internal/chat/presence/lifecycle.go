package presence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/HernanFAR/PrivateChat/internal/chat/room"
	"github.com/HernanFAR/PrivateChat/internal/chat/session"
)

// Lifecycle implements the transport connection hooks on top of the
// registry, the router and the heartbeat abort set.
type Lifecycle struct {
	registry  *session.Registry
	router    *room.Router
	heartbeat *Heartbeat
	logger    *zap.Logger
	now       func() time.Time
}

// NewLifecycle creates a Lifecycle.
//
// Precondition: registry, router, heartbeat and logger must be non-nil. now may be nil.
func NewLifecycle(registry *session.Registry, router *room.Router, heartbeat *Heartbeat, logger *zap.Logger, now func() time.Time) *Lifecycle {
	if now == nil {
		now = time.Now
	}
	return &Lifecycle{
		registry:  registry,
		router:    router,
		heartbeat: heartbeat,
		logger:    logger,
		now:       now,
	}
}

// OnConnect attaches conn to the session of userID. Sessions are created only
// by identity issuance; a removed session is never brought back, so a token
// whose session is gone is refused.
//
// Postcondition: Returns session.ErrNotFound if no live session exists, or
// session.ErrAlreadyExists if another connection is attached.
func (l *Lifecycle) OnConnect(_ context.Context, userID, _ string, conn session.ConnID) error {
	sess, err := l.registry.Get(userID)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	if err := l.registry.AttachConnection(userID, conn); err != nil {
		return err
	}
	sess.Touch(l.now())
	l.logger.Info("client connected",
		zap.String("user", userID),
		zap.String("conn", string(conn)),
	)
	return nil
}

// OnDisconnect leaves every room held by userID, announcing each departure,
// and purges the session. A disconnect of a connection that is not the one
// attached to the session only clears its heartbeat state.
func (l *Lifecycle) OnDisconnect(ctx context.Context, userID string, conn session.ConnID, cause error) {
	defer l.heartbeat.Forget(conn)

	sess, err := l.registry.Get(userID)
	if err != nil || sess.Conn() != conn {
		return
	}
	if _, evicted := l.router.Evict(ctx, userID); !evicted {
		return
	}
	fields := []zap.Field{
		zap.String("user", userID),
		zap.String("conn", string(conn)),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	l.logger.Info("client disconnected", fields...)
}

// OnHeartbeat reports whether conn must be aborted on this tick.
func (l *Lifecycle) OnHeartbeat(_ context.Context, conn session.ConnID) bool {
	if l.heartbeat.Tick(conn) {
		l.logger.Info("aborting connection", zap.String("conn", string(conn)))
		return true
	}
	return false
}

// Unauthorized schedules a forced disconnect of userID's live connection after
// its credential failed validation. It reports whether a connection was scheduled.
func (l *Lifecycle) Unauthorized(userID string) bool {
	sess, err := l.registry.Get(userID)
	if err != nil {
		return false
	}
	conn := sess.Conn()
	if conn == "" {
		return false
	}
	l.heartbeat.ScheduleAbort(conn)
	l.logger.Info("scheduled forced disconnect",
		zap.String("user", userID),
		zap.String("conn", string(conn)),
	)
	return true
}
