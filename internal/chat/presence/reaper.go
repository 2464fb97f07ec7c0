package presence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/HernanFAR/PrivateChat/internal/chat/room"
	"github.com/HernanFAR/PrivateChat/internal/chat/session"
)

// Reaper periodically evicts sessions idle for longer than the idle timeout.
type Reaper struct {
	registry    *session.Registry
	router      *room.Router
	heartbeat   *Heartbeat
	interval    time.Duration
	idleTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewReaper creates a Reaper sweeping every interval.
//
// Precondition: interval and idleTimeout must be > 0.
func NewReaper(registry *session.Registry, router *room.Router, heartbeat *Heartbeat, interval, idleTimeout time.Duration, logger *zap.Logger, now func() time.Time) *Reaper {
	if interval <= 0 || idleTimeout <= 0 {
		panic("presence.NewReaper: interval and idleTimeout must be > 0")
	}
	if now == nil {
		now = time.Now
	}
	return &Reaper{
		registry:    registry,
		router:      router,
		heartbeat:   heartbeat,
		interval:    interval,
		idleTimeout: idleTimeout,
		logger:      logger,
		now:         now,
	}
}

// Sweep evicts every session whose last interaction is older than
// now - idleTimeout and returns how many were evicted.
//
// Sessions without a connection are purged directly. Connected sessions
// leave all their rooms first and their connection is scheduled for abort.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-r.idleTimeout)
	evicted := 0
	for _, sess := range r.registry.ListStale(cutoff) {
		if ctx.Err() != nil {
			break
		}
		// Activity may have been recorded since the snapshot was taken.
		if !sess.LastInteraction().Before(cutoff) {
			continue
		}
		conn, ok := r.router.Evict(ctx, sess.ID)
		if !ok {
			continue
		}
		if conn != "" {
			r.heartbeat.ScheduleAbort(conn)
		}
		evicted++
		r.logger.Info("reaped idle session",
			zap.String("user", sess.ID),
			zap.Time("last_interaction", sess.LastInteraction()),
		)
	}
	return evicted
}

// Run sweeps once per interval until ctx is cancelled.
//
// Postcondition: the ticker is stopped when Run returns.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("reaper started",
		zap.Duration("interval", r.interval),
		zap.Duration("idle_timeout", r.idleTimeout),
	)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return nil
		case <-ticker.C:
			if n := r.Sweep(ctx, r.now()); n > 0 {
				r.logger.Debug("sweep complete", zap.Int("evicted", n))
			}
		}
	}
}
