// Package heartbeat runs the two background timers spec.md §4.7
// describes: a liveness ping/terminate sweep over every connection, and a
// per-session scan that reaps stale file records and idle pairs.
// Grounded on elliota43-beam/internal/server/storage/cleanup.go's
// CleanupService shape (ticker goroutine, eager first run, Start/Wait).
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/clipsync/relay/internal/config"
	"github.com/clipsync/relay/internal/session"
)

// Reaper owns both background timers.
type Reaper struct {
	registry *session.Registry
	cfg      *config.Config
	now      func() time.Time

	wg doneGroup
}

// doneGroup tracks the two background goroutines so Wait can block until
// both have actually stopped, mirroring the teacher's single `done` channel
// generalized to two loops.
type doneGroup struct {
	heartbeatDone chan struct{}
	reaperDone    chan struct{}
}

func New(registry *session.Registry, cfg *config.Config) *Reaper {
	return &Reaper{
		registry: registry,
		cfg:      cfg,
		now:      time.Now,
		wg: doneGroup{
			heartbeatDone: make(chan struct{}),
			reaperDone:    make(chan struct{}),
		},
	}
}

// Start launches the heartbeat and reaper loops in background goroutines.
func (r *Reaper) Start(ctx context.Context) {
	slog.Info("heartbeat started", "interval", r.cfg.HeartbeatInterval)
	slog.Info("reaper started", "interval", r.cfg.ReaperScanInterval)

	go r.loop(ctx, r.cfg.HeartbeatInterval, r.wg.heartbeatDone, r.heartbeatTick)
	go r.loop(ctx, r.cfg.ReaperScanInterval, r.wg.reaperDone, r.reapTick)
}

// Wait blocks until both loops have exited.
func (r *Reaper) Wait() {
	<-r.wg.heartbeatDone
	<-r.wg.reaperDone
}

func (r *Reaper) loop(ctx context.Context, interval time.Duration, done chan struct{}, tick func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run once immediately on start, same as the teacher's CleanupService,
	// rather than waiting out the first full interval.
	tick()

	for {
		select {
		case <-ticker.C:
			tick()
		case <-ctx.Done():
			close(done)
			return
		}
	}
}

// heartbeatTick pings every live connection and terminates any that
// missed the previous cycle (spec.md §4.7 first paragraph). Closing a
// dead socket unblocks its driver's read loop, which performs the actual
// slot unbind and disconnect notification — the reaper only needs to pull
// the plug.
func (r *Reaper) heartbeatTick() {
	r.registry.Range(func(sess *session.Session) {
		sess.Lock()
		var live []session.Conn
		for _, slot := range sess.Slots {
			if slot.Bound() {
				live = append(live, slot.Conn)
			}
		}
		sess.Unlock()

		for _, conn := range live {
			if !conn.IsAlive() {
				slog.Info("terminating unresponsive connection", "pair_id", sess.PairID)
				conn.Close("heartbeat timeout")
				continue
			}
			conn.ClearAlive()
			if err := conn.Ping(); err != nil {
				slog.Debug("ping failed", "pair_id", sess.PairID, "error", err)
			}
		}
	})
}

// reapTick removes stale file records and empty, long-idle sessions
// (spec.md §4.7 second paragraph, §3 lifecycles).
func (r *Reaper) reapTick() {
	now := r.now()

	r.registry.Range(func(sess *session.Session) {
		sess.Lock()
		for id, f := range sess.Files {
			if f.Status != session.FileCompleted && now.Sub(f.LastActivity) > r.cfg.FileCleanupTimeout {
				delete(sess.Files, id)
			}
		}
		shouldRemove := sess.BothEmpty() && now.Sub(sess.LastActivity) > r.cfg.PairCleanupTimeout
		sess.Unlock()

		if shouldRemove {
			r.registry.Remove(sess.PairID)
			slog.Info("reaped idle pair", "pair_id", sess.PairID)
		}
	})
}
