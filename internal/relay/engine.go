// Package relay implements the clipboard and file-transfer state machines
// that run once two peers are authenticated onto a session (spec.md
// §4.5, §4.6). Handlers are grounded in shape (sentinel errors, slog call
// sites) on elliota43-beam/internal/server/service/upload.go; the state
// machine itself follows spec.md directly since no single teacher file
// implements a chunked-transfer protocol.
package relay

import (
	"log/slog"
	"time"

	"github.com/clipsync/relay/internal/config"
	"github.com/clipsync/relay/internal/protocol"
	"github.com/clipsync/relay/internal/session"
)

// Engine holds the tunables (chunk size, retry limit, caps) the state
// machine needs; it carries no per-session state of its own.
type Engine struct {
	cfg *config.Config
	now func() time.Time
}

func New(cfg *config.Config) *Engine {
	return &Engine{cfg: cfg, now: time.Now}
}

// connIfBound returns slot.Conn if the slot is bound, else nil. Must be
// called with the session's lock held; the returned value is safe to use
// after unlocking since Conn itself is independently synchronized.
func connIfBound(slot *session.Slot) session.Conn {
	if slot.Bound() {
		return slot.Conn
	}
	return nil
}

// slotConns snapshots both slots' connections under the session lock.
func slotConns(sess *session.Session) (pc, app session.Conn) {
	return connIfBound(sess.Slots[session.RolePC]), connIfBound(sess.Slots[session.RoleApp])
}

// broadcastBoth sends msg to whichever of pc/app are currently bound.
func (e *Engine) broadcastBoth(sess *session.Session, msg any) {
	sess.Lock()
	pc, app := slotConns(sess)
	sess.Unlock()

	if pc != nil {
		pc.SafeSend(msg)
	}
	if app != nil {
		app.SafeSend(msg)
	}
}

// HandleDisconnect runs when a role's connection drops (and was not
// merely replaced by a rebind — the caller is responsible for that
// distinction, spec.md §4.3 "replace-on-rebind"). Any file this role was
// sending is paused; the receiver-disconnect case is handled lazily, the
// next time a chunk forward discovers the receiver socket is gone
// (spec.md §4.6, E2E scenario 4).
func (e *Engine) HandleDisconnect(sess *session.Session, role session.Role) {
	now := e.now()
	sess.Lock()
	var paused []string
	for id, f := range sess.Files {
		if f.SenderType == role && f.Status == session.FileSending {
			f.Status = session.FilePaused
			f.LastActivity = now
			paused = append(paused, id)
		}
	}
	sess.Unlock()

	for _, id := range paused {
		slog.Info("file paused on sender disconnect", "pair_id", sess.PairID, "file_id", id)
		e.broadcastBoth(sess, protocol.NewFilePaused(id, "Sender disconnected"))
	}
}
