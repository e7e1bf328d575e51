package wsconn

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clipsync/relay/internal/config"
	"github.com/clipsync/relay/internal/protocol"
	"github.com/clipsync/relay/internal/relay"
	"github.com/clipsync/relay/internal/session"
)

// Upgrader performs the actual HTTP -> WebSocket handshake. CheckOrigin is
// permissive because origin enforcement is out of scope (spec.md §1, TLS
// termination and the whole of browser-origin policy sit in front of this
// service, at the load balancer).
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Serve runs the authenticated half of one connection's lifetime: the
// bind/announce side effects of spec.md §4.3 steps 1-8, then the
// per-connection driver's read loop (spec.md §4.4) until the socket dies,
// then disconnect cleanup.
func Serve(conn *Conn, sess *session.Session, engine *relay.Engine, cfg *config.Config) {
	bindAndAnnounce(conn, sess)

	conn.SetPongHandler(func(string) error {
		conn.MarkAlive()
		return nil
	})

	readLoop(conn, sess, engine, cfg)

	unbindOnDisconnect(conn, sess, engine)
}

// bindAndAnnounce implements spec.md §4.3 steps 1-8: displace any prior
// occupant of the slot, bind the new connection, then replay state.
func bindAndAnnounce(conn *Conn, sess *session.Session) {
	sess.Lock()
	old := sess.Slots[conn.Role].Conn
	sess.Slots[conn.Role] = &session.Slot{Conn: conn, DeviceName: conn.DeviceName}
	sess.Touch(time.Now())

	bothBoundNow := sess.BothBound()
	if bothBoundNow {
		sess.EverFullyBound = true
	}

	history := append([]session.ClipboardEntry(nil), sess.ClipboardHistory...)
	files := snapshotFiles(sess)
	pcConn, appConn := sess.Slots[session.RolePC].Conn, sess.Slots[session.RoleApp].Conn
	sess.Unlock()

	if old != nil && !sameConn(old, conn) {
		old.Close("replaced")
	}

	conn.MarkAlive()
	conn.SafeSend(protocol.NewStatus(fmt.Sprintf("%s registered.", roleLabel(conn.Role))))

	for _, entry := range history {
		conn.SafeSend(protocol.NewClipboard(entry.From, entry.Content))
	}

	for _, f := range files {
		if f.SenderType == conn.Role.Other() {
			conn.SafeSend(protocol.NewFileMeta(f.FileID, f.Name, f.TotalChunks, f.TotalSize))
		} else {
			conn.SafeSend(protocol.NewFileProgress(f.FileID, f.ReceivedChunks(), f.TotalChunks))
		}
	}

	if bothBoundNow {
		if pcConn != nil {
			pcConn.SafeSend(protocol.NewStatus("Mobile connected"))
		}
		if appConn != nil {
			appConn.SafeSend(protocol.NewStatus("PC connected"))
		}
	}

	// Auto-resume: nudge the sender of every paused file with its
	// current missing-chunk set, regardless of which side just
	// connected (spec.md §4.3 step 8).
	for _, f := range files {
		if f.Status != session.FilePaused {
			continue
		}
		var senderConn session.Conn
		if f.SenderType == session.RolePC {
			senderConn = pcConn
		} else {
			senderConn = appConn
		}
		if senderConn != nil {
			senderConn.SafeSend(protocol.NewFileMissingChunks(f.FileID, f.MissingChunks()))
		}
	}
}

// readLoop reads one frame at a time and dispatches by type (spec.md
// §4.4). Parse failures are logged and dropped, never close the
// connection, per spec.md §9 open question (c) default ("drop"); set
// cfg.StrictFrames to restore the legacy close-on-malformed behavior.
func readLoop(conn *Conn, sess *session.Session, engine *relay.Engine, cfg *config.Config) {
	for {
		var frame protocol.Inbound
		if err := conn.ReadJSON(&frame); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				slog.Debug("wsconn: dropping malformed frame", "conn_id", conn.ID, "pair_id", conn.PairID, "error", err)
				if cfg.StrictFrames {
					conn.Close("Invalid JSON")
					return
				}
				continue
			}
			if !isNormalClose(err) {
				slog.Debug("wsconn: read error", "conn_id", conn.ID, "pair_id", conn.PairID, "error", err)
			}
			return
		}

		sess.Lock()
		sess.Touch(time.Now())
		sess.Unlock()

		if frame.Type == "" {
			if cfg.StrictFrames {
				conn.Close("Invalid JSON")
				return
			}
			continue
		}

		dispatch(conn, sess, engine, frame)
	}
}

func dispatch(conn *Conn, sess *session.Session, engine *relay.Engine, frame protocol.Inbound) {
	role := conn.Role

	switch frame.Type {
	case protocol.TypeClipboard:
		engine.HandleClipboard(sess, role, conn.DeviceName, frame.Content)
	case protocol.TypeFileMeta:
		engine.HandleFileMeta(sess, role, conn, frame)
	case protocol.TypeFileChunk:
		engine.HandleFileChunk(sess, role, frame)
	case protocol.TypeFileChunkAck:
		engine.HandleFileChunkAck(sess, role, frame)
	case protocol.TypeFileComplete:
		engine.HandleFileComplete(sess, role, frame)
	case protocol.TypePauseFile:
		engine.HandlePauseFile(sess, frame)
	case protocol.TypeResumeFile:
		engine.HandleResumeFile(sess, frame)
	case protocol.TypeRequestChunks:
		engine.HandleRequestChunks(sess, role, frame)
	case protocol.TypeFileMissingChunks:
		engine.HandleMissingChunks(sess, role, frame)
	default:
		slog.Debug("wsconn: unknown frame type", "conn_id", conn.ID, "type", frame.Type)
	}
}

// unbindOnDisconnect releases the slot if (and only if) it is still
// pointing at this exact connection — a replaced connection's read loop
// also exits through here, but must not clobber the new occupant or
// double-fire disconnect handling (spec.md §4.3 "replace-on-rebind").
func unbindOnDisconnect(conn *Conn, sess *session.Session, engine *relay.Engine) {
	sess.Lock()
	slot := sess.Slots[conn.Role]
	stillBoundHere := slot.Bound() && sameConn(slot.Conn, conn)
	if stillBoundHere {
		sess.Slots[conn.Role] = &session.Slot{}
		sess.Touch(time.Now())
	}
	sess.Unlock()

	if !stillBoundHere {
		return
	}

	conn.Close("disconnected")
	engine.HandleDisconnect(sess, conn.Role)
}

func snapshotFiles(sess *session.Session) []*session.FileRecord {
	out := make([]*session.FileRecord, 0, len(sess.Files))
	for _, f := range sess.Files {
		out = append(out, f)
	}
	return out
}

func sameConn(a, b session.Conn) bool {
	ac, aok := a.(*Conn)
	bc, bok := b.(*Conn)
	if aok && bok {
		return ac == bc
	}
	return a == b
}

func roleLabel(r session.Role) string {
	if r == session.RolePC {
		return "PC"
	}
	return "App"
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent)
}
