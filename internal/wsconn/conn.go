// Package wsconn wraps a WebSocket connection with the safe-send and
// liveness primitives the relay depends on (spec.md §4.4, §4.7), grounded
// on the wsClient type in other_examples/Turid1o1-valden__main.go.
package wsconn

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clipsync/relay/internal/session"
)

// Conn wraps a *websocket.Conn with the bookkeeping the driver and relay
// need: an immutable (pairId, role) identity for logging and lookups
// (spec.md §9 "carry (pairId, role) as immutable context"), a write mutex
// (gorilla/websocket connections support one concurrent writer), and a
// liveness flag for the heartbeat cycle.
type Conn struct {
	ID         string
	PairID     string
	Role       session.Role
	DeviceName string

	ws *websocket.Conn

	writeMu sync.Mutex
	alive   atomic.Bool
	closed  atomic.Bool
}

// New wraps ws for the given pair/role. DeviceName may be updated later
// (it comes from the upgrade query string, which is parsed before the
// wrapper is constructed in this design, but the field stays mutable in
// case a future re-auth changes it).
func New(ws *websocket.Conn, pairID string, role session.Role, deviceName string) *Conn {
	c := &Conn{
		ID:         uuid.NewString(),
		PairID:     pairID,
		Role:       role,
		DeviceName: deviceName,
		ws:         ws,
	}
	c.alive.Store(true)
	return c
}

// SafeSend writes v as a JSON text frame. If the socket is already closed,
// the send is silently dropped (spec.md §4.4 "safe send primitive"); any
// write error is logged and treated the same way rather than propagated,
// since a blocked/broken peer is the caller's problem to notice via the
// heartbeat or retry path, not this call's.
func (c *Conn) SafeSend(v any) {
	if c.closed.Load() {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return
	}

	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("wsconn: marshal outbound frame failed", "conn_id", c.ID, "error", err)
		return
	}

	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		slog.Debug("wsconn: send failed", "conn_id", c.ID, "pair_id", c.PairID, "role", c.Role, "error", err)
	}
}

// TrySend writes v and reports the outcome, for callers (the file-transfer
// retry policy) that need to distinguish success from transient failure
// rather than have the send silently dropped.
func (c *Conn) TrySend(v any) error {
	if c.closed.Load() {
		return websocket.ErrCloseSent
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return websocket.ErrCloseSent
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Open reports whether the connection is still usable for writes. The
// file-transfer engine uses this to decide whether a chunk forward can
// even be attempted (spec.md §4.6 "receiver socket not open").
func (c *Conn) Open() bool {
	return !c.closed.Load()
}

// Close marks the connection closed and tears down the transport. reason
// is logged; spec.md's "replaced"/session-reap close reasons are recorded
// here for operators, not sent to the peer as a protocol frame.
func (c *Conn) Close(reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.writeMu.Lock()
	deadline := time.Now().Add(2 * time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
	c.writeMu.Unlock()

	_ = c.ws.Close()
	slog.Info("connection closed", "conn_id", c.ID, "pair_id", c.PairID, "role", c.Role, "reason", reason)
}

// Shutdown sends a best-effort CloseGoingAway frame and tears down the
// transport, for use when the process itself is stopping rather than any
// per-connection failure (spec.md §9 ambient expansion, "graceful drain
// on shutdown").
func (c *Conn) Shutdown() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.writeMu.Lock()
	deadline := time.Now().Add(2 * time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
	c.writeMu.Unlock()

	_ = c.ws.Close()
	slog.Info("connection closed", "conn_id", c.ID, "pair_id", c.PairID, "role", c.Role, "reason", "shutdown")
}

// IsAlive, ClearAlive and Ping implement session.Conn's heartbeat surface.
func (c *Conn) IsAlive() bool { return c.alive.Load() }
func (c *Conn) ClearAlive()   { c.alive.Store(false) }

// MarkAlive re-arms the liveness flag; installed as the pong handler.
func (c *Conn) MarkAlive() { c.alive.Store(true) }

// Ping sends a transport-level ping control frame (spec.md §4.7).
func (c *Conn) Ping() error {
	if c.closed.Load() {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// ReadJSON reads one text frame and decodes it. Returns the raw decode
// error unmodified so the driver can distinguish "connection gone" from
// "malformed frame".
func (c *Conn) ReadJSON(v any) error {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// SetPongHandler installs fn to run whenever a pong control frame arrives.
func (c *Conn) SetPongHandler(fn func(appData string) error) {
	c.ws.SetPongHandler(fn)
}
