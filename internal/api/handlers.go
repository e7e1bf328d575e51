package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clipsync/relay/internal/config"
	"github.com/clipsync/relay/internal/mint"
	"github.com/clipsync/relay/internal/relay"
	"github.com/clipsync/relay/internal/session"
	"github.com/clipsync/relay/internal/wsconn"
)

// Handler contains the HTTP handlers for the ClipSync relay.
type Handler struct {
	minter   *mint.Minter
	registry *session.Registry
	engine   *relay.Engine
	cfg      *config.Config
	started  time.Time
}

// NewHandler creates a new handler with its dependencies.
func NewHandler(minter *mint.Minter, registry *session.Registry, engine *relay.Engine, cfg *config.Config) *Handler {
	return &Handler{minter: minter, registry: registry, engine: engine, cfg: cfg, started: time.Now()}
}

// HandlePair handles GET /pair (spec.md §4.1, §6).
func (h *Handler) HandlePair(c echo.Context) error {
	creds, err := h.minter.MintPair()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to mint pair"})
	}

	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set("Access-Control-Allow-Origin", "*")
	return c.JSON(http.StatusOK, creds)
}

// HandleHealth handles GET /health (spec.md §6).
func (h *Handler) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"ok":     true,
		"uptime": time.Since(h.started).Seconds(),
	})
}

// HandleRoot handles GET / with a plain-text liveness banner.
func (h *Handler) HandleRoot(c echo.Context) error {
	return c.String(http.StatusOK, "ClipSync relay running")
}

// HandleConnect handles GET /connect: validates credentials and role, then
// either upgrades to a duplex connection or destroys the underlying
// transport without completing the handshake (spec.md §4.3, §6, §7).
func (h *Handler) HandleConnect(c echo.Context) error {
	req := c.Request()

	pairID := c.QueryParam("pairId")
	token := c.QueryParam("token")
	roleParam := c.QueryParam("type")
	deviceName := c.QueryParam("deviceName")
	if deviceName == "" {
		deviceName = "Unknown"
	}

	role := session.Role(roleParam)

	sess, ok := h.registry.Get(pairID)
	valid := pairID != "" && token != "" && roleParam != "" && role.Valid() && ok
	if valid {
		sess.Lock()
		valid = sess.Token == token
		sess.Unlock()
	}

	if !valid {
		destroyTransport(c.Response())
		return nil
	}

	ws, err := wsconn.Upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		return nil
	}

	conn := wsconn.New(ws, pairID, role, deviceName)
	wsconn.Serve(conn, sess, h.engine, h.cfg)
	return nil
}

// destroyTransport hijacks the underlying TCP connection and closes it
// directly, so that no HTTP response (let alone a 101) is ever written
// (spec.md §4.3 "destroy the underlying transport without completing the
// upgrade", §7 "Credential failures at upgrade time").
func destroyTransport(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}
