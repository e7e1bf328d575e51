package relay

import (
	"errors"
	"time"

	"github.com/clipsync/relay/internal/config"
	"github.com/clipsync/relay/internal/session"
)

// fakeConn is a session.Conn double for exercising the relay handlers
// without a real transport.
type fakeConn struct {
	sent         []any
	trySendFails int // number of leading TrySend calls that fail
	trySendCalls int
	open         bool
	alive        bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{open: true, alive: true}
}

func (c *fakeConn) SafeSend(v any) { c.sent = append(c.sent, v) }
func (c *fakeConn) Close(string)   { c.open = false }

func (c *fakeConn) TrySend(v any) error {
	c.trySendCalls++
	if c.trySendCalls <= c.trySendFails {
		return errors.New("write: broken pipe")
	}
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeConn) Open() bool     { return c.open }
func (c *fakeConn) IsAlive() bool  { return c.alive }
func (c *fakeConn) ClearAlive()    { c.alive = false }
func (c *fakeConn) Ping() error    { return nil }
func (c *fakeConn) Shutdown()      { c.open = false }

func testConfig() *config.Config {
	return &config.Config{
		ChunkSize:            1024,
		MaxFileSize:          1024 * 1024,
		MaxSimultaneousFiles: 2,
		ChunkRetryLimit:      3,
		FileCleanupTimeout:   time.Hour,
		PairCleanupTimeout:   time.Hour,
		HeartbeatInterval:    time.Second,
		MintTTL:              time.Minute,
		ReaperScanInterval:   time.Second,
	}
}

func newTestSession() *session.Session {
	return session.New("a1b2c3", "tok", time.Now())
}
