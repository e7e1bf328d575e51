package relay

import (
	"github.com/clipsync/relay/internal/protocol"
	"github.com/clipsync/relay/internal/session"
)

// HandleClipboard appends the new entry to history and forwards it to the
// other side (spec.md §4.5). If the other role is unbound or closed the
// forward is simply dropped; history retention still occurs.
func (e *Engine) HandleClipboard(sess *session.Session, role session.Role, deviceName, content string) {
	now := e.now()

	sess.Lock()
	sess.AppendClipboard(session.ClipboardEntry{From: deviceName, Content: content, Timestamp: now})
	sess.Touch(now)
	other := connIfBound(sess.Slots[role.Other()])
	sess.Unlock()

	if other != nil {
		other.SafeSend(protocol.NewClipboard(deviceName, content))
	}
}
