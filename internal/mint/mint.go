// Package mint issues pairing credentials (spec.md §4.1).
package mint

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipsync/relay/internal/protocol"
	"github.com/clipsync/relay/internal/session"
)

// Credentials is the JSON body returned by MintPair (spec.md §4.1, §6).
type Credentials struct {
	PairID string `json:"pairId"`
	Token  string `json:"token"`
}

// Minter creates pairs and arms their mint-TTL expiry.
type Minter struct {
	registry *session.Registry
	ttl      time.Duration
	now      func() time.Time
}

func New(registry *session.Registry, ttl time.Duration) *Minter {
	return &Minter{registry: registry, ttl: ttl, now: time.Now}
}

// MintPair generates a fresh pair identifier and bearer token, inserts an
// empty session, and arms the mint-TTL timer. Generation cannot fail
// (spec.md §4.1 "no failure path other than transport"); the only error
// this returns is from the underlying CSPRNG, which the HTTP handler
// answers with a 500 response rather than retrying.
func (m *Minter) MintPair() (Credentials, error) {
	var pairID string
	for {
		id, err := randomHex(3)
		if err != nil {
			return Credentials{}, fmt.Errorf("mint: generate pairId: %w", err)
		}
		// Collision is astronomically unlikely (3 random bytes) but the
		// spec calls for a retry rather than trusting the odds blindly.
		if !m.registry.Has(id) {
			pairID = id
			break
		}
	}

	token, err := randomHex(16)
	if err != nil {
		return Credentials{}, fmt.Errorf("mint: generate token: %w", err)
	}

	now := m.now()
	sess := session.New(pairID, token, now)
	m.registry.Insert(sess)

	time.AfterFunc(m.ttl, func() { m.expireIfUnbound(pairID) })

	slog.Debug("pair minted", "pair_id", pairID)
	return Credentials{PairID: pairID, Token: token}, nil
}

// expireIfUnbound removes a session that never became fully bound within
// the mint TTL, notifying any sole connected side (spec.md §4.1). Once a
// pair has ever been fully bound, EverFullyBound suppresses this.
func (m *Minter) expireIfUnbound(pairID string) {
	sess, ok := m.registry.Get(pairID)
	if !ok {
		return
	}

	sess.Lock()
	alreadyBound := sess.EverFullyBound
	var lonely session.Conn
	if !alreadyBound {
		for _, slot := range sess.Slots {
			if slot.Bound() {
				lonely = slot.Conn
			}
		}
	}
	sess.Unlock()

	if alreadyBound {
		return
	}

	m.registry.Remove(pairID)
	slog.Info("pair expired (never fully bound)", "pair_id", pairID)

	if lonely != nil {
		lonely.SafeSend(protocol.NewExpired())
	}
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
