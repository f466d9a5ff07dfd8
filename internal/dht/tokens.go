package dht

import (
	"crypto/sha1"
	"sync"
	"time"

	"github.com/rock3qiu/libtorrent/pkg/interfaces"
)

// TokenLen is the length, in bytes, of an issued write token.
const TokenLen = 8

// TokenManager issues and verifies write tokens bound to (requester IP,
// secret epoch), per spec §3. Tokens from the current and previous
// epoch are both accepted, so a token issued just before a rotation
// does not fail a put/announce_peer that arrives just after it.
type TokenManager struct {
	mu sync.Mutex

	epochDuration time.Duration
	clock         interfaces.Clock
	rng           interfaces.RandSource

	current      [16]byte
	previous     [16]byte
	rotatedAt    time.Time
	hasPrevious  bool
}

// NewTokenManager builds a manager rotating every epochDuration.
func NewTokenManager(epochDuration time.Duration, clock interfaces.Clock, rng interfaces.RandSource) *TokenManager {
	tm := &TokenManager{epochDuration: epochDuration, clock: clock, rng: rng}
	tm.rng.Read(tm.current[:])
	tm.rotatedAt = clock.Now()
	return tm
}

func (tm *TokenManager) maybeRotateLocked() {
	if tm.clock.Now().Sub(tm.rotatedAt) < tm.epochDuration {
		return
	}
	tm.previous = tm.current
	tm.hasPrevious = true
	tm.rng.Read(tm.current[:])
	tm.rotatedAt = tm.clock.Now()
}

// Issue returns a fresh token for ip, valid until it ages out of the
// two-epoch acceptance window.
func (tm *TokenManager) Issue(ip []byte) []byte {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.maybeRotateLocked()
	return tokenFor(tm.current[:], ip)
}

// Verify reports whether token was issued for ip in the current or
// immediately preceding epoch.
func (tm *TokenManager) Verify(ip []byte, token []byte) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.maybeRotateLocked()

	if hmacEqual(token, tokenFor(tm.current[:], ip)) {
		return true
	}
	if tm.hasPrevious && hmacEqual(token, tokenFor(tm.previous[:], ip)) {
		return true
	}
	return false
}

func tokenFor(secret, ip []byte) []byte {
	h := sha1.New()
	h.Write(secret)
	h.Write(ip)
	sum := h.Sum(nil)
	return sum[:TokenLen]
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
