package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenManager(epoch time.Duration) (*TokenManager, *fakeClock) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	tm := NewTokenManager(epoch, clk, &fakeRand{})
	return tm, clk
}

func TestTokenManager_IssueThenVerifySameEpoch(t *testing.T) {
	tm, _ := newTestTokenManager(5 * time.Minute)
	ip := []byte{1, 2, 3, 4}
	tok := tm.Issue(ip)
	require.Len(t, tok, TokenLen)
	assert.True(t, tm.Verify(ip, tok))
}

func TestTokenManager_RejectsWrongIP(t *testing.T) {
	tm, _ := newTestTokenManager(5 * time.Minute)
	tok := tm.Issue([]byte{1, 2, 3, 4})
	assert.False(t, tm.Verify([]byte{5, 6, 7, 8}, tok))
}

func TestTokenManager_AcceptsPreviousEpoch(t *testing.T) {
	tm, clk := newTestTokenManager(5 * time.Minute)
	ip := []byte{9, 9, 9, 9}
	tok := tm.Issue(ip)

	clk.now = clk.now.Add(6 * time.Minute)
	assert.True(t, tm.Verify(ip, tok))
}

func TestTokenManager_RejectsTwoEpochsStale(t *testing.T) {
	tm, clk := newTestTokenManager(5 * time.Minute)
	ip := []byte{9, 9, 9, 9}
	tok := tm.Issue(ip)

	clk.now = clk.now.Add(6 * time.Minute)
	tm.Verify(ip, tok) // forces rotation check, still within previous epoch

	clk.now = clk.now.Add(6 * time.Minute)
	assert.False(t, tm.Verify(ip, tok))
}
