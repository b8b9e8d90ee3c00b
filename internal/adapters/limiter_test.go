package adapters

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tmeetei/groupcall/internal/core"
)

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(3, 50*time.Millisecond)
	sid := core.SessionID(1)

	require.True(t, rl.Allow(sid))
	require.True(t, rl.Allow(sid))
	require.True(t, rl.Allow(sid))
	require.False(t, rl.Allow(sid))

	// Another session has its own window.
	require.True(t, rl.Allow(core.SessionID(2)))

	time.Sleep(60 * time.Millisecond)
	require.True(t, rl.Allow(sid))
}

func TestRateLimiterForget(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	sid := core.SessionID(7)

	require.True(t, rl.Allow(sid))
	require.False(t, rl.Allow(sid))

	rl.Forget(sid)
	require.True(t, rl.Allow(sid))
}

func TestWSConnTrySendAfterClose(t *testing.T) {
	c := newWSConn(nil, 1)
	require.NoError(t, c.TrySend(core.Frame("a")))
	require.ErrorIs(t, c.TrySend(core.Frame("b")), core.ErrBackpressure)

	c.mu.Lock()
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	require.ErrorIs(t, c.TrySend(core.Frame("c")), core.ErrConnClosed)
}
