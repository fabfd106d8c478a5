package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCache_ReusesMostRecentSession(t *testing.T) {
	conn := newFakeConn()
	cache, _ := newTestCache(t, conn, Options{})

	h1, s1 := checkoutSession(t, cache)
	h1.Release()
	require.Equal(t, 1, cache.IdleSessionsCount())

	h2, s2 := checkoutSession(t, cache)
	defer h2.Release()

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, conn.sessionsOpened())
	assert.Equal(t, 0, cache.IdleSessionsCount())
	// Checked-out sessions carry the "never expires" sentinel.
	assert.True(t, s2.IdleExpireTime().IsZero())
}

func TestSessionCache_LIFOReuseOrder(t *testing.T) {
	conn := newFakeConn()
	cache, _ := newTestCache(t, conn, Options{})

	h1, s1 := checkoutSession(t, cache)
	h2, s2 := checkoutSession(t, cache)
	h1.Release()
	h2.Release()

	// The most recently released session comes back first.
	h3, s3 := checkoutSession(t, cache)
	assert.Same(t, s2, s3)
	h3.Release()
	_ = s1
}

func TestSessionCache_ReleaseStampsIdleTime(t *testing.T) {
	conn := newFakeConn()
	cache, clock := newTestCache(t, conn, Options{})

	h, s := checkoutSession(t, cache)
	require.True(t, s.IdleExpireTime().IsZero())

	h.Release()
	assert.Equal(t, clock.Now(), s.IdleExpireTime())
}

func TestSessionCache_ReleaseResetsSessionState(t *testing.T) {
	conn := newFakeConn()
	cache, _ := newTestCache(t, conn, Options{})

	h, s := checkoutSession(t, cache)
	ws := s.Engine().(*fakeSession)
	require.NoError(t, s.Reconfigure("cache_size=200", "cache_size=100"))

	h.Release()

	// Configuration restored and engine session reset before pooling.
	assert.Empty(t, s.UndoConfigStrings())
	assert.Contains(t, ws.reconfigs, "cache_size=100")
	assert.Equal(t, 1, ws.resets)
}

func TestSessionCache_EpochDiscardOnRelease(t *testing.T) {
	conn := newFakeConn()
	cache, _ := newTestCache(t, conn, Options{})

	h, s := checkoutSession(t, cache)
	ws := s.Engine().(*fakeSession)

	cache.CloseAll()

	h.Release()
	assert.Equal(t, 0, cache.IdleSessionsCount())
	assert.True(t, ws.closed)

	// A fresh session, never the stale one.
	h2, s2 := checkoutSession(t, cache)
	defer h2.Release()
	assert.NotSame(t, s, s2)
	assert.Greater(t, s2.Epoch(), s.Epoch())
}

func TestSessionCache_CloseAllDestroysIdleSessions(t *testing.T) {
	conn := newFakeConn()
	cache, _ := newTestCache(t, conn, Options{})

	h1, s1 := checkoutSession(t, cache)
	h2, s2 := checkoutSession(t, cache)
	h1.Release()
	h2.Release()
	require.Equal(t, 2, cache.IdleSessionsCount())

	cache.CloseAll()

	assert.Equal(t, 0, cache.IdleSessionsCount())
	assert.Nil(t, s1.Engine())
	assert.Nil(t, s2.Engine())
}

func TestSessionCache_IdleExpiry(t *testing.T) {
	conn := newFakeConn()
	cache, clock := newTestCache(t, conn, Options{})

	h1, _ := checkoutSession(t, cache)
	h1.Release()

	clock.Advance(5 * time.Second)

	h2, _ := checkoutSession(t, cache)
	h2.Release()
	require.Equal(t, 1, cache.IdleSessionsCount())

	// Only the session idle for >= the timeout goes away... but the
	// first release was reused by the second checkout, so pool holds
	// one recently idle session.
	cache.CloseExpiredIdleSessions(3 * time.Second)
	assert.Equal(t, 1, cache.IdleSessionsCount())

	clock.Advance(5 * time.Second)
	cache.CloseExpiredIdleSessions(3 * time.Second)
	assert.Equal(t, 0, cache.IdleSessionsCount())
}

func TestSessionCache_IdleExpiryKeepsFreshSessions(t *testing.T) {
	conn := newFakeConn()
	cache, clock := newTestCache(t, conn, Options{})

	h, _ := checkoutSession(t, cache)
	h.Release()

	clock.Advance(2 * time.Second)
	cache.CloseExpiredIdleSessions(3 * time.Second)
	assert.Equal(t, 1, cache.IdleSessionsCount())
}

func TestSessionCache_IdleExpiryDisabled(t *testing.T) {
	conn := newFakeConn()
	cache, clock := newTestCache(t, conn, Options{})

	h, _ := checkoutSession(t, cache)
	h.Release()
	clock.Advance(time.Hour)

	cache.CloseExpiredIdleSessions(0)
	cache.CloseExpiredIdleSessions(-1 * time.Second)
	assert.Equal(t, 1, cache.IdleSessionsCount())
}

func TestSessionCache_HybridModeClosesCursorsOnRelease(t *testing.T) {
	conn := newFakeConn("table:a")
	cache, _ := newTestCache(t, conn, Options{
		Tunables: StaticTunables{CacheSize: -10},
	})

	h, sess := checkoutSession(t, cache)

	cur, err := sess.NewCursor("table:a", "")
	require.NoError(t, err)
	sess.ReleaseCursor(1, cur, "")
	require.Equal(t, 1, sess.CachedCursors())

	// Hybrid mode: the engine caches cursors, this layer lets go on
	// release.
	h.Release()
	assert.Equal(t, 0, sess.CachedCursors())
	assert.True(t, cur.(*fakeCursor).closed)
	assert.Equal(t, 1, cache.IdleSessionsCount())
	assert.True(t, cache.IsEngineCachingCursors())
}

func TestSessionCache_CloseAllCursorsForwardsToPool(t *testing.T) {
	conn := newFakeConn("table:a")
	cache, _ := newTestCache(t, conn, Options{
		Tunables: StaticTunables{CacheSize: 10},
	})

	h, sess := checkoutSession(t, cache)
	cur, err := sess.NewCursor("table:a", "")
	require.NoError(t, err)
	sess.ReleaseCursor(1, cur, "")
	h.Release()

	cache.CloseAllCursors("")
	assert.True(t, cur.(*fakeCursor).closed)
	assert.Equal(t, 0, sess.CachedCursors())
}

func TestSessionCache_ShutdownIsTerminalUntilRestart(t *testing.T) {
	conn := newFakeConn()
	cache, _ := newTestCache(t, conn, Options{})

	h, s := checkoutSession(t, cache)
	oldEpoch := s.Epoch()
	h.Release()

	ws := s.Engine().(*fakeSession)
	cache.Shutdown()

	assert.True(t, cache.IsShuttingDown())
	assert.True(t, ws.closed)
	assert.Equal(t, 0, cache.IdleSessionsCount())

	// Programming error: no new operations may start once shutdown
	// has begun.
	assert.Panics(t, func() { _, _ = cache.GetSession() })

	// A second Shutdown is a no-op, not a deadlock.
	cache.Shutdown()

	cache.Restart()
	assert.False(t, cache.IsShuttingDown())

	h2, s2 := checkoutSession(t, cache)
	defer h2.Release()
	assert.Greater(t, s2.Epoch(), oldEpoch)
}

func TestSessionCache_ReleaseDuringShutdownAbandonsSession(t *testing.T) {
	conn := newFakeConn()
	cache, _ := newTestCache(t, conn, Options{})

	h, s := checkoutSession(t, cache)
	ws := s.Engine().(*fakeSession)

	cache.Shutdown()
	h.Release()

	// The engine teardown owns the close; releasing must not double
	// free.
	assert.False(t, ws.closed)
	assert.Nil(t, s.Engine())
	assert.Equal(t, 0, cache.IdleSessionsCount())
}

func TestSessionCache_ShutdownWaitsForBlockers(t *testing.T) {
	conn := newFakeConn()
	cache, _ := newTestCache(t, conn, Options{})

	release := cache.blockShutdown()

	done := make(chan struct{})
	go func() {
		cache.Shutdown()
		close(done)
	}()

	// Shutdown must not finish while a blocking scope is open.
	select {
	case <-done:
		t.Fatal("shutdown completed with an active blocking scope")
	case <-time.After(20 * time.Millisecond):
	}

	release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not complete after the blocker exited")
	}
}

func TestSessionCache_DoubleReleasePanics(t *testing.T) {
	conn := newFakeConn()
	cache, _ := newTestCache(t, conn, Options{})

	h, _ := checkoutSession(t, cache)
	h.Release()

	assert.Panics(t, func() { h.Release() })
	assert.Panics(t, func() { h.Session() })
}

func TestSessionCache_PinnedSessionIsNeverPooled(t *testing.T) {
	conn := newFakeConn()
	cache, _ := newTestCache(t, conn, Options{})

	h, s := checkoutSession(t, cache)
	s.Engine().(*fakeSession).pinned = 1

	assert.Panics(t, func() { h.Release() })
}

func TestSessionCache_GetSessionPropagatesOpenError(t *testing.T) {
	conn := newFakeConn()
	conn.openErr = assert.AnError
	cache, _ := newTestCache(t, conn, Options{})

	h, err := cache.GetSession()
	require.Error(t, err)
	assert.Nil(t, h)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestSessionCache_SizeStorerFlushOnRelease(t *testing.T) {
	conn := newFakeConn()
	kv := &fakeKVEngine{}
	cache, _ := newTestCache(t, conn, Options{Engine: kv})

	h, _ := checkoutSession(t, cache)
	h.Release()

	assert.Equal(t, 1, kv.flushCount())
}

func TestSessionCache_IsEphemeralForwards(t *testing.T) {
	conn := newFakeConn()

	cache, _ := newTestCache(t, conn, Options{})
	assert.False(t, cache.IsEphemeral())

	cache2, _ := newTestCache(t, conn, Options{Engine: &fakeKVEngine{ephemeral: true}})
	assert.True(t, cache2.IsEphemeral())
}

func TestNewFromEngine(t *testing.T) {
	handle := &fakeEngineHandle{conn: newFakeConn(), clock: newFakeClock()}
	cache := NewFromEngine(handle, Options{})

	h, _ := checkoutSession(t, cache)
	h.Release()

	// The handle supplied the connection, clock, and flush callback.
	assert.Equal(t, 1, handle.conn.sessionsOpened())
	assert.Equal(t, 1, handle.flushCount())
}

func TestSessionCache_PreparedConflictWaitAndNotify(t *testing.T) {
	conn := newFakeConn()
	cache, _ := newTestCache(t, conn, Options{})

	require.Equal(t, uint64(0), cache.PrepareCommitOrAbortCount())

	// Counter already advanced past lastCount: no blocking.
	cache.NotifyPreparedUnitOfWorkHasCommittedOrAborted()
	require.Equal(t, uint64(1), cache.PrepareCommitOrAbortCount())
	require.NoError(t, cache.WaitUntilPreparedUnitOfWorkCommitsOrAborts(context.Background(), 0))

	// A waiter blocked on the current count wakes on the broadcast.
	var wg sync.WaitGroup
	started := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		assert.NoError(t, cache.WaitUntilPreparedUnitOfWorkCommitsOrAborts(context.Background(), 1))
	}()

	<-started
	time.Sleep(10 * time.Millisecond)
	cache.NotifyPreparedUnitOfWorkHasCommittedOrAborted()
	wg.Wait()
}

func TestSessionCache_PreparedConflictWaitHonorsContext(t *testing.T) {
	conn := newFakeConn()
	cache, _ := newTestCache(t, conn, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- cache.WaitUntilPreparedUnitOfWorkCommitsOrAborts(ctx, cache.PrepareCommitOrAbortCount())
	}()

	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("wait did not observe cancellation")
	}
}

func TestSessionCache_PreparedConflictWaitIsBounded(t *testing.T) {
	conn := newFakeConn()
	cache, _ := newTestCache(t, conn, Options{})

	// No notification ever arrives; the wait still returns so the
	// caller can retry.
	start := time.Now()
	err := cache.WaitUntilPreparedUnitOfWorkCommitsOrAborts(context.Background(), cache.PrepareCommitOrAbortCount())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), preparedConflictMaxWait)
}

func TestSessionCache_ConcurrentCheckouts(t *testing.T) {
	conn := newFakeConn("table:a")
	cache, _ := newTestCache(t, conn, Options{
		Tunables: StaticTunables{CacheSize: 4},
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h, err := cache.GetSession()
				if !assert.NoError(t, err) {
					return
				}
				sess := h.Session()
				cur := sess.CachedCursor(1, "")
				if cur == nil {
					var cerr error
					cur, cerr = sess.NewCursor("table:a", "")
					if !assert.NoError(t, cerr) {
						h.Release()
						return
					}
				}
				sess.ReleaseCursor(1, cur, "")
				h.Release()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, cache.IdleSessionsCount(), 8)
}
