package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_RejectsInvalidSchedule(t *testing.T) {
	conn := newFakeConn()
	cache, _ := newTestCache(t, conn, Options{})

	_, err := NewSweeper(cache, "not a schedule")
	assert.Error(t, err)
}

func TestSweeper_DefaultSchedule(t *testing.T) {
	conn := newFakeConn()
	cache, _ := newTestCache(t, conn, Options{})

	s, err := NewSweeper(cache, "")
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestSweeper_SweepClosesExpiredSessions(t *testing.T) {
	conn := newFakeConn()
	clock := newFakeClock()
	cache, _ := newTestCache(t, conn, Options{
		Clock:    clock,
		Tunables: StaticTunables{MaxIdle: 3 * time.Second},
	})

	sweeper, err := NewSweeper(cache, "@every 1m")
	require.NoError(t, err)

	h, _ := checkoutSession(t, cache)
	h.Release()
	require.Equal(t, 1, cache.IdleSessionsCount())

	sweeper.SweepNow()
	assert.Equal(t, 1, cache.IdleSessionsCount())

	clock.Advance(5 * time.Second)
	sweeper.SweepNow()
	assert.Equal(t, 0, cache.IdleSessionsCount())
}

func TestSweeper_SkipsDuringShutdown(t *testing.T) {
	conn := newFakeConn()
	cache, _ := newTestCache(t, conn, Options{
		Tunables: StaticTunables{MaxIdle: time.Second},
	})

	sweeper, err := NewSweeper(cache, "@every 1m")
	require.NoError(t, err)

	cache.Shutdown()
	sweeper.SweepNow() // must not panic or touch the drained pool
	assert.Equal(t, 0, cache.IdleSessionsCount())
}

func TestSweeper_StartStop(t *testing.T) {
	conn := newFakeConn()
	cache, _ := newTestCache(t, conn, Options{})

	sweeper, err := NewSweeper(cache, "@every 1h")
	require.NoError(t, err)

	assert.False(t, sweeper.IsRunning())
	require.NoError(t, sweeper.Start())
	assert.True(t, sweeper.IsRunning())
	assert.Error(t, sweeper.Start())

	require.NoError(t, sweeper.Stop())
	assert.False(t, sweeper.IsRunning())
	assert.Error(t, sweeper.Stop())
}
