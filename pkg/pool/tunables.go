package pool

import "time"

// DefaultCursorCacheSize bounds the per-session cursor cache when no
// tunables source is supplied.
const DefaultCursorCacheSize int32 = 100

// Tunables supplies live settings. CursorCacheSize is re-read on every
// cursor release so operators can retune a running process; it must be
// cheap (an atomic load).
//
// A negative CursorCacheSize selects hybrid caching: released cursors
// are closed here and cached inside the engine instead. Aging still
// uses the absolute value.
type Tunables interface {
	CursorCacheSize() int32
	SessionMaxIdleTimeout() time.Duration
}

// StaticTunables is a fixed-value Tunables, mostly for tests and
// embedders without a config file.
type StaticTunables struct {
	CacheSize int32
	MaxIdle   time.Duration
}

func (t StaticTunables) CursorCacheSize() int32 {
	return t.CacheSize
}

func (t StaticTunables) SessionMaxIdleTimeout() time.Duration {
	return t.MaxIdle
}

// Clock abstracts time for idle-expiry bookkeeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}
