package config

import (
	"sync/atomic"
	"time"
)

// Live holds the tunables the pool reads on hot paths. All reads are
// single atomic loads; ApplyConfig can retune a running pool at any
// time. Implements the pool package's Tunables interface.
type Live struct {
	cursorCacheSize atomic.Int32
	sessionMaxIdle  atomic.Int64 // milliseconds
}

// NewLive seeds live tunables from a config.
func NewLive(cfg *Config) *Live {
	l := &Live{}
	l.ApplyConfig(cfg)
	return l
}

// ApplyConfig publishes new values. Safe to call concurrently with
// readers.
func (l *Live) ApplyConfig(cfg *Config) {
	l.cursorCacheSize.Store(cfg.CursorCacheSize)
	l.sessionMaxIdle.Store(cfg.SessionMaxIdleMillis)
}

// CursorCacheSize returns the current cursor cache bound. Negative
// selects hybrid caching.
func (l *Live) CursorCacheSize() int32 {
	return l.cursorCacheSize.Load()
}

// SessionMaxIdleTimeout returns the current idle-session timeout.
func (l *Live) SessionMaxIdleTimeout() time.Duration {
	return time.Duration(l.sessionMaxIdle.Load()) * time.Millisecond
}
