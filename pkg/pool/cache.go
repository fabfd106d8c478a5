package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/enginepool/internal/observability"
	"github.com/harun/enginepool/pkg/engine"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// The shutdown word packs two things: the low 31 bits count in-flight
// calls that must not race a shutdown transition, and the high bit is
// sticky "shutdown requested". The bit is only cleared by Restart.
const shuttingDownMask uint32 = 1 << 31

// Shutdown polls at this granularity while waiting for blockers to
// drain.
const shutdownPollInterval = time.Millisecond

// A waiter blocked on a prepared-transaction conflict is woken at
// least this often even without a notification, so a theoretical
// missed wakeup can never become a deadlock.
const preparedConflictMaxWait = time.Second

// KVEngine is the owning storage-engine object. The pool calls back
// into it for cheap, rate-limited side effects only.
type KVEngine interface {
	// SizeStorerPeriodicFlush is invoked on every session release so
	// the engine can flush size statistics when due. It must not
	// block the release path.
	SizeStorerPeriodicFlush()

	// IsEphemeral reports whether the engine keeps data in memory
	// only.
	IsEphemeral() bool
}

// Options configures a SessionCache. Zero values select a system
// clock, static default tunables, the global logger, and no owning
// engine.
type Options struct {
	Clock    Clock
	Tunables Tunables
	Engine   KVEngine
	Logger   *zerolog.Logger
}

// SessionCache pools idle sessions so their open/teardown cost is paid
// once. Safe for concurrent use.
type SessionCache struct {
	conn     engine.Connection
	clock    Clock
	engine   KVEngine // may be nil
	tunables Tunables
	log      zerolog.Logger

	shuttingDown atomic.Uint32

	mu sync.Mutex
	// sessions holds idle sessions, most recently released at the end.
	// Reuse pops from the end so cold sessions age toward eviction.
	sessions []*Session

	// epoch is bumped by CloseAll; atomic so the release path can
	// check it outside the lock.
	epoch atomic.Uint64

	prepMu    sync.Mutex
	prepCh    chan struct{}
	prepCount atomic.Uint64
}

// New builds a session cache over an engine connection.
func New(conn engine.Connection, opts Options) *SessionCache {
	observability.EnsureRegistered()

	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	tunables := opts.Tunables
	if tunables == nil {
		tunables = StaticTunables{CacheSize: DefaultCursorCacheSize}
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &SessionCache{
		conn:     conn,
		clock:    clock,
		engine:   opts.Engine,
		tunables: tunables,
		log:      logger.With().Str("component", "sessionpool").Logger(),
		prepCh:   make(chan struct{}),
	}
}

// EngineHandle is a KVEngine that also owns the connection and clock,
// letting the cache be built straight from the engine object.
type EngineHandle interface {
	KVEngine
	Connection() engine.Connection
	Clock() Clock
}

// NewFromEngine builds a session cache wired to its owning engine.
// Explicit Options fields win over what the handle provides.
func NewFromEngine(h EngineHandle, opts Options) *SessionCache {
	if opts.Clock == nil {
		opts.Clock = h.Clock()
	}
	if opts.Engine == nil {
		opts.Engine = h
	}
	return New(h.Connection(), opts)
}

// GetSession returns an exclusive session lease, reusing the most
// recently pooled session or opening a new one. The caller must hold
// whatever coarse serialization guarantees shutdown cannot start
// concurrently; calling after shutdown began is a programming error.
func (c *SessionCache) GetSession() (*SessionHandle, error) {
	invariant(!c.IsShuttingDown(), codeGetDuringShutdown, "GetSession called during shutdown")

	start := c.clock.Now()

	c.mu.Lock()
	if n := len(c.sessions); n > 0 {
		// Most recently used first, so discards hit the cold ones.
		s := c.sessions[n-1]
		c.sessions = c.sessions[:n-1]
		s.idleExpireAt = time.Time{}
		observability.SetIdleSessions(len(c.sessions))
		c.mu.Unlock()

		observability.RecordSessionCheckout("pooled", c.clock.Now().Sub(start))
		return &SessionHandle{s: s, cache: c}, nil
	}
	c.mu.Unlock()

	// Opening a session is an engine call and must not happen under
	// the pool lock.
	s, err := newSession(c.conn, c, c.epoch.Load())
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}

	observability.RecordSessionCheckout("created", c.clock.Now().Sub(start))
	return &SessionHandle{s: s, cache: c}, nil
}

// releaseSession returns a session to the pool, or discards it when
// the epoch moved on or shutdown completed. Called by SessionHandle
// only.
func (c *SessionCache) releaseSession(s *Session) {
	invariant(s != nil, codeNilSession, "nil session released")
	// Cursor releases may have been skipped during shutdown.
	invariant(s.cursorsOut == 0 || c.IsShuttingDown(), codeCursorAccounting,
		"session released with cursors still checked out")

	release := c.blockShutdown()
	defer release()

	if c.IsShuttingDown() {
		// Tearing down the connection closes every session wholesale;
		// closing this one too would be a double free.
		s.abandon()
		observability.RecordSessionDiscarded("shutdown")
		return
	}

	// Only idle sessions may be pooled: anything still pinning
	// reclaimable state would block truncation for every future user.
	pinned, err := s.ws.TransactionPinnedRange()
	invariantOK(err, codePinnedAtRelease, "transaction pinned range query failed")
	invariant(pinned == 0, codePinnedAtRelease, "session released with a pinned transaction range")

	// In hybrid mode cursors are cached inside the engine instead, so
	// let go of ours now.
	if c.tunables.CursorCacheSize() < 0 {
		s.CloseAllCursors("")
	}

	invariantOK(s.ResetConfiguration(), codeResetFailedAtRelease,
		"session configuration reset failed on release")
	invariantOK(s.ws.Reset(), codeResetFailedAtRelease, "engine session reset failed on release")

	s.idleExpireAt = c.clock.Now()

	returned := false
	currentEpoch := c.epoch.Load()
	if s.epoch == currentEpoch { // check outside the lock to reduce contention
		c.mu.Lock()
		if s.epoch == c.epoch.Load() { // recheck under the lock for correctness
			c.sessions = append(c.sessions, s)
			observability.SetIdleSessions(len(c.sessions))
			returned = true
		}
		c.mu.Unlock()
	} else {
		invariant(s.epoch < currentEpoch, codeEpochRegression, "session epoch ahead of the cache")
	}

	if !returned {
		s.Close()
		observability.RecordSessionDiscarded("epoch")
	}

	if c.engine != nil {
		c.engine.SizeStorerPeriodicFlush()
	}
}

// CloseAll bumps the epoch and destroys every idle session. Sessions
// checked out right now are unaffected until released, at which point
// the epoch mismatch discards them.
func (c *SessionCache) CloseAll() {
	var swap []*Session

	c.mu.Lock()
	c.epoch.Add(1)
	swap, c.sessions = c.sessions, nil
	observability.SetIdleSessions(0)
	c.mu.Unlock()

	// Destruction is engine I/O; keep it off the lock.
	for _, s := range swap {
		s.Close()
		observability.RecordSessionDiscarded("close_all")
	}

	if len(swap) > 0 {
		c.log.Info().Int("closed", len(swap)).Uint64("epoch", c.epoch.Load()).
			Msg("All idle sessions closed")
	}
}

// CloseExpiredIdleSessions destroys pooled sessions idle for longer
// than idleTimeout. A timeout of zero or less disables expiry.
func (c *SessionCache) CloseExpiredIdleSessions(idleTimeout time.Duration) {
	if idleTimeout <= 0 {
		return
	}

	cutoff := c.clock.Now().Add(-idleTimeout)
	var expired []*Session

	c.mu.Lock()
	kept := c.sessions[:0]
	for _, s := range c.sessions {
		invariant(!s.idleExpireAt.IsZero(), codeIdleTimeMissing, "pooled session without an idle timestamp")
		if s.idleExpireAt.Before(cutoff) {
			expired = append(expired, s)
		} else {
			kept = append(kept, s)
		}
	}
	c.sessions = kept
	observability.SetIdleSessions(len(c.sessions))
	c.mu.Unlock()

	// Closing sessions is expensive; doing it under the lock would
	// turn a background sweep into a latency spike for foreground
	// operations.
	for _, s := range expired {
		s.Close()
		observability.RecordSessionDiscarded("idle")
	}

	if len(expired) > 0 {
		c.log.Debug().Int("closed", len(expired)).Dur("idle_timeout", idleTimeout).
			Msg("Expired idle sessions closed")
	}
}

// CloseAllCursors closes matching cached cursors in every pooled
// session. Checked-out sessions are unaffected until released.
func (c *SessionCache) CloseAllCursors(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		s.CloseAllCursors(uri)
	}
}

// IdleSessionsCount returns a point-in-time pool size, advisory only.
func (c *SessionCache) IdleSessionsCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Shutdown transitions the cache to draining mode, waits for in-flight
// release-path calls to finish, then destroys every pooled session.
// Call while holding engine exclusivity so no GetSession can race it.
func (c *SessionCache) Shutdown() {
	// Exactly one caller wins the transition; the rest return.
	if c.shuttingDown.Or(shuttingDownMask)&shuttingDownMask != 0 {
		return
	}

	c.log.Info().Msg("Session cache shutting down")

	// Spin until every shutdown-blocking scope has exited.
	for c.shuttingDown.Load() != shuttingDownMask {
		time.Sleep(shutdownPollInterval)
	}

	c.CloseAll()
}

// Restart reverses Shutdown for engines restarted in-process (backup
// and restore workflows). The pool is not repopulated; new sessions
// are created lazily. Undefined if sessions are still outstanding.
func (c *SessionCache) Restart() {
	c.shuttingDown.And(^shuttingDownMask)
	c.log.Info().Msg("Session cache restarted")
}

// IsShuttingDown reports whether Shutdown has been requested.
func (c *SessionCache) IsShuttingDown() bool {
	return c.shuttingDown.Load()&shuttingDownMask != 0
}

// IsEphemeral forwards to the owning engine.
func (c *SessionCache) IsEphemeral() bool {
	return c.engine != nil && c.engine.IsEphemeral()
}

// IsEngineCachingCursors reports whether cursor caching is delegated
// to the engine (hybrid mode).
func (c *SessionCache) IsEngineCachingCursors() bool {
	return c.tunables.CursorCacheSize() <= 0
}

// Connection exposes the underlying engine connection.
func (c *SessionCache) Connection() engine.Connection {
	return c.conn
}

// blockShutdown registers a shutdown-blocking scope. Shutdown does not
// proceed to teardown until the returned func has been called.
func (c *SessionCache) blockShutdown() func() {
	c.shuttingDown.Add(1)
	return func() {
		c.shuttingDown.Add(^uint32(0))
	}
}

// WaitUntilPreparedUnitOfWorkCommitsOrAborts blocks until some
// prepared transaction reaches a terminal state after lastCount, the
// bounded wait elapses, or ctx is canceled. Callers must retry their
// conflicting operation either way: a wakeup proves only that one
// prepared unit of work somewhere signaled completion.
//
// The wait is bounded because a prepared transaction can stall on
// eviction after resolving, and in the worst case the only evictable
// page is the one pinned by the waiter itself.
func (c *SessionCache) WaitUntilPreparedUnitOfWorkCommitsOrAborts(ctx context.Context, lastCount uint64) error {
	c.prepMu.Lock()
	ch := c.prepCh
	current := c.prepCount.Load()
	c.prepMu.Unlock()

	if current > lastCount {
		return nil
	}

	timer := time.NewTimer(preparedConflictMaxWait)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// NotifyPreparedUnitOfWorkHasCommittedOrAborted wakes every waiter.
// Called once per prepared transaction's terminal resolution, shared
// across all sessions, because any waiter could be blocked on any
// in-doubt transaction.
func (c *SessionCache) NotifyPreparedUnitOfWorkHasCommittedOrAborted() {
	c.prepMu.Lock()
	c.prepCount.Add(1)
	close(c.prepCh)
	c.prepCh = make(chan struct{})
	c.prepMu.Unlock()

	observability.RecordPreparedNotification()
}

// PrepareCommitOrAbortCount returns the current notification count.
// Capture it before the conflicting operation and pass it to the wait
// call so a notification in between is not missed.
func (c *SessionCache) PrepareCommitOrAbortCount() uint64 {
	return c.prepCount.Load()
}
