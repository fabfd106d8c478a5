package pool

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harun/enginepool/internal/observability"
	"github.com/harun/enginepool/pkg/engine"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sessions are opened with snapshot isolation so pooled reuse never
// changes visibility semantics between users.
const openSessionConfig = "isolation=snapshot"

// cachedCursor is one idle cursor parked in a session's cache.
type cachedCursor struct {
	id     uint64 // source id assigned to the uri
	gen    uint64 // generation at insertion, used to age out old cursors
	cursor engine.Cursor
	config string // exact open config; never serve a different one
}

// Session wraps one engine session plus a cursor cache private to it.
// NOT thread safe: ownership is exclusive while checked out.
type Session struct {
	id    string
	epoch uint64 // session-cache epoch at creation, immutable

	ws engine.Session

	// cursors holds idle cursors, most recently released at the end.
	// Eviction pops from the front.
	cursors    []cachedCursor
	cursorGen  uint64
	cursorsOut int

	cache *SessionCache // nil for standalone sessions

	// idleExpireAt is zero while the session is checked out or fresh.
	idleExpireAt time.Time

	// undoConfigs holds the config strings that restore the session to
	// default settings before it re-enters the pool.
	undoConfigs map[string]struct{}

	log zerolog.Logger
}

// NewSession opens a standalone session outside any cache. Intended
// for privileged callers that manage the session lifetime themselves;
// close it with Close.
func NewSession(conn engine.Connection, epoch uint64) (*Session, error) {
	return newSession(conn, nil, epoch)
}

func newSession(conn engine.Connection, cache *SessionCache, epoch uint64) (*Session, error) {
	ws, err := conn.OpenSession(openSessionConfig)
	if err != nil {
		return nil, fmt.Errorf("open engine session: %w", err)
	}

	logger := log.Logger
	if cache != nil {
		logger = cache.log
	}
	id := uuid.NewString()[:8]

	s := &Session{
		id:          id,
		epoch:       epoch,
		ws:          ws,
		cache:       cache,
		undoConfigs: make(map[string]struct{}),
		log:         logger.With().Str("session", id).Logger(),
	}

	observability.RecordSessionOpened()
	s.log.Debug().Uint64("epoch", epoch).Msg("Engine session opened")

	return s, nil
}

// Engine exposes the underlying engine session for direct calls.
func (s *Session) Engine() engine.Session {
	return s.ws
}

// Epoch returns the cache epoch the session was created in.
func (s *Session) Epoch() uint64 {
	return s.epoch
}

// CachedCursor returns an idle cursor matching (id, config) exactly,
// or nil on a miss. A hit transfers ownership to the caller, who must
// hand the cursor back through ReleaseCursor. The scan starts at the
// most recently released entry so hot shapes stay cheap.
func (s *Session) CachedCursor(id uint64, config string) engine.Cursor {
	for i := len(s.cursors) - 1; i >= 0; i-- {
		// Exact string match: configs with parameters in a different
		// order are not considered equivalent.
		if s.cursors[i].id == id && s.cursors[i].config == config {
			c := s.cursors[i].cursor
			s.cursors = append(s.cursors[:i], s.cursors[i+1:]...)
			s.cursorsOut++
			observability.RecordCursorCacheHit()
			return c
		}
	}
	observability.RecordCursorCacheMiss()
	return nil
}

// NewCursor opens a fresh cursor, bypassing the cache. Cursors from
// here must be closed with CloseCursor, never released into the cache.
//
// A missing table and a busy engine come back as recoverable errors
// (see IsCursorNotFound, IsTransientBusy). Anything else is treated as
// possible data corruption and aborts the process.
func (s *Session) NewCursor(uri, config string) (engine.Cursor, error) {
	cursor, err := s.ws.OpenCursor(uri, config)
	if err != nil {
		if errors.Is(err, engine.ErrBusy) {
			// Seen during concurrent validation and other maintenance
			// that takes exclusive table access.
			return nil, &CursorOpenError{URI: uri, Config: config, Err: err}
		}
		if errors.Is(err, engine.ErrNotFound) {
			return nil, &CursorOpenError{URI: uri, Config: config, Err: err}
		}
		s.log.Fatal().
			Int("code", codeCursorOpenFatal).
			Str("uri", uri).
			Str("config", config).
			Err(err).
			Str("action", repairMsg).
			Msg("Failed to open engine cursor; this may be due to data corruption")
	}
	s.cursorsOut++
	return cursor, nil
}

// ReleaseCursor parks a cursor obtained from CachedCursor or opened
// for caching, then ages out the oldest entries. The config must be
// exactly the string the cursor was opened with.
func (s *Session) ReleaseCursor(id uint64, cursor engine.Cursor, config string) {
	if s.cache != nil {
		// Guard against a shutdown starting after the check below.
		release := s.cache.blockShutdown()
		defer release()

		if s.cache.IsShuttingDown() {
			// The connection is about to be torn down wholesale; the
			// cursor goes with it.
			return
		}
	}

	invariant(s.ws != nil, codeNilSession, "cursor released on a closed session")
	invariant(cursor != nil, codeCursorAccounting, "nil cursor released")
	s.cursorsOut--

	invariantOK(cursor.Reset(), codeCursorAccounting, "cursor reset failed on release")

	s.cursors = append(s.cursors, cachedCursor{
		id:     id,
		gen:    s.cursorGen,
		cursor: cursor,
		config: config,
	})
	s.cursorGen++
	observability.RecordCursorCached()

	// A negative size selects hybrid caching; aging still uses the
	// magnitude.
	size := DefaultCursorCacheSize
	if s.cache != nil {
		size = s.cache.tunables.CursorCacheSize()
	}
	if size < 0 {
		size = -size
	}

	evicted := 0
	for len(s.cursors) > 0 && s.cursorGen-s.cursors[0].gen > uint64(size) {
		old := s.cursors[0].cursor
		s.cursors = s.cursors[1:]
		invariantOK(old.Close(), codeCursorAccounting, "cursor close failed on eviction")
		evicted++
	}
	observability.RecordCursorsEvicted(evicted)
}

// CloseCursor closes a cursor obtained from NewCursor.
func (s *Session) CloseCursor(cursor engine.Cursor) {
	invariant(s.ws != nil, codeNilSession, "cursor closed on a closed session")
	invariant(cursor != nil, codeCursorAccounting, "nil cursor closed")
	s.cursorsOut--

	invariantOK(cursor.Close(), codeCursorAccounting, "cursor close failed")
}

// CloseAllCursors closes every cached cursor whose uri matches, or all
// of them when uri is empty.
func (s *Session) CloseAllCursors(uri string) {
	invariant(s.ws != nil, codeNilSession, "cursors closed on a closed session")

	all := uri == ""
	closed := 0
	kept := s.cursors[:0]
	for _, cc := range s.cursors {
		if all || uri == cc.cursor.URI() {
			invariantOK(cc.cursor.Close(), codeCursorAccounting, "cursor close failed on invalidation")
			closed++
		} else {
			kept = append(kept, cc)
		}
	}
	s.cursors = kept
	observability.RecordCursorsClosed(closed)

	if closed > 0 {
		s.log.Debug().Str("uri", uri).Int("closed", closed).Msg("Cached cursors closed")
	}
}

// Reconfigure applies a session-level override and remembers the
// config string that undoes it. Reconfiguring to a string equal to its
// own undo is self-canceling and drops the recorded undo instead.
func (s *Session) Reconfigure(newConfig, undoConfig string) error {
	if newConfig == undoConfig {
		// Either back to defaults or a no-op relative to them; no
		// restore work is needed for this setting anymore.
		delete(s.undoConfigs, undoConfig)
	} else {
		s.undoConfigs[undoConfig] = struct{}{}
	}
	if err := s.ws.Reconfigure(newConfig); err != nil {
		return fmt.Errorf("reconfigure session: %w", err)
	}
	return nil
}

// ResetConfiguration applies every recorded undo string and clears the
// set, restoring default settings before the session is pooled again.
func (s *Session) ResetConfiguration() error {
	for undo := range s.undoConfigs {
		if err := s.ws.Reconfigure(undo); err != nil {
			return fmt.Errorf("restore session configuration %q: %w", undo, err)
		}
	}
	s.undoConfigs = make(map[string]struct{})
	return nil
}

// UndoConfigStrings returns a copy of the recorded undo set.
func (s *Session) UndoConfigStrings() []string {
	out := make([]string, 0, len(s.undoConfigs))
	for undo := range s.undoConfigs {
		out = append(out, undo)
	}
	return out
}

// CursorsOut returns how many cursors are currently checked out.
func (s *Session) CursorsOut() int {
	return s.cursorsOut
}

// CachedCursors returns how many cursors are parked in the cache.
func (s *Session) CachedCursors() int {
	return len(s.cursors)
}

// IdleExpireTime returns when the session became idle; zero while it
// is checked out.
func (s *Session) IdleExpireTime() time.Time {
	return s.idleExpireAt
}

// Close tears down the session and every cursor it still caches.
func (s *Session) Close() {
	if s.ws == nil {
		return
	}
	s.CloseAllCursors("")
	if err := s.ws.Close(); err != nil {
		s.log.Warn().Err(err).Msg("Engine session close failed")
	}
	s.ws = nil
	s.log.Debug().Msg("Engine session closed")
}

// abandon drops the engine handles without closing them. Used during
// shutdown when the whole connection is being torn down and the engine
// reclaims sessions and cursors itself.
func (s *Session) abandon() {
	observability.RecordCursorsClosed(len(s.cursors))
	s.cursors = nil
	s.ws = nil
}
