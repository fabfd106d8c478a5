package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/harun/enginepool/pkg/engine"
)

// fakeConn is an in-memory engine.Connection for pool tests.
type fakeConn struct {
	mu      sync.Mutex
	tables  map[string]bool
	opened  int
	busy    bool
	openErr error
}

func newFakeConn(tables ...string) *fakeConn {
	c := &fakeConn{tables: make(map[string]bool)}
	for _, t := range tables {
		c.tables[t] = true
	}
	return c
}

func (c *fakeConn) OpenSession(config string) (engine.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return nil, c.openErr
	}
	c.opened++
	return &fakeSession{conn: c, config: config}, nil
}

func (c *fakeConn) sessionsOpened() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

type fakeSession struct {
	conn      *fakeConn
	config    string
	pinned    uint64
	resets    int
	closed    bool
	reconfigs []string
}

func (s *fakeSession) OpenCursor(uri, config string) (engine.Cursor, error) {
	s.conn.mu.Lock()
	busy := s.conn.busy
	known := s.conn.tables[uri]
	s.conn.mu.Unlock()

	if busy {
		return nil, fmt.Errorf("%w: concurrent maintenance on %q", engine.ErrBusy, uri)
	}
	if !known {
		return nil, fmt.Errorf("%w: no table for %q", engine.ErrNotFound, uri)
	}
	return &fakeCursor{uri: uri}, nil
}

func (s *fakeSession) Reconfigure(config string) error {
	s.reconfigs = append(s.reconfigs, config)
	return nil
}

func (s *fakeSession) Reset() error {
	s.resets++
	return nil
}

func (s *fakeSession) TransactionPinnedRange() (uint64, error) {
	return s.pinned, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeCursor struct {
	uri    string
	resets int
	closed bool
}

func (c *fakeCursor) URI() string {
	return c.uri
}

func (c *fakeCursor) Reset() error {
	c.resets++
	return nil
}

func (c *fakeCursor) Close() error {
	c.closed = true
	return nil
}

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeKVEngine records size-storer flush callbacks.
type fakeKVEngine struct {
	mu        sync.Mutex
	flushes   int
	ephemeral bool
}

func (e *fakeKVEngine) SizeStorerPeriodicFlush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushes++
}

func (e *fakeKVEngine) IsEphemeral() bool {
	return e.ephemeral
}

func (e *fakeKVEngine) flushCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushes
}

// fakeEngineHandle owns connection and clock on top of fakeKVEngine.
type fakeEngineHandle struct {
	fakeKVEngine
	conn  *fakeConn
	clock *fakeClock
}

func (h *fakeEngineHandle) Connection() engine.Connection {
	return h.conn
}

func (h *fakeEngineHandle) Clock() Clock {
	return h.clock
}
