// Package sqlite adapts an embedded SQLite database to the engine
// capability surface the session pool consumes.
//
// Session configuration strings are comma-separated k=v pairs applied
// as PRAGMAs, e.g. "cache_size=-2000,temp_store=memory". The
// "isolation" key is accepted and ignored: WAL mode already gives
// readers a stable snapshot.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/enginepool/pkg/engine"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const uriTablePrefix = "table:"

// Connection is an open SQLite database implementing
// engine.Connection. Safe for concurrent use.
type Connection struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (or creates) the database at path with WAL journaling and
// a busy timeout, so concurrent sessions back off instead of failing.
func Open(path string) (*Connection, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	logger := log.With().Str("component", "sqlite").Str("path", path).Logger()
	logger.Info().Msg("SQLite engine opened")

	return &Connection{db: db, log: logger}, nil
}

// OpenSession pins a dedicated connection from the pool underneath
// database/sql, so session-level PRAGMAs stick.
func (c *Connection) OpenSession(config string) (engine.Session, error) {
	conn, err := c.db.Conn(context.Background())
	if err != nil {
		return nil, fmt.Errorf("open sqlite session: %w", mapError(err))
	}

	s := &Session{conn: conn, log: c.log}
	if err := s.applyConfig(config); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close tears down the database handle. Outstanding sessions become
// invalid.
func (c *Connection) Close() error {
	c.log.Info().Msg("SQLite engine closed")
	return c.db.Close()
}

// Session is one pinned SQLite connection implementing engine.Session.
// NOT safe for concurrent use.
type Session struct {
	conn *sql.Conn
	tx   *sql.Tx
	log  zerolog.Logger
}

// OpenCursor opens a cursor over "table:<name>". A missing table maps
// to engine.ErrNotFound; a locked database maps to engine.ErrBusy.
func (s *Session) OpenCursor(uri, config string) (engine.Cursor, error) {
	table, ok := strings.CutPrefix(uri, uriTablePrefix)
	if !ok || table == "" {
		return nil, fmt.Errorf("%w: malformed uri %q", engine.ErrNotFound, uri)
	}

	var name string
	err := s.queryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: table %q", engine.ErrNotFound, table)
	}
	if err != nil {
		return nil, mapError(err)
	}

	return &Cursor{sess: s, uri: uri, table: table}, nil
}

// Reconfigure applies a config string of PRAGMA overrides.
func (s *Session) Reconfigure(config string) error {
	return s.applyConfig(config)
}

// Reset rolls back any open transaction, returning the session to its
// initial state.
func (s *Session) Reset() error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("reset session: %w", mapError(err))
	}
	return nil
}

// TransactionPinnedRange reports 1 while a transaction is open and 0
// otherwise. WAL frames pinned by an open read transaction cannot be
// checkpointed away, which is exactly what the pool must not cache.
func (s *Session) TransactionPinnedRange() (uint64, error) {
	if s.tx != nil {
		return 1, nil
	}
	return 0, nil
}

// Close releases the pinned connection.
func (s *Session) Close() error {
	if err := s.Reset(); err != nil {
		return err
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("close session: %w", mapError(err))
	}
	return nil
}

// Begin starts a transaction on the session.
func (s *Session) Begin() error {
	if s.tx != nil {
		return fmt.Errorf("session already has an open transaction")
	}
	tx, err := s.conn.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", mapError(err))
	}
	s.tx = tx
	return nil
}

// Commit commits the open transaction.
func (s *Session) Commit() error {
	if s.tx == nil {
		return fmt.Errorf("session has no open transaction")
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", mapError(err))
	}
	return nil
}

// Rollback aborts the open transaction.
func (s *Session) Rollback() error {
	if s.tx == nil {
		return fmt.Errorf("session has no open transaction")
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("rollback transaction: %w", mapError(err))
	}
	return nil
}

// Exec runs a statement on the session, inside the open transaction if
// there is one.
func (s *Session) Exec(query string, args ...any) error {
	var err error
	if s.tx != nil {
		_, err = s.tx.Exec(query, args...)
	} else {
		_, err = s.conn.ExecContext(context.Background(), query, args...)
	}
	if err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Session) queryRow(query string, args ...any) *sql.Row {
	if s.tx != nil {
		return s.tx.QueryRow(query, args...)
	}
	return s.conn.QueryRowContext(context.Background(), query, args...)
}

func (s *Session) applyConfig(config string) error {
	for _, kv := range strings.Split(config, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		key, value, found := strings.Cut(kv, "=")
		if !found {
			return fmt.Errorf("malformed config entry %q", kv)
		}
		if key == "isolation" {
			continue
		}
		stmt := fmt.Sprintf("PRAGMA %s = %s", key, value)
		if _, err := s.conn.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("apply config %q: %w", kv, mapError(err))
		}
	}
	return nil
}

// Cursor iterates the rows of one table. Rows are materialized lazily
// on the first Next so a cached cursor costs nothing while parked.
type Cursor struct {
	sess  *Session
	uri   string
	table string
	rows  *sql.Rows
}

// URI returns the uri the cursor was opened with.
func (c *Cursor) URI() string {
	return c.uri
}

// Next advances to the next row, starting a scan if none is active.
func (c *Cursor) Next() (bool, error) {
	if c.rows == nil {
		rows, err := c.sess.query(fmt.Sprintf("SELECT * FROM %q", c.table))
		if err != nil {
			return false, mapError(err)
		}
		c.rows = rows
	}
	if c.rows.Next() {
		return true, nil
	}
	if err := c.rows.Err(); err != nil {
		return false, mapError(err)
	}
	return false, nil
}

// Scan copies the current row into dest.
func (c *Cursor) Scan(dest ...any) error {
	if c.rows == nil {
		return fmt.Errorf("cursor is not positioned")
	}
	if err := c.rows.Scan(dest...); err != nil {
		return mapError(err)
	}
	return nil
}

// Reset abandons the current scan so the cursor can be reused.
func (c *Cursor) Reset() error {
	if c.rows == nil {
		return nil
	}
	rows := c.rows
	c.rows = nil
	if err := rows.Close(); err != nil {
		return mapError(err)
	}
	return nil
}

// Close releases the cursor.
func (c *Cursor) Close() error {
	return c.Reset()
}

func (s *Session) query(query string, args ...any) (*sql.Rows, error) {
	if s.tx != nil {
		return s.tx.Query(query, args...)
	}
	return s.conn.QueryContext(context.Background(), query, args...)
}

// mapError translates SQLite status codes into the pool's recoverable
// sentinels.
func mapError(err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", engine.ErrBusy, err)
		}
	}
	return err
}
