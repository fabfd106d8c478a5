package engine

import "errors"

var (
	// ErrNotFound reports that the uri passed to OpenCursor does not
	// name an existing table. Recoverable: the table may have been
	// dropped between planning and execution.
	ErrNotFound = errors.New("engine: not found")

	// ErrBusy reports that the engine could not service the call
	// because of concurrent maintenance (validation, bulk load, ...).
	// Recoverable by retrying.
	ErrBusy = errors.New("engine: busy")
)

// Connection is one open engine instance. Safe for concurrent use.
type Connection interface {
	// OpenSession creates a new session with the given configuration
	// string. May block on engine I/O.
	OpenSession(config string) (Session, error)
}

// Session is one logical connection/transaction context. NOT safe for
// concurrent use; the pool enforces single-owner discipline.
type Session interface {
	// OpenCursor opens a cursor over uri with the given configuration.
	// Failures wrap ErrNotFound or ErrBusy when classifiable.
	OpenCursor(uri, config string) (Cursor, error)

	// Reconfigure applies a session-level configuration override.
	Reconfigure(config string) error

	// Reset releases session resources and rolls back any open
	// transaction, returning the session to its initial state.
	Reset() error

	// TransactionPinnedRange reports how much reclaimable state the
	// session still pins. Zero means the session holds nothing and is
	// safe to pool.
	TransactionPinnedRange() (uint64, error)

	// Close tears down the session and every resource it owns.
	Close() error
}

// Cursor is a positioned iterator over one table. Owned exclusively by
// whoever checked it out.
type Cursor interface {
	// URI returns the uri the cursor was opened with.
	URI() string

	// Reset clears the cursor position so it can be reused.
	Reset() error

	// Close releases the cursor.
	Close() error
}
