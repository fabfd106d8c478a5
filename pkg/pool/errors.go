package pool

import (
	"errors"
	"fmt"

	"github.com/harun/enginepool/pkg/engine"
	"github.com/rs/zerolog/log"
)

// Stable diagnostic codes carried on invariant failures and fatal
// aborts so support can triage from logs alone.
const (
	codeCursorOpenFatal      = 50882
	codeDoubleRelease        = 50901
	codeCursorAccounting     = 50902
	codePinnedAtRelease      = 50903
	codeEpochRegression      = 50904
	codeGetDuringShutdown    = 50905
	codeIdleTimeMissing      = 50906
	codeResetFailedAtRelease = 50907
	codeNilSession           = 50908
)

const repairMsg = "the underlying data files may be corrupt; run the engine's " +
	"offline verification and repair tooling before restarting"

// CursorOpenError is a recoverable cursor-open failure. Use errors.Is
// with engine.ErrNotFound or engine.ErrBusy to classify it.
type CursorOpenError struct {
	URI    string
	Config string
	Err    error
}

func (e *CursorOpenError) Error() string {
	return fmt.Sprintf("open cursor on %q (config %q): %v", e.URI, e.Config, e.Err)
}

func (e *CursorOpenError) Unwrap() error {
	return e.Err
}

// IsCursorNotFound reports whether err means the cursor's table does
// not exist (it may have been dropped concurrently).
func IsCursorNotFound(err error) bool {
	return errors.Is(err, engine.ErrNotFound)
}

// IsTransientBusy reports whether err means the engine was temporarily
// unavailable due to concurrent maintenance. Callers may retry.
func IsTransientBusy(err error) bool {
	return errors.Is(err, engine.ErrBusy)
}

// invariant panics through the logger with a stable code when cond is
// false. These are programming errors, never runtime conditions.
func invariant(cond bool, code int, msg string) {
	if !cond {
		log.Panic().Int("code", code).Msg(msg)
	}
}

// invariantOK is invariant for engine calls that must not fail.
func invariantOK(err error, code int, msg string) {
	if err != nil {
		log.Panic().Int("code", code).Err(err).Msg(msg)
	}
}
