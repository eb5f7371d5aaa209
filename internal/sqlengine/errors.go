package sqlengine

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

// Sentinel errors the write-proxy and Hrana layers switch on directly.
var (
	ErrTxTimeout = errors.New("sqlengine: transaction timed out")
	ErrTxBusy    = errors.New("sqlengine: server cannot handle additional transactions")
	ErrConnLimit = errors.New("sqlengine: connection limit reached")
)

// BlockedError reports that a statement was blocked (e.g. behind another
// in-flight transaction), optionally with a human-readable reason.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	if e.Reason == "" {
		return "sqlengine: operation was blocked"
	}
	return "sqlengine: operation was blocked: " + e.Reason
}

// InvalidParamsError reports that bound arguments didn't match the
// statement's parameters.
type InvalidParamsError struct {
	Cause error
}

func (e *InvalidParamsError) Error() string { return "sqlengine: invalid arguments: " + e.Cause.Error() }
func (e *InvalidParamsError) Unwrap() error { return e.Cause }

// SqliteCode maps a driver error to the SQLITE_* code string the Hrana
// protocol surfaces to clients, falling back to SQLITE_UNKNOWN for anything
// the driver doesn't report as a sqlite3.Error.
func SqliteCode(err error) string {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return "SQLITE_UNKNOWN"
	}
	switch sqliteErr.Code {
	case sqlite3.ErrInternal:
		return "SQLITE_INTERNAL"
	case sqlite3.ErrPerm:
		return "SQLITE_PERM"
	case sqlite3.ErrAbort:
		return "SQLITE_ABORT"
	case sqlite3.ErrBusy:
		return "SQLITE_BUSY"
	case sqlite3.ErrLocked:
		return "SQLITE_LOCKED"
	case sqlite3.ErrNomem:
		return "SQLITE_NOMEM"
	case sqlite3.ErrReadOnly:
		return "SQLITE_READONLY"
	case sqlite3.ErrInterrupt:
		return "SQLITE_INTERRUPT"
	case sqlite3.ErrIoErr:
		return "SQLITE_IOERR"
	case sqlite3.ErrCorrupt:
		return "SQLITE_CORRUPT"
	case sqlite3.ErrNotFound:
		return "SQLITE_NOTFOUND"
	case sqlite3.ErrFull:
		return "SQLITE_FULL"
	case sqlite3.ErrCantOpen:
		return "SQLITE_CANTOPEN"
	case sqlite3.ErrProtocol:
		return "SQLITE_PROTOCOL"
	case sqlite3.ErrSchema:
		return "SQLITE_SCHEMA"
	case sqlite3.ErrTooBig:
		return "SQLITE_TOOBIG"
	case sqlite3.ErrConstraint:
		return "SQLITE_CONSTRAINT"
	case sqlite3.ErrMismatch:
		return "SQLITE_MISMATCH"
	case sqlite3.ErrMisuse:
		return "SQLITE_MISUSE"
	case sqlite3.ErrNoLFS:
		return "SQLITE_NOLFS"
	case sqlite3.ErrAuth:
		return "SQLITE_AUTH"
	case sqlite3.ErrRange:
		return "SQLITE_RANGE"
	case sqlite3.ErrNotADB:
		return "SQLITE_NOTADB"
	default:
		return "SQLITE_UNKNOWN"
	}
}
