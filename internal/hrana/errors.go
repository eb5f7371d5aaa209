package hrana

import (
	"errors"
	"fmt"

	"github.com/jfoltran/hranad/internal/sqlengine"
)

// ProtocolError reports a malformed request: bad JSON, a feature gated
// behind a Hrana version the caller hasn't negotiated, or an sql/sql_id
// reference that doesn't resolve.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

func errSqlIDAndSQLGiven() *ProtocolError {
	return &ProtocolError{Code: "SQL_ID_AND_SQL_GIVEN", Message: "both sql and sql_id were given"}
}

func errSqlIDOrSQLNotGiven() *ProtocolError {
	return &ProtocolError{Code: "SQL_ID_OR_SQL_NOT_GIVEN", Message: "neither sql nor sql_id was given"}
}

func errSqlNotFound(sqlID int32) *ProtocolError {
	return &ProtocolError{Code: "SQL_NOT_FOUND", Message: fmt.Sprintf("SQL text %d not found", sqlID)}
}

func errNotSupported(what string, minVersion Version) *ProtocolError {
	return &ProtocolError{
		Code:    "NOT_SUPPORTED",
		Message: fmt.Sprintf("%s requires Hrana protocol version %d or higher", what, minVersion),
	}
}

// StreamError reports a failure in stream/baton bookkeeping.
type StreamError struct {
	Code    string
	Message string
}

func (e *StreamError) Error() string { return e.Message }

var (
	errBatonInvalid = &StreamError{Code: "BATON_INVALID", Message: "the baton could not be validated"}
	errBatonExpired = &StreamError{Code: "BATON_EXPIRED", Message: "the stream behind this baton no longer exists"}
	errBatonReused  = &StreamError{Code: "BATON_REUSED", Message: "this baton has already been used"}
	errServerBusy   = &StreamError{Code: "SERVER_BUSY", Message: "server has reached its connection limit"}
)

// StmtError reports a failure executing or describing one statement.
type StmtError struct {
	Code    string
	Message string
}

func (e *StmtError) Error() string { return e.Message }

var (
	errSqlNoStmt      = &StmtError{Code: "SQL_NO_STATEMENT", Message: "SQL string does not contain any statement"}
	errSqlManyStmts   = &StmtError{Code: "SQL_MANY_STATEMENTS", Message: "SQL string contains more than one statement"}
	errArgsBothKinds  = &StmtError{Code: "ARGS_BOTH_POSITIONAL_AND_NAMED", Message: "specifying both positional and named arguments is not supported"}
	errTxnTimeout     = &StmtError{Code: "TRANSACTION_TIMEOUT", Message: "transaction timed out"}
	errTxnBusy        = &StmtError{Code: "TRANSACTION_BUSY", Message: "server cannot handle additional transactions"}
)

func errArgsInvalid(cause error) *StmtError {
	return &StmtError{Code: "ARGS_INVALID", Message: fmt.Sprintf("arguments do not match SQL parameters: %v", cause)}
}

func errBlocked(reason string) *StmtError {
	msg := "operation was blocked"
	if reason != "" {
		msg += ": " + reason
	}
	return &StmtError{Code: "BLOCKED", Message: msg}
}

// stmtErrorFromEngine translates an error surfaced by sqlengine into the
// Hrana wire error taxonomy, falling back to the engine's own sqlite code
// for anything that isn't one of the well-known sentinels.
func stmtErrorFromEngine(err error) *StmtError {
	if err == nil {
		return nil
	}

	var invalidParams *sqlengine.InvalidParamsError
	if errors.As(err, &invalidParams) {
		return errArgsInvalid(invalidParams.Cause)
	}

	var blocked *sqlengine.BlockedError
	if errors.As(err, &blocked) {
		return errBlocked(blocked.Reason)
	}

	switch {
	case errors.Is(err, sqlengine.ErrTxTimeout):
		return errTxnTimeout
	case errors.Is(err, sqlengine.ErrTxBusy):
		return errTxnBusy
	}

	code := sqlengine.SqliteCode(err)
	return &StmtError{Code: code, Message: err.Error()}
}

func (e *StmtError) toProto() *Error {
	return &Error{Message: e.Message, Code: e.Code}
}

func (e *ProtocolError) toProto() *Error {
	return &Error{Message: e.Message, Code: e.Code}
}

func (e *StreamError) toProto() *Error {
	return &Error{Message: e.Message, Code: e.Code}
}
