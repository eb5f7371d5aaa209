package sqlengine

import (
	"errors"
	"testing"

	"github.com/mattn/go-sqlite3"
)

func TestSqliteCode_MapsKnownCodes(t *testing.T) {
	cases := []struct {
		code sqlite3.ErrNo
		want string
	}{
		{sqlite3.ErrBusy, "SQLITE_BUSY"},
		{sqlite3.ErrLocked, "SQLITE_LOCKED"},
		{sqlite3.ErrConstraint, "SQLITE_CONSTRAINT"},
		{sqlite3.ErrReadOnly, "SQLITE_READONLY"},
	}
	for _, c := range cases {
		err := sqlite3.Error{Code: c.code}
		if got := SqliteCode(err); got != c.want {
			t.Errorf("SqliteCode(%v) = %q, want %q", c.code, got, c.want)
		}
	}
}

func TestSqliteCode_FallsBackForNonSqliteError(t *testing.T) {
	if got := SqliteCode(errors.New("boom")); got != "SQLITE_UNKNOWN" {
		t.Errorf("SqliteCode(plain error) = %q, want SQLITE_UNKNOWN", got)
	}
}

func TestInvalidParamsError_Unwraps(t *testing.T) {
	cause := errors.New("bad args")
	err := &InvalidParamsError{Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("expected InvalidParamsError to unwrap to its Cause")
	}
}

func TestBlockedError_Message(t *testing.T) {
	withReason := &BlockedError{Reason: "txn in progress"}
	if withReason.Error() == "" {
		t.Error("expected a non-empty message")
	}
	bare := &BlockedError{}
	if bare.Error() == "" {
		t.Error("expected a non-empty message even with no reason")
	}
}
