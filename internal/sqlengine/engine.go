// Package sqlengine wraps mattn/go-sqlite3 behind the execute/describe
// capability spec.md treats as an external black box: the rest of this
// repository never imports database/sql or the sqlite3 driver directly.
package sqlengine

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Params carries either positional or named bind arguments for one
// statement — never both, enforced by the Hrana layer before a Query
// reaches here (ARGS_BOTH_POSITIONAL_AND_NAMED).
type Params struct {
	Positional []Value
	Named      map[string]Value
}

// Query is one statement plus its bound parameters and whether the caller
// wants row data back (a pure write doesn't).
type Query struct {
	SQL      string
	Params   Params
	WantRows bool
}

// DescribeResult reports static information about a statement without
// executing it.
type DescribeResult struct {
	ParamNames []string
	Cols       []DescribeCol
	IsExplain  bool
	IsReadOnly bool
}

// DescribeCol names one result column and its declared type, if any.
type DescribeCol struct {
	Name     string
	DeclType string
}

// Engine is the minimal capability a connection worker needs to own:
// execute a statement, describe one without running it, and release
// underlying resources on shutdown. Both *Connection (a direct SQLite
// connection) and *writeproxy.Connection (a replica's local-read/
// remote-write connection) satisfy it.
type Engine interface {
	Execute(ctx context.Context, q Query, b ResultBuilder) error
	Describe(ctx context.Context, sqlText string) (DescribeResult, error)
	Close() error
}

// ResultBuilder receives a statement's result incrementally, mirroring the
// callback-builder the original engine passes execution results through.
// Implementations must tolerate Cols never being called for a statement
// that returns no rows.
type ResultBuilder interface {
	Cols(names, declTypes []string)
	Row(values []Value)
	Done(rowsAffected, lastInsertRowID int64)
}

// Connection owns one SQLite connection. It is never used from more than
// one goroutine at a time — the connection worker (internal/allocation)
// enforces that by constructionr.
type Connection struct {
	db   *sql.DB
	conn *sql.Conn
}

// Open opens a SQLite database file and acquires a single dedicated
// connection from it, matching SQLite's one-writer-at-a-time model.
func Open(ctx context.Context, path string) (*Connection, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlengine: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlengine: acquire connection: %w", err)
	}
	return &Connection{db: db, conn: conn}, nil
}

// Execute runs q against the connection, streaming results to b.
func (c *Connection) Execute(ctx context.Context, q Query, b ResultBuilder) error {
	args, err := bindArgs(q.Params)
	if err != nil {
		return &InvalidParamsError{Cause: err}
	}

	if !q.WantRows {
		res, err := c.conn.ExecContext(ctx, q.SQL, args...)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		lastID, _ := res.LastInsertId()
		b.Done(affected, lastID)
		return nil
	}

	rows, err := c.conn.QueryContext(ctx, q.SQL, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	types, _ := rows.ColumnTypes()
	declTypes := make([]string, len(cols))
	for i, t := range types {
		declTypes[i] = t.DatabaseTypeName()
	}
	b.Cols(cols, declTypes)

	scanDest := make([]any, len(cols))
	scanVals := make([]any, len(cols))
	for i := range scanDest {
		scanDest[i] = &scanVals[i]
	}

	var rowCount int64
	for rows.Next() {
		if err := rows.Scan(scanDest...); err != nil {
			return err
		}
		values := make([]Value, len(cols))
		for i, v := range scanVals {
			values[i] = FromDriver(v)
		}
		b.Row(values)
		rowCount++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	b.Done(rowCount, 0)
	return nil
}

// Describe prepares the statement (so a statement that does not parse is an
// error) and closes it without executing it. It reports whether the
// statement is read-only and whether it is an EXPLAIN; ParamNames and Cols
// are left empty.
func (c *Connection) Describe(ctx context.Context, sqlText string) (DescribeResult, error) {
	stmt, err := c.conn.PrepareContext(ctx, sqlText)
	if err != nil {
		return DescribeResult{}, err
	}
	defer stmt.Close()

	return DescribeResult{
		IsReadOnly: IsReadOnly(sqlText),
		IsExplain:  isExplain(sqlText),
	}, nil
}

// Autocommit reports whether the connection is in autocommit mode, i.e.
// has no explicit transaction open; inTxn is the caller's own record of
// whether one is open. SQLite's C API exposes this
// directly; database/sql does not, so callers track it by tracking BEGIN/
// COMMIT/ROLLBACK statements they submit (see internal/hrana/pipeline.go).
func (c *Connection) Autocommit(inTxn bool) bool {
	return !inTxn
}

// Interrupt does nothing: a statement on this connection is interrupted by
// canceling the context passed to Execute.
func (c *Connection) Interrupt() {
	// mattn/go-sqlite3 exposes interrupt through the raw driver connection;
	// closing the query's context is this package's interrupt mechanism,
	// so Interrupt is a no-op placeholder for callers that hold no context
	// (the connection worker always has one and cancels it instead).
}

// Close releases the connection and its backing *sql.DB.
func (c *Connection) Close() error {
	err := c.conn.Close()
	if cerr := c.db.Close(); err == nil {
		err = cerr
	}
	return err
}

func bindArgs(p Params) ([]any, error) {
	if len(p.Positional) > 0 && len(p.Named) > 0 {
		return nil, fmt.Errorf("both positional and named arguments given")
	}
	if len(p.Named) > 0 {
		args := make([]any, 0, len(p.Named))
		for name, v := range p.Named {
			args = append(args, sql.Named(name, v.Driver()))
		}
		return args, nil
	}
	args := make([]any, len(p.Positional))
	for i, v := range p.Positional {
		args[i] = v.Driver()
	}
	return args, nil
}

// IsReadOnly reports whether sqlText, parsed shallowly, is a read-only
// statement (its first keyword is SELECT, PRAGMA, EXPLAIN, VALUES or
// WITH). The write-proxy uses this to decide
// whether a statement may run locally on a replica.
func IsReadOnly(sqlText string) bool {
	kw := firstKeyword(sqlText)
	switch kw {
	case "SELECT", "PRAGMA", "EXPLAIN", "VALUES", "WITH":
		return true
	default:
		return false
	}
}

func isExplain(sqlText string) bool {
	return firstKeyword(sqlText) == "EXPLAIN"
}

func firstKeyword(sqlText string) string {
	i := 0
	for i < len(sqlText) && (sqlText[i] == ' ' || sqlText[i] == '\t' || sqlText[i] == '\n' || sqlText[i] == '\r') {
		i++
	}
	start := i
	for i < len(sqlText) && isAlpha(sqlText[i]) {
		i++
	}
	return upper(sqlText[start:i])
}

func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
