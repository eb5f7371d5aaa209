// Package host extracts the logical database name a request targets from
// its Host header, the namespace scheme every other component keys off of
// (internal/dbid.FromName, then the allocation registry).
package host

import (
	"context"
	"net/http"
	"strings"

	"github.com/jfoltran/hranad/internal/dbid"
)

type ctxKey int

const (
	dbNameKey ctxKey = iota
	databaseIDKey
)

// Split extracts the db_name from a Host header value, taking everything
// before the first '.'. "mydb.hranad.example.com:8080" and "mydb:8080"
// both yield "mydb"; a bare host with no dot ("mydb") also yields "mydb".
func Split(host string) (string, bool) {
	host = stripPort(host)
	if host == "" {
		return "", false
	}
	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[:i], host[:i] != ""
	}
	return host, true
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

// Middleware resolves db_name and its DatabaseID from the request's Host
// header and stashes both in the request context, 400ing any request whose
// Host header is missing or empty before the first dot.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dbName, ok := Split(r.Host)
		if !ok {
			http.Error(w, "host: missing or malformed database namespace in Host header", http.StatusBadRequest)
			return
		}
		id := dbid.FromName(dbName)
		ctx := context.WithValue(r.Context(), dbNameKey, dbName)
		ctx = context.WithValue(ctx, databaseIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// DBName returns the database name resolved by Middleware for this request,
// or "" if Middleware did not run.
func DBName(ctx context.Context) string {
	v, _ := ctx.Value(dbNameKey).(string)
	return v
}

// DatabaseIDFromContext returns the DatabaseID resolved by Middleware for
// this request.
func DatabaseIDFromContext(ctx context.Context) (dbid.DatabaseID, bool) {
	v, ok := ctx.Value(databaseIDKey).(dbid.DatabaseID)
	return v, ok
}
