package hrana

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jfoltran/hranad/internal/sqlengine"
)

// ConnHandle is the subset of allocation.ConnectionHandle a stream needs:
// run a closure against the connection's worker goroutine, or ask it to
// shut down. Kept as an interface so this package never imports
// internal/allocation.
type ConnHandle interface {
	Exec(ctx context.Context, f func(context.Context, sqlengine.Engine)) error
	Close()
}

// ConnFactory opens a fresh connection handle for a newly created stream.
// The registry never knows whether that connection worker owns a direct
// SQLite connection or a replica's write-proxy connection.
type ConnFactory func(ctx context.Context) (ConnHandle, error)

// stream is one Hrana session: a checked-out-or-idle SQL connection plus
// the per-stream cache of SQL text registered by store_sql.
type stream struct {
	id       string
	conn     ConnHandle
	seq      uint64
	lastUsed time.Time
	sqlCache map[int32]string
	inUse    bool
	inTxn    bool
}

// StreamGuard is the caller's exclusive handle on a checked-out stream,
// returned by Registry.Acquire. Exactly one StreamGuard exists for a given
// stream at any instant.
type StreamGuard struct {
	reg *Registry
	s   *stream
}

// Conn returns the stream's connection handle, usable for the lifetime of
// this guard only.
func (g *StreamGuard) Conn() ConnHandle { return g.s.conn }

// StoreSQL registers sqlText under id for later reference by this stream.
func (g *StreamGuard) StoreSQL(id int32, sqlText string) {
	g.s.sqlCache[id] = sqlText
}

// CloseSQL forgets a previously stored SQL text.
func (g *StreamGuard) CloseSQL(id int32) {
	delete(g.s.sqlCache, id)
}

// LookupSQL resolves a previously stored SQL text, reporting ok=false if id
// was never stored (or has since been closed).
func (g *StreamGuard) LookupSQL(id int32) (string, bool) {
	s, ok := g.s.sqlCache[id]
	return s, ok
}

// InTxn reports whether the stream believes it is inside an
// explicitly-opened transaction, tracked by watching BEGIN/COMMIT/ROLLBACK
// statements pass through it (get_autocommit has no other way to ask
// database/sql for this).
func (g *StreamGuard) InTxn() bool { return g.s.inTxn }

// SetInTxn updates the stream's open-transaction tracking.
func (g *StreamGuard) SetInTxn(v bool) { g.s.inTxn = v }

// Registry tracks every live Hrana stream for a server process: one process-
// wide baton key, an idle timeout, and the map of every live stream, parked
// or checked out by an in-flight request.
type Registry struct {
	key         batonKey
	idleTimeout time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

// NewRegistry creates a Registry with a freshly generated baton key.
func NewRegistry(idleTimeout time.Duration, logger zerolog.Logger) (*Registry, error) {
	key, err := NewBatonKey()
	if err != nil {
		return nil, err
	}
	return &Registry{
		key:         key,
		idleTimeout: idleTimeout,
		logger:      logger.With().Str("component", "hrana-registry").Logger(),
		streams:     make(map[string]*stream),
	}, nil
}

// Acquire checks out a stream for the duration of one pipeline request. A
// nil baton creates a fresh stream via connFactory; a non-nil baton must
// parse, authenticate, and reference a stream that is currently idle and
// at the expected sequence number.
func (r *Registry) Acquire(ctx context.Context, baton *string, connFactory ConnFactory) (*StreamGuard, error) {
	if baton == nil {
		conn, err := connFactory(ctx)
		if err != nil {
			return nil, fmt.Errorf("hrana: open connection for new stream: %w", err)
		}
		s := &stream{
			id:       uuid.NewString(),
			conn:     conn,
			seq:      0,
			lastUsed: nowOrZero(),
			sqlCache: make(map[int32]string),
			inUse:    true,
		}
		r.mu.Lock()
		r.streams[s.id] = s
		r.mu.Unlock()
		return &StreamGuard{reg: r, s: s}, nil
	}

	parsed, err := parseBaton(r.key, *baton)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	s, ok := r.streams[parsed.streamID]
	if !ok {
		r.mu.Unlock()
		return nil, errBatonExpired
	}
	if s.inUse {
		r.mu.Unlock()
		return nil, errBatonReused
	}
	if s.seq != parsed.seq {
		r.mu.Unlock()
		return nil, errBatonReused
	}
	s.inUse = true
	r.mu.Unlock()

	return &StreamGuard{reg: r, s: s}, nil
}

// Release returns a checked-out stream to the idle set, advancing its
// sequence number and minting the baton the caller hands back to the
// client. closeStream, if true, closes the connection and discards the
// stream instead (the client sent a "close" request).
func (r *Registry) Release(g *StreamGuard, closeStream bool) (baton string, err error) {
	s := g.s
	r.mu.Lock()
	defer r.mu.Unlock()

	if closeStream {
		delete(r.streams, s.id)
		s.conn.Close()
		return "", nil
	}

	s.seq++
	s.lastUsed = nowOrZero()
	s.inUse = false
	return mintBaton(r.key, s.id, s.seq), nil
}

// RunExpire evicts streams idle longer than the registry's idle timeout,
// closing their connections, until ctx is canceled. Call it once in its own
// goroutine per server process.
func (r *Registry) RunExpire(ctx context.Context) {
	ticker := time.NewTicker(r.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.expireOnce()
		}
	}
}

func (r *Registry) expireOnce() {
	cutoff := nowOrZero().Add(-r.idleTimeout)

	r.mu.Lock()
	var expired []*stream
	for id, s := range r.streams {
		if !s.inUse && s.lastUsed.Before(cutoff) {
			expired = append(expired, s)
			delete(r.streams, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		s.conn.Close()
	}
	if len(expired) > 0 {
		r.logger.Debug().Int("count", len(expired)).Msg("expired idle streams")
	}
}

// nowOrZero exists so the package has one call site to adjust if a future
// caller needs injectable time; callers outside tests always get wall
// clock time.
func nowOrZero() time.Time { return time.Now() }
