// Package allocation implements the per-database actor: a single goroutine
// owning one database's frame log and connection workers, reachable only
// through its mailbox.
package allocation

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jfoltran/hranad/internal/allocconfig"
	"github.com/jfoltran/hranad/internal/bus"
	"github.com/jfoltran/hranad/internal/dbid"
	"github.com/jfoltran/hranad/internal/frame"
	"github.com/jfoltran/hranad/internal/sqlengine"
	"github.com/jfoltran/hranad/internal/writeproxy"

	"github.com/rs/zerolog"
)

// snapshotDirName is the subdirectory, relative to an allocation's data
// directory, where compacted frame snapshots are written.
const snapshotDirName = "snapshots"

// newConnection is a request for a fresh connection worker, answered on
// reply once the worker is running.
type newConnection struct {
	reply chan newConnResult
}

// newConnResult is what the actor hands back for a newConnection request:
// either a running worker, or the reason it refused to start one.
type newConnResult struct {
	handle *ConnectionHandle
	err    error
}

// inboundEnvelope is a bus message scoped to this allocation, handed to the
// actor for processing on its own goroutine.
type inboundEnvelope struct {
	handle func()
}

// mailMsg is the sum type of everything the actor's single goroutine
// consumes, generalizing the Rust original's AllocationMessage enum to a
// Go interface.
type mailMsg interface{ isMailMsg() }

func (newConnection) isMailMsg()   {}
func (inboundEnvelope) isMailMsg() {}
func (connDone) isMailMsg()        {}

// connDone reports that a connection worker's goroutine has returned,
// routed back through the mailbox so a.conns is only ever touched from the
// actor's own goroutine.
type connDone struct {
	id uint32
}

// cancelConn asks the actor to interrupt the statement currently running on
// connection id, without dropping the worker.
type cancelConn struct {
	id uint32
}

// closeConn asks the actor to drop connection id's worker outright.
type closeConn struct {
	id uint32
}

func (cancelConn) isMailMsg() {}
func (closeConn) isMailMsg()  {}

// Allocation is one database's actor: its frame log, its SQLite engine, and
// the set of connection workers currently reading and writing it. Every
// field below is touched only from the goroutine running Run — callers
// reach it exclusively through the mailbox.
type Allocation struct {
	DBName     string
	DatabaseID dbid.DatabaseID
	Config     allocconfig.AllocationConfig

	// GenerationID/GenerationStartIndex identify this run of the primary to
	// replicas: a replica that sees GenerationID change knows the log it
	// was streaming from no longer exists and must resync from a snapshot.
	// A fresh generation is minted every time the allocation is opened,
	// since this process lifetime is the unit a replica can trust.
	GenerationID         uuid.UUID
	GenerationStartIndex uint64

	dataDir string
	logger  zerolog.Logger

	mailbox chan mailMsg

	Log *frame.Log

	// bus and proxyRouter are nil for an allocation never asked to proxy
	// writes (a primary with no replicas talking to it yet still uses bus
	// to answer ProxyRequests; proxyRouter is only needed on the replica
	// side, where newConn wraps the local engine in a write-proxy
	// connection).
	bus         *bus.Bus
	proxyRouter *writeproxy.Router

	nextConnID uint32
	conns      map[uint32]*ConnectionHandle

	group    *errgroup.Group
	groupCtx context.Context

	closeOnce sync.Once
	closed    chan struct{}
}

// Open loads or creates the allocation rooted at dataDir/<database_id>,
// opening its frame log and preparing it to run. It does not start the
// actor goroutine — call Run for that. b is the shared node bus; a replica
// allocation uses it to proxy writes to its primary, a primary allocation
// uses it to answer proxied requests from replicas (see PrimaryHandler).
func Open(dataDir string, cfg allocconfig.AllocationConfig, logger zerolog.Logger, b *bus.Bus) (*Allocation, error) {
	id := dbid.FromName(cfg.DBName)
	root := filepath.Join(dataDir, id.String())

	logPath := filepath.Join(root, "wallog")
	log, err := frame.Open(logPath, logger)
	if err != nil {
		return nil, fmt.Errorf("allocation %s: open frame log: %w", cfg.DBName, err)
	}

	a := &Allocation{
		DBName:               cfg.DBName,
		DatabaseID:           id,
		Config:               cfg,
		GenerationID:         uuid.New(),
		GenerationStartIndex: log.MaxAvailableFrameNo(),
		dataDir:              root,
		logger:               logger.With().Str("component", "allocation").Str("db_name", cfg.DBName).Logger(),
		mailbox:              make(chan mailMsg, 64),
		Log:                  log,
		bus:                  b,
		conns:                make(map[uint32]*ConnectionHandle),
		closed:               make(chan struct{}),
	}
	if cfg.Role == allocconfig.RoleReplica {
		a.proxyRouter = writeproxy.NewRouter()
	}
	return a, nil
}

// ProxyRouter returns the router correlating proxied-write responses back to
// their callers; it is non-nil only for a replica allocation, and is how
// internal/server's bus dispatch delivers inbound ProxyResponse envelopes.
func (a *Allocation) ProxyRouter() *writeproxy.Router { return a.proxyRouter }

// SnapshotDir returns where this allocation's compacted frame snapshots
// live, rooted under its own data directory.
func (a *Allocation) SnapshotDir() string { return filepath.Join(a.dataDir, snapshotDirName) }

// CompactTarget builds a frame.Target for this allocation, for registration
// with a frame.Scheduler. minAcked resolves the lowest frame number any
// tracked replica has acknowledged; pass nil if the caller tracks no
// replicas (every frame is eligible for compaction once written).
func (a *Allocation) CompactTarget(minAcked func() uint64) frame.Target {
	maxLogSize := int64(0)
	if p := a.Config.DBConfig.Primary; p != nil {
		maxLogSize = p.MaxLogSize
	}
	return frame.Target{
		Log:           a.Log,
		SnapshotDir:   a.SnapshotDir(),
		MaxLogSize:    maxLogSize,
		MinAckedFrame: minAcked,
	}
}

// Run drives the actor's mailbox loop until ctx is canceled, then shuts
// down every connection worker and closes the frame log.
func (a *Allocation) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	a.group = group
	a.groupCtx = groupCtx

	defer func() {
		for _, h := range a.conns {
			h.Close()
		}
		_ = a.group.Wait()
		a.Log.Close()
		a.closeOnce.Do(func() { close(a.closed) })
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-a.mailbox:
			a.handle(ctx, msg)
		}
	}
}

// Done returns a channel closed once the actor has finished shutting down.
func (a *Allocation) Done() <-chan struct{} { return a.closed }

func (a *Allocation) handle(ctx context.Context, msg mailMsg) {
	switch m := msg.(type) {
	case newConnection:
		if len(a.conns) >= int(a.Config.MaxConcurrentConnection) {
			m.reply <- newConnResult{err: sqlengine.ErrConnLimit}
			return
		}
		h, err := a.newConn(ctx)
		if err != nil {
			a.logger.Err(err).Msg("failed to start connection worker")
			m.reply <- newConnResult{err: err}
			return
		}
		m.reply <- newConnResult{handle: h}
	case inboundEnvelope:
		m.handle()
	case connDone:
		delete(a.conns, m.id)
	case cancelConn:
		if h, ok := a.conns[m.id]; ok {
			h.Interrupt()
		}
	case closeConn:
		if h, ok := a.conns[m.id]; ok {
			h.Close()
		}
	}
}

// NewConnection requests a fresh connection worker and blocks until it is
// running or ctx is canceled.
func (a *Allocation) NewConnection(ctx context.Context) (*ConnectionHandle, error) {
	reply := make(chan newConnResult, 1)
	select {
	case a.mailbox <- newConnection{reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		if r.err != nil {
			return nil, r.err
		}
		return r.handle, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Deliver hands an inbound bus envelope to the actor's own goroutine so it
// can be processed without racing the connection workers.
func (a *Allocation) Deliver(ctx context.Context, handle func()) error {
	select {
	case a.mailbox <- inboundEnvelope{handle: handle}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelConnection interrupts the statement currently running on connID, if
// any, leaving the connection worker running for its next closure. connID
// not being live is not an error — the statement it was meant to interrupt
// has likely already finished.
func (a *Allocation) CancelConnection(ctx context.Context, connID uint32) error {
	select {
	case a.mailbox <- cancelConn{id: connID}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseConnection drops connID's worker outright. Like CancelConnection, an
// already-gone connID is not an error.
func (a *Allocation) CloseConnection(ctx context.Context, connID uint32) error {
	select {
	case a.mailbox <- closeConn{id: connID}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newConn opens a new local SQLite connection and spawns a worker to own
// it, assigning it a connection id that is guaranteed collision-free
// against every currently live connection — unlike the original
// implementation, which simply wrapped a counter with no collision check
// at all. On a replica allocation the local connection is wrapped in a
// write-proxy connection that routes writes to the primary instead of
// running them here.
func (a *Allocation) newConn(ctx context.Context) (*ConnectionHandle, error) {
	local, err := sqlengine.Open(ctx, filepath.Join(a.dataDir, "data.sqlite"))
	if err != nil {
		return nil, err
	}

	var engine sqlengine.Engine = local
	if replica := a.Config.DBConfig.Replica; replica != nil {
		engine = writeproxy.NewConnection(
			local,
			a.bus,
			a.proxyRouter,
			replica.PrimaryNodeID,
			a.DBName,
			replica.ProxyRequestTimeout,
			a.waitFrameNo,
			a.Log.MaxAvailableFrameNo,
		)
	}

	id := a.allocConnID()
	worker, workerCtx, cancel := newConnectionWorker(a.groupCtx, id, engine)

	handle := &ConnectionHandle{id: id, exec: worker.exec, cancel: cancel}
	a.conns[id] = handle

	a.group.Go(func() error {
		finishedID, err := worker.run(workerCtx)
		select {
		case a.mailbox <- connDone{id: finishedID}:
		default:
			// Mailbox full or actor already shutting down: a.conns is only
			// read again by a fresh Run call, which starts from an empty map.
		}
		return err
	})

	return handle, nil
}

// waitFrameNoPollInterval bounds how long read-your-writes can overshoot
// the replication lag it is waiting out.
const waitFrameNoPollInterval = 20 * time.Millisecond

// waitFrameNo blocks until the replication client has pulled at least
// frameNo into the local frame log, giving a replica's write-proxy
// connection a read-your-writes guarantee after a statement commits on the
// primary. The replication client itself wakes this up indirectly by
// appending frames; polling at a short interval avoids needing a separate
// broadcast channel for what is already a best-effort bound.
func (a *Allocation) waitFrameNo(ctx context.Context, frameNo uint64) error {
	if a.Log.MaxAvailableFrameNo() >= frameNo {
		return nil
	}
	ticker := time.NewTicker(waitFrameNoPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if a.Log.MaxAvailableFrameNo() >= frameNo {
				return nil
			}
		}
	}
}

// allocConnID returns the next connection id not currently in use, probing
// linearly from the last assigned id so ids are only reused once every
// other id in the 32-bit space is exhausted or freed.
func (a *Allocation) allocConnID() uint32 {
	for {
		a.nextConnID++
		if _, busy := a.conns[a.nextConnID]; !busy {
			return a.nextConnID
		}
	}
}
