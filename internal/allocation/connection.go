package allocation

import (
	"context"
	"fmt"
	"sync"

	"github.com/jfoltran/hranad/internal/sqlengine"
)

// closure is one unit of work submitted to a connection worker: run f
// against the owned sqlengine.Engine and report back through done. ctx is
// derived fresh per closure so Interrupt can cancel one running statement
// without tearing down the connection itself.
type closure struct {
	ctx  context.Context
	run  func(context.Context, sqlengine.Engine)
	done chan struct{}
}

// ConnectionHandle is a caller-facing reference to a running connection
// worker. Exec is the only way to touch the underlying connection — it is
// never owned outside the worker's own goroutine.
type ConnectionHandle struct {
	id     uint32
	exec   chan closure
	cancel context.CancelFunc

	mu        sync.Mutex
	curCancel context.CancelFunc
}

// ID returns the connection id assigned when this handle was created.
func (h *ConnectionHandle) ID() uint32 { return h.id }

// Exec runs f against the connection and waits for it to finish. f must not
// retain the sqlengine.Engine past its own return. The context passed to f
// is derived from ctx and is also what Interrupt cancels, so f should thread
// it into any call that blocks on the engine (e.g. Execute, Describe).
func (h *ConnectionHandle) Exec(ctx context.Context, f func(context.Context, sqlengine.Engine)) error {
	execCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.curCancel = cancel
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.curCancel = nil
		h.mu.Unlock()
		cancel()
	}()

	done := make(chan struct{})
	c := closure{ctx: execCtx, run: f, done: done}
	select {
	case h.exec <- c:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt cancels the statement currently running on this connection, if
// any, without dropping the worker. This is the engine's interrupt facility
// as seen from outside the worker goroutine — the worker keeps running and
// accepts its next closure once the canceled one returns.
func (h *ConnectionHandle) Interrupt() {
	h.mu.Lock()
	cancel := h.curCancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close asks the connection worker to exit after finishing any closure
// already accepted. It does not wait for the worker to actually stop — the
// allocation actor tracks that through its worker set.
func (h *ConnectionHandle) Close() {
	h.cancel()
}

// connectionWorker owns one sqlengine.Engine for its entire lifetime,
// processing at most one closure at a time from a capacity-1 queue so the
// underlying connection (direct SQLite, or a replica's write-proxy
// connection) is never touched concurrently.
type connectionWorker struct {
	id   uint32
	conn sqlengine.Engine
	exec chan closure
}

// run drives the worker's single-consumer loop until ctx is canceled or the
// connection is closed, then releases the underlying connection.
func (w *connectionWorker) run(ctx context.Context) (uint32, error) {
	defer w.conn.Close()
	for {
		select {
		case <-ctx.Done():
			return w.id, nil
		case c, ok := <-w.exec:
			if !ok {
				return w.id, nil
			}
			func() {
				defer close(c.done)
				c.run(c.ctx, w.conn)
			}()
		}
	}
}

func newConnectionWorker(ctx context.Context, id uint32, conn sqlengine.Engine) (*connectionWorker, context.Context, context.CancelFunc) {
	workerCtx, cancel := context.WithCancel(ctx)
	return &connectionWorker{
		id:   id,
		conn: conn,
		exec: make(chan closure, 1),
	}, workerCtx, cancel
}

var errConnectionClosed = fmt.Errorf("allocation: connection is closed")
