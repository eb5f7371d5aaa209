// Package writeproxy implements the replica-side connection that routes
// writes to the database's primary over the node bus while serving reads
// locally, and the primary-side handler that answers those proxied writes.
package writeproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jfoltran/hranad/internal/bus"
	"github.com/jfoltran/hranad/internal/sqlengine"
)

// ErrTransactionTimeout is returned when a proxied request does not
// complete within proxy_request_timeout; the connection's state resets to
// Init so the caller may retry.
var ErrTransactionTimeout = fmt.Errorf("writeproxy: proxy request timed out")

// ErrConnectionClosed is returned when the bus could not deliver a proxied
// request to the primary.
var ErrConnectionClosed = fmt.Errorf("writeproxy: connection to primary closed")

type connState int

const (
	stateInit connState = iota
	stateTxnOnPrimary
)

// WaitFrameNoCb blocks until the local replica has applied at least
// frameNo, enforcing read-your-writes after a write routed to the primary.
type WaitFrameNoCb func(ctx context.Context, frameNo uint64) error

// Sender is the subset of *bus.Bus a Connection needs, kept as an
// interface so tests can substitute a fake bus.
type Sender interface {
	Send(ctx context.Context, to uint64, dbName string, msg bus.Message) (string, error)
}

// Router correlates inbound ProxyResponse envelopes, delivered on the
// bus's own read loop, back to the Connection awaiting each one.
type Router struct {
	mu      sync.Mutex
	waiters map[string]chan Response
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{waiters: make(map[string]chan Response)}
}

func (r *Router) register(id string) chan Response {
	ch := make(chan Response, 1)
	r.mu.Lock()
	r.waiters[id] = ch
	r.mu.Unlock()
	return ch
}

func (r *Router) unregister(id string) {
	r.mu.Lock()
	delete(r.waiters, id)
	r.mu.Unlock()
}

// Deliver routes an inbound envelope's proxy response body to a waiting
// Connection. It returns false if no Connection is waiting on that
// envelope id — meaning the envelope is instead a fresh ProxyRequest for
// PrimaryHandler to answer, not a response to correlate here.
func (r *Router) Deliver(replyTo string, body []byte) bool {
	r.mu.Lock()
	ch, ok := r.waiters[replyTo]
	r.mu.Unlock()
	if !ok {
		return false
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return false
	}
	ch <- resp
	return true
}

// Connection is a replica-side SQL connection that executes read-only
// statements locally and proxies everything else to the database's
// primary over the node bus.
type Connection struct {
	local               *sqlengine.Connection
	sender              Sender
	router              *Router
	primaryNodeID       uint64
	dbName              string
	proxyRequestTimeout time.Duration
	waitFrameNo         WaitFrameNoCb
	localApplied        func() uint64

	mu                     sync.Mutex
	state                  connState
	txnID                  *string
	lastSeenPrimaryFrameNo uint64
	readOnlyCache          map[string]bool
}

// NewConnection creates a write-proxy Connection for a replica allocation.
func NewConnection(
	local *sqlengine.Connection,
	sender Sender,
	router *Router,
	primaryNodeID uint64,
	dbName string,
	proxyRequestTimeout time.Duration,
	waitFrameNo WaitFrameNoCb,
	localApplied func() uint64,
) *Connection {
	return &Connection{
		local:               local,
		sender:              sender,
		router:              router,
		primaryNodeID:       primaryNodeID,
		dbName:              dbName,
		proxyRequestTimeout: proxyRequestTimeout,
		waitFrameNo:         waitFrameNo,
		localApplied:        localApplied,
		readOnlyCache:       make(map[string]bool),
	}
}

// Execute runs q, routing it locally or to the primary per the write-proxy
// routing rules: read-only statements outside a primary-owned transaction
// run locally (after waiting for read-your-writes if needed); everything
// else is proxied.
func (c *Connection) Execute(ctx context.Context, q sqlengine.Query, b sqlengine.ResultBuilder) error {
	c.mu.Lock()
	onPrimary := c.state == stateTxnOnPrimary
	c.mu.Unlock()

	if c.isReadOnly(q.SQL) && !onPrimary {
		return c.executeLocally(ctx, q, b)
	}
	return c.executeOnPrimary(ctx, q, b)
}

func (c *Connection) isReadOnly(sqlText string) bool {
	c.mu.Lock()
	if ro, ok := c.readOnlyCache[sqlText]; ok {
		c.mu.Unlock()
		return ro
	}
	c.mu.Unlock()

	ro := sqlengine.IsReadOnly(sqlText)
	c.mu.Lock()
	c.readOnlyCache[sqlText] = ro
	c.mu.Unlock()
	return ro
}

func (c *Connection) executeLocally(ctx context.Context, q sqlengine.Query, b sqlengine.ResultBuilder) error {
	c.mu.Lock()
	lastSeen := c.lastSeenPrimaryFrameNo
	c.mu.Unlock()

	if c.waitFrameNo != nil && c.localApplied != nil && lastSeen > c.localApplied() {
		if err := c.waitFrameNo(ctx, lastSeen); err != nil {
			return err
		}
	}
	return c.local.Execute(ctx, q, b)
}

func (c *Connection) executeOnPrimary(ctx context.Context, q sqlengine.Query, b sqlengine.ResultBuilder) error {
	c.mu.Lock()
	txnID := c.txnID
	c.mu.Unlock()

	req := Request{TxnID: txnID, SQL: q.SQL, Params: q.Params, WantRows: q.WantRows}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("writeproxy: encode proxy request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.proxyRequestTimeout)
	defer cancel()

	envID, err := c.sender.Send(timeoutCtx, c.primaryNodeID, c.dbName, bus.Message{
		Kind:  bus.KindProxy,
		Proxy: &bus.ProxyMsg{Body: body},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	replyCh := c.router.register(envID)
	defer c.router.unregister(envID)

	select {
	case resp := <-replyCh:
		return c.applyResponse(resp, b)
	case <-timeoutCtx.Done():
		c.mu.Lock()
		c.state = stateInit
		c.txnID = nil
		c.mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTransactionTimeout
	}
}

func (c *Connection) applyResponse(resp Response, b sqlengine.ResultBuilder) error {
	c.mu.Lock()
	if resp.TxnID != nil {
		c.state = stateTxnOnPrimary
		c.txnID = resp.TxnID
	} else {
		c.state = stateInit
		c.txnID = nil
	}
	if resp.CommitFrameNo != nil && *resp.CommitFrameNo > c.lastSeenPrimaryFrameNo {
		c.lastSeenPrimaryFrameNo = *resp.CommitFrameNo
	}
	c.mu.Unlock()

	if resp.Error != "" {
		return fmt.Errorf("writeproxy: primary rejected statement: %s", resp.Error)
	}
	replayInto(resp, b)
	return nil
}

// Describe always runs locally: statement shape never depends on which
// node executes it.
func (c *Connection) Describe(ctx context.Context, sqlText string) (sqlengine.DescribeResult, error) {
	return c.local.Describe(ctx, sqlText)
}

// Close releases the local connection. Any transaction left open on the
// primary is abandoned; the primary's idle-transaction reaping (if any) is
// responsible for eventually reclaiming it.
func (c *Connection) Close() error {
	return c.local.Close()
}
