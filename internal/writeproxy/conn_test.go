package writeproxy

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/jfoltran/hranad/internal/bus"
	"github.com/jfoltran/hranad/internal/sqlengine"
)

// fakeSender hands every Send call straight to a router as a reply,
// simulating a primary that answers instantly, without any real bus or
// network round trip.
type fakeSender struct {
	router   *Router
	respond  func(req Request) Response
	envCount int
}

func (f *fakeSender) Send(ctx context.Context, to uint64, dbName string, msg bus.Message) (string, error) {
	f.envCount++
	envID := "env-" + strconv.Itoa(f.envCount)

	var req Request
	_ = json.Unmarshal(msg.Proxy.Body, &req)
	resp := f.respond(req)
	body, _ := json.Marshal(resp)

	// The real bus delivers a primary's reply well after Send returns (a
	// network round trip); register(envID) always wins that race in
	// production. Here, retry delivery until the caller's register call
	// catches up instead of assuming a fixed ordering.
	go func() {
		for i := 0; i < 200; i++ {
			if f.router.Deliver(envID, body) {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	return envID, nil
}

// recordingBuilder captures what replayInto feeds it, for assertions.
type recordingBuilder struct {
	cols            []string
	rows            [][]sqlengine.Value
	rowsAffected    int64
	lastInsertRowID int64
}

func (b *recordingBuilder) Cols(names, declTypes []string) { b.cols = names }
func (b *recordingBuilder) Row(values []sqlengine.Value)   { b.rows = append(b.rows, values) }
func (b *recordingBuilder) Done(rowsAffected, lastInsertRowID int64) {
	b.rowsAffected = rowsAffected
	b.lastInsertRowID = lastInsertRowID
}

func TestConnection_WriteRoutesToPrimary(t *testing.T) {
	router := NewRouter()
	var sentSQL string
	sender := &fakeSender{router: router, respond: func(req Request) Response {
		sentSQL = req.SQL
		frameNo := uint64(7)
		return Response{RowsAffected: 1, LastInsertRowID: 42, CommitFrameNo: &frameNo}
	}}

	c := NewConnection(nil, sender, router, 1, "tenant-a", time.Second, nil, nil)

	b := &recordingBuilder{}
	err := c.Execute(context.Background(), sqlengine.Query{SQL: "INSERT INTO t VALUES (1)"}, b)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if sentSQL != "INSERT INTO t VALUES (1)" {
		t.Fatalf("primary received SQL %q, want the INSERT statement", sentSQL)
	}
	if b.rowsAffected != 1 || b.lastInsertRowID != 42 {
		t.Fatalf("builder got (%d, %d), want (1, 42)", b.rowsAffected, b.lastInsertRowID)
	}
	if c.lastSeenPrimaryFrameNo != 7 {
		t.Fatalf("lastSeenPrimaryFrameNo = %d, want 7", c.lastSeenPrimaryFrameNo)
	}
}

func TestConnection_BeginTracksTxnID(t *testing.T) {
	router := NewRouter()
	txnID := "txn-123"
	sender := &fakeSender{router: router, respond: func(req Request) Response {
		return Response{TxnID: &txnID}
	}}
	c := NewConnection(nil, sender, router, 1, "tenant-a", time.Second, nil, nil)

	b := &recordingBuilder{}
	if err := c.Execute(context.Background(), sqlengine.Query{SQL: "BEGIN"}, b); err != nil {
		t.Fatalf("Execute(BEGIN): %v", err)
	}
	if c.state != stateTxnOnPrimary {
		t.Fatalf("state = %v, want stateTxnOnPrimary", c.state)
	}
	if c.txnID == nil || *c.txnID != txnID {
		t.Fatalf("txnID = %v, want %q", c.txnID, txnID)
	}

	// While a txn is open on the primary, even a read-only statement must
	// still be proxied (routing rule: "already in a remote txn").
	var secondSQL string
	sender.respond = func(req Request) Response {
		secondSQL = req.SQL
		return Response{TxnID: &txnID}
	}
	if err := c.Execute(context.Background(), sqlengine.Query{SQL: "SELECT * FROM t"}, b); err != nil {
		t.Fatalf("Execute(SELECT inside txn): %v", err)
	}
	if secondSQL != "SELECT * FROM t" {
		t.Fatal("expected the SELECT to be proxied to the primary while a transaction is open there")
	}
}

func TestConnection_CommitClearsTxnID(t *testing.T) {
	router := NewRouter()
	txnID := "txn-abc"
	onBegin := true
	sender := &fakeSender{router: router, respond: func(req Request) Response {
		if onBegin {
			onBegin = false
			return Response{TxnID: &txnID}
		}
		return Response{} // commit response carries no txn_id
	}}
	c := NewConnection(nil, sender, router, 1, "tenant-a", time.Second, nil, nil)

	b := &recordingBuilder{}
	if err := c.Execute(context.Background(), sqlengine.Query{SQL: "BEGIN"}, b); err != nil {
		t.Fatalf("Execute(BEGIN): %v", err)
	}
	if err := c.Execute(context.Background(), sqlengine.Query{SQL: "COMMIT"}, b); err != nil {
		t.Fatalf("Execute(COMMIT): %v", err)
	}
	if c.state != stateInit {
		t.Fatalf("state after commit = %v, want stateInit", c.state)
	}
	if c.txnID != nil {
		t.Fatalf("txnID after commit = %v, want nil", c.txnID)
	}
}

func TestConnection_PrimaryErrorPropagates(t *testing.T) {
	router := NewRouter()
	sender := &fakeSender{router: router, respond: func(req Request) Response {
		return Response{Error: "constraint violation"}
	}}
	c := NewConnection(nil, sender, router, 1, "tenant-a", time.Second, nil, nil)

	b := &recordingBuilder{}
	err := c.Execute(context.Background(), sqlengine.Query{SQL: "INSERT INTO t VALUES (1)"}, b)
	if err == nil {
		t.Fatal("expected an error when the primary rejects the statement")
	}
}

func TestConnection_ReadOnlyCacheHonored(t *testing.T) {
	c := NewConnection(nil, nil, nil, 1, "tenant-a", time.Second, nil, nil)
	if !c.isReadOnly("SELECT 1") {
		t.Fatal("expected SELECT to be read-only")
	}
	// Second call exercises the cache path.
	if !c.isReadOnly("SELECT 1") {
		t.Fatal("expected cached result to still be read-only")
	}
	if c.isReadOnly("INSERT INTO t VALUES (1)") {
		t.Fatal("expected INSERT to not be read-only")
	}
}
