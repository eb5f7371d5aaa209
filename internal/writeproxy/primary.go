package writeproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jfoltran/hranad/internal/bus"
	"github.com/jfoltran/hranad/internal/sqlengine"
)

// ConnectionOpener is the subset of the allocation actor's API the primary
// side of the write-proxy needs: a way to borrow a connection worker for
// the lifetime of one remote transaction.
type ConnectionOpener interface {
	NewConnection(ctx context.Context) (ConnectionHandle, error)
}

// ConnectionHandle is the subset of allocation.ConnectionHandle used here,
// kept as an interface so this package never imports internal/allocation
// (which has no need to import this one back).
type ConnectionHandle interface {
	Exec(ctx context.Context, f func(context.Context, sqlengine.Engine)) error
	Close()
}

// PrimaryHandler answers ProxyRequest envelopes received by a primary
// allocation on behalf of its replicas, keeping one borrowed connection
// alive per remote transaction for the transaction's lifetime.
type PrimaryHandler struct {
	opener ConnectionOpener

	mu   sync.Mutex
	txns map[string]ConnectionHandle
}

// NewPrimaryHandler creates a PrimaryHandler borrowing connections from opener.
func NewPrimaryHandler(opener ConnectionOpener) *PrimaryHandler {
	return &PrimaryHandler{opener: opener, txns: make(map[string]ConnectionHandle)}
}

// Handle runs a proxied request and returns the response body to send back
// via bus.Reply.
func (h *PrimaryHandler) Handle(ctx context.Context, body []byte) Response {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Response{Error: fmt.Sprintf("writeproxy: decode request: %v", err)}
	}

	handle, txnID, _, ephemeral, err := h.resolveConnection(ctx, req)
	if err != nil {
		return Response{Error: err.Error()}
	}
	if ephemeral {
		defer handle.Close()
	}

	var resp Response
	execErr := handle.Exec(ctx, func(ctx context.Context, conn sqlengine.Engine) {
		builder := &collectingBuilder{}
		err := conn.Execute(ctx, sqlengine.Query{SQL: req.SQL, Params: req.Params, WantRows: req.WantRows}, builder)
		resp = builder.resp
		if err != nil {
			resp.Error = sqlengine.SqliteCode(err)
			if resp.Error == "SQLITE_UNKNOWN" {
				resp.Error = err.Error()
			}
		}
	})
	if execErr != nil {
		h.dropTxn(txnID)
		return Response{Error: execErr.Error()}
	}

	// A commit/rollback response carries no txn_id, so the replica clears
	// its remote transaction along with this handler.
	if txnID != "" && !isCommitOrRollback(req.SQL) {
		resp.TxnID = &txnID
	}

	if isCommitOrRollback(req.SQL) {
		h.dropTxn(txnID)
	}

	return resp
}

func (h *PrimaryHandler) resolveConnection(ctx context.Context, req Request) (handle ConnectionHandle, txnID string, isNew bool, ephemeral bool, err error) {
	if req.TxnID != nil {
		h.mu.Lock()
		handle, ok := h.txns[*req.TxnID]
		h.mu.Unlock()
		if !ok {
			return nil, "", false, false, fmt.Errorf("writeproxy: unknown remote transaction %s", *req.TxnID)
		}
		return handle, *req.TxnID, false, false, nil
	}

	newHandle, err := h.opener.NewConnection(ctx)
	if err != nil {
		return nil, "", false, false, fmt.Errorf("writeproxy: open connection for remote statement: %w", err)
	}
	if !isBegin(req.SQL) {
		// Single statement, no transaction to track across calls: the
		// connection is returned to the actor immediately after running it.
		return newHandle, "", false, true, nil
	}

	id := uuid.NewString()
	h.mu.Lock()
	h.txns[id] = newHandle
	h.mu.Unlock()
	return newHandle, id, true, false, nil
}

func (h *PrimaryHandler) dropTxn(txnID string) {
	if txnID == "" {
		return
	}
	h.mu.Lock()
	handle, ok := h.txns[txnID]
	delete(h.txns, txnID)
	h.mu.Unlock()
	if ok {
		handle.Close()
	}
}

func isBegin(sqlText string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(sqlText)), "BEGIN")
}

func isCommitOrRollback(sqlText string) bool {
	kw := strings.ToUpper(strings.TrimSpace(sqlText))
	return strings.HasPrefix(kw, "COMMIT") || strings.HasPrefix(kw, "ROLLBACK") || strings.HasPrefix(kw, "END")
}

// HandleEnvelope is the bus.Handler entry point an allocation registers for
// Proxy-kind envelopes addressed to it, replying to the sender over the bus.
func (h *PrimaryHandler) HandleEnvelope(ctx context.Context, b *bus.Bus, env bus.Envelope) {
	if env.Message.Kind != bus.KindProxy || env.Message.Proxy == nil {
		return
	}
	resp := h.Handle(ctx, env.Message.Proxy.Body)
	respBody, err := json.Marshal(resp)
	if err != nil {
		return
	}
	replyMsg := bus.Message{Kind: bus.KindProxy, Proxy: &bus.ProxyMsg{DatabaseID: env.Message.Proxy.DatabaseID, Body: respBody}}
	_ = b.Reply(ctx, env.From, env.DBName, env.ID, replyMsg)
}
