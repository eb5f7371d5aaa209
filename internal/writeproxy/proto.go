package writeproxy

import "github.com/jfoltran/hranad/internal/sqlengine"

// Request is the body of a bus ProxyMsg sent from a replica's write-proxy
// connection to the primary owning the database.
type Request struct {
	TxnID    *string          `json:"txn_id,omitempty"`
	SQL      string           `json:"sql"`
	Params   sqlengine.Params `json:"params"`
	WantRows bool             `json:"want_rows"`
}

// Response is the body of a bus ProxyMsg sent back from the primary.
type Response struct {
	TxnID           *string             `json:"txn_id,omitempty"`
	Cols            []string            `json:"cols,omitempty"`
	DeclTypes       []string            `json:"decl_types,omitempty"`
	Rows            [][]sqlengine.Value `json:"rows,omitempty"`
	RowsAffected    int64               `json:"rows_affected"`
	LastInsertRowID int64               `json:"last_insert_row_id"`
	CommitFrameNo   *uint64             `json:"commit_frame_no,omitempty"`
	Error           string              `json:"error,omitempty"`
}

// collectingBuilder is a sqlengine.ResultBuilder that accumulates a
// statement's result into a Response, used on the primary side when
// executing a proxied request.
type collectingBuilder struct {
	resp Response
}

func (c *collectingBuilder) Cols(names, declTypes []string) {
	c.resp.Cols = names
	c.resp.DeclTypes = declTypes
}

func (c *collectingBuilder) Row(values []sqlengine.Value) {
	c.resp.Rows = append(c.resp.Rows, values)
}

func (c *collectingBuilder) Done(rowsAffected, lastInsertRowID int64) {
	c.resp.RowsAffected = rowsAffected
	c.resp.LastInsertRowID = lastInsertRowID
}

// replayInto drains a Response previously received from the primary
// into the caller's own ResultBuilder, used on the replica side.
func replayInto(resp Response, b sqlengine.ResultBuilder) {
	if resp.Cols != nil {
		b.Cols(resp.Cols, resp.DeclTypes)
	}
	for _, row := range resp.Rows {
		b.Row(row)
	}
	b.Done(resp.RowsAffected, resp.LastInsertRowID)
}
