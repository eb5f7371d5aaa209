package bus

import "github.com/jfoltran/hranad/internal/dbid"

// Envelope is the unit carried over the node bus: a message addressed to a
// peer node, optionally scoped to one allocation.
type Envelope struct {
	From    uint64  `json:"from"`
	To      *uint64 `json:"to,omitempty"`
	DBName  string  `json:"db_name,omitempty"`
	Message Message `json:"message"`
	ReplyTo string  `json:"reply_to,omitempty"`
	ID      string  `json:"id,omitempty"`
}

// Message carries one of the node bus's payload kinds. Exactly one field is
// set, discriminated by Kind — the Rust original used an enum; Go encodes
// the same sum type as a struct of optional fields plus a tag.
type Message struct {
	Kind MessageKind `json:"kind"`

	Hello           *Hello           `json:"hello,omitempty"`
	Proxy           *ProxyMsg        `json:"proxy,omitempty"`
	Replicate       *Replicate       `json:"replicate,omitempty"`
	Error           *ErrorMsg        `json:"error,omitempty"`
	CancelRequest   *CancelRequest   `json:"cancel_request,omitempty"`
	CloseConnection *CloseConnection `json:"close_connection,omitempty"`
}

// MessageKind tags the variant carried by a Message.
type MessageKind string

const (
	KindHello           MessageKind = "hello"
	KindProxy           MessageKind = "proxy"
	KindReplicate       MessageKind = "replicate"
	KindError           MessageKind = "error"
	KindCancelRequest   MessageKind = "cancel_request"
	KindCloseConnection MessageKind = "close_connection"
)

// Hello is sent immediately after a peer dials in, associating the new TCP
// connection with the sender's node id so the bus can route future
// envelopes to it without redialing.
type Hello struct {
	NodeID uint64 `json:"node_id"`
	Nonce  string `json:"nonce"`
}

// ProxyMsg carries one write-proxy request or response body, opaque to the
// bus itself — internal/writeproxy defines and interprets its contents.
type ProxyMsg struct {
	DatabaseID dbid.DatabaseID `json:"database_id"`
	Body       []byte          `json:"body"`
}

// Replicate is a best-effort hint that new frames are available for
// database_id, letting a replica shortcut its poll interval. Replication
// correctness never depends on this message arriving — see SPEC_FULL.md's
// Open Question decision: replication stays HTTP pull based, and this
// envelope is purely a latency optimization.
type Replicate struct {
	DatabaseID dbid.DatabaseID `json:"database_id"`
	MaxFrameNo uint64          `json:"max_frame_no"`
}

// ErrorMsg reports that an envelope could not be delivered, e.g. because
// its destination node is unknown to the receiving bus.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CancelRequest asks the node hosting database_id to interrupt the SQL
// currently running on one connection worker, without closing it — the
// cross-node counterpart of a client cancelling its own HTTP request.
type CancelRequest struct {
	DatabaseID dbid.DatabaseID `json:"database_id"`
	ConnID     uint32          `json:"conn_id"`
}

// CloseConnection asks the node hosting database_id to drop one connection
// worker outright, e.g. because the Hrana stream that owned it was closed
// on a different node than the one holding the connection.
type CloseConnection struct {
	DatabaseID dbid.DatabaseID `json:"database_id"`
	ConnID     uint32          `json:"conn_id"`
}

const ErrCodeNotFound = "NOT_FOUND"
