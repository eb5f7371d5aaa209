// Package hrana implements the Hrana wire protocol: the HTTP pipeline and
// WebSocket surface clients use to run SQL against an allocation, plus the
// stream registry and baton scheme that let a session survive across
// requests.
package hrana

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/jfoltran/hranad/internal/sqlengine"
)

// Version is a Hrana protocol version negotiated over the WebSocket
// subprotocol or assumed by the HTTP pipeline endpoint.
type Version int

const (
	Hrana1 Version = iota + 1
	Hrana2
	Hrana3
)

// Value is the wire representation of one SQL value.
type Value struct {
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
}

func valueFromEngine(v sqlengine.Value) Value {
	switch v.Kind {
	case sqlengine.KindInteger:
		return Value{Type: "integer", Value: fmt.Sprintf("%d", v.Integer)}
	case sqlengine.KindFloat:
		return Value{Type: "float", Value: v.Float}
	case sqlengine.KindText:
		return Value{Type: "text", Value: v.Text}
	case sqlengine.KindBlob:
		return Value{Type: "blob", Value: base64.StdEncoding.EncodeToString(v.Blob)}
	default:
		return Value{Type: "null"}
	}
}

func (v Value) toEngine() (sqlengine.Value, error) {
	switch v.Type {
	case "", "null":
		return sqlengine.NullValue(), nil
	case "integer":
		s, ok := v.Value.(string)
		if !ok {
			return sqlengine.Value{}, fmt.Errorf("hrana: integer value must be a string")
		}
		var n int64
		if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
			return sqlengine.Value{}, fmt.Errorf("hrana: invalid integer value %q: %w", s, err)
		}
		return sqlengine.IntegerValue(n), nil
	case "float":
		f, ok := v.Value.(float64)
		if !ok {
			return sqlengine.Value{}, fmt.Errorf("hrana: float value must be a number")
		}
		return sqlengine.FloatValue(f), nil
	case "text":
		s, ok := v.Value.(string)
		if !ok {
			return sqlengine.Value{}, fmt.Errorf("hrana: text value must be a string")
		}
		return sqlengine.TextValue(s), nil
	case "blob":
		s, ok := v.Value.(string)
		if !ok {
			return sqlengine.Value{}, fmt.Errorf("hrana: blob value must be base64 text")
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return sqlengine.Value{}, fmt.Errorf("hrana: invalid base64 blob value: %w", err)
		}
		return sqlengine.BlobValue(b), nil
	default:
		return sqlengine.Value{}, fmt.Errorf("hrana: unknown value type %q", v.Type)
	}
}

// NamedArg binds a Value to a named SQL parameter.
type NamedArg struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Stmt is one statement as sent by a client, referencing its SQL either
// inline or by a previously stored sql_id.
type Stmt struct {
	SQL       *string    `json:"sql,omitempty"`
	SqlID     *int32     `json:"sql_id,omitempty"`
	Args      []Value    `json:"args,omitempty"`
	NamedArgs []NamedArg `json:"named_args,omitempty"`
	WantRows  *bool      `json:"want_rows,omitempty"`
}

// Col describes one result column.
type Col struct {
	Name     *string `json:"name"`
	DeclType *string `json:"decltype,omitempty"`
}

// StmtResult is the outcome of one executed statement.
type StmtResult struct {
	Cols             []Col     `json:"cols"`
	Rows             [][]Value `json:"rows"`
	AffectedRowCount int64     `json:"affected_row_count"`
	LastInsertRowID  *string   `json:"last_insert_rowid,omitempty"`
}

// DescribeParam names one statement parameter, if the engine reports it.
type DescribeParam struct {
	Name *string `json:"name,omitempty"`
}

// DescribeCol names one result column and its declared type.
type DescribeCol struct {
	Name     string  `json:"name"`
	DeclType *string `json:"decltype,omitempty"`
}

// DescribeResult reports static information about a statement.
type DescribeResult struct {
	Params     []DescribeParam `json:"params"`
	Cols       []DescribeCol   `json:"cols"`
	IsExplain  bool            `json:"is_explain"`
	IsReadonly bool            `json:"is_readonly"`
}

// BatchCondKind discriminates a BatchCond's variant.
type BatchCondKind string

const (
	CondOk    BatchCondKind = "ok"
	CondError BatchCondKind = "error"
	CondNot   BatchCondKind = "not"
	CondAnd   BatchCondKind = "and"
	CondOr    BatchCondKind = "or"
)

// BatchCond gates whether a batch step runs, referencing the outcome of
// earlier steps by index.
type BatchCond struct {
	Type  BatchCondKind `json:"type"`
	Step  *int          `json:"step,omitempty"`
	Cond  *BatchCond    `json:"cond,omitempty"`
	Conds []BatchCond   `json:"conds,omitempty"`
}

// Eval reports whether the condition holds, given the per-step success
// flags of a batch that has executed up to the current step.
func (c BatchCond) Eval(stepOK []bool) bool {
	switch c.Type {
	case CondOk:
		return c.Step != nil && *c.Step < len(stepOK) && stepOK[*c.Step]
	case CondError:
		return c.Step != nil && *c.Step < len(stepOK) && !stepOK[*c.Step]
	case CondNot:
		return c.Cond != nil && !c.Cond.Eval(stepOK)
	case CondAnd:
		for _, sub := range c.Conds {
			if !sub.Eval(stepOK) {
				return false
			}
		}
		return true
	case CondOr:
		for _, sub := range c.Conds {
			if sub.Eval(stepOK) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// BatchStep is one statement in a Batch, optionally gated by a condition
// evaluated against the outcomes of prior steps.
type BatchStep struct {
	Stmt      Stmt       `json:"stmt"`
	Condition *BatchCond `json:"condition,omitempty"`
}

// Batch is an ordered sequence of conditionally-executed statements run on
// one connection without releasing it in between.
type Batch struct {
	Steps []BatchStep `json:"steps"`
}

// BatchResult reports the outcome of every step in a Batch: a step that
// was skipped because its condition was unmet has nil entries in both.
type BatchResult struct {
	StepResults []*StmtResult `json:"step_results"`
	StepErrors  []*Error      `json:"step_errors"`
}

// Error is a Hrana protocol-level error, carrying a stable machine-readable
// code alongside a human message.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// requestKind discriminates the members of the Request sum type.
type requestKind string

const (
	reqExecute       requestKind = "execute"
	reqBatch         requestKind = "batch"
	reqSequence      requestKind = "sequence"
	reqDescribe      requestKind = "describe"
	reqStoreSql      requestKind = "store_sql"
	reqCloseSql      requestKind = "close_sql"
	reqGetAutocommit requestKind = "get_autocommit"
	reqClose         requestKind = "close"
)

// Request is one entry in a PipelineRequestBody. Exactly the field matching
// Type is populated; it is unmarshaled manually since Hrana tags requests
// by a "type" string rather than Go's native type system.
type Request struct {
	Type requestKind

	Stmt     *Stmt  // execute
	Batch    *Batch // batch
	SQL      string // sequence, store_sql
	SqlID    int32  // describe (by id, optional), store_sql, close_sql
	HasSqlID bool
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var head struct {
		Type requestKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	r.Type = head.Type

	switch head.Type {
	case reqExecute:
		var body struct {
			Stmt Stmt `json:"stmt"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		r.Stmt = &body.Stmt
	case reqBatch:
		var body struct {
			Batch Batch `json:"batch"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		r.Batch = &body.Batch
	case reqSequence:
		var body struct {
			SQL   *string `json:"sql"`
			SqlID *int32  `json:"sql_id"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		if body.SQL != nil {
			r.SQL = *body.SQL
		}
		if body.SqlID != nil {
			r.SqlID = *body.SqlID
			r.HasSqlID = true
		}
	case reqDescribe:
		var body struct {
			SQL   *string `json:"sql"`
			SqlID *int32  `json:"sql_id"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		if body.SQL != nil {
			r.SQL = *body.SQL
		}
		if body.SqlID != nil {
			r.SqlID = *body.SqlID
			r.HasSqlID = true
		}
	case reqStoreSql:
		var body struct {
			SqlID int32  `json:"sql_id"`
			SQL   string `json:"sql"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		r.SqlID, r.SQL, r.HasSqlID = body.SqlID, body.SQL, true
	case reqCloseSql:
		var body struct {
			SqlID int32 `json:"sql_id"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		r.SqlID, r.HasSqlID = body.SqlID, true
	case reqGetAutocommit, reqClose:
		// no payload
	default:
		return fmt.Errorf("hrana: unknown request type %q", head.Type)
	}
	return nil
}

// Response is one entry in a PipelineResponseBody, mirroring Request's
// shape: the field matching Type is populated.
type Response struct {
	Type requestKind

	StmtResult     *StmtResult
	BatchResult    *BatchResult
	DescribeResult *DescribeResult
	Autocommit     bool
}

func (r Response) MarshalJSON() ([]byte, error) {
	switch r.Type {
	case reqExecute:
		return json.Marshal(struct {
			Type   requestKind `json:"type"`
			Result StmtResult  `json:"result"`
		}{r.Type, *r.StmtResult})
	case reqBatch:
		return json.Marshal(struct {
			Type   requestKind `json:"type"`
			Result BatchResult `json:"result"`
		}{r.Type, *r.BatchResult})
	case reqSequence, reqStoreSql, reqCloseSql, reqClose:
		return json.Marshal(struct {
			Type requestKind `json:"type"`
		}{r.Type})
	case reqDescribe:
		return json.Marshal(struct {
			Type   requestKind    `json:"type"`
			Result DescribeResult `json:"result"`
		}{r.Type, *r.DescribeResult})
	case reqGetAutocommit:
		return json.Marshal(struct {
			Type       requestKind `json:"type"`
			Autocommit bool        `json:"is_autocommit"`
		}{r.Type, r.Autocommit})
	default:
		return nil, fmt.Errorf("hrana: unknown response type %q", r.Type)
	}
}

// RequestResult is one entry in a PipelineResponseBody's results list: an
// "ok" result wrapping a Response, or an "error" result wrapping an Error.
type RequestResult struct {
	Response *Response
	Err      *Error
}

func (r RequestResult) MarshalJSON() ([]byte, error) {
	if r.Err != nil {
		return json.Marshal(struct {
			Type  string `json:"type"`
			Error Error  `json:"error"`
		}{"error", *r.Err})
	}
	return json.Marshal(struct {
		Type     string   `json:"type"`
		Response Response `json:"response"`
	}{"ok", *r.Response})
}

// PipelineRequestBody is the body of POST /v1/pipeline.
type PipelineRequestBody struct {
	Baton    *string   `json:"baton,omitempty"`
	Requests []Request `json:"requests"`
}

// PipelineResponseBody is the response to POST /v1/pipeline.
type PipelineResponseBody struct {
	Baton   *string         `json:"baton,omitempty"`
	BaseURL *string         `json:"base_url,omitempty"`
	Results []RequestResult `json:"results"`
}
