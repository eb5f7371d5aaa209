package hrana

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/jfoltran/hranad/internal/sqlengine"
)

// collectingBuilder accumulates one statement's result into the wire
// StmtResult shape, translating sqlengine.Value as it streams in.
type collectingBuilder struct {
	cols     []Col
	rows     [][]Value
	rowCount int64
	lastID   int64
}

func (b *collectingBuilder) Cols(names, declTypes []string) {
	b.cols = make([]Col, len(names))
	for i, n := range names {
		name := n
		b.cols[i] = Col{Name: &name}
		if declTypes[i] != "" {
			dt := declTypes[i]
			b.cols[i].DeclType = &dt
		}
	}
}

func (b *collectingBuilder) Row(values []sqlengine.Value) {
	wire := make([]Value, len(values))
	for i, v := range values {
		wire[i] = valueFromEngine(v)
	}
	b.rows = append(b.rows, wire)
}

func (b *collectingBuilder) Done(rowsAffected, lastInsertRowID int64) {
	b.rowCount = rowsAffected
	b.lastID = lastInsertRowID
}

func (b *collectingBuilder) result() *StmtResult {
	res := &StmtResult{Cols: b.cols, Rows: b.rows, AffectedRowCount: b.rowCount}
	if b.lastID != 0 {
		s := strconv.FormatInt(b.lastID, 10)
		res.LastInsertRowID = &s
	}
	if res.Cols == nil {
		res.Cols = []Col{}
	}
	if res.Rows == nil {
		res.Rows = [][]Value{}
	}
	return res
}

// PipelineHandler serves POST /v1/pipeline for one database allocation: it
// acquires a stream (creating or resuming it from a baton), runs every
// request in the body against it in order, and releases it with a fresh
// baton before replying.
type PipelineHandler struct {
	registry    *Registry
	connFactory ConnFactory
	baseURL     string
}

// NewPipelineHandler creates a handler bound to one allocation's stream
// registry and connection factory.
func NewPipelineHandler(registry *Registry, connFactory ConnFactory, baseURL string) *PipelineHandler {
	return &PipelineHandler{registry: registry, connFactory: connFactory, baseURL: baseURL}
}

func (h *PipelineHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body PipelineRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeProtoError(w, http.StatusBadRequest, &Error{Code: "PROTO_ERROR", Message: "invalid pipeline request body"})
		return
	}

	guard, err := h.registry.Acquire(r.Context(), body.Baton, h.connFactory)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, sqlengine.ErrConnLimit) {
			status = http.StatusServiceUnavailable
		}
		writeProtoError(w, status, errorFromAcquire(err))
		return
	}

	results := make([]RequestResult, 0, len(body.Requests))
	closeStream := false
	for _, req := range body.Requests {
		resp, reqErr := processRequest(r.Context(), guard, req)
		if reqErr != nil {
			results = append(results, RequestResult{Err: reqErr})
		} else {
			results = append(results, RequestResult{Response: resp})
		}
		if req.Type == reqClose {
			closeStream = true
			break
		}
	}

	baton, err := h.registry.Release(guard, closeStream)
	if err != nil {
		writeProtoError(w, http.StatusInternalServerError, &Error{Code: "INTERNAL_ERROR", Message: err.Error()})
		return
	}

	respBody := PipelineResponseBody{Results: results}
	if !closeStream {
		respBody.Baton = &baton
	}
	if h.baseURL != "" {
		respBody.BaseURL = &h.baseURL
	}
	writeJSONBody(w, http.StatusOK, respBody)
}

// processRequest runs one pipeline request against the acquired stream,
// returning either a populated Response or an Error — never both.
func processRequest(ctx context.Context, guard *StreamGuard, req Request) (*Response, *Error) {
	switch req.Type {
	case reqExecute:
		return executeStmt(ctx, guard, *req.Stmt)
	case reqBatch:
		return executeBatch(ctx, guard, *req.Batch)
	case reqSequence:
		return executeSequence(ctx, guard, req)
	case reqDescribe:
		return describeStmt(ctx, guard, req)
	case reqStoreSql:
		guard.StoreSQL(req.SqlID, req.SQL)
		return &Response{Type: reqStoreSql}, nil
	case reqCloseSql:
		guard.CloseSQL(req.SqlID)
		return &Response{Type: reqCloseSql}, nil
	case reqGetAutocommit:
		return &Response{Type: reqGetAutocommit, Autocommit: !guard.InTxn()}, nil
	case reqClose:
		return &Response{Type: reqClose}, nil
	default:
		return nil, (&ProtocolError{Code: "NOT_SUPPORTED", Message: "unknown request type"}).toProto()
	}
}

// resolveSQL returns the SQL text for a request carrying either an inline
// sql string or a sql_id reference, enforcing exactly one is given.
func resolveSQL(guard *StreamGuard, sql *string, sqlID *int32) (string, *Error) {
	switch {
	case sql != nil && sqlID != nil:
		return "", errSqlIDAndSQLGiven().toProto()
	case sql != nil:
		return *sql, nil
	case sqlID != nil:
		text, ok := guard.LookupSQL(*sqlID)
		if !ok {
			return "", errSqlNotFound(*sqlID).toProto()
		}
		return text, nil
	default:
		return "", errSqlIDOrSQLNotGiven().toProto()
	}
}

func buildParams(stmt Stmt) (sqlengine.Params, *Error) {
	if len(stmt.Args) > 0 && len(stmt.NamedArgs) > 0 {
		return sqlengine.Params{}, errArgsBothKinds.toProto()
	}
	if len(stmt.NamedArgs) > 0 {
		named := make(map[string]sqlengine.Value, len(stmt.NamedArgs))
		for _, a := range stmt.NamedArgs {
			v, err := a.Value.toEngine()
			if err != nil {
				return sqlengine.Params{}, errArgsInvalid(err).toProto()
			}
			named[a.Name] = v
		}
		return sqlengine.Params{Named: named}, nil
	}
	positional := make([]sqlengine.Value, len(stmt.Args))
	for i, a := range stmt.Args {
		v, err := a.toEngine()
		if err != nil {
			return sqlengine.Params{}, errArgsInvalid(err).toProto()
		}
		positional[i] = v
	}
	return sqlengine.Params{Positional: positional}, nil
}

func executeStmt(ctx context.Context, guard *StreamGuard, stmt Stmt) (*Response, *Error) {
	res, protoErr := runStmt(ctx, guard, stmt)
	if protoErr != nil {
		return nil, protoErr
	}
	return &Response{Type: reqExecute, StmtResult: res}, nil
}

// runStmt executes one statement against the stream's connection,
// tracking the stream's inTxn bookkeeping from a BEGIN/COMMIT/ROLLBACK
// prefix the same way the write-proxy connection does on the replica side.
func runStmt(ctx context.Context, guard *StreamGuard, stmt Stmt) (*StmtResult, *Error) {
	sqlText, protoErr := resolveSQL(guard, stmt.SQL, stmt.SqlID)
	if protoErr != nil {
		return nil, protoErr
	}
	params, protoErr := buildParams(stmt)
	if protoErr != nil {
		return nil, protoErr
	}
	wantRows := true
	if stmt.WantRows != nil {
		wantRows = *stmt.WantRows
	}

	builder := &collectingBuilder{}
	var execErr error
	handleErr := guard.Conn().Exec(ctx, func(ctx context.Context, e sqlengine.Engine) {
		execErr = e.Execute(ctx, sqlengine.Query{SQL: sqlText, Params: params, WantRows: wantRows}, builder)
	})
	if handleErr != nil {
		return nil, (&StmtError{Code: "INTERNAL_ERROR", Message: handleErr.Error()}).toProto()
	}
	if execErr != nil {
		return nil, stmtErrorFromEngine(execErr).toProto()
	}

	if isBeginSQL(sqlText) {
		guard.SetInTxn(true)
	} else if isCommitOrRollbackSQL(sqlText) {
		guard.SetInTxn(false)
	}

	return builder.result(), nil
}

func executeBatch(ctx context.Context, guard *StreamGuard, batch Batch) (*Response, *Error) {
	stepOK := make([]bool, len(batch.Steps))
	result := &BatchResult{
		StepResults: make([]*StmtResult, len(batch.Steps)),
		StepErrors:  make([]*Error, len(batch.Steps)),
	}

	for i, step := range batch.Steps {
		if step.Condition != nil && !step.Condition.Eval(stepOK) {
			continue
		}
		res, protoErr := runStmt(ctx, guard, step.Stmt)
		if protoErr != nil {
			result.StepErrors[i] = protoErr
			stepOK[i] = false
			continue
		}
		result.StepResults[i] = res
		stepOK[i] = true
	}

	return &Response{Type: reqBatch, BatchResult: result}, nil
}

func executeSequence(ctx context.Context, guard *StreamGuard, req Request) (*Response, *Error) {
	sqlText, protoErr := resolveSQL(guard, optionalString(req.SQL), optionalSqlID(req))
	if protoErr != nil {
		return nil, protoErr
	}
	if strings.TrimSpace(sqlText) == "" {
		return nil, errSqlNoStmt.toProto()
	}

	_, protoErr = runStmt(ctx, guard, Stmt{SQL: &sqlText, WantRows: boolPtr(false)})
	if protoErr != nil {
		return nil, protoErr
	}
	return &Response{Type: reqSequence}, nil
}

func describeStmt(ctx context.Context, guard *StreamGuard, req Request) (*Response, *Error) {
	sqlText, protoErr := resolveSQL(guard, optionalString(req.SQL), optionalSqlID(req))
	if protoErr != nil {
		return nil, protoErr
	}

	var desc sqlengine.DescribeResult
	var descErr error
	handleErr := guard.Conn().Exec(ctx, func(ctx context.Context, e sqlengine.Engine) {
		desc, descErr = e.Describe(ctx, sqlText)
	})
	if handleErr != nil {
		return nil, (&StmtError{Code: "INTERNAL_ERROR", Message: handleErr.Error()}).toProto()
	}
	if descErr != nil {
		return nil, stmtErrorFromEngine(descErr).toProto()
	}

	params := make([]DescribeParam, len(desc.ParamNames))
	for i, n := range desc.ParamNames {
		if n == "" {
			continue
		}
		name := n
		params[i] = DescribeParam{Name: &name}
	}
	cols := make([]DescribeCol, len(desc.Cols))
	for i, c := range desc.Cols {
		col := DescribeCol{Name: c.Name}
		if c.DeclType != "" {
			dt := c.DeclType
			col.DeclType = &dt
		}
		cols[i] = col
	}

	return &Response{Type: reqDescribe, DescribeResult: &DescribeResult{
		Params:     params,
		Cols:       cols,
		IsExplain:  desc.IsExplain,
		IsReadonly: desc.IsReadOnly,
	}}, nil
}

func isBeginSQL(sqlText string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(sqlText)), "BEGIN")
}

func isCommitOrRollbackSQL(sqlText string) bool {
	kw := strings.ToUpper(strings.TrimSpace(sqlText))
	return strings.HasPrefix(kw, "COMMIT") || strings.HasPrefix(kw, "ROLLBACK") || strings.HasPrefix(kw, "END")
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optionalSqlID(req Request) *int32 {
	if !req.HasSqlID {
		return nil
	}
	id := req.SqlID
	return &id
}

func boolPtr(b bool) *bool { return &b }

func errorFromAcquire(err error) *Error {
	switch e := err.(type) {
	case *StreamError:
		return e.toProto()
	default:
		if errors.Is(err, sqlengine.ErrConnLimit) {
			return errServerBusy.toProto()
		}
		return &Error{Code: "PROTO_ERROR", Message: err.Error()}
	}
}

func writeProtoError(w http.ResponseWriter, status int, e *Error) {
	writeJSONBody(w, status, e)
}

func writeJSONBody(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
