package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jfoltran/hranad/internal/allocation"
	"github.com/jfoltran/hranad/internal/allocconfig"
	"github.com/jfoltran/hranad/internal/bus"
	"github.com/jfoltran/hranad/internal/dbid"
	"github.com/jfoltran/hranad/internal/frame"
	"github.com/jfoltran/hranad/internal/host"
	"github.com/jfoltran/hranad/internal/metrics"
	"github.com/jfoltran/hranad/internal/replication"
	"github.com/jfoltran/hranad/internal/writeproxy"
)

const allocationConfigFile = "allocation.json"

// ErrNotFound is returned by Manager.Get when no allocation has ever been
// created for a database name.
var ErrNotFound = fmt.Errorf("server: allocation not found")

// openAlloc bundles a running Allocation with the goroutine driving it.
type openAlloc struct {
	alloc *allocation.Allocation
	done  <-chan struct{}
}

// Manager owns every allocation this node currently has open, lazily
// loading persisted configs from <data_dir>/<database_id>/allocation.json
// and keeping exactly one *allocation.Allocation alive per database.
type Manager struct {
	dataDir   string
	bus       *bus.Bus
	collector *metrics.Collector
	logger    zerolog.Logger

	// httpPeers maps a node id to the base URL its HTTP listener is
	// reachable at, letting a replica allocation find its primary's
	// replication endpoints.
	httpPeers map[uint64]string
	compactor *frame.Scheduler

	mu       sync.Mutex
	open     map[dbid.DatabaseID]*openAlloc
	names    map[dbid.DatabaseID]string
	handlers map[dbid.DatabaseID]*writeproxy.PrimaryHandler
}

// NewManager creates a Manager rooted at dataDir. Its compaction sweep
// runs only once RunCompactor is called with a cron expression.
func NewManager(dataDir string, b *bus.Bus, collector *metrics.Collector, httpPeers map[uint64]string, logger zerolog.Logger) *Manager {
	return &Manager{
		dataDir:   dataDir,
		bus:       b,
		collector: collector,
		httpPeers: httpPeers,
		logger:    logger.With().Str("component", "allocation-manager").Logger(),
		compactor: frame.NewScheduler(logger),
		open:      make(map[dbid.DatabaseID]*openAlloc),
		names:     make(map[dbid.DatabaseID]string),
		handlers:  make(map[dbid.DatabaseID]*writeproxy.PrimaryHandler),
	}
}

// HandleEnvelope is the bus.Handler this node registers with its Bus: it
// answers proxied writes addressed to a primary allocation this node hosts,
// and otherwise leaves inbound routing to the allocation the envelope names
// (a reply to a request a replica's write-proxy connection is waiting on).
// Replicate hints are logged and dropped — replication stays HTTP pull
// based, so a missed hint only costs poll latency, never correctness.
func (m *Manager) HandleEnvelope(ctx context.Context, env bus.Envelope) {
	switch env.Message.Kind {
	case bus.KindProxy:
		m.handleProxyEnvelope(ctx, env)
	case bus.KindReplicate:
		m.logger.Debug().Str("db_name", env.DBName).Msg("received replicate hint")
	case bus.KindError:
		if env.Message.Error != nil {
			m.logger.Warn().Str("code", env.Message.Error.Code).Str("reason", env.Message.Error.Message).Msg("peer reported bus error")
		}
	case bus.KindCancelRequest:
		m.handleCancelRequest(ctx, env)
	case bus.KindCloseConnection:
		m.handleCloseConnection(ctx, env)
	}
}

func (m *Manager) handleCancelRequest(ctx context.Context, env bus.Envelope) {
	req := env.Message.CancelRequest
	if req == nil {
		return
	}
	a, err := m.GetByID(ctx, req.DatabaseID)
	if err != nil {
		m.logger.Warn().Err(err).Str("database_id", req.DatabaseID.String()).Msg("cancel request for unknown allocation")
		return
	}
	if err := a.CancelConnection(ctx, req.ConnID); err != nil {
		m.logger.Err(err).Uint32("conn_id", req.ConnID).Msg("deliver cancel request")
	}
}

func (m *Manager) handleCloseConnection(ctx context.Context, env bus.Envelope) {
	req := env.Message.CloseConnection
	if req == nil {
		return
	}
	a, err := m.GetByID(ctx, req.DatabaseID)
	if err != nil {
		m.logger.Warn().Err(err).Str("database_id", req.DatabaseID.String()).Msg("close connection request for unknown allocation")
		return
	}
	if err := a.CloseConnection(ctx, req.ConnID); err != nil {
		m.logger.Err(err).Uint32("conn_id", req.ConnID).Msg("deliver close connection request")
	}
}

func (m *Manager) handleProxyEnvelope(ctx context.Context, env bus.Envelope) {
	if env.Message.Proxy == nil {
		return
	}
	id := env.Message.Proxy.DatabaseID

	m.mu.Lock()
	oa, open := m.open[id]
	m.mu.Unlock()

	// A reply to a request this node's own replica connection sent: deliver
	// it to the waiting Connection via the allocation's router.
	if open && env.ReplyTo != "" {
		if router := oa.alloc.ProxyRouter(); router != nil && router.Deliver(env.ReplyTo, env.Message.Proxy.Body) {
			return
		}
	}

	// Otherwise this is a fresh ProxyRequest this node's primary allocation
	// must answer.
	a, err := m.GetByID(ctx, id)
	if err != nil {
		m.logger.Warn().Err(err).Str("database_id", id.String()).Msg("proxy request for unknown allocation")
		if replyErr := m.bus.Reply(ctx, env.From, env.DBName, env.ID, bus.Message{
			Kind:  bus.KindError,
			Error: &bus.ErrorMsg{Code: bus.ErrCodeNotFound, Message: fmt.Sprintf("no allocation for database_id %s on this node", id)},
		}); replyErr != nil {
			m.logger.Err(replyErr).Uint64("to", env.From).Msg("reply NotFound to proxy request")
		}
		return
	}
	handler := m.primaryHandler(id, a)
	resp := handler.Handle(ctx, env.Message.Proxy.Body)
	body, err := json.Marshal(resp)
	if err != nil {
		m.logger.Err(err).Msg("marshal proxy response")
		return
	}
	if err := m.bus.Reply(ctx, env.From, a.DBName, env.ID, bus.Message{
		Kind:  bus.KindProxy,
		Proxy: &bus.ProxyMsg{DatabaseID: id, Body: body},
	}); err != nil {
		m.logger.Err(err).Uint64("to", env.From).Msg("reply to proxy request")
	}
}

func (m *Manager) primaryHandler(id dbid.DatabaseID, a *allocation.Allocation) *writeproxy.PrimaryHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handlers[id]; ok {
		return h
	}
	h := writeproxy.NewPrimaryHandler(allocationOpener{a})
	m.handlers[id] = h
	return h
}

// allocationOpener adapts *allocation.Allocation to writeproxy.ConnectionOpener:
// the two packages don't import each other, so NewConnection's concrete
// *allocation.ConnectionHandle return needs converting to the interface
// writeproxy expects.
type allocationOpener struct{ a *allocation.Allocation }

func (o allocationOpener) NewConnection(ctx context.Context) (writeproxy.ConnectionHandle, error) {
	return o.a.NewConnection(ctx)
}

// RunCompactor starts the background compaction sweep until ctx is
// canceled. spec is a standard 5-field cron expression.
func (m *Manager) RunCompactor(ctx context.Context, spec string) error {
	return m.compactor.Start(ctx, spec)
}

// Create persists a new allocation config and opens it immediately.
func (m *Manager) Create(ctx context.Context, cfg allocconfig.AllocationConfig) (*allocation.Allocation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server: invalid allocation config: %w", err)
	}
	id := dbid.FromName(cfg.DBName)
	dir := filepath.Join(m.dataDir, id.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("server: mkdir %s: %w", dir, err)
	}

	data, err := allocconfig.Encode(cfg)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, allocationConfigFile)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("server: allocation %q already exists", cfg.DBName)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("server: write allocation config: %w", err)
	}

	return m.open_(ctx, id, dir, cfg)
}

// Get returns the running allocation for dbName, opening it from its
// persisted config on first use.
func (m *Manager) Get(ctx context.Context, dbName string) (*allocation.Allocation, error) {
	id := dbid.FromName(dbName)
	return m.GetByID(ctx, id)
}

// GetByID returns the running allocation for a database id.
func (m *Manager) GetByID(ctx context.Context, id dbid.DatabaseID) (*allocation.Allocation, error) {
	m.mu.Lock()
	if oa, ok := m.open[id]; ok {
		m.mu.Unlock()
		return oa.alloc, nil
	}
	m.mu.Unlock()

	dir := filepath.Join(m.dataDir, id.String())
	path := filepath.Join(dir, allocationConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("server: read allocation config: %w", err)
	}
	cfg, err := allocconfig.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("server: decode allocation config: %w", err)
	}

	return m.open_(ctx, id, dir, cfg)
}

func (m *Manager) open_(ctx context.Context, id dbid.DatabaseID, dir string, cfg allocconfig.AllocationConfig) (*allocation.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if oa, ok := m.open[id]; ok {
		return oa.alloc, nil
	}

	a, err := allocation.Open(dir, cfg, m.logger, m.bus)
	if err != nil {
		return nil, fmt.Errorf("server: open allocation %q: %w", cfg.DBName, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		if err := a.Run(runCtx); err != nil {
			m.logger.Err(err).Str("db_name", cfg.DBName).Msg("allocation stopped")
			if m.collector != nil {
				m.collector.RecordError(err)
			}
		}
	}()
	go func() {
		<-a.Done()
		cancel()
		m.compactor.Unregister(cfg.DBName)
		m.mu.Lock()
		delete(m.open, id)
		delete(m.names, id)
		delete(m.handlers, id)
		m.mu.Unlock()
		if m.collector != nil {
			m.collector.RemoveAllocation(cfg.DBName)
		}
	}()

	m.open[id] = &openAlloc{alloc: a, done: a.Done()}
	m.names[id] = cfg.DBName

	if m.collector != nil {
		m.collector.SetAllocation(metrics.AllocationStatus{
			DBName:     cfg.DBName,
			DatabaseID: id.String(),
			Role:       string(cfg.Role),
		})
	}

	switch cfg.Role {
	case allocconfig.RolePrimary:
		m.compactor.Register(cfg.DBName, func() frame.Target {
			return a.CompactTarget(nil)
		})
	case allocconfig.RoleReplica:
		m.startReplicaPull(runCtx, a, cfg)
	}

	return a, nil
}

// startReplicaPull launches the background frame-pull loop for a replica
// allocation against its configured primary, best-effort: a misconfigured
// or unreachable peer just logs and keeps retrying, since the write-proxy
// path still works for reads that don't need replication to have caught up.
func (m *Manager) startReplicaPull(ctx context.Context, a *allocation.Allocation, cfg allocconfig.AllocationConfig) {
	replica := cfg.DBConfig.Replica
	if replica == nil {
		return
	}
	baseURL, ok := m.httpPeers[replica.PrimaryNodeID]
	if !ok {
		m.logger.Warn().Str("db_name", cfg.DBName).Uint64("primary_node_id", replica.PrimaryNodeID).
			Msg("no http peer address configured for primary; replication pull disabled")
		return
	}

	client := replication.NewClient(baseURL, m.logger)
	sink := replication.NewLogSink(a.Log, m.logger)
	go func() {
		if err := client.Run(ctx, sink); err != nil && ctx.Err() == nil {
			m.logger.Err(err).Str("db_name", cfg.DBName).Msg("replication pull stopped")
		}
	}()
}

// List enumerates every allocation with a persisted config under dataDir,
// whether or not it is currently open.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(m.dataDir, e.Name(), allocationConfigFile)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var cfg allocconfig.AllocationConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			continue
		}
		names = append(names, cfg.DBName)
	}
	return names, nil
}

// ReplicationState resolves the replication.PrimaryState for the database
// the request's Host header names, for use as a replication.Server.Resolve
// callback. It opens the allocation on demand like Get does.
func (m *Manager) ReplicationState(r *http.Request) (replication.PrimaryState, bool) {
	id, ok := host.DatabaseIDFromContext(r.Context())
	if !ok {
		return replication.PrimaryState{}, false
	}
	a, err := m.GetByID(r.Context(), id)
	if err != nil {
		return replication.PrimaryState{}, false
	}
	return replication.PrimaryState{
		GenerationID:         a.GenerationID,
		GenerationStartIndex: a.GenerationStartIndex,
		DatabaseID:           a.DatabaseID,
		Log:                  a.Log,
		SnapshotDir:          a.SnapshotDir(),
	}, true
}

// Remove deletes a persisted allocation's config and forgets the allocation
// if it is open; an open allocation's actor is not stopped and keeps
// running until Done fires. The underlying data directory (including data.sqlite and the frame log)
// is left in place; callers that want a full wipe remove it separately.
func (m *Manager) Remove(dbName string) error {
	id := dbid.FromName(dbName)

	m.mu.Lock()
	_, ok := m.open[id]
	delete(m.open, id)
	delete(m.names, id)
	delete(m.handlers, id)
	m.mu.Unlock()
	if ok {
		m.logger.Warn().Str("db_name", dbName).Msg("removing allocation config while still open; its actor keeps running until Done fires")
	}

	path := filepath.Join(m.dataDir, id.String(), allocationConfigFile)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if m.collector != nil {
		m.collector.RemoveAllocation(dbName)
	}
	return nil
}
