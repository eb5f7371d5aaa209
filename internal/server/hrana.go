package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/hranad/internal/dbid"
	"github.com/jfoltran/hranad/internal/hrana"
	"github.com/jfoltran/hranad/internal/host"
)

// hranaRegistries lazily creates and caches one hrana.Registry per
// database, since a Hrana baton is only meaningful scoped to the database
// it was minted for.
type hranaRegistries struct {
	manager     *Manager
	idleTimeout time.Duration
	logger      zerolog.Logger

	mu   sync.Mutex
	byID map[dbid.DatabaseID]*hrana.Registry
}

func newHranaRegistries(manager *Manager, idleTimeout time.Duration, logger zerolog.Logger) *hranaRegistries {
	return &hranaRegistries{
		manager:     manager,
		idleTimeout: idleTimeout,
		logger:      logger,
		byID:        make(map[dbid.DatabaseID]*hrana.Registry),
	}
}

func (h *hranaRegistries) get(ctx context.Context, id dbid.DatabaseID) (*hrana.Registry, error) {
	h.mu.Lock()
	if reg, ok := h.byID[id]; ok {
		h.mu.Unlock()
		return reg, nil
	}
	h.mu.Unlock()

	reg, err := hrana.NewRegistry(h.idleTimeout, h.logger)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if existing, ok := h.byID[id]; ok {
		h.mu.Unlock()
		return existing, nil
	}
	h.byID[id] = reg
	h.mu.Unlock()

	go reg.RunExpire(ctx)
	return reg, nil
}

// connFactory opens a fresh connection against the allocation for id,
// satisfying hrana.ConnFactory.
func (h *hranaRegistries) connFactory(id dbid.DatabaseID) hrana.ConnFactory {
	return func(ctx context.Context) (hrana.ConnHandle, error) {
		a, err := h.manager.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return a.NewConnection(ctx)
	}
}

// pipelineHandler serves POST /v1/pipeline, resolving the per-database
// stream registry from the Host header.
func (h *hranaRegistries) pipelineHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := host.DatabaseIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unknown database", http.StatusBadRequest)
		return
	}
	reg, err := h.get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hrana.NewPipelineHandler(reg, h.connFactory(id), "").ServeHTTP(w, r)
}

// wsHandler serves the Hrana WebSocket endpoint for the Host header's
// database.
func (h *hranaRegistries) wsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := host.DatabaseIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unknown database", http.StatusBadRequest)
		return
	}
	reg, err := h.get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hrana.NewWSHandler(reg, h.connFactory(id), h.logger).ServeHTTP(w, r)
}
