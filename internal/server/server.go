package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/jfoltran/hranad/internal/config"
	"github.com/jfoltran/hranad/internal/host"
	"github.com/jfoltran/hranad/internal/metrics"
	"github.com/jfoltran/hranad/internal/replication"
)

// Server is the HTTP server that serves the Hrana pipeline/WebSocket
// endpoints, the replication endpoints, and the node's status API.
type Server struct {
	manager   *Manager
	collector *metrics.Collector
	cfg       *config.Config
	logger    zerolog.Logger
	hub       *Hub
	hrana     *hranaRegistries
	srv       *http.Server
}

// New creates a new Server. manager owns every allocation this node serves.
func New(manager *Manager, collector *metrics.Collector, cfg *config.Config, logger zerolog.Logger) *Server {
	return &Server{
		manager:   manager,
		collector: collector,
		cfg:       cfg,
		logger:    logger.With().Str("component", "http-server").Logger(),
		hub:       newHub(collector, logger),
		hrana:     newHranaRegistries(manager, cfg.IdleStreamTimeout, logger),
	}
}

// Start begins serving on cfg.HTTP.ListenAddr. It blocks until ctx is
// canceled.
func (s *Server) Start(ctx context.Context) error {
	h := &handlers{collector: s.collector, cfg: s.cfg}
	repl := &replication.Server{Resolve: s.manager.ReplicationState}

	r := chi.NewRouter()
	r.Use(host.Middleware)

	r.Get("/", h.banner)
	r.Get("/v1/status", h.status)
	r.Get("/v1/allocations", h.allocations)
	r.Get("/v1/config", h.configHandler)
	r.Get("/v1/logs", h.logs)
	r.Get("/v1/status/ws", s.hub.handleWS)

	r.Post("/v1/pipeline", s.hrana.pipelineHandler)
	r.Get("/v1/ws", s.hrana.wsHandler)

	r.Get("/v1/replication/hello", repl.HandleHello)
	r.Post("/v1/replication/frames", repl.HandleFrames)

	s.srv = &http.Server{
		Addr:    s.cfg.HTTP.ListenAddr,
		Handler: r,
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}

	go s.hub.start(ctx)

	s.logger.Info().Str("addr", s.cfg.HTTP.ListenAddr).Msg("starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.srv.Close()
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

// StartBackground starts the server in a goroutine (non-blocking).
func (s *Server) StartBackground(ctx context.Context) {
	go func() {
		if err := s.Start(ctx); err != nil {
			s.logger.Err(err).Msg("http server error")
		}
	}()
}
