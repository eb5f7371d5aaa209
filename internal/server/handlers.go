package server

import (
	"encoding/json"
	"net/http"

	"github.com/jfoltran/hranad/internal/config"
	"github.com/jfoltran/hranad/internal/metrics"
)

type handlers struct {
	collector *metrics.Collector
	cfg       *config.Config
}

func (h *handlers) banner(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("hranad: distributed, multi-tenant SQLite-compatible database server\n"))
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	snap := h.collector.Snapshot()
	writeJSON(w, snap)
}

func (h *handlers) allocations(w http.ResponseWriter, r *http.Request) {
	snap := h.collector.Snapshot()
	writeJSON(w, snap.Allocations)
}

func (h *handlers) configHandler(w http.ResponseWriter, r *http.Request) {
	if h.cfg == nil {
		writeJSON(w, map[string]string{"error": "no config available"})
		return
	}
	writeJSON(w, redactedConfig{
		NodeID:            h.cfg.NodeID,
		DataDir:           h.cfg.DataDir,
		HTTPListenAddr:    h.cfg.HTTP.ListenAddr,
		BusListenAddr:     h.cfg.Bus.ListenAddr,
		PeerCount:         len(h.cfg.Bus.Peers),
		IdleStreamTimeout: h.cfg.IdleStreamTimeout.String(),
		LoggingLevel:      h.cfg.Logging.Level,
	})
}

func (h *handlers) logs(w http.ResponseWriter, r *http.Request) {
	entries := h.collector.Logs()
	writeJSON(w, entries)
}

// redactedConfig is what /v1/config returns: enough for an operator to
// confirm what this node is configured as, without echoing peer addresses
// (which may encode internal network topology) back over the wire.
type redactedConfig struct {
	NodeID            uint64 `json:"node_id"`
	DataDir           string `json:"data_dir"`
	HTTPListenAddr    string `json:"http_listen_addr"`
	BusListenAddr     string `json:"bus_listen_addr"`
	PeerCount         int    `json:"peer_count"`
	IdleStreamTimeout string `json:"idle_stream_timeout"`
	LoggingLevel      string `json:"logging_level"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
