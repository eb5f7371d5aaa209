package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidate_AllValid(t *testing.T) {
	cfg := Config{
		NodeID:            1,
		DataDir:           "/var/lib/hranad",
		HTTP:              HTTPConfig{ListenAddr: ":8080"},
		Bus:               BusConfig{ListenAddr: ":7070"},
		IdleStreamTimeout: 10 * time.Second,
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_MissingFields(t *testing.T) {
	cfg := Config{}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for empty config")
	}

	errStr := err.Error()
	expected := []string{
		"node_id must be nonzero",
		"data_dir is required",
		"http.listen_addr is required",
		"bus.listen_addr is required",
		"idle_stream_timeout must be > 0",
	}
	for _, e := range expected {
		if !strings.Contains(errStr, e) {
			t.Errorf("Validate() error %q missing expected message: %q", errStr, e)
		}
	}
}

func TestValidate_PeerMissingAddr(t *testing.T) {
	cfg := Config{
		NodeID:            1,
		DataDir:           "/var/lib/hranad",
		HTTP:              HTTPConfig{ListenAddr: ":8080"},
		Bus:               BusConfig{ListenAddr: ":7070", Peers: map[uint64]string{2: ""}},
		IdleStreamTimeout: 10 * time.Second,
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for empty peer address")
	}
	if !strings.Contains(err.Error(), "bus.peers[2] has an empty address") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{NodeID: 1}
	cfg.applyDefaults()
	if cfg.DataDir != "./data" {
		t.Errorf("expected default data_dir, got %q", cfg.DataDir)
	}
	if cfg.HTTP.ListenAddr != ":8080" {
		t.Errorf("expected default http listen_addr, got %q", cfg.HTTP.ListenAddr)
	}
	if cfg.Bus.ListenAddr != ":7070" {
		t.Errorf("expected default bus listen_addr, got %q", cfg.Bus.ListenAddr)
	}
	if cfg.IdleStreamTimeout != 10*time.Second {
		t.Errorf("expected default idle_stream_timeout, got %v", cfg.IdleStreamTimeout)
	}
}
