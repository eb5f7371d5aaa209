// Package config defines hranad's top-level, file-loaded configuration:
// this node's identity, its HTTP and node-bus listeners, its peers, and its
// logging settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// HTTPConfig controls the Hrana/replication/status HTTP listener, and the
// addresses other nodes' listeners are reachable at (used by a replica
// allocation to pull frames over HTTP from its primary).
type HTTPConfig struct {
	ListenAddr string            `yaml:"listen_addr"`
	Peers      map[uint64]string `yaml:"peers"`
}

// BusConfig controls the node bus listener and the set of peers this node
// dials to reach other nodes by id.
type BusConfig struct {
	ListenAddr string            `yaml:"listen_addr"`
	Peers      map[uint64]string `yaml:"peers"`
}

// LoggingConfig holds settings for structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// Config is the top-level configuration for hranad.
type Config struct {
	NodeID            uint64        `yaml:"node_id"`
	DataDir           string        `yaml:"data_dir"`
	HTTP              HTTPConfig    `yaml:"http"`
	Bus               BusConfig     `yaml:"bus"`
	IdleStreamTimeout time.Duration `yaml:"idle_stream_timeout"`
	Logging           LoggingConfig `yaml:"logging"`
}

// Load reads and parses a YAML config file at path, then validates it.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = ":8080"
	}
	if c.Bus.ListenAddr == "" {
		c.Bus.ListenAddr = ":7070"
	}
	if c.IdleStreamTimeout <= 0 {
		c.IdleStreamTimeout = 10 * time.Second
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	var errs []error

	if c.NodeID == 0 {
		errs = append(errs, errors.New("node_id must be nonzero"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.HTTP.ListenAddr == "" {
		errs = append(errs, errors.New("http.listen_addr is required"))
	}
	if c.Bus.ListenAddr == "" {
		errs = append(errs, errors.New("bus.listen_addr is required"))
	}
	for peerID, addr := range c.Bus.Peers {
		if addr == "" {
			errs = append(errs, fmt.Errorf("bus.peers[%d] has an empty address", peerID))
		}
	}
	if c.IdleStreamTimeout <= 0 {
		errs = append(errs, errors.New("idle_stream_timeout must be > 0"))
	}

	return errors.Join(errs...)
}
