// Package allocconfig defines the versioned, persisted configuration for a
// single allocation (logical database). Configs are stored as
// <database_id>/allocation.json under the server's data directory and
// reloaded at startup.
package allocconfig

import (
	"encoding/json"
	"fmt"
	"time"
)

// CurrentVersion is the only config_version this build knows how to decode.
const CurrentVersion = 1

// versionPrefix is decoded first, on its own, so that a future config
// version can still be recognized (and rejected cleanly) even if the rest
// of its shape has changed.
type versionPrefix struct {
	ConfigVersion uint32 `json:"config_version"`
}

// Role distinguishes a primary allocation from a replica.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// PrimaryConfig holds primary-only settings.
type PrimaryConfig struct {
	MaxLogSize      int64         `json:"max_log_size"`
	CompactInterval time.Duration `json:"compact_interval,omitempty"`
}

// ReplicaConfig holds replica-only settings.
type ReplicaConfig struct {
	PrimaryNodeID       uint64        `json:"primary_node_id"`
	ProxyRequestTimeout time.Duration `json:"proxy_request_timeout"`
}

// DBConfig is the role-specific half of an AllocationConfig. Exactly one of
// Primary or Replica is set, matching the Role field.
type DBConfig struct {
	Primary *PrimaryConfig `json:"primary,omitempty"`
	Replica *ReplicaConfig `json:"replica,omitempty"`
}

// AllocationConfig is the persisted, versioned configuration for one
// allocation.
type AllocationConfig struct {
	ConfigVersion           uint32   `json:"config_version"`
	MaxConcurrentConnection uint32   `json:"max_concurrent_connection"`
	DBName                  string   `json:"db_name"`
	Role                    Role     `json:"role"`
	DBConfig                DBConfig `json:"db_config"`
}

// Decode parses a persisted allocation config, failing closed on any
// config_version this build doesn't recognize.
func Decode(data []byte) (AllocationConfig, error) {
	var prefix versionPrefix
	if err := json.Unmarshal(data, &prefix); err != nil {
		return AllocationConfig{}, fmt.Errorf("allocation config: read version: %w", err)
	}
	if prefix.ConfigVersion != CurrentVersion {
		return AllocationConfig{}, fmt.Errorf(
			"allocation config: unsupported config_version %d (this build supports %d)",
			prefix.ConfigVersion, CurrentVersion)
	}

	var cfg AllocationConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return AllocationConfig{}, fmt.Errorf("allocation config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Encode serializes cfg, stamping the current config_version.
func Encode(cfg AllocationConfig) ([]byte, error) {
	cfg.ConfigVersion = CurrentVersion
	return json.MarshalIndent(cfg, "", "  ")
}

// Validate checks internal consistency: a primary must carry PrimaryConfig
// and no ReplicaConfig, and vice versa.
func (c AllocationConfig) Validate() error {
	if c.DBName == "" {
		return fmt.Errorf("allocation config: db_name is required")
	}
	if c.MaxConcurrentConnection == 0 {
		return fmt.Errorf("allocation config: max_concurrent_connection must be > 0")
	}
	switch c.Role {
	case RolePrimary:
		if c.DBConfig.Primary == nil || c.DBConfig.Replica != nil {
			return fmt.Errorf("allocation config: role primary requires db_config.primary only")
		}
	case RoleReplica:
		if c.DBConfig.Replica == nil || c.DBConfig.Primary != nil {
			return fmt.Errorf("allocation config: role replica requires db_config.replica only")
		}
		if c.DBConfig.Replica.ProxyRequestTimeout <= 0 {
			return fmt.Errorf("allocation config: replica proxy_request_timeout must be > 0")
		}
	default:
		return fmt.Errorf("allocation config: unknown role %q", c.Role)
	}
	return nil
}
