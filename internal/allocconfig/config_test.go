package allocconfig

import (
	"strings"
	"testing"
	"time"
)

func primaryConfig() AllocationConfig {
	return AllocationConfig{
		MaxConcurrentConnection: 16,
		DBName:                  "tenant-a",
		Role:                    RolePrimary,
		DBConfig: DBConfig{
			Primary: &PrimaryConfig{MaxLogSize: 64 << 20},
		},
	}
}

func replicaConfig() AllocationConfig {
	return AllocationConfig{
		MaxConcurrentConnection: 16,
		DBName:                  "tenant-b",
		Role:                    RoleReplica,
		DBConfig: DBConfig{
			Replica: &ReplicaConfig{PrimaryNodeID: 1, ProxyRequestTimeout: 5 * time.Second},
		},
	}
}

func TestValidate_ValidPrimary(t *testing.T) {
	if err := primaryConfig().Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_ValidReplica(t *testing.T) {
	if err := replicaConfig().Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_PrimaryWithReplicaConfigRejected(t *testing.T) {
	cfg := primaryConfig()
	cfg.DBConfig.Replica = &ReplicaConfig{PrimaryNodeID: 1, ProxyRequestTimeout: time.Second}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error: primary role with a replica config set")
	}
}

func TestValidate_ReplicaMissingTimeout(t *testing.T) {
	cfg := replicaConfig()
	cfg.DBConfig.Replica.ProxyRequestTimeout = 0
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "proxy_request_timeout") {
		t.Fatalf("Validate() = %v, want error mentioning proxy_request_timeout", err)
	}
}

func TestValidate_UnknownRole(t *testing.T) {
	cfg := primaryConfig()
	cfg.Role = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestValidate_MissingDBName(t *testing.T) {
	cfg := primaryConfig()
	cfg.DBName = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing db_name")
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	cfg := replicaConfig()
	data, err := Encode(cfg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.DBName != cfg.DBName || decoded.Role != cfg.Role {
		t.Fatalf("Decode = %+v, want DBName=%q Role=%q", decoded, cfg.DBName, cfg.Role)
	}
	if decoded.ConfigVersion != CurrentVersion {
		t.Fatalf("decoded ConfigVersion = %d, want %d", decoded.ConfigVersion, CurrentVersion)
	}
}

func TestDecode_RejectsUnknownVersion(t *testing.T) {
	data := []byte(`{"config_version": 999, "db_name": "x"}`)
	if _, err := Decode(data); err == nil {
		t.Fatal("expected error decoding an unrecognized config_version")
	}
}
