package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestStatePersister_WriteAndRead(t *testing.T) {
	c := NewCollector(1, zerolog.Nop())
	defer c.Close()

	c.SetAllocation(AllocationStatus{DBName: "app1", Connections: 5})

	tmpDir := t.TempDir()
	sp := &StatePersister{
		collector: c,
		logger:    zerolog.Nop(),
		path:      filepath.Join(tmpDir, "state.json"),
		done:      make(chan struct{}),
	}

	sp.write()

	data, err := os.ReadFile(sp.path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	if snap.AllocationsTotal != 1 {
		t.Errorf("AllocationsTotal = %d, want 1", snap.AllocationsTotal)
	}
	if snap.Allocations[0].Connections != 5 {
		t.Errorf("Connections = %d, want 5", snap.Allocations[0].Connections)
	}
}

func TestStatePersister_AtomicWrite(t *testing.T) {
	c := NewCollector(1, zerolog.Nop())
	defer c.Close()

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "state.json")
	sp := &StatePersister{
		collector: c,
		logger:    zerolog.Nop(),
		path:      path,
		done:      make(chan struct{}),
	}

	sp.write()

	tmpFile := path + ".tmp"
	if _, err := os.Stat(tmpFile); !os.IsNotExist(err) {
		t.Error("temporary file should not exist after write")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("state file should exist: %v", err)
	}
}

func TestStatePersister_StartStop(t *testing.T) {
	c := NewCollector(1, zerolog.Nop())
	defer c.Close()

	tmpDir := t.TempDir()
	sp := &StatePersister{
		collector: c,
		logger:    zerolog.Nop(),
		path:      filepath.Join(tmpDir, "state.json"),
		done:      make(chan struct{}),
	}

	sp.Start()
	time.Sleep(100 * time.Millisecond)
	sp.Stop()

	// Double stop should not panic.
	sp.Stop()
}

func TestSnapshotJSON(t *testing.T) {
	snap := Snapshot{
		Timestamp: time.Now(),
		NodeID:    7,
		Allocations: []AllocationStatus{
			{DBName: "app1", Role: "primary", Connections: 2},
		},
		AllocationsTotal: 1,
	}

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var decoded Snapshot
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if decoded.NodeID != 7 {
		t.Errorf("NodeID = %d, want 7", decoded.NodeID)
	}
	if len(decoded.Allocations) != 1 {
		t.Fatalf("Allocations count = %d, want 1", len(decoded.Allocations))
	}
	if decoded.Allocations[0].DBName != "app1" {
		t.Errorf("DBName = %q, want app1", decoded.Allocations[0].DBName)
	}
}
