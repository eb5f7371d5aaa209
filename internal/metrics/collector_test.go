package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCollector_AllocationLifecycle(t *testing.T) {
	c := NewCollector(1, zerolog.Nop())
	defer c.Close()

	c.SetAllocation(AllocationStatus{
		DBName:     "app1",
		DatabaseID: "deadbeef",
		Role:       "primary",
	})

	snap := c.Snapshot()
	if snap.AllocationsTotal != 1 {
		t.Fatalf("AllocationsTotal = %d, want 1", snap.AllocationsTotal)
	}
	if snap.Allocations[0].DBName != "app1" {
		t.Errorf("DBName = %q, want app1", snap.Allocations[0].DBName)
	}

	c.RemoveAllocation("app1")
	snap = c.Snapshot()
	if snap.AllocationsTotal != 0 {
		t.Errorf("AllocationsTotal = %d, want 0 after removal", snap.AllocationsTotal)
	}
}

func TestCollector_AllocationUpdateOrderPreserved(t *testing.T) {
	c := NewCollector(1, zerolog.Nop())
	defer c.Close()

	c.SetAllocation(AllocationStatus{DBName: "a"})
	c.SetAllocation(AllocationStatus{DBName: "b"})
	c.SetAllocation(AllocationStatus{DBName: "a", Connections: 3})

	snap := c.Snapshot()
	if len(snap.Allocations) != 2 {
		t.Fatalf("expected 2 allocations, got %d", len(snap.Allocations))
	}
	if snap.Allocations[0].DBName != "a" || snap.Allocations[0].Connections != 3 {
		t.Errorf("allocation a not updated in place: %+v", snap.Allocations[0])
	}
	if snap.Allocations[1].DBName != "b" {
		t.Errorf("allocation order changed: %+v", snap.Allocations)
	}
}

func TestCollector_ReplicaLagComputed(t *testing.T) {
	c := NewCollector(1, zerolog.Nop())
	defer c.Close()

	c.SetAllocation(AllocationStatus{
		DBName:         "app1",
		Role:           "replica",
		MaxFrameNo:     1000,
		AppliedFrameNo: 900,
	})

	snap := c.Snapshot()
	if snap.Allocations[0].LagFrames != 100 {
		t.Errorf("LagFrames = %d, want 100", snap.Allocations[0].LagFrames)
	}
	if snap.Allocations[0].LagFormatted == "" {
		t.Error("expected non-empty LagFormatted")
	}
}

func TestCollector_BusPeersConnected(t *testing.T) {
	c := NewCollector(1, zerolog.Nop())
	defer c.Close()

	c.SetBusPeersConnected(3)
	snap := c.Snapshot()
	if snap.BusPeersConnected != 3 {
		t.Errorf("BusPeersConnected = %d, want 3", snap.BusPeersConnected)
	}
}

func TestCollector_ErrorTracking(t *testing.T) {
	c := NewCollector(1, zerolog.Nop())
	defer c.Close()

	c.RecordError(nil)
	snap := c.Snapshot()
	if snap.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", snap.ErrorCount)
	}

	c.RecordError(fmt.Errorf("test error"))
	snap = c.Snapshot()
	if snap.ErrorCount != 2 {
		t.Errorf("ErrorCount = %d, want 2", snap.ErrorCount)
	}
	if snap.LastError != "test error" {
		t.Errorf("LastError = %q, want 'test error'", snap.LastError)
	}
}

func TestCollector_LogBuffer(t *testing.T) {
	c := NewCollector(1, zerolog.Nop())
	defer c.Close()

	for i := 0; i < 10; i++ {
		c.AddLog(LogEntry{
			Time:    time.Now(),
			Level:   "info",
			Message: fmt.Sprintf("log %d", i),
		})
	}

	logs := c.Logs()
	if len(logs) != 10 {
		t.Errorf("expected 10 logs, got %d", len(logs))
	}
}

func TestCollector_LogBufferEviction(t *testing.T) {
	c := NewCollector(1, zerolog.Nop())
	defer c.Close()

	for i := 0; i < 600; i++ {
		c.AddLog(LogEntry{
			Time:    time.Now(),
			Level:   "info",
			Message: fmt.Sprintf("log %d", i),
		})
	}

	logs := c.Logs()
	if len(logs) > 500 {
		t.Errorf("log buffer should not exceed capacity, got %d", len(logs))
	}
}

func TestCollector_SubscribeUnsubscribe(t *testing.T) {
	c := NewCollector(1, zerolog.Nop())
	defer c.Close()

	ch := c.Subscribe()
	c.Unsubscribe(ch)

	// Should not panic or deadlock.
	c.SetAllocation(AllocationStatus{DBName: "app1"})
}

func TestCollector_Elapsed(t *testing.T) {
	c := NewCollector(1, zerolog.Nop())
	defer c.Close()

	time.Sleep(50 * time.Millisecond)
	snap := c.Snapshot()
	if snap.ElapsedSec < 0.04 {
		t.Errorf("ElapsedSec = %f, expected > 0.04", snap.ElapsedSec)
	}
}

func TestCollector_NodeIDInSnapshot(t *testing.T) {
	c := NewCollector(42, zerolog.Nop())
	defer c.Close()

	snap := c.Snapshot()
	if snap.NodeID != 42 {
		t.Errorf("NodeID = %d, want 42", snap.NodeID)
	}
}
