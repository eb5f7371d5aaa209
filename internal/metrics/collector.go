package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/hranad/pkg/lag"
)

// AllocationStatus is a point-in-time view of one database allocation.
type AllocationStatus struct {
	DBName         string `json:"db_name"`
	DatabaseID     string `json:"database_id"`
	Role           string `json:"role"` // "primary" or "replica"
	Connections    int    `json:"connections"`
	MaxFrameNo     uint64 `json:"max_frame_no"`
	AppliedFrameNo uint64 `json:"applied_frame_no,omitempty"`
	LagFrames      uint64 `json:"lag_frames,omitempty"`
	LagFormatted   string `json:"lag_formatted,omitempty"`
}

// Snapshot is the complete metrics state at a point in time.
type Snapshot struct {
	Timestamp  time.Time `json:"timestamp"`
	NodeID     uint64    `json:"node_id"`
	ElapsedSec float64   `json:"elapsed_sec"`

	AllocationsTotal int                `json:"allocations_total"`
	Allocations      []AllocationStatus `json:"allocations"`

	BusPeersConnected int `json:"bus_peers_connected"`

	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
}

// LogEntry represents a log line captured for the status API and TUI.
type LogEntry struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Collector aggregates server-wide metrics and provides snapshots for
// consumption by the status HTTP endpoint and the operator TUI.
type Collector struct {
	logger zerolog.Logger

	nodeID uint64

	mu          sync.RWMutex
	startedAt   time.Time
	allocations map[string]*AllocationStatus // key: db_name
	allocOrder  []string
	busPeersUp  int

	errorCount atomic.Int64
	lastError  atomic.Value // string

	subMu       sync.Mutex
	subscribers map[chan Snapshot]struct{}

	logMu  sync.Mutex
	logs   []LogEntry
	logCap int

	done chan struct{}
}

// NewCollector creates a new Collector for the given node id.
func NewCollector(nodeID uint64, logger zerolog.Logger) *Collector {
	c := &Collector{
		logger:      logger.With().Str("component", "metrics").Logger(),
		nodeID:      nodeID,
		startedAt:   time.Now(),
		allocations: make(map[string]*AllocationStatus),
		subscribers: make(map[chan Snapshot]struct{}),
		logs:        make([]LogEntry, 0, 500),
		logCap:      500,
		done:        make(chan struct{}),
	}
	go c.broadcastLoop()
	return c
}

// SetAllocation upserts the status of one allocation, called whenever the
// server refreshes its view of a database (on open, or periodically from
// its actor).
func (c *Collector) SetAllocation(status AllocationStatus) {
	if status.AppliedFrameNo != 0 {
		status.LagFrames = lag.Frames(status.AppliedFrameNo, status.MaxFrameNo)
		status.LagFormatted = lag.Format(status.LagFrames, 0)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.allocations[status.DBName]; !exists {
		c.allocOrder = append(c.allocOrder, status.DBName)
	}
	cp := status
	c.allocations[status.DBName] = &cp
}

// RemoveAllocation drops an allocation that has been closed.
func (c *Collector) RemoveAllocation(dbName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.allocations[dbName]; !ok {
		return
	}
	delete(c.allocations, dbName)
	for i, name := range c.allocOrder {
		if name == dbName {
			c.allocOrder = append(c.allocOrder[:i], c.allocOrder[i+1:]...)
			break
		}
	}
}

// SetBusPeersConnected records how many configured bus peers currently have
// a live connection.
func (c *Collector) SetBusPeersConnected(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busPeersUp = n
}

// RecordError increments the error count and stores the last error message.
func (c *Collector) RecordError(err error) {
	c.errorCount.Add(1)
	if err != nil {
		c.lastError.Store(err.Error())
	}
}

// AddLog appends a log entry to the ring buffer.
func (c *Collector) AddLog(entry LogEntry) {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if len(c.logs) >= c.logCap {
		n := c.logCap / 4
		copy(c.logs, c.logs[n:])
		c.logs = c.logs[:len(c.logs)-n]
	}
	c.logs = append(c.logs, entry)
}

// Logs returns a copy of recent log entries.
func (c *Collector) Logs() []LogEntry {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	out := make([]LogEntry, len(c.logs))
	copy(out, c.logs)
	return out
}

// Snapshot returns the current metrics state (thread-safe).
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	allocs := make([]AllocationStatus, 0, len(c.allocOrder))
	for _, name := range c.allocOrder {
		allocs = append(allocs, *c.allocations[name])
	}

	var lastErr string
	if v := c.lastError.Load(); v != nil {
		lastErr = v.(string)
	}

	return Snapshot{
		Timestamp:         time.Now(),
		NodeID:            c.nodeID,
		ElapsedSec:        time.Since(c.startedAt).Seconds(),
		AllocationsTotal:  len(allocs),
		Allocations:       allocs,
		BusPeersConnected: c.busPeersUp,
		ErrorCount:        int(c.errorCount.Load()),
		LastError:         lastErr,
	}
}

// Subscribe returns a channel that receives periodic Snapshot updates.
func (c *Collector) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 4)
	c.subMu.Lock()
	c.subscribers[ch] = struct{}{}
	c.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription channel.
func (c *Collector) Unsubscribe(ch chan Snapshot) {
	c.subMu.Lock()
	delete(c.subscribers, ch)
	c.subMu.Unlock()
}

// Close stops the broadcast loop.
func (c *Collector) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Collector) broadcastLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			snap := c.Snapshot()
			c.subMu.Lock()
			for ch := range c.subscribers {
				select {
				case ch <- snap:
				default:
				}
			}
			c.subMu.Unlock()
		}
	}
}
