// Package lag formats replication lag between a replica's applied frame
// number and its primary's latest frame number for display in the status
// API and TUI.
package lag

import (
	"fmt"
	"time"
)

// Frames calculates how many frames behind current is relative to latest.
func Frames(current, latest uint64) uint64 {
	if latest <= current {
		return 0
	}
	return latest - current
}

// Format returns a human-friendly representation of replication lag.
func Format(frames uint64, latency time.Duration) string {
	var count string
	switch {
	case frames >= 1_000_000:
		count = fmt.Sprintf("%.2fM frames", float64(frames)/1_000_000)
	case frames >= 1_000:
		count = fmt.Sprintf("%.2fK frames", float64(frames)/1_000)
	default:
		count = fmt.Sprintf("%d frames", frames)
	}
	return fmt.Sprintf("%s (latency: %s)", count, latency.Truncate(time.Millisecond))
}
