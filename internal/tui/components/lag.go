package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/hranad/internal/metrics"
)

const sparklineChars = "▁▂▃▄▅▆▇█"

// LagHistory keeps a rolling window of lag values for sparkline rendering.
type LagHistory struct {
	values []uint64
	cap    int
}

// NewLagHistory creates a history buffer with the given capacity.
func NewLagHistory(cap int) *LagHistory {
	return &LagHistory{
		values: make([]uint64, 0, cap),
		cap:    cap,
	}
}

// Push adds a new lag value.
func (h *LagHistory) Push(lag uint64) {
	if len(h.values) >= h.cap {
		copy(h.values, h.values[1:])
		h.values = h.values[:len(h.values)-1]
	}
	h.values = append(h.values, lag)
}

// Sparkline returns a sparkline string representation.
func (h *LagHistory) Sparkline(width int) string {
	if len(h.values) == 0 {
		return strings.Repeat("▁", width)
	}

	// Use last `width` values.
	vals := h.values
	if len(vals) > width {
		vals = vals[len(vals)-width:]
	}

	var maxVal uint64
	for _, v := range vals {
		if v > maxVal {
			maxVal = v
		}
	}
	if maxVal == 0 {
		maxVal = 1
	}

	runes := []rune(sparklineChars)
	var b strings.Builder
	for _, v := range vals {
		idx := int(float64(v) / float64(maxVal) * float64(len(runes)-1))
		if idx >= len(runes) {
			idx = len(runes) - 1
		}
		b.WriteRune(runes[idx])
	}

	// Pad if needed.
	for b.Len() < width {
		b.WriteRune(runes[0])
	}

	return b.String()
}

// worstLag returns the allocation with the highest LagFrames, and its
// formatted string, across every replica allocation in the snapshot. A node
// serving only primaries reports a zero lag.
func worstLag(snap metrics.Snapshot) (uint64, string) {
	var worst metrics.AllocationStatus
	for _, a := range snap.Allocations {
		if a.Role != "replica" {
			continue
		}
		if a.LagFrames >= worst.LagFrames {
			worst = a
		}
	}
	if worst.LagFormatted == "" {
		return 0, "0 frames"
	}
	return worst.LagFrames, worst.LagFormatted
}

// RenderLag renders the worst replica lag across this node's allocations,
// with a sparkline of its recent history.
func RenderLag(snap metrics.Snapshot, history *LagHistory, width int) string {
	frames, formatted := worstLag(snap)
	history.Push(frames)

	lagColor := lipgloss.Color("#10B981") // green
	if frames > 1000 {
		lagColor = lipgloss.Color("#EF4444") // red
	} else if frames > 100 {
		lagColor = lipgloss.Color("#F59E0B") // amber
	}

	lagStyle := lipgloss.NewStyle().Foreground(lagColor)

	sparkWidth := width - 30
	if sparkWidth < 10 {
		sparkWidth = 10
	}

	spark := lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")).Render(history.Sparkline(sparkWidth))

	return fmt.Sprintf("  Replica lag: %s  %s",
		lagStyle.Render(formatted),
		spark)
}
