package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/hranad/internal/metrics"
)

var (
	headerLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A78BFA"))
	headerValueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF"))
)

// RenderHeader renders the top status bar: node id, elapsed, bus peers,
// allocation count.
func RenderHeader(snap metrics.Snapshot, width int) string {
	node := headerLabelStyle.Render(fmt.Sprintf("node %d", snap.NodeID))
	elapsed := formatDuration(snap.ElapsedSec)

	left := fmt.Sprintf("  %s    Elapsed: %s", node, headerValueStyle.Render(elapsed))

	peers := headerValueStyle.Render(fmt.Sprintf("%d", snap.BusPeersConnected))
	allocs := headerValueStyle.Render(fmt.Sprintf("%d", snap.AllocationsTotal))

	right := fmt.Sprintf("Bus peers: %s    Allocations: %s  ", peers, allocs)

	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}

	return left + strings.Repeat(" ", gap) + right
}

func formatDuration(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
