package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/hranad/internal/metrics"
)

var (
	allocHeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3B82F6"))
	allocPrimaryStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	allocReplicaStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#3B82F6"))
)

// RenderAllocations renders the per-database allocation table: db name,
// role, open connections, and replication lag (replicas only).
func RenderAllocations(snap metrics.Snapshot, width, maxRows int) string {
	if len(snap.Allocations) == 0 {
		return "  No allocations open on this node"
	}

	var b strings.Builder

	header := fmt.Sprintf("  %-30s %-10s %-12s %s", "Database", "Role", "Connections", "Lag")
	b.WriteString(allocHeaderStyle.Render(header))
	b.WriteByte('\n')

	shown := len(snap.Allocations)
	if maxRows > 0 && shown > maxRows {
		shown = maxRows
	}

	for i := 0; i < shown; i++ {
		a := snap.Allocations[i]
		name := a.DBName
		if len(name) > 28 {
			name = name[:25] + "..."
		}

		var roleStr string
		switch a.Role {
		case "primary":
			roleStr = allocPrimaryStyle.Render("primary")
		default:
			roleStr = allocReplicaStyle.Render("replica")
		}

		lagStr := "-"
		if a.Role == "replica" {
			lagStr = a.LagFormatted
		}

		line := fmt.Sprintf("  %-30s %-10s %-12d %s", name, roleStr, a.Connections, lagStr)
		b.WriteString(line)
		if i < shown-1 {
			b.WriteByte('\n')
		}
	}

	if len(snap.Allocations) > shown {
		b.WriteByte('\n')
		b.WriteString(fmt.Sprintf("  ... and %d more allocations", len(snap.Allocations)-shown))
	}

	return b.String()
}
