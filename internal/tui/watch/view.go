package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// renderView renders the complete dashboard view
func (m Model) renderView() string {
	if m.Width == 0 || m.Height == 0 {
		return "Loading..."
	}

	header := m.renderHeader()
	queue := m.renderQueuePanel()
	conflicts := m.renderConflictsPanel()
	footer := m.renderFooter()

	return lipgloss.JoinVertical(lipgloss.Left, header, queue, conflicts, footer)
}

func (m Model) renderHeader() string {
	conn := offlineStyle.Render("OFFLINE")
	if m.Online {
		conn = onlineStyle.Render("ONLINE")
	}

	var parts []string
	parts = append(parts, fmt.Sprintf("tenant %s", m.TenantID), conn)
	if m.State != nil {
		parts = append(parts,
			fmt.Sprintf("pending %d", m.State.PendingEventsCount),
			fmt.Sprintf("conflicts %d", m.State.ConflictCount))
		if m.State.LastSyncAt != nil {
			status := "ok"
			if !m.State.LastSyncSuccess {
				status = "with errors"
			}
			parts = append(parts, subtleStyle.Render(
				fmt.Sprintf("last sync %s (%s)", m.State.LastSyncAt.Local().Format("15:04:05"), status)))
		}
	}
	if m.Syncing {
		parts = append(parts, m.Spinner.View()+" syncing")
	}
	line := strings.Join(parts, "  |  ")
	if m.Err != nil {
		line += "\n" + errStyle.Render("error: "+m.Err.Error())
	}
	return line
}

func (m Model) renderQueuePanel() string {
	var b strings.Builder
	if len(m.Events) == 0 {
		b.WriteString(subtleStyle.Render("queue empty"))
	}
	max := len(m.Events)
	if limit := m.Height - 12; limit > 0 && max > limit {
		max = limit
	}
	for i := 0; i < max; i++ {
		ev := m.Events[i]
		style, ok := statusStyles[ev.Status]
		if !ok {
			style = subtleStyle
		}
		line := fmt.Sprintf("%-8s %-12s %-8s %s",
			shortID(ev.ID), style.Render(string(ev.Status)), string(ev.Operation), ev.EntityKey())
		if ev.ErrorMessage != "" {
			line += "  " + subtleStyle.Render(truncate(ev.ErrorMessage, 40))
		}
		b.WriteString(line)
		if i < max-1 {
			b.WriteString("\n")
		}
	}
	panel := panelTitleStyle.Render(" Outbox ") + "\n" + b.String()
	return panelStyle.Width(m.Width - 2).Render(panel)
}

func (m Model) renderConflictsPanel() string {
	var b strings.Builder
	if len(m.Conflicts) == 0 {
		b.WriteString(subtleStyle.Render("no conflicts"))
	}
	for i, c := range m.Conflicts {
		b.WriteString(fmt.Sprintf("%-8s %s  local v%d vs server v%d",
			shortID(c.ID), c.EntityKey(), c.LocalVersion, c.ServerVersion))
		if i < len(m.Conflicts)-1 {
			b.WriteString("\n")
		}
	}
	panel := panelTitleStyle.Render(" Conflicts ") + "\n" + b.String()
	return panelStyle.Width(m.Width - 2).Render(panel)
}

func (m Model) renderFooter() string {
	return helpStyle.Render("s sync now  ·  r refresh  ·  q quit")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
