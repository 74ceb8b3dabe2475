// Package output provides styled terminal output helpers (success, error,
// warning, event and conflict formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/scolaris/scolaris/internal/models"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dirtyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusStyles = map[models.EventStatus]lipgloss.Style{
		models.StatusPending:      lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.StatusSent:         lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		models.StatusAcknowledged: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.StatusFailed:       lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// Title prints a bold section heading
func Title(s string) {
	fmt.Println(titleStyle.Render(s))
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Event prints one outbox event line
func Event(ev *models.OutboxEvent) {
	style, ok := statusStyles[ev.Status]
	if !ok {
		style = subtleStyle
	}
	line := fmt.Sprintf("%s  %-12s %-10s %s", shortID(ev.ID), style.Render(string(ev.Status)),
		string(ev.Operation), ev.EntityKey())
	if ev.ErrorMessage != "" {
		line += "  " + errorStyle.Render(ev.ErrorMessage)
	}
	if ev.Terminal {
		line += "  " + warningStyle.Render("(needs attention)")
	}
	fmt.Println(line)
}

// Record prints one mirror record line
func Record(rec *models.MirrorRecord) {
	marker := successStyle.Render("synced")
	if rec.IsDirty {
		marker = dirtyStyle.Render("dirty ")
	}
	fmt.Printf("%s  %-10s %s\n", marker, rec.EntityID, subtleStyle.Render(compactJSON(rec.Payload)))
}

// Conflict prints one conflict summary
func Conflict(c *models.Conflict) {
	fmt.Printf("%s  %s  local v%d vs server v%d  %s\n",
		shortID(c.ID), c.EntityKey(), c.LocalVersion, c.ServerVersion,
		subtleStyle.Render(RelativeTime(c.DetectedAt)))
}

// RelativeTime formats a timestamp as a human-friendly age
func RelativeTime(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func compactJSON(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	s := string(raw)
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}
