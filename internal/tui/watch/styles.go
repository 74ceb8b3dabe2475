package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/scolaris/scolaris/internal/models"
)

var (
	// Base colors
	mutedColor   = lipgloss.Color("241")
	successColor = lipgloss.Color("42")
	warningColor = lipgloss.Color("214")
	errorColor   = lipgloss.Color("196")

	// Panel styles
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	// Text styles
	subtleStyle = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	errStyle    = lipgloss.NewStyle().Foreground(errorColor)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor).Bold(true)

	// Status styles
	statusStyles = map[models.EventStatus]lipgloss.Style{
		models.StatusPending:      lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.StatusSent:         lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		models.StatusAcknowledged: lipgloss.NewStyle().Foreground(successColor),
		models.StatusFailed:       lipgloss.NewStyle().Foreground(errorColor),
	}
)
