package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/iammorganparry/clive/apps/maestro/internal/models"
)

// One Dark Pro color palette
var (
	ColorBgHighlight = lipgloss.Color("#2C313C")

	ColorFgPrimary = lipgloss.Color("#ABB2BF")
	ColorFgMuted   = lipgloss.Color("#636B78")

	ColorRed     = lipgloss.Color("#E06C75")
	ColorGreen   = lipgloss.Color("#98C379")
	ColorYellow  = lipgloss.Color("#E5C07B")
	ColorBlue    = lipgloss.Color("#61AFEF")
	ColorMagenta = lipgloss.Color("#C678DD")
	ColorCyan    = lipgloss.Color("#56B6C2")
	ColorOrange  = lipgloss.Color("#D19A66")

	ColorBorder = lipgloss.Color("#3F4451")
)

// Component styles
var (
	HeaderStyle = lipgloss.NewStyle().
			Foreground(ColorRed).
			Bold(true).
			PaddingLeft(1)

	PanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1)

	PanelTitleStyle = lipgloss.NewStyle().
			Foreground(ColorMagenta).
			Bold(true)

	SelectedStyle = lipgloss.NewStyle().
			Background(ColorBgHighlight).
			Foreground(ColorFgPrimary).
			Bold(true)

	MutedStyle = lipgloss.NewStyle().
			Foreground(ColorFgMuted)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorRed)

	StatusBarStyle = lipgloss.NewStyle().
			Foreground(ColorFgMuted).
			PaddingLeft(1)
)

// TaskStatusStyle colors a task status.
func TaskStatusStyle(s models.TaskStatus) lipgloss.Style {
	st := lipgloss.NewStyle()
	switch s {
	case models.TaskStatusInProgress:
		return st.Foreground(ColorBlue)
	case models.TaskStatusReview, models.TaskStatusChangesRequested:
		return st.Foreground(ColorYellow)
	case models.TaskStatusBlocked, models.TaskStatusPaused:
		return st.Foreground(ColorOrange)
	case models.TaskStatusDone:
		return st.Foreground(ColorGreen)
	case models.TaskStatusCancelled, models.TaskStatusWontDo:
		return st.Foreground(ColorFgMuted)
	default:
		return st.Foreground(ColorFgPrimary)
	}
}

// SessionStatusStyle colors a session status.
func SessionStatusStyle(s models.SessionStatus) lipgloss.Style {
	st := lipgloss.NewStyle()
	switch s {
	case models.SessionStatusSpawning:
		return st.Foreground(ColorCyan)
	case models.SessionStatusRunning:
		return st.Foreground(ColorBlue)
	case models.SessionStatusCompleted:
		return st.Foreground(ColorGreen)
	case models.SessionStatusFailed:
		return st.Foreground(ColorRed)
	default:
		return st.Foreground(ColorFgMuted)
	}
}
