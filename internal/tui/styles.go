package tui

import "github.com/charmbracelet/lipgloss"

const (
	colorSubtle    = lipgloss.Color("240")
	colorHighlight = lipgloss.Color("81")
	colorWarn      = lipgloss.Color("208")
	colorError     = lipgloss.Color("196")
	colorSuccess   = lipgloss.Color("40")
)

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	titleStyle = lipgloss.NewStyle().
			Foreground(colorHighlight).
			Bold(true).
			PaddingBottom(1)

	tabStyle       = lipgloss.NewStyle().Padding(0, 1).Foreground(colorSubtle)
	activeTabStyle = lipgloss.NewStyle().Padding(0, 1).Foreground(colorHighlight).Bold(true).Underline(true)

	helpStyle    = lipgloss.NewStyle().Foreground(colorSubtle)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError)
	warnStyle    = lipgloss.NewStyle().Foreground(colorWarn)
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess)

	cellStyle = lipgloss.NewStyle().PaddingRight(2)
)

// stateStyle colors a backup or node state word
func stateStyle(state string) lipgloss.Style {
	switch state {
	case "completed", "online":
		return successStyle
	case "failed", "offline":
		return errorStyle
	case "stopped", "stale":
		return warnStyle
	default:
		return lipgloss.NewStyle()
	}
}
