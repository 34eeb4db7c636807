package monitor

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor = lipgloss.Color("212")
	errorColor   = lipgloss.Color("196")
	warningColor = lipgloss.Color("214")
	okColor      = lipgloss.Color("78")
	mutedColor   = lipgloss.Color("241")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("252"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	okStyle = lipgloss.NewStyle().
		Foreground(okColor)

	warnStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	errStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	selfStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			MarginTop(1)
)

func statusStyle(s string) lipgloss.Style {
	switch s {
	case "synced":
		return okStyle
	case "syncing":
		return warnStyle
	case "conflict", "error":
		return errStyle
	default:
		return mutedStyle
	}
}
