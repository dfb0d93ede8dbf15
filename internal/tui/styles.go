package tui

import "github.com/charmbracelet/lipgloss"

var (
	// Colors
	colorPurple    = lipgloss.Color("#7D56F4")
	colorGreen     = lipgloss.Color("#04B575")
	colorRed       = lipgloss.Color("#FF4141")
	colorYellow    = lipgloss.Color("#FFC107")
	colorGray      = lipgloss.Color("#626262")
	colorLightGray = lipgloss.Color("#9e9e9e")
	colorWhite     = lipgloss.Color("#FFFFFF")
	colorBlue      = lipgloss.Color("#007BFF")

	styleTitle = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true).
			MarginBottom(1)

	styleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPurple).
			Padding(0, 1)

	styleCursor = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true)

	styleField = lipgloss.NewStyle().
			Foreground(colorWhite).
			Bold(true)

	styleLocal = lipgloss.NewStyle().
			Foreground(colorBlue)

	styleRemote = lipgloss.NewStyle().
			Foreground(colorGreen)

	styleMuted = lipgloss.NewStyle().
			Foreground(colorLightGray)

	styleChoice = lipgloss.NewStyle().
			Foreground(colorGray).
			Padding(0, 1)

	styleChosen = lipgloss.NewStyle().
			Foreground(colorWhite).
			Background(colorPurple).
			Padding(0, 1)

	severityStyles = map[string]lipgloss.Style{
		"low":      lipgloss.NewStyle().Foreground(colorLightGray),
		"medium":   lipgloss.NewStyle().Foreground(colorYellow),
		"high":     lipgloss.NewStyle().Foreground(colorRed),
		"critical": lipgloss.NewStyle().Foreground(colorRed).Bold(true),
	}
)
