package review

import "github.com/charmbracelet/lipgloss"

// Catppuccin Mocha.
const (
	colorPink     lipgloss.Color = "#f5c2e7"
	colorRed      lipgloss.Color = "#f38ba8"
	colorYellow   lipgloss.Color = "#f9e2af"
	colorGreen    lipgloss.Color = "#a6e3a1"
	colorTeal     lipgloss.Color = "#94e2d5"
	colorLavender lipgloss.Color = "#b4befe"
	colorText     lipgloss.Color = "#cdd6f4"
	colorSubtext0 lipgloss.Color = "#a6adc8"
	colorOverlay1 lipgloss.Color = "#7f849c"
	colorSurface0 lipgloss.Color = "#313244"
	colorSurface1 lipgloss.Color = "#45475a"
	colorMantle   lipgloss.Color = "#181825"
)

var (
	titleStyle = lipgloss.NewStyle().Foreground(colorPink).Bold(true)

	headerBarStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Background(colorMantle).
			Padding(0, 2)

	listBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorSurface1).
			Padding(0, 1)

	cursorStyle = lipgloss.NewStyle().
			Foreground(colorLavender).
			Background(colorSurface0).
			Bold(true)

	rowStyle   = lipgloss.NewStyle().Foreground(colorText)
	mutedStyle = lipgloss.NewStyle().Foreground(colorOverlay1)

	scoreHighStyle = lipgloss.NewStyle().Foreground(colorGreen)
	scoreMidStyle  = lipgloss.NewStyle().Foreground(colorYellow)
	scoreLowStyle  = lipgloss.NewStyle().Foreground(colorRed)

	statusStyle = lipgloss.NewStyle().Foreground(colorTeal)
	errorStyle  = lipgloss.NewStyle().Foreground(colorRed).Bold(true)

	footerStyle = lipgloss.NewStyle().
			Foreground(colorSubtext0).
			Background(colorMantle).
			Padding(0, 2)
	helpKeyStyle = lipgloss.NewStyle().Foreground(colorPink).Bold(true)
)

func scoreStyle(score float64) lipgloss.Style {
	switch {
	case score >= 0.85:
		return scoreHighStyle
	case score >= 0.6:
		return scoreMidStyle
	}
	return scoreLowStyle
}
