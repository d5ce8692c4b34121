package ui

import "github.com/charmbracelet/lipgloss"

// Color palette, a single lime accent.
const (
	ColorLime     = "154"
	ColorLimeDim  = "106"
	ColorGray     = "245"
	ColorDarkGray = "238"
	ColorRed      = "196"
	ColorYellow   = "220"
	ColorCyan     = "44"
)

// Styles holds the styles used by the renderers.
type Styles struct {
	Header     lipgloss.Style
	Success    lipgloss.Style
	Warning    lipgloss.Style
	Error      lipgloss.Style
	Dim        lipgloss.Style
	Label      lipgloss.Style
	Structural lipgloss.Style
	Semantic   lipgloss.Style
	Code       lipgloss.Style
}

// DefaultStyles returns the colored styles.
func DefaultStyles() Styles {
	return Styles{
		Header:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorLime)),
		Success:    lipgloss.NewStyle().Foreground(lipgloss.Color(ColorLime)),
		Warning:    lipgloss.NewStyle().Foreground(lipgloss.Color(ColorYellow)),
		Error:      lipgloss.NewStyle().Foreground(lipgloss.Color(ColorRed)),
		Dim:        lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDarkGray)),
		Label:      lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGray)),
		Structural: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorLime)),
		Semantic:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorCyan)),
		Code: lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderLeft(true).
			BorderForeground(lipgloss.Color(ColorLimeDim)).
			PaddingLeft(1),
	}
}

// NoColorStyles returns unstyled components for plain output.
func NoColorStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{
		Header:     plain,
		Success:    plain,
		Warning:    plain,
		Error:      plain,
		Dim:        plain,
		Label:      plain,
		Structural: plain,
		Semantic:   plain,
		Code:       plain.PaddingLeft(4),
	}
}

// GetStyles returns the appropriate styles based on color preference.
func GetStyles(noColor bool) Styles {
	if noColor {
		return NoColorStyles()
	}
	return DefaultStyles()
}
