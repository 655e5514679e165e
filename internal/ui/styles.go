package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	ColorPrimary   = lipgloss.Color("39")  // Cyan
	ColorSecondary = lipgloss.Color("212") // Pink
	ColorSuccess   = lipgloss.Color("82")  // Green
	ColorWarning   = lipgloss.Color("214") // Orange
	ColorError     = lipgloss.Color("196") // Red
	ColorMuted     = lipgloss.Color("245") // Gray
	ColorHighlight = lipgloss.Color("226") // Yellow
)

var (
	Bold      = lipgloss.NewStyle().Bold(true)
	Dim       = lipgloss.NewStyle().Foreground(ColorMuted)
	Highlight = lipgloss.NewStyle().Foreground(ColorHighlight)
	Header    = lipgloss.NewStyle().Foreground(ColorPrimary).Bold(true)

	Success = lipgloss.NewStyle().Foreground(ColorSuccess)
	Warning = lipgloss.NewStyle().Foreground(ColorWarning)
	Error   = lipgloss.NewStyle().Foreground(ColorError)

	Key  = lipgloss.NewStyle().Foreground(ColorPrimary)
	Name = lipgloss.NewStyle().Foreground(ColorSecondary).Bold(true)

	Score = lipgloss.NewStyle().Foreground(ColorSuccess)

	SectionTitle = lipgloss.NewStyle().
			Foreground(ColorSecondary).
			Bold(true).
			MarginTop(1)
	Divider = lipgloss.NewStyle().
		Foreground(ColorMuted)
)

// HorizontalRule returns a styled horizontal divider.
func HorizontalRule(width int) string {
	return Divider.Render(strings.Repeat("─", width))
}

// FormatMatch renders one search hit as "Name  key (87.5% match)".
func FormatMatch(name, key string, score float64) string {
	return Name.Render(name) + "  " + Key.Render(key) + " " + FormatScore(score)
}

// FormatScore formats a similarity score as a percentage.
func FormatScore(score float64) string {
	return Score.Render(fmt.Sprintf("(%.1f%% match)", score*100))
}

// FormatCount renders a labelled count, dimmed when zero.
func FormatCount(label string, n int) string {
	value := fmt.Sprintf("%d", n)
	if n == 0 {
		value = Dim.Render(value)
	} else {
		value = Highlight.Render(value)
	}
	return fmt.Sprintf("  %-10s %s", label+":", value)
}
