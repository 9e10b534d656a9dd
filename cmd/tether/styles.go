package main

import "github.com/charmbracelet/lipgloss"

// theme holds the styles the chat view, permission prompt, and status bar
// render with. Palettes are selected by the config theme name.
type theme struct {
	user       lipgloss.Style
	assistant  lipgloss.Style
	toolUse    lipgloss.Style
	toolResult lipgloss.Style
	toolError  lipgloss.Style
	permission lipgloss.Style
	permKeys   lipgloss.Style
	status     lipgloss.Style
	statusWarn lipgloss.Style
	errText    lipgloss.Style
	faint      lipgloss.Style
}

func newTheme(name string) theme {
	accent := lipgloss.Color("#bd93f9")
	secondary := lipgloss.Color("#50fa7b")
	warn := lipgloss.Color("#ffb86c")
	danger := lipgloss.Color("#ff5555")
	muted := lipgloss.Color("#6272a4")
	if name == "nord" {
		accent = lipgloss.Color("#88c0d0")
		secondary = lipgloss.Color("#a3be8c")
		warn = lipgloss.Color("#ebcb8b")
		danger = lipgloss.Color("#bf616a")
		muted = lipgloss.Color("#4c566a")
	}
	return theme{
		user:       lipgloss.NewStyle().Foreground(accent).Bold(true),
		assistant:  lipgloss.NewStyle(),
		toolUse:    lipgloss.NewStyle().Foreground(secondary),
		toolResult: lipgloss.NewStyle().Foreground(muted),
		toolError:  lipgloss.NewStyle().Foreground(danger),
		permission: lipgloss.NewStyle().Foreground(warn).Bold(true).Border(lipgloss.RoundedBorder()).BorderForeground(warn).Padding(0, 1),
		permKeys:   lipgloss.NewStyle().Foreground(muted),
		status:     lipgloss.NewStyle().Foreground(muted),
		statusWarn: lipgloss.NewStyle().Foreground(warn),
		errText:    lipgloss.NewStyle().Foreground(danger).Bold(true),
		faint:      lipgloss.NewStyle().Foreground(muted).Faint(true),
	}
}
