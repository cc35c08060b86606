package cli

import "github.com/charmbracelet/lipgloss"

// Shared styles for progress rendering on stderr.
var (
	styleStage    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	styleDetail   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleProgress = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleDone     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	styleError    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)
