package style

import "github.com/charmbracelet/lipgloss"

var (
	Banner    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	Subtitle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	DimText   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	Healthy   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	Unhealthy = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	Draining  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)
