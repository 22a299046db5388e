package main

import "github.com/charmbracelet/lipgloss"

// Palette shared by the TUI and the headless banner.
const (
	colorGreen  = lipgloss.Color("#10B981")
	colorBlue   = lipgloss.Color("#3B82F6")
	colorPurple = lipgloss.Color("#7C3AED")
	colorViolet = lipgloss.Color("#A78BFA")
	colorAmber  = lipgloss.Color("#F59E0B")
	colorYellow = lipgloss.Color("#FBBF24")
	colorRed    = lipgloss.Color("#EF4444")
	colorText   = lipgloss.Color("#E5E7EB")
	colorDim    = lipgloss.Color("#6B7280")
	colorFaint  = lipgloss.Color("#4B5563")
	colorBorder = lipgloss.Color("#374151")
	colorPanel  = lipgloss.Color("#1F2937")
)

var (
	titleStyle   = lipgloss.NewStyle().Foreground(colorPurple).Bold(true)
	nameStyle    = lipgloss.NewStyle().Foreground(colorGreen).Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(colorBlue).Bold(true)
	greenStyle   = lipgloss.NewStyle().Foreground(colorGreen)
	blueStyle    = lipgloss.NewStyle().Foreground(colorBlue)
	textStyle    = lipgloss.NewStyle().Foreground(colorText)
	linkStyle    = textStyle.Underline(true)
	dimStyle     = lipgloss.NewStyle().Foreground(colorDim)
	faintStyle   = lipgloss.NewStyle().Foreground(colorFaint)
	legendStyle  = dimStyle.Italic(true)
	modeStyle    = lipgloss.NewStyle().Foreground(colorAmber).Bold(true)
	failStyle    = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	inputBorder  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorBorder).Padding(0, 1)
	crumbStyle   = lipgloss.NewStyle().Foreground(colorGreen).Background(colorPanel).Padding(0, 1).Bold(true)
	cursorStyle  = lipgloss.NewStyle().Foreground(colorYellow)
	symlinkStyle = lipgloss.NewStyle().Foreground(colorViolet)
)
