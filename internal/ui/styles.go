// Package ui provides terminal styling for hb CLI output.
// Uses the Nord color theme with adaptive light/dark mode support.
package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Nord theme palette: https://www.nordtheme.com/docs/colors-and-palettes
var (
	ColorOK = lipgloss.AdaptiveColor{
		Light: "#4c7a35", // darkened nord14 for light backgrounds
		Dark:  "#a3be8c", // nord14 green
	}
	ColorWarn = lipgloss.AdaptiveColor{
		Light: "#9a7500", // darkened nord13
		Dark:  "#ebcb8b", // nord13 yellow
	}
	ColorErr = lipgloss.AdaptiveColor{
		Light: "#a33f47", // darkened nord11
		Dark:  "#bf616a", // nord11 red
	}
	ColorMuted = lipgloss.AdaptiveColor{
		Light: "#6b7386",
		Dark:  "#616e88", // between nord3 and nord9
	}
	ColorAccent = lipgloss.AdaptiveColor{
		Light: "#3a6ea5", // darkened nord10
		Dark:  "#81a1c1", // nord9 blue
	}
)

var (
	OKStyle     = lipgloss.NewStyle().Foreground(ColorOK)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	ErrStyle    = lipgloss.NewStyle().Foreground(ColorErr)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
)

const (
	IconOK   = "✓"
	IconWarn = "⚠"
	IconErr  = "✗"
	IconSkip = "-"
)

// DisableColorForNonTTY drops all styling when stdout is not a color
// terminal, so piped output stays clean.
func DisableColorForNonTTY() {
	if termenv.DefaultOutput().ColorProfile() == termenv.Ascii {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

func RenderOK(s string) string     { return OKStyle.Render(s) }
func RenderWarn(s string) string   { return WarnStyle.Render(s) }
func RenderErr(s string) string    { return ErrStyle.Render(s) }
func RenderMuted(s string) string  { return MutedStyle.Render(s) }
func RenderAccent(s string) string { return AccentStyle.Render(s) }

// RenderHeader renders a section header in uppercase.
func RenderHeader(s string) string {
	return HeaderStyle.Render(strings.ToUpper(s))
}

// RenderSeparator renders a muted horizontal rule.
func RenderSeparator() string {
	return MutedStyle.Render(strings.Repeat("─", 42))
}
