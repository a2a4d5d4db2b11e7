// Package styles holds the lipgloss palette shared by concord's text output
// and the watch view.
package styles

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	// Colors - all colors meet WCAG AA contrast (4.5:1) on both black and dark surfaces
	PrimaryColor   = lipgloss.Color("#A78BFA") // Purple
	SecondaryColor = lipgloss.Color("#10B981") // Green
	WarningColor   = lipgloss.Color("#F59E0B") // Amber
	ErrorColor     = lipgloss.Color("#F87171") // Red
	MutedColor     = lipgloss.Color("#9CA3AF") // Gray
	BorderColor    = lipgloss.Color("#6B7280") // Gray
	BlueColor      = lipgloss.Color("#60A5FA") // Blue
)

// Color modes accepted by New, matching the output.color setting.
const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

// Styles is a set of styles bound to one output renderer, so color
// detection follows the writer being printed to.
type Styles struct {
	Renderer *lipgloss.Renderer

	Title     lipgloss.Style
	Section   lipgloss.Style
	Label     lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Owner     lipgloss.Style
	Resource  lipgloss.Style
	Border    lipgloss.Style
	HelpBar   lipgloss.Style
	HelpKey   lipgloss.Style
	Highlight lipgloss.Style
}

// New builds Styles for w. mode is one of ColorAuto, ColorAlways or
// ColorNever; anything else behaves like ColorAuto.
func New(w io.Writer, mode string) Styles {
	r := lipgloss.NewRenderer(w)
	switch mode {
	case ColorNever:
		r.SetColorProfile(termenv.Ascii)
	case ColorAlways:
		r.SetColorProfile(termenv.ANSI256)
	}

	return Styles{
		Renderer:  r,
		Title:     r.NewStyle().Bold(true).Foreground(PrimaryColor),
		Section:   r.NewStyle().Bold(true).Foreground(PrimaryColor).MarginTop(1),
		Label:     r.NewStyle().Foreground(MutedColor),
		Muted:     r.NewStyle().Foreground(MutedColor),
		Success:   r.NewStyle().Foreground(SecondaryColor),
		Warning:   r.NewStyle().Foreground(WarningColor),
		Error:     r.NewStyle().Bold(true).Foreground(ErrorColor),
		Owner:     r.NewStyle().Foreground(BlueColor),
		Resource:  r.NewStyle().Bold(true),
		Border:    r.NewStyle().Foreground(BorderColor),
		HelpBar:   r.NewStyle().Foreground(MutedColor).MarginTop(1),
		HelpKey:   r.NewStyle().Bold(true).Foreground(SecondaryColor),
		Highlight: r.NewStyle().Bold(true).Foreground(WarningColor),
	}
}

// Plain returns Styles that never emit escape sequences, for tests and
// non-terminal output.
func Plain(w io.Writer) Styles {
	return New(w, ColorNever)
}
