package report

import "github.com/charmbracelet/lipgloss"

// Theme carries every colour and glyph the renderer draws with.
type Theme struct {
	Header lipgloss.Style
	Bar    lipgloss.Style
	Icon   lipgloss.Style
	Muted  lipgloss.Style
	Fail   lipgloss.Style

	BarGlyph    string
	SenderIcon  string
	YearIcon    string
	HourIcon    string
	LabelIcon   string
	BarMaxWidth int
}

// DefaultTheme is the colour scheme used when the config sets none.
func DefaultTheme() Theme {
	return NewTheme("63", "212", "42")
}

// NewTheme builds a theme from lipgloss colour strings (ANSI numbers or
// hex values).
func NewTheme(bar, header, icon string) Theme {
	t := PlainTheme()
	t.Header = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(header))
	t.Bar = lipgloss.NewStyle().Foreground(lipgloss.Color(bar))
	t.Icon = lipgloss.NewStyle().Foreground(lipgloss.Color(icon))
	t.Muted = lipgloss.NewStyle().Faint(true)
	t.Fail = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	return t
}

// PlainTheme renders without any styling.
func PlainTheme() Theme {
	return Theme{
		Header:      lipgloss.NewStyle(),
		Bar:         lipgloss.NewStyle(),
		Icon:        lipgloss.NewStyle(),
		Muted:       lipgloss.NewStyle(),
		Fail:        lipgloss.NewStyle(),
		BarGlyph:    "█",
		SenderIcon:  "*",
		YearIcon:    "#",
		HourIcon:    "##",
		LabelIcon:   "@",
		BarMaxWidth: 40,
	}
}
