// Package watch implements `modreg system watch`, a terminal view of a
// running registry: health, per-type totals and the live change feed.
package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/modreg/internal/module"
)

// Theme keeps every color used by the watch view in one place.
type Theme struct {
	OK      lipgloss.Style
	Failed  lipgloss.Style
	Created lipgloss.Style
	Deleted lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	PulseOn  lipgloss.Style
	PulseOff lipgloss.Style

	types map[module.Type]lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		OK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Failed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Created: lipgloss.NewStyle().Foreground(lipgloss.Color("#98C379")),
		Deleted: lipgloss.NewStyle().Foreground(lipgloss.Color("#E06C75")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		PulseOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		PulseOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),

		types: map[module.Type]lipgloss.Style{
			module.TypeSource:    lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF")),
			module.TypeProcessor: lipgloss.NewStyle().Foreground(lipgloss.Color("#C678DD")),
			module.TypeSink:      lipgloss.NewStyle().Foreground(lipgloss.Color("#56B6C2")),
			module.TypeJob:       lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		},
	}
}

// Type returns the style for a module type; unknown types render dim.
func (t Theme) Type(mt module.Type) lipgloss.Style {
	if s, ok := t.types[mt]; ok {
		return s
	}
	return t.Dim
}
