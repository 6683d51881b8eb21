package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/modreg/internal/module"
)

// HealthState mirrors the /healthz body plus connection bookkeeping.
type HealthState struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Modules       int    `json:"modules"`
	Error         string `json:"error"`

	Connected bool      `json:"-"`
	LastCheck time.Time `json:"-"`
}

// Pulse lights up on each change and fades over ten seconds.
type Pulse struct {
	level int
	last  time.Time
}

func (p *Pulse) Hit(now time.Time) {
	p.level = 5
	p.last = now
}

func (p *Pulse) Decay(now time.Time) {
	if p.level == 0 {
		return
	}
	p.level = max(0, 5-int(now.Sub(p.last)/(2*time.Second)))
}

func (p Pulse) Render(theme Theme) string {
	var b strings.Builder
	for i := range 5 {
		if i < p.level {
			b.WriteString(theme.PulseOn.Render("●"))
		} else {
			b.WriteString(theme.PulseOff.Render("○"))
		}
	}
	return b.String()
}

func renderHeader(health HealthState, totals map[module.Type]int, feed Feed, pulse Pulse, theme Theme, width int) string {
	innerWidth := width - 4

	status := theme.OK.Render("HEALTHY")
	switch {
	case !health.Connected:
		status = theme.Failed.Render("CONNECTING")
	case health.Status != "ok":
		status = theme.Failed.Render("DEGRADED")
	}

	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	title := " MODREG WATCH"
	pad := max(1, innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  up %s  modules: %d", status,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second), health.Modules)

	var perType []string
	for _, t := range module.Types {
		perType = append(perType, theme.Type(t).Render(fmt.Sprintf("%s %d", t, totals[t])))
	}
	typesLine := " " + strings.Join(perType, "  ")

	activity := fmt.Sprintf(" %s %s %s",
		theme.Created.Render(fmt.Sprintf("+%d", feed.Created)),
		theme.Deleted.Render(fmt.Sprintf("-%d", feed.Deleted)),
		pulse.Render(theme))

	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, typesLine, activity))
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
