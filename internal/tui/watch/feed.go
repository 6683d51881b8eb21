package watch

import (
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/modreg/internal/events"
	"github.com/mattjoyce/modreg/internal/module"
)

const maxChanges = 50

// ChangeEntry is one received change, newest entries first in the feed.
type ChangeEntry struct {
	ID     int64
	Event  events.Event
	Change events.Change
}

// Feed holds recent registry changes and the running composite balance
// observed since the watch started.
type Feed struct {
	Entries []ChangeEntry
	Created int
	Deleted int
}

// Apply records e and reports whether it was a module change.
func (f *Feed) Apply(e events.Event) bool {
	if e.Type != events.ModuleCreated && e.Type != events.ModuleDeleted {
		return false
	}
	var c events.Change
	if err := json.Unmarshal(e.Data, &c); err != nil {
		return false
	}

	f.Entries = append([]ChangeEntry{{ID: e.ID, Event: e, Change: c}}, f.Entries...)
	if len(f.Entries) > maxChanges {
		f.Entries = f.Entries[:maxChanges]
	}
	if e.Type == events.ModuleCreated {
		f.Created++
	} else {
		f.Deleted++
	}
	return true
}

// Rows renders the feed for the change table.
func (f Feed) Rows() []table.Row {
	rows := make([]table.Row, 0, len(f.Entries))
	for _, en := range f.Entries {
		action := "created"
		if en.Event.Type == events.ModuleDeleted {
			action = "deleted"
		}
		rows = append(rows, table.Row{
			en.Event.At.Format("15:04:05"),
			action,
			en.Change.Type,
			en.Change.Name,
			shortOpID(en.Change.OpID),
		})
	}
	return rows
}

func newChangeTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Time", Width: 8},
			{Title: "Change", Width: 8},
			{Title: "Type", Width: 10},
			{Title: "Name", Width: 24},
			{Title: "Op", Width: 8},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// renderDetail describes the selected change for the preview pane.
func renderDetail(en ChangeEntry, theme Theme) string {
	t := module.Type(en.Change.Type)
	head := fmt.Sprintf("%s %s  %s", theme.Type(t).Render(en.Change.Type), theme.Highlight.Render(en.Change.Name),
		theme.Dim.Render(en.Change.Key))
	if en.Event.Type == events.ModuleDeleted {
		return head + "\n" + theme.Deleted.Render("deleted")
	}
	body := en.Change.Definition
	if en.Change.Fingerprint != "" {
		body += "\n" + theme.Dim.Render("fingerprint "+en.Change.Fingerprint)
	}
	return head + "\n" + body
}

func shortOpID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
