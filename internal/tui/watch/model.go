package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/modreg/internal/events"
	"github.com/mattjoyce/modreg/internal/module"
)

// Model is the BubbleTea model for the watch view.
type Model struct {
	apiURL string

	width  int
	height int

	health HealthState
	totals map[module.Type]int
	feed   Feed
	lastID int64

	pulse   Pulse
	changes table.Model
	detail  viewport.Model
	theme   Theme

	hubEvents chan events.Event
	lastError string
}

// New creates a watch model for the registry API at apiURL.
func New(apiURL string) *Model {
	return &Model{
		apiURL:    apiURL,
		totals:    make(map[module.Type]int, len(module.Types)),
		changes:   newChangeTable(),
		detail:    viewport.New(0, 6),
		theme:     NewDefaultTheme(),
		hubEvents: make(chan events.Event, 100),
	}
}

// Run starts the program and blocks until the user quits.
func Run(apiURL string) error {
	_, err := tea.NewProgram(New(apiURL)).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchStatus(m.apiURL) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.changes.SetWidth(m.width - 6)
		m.detail.Width = m.width - 8

	case tickMsg:
		m.pulse.Decay(time.Time(msg))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastID {
			m.lastID = e.ID
		}
		if m.feed.Apply(e) {
			m.pulse.Hit(time.Now())
			m.changes.SetRows(m.feed.Rows())
			m.refreshDetail()
		}
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case statusMsg:
		m.health = msg.Health
		m.totals = msg.Totals
		m.lastError = ""
		return m, pollStatus(m.apiURL)

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "change feed disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, pollStatus(m.apiURL)
	}

	var cmd tea.Cmd
	m.changes, cmd = m.changes.Update(msg)
	m.refreshDetail()
	return m, cmd
}

func (m *Model) refreshDetail() {
	i := m.changes.Cursor()
	if i < 0 || i >= len(m.feed.Entries) {
		m.detail.SetContent(m.theme.Dim.Render("Waiting for changes..."))
		return
	}
	m.detail.SetContent(renderDetail(m.feed.Entries[i], m.theme))
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	innerWidth := m.width - 4
	header := renderHeader(m.health, m.totals, m.feed, m.pulse, m.theme, m.width)
	feed := m.theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, m.theme.Title.Render("CHANGES"), m.changes.View()))
	detail := m.theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, m.theme.Title.Render("DEFINITION"), m.detail.View()))

	parts := []string{header, feed, detail}
	if m.lastError != "" {
		parts = append(parts, m.theme.Failed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Select change"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
