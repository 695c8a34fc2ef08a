// Package watch is an interactive view of a fan-out run in progress. It shows
// every submitted host with its state and elapsed time until all are done.
package watch

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/key"
	"charm.land/bubbles/v2/table"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/agent462/fanout/internal/executor"
)

// DefaultRefresh is how often the table is redrawn.
const DefaultRefresh = 200 * time.Millisecond

var (
	colorGreen  = lipgloss.Color("#04B575")
	colorSubtle = lipgloss.Color("#626262")

	titleStyle = lipgloss.NewStyle().Bold(true)
	helpStyle  = lipgloss.NewStyle().Foreground(colorSubtle)
	doneStyle  = lipgloss.NewStyle().Foreground(colorGreen)
)

type tickMsg time.Time

type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(key.WithKeys("q", "esc", "ctrl+c")),
}

// Model is the Bubble Tea model for the watch view.
type Model struct {
	tracker *executor.Tracker
	done    <-chan struct{}
	refresh time.Duration

	table    table.Model
	finished bool
	detached bool
	width    int
}

// New creates a watch Model over tracker. done, usually Batch.Done, ends the
// view once closed; it may be nil, in which case the view ends when the
// tracker has nothing outstanding.
func New(tracker *executor.Tracker, done <-chan struct{}) Model {
	columns := []table.Column{
		{Title: "Host", Width: 30},
		{Title: "Status", Width: 18},
		{Title: "Elapsed", Width: 10},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithRows(buildRows(tracker.Snapshot())),
		table.WithFocused(false),
		table.WithWidth(62),
		table.WithHeight(min(tracker.Total(), 20)+3), // header plus its bottom border
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(colorSubtle).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.Bold(false)
	t.SetStyles(s)

	return Model{
		tracker: tracker,
		done:    done,
		refresh: DefaultRefresh,
		table:   t,
	}
}

// Finished reports whether the view ended because every host completed.
func (m Model) Finished() bool {
	return m.finished
}

// Detached reports whether the user left the view before the run completed.
func (m Model) Detached() bool {
	return m.detached
}

func (m Model) Init() tea.Cmd {
	return tick(m.refresh)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.table.SetWidth(min(msg.Width, 62))
		return m, nil

	case tea.KeyPressMsg:
		if key.Matches(msg, keys.Quit) {
			m.detached = true
			return m, tea.Quit
		}
		return m, nil

	case tickMsg:
		m.table.SetRows(buildRows(m.tracker.Snapshot()))
		if m.complete() {
			m.finished = true
			return m, tea.Quit
		}
		return m, tick(m.refresh)
	}
	return m, nil
}

func (m Model) complete() bool {
	if m.done != nil {
		select {
		case <-m.done:
			return true
		default:
			return false
		}
	}
	return m.tracker.Remaining() == 0
}

func (m Model) View() tea.View {
	return tea.NewView(m.render())
}

func (m Model) render() string {
	var b strings.Builder

	total := m.tracker.Total()
	remaining := m.tracker.Remaining()
	b.WriteString(titleStyle.Render(fmt.Sprintf("Waiting on %d of %d hosts", remaining, total)))
	b.WriteString("\n\n")
	b.WriteString(m.table.View())
	b.WriteString("\n")
	if m.finished {
		b.WriteString(doneStyle.Render("all hosts finished"))
	} else {
		b.WriteString(helpStyle.Render("q: stop watching (the run continues)"))
	}
	b.WriteString("\n")
	return b.String()
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func buildRows(states []executor.HostState) []table.Row {
	rows := make([]table.Row, len(states))
	for i, s := range states {
		rows[i] = table.Row{s.Host, statusText(s), formatElapsed(s)}
	}
	return rows
}

func statusText(s executor.HostState) string {
	switch {
	case s.Started.IsZero():
		return "queued"
	case !s.Done:
		return "running"
	default:
		return s.Kind.String()
	}
}

func formatElapsed(s executor.HostState) string {
	if s.Started.IsZero() {
		return ""
	}
	d := s.Elapsed
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
