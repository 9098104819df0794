package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/justapithecus/multiqueue/mqueue"
)

// tickInterval is how often the dashboard polls Stats().
const tickInterval = 250 * time.Millisecond

type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// StatsSource is polled once per tick to refresh the dashboard. It is
// satisfied directly by (*mqueue.MultiQueue).Stats.
type StatsSource func() []mqueue.QueueStats

type tickMsg time.Time

// Model is the live dashboard's Bubble Tea model.
type Model struct {
	source   StatsSource
	stats    []mqueue.QueueStats
	width    int
	height   int
	quitting bool
}

// New creates a dashboard model polling source on each tick.
func New(source StatsSource) Model {
	return Model{source: source}
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tick()
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		m.stats = m.source()
		return m, tick()
	}

	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("multiqueue dashboard"))
	b.WriteString("\n\n")

	stats := append([]mqueue.QueueStats(nil), m.stats...)
	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })

	if len(stats) == 0 {
		b.WriteString(ValueStyle.Render("no queues registered"))
	}

	for _, qs := range stats {
		b.WriteString(m.renderQueueRow(qs))
		b.WriteString("\n")
	}

	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return b.String() + "\n" + help
}

func (m Model) renderQueueRow(qs mqueue.QueueStats) string {
	boxes := []string{
		m.renderStatBox("items", fmt.Sprintf("%d", qs.Items), highlightColor),
		m.renderStatBox("bytes", fmt.Sprintf("%d", qs.Bytes), highlightColor),
		m.renderStatBox("buffering", fmt.Sprintf("%d%%", qs.BufferingLevel/10000), bufferingColor(qs.BufferingLevel)),
		m.renderStatBox("flow", qs.FlowStatus.String(), flowColor(qs.FlowStatus.String())),
	}

	header := fmt.Sprintf("queue %d (group %d)", qs.ID, qs.GroupID)
	if qs.IsEOS {
		header += " [EOS]"
	}

	row := lipgloss.JoinVertical(lipgloss.Left,
		LabelStyle.Render(header),
		lipgloss.JoinHorizontal(lipgloss.Top, boxes...),
	)
	return row
}

func (m Model) renderStatBox(label, value string, color lipgloss.Color) string {
	boxStyle := StatBoxStyle.BorderForeground(color)
	valueStr := StatValueStyle.Foreground(color).Render(value)
	labelStr := StatLabelStyle.Render(label)
	content := lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr)
	return boxStyle.Render(content)
}

func bufferingColor(level int64) lipgloss.Color {
	switch {
	case level >= 990000:
		return successColor
	case level <= 100000:
		return errorColor
	default:
		return warningColor
	}
}

func flowColor(status string) lipgloss.Color {
	switch status {
	case "OK":
		return successColor
	case "NOT_LINKED", "FLUSHING":
		return warningColor
	case "FATAL", "CLOSED":
		return errorColor
	default:
		return mutedColor
	}
}

// Run starts the live dashboard, blocking until the user quits.
func Run(source StatsSource) error {
	p := tea.NewProgram(New(source), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderStatic renders one snapshot without entering the full TUI, for
// non-interactive output (e.g. piped stdout).
func RenderStatic(stats []mqueue.QueueStats) string {
	m := New(nil)
	m.stats = stats
	m.width = 80
	m.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(m.View())
}
