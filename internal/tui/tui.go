// Package tui shows a live view of a report run in the terminal.
package tui

import (
	"fmt"
	"strings"
	"time"

	"broadlistening/internal/core"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// FetchFunc returns the current status of the watched report.
type FetchFunc func() (core.Status, error)

type statusMsg struct {
	status core.Status
	err    error
}

type tickMsg time.Time

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	activeStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Model is the watch screen state.
type Model struct {
	slug     string
	fetch    FetchFunc
	interval time.Duration
	status   core.Status
	loaded   bool
	err      error
	width    int
	quitting bool
}

// NewModel creates a watcher for slug that polls fetch every interval.
func NewModel(slug string, fetch FetchFunc, interval time.Duration) Model {
	if interval <= 0 {
		interval = time.Second
	}
	return Model{slug: slug, fetch: fetch, interval: interval}
}

// Status returns the last status seen.
func (m Model) Status() core.Status { return m.status }

func (m Model) poll() tea.Cmd {
	return func() tea.Msg {
		st, err := m.fetch()
		return statusMsg{status: st, err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init starts polling.
func (m Model) Init() tea.Cmd {
	return m.poll()
}

// Update handles messages and updates the model accordingly.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.poll()

	case statusMsg:
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.status
			m.loaded = true
			if m.status.Terminal() {
				return m, tea.Quit
			}
		}
		return m, m.tick()
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Report " + m.slug))
	b.WriteString("\n\n")

	if !m.loaded {
		if m.err != nil {
			b.WriteString(errorStyle.Render("Error: " + m.err.Error()))
		} else {
			b.WriteString(pendingStyle.Render("Waiting for status..."))
		}
		return boxStyle.Render(b.String()) + "\n"
	}

	done := make(map[core.Stage]core.CompletedStage, len(m.status.Completed))
	for _, c := range m.status.Completed {
		done[c.Stage] = c
	}

	for _, stage := range core.Stages {
		b.WriteString(m.stageLine(stage, done))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	switch m.status.State {
	case core.RunCompleted:
		b.WriteString(doneStyle.Render("Report ready"))
	case core.RunError:
		b.WriteString(errorStyle.Render(fmt.Sprintf("Failed at %s: %s", m.status.ErrorStep(), m.status.Message)))
	default:
		b.WriteString(pendingStyle.Render("[q] Quit"))
	}
	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("Poll error: " + m.err.Error()))
	}
	return boxStyle.Render(b.String()) + "\n"
}

func (m Model) stageLine(stage core.Stage, done map[core.Stage]core.CompletedStage) string {
	if c, ok := done[stage]; ok {
		note := c.Duration.Round(time.Millisecond).String()
		if c.Skipped {
			note = "reused"
		}
		return doneStyle.Render(fmt.Sprintf("✓ %-24s %s", stage.DisplayName(), note))
	}
	if m.status.Stage == stage {
		switch m.status.State {
		case core.RunError:
			return errorStyle.Render(fmt.Sprintf("✗ %s", stage.DisplayName()))
		case core.RunRunning:
			return activeStyle.Render(fmt.Sprintf("▶ %-24s %s", stage.DisplayName(), progressBar(m.status.Processed, m.status.Total, 20)))
		}
	}
	return pendingStyle.Render("· " + stage.DisplayName())
}

// progressBar renders processed/total as a fixed-width bar.
func progressBar(processed, total, width int) string {
	if total <= 0 {
		return ""
	}
	filled := min(width*processed/total, width)
	return fmt.Sprintf("[%s%s] %d/%d", strings.Repeat("█", filled), strings.Repeat("░", width-filled), processed, total)
}

// Watch runs the watch screen until the run ends or the user quits, and
// returns the last status seen.
func Watch(slug string, fetch FetchFunc, interval time.Duration) (core.Status, error) {
	p := tea.NewProgram(NewModel(slug, fetch, interval))
	final, err := p.Run()
	if err != nil {
		return core.Status{}, fmt.Errorf("error running TUI: %w", err)
	}
	return final.(Model).Status(), nil
}
