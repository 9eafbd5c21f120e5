package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	"broadlistening/internal/core"

	tea "github.com/charmbracelet/bubbletea"
)

func TestUpdateKeepsPollingUntilTerminal(t *testing.T) {
	m := NewModel("city", nil, time.Millisecond)

	running := core.Status{State: core.RunRunning, Stage: core.StageEmbedding, Total: 10, Processed: 5,
		Completed: []core.CompletedStage{{Stage: core.StageExtraction, Duration: 2 * time.Second}}}
	next, cmd := m.Update(statusMsg{status: running})
	if cmd == nil {
		t.Fatal("expected another poll while running")
	}
	view := next.View()
	if !strings.Contains(view, "5/10") {
		t.Errorf("view missing progress:\n%s", view)
	}
	if !strings.Contains(view, core.StageExtraction.DisplayName()) {
		t.Errorf("view missing completed stage:\n%s", view)
	}

	done := core.Status{State: core.RunCompleted}
	next, cmd = next.Update(statusMsg{status: done})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("terminal status should quit")
	}
	if next.(Model).Status().State != core.RunCompleted {
		t.Error("status not stored")
	}
	if !strings.Contains(next.View(), "Report ready") {
		t.Error("completed view missing")
	}
}

func TestViewShowsFailure(t *testing.T) {
	m := NewModel("city", nil, time.Second)
	next, _ := m.Update(statusMsg{status: core.Status{State: core.RunError, Stage: core.StageClustering, Message: "insufficient data"}})
	view := next.View()
	if !strings.Contains(view, "hierarchical_clustering") || !strings.Contains(view, "insufficient data") {
		t.Errorf("failure not shown:\n%s", view)
	}
}

func TestPollErrorBeforeFirstStatus(t *testing.T) {
	fetch := func() (core.Status, error) { return core.Status{}, errors.New("report not found") }
	m := NewModel("missing", fetch, time.Second)

	msg := m.Init()()
	next, cmd := m.Update(msg)
	if cmd == nil {
		t.Error("expected a retry tick after a poll error")
	}
	if !strings.Contains(next.View(), "report not found") {
		t.Errorf("error not shown:\n%s", next.View())
	}
}

func TestQuitKey(t *testing.T) {
	m := NewModel("city", nil, time.Second)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should quit")
	}
}

func TestProgressBar(t *testing.T) {
	if got := progressBar(0, 0, 10); got != "" {
		t.Errorf("unknown total rendered %q", got)
	}
	if got := progressBar(5, 10, 4); got != "[██░░] 5/10" {
		t.Errorf("bar = %q", got)
	}
}
