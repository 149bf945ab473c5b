// internal/tui/progress.go
// Package tui renders live benchmark progress with Bubble Tea. The runner
// stays unaware of the terminal: its progress callback feeds messages into
// the program and the model draws them.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mwiater/krisis/internal/bench"
	"github.com/mwiater/krisis/internal/util"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	questionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	doneStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// ProgressMsg reports one settled question within a run.
type ProgressMsg struct {
	Run      int
	Dataset  string
	Progress bench.Progress
}

// DoneMsg ends the program; a non-nil Err is shown before exit.
type DoneMsg struct {
	Err error
}

// ProgressModel is the Bubble Tea model for a multi-run benchmark.
type ProgressModel struct {
	tier    string
	runs    int
	spinner spinner.Model
	bar     progress.Model

	run       int
	dataset   string
	completed int
	total     int
	skipped   int
	last      string
	done      bool
	err       error
	width     int
}

// NewProgressModel builds the model for a tier that will repeat runs times.
func NewProgressModel(tier string, runs int) *ProgressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	bar := progress.New(progress.WithDefaultGradient())

	return &ProgressModel{tier: tier, runs: runs, spinner: s, bar: bar, run: 1}
}

// Init starts the spinner.
func (m *ProgressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles progress feed, resize, and quit keys.
func (m *ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = min(msg.Width-8, 60)
		return m, nil

	case ProgressMsg:
		m.run = msg.Run
		m.dataset = msg.Dataset
		m.completed = msg.Progress.Completed
		m.total = msg.Progress.Total
		m.last = msg.Progress.QuestionID
		if msg.Progress.Skipped {
			m.skipped++
		}
		return m, nil

	case DoneMsg:
		m.done = true
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the current run state.
func (m *ProgressModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("benchmark %s", m.tier)))
	if m.runs > 1 {
		b.WriteString(fmt.Sprintf("  run %d/%d", m.run, m.runs))
	}
	if m.dataset != "" {
		b.WriteString("  " + m.dataset)
	}
	b.WriteString("\n\n")

	if m.done {
		if m.err != nil {
			b.WriteString(errStyle.Render(fmt.Sprintf("failed: %v", m.err)))
		} else {
			b.WriteString(doneStyle.Render("complete"))
		}
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(m.spinner.View())
	b.WriteString(fmt.Sprintf(" %d/%d questions", m.completed, m.total))
	if m.skipped > 0 {
		b.WriteString(fmt.Sprintf(" (%d resumed)", m.skipped))
	}
	b.WriteString("\n")
	b.WriteString(m.bar.ViewAs(m.fraction()))
	b.WriteString("\n")
	if m.last != "" {
		line := "last: " + m.last
		if m.width > 0 {
			line = util.TruncateToWidth(line, m.width)
		}
		b.WriteString(questionStyle.Render(line))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *ProgressModel) fraction() float64 {
	if m.total <= 0 {
		return 0
	}
	return float64(m.completed) / float64(m.total)
}

// Feed runs the program and returns a callback the benchmark can invoke
// from worker goroutines plus a finish function that ends the view.
func Feed(model *ProgressModel) (*tea.Program, func(run int, dataset string, p bench.Progress), func(error)) {
	program := tea.NewProgram(model)
	onProgress := func(run int, dataset string, p bench.Progress) {
		program.Send(ProgressMsg{Run: run, Dataset: dataset, Progress: p})
	}
	finish := func(err error) {
		program.Send(DoneMsg{Err: err})
	}
	return program, onProgress, finish
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
