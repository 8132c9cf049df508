// Package tui renders a live terminal view of a running plan.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/taskpilot/internal/bus"
	"github.com/basket/taskpilot/internal/engine"
	"github.com/basket/taskpilot/internal/plan"
)

type StatusProvider func() engine.Status

type Options struct {
	Status StatusProvider
	// Bus feeds the activity list; optional.
	Bus *bus.Bus
	// Done receives the run result; the view quits after showing it.
	Done <-chan error
}

var (
	titleS   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	labelS   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	barFullS = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	barNoneS = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	warnS    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errS     = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	okS      = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	helpS    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type model struct {
	provider StatusProvider
	snap     engine.Status
	feed     *ActivityFeed
	events   <-chan bus.Event
	done     <-chan error

	finished bool
	result   string
	failed   bool
	width    int
}

type tickMsg time.Time

type busMsg bus.Event

type runDoneMsg struct{ err error }

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitEvent(ch <-chan bus.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return busMsg(ev)
	}
}

func waitDone(done <-chan error) tea.Cmd {
	if done == nil {
		return nil
	}
	return func() tea.Msg {
		return runDoneMsg{err: <-done}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), waitEvent(m.events), waitDone(m.done))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "a":
			m.feed.Toggle()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		m.snap = m.provider()
		m.feed.CleanupOld(2 * time.Minute)
		return m, tickCmd()
	case busMsg:
		if ev, ok := msg.Payload.(bus.RunEvent); ok && (m.snap.RunID == "" || ev.RunID == m.snap.RunID) {
			m.feed.Apply(ev)
		}
		return m, waitEvent(m.events)
	case runDoneMsg:
		m.snap = m.provider()
		m.finished = true
		if msg.err != nil {
			m.failed = true
			m.result = humanError(msg.err)
		} else {
			m.result = "All tasks complete"
		}
		return m, tea.Quit
	}
	return m, nil
}

func (m model) View() string {
	s := m.snap
	var b strings.Builder

	title := "TaskPilot"
	if s.Goal != "" {
		title += " · " + s.Goal
	}
	b.WriteString(titleS.Render(title) + "\n")
	if s.RunID != "" {
		b.WriteString(labelS.Render("run "+s.RunID) + "\n")
	}
	b.WriteString("\n")

	barWidth := 30
	if m.width > 50 {
		barWidth = min(m.width-30, 60)
	}
	b.WriteString(fmt.Sprintf("%s %s %3.0f%%  (%d/%d done, %d failed, %d skipped)\n",
		labelS.Render("Progress"),
		progressBar(s.Progress.Percentage, barWidth),
		s.Progress.Percentage,
		s.Progress.Completed, s.Progress.Total, s.Progress.Failed, s.Progress.Skipped,
	))

	phase := string(s.Phase)
	if phase == "" {
		phase = string(engine.PhaseIdle)
	}
	current := s.CurrentTask
	if current == "" {
		current = "(none)"
	}
	b.WriteString(fmt.Sprintf("%s %s   %s %s\n", labelS.Render("Phase"), phase, labelS.Render("Task"), current))
	b.WriteString(fmt.Sprintf("%s %d/%d   %s %s\n",
		labelS.Render("Iteration"), s.Iteration, s.MaxIterations,
		labelS.Render("Elapsed"), s.Elapsed.Truncate(time.Second)))

	usage := fmt.Sprintf("%s tokens %.0f%%  context %.0f%%",
		labelS.Render("Budget"), s.TokenRatio*100, s.ContextUsage*100)
	if s.SummaryMode {
		usage += " " + warnS.Render("[summary mode]")
	}
	b.WriteString(usage + "\n")
	if s.LastCheckpoint != "" {
		b.WriteString(fmt.Sprintf("%s %s\n", labelS.Render("Checkpoint"), s.LastCheckpoint))
	}

	if len(s.Tasks) > 0 {
		b.WriteString("\n")
		for _, t := range s.Tasks {
			line := fmt.Sprintf("  %s %-12s %s", statusIcon(t.Status), t.ID, t.Title)
			if n := t.Meta.Attempts; n > 1 {
				line += labelS.Render(fmt.Sprintf(" ×%d", n))
			}
			if t.ID == s.CurrentTask && !m.finished {
				line = warnS.Render(line)
			}
			b.WriteString(line + "\n")
		}
	}

	if feed := m.feed.View(); feed != "" {
		b.WriteString("\n" + feed)
	}

	b.WriteString("\n")
	switch {
	case m.finished && m.failed:
		b.WriteString(errS.Render("✗ "+m.result) + "\n")
	case m.finished:
		b.WriteString(okS.Render("✓ "+m.result) + "\n")
	default:
		b.WriteString(helpS.Render("q stop (resumable) · a activity") + "\n")
	}
	return b.String()
}

func progressBar(percent float64, width int) string {
	filled := int(percent / 100 * float64(width))
	filled = max(0, min(filled, width))
	return barFullS.Render(strings.Repeat("█", filled)) + barNoneS.Render(strings.Repeat("░", width-filled))
}

func statusIcon(s plan.Status) string {
	switch s {
	case plan.StatusSuccess:
		return "✅"
	case plan.StatusRunning:
		return "⏳"
	case plan.StatusError:
		return "❌"
	case plan.StatusSkipped:
		return "⏭"
	default:
		return "·"
	}
}

// Run shows the view until the run finishes, the user quits or ctx ends.
func Run(ctx context.Context, opts Options) error {
	defer bestEffortResetTTY()

	m := model{
		provider: opts.Status,
		snap:     opts.Status(),
		feed:     NewActivityFeed(),
		done:     opts.Done,
	}
	if opts.Bus != nil {
		sub := opts.Bus.Subscribe("")
		defer opts.Bus.Unsubscribe(sub)
		m.events = sub.Ch()
	}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
