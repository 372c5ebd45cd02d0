// Package progress renders the closure engine's pass-event stream as a
// live terminal UI, falling back to nothing (the plain log lines from
// internal/log already cover that case) when standard output isn't a
// terminal.
package progress

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mklibs-go/mklibs/internal/event"
)

var (
	subjectStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

// ChannelSink bridges the synchronous event.Sink interface the closure
// engine calls into into the asynchronous tea.Msg stream a Bubble Tea
// program consumes. Notify never blocks: a consumer that falls behind
// drops events rather than stalling the engine, since spec.md §5
// treats sub-process latency, not UI rendering, as the only thing
// allowed to pace a run.
type ChannelSink struct {
	ch chan event.Event
}

// NewChannelSink creates a ChannelSink with the given buffer depth.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan event.Event, buffer)}
}

// Notify implements event.Sink.
func (s *ChannelSink) Notify(e event.Event) {
	select {
	case s.ch <- e:
	default:
	}
}

// Events returns the read side of the channel, for a Model to consume.
func (s *ChannelSink) Events() <-chan event.Event { return s.ch }

// Close signals no further events will be sent.
func (s *ChannelSink) Close() { close(s.ch) }

type eventMsg event.Event
type closedMsg struct{}

func waitForEvent(sub <-chan event.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

// Model is the Bubble Tea model driving the live pass display.
type Model struct {
	sub <-chan event.Event

	spinner spinner.Model
	bar     progress.Model

	start       time.Time
	pass        int
	unresolved  int
	reduced     int
	skipped     int
	lastSubject string
	lastWarning string
	quitting    bool
	err         error
}

// NewModel creates a Model that reads from sub until it closes or a
// ClosureDone event arrives.
func NewModel(sub <-chan event.Event) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = subjectStyle
	return Model{
		sub:     sub,
		spinner: sp,
		bar:     progress.New(progress.WithDefaultGradient()),
		start:   time.Now(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.sub))
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.quitting = true
			return m, tea.Quit
		}
	case eventMsg:
		ev := event.Event(msg)
		switch ev.Kind {
		case event.PassStarted:
			m.pass = ev.Pass
			m.unresolved = ev.Unresolved
		case event.LibraryReduced:
			m.reduced++
			m.lastSubject = ev.Subject
		case event.LibrarySkipped:
			m.skipped++
			m.lastSubject = ev.Subject
		case event.Warning, event.DuplicateSymbol:
			m.lastWarning = ev.Subject + ": " + ev.Detail
		case event.ClosureDone:
			m.unresolved = ev.Unresolved
			m.quitting = true
			return m, tea.Quit
		}
		return m, waitForEvent(m.sub)
	case closedMsg:
		m.quitting = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		if m.unresolved == 0 {
			return doneStyle.Render(fmt.Sprintf("closure stable after %d passes, %d libraries reduced\n", m.pass, m.reduced))
		}
		return doneStyle.Render(fmt.Sprintf("closure stopped at pass %d, %d libraries reduced\n", m.pass, m.reduced))
	}

	percent := 0.0
	if total := m.reduced + m.skipped + m.unresolved; total > 0 {
		percent = float64(m.reduced+m.skipped) / float64(total)
	}

	line := fmt.Sprintf("%s %s pass %d  %s%d  %s%d/%d  %s\n",
		m.spinner.View(),
		labelStyle.Render("mklibs"),
		m.pass,
		labelStyle.Render("unresolved="), m.unresolved,
		labelStyle.Render("reduced/skipped="), m.reduced, m.skipped,
		subjectStyle.Render(m.lastSubject),
	)
	if m.lastWarning != "" {
		line += warnStyle.Render("! "+m.lastWarning) + "\n"
	}
	return line + m.bar.ViewAs(percent)
}
