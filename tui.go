package main

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"scribe/session"
)

// Messages from the session sink into the TUI.
type SessionMsg struct {
	Snapshot session.Snapshot
	Copied   bool
}

type InterimMsg struct {
	Text string
}

var (
	badgeIdle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252")).Background(lipgloss.Color("240")).Padding(0, 1)
	badgeStarting   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("232")).Background(lipgloss.Color("220")).Padding(0, 1)
	badgeActive     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("231")).Background(lipgloss.Color("160")).Padding(0, 1)
	badgeStopping   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("232")).Background(lipgloss.Color("208")).Padding(0, 1)
	connOpenStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("76"))
	connClosedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	transcriptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	interimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	errorStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	helpStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	copiedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("76"))
)

type tuiModel struct {
	manager    *session.Manager
	deviceLine string

	snap    session.Snapshot
	interim string
	copied  bool
	width   int
}

func NewTUIProgram(manager *session.Manager, deviceLine string) *tea.Program {
	m := tuiModel{
		manager:    manager,
		deviceLine: deviceLine,
		snap:       manager.Snapshot(),
	}
	return tea.NewProgram(m, tea.WithAltScreen())
}

func (m tuiModel) Init() tea.Cmd {
	return nil
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			mgr := m.manager
			return m, tea.Sequence(
				func() tea.Msg { mgr.Stop(); return nil },
				tea.Quit,
			)
		case " ", "enter":
			mgr := m.manager
			// Stop blocks on resource release; keep it off the UI loop.
			return m, func() tea.Msg { mgr.Toggle(); return nil }
		}

	case SessionMsg:
		m.snap = msg.Snapshot
		if msg.Copied {
			m.copied = true
		}
		if msg.Snapshot.State != session.StateIdle {
			m.copied = false
		}
		if msg.Snapshot.State == session.StateIdle || msg.Snapshot.State == session.StateStarting {
			m.interim = ""
		}

	case InterimMsg:
		m.interim = msg.Text
	}

	return m, nil
}

func (m tuiModel) badge() string {
	switch m.snap.State {
	case session.StateStarting:
		return badgeStarting.Render("STARTING")
	case session.StateActive:
		return badgeActive.Render("● REC")
	case session.StateStopping:
		return badgeStopping.Render("STOPPING")
	}
	return badgeIdle.Render("IDLE")
}

func (m tuiModel) connLine() string {
	if m.snap.Connection == session.ConnOpen {
		return connOpenStyle.Render("link: open")
	}
	return connClosedStyle.Render("link: closed")
}

func (m tuiModel) View() string {
	width := m.width
	if width <= 0 {
		width = 80
	}
	wrap := lipgloss.NewStyle().Width(width - 2)

	var b strings.Builder
	b.WriteString("\n " + m.badge() + "  " + m.connLine() + "\n")
	b.WriteString(helpStyle.Render(" "+m.deviceLine) + "\n\n")

	if m.snap.Transcript != "" {
		b.WriteString(wrap.Render(transcriptStyle.Render(" "+m.snap.Transcript)) + "\n")
	}
	if m.interim != "" && m.snap.State == session.StateActive {
		b.WriteString(wrap.Render(interimStyle.Render(" … "+m.interim)) + "\n")
	}
	if m.snap.Transcript == "" && m.interim == "" && m.snap.State == session.StateActive {
		b.WriteString(interimStyle.Render(" listening…") + "\n")
	}
	if m.copied {
		b.WriteString(copiedStyle.Render(" ✓ copied to clipboard") + "\n")
	}
	if m.snap.LastError != "" {
		b.WriteString(errorStyle.Render(" ✗ "+m.snap.LastError) + "\n")
	}

	b.WriteString("\n" + helpStyle.Render(" space: start/stop · q: quit") + "\n")
	return b.String()
}
