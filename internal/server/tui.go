// ABOUTME: Server dashboard showing logged-in clients, library size and recent events
// ABOUTME: Polls Server.Status once a second and tails the event bus
package server

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/events"
)

const dashboardEvents = 8

// Dashboard is the server TUI
type Dashboard struct {
	server   *Server
	program  *tea.Program
	cancel   func()
	quitChan chan struct{}
}

type dashboardModel struct {
	server   *Server
	status   Status
	recent   []events.Event
	feed     <-chan events.Event
	quitting bool
	quitChan chan struct{}
}

type tickMsg time.Time
type eventMsg events.Event

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitEvent(feed <-chan events.Event) tea.Cmd {
	if feed == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-feed
		if !ok {
			return nil
		}
		return eventMsg(e)
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(tickEvery(), waitEvent(m.feed))
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.quitting = true
			select {
			case m.quitChan <- struct{}{}:
			default:
			}
			return m, tea.Quit
		}

	case tickMsg:
		m.status = m.server.Status()
		return m, tickEvery()

	case eventMsg:
		m.recent = append(m.recent, events.Event(msg))
		if len(m.recent) > dashboardEvents {
			m.recent = m.recent[len(m.recent)-dashboardEvents:]
		}
		return m, waitEvent(m.feed)
	}

	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
	faintStyle   = lipgloss.NewStyle().Faint(true)
)

func (m dashboardModel) View() string {
	if m.quitting {
		return "Shutting down server...\n"
	}
	return renderStatus(m.status, m.recent)
}

func renderStatus(st Status, recent []events.Event) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Resonate Duplex Server"))
	b.WriteString("\n\n")

	row := func(label, value string) {
		b.WriteString(headerStyle.Render(label + ": "))
		b.WriteString(valueStyle.Render(value))
		b.WriteString("\n")
	}
	row("Server", st.Name)
	row("Control", st.ControlAddr)
	row("Stream", st.StreamAddr)
	if st.HTTPAddr != "" {
		row("HTTP", st.HTTPAddr)
	}
	row("Fingerprint", st.Fingerprint)
	row("Uptime", st.Uptime.String())
	row("Library", fmt.Sprintf("%d playlists, %d songs", st.Playlists, st.Songs))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Logged-in Clients (%d)", len(st.Clients))))
	b.WriteString("\n\n")
	if len(st.Clients) == 0 {
		b.WriteString(valueStyle.Render("  No clients connected"))
		b.WriteString("\n")
	}
	for _, c := range st.Clients {
		stream := "no stream"
		if c.Streaming {
			stream = "streaming"
		}
		b.WriteString(fmt.Sprintf("  • %s", c.User))
		b.WriteString(valueStyle.Render(fmt.Sprintf(" (%s, %s, %s)", c.ID, c.Remote, stream)))
		b.WriteString("\n")
	}

	if len(recent) > 0 {
		b.WriteString("\n")
		b.WriteString(sectionStyle.Render("Recent Events"))
		b.WriteString("\n\n")
		for _, e := range recent {
			line := fmt.Sprintf("  %s %s", e.Time.Format("15:04:05"), e.Kind)
			for _, part := range []string{e.Channel, e.State, e.Detail, e.Err} {
				if part != "" {
					line += " " + part
				}
			}
			b.WriteString(faintStyle.Render(line))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(faintStyle.Render("Press 'q' or Ctrl+C to quit"))
	return b.String()
}

// NewDashboard creates a dashboard for s and subscribes to its events
func NewDashboard(s *Server) *Dashboard {
	d := &Dashboard{server: s, quitChan: make(chan struct{}, 1), cancel: func() {}}

	var feed <-chan events.Event
	if s.bus != nil {
		feed, d.cancel = s.bus.Subscribe(32)
	}
	m := dashboardModel{
		server:   s,
		status:   s.Status(),
		feed:     feed,
		quitChan: d.quitChan,
	}
	d.program = tea.NewProgram(m, tea.WithAltScreen())
	return d
}

// Run blocks until the user quits or Stop is called
func (d *Dashboard) Run() error {
	defer d.cancel()
	_, err := d.program.Run()
	return err
}

// Stop quits the dashboard
func (d *Dashboard) Stop() {
	d.program.Quit()
}

// QuitChan signals when the user asked to quit
func (d *Dashboard) QuitChan() <-chan struct{} {
	return d.quitChan
}
