// ABOUTME: Bubbletea model for the player TUI
// ABOUTME: Polls the client status and maps keys to transport, sync and playlist actions
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/client"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/playback"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/reconcile"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/session"
)

const (
	pollInterval  = 250 * time.Millisecond
	actionTimeout = 30 * time.Second
	volumeStep    = 0.05
)

// Controller is what the TUI drives; *client.Client implements it
type Controller interface {
	Status() client.Status
	Library() *reconcile.Library
	Pause() error
	Resume() error
	Stop() error
	SetVolume(level float64)
	Sync(ctx context.Context) (reconcile.Diff, error)
	Play(ctx context.Context, id reconcile.SongID) error
}

// entry is one selectable row of the playlist view
type entry struct {
	playlist string
	song     reconcile.Song
}

// Model represents the TUI state
type Model struct {
	ctrl   Controller
	server string

	status  client.Status
	entries []entry
	cursor  int
	message string

	quit chan struct{}

	width  int
	height int
}

// StatusMsg carries a fresh client status
type StatusMsg client.Status

// actionMsg reports the outcome of a background action
type actionMsg struct {
	what string
	err  error
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init starts the status poll
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.poll(), tick())
}

func (m Model) poll() tea.Cmd {
	return func() tea.Msg { return StatusMsg(m.ctrl.Status()) }
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		return m, tea.Batch(m.poll(), tick())
	case StatusMsg:
		m.applyStatus(client.Status(msg))
	case actionMsg:
		if msg.err != nil {
			m.message = fmt.Sprintf("%s failed: %v", msg.what, msg.err)
		} else {
			m.message = msg.what
		}
	}

	return m, nil
}

// applyStatus replaces the status and rebuilds the playlist rows
func (m *Model) applyStatus(st client.Status) {
	m.status = st

	lib := m.ctrl.Library()
	m.entries = nil
	for _, p := range st.Playlists {
		for _, id := range p.Songs {
			song, ok := lib.Song(id)
			if !ok {
				song = reconcile.Song{ID: id, Name: fmt.Sprintf("song %d", id)}
			}
			m.entries = append(m.entries, entry{playlist: p.Name, song: song})
		}
	}
	if m.cursor >= len(m.entries) {
		m.cursor = max(len(m.entries)-1, 0)
	}
}

// run executes fn off the update loop
func run(what string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionMsg{what: what, err: fn(ctx)}
	}
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.quit != nil {
			select {
			case m.quit <- struct{}{}:
			default:
			}
		}
		return m, tea.Quit

	case " ":
		switch m.status.Playback {
		case playback.Playing:
			return m, run("paused", func(context.Context) error { return m.ctrl.Pause() })
		case playback.Paused:
			return m, run("resumed", func(context.Context) error { return m.ctrl.Resume() })
		}

	case "s":
		return m, run("stopped", func(context.Context) error { return m.ctrl.Stop() })

	case "+", "=":
		m.status.Volume = min(m.status.Volume+volumeStep, 1)
		m.ctrl.SetVolume(m.status.Volume)
	case "-", "_":
		m.status.Volume = max(m.status.Volume-volumeStep, 0)
		m.ctrl.SetVolume(m.status.Volume)

	case "r":
		m.message = "syncing..."
		return m, run("synced", func(ctx context.Context) error {
			_, err := m.ctrl.Sync(ctx)
			return err
		})

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.entries)-1 {
			m.cursor++
		}
	case "enter":
		if len(m.entries) == 0 {
			return m, nil
		}
		song := m.entries[m.cursor].song
		m.message = "loading " + song.Name + "..."
		return m, run("playing "+song.Name, func(ctx context.Context) error {
			return m.ctrl.Play(ctx, song.ID)
		})
	}

	return m, nil
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	labelStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	cursorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
	faintStyle  = lipgloss.NewStyle().Faint(true)
)

// View renders the TUI
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Resonate Duplex Player"))
	if m.server != "" {
		b.WriteString(faintStyle.Render("  " + m.server))
	}
	b.WriteString("\n\n")

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-9s", label+":")))
		b.WriteString(" ")
		b.WriteString(value)
		b.WriteString("\n")
	}

	st := m.status
	row("Control", channelState(st.Control))
	row("Stream", channelState(st.Stream))
	combined := badStyle.Render("disconnected")
	if st.Connected {
		combined = okStyle.Render("connected")
		if !st.LoggedIn {
			combined = warnStyle.Render("connected, not logged in")
		}
	}
	row("Session", combined)
	b.WriteString("\n")

	row("Playback", valueStyle.Render(st.Playback.String()))
	row("Volume", valueStyle.Render(fmt.Sprintf("[%s] %d%%", renderBar(st.Volume, 10), int(st.Volume*100+0.5))))
	if st.Playing != nil {
		now := st.Playing.Name
		if st.Playing.Artist != "" {
			now = st.Playing.Artist + " - " + now
		}
		row("Playing", valueStyle.Render(truncate(now, 48)))
		row("Format", valueStyle.Render(st.Format.String()))
	} else {
		row("Playing", faintStyle.Render("nothing"))
	}
	b.WriteString("\n")

	b.WriteString(labelStyle.Render(fmt.Sprintf("Playlists (%d)", len(st.Playlists))))
	b.WriteString("\n")
	if len(m.entries) == 0 {
		b.WriteString(faintStyle.Render("  no songs"))
		b.WriteString("\n")
	}
	last := ""
	for i, e := range m.visibleEntries() {
		if e.playlist != last {
			b.WriteString(valueStyle.Render("  " + e.playlist))
			b.WriteString("\n")
			last = e.playlist
		}
		line := fmt.Sprintf("    %s", truncate(e.song.Name, 40))
		if e.song.Artist != "" {
			line += faintStyle.Render(" · " + truncate(e.song.Artist, 24))
		}
		if i+m.offset() == m.cursor {
			line = cursorStyle.Render("  > " + strings.TrimPrefix(line, "    "))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if m.message != "" {
		b.WriteString("\n")
		b.WriteString(warnStyle.Render(m.message))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(faintStyle.Render("space:pause/resume  s:stop  +/-:volume  ↑/↓ enter:play  r:resync  q:quit"))
	b.WriteString("\n")
	return b.String()
}

// listRows is how many playlist rows fit below the header
func (m Model) listRows() int {
	if m.height <= 0 {
		return 12
	}
	return max(m.height-18, 3)
}

func (m Model) offset() int {
	rows := m.listRows()
	if m.cursor < rows {
		return 0
	}
	return m.cursor - rows + 1
}

func (m Model) visibleEntries() []entry {
	off := m.offset()
	end := min(off+m.listRows(), len(m.entries))
	if off >= end {
		return nil
	}
	return m.entries[off:end]
}

func channelState(s session.ChannelState) string {
	switch s {
	case session.Connected:
		return okStyle.Render("✓ connected")
	case session.Connecting:
		return warnStyle.Render("… connecting")
	default:
		return badStyle.Render("✗ disconnected")
	}
}

func renderBar(level float64, width int) string {
	filled := min(max(int(level*float64(width)+0.5), 0), width)
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func truncate(s string, length int) string {
	if len([]rune(s)) <= length {
		return s
	}
	return string([]rune(s)[:length-3]) + "..."
}
