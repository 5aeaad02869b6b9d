// ABOUTME: Tests for the player TUI model
// ABOUTME: Drives Update with a fake controller and checks state and rendering
package ui

import (
	"context"
	"errors"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/audio"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/client"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/playback"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/reconcile"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/session"
)

type fakeController struct {
	mu      sync.Mutex
	status  client.Status
	lib     *reconcile.Library
	calls   []string
	volume  float64
	played  reconcile.SongID
	syncErr error
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeController) Status() client.Status       { return f.status }
func (f *fakeController) Library() *reconcile.Library { return f.lib }
func (f *fakeController) Pause() error                { f.record("pause"); return nil }
func (f *fakeController) Resume() error               { f.record("resume"); return nil }
func (f *fakeController) Stop() error                 { f.record("stop"); return nil }
func (f *fakeController) SetVolume(level float64)     { f.volume = level }

func (f *fakeController) Sync(ctx context.Context) (reconcile.Diff, error) {
	f.record("sync")
	return reconcile.Diff{}, f.syncErr
}

func (f *fakeController) Play(ctx context.Context, id reconcile.SongID) error {
	f.record("play")
	f.played = id
	return nil
}

func newFake() *fakeController {
	lib := reconcile.NewLibrary()
	lib.AddSong(reconcile.Song{ID: 1, Name: "Blue Monday", Artist: "New Order"})
	lib.AddSong(reconcile.Song{ID: 2, Name: "Heroes", Artist: "David Bowie"})
	p := lib.CreatePlaylist("Favourites")
	lib.AddToPlaylist(p, 1)
	lib.AddToPlaylist(p, 2)

	return &fakeController{
		lib: lib,
		status: client.Status{
			Control:   session.Connected,
			Stream:    session.Connected,
			Connected: true,
			LoggedIn:  true,
			Playback:  playback.Playing,
			Format:    audio.CD,
			Volume:    0.5,
			Playing:   &reconcile.Song{ID: 1, Name: "Blue Monday", Artist: "New Order"},
			Playlists: lib.Snapshot(),
		},
	}
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case " ":
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// press sends a key and runs any returned command once, feeding its message back
func press(t *testing.T, m Model, k string) Model {
	t.Helper()
	next, cmd := m.Update(key(k))
	m = next.(Model)
	if cmd != nil {
		if msg := cmd(); msg != nil {
			if _, quit := msg.(tea.QuitMsg); !quit {
				next, _ = m.Update(msg)
				m = next.(Model)
			}
		}
	}
	return m
}

func withStatus(m Model, f *fakeController) Model {
	next, _ := m.Update(StatusMsg(f.status))
	return next.(Model)
}

func TestStatusBuildsEntries(t *testing.T) {
	f := newFake()
	m := withStatus(NewModel(f, "den:8927"), f)

	require.Len(t, m.entries, 2)
	assert.Equal(t, "Favourites", m.entries[0].playlist)
	assert.Equal(t, "Heroes", m.entries[1].song.Name)

	view := m.View()
	assert.Contains(t, view, "den:8927")
	assert.Contains(t, view, "connected")
	assert.Contains(t, view, "New Order - Blue Monday")
	assert.Contains(t, view, "44100Hz/2ch/16bit")
	assert.Contains(t, view, "50%")
}

func TestUnknownSongShowsID(t *testing.T) {
	f := newFake()
	f.status.Playlists = []reconcile.Playlist{{ID: 9, Name: "Stale", Songs: []reconcile.SongID{77}}}
	m := withStatus(NewModel(f, ""), f)

	require.Len(t, m.entries, 1)
	assert.Equal(t, "song 77", m.entries[0].song.Name)
}

func TestSpaceTogglesPlayback(t *testing.T) {
	f := newFake()
	m := withStatus(NewModel(f, ""), f)

	m = press(t, m, " ")
	assert.Equal(t, "paused", m.message)

	f.status.Playback = playback.Paused
	m = withStatus(m, f)
	m = press(t, m, " ")
	assert.Equal(t, "resumed", m.message)

	f.status.Playback = playback.Stopped
	m = withStatus(m, f)
	press(t, m, " ")

	assert.Equal(t, []string{"pause", "resume"}, f.calls)
}

func TestVolumeKeys(t *testing.T) {
	f := newFake()
	m := withStatus(NewModel(f, ""), f)

	m = press(t, m, "+")
	assert.InDelta(t, 0.55, f.volume, 1e-9)
	m = press(t, m, "-")
	m = press(t, m, "-")
	assert.InDelta(t, 0.45, f.volume, 1e-9)

	for i := 0; i < 30; i++ {
		m = press(t, m, "+")
	}
	assert.Equal(t, 1.0, f.volume)
}

func TestStopAndResync(t *testing.T) {
	f := newFake()
	m := withStatus(NewModel(f, ""), f)

	m = press(t, m, "s")
	assert.Equal(t, "stopped", m.message)

	m = press(t, m, "r")
	assert.Equal(t, "synced", m.message)

	f.syncErr = errors.New("not logged in")
	m = press(t, m, "r")
	assert.Equal(t, "synced failed: not logged in", m.message)
	assert.Equal(t, []string{"stop", "sync", "sync"}, f.calls)
}

func TestCursorAndPlay(t *testing.T) {
	f := newFake()
	m := withStatus(NewModel(f, ""), f)

	m = press(t, m, "up")
	assert.Equal(t, 0, m.cursor)
	m = press(t, m, "down")
	m = press(t, m, "down")
	assert.Equal(t, 1, m.cursor, "cursor stops at the last row")

	m = press(t, m, "enter")
	assert.Equal(t, reconcile.SongID(2), f.played)
	assert.Equal(t, "playing Heroes", m.message)
}

func TestCursorClampedWhenListShrinks(t *testing.T) {
	f := newFake()
	m := withStatus(NewModel(f, ""), f)
	m = press(t, m, "down")

	f.status.Playlists = nil
	m = withStatus(m, f)
	assert.Equal(t, 0, m.cursor)
	assert.Contains(t, m.View(), "no songs")

	m = press(t, m, "enter")
	assert.Zero(t, f.played)
}

func TestQuitSignals(t *testing.T) {
	f := newFake()
	m := NewModel(f, "")

	_, cmd := m.Update(key("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())

	select {
	case <-m.Quit():
	default:
		t.Fatal("expected quit signal")
	}
}

func TestDisconnectedView(t *testing.T) {
	f := newFake()
	f.status = client.Status{Control: session.Connecting, Playlists: nil}
	m := withStatus(NewModel(f, ""), f)

	view := m.View()
	assert.Contains(t, view, "connecting")
	assert.Contains(t, view, "disconnected")
	assert.Contains(t, view, "nothing")
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "█████░░░░░", renderBar(0.5, 10))
	assert.Equal(t, "██████████", renderBar(1.7, 10))
	assert.Equal(t, "░░░░░░░░░░", renderBar(-1, 10))
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a very...", truncate("a very long title", 9))
}
