// ABOUTME: Tests for library persistence
// ABOUTME: Round trip through a temp dir plus missing and corrupt files
package store

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/reconcile"
)

func quiet() *log.Logger {
	return log.NewWithOptions(&bytes.Buffer{}, log.Options{Level: log.FatalLevel})
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "library.toml")
	st := New(path, quiet())

	lib := reconcile.NewLibrary()
	lib.AddSong(reconcile.Song{ID: 1, Name: "Blue Monday", Artist: "New Order", Duration: 448, Audio: "blue.flac"})
	lib.AddSong(reconcile.Song{ID: 2, Name: "Heroes", Artist: "David Bowie", Artwork: "http://art/heroes.jpg", Audio: "tone:440:1"})
	a := lib.CreatePlaylist("Favourites")
	require.NoError(t, lib.AddToPlaylist(a, 2))
	require.NoError(t, lib.AddToPlaylist(a, 1))
	lib.CreatePlaylist("Empty")

	require.NoError(t, st.Save(lib))

	loaded := reconcile.NewLibrary()
	require.NoError(t, New(path, quiet()).Load(loaded))

	assert.Equal(t, lib.Songs(), loaded.Songs())
	snap := loaded.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "Favourites", snap[0].Name)
	assert.Equal(t, []reconcile.SongID{2, 1}, snap[0].Songs, "playlist order survives")
	assert.Empty(t, snap[1].Songs)

	// ids keep counting after the loaded ones
	assert.Equal(t, reconcile.PlaylistID(3), loaded.CreatePlaylist("Next"))
}

func TestLoadMissingFile(t *testing.T) {
	lib := reconcile.NewLibrary()
	lib.CreatePlaylist("Keep")

	require.NoError(t, New(filepath.Join(t.TempDir(), "none.toml"), quiet()).Load(lib))
	assert.Len(t, lib.Snapshot(), 1)
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[songs]\nid = "), 0644))

	err := New(path, quiet()).Load(reconcile.NewLibrary())
	assert.ErrorContains(t, err, "parse library")
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	st := New(filepath.Join(dir, "library.toml"), quiet())

	require.NoError(t, st.Save(reconcile.NewLibrary()))
	require.NoError(t, st.Save(reconcile.NewLibrary()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "library.toml", entries[0].Name())
}
