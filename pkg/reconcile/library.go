// ABOUTME: Mutex-guarded playlist and song store used on both server and client
// ABOUTME: Diff holds the read lock for the whole computation so it sees one snapshot
package reconcile

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	ErrUnknownPlaylist = errors.New("playlist not found")
	ErrSongNotInList   = errors.New("song not in playlist")
	ErrDuplicateSong   = errors.New("song already in playlist")
)

type playlist struct {
	name  string
	songs []SongID
}

// Library is a consistent playlist and song store
type Library struct {
	mu           sync.RWMutex
	songs        map[SongID]Song
	playlists    map[PlaylistID]*playlist
	nextPlaylist PlaylistID
	nextSong     SongID
}

// NewLibrary creates an empty library
func NewLibrary() *Library {
	return &Library{
		songs:        make(map[SongID]Song),
		playlists:    make(map[PlaylistID]*playlist),
		nextPlaylist: 1,
		nextSong:     1,
	}
}

// Load replaces the library contents with the given records
func (l *Library) Load(playlists []Playlist, songs []Song) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.songs = make(map[SongID]Song, len(songs))
	l.playlists = make(map[PlaylistID]*playlist, len(playlists))
	l.nextPlaylist, l.nextSong = 1, 1

	for _, s := range songs {
		l.putSongLocked(s)
	}
	for _, p := range playlists {
		l.playlists[p.ID] = &playlist{name: p.Name, songs: slices.Clone(p.Songs)}
		l.nextPlaylist = max(l.nextPlaylist, p.ID+1)
	}
}

func (l *Library) putSongLocked(s Song) {
	l.songs[s.ID] = s
	l.nextSong = max(l.nextSong, s.ID+1)
}

// AddSong stores a song record. A zero ID is assigned the next free id.
func (l *Library) AddSong(s Song) SongID {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s.ID == 0 {
		s.ID = l.nextSong
	}
	l.putSongLocked(s)
	return s.ID
}

// Song implements SongResolver
func (l *Library) Song(id SongID) (Song, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.songs[id]
	return s, ok
}

// Songs returns every song record ordered by id
func (l *Library) Songs() []Song {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Song, 0, len(l.songs))
	for _, s := range l.songs {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Song) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Search returns songs whose name or artist contains query, case-insensitively
func (l *Library) Search(query string) []Song {
	q := strings.ToLower(strings.TrimSpace(query))

	var out []Song
	for _, s := range l.Songs() {
		if q == "" || strings.Contains(strings.ToLower(s.Name), q) || strings.Contains(strings.ToLower(s.Artist), q) {
			out = append(out, s)
		}
	}
	return out
}

// CreatePlaylist adds an empty playlist and returns its id
func (l *Library) CreatePlaylist(name string) PlaylistID {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextPlaylist
	l.nextPlaylist++
	l.playlists[id] = &playlist{name: name}
	return id
}

// RenamePlaylist changes a playlist's name
func (l *Library) RenamePlaylist(id PlaylistID, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.playlists[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPlaylist, id)
	}
	p.name = name
	return nil
}

// DeletePlaylist removes a playlist. Song records stay.
func (l *Library) DeletePlaylist(id PlaylistID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.playlists[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPlaylist, id)
	}
	delete(l.playlists, id)
	return nil
}

// AddToPlaylist appends a known song to a playlist
func (l *Library) AddToPlaylist(id PlaylistID, song SongID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.playlists[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPlaylist, id)
	}
	if _, ok := l.songs[song]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSong, song)
	}
	if slices.Contains(p.songs, song) {
		return fmt.Errorf("%w: %d", ErrDuplicateSong, song)
	}
	p.songs = append(p.songs, song)
	return nil
}

// RemoveFromPlaylist drops a song from a playlist
func (l *Library) RemoveFromPlaylist(id PlaylistID, song SongID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.playlists[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPlaylist, id)
	}
	i := slices.Index(p.songs, song)
	if i < 0 {
		return fmt.Errorf("%w: %d", ErrSongNotInList, song)
	}
	p.songs = slices.Delete(p.songs, i, i+1)
	return nil
}

// Snapshot copies the playlists ordered by id
func (l *Library) Snapshot() []Playlist {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

func (l *Library) snapshotLocked() []Playlist {
	out := make([]Playlist, 0, len(l.playlists))
	for id, p := range l.playlists {
		out = append(out, Playlist{ID: id, Name: p.name, Songs: slices.Clone(p.songs)})
	}
	slices.SortFunc(out, func(a, b Playlist) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Diff computes the edits from client to this library under one read lock
func (l *Library) Diff(client []Playlist) (Diff, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Compute(client, l.snapshotLocked(), lockedResolver{l})
}

// lockedResolver reads songs while the caller already holds the lock
type lockedResolver struct{ l *Library }

func (r lockedResolver) Song(id SongID) (Song, bool) {
	s, ok := r.l.songs[id]
	return s, ok
}

// Apply mutates the library by d. Categories run in diff order so songs for
// newly added playlists land after the playlist exists.
func (l *Library) Apply(d Diff) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range d.DeletePlaylists {
		delete(l.playlists, id)
	}
	for _, p := range d.AddPlaylists {
		l.playlists[p.ID] = &playlist{name: p.Name}
		l.nextPlaylist = max(l.nextPlaylist, p.ID+1)
	}
	for _, p := range d.RenamePlaylists {
		if pl, ok := l.playlists[p.ID]; ok {
			pl.name = p.Name
		}
	}
	for _, ref := range d.DeleteSongs {
		if pl, ok := l.playlists[ref.Playlist]; ok {
			pl.songs = slices.DeleteFunc(pl.songs, func(s SongID) bool { return s == ref.Song })
		}
	}
	for _, b := range d.AddSongs {
		pl, ok := l.playlists[b.Playlist]
		if !ok {
			continue
		}
		for _, s := range b.Songs {
			l.putSongLocked(s)
			if !slices.Contains(pl.songs, s.ID) {
				pl.songs = append(pl.songs, s.ID)
			}
		}
	}
}
