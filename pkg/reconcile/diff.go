// ABOUTME: Set-difference reconciliation of client and server playlist snapshots
// ABOUTME: Output is sorted by id so equal inputs give equal diffs
package reconcile

import (
	"errors"
	"fmt"
	"slices"
)

// ErrUnknownSong is returned when a server playlist references a song with no record
var ErrUnknownSong = errors.New("song record not found")

// SongResolver resolves song ids to full records
type SongResolver interface {
	Song(id SongID) (Song, bool)
}

// Compute returns the diff from client to server. Neither snapshot is modified.
// Duplicate playlist ids in a snapshot keep the last entry.
func Compute(client, server []Playlist, songs SongResolver) (Diff, error) {
	clientByID := index(client)
	serverByID := index(server)

	var d Diff

	for _, id := range sortedIDs(clientByID) {
		if _, ok := serverByID[id]; !ok {
			d.DeletePlaylists = append(d.DeletePlaylists, id)
		}
	}

	for _, id := range sortedIDs(serverByID) {
		sp := serverByID[id]
		cp, common := clientByID[id]

		if !common {
			d.AddPlaylists = append(d.AddPlaylists, PlaylistName{ID: id, Name: sp.Name})
		} else if sp.Name != cp.Name {
			d.RenamePlaylists = append(d.RenamePlaylists, PlaylistName{ID: id, Name: sp.Name})
		}

		var have map[SongID]struct{}
		if common {
			have = songSet(cp.Songs)
			want := songSet(sp.Songs)
			for _, sid := range dedupe(cp.Songs) {
				if _, ok := want[sid]; !ok {
					d.DeleteSongs = append(d.DeleteSongs, SongRef{Playlist: id, Song: sid})
				}
			}
		}

		var batch []Song
		for _, sid := range dedupe(sp.Songs) {
			if _, ok := have[sid]; ok {
				continue
			}
			rec, ok := songs.Song(sid)
			if !ok {
				return Diff{}, fmt.Errorf("%w: playlist %d song %d", ErrUnknownSong, id, sid)
			}
			batch = append(batch, rec)
		}
		if batch != nil {
			d.AddSongs = append(d.AddSongs, SongBatch{Playlist: id, Songs: batch})
		}
	}

	return d, nil
}

func index(ps []Playlist) map[PlaylistID]Playlist {
	m := make(map[PlaylistID]Playlist, len(ps))
	for _, p := range ps {
		m[p.ID] = p
	}
	return m
}

func sortedIDs(m map[PlaylistID]Playlist) []PlaylistID {
	ids := make([]PlaylistID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func songSet(ids []SongID) map[SongID]struct{} {
	m := make(map[SongID]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

// dedupe keeps the first occurrence of each id, preserving order
func dedupe(ids []SongID) []SongID {
	seen := make(map[SongID]struct{}, len(ids))
	out := make([]SongID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
