// ABOUTME: Playlist, song and diff types exchanged during reconciliation
// ABOUTME: Empty diff categories are nil so they are omitted on the wire
package reconcile

type (
	PlaylistID int64
	SongID     int64
)

// Song is a full song record
type Song struct {
	ID     SongID `json:"id" toml:"id"`
	Name   string `json:"name" toml:"name"`
	Artist string `json:"artist" toml:"artist"`
	// Duration in seconds
	Duration int    `json:"duration" toml:"duration"`
	Artwork  string `json:"artwork,omitempty" toml:"artwork,omitempty"`
	// Audio references the media source on the server
	Audio string `json:"audio" toml:"audio"`
}

// Playlist is one entry of a snapshot. Songs keeps playlist order.
type Playlist struct {
	ID    PlaylistID `json:"id" toml:"id"`
	Name  string     `json:"name" toml:"name"`
	Songs []SongID   `json:"songs" toml:"songs"`
}

// PlaylistName pairs an id with a name for add and rename entries
type PlaylistName struct {
	ID   PlaylistID `json:"id"`
	Name string     `json:"name"`
}

// SongRef addresses one song inside one playlist
type SongRef struct {
	Playlist PlaylistID `json:"playlist"`
	Song     SongID     `json:"song"`
}

// SongBatch lists the full records to append to a playlist
type SongBatch struct {
	Playlist PlaylistID `json:"playlist"`
	Songs    []Song     `json:"songs"`
}

// Diff is the edit set that brings a client to the server's state.
// A nil field means nothing changed in that category.
type Diff struct {
	DeletePlaylists []PlaylistID   `json:"delete_playlists,omitempty"`
	AddPlaylists    []PlaylistName `json:"add_playlists,omitempty"`
	RenamePlaylists []PlaylistName `json:"rename_playlists,omitempty"`
	DeleteSongs     []SongRef      `json:"delete_songs,omitempty"`
	AddSongs        []SongBatch    `json:"add_songs,omitempty"`
}

// Empty reports whether every category is absent
func (d Diff) Empty() bool {
	return d.DeletePlaylists == nil &&
		d.AddPlaylists == nil &&
		d.RenamePlaylists == nil &&
		d.DeleteSongs == nil &&
		d.AddSongs == nil
}

// Changes counts the individual edits in d
func (d Diff) Changes() int {
	n := len(d.DeletePlaylists) + len(d.AddPlaylists) + len(d.RenamePlaylists) + len(d.DeleteSongs)
	for _, b := range d.AddSongs {
		n += len(b.Songs)
	}
	return n
}
