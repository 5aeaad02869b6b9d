// ABOUTME: Control-plane message type definitions
// ABOUTME: Request and reply payloads exchanged with the server
package protocol

import (
	"github.com/Resonate-Protocol/resonate-duplex/pkg/audio"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/reconcile"
)

// Type names a message kind
type Type string

// Client to server
const (
	TypeLogin          Type = "auth/login"
	TypeRegister       Type = "auth/register"
	TypeAttach         Type = "session/attach"
	TypeDisconnect     Type = "session/disconnect"
	TypeSearch         Type = "library/search"
	TypeSyncRequest    Type = "sync/request"
	TypeStreamRequest  Type = "stream/request"
	TypePlaylistCreate Type = "playlist/create"
	TypePlaylistRename Type = "playlist/rename"
	TypePlaylistDelete Type = "playlist/delete"
	TypePlaylistAdd    Type = "playlist/add_song"
	TypePlaylistRemove Type = "playlist/remove_song"
)

// Server to client
const (
	TypeAuthResult     Type = "auth/result"
	TypeRegisterResult Type = "register/result"
	TypeAttachResult   Type = "session/attached"
	TypeDisconnectAck  Type = "disconnect/ack"
	TypeSearchResult   Type = "search/result"
	TypeSyncDiff       Type = "sync/diff"
	TypeSyncAck        Type = "sync/ack"
	TypeStreamStart    Type = "stream/start"
	TypeError          Type = "server/error"
)

// Login authenticates the control channel
type Login struct {
	User     string `json:"user"`
	Password string `json:"password"`
	ClientID string `json:"client_id"`
}

// Register creates an account and logs it in
type Register struct {
	User     string `json:"user"`
	Password string `json:"password"`
	ClientID string `json:"client_id"`
}

// AuthResult answers Login
type AuthResult struct {
	OK    bool   `json:"ok"`
	User  string `json:"user,omitempty"`
	Error string `json:"error,omitempty"`
}

// RegisterResult answers Register
type RegisterResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Attach binds the streaming channel it is sent on to a logged-in client
type Attach struct {
	ClientID string `json:"client_id"`
}

// AttachResult is sent on the control channel once the streaming channel is bound
type AttachResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Disconnect announces a clean client shutdown
type Disconnect struct{}

// DisconnectAck answers Disconnect
type DisconnectAck struct{}

// Search queries the server library
type Search struct {
	Query string `json:"query"`
}

// SearchResult answers Search
type SearchResult struct {
	Songs []reconcile.Song `json:"songs"`
}

// SyncRequest carries the client's last-known playlists
type SyncRequest struct {
	Playlists []reconcile.Playlist `json:"playlists"`
}

// SyncDiff answers SyncRequest
type SyncDiff struct {
	Diff reconcile.Diff `json:"diff"`
}

// PlaylistCreate adds a playlist
type PlaylistCreate struct {
	Name string `json:"name"`
}

// PlaylistRename renames a playlist
type PlaylistRename struct {
	ID   reconcile.PlaylistID `json:"id"`
	Name string               `json:"name"`
}

// PlaylistDelete removes a playlist
type PlaylistDelete struct {
	ID reconcile.PlaylistID `json:"id"`
}

// PlaylistSong adds or removes one song
type PlaylistSong struct {
	Playlist reconcile.PlaylistID `json:"playlist"`
	Song     reconcile.SongID     `json:"song"`
}

// SyncAck answers a playlist edit with the diff the client applies locally
type SyncAck struct {
	OK    bool           `json:"ok"`
	Error string         `json:"error,omitempty"`
	Diff  reconcile.Diff `json:"diff"`
}

// StreamRequest asks for a song's audio on the streaming channel
type StreamRequest struct {
	Song reconcile.SongID `json:"song"`
}

// StreamStart precedes the encoded stream on the streaming channel
type StreamStart struct {
	OK     bool             `json:"ok"`
	Error  string           `json:"error,omitempty"`
	Song   reconcile.SongID `json:"song"`
	Size   int64            `json:"size"`
	Format audio.Format     `json:"format"`
}

// Error is pushed for failures with no dedicated reply
type Error struct {
	Request Type   `json:"request,omitempty"`
	Message string `json:"message"`
}
