// ABOUTME: Control-plane operations: authentication, search, sync and playlist edits
// ABOUTME: Edits apply the server's acknowledgement diff to the local library
package client

import (
	"context"
	"fmt"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/events"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/protocol"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/reconcile"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/session"
)

// Login authenticates the control channel and attaches the streaming channel.
// The credentials are kept for reconnects.
func (c *Client) Login(ctx context.Context, user, password string) error {
	if err := c.login(ctx, user, password); err != nil {
		return err
	}
	c.mu.Lock()
	c.user, c.password = user, password
	c.mu.Unlock()
	return c.attach(ctx)
}

func (c *Client) login(ctx context.Context, user, password string) error {
	res, err := call[protocol.AuthResult](ctx, c, KindAuthentication, session.Control, protocol.TypeLogin,
		protocol.Login{User: user, Password: password, ClientID: c.cfg.ClientID})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if !res.OK {
		return fmt.Errorf("login: %w: %s", ErrRejected, res.Error)
	}

	c.mu.Lock()
	c.loggedIn = true
	c.mu.Unlock()
	c.logger.Info("logged in", "user", user)
	return nil
}

// Register creates an account. The server logs the new account in, so the
// streaming channel is attached as with Login.
func (c *Client) Register(ctx context.Context, user, password string) error {
	res, err := call[protocol.RegisterResult](ctx, c, KindRegistration, session.Control, protocol.TypeRegister,
		protocol.Register{User: user, Password: password, ClientID: c.cfg.ClientID})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if !res.OK {
		return fmt.Errorf("register: %w: %s", ErrRejected, res.Error)
	}

	c.mu.Lock()
	c.user, c.password = user, password
	c.loggedIn = true
	c.mu.Unlock()
	c.logger.Info("registered", "user", user)
	return c.attach(ctx)
}

// attach binds the streaming channel; the acknowledgement arrives on control
func (c *Client) attach(ctx context.Context) error {
	res, err := call[protocol.AttachResult](ctx, c, KindAttach, session.Stream, protocol.TypeAttach,
		protocol.Attach{ClientID: c.cfg.ClientID})
	if err != nil {
		return fmt.Errorf("attach stream: %w", err)
	}
	if !res.OK {
		return fmt.Errorf("attach stream: %w: %s", ErrRejected, res.Error)
	}
	return nil
}

// LoggedIn reports whether the current control channel is authenticated
func (c *Client) LoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedIn
}

func (c *Client) requireLogin() error {
	if !c.LoggedIn() {
		return ErrNotLoggedIn
	}
	return nil
}

// Search queries the server library by song name or artist
func (c *Client) Search(ctx context.Context, query string) ([]reconcile.Song, error) {
	if err := c.requireLogin(); err != nil {
		return nil, err
	}
	res, err := call[protocol.SearchResult](ctx, c, KindSearchResult, session.Control, protocol.TypeSearch,
		protocol.Search{Query: query})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return res.Songs, nil
}

// Sync sends the local snapshot, applies the server's diff and returns it
func (c *Client) Sync(ctx context.Context) (reconcile.Diff, error) {
	if err := c.requireLogin(); err != nil {
		return reconcile.Diff{}, err
	}
	res, err := call[protocol.SyncDiff](ctx, c, KindSyncDiff, session.Control, protocol.TypeSyncRequest,
		protocol.SyncRequest{Playlists: c.lib.Snapshot()})
	if err != nil {
		return reconcile.Diff{}, fmt.Errorf("sync: %w", err)
	}

	c.apply(res.Diff)
	c.logger.Info("synced", "changes", res.Diff.Changes())
	return res.Diff, nil
}

// apply mutates the local library and notifies observers
func (c *Client) apply(d reconcile.Diff) {
	c.lib.Apply(d)
	c.bus.Publish(events.Event{Kind: events.SyncApplied, Detail: fmt.Sprintf("%d changes", d.Changes())})
	if c.cfg.OnSync != nil {
		c.cfg.OnSync(d)
	}
}

// edit sends one playlist edit and applies the acknowledged diff
func (c *Client) edit(ctx context.Context, t protocol.Type, payload any) (reconcile.Diff, error) {
	if err := c.requireLogin(); err != nil {
		return reconcile.Diff{}, err
	}
	ack, err := call[protocol.SyncAck](ctx, c, KindSyncAck, session.Control, t, payload)
	if err != nil {
		return reconcile.Diff{}, fmt.Errorf("%s: %w", t, err)
	}
	if !ack.OK {
		return reconcile.Diff{}, fmt.Errorf("%s: %w: %s", t, ErrRejected, ack.Error)
	}
	c.apply(ack.Diff)
	return ack.Diff, nil
}

// CreatePlaylist adds an empty playlist on the server and returns its id
func (c *Client) CreatePlaylist(ctx context.Context, name string) (reconcile.PlaylistID, error) {
	d, err := c.edit(ctx, protocol.TypePlaylistCreate, protocol.PlaylistCreate{Name: name})
	if err != nil {
		return 0, err
	}
	if len(d.AddPlaylists) != 1 {
		return 0, fmt.Errorf("create playlist: acknowledgement carried %d playlists", len(d.AddPlaylists))
	}
	return d.AddPlaylists[0].ID, nil
}

// RenamePlaylist renames a playlist
func (c *Client) RenamePlaylist(ctx context.Context, id reconcile.PlaylistID, name string) error {
	_, err := c.edit(ctx, protocol.TypePlaylistRename, protocol.PlaylistRename{ID: id, Name: name})
	return err
}

// DeletePlaylist removes a playlist
func (c *Client) DeletePlaylist(ctx context.Context, id reconcile.PlaylistID) error {
	_, err := c.edit(ctx, protocol.TypePlaylistDelete, protocol.PlaylistDelete{ID: id})
	return err
}

// AddToPlaylist appends a song to a playlist
func (c *Client) AddToPlaylist(ctx context.Context, id reconcile.PlaylistID, song reconcile.SongID) error {
	_, err := c.edit(ctx, protocol.TypePlaylistAdd, protocol.PlaylistSong{Playlist: id, Song: song})
	return err
}

// RemoveFromPlaylist drops a song from a playlist
func (c *Client) RemoveFromPlaylist(ctx context.Context, id reconcile.PlaylistID, song reconcile.SongID) error {
	_, err := c.edit(ctx, protocol.TypePlaylistRemove, protocol.PlaylistSong{Playlist: id, Song: song})
	return err
}
