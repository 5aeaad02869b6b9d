// ABOUTME: Streaming playback: request a song, decode the packet stream, feed the engine
// ABOUTME: Also exposes transport controls and a status snapshot for front ends
package client

import (
	"bytes"
	"context"
	"fmt"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/audio"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/correlator"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/packet"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/playback"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/protocol"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/reconcile"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/session"
)

// Play streams song from the server and starts playing it. The whole stream
// is received before playback starts, so a later reconnect does not interrupt it.
func (c *Client) Play(ctx context.Context, id reconcile.SongID) error {
	if err := c.requireLogin(); err != nil {
		return err
	}

	mu := c.kindMu[KindAudioStream]
	mu.Lock()
	defer mu.Unlock()

	c.corr.Drain(KindAudioStream)
	audioReq, err := c.corr.Issue(KindAudioStream)
	if err != nil {
		return fmt.Errorf("play: %w", err)
	}
	defer audioReq.Cancel()

	start, err := call[protocol.StreamStart](ctx, c, KindStreamStart, session.Control, protocol.TypeStreamRequest,
		protocol.StreamRequest{Song: id})
	if err != nil {
		return fmt.Errorf("play: %w", err)
	}
	if !start.OK {
		return fmt.Errorf("play: %w: %s", ErrRejected, start.Error)
	}

	stream, err := c.awaitStream(ctx, audioReq)
	if err != nil {
		return fmt.Errorf("play: %w", err)
	}

	f, err := stream.Format()
	if err != nil {
		return fmt.Errorf("play: %w", err)
	}
	if f != start.Format {
		c.logger.Warn("stream format differs from announcement", "announced", start.Format.String(), "header", f.String())
	}
	if want := int(start.Size); want > 0 && want != len(stream.Payload) {
		c.logger.Warn("stream size differs from announcement", "announced", want, "received", len(stream.Payload))
	}

	r := bytes.NewReader(stream.Payload)
	if err := c.engine.Prepare(f, r.Read); err != nil {
		return fmt.Errorf("play: %w", err)
	}

	song, ok := c.lib.Song(id)
	if !ok {
		song = reconcile.Song{ID: id}
	}
	c.mu.Lock()
	c.playing = &song
	c.mu.Unlock()

	c.logger.Info("playing", "song", id, "format", f.String(), "duration", f.Duration(len(stream.Payload)))
	return c.engine.Play()
}

func (c *Client) awaitStream(ctx context.Context, req *correlator.Request) (*packet.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StreamTimeout)
	defer cancel()
	return correlator.AwaitAs[*packet.Stream](ctx, req)
}

func (c *Client) onFinished() {
	c.mu.Lock()
	c.playing = nil
	c.mu.Unlock()
}

// Pause holds playback
func (c *Client) Pause() error {
	return c.engine.Pause()
}

// Resume continues paused playback
func (c *Client) Resume() error {
	if c.engine.State() != playback.Paused {
		return fmt.Errorf("%w: resume while %s", playback.ErrInvalidState, c.engine.State())
	}
	return c.engine.Play()
}

// Stop ends playback and releases the current song
func (c *Client) Stop() error {
	err := c.engine.Stop()
	c.onFinished()
	return err
}

// SetVolume sets the output level in [0, 1]
func (c *Client) SetVolume(level float64) {
	c.engine.SetVolume(level)
}

// Status is a point-in-time view for front ends
type Status struct {
	Control   session.ChannelState
	Stream    session.ChannelState
	Connected bool
	LoggedIn  bool
	Playback  playback.State
	Format    audio.Format
	Volume    float64
	Playing   *reconcile.Song
	Playlists []reconcile.Playlist
}

// Status collects the current state
func (c *Client) Status() Status {
	c.mu.Lock()
	var playing *reconcile.Song
	if c.playing != nil {
		s := *c.playing
		playing = &s
	}
	loggedIn := c.loggedIn
	c.mu.Unlock()

	return Status{
		Control:   c.sess.StateOf(session.Control),
		Stream:    c.sess.StateOf(session.Stream),
		Connected: c.sess.Connected(),
		LoggedIn:  loggedIn,
		Playback:  c.engine.State(),
		Format:    c.engine.Format(),
		Volume:    c.engine.Volume(),
		Playing:   playing,
		Playlists: c.lib.Snapshot(),
	}
}
