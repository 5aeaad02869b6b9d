// ABOUTME: Control connection handling: login, search, sync, playlist edits and stream requests
// ABOUTME: Each connection is rate limited and replies echo the request envelope id
package server

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/Resonate-Protocol/resonate-duplex/internal/metrics"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/channel"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/events"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/packet"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/protocol"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/reconcile"
)

var errNotLoggedIn = errors.New("not logged in")

// peer is one control connection and, once attached, its streaming channel
type peer struct {
	s       *Server
	ch      *channel.Channel
	limiter *rate.Limiter
	logger  *log.Logger

	mu       sync.Mutex
	user     string
	clientID string
	stream   *channel.Channel

	// streamMu serialises encoded streams on the attached channel
	streamMu sync.Mutex
}

func (s *Server) serveControl(ch *channel.Channel) {
	p := &peer{
		s:       s,
		ch:      ch,
		limiter: rate.NewLimiter(s.config.RequestRate, s.config.RequestBurst),
		logger:  s.logger.With("remote", ch.RemoteAddr()),
	}
	defer p.shutdown()

	for {
		env, err := protocol.ReadFrame(ch)
		if err != nil {
			p.logger.Debug("control connection closed", "err", err)
			return
		}
		if err := p.limiter.Wait(s.ctx); err != nil {
			return
		}

		start := time.Now()
		p.handle(env)
		metrics.Requests.WithLabelValues(string(env.Type)).Inc()
		metrics.RequestDuration.WithLabelValues(string(env.Type)).Observe(time.Since(start).Seconds())
	}
}

func (p *peer) shutdown() {
	p.s.unregister(p)
	p.mu.Lock()
	stream := p.stream
	p.stream = nil
	p.mu.Unlock()
	if stream != nil {
		stream.ForceDisconnect()
	}
}

// close drops the control channel; serveControl then cleans up
func (p *peer) close() {
	p.ch.ForceDisconnect()
}

func (p *peer) reply(t protocol.Type, id string, payload any) {
	if err := protocol.Send(p.ch, t, id, payload); err != nil {
		p.logger.Warn("reply failed", "type", t, "err", err)
	}
}

func (p *peer) fail(req protocol.Envelope, err error) {
	p.reply(protocol.TypeError, req.ID, protocol.Error{Request: req.Type, Message: err.Error()})
}

func (p *peer) loggedIn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.user != ""
}

func (p *peer) handle(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeLogin:
		p.handleLogin(env)
		return
	case protocol.TypeRegister:
		p.handleRegister(env)
		return
	case protocol.TypeDisconnect:
		p.logger.Debug("client disconnecting")
		p.reply(protocol.TypeDisconnectAck, env.ID, protocol.DisconnectAck{})
		return
	}

	if !p.loggedIn() {
		p.fail(env, errNotLoggedIn)
		return
	}

	switch env.Type {
	case protocol.TypeSearch:
		p.handleSearch(env)
	case protocol.TypeSyncRequest:
		p.handleSync(env)
	case protocol.TypeStreamRequest:
		p.handleStream(env)
	case protocol.TypePlaylistCreate, protocol.TypePlaylistRename, protocol.TypePlaylistDelete,
		protocol.TypePlaylistAdd, protocol.TypePlaylistRemove:
		p.handleEdit(env)
	default:
		p.logger.Warn("unknown message type", "type", env.Type)
		p.fail(env, fmt.Errorf("unknown message type %q", env.Type))
	}
}

func (p *peer) bind(user, clientID string) {
	p.mu.Lock()
	p.user = user
	p.clientID = clientID
	p.mu.Unlock()
	p.s.register(p)
}

func (p *peer) handleLogin(env protocol.Envelope) {
	req, err := protocol.Decode[protocol.Login](env)
	if err == nil && req.ClientID == "" {
		err = errors.New("client_id is required")
	}
	if err == nil {
		err = p.s.config.Auth.Authenticate(req.User, req.Password)
	}
	if err != nil {
		p.logger.Info("login rejected", "user", req.User, "err", err)
		p.reply(protocol.TypeAuthResult, env.ID, protocol.AuthResult{OK: false, Error: err.Error()})
		return
	}

	p.bind(req.User, req.ClientID)
	p.logger.Info("client logged in", "user", req.User, "client", req.ClientID)
	p.reply(protocol.TypeAuthResult, env.ID, protocol.AuthResult{OK: true, User: req.User})
}

func (p *peer) handleRegister(env protocol.Envelope) {
	req, err := protocol.Decode[protocol.Register](env)
	if err == nil && req.ClientID == "" {
		err = errors.New("client_id is required")
	}
	if err == nil {
		err = p.s.config.Auth.Register(req.User, req.Password)
	}
	if err != nil {
		p.logger.Info("registration rejected", "user", req.User, "err", err)
		p.reply(protocol.TypeRegisterResult, env.ID, protocol.RegisterResult{OK: false, Error: err.Error()})
		return
	}

	p.bind(req.User, req.ClientID)
	p.logger.Info("client registered", "user", req.User, "client", req.ClientID)
	p.reply(protocol.TypeRegisterResult, env.ID, protocol.RegisterResult{OK: true})
}

func (p *peer) handleSearch(env protocol.Envelope) {
	req, err := protocol.Decode[protocol.Search](env)
	if err != nil {
		p.fail(env, err)
		return
	}
	songs := p.s.config.Library.Search(req.Query)
	p.reply(protocol.TypeSearchResult, env.ID, protocol.SearchResult{Songs: songs})
}

func (p *peer) handleSync(env protocol.Envelope) {
	req, err := protocol.Decode[protocol.SyncRequest](env)
	if err != nil {
		p.fail(env, err)
		return
	}
	diff, err := p.s.config.Library.Diff(req.Playlists)
	if err != nil {
		p.fail(env, err)
		return
	}
	p.logger.Debug("sync diff", "changes", diff.Changes())
	p.reply(protocol.TypeSyncDiff, env.ID, protocol.SyncDiff{Diff: diff})
}

// handleEdit applies a playlist edit and acknowledges it with the matching diff
func (p *peer) handleEdit(env protocol.Envelope) {
	diff, err := p.applyEdit(env)
	if err != nil {
		p.reply(protocol.TypeSyncAck, env.ID, protocol.SyncAck{OK: false, Error: err.Error()})
		return
	}
	p.s.bus.Publish(events.Event{Kind: events.SyncApplied, Detail: fmt.Sprintf("%s: %d changes", env.Type, diff.Changes())})
	p.reply(protocol.TypeSyncAck, env.ID, protocol.SyncAck{OK: true, Diff: diff})
}

func (p *peer) applyEdit(env protocol.Envelope) (reconcile.Diff, error) {
	lib := p.s.config.Library

	switch env.Type {
	case protocol.TypePlaylistCreate:
		req, err := protocol.Decode[protocol.PlaylistCreate](env)
		if err != nil {
			return reconcile.Diff{}, err
		}
		if req.Name == "" {
			return reconcile.Diff{}, errors.New("playlist name is required")
		}
		id := lib.CreatePlaylist(req.Name)
		return reconcile.Diff{AddPlaylists: []reconcile.PlaylistName{{ID: id, Name: req.Name}}}, nil

	case protocol.TypePlaylistRename:
		req, err := protocol.Decode[protocol.PlaylistRename](env)
		if err != nil {
			return reconcile.Diff{}, err
		}
		if err := lib.RenamePlaylist(req.ID, req.Name); err != nil {
			return reconcile.Diff{}, err
		}
		return reconcile.Diff{RenamePlaylists: []reconcile.PlaylistName{{ID: req.ID, Name: req.Name}}}, nil

	case protocol.TypePlaylistDelete:
		req, err := protocol.Decode[protocol.PlaylistDelete](env)
		if err != nil {
			return reconcile.Diff{}, err
		}
		if err := lib.DeletePlaylist(req.ID); err != nil {
			return reconcile.Diff{}, err
		}
		return reconcile.Diff{DeletePlaylists: []reconcile.PlaylistID{req.ID}}, nil

	case protocol.TypePlaylistAdd:
		req, err := protocol.Decode[protocol.PlaylistSong](env)
		if err != nil {
			return reconcile.Diff{}, err
		}
		if err := lib.AddToPlaylist(req.Playlist, req.Song); err != nil {
			return reconcile.Diff{}, err
		}
		song, _ := lib.Song(req.Song)
		return reconcile.Diff{AddSongs: []reconcile.SongBatch{{Playlist: req.Playlist, Songs: []reconcile.Song{song}}}}, nil

	case protocol.TypePlaylistRemove:
		req, err := protocol.Decode[protocol.PlaylistSong](env)
		if err != nil {
			return reconcile.Diff{}, err
		}
		if err := lib.RemoveFromPlaylist(req.Playlist, req.Song); err != nil {
			return reconcile.Diff{}, err
		}
		return reconcile.Diff{DeleteSongs: []reconcile.SongRef{{Playlist: req.Playlist, Song: req.Song}}}, nil
	}
	return reconcile.Diff{}, fmt.Errorf("unknown edit %q", env.Type)
}

// handleStream announces a song on control and writes its encoded stream on the attached channel
func (p *peer) handleStream(env protocol.Envelope) {
	req, err := protocol.Decode[protocol.StreamRequest](env)
	if err != nil {
		p.fail(env, err)
		return
	}

	start := protocol.StreamStart{Song: req.Song}
	refuse := func(err error) {
		start.Error = err.Error()
		p.reply(protocol.TypeStreamStart, env.ID, start)
	}

	song, ok := p.s.config.Library.Song(req.Song)
	if !ok {
		refuse(fmt.Errorf("%w: %d", reconcile.ErrUnknownSong, req.Song))
		return
	}

	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream == nil {
		refuse(errors.New("streaming channel not attached"))
		return
	}

	track, err := p.s.config.Media.Load(song.Audio)
	if err != nil {
		p.logger.Warn("media load failed", "song", song.ID, "ref", song.Audio, "err", err)
		refuse(err)
		return
	}

	start.OK = true
	start.Size = int64(len(track.Payload))
	start.Format = track.Format
	p.reply(protocol.TypeStreamStart, env.ID, start)

	p.s.wg.Add(1)
	go func() {
		defer p.s.wg.Done()
		p.sendTrack(stream, song, track)
	}()
}

func (p *peer) sendTrack(stream *channel.Channel, song reconcile.Song, track *Track) {
	p.streamMu.Lock()
	defer p.streamMu.Unlock()

	if err := p.s.ctx.Err(); err != nil {
		return
	}

	begin := time.Now()
	w := &countingWriter{w: stream}
	if err := packet.WriteStream(w, track.Header, track.Payload); err != nil {
		p.logger.Warn("stream write failed", "song", song.ID, "err", err)
		stream.ForceDisconnect()
		return
	}
	metrics.StreamedBytes.Add(float64(w.n))
	p.logger.Debug("stream sent", "song", song.ID, "bytes", w.n, "took", time.Since(begin))
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}
