// ABOUTME: Player client composing the dual-channel session, correlator and playback engine
// ABOUTME: Channel readers route replies by kind and trigger reconnects on read failure
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/channel"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/correlator"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/events"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/packet"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/playback"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/playback/sink"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/protocol"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/reconcile"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/session"
)

// Result kinds routed through the correlator
const (
	KindAuthentication correlator.Kind = "authentication"
	KindRegistration   correlator.Kind = "registration"
	KindAttach         correlator.Kind = "attach"
	KindDisconnect     correlator.Kind = "disconnect"
	KindSearchResult   correlator.Kind = "search_result"
	KindSyncDiff       correlator.Kind = "sync_diff"
	KindSyncAck        correlator.Kind = "sync_ack"
	KindStreamStart    correlator.Kind = "stream_start"
	KindAudioStream    correlator.Kind = "audio_stream"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultStreamTimeout  = time.Minute
	closeTimeout          = 2 * time.Second
)

var (
	// ErrNotLoggedIn is returned by calls that need an authenticated control channel
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrRejected wraps a negative reply from the server
	ErrRejected = errors.New("server rejected request")
)

// replyKinds maps server replies to the correlator kind that carries them
var replyKinds = map[protocol.Type]correlator.Kind{
	protocol.TypeAuthResult:     KindAuthentication,
	protocol.TypeRegisterResult: KindRegistration,
	protocol.TypeAttachResult:   KindAttach,
	protocol.TypeDisconnectAck:  KindDisconnect,
	protocol.TypeSearchResult:   KindSearchResult,
	protocol.TypeSyncDiff:       KindSyncDiff,
	protocol.TypeSyncAck:        KindSyncAck,
	protocol.TypeStreamStart:    KindStreamStart,
}

// Config configures a Client
type Config struct {
	ControlAddr string
	StreamAddr  string
	Fingerprint string
	ServerName  string
	Identity    []byte

	// ClientID binds the streaming channel to the control login; empty generates one
	ClientID string

	// User and Password log in during Connect and every reconnect when set
	User     string
	Password string

	RequestTimeout time.Duration
	StreamTimeout  time.Duration
	Backoff        session.Backoff

	Sink           playback.Sink
	Buffers        int
	BufferDuration time.Duration

	// Library is the last-known local state; nil starts empty
	Library *reconcile.Library

	// OnSync runs after a diff was applied to Library
	OnSync func(d reconcile.Diff)

	Events *events.Bus
	Clock  clockwork.Clock
	Logger *log.Logger
}

// Client is a connected player
type Client struct {
	cfg    Config
	sess   *session.Session
	corr   *correlator.Correlator
	engine *playback.Engine
	lib    *reconcile.Library
	bus    *events.Bus
	clock  clockwork.Clock
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// kindMu serialises callers per kind; the correlator allows one outstanding request each
	kindMu map[correlator.Kind]*sync.Mutex

	expectMu sync.Mutex
	expected map[correlator.Kind]string

	mu       sync.Mutex
	user     string
	password string
	loggedIn bool
	playing  *reconcile.Song
	closing  bool
}

// New builds a client. Nothing is dialed until Connect.
func New(cfg Config) (*Client, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = DefaultStreamTimeout
	}
	if cfg.Sink == nil {
		cfg.Sink = sink.NewDiscard()
	}
	if cfg.Library == nil {
		cfg.Library = reconcile.NewLibrary()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		corr:     correlator.New(logger),
		lib:      cfg.Library,
		bus:      cfg.Events,
		clock:    cfg.Clock,
		logger:   logger.With("component", "client"),
		ctx:      ctx,
		cancel:   cancel,
		kindMu:   make(map[correlator.Kind]*sync.Mutex),
		expected: make(map[correlator.Kind]string),
		user:     cfg.User,
		password: cfg.Password,
	}
	c.declare()

	engine, err := playback.New(playback.Config{
		Sink:           cfg.Sink,
		Buffers:        cfg.Buffers,
		BufferDuration: cfg.BufferDuration,
		OnFinished:     c.onFinished,
		Events:         cfg.Events,
		Logger:         logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	c.engine = engine

	sess, err := session.New(session.Config{
		ControlAddr: cfg.ControlAddr,
		StreamAddr:  cfg.StreamAddr,
		Fingerprint: cfg.Fingerprint,
		ServerName:  cfg.ServerName,
		Identity:    cfg.Identity,
		Backoff:     cfg.Backoff,
		OnRecover:   c.restore,
		OnChannelUp: c.channelUp,
		Events:      cfg.Events,
		Clock:       cfg.Clock,
		Logger:      logger,
	})
	if err != nil {
		engine.Close()
		cancel()
		return nil, err
	}
	c.sess = sess
	return c, nil
}

func (c *Client) declare() {
	correlator.Declare[protocol.AuthResult](c.corr, KindAuthentication)
	correlator.Declare[protocol.RegisterResult](c.corr, KindRegistration)
	correlator.Declare[protocol.AttachResult](c.corr, KindAttach)
	correlator.Declare[protocol.DisconnectAck](c.corr, KindDisconnect)
	correlator.Declare[protocol.SearchResult](c.corr, KindSearchResult)
	correlator.Declare[protocol.SyncDiff](c.corr, KindSyncDiff)
	correlator.Declare[protocol.SyncAck](c.corr, KindSyncAck)
	correlator.Declare[protocol.StreamStart](c.corr, KindStreamStart)
	correlator.Declare[*packet.Stream](c.corr, KindAudioStream)

	for _, k := range []correlator.Kind{
		KindAuthentication, KindRegistration, KindAttach, KindDisconnect, KindSearchResult,
		KindSyncDiff, KindSyncAck, KindStreamStart, KindAudioStream,
	} {
		c.kindMu[k] = &sync.Mutex{}
	}
}

// ClientID is the id the streaming channel attaches with
func (c *Client) ClientID() string { return c.cfg.ClientID }

// Session exposes the underlying dual-channel session
func (c *Client) Session() *session.Session { return c.sess }

// Library is the local playlist state kept in step with the server
func (c *Client) Library() *reconcile.Library { return c.lib }

// Connect brings both channels up and, with credentials configured, logs in,
// attaches the streaming channel and syncs.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.sess.Connect(ctx); err != nil {
		return fmt.Errorf("connect session: %w", err)
	}
	return c.restore(ctx)
}

// restore restores server-side session state on fresh channels
func (c *Client) restore(ctx context.Context) error {
	c.mu.Lock()
	user, password := c.user, c.password
	c.loggedIn = false
	c.mu.Unlock()

	if user == "" {
		return nil
	}
	if err := c.login(ctx, user, password); err != nil {
		return err
	}
	if err := c.attach(ctx); err != nil {
		return err
	}
	if _, err := c.Sync(ctx); err != nil {
		return err
	}
	return nil
}

// reconnect is started after a read failure on a live channel. A failed
// recovery is retried with backoff until it succeeds or the client closes.
func (c *Client) reconnect() {
	for failures := 0; ; {
		err := c.sess.Reconnect(c.ctx)
		if err == nil {
			c.logger.Info("reconnected", "attempts", failures+1)
			return
		}
		if c.ctx.Err() != nil || c.isClosing() || errors.Is(err, session.ErrClosed) || errors.Is(err, session.ErrDisconnected) {
			return
		}

		failures++
		delay := c.cfg.Backoff.Delay(failures)
		c.logger.Warn("reconnect failed", "err", err, "retry_in", delay)
		select {
		case <-c.ctx.Done():
			return
		case <-c.clock.After(delay):
		}
	}
}

func (c *Client) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// channelUp starts the reader for a freshly established channel
func (c *Client) channelUp(w session.Which, ch *channel.Channel) {
	switch w {
	case session.Control:
		go c.readControl(ch)
	case session.Stream:
		go c.readStream(ch)
	}
}

func (c *Client) readControl(ch *channel.Channel) {
	for {
		env, err := protocol.ReadFrame(ch)
		if err != nil {
			c.lost(session.Control, ch, err)
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) readStream(ch *channel.Channel) {
	for {
		stream, err := packet.ReadStream(ch)
		if err != nil {
			c.lost(session.Stream, ch, err)
			return
		}
		if err := c.corr.Deliver(KindAudioStream, stream); err != nil {
			c.logger.Error("audio delivery failed", "err", err)
		}
	}
}

// lost handles a reader failure. Only the live channel triggers a reconnect.
func (c *Client) lost(w session.Which, ch *channel.Channel, err error) {
	if c.isClosing() || !c.sess.Lost(w, ch) {
		return
	}
	c.logger.Warn("channel read failed", "channel", w.String(), "err", err)
	go c.reconnect()
}

// dispatch delivers one control reply to its waiter
func (c *Client) dispatch(env protocol.Envelope) {
	if env.Type == protocol.TypeError {
		msg, err := protocol.Decode[protocol.Error](env)
		if err != nil {
			c.logger.Warn("malformed server error", "err", err)
			return
		}
		c.logger.Warn("server error", "request", msg.Request, "message", msg.Message)
		return
	}

	kind, ok := replyKinds[env.Type]
	if !ok {
		c.logger.Debug("ignoring unexpected message", "type", env.Type)
		return
	}

	c.expectMu.Lock()
	want := c.expected[kind]
	c.expectMu.Unlock()
	if env.ID != "" && env.ID != want {
		c.logger.Debug("dropping stale reply", "type", env.Type, "id", env.ID)
		return
	}

	var (
		value any
		err   error
	)
	switch kind {
	case KindAuthentication:
		value, err = protocol.Decode[protocol.AuthResult](env)
	case KindRegistration:
		value, err = protocol.Decode[protocol.RegisterResult](env)
	case KindAttach:
		value, err = protocol.Decode[protocol.AttachResult](env)
	case KindDisconnect:
		value, err = protocol.Decode[protocol.DisconnectAck](env)
	case KindSearchResult:
		value, err = protocol.Decode[protocol.SearchResult](env)
	case KindSyncDiff:
		value, err = protocol.Decode[protocol.SyncDiff](env)
	case KindSyncAck:
		value, err = protocol.Decode[protocol.SyncAck](env)
	case KindStreamStart:
		value, err = protocol.Decode[protocol.StreamStart](env)
	}
	if err != nil {
		c.logger.Warn("malformed reply", "type", env.Type, "err", err)
		return
	}

	if err := c.corr.Deliver(kind, value); err != nil {
		c.logger.Error("reply delivery failed", "type", env.Type, "err", err)
	}
}

// send writes one control-plane message on channel w
func (c *Client) send(w session.Which, t protocol.Type, id string, payload any) error {
	ch := c.sess.Channel(w)
	if ch == nil {
		return fmt.Errorf("%s: %w", w, channel.ErrNotConnected)
	}
	return protocol.Send(ch, t, id, payload)
}

// call sends a request and waits for the reply of kind, bounded by the request timeout
func call[T any](ctx context.Context, c *Client, kind correlator.Kind, w session.Which, t protocol.Type, payload any) (T, error) {
	mu := c.kindMu[kind]
	mu.Lock()
	defer mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	c.corr.Drain(kind)
	return correlator.Call[T](ctx, c.corr, kind, func(id string) error {
		c.expectMu.Lock()
		c.expected[kind] = id
		c.expectMu.Unlock()
		return c.send(w, t, id, payload)
	})
}

// Close says goodbye to the server, stops playback and tears the session down
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	if c.sess.Connected() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if _, err := call[protocol.DisconnectAck](ctx, c, KindDisconnect, session.Control, protocol.TypeDisconnect, protocol.Disconnect{}); err != nil {
			c.logger.Debug("disconnect not acknowledged", "err", err)
		}
		cancel()
	}

	c.cancel()
	err := c.engine.Close()
	c.sess.GracefulDisconnect()
	c.sess.Close()
	return err
}
