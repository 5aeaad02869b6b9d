// ABOUTME: One TLS-wrapped TCP connection with certificate pinning
// ABOUTME: Blocking whole-message transfer with per-direction timeouts
package channel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultDialTimeout bounds the TCP connect
	DefaultDialTimeout = 5 * time.Second

	// DefaultHandshakeTimeout bounds the TLS handshake
	DefaultHandshakeTimeout = 10 * time.Second

	// gracefulCloseTimeout bounds the close_notify write on graceful teardown
	gracefulCloseTimeout = 2 * time.Second
)

type state int

const (
	stateNew state = iota
	stateConnected
	stateAuthenticated
	stateClosed
)

// Config configures a client channel
type Config struct {
	// Name labels the channel in logs ("control", "stream")
	Name string

	// Fingerprint is the pinned peer certificate hash in hex
	Fingerprint string

	// ServerName is sent as SNI. Optional.
	ServerName string

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration

	Logger *log.Logger
}

// Channel is a single secured connection. Send and Receive may run
// concurrently with each other; each direction is serialized.
type Channel struct {
	name             string
	pin              Pin
	serverName       string
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	logger           *log.Logger

	mu    sync.Mutex
	state state
	raw   net.Conn
	conn  *tls.Conn

	// server channels wrap a tls.Server conn and skip pinning
	server bool

	readMu  sync.Mutex
	writeMu sync.Mutex

	timeoutMu    sync.Mutex
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// New creates an unconnected client channel. The fingerprint must parse.
func New(cfg Config) (*Channel, error) {
	pin, err := ParsePin(cfg.Fingerprint)
	if err != nil {
		return nil, err
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "channel"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Channel{
		name:             cfg.Name,
		pin:              pin,
		serverName:       cfg.ServerName,
		dialTimeout:      cfg.DialTimeout,
		handshakeTimeout: cfg.HandshakeTimeout,
		logger:           logger.With("channel", cfg.Name),
	}, nil
}

// Accept wraps a server-side TLS connection. Authenticate runs the server handshake.
func Accept(conn *tls.Conn, name string, logger *log.Logger) *Channel {
	if logger == nil {
		logger = log.Default()
	}
	return &Channel{
		name:             name,
		handshakeTimeout: DefaultHandshakeTimeout,
		logger:           logger.With("channel", name, "remote", conn.RemoteAddr().String()),
		state:            stateConnected,
		raw:              conn.NetConn(),
		conn:             conn,
		server:           true,
	}
}

// Name returns the channel label
func (c *Channel) Name() string { return c.name }

// Connect opens the TCP connection to addr
func (c *Channel) Connect(ctx context.Context, addr string) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()

	switch st {
	case stateClosed:
		return &ConnectError{Addr: addr, Err: ErrClosed}
	case stateNew:
	default:
		return &ConnectError{Addr: addr, Err: ErrAlreadyConnected}
	}

	d := net.Dialer{Timeout: c.dialTimeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &ConnectError{Addr: addr, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateNew {
		// Disconnected while dialing
		raw.Close()
		return &ConnectError{Addr: addr, Err: ErrClosed}
	}
	c.raw = raw
	c.state = stateConnected
	if c.serverName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			c.serverName = host
		}
	}

	c.logger.Debug("tcp connected", "addr", addr)
	return nil
}

// Authenticate performs the TLS handshake. Client channels validate the peer
// leaf certificate against the pinned fingerprint and fail with TrustError on mismatch.
func (c *Channel) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateNew:
		c.mu.Unlock()
		return &ChannelError{Op: "authenticate", Err: ErrNotConnected}
	case stateClosed:
		c.mu.Unlock()
		return &ChannelError{Op: "authenticate", Err: ErrClosed}
	case stateAuthenticated:
		c.mu.Unlock()
		return nil
	}

	var trustErr *TrustError
	if !c.server {
		c.conn = tls.Client(c.raw, &tls.Config{
			ServerName: c.serverName,
			MinVersion: tls.VersionTLS12,
			// Chain validation is replaced by the pin check below
			InsecureSkipVerify: true,
			VerifyConnection: func(cs tls.ConnectionState) error {
				if len(cs.PeerCertificates) == 0 {
					trustErr = &TrustError{Expected: c.pin.String()}
					return trustErr
				}
				leaf := cs.PeerCertificates[0]
				if !c.pin.Matches(leaf) {
					trustErr = &TrustError{Expected: c.pin.String(), Got: fmt.Sprintf("%x", c.pin.Digest(leaf.Raw))}
					return trustErr
				}
				return nil
			},
		})
	}
	conn := c.conn
	c.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	if err := conn.HandshakeContext(hctx); err != nil {
		if trustErr != nil {
			c.logger.Warn("peer certificate rejected", "got", trustErr.Got)
			return trustErr
		}
		return &ChannelError{Op: "authenticate", Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return &ChannelError{Op: "authenticate", Err: ErrClosed}
	}
	c.state = stateAuthenticated

	c.logger.Debug("tls established", "version", tls.VersionName(conn.ConnectionState().Version))
	return nil
}

// stream returns the TLS connection if the channel is authenticated
func (c *Channel) stream(op string) (*tls.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateAuthenticated:
		return c.conn, nil
	case stateClosed:
		return nil, &ChannelError{Op: op, Err: ErrClosed}
	default:
		return nil, &ChannelError{Op: op, Err: ErrNotAuthenticated}
	}
}

// Send writes all of b, honoring the write timeout
func (c *Channel) Send(b []byte) error {
	_, err := c.Write(b)
	return err
}

// Write implements io.Writer over the encrypted stream
func (c *Channel) Write(b []byte) (int, error) {
	conn, err := c.stream("send")
	if err != nil {
		return 0, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(deadline(c.WriteTimeout())); err != nil {
		return 0, &ChannelError{Op: "send", Err: err}
	}
	n, err := conn.Write(b)
	if err != nil {
		return n, &ChannelError{Op: "send", Err: err}
	}
	return n, nil
}

// Receive blocks until exactly size bytes have been read. Partial reads are
// accumulated; a peer reset or timeout fails the whole call.
func (c *Channel) Receive(size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(c, buf); err != nil {
		var ce *ChannelError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &ChannelError{Op: "receive", Err: err}
	}
	return buf, nil
}

// Read implements io.Reader over the encrypted stream. The read timeout applies per call.
func (c *Channel) Read(p []byte) (int, error) {
	conn, err := c.stream("receive")
	if err != nil {
		return 0, err
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	if err := conn.SetReadDeadline(deadline(c.ReadTimeout())); err != nil {
		return 0, &ChannelError{Op: "receive", Err: err}
	}
	n, err := conn.Read(p)
	if err == io.EOF {
		return n, err
	}
	if err != nil {
		return n, &ChannelError{Op: "receive", Err: err}
	}
	return n, nil
}

// SetReadTimeout bounds every subsequent read. Zero means no limit.
func (c *Channel) SetReadTimeout(d time.Duration) {
	c.timeoutMu.Lock()
	c.readTimeout = d
	c.timeoutMu.Unlock()
}

// SetWriteTimeout bounds every subsequent write. Zero means no limit.
func (c *Channel) SetWriteTimeout(d time.Duration) {
	c.timeoutMu.Lock()
	c.writeTimeout = d
	c.timeoutMu.Unlock()
}

// ResetTimeouts restores infinite timeouts in both directions
func (c *Channel) ResetTimeouts() {
	c.timeoutMu.Lock()
	c.readTimeout = 0
	c.writeTimeout = 0
	c.timeoutMu.Unlock()
}

func (c *Channel) ReadTimeout() time.Duration {
	c.timeoutMu.Lock()
	defer c.timeoutMu.Unlock()
	return c.readTimeout
}

func (c *Channel) WriteTimeout() time.Duration {
	c.timeoutMu.Lock()
	defer c.timeoutMu.Unlock()
	return c.writeTimeout
}

// Connected reports whether the TLS handshake completed and no teardown ran
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateAuthenticated
}

// RemoteAddr returns the peer address, or "" before Connect
func (c *Channel) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.raw == nil {
		return ""
	}
	return c.raw.RemoteAddr().String()
}

// ForceDisconnect aborts the connection with a TCP reset. Safe from any state.
func (c *Channel) ForceDisconnect() {
	raw := c.markClosed()
	if raw == nil {
		return
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	_ = raw.Close()
	c.logger.Debug("force disconnected")
}

// GracefulDisconnect sends close_notify when the handshake completed and
// closes the socket. Safe from any state.
func (c *Channel) GracefulDisconnect() {
	c.mu.Lock()
	authenticated := c.state == stateAuthenticated
	conn := c.conn
	c.mu.Unlock()

	raw := c.markClosed()
	if raw == nil {
		return
	}
	if authenticated && conn != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(gracefulCloseTimeout))
		_ = conn.Close()
	} else {
		_ = raw.Close()
	}
	c.logger.Debug("disconnected")
}

// markClosed transitions to closed and returns the socket to release, if any
func (c *Channel) markClosed() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateClosed {
		return nil
	}
	c.state = stateClosed
	raw := c.raw
	return raw
}

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}
