// ABOUTME: Duplex server: TLS control and streaming listeners plus the HTTP side
// ABOUTME: Tracks logged-in clients so streaming channels can attach to them
package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Resonate-Protocol/resonate-duplex/internal/discovery"
	"github.com/Resonate-Protocol/resonate-duplex/internal/metrics"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/channel"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/events"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/reconcile"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/session"
)

const (
	DefaultIdentityTimeout = 5 * time.Second
	DefaultAttachTimeout   = 10 * time.Second
	DefaultRequestRate     = 50
	DefaultRequestBurst    = 20
)

// Config holds server configuration
type Config struct {
	Name        string
	ControlAddr string
	StreamAddr  string

	// HTTPAddr serves /metrics and /events; empty disables it
	HTTPAddr string

	Certificate tls.Certificate

	// Identities lists accepted 6-byte client identities; empty accepts any
	Identities      []string
	IdentityTimeout time.Duration
	AttachTimeout   time.Duration

	// RequestRate and RequestBurst bound control requests per connection
	RequestRate  rate.Limit
	RequestBurst int

	Library *reconcile.Library
	Auth    Authenticator
	Media   *Media

	EnableMDNS bool

	Events *events.Bus
	Logger *log.Logger
}

// Server represents the duplex server
type Server struct {
	config      Config
	serverID    string
	fingerprint string
	logger      *log.Logger
	bus         *events.Bus
	tlsConf     *tls.Config
	upgrader    websocket.Upgrader

	controlLn  net.Listener
	streamLn   net.Listener
	httpLn     net.Listener
	httpServer *http.Server

	mdnsManager *discovery.Manager

	// clients are logged-in control connections by client id
	clientsMu sync.RWMutex
	clients   map[string]*peer
	conns     map[*channel.Channel]struct{}

	started    time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	shutdownMu sync.RWMutex
	isShutdown bool
	wg         sync.WaitGroup
}

// New validates config and creates a server. Nothing listens until Start.
func New(config Config) (*Server, error) {
	fingerprint, err := channel.LeafFingerprint(config.Certificate)
	if err != nil {
		return nil, fmt.Errorf("server certificate: %w", err)
	}
	for _, id := range config.Identities {
		if len(id) != session.IdentitySize {
			return nil, fmt.Errorf("identity %q: %w", id, session.ErrBadIdentity)
		}
	}
	if config.Name == "" {
		config.Name = "resonate-duplex"
	}
	if config.IdentityTimeout <= 0 {
		config.IdentityTimeout = DefaultIdentityTimeout
	}
	if config.AttachTimeout <= 0 {
		config.AttachTimeout = DefaultAttachTimeout
	}
	if config.RequestRate <= 0 {
		config.RequestRate = DefaultRequestRate
	}
	if config.RequestBurst <= 0 {
		config.RequestBurst = DefaultRequestBurst
	}
	if config.Library == nil {
		config.Library = reconcile.NewLibrary()
	}
	if config.Auth == nil {
		config.Auth = NewStaticAuth(nil, true)
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	if config.Media == nil {
		config.Media = NewMedia(".", logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:      config,
		serverID:    uuid.NewString(),
		fingerprint: fingerprint,
		logger:      logger.With("component", "server"),
		bus:         config.Events,
		tlsConf: &tls.Config{
			Certificates: []tls.Certificate{config.Certificate},
			MinVersion:   tls.VersionTLS12,
		},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// read-only feed for local dashboards
				return true
			},
		},
		clients: make(map[string]*peer),
		conns:   make(map[*channel.Channel]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Fingerprint is the SHA-256 pin clients configure for this server
func (s *Server) Fingerprint() string {
	return s.fingerprint
}

// ControlAddr returns the bound control address after Start
func (s *Server) ControlAddr() string { return s.controlLn.Addr().String() }

// StreamAddr returns the bound streaming address after Start
func (s *Server) StreamAddr() string { return s.streamLn.Addr().String() }

// HTTPAddr returns the bound HTTP address after Start, or "" when disabled
func (s *Server) HTTPAddr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// Library is the shared playlist store
func (s *Server) Library() *reconcile.Library { return s.config.Library }

// Start binds the listeners and serves in the background
func (s *Server) Start() error {
	var err error
	if s.controlLn, err = net.Listen("tcp", s.config.ControlAddr); err != nil {
		return fmt.Errorf("listen control: %w", err)
	}
	if s.streamLn, err = net.Listen("tcp", s.config.StreamAddr); err != nil {
		s.controlLn.Close()
		return fmt.Errorf("listen stream: %w", err)
	}

	if s.config.HTTPAddr != "" {
		if s.httpLn, err = net.Listen("tcp", s.config.HTTPAddr); err != nil {
			s.controlLn.Close()
			s.streamLn.Close()
			return fmt.Errorf("listen http: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/events", s.handleEvents)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("http server failed", "err", err)
			}
		}()
	}

	s.started = time.Now()
	s.wg.Add(2)
	go s.acceptLoop(s.controlLn, session.Control)
	go s.acceptLoop(s.streamLn, session.Stream)

	if s.config.EnableMDNS {
		s.startMDNS()
	}

	s.logger.Info("server started", "id", s.serverID, "control", s.ControlAddr(), "stream", s.StreamAddr(),
		"http", s.HTTPAddr(), "fingerprint", s.Fingerprint())
	return nil
}

func (s *Server) startMDNS() {
	s.mdnsManager = discovery.NewManager(discovery.Config{
		Name:        s.config.Name,
		ControlPort: port(s.controlLn.Addr()),
		StreamPort:  port(s.streamLn.Addr()),
		Fingerprint: s.Fingerprint(),
		Logger:      s.logger,
	})
	if err := s.mdnsManager.Advertise(); err != nil {
		s.logger.Warn("failed to start mDNS advertisement", "err", err)
	}
}

func port(addr net.Addr) int {
	_, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}

// Run starts the server and blocks until ctx is done
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.logger.Info("server shutting down")
	return s.Close()
}

// Close stops accepting, drops every connection and waits for handlers to exit
func (s *Server) Close() error {
	s.shutdownMu.Lock()
	if s.isShutdown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShutdown = true
	s.shutdownMu.Unlock()

	s.cancel()
	if s.mdnsManager != nil {
		s.mdnsManager.Stop()
	}
	if s.controlLn != nil {
		s.controlLn.Close()
	}
	if s.streamLn != nil {
		s.streamLn.Close()
	}

	s.clientsMu.Lock()
	for ch := range s.conns {
		ch.ForceDisconnect()
	}
	s.clientsMu.Unlock()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("http server shutdown error", "err", err)
		}
	}

	s.wg.Wait()
	s.logger.Info("server stopped cleanly")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShutdown
}

func (s *Server) acceptLoop(ln net.Listener, w session.Which) {
	defer s.wg.Done()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if s.shuttingDown() {
				return
			}
			s.logger.Warn("accept failed", "channel", w.String(), "err", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(raw, w)
		}()
	}
}

// handleConn runs the TLS handshake and identity check, then hands off by channel kind
func (s *Server) handleConn(raw net.Conn, w session.Which) {
	ch := channel.Accept(tls.Server(raw, s.tlsConf), w.String(), s.logger)
	if !s.track(ch) {
		ch.ForceDisconnect()
		return
	}
	defer s.untrack(ch)

	ctx, cancel := context.WithTimeout(s.ctx, s.config.IdentityTimeout)
	err := ch.Authenticate(ctx)
	cancel()
	if err != nil {
		s.logger.Debug("tls handshake failed", "channel", w.String(), "remote", raw.RemoteAddr().String(), "err", err)
		metrics.Connections.WithLabelValues(w.String(), "handshake_failed").Inc()
		ch.ForceDisconnect()
		return
	}

	ch.SetReadTimeout(s.config.IdentityTimeout)
	identity, err := ch.Receive(session.IdentitySize)
	if err != nil || !s.identityAllowed(identity) {
		s.logger.Warn("rejecting connection", "channel", w.String(), "remote", ch.RemoteAddr(), "identity", fmt.Sprintf("%q", identity), "err", err)
		metrics.Connections.WithLabelValues(w.String(), "identity_rejected").Inc()
		ch.ForceDisconnect()
		return
	}
	ch.ResetTimeouts()
	metrics.Connections.WithLabelValues(w.String(), "accepted").Inc()
	s.bus.Publish(events.Event{Kind: events.ChannelState, Channel: w.String(), State: session.Connected.String(), Detail: ch.RemoteAddr()})

	switch w {
	case session.Control:
		s.serveControl(ch)
	case session.Stream:
		s.serveStream(ch)
	}

	ch.ForceDisconnect()
	s.bus.Publish(events.Event{Kind: events.ChannelState, Channel: w.String(), State: session.Disconnected.String(), Detail: ch.RemoteAddr()})
}

func (s *Server) identityAllowed(id []byte) bool {
	if len(s.config.Identities) == 0 {
		return len(id) == session.IdentitySize
	}
	for _, allowed := range s.config.Identities {
		if bytes.Equal(id, []byte(allowed)) {
			return true
		}
	}
	return false
}

func (s *Server) track(ch *channel.Channel) bool {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if s.shuttingDown() {
		return false
	}
	s.conns[ch] = struct{}{}
	return true
}

func (s *Server) untrack(ch *channel.Channel) {
	s.clientsMu.Lock()
	delete(s.conns, ch)
	s.clientsMu.Unlock()
}

// register makes p the control connection for its client id. A previous
// connection of the same client is dropped.
func (s *Server) register(p *peer) {
	s.clientsMu.Lock()
	old := s.clients[p.clientID]
	s.clients[p.clientID] = p
	s.clientsMu.Unlock()

	if old != nil && old != p {
		s.logger.Info("replacing stale client connection", "client", p.clientID)
		old.close()
	} else if old == nil {
		metrics.ActiveClients.Inc()
	}
}

func (s *Server) unregister(p *peer) {
	s.clientsMu.Lock()
	current := p.clientID != "" && s.clients[p.clientID] == p
	if current {
		delete(s.clients, p.clientID)
	}
	s.clientsMu.Unlock()

	if current {
		metrics.ActiveClients.Dec()
	}
}

func (s *Server) client(id string) *peer {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return s.clients[id]
}

// Clients returns the number of logged-in control connections
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Kick drops a client's control and streaming channels. The client is expected
// to reconnect and log in again.
func (s *Server) Kick(clientID string) bool {
	p := s.client(clientID)
	if p == nil {
		return false
	}
	s.logger.Info("kicking client", "client", clientID)
	p.close()
	return true
}
