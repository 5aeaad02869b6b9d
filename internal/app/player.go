// ABOUTME: Player application wiring config, discovery, storage, client and UI
// ABOUTME: Persists the library after every sync and fetches artwork in the background
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"

	"github.com/Resonate-Protocol/resonate-duplex/internal/artwork"
	"github.com/Resonate-Protocol/resonate-duplex/internal/config"
	"github.com/Resonate-Protocol/resonate-duplex/internal/discovery"
	"github.com/Resonate-Protocol/resonate-duplex/internal/metrics"
	"github.com/Resonate-Protocol/resonate-duplex/internal/store"
	"github.com/Resonate-Protocol/resonate-duplex/internal/ui"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/client"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/events"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/playback"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/playback/sink"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/reconcile"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/session"
)

const artworkTimeout = time.Minute

// Player represents the main player application
type Player struct {
	config *config.Player
	tui    bool
	logger *log.Logger

	bus     *events.Bus
	store   *store.Store
	artwork *artwork.Downloader
	sink    playback.Sink
	client  *client.Client
	tuiProg *tea.Program
	quit    <-chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg and creates a player. Nothing connects until Start.
func New(cfg *config.Player, tui bool, logger *log.Logger) (*Player, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}

	art, err := artwork.NewDownloader(cfg.Storage.ArtworkDir, logger)
	if err != nil {
		return nil, err
	}
	out, err := newSink(cfg.Playback.Sink, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Player{
		config:  cfg,
		tui:     tui,
		logger:  logger,
		bus:     events.New(),
		store:   store.New(cfg.Storage.Library, logger),
		artwork: art,
		sink:    out,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// newSink maps a playback.sink config value to an output
func newSink(name string, logger *log.Logger) (playback.Sink, error) {
	switch name {
	case "malgo":
		return sink.NewMalgo(logger), nil
	case "oto":
		return sink.NewOto(logger), nil
	case "discard":
		return sink.NewDiscard(), nil
	}
	return nil, fmt.Errorf("%w: unknown sink %q", config.ErrInvalid, name)
}

// Events exposes the player's event bus
func (p *Player) Events() *events.Bus { return p.bus }

// Client returns the connected client, nil before Start
func (p *Player) Client() *client.Client { return p.client }

// resolve returns the configured endpoints, browsing mDNS when they are missing
func (p *Player) resolve(ctx context.Context) (config.PlayerServer, error) {
	srv := p.config.Server
	if !p.config.Discover() {
		return srv, nil
	}

	p.logger.Info("no server configured, browsing mdns", "timeout", p.config.Discovery.Timeout.Duration)
	m := discovery.NewManager(discovery.Config{Logger: p.logger})
	defer m.Stop()

	ctx, cancel := context.WithTimeout(ctx, p.config.Discovery.Timeout.Duration)
	defer cancel()
	info, err := m.Find(ctx)
	if err != nil {
		return srv, err
	}

	srv.Control, srv.Stream = info.ControlAddr, info.StreamAddr
	if srv.Fingerprint == "" {
		// TXT pin is only as trustworthy as the local network
		p.logger.Warn("using fingerprint from mdns announcement", "server", info.Name)
		srv.Fingerprint = info.Fingerprint
	}
	return srv, nil
}

// Start loads the library, connects and, in TUI mode, launches the interface
func (p *Player) Start(ctx context.Context) error {
	srv, err := p.resolve(ctx)
	if err != nil {
		return fmt.Errorf("find server: %w", err)
	}

	lib := reconcile.NewLibrary()
	if err := p.store.Load(lib); err != nil {
		return err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		metrics.Observe(p.ctx, p.bus)
	}()

	c, err := client.New(client.Config{
		ControlAddr:    srv.Control,
		StreamAddr:     srv.Stream,
		Fingerprint:    srv.Fingerprint,
		ServerName:     srv.ServerName,
		Identity:       []byte(srv.Identity),
		ClientID:       p.config.Account.ClientID,
		User:           p.config.Account.User,
		Password:       p.config.Account.Password,
		RequestTimeout: p.config.Network.RequestTimeout.Duration,
		StreamTimeout:  p.config.Network.StreamTimeout.Duration,
		Backoff: session.Backoff{
			Min: p.config.Network.BackoffMin.Duration,
			Max: p.config.Network.BackoffMax.Duration,
		},
		Sink:           p.sink,
		Buffers:        p.config.Playback.Buffers,
		BufferDuration: p.config.Playback.BufferDuration.Duration,
		Library:        lib,
		OnSync:         p.onSync,
		Events:         p.bus,
		Logger:         p.logger,
	})
	if err != nil {
		return err
	}
	p.client = c
	c.SetVolume(p.config.Playback.Volume)

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", srv.Control, err)
	}
	p.logger.Info("connected", "control", srv.Control, "stream", srv.Stream, "client_id", c.ClientID(), "logged_in", c.LoggedIn())

	if p.tui {
		model := ui.NewModel(c, srv.Control)
		p.quit = model.Quit()
		p.tuiProg = ui.Run(model)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if _, err := p.tuiProg.Run(); err != nil {
				p.logger.Error("tui exited", "err", err)
			}
		}()
	} else {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.logEvents()
		}()
	}
	return nil
}

// onSync persists the library and fetches artwork for newly added songs
func (p *Player) onSync(d reconcile.Diff) {
	if err := p.store.Save(p.client.Library()); err != nil {
		p.logger.Error("failed to save library", "err", err)
	}
	if len(d.AddSongs) == 0 || p.ctx.Err() != nil {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(p.ctx, artworkTimeout)
		defer cancel()
		if n := p.artwork.Fetch(ctx, d); n > 0 {
			p.logger.Debug("artwork cached", "count", n)
		}
	}()
}

// logEvents mirrors the event bus to the log when there is no TUI
func (p *Player) logEvents() {
	feed, cancel := p.bus.Subscribe(32)
	defer cancel()

	for {
		select {
		case <-p.ctx.Done():
			return
		case e, ok := <-feed:
			if !ok {
				return
			}
			p.logger.Info("event", "kind", e.Kind, "channel", e.Channel, "state", e.State, "detail", e.Detail, "err", e.Err)
		}
	}
}

// Run starts the player and blocks until ctx is done or the user quits
func (p *Player) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		p.Stop()
		return err
	}

	select {
	case <-ctx.Done():
	case <-p.quit:
	}
	p.Stop()
	return nil
}

// Stop stops the player
func (p *Player) Stop() {
	if p.tuiProg != nil {
		p.tuiProg.Quit()
	}

	var errs []error
	if p.client != nil {
		errs = append(errs, p.client.Close())
	}
	p.cancel()
	p.wg.Wait()

	if c, ok := p.sink.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.Warn("shutdown", "err", err)
	}
}
