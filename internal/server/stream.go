// ABOUTME: Streaming connection handling: attach to a logged-in client, then stay write-only
// ABOUTME: The attach acknowledgement is sent on the client's control channel
package server

import (
	"errors"
	"io"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/channel"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/events"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/protocol"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/session"
)

func (s *Server) serveStream(ch *channel.Channel) {
	logger := s.logger.With("remote", ch.RemoteAddr())

	ch.SetReadTimeout(s.config.AttachTimeout)
	env, err := protocol.ReadFrame(ch)
	if err != nil {
		logger.Debug("streaming channel closed before attach", "err", err)
		return
	}
	ch.ResetTimeouts()

	if env.Type != protocol.TypeAttach {
		logger.Warn("expected attach on streaming channel", "type", env.Type)
		return
	}
	req, err := protocol.Decode[protocol.Attach](env)
	if err != nil {
		logger.Warn("malformed attach", "err", err)
		return
	}

	p := s.client(req.ClientID)
	if p == nil {
		// no control channel to answer on; the client times out and reconnects
		logger.Warn("attach for unknown client", "client", req.ClientID)
		return
	}
	p.attach(ch)
	defer p.detach(ch)

	logger.Info("streaming channel attached", "client", req.ClientID)
	s.bus.Publish(events.Event{Kind: events.SessionState, State: session.Connected.String(), Detail: req.ClientID})
	p.reply(protocol.TypeAttachResult, env.ID, protocol.AttachResult{OK: true})

	// Nothing else is expected from the client; block until the channel goes away
	_, err = io.Copy(io.Discard, ch)
	if err != nil && !errors.Is(err, channel.ErrClosed) {
		logger.Debug("streaming channel closed", "err", err)
	}
	s.bus.Publish(events.Event{Kind: events.SessionState, State: session.Disconnected.String(), Detail: req.ClientID})
}

// attach binds ch as the streaming channel, dropping a previous one
func (p *peer) attach(ch *channel.Channel) {
	p.mu.Lock()
	old := p.stream
	p.stream = ch
	p.mu.Unlock()

	if old != nil && old != ch {
		old.ForceDisconnect()
	}
}

func (p *peer) detach(ch *channel.Channel) {
	p.mu.Lock()
	if p.stream == ch {
		p.stream = nil
	}
	p.mu.Unlock()
}
