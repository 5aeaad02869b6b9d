// ABOUTME: Point-in-time view of server state for the dashboard and tests
// ABOUTME: Collects logged-in clients and library counts without holding locks across calls
package server

import (
	"cmp"
	"slices"
	"time"
)

// ClientInfo describes one logged-in client
type ClientInfo struct {
	ID        string
	User      string
	Remote    string
	Streaming bool
}

// Status holds server state for display
type Status struct {
	Name        string
	ControlAddr string
	StreamAddr  string
	HTTPAddr    string
	Fingerprint string
	Uptime      time.Duration
	Clients     []ClientInfo
	Playlists   int
	Songs       int
}

// Status snapshots the server. Clients are ordered by id.
func (s *Server) Status() Status {
	s.clientsMu.RLock()
	peers := make([]*peer, 0, len(s.clients))
	for _, p := range s.clients {
		peers = append(peers, p)
	}
	s.clientsMu.RUnlock()

	clients := make([]ClientInfo, 0, len(peers))
	for _, p := range peers {
		p.mu.Lock()
		clients = append(clients, ClientInfo{
			ID:        p.clientID,
			User:      p.user,
			Remote:    p.ch.RemoteAddr(),
			Streaming: p.stream != nil,
		})
		p.mu.Unlock()
	}
	slices.SortFunc(clients, func(a, b ClientInfo) int { return cmp.Compare(a.ID, b.ID) })

	st := Status{
		Name:        s.config.Name,
		Fingerprint: s.fingerprint,
		HTTPAddr:    s.HTTPAddr(),
		Clients:     clients,
		Playlists:   len(s.config.Library.Snapshot()),
		Songs:       len(s.config.Library.Songs()),
	}
	if s.controlLn != nil {
		st.ControlAddr = s.ControlAddr()
		st.StreamAddr = s.StreamAddr()
	}
	if !s.started.IsZero() {
		st.Uptime = time.Since(s.started).Round(time.Second)
	}
	return st
}
