// ABOUTME: Player client package
// ABOUTME: Dual-channel session, requests, sync and playback
// Package client is the player side of a duplex session.
//
// A Client owns a session.Session, a correlator.Correlator and a
// playback.Engine. The control channel carries JSON requests whose replies
// are routed through the correlator by kind; the streaming channel carries
// packet-framed audio that is decoded and handed to the engine. A read
// failure on either channel starts a session reconnect, and each reconnect
// re-runs login, streaming attach and playlist sync before callers are
// released.
package client
