// ABOUTME: Error types for secure channel operations
// ABOUTME: Separates unreachable endpoints, trust failures, and stream faults
package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when authenticating a channel that has no TCP connection
	ErrNotConnected = errors.New("channel not connected")

	// ErrNotAuthenticated is returned by transfers before the TLS handshake completed
	ErrNotAuthenticated = errors.New("channel not authenticated")

	// ErrClosed is returned after either disconnect method ran
	ErrClosed = errors.New("channel closed")

	// ErrAlreadyConnected is returned by Connect on a channel that was already dialed
	ErrAlreadyConnected = errors.New("channel already connected")

	// ErrBadFingerprint is returned for pinned hashes that are neither SHA-1 nor SHA-256 hex
	ErrBadFingerprint = errors.New("fingerprint must be 40 or 64 hex digits")
)

// ConnectError reports an unreachable endpoint
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TrustError reports a peer certificate that does not match the pinned fingerprint
type TrustError struct {
	Expected string
	Got      string
}

func (e *TrustError) Error() string {
	if e.Got == "" {
		return fmt.Sprintf("certificate pin mismatch: peer presented no certificate, want %s", e.Expected)
	}
	return fmt.Sprintf("certificate pin mismatch: got %s, want %s", e.Got, e.Expected)
}

// ChannelError reports a failed transfer or handshake on an established channel
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// IsTrust reports whether err is, or wraps, a TrustError
func IsTrust(err error) bool {
	var te *TrustError
	return errors.As(err, &te)
}
