// ABOUTME: Tests for the secure channel against an in-process TLS server
// ABOUTME: Covers pinning, partial reads, timeouts and teardown
package channel

import (
	"context"
	"crypto/sha1"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	addr string
	cert tls.Certificate
	ln   net.Listener
}

// startServer runs a TLS listener that hands each handshaken connection to handle
func startServer(t *testing.T, handle func(c *tls.Conn)) *testServer {
	t.Helper()

	cert, err := SelfSigned("127.0.0.1")
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				tc := c.(*tls.Conn)
				if err := tc.Handshake(); err != nil {
					return
				}
				handle(tc)
			}()
		}
	}()

	return &testServer{addr: ln.Addr().String(), cert: cert, ln: ln}
}

func echo(c *tls.Conn) { _, _ = io.Copy(c, c) }

func (s *testServer) fingerprint(t *testing.T) string {
	fp, err := LeafFingerprint(s.cert)
	require.NoError(t, err)
	return fp
}

func dial(t *testing.T, addr, fingerprint string) (*Channel, error) {
	t.Helper()
	ch, err := New(Config{Name: "test", Fingerprint: fingerprint})
	require.NoError(t, err)
	t.Cleanup(ch.ForceDisconnect)

	ctx := context.Background()
	if err := ch.Connect(ctx, addr); err != nil {
		return ch, err
	}
	return ch, ch.Authenticate(ctx)
}

func TestPinnedRoundTrip(t *testing.T) {
	srv := startServer(t, echo)

	ch, err := dial(t, srv.addr, srv.fingerprint(t))
	require.NoError(t, err)
	assert.True(t, ch.Connected())

	require.NoError(t, ch.Send([]byte("RSNPLY")))
	got, err := ch.Receive(6)
	require.NoError(t, err)
	assert.Equal(t, "RSNPLY", string(got))
}

func TestPinFormats(t *testing.T) {
	srv := startServer(t, echo)
	sum := sha1.Sum(srv.cert.Leaf.Raw)
	sha1Hex := hex.EncodeToString(sum[:])
	sha256Hex := srv.fingerprint(t)

	withColons := func(s string) string {
		var parts []string
		for i := 0; i < len(s); i += 2 {
			parts = append(parts, s[i:i+2])
		}
		return strings.Join(parts, ":")
	}

	tests := []struct {
		name string
		pin  string
	}{
		{"sha256", sha256Hex},
		{"sha256 upper", strings.ToUpper(sha256Hex)},
		{"sha256 colons", withColons(sha256Hex)},
		{"sha1", sha1Hex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dial(t, srv.addr, tt.pin)
			assert.NoError(t, err)
		})
	}
}

func TestPinMismatchNeverAuthenticates(t *testing.T) {
	srv := startServer(t, echo)

	other, err := SelfSigned("127.0.0.1")
	require.NoError(t, err)
	wrong, err := LeafFingerprint(other)
	require.NoError(t, err)

	ch, err := dial(t, srv.addr, wrong)
	require.Error(t, err)

	var te *TrustError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, wrong, te.Expected)
	assert.Equal(t, srv.fingerprint(t), te.Got)
	assert.True(t, IsTrust(err))
	assert.False(t, ch.Connected())

	err = ch.Send([]byte("x"))
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestConnectUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ch, err := New(Config{Fingerprint: strings.Repeat("ab", 32)})
	require.NoError(t, err)

	err = ch.Connect(context.Background(), addr)
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, addr, ce.Addr)
}

func TestAuthenticateBeforeConnect(t *testing.T) {
	ch, err := New(Config{Fingerprint: strings.Repeat("ab", 32)})
	require.NoError(t, err)

	err = ch.Authenticate(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestReceiveAccumulatesPartialReads(t *testing.T) {
	srv := startServer(t, func(c *tls.Conn) {
		for _, part := range []string{"ab", "cde", "fghij"} {
			_, _ = c.Write([]byte(part))
			time.Sleep(10 * time.Millisecond)
		}
	})

	ch, err := dial(t, srv.addr, srv.fingerprint(t))
	require.NoError(t, err)

	got, err := ch.Receive(10)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", string(got))
}

func TestReadTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := startServer(t, func(c *tls.Conn) { <-release })
	defer close(release)

	ch, err := dial(t, srv.addr, srv.fingerprint(t))
	require.NoError(t, err)

	ch.SetReadTimeout(50 * time.Millisecond)
	start := time.Now()
	_, err = ch.Receive(4)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout())

	ch.ResetTimeouts()
	assert.Zero(t, ch.ReadTimeout())
	assert.Zero(t, ch.WriteTimeout())
}

func TestPeerResetFailsReceive(t *testing.T) {
	srv := startServer(t, func(c *tls.Conn) {})

	ch, err := dial(t, srv.addr, srv.fingerprint(t))
	require.NoError(t, err)

	_, err = ch.Receive(4)
	assert.Error(t, err)
}

func TestDisconnectIdempotent(t *testing.T) {
	srv := startServer(t, echo)

	ch, err := dial(t, srv.addr, srv.fingerprint(t))
	require.NoError(t, err)

	ch.GracefulDisconnect()
	ch.GracefulDisconnect()
	ch.ForceDisconnect()
	assert.False(t, ch.Connected())

	assert.ErrorIs(t, ch.Send([]byte("x")), ErrClosed)
	_, err = ch.Receive(1)
	assert.ErrorIs(t, err, ErrClosed)

	// Never-connected channels tolerate teardown too
	fresh, err := New(Config{Fingerprint: strings.Repeat("ab", 20)})
	require.NoError(t, err)
	fresh.ForceDisconnect()
	fresh.GracefulDisconnect()
	assert.ErrorIs(t, fresh.Connect(context.Background(), srv.addr), ErrClosed)
}

func TestForceDisconnectUnblocksReceive(t *testing.T) {
	release := make(chan struct{})
	srv := startServer(t, func(c *tls.Conn) { <-release })
	defer close(release)

	ch, err := dial(t, srv.addr, srv.fingerprint(t))
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := ch.Receive(1)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	ch.ForceDisconnect()

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not unblock")
	}
}

func TestParsePin(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{strings.Repeat("a", 64), false},
		{strings.Repeat("A", 40), false},
		{" " + strings.Repeat("0f", 32) + " ", false},
		{strings.Repeat("a", 63), true},
		{strings.Repeat("z", 64), true},
		{"", true},
	}

	for _, tt := range tests {
		_, err := ParsePin(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrBadFingerprint, tt.in)
		} else {
			assert.NoError(t, err, tt.in)
		}
	}
}
