// ABOUTME: Dual-channel session with one autonomous reconnect loop per channel
// ABOUTME: Connect and Reconnect block until both channels are up again
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jonboulle/clockwork"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/channel"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/events"
)

// IdentitySize is the length of the client identity handshake
const IdentitySize = 6

// DefaultIdentity is sent when Config.Identity is empty
var DefaultIdentity = []byte("RSNPLY")

var (
	// ErrDisconnected fails pending Connect/Reconnect calls when ForceDisconnect runs
	ErrDisconnected = errors.New("session force disconnected")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("session closed")

	// ErrBadIdentity is returned by New for identities that are not exactly IdentitySize bytes
	ErrBadIdentity = fmt.Errorf("identity must be %d bytes", IdentitySize)
)

// Config configures a Session
type Config struct {
	ControlAddr string
	StreamAddr  string

	// Fingerprint pins both channels' peer certificate
	Fingerprint string
	ServerName  string

	// Identity is written right after the TLS handshake on each channel
	Identity []byte

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	Backoff          Backoff

	// StopOnTrustFailure makes a pin mismatch fail the pending Connect/Reconnect
	// with the TrustError. The loop keeps retrying on the next request either way.
	StopOnTrustFailure bool

	// OnRecover runs once per Reconnect cycle after both channels are up
	OnRecover func(ctx context.Context) error

	// OnChannelUp runs for each freshly established channel before it counts as connected
	OnChannelUp func(w Which, ch *channel.Channel)

	Events *events.Bus
	Clock  clockwork.Clock
	Logger *log.Logger
}

// cycle is one connect/reconnect epoch shared by every caller that joins it
type cycle struct {
	recovery bool
	// bar is replaced when a channel drops after the barrier released
	bar      *barrier
	finished chan struct{}
	err      error
}

// barrier releases once both channels are up, or early with an error.
// release runs with stateMu held.
type barrier struct {
	up   chan struct{}
	once sync.Once
	err  error
}

func newBarrier() *barrier {
	return &barrier{up: make(chan struct{})}
}

func (b *barrier) release(err error) {
	b.once.Do(func() {
		b.err = err
		close(b.up)
	})
}

// passed reports a successful release
func (b *barrier) passed() bool {
	select {
	case <-b.up:
		return b.err == nil
	default:
		return false
	}
}

// Session pairs a control and a streaming channel
type Session struct {
	cfg    Config
	links  [2]*link
	clock  clockwork.Clock
	bus    *events.Bus
	logger *log.Logger

	// stateMu guards the per-channel flags, the combined state and the cycle
	stateMu   sync.Mutex
	up        [2]bool
	connected bool
	cycle     *cycle
	cycles    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// link is one channel slot and its reconnect loop
type link struct {
	which  Which
	addr   string
	logger *log.Logger

	// request is the reconnect signal; capacity 1 so raising it never blocks
	request chan struct{}

	mu            sync.Mutex
	state         ChannelState
	ch            *channel.Channel
	epoch         uint64
	cancelAttempt context.CancelFunc
}

// New validates cfg and starts both reconnect loops. Nothing is dialed until Connect.
func New(cfg Config) (*Session, error) {
	if len(cfg.Identity) == 0 {
		cfg.Identity = DefaultIdentity
	}
	if len(cfg.Identity) != IdentitySize {
		return nil, ErrBadIdentity
	}
	if _, err := channel.ParsePin(cfg.Fingerprint); err != nil {
		return nil, err
	}
	if cfg.ControlAddr == "" || cfg.StreamAddr == "" {
		return nil, fmt.Errorf("control and stream addresses are required")
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.With("component", "session")

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		clock:  clock,
		bus:    cfg.Events,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	for _, w := range []Which{Control, Stream} {
		addr := cfg.ControlAddr
		if w == Stream {
			addr = cfg.StreamAddr
		}
		s.links[w] = &link{
			which:   w,
			addr:    addr,
			logger:  logger.With("channel", w.String(), "addr", addr),
			request: make(chan struct{}, 1),
		}
	}

	for _, l := range s.links {
		s.wg.Add(1)
		go s.run(l)
	}

	return s, nil
}

// Connect clears both barriers, requests a reconnect on both channels and
// blocks until both are connected or ctx is done.
func (s *Session) Connect(ctx context.Context) error {
	return s.await(ctx, false)
}

// Reconnect is Connect followed by the recovery callback. Concurrent calls
// share one cycle and the callback runs once for it.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.await(ctx, true)
}

func (s *Session) await(ctx context.Context, recovery bool) error {
	cyc, err := s.join(recovery)
	if err != nil {
		return err
	}

	select {
	case <-cyc.finished:
		return cyc.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// join returns the in-progress cycle or starts a new one
func (s *Session) join(recovery bool) (*cycle, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	if s.cycle != nil {
		if recovery {
			s.cycle.recovery = true
		}
		return s.cycle, nil
	}

	cyc := &cycle{
		recovery: recovery,
		bar:      newBarrier(),
		finished: make(chan struct{}),
	}
	s.cycle = cyc
	s.cycles++
	n := s.cycles

	s.up = [2]bool{}
	s.updateCombinedLocked()

	for _, l := range s.links {
		l.raise()
	}

	s.wg.Add(1)
	go s.drive(cyc, n)

	return cyc, nil
}

// drive waits for the barrier, runs recovery and finishes the cycle.
// A channel lost during recovery re-arms the barrier and recovery runs again.
func (s *Session) drive(cyc *cycle, n int) {
	defer s.wg.Done()

	var (
		err       error
		recovered bool
	)
	for {
		s.stateMu.Lock()
		bar := cyc.bar
		s.stateMu.Unlock()

		select {
		case <-bar.up:
			err = bar.err
		case <-s.ctx.Done():
			err = ErrClosed
		}

		s.stateMu.Lock()
		recovery := cyc.recovery
		s.stateMu.Unlock()

		if err == nil && recovery && s.cfg.OnRecover != nil {
			if rerr := s.cfg.OnRecover(s.ctx); rerr != nil {
				err = fmt.Errorf("session recovery: %w", rerr)
			}
		}

		// Lost swaps the barrier under stateMu, so check and hand-off share it
		s.stateMu.Lock()
		if cyc.bar != bar && s.ctx.Err() == nil {
			s.stateMu.Unlock()
			s.logger.Info("channel lost during recovery, waiting for replacement", "cycle", n)
			continue
		}
		recovered = err == nil && cyc.recovery
		cyc.err = err
		if s.cycle == cyc {
			s.cycle = nil
		}
		s.stateMu.Unlock()
		break
	}

	switch {
	case recovered:
		s.bus.Publish(events.Event{Kind: events.Reconnected, Attempt: n})
		s.logger.Info("session recovered", "cycle", n)
	case err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, ErrDisconnected):
		s.logger.Warn("cycle failed", "cycle", n, "err", err)
	}
	close(cyc.finished)
}

// setChannelState records one link's state and recomputes the combined state
func (s *Session) setChannelState(l *link, st ChannelState) {
	l.mu.Lock()
	changed := l.state != st
	l.state = st
	l.mu.Unlock()

	if changed {
		s.bus.Publish(events.Event{Kind: events.ChannelState, Channel: l.which.String(), State: st.String()})
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	s.up[l.which] = st == Connected
	s.updateCombinedLocked()
}

// updateCombinedLocked derives the session state from both flags. Caller holds stateMu.
func (s *Session) updateCombinedLocked() {
	both := s.up[Control] && s.up[Stream]
	if both != s.connected {
		s.connected = both
		state := Disconnected
		if both {
			state = Connected
		}
		s.bus.Publish(events.Event{Kind: events.SessionState, State: state.String()})
	}
	if both && s.cycle != nil {
		s.cycle.bar.release(nil)
	}
}

// failCycle releases the pending cycle with err
func (s *Session) failCycle(err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.cycle != nil {
		s.cycle.bar.release(err)
	}
}

// run is a channel's reconnect loop
func (s *Session) run(l *link) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-l.request:
		}

		ctx, epoch := l.beginAttempt(s.ctx)
		s.setChannelState(l, Connecting)

		ch, err := s.establishWithRetry(ctx, l)
		if err != nil {
			// cancelled by ForceDisconnect, Close, or a fatal trust failure
			s.setChannelState(l, Disconnected)
			continue
		}

		if !l.install(ch, epoch) {
			ch.ForceDisconnect()
			continue
		}
		if s.cfg.OnChannelUp != nil {
			s.cfg.OnChannelUp(l.which, ch)
		}
		s.setChannelState(l, Connected)
	}
}

// establishWithRetry loops connect, authenticate, identify until one succeeds
func (s *Session) establishWithRetry(ctx context.Context, l *link) (*channel.Channel, error) {
	failures := 0
	for {
		ch, err := s.establish(ctx, l)
		if err == nil {
			if failures > 0 {
				l.logger.Info("channel reconnected", "attempts", failures+1)
			}
			return ch, nil
		}

		switch Classify(err) {
		case Stop:
			return nil, err
		case Trust:
			s.bus.Publish(events.Event{Kind: events.TrustFailure, Channel: l.which.String(), Err: err.Error()})
			l.logger.Error("certificate pin mismatch", "err", err)
			if s.cfg.StopOnTrustFailure {
				s.failCycle(err)
				return nil, err
			}
		default:
			l.logger.Debug("connect attempt failed", "err", err, "attempt", failures+1)
		}

		failures++
		delay := s.cfg.Backoff.Delay(failures)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(delay):
		}
	}
}

// establish makes one attempt on a fresh channel
func (s *Session) establish(ctx context.Context, l *link) (*channel.Channel, error) {
	ch, err := channel.New(channel.Config{
		Name:             l.which.String(),
		Fingerprint:      s.cfg.Fingerprint,
		ServerName:       s.cfg.ServerName,
		DialTimeout:      s.cfg.DialTimeout,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		Logger:           s.logger,
	})
	if err != nil {
		return nil, err
	}

	if err := ch.Connect(ctx, l.addr); err != nil {
		return nil, err
	}
	if err := ch.Authenticate(ctx); err != nil {
		ch.ForceDisconnect()
		return nil, err
	}
	if err := ch.Send(s.cfg.Identity); err != nil {
		ch.ForceDisconnect()
		return nil, err
	}
	return ch, nil
}

// raise sets the reconnect signal without blocking
func (l *link) raise() {
	select {
	case l.request <- struct{}{}:
	default:
	}
}

// clear drops a pending reconnect signal
func (l *link) clear() {
	select {
	case <-l.request:
	default:
	}
}

// beginAttempt disposes the current channel and opens a cancellable attempt
func (l *link) beginAttempt(parent context.Context) (context.Context, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ch != nil {
		l.ch.ForceDisconnect()
		l.ch = nil
	}
	ctx, cancel := context.WithCancel(parent)
	l.cancelAttempt = cancel
	return ctx, l.epoch
}

// install makes ch current unless ForceDisconnect ran since the attempt began.
// Requests raised during the attempt are satisfied by ch; a request raised
// after a teardown stays pending for the next attempt.
func (l *link) install(ch *channel.Channel, epoch uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.epoch != epoch {
		return false
	}
	l.clear()
	l.ch = ch
	return true
}

// teardown aborts any attempt and closes the current channel
func (l *link) teardown(graceful bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.epoch++
	if l.cancelAttempt != nil {
		l.cancelAttempt()
		l.cancelAttempt = nil
	}
	l.clear()
	if l.ch != nil {
		if graceful {
			l.ch.GracefulDisconnect()
		} else {
			l.ch.ForceDisconnect()
		}
		l.ch = nil
	}
}

// ForceDisconnect aborts both channels and marks the session disconnected
// before returning. Pending Connect/Reconnect calls fail with ErrDisconnected.
func (s *Session) ForceDisconnect() {
	s.disconnect(false)
}

// GracefulDisconnect closes both channels cleanly
func (s *Session) GracefulDisconnect() {
	s.disconnect(true)
}

func (s *Session) disconnect(graceful bool) {
	for _, l := range s.links {
		l.teardown(graceful)
	}

	s.failCycle(ErrDisconnected)

	for _, l := range s.links {
		s.setChannelState(l, Disconnected)
	}
}

// Close stops both loops and tears the channels down
func (s *Session) Close() {
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return
	}
	s.closed = true
	s.stateMu.Unlock()

	s.cancel()
	s.ForceDisconnect()
	s.wg.Wait()
}

// Connected reports the combined state
func (s *Session) Connected() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.connected
}

// State returns the combined state as a ChannelState value
func (s *Session) State() ChannelState {
	if s.Connected() {
		return Connected
	}
	return Disconnected
}

// StateOf returns one channel's state
func (s *Session) StateOf(w Which) ChannelState {
	l := s.links[w]
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Channel returns the current channel for w, or nil while it is down
func (s *Session) Channel(w Which) *channel.Channel {
	l := s.links[w]
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ch
}

// Current reports whether ch is still the live channel for w
func (s *Session) Current(w Which, ch *channel.Channel) bool {
	return ch != nil && s.Channel(w) == ch
}

// Lost hands a failed channel back to its loop for replacement. It returns
// false when ch is no longer the live channel for w. A recovery that already
// passed the barrier waits for the replacement and runs again.
func (s *Session) Lost(w Which, ch *channel.Channel) bool {
	l := s.links[w]

	l.mu.Lock()
	if ch == nil || l.ch != ch {
		l.mu.Unlock()
		return false
	}
	changed := l.state != Connecting
	l.state = Connecting
	l.mu.Unlock()

	if changed {
		s.bus.Publish(events.Event{Kind: events.ChannelState, Channel: w.String(), State: Connecting.String()})
	}

	s.stateMu.Lock()
	s.up[w] = false
	s.updateCombinedLocked()
	if cyc := s.cycle; cyc != nil && cyc.bar.passed() {
		cyc.bar = newBarrier()
	}
	s.stateMu.Unlock()

	l.raise()
	return true
}
