// ABOUTME: Bounded exponential backoff with jitter for reconnect attempts
// ABOUTME: Plus the fault classification that decides how a failed attempt is reported
package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/channel"
)

const (
	DefaultBackoffMin        = 250 * time.Millisecond
	DefaultBackoffMax        = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
)

// Backoff computes the wait before a reconnect attempt
type Backoff struct {
	Min        time.Duration
	Max        time.Duration
	Multiplier float64

	// NoJitter disables the random extension of each delay
	NoJitter bool
}

func (b Backoff) withDefaults() Backoff {
	if b.Min <= 0 {
		b.Min = DefaultBackoffMin
	}
	if b.Max < b.Min {
		b.Max = max(DefaultBackoffMax, b.Min)
	}
	if b.Multiplier < 1 {
		b.Multiplier = DefaultBackoffMultiplier
	}
	return b
}

// Delay returns the wait after the given number of consecutive failures (1-based).
// Jitter adds up to half the base delay and the result never exceeds Max.
func (b Backoff) Delay(failures int) time.Duration {
	b = b.withDefaults()
	if failures < 1 {
		failures = 1
	}

	d := float64(b.Min)
	for i := 1; i < failures && d < float64(b.Max); i++ {
		d *= b.Multiplier
	}
	if d > float64(b.Max) {
		d = float64(b.Max)
	}

	delay := time.Duration(d)
	if !b.NoJitter && delay >= 2 {
		delay += time.Duration(rand.Int64N(int64(delay / 2)))
	}
	return min(delay, b.Max)
}

// Action is how the reconnect loop treats a failed attempt
type Action int

const (
	// Retry is a transient transport fault
	Retry Action = iota
	// Trust is a certificate pin mismatch
	Trust
	// Stop means the session is shutting down
	Stop
)

func (a Action) String() string {
	switch a {
	case Retry:
		return "retry"
	case Trust:
		return "trust"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Classify maps an attempt error to an Action
func Classify(err error) Action {
	switch {
	case err == nil:
		return Retry
	case errors.Is(err, context.Canceled):
		return Stop
	case channel.IsTrust(err):
		return Trust
	default:
		return Retry
	}
}
