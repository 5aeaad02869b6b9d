// ABOUTME: Tests for reconnect backoff and fault classification
// ABOUTME: Growth, capping, jitter bounds and trust detection
package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/channel"
)

func TestBackoffGrowth(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, NoJitter: true}

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{50, time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("failures=%d", tt.failures), func(t *testing.T) {
			assert.Equal(t, tt.want, b.Delay(tt.failures))
		})
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2}

	for i := 0; i < 200; i++ {
		d := b.Delay(2)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.Less(t, d, 300*time.Millisecond)
	}

	capped := Backoff{Min: time.Second, Max: time.Second}
	for i := 0; i < 50; i++ {
		assert.Equal(t, time.Second, capped.Delay(3))
	}
}

func TestBackoffDefaults(t *testing.T) {
	d := Backoff{NoJitter: true}.Delay(1)
	assert.Equal(t, DefaultBackoffMin, d)
}

func TestClassify(t *testing.T) {
	trust := &channel.TrustError{Expected: "aa", Got: "bb"}

	tests := []struct {
		name string
		err  error
		want Action
	}{
		{"connect", &channel.ConnectError{Addr: "x", Err: errors.New("refused")}, Retry},
		{"channel", &channel.ChannelError{Op: "authenticate", Err: errors.New("eof")}, Retry},
		{"trust", trust, Trust},
		{"wrapped trust", fmt.Errorf("attempt: %w", trust), Trust},
		{"cancelled", fmt.Errorf("dial: %w", context.Canceled), Stop},
		{"deadline", context.DeadlineExceeded, Retry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
