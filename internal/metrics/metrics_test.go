// ABOUTME: Tests for event-to-metric recording
// ABOUTME: Uses deltas since the collectors are process-wide
package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/events"
)

func TestRecordChannelState(t *testing.T) {
	before := testutil.ToFloat64(ChannelTransitions.WithLabelValues("control", "connected"))

	Record(events.Event{Kind: events.ChannelState, Channel: "control", State: "connected"})
	assert.Equal(t, before+1, testutil.ToFloat64(ChannelTransitions.WithLabelValues("control", "connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ChannelConnected.WithLabelValues("control")))

	Record(events.Event{Kind: events.ChannelState, Channel: "control", State: "connecting"})
	assert.Equal(t, 0.0, testutil.ToFloat64(ChannelConnected.WithLabelValues("control")))
}

func TestRecordSessionAndReconnects(t *testing.T) {
	reconnects := testutil.ToFloat64(Reconnects)
	trust := testutil.ToFloat64(TrustFailures.WithLabelValues("stream"))

	Record(events.Event{Kind: events.SessionState, State: "connected"})
	assert.Equal(t, 1.0, testutil.ToFloat64(SessionConnected))
	Record(events.Event{Kind: events.SessionState, State: "disconnected"})
	assert.Equal(t, 0.0, testutil.ToFloat64(SessionConnected))

	Record(events.Event{Kind: events.Reconnected, Attempt: 2})
	Record(events.Event{Kind: events.TrustFailure, Channel: "stream"})
	assert.Equal(t, reconnects+1, testutil.ToFloat64(Reconnects))
	assert.Equal(t, trust+1, testutil.ToFloat64(TrustFailures.WithLabelValues("stream")))
}

func TestRecordPlayback(t *testing.T) {
	Record(events.Event{Kind: events.PlaybackState, State: "paused"})
	assert.Equal(t, 1.0, testutil.ToFloat64(PlaybackState.WithLabelValues("paused")))
	assert.Equal(t, 0.0, testutil.ToFloat64(PlaybackState.WithLabelValues("playing")))

	Record(events.Event{Kind: events.PlaybackState, State: "playing"})
	assert.Equal(t, 0.0, testutil.ToFloat64(PlaybackState.WithLabelValues("paused")))
	assert.Equal(t, 1.0, testutil.ToFloat64(PlaybackState.WithLabelValues("playing")))

	ok := testutil.ToFloat64(PlaybackRecoveries.WithLabelValues("ok"))
	failed := testutil.ToFloat64(PlaybackRecoveries.WithLabelValues("error"))
	Record(events.Event{Kind: events.PlaybackRecovered, Detail: "device lost"})
	Record(events.Event{Kind: events.PlaybackRecovered, Detail: "device lost", Err: "reopen failed"})
	assert.Equal(t, ok+1, testutil.ToFloat64(PlaybackRecoveries.WithLabelValues("ok")))
	assert.Equal(t, failed+1, testutil.ToFloat64(PlaybackRecoveries.WithLabelValues("error")))
}

func TestObserve(t *testing.T) {
	bus := events.New()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Observe(ctx, bus)
	}()

	before := testutil.ToFloat64(SyncApplied)
	assert.Eventually(t, func() bool {
		bus.Publish(events.Event{Kind: events.SyncApplied})
		return testutil.ToFloat64(SyncApplied) > before
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestObserveNilBus(t *testing.T) {
	Observe(context.Background(), nil)
}
