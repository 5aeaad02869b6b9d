// ABOUTME: Prometheus collectors for session, playback and server activity
// ABOUTME: Observe feeds the collectors from an event bus subscription
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/events"
)

// Session metrics
var (
	// ChannelConnected is 1 while a channel is connected
	ChannelConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "duplex_channel_connected",
			Help: "Whether a channel is connected (1) or not (0)",
		},
		[]string{"channel"},
	)

	// ChannelTransitions counts channel state changes by new state
	ChannelTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplex_channel_transitions_total",
			Help: "Channel state transitions by channel and new state",
		},
		[]string{"channel", "state"},
	)

	// SessionConnected is 1 while both channels are connected
	SessionConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "duplex_session_connected",
			Help: "Whether both channels are connected (1) or not (0)",
		},
	)

	// Reconnects counts completed recovery cycles
	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "duplex_session_reconnects_total",
			Help: "Completed reconnect cycles including session recovery",
		},
	)

	// TrustFailures counts certificate pin mismatches
	TrustFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplex_trust_failures_total",
			Help: "Certificate pin mismatches by channel",
		},
		[]string{"channel"},
	)
)

// Playback metrics
var (
	// PlaybackState is 1 for the engine's current state
	PlaybackState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "duplex_playback_state",
			Help: "Current playback state (1 for the active state)",
		},
		[]string{"state"},
	)

	// PlaybackRecoveries counts sink fault recoveries by result
	PlaybackRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplex_playback_recoveries_total",
			Help: "Playback recoveries after sink callback faults by result",
		},
		[]string{"result"},
	)

	// PlaybackFinished counts songs played to the end
	PlaybackFinished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "duplex_playback_finished_total",
			Help: "Songs played to the end of their stream",
		},
	)

	// SyncApplied counts applied reconciliation diffs
	SyncApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "duplex_sync_applied_total",
			Help: "Reconciliation diffs applied to the local library",
		},
	)
)

// Server metrics
var (
	// Connections counts accepted TLS connections by channel and result
	Connections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplex_server_connections_total",
			Help: "Accepted connections by channel and identity check result",
		},
		[]string{"channel", "result"},
	)

	// ActiveClients tracks logged-in control connections
	ActiveClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "duplex_server_active_clients",
			Help: "Logged-in control connections",
		},
	)

	// Requests counts control requests by message type
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplex_server_requests_total",
			Help: "Control requests by message type",
		},
		[]string{"type"},
	)

	// RequestDuration tracks control request handling latency in seconds
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duplex_server_request_duration_seconds",
			Help:    "Control request handling duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"type"},
	)

	// StreamedBytes counts encoded audio bytes written to streaming channels
	StreamedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "duplex_server_streamed_bytes_total",
			Help: "Encoded audio bytes written to streaming channels",
		},
	)
)

var playbackStates = []string{"stopped", "playing", "paused"}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// Record updates the collectors for one event
func Record(e events.Event) {
	switch e.Kind {
	case events.ChannelState:
		ChannelTransitions.WithLabelValues(e.Channel, e.State).Inc()
		up := 0.0
		if e.State == "connected" {
			up = 1
		}
		ChannelConnected.WithLabelValues(e.Channel).Set(up)
	case events.SessionState:
		up := 0.0
		if e.State == "connected" {
			up = 1
		}
		SessionConnected.Set(up)
	case events.Reconnected:
		Reconnects.Inc()
	case events.TrustFailure:
		TrustFailures.WithLabelValues(e.Channel).Inc()
	case events.PlaybackState:
		for _, s := range playbackStates {
			v := 0.0
			if s == e.State {
				v = 1
			}
			PlaybackState.WithLabelValues(s).Set(v)
		}
	case events.PlaybackRecovered:
		result := "ok"
		if e.Err != "" {
			result = "error"
		}
		PlaybackRecoveries.WithLabelValues(result).Inc()
	case events.PlaybackFinished:
		PlaybackFinished.Inc()
	case events.SyncApplied:
		SyncApplied.Inc()
	}
}

// Observe records events from bus until ctx is done
func Observe(ctx context.Context, bus *events.Bus) {
	if bus == nil {
		return
	}
	ch, cancel := bus.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			Record(e)
		}
	}
}
