// ABOUTME: Tests for the paced discard sink
// ABOUTME: Uses a fake clock to step buffer completions
package sink

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/audio"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/playback"
)

// 10ms of CD audio
const tenMillis = 1764

func openDiscard(t *testing.T, clock clockwork.Clock) (playback.Handle, chan int) {
	t.Helper()
	done := make(chan int, 16)
	h, err := (&Discard{Clock: clock}).Open(audio.CD, func(id int) { done <- id })
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h, done
}

func waitID(t *testing.T, done <-chan int) int {
	t.Helper()
	select {
	case id := <-done:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return -1
	}
}

func TestDiscardPacedCompletion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClock()
	h, done := openDiscard(t, clock)

	require.NoError(t, h.Submit(0, make([]byte, tenMillis)))
	require.NoError(t, h.Submit(1, make([]byte, tenMillis)))

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	select {
	case id := <-done:
		t.Fatalf("buffer %d completed before its play time", id)
	default:
	}

	clock.Advance(10 * time.Millisecond)
	assert.Equal(t, 0, waitID(t, done))

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Millisecond)
	assert.Equal(t, 1, waitID(t, done))
}

func TestDiscardPauseHoldsBuffers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClock()
	h, done := openDiscard(t, clock)

	require.NoError(t, h.Submit(0, make([]byte, tenMillis)))
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.NoError(t, h.Pause())

	clock.Advance(10 * time.Millisecond)
	assert.Never(t, func() bool { return len(done) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, h.Resume())
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Millisecond)
	assert.Equal(t, 0, waitID(t, done))
}

func TestDiscardResetCompletesPending(t *testing.T) {
	h, done := openDiscard(t, clockwork.NewFakeClock())

	for id := range 3 {
		require.NoError(t, h.Submit(id, make([]byte, tenMillis)))
	}
	require.NoError(t, h.Reset())

	var got []int
	for range 3 {
		got = append(got, waitID(t, done))
	}
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestDiscardCloseCompletesPendingAndRejectsSubmit(t *testing.T) {
	h, done := openDiscard(t, clockwork.NewFakeClock())

	require.NoError(t, h.Submit(7, make([]byte, tenMillis)))
	require.NoError(t, h.Close())
	assert.Equal(t, 7, waitID(t, done))

	assert.Error(t, h.Submit(8, make([]byte, tenMillis)))
	assert.NoError(t, h.Close())
}

func TestDiscardWithoutClockCompletesImmediately(t *testing.T) {
	h, done := openDiscard(t, nil)

	require.NoError(t, h.Submit(0, make([]byte, tenMillis)))
	require.NoError(t, h.Submit(1, make([]byte, tenMillis)))
	assert.Equal(t, 0, waitID(t, done))
	assert.Equal(t, 1, waitID(t, done))
}

func TestDiscardRejectsInvalidFormat(t *testing.T) {
	_, err := (&Discard{}).Open(audio.Format{SampleRate: 44100, Channels: 2, BitDepth: 12}, func(int) {})
	assert.Error(t, err)
}

func TestEngineDrivesDiscardToEnd(t *testing.T) {
	finished := make(chan struct{})
	e, err := playback.New(playback.Config{
		Sink:       &Discard{},
		Buffers:    3,
		BufferSize: 100,
		OnFinished: func() { close(finished) },
	})
	require.NoError(t, err)
	defer e.Close()

	remaining := 1000
	fill := func(buf []byte) (int, error) {
		if remaining == 0 {
			return 0, io.EOF
		}
		n := min(len(buf), remaining)
		remaining -= n
		return n, nil
	}

	require.NoError(t, e.Prepare(audio.CD, fill))
	require.NoError(t, e.Play())

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("playback never finished")
	}
	assert.Equal(t, playback.Stopped, e.State())
}
