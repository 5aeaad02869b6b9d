// ABOUTME: Oto-based sink that feeds a persistent oto player from the FIFO
// ABOUTME: Oto allows one context per process, so every handle must share its format
package sink

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ebitengine/oto/v3"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/audio"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/playback"
)

// ErrFormatLocked is returned when an Open asks for a format other than the
// one the process-wide oto context was created with
var ErrFormatLocked = errors.New("oto context already created with another format")

var (
	otoMu     sync.Mutex
	otoCtx    *oto.Context
	otoFormat audio.Format
)

// Oto opens players on the process-wide oto context
type Oto struct {
	// BufferSize is the device buffer oto requests; zero uses oto's default
	BufferSize time.Duration

	logger *log.Logger
}

// NewOto creates an oto sink
func NewOto(logger *log.Logger) *Oto {
	if logger == nil {
		logger = log.Default()
	}
	return &Oto{logger: logger.With("sink", "oto")}
}

func (o *Oto) context(f audio.Format) (*oto.Context, error) {
	otoMu.Lock()
	defer otoMu.Unlock()

	if otoCtx != nil {
		if otoFormat.SampleRate != f.SampleRate || otoFormat.Channels != f.Channels {
			return nil, fmt.Errorf("%w: have %s, want %s", ErrFormatLocked, otoFormat, f)
		}
		return otoCtx, nil
	}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   o.BufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-ready

	otoCtx = ctx
	otoFormat = f
	o.logger.Info("context created", "format", f.String())
	return ctx, nil
}

// Open implements playback.Sink. Only 16-bit PCM is supported.
func (o *Oto) Open(f audio.Format, done func(id int)) (playback.Handle, error) {
	if f.BitDepth != 16 {
		return nil, fmt.Errorf("oto only supports 16-bit output, got %d", f.BitDepth)
	}
	ctx, err := o.context(f)
	if err != nil {
		return nil, err
	}

	h := &otoHandle{q: newFIFO(16), done: done}
	h.player = ctx.NewPlayer(h)
	h.player.Play()
	return h, nil
}

type otoHandle struct {
	q      *fifo
	done   func(int)
	player *oto.Player

	mu     sync.Mutex
	closed bool
}

// Read feeds the oto player. Underruns are filled with silence so the player never sees EOF.
func (h *otoHandle) Read(p []byte) (int, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return 0, io.EOF
	}

	n, ids := h.q.read(p)
	clear(p[n:])
	if len(ids) > 0 {
		go complete(h.done, ids)
	}
	return len(p), nil
}

func (h *otoHandle) Submit(id int, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("player closed")
	}
	h.q.push(id, data)
	return nil
}

func (h *otoHandle) Pause() error {
	h.player.Pause()
	return nil
}

func (h *otoHandle) Resume() error {
	h.player.Play()
	return nil
}

func (h *otoHandle) Reset() error {
	ids := h.q.drain()
	go complete(h.done, ids)
	return nil
}

func (h *otoHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	err := h.player.Close()
	if ids := h.q.drain(); len(ids) > 0 {
		go complete(h.done, ids)
	}
	return err
}

func (h *otoHandle) SetVolume(level float64) {
	h.player.SetVolume(level)
}
