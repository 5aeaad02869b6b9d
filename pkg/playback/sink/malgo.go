// ABOUTME: Malgo-based sink driven by the miniaudio device data callback
// ABOUTME: Completions are reported off the device thread as buffers are consumed
package sink

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gen2brain/malgo"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/audio"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/playback"
)

// Malgo opens miniaudio playback devices. One context is shared by all handles.
type Malgo struct {
	logger *log.Logger

	mu  sync.Mutex
	ctx *malgo.AllocatedContext
}

// NewMalgo creates a malgo sink. The audio context is initialised on first Open.
func NewMalgo(logger *log.Logger) *Malgo {
	if logger == nil {
		logger = log.Default()
	}
	return &Malgo{logger: logger.With("sink", "malgo")}
}

func (m *Malgo) context() (*malgo.AllocatedContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil {
		ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize malgo context: %w", err)
		}
		m.ctx = ctx
	}
	return m.ctx, nil
}

// Open implements playback.Sink
func (m *Malgo) Open(f audio.Format, done func(id int)) (playback.Handle, error) {
	var format malgo.FormatType
	switch f.BitDepth {
	case 16:
		format = malgo.FormatS16
	case 24:
		format = malgo.FormatS24
	case 32:
		format = malgo.FormatS32
	default:
		return nil, fmt.Errorf("unsupported bit depth: %d (supported: 16, 24, 32)", f.BitDepth)
	}

	ctx, err := m.context()
	if err != nil {
		return nil, err
	}

	h := &malgoHandle{q: newFIFO(f.BitDepth), done: done}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = format
	cfg.Playback.Channels = uint32(f.Channels)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			n, ids := h.q.read(out)
			clear(out[n:])
			if len(ids) > 0 {
				go complete(h.done, ids)
			}
		},
	}

	device, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("failed to start device: %w", err)
	}
	h.device = device

	m.logger.Info("device opened", "format", f.String())
	return h, nil
}

// Close releases the shared context
func (m *Malgo) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil {
		return nil
	}
	if err := m.ctx.Uninit(); err != nil {
		m.logger.Warn("context uninit failed", "err", err)
	}
	m.ctx.Free()
	m.ctx = nil
	return nil
}

type malgoHandle struct {
	q    *fifo
	done func(int)

	mu     sync.Mutex
	device *malgo.Device
	closed bool
}

func (h *malgoHandle) Submit(id int, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("device closed")
	}
	h.q.push(id, data)
	return nil
}

func (h *malgoHandle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	return h.device.Stop()
}

func (h *malgoHandle) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	return h.device.Start()
}

func (h *malgoHandle) Reset() error {
	ids := h.q.drain()
	go complete(h.done, ids)
	return nil
}

func (h *malgoHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	device := h.device
	h.mu.Unlock()

	if err := device.Stop(); err != nil {
		log.Warn("device stop failed", "err", err)
	}
	device.Uninit()

	if ids := h.q.drain(); len(ids) > 0 {
		go complete(h.done, ids)
	}
	return nil
}

func (h *malgoHandle) SetVolume(level float64) {
	h.q.setVolume(level)
}
