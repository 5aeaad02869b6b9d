// ABOUTME: Headless sink that consumes buffers at real-time pace and drops the audio
// ABOUTME: Used by servers, CI and any client started without an audio device
package sink

import (
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/audio"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/playback"
)

// Discard plays nothing. Each submitted buffer completes after the time it
// would take to play it on Clock. Without a clock buffers complete immediately.
type Discard struct {
	Clock clockwork.Clock
}

// NewDiscard returns a sink paced by the wall clock
func NewDiscard() *Discard {
	return &Discard{Clock: clockwork.NewRealClock()}
}

// Open implements playback.Sink
func (d *Discard) Open(f audio.Format, done func(id int)) (playback.Handle, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	h := &discardHandle{
		clock:  d.Clock,
		format: f,
		done:   done,
		wake:   make(chan struct{}, 1),
		ctrl:   make(chan struct{}, 1),
	}
	go h.run()
	return h, nil
}

type discardHandle struct {
	clock  clockwork.Clock
	format audio.Format
	done   func(int)

	mu     sync.Mutex
	segs   []*segment
	epoch  int
	paused bool
	closed bool

	wake chan struct{} // data or resume while idle
	ctrl chan struct{} // pause, reset or close while a buffer is playing
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (h *discardHandle) run() {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return
		}
		if h.paused || len(h.segs) == 0 {
			h.mu.Unlock()
			select {
			case <-h.wake:
			case <-h.ctrl:
			}
			continue
		}
		seg := h.segs[0]
		epoch := h.epoch
		h.mu.Unlock()

		if h.clock != nil {
			select {
			case <-h.clock.After(h.format.Duration(len(seg.data))):
			case <-h.ctrl:
				continue
			}
		}

		h.mu.Lock()
		if h.closed || h.paused || h.epoch != epoch || len(h.segs) == 0 || h.segs[0] != seg {
			h.mu.Unlock()
			continue
		}
		h.segs = h.segs[1:]
		h.mu.Unlock()

		h.done(seg.id)
	}
}

func (h *discardHandle) Submit(id int, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("handle closed")
	}
	h.segs = append(h.segs, &segment{id: id, data: data})
	signal(h.wake)
	return nil
}

func (h *discardHandle) Pause() error {
	h.mu.Lock()
	h.paused = true
	h.mu.Unlock()
	signal(h.ctrl)
	return nil
}

func (h *discardHandle) Resume() error {
	h.mu.Lock()
	h.paused = false
	h.mu.Unlock()
	signal(h.wake)
	return nil
}

func (h *discardHandle) Reset() error {
	h.mu.Lock()
	ids := make([]int, 0, len(h.segs))
	for _, seg := range h.segs {
		ids = append(ids, seg.id)
	}
	h.segs = nil
	h.epoch++
	h.mu.Unlock()

	signal(h.ctrl)
	go complete(h.done, ids)
	return nil
}

func (h *discardHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	ids := make([]int, 0, len(h.segs))
	for _, seg := range h.segs {
		ids = append(ids, seg.id)
	}
	h.segs = nil
	h.mu.Unlock()

	signal(h.ctrl)
	signal(h.wake)
	go complete(h.done, ids)
	return nil
}

func (h *discardHandle) SetVolume(float64) {}
