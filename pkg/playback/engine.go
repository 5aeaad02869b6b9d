// ABOUTME: Fixed-pool playback buffer engine driving an abstract audio sink
// ABOUTME: Play/pause/stop state machine with a fill-and-submit loop and fault recovery
package playback

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/audio"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/events"
)

const (
	DefaultBuffers        = 4
	DefaultBufferDuration = 100 * time.Millisecond
)

var (
	ErrNotPrepared  = errors.New("playback not prepared")
	ErrInvalidState = errors.New("invalid playback state transition")
	ErrEngineClosed = errors.New("playback engine closed")
)

// State is the playback state machine
type State int

const (
	Stopped State = iota
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// FillFunc writes up to len(buf) bytes of PCM into buf. Returning io.EOF
// (with or without data) ends the stream once submitted buffers drain.
type FillFunc func(buf []byte) (int, error)

// Config configures an Engine
type Config struct {
	Sink Sink

	// Buffers is the pool size
	Buffers int

	// BufferSize in bytes. Zero derives it from BufferDuration and the prepared format.
	BufferSize     int
	BufferDuration time.Duration

	// OnFinished is called after the fill function reached EOF and every buffer drained
	OnFinished func()

	Events *events.Bus
	Logger *log.Logger
}

// Stats is a point-in-time view of the buffer pool
type Stats struct {
	Buffers int
	Active  int
	Queued  int
}

// Engine owns the buffer pool and the playback loop
type Engine struct {
	cfg    Config
	bus    *events.Bus
	logger *log.Logger

	// stateMu guards the state machine and the open handle
	stateMu  sync.Mutex
	state    State
	prepared bool
	format   audio.Format
	handle   Handle
	paused   bool
	volume   float64
	closed   bool

	// qMu guards the queue, counters and loop flags; cond signals all of them
	qMu       sync.Mutex
	cond      *sync.Cond
	pool      [][]byte
	queue     []int
	queued    []bool
	inflight  []bool
	active    int
	gen       uint64
	seq       uint64
	cur       Handle
	fill      FillFunc
	cycle     bool
	running   bool
	stopReq   bool
	exhausted bool
	closing   bool

	recovering atomic.Bool
	loopDone   chan struct{}
}

// New creates an engine and starts its loop
func New(cfg Config) (*Engine, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("playback: sink is required")
	}
	if cfg.Buffers <= 0 {
		cfg.Buffers = DefaultBuffers
	}
	if cfg.BufferDuration <= 0 {
		cfg.BufferDuration = DefaultBufferDuration
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	e := &Engine{
		cfg:      cfg,
		bus:      cfg.Events,
		logger:   logger.With("component", "playback"),
		volume:   1,
		loopDone: make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.qMu)

	go e.loop()
	return e, nil
}

// Prepare opens the sink for f and allocates the pool, releasing any previous one.
// The engine is left Stopped.
func (e *Engine) Prepare(f audio.Format, fill FillFunc) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if fill == nil {
		return fmt.Errorf("playback: fill function is required")
	}

	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if e.state != Stopped {
		e.stopLocked()
		e.setStateLocked(Stopped)
	}
	e.releaseLocked()

	return e.openLocked(f, fill)
}

// openLocked opens a handle and a fresh pool. Caller holds stateMu with the loop idle.
func (e *Engine) openLocked(f audio.Format, fill FillFunc) error {
	e.qMu.Lock()
	e.gen++
	gen := e.gen
	e.qMu.Unlock()

	h, err := e.cfg.Sink.Open(f, func(id int) { e.onDone(gen, id) })
	if err != nil {
		return fmt.Errorf("open sink: %w", err)
	}
	h.SetVolume(e.volume)

	size := e.bufferSize(f)
	e.qMu.Lock()
	e.pool = make([][]byte, e.cfg.Buffers)
	for i := range e.pool {
		e.pool[i] = make([]byte, size)
	}
	e.queue = make([]int, 0, e.cfg.Buffers)
	e.queued = make([]bool, e.cfg.Buffers)
	e.inflight = make([]bool, e.cfg.Buffers)
	e.active = 0
	e.cur = h
	e.fill = fill
	e.stopReq = false
	e.exhausted = false
	e.qMu.Unlock()

	e.handle = h
	e.format = f
	e.prepared = true
	e.paused = false

	e.logger.Debug("prepared", "format", f.String(), "buffers", e.cfg.Buffers, "size", size)
	return nil
}

func (e *Engine) bufferSize(f audio.Format) int {
	if e.cfg.BufferSize > 0 {
		return e.cfg.BufferSize
	}
	block := f.BlockAlign()
	frames := int(int64(f.SampleRate) * int64(e.cfg.BufferDuration) / int64(time.Second))
	return max(frames, 1) * block
}

// releaseLocked closes the current handle. Caller holds stateMu with no buffer outstanding.
func (e *Engine) releaseLocked() {
	if e.handle == nil {
		return
	}
	if err := e.handle.Close(); err != nil {
		e.logger.Warn("sink close failed", "err", err)
	}

	e.qMu.Lock()
	e.gen++
	e.cur = nil
	e.fill = nil
	e.pool = nil
	e.queue = nil
	e.queued = nil
	e.inflight = nil
	e.qMu.Unlock()

	e.handle = nil
	e.prepared = false
}

// Play starts or resumes playback
func (e *Engine) Play() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if !e.prepared {
		return ErrNotPrepared
	}

	switch e.state {
	case Playing:
		return nil
	case Paused:
		if err := e.handle.Resume(); err != nil {
			return fmt.Errorf("resume sink: %w", err)
		}
		e.paused = false
	case Stopped:
		if e.paused {
			if err := e.handle.Resume(); err != nil {
				return fmt.Errorf("resume sink: %w", err)
			}
			e.paused = false
		}
		e.qMu.Lock()
		for id := range e.pool {
			if !e.queued[id] && !e.inflight[id] {
				e.queued[id] = true
				e.queue = append(e.queue, id)
			}
		}
		e.stopReq = false
		e.cycle = true
		e.seq++
		e.cond.Broadcast()
		e.qMu.Unlock()
	}

	e.setStateLocked(Playing)
	return nil
}

// Pause holds playback without releasing buffers
func (e *Engine) Pause() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	switch e.state {
	case Paused:
		return nil
	case Stopped:
		return fmt.Errorf("%w: pause while stopped", ErrInvalidState)
	}

	if err := e.handle.Pause(); err != nil {
		return fmt.Errorf("pause sink: %w", err)
	}
	e.paused = true
	e.setStateLocked(Paused)
	return nil
}

// Stop resets the sink and blocks until every in-flight buffer came back
func (e *Engine) Stop() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	if e.state == Stopped {
		return nil
	}
	e.stopLocked()
	e.setStateLocked(Stopped)
	return nil
}

// stopLocked halts the loop and drains the sink. Caller holds stateMu.
func (e *Engine) stopLocked() {
	e.qMu.Lock()
	e.stopReq = true
	e.cycle = false
	e.cond.Broadcast()
	for e.running {
		e.cond.Wait()
	}
	e.qMu.Unlock()

	if e.handle != nil {
		if err := e.handle.Reset(); err != nil {
			e.logger.Warn("sink reset failed", "err", err)
		}
	}

	e.qMu.Lock()
	for e.active > 0 {
		e.cond.Wait()
	}
	e.queue = e.queue[:0]
	for i := range e.queued {
		e.queued[i] = false
	}
	e.exhausted = false
	e.qMu.Unlock()
}

// SetVolume sets the output level in [0, 1]
func (e *Engine) SetVolume(level float64) {
	level = min(max(level, 0), 1)

	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	e.volume = level
	if e.handle != nil {
		e.handle.SetVolume(level)
	}
}

// Volume returns the output level
func (e *Engine) Volume() float64 {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.volume
}

// State returns the current state
func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// Format returns the last prepared format
func (e *Engine) Format() audio.Format {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.format
}

// Stats reports pool occupancy
func (e *Engine) Stats() Stats {
	e.qMu.Lock()
	defer e.qMu.Unlock()
	return Stats{Buffers: len(e.pool), Active: e.active, Queued: len(e.queue)}
}

// Close stops playback, releases the sink and ends the loop
func (e *Engine) Close() error {
	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return nil
	}
	e.closed = true
	if e.state != Stopped {
		e.stopLocked()
		e.setStateLocked(Stopped)
	}
	e.releaseLocked()
	e.stateMu.Unlock()

	e.qMu.Lock()
	e.closing = true
	e.cond.Broadcast()
	e.qMu.Unlock()

	<-e.loopDone
	return nil
}

func (e *Engine) setStateLocked(s State) {
	if e.state == s {
		return
	}
	e.state = s
	e.bus.Publish(events.Event{Kind: events.PlaybackState, State: s.String()})
}

// loop fills free buffers and submits them until stopped or the source ends
func (e *Engine) loop() {
	defer close(e.loopDone)

	e.qMu.Lock()
	defer e.qMu.Unlock()

	for {
		for !e.cycle && !e.closing {
			e.cond.Wait()
		}
		if e.closing {
			return
		}
		e.cycle = false
		e.running = true

		e.runCycleLocked()

		e.running = false
		e.cond.Broadcast()
	}
}

// runCycleLocked is one Playing cycle. Called and returns with qMu held.
func (e *Engine) runCycleLocked() {
	for {
		if e.stopReq || e.closing {
			return
		}

		if e.exhausted {
			if e.active == 0 {
				go e.finish(e.gen, e.seq)
				return
			}
			e.cond.Wait()
			continue
		}

		if len(e.queue) == 0 {
			e.cond.Wait()
			continue
		}

		id := e.queue[0]
		e.queue = e.queue[1:]
		e.queued[id] = false
		e.inflight[id] = true
		e.active++
		buf, fill, h := e.pool[id], e.fill, e.cur

		e.qMu.Unlock()
		n, ferr := fill(buf)
		var serr error
		if n > 0 {
			serr = h.Submit(id, buf[:n])
		}
		e.qMu.Lock()

		if n <= 0 || serr != nil {
			// Nothing reached the sink, so the buffer comes straight back
			e.inflight[id] = false
			e.active--
			if !e.queued[id] {
				e.queued[id] = true
				e.queue = append(e.queue, id)
			}
		}

		switch {
		case serr != nil:
			e.logger.Warn("sink submit failed", "buffer", id, "err", serr)
			e.exhausted = true
		case errors.Is(ferr, io.EOF) || errors.Is(ferr, io.ErrUnexpectedEOF):
			e.exhausted = true
		case ferr != nil:
			e.logger.Warn("fill failed", "buffer", id, "err", ferr)
			e.exhausted = true
		}
	}
}

// onDone is the sink completion callback
func (e *Engine) onDone(gen uint64, id int) {
	defer func() {
		if r := recover(); r != nil {
			e.fault(fmt.Errorf("completion callback panic: %v", r))
		}
	}()

	e.qMu.Lock()
	defer e.qMu.Unlock()

	if gen != e.gen {
		return
	}
	if id < 0 || id >= len(e.pool) || !e.inflight[id] {
		panic(fmt.Sprintf("completion for buffer %d not in flight", id))
	}

	e.inflight[id] = false
	e.active--
	if !e.queued[id] {
		e.queued[id] = true
		e.queue = append(e.queue, id)
	}
	e.cond.Broadcast()
}

// fault schedules recovery off the callback goroutine; repeated faults coalesce
func (e *Engine) fault(err error) {
	if !e.recovering.CompareAndSwap(false, true) {
		return
	}
	e.logger.Warn("sink callback fault, recovering playback", "err", err)

	go func() {
		defer e.recovering.Store(false)
		if rerr := e.recoverPlayback(); rerr != nil {
			e.logger.Error("playback recovery failed", "err", rerr)
			e.bus.Publish(events.Event{Kind: events.PlaybackRecovered, Err: rerr.Error(), Detail: err.Error()})
			return
		}
		e.bus.Publish(events.Event{Kind: events.PlaybackRecovered, Detail: err.Error()})
	}()
}

// recoverPlayback re-prepares with the last format and resumes if playback was active.
// The faulted handle's bookkeeping is discarded instead of drained.
func (e *Engine) recoverPlayback() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	if e.closed || !e.prepared {
		return nil
	}
	resume := e.state != Stopped
	wasPaused := e.state == Paused

	e.qMu.Lock()
	e.stopReq = true
	e.cycle = false
	e.gen++
	e.cond.Broadcast()
	for e.running {
		e.cond.Wait()
	}
	fill := e.fill
	e.qMu.Unlock()

	if err := e.handle.Reset(); err != nil {
		e.logger.Warn("sink reset failed", "err", err)
	}
	if err := e.handle.Close(); err != nil {
		e.logger.Warn("sink close failed", "err", err)
	}
	e.handle = nil

	if err := e.openLocked(e.format, fill); err != nil {
		e.prepared = false
		e.setStateLocked(Stopped)
		return err
	}

	if !resume {
		return nil
	}

	if wasPaused {
		if err := e.handle.Pause(); err != nil {
			e.setStateLocked(Stopped)
			return err
		}
		e.paused = true
	}

	e.qMu.Lock()
	for id := range e.pool {
		e.queued[id] = true
		e.queue = append(e.queue, id)
	}
	e.cycle = true
	e.seq++
	e.cond.Broadcast()
	e.qMu.Unlock()
	return nil
}

// finish stops the engine after the source drained, unless a newer prepare or stop superseded it
func (e *Engine) finish(gen, seq uint64) {
	e.stateMu.Lock()

	e.qMu.Lock()
	current := gen == e.gen && seq == e.seq
	e.qMu.Unlock()

	if !current || e.state == Stopped {
		e.stateMu.Unlock()
		return
	}
	e.stopLocked()
	e.setStateLocked(Stopped)
	e.stateMu.Unlock()

	e.logger.Debug("playback finished")
	e.bus.Publish(events.Event{Kind: events.PlaybackFinished})
	if e.cfg.OnFinished != nil {
		e.cfg.OnFinished()
	}
}
